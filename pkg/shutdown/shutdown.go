// Package shutdown implements the Shutdown Sequence (C9): quiescing
// background workers, stopping and removing every runtime-owned container,
// and closing the store, all within one hard deadline.
package shutdown

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sandboxplatform/controlplane/pkg/database"
	"github.com/sandboxplatform/controlplane/pkg/runtime"
	"github.com/sandboxplatform/controlplane/pkg/workers"
)

// stopGraceSeconds bounds each container's own stop grace period so one
// slow container can't eat the whole shutdown budget.
const stopGraceSeconds = 5

// Sequencer drives an orderly shutdown against a hard deadline.
type Sequencer struct {
	server  *http.Server
	workers *workers.Runner
	runtime runtime.Adapter
	db      *database.DB
	logger  *zap.Logger
}

// New creates a new shutdown sequencer.
func New(server *http.Server, w *workers.Runner, rt runtime.Adapter, db *database.DB, logger *zap.Logger) *Sequencer {
	return &Sequencer{server: server, workers: w, runtime: rt, db: db, logger: logger}
}

// Run executes the shutdown sequence within budget: stop accepting new
// connections, quiesce workers, reclaim containers, close the store. Each
// step is best-effort; a failure in one never skips the rest.
func (s *Sequencer) Run(ctx context.Context, budget time.Duration) {
	deadline, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	if err := s.server.Shutdown(deadline); err != nil {
		s.logger.Error("server forced to shutdown", zap.Error(err))
	}
	s.logger.Info("http server stopped accepting connections")

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.workers.Stop()
	}()
	wg.Wait()
	s.logger.Info("background workers stopped")

	s.reclaimContainers(deadline)

	if err := s.db.Close(); err != nil {
		s.logger.Error("failed to close database", zap.Error(err))
	}
	s.logger.Info("shutdown sequence complete")
}

// reclaimContainers stops and removes every container this process owns,
// so a restart never inherits orphaned containers from the last run.
func (s *Sequencer) reclaimContainers(ctx context.Context) {
	refs, err := s.runtime.ListOwned(ctx)
	if err != nil {
		s.logger.Error("failed to list owned containers during shutdown", zap.Error(err))
		return
	}

	var wg sync.WaitGroup
	for _, ref := range refs {
		wg.Add(1)
		go func(ref string) {
			defer wg.Done()
			if err := s.runtime.Stop(ctx, ref, stopGraceSeconds); err != nil {
				s.logger.Warn("failed to stop container during shutdown", zap.String("container_ref", ref), zap.Error(err))
			}
			if err := s.runtime.Remove(ctx, ref, true); err != nil {
				s.logger.Warn("failed to remove container during shutdown", zap.String("container_ref", ref), zap.Error(err))
			}
		}(ref)
	}
	wg.Wait()
	s.logger.Info("reclaimed runtime-owned containers", zap.Int("count", len(refs)))
}
