package sandboxes

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sandboxplatform/controlplane/pkg/models"
	"github.com/sandboxplatform/controlplane/pkg/redact"
)

// defaultLogRetention is the per-sandbox newest-N cap, per §3.
const defaultLogRetention = 10000

// collectorRegistry tracks the one live log collector per running
// container, so Stop/Destroy can cancel it and a restart doesn't spawn a
// second one.
type collectorRegistry struct {
	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

func newCollectorRegistry() *collectorRegistry {
	return &collectorRegistry{cancels: make(map[string]context.CancelFunc)}
}

func (r *collectorRegistry) start(s *Service, sandboxID, containerRef string) {
	r.mu.Lock()
	if _, ok := r.cancels[sandboxID]; ok {
		r.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.cancels[sandboxID] = cancel
	r.mu.Unlock()

	go s.collectLogs(ctx, sandboxID, containerRef, func() {
		r.mu.Lock()
		delete(r.cancels, sandboxID)
		r.mu.Unlock()
	})
}

func (r *collectorRegistry) stop(sandboxID string) {
	r.mu.Lock()
	cancel, ok := r.cancels[sandboxID]
	delete(r.cancels, sandboxID)
	r.mu.Unlock()
	if ok {
		cancel()
	}
}

// collectLogs consumes stream_logs starting at "now", redacts and
// persists each event, and enforces the per-sandbox retention cap. It
// terminates when the stream ends or ctx is canceled, per §4.5's Log
// Collector.
func (s *Service) collectLogs(ctx context.Context, sandboxID, containerRef string, done func()) {
	defer done()

	events, err := s.runtime.StreamLogs(ctx, containerRef, time.Now().Unix())
	if err != nil {
		s.logger.Warn("log collector: failed to start stream", zap.String("sandbox_id", sandboxID), zap.Error(err))
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}

			entry := &models.SandboxLog{
				ID:        uuid.New().String(),
				SandboxID: sandboxID,
				Stream:    models.LogStream(evt.Stream),
				Text:      redact.Text(evt.Text),
				Timestamp: evt.Timestamp,
			}

			if err := s.db.InsertLog(context.Background(), entry); err != nil {
				s.logger.Warn("log collector: failed to persist log entry", zap.String("sandbox_id", sandboxID), zap.Error(err))
				continue
			}

			if _, err := s.db.TrimLogsOverCap(context.Background(), sandboxID, defaultLogRetention); err != nil {
				s.logger.Warn("log collector: failed to trim logs", zap.String("sandbox_id", sandboxID), zap.Error(err))
			}

			s.hubNotify(sandboxID, entry)
		}
	}
}

// hubNotify is a hook the Log & Terminal Hub installs so live viewers get
// each persisted event immediately, without polling the store. No-op when
// no hub is wired.
func (s *Service) hubNotify(sandboxID string, entry *models.SandboxLog) {
	if s.onLogEvent != nil {
		s.onLogEvent(sandboxID, entry)
	}
}

// OnLogEvent installs a callback invoked once per persisted log event,
// for the hub's live-tail fan-out.
func (s *Service) OnLogEvent(fn func(sandboxID string, entry *models.SandboxLog)) {
	s.onLogEvent = fn
}
