// Package workers runs the Background Workers (C8): the TTL sweeper
// driver, the retention cleaner, and the metrics gauge refresher.
package workers

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sandboxplatform/controlplane/pkg/database"
	"github.com/sandboxplatform/controlplane/pkg/runtime"
	"github.com/sandboxplatform/controlplane/pkg/sandboxes"
)

// Config controls the workers' intervals and retention windows.
type Config struct {
	TTLSweepInterval     time.Duration
	RetentionInterval    time.Duration
	LogRetentionDays     int
	AuditRetentionDays   int
	MetricsRefreshInterval time.Duration
}

// Runner drives the three periodic background tasks, each catching its
// own errors so one failing sweep never stalls the others.
type Runner struct {
	db        *database.DB
	sandboxes *sandboxes.Service
	runtime   runtime.Adapter
	cfg       Config
	logger    *zap.Logger

	gauges *GaugeStore

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a new background worker runner.
func New(db *database.DB, sandboxSvc *sandboxes.Service, rt runtime.Adapter, cfg Config, logger *zap.Logger) *Runner {
	if cfg.TTLSweepInterval == 0 {
		cfg.TTLSweepInterval = 60 * time.Second
	}
	if cfg.RetentionInterval == 0 {
		cfg.RetentionInterval = 24 * time.Hour
	}
	if cfg.LogRetentionDays == 0 {
		cfg.LogRetentionDays = 7
	}
	if cfg.AuditRetentionDays == 0 {
		cfg.AuditRetentionDays = 90
	}
	if cfg.MetricsRefreshInterval == 0 {
		cfg.MetricsRefreshInterval = 30 * time.Second
	}

	return &Runner{
		db:        db,
		sandboxes: sandboxSvc,
		runtime:   rt,
		cfg:       cfg,
		logger:    logger,
		gauges:    NewGaugeStore(),
		stopCh:    make(chan struct{}),
	}
}

// Start launches all three periodic loops.
func (r *Runner) Start(ctx context.Context) {
	r.spawn(ctx, r.cfg.TTLSweepInterval, r.sandboxes.SweepExpired)
	r.spawn(ctx, r.cfg.RetentionInterval, r.cleanRetention)
	r.spawn(ctx, r.cfg.MetricsRefreshInterval, r.refreshGauges)
}

// Stop signals all loops to exit and waits for them to finish.
func (r *Runner) Stop() {
	close(r.stopCh)
	r.wg.Wait()
}

func (r *Runner) spawn(ctx context.Context, interval time.Duration, task func(context.Context)) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		task(ctx)
		for {
			select {
			case <-ticker.C:
				task(ctx)
			case <-r.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// cleanRetention purges sandbox logs and audit entries past their
// retention windows, per §4.8.
func (r *Runner) cleanRetention(ctx context.Context) {
	if n, err := r.db.PurgeLogsOlderThanDays(ctx, r.cfg.LogRetentionDays); err != nil {
		r.logger.Error("retention cleaner: failed to purge old logs", zap.Error(err))
	} else if n > 0 {
		r.logger.Info("retention cleaner: purged old logs", zap.Int64("count", n))
	}

	if n, err := r.db.PurgeAuditOlderThanDays(ctx, r.cfg.AuditRetentionDays); err != nil {
		r.logger.Error("retention cleaner: failed to purge old audit entries", zap.Error(err))
	} else if n > 0 {
		r.logger.Info("retention cleaner: purged old audit entries", zap.Int64("count", n))
	}
}
