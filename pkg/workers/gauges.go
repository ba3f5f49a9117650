package workers

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sandboxplatform/controlplane/pkg/models"
)

// Gauge is one sandbox's most recently sampled resource usage.
type Gauge struct {
	SandboxID     string
	CPUPercent    float64
	MemoryPercent float64
	SampledAt     time.Time
}

// GaugeStore holds the latest sample per running sandbox. It is the
// in-memory store the Supplemented Feature in SPEC_FULL.md §4 calls for:
// no time series, just the most recent reading per sandbox, refreshed on
// an interval and readable by the metrics handler between refreshes.
type GaugeStore struct {
	mu     sync.RWMutex
	gauges map[string]Gauge
}

// NewGaugeStore creates an empty gauge store.
func NewGaugeStore() *GaugeStore {
	return &GaugeStore{gauges: make(map[string]Gauge)}
}

func (g *GaugeStore) set(sample Gauge) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.gauges[sample.SandboxID] = sample
}

func (g *GaugeStore) remove(sandboxID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.gauges, sandboxID)
}

// Get returns the most recent sample for a sandbox, if any.
func (g *GaugeStore) Get(sandboxID string) (Gauge, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	sample, ok := g.gauges[sandboxID]
	return sample, ok
}

// Snapshot returns every currently held sample.
func (g *GaugeStore) Snapshot() []Gauge {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]Gauge, 0, len(g.gauges))
	for _, sample := range g.gauges {
		out = append(out, sample)
	}
	return out
}

// Gauges exposes the runner's live gauge store, for the metrics handler.
func (r *Runner) Gauges() *GaugeStore {
	return r.gauges
}

// refreshGauges samples container stats for every running sandbox and
// retires gauges for sandboxes no longer running. One slow or failing
// Stats call only drops that sandbox's sample for this tick.
func (r *Runner) refreshGauges(ctx context.Context) {
	running, err := r.db.ListAllByStatus(ctx, models.StatusRunning)
	if err != nil {
		r.logger.Error("gauge refresher: failed to list running sandboxes", zap.Error(err))
		return
	}

	seen := make(map[string]struct{}, len(running))
	for _, sb := range running {
		seen[sb.ID] = struct{}{}
		if sb.ContainerRef == "" {
			continue
		}

		stats, err := r.runtime.Stats(ctx, sb.ContainerRef)
		if err != nil {
			r.logger.Warn("gauge refresher: failed to sample stats",
				zap.String("sandbox_id", sb.ID), zap.Error(err))
			continue
		}

		r.gauges.set(Gauge{
			SandboxID:     sb.ID,
			CPUPercent:    stats.CPUPercent,
			MemoryPercent: stats.MemoryPercent,
			SampledAt:     time.Now(),
		})
	}

	for _, sample := range r.gauges.Snapshot() {
		if _, ok := seen[sample.SandboxID]; !ok {
			r.gauges.remove(sample.SandboxID)
		}
	}
}
