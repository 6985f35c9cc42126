package workers

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mkrenz/stackpilot/internal/shell/ops"
)

// SnapshotPrunerConfig configures the snapshot pruner worker.
type SnapshotPrunerConfig struct {
	// Interval is the time between pruning passes. Default: 1 hour.
	Interval time.Duration

	// Retention is how long snapshots are kept. Default: 7 days.
	Retention time.Duration

	// Metrics receives the pruned snapshot counter. Optional.
	Metrics *ops.Metrics
}

// DefaultSnapshotPrunerConfig returns the default configuration.
func DefaultSnapshotPrunerConfig() SnapshotPrunerConfig {
	return SnapshotPrunerConfig{
		Interval:  time.Hour,
		Retention: 7 * 24 * time.Hour,
	}
}

// PrunerStore is the persistence surface the pruner needs.
type PrunerStore interface {
	RemoveSnapshotsOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// SnapshotPruner periodically deletes health snapshots older than the
// retention window. Snapshot history is an operational aid, not an audit
// log; old entries only grow the database.
type SnapshotPruner struct {
	store  PrunerStore
	config SnapshotPrunerConfig
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSnapshotPruner creates a snapshot pruner worker.
func NewSnapshotPruner(store PrunerStore, config SnapshotPrunerConfig, logger *slog.Logger) *SnapshotPruner {
	if config.Interval == 0 {
		config.Interval = time.Hour
	}
	if config.Retention == 0 {
		config.Retention = 7 * 24 * time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &SnapshotPruner{
		store:  store,
		config: config,
		logger: logger.With("component", "snapshot_pruner"),
	}
}

// Start begins the pruner background goroutine.
func (p *SnapshotPruner) Start() {
	p.ctx, p.cancel = context.WithCancel(context.Background())

	p.wg.Add(1)
	go p.run()

	p.logger.Info("snapshot pruner started",
		"interval", p.config.Interval,
		"retention", p.config.Retention)
}

// Stop gracefully stops the pruner.
func (p *SnapshotPruner) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	p.logger.Info("snapshot pruner stopped")
}

func (p *SnapshotPruner) run() {
	defer p.wg.Done()

	p.runCycle()

	ticker := time.NewTicker(p.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.runCycle()
		}
	}
}

func (p *SnapshotPruner) runCycle() {
	ctx, cancel := context.WithTimeout(p.ctx, time.Minute)
	defer cancel()

	cutoff := time.Now().UTC().Add(-p.config.Retention)
	pruned, err := p.store.RemoveSnapshotsOlderThan(ctx, cutoff)
	if err != nil {
		p.logger.Error("failed to prune snapshots", "error", err)
		return
	}
	p.config.Metrics.AddSnapshotsPruned(pruned)
	if pruned > 0 {
		p.logger.Info("pruned old snapshots", "count", pruned, "cutoff", cutoff)
	}
}
