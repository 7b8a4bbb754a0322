package namesystem

import (
	"context"
	"time"

	"github.com/devrev/pairfs/internal/dispatch"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// MonitorConfig holds background sweep intervals
type MonitorConfig struct {
	HeartbeatSweep      time.Duration
	ReplicationInterval time.Duration
	LeaseInterval       time.Duration
	WorkPerSweep        int
}

// Monitor drives the periodic work of a namesystem: liveness sweeps,
// replication scheduling and lease expiry.
type Monitor struct {
	ns         *Namesystem
	dispatcher *dispatch.Dispatcher
	cfg        MonitorConfig
	logger     *zap.Logger
}

// NewMonitor creates a monitor. Scheduled replication is handed to
// dispatcher, whose delivery should be ns.DeliverReplication.
func NewMonitor(ns *Namesystem, dispatcher *dispatch.Dispatcher, cfg MonitorConfig, logger *zap.Logger) *Monitor {
	if cfg.HeartbeatSweep <= 0 {
		cfg.HeartbeatSweep = 5 * time.Second
	}
	if cfg.ReplicationInterval <= 0 {
		cfg.ReplicationInterval = 3 * time.Second
	}
	if cfg.LeaseInterval <= 0 {
		cfg.LeaseInterval = 2 * time.Second
	}
	if cfg.WorkPerSweep <= 0 {
		cfg.WorkPerSweep = ns.cfg.WorkPerSweep
	}
	return &Monitor{ns: ns, dispatcher: dispatcher, cfg: cfg, logger: logger}
}

// Run blocks until ctx is cancelled
func (m *Monitor) Run(ctx context.Context) error {
	m.logger.Info("Starting namesystem monitor",
		zap.Duration("heartbeat_sweep", m.cfg.HeartbeatSweep),
		zap.Duration("replication_interval", m.cfg.ReplicationInterval),
		zap.Duration("lease_interval", m.cfg.LeaseInterval))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return every(gctx, m.cfg.HeartbeatSweep, m.SweepHeartbeats) })
	g.Go(func() error { return every(gctx, m.cfg.ReplicationInterval, m.SweepReplication) })
	g.Go(func() error { return every(gctx, m.cfg.LeaseInterval, m.SweepLeases) })
	return g.Wait()
}

func every(ctx context.Context, interval time.Duration, fn func(context.Context)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			fn(ctx)
		}
	}
}

// SweepHeartbeats reclassifies storage nodes, completes decommissions and
// re-evaluates safe mode.
func (m *Monitor) SweepHeartbeats(ctx context.Context) {
	m.ns.CheckHeartbeats()
	for _, id := range m.ns.CheckDecommission() {
		m.logger.Info("Storage node decommissioned", zap.String("node_id", string(id)))
	}
	m.ns.CheckSafeMode()
	m.ns.UpdateGauges()
}

// SweepReplication expires stale pending work and dispatches newly
// scheduled replication.
func (m *Monitor) SweepReplication(ctx context.Context) {
	m.ns.CheckPendingReplications()
	work := m.ns.DrainReplicationWork(m.cfg.WorkPerSweep)
	dropped := 0
	for _, w := range work {
		if !m.dispatcher.TrySubmit(w) {
			dropped++
		}
	}
	if dropped > 0 {
		m.logger.Warn("Replication dispatch queue full",
			zap.Int("scheduled", len(work)),
			zap.Int("dropped", dropped))
	}
}

// SweepLeases recovers files whose leases expired
func (m *Monitor) SweepLeases(ctx context.Context) {
	if n := m.ns.CheckLeases(ctx); n > 0 {
		m.logger.Info("Processed expired leases", zap.Int("files", n))
	}
}
