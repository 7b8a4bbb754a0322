// Package namesystem ties the namespace tree, the replica tracker, the
// lease table and storage-node liveness together behind one lock and
// persists every namespace mutation to the edit log.
package namesystem

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/devrev/pairfs/internal/blockmanager"
	"github.com/devrev/pairfs/internal/config"
	"github.com/devrev/pairfs/internal/editlog"
	"github.com/devrev/pairfs/internal/errors"
	"github.com/devrev/pairfs/internal/lease"
	"github.com/devrev/pairfs/internal/liveness"
	"github.com/devrev/pairfs/internal/metrics"
	"github.com/devrev/pairfs/internal/model"
	"github.com/devrev/pairfs/internal/namespace"
	"go.uber.org/zap"
)

// HostsLoader returns the current admission and decommission list
type HostsLoader func() (*config.Hosts, error)

// Config holds namesystem settings
type Config struct {
	// HolderName is the lease holder used while the coordinator recovers
	// a file on behalf of a vanished client.
	HolderName         string
	DefaultBlockSize   int64
	DefaultReplication int16
	MinReplication     int16
	MaxReplication     int16

	Liveness        liveness.Config
	PendingTimeout  time.Duration
	InitialGenStamp model.GenerationStamp
	SoftLimit       time.Duration
	HardLimit       time.Duration
	RecoveryRetry   time.Duration
	WorkPerSweep    int

	SafeModeThreshold float64
	SafeModeMinNodes  int
	SafeModeExtension time.Duration
	StartInSafeMode   bool
}

// ConfigFrom derives namesystem settings from the service configuration
func ConfigFrom(c *config.Config) Config {
	return Config{
		HolderName:         "pairfs-coordinator-" + c.Server.NodeID,
		DefaultBlockSize:   c.Namespace.DefaultBlockSize,
		DefaultReplication: c.Namespace.DefaultReplication,
		MinReplication:     c.Namespace.MinReplication,
		MaxReplication:     c.Namespace.MaxReplication,
		Liveness: liveness.Config{
			StaleInterval:             c.Heartbeat.StaleInterval,
			DeadTimeout:               c.Heartbeat.DeadTimeout,
			MaxInvalidatePerHeartbeat: c.Heartbeat.MaxInvalidatePerHeartbeat,
		},
		PendingTimeout:    c.Replication.PendingTimeout,
		SoftLimit:         c.Lease.SoftLimit,
		HardLimit:         c.Lease.HardLimit,
		RecoveryRetry:     c.Lease.RecoveryRetry,
		WorkPerSweep:      c.Replication.WorkPerSweep,
		SafeModeThreshold: c.SafeMode.ThresholdPct,
		SafeModeMinNodes:  c.SafeMode.MinDataNodes,
		SafeModeExtension: c.SafeMode.Extension,
		StartInSafeMode:   c.SafeMode.StartupEnabled,
	}
}

// Namesystem is the coordinator's metadata authority. A single
// reader-writer lock covers the tree, the replica tracker and the lease
// table. Heartbeats touch only the liveness tracker and its per-node locks.
type Namesystem struct {
	mu     sync.RWMutex
	tree   *namespace.Tree
	blocks *blockmanager.Manager
	leases *lease.Manager
	nodes  *liveness.Tracker
	log    *editlog.Log

	safe      *safeMode
	hosts     *config.Hosts
	loadHosts HostsLoader

	cfg     Config
	metrics *metrics.Metrics
	clock   func() time.Time
	logger  *zap.Logger
}

// New builds an empty namesystem writing edits to sink. Load must be
// called before serving to replay what the sink already holds.
func New(cfg Config, sink editlog.Sink, loadHosts HostsLoader, m *metrics.Metrics, clock func() time.Time, logger *zap.Logger) (*Namesystem, error) {
	if clock == nil {
		clock = time.Now
	}
	if cfg.HolderName == "" {
		cfg.HolderName = "pairfs-coordinator"
	}
	if cfg.MinReplication <= 0 {
		cfg.MinReplication = 1
	}
	if cfg.WorkPerSweep <= 0 {
		cfg.WorkPerSweep = 100
	}
	if loadHosts == nil {
		loadHosts = func() (*config.Hosts, error) { return &config.Hosts{}, nil }
	}
	hosts, err := loadHosts()
	if err != nil {
		return nil, fmt.Errorf("failed to load hosts: %w", err)
	}

	nodes := liveness.NewTracker(cfg.Liveness, clock, logger)
	blocks := blockmanager.NewManager(blockmanager.Config{
		MinReplication:  int(cfg.MinReplication),
		PendingTimeout:  cfg.PendingTimeout,
		InitialGenStamp: cfg.InitialGenStamp,
	}, nodes, nodes, clock, logger)

	ns := &Namesystem{
		tree:      namespace.NewTree(logger),
		blocks:    blocks,
		leases:    lease.NewManager(cfg.SoftLimit, cfg.HardLimit, clock, logger),
		nodes:     nodes,
		log:       editlog.NewLog(sink, 0, logger),
		safe:      newSafeMode(cfg, clock, logger),
		hosts:     hosts,
		loadHosts: loadHosts,
		cfg:       cfg,
		metrics:   m,
		clock:     clock,
		logger:    logger,
	}
	m.SetSafeMode(ns.safe.isOn())
	return ns, nil
}

// Tracker exposes storage-node liveness, for example to gossip
func (ns *Namesystem) Tracker() *liveness.Tracker {
	return ns.nodes
}

// LastTxID returns the last assigned edit log txid
func (ns *Namesystem) LastTxID() int64 {
	return ns.log.LastTxID()
}

func (ns *Namesystem) now() int64 {
	return ns.clock().UnixMilli()
}

// logEdit stamps and buffers a record. Called with the write lock held.
func (ns *Namesystem) logEdit(r *editlog.Record) {
	r.Timestamp = ns.now()
	ns.log.Append(r)
}

func (ns *Namesystem) syncLog(ctx context.Context) error {
	err := ns.log.Sync(ctx)
	ns.metrics.RecordSync(ns.log.SyncedTxID(), err)
	if err != nil {
		return errors.InternalError("failed to persist edit", err)
	}
	return nil
}

// writeOp runs fn under the write lock and syncs whatever it logged once
// the lock is released.
func (ns *Namesystem) writeOp(ctx context.Context, op string, fn func() error) error {
	start := time.Now()
	ns.mu.Lock()
	err := fn()
	ns.mu.Unlock()

	if syncErr := ns.syncLog(ctx); err == nil {
		err = syncErr
	}
	ns.observe(op, start, err)
	return err
}

func (ns *Namesystem) readOp(op string, fn func() error) error {
	start := time.Now()
	ns.mu.RLock()
	err := fn()
	ns.mu.RUnlock()
	ns.observe(op, start, err)
	return err
}

func (ns *Namesystem) observe(op string, start time.Time, err error) {
	ns.metrics.RecordOp(op, time.Since(start).Seconds())
	if err == nil {
		return
	}
	code := errors.GetCode(err)
	ns.metrics.RecordError(op, code.String())
	switch code {
	case errors.ErrCodeNSQuotaExceeded:
		ns.metrics.RecordQuotaViolation("namespace")
	case errors.ErrCodeDSQuotaExceeded:
		ns.metrics.RecordQuotaViolation("space")
	case errors.ErrCodeInternal:
		ns.logger.Error("Operation failed", zap.String("operation", op), zap.Error(err))
	}
}

// checkWritable rejects mutations during safe mode
func (ns *Namesystem) checkWritable(op string) error {
	if ns.safe.isOn() {
		return errors.SafeMode(op)
	}
	return nil
}

func (ns *Namesystem) validReplication(r int16) (int16, error) {
	if r == 0 {
		return ns.cfg.DefaultReplication, nil
	}
	if r < ns.cfg.MinReplication || r > ns.cfg.MaxReplication {
		return 0, errors.InvalidArgument(
			fmt.Sprintf("replication %d outside [%d, %d]", r, ns.cfg.MinReplication, ns.cfg.MaxReplication), nil)
	}
	return r, nil
}

// Report is a cluster snapshot for operators
type Report struct {
	Nodes        []model.NodeStatus `json:"nodes"`
	Blocks       blockmanager.Stats `json:"blocks"`
	SafeMode     SafeModeStatus     `json:"safe_mode"`
	LeaseHolders int                `json:"lease_holders"`
	OpenFiles    int                `json:"open_files"`
	Recovering   int                `json:"recovering_files"`
	INodes       int                `json:"inodes"`
	LastTxID     int64              `json:"last_txid"`
}

// Report returns a cluster snapshot
func (ns *Namesystem) Report() *Report {
	ns.mu.RLock()
	defer ns.mu.RUnlock()

	nodes := ns.nodes.List()
	for i := range nodes {
		nodes[i].NumBlocks = ns.blocks.NodeBlockCount(nodes[i].NodeID)
	}
	holders, files := ns.leases.Count()
	return &Report{
		Nodes:        nodes,
		Blocks:       ns.blocks.Stats(),
		SafeMode:     ns.safeModeStatusLocked(),
		LeaseHolders: holders,
		OpenFiles:    files,
		Recovering:   len(ns.leases.RecoveringFiles()),
		INodes:       ns.tree.NumINodes(),
		LastTxID:     ns.log.LastTxID(),
	}
}

// UpdateGauges refreshes the point-in-time metrics
func (ns *Namesystem) UpdateGauges() {
	r := ns.Report()
	ns.metrics.UpdateBlockGauges(r.Blocks.UnderReplicated, r.Blocks.Missing, r.Blocks.CorruptBlocks, r.Blocks.PendingReplication)
	ns.metrics.UpdateLeases(r.LeaseHolders, r.OpenFiles, r.Recovering)
	for state, n := range ns.nodes.Counts() {
		ns.metrics.UpdateStorageNodes(string(state), n)
	}
	ns.metrics.SetSafeMode(r.SafeMode.On)
}

// VerifyCounts recomputes every directory's usage and compares it with
// the cached counters.
func (ns *Namesystem) VerifyCounts() error {
	ns.mu.RLock()
	defer ns.mu.RUnlock()
	return ns.tree.VerifyCounts()
}
