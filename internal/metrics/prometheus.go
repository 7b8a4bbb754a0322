package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// Namespace operation metrics
	OpsTotal        *prometheus.CounterVec
	OpDuration      *prometheus.HistogramVec
	OpErrors        *prometheus.CounterVec
	QuotaViolations *prometheus.CounterVec
	RetryCacheHits  *prometheus.CounterVec

	// Block metrics
	UnderReplicatedBlocks prometheus.Gauge
	MissingBlocks         prometheus.Gauge
	CorruptBlocks         prometheus.Gauge
	PendingReplications   prometheus.Gauge
	ReplicationScheduled  prometheus.Counter
	ReplicationTimeouts   prometheus.Counter
	InvalidationsQueued   prometheus.Counter

	// Storage node metrics
	StorageNodes         *prometheus.GaugeVec
	HeartbeatsTotal      prometheus.Counter
	BlockReportsTotal    *prometheus.CounterVec
	NodeStateTransitions *prometheus.CounterVec

	// Lease metrics
	LeaseHolders    prometheus.Gauge
	OpenFiles       prometheus.Gauge
	RecoveriesTotal *prometheus.CounterVec
	RecoveringFiles prometheus.Gauge

	// Edit log and safe mode
	EditLogTxID    prometheus.Gauge
	EditLogSyncs   *prometheus.CounterVec
	SafeModeActive prometheus.Gauge
}

// NewMetrics creates metrics registered on reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		OpsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pairfs_namesystem_ops_total",
				Help: "Total number of namesystem operations processed",
			},
			[]string{"operation"},
		),

		OpDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pairfs_namesystem_op_duration_seconds",
				Help:    "Duration of namesystem operations including edit log sync",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),

		OpErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pairfs_namesystem_op_errors_total",
				Help: "Total number of failed namesystem operations",
			},
			[]string{"operation", "code"},
		),

		QuotaViolations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pairfs_quota_violations_total",
				Help: "Mutations rejected by a directory quota",
			},
			[]string{"kind"},
		),

		RetryCacheHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pairfs_retry_cache_hits_total",
				Help: "Retried calls answered from the retry cache",
			},
			[]string{"operation"},
		),

		UnderReplicatedBlocks: factory.NewGauge(prometheus.GaugeOpts{
			Name: "pairfs_under_replicated_blocks",
			Help: "Blocks with fewer live replicas than their replication factor",
		}),

		MissingBlocks: factory.NewGauge(prometheus.GaugeOpts{
			Name: "pairfs_missing_blocks",
			Help: "Blocks with no usable replica",
		}),

		CorruptBlocks: factory.NewGauge(prometheus.GaugeOpts{
			Name: "pairfs_corrupt_blocks",
			Help: "Blocks with at least one corrupt replica",
		}),

		PendingReplications: factory.NewGauge(prometheus.GaugeOpts{
			Name: "pairfs_pending_replications",
			Help: "Scheduled replications not yet confirmed",
		}),

		ReplicationScheduled: factory.NewCounter(prometheus.CounterOpts{
			Name: "pairfs_replication_scheduled_total",
			Help: "Replication work items handed to storage nodes",
		}),

		ReplicationTimeouts: factory.NewCounter(prometheus.CounterOpts{
			Name: "pairfs_replication_timeouts_total",
			Help: "Pending replications that timed out and were requeued",
		}),

		InvalidationsQueued: factory.NewCounter(prometheus.CounterOpts{
			Name: "pairfs_invalidations_queued_total",
			Help: "Replica invalidations queued by block reports",
		}),

		StorageNodes: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pairfs_storage_nodes",
				Help: "Storage nodes by liveness state",
			},
			[]string{"state"},
		),

		HeartbeatsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "pairfs_heartbeats_total",
			Help: "Storage node heartbeats processed",
		}),

		BlockReportsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pairfs_block_reports_total",
				Help: "Block reports processed",
			},
			[]string{"kind"},
		),

		NodeStateTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pairfs_node_state_transitions_total",
				Help: "Storage node liveness transitions",
			},
			[]string{"to"},
		),

		LeaseHolders: factory.NewGauge(prometheus.GaugeOpts{
			Name: "pairfs_lease_holders",
			Help: "Clients holding at least one write lease",
		}),

		OpenFiles: factory.NewGauge(prometheus.GaugeOpts{
			Name: "pairfs_open_files",
			Help: "Files open for write",
		}),

		RecoveriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pairfs_lease_recoveries_total",
				Help: "Lease recovery attempts by outcome",
			},
			[]string{"outcome"},
		),

		RecoveringFiles: factory.NewGauge(prometheus.GaugeOpts{
			Name: "pairfs_recovering_files",
			Help: "Files currently under block recovery",
		}),

		EditLogTxID: factory.NewGauge(prometheus.GaugeOpts{
			Name: "pairfs_edit_log_synced_txid",
			Help: "Highest durably synced edit log transaction",
		}),

		EditLogSyncs: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pairfs_edit_log_syncs_total",
				Help: "Edit log sync attempts by status",
			},
			[]string{"status"},
		),

		SafeModeActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "pairfs_safe_mode",
			Help: "1 while the coordinator is in safe mode",
		}),
	}
}

// RecordOp records a completed operation
func (m *Metrics) RecordOp(operation string, duration float64) {
	m.OpsTotal.WithLabelValues(operation).Inc()
	m.OpDuration.WithLabelValues(operation).Observe(duration)
}

// RecordError records an operation failure
func (m *Metrics) RecordError(operation, code string) {
	m.OpErrors.WithLabelValues(operation, code).Inc()
}

// RecordQuotaViolation records a rejected mutation
func (m *Metrics) RecordQuotaViolation(kind string) {
	m.QuotaViolations.WithLabelValues(kind).Inc()
}

// RecordRetryCacheHit records a retried call answered from cache
func (m *Metrics) RecordRetryCacheHit(operation string) {
	m.RetryCacheHits.WithLabelValues(operation).Inc()
}

// UpdateBlockGauges sets block health gauges
func (m *Metrics) UpdateBlockGauges(underReplicated, missing, corrupt, pending int) {
	m.UnderReplicatedBlocks.Set(float64(underReplicated))
	m.MissingBlocks.Set(float64(missing))
	m.CorruptBlocks.Set(float64(corrupt))
	m.PendingReplications.Set(float64(pending))
}

// UpdateStorageNodes sets the per-state node gauge
func (m *Metrics) UpdateStorageNodes(state string, count int) {
	m.StorageNodes.WithLabelValues(state).Set(float64(count))
}

// RecordTransition records a liveness transition
func (m *Metrics) RecordTransition(to string) {
	m.NodeStateTransitions.WithLabelValues(to).Inc()
}

// RecordBlockReport records a processed block report
func (m *Metrics) RecordBlockReport(kind string) {
	m.BlockReportsTotal.WithLabelValues(kind).Inc()
}

// UpdateLeases sets lease gauges
func (m *Metrics) UpdateLeases(holders, files, recovering int) {
	m.LeaseHolders.Set(float64(holders))
	m.OpenFiles.Set(float64(files))
	m.RecoveringFiles.Set(float64(recovering))
}

// RecordRecovery records a recovery outcome
func (m *Metrics) RecordRecovery(outcome string) {
	m.RecoveriesTotal.WithLabelValues(outcome).Inc()
}

// RecordSync records an edit log sync
func (m *Metrics) RecordSync(txid int64, err error) {
	if err != nil {
		m.EditLogSyncs.WithLabelValues("error").Inc()
		return
	}
	m.EditLogSyncs.WithLabelValues("ok").Inc()
	m.EditLogTxID.Set(float64(txid))
}

// SetSafeMode sets the safe mode gauge
func (m *Metrics) SetSafeMode(on bool) {
	if on {
		m.SafeModeActive.Set(1)
		return
	}
	m.SafeModeActive.Set(0)
}
