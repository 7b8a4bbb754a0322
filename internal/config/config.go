package config

import (
	"errors"
	"time"
)

// Config represents the coordinator service configuration
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Admin       AdminConfig       `mapstructure:"admin"`
	EditLog     EditLogConfig     `mapstructure:"edit_log"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Redis       RedisConfig       `mapstructure:"redis"`
	RetryCache  RetryCacheConfig  `mapstructure:"retry_cache"`
	Namespace   NamespaceConfig   `mapstructure:"namespace"`
	Heartbeat   HeartbeatConfig   `mapstructure:"heartbeat"`
	Replication ReplicationConfig `mapstructure:"replication"`
	Lease       LeaseConfig       `mapstructure:"lease"`
	SafeMode    SafeModeConfig    `mapstructure:"safemode"`
	Gossip      GossipConfig      `mapstructure:"gossip"`
	Hosts       HostsConfig       `mapstructure:"hosts"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	RateLimiter RateLimiterConfig `mapstructure:"rate_limiter"`
}

// ServerConfig represents gRPC server configuration
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	NodeID          string        `mapstructure:"node_id"`
	MaxConnections  int           `mapstructure:"max_connections"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AdminConfig represents the admin HTTP surface
type AdminConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// EditLogConfig selects and configures the edit log sink
type EditLogConfig struct {
	Sink        string `mapstructure:"sink"` // memory, file or postgres
	Dir         string `mapstructure:"dir"`
	SegmentSize int64  `mapstructure:"segment_size"`
	SyncWrites  bool   `mapstructure:"sync_writes"`
}

// DatabaseConfig represents the PostgreSQL edit log sink
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Database        string        `mapstructure:"database"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	MaxConnections  int           `mapstructure:"max_connections"`
	MinConnections  int           `mapstructure:"min_connections"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// RedisConfig represents the Redis retry cache store
type RedisConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	MaxRetries   int    `mapstructure:"max_retries"`
	PoolSize     int    `mapstructure:"pool_size"`
	MinIdleConns int    `mapstructure:"min_idle_conns"`
}

// RetryCacheConfig represents retry cache behaviour
type RetryCacheConfig struct {
	TTL     time.Duration `mapstructure:"ttl"`
	MaxSize int           `mapstructure:"max_size"`
}

// NamespaceConfig holds file defaults and limits
type NamespaceConfig struct {
	DefaultBlockSize   int64 `mapstructure:"default_block_size"`
	DefaultReplication int16 `mapstructure:"default_replication"`
	MinReplication     int16 `mapstructure:"min_replication"`
	MaxReplication     int16 `mapstructure:"max_replication"`
}

// HeartbeatConfig holds storage-node liveness thresholds
type HeartbeatConfig struct {
	Interval                  time.Duration `mapstructure:"interval"`
	StaleInterval             time.Duration `mapstructure:"stale_interval"`
	DeadTimeout               time.Duration `mapstructure:"dead_timeout"`
	SweepInterval             time.Duration `mapstructure:"sweep_interval"`
	MaxInvalidatePerHeartbeat int           `mapstructure:"max_invalidate_per_heartbeat"`
}

// ReplicationConfig holds re-replication scheduling parameters
type ReplicationConfig struct {
	WorkPerSweep    int           `mapstructure:"work_per_sweep"`
	PendingTimeout  time.Duration `mapstructure:"pending_timeout"`
	MonitorInterval time.Duration `mapstructure:"monitor_interval"`
	Workers         int           `mapstructure:"workers"`
	QueueSize       int           `mapstructure:"queue_size"`
}

// LeaseConfig holds lease limits
type LeaseConfig struct {
	SoftLimit       time.Duration `mapstructure:"soft_limit"`
	HardLimit       time.Duration `mapstructure:"hard_limit"`
	MonitorInterval time.Duration `mapstructure:"monitor_interval"`
	RecoveryRetry   time.Duration `mapstructure:"recovery_retry"`
}

// SafeModeConfig holds startup safe mode parameters
type SafeModeConfig struct {
	ThresholdPct   float64       `mapstructure:"threshold_pct"`
	MinDataNodes   int           `mapstructure:"min_datanodes"`
	Extension      time.Duration `mapstructure:"extension"`
	StartupEnabled bool          `mapstructure:"startup_enabled"`
}

// GossipConfig holds memberlist configuration
type GossipConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	BindAddr       string        `mapstructure:"bind_addr"`
	BindPort       int           `mapstructure:"bind_port"`
	SeedNodes      []string      `mapstructure:"seed_nodes"`
	GossipInterval time.Duration `mapstructure:"gossip_interval"`
	ProbeTimeout   time.Duration `mapstructure:"probe_timeout"`
	ProbeInterval  time.Duration `mapstructure:"probe_interval"`
}

// HostsConfig points at the include/exclude/decommission hosts file
type HostsConfig struct {
	File string `mapstructure:"file"`
}

// MetricsConfig represents Prometheus metrics configuration
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Port    int    `mapstructure:"port"`
	Path    string `mapstructure:"path"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// RateLimiterConfig limits the admin HTTP surface
type RateLimiterConfig struct {
	Enabled           bool    `mapstructure:"enabled"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Host == "" {
		return errors.New("server.host is required")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return errors.New("server.port must be between 1 and 65535")
	}
	if c.Server.NodeID == "" {
		return errors.New("server.node_id is required")
	}
	switch c.EditLog.Sink {
	case "memory":
	case "file":
		if c.EditLog.Dir == "" {
			return errors.New("edit_log.dir is required for the file sink")
		}
	case "postgres":
		if c.Database.Host == "" || c.Database.Database == "" || c.Database.User == "" {
			return errors.New("database.host, database.database and database.user are required for the postgres sink")
		}
	default:
		return errors.New("edit_log.sink must be one of: memory, file, postgres")
	}
	if c.Redis.Enabled && c.Redis.Host == "" {
		return errors.New("redis.host is required when redis is enabled")
	}
	if c.Namespace.DefaultBlockSize <= 0 {
		return errors.New("namespace.default_block_size must be positive")
	}
	if c.Namespace.MinReplication < 1 {
		return errors.New("namespace.min_replication must be at least 1")
	}
	if c.Namespace.MaxReplication < c.Namespace.MinReplication {
		return errors.New("namespace.max_replication must not be below min_replication")
	}
	if c.Namespace.DefaultReplication < c.Namespace.MinReplication || c.Namespace.DefaultReplication > c.Namespace.MaxReplication {
		return errors.New("namespace.default_replication must be within [min_replication, max_replication]")
	}
	if c.Heartbeat.StaleInterval <= 0 || c.Heartbeat.DeadTimeout <= c.Heartbeat.StaleInterval {
		return errors.New("heartbeat.dead_timeout must exceed a positive heartbeat.stale_interval")
	}
	if c.Lease.SoftLimit <= 0 || c.Lease.HardLimit < c.Lease.SoftLimit {
		return errors.New("lease.hard_limit must be at least a positive lease.soft_limit")
	}
	if c.SafeMode.ThresholdPct < 0 || c.SafeMode.ThresholdPct > 1 {
		return errors.New("safemode.threshold_pct must be within [0, 1]")
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	return nil
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8020,
			NodeID:          "coordinator-1",
			MaxConnections:  1000,
			ShutdownTimeout: 30 * time.Second,
		},
		Admin: AdminConfig{
			Port:         9870,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		EditLog: EditLogConfig{
			Sink:        "file",
			Dir:         "/var/lib/pairfs/edits",
			SegmentSize: 64 * 1024 * 1024,
			SyncWrites:  true,
		},
		Database: DatabaseConfig{
			Host:            "localhost",
			Port:            5432,
			Database:        "pairfs",
			User:            "coordinator",
			MaxConnections:  20,
			MinConnections:  2,
			ConnMaxLifetime: 30 * time.Minute,
		},
		Redis: RedisConfig{
			Enabled:      false,
			Host:         "localhost",
			Port:         6379,
			MaxRetries:   3,
			PoolSize:     50,
			MinIdleConns: 5,
		},
		RetryCache: RetryCacheConfig{
			TTL:     10 * time.Minute,
			MaxSize: 100000,
		},
		Namespace: NamespaceConfig{
			DefaultBlockSize:   128 * 1024 * 1024,
			DefaultReplication: 3,
			MinReplication:     1,
			MaxReplication:     512,
		},
		Heartbeat: HeartbeatConfig{
			Interval:                  3 * time.Second,
			StaleInterval:             30 * time.Second,
			DeadTimeout:               10*time.Minute + 30*time.Second,
			SweepInterval:             5 * time.Second,
			MaxInvalidatePerHeartbeat: 1000,
		},
		Replication: ReplicationConfig{
			WorkPerSweep:    100,
			PendingTimeout:  5 * time.Minute,
			MonitorInterval: 3 * time.Second,
			Workers:         4,
			QueueSize:       1000,
		},
		Lease: LeaseConfig{
			SoftLimit:       60 * time.Second,
			HardLimit:       20 * time.Minute,
			MonitorInterval: 2 * time.Second,
			RecoveryRetry:   time.Minute,
		},
		SafeMode: SafeModeConfig{
			ThresholdPct:   0.999,
			MinDataNodes:   0,
			Extension:      30 * time.Second,
			StartupEnabled: true,
		},
		Gossip: GossipConfig{
			Enabled:        false,
			BindPort:       7946,
			GossipInterval: 200 * time.Millisecond,
			ProbeTimeout:   500 * time.Millisecond,
			ProbeInterval:  time.Second,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
			Path:    "/metrics",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		RateLimiter: RateLimiterConfig{
			Enabled:           true,
			RequestsPerSecond: 50,
			Burst:             100,
		},
	}
}
