package repo

import (
	"time"
)

type Config struct {
	RepoRoot string `mapstructure:"-" toml:"-"`

	// LocalPeer is this node's peer id within the mesh.
	LocalPeer string `mapstructure:"local_peer" toml:"local_peer"`

	// Bootstrap is the initial participant set known before any gossip arrives.
	Bootstrap []string `mapstructure:"bootstrap" toml:"bootstrap"`

	Log       Log       `mapstructure:"log" toml:"log"`
	Consensus Consensus `mapstructure:"consensus" toml:"consensus"`
}

type Log struct {
	Level        string        `mapstructure:"level" toml:"level"`
	Filename     string        `mapstructure:"filename" toml:"filename"`
	ReportCaller bool          `mapstructure:"report_caller" toml:"report_caller"`
	MaxAge       time.Duration `mapstructure:"max_age" toml:"max_age"`
	RotationTime time.Duration `mapstructure:"rotation_time" toml:"rotation_time"`
}

type Consensus struct {
	// HeartbeatTimeout is how long a peer may stay silent before it is
	// considered unresponsive.
	HeartbeatTimeout time.Duration `mapstructure:"heartbeat_timeout" toml:"heartbeat_timeout"`

	// DetectionInterval is the period of the partition detection sweep.
	DetectionInterval time.Duration `mapstructure:"detection_interval" toml:"detection_interval"`

	// RecoveryTimeout bounds a single recovery attempt.
	RecoveryTimeout time.Duration `mapstructure:"recovery_timeout" toml:"recovery_timeout"`

	// MinParticipants is the floor on the required quorum size regardless of
	// the byzantine threshold.
	MinParticipants int `mapstructure:"min_participants" toml:"min_participants"`

	// ByzantineThreshold is the fraction of known participants that must stay
	// active for the mesh to make progress, e.g. 0.67 for >2/3.
	ByzantineThreshold float64 `mapstructure:"byzantine_threshold" toml:"byzantine_threshold"`

	MaxRecoveryAttempts uint32 `mapstructure:"max_recovery_attempts" toml:"max_recovery_attempts"`

	// ForkResolutionTimeout is the deadline given to a fork before it is
	// force-resolved.
	ForkResolutionTimeout time.Duration `mapstructure:"fork_resolution_timeout" toml:"fork_resolution_timeout"`

	SyncBatchSize int `mapstructure:"sync_batch_size" toml:"sync_batch_size"`
}

func DefaultConfig(repoRoot string) *Config {
	return &Config{
		RepoRoot:  repoRoot,
		LocalPeer: "warden-local",
		Bootstrap: []string{},
		Log: Log{
			Level:        "info",
			Filename:     "warden.log",
			ReportCaller: false,
			MaxAge:       30 * 24 * time.Hour,
			RotationTime: 24 * time.Hour,
		},
		Consensus: Consensus{
			HeartbeatTimeout:      15 * time.Second,
			DetectionInterval:     10 * time.Second,
			RecoveryTimeout:       5 * time.Minute,
			MinParticipants:       2,
			ByzantineThreshold:    0.67,
			MaxRecoveryAttempts:   3,
			ForkResolutionTimeout: 30 * time.Second,
			SyncBatchSize:         10,
		},
	}
}
