package core

import (
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/ethereum/go-ethereum/common"
)

// PeerID identifies a participant in the mesh.
type PeerID string

// FailureType classifies why peers stopped making progress together.
type FailureType uint8

const (
	// NetworkPartition means a subset of peers cannot reach the rest.
	NetworkPartition FailureType = iota

	// ByzantineFailure means peers are behaving maliciously.
	ByzantineFailure

	// CrashFailure means peers stopped responding entirely.
	CrashFailure

	// MessageLoss means peers are reachable but messages are being dropped.
	MessageLoss

	// TimeoutFailure means peers respond too slowly to count as live.
	TimeoutFailure
)

func (f FailureType) String() string {
	switch f {
	case NetworkPartition:
		return "network_partition"
	case ByzantineFailure:
		return "byzantine_failure"
	case CrashFailure:
		return "crash_failure"
	case MessageLoss:
		return "message_loss"
	case TimeoutFailure:
		return "timeout_failure"
	default:
		return "unknown"
	}
}

// RecoveryStrategy is the closed set of ways a partition can be healed.
type RecoveryStrategy uint8

const (
	// WaitForHeal waits for the partition to close on its own.
	WaitForHeal RecoveryStrategy = iota

	// ActiveReconnection probes the unresponsive peers until they answer.
	ActiveReconnection

	// MajorityRule lets the majority side continue and syncs the minority later.
	MajorityRule

	// SplitBrainResolution compares state snapshots and force-pushes the winner.
	SplitBrainResolution

	// EmergencyRollback returns to the last checkpoint with peer agreement.
	EmergencyRollback

	// ByzantineExclusion removes malicious peers from the participant set.
	ByzantineExclusion
)

func (s RecoveryStrategy) String() string {
	switch s {
	case WaitForHeal:
		return "wait_for_heal"
	case ActiveReconnection:
		return "active_reconnection"
	case MajorityRule:
		return "majority_rule"
	case SplitBrainResolution:
		return "split_brain_resolution"
	case EmergencyRollback:
		return "emergency_rollback"
	case ByzantineExclusion:
		return "byzantine_exclusion"
	default:
		return "unknown"
	}
}

// RecoveryStage is the progress of a single recovery attempt.
type RecoveryStage uint8

const (
	StageInitializing RecoveryStage = iota
	StageDetectingPeers
	StageSynchronizingState
	StageValidatingConsensus
	StageFinalizing
	StageComplete
	StageFailed
)

func (s RecoveryStage) String() string {
	switch s {
	case StageInitializing:
		return "initializing"
	case StageDetectingPeers:
		return "detecting_peers"
	case StageSynchronizingState:
		return "synchronizing_state"
	case StageValidatingConsensus:
		return "validating_consensus"
	case StageFinalizing:
		return "finalizing"
	case StageComplete:
		return "complete"
	case StageFailed:
		return "failed"
	default:
		return "unknown"
	}
}

func (s RecoveryStage) Terminal() bool {
	return s == StageComplete || s == StageFailed
}

// BehaviorKind is a category of suspicious activity reported by the
// anti-cheat collaborator.
type BehaviorKind uint8

const (
	DoubleVoting BehaviorKind = iota
	InvalidStateTransition
	TimestampManipulation
	SignatureForgery
	QuorumViolation
	ConsensusViolation
)

func (b BehaviorKind) String() string {
	switch b {
	case DoubleVoting:
		return "double_voting"
	case InvalidStateTransition:
		return "invalid_state_transition"
	case TimestampManipulation:
		return "timestamp_manipulation"
	case SignatureForgery:
		return "signature_forgery"
	case QuorumViolation:
		return "quorum_violation"
	case ConsensusViolation:
		return "consensus_violation"
	default:
		return "unknown"
	}
}

// behaviorRecord keeps a reported behavior with its arrival time so stale
// evidence can be aged out.
type behaviorRecord struct {
	kind BehaviorKind
	at   time.Time
}

// Connection is one gossiped link between two peers.
type Connection struct {
	A PeerID `json:"a"`
	B PeerID `json:"b"`
}

// NetworkView is the wire shape of a gossiped membership report.
type NetworkView struct {
	Participants []PeerID     `json:"participants"`
	Connections  []Connection `json:"connections"`
	PartitionID  *uint64      `json:"partition_id,omitempty"`
	Leader       *PeerID      `json:"leader,omitempty"`
}

// StateSummary is the snapshot exchanged during partition recovery.
type StateSummary struct {
	StateHash      common.Hash `json:"state_hash"`
	SequenceNumber uint64      `json:"sequence_number"`
	LastFinalized  common.Hash `json:"last_finalized"`
}

// PartitionInfo tracks one detected partition and its recovery.
type PartitionInfo struct {
	PartitionID      uint64
	Unresponsive     mapset.Set[PeerID]
	DetectedAt       time.Time
	Failure          FailureType
	Strategy         RecoveryStrategy
	RecoveryAttempts uint32

	// Failed is set once recovery is exhausted or a terminal strategy fails;
	// the partition then stays visible through status export but is never
	// retried.
	Failed     bool
	FailReason string
}

// RecoveryAttempt is one in-flight execution of a recovery strategy. Owned
// exclusively by the Warden; target peers are fixed at creation.
type RecoveryAttempt struct {
	AttemptID   uint64
	PartitionID uint64
	StartedAt   time.Time
	Strategy    RecoveryStrategy
	TargetPeers mapset.Set[PeerID]
	Stage       RecoveryStage
	FailReason  string
}

// RecoveryStats is a point-in-time snapshot for the status export.
type RecoveryStats struct {
	PartitionsDetected   uint64
	RecoveriesSuccessful uint64
	RecoveriesFailed     uint64
	ActivePartitions     int
	ActiveRecoveries     int
	ByzantineSuspects    int
	ExcludedPeers        int
}
