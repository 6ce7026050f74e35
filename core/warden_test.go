package core

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/meshwarden/warden/repo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestWarden(t *testing.T, mutate func(cfg *repo.Config)) (*Warden, *MockSynchronizer) {
	t.Helper()

	cfg := repo.DefaultConfig(t.TempDir())
	cfg.LocalPeer = "peer-0"
	cfg.Log.Level = "error"
	if mutate != nil {
		mutate(cfg)
	}

	mock := NewMockSynchronizer()
	w, err := NewWarden(context.Background(), cfg, mock)
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, w.Stop())
	})
	return w, mock
}

func bootstrapPeers(n int) []string {
	peers := make([]string, 0, n)
	for i := 1; i <= n; i++ {
		peers = append(peers, fmt.Sprintf("peer-%d", i))
	}
	return peers
}

// registerAttempt installs a recovery attempt directly so a single strategy
// executor can be driven synchronously.
func registerAttempt(w *Warden, chosen RecoveryStrategy, targets mapset.Set[PeerID]) *RecoveryAttempt {
	attempt := &RecoveryAttempt{
		AttemptID:   w.recoverySeq.Add(1),
		PartitionID: w.partitionSeq.Add(1),
		StartedAt:   time.Now(),
		Strategy:    chosen,
		TargetPeers: targets,
		Stage:       StageInitializing,
	}

	w.recoveriesMu.Lock()
	w.recoveries[attempt.AttemptID] = attempt
	w.recoveriesMu.Unlock()
	return attempt
}

func TestStartStop(t *testing.T) {
	cfg := repo.DefaultConfig(t.TempDir())
	cfg.LocalPeer = "peer-0"
	cfg.Log.Level = "debug"
	cfg.Consensus.DetectionInterval = 50 * time.Millisecond
	cfg.Consensus.HeartbeatTimeout = 100 * time.Millisecond

	w, err := NewWarden(context.Background(), cfg, NewMockSynchronizer())
	assert.Nil(t, err)

	err = w.Start()
	assert.Nil(t, err)

	time.Sleep(300 * time.Millisecond)

	err = w.Stop()
	assert.Nil(t, err)
}

func TestPartitionDetection(t *testing.T) {
	w, _ := newTestWarden(t, func(cfg *repo.Config) {
		cfg.Bootstrap = bootstrapPeers(9)
	})

	// 10 participants, required quorum = max(2, ceil(10*0.67)) = 7
	start := time.Now()
	for _, peer := range bootstrapPeers(9) {
		w.RecordHeartbeat(PeerID(peer), start)
	}

	_, ok := w.runDetectionPass(start)
	assert.False(t, ok)
	assert.False(t, w.IsPartitioned())

	// 2 peers go stale: 8 active still clears the quorum
	later := start.Add(20 * time.Second)
	for _, peer := range bootstrapPeers(7) {
		w.RecordHeartbeat(PeerID(peer), later)
	}
	_, ok = w.runDetectionPass(later)
	assert.False(t, ok)

	// 4 peers stale leaves 6 active, below the required 7
	latest := later.Add(20 * time.Second)
	for _, peer := range bootstrapPeers(5) {
		w.RecordHeartbeat(PeerID(peer), latest)
	}
	partitionID, ok := w.runDetectionPass(latest)
	assert.True(t, ok)
	assert.True(t, w.IsPartitioned())

	partitions := w.GetActivePartitions()
	require.Len(t, partitions, 1)
	assert.Equal(t, partitionID, partitions[0].PartitionID)
	assert.Equal(t, NetworkPartition, partitions[0].Failure)
	assert.Equal(t, 4, partitions[0].Unresponsive.Cardinality())
	// 4 affected out of 10 is a minority partition
	assert.Equal(t, MajorityRule, partitions[0].Strategy)

	// the same unresponsive peers never open a second partition
	_, ok = w.runDetectionPass(latest)
	assert.False(t, ok)
}

func TestHeartbeatCheck(t *testing.T) {
	w, _ := newTestWarden(t, func(cfg *repo.Config) {
		cfg.Bootstrap = bootstrapPeers(3)
	})

	now := time.Now()
	w.RecordHeartbeat("peer-1", now)
	w.RecordHeartbeat("peer-2", now.Add(-time.Hour))

	// peer-2 is stale and peer-3 was never seen
	assert.Equal(t, 2, w.checkHeartbeats(now))
	assert.True(t, w.isResponsive("peer-1", now))
	assert.False(t, w.isResponsive("peer-2", now))
}

func TestHeartbeatRegistersNewPeer(t *testing.T) {
	w, _ := newTestWarden(t, nil)

	w.RecordHeartbeat("newcomer", time.Now())
	assert.True(t, w.participants.Contains("newcomer"))
}

func TestByzantineExclusionThreshold(t *testing.T) {
	w, _ := newTestWarden(t, func(cfg *repo.Config) {
		cfg.Bootstrap = bootstrapPeers(2)
	})

	w.ReportSuspiciousBehavior("peer-1", DoubleVoting)
	w.ReportSuspiciousBehavior("peer-1", InvalidStateTransition)
	assert.Empty(t, w.GetExcludedPeers())
	assert.Equal(t, 1, w.GetRecoveryStats().ByzantineSuspects)

	w.ReportSuspiciousBehavior("peer-1", TimestampManipulation)
	assert.Equal(t, []PeerID{"peer-1"}, w.GetExcludedPeers())
	assert.True(t, w.IsPartitioned())

	// further reports and heartbeats from an excluded peer are ignored
	w.ReportSuspiciousBehavior("peer-1", SignatureForgery)
	assert.Len(t, w.GetExcludedPeers(), 1)

	w.RecordHeartbeat("peer-1", time.Now())
	assert.False(t, w.isResponsive("peer-1", time.Now()))

	// the exclusion recovery completes and reaps the partition
	assert.Eventually(t, func() bool {
		w.sweepRecoveries(time.Now())
		return !w.IsPartitioned()
	}, 3*time.Second, 50*time.Millisecond)
	assert.Equal(t, uint64(1), w.GetRecoveryStats().RecoveriesSuccessful)
}

func TestPruneSuspects(t *testing.T) {
	w, _ := newTestWarden(t, func(cfg *repo.Config) {
		cfg.Bootstrap = bootstrapPeers(2)
	})

	w.ReportSuspiciousBehavior("peer-1", DoubleVoting)
	assert.Equal(t, 1, w.GetRecoveryStats().ByzantineSuspects)

	w.pruneSuspects(time.Now().Add(10 * time.Minute))
	assert.Equal(t, 0, w.GetRecoveryStats().ByzantineSuspects)

	// aging out evidence never lifts an exclusion
	w.ReportSuspiciousBehavior("peer-2", DoubleVoting)
	w.ReportSuspiciousBehavior("peer-2", DoubleVoting)
	w.ReportSuspiciousBehavior("peer-2", DoubleVoting)
	w.pruneSuspects(time.Now().Add(10 * time.Minute))
	assert.Equal(t, []PeerID{"peer-2"}, w.GetExcludedPeers())
}

func TestRecoveryEscalation(t *testing.T) {
	w, _ := newTestWarden(t, func(cfg *repo.Config) {
		cfg.Bootstrap = bootstrapPeers(4)
	})

	w.TriggerRecovery(MessageLoss, mapset.NewSet[PeerID]("peer-4"))

	partitions := w.GetActivePartitions()
	require.Len(t, partitions, 1)
	assert.Equal(t, WaitForHeal, partitions[0].Strategy)

	// the attempt times out and escalates one step up the chain
	w.sweepRecoveries(time.Now().Add(time.Hour))

	partitions = w.GetActivePartitions()
	require.Len(t, partitions, 1)
	assert.Equal(t, ActiveReconnection, partitions[0].Strategy)
	assert.Equal(t, uint32(1), partitions[0].RecoveryAttempts)
	assert.Equal(t, 1, w.GetRecoveryStats().ActiveRecoveries)
}

func TestRecoveryExhaustion(t *testing.T) {
	w, mock := newTestWarden(t, func(cfg *repo.Config) {
		cfg.Bootstrap = bootstrapPeers(4)
	})

	now := time.Now()
	for _, peer := range bootstrapPeers(4) {
		w.RecordHeartbeat(PeerID(peer), now)
	}
	mock.States["peer-1"] = &StateSummary{StateHash: stateA, SequenceNumber: 1}
	mock.States["peer-2"] = &StateSummary{StateHash: stateB, SequenceNumber: 2}
	mock.States["peer-3"] = &StateSummary{StateHash: stateB, SequenceNumber: 2}
	mock.PushErr = errors.New("peer unreachable")

	// 3 of 5 participants affected: a majority partition, so split-brain
	partitionID := w.TriggerRecovery(NetworkPartition, mapset.NewSet[PeerID]("peer-1", "peer-2", "peer-3"))

	partitions := w.GetActivePartitions()
	require.Len(t, partitions, 1)
	assert.Equal(t, SplitBrainResolution, partitions[0].Strategy)

	// every retry fails until the attempt budget runs out
	for i := 0; i < 3; i++ {
		w.sweepRecoveries(time.Now().Add(time.Duration(i+1) * time.Hour))
	}

	partitions = w.GetActivePartitions()
	require.Len(t, partitions, 1)
	assert.Equal(t, partitionID, partitions[0].PartitionID)
	assert.True(t, partitions[0].Failed)
	assert.Equal(t, ErrRecoveryExhausted.Error(), partitions[0].FailReason)
	assert.Equal(t, uint32(3), partitions[0].RecoveryAttempts)

	stats := w.GetRecoveryStats()
	assert.Equal(t, uint64(3), stats.RecoveriesFailed)
	assert.Equal(t, 0, stats.ActiveRecoveries)

	// the failed partition stays visible but is never retried
	w.sweepRecoveries(time.Now().Add(5 * time.Hour))
	assert.True(t, w.IsPartitioned())
	assert.Equal(t, 0, w.GetRecoveryStats().ActiveRecoveries)
}

func TestWaitForHealCompletes(t *testing.T) {
	w, _ := newTestWarden(t, func(cfg *repo.Config) {
		cfg.Bootstrap = bootstrapPeers(2)
	})

	attempt := registerAttempt(w, WaitForHeal, mapset.NewSet[PeerID]("peer-1"))

	done := make(chan struct{})
	go func() {
		w.executeWaitForHeal(attempt)
		close(done)
	}()

	w.RecordHeartbeat("peer-1", time.Now())

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("wait-for-heal did not finish")
	}

	stage, ok := w.attemptStage(attempt.AttemptID)
	require.True(t, ok)
	assert.Equal(t, StageComplete, stage)
}

func TestActiveReconnection(t *testing.T) {
	w, mock := newTestWarden(t, func(cfg *repo.Config) {
		cfg.Bootstrap = bootstrapPeers(2)
	})

	// peer-1 answers a state fetch, peer-2 stays dark
	mock.States["peer-1"] = &StateSummary{StateHash: stateA, SequenceNumber: 1}

	attempt := registerAttempt(w, ActiveReconnection, mapset.NewSet[PeerID]("peer-1", "peer-2"))
	w.executeActiveReconnection(attempt)

	stage, ok := w.attemptStage(attempt.AttemptID)
	require.True(t, ok)
	assert.Equal(t, StageComplete, stage)
	assert.True(t, w.isResponsive("peer-1", time.Now()))
	assert.False(t, w.isResponsive("peer-2", time.Now()))
}

func TestMajorityRuleExcludesMinority(t *testing.T) {
	w, _ := newTestWarden(t, func(cfg *repo.Config) {
		cfg.Bootstrap = bootstrapPeers(4)
	})

	attempt := registerAttempt(w, MajorityRule, mapset.NewSet[PeerID]("peer-3", "peer-4"))
	w.executeMajorityRule(attempt)

	stage, ok := w.attemptStage(attempt.AttemptID)
	require.True(t, ok)
	assert.Equal(t, StageComplete, stage)
	assert.ElementsMatch(t, []PeerID{"peer-3", "peer-4"}, w.GetExcludedPeers())
}

func TestSplitBrainResolution(t *testing.T) {
	w, mock := newTestWarden(t, func(cfg *repo.Config) {
		cfg.Bootstrap = bootstrapPeers(10)
	})

	now := time.Now()
	targets := mapset.NewSet[PeerID]()
	minority := []PeerID{"peer-1", "peer-2", "peer-3"}
	for i, peer := range bootstrapPeers(10) {
		id := PeerID(peer)
		w.RecordHeartbeat(id, now)
		targets.Add(id)

		if i < len(minority) {
			mock.States[id] = &StateSummary{StateHash: stateA, SequenceNumber: 5}
		} else {
			mock.States[id] = &StateSummary{StateHash: stateB, SequenceNumber: 5}
		}
	}
	mock.Local = StateSummary{StateHash: stateB, SequenceNumber: 5}

	attempt := registerAttempt(w, SplitBrainResolution, targets)
	w.executeSplitBrainResolution(attempt)

	stage, ok := w.attemptStage(attempt.AttemptID)
	require.True(t, ok)
	assert.Equal(t, StageComplete, stage)

	// the larger supporter group wins and is pushed to the minority side only
	for _, peer := range minority {
		pushed, ok := mock.Pushed(peer)
		require.True(t, ok, "expected canonical state pushed to %s", peer)
		assert.Equal(t, stateB, pushed.StateHash)
		assert.Equal(t, uint64(5), pushed.SequenceNumber)
	}
	_, ok = mock.Pushed("peer-4")
	assert.False(t, ok)
}

func TestEmergencyRollback(t *testing.T) {
	w, mock := newTestWarden(t, func(cfg *repo.Config) {
		cfg.Bootstrap = bootstrapPeers(2)
		cfg.Consensus.ByzantineThreshold = 0.6
	})

	require.NoError(t, w.RecordCheckpoint(&StateSummary{StateHash: stateA, SequenceNumber: 3}))

	now := time.Now()
	w.RecordHeartbeat("peer-1", now)
	w.RecordHeartbeat("peer-2", now)
	w.ReportSuspiciousBehavior("peer-1", DoubleVoting)

	attempt := registerAttempt(w, EmergencyRollback, mapset.NewSet[PeerID]("peer-1", "peer-2"))
	w.executeEmergencyRollback(attempt)

	stage, ok := w.attemptStage(attempt.AttemptID)
	require.True(t, ok)
	assert.Equal(t, StageComplete, stage)

	assert.Equal(t, 1, mock.SyncCalls())
	assert.ElementsMatch(t, []PeerID{"peer-1", "peer-2"}, mock.Synced())

	// the rollback wipes accumulated byzantine evidence
	assert.Equal(t, 0, w.GetRecoveryStats().ByzantineSuspects)
}

func TestEmergencyRollbackNoPeers(t *testing.T) {
	w, mock := newTestWarden(t, nil)

	attempt := registerAttempt(w, EmergencyRollback, mapset.NewSet[PeerID]("peer-1"))
	w.executeEmergencyRollback(attempt)

	stage, ok := w.attemptStage(attempt.AttemptID)
	require.True(t, ok)
	assert.Equal(t, StageFailed, stage)
	assert.Equal(t, 0, mock.SyncCalls())
}

func TestRecordCheckpointRetention(t *testing.T) {
	w, _ := newTestWarden(t, nil)

	for i := 1; i <= 10; i++ {
		require.NoError(t, w.RecordCheckpoint(&StateSummary{
			StateHash:      common.BytesToHash([]byte{byte(i)}),
			SequenceNumber: uint64(i),
		}))
	}

	checkpoints := w.loadCheckpoints()
	require.Len(t, checkpoints, maxRetainedCheckpoints)
	assert.Equal(t, uint64(3), checkpoints[0].Summary.SequenceNumber)
	assert.Equal(t, uint64(10), checkpoints[len(checkpoints)-1].Summary.SequenceNumber)
}

func TestNetworkViewMerge(t *testing.T) {
	w, _ := newTestWarden(t, nil)

	view := NetworkView{
		Participants: []PeerID{"peer-1", "peer-2"},
		Connections:  []Connection{{A: "peer-1", B: "peer-2"}},
	}
	w.UpdateNetworkView("peer-1", view)
	w.UpdateNetworkView("peer-2", view)

	snapshot := w.NetworkViewSnapshot()
	assert.ElementsMatch(t, []PeerID{"peer-0", "peer-1", "peer-2"}, snapshot.Participants)
	assert.Equal(t, []Connection{{A: "peer-1", B: "peer-2"}}, snapshot.Connections)
	assert.False(t, w.IsPartitioned())
}

func TestNetworkViewPartitionReport(t *testing.T) {
	w, _ := newTestWarden(t, nil)

	reportedID := uint64(7)
	view := NetworkView{
		Participants: []PeerID{"peer-1", "peer-2"},
		PartitionID:  &reportedID,
	}
	w.UpdateNetworkView("peer-1", view)

	partitions := w.GetActivePartitions()
	require.Len(t, partitions, 1)
	assert.Equal(t, reportedID, partitions[0].PartitionID)

	// a duplicate report of the same partition is a no-op
	w.UpdateNetworkView("peer-2", view)
	assert.Len(t, w.GetActivePartitions(), 1)
	assert.Equal(t, uint64(1), w.GetRecoveryStats().PartitionsDetected)

	// locally assigned ids never collide with remote-reported ones
	localID := w.TriggerRecovery(MessageLoss, mapset.NewSet[PeerID]("peer-2"))
	assert.Greater(t, localID, reportedID)
}

func TestPartitionSequencePersistence(t *testing.T) {
	cfg := repo.DefaultConfig(t.TempDir())
	cfg.LocalPeer = "peer-0"
	cfg.Log.Level = "error"

	w, err := NewWarden(context.Background(), cfg, NewMockSynchronizer())
	require.NoError(t, err)
	first := w.TriggerRecovery(MessageLoss, mapset.NewSet[PeerID]("peer-1"))
	require.NoError(t, w.Stop())
	w.DB.Close()

	restarted, err := NewWarden(context.Background(), cfg, NewMockSynchronizer())
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, restarted.Stop())
	})

	second := restarted.TriggerRecovery(MessageLoss, mapset.NewSet[PeerID]("peer-1"))
	assert.Greater(t, second, first)
}

func TestMetricsTracking(t *testing.T) {
	w, _ := newTestWarden(t, func(cfg *repo.Config) {
		cfg.Bootstrap = bootstrapPeers(2)
	})

	w.TriggerRecovery(MessageLoss, mapset.NewSet[PeerID]("peer-1"))

	m := w.Metrics()
	assert.Equal(t, uint64(1), m.RecoveryStarted.Load())
	assert.Equal(t, uint64(1), m.WaitForHealAttempts.Load())
	assert.Equal(t, uint64(0), m.RecoveryCompleted.Load())
}
