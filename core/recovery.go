package core

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/Rican7/retry"
	"github.com/Rican7/retry/backoff"
	"github.com/Rican7/retry/strategy"
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
)

// selectStrategy maps a failure type and blast radius onto a recovery
// strategy. Pure function of its inputs.
func selectStrategy(failure FailureType, affected, total int) RecoveryStrategy {
	switch failure {
	case NetworkPartition:
		if affected > total/2 {
			return SplitBrainResolution
		}
		return MajorityRule
	case ByzantineFailure:
		return ByzantineExclusion
	case CrashFailure, TimeoutFailure:
		return ActiveReconnection
	default: // MessageLoss
		return WaitForHeal
	}
}

// nextStrategy is the escalation chain applied when an attempt fails.
// SplitBrainResolution and ByzantineExclusion never escalate further; they
// retry as-is until the attempt budget runs out and an operator takes over.
func nextStrategy(s RecoveryStrategy) RecoveryStrategy {
	switch s {
	case WaitForHeal:
		return ActiveReconnection
	case ActiveReconnection:
		return MajorityRule
	case MajorityRule:
		return EmergencyRollback
	default:
		return s
	}
}

func (w *Warden) startRecovery(info *PartitionInfo, chosen RecoveryStrategy, targets mapset.Set[PeerID]) {
	attemptID := w.recoverySeq.Add(1)

	attempt := &RecoveryAttempt{
		AttemptID:   attemptID,
		PartitionID: info.PartitionID,
		StartedAt:   time.Now(),
		Strategy:    chosen,
		TargetPeers: targets,
		Stage:       StageInitializing,
	}

	w.recoveriesMu.Lock()
	w.recoveries[attemptID] = attempt
	w.recoveriesMu.Unlock()

	w.metrics.RecoveryStarted.Add(1)
	w.metrics.trackStrategyAttempt(chosen)

	w.Logger.Infof("starting recovery %d for partition %d with strategy %s", attemptID, info.PartitionID, chosen)

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.executeStrategy(attempt)
	}()
}

func (w *Warden) executeStrategy(attempt *RecoveryAttempt) {
	switch attempt.Strategy {
	case WaitForHeal:
		w.executeWaitForHeal(attempt)
	case ActiveReconnection:
		w.executeActiveReconnection(attempt)
	case MajorityRule:
		w.executeMajorityRule(attempt)
	case SplitBrainResolution:
		w.executeSplitBrainResolution(attempt)
	case EmergencyRollback:
		w.executeEmergencyRollback(attempt)
	case ByzantineExclusion:
		w.executeByzantineExclusion(attempt)
	}
}

// setStage advances an attempt's progress; it refuses to move an attempt
// that already reached a terminal stage or was swept away.
func (w *Warden) setStage(attemptID uint64, stage RecoveryStage, reason string) bool {
	w.recoveriesMu.Lock()
	defer w.recoveriesMu.Unlock()

	attempt, ok := w.recoveries[attemptID]
	if !ok || attempt.Stage.Terminal() {
		return false
	}
	attempt.Stage = stage
	attempt.FailReason = reason
	w.Logger.Debugf("recovery %d entered stage %s", attemptID, stage)
	return true
}

func (w *Warden) attemptStage(attemptID uint64) (RecoveryStage, bool) {
	w.recoveriesMu.RLock()
	defer w.recoveriesMu.RUnlock()

	attempt, ok := w.recoveries[attemptID]
	if !ok {
		return 0, false
	}
	return attempt.Stage, true
}

// sweepRecoveries reaps finished attempts and times out stuck ones. Timed
// out and failed attempts feed the escalation path; nothing is dropped
// silently.
func (w *Warden) sweepRecoveries(now time.Time) {
	timeout := w.Config.Consensus.RecoveryTimeout

	var completed, failed []*RecoveryAttempt

	w.recoveriesMu.Lock()
	for id, attempt := range w.recoveries {
		switch {
		case attempt.Stage == StageComplete:
			completed = append(completed, attempt)
			delete(w.recoveries, id)
		case attempt.Stage == StageFailed:
			failed = append(failed, attempt)
			delete(w.recoveries, id)
		case now.Sub(attempt.StartedAt) > timeout:
			attempt.Stage = StageFailed
			attempt.FailReason = "timeout"
			failed = append(failed, attempt)
			delete(w.recoveries, id)
		}
	}
	w.recoveriesMu.Unlock()

	for _, attempt := range completed {
		w.recoveriesSuccessful.Add(1)
		w.metrics.RecoveryCompleted.Add(1)
		w.Logger.Infof("recovery %d completed successfully", attempt.AttemptID)

		w.partitionsMu.Lock()
		delete(w.partitions, attempt.PartitionID)
		w.partitionsMu.Unlock()
	}

	for _, attempt := range failed {
		w.recoveriesFailed.Add(1)
		w.metrics.RecoveryFailed.Add(1)
		w.Logger.Warnf("recovery %d failed: %s", attempt.AttemptID, attempt.FailReason)
		w.escalate(attempt)
	}
}

func (w *Warden) escalate(attempt *RecoveryAttempt) {
	w.partitionsMu.Lock()
	info, ok := w.partitions[attempt.PartitionID]
	if !ok || info.Failed {
		w.partitionsMu.Unlock()
		return
	}

	info.RecoveryAttempts++
	if info.RecoveryAttempts >= w.Config.Consensus.MaxRecoveryAttempts {
		info.Failed = true
		info.FailReason = ErrRecoveryExhausted.Error()
		w.partitionsMu.Unlock()

		w.Logger.Errorf("partition %d permanently failed after %d attempts", info.PartitionID, info.RecoveryAttempts)
		return
	}

	escalated := nextStrategy(attempt.Strategy)
	info.Strategy = escalated
	w.partitionsMu.Unlock()

	w.Logger.Infof("escalating partition %d from %s to %s", info.PartitionID, attempt.Strategy, escalated)
	w.startRecovery(info, escalated, attempt.TargetPeers.Clone())
}

func (w *Warden) executeWaitForHeal(attempt *RecoveryAttempt) {
	id := attempt.AttemptID
	w.setStage(id, StageDetectingPeers, "")

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-w.runCtx.Done():
			return
		case <-ticker.C:
			if stage, ok := w.attemptStage(id); !ok || stage.Terminal() {
				return
			}
			if w.allResponsive(attempt.TargetPeers, time.Now()) {
				w.setStage(id, StageFinalizing, "")
				w.setStage(id, StageComplete, "")
				return
			}
		}
	}
}

func (w *Warden) allResponsive(peers mapset.Set[PeerID], now time.Time) bool {
	for _, peer := range peers.ToSlice() {
		if !w.isResponsive(peer, now) {
			return false
		}
	}
	return true
}

func (w *Warden) executeActiveReconnection(attempt *RecoveryAttempt) {
	id := attempt.AttemptID
	w.setStage(id, StageDetectingPeers, "")

	reconnected := 0
	for _, peer := range attempt.TargetPeers.ToSlice() {
		peer := peer

		probe := func(_ uint) error {
			if w.isResponsive(peer, time.Now()) {
				return nil
			}
			// an answered state fetch counts as liveness
			ctx, cancelProbe := context.WithTimeout(w.runCtx, 10*time.Second)
			defer cancelProbe()
			if _, err := w.synchronizer.FetchState(ctx, peer); err != nil {
				return err
			}
			w.RecordHeartbeat(peer, time.Now())
			return nil
		}

		if err := retry.Retry(probe, strategy.Limit(3), strategy.Backoff(backoff.Fibonacci(500*time.Millisecond))); err != nil {
			w.Logger.Warnf("failed to reconnect peer %s: %s", peer, err)
			continue
		}
		reconnected++
	}

	w.Logger.Infof("active reconnection: %d/%d peers reconnected", reconnected, attempt.TargetPeers.Cardinality())

	if reconnected == 0 {
		w.setStage(id, StageFailed, "all reconnection attempts failed")
		return
	}

	w.setStage(id, StageSynchronizingState, "")
	w.setStage(id, StageFinalizing, "")
	w.setStage(id, StageComplete, "")
}

func (w *Warden) executeMajorityRule(attempt *RecoveryAttempt) {
	id := attempt.AttemptID
	w.setStage(id, StageDetectingPeers, "")

	// the minority side is cut loose; it resyncs after the partition heals
	for _, peer := range attempt.TargetPeers.ToSlice() {
		w.excluded.Add(peer)
	}
	w.Logger.Infof("majority rule: excluded %d minority peers", attempt.TargetPeers.Cardinality())

	w.setStage(id, StageFinalizing, "")
	w.setStage(id, StageComplete, "")
}

func (w *Warden) executeByzantineExclusion(attempt *RecoveryAttempt) {
	id := attempt.AttemptID
	w.setStage(id, StageDetectingPeers, "")

	for _, peer := range attempt.TargetPeers.ToSlice() {
		w.excluded.Add(peer)
		w.Logger.Warnf("excluded byzantine peer %s", peer)
	}

	w.setStage(id, StageFinalizing, "")
	w.setStage(id, StageComplete, "")
}

func (w *Warden) executeSplitBrainResolution(attempt *RecoveryAttempt) {
	id := attempt.AttemptID
	now := time.Now()

	w.setStage(id, StageDetectingPeers, "")

	summaries := make(map[PeerID]*StateSummary)
	if local, err := w.synchronizer.LocalState(w.runCtx); err == nil {
		summaries[w.localPeer] = local
	} else {
		w.Logger.Errorf("local state summary unavailable: %s", err)
	}

	w.setStage(id, StageSynchronizingState, "")

	for _, peer := range attempt.TargetPeers.ToSlice() {
		if peer == w.localPeer || !w.isResponsive(peer, now) {
			continue
		}

		ctx, cancelFetch := context.WithTimeout(w.runCtx, 10*time.Second)
		summary, err := w.synchronizer.FetchState(ctx, peer)
		cancelFetch()
		if err != nil {
			w.Logger.Warnf("failed to fetch state from peer %s: %s", peer, err)
			continue
		}
		summaries[peer] = summary
	}

	w.setStage(id, StageValidatingConsensus, "")

	canonicalHash, canonical, err := chooseCanonical(summaries)
	if err != nil {
		w.setStage(id, StageFailed, err.Error())
		return
	}

	divergent := make([]PeerID, 0, len(summaries))
	for peer, summary := range summaries {
		if peer != w.localPeer && summary.StateHash != canonicalHash {
			divergent = append(divergent, peer)
		}
	}

	w.Logger.Infof("split-brain: canonical state %s (seq %d), %d divergent peers",
		canonicalHash, canonical.SequenceNumber, len(divergent))

	w.setStage(id, StageFinalizing, "")

	for _, peer := range divergent {
		peer := peer

		push := func(_ uint) error {
			ctx, cancelPush := context.WithTimeout(w.runCtx, 10*time.Second)
			defer cancelPush()
			return w.synchronizer.PushState(ctx, peer, canonical)
		}

		if err := retry.Retry(push, strategy.Limit(3), strategy.Backoff(backoff.Fibonacci(time.Second))); err != nil {
			w.setStage(id, StageFailed, fmt.Sprintf("state push to %s failed: %s", peer, err))
			return
		}
	}

	w.setStage(id, StageComplete, "")
}

// chooseCanonical picks the canonical state among the collected summaries:
// highest sequence number first, then the largest supporter group, then the
// larger hash so every node agrees.
func chooseCanonical(summaries map[PeerID]*StateSummary) (common.Hash, *StateSummary, error) {
	if len(summaries) == 0 {
		return common.Hash{}, nil, ErrNoCanonicalState
	}

	groups := make(map[common.Hash][]PeerID)
	maxSeq := make(map[common.Hash]uint64)
	sample := make(map[common.Hash]*StateSummary)
	for peer, summary := range summaries {
		hash := summary.StateHash
		groups[hash] = append(groups[hash], peer)
		if summary.SequenceNumber > maxSeq[hash] || sample[hash] == nil {
			maxSeq[hash] = summary.SequenceNumber
			sample[hash] = summary
		}
	}

	var winner common.Hash
	chosen := false
	for hash := range groups {
		if !chosen {
			winner = hash
			chosen = true
			continue
		}
		switch {
		case maxSeq[hash] > maxSeq[winner]:
			winner = hash
		case maxSeq[hash] == maxSeq[winner] && len(groups[hash]) > len(groups[winner]):
			winner = hash
		case maxSeq[hash] == maxSeq[winner] && len(groups[hash]) == len(groups[winner]) &&
			bytes.Compare(hash.Bytes(), winner.Bytes()) > 0:
			winner = hash
		}
	}

	return winner, sample[winner], nil
}

// checkpoint is a rollback anchor recorded whenever a state finalizes.
type checkpoint struct {
	Summary    StateSummary `json:"summary"`
	RecordedAt time.Time    `json:"recorded_at"`
}

// RecordCheckpoint stores a finalized state summary as a rollback anchor.
// Only the newest few checkpoints are retained.
func (w *Warden) RecordCheckpoint(summary *StateSummary) error {
	checkpoints := w.loadCheckpoints()
	checkpoints = append(checkpoints, checkpoint{Summary: *summary, RecordedAt: time.Now()})
	if len(checkpoints) > maxRetainedCheckpoints {
		checkpoints = checkpoints[len(checkpoints)-maxRetainedCheckpoints:]
	}

	data, err := json.Marshal(checkpoints)
	if err != nil {
		return errors.Wrap(err, "failed to encode checkpoints")
	}
	w.DB.Put([]byte(checkpointsKey), data)
	return nil
}

func (w *Warden) loadCheckpoints() []checkpoint {
	data := w.DB.Get([]byte(checkpointsKey))
	if data == nil {
		return nil
	}

	var checkpoints []checkpoint
	if err := json.Unmarshal(data, &checkpoints); err != nil {
		w.Logger.Errorf("corrupt checkpoint record dropped: %s", err)
		return nil
	}
	return checkpoints
}

func (w *Warden) executeEmergencyRollback(attempt *RecoveryAttempt) {
	id := attempt.AttemptID
	now := time.Now()

	w.Logger.Warnf("executing emergency rollback for recovery %d", id)
	w.setStage(id, StageDetectingPeers, "")

	w.lastSeenMu.RLock()
	activePeers := make(map[PeerID]time.Time)
	for peer, last := range w.lastSeen {
		if !w.excluded.Contains(peer) && now.Sub(last) <= 2*w.Config.Consensus.HeartbeatTimeout {
			activePeers[peer] = last
		}
	}
	w.lastSeenMu.RUnlock()

	// newest checkpoint that enough active peers plausibly witnessed wins
	checkpoints := w.loadCheckpoints()
	agreement := int(math.Ceil(float64(len(activePeers)+1) * w.Config.Consensus.ByzantineThreshold))

	var trusted []PeerID
	found := false
	for i := len(checkpoints) - 1; i >= 0; i-- {
		cp := checkpoints[i]

		var witnesses []PeerID
		for peer, last := range activePeers {
			if !last.Before(cp.RecordedAt) {
				witnesses = append(witnesses, peer)
			}
		}

		if len(witnesses) >= agreement {
			w.Logger.Infof("rolling back to checkpoint seq %d with %d/%d witnesses",
				cp.Summary.SequenceNumber, len(witnesses), len(activePeers)+1)
			trusted = witnesses
			found = true
			break
		}
	}

	if !found {
		// last resort: resync from anyone still reachable
		if len(activePeers) == 0 {
			w.setStage(id, StageFailed, "no checkpoint with sufficient agreement and no reachable peers")
			return
		}
		for peer := range activePeers {
			trusted = append(trusted, peer)
		}
		w.Logger.Warnf("no agreed checkpoint, attempting emergency sync from %d reachable peers", len(trusted))
	}

	w.setStage(id, StageSynchronizingState, "")

	ctx, cancelSync := context.WithTimeout(w.runCtx, 30*time.Second)
	err := w.synchronizer.RequestSync(ctx, trusted)
	cancelSync()
	if err != nil {
		w.setStage(id, StageFailed, fmt.Sprintf("rollback sync failed: %s", err))
		return
	}

	// fresh start after the rollback: stale evidence no longer applies
	w.suspectsMu.Lock()
	w.suspects = make(map[PeerID][]behaviorRecord)
	w.suspectsMu.Unlock()

	w.setStage(id, StageValidatingConsensus, "")
	w.setStage(id, StageFinalizing, "")
	w.setStage(id, StageComplete, "")
}
