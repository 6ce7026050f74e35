package core

import (
	"context"
	"encoding/binary"
	"math"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/axiomesh/axiom-kit/log"
	"github.com/axiomesh/axiom-kit/storage"
	"github.com/axiomesh/axiom-kit/storage/leveldb"
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/meshwarden/warden/repo"
	"github.com/sirupsen/logrus"
)

const (
	partitionSeqKey = "partitionSeq"
	checkpointsKey  = "checkpoints"

	// byzantineExclusionThreshold is how many suspicious-behavior reports it
	// takes to permanently exclude a peer.
	byzantineExclusionThreshold = 3

	// suspectTTL bounds how long a behavior report counts as evidence.
	suspectTTL = 5 * time.Minute

	recoverySweepInterval  = 5 * time.Second
	byzantineSweepInterval = 30 * time.Second
	maxRetainedCheckpoints = 8
)

// Warden watches the mesh for partitions, byzantine peers and stalled
// consensus, and drives recovery back to a single agreed state.
type Warden struct {
	runCtx context.Context
	cancel context.CancelFunc

	Config *repo.Config
	Logger *logrus.Logger
	DB     storage.Storage

	localPeer    PeerID
	synchronizer StateSynchronizer

	// Known membership and liveness. The sets are individually thread-safe;
	// the lastSeen map carries its own lock.
	participants mapset.Set[PeerID]
	excluded     mapset.Set[PeerID]

	lastSeenMu sync.RWMutex
	lastSeen   map[PeerID]time.Time

	partitionsMu sync.RWMutex
	partitions   map[uint64]*PartitionInfo
	partitionSeq atomic.Uint64

	recoveriesMu sync.RWMutex
	recoveries   map[uint64]*RecoveryAttempt
	recoverySeq  atomic.Uint64

	suspectsMu sync.RWMutex
	suspects   map[PeerID][]behaviorRecord

	// Merged gossip view, union-only.
	viewParticipants mapset.Set[PeerID]
	viewConnections  mapset.Set[Connection]

	partitionsDetected   atomic.Uint64
	recoveriesSuccessful atomic.Uint64
	recoveriesFailed     atomic.Uint64
	metrics              *RecoveryMetrics

	wg sync.WaitGroup
}

func NewWarden(ctx context.Context, config *repo.Config, synchronizer StateSynchronizer) (*Warden, error) {
	logger := log.New()
	logger.SetLevel(log.ParseLevel(config.Log.Level))

	db, err := leveldb.New(filepath.Join(config.RepoRoot, "leveldb"))
	if err != nil {
		return nil, err
	}

	localPeer := PeerID(config.LocalPeer)
	participants := mapset.NewSet(localPeer)
	for _, peer := range config.Bootstrap {
		participants.Add(PeerID(peer))
	}

	runCtx, cancel := context.WithCancel(ctx)

	w := &Warden{
		runCtx:           runCtx,
		cancel:           cancel,
		Config:           config,
		Logger:           logger,
		DB:               db,
		localPeer:        localPeer,
		synchronizer:     synchronizer,
		participants:     participants,
		excluded:         mapset.NewSet[PeerID](),
		lastSeen:         make(map[PeerID]time.Time),
		partitions:       make(map[uint64]*PartitionInfo),
		recoveries:       make(map[uint64]*RecoveryAttempt),
		suspects:         make(map[PeerID][]behaviorRecord),
		viewParticipants: mapset.NewSet(localPeer),
		viewConnections:  mapset.NewSet[Connection](),
		metrics:          &RecoveryMetrics{},
	}

	// restore the partition counter so restarted nodes never reuse ids
	if data := w.DB.Get([]byte(partitionSeqKey)); data != nil {
		w.partitionSeq.Store(binary.BigEndian.Uint64(data))
	}

	return w, nil
}

// Start launches the periodic background loops. Stop cancels them; loops
// exit at their next tick boundary and in-flight recoveries are abandoned.
func (w *Warden) Start() error {
	w.wg.Add(4)
	go w.partitionDetectionLoop(w.runCtx)
	go w.recoveryLoop(w.runCtx)
	go w.byzantineLoop(w.runCtx)
	go w.heartbeatMonitorLoop(w.runCtx)

	return nil
}

func (w *Warden) Stop() error {
	w.cancel()
	w.wg.Wait()

	return nil
}

// RecordHeartbeat updates liveness for a peer and registers it as a
// participant if it is new. Excluded peers are ignored.
func (w *Warden) RecordHeartbeat(peer PeerID, at time.Time) {
	if w.excluded.Contains(peer) {
		return
	}

	w.lastSeenMu.Lock()
	w.lastSeen[peer] = at
	w.lastSeenMu.Unlock()

	w.participants.Add(peer)
}

// UpdateNetworkView merges a gossiped view from a peer into the local one.
// A carried partition id is treated as a partition report.
func (w *Warden) UpdateNetworkView(from PeerID, view NetworkView) {
	w.Logger.Debugf("network view from %s: %d participants, %d connections", from, len(view.Participants), len(view.Connections))

	for _, participant := range view.Participants {
		w.viewParticipants.Add(participant)
	}
	for _, connection := range view.Connections {
		w.viewConnections.Add(connection)
	}

	if view.PartitionID != nil {
		w.handlePartitionReport(from, *view.PartitionID, view)
	}
}

func (w *Warden) handlePartitionReport(reporter PeerID, partitionID uint64, view NetworkView) {
	w.partitionsMu.Lock()
	defer w.partitionsMu.Unlock()

	if _, ok := w.partitions[partitionID]; ok {
		return
	}

	affected := mapset.NewSet[PeerID]()
	for _, participant := range view.Participants {
		affected.Add(participant)
	}

	w.partitions[partitionID] = &PartitionInfo{
		PartitionID:  partitionID,
		Unresponsive: affected,
		DetectedAt:   time.Now(),
		Failure:      NetworkPartition,
		Strategy:     WaitForHeal,
	}
	w.partitionsDetected.Add(1)

	// keep the local counter ahead of remote-assigned ids
	for {
		cur := w.partitionSeq.Load()
		if partitionID <= cur || w.partitionSeq.CompareAndSwap(cur, partitionID) {
			break
		}
	}

	w.Logger.Infof("registered partition %d reported by %s", partitionID, reporter)
}

// ReportSuspiciousBehavior accumulates byzantine evidence against a peer.
// The third report excludes the peer permanently; further reports against an
// excluded peer are ignored.
func (w *Warden) ReportSuspiciousBehavior(peer PeerID, kind BehaviorKind) {
	if w.excluded.Contains(peer) {
		return
	}

	w.Logger.Warnf("suspicious behavior %s reported for peer %s", kind, peer)

	w.suspectsMu.Lock()
	w.suspects[peer] = append(w.suspects[peer], behaviorRecord{kind: kind, at: time.Now()})
	count := len(w.suspects[peer])
	w.suspectsMu.Unlock()

	if count < byzantineExclusionThreshold {
		return
	}
	if !w.excluded.Add(peer) {
		return
	}

	w.Logger.Errorf("excluding peer %s after %d byzantine reports", peer, count)

	// a peer that counted toward quorum leaving changes the consensus math
	if w.participants.Contains(peer) {
		w.TriggerRecovery(ByzantineFailure, mapset.NewSet(peer))
	}
}

// TriggerRecovery opens a partition record for the affected peers and starts
// a recovery attempt under the strategy selected for the failure type.
func (w *Warden) TriggerRecovery(failure FailureType, affected mapset.Set[PeerID]) uint64 {
	partitionID := w.nextPartitionID()

	total := w.quorumParticipantCount()
	chosen := selectStrategy(failure, affected.Cardinality(), total)

	info := &PartitionInfo{
		PartitionID:  partitionID,
		Unresponsive: affected.Clone(),
		DetectedAt:   time.Now(),
		Failure:      failure,
		Strategy:     chosen,
	}

	w.partitionsMu.Lock()
	w.partitions[partitionID] = info
	w.partitionsMu.Unlock()
	w.partitionsDetected.Add(1)

	w.Logger.Infof("triggered recovery for partition %d (%s) with strategy %s", partitionID, failure, chosen)

	w.startRecovery(info, chosen, affected.Clone())
	return partitionID
}

func (w *Warden) nextPartitionID() uint64 {
	id := w.partitionSeq.Add(1)

	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, id)
	w.DB.Put([]byte(partitionSeqKey), buf)

	return id
}

// quorumParticipantCount is the number of known participants that still
// count toward quorum, i.e. everyone not excluded.
func (w *Warden) quorumParticipantCount() int {
	total := 0
	for _, peer := range w.participants.ToSlice() {
		if w.excluded.Contains(peer) {
			continue
		}
		total++
	}
	return total
}

// runDetectionPass checks heartbeat liveness against the required quorum and
// declares a partition when too few peers remain active.
func (w *Warden) runDetectionPass(now time.Time) (uint64, bool) {
	timeout := w.Config.Consensus.HeartbeatTimeout

	unresponsive := mapset.NewSet[PeerID]()
	total := 0

	w.lastSeenMu.RLock()
	for _, peer := range w.participants.ToSlice() {
		if w.excluded.Contains(peer) {
			continue
		}
		total++
		if peer == w.localPeer {
			continue
		}
		last, ok := w.lastSeen[peer]
		if !ok || now.Sub(last) > timeout {
			// never-seen peers count as unresponsive too
			unresponsive.Add(peer)
		}
	}
	w.lastSeenMu.RUnlock()

	active := total - unresponsive.Cardinality()
	required := requiredQuorum(total, w.Config.Consensus.MinParticipants, w.Config.Consensus.ByzantineThreshold)

	if active >= required || unresponsive.Cardinality() == 0 {
		return 0, false
	}

	// skip peers already covered by an open partition
	w.partitionsMu.RLock()
	handled := false
	for _, info := range w.partitions {
		if info.Unresponsive.Intersect(unresponsive).Cardinality() > 0 {
			handled = true
			break
		}
	}
	w.partitionsMu.RUnlock()
	if handled {
		return 0, false
	}

	w.Logger.Warnf("partition detected: %d unresponsive of %d participants, active %d < required %d",
		unresponsive.Cardinality(), total, active, required)

	return w.TriggerRecovery(NetworkPartition, unresponsive), true
}

// requiredQuorum is max(minParticipants, ceil(total * threshold)).
func requiredQuorum(total, minParticipants int, threshold float64) int {
	byThreshold := int(math.Ceil(float64(total) * threshold))
	if minParticipants > byThreshold {
		return minParticipants
	}
	return byThreshold
}

// pruneSuspects ages out byzantine evidence older than the TTL. Exclusion
// already applied is never undone.
func (w *Warden) pruneSuspects(now time.Time) {
	cutoff := now.Add(-suspectTTL)

	w.suspectsMu.Lock()
	for peer, records := range w.suspects {
		kept := records[:0]
		for _, record := range records {
			if record.at.After(cutoff) {
				kept = append(kept, record)
			}
		}
		if len(kept) == 0 {
			delete(w.suspects, peer)
		} else {
			w.suspects[peer] = kept
		}
	}
	w.suspectsMu.Unlock()

	if excluded := w.excluded.Cardinality(); excluded > 0 {
		w.Logger.Infof("currently excluding %d byzantine peers", excluded)
	}
}

// checkHeartbeats logs liveness health; actual heartbeat delivery belongs to
// the transport collaborator.
func (w *Warden) checkHeartbeats(now time.Time) int {
	timeout := w.Config.Consensus.HeartbeatTimeout
	stale := 0

	w.lastSeenMu.RLock()
	for _, peer := range w.participants.ToSlice() {
		if peer == w.localPeer || w.excluded.Contains(peer) {
			continue
		}
		last, ok := w.lastSeen[peer]
		if !ok || now.Sub(last) > timeout {
			stale++
		}
	}
	w.lastSeenMu.RUnlock()

	if stale > 0 {
		w.Logger.Warnf("heartbeat failures detected: %d peers unresponsive", stale)
	} else {
		w.Logger.Debugf("all heartbeats healthy")
	}
	return stale
}

func (w *Warden) partitionDetectionLoop(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.Config.Consensus.DetectionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.runDetectionPass(time.Now())
		}
	}
}

func (w *Warden) recoveryLoop(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(recoverySweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.sweepRecoveries(time.Now())
		}
	}
}

func (w *Warden) byzantineLoop(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(byzantineSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.pruneSuspects(time.Now())
		}
	}
}

func (w *Warden) heartbeatMonitorLoop(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.Config.Consensus.HeartbeatTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.checkHeartbeats(time.Now())
		}
	}
}

// IsPartitioned reports whether any partition, healed or not, is still open.
func (w *Warden) IsPartitioned() bool {
	w.partitionsMu.RLock()
	defer w.partitionsMu.RUnlock()

	return len(w.partitions) > 0
}

// GetActivePartitions returns a snapshot of every open partition, including
// permanently failed ones awaiting administrative action.
func (w *Warden) GetActivePartitions() []PartitionInfo {
	w.partitionsMu.RLock()
	defer w.partitionsMu.RUnlock()

	out := make([]PartitionInfo, 0, len(w.partitions))
	for _, info := range w.partitions {
		copied := *info
		copied.Unresponsive = info.Unresponsive.Clone()
		out = append(out, copied)
	}
	return out
}

// GetExcludedPeers returns the peers permanently excluded for byzantine
// behavior.
func (w *Warden) GetExcludedPeers() []PeerID {
	return w.excluded.ToSlice()
}

// NetworkViewSnapshot returns the merged gossip view.
func (w *Warden) NetworkViewSnapshot() NetworkView {
	return NetworkView{
		Participants: w.viewParticipants.ToSlice(),
		Connections:  w.viewConnections.ToSlice(),
	}
}

func (w *Warden) GetRecoveryStats() RecoveryStats {
	w.partitionsMu.RLock()
	activePartitions := len(w.partitions)
	w.partitionsMu.RUnlock()

	w.recoveriesMu.RLock()
	activeRecoveries := len(w.recoveries)
	w.recoveriesMu.RUnlock()

	w.suspectsMu.RLock()
	suspects := len(w.suspects)
	w.suspectsMu.RUnlock()

	return RecoveryStats{
		PartitionsDetected:   w.partitionsDetected.Load(),
		RecoveriesSuccessful: w.recoveriesSuccessful.Load(),
		RecoveriesFailed:     w.recoveriesFailed.Load(),
		ActivePartitions:     activePartitions,
		ActiveRecoveries:     activeRecoveries,
		ByzantineSuspects:    suspects,
		ExcludedPeers:        w.excluded.Cardinality(),
	}
}

func (w *Warden) Metrics() *RecoveryMetrics {
	return w.metrics
}

func (w *Warden) isResponsive(peer PeerID, now time.Time) bool {
	w.lastSeenMu.RLock()
	defer w.lastSeenMu.RUnlock()

	last, ok := w.lastSeen[peer]
	return ok && now.Sub(last) <= w.Config.Consensus.HeartbeatTimeout
}
