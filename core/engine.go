package core

import (
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/sirupsen/logrus"
)

// Engine aggregates votes, confirmations and forks for the local node. Each
// collection sits behind its own lock so unrelated proposals never serialize
// against each other; operations on a single tracker are serialized by the
// collection lock that guards it.
type Engine struct {
	logger *logrus.Logger

	forkResolutionTimeout time.Duration

	votesMu sync.RWMutex
	votes   map[common.Hash]*VoteTracker

	confirmationsMu sync.RWMutex
	confirmations   map[common.Hash]*ConfirmationTracker

	forksMu sync.RWMutex
	forks   map[common.Hash]*Fork
}

func NewEngine(logger *logrus.Logger, forkResolutionTimeout time.Duration) *Engine {
	return &Engine{
		logger:                logger,
		forkResolutionTimeout: forkResolutionTimeout,
		votes:                 make(map[common.Hash]*VoteTracker),
		confirmations:         make(map[common.Hash]*ConfirmationTracker),
		forks:                 make(map[common.Hash]*Fork),
	}
}

// RegisterProposal opens vote tracking for a proposal. Idempotent.
func (e *Engine) RegisterProposal(proposalID common.Hash) *VoteTracker {
	e.votesMu.Lock()
	defer e.votesMu.Unlock()

	if vt, ok := e.votes[proposalID]; ok {
		return vt
	}
	vt := NewVoteTracker(proposalID)
	e.votes[proposalID] = vt
	return vt
}

// SubmitVote records a peer's choice on a known proposal.
func (e *Engine) SubmitVote(proposalID common.Hash, peer PeerID, choice VoteChoice) error {
	e.votesMu.Lock()
	defer e.votesMu.Unlock()

	vt, ok := e.votes[proposalID]
	if !ok {
		return ErrUnknownProposal
	}
	vt.AddVote(peer, choice)
	e.logger.Debugf("vote %s on proposal %s from peer %s", choice, proposalID, peer)
	return nil
}

// PassesThreshold evaluates the caller-supplied threshold ratio against a
// known proposal.
func (e *Engine) PassesThreshold(proposalID common.Hash, totalParticipants int, ratio float64) (bool, error) {
	e.votesMu.RLock()
	defer e.votesMu.RUnlock()

	vt, ok := e.votes[proposalID]
	if !ok {
		return false, ErrUnknownProposal
	}
	return vt.PassesThreshold(totalParticipants, ratio), nil
}

// TrackState opens confirmation tracking for a proposed state. Idempotent.
func (e *Engine) TrackState(stateHash common.Hash) *ConfirmationTracker {
	e.confirmationsMu.Lock()
	defer e.confirmationsMu.Unlock()

	if ct, ok := e.confirmations[stateHash]; ok {
		return ct
	}
	ct := NewConfirmationTracker(stateHash)
	e.confirmations[stateHash] = ct
	return ct
}

// SubmitConfirmation records a peer accepting or rejecting a tracked state.
func (e *Engine) SubmitConfirmation(stateHash common.Hash, peer PeerID, accept bool) error {
	e.confirmationsMu.Lock()
	defer e.confirmationsMu.Unlock()

	ct, ok := e.confirmations[stateHash]
	if !ok {
		return ErrUnknownState
	}
	if accept {
		ct.AddConfirmation(peer)
	} else {
		ct.AddRejection(peer)
	}
	return nil
}

// IsConfirmed reports whether a tracked state reached minConfirmations.
func (e *Engine) IsConfirmed(stateHash common.Hash, minConfirmations int) (bool, error) {
	e.confirmationsMu.RLock()
	defer e.confirmationsMu.RUnlock()

	ct, ok := e.confirmations[stateHash]
	if !ok {
		return false, ErrUnknownState
	}
	return ct.IsConfirmed(minConfirmations), nil
}

// FinalizeState stamps a tracked state as finalized and returns the stamp.
// Repeat calls return the original stamp.
func (e *Engine) FinalizeState(stateHash common.Hash) (time.Time, error) {
	e.confirmationsMu.Lock()
	defer e.confirmationsMu.Unlock()

	ct, ok := e.confirmations[stateHash]
	if !ok {
		return time.Time{}, ErrUnknownState
	}
	at := ct.Finalize()
	e.logger.Infof("state %s finalized at %s", stateHash, at)
	return at, nil
}

// ForkID derives the deterministic fork id for a parent state.
func ForkID(parentState common.Hash) common.Hash {
	return crypto.Keccak256Hash(parentState.Bytes())
}

// ReportFork creates or extends the fork rooted at parentState with the
// observed competing descendants and returns the fork id.
func (e *Engine) ReportFork(parentState common.Hash, competing ...common.Hash) (common.Hash, error) {
	if len(competing) == 0 {
		return common.Hash{}, ErrUnknownState
	}

	forkID := ForkID(parentState)

	e.forksMu.Lock()
	defer e.forksMu.Unlock()

	f, ok := e.forks[forkID]
	if !ok {
		f = NewFork(forkID, parentState, competing, time.Now().Add(e.forkResolutionTimeout))
		e.forks[forkID] = f
		e.logger.Warnf("fork %s opened under parent %s with %d competing states", forkID, parentState, len(competing))
		return forkID, nil
	}

	for _, state := range competing {
		f.AddCompetingState(state)
	}
	return forkID, nil
}

// ReportSupport records peer backing one competing state of a known fork.
func (e *Engine) ReportSupport(forkID, stateHash common.Hash, peer PeerID) error {
	e.forksMu.Lock()
	defer e.forksMu.Unlock()

	f, ok := e.forks[forkID]
	if !ok {
		return ErrUnknownFork
	}
	return f.AddSupporter(stateHash, peer)
}

// WinningState reports the current leader of a fork, ok is false while tied.
func (e *Engine) WinningState(forkID common.Hash) (common.Hash, bool, error) {
	e.forksMu.RLock()
	defer e.forksMu.RUnlock()

	f, ok := e.forks[forkID]
	if !ok {
		return common.Hash{}, false, ErrUnknownFork
	}
	winner, resolved := f.WinningState()
	return winner, resolved, nil
}

// ResolveExpiredForks force-resolves every fork past its deadline and drops
// it, returning the winner per fork id.
func (e *Engine) ResolveExpiredForks(now time.Time) map[common.Hash]common.Hash {
	e.forksMu.Lock()
	defer e.forksMu.Unlock()

	resolved := make(map[common.Hash]common.Hash)
	for id, f := range e.forks {
		if !f.IsExpired(now) {
			continue
		}
		winner := f.ResolveAtDeadline()
		resolved[id] = winner
		delete(e.forks, id)
		e.logger.Infof("fork %s resolved to state %s at deadline", id, winner)
	}
	return resolved
}

// PendingForks returns the ids of forks still awaiting resolution.
func (e *Engine) PendingForks() []common.Hash {
	e.forksMu.RLock()
	defer e.forksMu.RUnlock()

	ids := make([]common.Hash, 0, len(e.forks))
	for id := range e.forks {
		ids = append(ids, id)
	}
	return ids
}
