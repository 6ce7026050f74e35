package core

import (
	"bytes"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/ethereum/go-ethereum/common"
)

// Fork tracks two or more candidate states descending from the same parent.
// Every state in Supporters is also listed in CompetingStates.
type Fork struct {
	ForkID             common.Hash
	ParentState        common.Hash
	CompetingStates    []common.Hash
	Supporters         map[common.Hash]mapset.Set[PeerID]
	CreatedAt          time.Time
	ResolutionDeadline time.Time
}

func NewFork(forkID, parentState common.Hash, competing []common.Hash, deadline time.Time) *Fork {
	f := &Fork{
		ForkID:             forkID,
		ParentState:        parentState,
		Supporters:         make(map[common.Hash]mapset.Set[PeerID]),
		CreatedAt:          time.Now(),
		ResolutionDeadline: deadline,
	}
	for _, state := range competing {
		f.AddCompetingState(state)
	}
	return f
}

// AddCompetingState registers another candidate, ignoring duplicates.
func (f *Fork) AddCompetingState(state common.Hash) {
	for _, s := range f.CompetingStates {
		if s == state {
			return
		}
	}
	f.CompetingStates = append(f.CompetingStates, state)
}

// AddSupporter records that peer backs state. The state must already be one
// of the competing candidates.
func (f *Fork) AddSupporter(state common.Hash, peer PeerID) error {
	known := false
	for _, s := range f.CompetingStates {
		if s == state {
			known = true
			break
		}
	}
	if !known {
		return ErrUnknownState
	}

	set, ok := f.Supporters[state]
	if !ok {
		set = mapset.NewSet[PeerID]()
		f.Supporters[state] = set
	}
	set.Add(peer)
	return nil
}

func (f *Fork) SupporterCount(state common.Hash) int {
	if set, ok := f.Supporters[state]; ok {
		return set.Cardinality()
	}
	return 0
}

// WinningState returns the candidate with strictly the most supporters. When
// two or more candidates are tied for the lead the fork is not resolvable
// yet and ok is false; callers wait for a supporter change or the deadline.
func (f *Fork) WinningState() (common.Hash, bool) {
	var winner common.Hash
	best := -1
	tied := false
	for _, state := range f.CompetingStates {
		count := f.SupporterCount(state)
		if count > best {
			winner = state
			best = count
			tied = false
		} else if count == best {
			tied = true
		}
	}
	if best < 0 || tied {
		return common.Hash{}, false
	}
	return winner, true
}

func (f *Fork) IsExpired(now time.Time) bool {
	return now.After(f.ResolutionDeadline)
}

// ResolveAtDeadline picks the winner once the deadline passed. Supporter
// majority still decides; a tie falls back to the lexicographically smallest
// state hash so every honest node resolves identically without another
// round-trip.
func (f *Fork) ResolveAtDeadline() common.Hash {
	if winner, ok := f.WinningState(); ok {
		return winner
	}

	best := -1
	for _, state := range f.CompetingStates {
		if count := f.SupporterCount(state); count > best {
			best = count
		}
	}

	var winner common.Hash
	chosen := false
	for _, state := range f.CompetingStates {
		if f.SupporterCount(state) != best {
			continue
		}
		if !chosen || bytes.Compare(state.Bytes(), winner.Bytes()) < 0 {
			winner = state
			chosen = true
		}
	}
	return winner
}
