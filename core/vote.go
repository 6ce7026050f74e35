package core

import (
	"math"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/ethereum/go-ethereum/common"
)

// VoteChoice is a peer's position on a proposal.
type VoteChoice uint8

const (
	VoteFor VoteChoice = iota
	VoteAgainst
	VoteAbstain
)

func (c VoteChoice) String() string {
	switch c {
	case VoteFor:
		return "for"
	case VoteAgainst:
		return "against"
	case VoteAbstain:
		return "abstain"
	default:
		return "unknown"
	}
}

// VoteTracker accumulates for/against/abstain votes for one proposal. A peer
// appears in at most one of the three sets; re-voting atomically moves it.
type VoteTracker struct {
	ProposalID   common.Hash
	VotesFor     mapset.Set[PeerID]
	VotesAgainst mapset.Set[PeerID]
	Abstentions  mapset.Set[PeerID]
	CreatedAt    time.Time
}

func NewVoteTracker(proposalID common.Hash) *VoteTracker {
	return &VoteTracker{
		ProposalID:   proposalID,
		VotesFor:     mapset.NewSet[PeerID](),
		VotesAgainst: mapset.NewSet[PeerID](),
		Abstentions:  mapset.NewSet[PeerID](),
		CreatedAt:    time.Now(),
	}
}

func (vt *VoteTracker) AddVoteFor(peer PeerID) {
	vt.VotesAgainst.Remove(peer)
	vt.Abstentions.Remove(peer)
	vt.VotesFor.Add(peer)
}

func (vt *VoteTracker) AddVoteAgainst(peer PeerID) {
	vt.VotesFor.Remove(peer)
	vt.Abstentions.Remove(peer)
	vt.VotesAgainst.Add(peer)
}

func (vt *VoteTracker) AddAbstention(peer PeerID) {
	vt.VotesFor.Remove(peer)
	vt.VotesAgainst.Remove(peer)
	vt.Abstentions.Add(peer)
}

// AddVote records choice for peer, last vote wins.
func (vt *VoteTracker) AddVote(peer PeerID, choice VoteChoice) {
	switch choice {
	case VoteFor:
		vt.AddVoteFor(peer)
	case VoteAgainst:
		vt.AddVoteAgainst(peer)
	case VoteAbstain:
		vt.AddAbstention(peer)
	}
}

// Choice reports where peer currently stands, if it voted at all.
func (vt *VoteTracker) Choice(peer PeerID) (VoteChoice, bool) {
	switch {
	case vt.VotesFor.Contains(peer):
		return VoteFor, true
	case vt.VotesAgainst.Contains(peer):
		return VoteAgainst, true
	case vt.Abstentions.Contains(peer):
		return VoteAbstain, true
	default:
		return 0, false
	}
}

// PassesThreshold reports whether the for-votes meet
// ceil(totalParticipants * ratio). The ratio is caller policy; no validation
// of its safety happens here.
func (vt *VoteTracker) PassesThreshold(totalParticipants int, ratio float64) bool {
	required := int(math.Ceil(float64(totalParticipants) * ratio))
	return vt.VotesFor.Cardinality() >= required
}

// ConfirmationTracker accumulates confirmations toward finalizing one state.
// Finalization is one-way; callers must treat a finalized state as immutable.
type ConfirmationTracker struct {
	StateHash     common.Hash
	Confirmations mapset.Set[PeerID]
	Rejections    mapset.Set[PeerID]
	FinalizedAt   *time.Time
}

func NewConfirmationTracker(stateHash common.Hash) *ConfirmationTracker {
	return &ConfirmationTracker{
		StateHash:     stateHash,
		Confirmations: mapset.NewSet[PeerID](),
		Rejections:    mapset.NewSet[PeerID](),
	}
}

func (ct *ConfirmationTracker) AddConfirmation(peer PeerID) {
	ct.Rejections.Remove(peer)
	ct.Confirmations.Add(peer)
}

func (ct *ConfirmationTracker) AddRejection(peer PeerID) {
	ct.Confirmations.Remove(peer)
	ct.Rejections.Add(peer)
}

func (ct *ConfirmationTracker) IsConfirmed(minConfirmations int) bool {
	return ct.Confirmations.Cardinality() >= minConfirmations
}

// Finalize stamps the finalization time. Calling it again is a no-op and
// returns the original stamp.
func (ct *ConfirmationTracker) Finalize() time.Time {
	if ct.FinalizedAt == nil {
		now := time.Now()
		ct.FinalizedAt = &now
	}
	return *ct.FinalizedAt
}

func (ct *ConfirmationTracker) IsFinalized() bool {
	return ct.FinalizedAt != nil
}
