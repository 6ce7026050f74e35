package core

import (
	"context"
	"sync"
)

// StateSynchronizer moves canonical state between peers during healing. The
// bulk transfer mechanism itself lives outside this package.
type StateSynchronizer interface {
	// LocalState returns this node's current state summary.
	LocalState(ctx context.Context) (*StateSummary, error)

	// FetchState retrieves the state summary held by a remote peer.
	FetchState(ctx context.Context, peer PeerID) (*StateSummary, error)

	// PushState forces the given canonical state onto a divergent peer.
	PushState(ctx context.Context, peer PeerID, summary *StateSummary) error

	// RequestSync asks the given peers for a full state transfer.
	RequestSync(ctx context.Context, peers []PeerID) error
}

var _ StateSynchronizer = (*MockSynchronizer)(nil)

// MockSynchronizer is an in-memory StateSynchronizer for tests and for
// running the daemon without a transport binding.
type MockSynchronizer struct {
	mu sync.Mutex

	Local  StateSummary
	States map[PeerID]*StateSummary

	FetchErr error
	PushErr  error
	SyncErr  error

	pushed    map[PeerID]*StateSummary
	synced    []PeerID
	syncCalls int
}

func NewMockSynchronizer() *MockSynchronizer {
	return &MockSynchronizer{
		States: make(map[PeerID]*StateSummary),
		pushed: make(map[PeerID]*StateSummary),
	}
}

func (m *MockSynchronizer) LocalState(ctx context.Context) (*StateSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	local := m.Local
	return &local, nil
}

func (m *MockSynchronizer) FetchState(ctx context.Context, peer PeerID) (*StateSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FetchErr != nil {
		return nil, m.FetchErr
	}
	summary, ok := m.States[peer]
	if !ok {
		return nil, ErrUnknownState
	}
	copied := *summary
	return &copied, nil
}

func (m *MockSynchronizer) PushState(ctx context.Context, peer PeerID, summary *StateSummary) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.PushErr != nil {
		return m.PushErr
	}
	copied := *summary
	m.pushed[peer] = &copied
	return nil
}

func (m *MockSynchronizer) RequestSync(ctx context.Context, peers []PeerID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.syncCalls++
	if m.SyncErr != nil {
		return m.SyncErr
	}
	m.synced = append(m.synced, peers...)
	return nil
}

// Pushed returns the summary last pushed to peer, if any.
func (m *MockSynchronizer) Pushed(peer PeerID) (*StateSummary, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	summary, ok := m.pushed[peer]
	return summary, ok
}

// Synced returns every peer a sync was requested from.
func (m *MockSynchronizer) Synced() []PeerID {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]PeerID, len(m.synced))
	copy(out, m.synced)
	return out
}

func (m *MockSynchronizer) SyncCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.syncCalls
}
