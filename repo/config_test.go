package repo

import (
	"path"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig("/tmp/warden")

	assert.Equal(t, "/tmp/warden", cfg.RepoRoot)
	assert.Equal(t, 15*time.Second, cfg.Consensus.HeartbeatTimeout)
	assert.Equal(t, 2, cfg.Consensus.MinParticipants)
	assert.Equal(t, 0.67, cfg.Consensus.ByzantineThreshold)
	assert.Equal(t, uint32(3), cfg.Consensus.MaxRecoveryAttempts)
	assert.Equal(t, 30*time.Second, cfg.Consensus.ForkResolutionTimeout)
}

func TestLoadGeneratesDefaultConfig(t *testing.T) {
	root := t.TempDir()

	r, err := Load(root)
	require.NoError(t, err)
	assert.True(t, Exist(path.Join(root, "warden.toml")))
	assert.Equal(t, 10*time.Second, r.Config.Consensus.DetectionInterval)
	assert.Equal(t, "warden-local", r.Config.LocalPeer)
}

func TestFlushRoundTrip(t *testing.T) {
	root := t.TempDir()

	r, err := Load(root)
	require.NoError(t, err)

	r.Config.LocalPeer = "node-7"
	r.Config.Bootstrap = []string{"node-1", "node-2"}
	r.Config.Consensus.MaxRecoveryAttempts = 5
	require.NoError(t, r.Flush())

	reloaded, err := Load(root)
	require.NoError(t, err)
	assert.Equal(t, "node-7", reloaded.Config.LocalPeer)
	assert.Equal(t, []string{"node-1", "node-2"}, reloaded.Config.Bootstrap)
	assert.Equal(t, uint32(5), reloaded.Config.Consensus.MaxRecoveryAttempts)
}
