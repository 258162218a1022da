package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	cfg.Identity.Identity = "node-1" // Default() intentionally leaves identity blank
	require.NoError(t, Validate(cfg))
	assert.True(t, cfg.Listen.Enabled)
	assert.Equal(t, uint16(56540), cfg.Listen.Port)
	assert.Equal(t, 100*time.Millisecond, cfg.Transfer.DefaultTickRate)
}

func TestValidateRejectsEmptyIdentity(t *testing.T) {
	cfg := Default()
	assert.ErrorIs(t, Validate(cfg), ErrEmptyIdentity)
}

func TestValidateRejectsListenEnabledWithZeroPort(t *testing.T) {
	cfg := Default()
	cfg.Identity.Identity = "node-1"
	cfg.Listen.Port = 0
	assert.ErrorIs(t, Validate(cfg), ErrInvalidListenPort)
}

func TestValidateRejectsDuplicatePeerID(t *testing.T) {
	cfg := Default()
	cfg.Identity.Identity = "node-1"
	cfg.Peers = []PeerConfig{
		{PeerID: "a", Direction: "inbound"},
		{PeerID: "a", Direction: "inbound"},
	}
	err := Validate(cfg)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDuplicatePeerID)
}

func TestValidateRejectsOutboundPeerWithoutHost(t *testing.T) {
	cfg := Default()
	cfg.Identity.Identity = "node-1"
	cfg.Peers = []PeerConfig{{PeerID: "a", Direction: "outbound"}}
	err := Validate(cfg)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMissingPeerHost)
}

func TestValidateRejectsUnknownDirection(t *testing.T) {
	cfg := Default()
	cfg.Identity.Identity = "node-1"
	cfg.Peers = []PeerConfig{{PeerID: "a", Direction: "sideways"}}
	err := Validate(cfg)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidDirection)
}

func TestLoadMergesFileOntoDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "epnode.yaml")
	yaml := `
identity:
  identity: my-node
peers:
  - peer_id: remote-1
    host: 10.0.0.5
    port: 56540
    direction: outbound
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "my-node", cfg.Identity.Identity)
	require.Len(t, cfg.Peers, 1)
	assert.Equal(t, "remote-1", cfg.Peers[0].PeerID)
	require.NotNil(t, cfg.Peers[0].Host)
	assert.Equal(t, "10.0.0.5", *cfg.Peers[0].Host)
	// Untouched sections keep their defaults.
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, ":9464", cfg.Metrics.Addr)
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "epnode.yaml")
	require.NoError(t, os.WriteFile(path, []byte("identity:\n  identity: \"\"\n"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	assert.Error(t, err)
}
