package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultIsUsable(t *testing.T) {
	cfg := Default()
	require.Equal(t, "reqresp", cfg.Transport.Kind)
	require.NotZero(t, cfg.BitmapCapacity)
	require.NotZero(t, cfg.RateLimit.RequestsPerSecond)
}

func TestLoadOverridesOnTopOfDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"self_server_id": 7,
		"placement": {"persistent_server_ids": [7, 8]}
	}`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, uint64(7), cfg.SelfServerID)
	require.Equal(t, []uint64{7, 8}, cfg.Placement.PersistentServerIDs)
	require.Equal(t, "reqresp", cfg.Transport.Kind)
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
}
