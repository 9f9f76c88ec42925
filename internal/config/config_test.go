package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"crdt-editor/internal/crdt"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, 30*time.Minute, cfg.InactivityTimeout.Std())
	require.Equal(t, 5*time.Minute, cfg.CleanupInterval.Std())
	require.Equal(t, 250*time.Millisecond, cfg.SyncTimeout.Std())
	require.Equal(t, 50, cfg.MaxParticipants)
	require.Equal(t, crdt.StrategyMerge, cfg.ConflictStrategy)
	require.Equal(t, ":8080", cfg.Addr())
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("COLLAB_PORT", "9000")
	t.Setenv("COLLAB_INACTIVITY_TIMEOUT", "90s")
	t.Setenv("COLLAB_CLEANUP_INTERVAL", "10s")
	t.Setenv("COLLAB_SYNC_TIMEOUT", "1s")
	t.Setenv("COLLAB_MAX_PARTICIPANTS", "3")
	t.Setenv("COLLAB_CONFLICT_STRATEGY", "lww")
	t.Setenv("COLLAB_STORE_DRIVER", "Memory")
	t.Setenv("COLLAB_MDNS_ENABLED", "yes")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "9000", cfg.Port)
	require.Equal(t, 90*time.Second, cfg.InactivityTimeout.Std())
	require.Equal(t, 10*time.Second, cfg.CleanupInterval.Std())
	require.Equal(t, time.Second, cfg.SyncTimeout.Std())
	require.Equal(t, 3, cfg.MaxParticipants)
	require.Equal(t, crdt.StrategyLastWriteWins, cfg.ConflictStrategy)
	require.Equal(t, "memory", cfg.StoreDriver)
	require.True(t, cfg.MDNSEnabled)

	t.Setenv("PORT", "7000")
	cfg, err = Load()
	require.NoError(t, err)
	require.Equal(t, "7000", cfg.Port)
}

func TestLoadRejectsBadValues(t *testing.T) {
	cases := map[string]string{
		"COLLAB_CONFLICT_STRATEGY":  "manual",
		"COLLAB_INACTIVITY_TIMEOUT": "soon",
		"COLLAB_CLEANUP_INTERVAL":   "0s",
		"COLLAB_MAX_PARTICIPANTS":   "0",
		"COLLAB_STORE_DRIVER":       "cassandra",
	}
	for key, val := range cases {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, val)
			_, err := Load()
			require.Error(t, err)
		})
	}
}

func TestLoadFileThenEnv(t *testing.T) {
	p := filepath.Join(t.TempDir(), "collab.json")
	require.NoError(t, os.WriteFile(p, []byte(`{
		"port": "8181",
		"session_grace": "5s",
		"store_driver": "sqlite",
		"store_dsn": "file:collab.sqlite"
	}`), 0o600))
	t.Setenv("COLLAB_CONFIG", p)
	t.Setenv("COLLAB_STORE_DSN", "file::memory:")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "8181", cfg.Port)
	require.Equal(t, 5*time.Second, cfg.SessionGrace.Std())
	require.Equal(t, "sqlite", cfg.StoreDriver)
	require.Equal(t, "file::memory:", cfg.StoreDSN)
	require.Equal(t, 50, cfg.MaxParticipants)
}
