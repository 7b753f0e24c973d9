package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWhenFileMissing(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	require.Equal(t, ":8317", cfg.Server.Listen)
	require.Equal(t, "hybrid", cfg.Selection.Strategy)
	require.Equal(t, "memory", cfg.Storage.Backend)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `
server:
  listen: ":9000"
selection:
  strategy: round-robin
  sticky_ttl_min: 5
refresh:
  threshold_min: 3
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":9000", cfg.Server.Listen)
	require.Equal(t, "round-robin", cfg.Selection.Strategy)
	require.Equal(t, 5, cfg.Selection.StickyTTLMin)
	require.Equal(t, 3, cfg.Refresh.ThresholdMin)
	// untouched sections keep defaults
	require.Equal(t, 30, cfg.Refresh.SweepIntervalMin)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  listen: \":9000\"\n"), 0o644))
	t.Setenv("POLY2API_LISTEN", ":7000")
	t.Setenv("POLY2API_DISABLE_CREDENTIAL_LOCK", "true")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":7000", cfg.Server.Listen)
	require.True(t, cfg.Pool.DisableCredentialLock)
}

func TestValidateRejectsBadStrategy(t *testing.T) {
	cfg := Default()
	cfg.Selection.Strategy = "best-effort"
	require.Error(t, cfg.Validate())
}

func TestValidateRequiresPostgresDSN(t *testing.T) {
	cfg := Default()
	cfg.Storage.Backend = "postgres"
	require.Error(t, cfg.Validate())
	cfg.Storage.PostgresDSN = "postgres://localhost/poly2api"
	require.NoError(t, cfg.Validate())
}

func TestManagerSwapKeepsOldOnInvalid(t *testing.T) {
	mgr := NewManager(Default())
	bad := Default()
	bad.Server.Listen = ""
	require.Error(t, mgr.Swap(bad))
	require.Equal(t, ":8317", mgr.Current().Server.Listen)

	good := Default()
	good.Server.Listen = ":1234"
	require.NoError(t, mgr.Swap(good))
	require.Equal(t, ":1234", mgr.Current().Server.Listen)
}
