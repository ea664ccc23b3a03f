package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))
	return path
}

func TestLoadConfigAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
node:
  id: alpha
scheduler:
  priority_policy: soft
swap:
  timeout: 30s
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	require.Equal(t, "alpha", cfg.Node.ID)
	require.Equal(t, "SOFT", cfg.Scheduler.PriorityPolicy)
	require.Equal(t, 30*time.Second, cfg.Swap.Timeout)
	require.Equal(t, uint16(DefaultP2PPort), cfg.P2P.Port)
	require.Equal(t, DefaultMaxHTL, cfg.Swap.MaxHTL)
	require.Equal(t, DefaultMinSwapTime, cfg.Swap.MinSwapTime)
	require.EqualValues(t, DefaultBlockCacheBytes, cfg.Storage.BlockCacheBytes)
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	path := writeConfig(t, "node:\n  id: alpha\n")
	t.Setenv("KEYNODE_P2P_PORT", "7000")
	t.Setenv("KEYNODE_SWAP_MAX_HTL", "4")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, uint16(7000), cfg.P2P.Port)
	require.Equal(t, 4, cfg.Swap.MaxHTL)
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"missing id":     "p2p:\n  port: 1\n",
		"bad policy":     "node:\n  id: a\nscheduler:\n  priority_policy: fair\n",
		"bad weights":    "node:\n  id: a\nscheduler:\n  soft_weights: [1, 2]\n",
		"inverted swaps": "node:\n  id: a\nswap:\n  min_swap_time: 2m\n  max_swap_time: 1m\n",
		"bad level":      "node:\n  id: a\nlog:\n  level: loud\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, body))
			require.Error(t, err)
		})
	}

	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yml"))
	require.Error(t, err)
}

func TestSaveConfigThenLoad(t *testing.T) {
	cfg := Default()
	cfg.Node.ID = "beta"
	cfg.P2P.BootstrapNodes = []string{"10.0.0.1:4550"}
	cfg.Swap.MinSwapTime = 2 * time.Second

	path := filepath.Join(t.TempDir(), "nested", "config.yml")
	require.NoError(t, SaveConfig(cfg, path))

	got, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, cfg, got)
}

func TestNodeDBPath(t *testing.T) {
	cfg := Default()
	cfg.Node.DataDir = "/var/keynode"
	require.Equal(t, "/var/keynode/node.db", cfg.NodeDBPath())

	cfg.Storage.NodeDB = "/tmp/other.db"
	require.Equal(t, "/tmp/other.db", cfg.NodeDBPath())
}
