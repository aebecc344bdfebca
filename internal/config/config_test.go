package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsAreValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 16, cfg.Router.Workers)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.NoError(t, err)
	assert.Equal(t, Default().Node.URI, cfg.Node.URI)
}

func TestLoadTOMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
[node]
uri = "need://prod-node"
listen_addr = "0.0.0.0:9900"

[node.peers]
"need://other-node" = "10.0.0.7:9900"

[storage]
path = "/var/lib/needmesh/needmesh.db"

[router]
workers = 64

[crawler]
node_uris = ["need://other-node"]
skip_node_uris = ["need://broken-node"]
tick_sec = 5

[logging]
level = "debug"
format = "json"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "need://prod-node", cfg.Node.URI)
	assert.Equal(t, "10.0.0.7:9900", cfg.Node.Peers["need://other-node"])
	assert.Equal(t, 64, cfg.Router.Workers)
	assert.Equal(t, []string{"need://broken-node"}, cfg.Crawler.SkipNodeURIs)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestEnvOverridesWinOverFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("[node]\nuri = \"need://from-file\"\n"), 0o600))

	t.Setenv("NEEDMESH_NODE_URI", "need://from-env")
	t.Setenv("NEEDMESH_ROUTER_WORKERS", "3")
	t.Setenv("NEEDMESH_CRAWLER_TICK_SEC", "not-a-number")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "need://from-env", cfg.Node.URI)
	assert.Equal(t, 3, cfg.Router.Workers)
	assert.Equal(t, Default().Crawler.TickSec, cfg.Crawler.TickSec)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty node uri", func(c *Config) { c.Node.URI = "" }},
		{"empty listen addr", func(c *Config) { c.Node.ListenAddr = "" }},
		{"empty storage path", func(c *Config) { c.Storage.Path = "" }},
		{"zero workers", func(c *Config) { c.Router.Workers = 0 }},
		{"unknown log level", func(c *Config) { c.Logging.Level = "loud" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			require.Error(t, cfg.Validate())
		})
	}
}
