// Package config loads the node configuration: TOML file, defaults,
// NEEDMESH_* environment overrides.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/BurntSushi/toml"
)

// Config holds the complete node configuration.
type Config struct {
	Node    NodeConfig    `toml:"node"`
	Storage StorageConfig `toml:"storage"`
	Router  RouterConfig  `toml:"router"`
	Crawler CrawlerConfig `toml:"crawler"`
	Logging LoggingConfig `toml:"logging"`
}

// NodeConfig identifies this node and where it listens.
type NodeConfig struct {
	// URI is the public node URI other nodes address envelopes to.
	URI string `toml:"uri"`
	// ListenAddr is the QUIC listen address, host:port.
	ListenAddr string `toml:"listen_addr"`
	// Peers maps node URIs to dial addresses.
	Peers map[string]string `toml:"peers"`
	// SigningKeySeedHex seeds the node's ed25519 signing key. Empty
	// disables signing and the gate accepts everything.
	SigningKeySeedHex string `toml:"signing_key_seed_hex"`
	// PeerKeysHex maps node URIs to hex ed25519 public keys. Non-empty
	// turns the signature gate on.
	PeerKeysHex map[string]string `toml:"peer_keys_hex"`
}

type StorageConfig struct {
	Path string `toml:"path"`
}

type RouterConfig struct {
	// Workers bounds concurrent asynchronous deliveries.
	Workers int `toml:"workers"`
}

type CrawlerConfig struct {
	// NodeURIs are crawled at startup.
	NodeURIs []string `toml:"node_uris"`
	// SkipNodeURIs are announced but never connected.
	SkipNodeURIs []string `toml:"skip_node_uris"`
	// TickSec is the failed-node retry interval in seconds.
	TickSec int `toml:"tick_sec"`
}

type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `toml:"level"`
	// Format is text or json.
	Format string `toml:"format"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Node: NodeConfig{
			URI:        "need://localhost",
			ListenAddr: "127.0.0.1:7700",
			Peers:      map[string]string{},
		},
		Storage: StorageConfig{Path: "needmesh.db"},
		Router:  RouterConfig{Workers: 16},
		Crawler: CrawlerConfig{TickSec: 30},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

// Load reads path if it exists, falls back to defaults otherwise, and
// applies environment overrides last.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config file: %w", err)
			}
		} else if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
	}
	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("NEEDMESH_NODE_URI"); v != "" {
		c.Node.URI = v
	}
	if v := os.Getenv("NEEDMESH_LISTEN_ADDR"); v != "" {
		c.Node.ListenAddr = v
	}
	if v := os.Getenv("NEEDMESH_STORAGE_PATH"); v != "" {
		c.Storage.Path = v
	}
	if v := os.Getenv("NEEDMESH_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := envInt("NEEDMESH_ROUTER_WORKERS"); v > 0 {
		c.Router.Workers = v
	}
	if v := envInt("NEEDMESH_CRAWLER_TICK_SEC"); v > 0 {
		c.Crawler.TickSec = v
	}
}

func envInt(name string) int {
	raw := os.Getenv(name)
	if raw == "" {
		return 0
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}
	return v
}

// Validate rejects configurations the node cannot run with.
func (c *Config) Validate() error {
	if c.Node.URI == "" {
		return fmt.Errorf("node.uri must not be empty")
	}
	if c.Node.ListenAddr == "" {
		return fmt.Errorf("node.listen_addr must not be empty")
	}
	if c.Storage.Path == "" {
		return fmt.Errorf("storage.path must not be empty")
	}
	if c.Router.Workers <= 0 {
		return fmt.Errorf("router.workers must be positive, got %d", c.Router.Workers)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.Logging.Level)
	}
	return nil
}
