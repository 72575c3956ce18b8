// Package config loads orchestrator configuration from YAML for embedding
// applications.
package config

import (
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/dshills/flowgraph-go/flow"
	"github.com/dshills/flowgraph-go/flow/store"
)

const defaultConfigPath = "./flowgraph.yml"

// Config is the YAML-backed orchestrator configuration.
//
// Example file:
//
//	log_level: info
//	max_concurrent_nodes: 8
//	inbox_depth: 256
//	store:
//	  driver: sqlite
//	  dsn: ./flowgraph.db
type Config struct {
	LogLevel           string `yaml:"log_level"`
	MaxConcurrentNodes int    `yaml:"max_concurrent_nodes"`
	YieldChildBatching bool   `yaml:"yield_child_batching"`
	InboxDepth         int    `yaml:"inbox_depth"`
	Store              struct {
		Driver string `yaml:"driver"`
		DSN    string `yaml:"dsn"`
	} `yaml:"store"`
}

// Load reads a config file. An empty path uses ./flowgraph.yml.
func Load(path string) (*Config, error) {
	if path == "" {
		path = defaultConfigPath
	}
	raw, err := os.ReadFile(path) // #nosec G304 -- operator-supplied config path
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if cfg.MaxConcurrentNodes == 0 {
		cfg.MaxConcurrentNodes = flow.DefaultMaxConcurrentNodes
	}
	return &cfg, nil
}

// OpenStore constructs the configured store backend. Recognized drivers:
// "memory", "sqlite", "mysql", "postgres".
func (c *Config) OpenStore() (store.Store, error) {
	switch c.Store.Driver {
	case "", "memory":
		return store.NewMemStore(), nil
	case "sqlite":
		return store.NewSQLiteStore(c.Store.DSN)
	case "mysql":
		return store.NewMySQLStore(c.Store.DSN)
	case "postgres":
		return store.NewPostgresStore(c.Store.DSN)
	default:
		return nil, fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
}

// Options translates the config into orchestrator options.
func (c *Config) Options() []flow.Option {
	opts := []flow.Option{flow.WithMaxConcurrentNodes(c.MaxConcurrentNodes)}
	if c.YieldChildBatching {
		opts = append(opts, flow.WithYieldChildBatching())
	}
	if c.InboxDepth > 0 {
		opts = append(opts, flow.WithInboxDepth(c.InboxDepth))
	}
	return opts
}

// Logger builds a zerolog logger at the configured level writing to w.
// Unknown levels default to info.
func (c *Config) Logger(w io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil || c.LogLevel == "" {
		level = zerolog.InfoLevel
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}
