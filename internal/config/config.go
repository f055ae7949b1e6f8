// Package config holds the engine configuration and its toml loading.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/myuser/cursordb/internal/schema"
	"github.com/myuser/cursordb/internal/solver"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
)

const (
	BackendBTree  = "btree"
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
)

type Config struct {
	// Backend is one of btree, memory or sqlite.
	Backend string `toml:"backend"`
	// DSN is the sqlite data source; ignored by the in-memory backends.
	DSN         string     `toml:"dsn"`
	MetricsAddr string     `toml:"metrics-addr"`
	Log         log.Config `toml:"log"`

	Queue QueueConfig `toml:"queue"`
	Scan  ScanConfig  `toml:"scan"`

	Stores []schema.Store `toml:"stores"`
}

type QueueConfig struct {
	// MaxPending bounds requests waiting behind the active transaction.
	// Zero is unbounded.
	MaxPending int `toml:"max-pending"`
	// Workers is the size of the pool sessions run on.
	Workers int `toml:"workers"`
}

type ScanConfig struct {
	DefaultSolver string `toml:"default-solver"`
	// MaxRounds caps solver rounds per scan. Zero is unbounded.
	MaxRounds int `toml:"max-rounds"`
}

func getLogLevel() (logLevel string) {
	logLevel = "info"
	if l := os.Getenv("LOG_LEVEL"); len(l) != 0 {
		logLevel = l
	}
	return
}

func NewDefaultConfig() *Config {
	return &Config{
		Backend:     BackendBTree,
		DSN:         ":memory:",
		MetricsAddr: "127.0.0.1:9090",
		Log: log.Config{
			Level:  getLogLevel(),
			Format: "text",
		},
		Queue: QueueConfig{
			MaxPending: 1024,
			Workers:    4,
		},
		Scan: ScanConfig{
			DefaultSolver: solver.SortedMergeName,
		},
	}
}

// Validate checks the configuration and the schema it declares.
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendBTree, BackendMemory:
	case BackendSQLite:
		if c.DSN == "" {
			return errors.New("sqlite backend needs a dsn")
		}
	default:
		return errors.Errorf("unknown backend %q", c.Backend)
	}
	if c.Queue.MaxPending < 0 {
		return errors.Errorf("queue max-pending must not be negative, got %d", c.Queue.MaxPending)
	}
	if c.Queue.Workers <= 0 {
		return errors.Errorf("queue workers must be greater than 0, got %d", c.Queue.Workers)
	}
	if c.Scan.MaxRounds < 0 {
		return errors.Errorf("scan max-rounds must not be negative, got %d", c.Scan.MaxRounds)
	}
	if _, err := solver.ByName(c.Scan.DefaultSolver); err != nil {
		return err
	}
	if len(c.Stores) == 0 {
		return errors.New("config declares no stores")
	}
	return errors.Trace(c.Schema().Validate())
}

// Schema is the schema the configured stores describe.
func (c *Config) Schema() *schema.Schema {
	return schema.New(c.Stores...)
}

// Load reads path over the defaults. Unknown keys are an error.
func Load(path string) (*Config, error) {
	c := NewDefaultConfig()
	meta, err := toml.DecodeFile(path, c)
	if err != nil {
		return nil, errors.Annotatef(err, "load config %s", path)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, errors.Errorf("config contains undefined item: %s", strings.Join(keys, ", "))
	}
	if err := c.Validate(); err != nil {
		return nil, errors.Annotatef(err, "config %s", path)
	}
	return c, nil
}

func (c *Config) String() string {
	if c == nil {
		return "<nil>"
	}
	return fmt.Sprintf("Config{backend=%s dsn=%q stores=%d queue=%+v scan=%+v}",
		c.Backend, c.DSN, len(c.Stores), c.Queue, c.Scan)
}
