package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/gzhole/moltshield/internal/governor"
	"github.com/gzhole/moltshield/internal/store"
)

const (
	DefaultConfigDir  = ".moltshield"
	DefaultConfigFile = "config.yaml"
	DefaultLogFile    = "audit.jsonl"
	DefaultStateDir   = "state"
	DefaultAgentID    = "default"
	DefaultAPIAddr    = "127.0.0.1:7420"
	DefaultPreviewLen = 200
)

type Config struct {
	AgentID  string          `yaml:"agent_id"`
	LogLevel string          `yaml:"log_level"`
	Quota    governor.Config `yaml:"quota"`
	Store    store.Config    `yaml:"store"`
	Audit    AuditConfig     `yaml:"audit"`
	API      APIConfig       `yaml:"api"`

	ConfigDir  string `yaml:"-"`
	ConfigPath string `yaml:"-"`
}

type AuditConfig struct {
	Path       string `yaml:"path"`
	PreviewLen int    `yaml:"preview_len"`
	// PubSubProject and PubSubTopic, when both set, forward every audit
	// record to Google Cloud Pub/Sub.
	PubSubProject string `yaml:"pubsub_project"`
	PubSubTopic   string `yaml:"pubsub_topic"`
}

type APIConfig struct {
	Addr string `yaml:"addr"`
}

// Overrides are command-line values that win over the file.
type Overrides struct {
	Dir        string
	ConfigPath string
	StatePath  string
	LogPath    string
	AgentID    string
	LogLevel   string
}

// Default returns the configuration used when no file exists.
func Default(configDir string) *Config {
	return &Config{
		AgentID:  DefaultAgentID,
		LogLevel: "info",
		Quota:    governor.DefaultConfig(),
		Store: store.Config{
			Backend: store.BackendFile,
			Path:    filepath.Join(configDir, DefaultStateDir),
		},
		Audit: AuditConfig{
			Path:       filepath.Join(configDir, DefaultLogFile),
			PreviewLen: DefaultPreviewLen,
		},
		API:       APIConfig{Addr: DefaultAPIAddr},
		ConfigDir: configDir,
	}
}

// Load reads the YAML config over the defaults. A missing file is not an
// error. Unknown keys are.
func Load(o Overrides) (*Config, error) {
	configDir := o.Dir
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, err
		}
		configDir = filepath.Join(homeDir, DefaultConfigDir)
	}
	if err := ensureDir(configDir); err != nil {
		return nil, err
	}

	cfg := Default(configDir)
	cfg.ConfigPath = o.ConfigPath
	if cfg.ConfigPath == "" {
		cfg.ConfigPath = filepath.Join(configDir, DefaultConfigFile)
	}

	data, err := os.ReadFile(cfg.ConfigPath)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, err
	default:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("failed to parse %s: %w", cfg.ConfigPath, err)
		}
	}

	if o.StatePath != "" {
		cfg.Store.Backend = store.BackendFile
		cfg.Store.Path = o.StatePath
	}
	if o.LogPath != "" {
		cfg.Audit.Path = o.LogPath
	}
	if o.AgentID != "" {
		cfg.AgentID = o.AgentID
	}
	if o.LogLevel != "" {
		cfg.LogLevel = o.LogLevel
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", cfg.ConfigPath, err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.AgentID == "" {
		return errors.New("agent_id must not be empty")
	}
	if err := c.Quota.Validate(); err != nil {
		return err
	}
	switch c.Store.Backend {
	case store.BackendFile:
		if c.Store.Path == "" {
			return errors.New("store.path is required for the file backend")
		}
	case store.BackendRedis:
		if c.Store.RedisURL == "" {
			return errors.New("store.redis_url is required for the redis backend")
		}
	case store.BackendPostgres:
		if c.Store.PostgresDSN == "" {
			return errors.New("store.postgres_dsn is required for the postgres backend")
		}
	case store.BackendMemory:
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	if c.Audit.Path == "" {
		return errors.New("audit.path must not be empty")
	}
	if (c.Audit.PubSubProject == "") != (c.Audit.PubSubTopic == "") {
		return errors.New("audit.pubsub_project and audit.pubsub_topic must be set together")
	}
	return nil
}

func ensureDir(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return os.MkdirAll(path, 0700)
	}
	return nil
}
