// Package store persists governor rate state. Every backend stores one JSON
// document per agent identity.
package store

import (
	"context"
	"fmt"

	"github.com/gzhole/moltshield/internal/governor"
)

const (
	BackendFile     = "file"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

// Config selects and parameterizes a backend.
type Config struct {
	Backend     string `yaml:"backend"`
	Path        string `yaml:"path"`
	RedisURL    string `yaml:"redis_url"`
	KeyPrefix   string `yaml:"key_prefix"`
	PostgresDSN string `yaml:"postgres_dsn"`
	Table       string `yaml:"table"`
}

// Store is a governor.Store that holds resources.
type Store interface {
	governor.Store
	Close() error
}

// Open connects the configured backend. Network backends are pinged so a
// bad address fails here rather than on the first admission.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Backend {
	case "", BackendFile:
		if cfg.Path == "" {
			return nil, fmt.Errorf("store: file backend requires a path")
		}
		return NewFileStore(cfg.Path), nil
	case BackendRedis:
		return OpenRedis(ctx, cfg.RedisURL, cfg.KeyPrefix)
	case BackendPostgres:
		return OpenPostgres(ctx, cfg.PostgresDSN, cfg.Table)
	case BackendMemory:
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("store: unknown backend %q", cfg.Backend)
	}
}
