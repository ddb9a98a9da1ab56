package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/gzhole/moltshield/internal/governor"
)

const defaultKeyPrefix = "moltshield:rate:"

// RedisStore keeps each agent's state as a JSON string value.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// OpenRedis parses a redis:// URL and pings the server.
func OpenRedis(ctx context.Context, redisURL, prefix string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisStore(client, prefix), nil
}

func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) key(agentID string) string { return s.prefix + agentID }

func (s *RedisStore) Load(ctx context.Context, agentID string) (governor.RateState, error) {
	var st governor.RateState
	data, err := s.client.Get(ctx, s.key(agentID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return st, governor.ErrNoState
	}
	if err != nil {
		return st, fmt.Errorf("redis get: %w", err)
	}
	if err := json.Unmarshal(data, &st); err != nil {
		return st, fmt.Errorf("decode state for %s: %w", agentID, err)
	}
	return st, nil
}

// Save compares versions under WATCH and writes in MULTI/EXEC, so a write
// by another process between the read and the exec aborts the transaction.
func (s *RedisStore) Save(ctx context.Context, agentID string, st governor.RateState) error {
	expected := st.Version
	st.Version++
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}

	key := s.key(agentID)
	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		var current governor.RateState
		raw, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return fmt.Errorf("redis get: %w", err)
		default:
			if err := json.Unmarshal(raw, &current); err != nil {
				return fmt.Errorf("decode state for %s: %w", agentID, err)
			}
		}
		if current.Version != expected {
			return governor.ErrStateConflict
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			return nil
		})
		return err
	}, key)

	switch {
	case errors.Is(err, redis.TxFailedErr):
		return governor.ErrStateConflict
	case errors.Is(err, governor.ErrStateConflict):
		return err
	case err != nil:
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (s *RedisStore) Close() error { return s.client.Close() }
