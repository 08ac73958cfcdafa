// Copyright 2026 © The Steward Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jllopis/steward/pkg/errors"
)

// RedisConfig describes the Redis connection for session state.
type RedisConfig struct {
	Address  string        `koanf:"address"`
	Password string        `koanf:"password"`
	DB       int           `koanf:"db"`
	Prefix   string        `koanf:"prefix"`
	TTL      time.Duration `koanf:"ttl"`
}

// RedisStore keeps each session as a JSON document under prefix+id.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("redis address is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return NewRedisStoreWithClient(client, cfg.Prefix, cfg.TTL), nil
}

// NewRedisStoreWithClient wraps an existing client. A zero ttl keeps
// sessions forever.
func NewRedisStoreWithClient(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisStore {
	if prefix == "" {
		prefix = "steward:session:"
	}
	return &RedisStore{client: client, prefix: prefix, ttl: ttl}
}

// Load reads the session document.
func (r *RedisStore) Load(ctx context.Context, id string) (*State, error) {
	if id == "" {
		return nil, errors.New(errors.CodeValidation, "session id is required", nil)
	}
	data, err := r.client.Get(ctx, r.prefix+id).Bytes()
	if err != nil {
		if stderrors.Is(err, redis.Nil) {
			return New(id), nil
		}
		return nil, errors.New(errors.CodeAgentUnavailable, "load session", err).WithContext("session_id", id)
	}
	st, err := decodeState(data)
	if err != nil {
		return nil, errors.New(errors.CodeInternal, "decode session", err).WithContext("session_id", id)
	}
	return st, nil
}

// Save writes the session document, refreshing its TTL.
func (r *RedisStore) Save(ctx context.Context, state *State) error {
	if state == nil || state.SessionID == "" {
		return errors.New(errors.CodeValidation, "session id is required", nil)
	}
	state.UpdatedAt = time.Now().UTC()
	data, err := encodeState(state)
	if err != nil {
		return err
	}
	if err := r.client.Set(ctx, r.prefix+state.SessionID, data, r.ttl).Err(); err != nil {
		return errors.New(errors.CodeAgentUnavailable, "save session", err).WithContext("session_id", state.SessionID)
	}
	return nil
}

// Delete removes the session document.
func (r *RedisStore) Delete(ctx context.Context, id string) error {
	return r.client.Del(ctx, r.prefix+id).Err()
}

// Close closes the client.
func (r *RedisStore) Close() error {
	if r == nil || r.client == nil {
		return nil
	}
	return r.client.Close()
}
