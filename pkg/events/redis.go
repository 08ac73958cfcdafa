// Copyright 2026 © The Steward Authors
// SPDX-License-Identifier: Apache-2.0

package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jllopis/steward/pkg/telemetry"
)

// RedisConfig describes the Redis stream that receives events.
type RedisConfig struct {
	Address  string `koanf:"address"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db"`
	Stream   string `koanf:"stream"`
	// MaxLen caps the stream length; trimming is approximate.
	MaxLen int64 `koanf:"max_len"`
}

// RedisSink appends events to a Redis stream with XADD.
type RedisSink struct {
	client  redis.UniversalClient
	stream  string
	maxLen  int64
	timeout time.Duration
	logger  *slog.Logger
}

// NewRedisSink connects to Redis and verifies the connection.
func NewRedisSink(ctx context.Context, cfg RedisConfig, logger *slog.Logger) (*RedisSink, error) {
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
	return NewRedisSinkWithClient(client, cfg.Stream, cfg.MaxLen, logger), nil
}

// NewRedisSinkWithClient wraps an existing client.
func NewRedisSinkWithClient(client redis.UniversalClient, stream string, maxLen int64, logger *slog.Logger) *RedisSink {
	if stream == "" {
		stream = "steward:events"
	}
	if maxLen <= 0 {
		maxLen = 10000
	}
	return &RedisSink{
		client:  client,
		stream:  stream,
		maxLen:  maxLen,
		timeout: 2 * time.Second,
		logger:  telemetry.Component(logger, "events.redis"),
	}
}

// Emit implements Emitter.
func (r *RedisSink) Emit(ctx context.Context, ev Event) {
	values, err := redisValues(normalize(ev))
	if err != nil {
		r.logger.WarnContext(ctx, "events.redis.encode", slog.String("error", err.Error()))
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer cancel()
	err = r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: r.stream,
		MaxLen: r.maxLen,
		Approx: true,
		Values: values,
	}).Err()
	if err != nil {
		r.logger.WarnContext(ctx, "events.redis.error",
			slog.String("stream", r.stream),
			slog.String("event_type", string(ev.Type)),
			slog.String("error", err.Error()),
		)
	}
}

// Stream returns the stream key.
func (r *RedisSink) Stream() string {
	return r.stream
}

// Close closes the client.
func (r *RedisSink) Close() error {
	return r.client.Close()
}

// redisValues flattens the routing fields so consumers can filter without
// decoding, and carries the full event as JSON.
func redisValues(ev Event) (map[string]any, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"type":       string(ev.Type),
		"plan_id":    ev.PlanID,
		"session_id": ev.SessionID,
		"event":      string(data),
	}, nil
}
