// Copyright 2026 © The Steward Authors
// SPDX-License-Identifier: Apache-2.0

package approval

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jllopis/steward/pkg/telemetry"
)

// Expirer is implemented by stores that can expire overdue approvals.
type Expirer interface {
	Expire(ctx context.Context, now time.Time) (int, error)
}

// Sweeper periodically expires pending approvals whose deadline passed
// without a waiting gate, for example after a restart.
type Sweeper struct {
	expirer  Expirer
	interval time.Duration
	timeout  time.Duration
	now      func() time.Time
	logger   *slog.Logger
	metrics  *telemetry.Metrics

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// SweeperConfig configures a Sweeper. A zero interval disables sweeping.
type SweeperConfig struct {
	Interval time.Duration
	Timeout  time.Duration
	Logger   *slog.Logger
	Metrics  *telemetry.Metrics
	Now      func() time.Time
}

// NewSweeper creates a sweeper for expirer.
func NewSweeper(expirer Expirer, cfg SweeperConfig) *Sweeper {
	now := cfg.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Sweeper{
		expirer:  expirer,
		interval: cfg.Interval,
		timeout:  cfg.Timeout,
		now:      now,
		logger:   telemetry.Component(cfg.Logger, "approval"),
		metrics:  cfg.Metrics,
	}
}

// Start launches the sweep loop. Calling Start twice restarts it.
func (s *Sweeper) Start(ctx context.Context) {
	if s.interval <= 0 || s.expirer == nil {
		s.logger.Info("approval.sweeper.disabled", slog.Duration("interval", s.interval))
		return
	}
	s.Stop()
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.mu.Lock()
	s.cancel, s.done = cancel, done
	s.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		s.logger.Info("approval.sweeper.start", slog.Duration("interval", s.interval))
		for {
			select {
			case <-ctx.Done():
				s.logger.Info("approval.sweeper.stop")
				return
			case <-ticker.C:
				_, _ = s.Sweep(ctx)
			}
		}
	}()
}

// Stop halts the loop and waits for it to exit.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Sweep runs one expiry pass.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	ctx, span := otel.Tracer("steward/approval").Start(ctx, "approval.sweep",
		trace.WithAttributes(attribute.String("timeout", s.timeout.String())),
	)
	defer span.End()

	start := time.Now()
	expired, err := s.expirer.Expire(ctx, s.now())
	durationMs := float64(time.Since(start).Microseconds()) / 1000
	if err != nil {
		span.RecordError(err)
		s.metrics.RecordError(ctx, err, "approval")
		s.logger.WarnContext(ctx, "approval.sweep.error",
			slog.Float64("duration_ms", durationMs),
			slog.String("error", err.Error()),
		)
		return 0, err
	}
	span.SetAttributes(attribute.Int("expired", expired))
	s.metrics.RecordSweep(ctx, expired)
	if expired > 0 {
		s.logger.InfoContext(ctx, "approval.sweep.expired",
			slog.Int("expired", expired),
			slog.Float64("duration_ms", durationMs),
		)
	}
	return expired, nil
}
