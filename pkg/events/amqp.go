// Copyright 2026 © The Steward Authors
// SPDX-License-Identifier: Apache-2.0

package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/jllopis/steward/pkg/telemetry"
)

// AMQPConfig describes the exchange that receives events.
type AMQPConfig struct {
	URL      string `koanf:"url"`
	Exchange string `koanf:"exchange"`
	Durable  bool   `koanf:"durable"`
}

// AMQPSink publishes events to a topic exchange. The routing key is
// "steward.<event type>", so consumers can bind to "steward.approval.#".
type AMQPSink struct {
	mu       sync.Mutex
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
	timeout  time.Duration
	logger   *slog.Logger
}

// NewAMQPSink dials the broker and declares the exchange.
func NewAMQPSink(cfg AMQPConfig, logger *slog.Logger) (*AMQPSink, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("amqp url is required")
	}
	exchange := cfg.Exchange
	if exchange == "" {
		exchange = "steward.events"
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("connect amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", cfg.Durable, !cfg.Durable, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	return &AMQPSink{
		conn:     conn,
		ch:       ch,
		exchange: exchange,
		timeout:  2 * time.Second,
		logger:   telemetry.Component(logger, "events.amqp"),
	}, nil
}

// Emit implements Emitter.
func (a *AMQPSink) Emit(ctx context.Context, ev Event) {
	msg, err := amqpMessage(normalize(ev))
	if err != nil {
		a.logger.WarnContext(ctx, "events.amqp.encode", slog.String("error", err.Error()))
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.timeout)
	defer cancel()

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ch == nil {
		return
	}
	if err := a.ch.PublishWithContext(ctx, a.exchange, routingKey(ev.Type), false, false, msg); err != nil {
		a.logger.WarnContext(ctx, "events.amqp.error",
			slog.String("exchange", a.exchange),
			slog.String("event_type", string(ev.Type)),
			slog.String("error", err.Error()),
		)
	}
}

// Close closes the channel and the connection.
func (a *AMQPSink) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ch != nil {
		_ = a.ch.Close()
		a.ch = nil
	}
	if a.conn != nil {
		err := a.conn.Close()
		a.conn = nil
		return err
	}
	return nil
}

func routingKey(t Type) string {
	return "steward." + string(t)
}

func amqpMessage(ev Event) (amqp.Publishing, error) {
	body, err := json.Marshal(ev)
	if err != nil {
		return amqp.Publishing{}, err
	}
	return amqp.Publishing{
		ContentType: "application/json",
		MessageId:   ev.ID,
		Timestamp:   ev.Time,
		Type:        string(ev.Type),
		Body:        body,
	}, nil
}
