// Copyright 2026 © The Steward Authors
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"context"
	"os"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

func TestInitNone(t *testing.T) {
	shutdown, err := Init("test-service", "v0.0.1", Config{Exporter: "none"})
	if err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown failed: %v", err)
	}
}

func TestInitStdout(t *testing.T) {
	shutdown, err := Init("test-service", "v0.0.1", Config{Exporter: "stdout"})
	if err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	if shutdown == nil {
		t.Fatal("Shutdown function should not be nil")
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown failed: %v", err)
	}
}

func TestInitRejectsUnknownExporter(t *testing.T) {
	if _, err := Init("test-service", "v0.0.1", Config{Exporter: "zipkin"}); err == nil {
		t.Fatal("expected error for unknown exporter")
	}
	if _, err := Init("test-service", "v0.0.1", Config{Exporter: "otlp"}); err == nil {
		t.Fatal("expected error for otlp without endpoint")
	}
}

func TestOTLPSmoke(t *testing.T) {
	endpoint := os.Getenv("STEWARD_TELEMETRY_OTLP_ENDPOINT")
	if os.Getenv("STEWARD_OTLP_SMOKE_TEST") != "1" || endpoint == "" {
		t.Skip("set STEWARD_OTLP_SMOKE_TEST=1 and STEWARD_TELEMETRY_OTLP_ENDPOINT to run")
	}

	shutdown, err := Init("telemetry-smoke-test", "dev", Config{
		Exporter:     "otlp",
		OTLPEndpoint: endpoint,
		OTLPInsecure: os.Getenv("STEWARD_TELEMETRY_OTLP_INSECURE") == "true",
	})
	if err != nil {
		t.Fatalf("failed to init telemetry: %v", err)
	}

	ctx, span := otel.Tracer("steward/telemetry-smoke").Start(context.Background(), "smoke.span")
	span.SetAttributes(attribute.String("smoke.test", "otlp"))
	span.End()

	metrics, err := NewMetrics()
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	metrics.RecordPlan(ctx, "success", 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := shutdown(ctx); err != nil {
		t.Fatalf("telemetry shutdown failed: %v", err)
	}
}
