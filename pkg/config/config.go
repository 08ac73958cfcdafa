// Copyright 2026 © The Steward Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads the coordinator configuration: defaults, a YAML or
// JSON file, an optional profile overlay, STEWARD_ environment variables
// and --set overrides, in that order.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	yamlv3 "gopkg.in/yaml.v3"

	"github.com/jllopis/steward/pkg/agentclient"
	"github.com/jllopis/steward/pkg/events"
	"github.com/jllopis/steward/pkg/executor"
	"github.com/jllopis/steward/pkg/session"
	"github.com/jllopis/steward/pkg/storage"
	"github.com/jllopis/steward/pkg/telemetry"
)

// EnvPrefix prefixes environment overrides. A double underscore separates
// levels: STEWARD_EXECUTOR__MAX_PARALLEL sets executor.max_parallel.
const EnvPrefix = "STEWARD_"

// Config is the full coordinator configuration.
type Config struct {
	Log       LogConfig          `koanf:"log"`
	Telemetry telemetry.Config   `koanf:"telemetry"`
	Server    ServerConfig       `koanf:"server"`
	Storage   storage.Config     `koanf:"storage"`
	Registry  RegistryConfig     `koanf:"registry"`
	Agents    agentclient.Config `koanf:"agents"`
	Planner   PlannerConfig      `koanf:"planner"`
	Executor  executor.Config    `koanf:"executor"`
	Policy    PolicyConfig       `koanf:"policy"`
	Approval  ApprovalConfig     `koanf:"approval"`
	Session   SessionConfig      `koanf:"session"`
	Events    EventsConfig       `koanf:"events"`
}

type LogConfig struct {
	Level  string `koanf:"level" validate:"omitempty,oneof=debug info warn warning error"`
	Format string `koanf:"format" validate:"omitempty,oneof=json text"`
}

type ServerConfig struct {
	Addr            string        `koanf:"addr" validate:"required"`
	GRPCAddr        string        `koanf:"grpc_addr"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// RegistryConfig tunes the per-agent circuit breaker and health probing.
type RegistryConfig struct {
	// BreakerThreshold is K, the consecutive failures that open a circuit.
	BreakerThreshold int `koanf:"breaker_threshold" validate:"min=1"`
	// BreakerWindow is W, the window the failures must fall within.
	BreakerWindow time.Duration `koanf:"breaker_window"`
	// BreakerCooldown is T, how long a circuit stays open.
	BreakerCooldown time.Duration `koanf:"breaker_cooldown"`
	ProbeInterval   time.Duration `koanf:"probe_interval"`
	// Manifests lists agent manifest files registered at startup.
	Manifests []string `koanf:"manifests"`
}

type PlannerConfig struct {
	StepBudget      int           `koanf:"step_budget" validate:"min=1"`
	WallClockBudget time.Duration `koanf:"wall_clock_budget"`
	Retries         int           `koanf:"retries" validate:"min=0"`
	RetryBase       time.Duration `koanf:"retry_base"`
	RetryMax        time.Duration `koanf:"retry_max"`
	// RoutesPath points at the classifier route templates.
	RoutesPath string `koanf:"routes_path"`
}

type PolicyConfig struct {
	// Path points at a policy document with rules and the egress allowlist.
	Path string `koanf:"path"`
	// Allowlist is used when no policy document is configured.
	Allowlist []string `koanf:"egress_allowlist"`
}

type ApprovalConfig struct {
	// Timeout is how long a proposal waits for a decision before expiring.
	Timeout       time.Duration `koanf:"timeout"`
	SweepInterval time.Duration `koanf:"sweep_interval"`
	// Store selects "memory" or "sql" (the storage database).
	Store          string        `koanf:"store" validate:"omitempty,oneof=memory sql"`
	WebhookURL     string        `koanf:"webhook_url" validate:"omitempty,url"`
	WebhookTimeout time.Duration `koanf:"webhook_timeout"`
}

type SessionConfig struct {
	Backend      string              `koanf:"backend" validate:"omitempty,oneof=memory redis"`
	HistoryTurns int                 `koanf:"history_turns" validate:"min=0"`
	Redis        session.RedisConfig `koanf:"redis"`
}

type EventsConfig struct {
	// Buffer is the per-subscriber buffer of the live stream.
	Buffer int `koanf:"buffer" validate:"min=0"`
	// Audit records every event in the storage database.
	Audit bool               `koanf:"audit"`
	Redis events.RedisConfig `koanf:"redis"`
	AMQP  events.AMQPConfig  `koanf:"amqp"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and cross-field rules.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Session.Backend == "redis" && c.Session.Redis.Address == "" {
		return fmt.Errorf("invalid config: session.redis.address is required for the redis backend")
	}
	if c.Approval.Store == "sql" && c.Storage.Driver == storage.MySQL && c.Storage.DSN == "" {
		return fmt.Errorf("invalid config: storage.dsn is required for mysql")
	}
	return nil
}

func defaults() map[string]any {
	return map[string]any{
		"log.level":                   "info",
		"log.format":                  "text",
		"telemetry.exporter":          "none",
		"telemetry.metric_interval":   "60s",
		"server.addr":                 ":8080",
		"server.grpc_addr":            ":9090",
		"server.read_timeout":         "15s",
		"server.write_timeout":        "0s",
		"server.shutdown_timeout":     "10s",
		"storage.driver":              "sqlite",
		"storage.dsn":                 "",
		"registry.breaker_threshold":  5,
		"registry.breaker_window":     "60s",
		"registry.breaker_cooldown":   "30s",
		"registry.probe_interval":     "30s",
		"agents.timeout":              "30s",
		"agents.probe_timeout":        "5s",
		"agents.tool_cache_ttl":       "30s",
		"planner.step_budget":         16,
		"planner.wall_clock_budget":   "60s",
		"planner.retries":             2,
		"planner.retry_base":          "200ms",
		"planner.retry_max":           "5s",
		"executor.max_parallel":       executor.DefaultMaxParallel,
		"executor.timeout_multiplier": executor.DefaultTimeoutMultiplier,
		"executor.default_timeout":    "30s",
		"approval.timeout":            "120s",
		"approval.sweep_interval":     "15s",
		"approval.store":              "sql",
		"approval.webhook_timeout":    "5s",
		"session.backend":             "memory",
		"session.history_turns":       50,
		"session.redis.prefix":        "steward:session:",
		"session.redis.ttl":           "24h",
		"events.buffer":               64,
		"events.audit":                true,
		"events.redis.stream":         "steward:events",
		"events.redis.max_len":        10000,
		"events.amqp.exchange":        "steward.events",
		"events.amqp.durable":         true,
	}
}

// Load reads path (optional) over the defaults, then applies environment
// overrides.
func Load(path string) (*Config, error) {
	return load(path, "", nil)
}

// LoadWithProfile loads path and overlays "<name>.<profile><ext>" from the
// same directory when it exists.
func LoadWithProfile(path, profile string) (*Config, error) {
	return load(path, profile, nil)
}

// LoadWithCLI parses --config, --profile and repeated --set key=value
// flags. Values given with --set are parsed as YAML, so JSON objects and
// lists are accepted.
func LoadWithCLI(args []string) (*Config, error) {
	path, profile, sets, err := parseCLI(args)
	if err != nil {
		return nil, err
	}
	return load(path, profile, sets)
}

func load(path, profile string, sets []string) (*Config, error) {
	k := koanf.New(".")
	for key, value := range defaults() {
		if err := k.Set(key, value); err != nil {
			return nil, err
		}
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config %s: %w", path, err)
		}
		if profile != "" {
			if overlay := ProfilePath(path, profile); fileExists(overlay) {
				if err := k.Load(file.Provider(overlay), yaml.Parser()); err != nil {
					return nil, fmt.Errorf("load profile %s: %w", overlay, err)
				}
			}
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, err
	}

	for _, kv := range sets {
		key, raw, _ := strings.Cut(kv, "=")
		var value any
		if err := yamlv3.Unmarshal([]byte(raw), &value); err != nil || value == nil {
			value = raw
		}
		if err := k.Set(strings.TrimSpace(key), value); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// envKey maps STEWARD_APPROVAL__TIMEOUT to approval.timeout.
func envKey(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
}

// ProfilePath returns the profile overlay path for path.
func ProfilePath(path, profile string) string {
	ext := filepath.Ext(path)
	return strings.TrimSuffix(path, ext) + "." + profile + ext
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func parseCLI(args []string) (path, profile string, sets []string, err error) {
	for i := 0; i < len(args); i++ {
		arg := args[i]
		name, value, inline := strings.Cut(arg, "=")
		switch name {
		case "--config", "-c", "--profile", "--set":
		default:
			continue
		}
		if !inline {
			if i+1 >= len(args) {
				return "", "", nil, fmt.Errorf("flag %s requires a value", name)
			}
			i++
			value = args[i]
		}
		switch name {
		case "--config", "-c":
			path = value
		case "--profile":
			profile = value
		case "--set":
			if !strings.Contains(value, "=") {
				return "", "", nil, fmt.Errorf("--set expects key=value, got %q", value)
			}
			sets = append(sets, value)
		}
	}
	return path, profile, sets, nil
}
