// Copyright 2026 © The Steward Authors
// SPDX-License-Identifier: Apache-2.0

// Package storage opens the SQL databases backing approvals and the plan
// audit trail.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "modernc.org/sqlite"
)

// Driver names a supported database/sql driver.
type Driver string

const (
	SQLite Driver = "sqlite"
	MySQL  Driver = "mysql"
)

// Config describes a database connection.
type Config struct {
	Driver          Driver        `koanf:"driver" validate:"omitempty,oneof=sqlite mysql"`
	DSN             string        `koanf:"dsn"`
	MaxOpenConns    int           `koanf:"max_open_conns"`
	MaxIdleConns    int           `koanf:"max_idle_conns"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
}

// DB is a database handle that knows its dialect.
type DB struct {
	*sql.DB
	Driver Driver
}

// Schema holds per-dialect DDL statements.
type Schema struct {
	SQLite []string
	MySQL  []string
}

// Open connects and pings the database. An empty SQLite DSN opens a private
// in-memory database.
func Open(ctx context.Context, cfg Config) (*DB, error) {
	if cfg.Driver == "" {
		cfg.Driver = SQLite
	}
	dsn := strings.TrimSpace(cfg.DSN)
	switch cfg.Driver {
	case SQLite:
		if dsn == "" {
			dsn = ":memory:"
		}
	case MySQL:
		if dsn == "" {
			return nil, fmt.Errorf("mysql dsn is required")
		}
	default:
		return nil, fmt.Errorf("unsupported driver %q", cfg.Driver)
	}

	db, err := sql.Open(string(cfg.Driver), dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Driver, err)
	}
	configurePool(db, cfg, dsn)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", cfg.Driver, err)
	}
	if cfg.Driver == SQLite {
		if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout = 5000"); err != nil {
			db.Close()
			return nil, fmt.Errorf("configure sqlite: %w", err)
		}
	}
	return &DB{DB: db, Driver: cfg.Driver}, nil
}

func configurePool(db *sql.DB, cfg Config, dsn string) {
	if cfg.Driver == SQLite && strings.Contains(dsn, ":memory:") {
		// Every connection to :memory: is a distinct database.
		db.SetMaxOpenConns(1)
		return
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	} else if cfg.Driver == MySQL {
		db.SetMaxOpenConns(20)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	} else if cfg.Driver == MySQL {
		db.SetConnMaxLifetime(30 * time.Minute)
	}
}

// Migrate runs the statements for the handle's dialect.
func (d *DB) Migrate(ctx context.Context, schema Schema) error {
	stmts := schema.SQLite
	if d.Driver == MySQL {
		stmts = schema.MySQL
	}
	for _, stmt := range stmts {
		if _, err := d.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}
