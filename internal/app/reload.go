// Copyright 2026 © The Steward Authors
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"context"
	"log/slog"
	"slices"

	"github.com/jllopis/steward/pkg/config"
	"github.com/jllopis/steward/pkg/planner"
	"github.com/jllopis/steward/pkg/policy"
)

// watch starts hot reload when a configuration path is known. It returns
// nil when there is nothing to watch.
func (a *App) watch(ctx context.Context) (*config.Watcher, error) {
	if a.opts.ConfigPath == "" {
		return nil, nil
	}
	paths := []string{a.opts.ConfigPath}
	if a.opts.Profile != "" {
		paths = append(paths, config.ProfilePath(a.opts.ConfigPath, a.opts.Profile))
	}
	w, err := config.NewWatcher(paths,
		config.WithLoader(func() (*config.Config, error) {
			return config.LoadWithProfile(a.opts.ConfigPath, a.opts.Profile)
		}),
		config.WithWatchLogger(a.logger),
	)
	if err != nil {
		return nil, err
	}
	if path := a.cfg.Policy.Path; path != "" {
		if err := w.OnFileChange(path, func(string) { a.ReloadPolicy(ctx) }); err != nil {
			return nil, err
		}
	}
	if path := a.cfg.Planner.RoutesPath; path != "" && a.Classifier != nil {
		if err := w.OnFileChange(path, func(string) { a.ReloadRoutes(ctx) }); err != nil {
			return nil, err
		}
	}
	w.OnChange(func(next *config.Config) { a.applyConfig(ctx, next) })
	if err := w.Start(ctx); err != nil {
		return nil, err
	}
	return w, nil
}

// ReloadPolicy re-reads the policy document and swaps the rule set. A bad
// document leaves the current snapshot in place.
func (a *App) ReloadPolicy(ctx context.Context) {
	doc, err := policy.LoadFile(a.cfg.Policy.Path)
	if err != nil {
		a.logger.ErrorContext(ctx, "policy.reload.failed",
			slog.String("path", a.cfg.Policy.Path),
			slog.String("error", err.Error()),
		)
		return
	}
	snap, err := doc.Apply(ctx, a.Policy)
	if err != nil {
		a.logger.ErrorContext(ctx, "policy.reload.failed",
			slog.String("path", a.cfg.Policy.Path),
			slog.String("error", err.Error()),
		)
		return
	}
	a.logger.InfoContext(ctx, "policy.reloaded",
		slog.Uint64("version", snap.Version()),
		slog.Int("rules", len(snap.Rules())),
	)
}

// ReloadRoutes re-reads the classifier route table.
func (a *App) ReloadRoutes(ctx context.Context) {
	path := a.cfg.Planner.RoutesPath
	table, err := planner.LoadRoutes(path)
	if err == nil {
		err = a.Classifier.SetRoutes(table.Routes)
	}
	if err != nil {
		a.logger.ErrorContext(ctx, "routes.reload.failed", slog.String("path", path), slog.String("error", err.Error()))
		return
	}
	a.logger.InfoContext(ctx, "routes.reloaded", slog.Int("routes", len(table.Routes)))
}

// applyConfig applies the settings that can change without a restart.
// Everything else takes effect on the next start.
func (a *App) applyConfig(ctx context.Context, next *config.Config) {
	if next.Policy.Path == "" && a.cfg.Policy.Path == "" &&
		!slices.Equal(next.Policy.Allowlist, a.Policy.Snapshot().Allowlist()) {
		snap, err := a.Policy.SetAllowlist(ctx, next.Policy.Allowlist)
		if err != nil {
			a.logger.ErrorContext(ctx, "policy.allowlist.failed", slog.String("error", err.Error()))
		} else {
			a.logger.InfoContext(ctx, "policy.allowlist.updated", slog.Uint64("version", snap.Version()))
		}
	}
	a.logger.InfoContext(ctx, "config.reloaded")
}
