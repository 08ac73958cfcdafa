// Copyright 2026 © The Steward Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"os"
	"sort"

	"github.com/jllopis/steward/internal/app"
	"github.com/jllopis/steward/pkg/config"
	"github.com/jllopis/steward/pkg/planner"
	"github.com/jllopis/steward/pkg/policy"
	"github.com/jllopis/steward/pkg/registry"
	"github.com/jllopis/steward/pkg/storage"
)

type validateResult struct {
	Config    checkResult   `json:"config"`
	Manifests []checkResult `json:"manifests"`
	Policy    checkResult   `json:"policy"`
	Routes    checkResult   `json:"routes"`
	Storage   checkResult   `json:"storage"`
	Overall   string        `json:"overall"`
}

type checkResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "ok", "warn", "error", "skip"
	Message string `json:"message,omitempty"`
}

func runValidate(ctx context.Context, flags globalFlags) {
	result := validate(ctx, flags)
	if flags.JSON {
		printJSON(result)
	} else {
		printValidateResult(result)
	}
	if result.Overall == "error" {
		os.Exit(1)
	}
}

func validate(ctx context.Context, flags globalFlags) validateResult {
	result := validateResult{Manifests: []checkResult{}}

	cfg, err := config.LoadWithCLI(flags.ConfigArgs)
	if err != nil {
		result.Config = checkResult{Name: "config", Status: "error", Message: fmt.Sprintf("failed to load: %v", err)}
		skip := checkResult{Status: "skip", Message: "config not loaded"}
		result.Policy, result.Routes, result.Storage = skip, skip, skip
		result.Policy.Name, result.Routes.Name, result.Storage.Name = "policy", "routes", "storage"
		result.Overall = "error"
		return result
	}
	result.Config = checkResult{Name: "config", Status: "ok"}

	verbs := map[string]string{}
	result.Manifests = validateManifests(cfg, verbs)
	result.Policy = validatePolicy(cfg)
	result.Routes = validateRoutes(cfg, verbs)
	result.Storage = validateStorage(ctx, cfg, flags)

	result.Overall = "ok"
	checks := append([]checkResult{result.Config, result.Policy, result.Routes, result.Storage}, result.Manifests...)
	for _, c := range checks {
		switch c.Status {
		case "error":
			result.Overall = "error"
		case "warn":
			if result.Overall == "ok" {
				result.Overall = "warn"
			}
		}
	}
	return result
}

// validateManifests checks every manifest file and records the verb owners
// in verbs.
func validateManifests(cfg *config.Config, verbs map[string]string) []checkResult {
	files, err := app.ExpandManifests(cfg.Registry.Manifests)
	if err != nil {
		return []checkResult{{Name: "manifests", Status: "error", Message: err.Error()}}
	}
	if len(files) == 0 {
		return []checkResult{{Name: "manifests", Status: "warn", Message: "no manifests configured; agents must register over HTTP"}}
	}
	results := make([]checkResult, 0, len(files))
	for _, path := range files {
		name := "manifest " + path
		m, err := app.LoadManifest(path)
		if err == nil {
			err = registry.ValidateManifest(m)
		}
		if err != nil {
			results = append(results, checkResult{Name: name, Status: "error", Message: err.Error()})
			continue
		}
		conflict := ""
		for _, c := range m.Capabilities {
			if owner, ok := verbs[c.Verb]; ok && owner != m.AgentID {
				conflict = fmt.Sprintf("verb %s is already provided by %s", c.Verb, owner)
				break
			}
			verbs[c.Verb] = m.AgentID
		}
		if conflict != "" {
			results = append(results, checkResult{Name: name, Status: "error", Message: conflict})
			continue
		}
		results = append(results, checkResult{
			Name:    name,
			Status:  "ok",
			Message: fmt.Sprintf("%s (%d capabilities)", m.AgentID, len(m.Capabilities)),
		})
	}
	return results
}

func validatePolicy(cfg *config.Config) checkResult {
	if cfg.Policy.Path == "" {
		doc := policy.Document{Allowlist: cfg.Policy.Allowlist}
		if err := doc.Validate(); err != nil {
			return checkResult{Name: "policy", Status: "error", Message: err.Error()}
		}
		return checkResult{Name: "policy", Status: "ok", Message: fmt.Sprintf("built-in defaults, %d allowlisted hosts", len(doc.Allowlist))}
	}
	doc, err := policy.LoadFile(cfg.Policy.Path)
	if err != nil {
		return checkResult{Name: "policy", Status: "error", Message: err.Error()}
	}
	return checkResult{
		Name:    "policy",
		Status:  "ok",
		Message: fmt.Sprintf("%d rules, %d allowlisted hosts", len(doc.Rules), len(doc.Allowlist)),
	}
}

func validateRoutes(cfg *config.Config, verbs map[string]string) checkResult {
	if cfg.Planner.RoutesPath == "" {
		return checkResult{Name: "routes", Status: "warn", Message: "no route table; requests must name their verbs"}
	}
	table, err := planner.LoadRoutes(cfg.Planner.RoutesPath)
	if err != nil {
		return checkResult{Name: "routes", Status: "error", Message: err.Error()}
	}
	if len(verbs) == 0 {
		return checkResult{Name: "routes", Status: "ok", Message: fmt.Sprintf("%d routes", len(table.Routes))}
	}
	var missing []string
	seen := map[string]struct{}{}
	for _, r := range table.Routes {
		for _, v := range r.Verbs {
			if _, ok := verbs[v]; ok {
				continue
			}
			if _, dup := seen[v]; !dup {
				seen[v] = struct{}{}
				missing = append(missing, v)
			}
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return checkResult{Name: "routes", Status: "warn", Message: fmt.Sprintf("verbs without a manifest: %v", missing)}
	}
	return checkResult{Name: "routes", Status: "ok", Message: fmt.Sprintf("%d routes", len(table.Routes))}
}

func validateStorage(ctx context.Context, cfg *config.Config, flags globalFlags) checkResult {
	if cfg.Approval.Store != "sql" && !cfg.Events.Audit {
		return checkResult{Name: "storage", Status: "skip", Message: "not used"}
	}
	ctx, cancel := context.WithTimeout(ctx, flags.Timeout)
	defer cancel()
	db, err := storage.Open(ctx, cfg.Storage)
	if err != nil {
		return checkResult{Name: "storage", Status: "error", Message: err.Error()}
	}
	_ = db.Close()
	return checkResult{Name: "storage", Status: "ok", Message: string(db.Driver)}
}

func printValidateResult(result validateResult) {
	statusIcon := map[string]string{
		"ok":    "✓",
		"warn":  "⚠",
		"error": "✗",
		"skip":  "○",
	}

	fmt.Println("Steward Configuration Validation")
	fmt.Println("================================")
	fmt.Println()

	printCheck(statusIcon, result.Config)
	for _, r := range result.Manifests {
		printCheck(statusIcon, r)
	}
	printCheck(statusIcon, result.Policy)
	printCheck(statusIcon, result.Routes)
	printCheck(statusIcon, result.Storage)

	fmt.Println()
	switch result.Overall {
	case "ok":
		fmt.Println("✓ All checks passed")
	case "warn":
		fmt.Println("⚠ Validation completed with warnings")
	case "error":
		fmt.Println("✗ Validation failed")
	}
}

func printCheck(icons map[string]string, r checkResult) {
	icon := icons[r.Status]
	if r.Message != "" {
		fmt.Printf("%s %s: %s\n", icon, r.Name, r.Message)
	} else {
		fmt.Printf("%s %s\n", icon, r.Name)
	}
}
