// Copyright 2026 © The Steward Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/jllopis/steward/internal/app"
	"github.com/jllopis/steward/pkg/approval"
	"github.com/jllopis/steward/pkg/config"
	"github.com/jllopis/steward/pkg/coordinator"
	"github.com/jllopis/steward/pkg/telemetry"
)

const defaultHTTPURL = "http://localhost:8080"

var version = "dev"

type globalFlags struct {
	ConfigArgs []string
	ConfigPath string
	Profile    string
	HTTPURL    string
	Timeout    time.Duration
	JSON       bool
	Help       bool
}

type statusResult struct {
	Version       string `json:"version"`
	HTTPURL       string `json:"http_url"`
	HTTPReachable bool   `json:"http_reachable"`
	Agents        int    `json:"agents"`
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	global, args, err := parseGlobalFlags(os.Args[1:])
	if err != nil {
		fatal(NewInvalidArgumentError("flags", err.Error()), false)
	}
	if global.Help || len(args) == 0 {
		printUsage()
		return
	}

	switch args[0] {
	case "serve":
		ensureNoArgs(args[1:])
		runServe(ctx, global)
	case "validate":
		ensureNoArgs(args[1:])
		runValidate(ctx, global)
	case "status":
		ensureNoArgs(args[1:])
		runStatus(ctx, global)
	case "agents":
		runAgents(ctx, global, args[1:])
	case "capabilities":
		ensureNoArgs(args[1:])
		runCapabilities(ctx, global)
	case "process":
		runProcess(ctx, global, args[1:])
	case "approvals":
		runApprovals(ctx, global, args[1:])
	case "help":
		printUsage()
	case "version":
		fmt.Println(version)
	default:
		fatal(NewInvalidArgumentError(args[0], "unknown command"), global.JSON)
	}
}

func parseGlobalFlags(args []string) (globalFlags, []string, error) {
	flags := globalFlags{
		HTTPURL: getenv("STEWARD_HTTP_URL", defaultHTTPURL),
		Timeout: 30 * time.Second,
	}

	value := func(i int, name string) (string, error) {
		if i+1 >= len(args) {
			return "", fmt.Errorf("missing value for %s", name)
		}
		return args[i+1], nil
	}
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--" {
			return flags, args[i+1:], nil
		}
		if !strings.HasPrefix(arg, "-") {
			return flags, args[i:], nil
		}
		name, inline, hasInline := strings.Cut(arg, "=")
		switch name {
		case "-h", "--help":
			flags.Help = true
			return flags, nil, nil
		case "--json":
			flags.JSON = true
		case "--config", "-c", "--profile", "--set", "--http", "--timeout":
			v := inline
			if !hasInline {
				var err error
				if v, err = value(i, name); err != nil {
					return flags, nil, err
				}
				i++
			}
			switch name {
			case "--config", "-c":
				flags.ConfigPath = v
				flags.ConfigArgs = append(flags.ConfigArgs, "--config", v)
			case "--profile":
				flags.Profile = v
				flags.ConfigArgs = append(flags.ConfigArgs, "--profile", v)
			case "--set":
				flags.ConfigArgs = append(flags.ConfigArgs, "--set", v)
			case "--http":
				flags.HTTPURL = v
			case "--timeout":
				d, err := time.ParseDuration(v)
				if err != nil {
					return flags, nil, fmt.Errorf("invalid --timeout: %w", err)
				}
				flags.Timeout = d
			}
		default:
			return flags, nil, fmt.Errorf("unknown global flag %q", arg)
		}
	}
	return flags, nil, nil
}

func runServe(ctx context.Context, flags globalFlags) {
	cfg, err := config.LoadWithCLI(flags.ConfigArgs)
	if err != nil {
		fatal(NewConfigError(err, flags.ConfigPath), flags.JSON)
	}
	logger := telemetry.ConfigureSlog(os.Stderr, cfg.Log.Level, cfg.Log.Format)

	a, err := app.New(ctx, cfg, app.Options{
		ConfigPath: flags.ConfigPath,
		Profile:    flags.Profile,
		Version:    version,
		Logger:     logger,
	})
	if err != nil {
		fatal(NewConfigError(err, flags.ConfigPath), flags.JSON)
	}
	defer a.Close()

	if err := a.Run(ctx); err != nil {
		logger.Error("server.failed", "error", err.Error())
		_ = a.Close()
		os.Exit(1)
	}
	logger.Info("server.stopped")
}

func runStatus(ctx context.Context, flags globalFlags) {
	result := statusResult{
		Version:       version,
		HTTPURL:       flags.HTTPURL,
		HTTPReachable: checkHTTP(flags.HTTPURL),
	}
	if result.HTTPReachable {
		ctx, cancel := context.WithTimeout(ctx, flags.Timeout)
		defer cancel()
		if agents, err := newClient(flags).ListAgents(ctx); err == nil {
			result.Agents = len(agents)
		}
	}
	if flags.JSON {
		printJSON(result)
		return
	}
	fmt.Printf("Steward CLI: %s\n", result.Version)
	fmt.Printf("HTTP: %s (reachable=%t)\n", result.HTTPURL, result.HTTPReachable)
	fmt.Printf("Agents: %d\n", result.Agents)
}

func runAgents(ctx context.Context, flags globalFlags, args []string) {
	if len(args) == 0 || args[0] != "list" {
		fatal(NewInvalidArgumentError("agents", "usage: steward agents list"), flags.JSON)
	}
	ctx, cancel := context.WithTimeout(ctx, flags.Timeout)
	defer cancel()
	agents, err := newClient(flags).ListAgents(ctx)
	if err != nil {
		fatal(err, flags.JSON)
	}
	if flags.JSON {
		printJSON(agents)
		return
	}
	writer := newTabWriter()
	writeRow(writer, "AGENT_ID", "VERSION", "TRANSPORT", "STATE", "CAPABILITIES")
	for _, a := range agents {
		state := "-"
		if a.Health != nil {
			state = string(a.Health.State)
		}
		verbs := make([]string, 0, len(a.Manifest.Capabilities))
		for _, c := range a.Manifest.Capabilities {
			verbs = append(verbs, c.Verb)
		}
		writeRow(writer, a.Manifest.AgentID, a.Manifest.Version, string(a.Manifest.Transport), state, strings.Join(verbs, ","))
	}
	_ = writer.Flush()
}

func runCapabilities(ctx context.Context, flags globalFlags) {
	ctx, cancel := context.WithTimeout(ctx, flags.Timeout)
	defer cancel()
	caps, err := newClient(flags).ListCapabilities(ctx)
	if err != nil {
		fatal(err, flags.JSON)
	}
	if flags.JSON {
		printJSON(caps)
		return
	}
	writer := newTabWriter()
	writeRow(writer, "VERB", "AGENT_ID", "ANNOTATIONS", "LATENCY_MS")
	for _, c := range caps {
		anns := make([]string, 0, len(c.SafetyAnnotations))
		for _, a := range c.SafetyAnnotations {
			anns = append(anns, string(a))
		}
		writeRow(writer, c.Verb, c.AgentID, strings.Join(anns, ","), fmt.Sprint(c.SLA.LatencyMs))
	}
	_ = writer.Flush()
}

func runProcess(ctx context.Context, flags globalFlags, args []string) {
	cmd := flag.NewFlagSet("process", flag.ContinueOnError)
	sessionID := cmd.String("session", "", "Session id")
	budget := cmd.Int("step-budget", 0, "Step budget override")
	channel := cmd.String("channel", "", "Approval channel")
	var verbs multiFlag
	cmd.Var(&verbs, "verb", "Verb to run, bypassing classification (repeatable)")
	if err := cmd.Parse(args); err != nil {
		fatal(NewInvalidArgumentError("process", err.Error()), flags.JSON)
	}
	query := strings.Join(cmd.Args(), " ")
	if strings.TrimSpace(query) == "" && len(verbs) == 0 {
		fatal(NewInvalidArgumentError("process", "usage: steward process [--session id] [--verb v] <query>"), flags.JSON)
	}

	// Approvals may hold the request open for their whole timeout.
	resp, err := newClient(flags).Process(ctx, coordinator.Request{
		Query: query,
		Context: coordinator.RequestContext{
			SessionID:  *sessionID,
			StepBudget: *budget,
			Verbs:      verbs,
			Channel:    *channel,
		},
	})
	if err != nil {
		fatal(err, flags.JSON)
	}
	if flags.JSON {
		printJSON(resp)
		return
	}
	fmt.Printf("request %s session=%s plan=%s status=%s duration=%dms\n",
		resp.RequestID, resp.SessionID, normalizeCell(resp.PlanID), resp.Status, resp.DurationMs)
	writer := newTabWriter()
	writeRow(writer, "TASK_ID", "VERB", "AGENT_ID", "STATUS", "ATTEMPTS", "ERROR")
	for _, t := range resp.Tasks {
		writeRow(writer, t.TaskID, t.Verb, t.AgentID, string(t.Status), fmt.Sprint(t.Attempts), t.ErrorCode)
	}
	_ = writer.Flush()
	if resp.Error != nil {
		fmt.Printf("error [%s]: %s\n", resp.Error.Code, resp.Error.Message)
	}
}

func runApprovals(ctx context.Context, flags globalFlags, args []string) {
	if len(args) == 0 {
		fatal(NewInvalidArgumentError("approvals", "usage: steward approvals <list|approve|reject>"), flags.JSON)
	}
	client := newClient(flags)
	ctx, cancel := context.WithTimeout(ctx, flags.Timeout)
	defer cancel()

	switch args[0] {
	case "list":
		cmd := flag.NewFlagSet("approvals list", flag.ContinueOnError)
		status := cmd.String("status", "", "Approval status filter")
		planID := cmd.String("plan", "", "Plan id filter")
		sessionID := cmd.String("session", "", "Session id filter")
		if err := cmd.Parse(args[1:]); err != nil {
			fatal(NewInvalidArgumentError("approvals list", err.Error()), flags.JSON)
		}
		records, err := client.ListApprovals(ctx, approval.Filter{
			Status:    approval.Status(strings.TrimSpace(*status)),
			PlanID:    *planID,
			SessionID: *sessionID,
		})
		if err != nil {
			fatal(err, flags.JSON)
		}
		if flags.JSON {
			printJSON(records)
			return
		}
		writer := newTabWriter()
		writeRow(writer, "PROPOSAL_ID", "VERB", "STATUS", "EXPIRES_AT", "SUMMARY")
		for _, r := range records {
			writeRow(writer, r.ProposalID, r.Verb, string(r.Status), formatTime(r.ExpiresAt), truncateMessage(r.Summary, 60))
		}
		_ = writer.Flush()
	case "approve", "reject":
		cmd := flag.NewFlagSet("approvals "+args[0], flag.ContinueOnError)
		reason := cmd.String("reason", "", "Decision reason")
		if err := cmd.Parse(args[1:]); err != nil {
			fatal(NewInvalidArgumentError("approvals "+args[0], err.Error()), flags.JSON)
		}
		if cmd.NArg() < 1 {
			fatal(NewInvalidArgumentError("approvals "+args[0], "usage: steward approvals "+args[0]+" [--reason text] <proposal_id>"), flags.JSON)
		}
		req, err := client.Resolve(ctx, cmd.Arg(0), args[0] == "approve", *reason)
		if err != nil {
			fatal(err, flags.JSON)
		}
		if flags.JSON {
			printJSON(req)
			return
		}
		fmt.Printf("approval %s status=%s\n", req.ProposalID, req.Status)
	default:
		fatal(NewInvalidArgumentError(args[0], "unknown approvals command"), flags.JSON)
	}
}

func checkHTTP(rawURL string) bool {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return false
	}
	host := parsed.Host
	if parsed.Port() == "" {
		if parsed.Scheme == "https" {
			host += ":443"
		} else {
			host += ":80"
		}
	}
	conn, err := net.DialTimeout("tcp", host, 500*time.Millisecond)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

func printJSON(value any) {
	payload, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		fatal(err, false)
	}
	fmt.Println(string(payload))
}

func newTabWriter() *tabwriter.Writer {
	return tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
}

func writeRow(writer *tabwriter.Writer, cols ...string) {
	for i, col := range cols {
		cols[i] = normalizeCell(col)
	}
	fmt.Fprintln(writer, strings.Join(cols, "\t"))
}

func normalizeCell(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return "-"
	}
	return strings.Join(strings.Fields(value), " ")
}

func truncateMessage(value string, limit int) string {
	value = normalizeCell(value)
	if limit <= 0 || len(value) <= limit {
		return value
	}
	if limit <= 3 {
		return value[:limit]
	}
	return value[:limit-3] + "..."
}

func formatTime(value time.Time) string {
	if value.IsZero() {
		return "-"
	}
	return value.UTC().Format(time.RFC3339)
}

func printUsage() {
	fmt.Println(`Steward coordinator

Usage:
  steward [global flags] <command> [args]

Global flags:
  --config, -c <path>  Configuration file (YAML or JSON)
  --profile <name>     Profile overlay (<config>.<profile>.yaml)
  --set key=value      Override config (repeatable)
  --http <url>         Coordinator base URL (default http://localhost:8080)
  --timeout <dur>      Request timeout (default 30s)
  --json               JSON output

Commands:
  serve
  validate
  status
  agents list
  capabilities
  process [--session <id>] [--step-budget N] [--verb <verb>] <query>
  approvals list [--status <status>] [--plan <id>] [--session <id>]
  approvals approve [--reason <text>] <proposal_id>
  approvals reject [--reason <text>] <proposal_id>
  version`)
}

func ensureNoArgs(args []string) {
	if len(args) > 0 {
		fatal(NewInvalidArgumentError(strings.Join(args, " "), "unexpected arguments"), false)
	}
}

type multiFlag []string

func (m *multiFlag) String() string {
	return strings.Join(*m, ",")
}

func (m *multiFlag) Set(value string) error {
	*m = append(*m, value)
	return nil
}

func getenv(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}
