// Copyright 2026 © The Steward Authors
// SPDX-License-Identifier: Apache-2.0

// Package registry holds agent manifests, answers capability discovery and
// tracks per-agent health behind a circuit breaker.
//
// Readers never lock: every mutation builds a new immutable snapshot and swaps
// it in, so a listing always reflects one complete manifest version.
package registry

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jllopis/steward/pkg/errors"
	"github.com/jllopis/steward/pkg/resilience"
	"github.com/jllopis/steward/pkg/telemetry"
)

// Invocation is a single call to a capability.
type Invocation struct {
	AgentID    string         `json:"agent_id"`
	Verb       string         `json:"verb"`
	Input      map[string]any `json:"input"`
	ProposalID string         `json:"proposal_id,omitempty"`
	PlanID     string         `json:"plan_id,omitempty"`
	TaskID     string         `json:"task_id,omitempty"`
	Attempt    int            `json:"attempt"`
}

// Invoker reaches a capability agent.
type Invoker interface {
	Invoke(ctx context.Context, inv Invocation) (map[string]any, error)
}

// InvokerFunc adapts a function to Invoker.
type InvokerFunc func(ctx context.Context, inv Invocation) (map[string]any, error)

// Invoke calls f.
func (f InvokerFunc) Invoke(ctx context.Context, inv Invocation) (map[string]any, error) {
	return f(ctx, inv)
}

// InvokerFactory builds the invoker for a remotely registered manifest.
type InvokerFactory func(m AgentManifest) (Invoker, error)

// Result is the answer to a registration.
type Result struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
	// Changed is false when an identical manifest was already registered.
	Changed bool `json:"-"`
}

// AgentRef is the resolved target of a verb.
type AgentRef struct {
	AgentID       string
	Capability    Capability
	EgressDomains []string
	DataScopes    []string
	Transport     Transport
	Invoker       Invoker

	compiled *compiledCapability
}

// ValidateInput checks input against the capability input_schema.
func (a AgentRef) ValidateInput(input map[string]any) error {
	if a.compiled == nil {
		return nil
	}
	if err := validatePayload(a.compiled.input, input); err != nil {
		return errors.New(errors.CodeValidation, "input does not match input_schema", err).
			WithContext("verb", a.Capability.Verb)
	}
	return nil
}

// ValidateOutput checks output against the capability output_schema.
func (a AgentRef) ValidateOutput(output map[string]any) error {
	if a.compiled == nil {
		return nil
	}
	if err := validatePayload(a.compiled.output, output); err != nil {
		return errors.New(errors.CodeValidation, "output does not match output_schema", err).
			WithContext("verb", a.Capability.Verb)
	}
	return nil
}

// Wait blocks until the capability rate limit admits one call.
func (a AgentRef) Wait(ctx context.Context) error {
	if a.compiled == nil || a.compiled.limiter == nil {
		return nil
	}
	if err := a.compiled.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return errors.New(errors.CodeCanceled, "rate limit wait canceled", ctx.Err())
		}
		return errors.New(errors.CodeTimeout, "rate limit wait exceeds deadline", err).
			WithContext("verb", a.Capability.Verb)
	}
	return nil
}

type agentEntry struct {
	manifest     AgentManifest
	fingerprint  string
	invoker      Invoker
	capabilities map[string]*compiledCapability
	registeredAt time.Time
}

type snapshot struct {
	agents       map[string]*agentEntry
	owners       map[string]string
	capabilities []Capability
	manifests    []AgentManifest
}

func emptySnapshot() *snapshot {
	return &snapshot{agents: map[string]*agentEntry{}, owners: map[string]string{}}
}

type lifecycle int32

const (
	stateRunning lifecycle = iota
	stateDraining
	stateClosed
)

// Registry is the agent registry. Create it with New.
type Registry struct {
	mu      sync.Mutex // serializes writers
	current atomic.Pointer[snapshot]
	state   atomic.Int32

	breakerConfig resilience.CircuitBreakerConfig
	breakersMu    sync.Mutex
	breakers      map[string]*agentHealth

	factory       InvokerFactory
	prober        Prober
	probeInterval time.Duration
	now           func() time.Time
	logger        *slog.Logger
	metrics       *telemetry.Metrics

	subsMu sync.Mutex
	subs   map[int]chan HealthEvent
	nextID int

	stopProbe context.CancelFunc
	probeWG   sync.WaitGroup
}

// Option configures a Registry.
type Option func(*Registry)

// WithBreaker sets the circuit breaker parameters shared by every agent:
// K consecutive failures within window W open the circuit for cooldown T.
func WithBreaker(k int, w, t time.Duration) Option {
	return func(r *Registry) {
		r.breakerConfig.FailureThreshold = k
		r.breakerConfig.Window = w
		r.breakerConfig.Cooldown = t
	}
}

// WithInvokerFactory sets how invokers are built for remote manifests.
func WithInvokerFactory(f InvokerFactory) Option {
	return func(r *Registry) { r.factory = f }
}

// WithProber enables periodic health checks once Start is called.
func WithProber(p Prober, interval time.Duration) Option {
	return func(r *Registry) {
		r.prober = p
		r.probeInterval = interval
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) { r.logger = logger }
}

// WithMetrics records breaker transitions and registry size.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
		r.breakerConfig.Now = now
	}
}

// New creates an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		breakerConfig: resilience.CircuitBreakerConfig{FailureThreshold: 5, Window: time.Minute, Cooldown: 30 * time.Second},
		breakers:      map[string]*agentHealth{},
		subs:          map[int]chan HealthEvent{},
		probeInterval: 30 * time.Second,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = telemetry.Component(r.logger, "registry")
	r.current.Store(emptySnapshot())
	return r
}

// Register validates and stores a manifest pushed by a remote agent. The
// invoker comes from the configured InvokerFactory.
func (r *Registry) Register(ctx context.Context, m AgentManifest) (Result, error) {
	return r.register(ctx, m, nil)
}

// RegisterLocal stores a manifest for an in-process agent served by inv.
func (r *Registry) RegisterLocal(ctx context.Context, m AgentManifest, inv Invoker) (Result, error) {
	if inv == nil {
		err := errors.New(errors.CodeValidation, "local agent requires an invoker", nil).WithContext("agent_id", m.AgentID)
		return Result{Reason: err.Message}, err
	}
	if m.Transport == "" {
		m.Transport = TransportLocal
	}
	return r.register(ctx, m, inv)
}

func (r *Registry) register(ctx context.Context, m AgentManifest, inv Invoker) (Result, error) {
	if lifecycle(r.state.Load()) != stateRunning {
		err := errors.New(errors.CodeAgentUnavailable, "registry is not accepting registrations", nil)
		return Result{Reason: err.Message}, err
	}
	m = m.Clone()
	if m.Transport == "" && m.Endpoint != "" {
		m.Transport = TransportHTTP
	}

	compiled, err := compileManifest(m)
	if err != nil {
		return rejected(err)
	}
	fingerprint := m.Fingerprint()

	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.current.Load()
	prev, existed := cur.agents[m.AgentID]
	if existed && prev.fingerprint == fingerprint {
		r.logger.DebugContext(ctx, "registry.agent.unchanged", slog.String("agent_id", m.AgentID))
		return Result{Accepted: true}, nil
	}
	for verb := range compiled {
		if owner, ok := cur.owners[verb]; ok && owner != m.AgentID {
			return rejected(errors.New(errors.CodeValidation, "verb "+verb+" is already provided by "+owner, nil).
				WithContext("agent_id", m.AgentID).
				WithContext("verb", verb))
		}
	}

	if inv == nil && r.factory != nil && m.Transport != TransportLocal {
		inv, err = r.factory(m)
		if err != nil {
			return rejected(errors.New(errors.CodeValidation, "cannot build invoker for agent", err).
				WithContext("agent_id", m.AgentID))
		}
	}

	next := cur.clone()
	if existed {
		next.removeAgent(m.AgentID)
	}
	next.agents[m.AgentID] = &agentEntry{
		manifest:     m,
		fingerprint:  fingerprint,
		invoker:      inv,
		capabilities: compiled,
		registeredAt: r.now(),
	}
	for verb := range compiled {
		next.owners[verb] = m.AgentID
	}
	next.rebuildListings()
	r.current.Store(next)
	r.health(m.AgentID)

	if existed {
		closeInvoker(prev.invoker, inv)
	}
	r.metrics.RecordRegistrySize(ctx, len(next.agents))
	r.logger.InfoContext(ctx, "registry.agent.registered",
		slog.String("agent_id", m.AgentID),
		slog.String("version", m.Version),
		slog.Int("capabilities", len(compiled)),
		slog.Bool("replaced", existed),
	)
	return Result{Accepted: true, Changed: true}, nil
}

// Deregister removes an agent and releases its verbs.
func (r *Registry) Deregister(ctx context.Context, agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.current.Load()
	prev, ok := cur.agents[agentID]
	if !ok {
		return errors.New(errors.CodeNotFound, "agent not registered", nil).WithContext("agent_id", agentID)
	}
	next := cur.clone()
	next.removeAgent(agentID)
	next.rebuildListings()
	r.current.Store(next)

	r.breakersMu.Lock()
	delete(r.breakers, agentID)
	r.breakersMu.Unlock()

	closeInvoker(prev.invoker, nil)
	r.metrics.RecordRegistrySize(ctx, len(next.agents))
	r.logger.InfoContext(ctx, "registry.agent.deregistered", slog.String("agent_id", agentID))
	return nil
}

// ListCapabilities returns every registered capability ordered by verb.
func (r *Registry) ListCapabilities() []Capability {
	caps := r.current.Load().capabilities
	out := make([]Capability, len(caps))
	for i, c := range caps {
		out[i] = c.clone()
	}
	return out
}

// ListAgents returns every registered manifest ordered by agent id.
func (r *Registry) ListAgents() []AgentManifest {
	manifests := r.current.Load().manifests
	out := make([]AgentManifest, len(manifests))
	for i, m := range manifests {
		out[i] = m.Clone()
	}
	return out
}

// Agent returns the manifest registered under agentID.
func (r *Registry) Agent(agentID string) (AgentManifest, bool) {
	entry, ok := r.current.Load().agents[agentID]
	if !ok {
		return AgentManifest{}, false
	}
	return entry.manifest.Clone(), true
}

// Resolve returns the agent providing verb.
func (r *Registry) Resolve(verb string) (AgentRef, error) {
	snap := r.current.Load()
	agentID, ok := snap.owners[verb]
	if !ok {
		return AgentRef{}, errors.New(errors.CodeCapabilityNotFound, "no agent provides verb", nil).
			WithContext("verb", verb)
	}
	entry := snap.agents[agentID]
	compiled := entry.capabilities[verb]
	return AgentRef{
		AgentID:       agentID,
		Capability:    compiled.Capability.clone(),
		EgressDomains: append([]string(nil), entry.manifest.EgressDomains...),
		DataScopes:    append([]string(nil), entry.manifest.DataScopes...),
		Transport:     entry.manifest.Transport,
		Invoker:       entry.invoker,
		compiled:      compiled,
	}, nil
}

// Start begins health probing when a prober is configured.
func (r *Registry) Start(ctx context.Context) {
	if r.prober == nil || r.stopProbe != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	r.stopProbe = cancel
	r.probeWG.Add(1)
	go func() {
		defer r.probeWG.Done()
		r.probeLoop(ctx)
	}()
	r.logger.InfoContext(ctx, "registry.started", slog.Duration("probe_interval", r.probeInterval))
}

// Drain stops accepting registrations. Discovery keeps working.
func (r *Registry) Drain(ctx context.Context) {
	if r.state.CompareAndSwap(int32(stateRunning), int32(stateDraining)) {
		r.logger.InfoContext(ctx, "registry.draining")
	}
}

// Close stops probing, closes invokers and subscriber channels.
func (r *Registry) Close() error {
	if lifecycle(r.state.Swap(int32(stateClosed))) == stateClosed {
		return nil
	}
	if r.stopProbe != nil {
		r.stopProbe()
		r.probeWG.Wait()
	}

	r.mu.Lock()
	snap := r.current.Load()
	for _, entry := range snap.agents {
		closeInvoker(entry.invoker, nil)
	}
	r.mu.Unlock()

	r.subsMu.Lock()
	for id, ch := range r.subs {
		close(ch)
		delete(r.subs, id)
	}
	r.subsMu.Unlock()
	return nil
}

func rejected(err error) (Result, error) {
	reason := err.Error()
	if e, ok := errors.As(err); ok {
		reason = e.Message
	}
	return Result{Accepted: false, Reason: reason}, err
}

func closeInvoker(old, replacement Invoker) {
	c, ok := old.(io.Closer)
	if !ok {
		return
	}
	if rc, ok := replacement.(io.Closer); ok && rc == c {
		return
	}
	_ = c.Close()
}

func (s *snapshot) clone() *snapshot {
	next := &snapshot{
		agents: make(map[string]*agentEntry, len(s.agents)+1),
		owners: make(map[string]string, len(s.owners)),
	}
	for k, v := range s.agents {
		next.agents[k] = v
	}
	for k, v := range s.owners {
		next.owners[k] = v
	}
	return next
}

func (s *snapshot) removeAgent(agentID string) {
	if entry, ok := s.agents[agentID]; ok {
		for verb := range entry.capabilities {
			if s.owners[verb] == agentID {
				delete(s.owners, verb)
			}
		}
		delete(s.agents, agentID)
	}
}

func (s *snapshot) rebuildListings() {
	s.capabilities = s.capabilities[:0]
	s.manifests = make([]AgentManifest, 0, len(s.agents))
	for _, entry := range s.agents {
		s.manifests = append(s.manifests, entry.manifest)
		for _, c := range entry.capabilities {
			s.capabilities = append(s.capabilities, c.Capability)
		}
	}
	sort.Slice(s.capabilities, func(i, j int) bool { return s.capabilities[i].Verb < s.capabilities[j].Verb })
	sort.Slice(s.manifests, func(i, j int) bool { return s.manifests[i].AgentID < s.manifests[j].AgentID })
}
