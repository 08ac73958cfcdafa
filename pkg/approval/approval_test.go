// Copyright 2026 © The Steward Authors
// SPDX-License-Identifier: Apache-2.0

package approval

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jllopis/steward/pkg/errors"
	"github.com/jllopis/steward/pkg/resilience"
	"github.com/jllopis/steward/pkg/storage"
)

func newSQLStore(t *testing.T) *SQLStore {
	t.Helper()
	db, err := storage.Open(context.Background(), storage.Config{Driver: storage.SQLite})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	store, err := NewSQLStore(context.Background(), db)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store
}

func stores(t *testing.T) map[string]Store {
	return map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": newSQLStore(t),
	}
}

func TestStoreLifecycle(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Now().UTC()
			created, err := store.Create(ctx, Request{
				ProposalID: "p-1",
				PlanID:     "plan-1",
				TaskID:     "t-1",
				Verb:       "calendar.write_event",
				Summary:    "create event",
				ExpiresAt:  now.Add(time.Minute),
			})
			if err != nil {
				t.Fatalf("create: %v", err)
			}
			if created.Status != StatusPending {
				t.Fatalf("expected pending, got %s", created.Status)
			}
			if _, err := store.Create(ctx, Request{Verb: "x.y"}); !errors.IsCode(err, errors.CodeValidation) {
				t.Fatalf("expected missing proposal id to be rejected, got %v", err)
			}

			resolved, err := store.Resolve(ctx, "p-1", StatusApproved, "ok")
			if err != nil {
				t.Fatalf("resolve: %v", err)
			}
			if resolved.Status != StatusApproved || resolved.Reason != "ok" {
				t.Fatalf("unexpected resolution: %+v", resolved)
			}
			again, err := store.Resolve(ctx, "p-1", StatusRejected, "late")
			if err == nil {
				t.Fatalf("expected second resolution to fail")
			}
			if again == nil || again.Status != StatusApproved {
				t.Fatalf("stored decision must win, got %+v", again)
			}
			if _, err := store.Resolve(ctx, "p-1", StatusPending, ""); !errors.IsCode(err, errors.CodeValidation) {
				t.Fatalf("expected pending resolution to be rejected, got %v", err)
			}
			if _, err := store.Get(ctx, "missing"); !errors.IsCode(err, errors.CodeNotFound) {
				t.Fatalf("expected NOT_FOUND, got %v", err)
			}

			list, err := store.List(ctx, Filter{PlanID: "plan-1", Status: StatusApproved})
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			if len(list) != 1 || list[0].ProposalID != "p-1" {
				t.Fatalf("unexpected list: %+v", list)
			}
		})
	}
}

func TestStoreExpire(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Now().UTC()
			for _, req := range []Request{
				{ProposalID: "old", Verb: "mail.send", ExpiresAt: now.Add(-time.Second)},
				{ProposalID: "fresh", Verb: "mail.send", ExpiresAt: now.Add(time.Hour)},
				{ProposalID: "done", Verb: "mail.send", ExpiresAt: now.Add(-time.Second)},
			} {
				if _, err := store.Create(ctx, req); err != nil {
					t.Fatalf("create %s: %v", req.ProposalID, err)
				}
			}
			if _, err := store.Resolve(ctx, "done", StatusRejected, "no"); err != nil {
				t.Fatalf("resolve: %v", err)
			}

			n, err := store.Expire(ctx, now)
			if err != nil {
				t.Fatalf("expire: %v", err)
			}
			if n != 1 {
				t.Fatalf("expected 1 expired, got %d", n)
			}
			old, _ := store.Get(ctx, "old")
			if old.Status != StatusExpired {
				t.Fatalf("expected expired, got %s", old.Status)
			}
			fresh, _ := store.Get(ctx, "fresh")
			if fresh.Status != StatusPending {
				t.Fatalf("fresh request must stay pending, got %s", fresh.Status)
			}
			overdue, err := store.List(ctx, Filter{ExpiringBefore: now})
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			if len(overdue) != 2 {
				t.Fatalf("expected 2 overdue records, got %d", len(overdue))
			}
		})
	}
}

type recordingChannel struct {
	mu       sync.Mutex
	notified []Request
	resolved []Request
	ch       chan Request
}

func newRecordingChannel() *recordingChannel {
	return &recordingChannel{ch: make(chan Request, 4)}
}

func (c *recordingChannel) Notify(_ context.Context, req Request) error {
	c.mu.Lock()
	c.notified = append(c.notified, req)
	c.mu.Unlock()
	c.ch <- req
	return nil
}

func (c *recordingChannel) Resolved(_ context.Context, req Request) {
	c.mu.Lock()
	c.resolved = append(c.resolved, req)
	c.mu.Unlock()
}

func TestGateApproveAndReject(t *testing.T) {
	cases := []struct {
		name     string
		approved bool
		code     errors.ErrorCode
	}{
		{"approved", true, ""},
		{"rejected", false, errors.CodeApprovalRejected},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			channel := newRecordingChannel()
			gate := NewGate(NewMemoryStore(), WithChannel(channel))
			ctx := context.Background()

			type result struct {
				req Request
				err error
			}
			done := make(chan result, 1)
			go func() {
				req, err := gate.Await(ctx, Request{ProposalID: "p-1", Verb: "calendar.write_event", Summary: "create"})
				done <- result{req, err}
			}()

			notified := <-channel.ch
			if notified.Status != StatusPending || notified.ExpiresAt.IsZero() {
				t.Fatalf("unexpected notification: %+v", notified)
			}
			if _, err := gate.Resolve(ctx, "p-1", tc.approved, "user said so"); err != nil {
				t.Fatalf("resolve: %v", err)
			}

			res := <-done
			if tc.code == "" {
				if res.err != nil || res.req.Status != StatusApproved {
					t.Fatalf("expected approval, got %+v %v", res.req, res.err)
				}
			} else if !errors.IsCode(res.err, tc.code) {
				t.Fatalf("expected %s, got %v", tc.code, res.err)
			}
			channel.mu.Lock()
			defer channel.mu.Unlock()
			if len(channel.resolved) != 1 {
				t.Fatalf("expected one resolution callback, got %d", len(channel.resolved))
			}
		})
	}
}

func TestGateExpiryFailsClosed(t *testing.T) {
	store := NewMemoryStore()
	gate := NewGate(store, WithTimeout(30*time.Millisecond))

	start := time.Now()
	req, err := gate.Await(context.Background(), Request{ProposalID: "p-exp", Verb: "calendar.write_event"})
	if !errors.IsCode(err, errors.CodeApprovalExpired) {
		t.Fatalf("expected APPROVAL_EXPIRED, got %v", err)
	}
	if time.Since(start) < 25*time.Millisecond {
		t.Fatalf("gate returned before expires_at")
	}
	if req.Status != StatusExpired {
		t.Fatalf("expected expired status, got %s", req.Status)
	}
	stored, _ := store.Get(context.Background(), "p-exp")
	if stored.Status != StatusExpired {
		t.Fatalf("store must record expiry, got %s", stored.Status)
	}

	// A late decision does not revive the proposal.
	late, err := gate.Resolve(context.Background(), "p-exp", true, "too late")
	if err == nil || late.Status != StatusExpired {
		t.Fatalf("late approval must not change the outcome, got %+v %v", late, err)
	}
}

func TestGateCancel(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			gate := NewGate(store)
			ctx, cancel := context.WithCancel(context.Background())
			go func() {
				time.Sleep(10 * time.Millisecond)
				cancel()
			}()
			req, err := gate.Await(ctx, Request{ProposalID: "p-c", Verb: "mail.send"})
			if !errors.IsCode(err, errors.CodeCanceled) {
				t.Fatalf("expected CANCELED, got %v", err)
			}
			if req.Status != StatusExpired {
				t.Fatalf("expected expired status, got %s", req.Status)
			}
			stored, err := gate.Get(context.Background(), "p-c")
			if err != nil || stored.Status != StatusExpired {
				t.Fatalf("a canceled wait must not leave the request pending, got %+v %v", stored, err)
			}
			if _, err := gate.Resolve(context.Background(), "p-c", true, "too late"); err == nil {
				t.Fatal("a canceled request must not accept a decision")
			}
		})
	}
}

func TestGateDefaultTimeout(t *testing.T) {
	if NewGate(nil).Timeout() != 120*time.Second {
		t.Fatalf("unexpected default timeout")
	}
}

func TestWebhookRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	var got webhookPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		if r.Header.Get("Idempotency-Key") != "p-1" {
			t.Errorf("missing idempotency key")
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	hook := NewWebhook(srv.URL, time.Second)
	hook.Retry = resilience.DefaultRetryConfig().WithInitialDelay(time.Millisecond)
	if err := hook.Notify(context.Background(), Request{ProposalID: "p-1", Verb: "mail.send", Status: StatusPending}); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected one retry, got %d calls", calls.Load())
	}
	if got.Type != "approval.requested" || got.Request.ProposalID != "p-1" {
		t.Fatalf("unexpected payload: %+v", got)
	}
}

func TestWebhookClientErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	hook := NewWebhook(srv.URL, time.Second)
	if err := hook.Notify(context.Background(), Request{ProposalID: "p-2"}); err == nil {
		t.Fatalf("expected error")
	}
	if calls.Load() != 1 {
		t.Fatalf("client errors must not be retried, got %d calls", calls.Load())
	}
}

func TestChannelsFanOut(t *testing.T) {
	var a, b int
	failing := ChannelFunc(func(context.Context, Request) error { a++; return errors.Newf(errors.CodeInternal, "down") })
	ok := ChannelFunc(func(context.Context, Request) error { b++; return nil })
	if err := (Channels{failing, ok}).Notify(context.Background(), Request{}); err != nil {
		t.Fatalf("one working channel is enough, got %v", err)
	}
	if err := (Channels{failing}).Notify(context.Background(), Request{}); err == nil {
		t.Fatalf("expected error when every channel fails")
	}
	if a != 2 || b != 1 {
		t.Fatalf("unexpected call counts a=%d b=%d", a, b)
	}
}

func TestSweeper(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	if _, err := store.Create(ctx, Request{ProposalID: "stale", Verb: "mail.send", ExpiresAt: time.Now().Add(-time.Minute)}); err != nil {
		t.Fatalf("create: %v", err)
	}

	sweeper := NewSweeper(store, SweeperConfig{Interval: 10 * time.Millisecond, Timeout: 50 * time.Millisecond})
	sweeper.Start(ctx)
	defer sweeper.Stop()

	deadline := time.After(time.Second)
	for {
		req, _ := store.Get(ctx, "stale")
		if req.Status == StatusExpired {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("sweeper did not expire the request")
		case <-time.After(5 * time.Millisecond):
		}
	}
}
