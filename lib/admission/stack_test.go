package admission

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
)

// recordingCanceller records every cancellation together with the state the
// stack was in at that moment.
type recordingCanceller struct {
	mu       sync.Mutex
	stack    *Stack
	failures []error
	states   []string
}

func (r *recordingCanceller) CancelAllPendingWithFailure(failure error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = append(r.failures, failure)
	if r.stack != nil {
		r.states = append(r.states, r.stack.State())
	}
}

func newTestStack(t *testing.T, cfg Config) (*Stack, *recordingCanceller) {
	t.Helper()
	if cfg.NodeName == "" {
		cfg.NodeName = "grid_container1:grid"
	}
	c := &recordingCanceller{}
	s := NewStack(cfg, c)
	c.stack = s
	s.jitter = func() time.Duration { return 0 }
	return s, c
}

func equalStatuses(a, b []Status) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// TestGuardOrdering adds all guards in every order and checks the chain
// always ends up ordered SUSPENDED > QUIESCED_DEMOTE > QUIESCED.
func TestGuardOrdering(t *testing.T) {
	add := map[Status]func(s *Stack) bool{
		StatusSuspended:      func(s *Stack) bool { return s.Suspend("suspend") },
		StatusQuiescedDemote: func(s *Stack) bool { return s.QuiesceDemote("demote") },
		StatusQuiesced:       func(s *Stack) bool { return s.Quiesce("quiesce", StringToken("t")) },
	}
	permutations := [][]Status{
		{StatusSuspended, StatusQuiescedDemote, StatusQuiesced},
		{StatusSuspended, StatusQuiesced, StatusQuiescedDemote},
		{StatusQuiescedDemote, StatusSuspended, StatusQuiesced},
		{StatusQuiescedDemote, StatusQuiesced, StatusSuspended},
		{StatusQuiesced, StatusSuspended, StatusQuiescedDemote},
		{StatusQuiesced, StatusQuiescedDemote, StatusSuspended},
	}
	want := []Status{StatusSuspended, StatusQuiescedDemote, StatusQuiesced}

	for _, perm := range permutations {
		t.Run(fmt.Sprint(perm), func(t *testing.T) {
			s, _ := newTestStack(t, Config{})
			for i, status := range perm {
				if !add[status](s) {
					t.Fatalf("adding %s failed", status)
				}
				got := s.Statuses()
				if len(got) != i+1 {
					t.Fatalf("expected %d guards, got %v", i+1, got)
				}
				for j := 1; j < len(got); j++ {
					if !got[j-1].supersedes(got[j]) {
						t.Fatalf("chain not ordered after adding %s: %v", status, got)
					}
				}
			}
			if got := s.Statuses(); !equalStatuses(got, want) {
				t.Errorf("Statuses() = %v, want %v", got, want)
			}
			if err := s.current.Load().validate(); err != nil {
				t.Errorf("validate() = %v", err)
			}
		})
	}
}

func TestDuplicateGuardIsNoOp(t *testing.T) {
	s, c := newTestStack(t, Config{})

	if !s.Quiesce("first", StringToken("a")) {
		t.Fatal("first quiesce should succeed")
	}
	before := s.current.Load()

	if s.Quiesce("second", StringToken("b")) {
		t.Error("second quiesce should be rejected")
	}
	if s.current.Load() != before {
		t.Error("chain changed after duplicate quiesce")
	}
	if len(c.failures) != 1 {
		t.Errorf("expected one cancellation, got %d", len(c.failures))
	}

	// the first issuer token still governs
	if err := s.CheckAllowedOp(context.Background(), StringToken("a")); err != nil {
		t.Errorf("first issuer token rejected: %v", err)
	}
	if err := s.CheckAllowedOp(context.Background(), StringToken("b")); !errors.Is(err, ErrQuiesced) {
		t.Errorf("expected ErrQuiesced for second token, got %v", err)
	}

	if !s.Suspend("s1") || s.Suspend("s2") {
		t.Error("expected exactly one suspend to succeed")
	}
	if !s.QuiesceDemote("d1") || s.QuiesceDemote("d2") {
		t.Error("expected exactly one demote to succeed")
	}
}

func TestRemoveMissingGuard(t *testing.T) {
	s, _ := newTestStack(t, Config{})

	if s.Unquiesce() || s.Unsuspend() || s.UnquiesceDemote() {
		t.Error("removing from an empty stack should fail")
	}

	s.Quiesce("q", NoToken())
	if s.Unsuspend() {
		t.Error("removing a missing SUSPENDED guard should fail")
	}
	if !s.IsQuiesced() {
		t.Error("QUIESCED guard should still be installed")
	}
}

func TestOutermostTokenAdmits(t *testing.T) {
	s, _ := newTestStack(t, Config{SuspendTimeout: 50 * time.Millisecond})
	tok := StringToken("admin")

	s.Quiesce("maintenance", tok)
	s.QuiesceDemote("demote")

	// QUIESCED_DEMOTE is outermost now and has no token
	if err := s.CheckAllowedOp(context.Background(), tok); !errors.Is(err, ErrQuiescedDemote) {
		t.Errorf("expected ErrQuiescedDemote, got %v", err)
	}

	s.Suspend("swap")
	// the node identity token passes the outermost suspension regardless of the inner guards
	if err := s.CheckAllowedOp(context.Background(), s.NodeToken()); err != nil {
		t.Errorf("node token rejected: %v", err)
	}

	s.Unsuspend()
	s.UnquiesceDemote()
	if err := s.CheckAllowedOp(context.Background(), tok); err != nil {
		t.Errorf("quiesce token rejected: %v", err)
	}
}

func TestQuiesceRoundTrip(t *testing.T) {
	s, _ := newTestStack(t, Config{})
	s.Suspend("s")
	s.QuiesceDemote("d")
	before := s.current.Load()

	s.Quiesce("x", StringToken("tok"))
	s.Unquiesce()

	after := s.current.Load()
	if *after != *before {
		t.Errorf("chain after round trip = %s, want %s", after, before)
	}
}

func TestQuiesceCancelsAfterPublish(t *testing.T) {
	s, c := newTestStack(t, Config{})

	s.Quiesce("maintenance", StringToken("t"))
	s.QuiesceDemote("demoting primary")
	s.Suspend("no cancel for suspend")

	if len(c.failures) != 2 {
		t.Fatalf("expected 2 cancellations, got %d", len(c.failures))
	}
	if !errors.Is(c.failures[0], ErrQuiesced) || !errors.Is(c.failures[1], ErrQuiescedDemote) {
		t.Errorf("unexpected cancellation errors: %v", c.failures)
	}
	// the guard was visible when the cancellation happened
	if c.states[0] != "QUIESCED" || c.states[1] != "DEMOTING" {
		t.Errorf("states during cancellation = %v", c.states)
	}
}

func TestSuspendReleasesWaiters(t *testing.T) {
	s, _ := newTestStack(t, Config{SuspendTimeout: 10 * time.Second})
	s.Suspend("role swap")

	const waiters = 8
	var wg sync.WaitGroup
	errs := make(chan error, waiters)
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- s.CheckAllowedOp(context.Background(), NoToken())
		}()
	}

	time.Sleep(50 * time.Millisecond)
	start := time.Now()
	if !s.Unsuspend() {
		t.Fatal("unsuspend failed")
	}
	wg.Wait()
	close(errs)

	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("waiters released after %v, expected well below the timeout", elapsed)
	}
	for err := range errs {
		if err != nil {
			t.Errorf("waiter failed: %v", err)
		}
	}
}

func TestSuspendReleaseWithJitter(t *testing.T) {
	s := NewStack(Config{NodeName: "n", MaxJitter: 100 * time.Millisecond}, nil)
	s.Suspend("short")

	done := make(chan error, 1)
	go func() { done <- s.CheckAllowedOp(context.Background(), NoToken()) }()
	time.Sleep(20 * time.Millisecond)
	s.Unsuspend()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("expected admission after release, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("waiter not released within one jitter window")
	}
}

func TestSuspendTimeout(t *testing.T) {
	timeout := 100 * time.Millisecond
	s, _ := newTestStack(t, Config{SuspendTimeout: timeout})
	s.Suspend("stuck")

	start := time.Now()
	err := s.CheckAllowedOp(context.Background(), NoToken())
	elapsed := time.Since(start)

	if !errors.Is(err, ErrSuspended) {
		t.Fatalf("expected ErrSuspended, got %v", err)
	}
	if elapsed < timeout {
		t.Errorf("returned after %v, before the timeout of %v", elapsed, timeout)
	}
	if elapsed > timeout+time.Second {
		t.Errorf("returned after %v, far after the timeout of %v", elapsed, timeout)
	}
	if !strings.Contains(err.Error(), "suspended") || !strings.Contains(err.Error(), "stuck") {
		t.Errorf("unexpected message: %s", err)
	}
}

func TestSuspendContextCancelled(t *testing.T) {
	s, _ := newTestStack(t, Config{SuspendTimeout: 10 * time.Second})
	s.Suspend("stuck")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	if err := s.CheckAllowedOp(ctx, NoToken()); !errors.Is(err, ErrSuspended) {
		t.Fatalf("expected ErrSuspended, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("cancellation not honored, returned after %v", elapsed)
	}
}

func TestUnsupportedDeployment(t *testing.T) {
	for _, cfg := range []Config{{Disabled: true}, {LocalCache: true}} {
		s, c := newTestStack(t, cfg)
		if s.IsSupported() {
			t.Error("stack should not be supported")
		}
		if s.Quiesce("q", NoToken()) || s.Suspend("s") || s.QuiesceDemote("d") {
			t.Error("guards must be rejected on unsupported deployments")
		}
		if s.IsOn() || len(c.failures) != 0 {
			t.Error("unsupported stack changed state")
		}
		if err := s.CheckAllowedOp(context.Background(), NoToken()); err != nil {
			t.Errorf("unsupported stack rejected operation: %v", err)
		}
	}
}

func TestPredicatesAndState(t *testing.T) {
	s, _ := newTestStack(t, Config{})

	if s.IsOn() || s.State() != "UNQUIESCED" {
		t.Fatal("new stack should be fully operational")
	}

	s.Quiesce("q", NoToken())
	s.Suspend("s")

	if !s.IsOn() || !s.IsQuiesced() || !s.IsSuspended() || s.IsDemoting() {
		t.Error("unexpected predicate values")
	}
	if s.State() != "SUSPENDED" {
		t.Errorf("State() = %s, want SUSPENDED", s.State())
	}

	s.Unsuspend()
	if s.State() != "QUIESCED" {
		t.Errorf("State() = %s, want QUIESCED", s.State())
	}
	s.Unquiesce()
	if s.IsOn() {
		t.Error("stack should be empty")
	}
}

func TestInitialState(t *testing.T) {
	tok := StringToken("boot")
	s := NewStack(Config{
		NodeName:     "n",
		InitialState: &StateChange{State: StateQuiesced, Description: "deployed quiesced", Token: tok},
	}, nil)

	if !s.IsQuiesced() {
		t.Fatal("stack should start quiesced")
	}
	if err := s.CheckAllowedOp(context.Background(), tok); err != nil {
		t.Errorf("boot token rejected: %v", err)
	}

	if !s.SetQuiesceMode(StateChange{State: StateUnquiesced}) || s.IsOn() {
		t.Error("unquiesce via state change failed")
	}
}

// TestMaintenanceScenario walks through a full quiesce/unquiesce cycle.
func TestMaintenanceScenario(t *testing.T) {
	s, _ := newTestStack(t, Config{})
	ctx := context.Background()
	tok := StringToken("T")

	if !s.Quiesce("maintenance", tok) {
		t.Fatal("quiesce failed")
	}

	err := s.CheckAllowedOp(ctx, StringToken("other"))
	if !errors.Is(err, ErrQuiesced) {
		t.Fatalf("expected ErrQuiesced, got %v", err)
	}
	if !strings.Contains(err.Error(), "maintenance") || !strings.Contains(err.Error(), "quiesced") {
		t.Errorf("message does not describe the state: %s", err)
	}
	var aerr *Error
	if !errors.As(err, &aerr) || aerr.Description != "maintenance" || aerr.Code != RetCQuiesced {
		t.Errorf("unexpected error value: %#v", err)
	}

	if err := s.CheckAllowedOp(ctx, tok); err != nil {
		t.Errorf("token T rejected: %v", err)
	}

	s.Unquiesce()
	for _, tk := range []Token{NoToken(), tok, StringToken("other"), s.NodeToken()} {
		if err := s.CheckAllowedOp(ctx, tk); err != nil {
			t.Errorf("token %s rejected after unquiesce: %v", tk, err)
		}
	}
}
