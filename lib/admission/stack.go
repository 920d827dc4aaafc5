package admission

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/lni/dragonboat/v4/logger"
)

var log = logger.GetLogger("admission")

const (
	// DefaultSuspendTimeout is how long an operation waits for a suspension
	// to be lifted before it fails.
	DefaultSuspendTimeout = 20 * time.Second
	// DefaultMaxJitter bounds the random pause after a suspension is lifted.
	DefaultMaxJitter = time.Second
)

// PendingOperationCanceller fails every operation currently blocked waiting
// for an entry to become available.
type PendingOperationCanceller interface {
	CancelAllPendingWithFailure(failure error)
}

// Config configures a Stack.
type Config struct {
	// NodeName identifies the node in error messages and is the value of the
	// node identity token.
	NodeName string
	// Disabled turns quiesce support off for the whole deployment.
	Disabled bool
	// LocalCache marks nodes acting as local cache / local view, which do
	// not support quiesce.
	LocalCache bool
	// SuspendTimeout defaults to DefaultSuspendTimeout.
	SuspendTimeout time.Duration
	// MaxJitter defaults to DefaultMaxJitter. A negative value disables the
	// pause after a suspension is lifted.
	MaxJitter time.Duration
	// InitialState is applied once at construction if set.
	InitialState *StateChange
}

// Stack is the per node admission state machine.
type Stack struct {
	cfg       Config
	supported bool
	nodeToken Token
	canceller PendingOperationCanceller

	mu      sync.Mutex // serializes all chain mutations
	current atomic.Pointer[chain]

	// jitter returns the pause applied after a suspension was lifted.
	jitter func() time.Duration
}

// NewStack creates the admission stack of one node. The canceller may be nil
// when the node has no pending operations to cancel.
func NewStack(cfg Config, canceller PendingOperationCanceller) *Stack {
	if cfg.SuspendTimeout <= 0 {
		cfg.SuspendTimeout = DefaultSuspendTimeout
	}
	if cfg.MaxJitter == 0 {
		cfg.MaxJitter = DefaultMaxJitter
	}

	s := &Stack{
		cfg:       cfg,
		supported: !cfg.Disabled && !cfg.LocalCache,
		nodeToken: NodeIdentityToken(cfg.NodeName),
		canceller: canceller,
	}
	s.jitter = func() time.Duration {
		if s.cfg.MaxJitter <= 0 {
			return 0
		}
		return rand.N(s.cfg.MaxJitter)
	}

	if cfg.InitialState != nil && cfg.InitialState.State == StateQuiesced {
		s.SetQuiesceMode(*cfg.InitialState)
	}
	return s
}

// --------------------------------------------------------------------------
// Predicates
// --------------------------------------------------------------------------

// IsOn reports whether any guard is installed.
func (s *Stack) IsOn() bool {
	return s.current.Load() != nil
}

// IsSuspended reports whether a SUSPENDED guard is installed, masked or not.
func (s *Stack) IsSuspended() bool {
	return s.current.Load().has(StatusSuspended)
}

// IsQuiesced reports whether a QUIESCED guard is installed, masked or not.
func (s *Stack) IsQuiesced() bool {
	return s.current.Load().has(StatusQuiesced)
}

// IsDemoting reports whether a QUIESCED_DEMOTE guard is installed.
func (s *Stack) IsDemoting() bool {
	return s.current.Load().has(StatusQuiescedDemote)
}

// IsSupported reports whether this deployment supports quiesce at all.
func (s *Stack) IsSupported() bool {
	return s.supported
}

// State returns UNQUIESCED, SUSPENDED, DEMOTING or QUIESCED depending on the
// outermost guard.
func (s *Stack) State() string {
	return s.current.Load().describe()
}

// Statuses returns the installed statuses from the outermost to the innermost.
func (s *Stack) Statuses() []Status {
	gs := s.current.Load().guards()
	res := make([]Status, len(gs))
	for i, g := range gs {
		res[i] = g.status
	}
	return res
}

// NodeToken returns the token node-internal callers present to pass a
// suspension.
func (s *Stack) NodeToken() Token {
	return s.nodeToken
}

// --------------------------------------------------------------------------
// Admission
// --------------------------------------------------------------------------

// CheckAllowedOp decides whether an operation presenting token may execute.
// It never blocks when no guard is installed. When the outermost guard is a
// suspension, the call blocks until the suspension is lifted (then pauses a
// random jitter and admits) or the suspend timeout elapses. A cancelled ctx
// counts as an elapsed timeout.
func (s *Stack) CheckAllowedOp(ctx context.Context, token Token) error {
	if !s.supported {
		return nil
	}
	curr := s.current.Load()
	if curr == nil {
		return nil
	}
	return s.guard(ctx, curr.head(), token)
}

func (s *Stack) guard(ctx context.Context, g *guard, token Token) error {
	if g.token.Equal(token) {
		return nil
	}

	if g.status == StatusSuspended {
		metrics.GetOrCreateCounter(fmt.Sprintf(`dgrid_admission_suspend_waits_total{node=%q}`, s.cfg.NodeName)).Inc()
		if s.awaitRelease(ctx, g) {
			// wait a random bit to avoid storming the node
			sleep(ctx, s.jitter())
			return nil
		}
	}

	metrics.GetOrCreateCounter(fmt.Sprintf(`dgrid_admission_rejected_total{node=%q,status=%q}`, s.cfg.NodeName, g.status)).Inc()
	return g.err
}

// awaitRelease blocks until g is released, the suspend timeout elapses or ctx
// is done. It reports whether g was released.
func (s *Stack) awaitRelease(ctx context.Context, g *guard) bool {
	timer := time.NewTimer(s.cfg.SuspendTimeout)
	defer timer.Stop()

	select {
	case <-g.release:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		select {
		case <-g.release:
			return true
		default:
			return false
		}
	}
}

func sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

// --------------------------------------------------------------------------
// Guard management
// --------------------------------------------------------------------------

// Quiesce installs a QUIESCED guard. Operations presenting token still pass.
// On success all pending operations are cancelled with the guard's error.
func (s *Stack) Quiesce(description string, token Token) bool {
	g := newGuard(s.cfg.NodeName, description, token, StatusQuiesced)
	if !s.addGuard(g) {
		return false
	}
	s.cancelPending(g)
	return true
}

// QuiesceDemote installs a QUIESCED_DEMOTE guard used while a primary is
// demoted. On success all pending operations are cancelled.
func (s *Stack) QuiesceDemote(description string) bool {
	g := newGuard(s.cfg.NodeName, description, NoToken(), StatusQuiescedDemote)
	if !s.addGuard(g) {
		return false
	}
	s.cancelPending(g)
	return true
}

// Suspend installs a SUSPENDED guard that only node-internal callers pass.
func (s *Stack) Suspend(description string) bool {
	return s.addGuard(newGuard(s.cfg.NodeName, description, s.nodeToken, StatusSuspended))
}

// Unquiesce removes the QUIESCED guard.
func (s *Stack) Unquiesce() bool {
	return s.removeGuard(StatusQuiesced)
}

// UnquiesceDemote removes the QUIESCED_DEMOTE guard.
func (s *Stack) UnquiesceDemote() bool {
	return s.removeGuard(StatusQuiescedDemote)
}

// Unsuspend removes the SUSPENDED guard and releases every waiting operation.
func (s *Stack) Unsuspend() bool {
	return s.removeGuard(StatusSuspended)
}

// SetQuiesceMode applies an administrative state change.
func (s *Stack) SetQuiesceMode(change StateChange) bool {
	if change.State == StateQuiesced {
		return s.Quiesce(change.Description, change.Token)
	}
	return s.Unquiesce()
}

func (s *Stack) cancelPending(g *guard) {
	if s.canceller != nil {
		s.canceller.CancelAllPendingWithFailure(g.err)
	}
}

func (s *Stack) addGuard(g *guard) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.supported {
		if s.cfg.Disabled {
			log.Errorf("quiesce is not supported because it was disabled for node %s", s.cfg.NodeName)
		}
		if s.cfg.LocalCache {
			log.Errorf("quiesce is not supported for local cache / local view %s", s.cfg.NodeName)
		}
		return false
	}

	curr := s.current.Load()
	if curr.has(g.status) {
		log.Warningf("guard [%s] was discarded, it already exists - current state is %s", g.status, curr.describe())
		return false
	}

	next, err := curr.with(g)
	if err != nil {
		log.Warningf("guard [%s] couldn't be added - current state is %s: %v", g.status, curr.describe(), err)
		return false
	}
	s.current.Store(next)

	if next.head() != g {
		log.Infof("guard [%s] was added, but is currently masked because state is %s", g.status, next.describe())
	} else {
		log.Infof("state set to %s %s", next.describe(), next)
	}
	return true
}

func (s *Stack) removeGuard(status Status) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	curr := s.current.Load()
	if curr == nil {
		log.Warningf("no guard to remove")
		return false
	}
	if !curr.has(status) {
		log.Warningf("no %s guard to remove", status)
		return false
	}

	removed := curr[status]
	next := curr.without(status)
	s.current.Store(next)
	removed.close()

	log.Infof("removed %s, new state is %s", status, next.describe())
	return true
}
