package admission

import (
	"strings"

	"github.com/cockroachdb/errors"
)

// guard is one reason the node is not fully operational.
type guard struct {
	status      Status
	token       Token
	description string
	err         *Error

	// SUSPENDED guards only: closed exactly once when the guard is removed.
	// released is guarded by Stack.mu.
	release  chan struct{}
	released bool
}

func newGuard(nodeName, description string, token Token, status Status) *guard {
	g := &guard{
		status:      status,
		token:       token,
		description: description,
		err:         guardError(nodeName, status, description),
	}
	if status == StatusSuspended {
		g.release = make(chan struct{})
	}
	return g
}

// supersedes reports whether g must be placed outside of other.
func (g *guard) supersedes(other *guard) bool {
	return g.status.supersedes(other.status)
}

// close releases all callers waiting on a suspension. Must be called with
// Stack.mu held; calling it more than once is a no-op.
func (g *guard) close() {
	if g.release != nil && !g.released {
		g.released = true
		close(g.release)
	}
}

// --------------------------------------------------------------------------
// Guard chain
// --------------------------------------------------------------------------

// chain is an immutable snapshot of the installed guards, one slot per status.
// The slot index is the precedence, so iterating the slots yields the guards
// from the outermost to the innermost. A nil *chain means no guard at all.
type chain [statusCount]*guard

// head returns the outermost guard, the one that governs admission.
func (c *chain) head() *guard {
	if c == nil {
		return nil
	}
	for _, g := range c {
		if g != nil {
			return g
		}
	}
	return nil
}

func (c *chain) has(status Status) bool {
	return c != nil && status.valid() && c[status] != nil
}

// guards returns the installed guards from the outermost to the innermost.
func (c *chain) guards() []*guard {
	if c == nil {
		return nil
	}
	res := make([]*guard, 0, statusCount)
	for _, g := range c {
		if g != nil {
			res = append(res, g)
		}
	}
	return res
}

// with returns a new chain containing g in its precedence slot. The receiver
// is not modified.
func (c *chain) with(g *guard) (*chain, error) {
	if !g.status.valid() {
		return nil, errors.Wrapf(ErrAmbiguousGuard, "unknown status %s", g.status)
	}
	next := &chain{}
	if c != nil {
		*next = *c
	}
	if next[g.status] != nil {
		return nil, errors.Wrapf(ErrAmbiguousGuard, "slot %s is taken", g.status)
	}
	next[g.status] = g
	if err := next.validate(); err != nil {
		return nil, err
	}
	return next, nil
}

// without returns a new chain lacking the guard of the given status, or nil if
// no guard remains. The relative order of the remaining guards is kept.
func (c *chain) without(status Status) *chain {
	if c == nil {
		return nil
	}
	next := *c
	next[status] = nil
	for _, g := range next {
		if g != nil {
			return &next
		}
	}
	return nil
}

// validate asserts that every guard strictly supersedes the next inner one.
// The slot layout makes this hold by construction; the check guards against a
// status being added without updating the precedence relation.
func (c *chain) validate() error {
	var outer *guard
	for _, g := range c.guards() {
		if outer != nil && !outer.supersedes(g) {
			return errors.Wrapf(ErrAmbiguousGuard, "%s does not precede %s", outer.status, g.status)
		}
		outer = g
	}
	return nil
}

// describe returns the operator facing name of the outermost guard.
func (c *chain) describe() string {
	g := c.head()
	if g == nil {
		return "UNQUIESCED"
	}
	switch g.status {
	case StatusSuspended:
		return "SUSPENDED"
	case StatusQuiescedDemote:
		return "DEMOTING"
	default:
		return "QUIESCED"
	}
}

func (c *chain) String() string {
	gs := c.guards()
	if len(gs) == 0 {
		return "[]"
	}
	names := make([]string, len(gs))
	for i, g := range gs {
		names[i] = g.status.String()
	}
	return "[" + strings.Join(names, " > ") + "]"
}
