package admission

import "fmt"

// --------------------------------------------------------------------------
// Status
// --------------------------------------------------------------------------

// Status is the reason a guard blocks operations. Lower values take
// precedence: a guard with a lower status is always the outer one.
type Status uint8

const (
	StatusSuspended      Status = iota // temporarily blocked, waits for release
	StatusQuiescedDemote                // primary is being demoted
	StatusQuiesced                      // administratively quiesced

	statusCount = 3
)

func (s Status) String() string {
	switch s {
	case StatusSuspended:
		return "SUSPENDED"
	case StatusQuiescedDemote:
		return "QUIESCED_DEMOTE"
	case StatusQuiesced:
		return "QUIESCED"
	default:
		return fmt.Sprintf("Unknown(%d)", s)
	}
}

// reason is the word used in error messages ("node [x] is <reason>").
func (s Status) reason() string {
	switch s {
	case StatusSuspended:
		return "suspended"
	case StatusQuiescedDemote:
		return "demoting"
	case StatusQuiesced:
		return "quiesced"
	default:
		return ""
	}
}

func (s Status) valid() bool {
	return s < statusCount
}

// supersedes reports whether s must be placed outside of other.
func (s Status) supersedes(other Status) bool {
	return s < other
}

// --------------------------------------------------------------------------
// Token
// --------------------------------------------------------------------------

// TokenKind distinguishes the closed set of token variants.
type TokenKind uint8

const (
	TokenNone         TokenKind = iota // never matches anything
	TokenNodeIdentity                  // issued by the node itself (suspend)
	TokenExternal                      // supplied by an administrator (quiesce)
)

// Token is presented by an operation to bypass a guard. An operation passes a
// guard only if its token is equal to the token the guard was installed with.
type Token struct {
	kind  TokenKind
	value string
}

// NoToken returns the empty token. It never equals any token, not even another
// empty token, so guards installed without a token block everybody.
func NoToken() Token {
	return Token{}
}

// NodeIdentityToken returns the token used by node-internal callers.
func NodeIdentityToken(id string) Token {
	return Token{kind: TokenNodeIdentity, value: id}
}

// ExternalToken returns an administrator token from opaque bytes.
func ExternalToken(b []byte) Token {
	return Token{kind: TokenExternal, value: string(b)}
}

// StringToken returns an administrator token from a string.
func StringToken(s string) Token {
	return Token{kind: TokenExternal, value: s}
}

// Kind returns the variant of the token.
func (t Token) Kind() TokenKind {
	return t.kind
}

// IsNone reports whether t is the empty token.
func (t Token) IsNone() bool {
	return t.kind == TokenNone
}

// Equal reports whether both tokens are of the same kind and carry the same
// value. The empty token is not equal to anything.
func (t Token) Equal(other Token) bool {
	if t.kind == TokenNone || other.kind == TokenNone {
		return false
	}
	return t.kind == other.kind && t.value == other.value
}

func (t Token) String() string {
	switch t.kind {
	case TokenNodeIdentity:
		return fmt.Sprintf("node(%s)", t.value)
	case TokenExternal:
		return "external(***)"
	default:
		return "none"
	}
}

// --------------------------------------------------------------------------
// State change events
// --------------------------------------------------------------------------

// QuiesceState is the administrative target state of a StateChange.
type QuiesceState uint8

const (
	StateUnquiesced QuiesceState = iota
	StateQuiesced
)

func (q QuiesceState) String() string {
	if q == StateQuiesced {
		return "QUIESCED"
	}
	return "UNQUIESCED"
}

// StateChange is an administrative request to quiesce or unquiesce a node,
// typically distributed to all nodes of a processing unit at once.
type StateChange struct {
	State       QuiesceState
	Description string
	Token       Token
}
