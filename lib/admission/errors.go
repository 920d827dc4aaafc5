package admission

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

// --------------------------------------------------------------------------
// Custom Error Type
// --------------------------------------------------------------------------

// Error is returned to operations rejected by a guard. It carries the status
// based return code, the full message and the description the guard was
// installed with.
type Error struct {
	Code        RetCode // The return code
	Msg         string  // The error message.
	Description string  // Description given when the guard was installed.
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Msg
}

// Is matches errors with the same return code, so callers can test against
// the package sentinels with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// NewError creates a new admission error with the given code and message.
func NewError(code RetCode, msg string) *Error {
	return &Error{
		Code: code,
		Msg:  msg,
	}
}

// --------------------------------------------------------------------------
// Return Codes
// --------------------------------------------------------------------------

type RetCode uint64

const (
	RetCQuiesced       RetCode = iota + 1 // 1: node is quiesced.
	RetCQuiescedDemote                    // 2: node is a primary being demoted.
	RetCSuspended                         // 3: suspension was not lifted in time.
)

func (c RetCode) String() string {
	switch c {
	case RetCQuiesced:
		return "Quiesced"
	case RetCQuiescedDemote:
		return "QuiescedDemote"
	case RetCSuspended:
		return "Suspended"
	default:
		return "Unknown"
	}
}

var (
	ErrQuiesced       = NewError(RetCQuiesced, "node is quiesced")
	ErrQuiescedDemote = NewError(RetCQuiescedDemote, "node is demoting")
	ErrSuspended      = NewError(RetCSuspended, "node is suspended")

	// ErrAmbiguousGuard is returned when a new guard cannot be ordered
	// relative to the guards already installed.
	ErrAmbiguousGuard = errors.New("guard could not be added due to ambiguity")
)

func codeFor(s Status) RetCode {
	switch s {
	case StatusQuiescedDemote:
		return RetCQuiescedDemote
	case StatusSuspended:
		return RetCSuspended
	default:
		return RetCQuiesced
	}
}

// guardError builds the error a guard returns to blocked operations.
// Format: operation cannot be executed - node [<name>] is <reason> (<description>)
func guardError(nodeName string, status Status, description string) *Error {
	msg := fmt.Sprintf("operation cannot be executed - node [%s] is %s", nodeName, status.reason())
	if description != "" {
		msg += " (" + description + ")"
	}
	return &Error{
		Code:        codeFor(status),
		Msg:         msg,
		Description: description,
	}
}
