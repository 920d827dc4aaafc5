package recovery

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

// --------------------------------------------------------------------------
// Custom Error Type
// --------------------------------------------------------------------------

// Error is returned by the Coordinator. The optional cause is the underlying
// attribute store or locator failure.
type Error struct {
	Code  RetCode // The return code
	Msg   string  // The error message.
	cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.cause != nil {
		return e.Msg + ": " + e.cause.Error()
	}
	return e.Msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.cause
}

// Is matches errors with the same return code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// NewError creates a new recovery error with the given code and message.
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
	RetCUnsafePromotion       RetCode = iota + 1 // 1: last primary restarted with inconsistent storage.
	RetCBackupNotFinished                        // 2: backup tried to promote before finishing recovery.
	RetCWaitForPrimaryTimeout                    // 3: no other primary appeared in time.
	RetCAttributeStore                           // 4: attribute store I/O failure.
)

func (c RetCode) String() string {
	switch c {
	case RetCUnsafePromotion:
		return "UnsafePromotion"
	case RetCBackupNotFinished:
		return "BackupNotFinished"
	case RetCWaitForPrimaryTimeout:
		return "WaitForPrimaryTimeout"
	case RetCAttributeStore:
		return "AttributeStore"
	default:
		return "Unknown"
	}
}

var (
	ErrUnsafePromotion       = NewError(RetCUnsafePromotion, "inconsistent storage state but space was primary")
	ErrBackupNotFinished     = NewError(RetCBackupNotFinished, "backup did not finish recovery")
	ErrWaitForPrimaryTimeout = NewError(RetCWaitForPrimaryTimeout, "no other space became primary")
	ErrAttributeStore        = NewError(RetCAttributeStore, "attribute store failure")
)

func unsafePromotion(fullSpaceName string) error {
	return errors.WithStack(&Error{
		Code: RetCUnsafePromotion,
		Msg:  fmt.Sprintf("failed to start [%s] inconsistent storage state but space was primary", fullSpaceName),
	})
}

func backupNotFinished(fullSpaceName string) error {
	return errors.WithStack(&Error{
		Code: RetCBackupNotFinished,
		Msg:  fmt.Sprintf("space [%s] cannot become primary, backup recovery is not finished", fullSpaceName),
	})
}

func waitTimeout(fullSpaceName string, cause error) error {
	return errors.WithStack(&Error{
		Code:  RetCWaitForPrimaryTimeout,
		Msg:   fmt.Sprintf("space [%s] timed out waiting for another space to become primary", fullSpaceName),
		cause: cause,
	})
}

func attributeStoreFailure(msg string, cause error) error {
	return errors.WithStack(&Error{
		Code:  RetCAttributeStore,
		Msg:   msg,
		cause: cause,
	})
}
