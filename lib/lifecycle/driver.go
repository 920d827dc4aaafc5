// Package lifecycle drives space mode transitions (PRIMARY / BACKUP) of a grid
// node. Components that must take part in a transition subscribe explicitly at
// node startup and are notified synchronously before and after every change.
// A listener vetoes a transition by returning an error from BeforeModeChange.
package lifecycle

import (
	"fmt"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/lni/dragonboat/v4/logger"
)

var log = logger.GetLogger("lifecycle")

// Mode is the replication role of a node for its partition.
type Mode uint8

const (
	ModeNone Mode = iota // not yet elected
	ModeBackup
	ModePrimary
)

func (m Mode) String() string {
	switch m {
	case ModeNone:
		return "NONE"
	case ModeBackup:
		return "BACKUP"
	case ModePrimary:
		return "PRIMARY"
	default:
		return fmt.Sprintf("Unknown(%d)", m)
	}
}

// Listener takes part in mode transitions.
type Listener interface {
	// BeforeModeChange is called before the node switches to newMode. A non
	// nil error aborts the transition.
	BeforeModeChange(newMode Mode) error
	// AfterModeChange is called once the node runs in newMode.
	AfterModeChange(newMode Mode)
}

// VetoError is returned by ChangeMode when a listener refused a transition.
type VetoError struct {
	From, To Mode
	Cause    error
}

func (e *VetoError) Error() string {
	return fmt.Sprintf("transition %s -> %s vetoed: %v", e.From, e.To, e.Cause)
}

func (e *VetoError) Unwrap() error {
	return e.Cause
}

// Driver holds the current mode and the subscribed listeners. Transitions are
// serialized.
type Driver struct {
	mu        sync.Mutex
	mode      Mode
	listeners []Listener
}

// NewDriver creates a driver in ModeNone.
func NewDriver() *Driver {
	return &Driver{}
}

// Subscribe adds a listener. Listeners are notified in subscription order.
func (d *Driver) Subscribe(l Listener) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.listeners = append(d.listeners, l)
}

// Mode returns the current mode.
func (d *Driver) Mode() Mode {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mode
}

// ChangeMode switches to newMode. The first listener vetoing the transition
// aborts it; the mode stays unchanged and a *VetoError wrapping the
// listener's error is returned. AfterModeChange is only called on success.
func (d *Driver) ChangeMode(newMode Mode) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	from := d.mode
	for _, l := range d.listeners {
		if err := l.BeforeModeChange(newMode); err != nil {
			log.Warningf("transition %s -> %s vetoed: %v", from, newMode, err)
			return errors.WithStack(&VetoError{From: from, To: newMode, Cause: err})
		}
	}

	d.mode = newMode
	log.Infof("mode changed %s -> %s", from, newMode)

	for _, l := range d.listeners {
		l.AfterModeChange(newMode)
	}
	return nil
}
