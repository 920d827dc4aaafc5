package recovery

import "sync/atomic"

// StorageConsistency is the state of the on disk data at startup.
type StorageConsistency uint8

const (
	Consistent StorageConsistency = iota
	// Inconsistent means the storage may not reflect the last acknowledged
	// writes, e.g. the process died during a flush.
	Inconsistent
)

func (s StorageConsistency) String() string {
	if s == Inconsistent {
		return "Inconsistent"
	}
	return "Consistent"
}

// ConsistencyChecker is implemented by storage engines.
type ConsistencyChecker interface {
	StorageState() StorageConsistency
	SetStorageState(s StorageConsistency)
	// PerInstancePersistency reports whether every instance keeps its own
	// persistent copy of the partition.
	PerInstancePersistency() bool
}

// DefaultConsistency is used by nodes without per instance persistent
// storage. It is always consistent unless told otherwise.
type DefaultConsistency struct {
	state atomic.Uint32
}

func (d *DefaultConsistency) StorageState() StorageConsistency {
	return StorageConsistency(d.state.Load())
}

func (d *DefaultConsistency) SetStorageState(s StorageConsistency) {
	d.state.Store(uint32(s))
}

func (d *DefaultConsistency) PerInstancePersistency() bool {
	return false
}

// PersistentConsistency is the checker of a node whose storage survives
// restarts. The initial state is the result of the storage engine's startup
// check.
type PersistentConsistency struct {
	state atomic.Uint32
}

// NewPersistentConsistency creates a per instance checker in state s.
func NewPersistentConsistency(s StorageConsistency) *PersistentConsistency {
	p := &PersistentConsistency{}
	p.state.Store(uint32(s))
	return p
}

func (p *PersistentConsistency) StorageState() StorageConsistency {
	return StorageConsistency(p.state.Load())
}

func (p *PersistentConsistency) SetStorageState(s StorageConsistency) {
	p.state.Store(uint32(s))
}

func (p *PersistentConsistency) PerInstancePersistency() bool {
	return true
}
