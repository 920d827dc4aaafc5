package replication

import (
	"sync"

	"github.com/cockroachdb/errors"
)

// ErrInvalidRedoLogConfig is returned for redo log sizes that cannot work.
var ErrInvalidRedoLogConfig = errors.New("invalid redo log configuration")

// RedoLogStorage is the secondary storage packets are swapped to once the in
// memory window is full.
type RedoLogStorage[T any] interface {
	AppendBatch(packets []T) error
	// RemoveFirst removes and returns up to n of the oldest stored packets.
	RemoveFirst(n int) ([]T, error)
	Size() int64
}

// --------------------------------------------------------------------------
// Bounded Redo Log Config
// --------------------------------------------------------------------------

// BoundedRedoLogConfig sizes a redo log that keeps at most inMemoryCapacity
// packets in memory and swaps overflowBatchSize packets at a time.
type BoundedRedoLogConfig[T any] struct {
	inMemoryCapacity  int
	overflowBatchSize int
	storage           RedoLogStorage[T]
}

// NewBoundedRedoLogConfig validates and creates a config. The batch size must
// not exceed the in memory capacity.
func NewBoundedRedoLogConfig[T any](inMemoryCapacity, overflowBatchSize int, storage RedoLogStorage[T]) (*BoundedRedoLogConfig[T], error) {
	switch {
	case inMemoryCapacity <= 0 || overflowBatchSize <= 0:
		return nil, errors.Wrapf(ErrInvalidRedoLogConfig, "capacity (%d) and batch size (%d) must be positive", inMemoryCapacity, overflowBatchSize)
	case overflowBatchSize > inMemoryCapacity:
		return nil, errors.Wrapf(ErrInvalidRedoLogConfig, "batch size (%d) can not be greater than memory capacity (%d)", overflowBatchSize, inMemoryCapacity)
	case storage == nil:
		return nil, errors.Wrap(ErrInvalidRedoLogConfig, "secondary storage is required")
	}
	return &BoundedRedoLogConfig[T]{
		inMemoryCapacity:  inMemoryCapacity,
		overflowBatchSize: overflowBatchSize,
		storage:           storage,
	}, nil
}

func (c *BoundedRedoLogConfig[T]) InMemoryCapacity() int {
	return c.inMemoryCapacity
}

func (c *BoundedRedoLogConfig[T]) OverflowBatchSize() int {
	return c.overflowBatchSize
}

func (c *BoundedRedoLogConfig[T]) Storage() RedoLogStorage[T] {
	return c.storage
}

// --------------------------------------------------------------------------
// Swap Redo Log
// --------------------------------------------------------------------------

// SwapRedoLog is a FIFO of packets. Packets are kept in memory until the
// window exceeds its capacity, then the oldest batch is moved to storage.
// Stored packets are always older than the packets in memory.
type SwapRedoLog[T any] struct {
	cfg *BoundedRedoLogConfig[T]

	mu     sync.Mutex
	memory []T
	active bool
}

// NewSwapRedoLog creates an empty, active redo log.
func NewSwapRedoLog[T any](cfg *BoundedRedoLogConfig[T]) *SwapRedoLog[T] {
	return &SwapRedoLog[T]{cfg: cfg, active: true}
}

// Add appends a packet.
func (l *SwapRedoLog[T]) Add(packet T) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.memory = append(l.memory, packet)
	if len(l.memory) <= l.cfg.inMemoryCapacity {
		return nil
	}

	// the head of the window is older than anything in memory and newer
	// than anything already stored
	batch := l.memory[:l.cfg.overflowBatchSize]
	if err := l.cfg.storage.AppendBatch(batch); err != nil {
		l.memory = l.memory[:len(l.memory)-1]
		return errors.Wrap(err, "failed to swap redo log batch")
	}
	l.memory = append([]T(nil), l.memory[l.cfg.overflowBatchSize:]...)
	return nil
}

// Take removes and returns up to n of the oldest packets.
func (l *SwapRedoLog[T]) Take(n int) ([]T, error) {
	if n <= 0 {
		return nil, nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []T
	if l.cfg.storage.Size() > 0 {
		stored, err := l.cfg.storage.RemoveFirst(n)
		if err != nil {
			return nil, errors.Wrap(err, "failed to read swapped redo log packets")
		}
		out = append(out, stored...)
	}

	if rest := n - len(out); rest > 0 && len(l.memory) > 0 {
		if rest > len(l.memory) {
			rest = len(l.memory)
		}
		out = append(out, l.memory[:rest]...)
		l.memory = append([]T(nil), l.memory[rest:]...)
	}
	return out, nil
}

// Size counts packets in memory and in storage.
func (l *SwapRedoLog[T]) Size() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return int64(len(l.memory)) + l.cfg.storage.Size()
}

// MemorySize counts packets in memory only.
func (l *SwapRedoLog[T]) MemorySize() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.memory)
}

// SetActive marks the replication channel as connected or not.
func (l *SwapRedoLog[T]) SetActive(active bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.active = active
}

func (l *SwapRedoLog[T]) CurrentBacklogSize() int64 {
	return l.Size()
}

func (l *SwapRedoLog[T]) ChannelActive() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.active
}

// --------------------------------------------------------------------------
// In Memory Storage
// --------------------------------------------------------------------------

// SliceStorage is a RedoLogStorage kept in a slice, for tests and nodes
// without a swap directory.
type SliceStorage[T any] struct {
	mu      sync.Mutex
	packets []T
}

func (s *SliceStorage[T]) AppendBatch(packets []T) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.packets = append(s.packets, packets...)
	return nil
}

func (s *SliceStorage[T]) RemoveFirst(n int) ([]T, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n = max(0, min(n, len(s.packets)))
	out := append([]T(nil), s.packets[:n]...)
	s.packets = s.packets[n:]
	return out, nil
}

func (s *SliceStorage[T]) Size() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.packets))
}
