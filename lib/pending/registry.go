// Package pending tracks operations blocked until an entry becomes available
// (e.g. a take waiting for a matching write). When the node is quiesced every
// blocked operation is failed at once instead of waiting for its timeout.
package pending

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var log = logger.GetLogger("pending")

// Waiter is one registered operation. done is closed exactly once.
type Waiter struct {
	id   uint64
	key  string
	reg  *Registry
	done chan struct{}
	once sync.Once
	err  error
}

func (w *Waiter) finish(err error) {
	w.once.Do(func() {
		w.err = err
		close(w.done)
	})
}

// Wait blocks until the waiter is notified (nil), cancelled by the registry
// (the cancellation failure) or ctx ends (ctx.Err()). A waiter that was
// cancelled before Wait returns at once.
func (w *Waiter) Wait(ctx context.Context) error {
	defer w.reg.waiters.Delete(w.id)

	select {
	case <-w.done:
	case <-ctx.Done():
		w.finish(ctx.Err())
		<-w.done
	}
	return w.err
}

// Cancel removes a waiter that will not call Wait.
func (w *Waiter) Cancel(err error) {
	w.reg.waiters.Delete(w.id)
	w.finish(err)
}

// Registry holds the blocked operations of a node. It implements
// admission.PendingOperationCanceller.
type Registry struct {
	seq     atomic.Uint64
	waiters *xsync.MapOf[uint64, *Waiter]
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{waiters: xsync.NewMapOf[uint64, *Waiter]()}
}

// Register adds a waiter for key. From this call on the waiter is reached by
// Notify and CancelAllPendingWithFailure, even before Wait is called.
func (r *Registry) Register(key string) *Waiter {
	w := &Waiter{
		id:   r.seq.Add(1),
		key:  key,
		reg:  r,
		done: make(chan struct{}),
	}
	r.waiters.Store(w.id, w)
	return w
}

// Await registers a waiter for key and waits for it.
func (r *Registry) Await(ctx context.Context, key string) error {
	return r.Register(key).Wait(ctx)
}

// Notify releases every operation waiting for key and returns their number.
func (r *Registry) Notify(key string) int {
	n := 0
	r.waiters.Range(func(id uint64, w *Waiter) bool {
		if w.key == key {
			r.waiters.Delete(id)
			w.finish(nil)
			n++
		}
		return true
	})
	return n
}

// CancelAllPendingWithFailure fails every waiting operation with failure.
func (r *Registry) CancelAllPendingWithFailure(failure error) {
	n := 0
	r.waiters.Range(func(id uint64, w *Waiter) bool {
		r.waiters.Delete(id)
		w.finish(failure)
		n++
		return true
	})
	if n > 0 {
		log.Infof("cancelled %d pending operations: %v", n, failure)
	}
}

// Pending returns the number of blocked operations.
func (r *Registry) Pending() int {
	return r.waiters.Size()
}
