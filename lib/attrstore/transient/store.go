// Package transient provides an in-memory AttributeStore. Values are lost when
// the process exits.
package transient

import (
	"sync/atomic"

	"github.com/ValentinKolb/dGrid/lib/attrstore"
	"github.com/puzpuzpuz/xsync/v3"
)

type storeImpl struct {
	data   *xsync.MapOf[string, string]
	closed atomic.Bool
}

// NewTransientStore creates an empty in-memory attribute store.
func NewTransientStore() attrstore.AttributeStore {
	return &storeImpl{
		data: xsync.NewMapOf[string, string](),
	}
}

// --------------------------------------------------------------------------
// Interface Methods (docs see attrstore/interface.go)
// --------------------------------------------------------------------------

func (s *storeImpl) Get(key string) (string, bool, error) {
	if s.closed.Load() {
		return "", false, attrstore.ErrClosed
	}
	v, ok := s.data.Load(key)
	return v, ok, nil
}

func (s *storeImpl) Set(key, value string) (string, bool, error) {
	if s.closed.Load() {
		return "", false, attrstore.ErrClosed
	}
	prev, loaded := s.data.LoadAndStore(key, value)
	return prev, loaded, nil
}

func (s *storeImpl) Close() error {
	s.closed.Store(true)
	return nil
}
