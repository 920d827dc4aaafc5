package attrstore

import (
	"github.com/cockroachdb/errors"
)

// --------------------------------------------------------------------------
// Interface Definition
// --------------------------------------------------------------------------

// AttributeStore is a persisted key to string mapping used to remember facts
// across restarts (e.g. which node was the last primary of a partition).
// Implementations must be safe for concurrent use. Every call is atomic on its
// own; there are no cross key transactions.
type AttributeStore interface {
	// Get returns the value for key. The boolean reports whether a value exists.
	Get(key string) (value string, ok bool, err error)
	// Set stores value under key and returns the value it replaced, if any.
	Set(key, value string) (previous string, hadPrevious bool, err error)
	// Close releases resources held by the store.
	Close() error
}

// Type names an AttributeStore implementation in configuration.
type Type string

const (
	TypeTransient Type = "transient" // in memory, lost on restart
	TypeFile      Type = "file"      // local key=value file
	TypeRaft      Type = "raft"      // replicated through a dragonboat shard
)

// ParseType converts a configuration string to a Type.
func ParseType(s string) (Type, error) {
	switch t := Type(s); t {
	case TypeTransient, TypeFile, TypeRaft:
		return t, nil
	default:
		return "", errors.Newf("invalid attribute store type %q (expected one of: transient, file, raft)", s)
	}
}

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("attribute store is closed")
