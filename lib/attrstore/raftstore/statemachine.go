package raftstore

import (
	"encoding/gob"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/ValentinKolb/dGrid/lib/attrstore/raftstore/internal"
	sm "github.com/lni/dragonboat/v4/statemachine"
)

// Result values of a Set entry.
const (
	resultSetNew      uint64 = 0 // key was absent
	resultSetReplaced uint64 = 1 // key had a value, returned in Result.Data
	resultInvalid     uint64 = 2 // entry could not be applied
)

// --------------------------------------------------------------------------
// State Machine Implementation
// --------------------------------------------------------------------------

// AttributeStateMachine is a state machine implementation for Dragonboat RAFT
// holding a plain string map.
type AttributeStateMachine struct {
	replicaID uint64
	shardID   uint64

	mu    sync.RWMutex
	attrs map[string]string
}

// CreateStateMachineFactory returns a function that can be used by dragonboat to
// create the attribute state machine for a node host.
func CreateStateMachineFactory() func(shardID uint64, replicaID uint64) sm.IConcurrentStateMachine {
	return func(shardID uint64, replicaID uint64) sm.IConcurrentStateMachine {
		return &AttributeStateMachine{
			replicaID: replicaID,
			shardID:   shardID,
			attrs:     make(map[string]string),
		}
	}
}

// Lookup handles read-only queries.
func (fsm *AttributeStateMachine) Lookup(itf interface{}) (interface{}, error) {
	q, ok := itf.(internal.Query)
	if !ok {
		return nil, fmt.Errorf("invalid query type: %T", itf)
	}

	switch q.Type {
	case internal.QueryTGet:
		fsm.mu.RLock()
		v, ok := fsm.attrs[q.Key]
		fsm.mu.RUnlock()
		return internal.QueryResult{Ok: ok, Value: v}, nil
	default:
		return nil, fmt.Errorf("unknown query operation: %s", q.Type)
	}
}

// Update applies Set commands. The previous value of a key is returned in the
// entry result so that the proposer learns what it replaced.
func (fsm *AttributeStateMachine) Update(entries []sm.Entry) ([]sm.Entry, error) {
	if len(entries) == 0 {
		return entries, nil
	}

	start := time.Now()

	fsm.mu.Lock()
	defer fsm.mu.Unlock()

	for idx, e := range entries {
		cmd := internal.Command{}
		if err := cmd.Deserialize(e.Cmd); err != nil {
			entries[idx].Result = sm.Result{Value: resultInvalid, Data: []byte(fmt.Sprintf("failed to deserialize command: %v", err))}
			continue
		}

		switch cmd.Type {
		case internal.CommandTSet:
			prev, had := fsm.attrs[cmd.Key]
			fsm.attrs[cmd.Key] = cmd.Value
			if had {
				entries[idx].Result = sm.Result{Value: resultSetReplaced, Data: []byte(prev)}
			} else {
				entries[idx].Result = sm.Result{Value: resultSetNew}
			}
		default:
			entries[idx].Result = sm.Result{
				Value: resultInvalid,
				Data:  []byte(fmt.Sprintf("unknown command operation: %s", cmd.Type)),
			}
		}
	}

	if elapsed := time.Since(start); elapsed > time.Millisecond {
		log.Infof("state machine took long to update. Batch updated %d entries, took %.2fms", len(entries), float64(elapsed)/float64(time.Millisecond))
	}
	return entries, nil
}

// PrepareSnapshot copies the map. Dragonboat guarantees no Update runs
// concurrently with this call.
func (fsm *AttributeStateMachine) PrepareSnapshot() (interface{}, error) {
	fsm.mu.RLock()
	defer fsm.mu.RUnlock()
	snapshot := make(map[string]string, len(fsm.attrs))
	for k, v := range fsm.attrs {
		snapshot[k] = v
	}
	return snapshot, nil
}

// SaveSnapshot writes the copy taken by PrepareSnapshot.
func (fsm *AttributeStateMachine) SaveSnapshot(ctx interface{}, writer io.Writer, _ sm.ISnapshotFileCollection, _ <-chan struct{}) error {
	snapshot, ok := ctx.(map[string]string)
	if !ok {
		return fmt.Errorf("invalid snapshot context: %T", ctx)
	}
	return gob.NewEncoder(writer).Encode(snapshot)
}

// RecoverFromSnapshot replaces the map with the snapshot content.
func (fsm *AttributeStateMachine) RecoverFromSnapshot(r io.Reader, _ []sm.SnapshotFile, _ <-chan struct{}) error {
	attrs := make(map[string]string)
	if err := gob.NewDecoder(r).Decode(&attrs); err != nil {
		return fmt.Errorf("failed to decode snapshot: %w", err)
	}
	fsm.mu.Lock()
	fsm.attrs = attrs
	fsm.mu.Unlock()
	return nil
}

// Close performs any necessary cleanup.
func (fsm *AttributeStateMachine) Close() error {
	return nil
}
