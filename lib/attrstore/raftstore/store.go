// Package raftstore provides an AttributeStore replicated through a Dragonboat
// RAFT shard, for deployments where the last primary record must survive the
// loss of a whole host.
package raftstore

import (
	"context"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dGrid/lib/attrstore"
	"github.com/ValentinKolb/dGrid/lib/attrstore/raftstore/internal"
	"github.com/cockroachdb/errors"
	"github.com/lni/dragonboat/v4"
	"github.com/lni/dragonboat/v4/client"
	"github.com/lni/dragonboat/v4/config"
	"github.com/lni/dragonboat/v4/logger"
)

var (
	retries = 5
	log     = logger.GetLogger("attrstore")
)

// storeImpl encapsulates a Dragonboat NodeHost which is used to communicate
// with the attribute state machine of one shard.
type storeImpl struct {
	nh      *dragonboat.NodeHost
	shardID uint64
	cs      *client.Session
	timeout time.Duration
	closed  atomic.Bool
}

// StartReplica starts the attribute state machine for shardID on nh.
func StartReplica(nh *dragonboat.NodeHost, members map[uint64]string, join bool, cfg config.Config) error {
	return nh.StartConcurrentReplica(members, join, CreateStateMachineFactory(), cfg)
}

// NewRaftStore creates an attribute store on top of a running shard. The node
// host is owned by the caller; Close does not stop it.
func NewRaftStore(nh *dragonboat.NodeHost, shardID uint64, timeout time.Duration) attrstore.AttributeStore {
	return &storeImpl{
		nh:      nh,
		shardID: shardID,
		cs:      nh.GetNoOPSession(shardID),
		timeout: timeout,
	}
}

// --------------------------------------------------------------------------
// Interface Methods (docs see attrstore/interface.go)
// --------------------------------------------------------------------------

func (s *storeImpl) Set(key, value string) (string, bool, error) {
	if s.closed.Load() {
		return "", false, attrstore.ErrClosed
	}
	cmd := internal.Command{Type: internal.CommandTSet, Key: key, Value: value}

	for i := 0; i < retries; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		res, err := s.nh.SyncPropose(ctx, s.cs, cmd.Serialize())
		cancel()

		if errors.Is(err, dragonboat.ErrSystemBusy) {
			log.Infof("SyncPropose: System busy, retrying (%d/%d)...", i+1, retries)
			time.Sleep(s.timeout / 10)
			continue
		}
		if err != nil {
			return "", false, errors.Wrapf(err, "failed to propose %s to shard %d", key, s.shardID)
		}

		switch res.Value {
		case resultSetNew:
			return "", false, nil
		case resultSetReplaced:
			return string(res.Data), true, nil
		default:
			return "", false, errors.Newf("shard %d rejected command: %s", s.shardID, string(res.Data))
		}
	}
	return "", false, errors.Newf("shard %d busy after %d retries", s.shardID, retries)
}

func (s *storeImpl) Get(key string) (string, bool, error) {
	if s.closed.Load() {
		return "", false, attrstore.ErrClosed
	}
	q := internal.Query{Type: internal.QueryTGet, Key: key}

	for i := 0; i < retries; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		res, err := s.nh.SyncRead(ctx, s.shardID, q)
		cancel()

		if errors.Is(err, dragonboat.ErrSystemBusy) {
			log.Infof("SyncRead: System busy, retrying (%d/%d)...", i+1, retries)
			time.Sleep(s.timeout / 10)
			continue
		}
		if err != nil {
			return "", false, errors.Wrapf(err, "failed to read %s from shard %d", key, s.shardID)
		}

		qr, ok := res.(internal.QueryResult)
		if !ok {
			return "", false, errors.Newf("unexpected type: received %T, expected %T", res, qr)
		}
		return qr.Value, qr.Ok, nil
	}
	return "", false, errors.Newf("shard %d busy after %d retries", s.shardID, retries)
}

func (s *storeImpl) Close() error {
	s.closed.Store(true)
	return nil
}

// --------------------------------------------------------------------------
// Leader locator
// --------------------------------------------------------------------------

// LeaderLocator reports the current leader of a shard as the partition
// primary. Replica IDs are translated to node names with the names map.
type LeaderLocator struct {
	nh      *dragonboat.NodeHost
	shardID uint64
	names   map[uint64]string
}

// NewLeaderLocator creates a locator for shardID. names maps replica IDs to
// the full names of the nodes; unknown IDs are reported as decimal strings.
func NewLeaderLocator(nh *dragonboat.NodeHost, shardID uint64, names map[uint64]string) *LeaderLocator {
	return &LeaderLocator{nh: nh, shardID: shardID, names: names}
}

// CurrentPrimary returns the name of the current shard leader, if one is known.
func (l *LeaderLocator) CurrentPrimary(_ context.Context) (string, bool, error) {
	leaderID, _, valid, err := l.nh.GetLeaderID(l.shardID)
	if err != nil {
		return "", false, errors.Wrapf(err, "failed to get leader of shard %d", l.shardID)
	}
	if !valid {
		return "", false, nil
	}
	return l.name(leaderID), true, nil
}

func (l *LeaderLocator) name(replicaID uint64) string {
	if n, ok := l.names[replicaID]; ok {
		return n
	}
	return strconv.FormatUint(replicaID, 10)
}
