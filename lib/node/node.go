// Package node wires the parts of a grid node together: admission control,
// primary recovery, mode lifecycle, pending operations and replication back
// pressure, on top of the configured attribute store.
package node

import (
	"context"
	"time"

	"github.com/ValentinKolb/dGrid/lib/admission"
	"github.com/ValentinKolb/dGrid/lib/attrstore"
	"github.com/ValentinKolb/dGrid/lib/attrstore/filestore"
	"github.com/ValentinKolb/dGrid/lib/attrstore/raftstore"
	"github.com/ValentinKolb/dGrid/lib/attrstore/transient"
	"github.com/ValentinKolb/dGrid/lib/common"
	"github.com/ValentinKolb/dGrid/lib/lifecycle"
	"github.com/ValentinKolb/dGrid/lib/pending"
	"github.com/ValentinKolb/dGrid/lib/recovery"
	"github.com/ValentinKolb/dGrid/lib/replication"
	"github.com/cockroachdb/errors"
	"github.com/lni/dragonboat/v4"
	"github.com/lni/dragonboat/v4/logger"
)

var log = logger.GetLogger("node")

// Options replace parts a node would otherwise build from its configuration.
type Options struct {
	Store    attrstore.AttributeStore     // used instead of cfg.AttributeStore
	Checker  recovery.ConsistencyChecker  // used instead of the persistency flags
	Locator  recovery.PrimaryLocator      // used instead of the raft leader
	Throttle replication.ThrottleControllerBuilder
}

// Node is one replica of a space partition.
type Node struct {
	cfg common.NodeConfig

	nh      *dragonboat.NodeHost // raft attribute store only
	store   attrstore.AttributeStore
	locator recovery.PrimaryLocator

	stack    *admission.Stack
	coord    *recovery.Coordinator
	driver   *lifecycle.Driver
	pending  *pending.Registry
	throttle *replication.MeteredThrottleBuilder
	backlog  *replication.SwapRedoLog[[]byte]

	// admitted runs between the admission check and the wait in Await.
	admitted func()
}

// New builds a node. Nothing is started until Start is called, except the
// raft shard of a raft attribute store.
func New(cfg common.NodeConfig, opts Options) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid node configuration")
	}

	n := &Node{
		cfg:     cfg,
		store:   opts.Store,
		locator: opts.Locator,
		pending: pending.NewRegistry(),
		driver:  lifecycle.NewDriver(),
	}

	if n.store == nil {
		if err := n.openStore(); err != nil {
			return nil, err
		}
	}

	n.stack = admission.NewStack(admission.Config{
		NodeName:       cfg.FullSpaceName(),
		Disabled:       cfg.QuiesceDisabled,
		LocalCache:     cfg.LocalCache,
		SuspendTimeout: cfg.SuspendTimeout,
		MaxJitter:      cfg.SuspendJitter,
	}, n.pending)

	checker := opts.Checker
	if checker == nil {
		checker = consistencyChecker(cfg)
	}
	coord, err := recovery.NewCoordinator(recovery.Config{
		SpaceName:         cfg.SpaceName,
		FullSpaceName:     cfg.FullSpaceName(),
		PartitionID:       cfg.PartitionID,
		InstanceID:        cfg.InstanceID,
		MaxRecoverRetries: cfg.MaxRecoverRetries,
		WaitForPrimary:    cfg.WaitForPrimary,
		PollInterval:      cfg.PollInterval,
	}, n.store, checker, n.locator)
	if err != nil {
		n.closeStore()
		return nil, err
	}
	n.coord = coord
	n.driver.Subscribe(coord)

	builder := opts.Throttle
	if builder == nil {
		builder = replication.NewConstantThrottleController(cfg.ThrottleThreshold, cfg.ThrottleDelay)
	}
	n.throttle = replication.NewMeteredThrottleBuilder(builder, nil)

	redoCfg, err := replication.NewBoundedRedoLogConfig[[]byte](cfg.RedoLogCapacity, cfg.RedoLogBatchSize, &replication.SliceStorage[[]byte]{})
	if err != nil {
		n.closeStore()
		return nil, err
	}
	n.backlog = replication.NewSwapRedoLog(redoCfg)

	log.Infof("node %s created (attribute store: %s, per instance persistency: %t)",
		cfg.FullSpaceName(), cfg.AttributeStore, checker.PerInstancePersistency())
	return n, nil
}

func consistencyChecker(cfg common.NodeConfig) recovery.ConsistencyChecker {
	state := recovery.Consistent
	if cfg.InconsistentStorage {
		state = recovery.Inconsistent
	}
	if cfg.PerInstancePersistency {
		return recovery.NewPersistentConsistency(state)
	}
	c := &recovery.DefaultConsistency{}
	c.SetStorageState(state)
	return c
}

func (n *Node) openStore() error {
	switch n.cfg.AttributeStore {
	case attrstore.TypeTransient:
		n.store = transient.NewTransientStore()
	case attrstore.TypeFile:
		n.store = filestore.NewFileStore(n.cfg.AttributeStorePath)
	case attrstore.TypeRaft:
		nh, err := dragonboat.NewNodeHost(n.cfg.ToNodeHostConfig())
		if err != nil {
			return errors.Wrap(err, "failed to create node host")
		}
		if err := raftstore.StartReplica(nh, n.cfg.ClusterMembers, false, n.cfg.ToDragonboatConfig()); err != nil {
			nh.Close()
			return errors.Wrapf(err, "failed to start attribute store shard %d", n.cfg.ShardID)
		}
		n.nh = nh
		n.store = raftstore.NewRaftStore(nh, n.cfg.ShardID, n.cfg.Timeout())
		if n.locator == nil {
			n.locator = raftstore.NewLeaderLocator(nh, n.cfg.ShardID, n.memberSpaceNames())
		}
	default:
		return errors.Newf("unknown attribute store type %q", n.cfg.AttributeStore)
	}
	return nil
}

// memberSpaceNames maps every raft member to the full space name it hosts.
// Member names are container names.
func (n *Node) memberSpaceNames() map[uint64]string {
	names := make(map[uint64]string, len(n.cfg.MemberNames))
	for id, container := range n.cfg.MemberNames {
		names[id] = container + ":" + n.cfg.SpaceName
	}
	return names
}

func (n *Node) closeStore() {
	if err := n.store.Close(); err != nil {
		log.Warningf("failed to close attribute store: %v", err)
	}
	if n.nh != nil {
		n.nh.Close()
	}
}

// --------------------------------------------------------------------------
// Lifecycle
// --------------------------------------------------------------------------

// ElectionFunc reports whether this node won the primary election.
type ElectionFunc func(ctx context.Context) (bool, error)

// Start runs the recovery check and then switches to PRIMARY or BACKUP. A
// node that had to wait for another primary never takes part in the
// election.
func (n *Node) Start(ctx context.Context, elected ElectionFunc) error {
	outcome, err := n.coord.BeforePrimaryElection(ctx)
	if err != nil {
		return errors.Wrapf(err, "node %s failed the recovery check", n.cfg.FullSpaceName())
	}

	mode := lifecycle.ModeBackup
	if outcome == recovery.OutcomeElect {
		won, err := elected(ctx)
		if err != nil {
			return errors.Wrap(err, "primary election failed")
		}
		if won {
			mode = lifecycle.ModePrimary
		}
	}
	return n.driver.ChangeMode(mode)
}

// RaftElection is an ElectionFunc for raft attribute stores: the node is
// primary when it leads the attribute store shard. It waits until a leader
// is known.
func (n *Node) RaftElection(ctx context.Context) (bool, error) {
	if n.locator == nil {
		return false, errors.New("no primary locator configured")
	}
	ticker := time.NewTicker(n.cfg.PollInterval)
	defer ticker.Stop()
	for {
		name, ok, err := n.locator.CurrentPrimary(ctx)
		if err != nil {
			return false, err
		}
		if ok {
			return name == n.cfg.FullSpaceName(), nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Promote switches the node to PRIMARY.
func (n *Node) Promote() error {
	return n.driver.ChangeMode(lifecycle.ModePrimary)
}

// Demote switches a primary to BACKUP. Operations are rejected while the
// demotion is in progress.
func (n *Node) Demote(description string) error {
	if n.stack.QuiesceDemote(description) {
		defer n.stack.UnquiesceDemote()
	}
	return n.driver.ChangeMode(lifecycle.ModeBackup)
}

// CompleteBackupRecovery marks the backup as fully recovered, allowing a
// later promotion.
func (n *Node) CompleteBackupRecovery() {
	n.coord.SetPendingBackupRecovery(false)
}

// RecoverFailed reports a failed recovery attempt.
func (n *Node) RecoverFailed(retryCount int) error {
	return n.coord.HandleRecoverFailure(retryCount)
}

// Close releases the attribute store and, for raft stores, the node host.
func (n *Node) Close() error {
	n.pending.CancelAllPendingWithFailure(errors.Newf("node %s is shutting down", n.cfg.FullSpaceName()))
	n.closeStore()
	return nil
}

// --------------------------------------------------------------------------
// Operations
// --------------------------------------------------------------------------

// Execute runs op if the admission stack lets an operation with token pass.
func (n *Node) Execute(ctx context.Context, token admission.Token, op func(ctx context.Context) error) error {
	if err := n.stack.CheckAllowedOp(ctx, token); err != nil {
		return err
	}
	return op(ctx)
}

// Await blocks an admitted operation until Notify is called for key. Waiting
// operations fail as soon as the node is quiesced. The waiter is registered
// before the admission check, so a quiesce either rejects the operation or
// cancels its wait.
func (n *Node) Await(ctx context.Context, token admission.Token, key string) error {
	w := n.pending.Register(key)
	if err := n.stack.CheckAllowedOp(ctx, token); err != nil {
		w.Cancel(err)
		return err
	}
	if n.admitted != nil {
		n.admitted()
	}
	return w.Wait(ctx)
}

// Notify releases the operations waiting for key.
func (n *Node) Notify(key string) int {
	return n.pending.Notify(key)
}

// Replicate appends a packet to the redo log and applies back pressure for
// the channel to target. It reports whether the caller was throttled.
func (n *Node) Replicate(ctx context.Context, target string, packet []byte) (bool, error) {
	if err := n.backlog.Add(packet); err != nil {
		return false, err
	}
	ctrl := n.throttle.CreateController(n.cfg.SpaceName, n.cfg.FullSpaceName(), target)
	return replication.Dispatch(ctx, ctrl, n.backlog, len(packet)), nil
}

// Acknowledge removes up to count replicated packets from the redo log.
func (n *Node) Acknowledge(count int) ([][]byte, error) {
	return n.backlog.Take(count)
}

// Admission gives access to quiesce and suspend.
func (n *Node) Admission() *admission.Stack {
	return n.stack
}

// Recovery gives access to the recovery coordinator.
func (n *Node) Recovery() *recovery.Coordinator {
	return n.coord
}

// Mode returns the current mode.
func (n *Node) Mode() lifecycle.Mode {
	return n.driver.Mode()
}
