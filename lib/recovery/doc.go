/*
Package recovery decides whether a grid node may take the primary role of its
partition after a restart or failover, and remembers which node was the last
legitimate primary.

# Last primary record

Every time a node becomes PRIMARY it writes a record into an
attrstore.AttributeStore:

	key:   <spaceName>.<partitionId>.primary
	value: <fullSpaceName>                     (per instance persistency)
	value: <fullSpaceName>#_#<instance id>     (otherwise)

The record is never deleted; the last writer wins.

# Election check

Before a node with per instance persistent storage takes part in a primary
election, Coordinator.BeforePrimaryElection evaluates:

 1. the storage consistency reported by the ConsistencyChecker
 2. the last primary record
 3. whether this node wrote that record

A node that was the last primary (or finds no record) and has consistent
storage may be elected. A node that was the last primary but reports
inconsistent storage must not start (ErrUnsafePromotion). Every other node
waits for another node to become primary, at most Config.WaitForPrimary
(default 5 minutes), and then continues as backup. When no primary shows up in
time ErrWaitForPrimaryTimeout is returned.

# Mode changes

The Coordinator is a lifecycle.Listener. A node that switched to BACKUP with
per instance persistency is marked as pending backup recovery and cannot be
promoted until CompleteBackupRecovery (SetPendingBackupRecovery(false)) is
called. Becoming PRIMARY always rewrites the last primary record.

# Errors

All failures are *Error values. Attribute store I/O problems use
RetCAttributeStore so operators can tell infrastructure problems from policy
decisions:

	if errors.Is(err, recovery.ErrAttributeStore) { ... }
*/
package recovery
