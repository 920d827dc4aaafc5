package recovery

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dGrid/lib/attrstore"
	"github.com/ValentinKolb/dGrid/lib/lifecycle"
	"github.com/VictoriaMetrics/metrics"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/lni/dragonboat/v4/logger"
)

var log = logger.GetLogger("recovery")

const (
	// DefaultWaitForPrimary bounds the wait for another node to become primary.
	DefaultWaitForPrimary = 5 * time.Minute
	// DefaultPollInterval is the interval in which the primary is looked up
	// while waiting.
	DefaultPollInterval = time.Second
	// DefaultMaxRecoverRetries is the number of failed recoveries after which
	// a pending backup gives up.
	DefaultMaxRecoverRetries = 10

	instanceSeparator = "#_#"
)

// PrimaryLocator reports which node currently is the primary of the
// partition.
type PrimaryLocator interface {
	CurrentPrimary(ctx context.Context) (name string, ok bool, err error)
}

// Config configures a Coordinator.
type Config struct {
	SpaceName     string // name of the space, first part of the record key
	FullSpaceName string // unique name of this node within the cluster
	PartitionID   int    // one based partition id
	// InstanceID is appended to the record value of nodes without per instance
	// persistency. A random UUID is used when empty.
	InstanceID        string
	MaxRecoverRetries int
	WaitForPrimary    time.Duration
	PollInterval      time.Duration
}

// Outcome is the result of the election check.
type Outcome uint8

const (
	// OutcomeElect means the node may take part in the primary election.
	OutcomeElect Outcome = iota
	// OutcomeBackup means another node became primary while waiting.
	OutcomeBackup
)

func (o Outcome) String() string {
	if o == OutcomeBackup {
		return "backup"
	}
	return "elect"
}

// Coordinator guards primary promotion of one partition replica.
type Coordinator struct {
	cfg     Config
	store   attrstore.AttributeStore
	checker ConsistencyChecker
	locator PrimaryLocator

	key   string
	value string

	// perInstance is fixed at construction, like the record format.
	perInstance bool
	pending     atomic.Bool
}

var _ lifecycle.Listener = (*Coordinator)(nil)

// NewCoordinator creates a coordinator. The locator may be nil, in which case
// the attribute store record is used to detect a new primary.
func NewCoordinator(cfg Config, store attrstore.AttributeStore, checker ConsistencyChecker, locator PrimaryLocator) (*Coordinator, error) {
	if store == nil {
		return nil, errors.New("attribute store is required")
	}
	if cfg.SpaceName == "" || cfg.FullSpaceName == "" {
		return nil, errors.New("space name and full space name are required")
	}
	if cfg.PartitionID <= 0 {
		return nil, errors.Newf("partition id must be one based, got %d", cfg.PartitionID)
	}
	if checker == nil {
		checker = &DefaultConsistency{}
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}
	if cfg.MaxRecoverRetries <= 0 {
		cfg.MaxRecoverRetries = DefaultMaxRecoverRetries
	}
	if cfg.WaitForPrimary <= 0 {
		cfg.WaitForPrimary = DefaultWaitForPrimary
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}

	c := &Coordinator{
		cfg:         cfg,
		store:       store,
		checker:     checker,
		locator:     locator,
		key:         fmt.Sprintf("%s.%d.primary", cfg.SpaceName, cfg.PartitionID),
		value:       cfg.FullSpaceName,
		perInstance: checker.PerInstancePersistency(),
	}
	if !c.perInstance {
		c.value += instanceSeparator + cfg.InstanceID
	}
	return c, nil
}

// --------------------------------------------------------------------------
// Election check
// --------------------------------------------------------------------------

// BeforePrimaryElection decides whether this node may take part in the
// primary election. Nodes without per instance persistency always may.
func (c *Coordinator) BeforePrimaryElection(ctx context.Context) (Outcome, error) {
	if !c.checker.PerInstancePersistency() {
		return OutcomeElect, nil
	}

	state := c.checker.StorageState()
	validStorageState := state != Inconsistent
	log.Infof("space %s tested for storage consistency - result=%s", c.cfg.FullSpaceName, state)

	lastPrimary, ok, err := c.LastPrimary()
	if err != nil {
		return OutcomeElect, err
	}
	log.Infof("space %s tested for latest primary - result=%s", c.cfg.FullSpaceName, describeRecord(lastPrimary, ok))

	iWasPrimary := ok && lastPrimary == c.cfg.FullSpaceName
	if (iWasPrimary || !ok) && validStorageState {
		decisions(c.cfg.SpaceName, "elect").Inc()
		return OutcomeElect, nil
	}

	if !validStorageState && iWasPrimary {
		log.Errorf("space %s has inconsistent storage state but was primary", c.cfg.FullSpaceName)
		decisions(c.cfg.SpaceName, "unsafe").Inc()
		return OutcomeElect, unsafePromotion(c.cfg.FullSpaceName)
	}

	log.Infof("space %s waiting for any other space to become primary", c.cfg.FullSpaceName)
	if err := c.waitForAnotherPrimary(ctx); err != nil {
		decisions(c.cfg.SpaceName, "timeout").Inc()
		return OutcomeBackup, err
	}
	decisions(c.cfg.SpaceName, "backup").Inc()
	return OutcomeBackup, nil
}

// waitForAnotherPrimary polls until a node other than this one is primary.
// A cancelled context counts as a timeout.
func (c *Coordinator) waitForAnotherPrimary(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.WaitForPrimary)
	defer cancel()

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		found, err := c.otherPrimary(ctx)
		if err != nil {
			return err
		}
		if found {
			return nil
		}

		select {
		case <-ctx.Done():
			return waitTimeout(c.cfg.FullSpaceName, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (c *Coordinator) otherPrimary(ctx context.Context) (bool, error) {
	if c.locator != nil {
		name, ok, err := c.locator.CurrentPrimary(ctx)
		if err != nil {
			log.Warningf("failed to locate primary of %s: %v", c.key, err)
			return false, nil
		}
		return ok && name != c.cfg.FullSpaceName, nil
	}

	v, ok, err := c.LastPrimary()
	if err != nil {
		return false, err
	}
	return ok && v != c.cfg.FullSpaceName && v != c.value, nil
}

// --------------------------------------------------------------------------
// Mode changes (lifecycle.Listener)
// --------------------------------------------------------------------------

// BeforeModeChange vetoes the promotion of a backup that did not finish its
// recovery and records this node as last primary on promotion.
func (c *Coordinator) BeforeModeChange(newMode lifecycle.Mode) error {
	if c.perInstance && newMode == lifecycle.ModePrimary && c.PendingBackupRecovery() {
		return backupNotFinished(c.cfg.FullSpaceName)
	} else if c.perInstance && newMode == lifecycle.ModeBackup {
		c.SetPendingBackupRecovery(true)
	}

	if newMode == lifecycle.ModePrimary {
		return c.setMeAsLastPrimary()
	}
	return nil
}

// AfterModeChange implements lifecycle.Listener.
func (c *Coordinator) AfterModeChange(newMode lifecycle.Mode) {
	log.Debugf("space %s is now %s", c.cfg.FullSpaceName, newMode)
}

func (c *Coordinator) setMeAsLastPrimary() error {
	prev, ok, err := c.store.Set(c.key, c.value)
	if err != nil {
		return attributeStoreFailure("failed to set last primary", err)
	}
	log.Infof("set as last primary [%s], previous last primary is [%s]", c.value, describeRecord(prev, ok))
	return nil
}

// HandleRecoverFailure is called after every failed recovery attempt. Once
// retryCount reaches the configured maximum while backup recovery is still
// pending, ErrBackupNotFinished is returned.
func (c *Coordinator) HandleRecoverFailure(retryCount int) error {
	log.Warningf("failed during recover, retrying for the %d time", retryCount)
	if c.PendingBackupRecovery() && retryCount == c.cfg.MaxRecoverRetries {
		return backupNotFinished(c.cfg.FullSpaceName)
	}
	return nil
}

// --------------------------------------------------------------------------
// Queries
// --------------------------------------------------------------------------

func (c *Coordinator) SetPendingBackupRecovery(pending bool) {
	c.pending.Store(pending)
}

func (c *Coordinator) PendingBackupRecovery() bool {
	return c.pending.Load()
}

// IsInconsistentStorage reports the storage state of this node.
func (c *Coordinator) IsInconsistentStorage() bool {
	return c.checker.StorageState() == Inconsistent
}

// StorageState returns the state reported by the consistency checker.
func (c *Coordinator) StorageState() StorageConsistency {
	return c.checker.StorageState()
}

// PerInstancePersistency reports the persistency mode of this node.
func (c *Coordinator) PerInstancePersistency() bool {
	return c.perInstance
}

// LastPrimary reads the last primary record.
func (c *Coordinator) LastPrimary() (string, bool, error) {
	v, ok, err := c.store.Get(c.key)
	if err != nil {
		return "", false, attributeStoreFailure("failed to get last primary", err)
	}
	return v, ok, nil
}

// IsMeLastPrimary compares the record with the value this node writes.
func (c *Coordinator) IsMeLastPrimary() (bool, error) {
	v, ok, err := c.LastPrimary()
	if err != nil {
		return false, err
	}
	return ok && v == c.value, nil
}

func (c *Coordinator) FullSpaceName() string {
	return c.cfg.FullSpaceName
}

// RecordKey is the attribute store key of this partition.
func (c *Coordinator) RecordKey() string {
	return c.key
}

// RecordValue is the value written when this node becomes primary.
func (c *Coordinator) RecordValue() string {
	return c.value
}

func describeRecord(v string, ok bool) string {
	if !ok {
		return "<none>"
	}
	return v
}

func decisions(space, outcome string) *metrics.Counter {
	return metrics.GetOrCreateCounter(fmt.Sprintf(`dgrid_recovery_decisions_total{space=%q,outcome=%q}`, space, outcome))
}
