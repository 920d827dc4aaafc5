package node

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ValentinKolb/dGrid/lib/admission"
	"github.com/ValentinKolb/dGrid/lib/attrstore"
	"github.com/ValentinKolb/dGrid/lib/attrstore/transient"
	"github.com/ValentinKolb/dGrid/lib/common"
	"github.com/ValentinKolb/dGrid/lib/lifecycle"
	"github.com/ValentinKolb/dGrid/lib/recovery"
)

type staticLocator string

func (s staticLocator) CurrentPrimary(context.Context) (string, bool, error) {
	return string(s), s != "", nil
}

func testConfig() common.NodeConfig {
	cfg := common.DefaultNodeConfig()
	cfg.WaitForPrimary = 200 * time.Millisecond
	cfg.PollInterval = 5 * time.Millisecond
	cfg.SuspendJitter = -1
	cfg.ThrottleThreshold = 3
	cfg.ThrottleDelay = time.Millisecond
	cfg.RedoLogCapacity = 4
	cfg.RedoLogBatchSize = 2
	return cfg
}

func newTestNode(t *testing.T, cfg common.NodeConfig, opts Options) *Node {
	t.Helper()
	n, err := New(cfg, opts)
	if err != nil {
		t.Fatalf("New() = %v", err)
	}
	t.Cleanup(func() { n.Close() })
	return n
}

func won(context.Context) (bool, error)  { return true, nil }
func lost(context.Context) (bool, error) { return false, nil }

func TestNewInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.RedoLogBatchSize = cfg.RedoLogCapacity + 1
	if _, err := New(cfg, Options{}); err == nil {
		t.Error("New() accepted batch size > capacity")
	}

	cfg = testConfig()
	cfg.AttributeStore = attrstore.TypeFile
	if _, err := New(cfg, Options{}); err == nil {
		t.Error("New() accepted file store without path")
	}
}

func TestStartAsPrimary(t *testing.T) {
	store := transient.NewTransientStore()
	n := newTestNode(t, testConfig(), Options{Store: store})

	if err := n.Start(context.Background(), won); err != nil {
		t.Fatalf("Start() = %v", err)
	}
	if n.Mode() != lifecycle.ModePrimary {
		t.Errorf("Mode() = %s, want PRIMARY", n.Mode())
	}

	v, ok, _ := store.Get("grid.1.primary")
	if !ok || !strings.HasPrefix(v, "grid_container1:grid#_#") {
		t.Errorf("record = %q, %v", v, ok)
	}
}

func TestStartElectionLost(t *testing.T) {
	n := newTestNode(t, testConfig(), Options{})
	if err := n.Start(context.Background(), lost); err != nil {
		t.Fatalf("Start() = %v", err)
	}
	if n.Mode() != lifecycle.ModeBackup {
		t.Errorf("Mode() = %s, want BACKUP", n.Mode())
	}
}

func TestStartWaitsForOtherPrimary(t *testing.T) {
	store := transient.NewTransientStore()
	store.Set("grid.1.primary", "grid_container2:grid")

	n := newTestNode(t, testConfig(), Options{
		Store:   store,
		Checker: recovery.NewPersistentConsistency(recovery.Consistent),
		Locator: staticLocator("grid_container2:grid"),
	})

	elected := func(context.Context) (bool, error) {
		t.Error("node that waited for another primary took part in the election")
		return true, nil
	}
	if err := n.Start(context.Background(), elected); err != nil {
		t.Fatalf("Start() = %v", err)
	}
	if n.Mode() != lifecycle.ModeBackup {
		t.Errorf("Mode() = %s, want BACKUP", n.Mode())
	}
	if !n.Recovery().PendingBackupRecovery() {
		t.Error("backup recovery should be pending")
	}
}

func TestStartUnsafePromotion(t *testing.T) {
	store := transient.NewTransientStore()
	store.Set("grid.1.primary", "grid_container1:grid")

	n := newTestNode(t, testConfig(), Options{
		Store:   store,
		Checker: recovery.NewPersistentConsistency(recovery.Inconsistent),
	})
	if err := n.Start(context.Background(), won); !errors.Is(err, recovery.ErrUnsafePromotion) {
		t.Fatalf("Start() = %v, want ErrUnsafePromotion", err)
	}
	if n.Mode() != lifecycle.ModeNone {
		t.Errorf("Mode() = %s after failed start", n.Mode())
	}
}

func TestDemoteAndPromote(t *testing.T) {
	n := newTestNode(t, testConfig(), Options{
		Checker: recovery.NewPersistentConsistency(recovery.Consistent),
	})
	if err := n.Start(context.Background(), won); err != nil {
		t.Fatal(err)
	}

	if err := n.Demote("rebalancing"); err != nil {
		t.Fatalf("Demote() = %v", err)
	}
	if n.Mode() != lifecycle.ModeBackup {
		t.Errorf("Mode() = %s, want BACKUP", n.Mode())
	}
	if n.Admission().IsOn() {
		t.Errorf("admission = %s after demotion", n.Admission().State())
	}

	if err := n.Promote(); !errors.Is(err, recovery.ErrBackupNotFinished) {
		t.Fatalf("Promote() = %v, want ErrBackupNotFinished", err)
	}
	n.CompleteBackupRecovery()
	if err := n.Promote(); err != nil {
		t.Fatalf("Promote() = %v", err)
	}
}

func TestDemoteKeepsOperatorGuard(t *testing.T) {
	n := newTestNode(t, testConfig(), Options{})
	if err := n.Start(context.Background(), won); err != nil {
		t.Fatal(err)
	}

	if !n.Admission().QuiesceDemote("operator") {
		t.Fatal("QuiesceDemote() = false on a fresh node")
	}
	if err := n.Demote("rebalancing"); err != nil {
		t.Fatalf("Demote() = %v", err)
	}
	if !n.Admission().IsDemoting() {
		t.Error("Demote() removed a demotion guard it did not install")
	}
	if !n.Admission().UnquiesceDemote() {
		t.Error("UnquiesceDemote() = false, operator guard was gone")
	}
}

func TestRecoverFailed(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRecoverRetries = 2
	n := newTestNode(t, cfg, Options{Checker: recovery.NewPersistentConsistency(recovery.Consistent)})
	if err := n.Start(context.Background(), lost); err != nil {
		t.Fatal(err)
	}
	if err := n.RecoverFailed(1); err != nil {
		t.Errorf("RecoverFailed(1) = %v", err)
	}
	if err := n.RecoverFailed(2); !errors.Is(err, recovery.ErrBackupNotFinished) {
		t.Errorf("RecoverFailed(2) = %v, want ErrBackupNotFinished", err)
	}
}

func TestExecute(t *testing.T) {
	n := newTestNode(t, testConfig(), Options{})
	ctx := context.Background()
	issuer := admission.StringToken("maintenance")

	ran := 0
	op := func(context.Context) error { ran++; return nil }

	if err := n.Execute(ctx, admission.NoToken(), op); err != nil {
		t.Fatalf("Execute() = %v", err)
	}

	n.Admission().Quiesce("maintenance", issuer)
	if err := n.Execute(ctx, admission.NoToken(), op); !errors.Is(err, admission.ErrQuiesced) {
		t.Errorf("Execute() = %v, want ErrQuiesced", err)
	}
	if err := n.Execute(ctx, issuer, op); err != nil {
		t.Errorf("Execute() with issuer token = %v", err)
	}
	if ran != 2 {
		t.Errorf("op ran %d times, want 2", ran)
	}
}

func TestQuiesceCancelsAwait(t *testing.T) {
	n := newTestNode(t, testConfig(), Options{})

	done := make(chan error, 1)
	go func() { done <- n.Await(context.Background(), admission.NoToken(), "order-1") }()

	deadline := time.Now().Add(time.Second)
	for n.pending.Pending() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("operation never blocked")
		}
		time.Sleep(time.Millisecond)
	}

	n.Admission().Quiesce("shutdown", admission.NoToken())
	select {
	case err := <-done:
		if !errors.Is(err, admission.ErrQuiesced) {
			t.Errorf("Await() = %v, want ErrQuiesced", err)
		}
	case <-time.After(time.Second):
		t.Fatal("quiesce did not cancel the pending operation")
	}
}

func TestQuiesceAfterAdmissionCancelsAwait(t *testing.T) {
	n := newTestNode(t, testConfig(), Options{})
	n.admitted = func() { n.Admission().Quiesce("shutdown", admission.NoToken()) }

	done := make(chan error, 1)
	go func() { done <- n.Await(context.Background(), admission.NoToken(), "order-1") }()

	select {
	case err := <-done:
		if !errors.Is(err, admission.ErrQuiesced) {
			t.Errorf("Await() = %v, want ErrQuiesced", err)
		}
	case <-time.After(time.Second):
		t.Fatal("operation admitted just before the quiesce blocked forever")
	}
	if n.pending.Pending() != 0 {
		t.Errorf("Pending() = %d after quiesce", n.pending.Pending())
	}
}

func TestAwaitRejectedLeavesNoWaiter(t *testing.T) {
	n := newTestNode(t, testConfig(), Options{})
	n.Admission().Quiesce("maintenance", admission.StringToken("maintenance"))

	if err := n.Await(context.Background(), admission.NoToken(), "order-1"); !errors.Is(err, admission.ErrQuiesced) {
		t.Errorf("Await() = %v, want ErrQuiesced", err)
	}
	if n.pending.Pending() != 0 {
		t.Errorf("Pending() = %d after rejected operation", n.pending.Pending())
	}
}

func TestReplicate(t *testing.T) {
	n := newTestNode(t, testConfig(), Options{})
	ctx := context.Background()

	var throttled []bool
	for i := 0; i < 5; i++ {
		th, err := n.Replicate(ctx, "grid_container2:grid", []byte{byte(i)})
		if err != nil {
			t.Fatal(err)
		}
		throttled = append(throttled, th)
	}
	// threshold 3: the third packet and later are throttled
	if throttled[1] || !throttled[2] || !throttled[4] {
		t.Errorf("throttled = %v", throttled)
	}

	acked, err := n.Acknowledge(5)
	if err != nil || len(acked) != 5 || acked[0][0] != 0 || acked[4][0] != 4 {
		t.Errorf("Acknowledge() = %v, %v", acked, err)
	}
}

func TestAcknowledgeNothingAfterSwap(t *testing.T) {
	n := newTestNode(t, testConfig(), Options{})
	ctx := context.Background()

	// capacity 4, batch 2: six packets move the oldest ones to storage
	for i := 0; i < 6; i++ {
		if _, err := n.Replicate(ctx, "grid_container2:grid", []byte{byte(i)}); err != nil {
			t.Fatal(err)
		}
	}
	for _, count := range []int{0, -1} {
		acked, err := n.Acknowledge(count)
		if err != nil || len(acked) != 0 {
			t.Errorf("Acknowledge(%d) = %v, %v", count, acked, err)
		}
	}
	if n.backlog.Size() != 6 {
		t.Errorf("backlog = %d, want 6", n.backlog.Size())
	}
}

func TestFileStorePersistsLastPrimary(t *testing.T) {
	cfg := testConfig()
	cfg.AttributeStore = attrstore.TypeFile
	cfg.AttributeStorePath = filepath.Join(t.TempDir(), "last-primary.env")
	cfg.PerInstancePersistency = true

	first, err := New(cfg, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if err := first.Start(context.Background(), won); err != nil {
		t.Fatal(err)
	}
	first.Close()

	// restart: the node finds its own record and may be elected again
	second := newTestNode(t, cfg, Options{})
	mine, err := second.Recovery().IsMeLastPrimary()
	if err != nil || !mine {
		t.Errorf("IsMeLastPrimary() = %v, %v", mine, err)
	}
	if err := second.Start(context.Background(), won); err != nil {
		t.Errorf("Start() after restart = %v", err)
	}
}

func TestStatus(t *testing.T) {
	n := newTestNode(t, testConfig(), Options{})
	if err := n.Start(context.Background(), won); err != nil {
		t.Fatal(err)
	}
	n.Replicate(context.Background(), "b", []byte("x"))

	s, err := n.Status()
	if err != nil {
		t.Fatal(err)
	}
	if s.Mode != "PRIMARY" || !s.IsMeLastPrimary || s.Backlog != 1 || s.ThrottledChannels != 1 {
		t.Errorf("Status() = %+v", s)
	}
	if !strings.Contains(s.String(), "NODE STATUS") {
		t.Errorf("String() = %q", s.String())
	}
}
