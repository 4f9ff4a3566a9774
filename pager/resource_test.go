package pager

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func mustOpenResource(t *testing.T, cfg ResourceConfig) *ResourceManager {
	t.Helper()
	rm, err := OpenResourceManager(t.TempDir(), cfg)
	if err != nil {
		t.Fatalf("OpenResourceManager: %v", err)
	}
	t.Cleanup(func() { rm.Close() })
	return rm
}

// S1: bootstrap -> read empty.
func TestBootstrap_EmptyResourceHasNoRecords(t *testing.T) {
	rm := mustOpenResource(t, ResourceConfig{})
	rtx, err := rm.BeginRead(-1)
	if err != nil {
		t.Fatalf("BeginRead: %v", err)
	}
	defer rtx.Close()

	if rtx.RevisionNumber() != 0 {
		t.Fatalf("bootstrap revision = %d, want 0", rtx.RevisionNumber())
	}
	_, found, err := rtx.GetRecord(KindRecordPage, 0, 0)
	if err != nil {
		t.Fatalf("GetRecord: %v", err)
	}
	if found {
		t.Fatal("expected no records in a freshly bootstrapped resource")
	}
}

// S2: write, commit, read back.
func TestWriteCommitRead(t *testing.T) {
	rm := mustOpenResource(t, ResourceConfig{})

	wtx, err := rm.BeginWrite()
	if err != nil {
		t.Fatalf("BeginWrite: %v", err)
	}
	key, err := wtx.CreateEntry(KindRecordPage, 0, 1, []byte("hello"))
	if err != nil {
		t.Fatalf("CreateEntry: %v", err)
	}
	rev, err := wtx.Commit()
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if rev != 1 {
		t.Fatalf("committed revision = %d, want 1", rev)
	}

	rtx, err := rm.BeginRead(-1)
	if err != nil {
		t.Fatalf("BeginRead: %v", err)
	}
	defer rtx.Close()

	rec, found, err := rtx.GetRecord(KindRecordPage, 0, key)
	if err != nil {
		t.Fatalf("GetRecord: %v", err)
	}
	if !found {
		t.Fatal("expected the committed record to be visible")
	}
	if string(rec.Payload) != "hello" {
		t.Fatalf("payload = %q, want %q", rec.Payload, "hello")
	}
}

// S3: a tombstone written in a later revision hides the record from that
// revision onward, but earlier revisions still see it.
func TestTombstoneHidesRecord(t *testing.T) {
	rm := mustOpenResource(t, ResourceConfig{})

	wtx1, err := rm.BeginWrite()
	if err != nil {
		t.Fatalf("BeginWrite: %v", err)
	}
	key, err := wtx1.CreateEntry(KindRecordPage, 0, 1, []byte("v1"))
	if err != nil {
		t.Fatalf("CreateEntry: %v", err)
	}
	if _, err := wtx1.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	wtx2, err := rm.BeginWrite()
	if err != nil {
		t.Fatalf("BeginWrite: %v", err)
	}
	rp2, err := wtx2.PrepareForModification(KindRecordPage, 0, key)
	if err != nil {
		t.Fatalf("PrepareForModification: %v", err)
	}
	wtx2.RemoveEntry(rp2, key)
	if _, err := wtx2.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	rtx, err := rm.BeginRead(-1)
	if err != nil {
		t.Fatalf("BeginRead: %v", err)
	}
	defer rtx.Close()
	if _, found, err := rtx.GetRecord(KindRecordPage, 0, key); err != nil {
		t.Fatalf("GetRecord: %v", err)
	} else if found {
		t.Fatal("tombstoned record should not be visible at the latest revision")
	}

	rtxOld, err := rm.BeginRead(1)
	if err != nil {
		t.Fatalf("BeginRead(1): %v", err)
	}
	defer rtxOld.Close()
	if _, found, err := rtxOld.GetRecord(KindRecordPage, 0, key); err != nil {
		t.Fatalf("GetRecord: %v", err)
	} else if !found {
		t.Fatal("record should still be visible at the revision before it was tombstoned")
	}
}

// S4: rollback discards every staged write and releases the write permit.
func TestRollbackDiscardsStagedWrites(t *testing.T) {
	rm := mustOpenResource(t, ResourceConfig{})

	wtx, err := rm.BeginWrite()
	if err != nil {
		t.Fatalf("BeginWrite: %v", err)
	}
	key, err := wtx.CreateEntry(KindRecordPage, 0, 1, nil)
	if err != nil {
		t.Fatalf("CreateEntry: %v", err)
	}
	if err := wtx.Rollback(); err != nil {
		t.Fatalf("Rollback: %v", err)
	}

	if rm.currentRevision() != 0 {
		t.Fatalf("rollback should not advance the current revision, got %d", rm.currentRevision())
	}

	wtx2, err := rm.BeginWrite()
	if err != nil {
		t.Fatalf("BeginWrite after rollback: %v", err)
	}
	defer wtx2.Rollback()

	rtx, err := rm.BeginRead(-1)
	if err != nil {
		t.Fatalf("BeginRead: %v", err)
	}
	defer rtx.Close()
	if _, found, err := rtx.GetRecord(KindRecordPage, 0, key); err != nil {
		t.Fatalf("GetRecord: %v", err)
	} else if found {
		t.Fatal("a rolled-back write must not be visible")
	}
}

// S5: the sliding-snapshot strategy's reconstruction walk is bounded by
// MaxRevisionsToRestore, so only the most recent window of revisions is
// visible when no full/complete fragment has been materialized.
func TestSlidingSnapshotReconstruction_BoundedWindow(t *testing.T) {
	rm := mustOpenResource(t, ResourceConfig{
		Versioning:            VersioningSlidingSnapshot,
		MaxRevisionsToRestore: 3,
	})

	var keys []RecordKey
	for i := 0; i < 7; i++ {
		wtx, err := rm.BeginWrite()
		if err != nil {
			t.Fatalf("BeginWrite %d: %v", i, err)
		}
		key, err := wtx.CreateEntry(KindRecordPage, 0, 1, nil)
		if err != nil {
			t.Fatalf("CreateEntry %d: %v", i, err)
		}
		keys = append(keys, key)
		if _, err := wtx.Commit(); err != nil {
			t.Fatalf("Commit %d: %v", i, err)
		}
	}

	rtx, err := rm.BeginRead(-1)
	if err != nil {
		t.Fatalf("BeginRead: %v", err)
	}
	defer rtx.Close()
	if rtx.RevisionNumber() != 7 {
		t.Fatalf("revision = %d, want 7", rtx.RevisionNumber())
	}

	// Every create lands in page_key 0 (all seven keys fit below the
	// PageExpSum boundary), so each commit's fragment is genuinely
	// distinct and the window covers only the last 3 of the 7 revisions.
	cases := []struct {
		index     int
		wantFound bool
	}{
		{0, false}, {1, false}, {2, false}, {3, false},
		{4, true}, {5, true}, {6, true},
	}
	for _, c := range cases {
		_, found, err := rtx.GetRecord(KindRecordPage, 0, keys[c.index])
		if err != nil {
			t.Fatalf("GetRecord(%d): %v", keys[c.index], err)
		}
		if found != c.wantFound {
			t.Errorf("key %d (rev %d): found = %v, want %v", keys[c.index], c.index+1, found, c.wantFound)
		}
	}
}

// S6: a commit marker left behind by a crash between writing the new
// UberPage and deleting the marker is abandoned cleanly on reopen; the
// already-durable revision stays visible and no intermediate state leaks.
func TestOpenResourceManager_RecoversFromInterruptedCommit(t *testing.T) {
	dir := t.TempDir()
	rm, err := OpenResourceManager(dir, ResourceConfig{})
	if err != nil {
		t.Fatalf("OpenResourceManager: %v", err)
	}

	wtx, err := rm.BeginWrite()
	if err != nil {
		t.Fatalf("BeginWrite: %v", err)
	}
	key, err := wtx.CreateEntry(KindRecordPage, 0, 1, nil)
	if err != nil {
		t.Fatalf("CreateEntry: %v", err)
	}
	if _, err := wtx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := rm.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Simulate a crash that landed the new UberPage but never removed
	// the marker.
	if err := writeCommitMarker(dir); err != nil {
		t.Fatalf("writeCommitMarker: %v", err)
	}

	rm2, err := OpenResourceManager(dir, ResourceConfig{})
	if err != nil {
		t.Fatalf("reopen after simulated crash: %v", err)
	}
	defer rm2.Close()

	if _, err := os.Stat(commitMarkerPath(dir)); !os.IsNotExist(err) {
		t.Fatal("expected the stale commit marker to be cleared on reopen")
	}

	rtx, err := rm2.BeginRead(-1)
	if err != nil {
		t.Fatalf("BeginRead: %v", err)
	}
	defer rtx.Close()
	if rtx.RevisionNumber() != 1 {
		t.Fatalf("revision = %d, want 1 (the commit had already landed)", rtx.RevisionNumber())
	}
	if _, found, err := rtx.GetRecord(KindRecordPage, 0, key); err != nil {
		t.Fatalf("GetRecord: %v", err)
	} else if !found {
		t.Fatal("the landed commit's record should survive recovery")
	}
}

func TestRecoverInterruptedCommit_ClearsMarkerDirectly(t *testing.T) {
	dir := t.TempDir()
	dataDir := filepath.Join(dir, "data")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	io, _, err := openStorageIO(filepath.Join(dataDir, "data.db"), NewPipeline())
	if err != nil {
		t.Fatalf("openStorageIO: %v", err)
	}
	defer io.close()
	if err := io.commitUberPage(newBootstrapUberPage()); err != nil {
		t.Fatalf("commitUberPage: %v", err)
	}

	spill, err := newSpillManager(dir)
	if err != nil {
		t.Fatalf("newSpillManager: %v", err)
	}
	defer spill.close()

	if err := writeCommitMarker(dir); err != nil {
		t.Fatalf("writeCommitMarker: %v", err)
	}
	if err := recoverInterruptedCommit(dir, io, spill); err != nil {
		t.Fatalf("recoverInterruptedCommit: %v", err)
	}
	if _, err := os.Stat(commitMarkerPath(dir)); !os.IsNotExist(err) {
		t.Fatal("expected commit marker to be removed after recovery")
	}
}

// Invariant: a pinned read transaction never observes a commit made after
// it began, even though that commit lands while the reader is still open.
func TestSnapshotIsolation_ReaderDoesNotSeeLaterCommit(t *testing.T) {
	rm := mustOpenResource(t, ResourceConfig{})

	wtx1, err := rm.BeginWrite()
	if err != nil {
		t.Fatalf("BeginWrite: %v", err)
	}
	key1, err := wtx1.CreateEntry(KindRecordPage, 0, 1, nil)
	if err != nil {
		t.Fatalf("CreateEntry: %v", err)
	}
	if _, err := wtx1.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	rtx, err := rm.BeginRead(-1)
	if err != nil {
		t.Fatalf("BeginRead: %v", err)
	}
	defer rtx.Close()

	wtx2, err := rm.BeginWrite()
	if err != nil {
		t.Fatalf("BeginWrite: %v", err)
	}
	key2, err := wtx2.CreateEntry(KindRecordPage, 0, 1, nil)
	if err != nil {
		t.Fatalf("CreateEntry: %v", err)
	}
	if _, err := wtx2.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	if rm.currentRevision() != 2 {
		t.Fatalf("resource current revision = %d, want 2", rm.currentRevision())
	}
	if rtx.RevisionNumber() != 1 {
		t.Fatalf("reader revision = %d, want 1", rtx.RevisionNumber())
	}
	if _, found, err := rtx.GetRecord(KindRecordPage, 0, key2); err != nil {
		t.Fatalf("GetRecord: %v", err)
	} else if found {
		t.Fatal("a pinned reader must not observe a commit made after it began")
	}
	if _, found, err := rtx.GetRecord(KindRecordPage, 0, key1); err != nil {
		t.Fatalf("GetRecord: %v", err)
	} else if !found {
		t.Fatal("a pinned reader must still see data committed before it began")
	}
}

// Invariant: at most one PageWriteTrx exists at a time; a second
// BeginWrite blocks until the first finishes.
func TestSingleWriter_SecondBeginWriteBlocksUntilFirstFinishes(t *testing.T) {
	rm := mustOpenResource(t, ResourceConfig{})

	wtx1, err := rm.BeginWrite()
	if err != nil {
		t.Fatalf("BeginWrite: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		wtx2, err := rm.BeginWrite()
		if err != nil {
			done <- err
			return
		}
		done <- wtx2.Rollback()
	}()

	select {
	case <-done:
		t.Fatal("second BeginWrite returned before the first writer finished")
	case <-time.After(50 * time.Millisecond):
	}

	if err := wtx1.Rollback(); err != nil {
		t.Fatalf("Rollback: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("second writer: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("second BeginWrite did not unblock after the first writer rolled back")
	}
}

// Invariant (spec.md §8 item 7): a second concurrent writer fails with
// Concurrency/NoPermit once the configured permit timeout elapses,
// rather than blocking forever.
func TestSingleWriter_SecondBeginWriteFailsWithNoPermitAfterTimeout(t *testing.T) {
	rm := mustOpenResource(t, ResourceConfig{PermitTimeout: 20 * time.Millisecond})

	wtx1, err := rm.BeginWrite()
	if err != nil {
		t.Fatalf("BeginWrite: %v", err)
	}
	defer wtx1.Rollback()

	_, err = rm.BeginWrite()
	if !errors.Is(err, ErrNoPermit) {
		t.Fatalf("second BeginWrite error = %v, want ErrNoPermit", err)
	}
}

// Invariant (testable property 8: k_i = base + i): CreateEntry assigns
// each subtree's next record key itself, monotonically, rather than
// trusting a caller-supplied one.
func TestCreateEntry_AssignsMonotonicKeys(t *testing.T) {
	rm := mustOpenResource(t, ResourceConfig{})
	wtx, err := rm.BeginWrite()
	if err != nil {
		t.Fatalf("BeginWrite: %v", err)
	}
	defer wtx.Rollback()

	for i, want := range []RecordKey{0, 1, 2, 3} {
		key, err := wtx.CreateEntry(KindRecordPage, 0, 1, nil)
		if err != nil {
			t.Fatalf("CreateEntry %d: %v", i, err)
		}
		if key != want {
			t.Fatalf("CreateEntry %d returned key %d, want %d", i, key, want)
		}
		if wtx.root.MainTree.MaxRecordKey != want {
			t.Fatalf("MaxRecordKey = %d, want %d", wtx.root.MainTree.MaxRecordKey, want)
		}
	}
}

// Invariant: CreateEntry continues a subtree's key sequence across
// transactions rather than restarting it, since base is the subtree's
// durable MaxRecordKey, not something scoped to one PageWriteTrx.
func TestCreateEntry_ContinuesSequenceAcrossTransactions(t *testing.T) {
	rm := mustOpenResource(t, ResourceConfig{})

	wtx1, err := rm.BeginWrite()
	if err != nil {
		t.Fatalf("BeginWrite: %v", err)
	}
	key1, err := wtx1.CreateEntry(KindRecordPage, 0, 1, nil)
	if err != nil {
		t.Fatalf("CreateEntry: %v", err)
	}
	if _, err := wtx1.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	wtx2, err := rm.BeginWrite()
	if err != nil {
		t.Fatalf("BeginWrite: %v", err)
	}
	key2, err := wtx2.CreateEntry(KindRecordPage, 0, 1, nil)
	if err != nil {
		t.Fatalf("CreateEntry: %v", err)
	}
	if _, err := wtx2.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	if key2 != key1+1 {
		t.Fatalf("second transaction's key = %d, want %d", key2, key1+1)
	}
}

// Invariant: commit resolves every staged LogKey reference to a durable
// on-disk offset; nothing in a committed revision root still points at
// the in-memory write-ahead log.
func TestCommit_ResolvesStagedReferencesToOnDiskOffsets(t *testing.T) {
	rm := mustOpenResource(t, ResourceConfig{})
	wtx, err := rm.BeginWrite()
	if err != nil {
		t.Fatalf("BeginWrite: %v", err)
	}
	if _, err := wtx.CreateEntry(KindRecordPage, 0, 1, nil); err != nil {
		t.Fatalf("CreateEntry: %v", err)
	}
	if _, err := wtx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	if wtx.root.MainTree.Root.LogKey != nil {
		t.Fatal("committed revision root should carry an on-disk reference, not a LogKey")
	}
	if wtx.root.MainTree.Root.OnDiskKey == nil {
		t.Fatal("committed revision root should carry an on-disk offset")
	}
}

// Invariant (spec.md §4.8/§5): Close rolls back any live writer and
// force-closes every live reader; both then fail their next operation
// with ErrClosed instead of reaching the now-closed storage file.
func TestClose_ForceClosesLiveTransactions(t *testing.T) {
	rm, err := OpenResourceManager(t.TempDir(), ResourceConfig{})
	if err != nil {
		t.Fatalf("OpenResourceManager: %v", err)
	}

	wtx, err := rm.BeginWrite()
	if err != nil {
		t.Fatalf("BeginWrite: %v", err)
	}
	rtx, err := rm.BeginRead(-1)
	if err != nil {
		t.Fatalf("BeginRead: %v", err)
	}

	if err := rm.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if _, err := wtx.PrepareForModification(KindRecordPage, 0, 1); !errors.Is(err, ErrClosed) {
		t.Fatalf("PrepareForModification after Close = %v, want ErrClosed", err)
	}
	if _, _, err := rtx.GetRecord(KindRecordPage, 0, 1); !errors.Is(err, ErrClosed) {
		t.Fatalf("GetRecord after Close = %v, want ErrClosed", err)
	}
}

// Invariant: exactly one record per transaction may be prepared at a
// time; a second PrepareForModification before the first is finished
// by RemoveEntry fails with ErrPrepareImbalance.
func TestPrepareForModification_ImbalancedPrepareFails(t *testing.T) {
	rm := mustOpenResource(t, ResourceConfig{})
	wtx, err := rm.BeginWrite()
	if err != nil {
		t.Fatalf("BeginWrite: %v", err)
	}
	defer wtx.Rollback()

	if _, err := wtx.PrepareForModification(KindRecordPage, 0, 1); err != nil {
		t.Fatalf("PrepareForModification: %v", err)
	}
	if _, err := wtx.PrepareForModification(KindRecordPage, 0, 2); !errors.Is(err, ErrPrepareImbalance) {
		t.Fatalf("second PrepareForModification before finish = %v, want ErrPrepareImbalance", err)
	}
}

// Invariant: a resource's identity (config.ResourceID parsed, or a
// freshly minted UUID) is stable and retrievable via ID().
func TestResourceManager_ID_MatchesConfiguredResourceID(t *testing.T) {
	const id = "f47ac10b-58cc-4372-a567-0e02b2c3d479"
	rm := mustOpenResource(t, ResourceConfig{ResourceID: id})
	if rm.ID().String() != id {
		t.Fatalf("ID() = %s, want %s", rm.ID(), id)
	}
}

// Invariant: CommittedUberPage is only valid after a successful
// Commit; it fails with ErrNotCommitted beforehand.
func TestCommittedUberPage_ErrorsBeforeCommit(t *testing.T) {
	rm := mustOpenResource(t, ResourceConfig{})
	wtx, err := rm.BeginWrite()
	if err != nil {
		t.Fatalf("BeginWrite: %v", err)
	}
	defer wtx.Rollback()

	if _, err := wtx.CommittedUberPage(); !errors.Is(err, ErrNotCommitted) {
		t.Fatalf("CommittedUberPage before Commit = %v, want ErrNotCommitted", err)
	}
}

// Invariant: indirect-tree addressing is a pure bit-slice of the record
// key; pageKeyOf groups every key below the PageExpSum boundary into
// page_key 0.
func TestPageKeyOf_ShiftsByPageExpSum(t *testing.T) {
	if pageKeyOf(0) != 0 {
		t.Fatalf("pageKeyOf(0) = %d, want 0", pageKeyOf(0))
	}
	if got := pageKeyOf(RecordKey(1) << PageExpSum); got != 1 {
		t.Fatalf("pageKeyOf(1<<PageExpSum) = %d, want 1", got)
	}
	if got := pageKeyOf(RecordKey((int64(1) << PageExpSum) - 1)); got != 0 {
		t.Fatalf("pageKeyOf one below the boundary = %d, want 0", got)
	}
}
