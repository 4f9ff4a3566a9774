package pager

import "sync"

// txState tracks a PageWriteTrx's lifecycle. Transitions only move
// forward: Fresh -> Dirty (on the first PrepareForModification or
// CreateEntry) -> Committed, or from Fresh or Dirty to Closed (on
// abort/rollback).
type txState uint8

const (
	txFresh txState = iota
	txDirty
	txCommitted
	txClosed
)

// PageWriteTrx is the single exclusive writer for a resource. It
// builds the next revision entirely in memory (an in-progress
// RevisionRootPage plus a log of staged pages keyed by LogKey) and
// only touches the durable file during Commit.
type PageWriteTrx struct {
	id      TxID
	rm      *ResourceManager
	baseRev Revision
	newRev  Revision
	root    *RevisionRootPage

	log        map[uint64]Page
	nextLogKey uint64

	mu            sync.Mutex
	state         txState
	prepared      bool
	committedUber *UberPage

	// complete caches, per staged leaf (keyed by the modified page's
	// LogKey), the historical merged view PrepareForModification built
	// before handing out an empty "modified" page for non-Full
	// strategies. GetRecord falls back to it for keys this transaction
	// hasn't itself written, per spec.md §4.7's "modified first, then
	// complete" read-through order. Full strategy never populates this:
	// its "modified" page already IS the complete view.
	complete map[uint64]*RecordPage
}

func (trx *PageWriteTrx) ID() TxID             { return trx.id }
func (trx *PageWriteTrx) RevisionNumber() Revision { return trx.newRev }

// stage records page under a fresh LogKey and returns it.
func (trx *PageWriteTrx) stage(page Page) uint64 {
	trx.nextLogKey++
	lk := trx.nextLogKey
	trx.log[lk] = page
	return lk
}

// stageIndirect ensures ref points at an in-memory IndirectPage owned
// by this transaction, cloning the on-disk page (or creating a fresh
// one) the first time this transaction touches it. Subsequent calls
// within the same transaction see the same staged instance.
func (trx *PageWriteTrx) stageIndirect(ref *PageReference, leafKind PageKind) (*IndirectPage, error) {
	if ref.LogKey != nil {
		ip, ok := ref.InMemoryPage.(*IndirectPage)
		if !ok {
			return nil, corruptErrorf("staged reference is not an indirect page")
		}
		return ip, nil
	}

	var node *IndirectPage
	if ref.OnDiskKey != nil {
		page, err := trx.rm.loadPage(KindIndirectPage, *ref.OnDiskKey)
		if err != nil {
			return nil, err
		}
		base, ok := page.(*IndirectPage)
		if !ok {
			return nil, corruptErrorf("expected indirect page")
		}
		node = base.clone(trx.newRev)
	} else {
		node = newIndirectPage(trx.newRev, leafKind)
	}
	lk := trx.stage(node)
	ref.setLogKey(lk, node)
	return node, nil
}

// cowLeafRef walks (and copy-on-write-clones) the indirect tree
// rooted at the subtree (kind, index), returning a pointer to the
// leaf PageReference slot that addresses pageKey.
func (trx *PageWriteTrx) cowLeafRef(kind PageKind, index int, pageKey PageKey) (*PageReference, error) {
	sub := trx.root.subtree(kind, index)
	cur := &sub.Root
	shift := uint(PageExpSum)

	for level := 0; level < IndirectLevels; level++ {
		node, err := trx.stageIndirect(cur, kind)
		if err != nil {
			return nil, err
		}
		shift -= PageExp
		idx := (uint64(pageKey) >> shift) % PageFanout
		cur = &node.Refs[idx]
	}
	return cur, nil
}

// PrepareForModification returns an editable RecordPage for key within
// subtree (kind, index). The first time this transaction touches the
// page_key, C5 materializes the historical "complete" view (cached for
// GetRecord's read-through) and pairs it with a fresh "modified" page
// that this call returns: empty for every strategy except Full, whose
// single on-disk fragment must stand on its own as the complete view.
// Later calls for a page_key already staged this transaction return
// the same "modified" instance, so edits accumulate onto one fragment.
func (trx *PageWriteTrx) PrepareForModification(kind PageKind, index int, key RecordKey) (*RecordPage, error) {
	if trx.isDone() {
		return nil, ErrClosed
	}
	trx.mu.Lock()
	if trx.prepared {
		trx.mu.Unlock()
		return nil, ErrPrepareImbalance
	}
	trx.mu.Unlock()

	rp, err := trx.modifiedPage(kind, index, pageKeyOf(key))
	if err != nil {
		return nil, err
	}
	trx.markPrepared()
	return rp, nil
}

// modifiedPage returns the staged, editable RecordPage covering pageKey
// within subtree (kind, index), materializing it from the historical
// view on first touch. It does the cowLeafRef/reconstruct/clone work
// shared by PrepareForModification and CreateEntry, without touching
// the prepared marker; callers own that bookkeeping themselves.
func (trx *PageWriteTrx) modifiedPage(kind PageKind, index int, pageKey PageKey) (*RecordPage, error) {
	leafRef, err := trx.cowLeafRef(kind, index, pageKey)
	if err != nil {
		return nil, err
	}

	if leafRef.LogKey != nil {
		rp, ok := leafRef.InMemoryPage.(*RecordPage)
		if !ok {
			return nil, corruptErrorf("staged leaf reference is not a record page")
		}
		return rp, nil
	}

	var complete *RecordPage
	if leafRef.OnDiskKey != nil {
		c, err := reconstructRecordPageForRevision(trx.rm, trx.baseRev, kind, index, pageKey)
		if err != nil {
			return nil, err
		}
		complete = c
	}

	full := trx.rm.config.Versioning == VersioningFull
	var rp *RecordPage
	if full && complete != nil {
		rp = complete.clone()
		rp.Revision = trx.newRev
	} else {
		rp = newRecordPage(kind, pageKey, trx.newRev)
	}
	rp.Complete = full

	lk := trx.stage(rp)
	if complete != nil && !full {
		trx.complete[lk] = complete
	}
	leafRef.setLogKey(lk, rp)
	trx.setDirty()
	return rp, nil
}

// markPrepared records that PrepareForModification handed out a
// handle this transaction hasn't yet finished via RemoveEntry. A
// second PrepareForModification before that finish returns
// ErrPrepareImbalance ("exactly one record per transaction may be
// prepared at a time"). CreateEntry never sets or clears this marker:
// it resolves its own target page for a key it allocates itself,
// rather than editing a handle obtained from Prepare. It does refuse
// to run, with ErrPrepareImbalance, while a prepared handle is
// unfinished.
func (trx *PageWriteTrx) markPrepared() {
	trx.mu.Lock()
	trx.prepared = true
	trx.mu.Unlock()
}

// finishPrepared clears the prepared marker, balancing a prior
// PrepareForModification call.
func (trx *PageWriteTrx) finishPrepared() {
	trx.mu.Lock()
	trx.prepared = false
	trx.mu.Unlock()
}

func (trx *PageWriteTrx) setDirty() {
	trx.mu.Lock()
	trx.state = txDirty
	trx.mu.Unlock()
}

func (trx *PageWriteTrx) isDone() bool {
	trx.mu.Lock()
	defer trx.mu.Unlock()
	return trx.state == txClosed || trx.state == txCommitted
}

// CreateEntry assigns the next monotonic record key within subtree
// (kind, index) — sub.MaxRecordKey+1 — stages the RecordPage that key
// falls in, installs recKind/payload under the new key, advances
// MaxRecordKey to match, and returns the assigned key. Unlike
// PrepareForModification (which edits an existing, caller-known key),
// CreateEntry resolves its own target page internally, since the key
// it writes into doesn't exist until this call allocates it.
func (trx *PageWriteTrx) CreateEntry(kind PageKind, index int, recKind RecordKind, payload []byte) (RecordKey, error) {
	if trx.isDone() {
		return 0, ErrClosed
	}
	trx.mu.Lock()
	if trx.prepared {
		trx.mu.Unlock()
		return 0, ErrPrepareImbalance
	}
	trx.mu.Unlock()

	sub := trx.root.subtree(kind, index)
	key := sub.MaxRecordKey + 1

	rp, err := trx.modifiedPage(kind, index, pageKeyOf(key))
	if err != nil {
		return 0, err
	}
	rp.Entries[key] = Record{Key: key, Kind: recKind, Payload: payload}
	sub.MaxRecordKey = key
	return key, nil
}

// RemoveEntry tombstones key within rp so every later revision (and
// every reconstruction that merges past this one) treats it as
// absent.
func (trx *PageWriteTrx) RemoveEntry(rp *RecordPage, key RecordKey) {
	rp.Entries[key] = Record{Key: key, Kind: RecordKindDeleted}
	trx.finishPrepared()
}

// GetRecord reads key as this transaction currently sees it: the
// staged "modified" page first, then this leaf's cached "complete"
// view, then (for a page_key this transaction hasn't touched at all) a
// fresh historical reconstruction at baseRev — spec.md §4.7's
// modified-then-complete-then-underlying-view order.
func (trx *PageWriteTrx) GetRecord(kind PageKind, index int, key RecordKey) (Record, bool, error) {
	if trx.isDone() {
		return Record{}, false, ErrClosed
	}
	pageKey := pageKeyOf(key)
	sub := trx.root.subtreeByKindIndex(kind, index)
	if sub == nil {
		return Record{}, false, nil
	}
	if sub.Root.OnDiskKey == nil && sub.Root.LogKey == nil {
		return Record{}, false, nil
	}

	leaf, err := trx.peekLeaf(sub.Root, kind, pageKey)
	if err != nil {
		return Record{}, false, err
	}

	if leaf.LogKey != nil {
		if rp, ok := leaf.InMemoryPage.(*RecordPage); ok {
			if rec, found := rp.Entries[key]; found {
				if rec.deleted() {
					return Record{}, false, nil
				}
				return rec, true, nil
			}
		}
		if complete, ok := trx.complete[*leaf.LogKey]; ok && complete != nil {
			if rec, found := complete.Entries[key]; found {
				if rec.deleted() {
					return Record{}, false, nil
				}
				return rec, true, nil
			}
		}
		return Record{}, false, nil
	}

	if leaf.OnDiskKey == nil {
		return Record{}, false, nil
	}
	current, err := reconstructRecordPageForRevision(trx.rm, trx.baseRev, kind, index, pageKey)
	if err != nil {
		return Record{}, false, err
	}
	if current == nil {
		return Record{}, false, nil
	}
	rec, ok := current.Entries[key]
	if !ok || rec.deleted() {
		return Record{}, false, nil
	}
	return rec, true, nil
}

// peekLeaf walks the indirect tree without staging anything, reading
// through either this transaction's in-memory clones or the durable
// file as each level requires.
func (trx *PageWriteTrx) peekLeaf(ref PageReference, leafKind PageKind, pageKey PageKey) (PageReference, error) {
	cur := ref
	shift := uint(PageExpSum)
	for level := 0; level < IndirectLevels; level++ {
		var node *IndirectPage
		switch {
		case cur.InMemoryPage != nil:
			ip, ok := cur.InMemoryPage.(*IndirectPage)
			if !ok {
				return PageReference{}, corruptErrorf("expected staged indirect page")
			}
			node = ip
		case cur.OnDiskKey != nil:
			page, err := trx.rm.loadPage(KindIndirectPage, *cur.OnDiskKey)
			if err != nil {
				return PageReference{}, err
			}
			ip, ok := page.(*IndirectPage)
			if !ok {
				return PageReference{}, corruptErrorf("expected indirect page")
			}
			node = ip
		default:
			return NewNullReference(leafKind), nil
		}
		shift -= PageExp
		idx := (uint64(pageKey) >> shift) % PageFanout
		cur = node.Refs[idx]
	}
	return cur, nil
}

// Rollback discards every staged page and releases the write permit
// without advancing the revision.
func (trx *PageWriteTrx) Rollback() error {
	trx.mu.Lock()
	if trx.state == txClosed || trx.state == txCommitted {
		trx.mu.Unlock()
		return nil
	}
	trx.state = txClosed
	trx.mu.Unlock()

	trx.log = nil
	trx.rm.deregisterWriter(trx)
	trx.rm.releaseWritePermit()
	return nil
}

// forceClose abandons the transaction in place, discarding its staged
// log without releasing the write permit or touching the resource's
// writer registry — ResourceManager.Close already holds the registry
// lock and owns teardown when it force-closes the live writer.
func (trx *PageWriteTrx) forceClose() {
	trx.mu.Lock()
	defer trx.mu.Unlock()
	if trx.state == txClosed || trx.state == txCommitted {
		return
	}
	trx.state = txClosed
	trx.log = nil
}

// Commit flushes every staged page to the durable file, builds and
// flushes the new RevisionRootPage and its indirect-tree path, then
// atomically swings the uber-page slot to make the new revision
// visible to future transactions. The protocol:
//  1. write a commit marker so recovery can detect a crash mid-commit
//  2. flush every staged IndirectPage/RecordPage, children before the
//     indirect pages that reference them, so a flushed page references
//     others only by on-disk offset, never by LogKey
//  3. rewrite remaining LogKey-only references in the new
//     RevisionRootPage as OnDiskKey references
//  4. flush the new RevisionRootPage
//  5. clone the uber page's revision-root indirect tree along the
//     new revision's path, copy-on-write, staging fresh IndirectPages
//  6. flush those new indirect pages
//  7. flush the new UberPage and swing the durable slot to it
//  8. remove the commit marker and release the write permit
func (trx *PageWriteTrx) Commit() (Revision, error) {
	if trx.isDone() {
		return 0, ErrClosed
	}

	trx.rm.commitMu.Lock()
	defer trx.rm.commitMu.Unlock()

	if err := writeCommitMarker(trx.rm.dir); err != nil {
		return 0, err
	}

	if err := trx.maybeSpill(); err != nil {
		return 0, err
	}

	offsets := make(map[uint64]int64, len(trx.log))
	if err := trx.flushLeaves(offsets); err != nil {
		return 0, err
	}
	resolveStagedRefs(&trx.root.MainTree.Root, offsets)
	resolveStagedRefs(&trx.root.NameTree.Root, offsets)
	for i := range trx.root.PathSummary {
		resolveStagedRefs(&trx.root.PathSummary[i].Root, offsets)
	}
	for i := range trx.root.CAS {
		resolveStagedRefs(&trx.root.CAS[i].Root, offsets)
	}
	for i := range trx.root.Path {
		resolveStagedRefs(&trx.root.Path[i].Root, offsets)
	}

	rootOff, err := trx.rm.io.appendPage(KindRevisionRoot, trx.newRev, trx.root)
	if err != nil {
		return 0, err
	}

	uberRef, err := trx.growRevisionRootTree(rootOff)
	if err != nil {
		return 0, err
	}

	newUber := trx.rm.currentUber().cloneForCommit(uberRef)
	if err := trx.rm.io.commitUberPage(newUber); err != nil {
		return 0, err
	}

	trx.rm.uberMu.Lock()
	trx.rm.uber = newUber
	trx.rm.uberMu.Unlock()

	if err := trx.rm.spill.discardAll(); err != nil {
		return 0, err
	}
	if err := removeCommitMarker(trx.rm.dir); err != nil {
		return 0, err
	}

	trx.mu.Lock()
	trx.state = txCommitted
	trx.committedUber = newUber
	trx.mu.Unlock()

	trx.rm.deregisterWriter(trx)
	trx.rm.releaseWritePermit()
	trx.rm.config.logger().Printf("pager: resource %s committed revision %d (%d staged pages)", trx.rm.id, trx.newRev, len(offsets))
	return trx.newRev, nil
}

// CommittedUberPage returns the UberPage this transaction produced.
// Valid only after a successful Commit; returns ErrNotCommitted
// otherwise.
func (trx *PageWriteTrx) CommittedUberPage() (*UberPage, error) {
	trx.mu.Lock()
	defer trx.mu.Unlock()
	if trx.state != txCommitted {
		return nil, ErrNotCommitted
	}
	return trx.committedUber, nil
}

// maybeSpill pushes every page currently staged in the in-memory WAL
// out to the on-disk spill area once the log has grown past the
// resource's configured threshold, per spec.md §4.7 step 3 ("optionally
// spill the WAL to disk"). The spilled copies are redundant once
// Commit finishes (the pages are by then durably part of the main data
// file) and are discarded at the end of Commit.
func (trx *PageWriteTrx) maybeSpill() error {
	if len(trx.log) < trx.rm.config.spillThreshold() {
		return nil
	}
	for lk, page := range trx.log {
		if err := trx.rm.spill.spill(lk, trx.newRev, page); err != nil {
			return err
		}
	}
	return nil
}

// flushLeaves writes every staged page whose referrers are
// themselves staged (i.e. every entry in trx.log); it resolves
// intra-log references (IndirectPage.Refs pointing at other staged
// pages by LogKey) before a page is written, so on-disk pages never
// contain a dangling LogKey.
func (trx *PageWriteTrx) flushLeaves(offsets map[uint64]int64) error {
	pending := make(map[uint64]Page, len(trx.log))
	for k, v := range trx.log {
		pending[k] = v
	}

	for len(pending) > 0 {
		progressed := false
		for lk, page := range pending {
			if ip, ok := page.(*IndirectPage); ok {
				if !allChildrenResolved(ip, offsets) {
					continue
				}
				resolveIndirectChildren(ip, offsets)
			}
			off, err := trx.rm.io.appendPage(page.Kind(), trx.newRev, page)
			if err != nil {
				return err
			}
			offsets[lk] = off
			delete(pending, lk)
			progressed = true
		}
		if !progressed {
			return corruptErrorf("cyclic or unresolved staged page graph at commit")
		}
	}
	return nil
}

func allChildrenResolved(ip *IndirectPage, offsets map[uint64]int64) bool {
	for _, r := range ip.Refs {
		if r.LogKey != nil {
			if _, ok := offsets[*r.LogKey]; !ok {
				return false
			}
		}
	}
	return true
}

func resolveIndirectChildren(ip *IndirectPage, offsets map[uint64]int64) {
	for i := range ip.Refs {
		resolveStagedRefs(&ip.Refs[i], offsets)
	}
}

func resolveStagedRefs(ref *PageReference, offsets map[uint64]int64) {
	if ref.LogKey == nil {
		return
	}
	off, ok := offsets[*ref.LogKey]
	if !ok {
		return
	}
	ref.setOnDisk(off)
}

// growRevisionRootTree extends (copy-on-write, in memory, flushed
// immediately since commit holds the only writer) the uber page's
// indirect tree of RevisionRootPages so that trx.newRev's slot points
// at rootOff.
func (trx *PageWriteTrx) growRevisionRootTree(rootOff int64) (PageReference, error) {
	top := trx.rm.currentUber().RevisionRootRef
	pageKey := PageKey(trx.newRev)
	shift := uint(PageExpSum)

	type frame struct {
		node *IndirectPage
		idx  uint64
	}
	var frames []frame
	cur := top

	for level := 0; level < IndirectLevels; level++ {
		var node *IndirectPage
		if cur.OnDiskKey != nil {
			page, err := trx.rm.loadPage(KindIndirectPage, *cur.OnDiskKey)
			if err != nil {
				return PageReference{}, err
			}
			base, ok := page.(*IndirectPage)
			if !ok {
				return PageReference{}, corruptErrorf("expected indirect page")
			}
			node = base.clone(trx.newRev)
		} else {
			node = newIndirectPage(trx.newRev, KindRevisionRoot)
		}
		shift -= PageExp
		idx := (uint64(pageKey) >> shift) % PageFanout
		frames = append(frames, frame{node: node, idx: idx})
		cur = node.Refs[idx]
	}

	frames[len(frames)-1].node.Refs[frames[len(frames)-1].idx] = PageReference{OnDiskKey: &rootOff, PageType: KindRevisionRoot}

	var childRef PageReference
	for i := len(frames) - 1; i >= 0; i-- {
		if i < len(frames)-1 {
			frames[i].node.Refs[frames[i].idx] = childRef
		}
		off, err := trx.rm.io.appendPage(KindIndirectPage, trx.newRev, frames[i].node)
		if err != nil {
			return PageReference{}, err
		}
		childRef = PageReference{OnDiskKey: &off, PageType: KindIndirectPage}
	}
	return childRef, nil
}
