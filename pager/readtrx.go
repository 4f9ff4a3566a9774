package pager

import "sync"

// PageReadTrx is a snapshot-isolated read transaction pinned to one
// revision. It never observes pages written by a later commit, even
// one that completes while this transaction is still open.
type PageReadTrx struct {
	id       TxID
	rm       *ResourceManager
	revision Revision
	root     *RevisionRootPage

	mu     sync.Mutex
	closed bool
}

// ID returns the transaction's identifier, for logging.
func (trx *PageReadTrx) ID() TxID { return trx.id }

// RevisionNumber returns the revision this transaction is pinned to.
func (trx *PageReadTrx) RevisionNumber() Revision { return trx.revision }

// RevisionRoot returns the RevisionRootPage for this transaction's
// revision.
func (trx *PageReadTrx) RevisionRoot() *RevisionRootPage { return trx.root }

// Close releases the transaction's read permit. It is safe to call
// more than once.
func (trx *PageReadTrx) Close() error {
	trx.mu.Lock()
	if trx.closed {
		trx.mu.Unlock()
		return nil
	}
	trx.closed = true
	trx.mu.Unlock()
	trx.rm.deregisterReader(trx.id)
	trx.rm.releaseReadPermit()
	return nil
}

// forceClose marks the transaction closed without touching the
// resource's reader registry or read permit — ResourceManager.Close
// already holds the registry lock and owns the semaphore's teardown
// when it force-closes every live reader.
func (trx *PageReadTrx) forceClose() {
	trx.mu.Lock()
	trx.closed = true
	trx.mu.Unlock()
}

func (trx *PageReadTrx) isClosed() bool {
	trx.mu.Lock()
	defer trx.mu.Unlock()
	return trx.closed
}

// GetRecord looks up key within the subtree identified by (kind,
// index), reconstructing its containing RecordPage via the
// resource's configured versioning strategy. It returns (Record{},
// false, nil) if the key does not exist (or is tombstoned) at this
// revision.
func (trx *PageReadTrx) GetRecord(kind PageKind, index int, key RecordKey) (Record, bool, error) {
	if trx.isClosed() {
		return Record{}, false, ErrClosed
	}
	rp, err := reconstructRecordPageForRevision(trx.rm, trx.revision, kind, index, pageKeyOf(key))
	if err != nil {
		return Record{}, false, err
	}
	if rp == nil {
		return Record{}, false, nil
	}
	rec, ok := rp.Entries[key]
	if !ok || rec.deleted() {
		return Record{}, false, nil
	}
	return rec, true, nil
}

// reconstructRecordPageForRevision walks backward from rev collecting
// historical fragments at pageKey within subtree (kind, index) until
// the resource's configured Strategy says it has enough, then asks
// the strategy to merge them. It is shared by PageReadTrx and by
// PageWriteTrx's prepare-for-modification path, which needs the same
// merged view before it can stage an editable copy.
func reconstructRecordPageForRevision(rm *ResourceManager, rev Revision, kind PageKind, index int, pageKey PageKey) (*RecordPage, error) {
	maxRevisions := rm.config.maxRevisionsToRestore()
	strategy := rm.strategy

	var fragments []*RecordPage
	haveLast := false
	var lastRev Revision
	for rev >= 0 {
		root, err := rm.loadRevisionRoot(rm.currentUber(), rev)
		if err != nil {
			return nil, err
		}
		sub := root.subtreeByKindIndex(kind, index)
		if sub != nil && sub.Root.OnDiskKey != nil {
			leaf, err := rm.resolveLeaf(sub.Root, kind, pageKey)
			if err != nil {
				return nil, err
			}
			if leaf.OnDiskKey != nil {
				page, err := rm.loadPage(kind, *leaf.OnDiskKey)
				if err != nil {
					return nil, err
				}
				rp, ok := page.(*RecordPage)
				if !ok {
					return nil, corruptErrorf("expected record page for key %d", pageKey)
				}
				// Copy-on-write means an untouched page_key's leaf
				// reference resolves to the same physical fragment
				// across every revision since it was last modified;
				// without this check the walk would collect that one
				// fragment once per revision it survived unmodified
				// through, burning the maxRevisions budget on
				// duplicates instead of distinct history.
				if !haveLast || rp.Revision != lastRev {
					fragments = append(fragments, rp)
					lastRev = rp.Revision
					haveLast = true
				}

				if !strategy.needsFragment(fragments, maxRevisions) {
					break
				}
				if rp.Revision == 0 {
					break
				}
				// Every revision down to rp.Revision resolves to this
				// same physical fragment, so jump straight past them
				// instead of re-resolving and re-deduping one at a
				// time.
				rev = rp.Revision - 1
				continue
			}
		}

		if !strategy.needsFragment(fragments, maxRevisions) {
			break
		}
		if rev == 0 {
			break
		}
		rev--
	}

	if len(fragments) == 0 {
		return nil, nil
	}
	return strategy.Reconstruct(fragments, maxRevisions), nil
}

// subtreeByKindIndex is the read-side counterpart of
// RevisionRootPage.subtree: it never grows the auxiliary slices,
// returning nil for an index that was never written.
func (rrp *RevisionRootPage) subtreeByKindIndex(kind PageKind, index int) *subtreeRoot {
	var slice []subtreeRoot
	switch kind {
	case KindRecordPage:
		return &rrp.MainTree
	case KindNamePage:
		return &rrp.NameTree
	case KindPathSummaryPage:
		slice = rrp.PathSummary
	case KindCASPage:
		slice = rrp.CAS
	case KindPathPage:
		slice = rrp.Path
	default:
		return nil
	}
	if index < 0 {
		index = 0
	}
	if index >= len(slice) {
		return nil
	}
	return &slice[index]
}
