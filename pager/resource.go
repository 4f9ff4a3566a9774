package pager

import (
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// ResourceManager owns everything a single resource needs: its
// storage file, byte-handler pipeline, buffer cache, and the
// read/write concurrency gates described by the concurrency model. A
// resource allows many concurrent PageReadTrx but at most one
// PageWriteTrx at a time.
type ResourceManager struct {
	id     uuid.UUID
	dir    string
	config ResourceConfig

	io       *storageIO
	buf      *bufferManager
	spill    *spillManager
	strategy Strategy

	readSem  chan struct{}
	writeSem chan struct{}
	commitMu sync.Mutex

	uberMu sync.RWMutex
	uber   *UberPage

	txMu    sync.Mutex
	readers map[TxID]*PageReadTrx
	writer  *PageWriteTrx

	nextTxID uint64
	closed   int32
}

// OpenResourceManager opens (creating if necessary) the resource
// rooted at dir. An interrupted commit left by a crash is abandoned
// (see recoverInterruptedCommit) before the resource is made available.
func OpenResourceManager(dir string, config ResourceConfig) (*ResourceManager, error) {
	id := uuid.New()
	if config.ResourceID != "" {
		if parsed, err := uuid.Parse(config.ResourceID); err == nil {
			id = parsed
		}
	}

	dataDir := filepath.Join(dir, "data")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, wrapIo("create data directory", err)
	}
	dataPath := filepath.Join(dataDir, "data.db")
	io, created, err := openStorageIO(dataPath, config.pipeline())
	if err != nil {
		return nil, err
	}

	spill, err := newSpillManager(dir)
	if err != nil {
		io.close()
		return nil, err
	}

	logger := config.logger()
	if !created {
		if err := recoverInterruptedCommit(dir, io, spill); err != nil {
			io.close()
			spill.close()
			return nil, err
		}
		logger.Printf("pager: opened resource %s id=%s (recovery check complete)", dir, id)
	} else if err := spill.discardAll(); err != nil {
		io.close()
		return nil, err
	} else {
		logger.Printf("pager: bootstrapped new resource %s id=%s", dir, id)
	}

	var uber *UberPage
	if created {
		uber = newBootstrapUberPage()
		root := newBootstrapRevisionRoot()
		off, err := io.appendPage(KindRevisionRoot, 0, root)
		if err != nil {
			io.close()
			return nil, err
		}
		// Revision 0 sits at slot 0 of every level, so the path is
		// IndirectLevels indirect pages deep, like every later revision.
		ref := PageReference{OnDiskKey: &off, PageType: KindRevisionRoot}
		for level := 0; level < IndirectLevels; level++ {
			ind := newIndirectPage(0, KindRevisionRoot)
			ind.Refs[0] = ref
			indOff, err := io.appendPage(KindIndirectPage, 0, ind)
			if err != nil {
				io.close()
				return nil, err
			}
			ref = PageReference{OnDiskKey: &indOff, PageType: KindIndirectPage}
		}
		uber.RevisionRootRef = ref
		if err := io.commitUberPage(uber); err != nil {
			io.close()
			return nil, err
		}
	} else {
		uber, err = io.loadCurrentUberPage()
		if err != nil {
			io.close()
			return nil, err
		}
	}

	rm := &ResourceManager{
		id:       id,
		dir:      dir,
		config:   config,
		io:       io,
		buf:      newBufferManager(),
		spill:    spill,
		strategy: strategyFor(config.Versioning),
		readSem:  make(chan struct{}, config.readPermits()),
		writeSem: make(chan struct{}, 1),
		uber:     uber,
		readers:  make(map[TxID]*PageReadTrx),
	}
	return rm, nil
}

// ID returns the resource's identity: config.ResourceID parsed as a
// uuid.UUID, or a freshly minted one if ResourceID was empty or
// unparseable. It is the value stamped into this resource's log lines.
func (rm *ResourceManager) ID() uuid.UUID { return rm.id }

func (rm *ResourceManager) isClosed() bool { return atomic.LoadInt32(&rm.closed) != 0 }

func (rm *ResourceManager) registerReader(trx *PageReadTrx) {
	rm.txMu.Lock()
	rm.readers[trx.id] = trx
	rm.txMu.Unlock()
}

func (rm *ResourceManager) deregisterReader(id TxID) {
	rm.txMu.Lock()
	delete(rm.readers, id)
	rm.txMu.Unlock()
}

func (rm *ResourceManager) registerWriter(trx *PageWriteTrx) {
	rm.txMu.Lock()
	rm.writer = trx
	rm.txMu.Unlock()
}

func (rm *ResourceManager) deregisterWriter(trx *PageWriteTrx) {
	rm.txMu.Lock()
	if rm.writer == trx {
		rm.writer = nil
	}
	rm.txMu.Unlock()
}

// Close rolls back any live write transaction and force-closes every
// live read transaction (their next operation returns ErrClosed, per
// spec.md §4.8/§5) before closing the buffer spill area and the
// storage file. Safe to call more than once; only the first call does
// anything.
func (rm *ResourceManager) Close() error {
	if !atomic.CompareAndSwapInt32(&rm.closed, 0, 1) {
		return nil
	}
	rm.config.logger().Printf("pager: closing resource %s id=%s at revision %d", rm.dir, rm.id, rm.currentRevision())

	rm.txMu.Lock()
	if rm.writer != nil {
		rm.writer.forceClose()
		rm.writer = nil
	}
	for id, trx := range rm.readers {
		trx.forceClose()
		delete(rm.readers, id)
	}
	rm.txMu.Unlock()

	if err := rm.spill.close(); err != nil {
		rm.io.close()
		return err
	}
	return rm.io.close()
}

func (rm *ResourceManager) currentRevision() Revision {
	rm.uberMu.RLock()
	defer rm.uberMu.RUnlock()
	return rm.uber.nextRevision() - 1
}

func (rm *ResourceManager) currentUber() *UberPage {
	rm.uberMu.RLock()
	defer rm.uberMu.RUnlock()
	return rm.uber
}

func (rm *ResourceManager) nextTransactionID() TxID {
	return TxID(atomic.AddUint64(&rm.nextTxID, 1))
}

// acquireReadPermit blocks until a read slot is free or
// config.PermitTimeout elapses (default 20s per spec.md §4.8),
// whichever comes first. It returns ErrClosed at once if the resource
// is already closed; a Close during the wait does not end the wait.
func (rm *ResourceManager) acquireReadPermit() error {
	if rm.isClosed() {
		return ErrClosed
	}
	timer := time.NewTimer(rm.config.permitTimeout())
	defer timer.Stop()
	select {
	case rm.readSem <- struct{}{}:
		return nil
	case <-timer.C:
		return ErrNoPermit
	}
}

func (rm *ResourceManager) releaseReadPermit() { <-rm.readSem }

// acquireWritePermit blocks until the single write slot is free or
// config.PermitTimeout elapses; only one PageWriteTrx may exist at a
// time per spec.md's concurrency model. It returns ErrClosed at once if
// the resource is already closed; a Close during the wait does not end
// the wait.
func (rm *ResourceManager) acquireWritePermit() error {
	if rm.isClosed() {
		return ErrClosed
	}
	timer := time.NewTimer(rm.config.permitTimeout())
	defer timer.Stop()
	select {
	case rm.writeSem <- struct{}{}:
		return nil
	case <-timer.C:
		return ErrNoPermit
	}
}

func (rm *ResourceManager) releaseWritePermit() { <-rm.writeSem }

// BeginRead opens a snapshot-isolated read transaction pinned to
// revision rev, or to the current revision when rev is negative.
func (rm *ResourceManager) BeginRead(rev Revision) (*PageReadTrx, error) {
	if err := rm.acquireReadPermit(); err != nil {
		return nil, err
	}
	current := rm.currentRevision()
	if rev < 0 {
		rev = current
	}
	if rev > current {
		rm.releaseReadPermit()
		return nil, ErrRevisionOutOfRange
	}

	root, err := rm.loadRevisionRoot(rm.currentUber(), rev)
	if err != nil {
		rm.releaseReadPermit()
		return nil, err
	}

	trx := &PageReadTrx{
		id:       rm.nextTransactionID(),
		rm:       rm,
		revision: rev,
		root:     root,
	}
	rm.registerReader(trx)
	return trx, nil
}

// BeginWrite opens the single exclusive write transaction, building
// on top of the current revision.
func (rm *ResourceManager) BeginWrite() (*PageWriteTrx, error) {
	if err := rm.acquireWritePermit(); err != nil {
		return nil, err
	}
	current := rm.currentRevision()
	root, err := rm.loadRevisionRoot(rm.currentUber(), current)
	if err != nil {
		rm.releaseWritePermit()
		return nil, err
	}

	trx := &PageWriteTrx{
		id:       rm.nextTransactionID(),
		rm:       rm,
		baseRev:  current,
		newRev:   current + 1,
		root:     root.cloneForNextRevision(current+1, 0),
		log:      make(map[uint64]Page),
		complete: make(map[uint64]*RecordPage),
		state:    txFresh,
	}
	rm.registerWriter(trx)
	return trx, nil
}

// loadRevisionRoot walks the uber page's indirect tree to fetch the
// RevisionRootPage for rev.
func (rm *ResourceManager) loadRevisionRoot(uber *UberPage, rev Revision) (*RevisionRootPage, error) {
	ref, err := rm.resolveLeaf(uber.RevisionRootRef, KindRevisionRoot, PageKey(rev))
	if err != nil {
		return nil, err
	}
	if ref.OnDiskKey == nil {
		return nil, corruptErrorf("no revision root stored for revision %d", rev)
	}
	page, err := rm.loadPage(KindRevisionRoot, *ref.OnDiskKey)
	if err != nil {
		return nil, err
	}
	root, ok := page.(*RevisionRootPage)
	if !ok {
		return nil, corruptErrorf("resolved leaf for revision %d is not a RevisionRootPage", rev)
	}
	return root, nil
}

// resolveLeaf walks an indirect tree rooted at ref down IndirectLevels
// levels, returning the leaf PageReference addressed by pageKey.
func (rm *ResourceManager) resolveLeaf(ref PageReference, leafKind PageKind, pageKey PageKey) (PageReference, error) {
	cur := ref
	shift := uint(PageExpSum)
	for level := 0; level < IndirectLevels; level++ {
		if cur.OnDiskKey == nil {
			return NewNullReference(leafKind), nil
		}
		page, err := rm.loadPage(KindIndirectPage, *cur.OnDiskKey)
		if err != nil {
			return PageReference{}, err
		}
		ip, ok := page.(*IndirectPage)
		if !ok {
			return PageReference{}, corruptErrorf("expected indirect page while resolving key %d", pageKey)
		}
		shift -= PageExp
		idx := (uint64(pageKey) >> shift) % PageFanout
		cur = ip.Refs[idx]
	}
	return cur, nil
}

// loadPage fetches a page through the buffer manager, going to
// storage on a miss.
func (rm *ResourceManager) loadPage(kind PageKind, offset int64) (Page, error) {
	page, err := rm.buf.getOrLoad(kind, offset, func() (Page, error) {
		return rm.io.readPage(offset)
	})
	if err != nil {
		return nil, err
	}
	rm.buf.release(kind, offset)
	return page, nil
}
