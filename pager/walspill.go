package pager

import (
	"encoding/binary"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// ───────────────────────────────────────────────────────────────────────────
// WAL spill file format
// ───────────────────────────────────────────────────────────────────────────
//
// One append-only file per subtree kind lives under <resource>/log/: a
// fixed header followed by a stream of self-describing, checksummed
// records. Unlike a physical-logging WAL that replays page images
// against a live pager, this spill is only ever a crash-recovery aid
// for C7: it lets a PWT push staged pages out of memory under
// pressure, and lets an interrupted commit's pages be inspected (and
// then discarded, per the
// safe-default recovery policy) on the next open.
//
//	spill file header (first 16 bytes):
//	  [0:8]   magic       "PGRSPILL"
//	  [8:12]  version     uint32 LE (currently 1)
//	  [12:16] headerCRC   uint32 LE (CRC of bytes 0:12)
//
//	spill record (variable length, follows header):
//	  [0]     kind        PageKind (1 byte)
//	  [1:5]   revision    uint32 LE
//	  [5:13]  logKey      uint64 LE
//	  [13:17] bodyLen     uint32 LE
//	  [17:21] recordCRC   uint32 LE (CRC of kind|revision|logKey|bodyLen|body)
//	  [21:21+bodyLen] body (the page's marshalBody output, pre byte-handler)

const (
	spillMagic       = "PGRSPILL"
	spillVersion     = uint32(1)
	spillFileHdrSize = 16
	spillRecHdrSize  = 1 + 4 + 8 + 4 + 4
)

var spillCRCTable = crc32.MakeTable(crc32.Castagnoli)

// spillRecord is one decoded entry from a spill file.
type spillRecord struct {
	Kind     PageKind
	Revision Revision
	LogKey   uint64
	Body     []byte
}

// spillFile is the append-only backing store for one subtree kind's
// spilled pages.
type spillFile struct {
	mu       sync.Mutex
	f        *os.File
	writePos int64
}

func openSpillFile(path string) (*spillFile, error) {
	_, statErr := os.Stat(path)
	exists := statErr == nil

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, wrapIo("open WAL spill file", err)
	}

	sf := &spillFile{f: f}
	if exists {
		if err := sf.validateHeader(); err != nil {
			f.Close()
			return nil, err
		}
	} else if err := sf.writeHeader(); err != nil {
		f.Close()
		return nil, err
	}

	pos, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		f.Close()
		return nil, wrapIo("seek WAL spill file", err)
	}
	sf.writePos = pos
	return sf, nil
}

func (sf *spillFile) writeHeader() error {
	var hdr [spillFileHdrSize]byte
	copy(hdr[0:8], spillMagic)
	binary.LittleEndian.PutUint32(hdr[8:12], spillVersion)
	binary.LittleEndian.PutUint32(hdr[12:16], crc32.Checksum(hdr[:12], spillCRCTable))
	if _, err := sf.f.WriteAt(hdr[:], 0); err != nil {
		return wrapIo("write WAL spill header", err)
	}
	return nil
}

func (sf *spillFile) validateHeader() error {
	var hdr [spillFileHdrSize]byte
	n, err := sf.f.ReadAt(hdr[:], 0)
	if err != nil && err != io.EOF {
		return wrapIo("read WAL spill header", err)
	}
	if n < spillFileHdrSize {
		return corruptErrorf("WAL spill header too short: %d bytes", n)
	}
	if string(hdr[0:8]) != spillMagic {
		return corruptErrorf("bad WAL spill magic")
	}
	if binary.LittleEndian.Uint32(hdr[8:12]) != spillVersion {
		return corruptErrorf("unsupported WAL spill version")
	}
	stored := binary.LittleEndian.Uint32(hdr[12:16])
	if crc32.Checksum(hdr[:12], spillCRCTable) != stored {
		return corruptErrorf("WAL spill header CRC mismatch")
	}
	return nil
}

// append writes one record, returning nothing the caller needs: spill
// records are replayed wholesale on recovery, never addressed by offset.
func (sf *spillFile) append(logKey uint64, kind PageKind, rev Revision, body []byte) error {
	buf := make([]byte, spillRecHdrSize+len(body))
	buf[0] = byte(kind)
	binary.LittleEndian.PutUint32(buf[1:5], uint32(rev))
	binary.LittleEndian.PutUint64(buf[5:13], logKey)
	binary.LittleEndian.PutUint32(buf[13:17], uint32(len(body)))
	copy(buf[spillRecHdrSize:], body)

	h := crc32.New(spillCRCTable)
	h.Write(buf[:13])
	h.Write(buf[13:17])
	h.Write(body)
	binary.LittleEndian.PutUint32(buf[17:21], h.Sum32())

	sf.mu.Lock()
	defer sf.mu.Unlock()
	n, err := sf.f.WriteAt(buf, sf.writePos)
	if err != nil {
		return wrapIo("append WAL spill record", err)
	}
	sf.writePos += int64(n)
	return nil
}

func (sf *spillFile) close() error {
	sf.mu.Lock()
	defer sf.mu.Unlock()
	return sf.f.Close()
}

// readSpillRecords reads every well-formed record following the header,
// stopping silently at the first truncated or corrupt record — the tail
// of a spill file is exactly where a crash leaves a torn write.
func readSpillRecords(path string) ([]spillRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, wrapIo("open WAL spill file for replay", err)
	}
	defer f.Close()

	if _, err := f.Seek(spillFileHdrSize, io.SeekStart); err != nil {
		return nil, wrapIo("seek past WAL spill header", err)
	}

	var out []spillRecord
	for {
		var hdr [spillRecHdrSize]byte
		if _, err := io.ReadFull(f, hdr[:]); err != nil {
			break
		}
		bodyLen := binary.LittleEndian.Uint32(hdr[13:17])
		body := make([]byte, bodyLen)
		if _, err := io.ReadFull(f, body); err != nil {
			break
		}

		h := crc32.New(spillCRCTable)
		h.Write(hdr[:13])
		h.Write(hdr[13:17])
		h.Write(body)
		if h.Sum32() != binary.LittleEndian.Uint32(hdr[17:21]) {
			break
		}

		out = append(out, spillRecord{
			Kind:     PageKind(hdr[0]),
			Revision: Revision(binary.LittleEndian.Uint32(hdr[1:5])),
			LogKey:   binary.LittleEndian.Uint64(hdr[5:13]),
			Body:     body,
		})
	}
	return out, nil
}

// ───────────────────────────────────────────────────────────────────────────
// spillManager — one spillFile per subtree (page) kind, under log/
// ───────────────────────────────────────────────────────────────────────────

// spillManager is the resource-level owner of the WAL spill area. It
// lazily opens one file per PageKind the write path ever stages, so an
// IndirectPage burst never shares a file (and therefore never shares a
// write cursor) with a RecordPage burst.
type spillManager struct {
	mu    sync.Mutex
	dir   string
	files map[PageKind]*spillFile
}

func logDir(resourceDir string) string { return filepath.Join(resourceDir, "log") }

func newSpillManager(resourceDir string) (*spillManager, error) {
	dir := logDir(resourceDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, wrapIo("create WAL spill directory", err)
	}
	return &spillManager{dir: dir, files: make(map[PageKind]*spillFile)}, nil
}

func (sm *spillManager) pathFor(kind PageKind) string {
	return filepath.Join(sm.dir, kind.String()+".wal")
}

func (sm *spillManager) fileFor(kind PageKind) (*spillFile, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if f, ok := sm.files[kind]; ok {
		return f, nil
	}
	f, err := openSpillFile(sm.pathFor(kind))
	if err != nil {
		return nil, err
	}
	sm.files[kind] = f
	return f, nil
}

// spill persists one staged page so it survives a crash before commit
// durably writes it to the resource's main data file.
func (sm *spillManager) spill(logKey uint64, rev Revision, page Page) error {
	f, err := sm.fileFor(page.Kind())
	if err != nil {
		return err
	}
	return f.append(logKey, page.Kind(), rev, page.marshalBody())
}

// replayAll reads every spill file under the log directory, returning
// each kind's staged pages keyed by logKey — the "read-only cache" the
// recovery path can hand to the next write transaction.
func (sm *spillManager) replayAll() (map[PageKind]map[uint64]Page, error) {
	entries, err := os.ReadDir(sm.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, wrapIo("list WAL spill directory", err)
	}

	out := make(map[PageKind]map[uint64]Page)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		records, err := readSpillRecords(filepath.Join(sm.dir, e.Name()))
		if err != nil {
			return nil, err
		}
		for _, rec := range records {
			page, err := unmarshalPageBody(rec.Kind, rec.Revision, rec.Body)
			if err != nil {
				// A spilled page that fails to decode is exactly the
				// kind of crash debris recovery is allowed to drop.
				continue
			}
			byKey, ok := out[rec.Kind]
			if !ok {
				byKey = make(map[uint64]Page)
				out[rec.Kind] = byKey
			}
			byKey[rec.LogKey] = page
		}
	}
	return out, nil
}

// discardAll closes and removes every spill file, returning the log
// directory to empty. Called once a commit durably lands (the spilled
// copies are now redundant) or once recovery decides to abandon an
// interrupted commit (the safe default per spec.md §4.9).
func (sm *spillManager) discardAll() error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	for kind, f := range sm.files {
		f.close()
		delete(sm.files, kind)
	}
	entries, err := os.ReadDir(sm.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return wrapIo("list WAL spill directory", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if err := os.Remove(filepath.Join(sm.dir, e.Name())); err != nil && !os.IsNotExist(err) {
			return wrapIo("remove WAL spill file", err)
		}
	}
	return nil
}

func (sm *spillManager) close() error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	var first error
	for kind, f := range sm.files {
		if err := f.close(); err != nil && first == nil {
			first = err
		}
		delete(sm.files, kind)
	}
	return first
}
