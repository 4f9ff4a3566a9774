package pager

import (
	"encoding/binary"
	"os"
	"sync"
)

// storageIO owns the single data file backing a resource: the
// double-buffered uber-page slot at offset 0, followed by an
// append-only sequence of length-prefixed frames. Writes only ever
// append or overwrite one of the two uber-slots; page frames
// themselves are never rewritten in place.
type storageIO struct {
	mu       sync.Mutex
	file     *os.File
	writePos int64
	pipeline *Pipeline
	slotSel  int // index (0 or 1) of the slot overwritten by the NEXT commit
}

// openStorageIO opens (creating if absent) the data file at path and
// positions the write cursor at end-of-file.
func openStorageIO(path string, pipeline *Pipeline) (*storageIO, bool, error) {
	_, statErr := os.Stat(path)
	created := os.IsNotExist(statErr)

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, false, wrapIo("open data file", err)
	}
	if created {
		if err := initEmptyDataFile(f); err != nil {
			f.Close()
			return nil, false, err
		}
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, false, wrapIo("stat data file", err)
	}
	pos := info.Size()
	if pos < uberSlotAreaSize {
		pos = uberSlotAreaSize
	}
	sio := &storageIO{file: f, writePos: pos, pipeline: pipeline}
	if !created {
		slot, _, err := sio.readCurrentSlot()
		if err != nil {
			f.Close()
			return nil, false, err
		}
		sio.slotSel = otherSlot(slot)
	}
	return sio, created, nil
}

func otherSlot(currentValid int) int {
	if currentValid == 0 {
		return 1
	}
	return 0
}

func initEmptyDataFile(f *os.File) error {
	if _, err := f.WriteAt(make([]byte, uberSlotAreaSize), 0); err != nil {
		return wrapIo("initialize uber slot area", err)
	}
	return nil
}

func (s *storageIO) close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}

// appendPage runs body through the byte-handler pipeline, frames it,
// and appends it to the file. It returns the offset the frame was
// written at, suitable for a PageReference.OnDiskKey.
func (s *storageIO) appendPage(kind PageKind, rev Revision, page Page) (int64, error) {
	raw := page.marshalBody()
	encoded, err := s.pipeline.Encode(raw)
	if err != nil {
		return 0, err
	}
	frame := encodeFrame(kind, rev, encoded)

	s.mu.Lock()
	defer s.mu.Unlock()
	off := s.writePos
	if _, err := s.file.WriteAt(frame, off); err != nil {
		return 0, wrapIo("append page frame", err)
	}
	s.writePos += int64(len(frame))
	return off, nil
}

// readPage reads and fully decodes the page frame at off.
func (s *storageIO) readPage(off int64) (Page, error) {
	s.mu.Lock()
	lenBuf := make([]byte, frameLenSize)
	_, err := s.file.ReadAt(lenBuf, off)
	s.mu.Unlock()
	if err != nil {
		return nil, wrapIo("read frame length", err)
	}
	frameLen := binary.LittleEndian.Uint32(lenBuf)

	payload := make([]byte, frameLen)
	s.mu.Lock()
	_, err = s.file.ReadAt(payload, off+frameLenSize)
	s.mu.Unlock()
	if err != nil {
		return nil, wrapIo("read frame payload", err)
	}

	decoded, err := decodeFrame(payload)
	if err != nil {
		return nil, err
	}
	plain, err := s.pipeline.Decode(decoded.Body)
	if err != nil {
		return nil, err
	}
	return unmarshalPageBody(decoded.Kind, decoded.Revision, plain)
}

// ───────────────────────────────────────────────────────────────────────────
// Uber-slot commit protocol
// ───────────────────────────────────────────────────────────────────────────

// readCurrentSlot reads both uber-slots and returns whichever index
// holds the valid slot with the higher revision, along with its
// decoded contents.
func (s *storageIO) readCurrentSlot() (int, uberSlot, error) {
	var raw [uberSlotAreaSize]byte
	s.mu.Lock()
	_, err := s.file.ReadAt(raw[:], 0)
	s.mu.Unlock()
	if err != nil {
		return 0, uberSlot{}, wrapIo("read uber slot area", err)
	}

	slot0, ok0 := decodeUberSlot(raw[0:uberSlotSize])
	slot1, ok1 := decodeUberSlot(raw[uberSlotSize:uberSlotAreaSize])

	switch {
	case ok0 && ok1:
		if slot1.Revision > slot0.Revision {
			return 1, slot1, nil
		}
		return 0, slot0, nil
	case ok0:
		return 0, slot0, nil
	case ok1:
		return 1, slot1, nil
	default:
		return 0, uberSlot{}, corruptErrorf("both uber-page slots are invalid")
	}
}

// commitUberPage appends the UberPage frame and then durably swings
// the inactive slot to point at it, leaving the previous slot (and
// therefore the previous UberPage) untouched if the process crashes
// mid-write.
func (s *storageIO) commitUberPage(up *UberPage) error {
	off, err := s.appendPage(KindUberPage, Revision(up.RevisionCount-1), up)
	if err != nil {
		return err
	}

	s.mu.Lock()
	sel := s.slotSel
	s.mu.Unlock()

	encoded := encodeUberSlot(uberSlot{Revision: up.RevisionCount - 1, Offset: off})
	slotOff := int64(sel * uberSlotSize)

	s.mu.Lock()
	_, err = s.file.WriteAt(encoded[:], slotOff)
	if err == nil {
		if syncErr := s.file.Sync(); syncErr != nil {
			err = syncErr
		}
	}
	if err == nil {
		s.slotSel = otherSlot(sel)
	}
	s.mu.Unlock()
	if err != nil {
		return wrapIo("swing uber slot", err)
	}
	return nil
}

// loadCurrentUberPage reads the slot that is valid on open and
// decodes the UberPage frame it points at.
func (s *storageIO) loadCurrentUberPage() (*UberPage, error) {
	_, slot, err := s.readCurrentSlot()
	if err != nil {
		return nil, err
	}
	p, err := s.readPage(slot.Offset)
	if err != nil {
		return nil, err
	}
	up, ok := p.(*UberPage)
	if !ok {
		return nil, corruptErrorf("uber slot does not point at an UberPage frame")
	}
	return up, nil
}
