package pager

import (
	"encoding/binary"
	"hash/crc32"
)

// ───────────────────────────────────────────────────────────────────────────
// Frame format
// ───────────────────────────────────────────────────────────────────────────
//
// Every persisted frame begins with a fixed header followed by a
// page-kind-specific body and ends with a checksum:
//
//	length:u32 | kind:u8 | revision:u32 | body:bytes | checksum:u32
//
// All integers are little-endian. The checksum is CRC32-C (Castagnoli)
// computed over kind|revision|body.

const (
	frameLenSize      = 4
	frameKindSize     = 1
	frameRevisionSize = 4
	frameChecksumSize = 4
	// frameHeaderSize is the size of the kind+revision prefix that is
	// covered, together with the body, by the checksum.
	frameHeaderSize = frameKindSize + frameRevisionSize
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// encodeFrame assembles a complete on-disk frame for a page body that
// has already been run through the byte-handler pipeline.
func encodeFrame(kind PageKind, rev Revision, body []byte) []byte {
	total := frameLenSize + frameHeaderSize + len(body) + frameChecksumSize
	buf := make([]byte, total)

	binary.LittleEndian.PutUint32(buf[0:4], uint32(frameHeaderSize+len(body)+frameChecksumSize))
	buf[4] = byte(kind)
	binary.LittleEndian.PutUint32(buf[5:9], uint32(rev))
	copy(buf[9:9+len(body)], body)

	sum := checksumFrame(kind, rev, body)
	binary.LittleEndian.PutUint32(buf[9+len(body):], sum)
	return buf
}

func checksumFrame(kind PageKind, rev Revision, body []byte) uint32 {
	h := crc32.New(crcTable)
	h.Write([]byte{byte(kind)})
	var revBuf [4]byte
	binary.LittleEndian.PutUint32(revBuf[:], uint32(rev))
	h.Write(revBuf[:])
	h.Write(body)
	return h.Sum32()
}

// decodedFrame is a parsed frame prior to page-kind-specific
// deserialization of its body.
type decodedFrame struct {
	Kind     PageKind
	Revision Revision
	Body     []byte
}

// decodeFrame validates and splits a raw frame (the length prefix has
// already been consumed/verified by the caller) into its typed parts.
func decodeFrame(framePayload []byte) (*decodedFrame, error) {
	if len(framePayload) < frameHeaderSize+frameChecksumSize {
		return nil, corruptErrorf("frame too short: %d bytes", len(framePayload))
	}
	kind := PageKind(framePayload[0])
	rev := Revision(binary.LittleEndian.Uint32(framePayload[1:5]))
	body := framePayload[5 : len(framePayload)-frameChecksumSize]
	storedSum := binary.LittleEndian.Uint32(framePayload[len(framePayload)-frameChecksumSize:])

	computed := checksumFrame(kind, rev, body)
	if computed != storedSum {
		return nil, corruptErrorf("checksum mismatch: stored=%08x computed=%08x", storedSum, computed)
	}
	if !validPageKind(kind) {
		return nil, corruptErrorf("unknown page kind %d", kind)
	}
	return &decodedFrame{Kind: kind, Revision: rev, Body: body}, nil
}

func validPageKind(k PageKind) bool {
	return k <= KindPathPage
}
