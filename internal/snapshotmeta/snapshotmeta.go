// Package snapshotmeta implements the double-buffered snapshot descriptor
// (spec §3, "Snapshot meta"): two generations of {file-range, pop-queue
// geometry, counts} describing the most recent persisted snapshot, encoded
// directly into a shared anonymous mapping so a forked child can read the
// active generation off the same physical pages without any IPC.
package snapshotmeta

import (
	"encoding/binary"
	"fmt"
)

// Range is a half-open [Start, End) span of file-block suffixes.
type Range struct {
	Start int32
	End   int32
}

// Len is the number of suffixes the range covers.
func (r Range) Len() int32 { return r.End - r.Start }

// FileMeta describes the file chain's contribution to a snapshot.
type FileMeta struct {
	Range    Range
	EleCount int64
	BlockNum int32
	FileSize int64
}

// PopQMeta describes the pop ring's contribution to a snapshot, including
// its geometry so a restore can reallocate matching blocks.
type PopQMeta struct {
	Range     Range
	MinIdx    int64
	MaxIdx    int64
	EleCount  int64
	BlockNum  int32
	BlockSize int32
}

// Meta is one generation of a snapshot descriptor.
type Meta struct {
	GlobalEleIdx int64
	File         FileMeta
	PopQ         PopQMeta
	FilePath     string
	InfqName     string
}

// maxPathLen and maxNameLen bound the variable-length fields that go into a
// generation slot: the region is a fixed-size mapping, so unlike the
// NUL-terminated strings in the snapshot buffer wire format, these have a
// hard cap.
const (
	maxPathLen = 1024
	maxNameLen = 256

	// fixedLen is every scalar field of Meta, laid out the same way
	// writeSnapshotBuffer lays out the snapshot buffer's fixed section:
	// path_len(4) + name_len(4) + global_ele_idx(8) + file_meta(28) +
	// popq_meta(40).
	fixedLen = 4 + 4 + 8 +
		4 + 4 + 8 + 4 + 8 +
		4 + 4 + 8 + 8 + 8 + 4 + 4

	genSlotSize  = fixedLen + maxPathLen + maxNameLen
	regionSize   = 4 + 2*genSlotSize // active-generation cursor + two slots
	activeIdxOff = 0
)

func genOffset(idx int) int { return 4 + idx*genSlotSize }

// encodeMeta writes m into dst, a genSlotSize-byte slice, returning an error
// if FilePath or InfqName is too long to fit the fixed-width slot.
func encodeMeta(dst []byte, m Meta) error {
	pathBytes := []byte(m.FilePath)
	nameBytes := []byte(m.InfqName)
	if len(pathBytes) > maxPathLen {
		return fmt.Errorf("snapshotmeta: file_path of %d bytes exceeds slot capacity %d", len(pathBytes), maxPathLen)
	}
	if len(nameBytes) > maxNameLen {
		return fmt.Errorf("snapshotmeta: infq_name of %d bytes exceeds slot capacity %d", len(nameBytes), maxNameLen)
	}

	off := 0
	putI32 := func(v int32) { binary.LittleEndian.PutUint32(dst[off:], uint32(v)); off += 4 }
	putI64 := func(v int64) { binary.LittleEndian.PutUint64(dst[off:], uint64(v)); off += 8 }

	putI32(int32(len(pathBytes)))
	putI32(int32(len(nameBytes)))
	putI64(m.GlobalEleIdx)

	putI32(m.File.Range.Start)
	putI32(m.File.Range.End)
	putI64(m.File.EleCount)
	putI32(m.File.BlockNum)
	putI64(m.File.FileSize)

	putI32(m.PopQ.Range.Start)
	putI32(m.PopQ.Range.End)
	putI64(m.PopQ.MinIdx)
	putI64(m.PopQ.MaxIdx)
	putI64(m.PopQ.EleCount)
	putI32(m.PopQ.BlockNum)
	putI32(m.PopQ.BlockSize)

	clear(dst[off : off+maxPathLen+maxNameLen])
	copy(dst[off:], pathBytes)
	copy(dst[off+maxPathLen:], nameBytes)
	return nil
}

// decodeMeta is the inverse of encodeMeta.
func decodeMeta(src []byte) Meta {
	var m Meta
	off := 0
	readI32 := func() int32 { v := int32(binary.LittleEndian.Uint32(src[off:])); off += 4; return v }
	readI64 := func() int64 { v := int64(binary.LittleEndian.Uint64(src[off:])); off += 8; return v }

	pathLen := readI32()
	nameLen := readI32()
	m.GlobalEleIdx = readI64()

	m.File.Range.Start = readI32()
	m.File.Range.End = readI32()
	m.File.EleCount = readI64()
	m.File.BlockNum = readI32()
	m.File.FileSize = readI64()

	m.PopQ.Range.Start = readI32()
	m.PopQ.Range.End = readI32()
	m.PopQ.MinIdx = readI64()
	m.PopQ.MaxIdx = readI64()
	m.PopQ.EleCount = readI64()
	m.PopQ.BlockNum = readI32()
	m.PopQ.BlockSize = readI32()

	m.FilePath = string(src[off : off+int(pathLen)])
	m.InfqName = string(src[off+maxPathLen : off+maxPathLen+int(nameLen)])
	return m
}

// Store holds two generations of Meta, toggled by DoneDump's two-generation
// retention scheme, encoded directly into backing's region rather than kept
// as ordinary Go struct fields: on a platform where that region is a real
// MAP_SHARED|MAP_ANON mapping, a forked child inherits the same physical
// pages and can decode the active generation straight out of them.
type Store struct {
	backing backing
}

// Open creates (or attaches to) the region backing a Store. On platforms
// without anonymous shared mappings, it falls back to an equivalently-sized
// process-local buffer with identical encode/decode behaviour — the
// "portable alternative" of exposing the same meta via an explicit
// accessor the caller must use before forking, rather than relying on
// shared physical memory. Either way the two-slot layout is what preserves
// DoneDump's diff-retention semantics.
func Open() (*Store, error) {
	b, err := newBacking()
	if err != nil {
		return nil, fmt.Errorf("snapshotmeta: open: %w", err)
	}
	return &Store{backing: b}, nil
}

// Close releases the region.
func (s *Store) Close() error {
	return s.backing.close()
}

func (s *Store) activeIdx() int {
	return int(binary.LittleEndian.Uint32(s.backing.bytes()[activeIdxOff:]))
}

// Active returns the currently active generation.
func (s *Store) Active() Meta {
	b := s.backing.bytes()
	return decodeMeta(b[genOffset(s.activeIdx()):])
}

// Backup returns the non-active (being written) generation.
func (s *Store) Backup() Meta {
	b := s.backing.bytes()
	return decodeMeta(b[genOffset(1-s.activeIdx()):])
}

// SetBackup overwrites the non-active generation, the step taken while
// composing a new snapshot (spec §4.7.7 step 3).
func (s *Store) SetBackup(m Meta) error {
	b := s.backing.bytes()
	return encodeMeta(b[genOffset(1-s.activeIdx()):], m)
}

// Toggle flips which generation is active, the last step of done_dump
// (spec §4.7.9).
func (s *Store) Toggle() {
	b := s.backing.bytes()
	binary.LittleEndian.PutUint32(b[activeIdxOff:], uint32(1-s.activeIdx()))
}

// backing abstracts the platform-specific region underneath a Store: on
// unix it is a real MAP_SHARED|MAP_ANON mapping, elsewhere it is a
// plain heap buffer of the same size and layout.
type backing interface {
	bytes() []byte
	close() error
}
