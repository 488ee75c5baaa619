// Package memblock implements the fixed-capacity memory block (spec §4.2):
// a byte arena holding length-prefixed, 8-byte-padded elements, with an
// offset index for random access and FIFO popping.
package memblock

import (
	"crypto/sha1"
	"fmt"

	"github.com/cespare/xxhash/v2"

	"github.com/elliotnunn/infq/internal/offsetarray"
)

const paddingMask = 0x07

// Block is one fixed-capacity arena. The zero value is not usable; build
// one with New.
type Block struct {
	mem         []byte
	memSize     int32
	startIndex  int64
	hasStart    bool
	firstOffset int32
	lastOffset  int32
	eleCount    int32
	fileBlockNo int32
	hasFileNo   bool

	loadFingerprint    uint64
	hasLoadFingerprint bool

	offsets *offsetarray.Index[uint32]
}

// New allocates a block of the given capacity, rounded up to a multiple of 8.
func New(size int32) *Block {
	size = (size + 7) &^ 7
	return &Block{
		mem:     make([]byte, size),
		memSize: size,
		offsets: offsetarray.New[uint32](),
	}
}

func (b *Block) MemSize() int32       { return b.memSize }
func (b *Block) EleCount() int32      { return b.eleCount }
func (b *Block) FirstOffset() int32   { return b.firstOffset }
func (b *Block) LastOffset() int32    { return b.lastOffset }
func (b *Block) Empty() bool          { return b.firstOffset >= b.lastOffset }
func (b *Block) HasStartIndex() bool  { return b.hasStart }
func (b *Block) StartIndex() int64    { return b.startIndex }
func (b *Block) HasFileBlockNo() bool { return b.hasFileNo }
func (b *Block) FileBlockNo() int32   { return b.fileBlockNo }

func (b *Block) SetFileBlockNo(no int32) {
	b.fileBlockNo = no
	b.hasFileNo = true
}

// IdentityFingerprint is a cheap, non-cryptographic hash of the same
// identity coordinates Digest() authenticates (SHA-1 over the same
// string). It lets a hard-link reuse decision detect, at zero I/O cost,
// that a block's identity has moved on since it was loaded, without paying
// for the authoritative on-disk SHA-1 comparison.
func (b *Block) IdentityFingerprint() uint64 {
	s := fmt.Sprintf("si=%d;fo=%d;lo=%d;ec=%d", b.startIndex, b.firstOffset, b.lastOffset, b.eleCount)
	return xxhash.Sum64String(s)
}

// SetLoadFingerprint records the fingerprint a block had at the moment it
// was loaded from disk, alongside SetFileBlockNo.
func (b *Block) SetLoadFingerprint(fp uint64) {
	b.loadFingerprint = fp
	b.hasLoadFingerprint = true
}

// LoadFingerprint returns the fingerprint recorded by SetLoadFingerprint.
func (b *Block) LoadFingerprint() (uint64, bool) {
	return b.loadFingerprint, b.hasLoadFingerprint
}

// CanFit reports whether size more bytes (plus the 4-byte length header)
// fit in the block's remaining capacity.
func (b *Block) CanFit(size int) bool {
	return int32(4+size) <= b.memSize-b.lastOffset
}

// Push appends data, length-prefixed and padded up to an 8-byte boundary.
// The start index is set by Reset; on a block that was never Reset, the
// first push marks the start index (zero) as defined.
func (b *Block) Push(data []byte) error {
	if !b.CanFit(len(data)) {
		return fmt.Errorf("memblock: push: no room for %d bytes, %d available", len(data), b.memSize-b.lastOffset)
	}

	b.offsets.Push(uint32(b.lastOffset))

	writeLE32(b.mem[b.lastOffset:], uint32(len(data)))
	b.lastOffset += 4
	copy(b.mem[b.lastOffset:], data)
	b.lastOffset += int32(len(data))

	// Padding is only applied when the padded offset still fits; otherwise
	// it is skipped so on-disk byte positions stay consistent with the
	// recorded offsets (reproduced exactly per the original implementation).
	if padded := (b.lastOffset + 7) &^ paddingMask; padded <= b.memSize {
		b.lastOffset = padded
	}

	b.eleCount++
	if !b.hasStart {
		// start index is set by the caller via Reset before the first
		// push in normal operation; this only guards direct use.
		b.hasStart = true
	}
	return nil
}

// PopZeroCopy returns the oldest live element without copying, advancing
// the block's cursors. Returns (nil, false, nil) when the block is empty.
func (b *Block) PopZeroCopy() ([]byte, bool, error) {
	if b.Empty() {
		return nil, false, nil
	}

	size := readLE32(b.mem[b.firstOffset:])
	if b.firstOffset+4+int32(size) > b.lastOffset {
		return nil, false, fmt.Errorf("memblock: pop: element at %d overruns last_offset %d", b.firstOffset, b.lastOffset)
	}

	b.firstOffset += 4
	data := b.mem[b.firstOffset : b.firstOffset+int32(size)]
	b.firstOffset += int32(size)
	if padded := (b.firstOffset + 7) &^ paddingMask; padded <= b.memSize {
		b.firstOffset = padded
	}

	b.eleCount--
	b.startIndex++
	if err := b.offsets.AdvanceStart(); err != nil {
		return nil, false, fmt.Errorf("memblock: pop: offset index desynced: %w", err)
	}
	return data, true, nil
}

// JustPop discards the oldest live element without returning it.
func (b *Block) JustPop() error {
	_, _, err := b.PopZeroCopy()
	return err
}

// TopZeroCopy is PopZeroCopy without the mutation.
func (b *Block) TopZeroCopy() ([]byte, bool, error) {
	if b.Empty() {
		return nil, false, nil
	}
	size := readLE32(b.mem[b.firstOffset:])
	if b.firstOffset+4+int32(size) > b.lastOffset {
		return nil, false, fmt.Errorf("memblock: top: element at %d overruns last_offset %d", b.firstOffset, b.lastOffset)
	}
	return b.mem[b.firstOffset+4 : b.firstOffset+4+int32(size)], true, nil
}

// AtZeroCopy returns the element at the given global index without copying.
func (b *Block) AtZeroCopy(globalIdx int64) ([]byte, error) {
	if !b.hasStart {
		return nil, fmt.Errorf("memblock: at: block has no start index")
	}
	local := globalIdx - b.startIndex
	if local < 0 || local >= int64(b.eleCount) {
		return nil, fmt.Errorf("memblock: at: index %d out of range [%d,%d)", globalIdx, b.startIndex, b.startIndex+int64(b.eleCount))
	}

	offset, err := b.offsets.Get(int(local))
	if err != nil {
		return nil, fmt.Errorf("memblock: at: %w", err)
	}
	o := int32(offset)
	if o < b.firstOffset || o >= b.lastOffset {
		return nil, fmt.Errorf("memblock: at: offset %d out of range [%d,%d)", o, b.firstOffset, b.lastOffset)
	}

	size := readLE32(b.mem[o:])
	if o+4+int32(size) > b.lastOffset {
		return nil, fmt.Errorf("memblock: at: element at %d overruns last_offset %d", o, b.lastOffset)
	}
	return b.mem[o+4 : o+4+int32(size)], nil
}

// Reset clears the block and gives it a new start index, as done before the
// block becomes the ring's next write target.
func (b *Block) Reset(startIndex int64) {
	b.startIndex = startIndex
	b.hasStart = true
	b.firstOffset = 0
	b.lastOffset = 0
	b.eleCount = 0
	b.fileBlockNo = 0
	b.hasFileNo = false
	b.loadFingerprint = 0
	b.hasLoadFingerprint = false
	b.offsets.Reset()
}

// Digest authenticates the block's identity coordinates (not its content):
// SHA-1 of "si=<start>;fo=<first>;lo=<last>;ec=<count>". Used to decide
// whether a file on disk can be safely reused via hard link during a
// snapshot.
func (b *Block) Digest() [20]byte {
	s := fmt.Sprintf("si=%d;fo=%d;lo=%d;ec=%d", b.startIndex, b.firstOffset, b.lastOffset, b.eleCount)
	return sha1.Sum([]byte(s))
}

// DebugInfo renders the block's live fields for troubleshooting.
func (b *Block) DebugInfo() string {
	if !b.hasStart {
		return ""
	}
	return fmt.Sprintf("start_index=%d ele_count=%d first_offset=%d last_offset=%d file_block_no=%d",
		b.startIndex, b.eleCount, b.firstOffset, b.lastOffset, b.fileBlockNo)
}

// OffsetsLive returns a copy of the block's live (post-start) offsets, used
// by fileblock.Write to dump the offset index alongside the data area.
func (b *Block) OffsetsLive() []uint32 {
	n := b.offsets.VisibleSize()
	out := make([]uint32, n)
	for i := 0; i < n; i++ {
		out[i], _ = b.offsets.Get(i)
	}
	return out
}

// RawData returns the block's raw [0,lastOffset) data area, used by
// fileblock.Write, which dumps the whole written region (not only the live
// range) so on-disk offsets stay identical to in-memory ones.
func (b *Block) RawData() []byte {
	return b.mem[:b.lastOffset]
}

// LoadFromFile rehydrates the block from a file block's parsed header plus
// its data bytes, used by the loader path and by restore.
func (b *Block) LoadFromFile(startIndex int64, eleCount int32, offsets []uint32, data []byte) error {
	if int32(len(data)) > b.memSize {
		return fmt.Errorf("memblock: load: data area %d exceeds block capacity %d", len(data), b.memSize)
	}
	b.startIndex = startIndex
	b.hasStart = true
	b.eleCount = eleCount
	b.offsets.Reset()
	for _, o := range offsets {
		b.offsets.Push(o)
	}
	copy(b.mem, data)
	if len(offsets) > 0 {
		b.firstOffset = int32(offsets[0])
	} else {
		b.firstOffset = 0
	}
	b.lastOffset = int32(len(data))
	return nil
}

func writeLE32(dst []byte, v uint32) {
	dst[0] = byte(v)
	dst[1] = byte(v >> 8)
	dst[2] = byte(v >> 16)
	dst[3] = byte(v >> 24)
}

func readLE32(src []byte) uint32 {
	return uint32(src[0]) | uint32(src[1])<<8 | uint32(src[2])<<16 | uint32(src[3])<<24
}
