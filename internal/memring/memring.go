// Package memring implements the in-memory block ring (spec §4.3): a fixed
// number of memblock.Block slots organised as a circular FIFO of blocks,
// where each block itself is a FIFO of elements. A ring fills its blocks in
// order and, once the oldest block is exhausted, recycles it as the newest.
package memring

import (
	"fmt"

	"github.com/elliotnunn/infq/internal/memblock"
)

// Ring is a fixed-size circular sequence of blocks. Both the push queue and
// the pop queue are Rings; which callbacks are wired in (onFull/onEmpty)
// determines whether it behaves as a producer-side or consumer-side ring.
type Ring struct {
	blocks     []*memblock.Block
	blockSize  int32
	firstBlock int
	blockNum   int
	usedBlocks int

	minIdx   int64
	maxIdx   int64
	hasRange bool

	// onFull is invoked every time Push rotates in a fresh tail block,
	// including the rotation that leaves the ring fully occupied. It is
	// advisory: the rotation itself never fails for lack of a free slot
	// (Push already checked Full before rotating), but the callback is the
	// hook that starts async dump work or performs a synchronous swap so a
	// slot is free again before the ring's next rotation is attempted.
	onFull func(r *Ring) error

	// onEmpty is invoked when Pop drains the head block to empty and the
	// ring needs its next block filled in (typically by loading one back
	// from disk); it receives the now-empty block to recycle in place.
	onEmpty func(r *Ring, empty *memblock.Block) error
}

// New builds a ring of blockNum blocks, each of blockSize capacity.
func New(blockNum int, blockSize int32) *Ring {
	blocks := make([]*memblock.Block, blockNum)
	for i := range blocks {
		blocks[i] = memblock.New(blockSize)
	}
	return &Ring{
		blocks:    blocks,
		blockSize: blockSize,
		blockNum:  blockNum,
	}
}

// SetOnFull wires the producer-overflow callback.
func (r *Ring) SetOnFull(f func(r *Ring) error) { r.onFull = f }

// SetOnEmpty wires the consumer-underflow callback.
func (r *Ring) SetOnEmpty(f func(r *Ring, empty *memblock.Block) error) { r.onEmpty = f }

func (r *Ring) BlockNum() int   { return r.blockNum }
func (r *Ring) BlockSize() int32 { return r.blockSize }
func (r *Ring) FullBlockNum() int { return r.usedBlocks }
func (r *Ring) FreeBlockNum() int { return r.blockNum - r.usedBlocks }
func (r *Ring) Full() bool        { return r.usedBlocks == r.blockNum }
func (r *Ring) Empty() bool       { return r.usedBlocks == 0 }

// MaxIdx is one past the highest element index ever appended to this ring
// (or the point set by SeedEmptyRange). Head removals do not change it.
func (r *Ring) MaxIdx() (int64, bool) { return r.maxIdx, r.hasRange }

func (r *Ring) tailIdx() int {
	return (r.firstBlock + r.usedBlocks - 1) % r.blockNum
}

// HeadBlock returns the oldest (pop-side) block, or nil if the ring is empty.
func (r *Ring) HeadBlock() *memblock.Block {
	if r.usedBlocks == 0 {
		return nil
	}
	return r.blocks[r.firstBlock]
}

// TailBlock returns the newest (write-side) block, or nil if the ring is empty.
func (r *Ring) TailBlock() *memblock.Block {
	if r.usedBlocks == 0 {
		return nil
	}
	return r.blocks[r.tailIdx()]
}

func (r *Ring) expandRange(startIdx int64, count int32) {
	lo, hi := startIdx, startIdx+int64(count)
	if !r.hasRange {
		r.minIdx, r.maxIdx, r.hasRange = lo, hi, true
		return
	}
	if lo < r.minIdx {
		r.minIdx = lo
	}
	if hi > r.maxIdx {
		r.maxIdx = hi
	}
}

// Push appends data at the tail block, rotating in a fresh block whenever
// the tail block has no room and then invoking onFull. It fails without
// writing when the ring is already Full.
func (r *Ring) Push(nextIdx int64, data []byte) error {
	if r.Full() {
		return fmt.Errorf("memring: push: ring is full")
	}
	if r.usedBlocks == 0 {
		r.blocks[r.firstBlock].Reset(nextIdx)
		r.usedBlocks = 1
	}

	tail := r.blocks[r.tailIdx()]
	if !tail.CanFit(len(data)) {
		// The ring is guaranteed a free slot here (checked Full above), so
		// rotation always succeeds; the onFull callback is advisory — it
		// lets the owner start async work (dump, or an immediate swap)
		// to keep a free slot available for the *next* rotation.
		next := (r.firstBlock + r.usedBlocks) % r.blockNum
		r.blocks[next].Reset(nextIdx)
		r.usedBlocks++
		tail = r.blocks[next]
		if r.onFull != nil {
			if err := r.onFull(r); err != nil {
				return fmt.Errorf("memring: push: onFull: %w", err)
			}
		}
		if !tail.CanFit(len(data)) {
			return fmt.Errorf("memring: push: element of %d bytes too large for an empty block", len(data))
		}
	}

	if err := tail.Push(data); err != nil {
		return fmt.Errorf("memring: push: %w", err)
	}
	r.expandRange(nextIdx, 1)
	return nil
}

// PopZeroCopy removes and returns the oldest live element. When the head
// block empties out, it is rotated out of the ring and handed to onEmpty
// (if wired).
func (r *Ring) PopZeroCopy() ([]byte, error) {
	if r.usedBlocks == 0 {
		return nil, nil
	}
	head := r.blocks[r.firstBlock]
	data, ok, err := head.PopZeroCopy()
	if err != nil {
		return nil, fmt.Errorf("memring: pop: %w", err)
	}
	if !ok {
		return nil, nil
	}
	if head.Empty() {
		if err := r.retireHead(); err != nil {
			return nil, fmt.Errorf("memring: pop: %w", err)
		}
	}
	return data, nil
}

func (r *Ring) retireHead() error {
	head := r.blocks[r.firstBlock]
	r.firstBlock = (r.firstBlock + 1) % r.blockNum
	r.usedBlocks--
	if r.onEmpty != nil {
		return r.onEmpty(r, head)
	}
	return nil
}

// JustPop discards the oldest element without returning it.
func (r *Ring) JustPop() error {
	_, err := r.PopZeroCopy()
	return err
}

// AtZeroCopy performs a binary search across the ring's filled blocks (in
// FIFO order) for the block whose range covers idx, excluding the tail
// block while it is still being written and empty.
func (r *Ring) AtZeroCopy(idx int64) ([]byte, error) {
	if r.usedBlocks == 0 {
		return nil, fmt.Errorf("memring: at: ring is empty")
	}

	lo, hi := 0, r.usedBlocks-1
	for lo <= hi {
		mid := (lo + hi) / 2
		b := r.blocks[(r.firstBlock+mid)%r.blockNum]
		if b.Empty() {
			hi = mid - 1
			continue
		}
		start := b.StartIndex()
		end := start + int64(b.EleCount())
		switch {
		case idx < start:
			hi = mid - 1
		case idx >= end:
			lo = mid + 1
		default:
			return b.AtZeroCopy(idx)
		}
	}
	return nil, fmt.Errorf("memring: at: index %d not present in ring", idx)
}

// SeedEmptyRange sets an empty ring's [minIdx,maxIdx) marker to the single
// point idx, so a subsequently swapped- or appended-in block is checked for
// index contiguity against a defined range rather than an absent one. Only
// meaningful while the ring is empty; a non-empty ring already has a range
// derived from its blocks.
func (r *Ring) SeedEmptyRange(idx int64) {
	if r.usedBlocks != 0 {
		return
	}
	r.minIdx, r.maxIdx, r.hasRange = idx, idx, true
}

// Jump advances the write block if it is non-empty and the ring is not
// full, resetting the new tail to start at nextIdx. No-op when the current
// tail is already empty (nothing to freeze); returns an error when the
// ring is full (nowhere to rotate to). Used by the push-queue-jump operation to freeze the
// current write block so a concurrent snapshot and the dumper cannot both
// mutate it.
func (r *Ring) Jump(nextIdx int64) error {
	if r.Full() {
		return fmt.Errorf("memring: jump: ring is full")
	}
	tail := r.TailBlock()
	if tail == nil || tail.Empty() {
		return nil
	}
	next := (r.firstBlock + r.usedBlocks) % r.blockNum
	r.blocks[next].Reset(nextIdx)
	r.usedBlocks++
	return nil
}

// SwapFullHeadWithEmptyBlock exchanges the ring's full head block for an
// already-reset replacement block (the memory-to-memory fast path of
// §4.7.4, used when the push ring's oldest full block can go directly into
// the pop ring without touching disk). Returns the block removed from the
// ring; the caller is responsible for it from here on (typically handing it
// straight to the other ring via AppendBlockAtTail).
func (r *Ring) SwapFullHeadWithEmptyBlock(repl *memblock.Block) (*memblock.Block, error) {
	if r.usedBlocks == 0 {
		return nil, fmt.Errorf("memring: swap head: ring is empty")
	}
	old := r.blocks[r.firstBlock]
	r.blocks[r.firstBlock] = repl
	r.firstBlock = (r.firstBlock + 1) % r.blockNum
	r.usedBlocks--
	return old, nil
}

// AppendBlockAtTail inserts an already-populated block directly as the
// ring's new tail, the receiving side of the memory-swap fast path and of
// the loader's scratch-block handoff (§4.7.6). The block must start at the
// ring's MaxIdx when the ring has a range. It takes the next free slot; the
// block previously stored in that slot is returned so it can be recycled
// by the other side. Fails if the ring has no free slot.
func (r *Ring) AppendBlockAtTail(full *memblock.Block) (*memblock.Block, error) {
	if r.usedBlocks == r.blockNum {
		return nil, fmt.Errorf("memring: append at tail: ring has no free slot")
	}
	if r.hasRange && full.StartIndex() != r.maxIdx {
		return nil, fmt.Errorf("memring: append at tail: block start %d is not contiguous with ring max %d", full.StartIndex(), r.maxIdx)
	}
	next := (r.firstBlock + r.usedBlocks) % r.blockNum
	displaced := r.blocks[next]
	r.blocks[next] = full
	r.usedBlocks++
	r.expandRange(full.StartIndex(), full.EleCount())
	return displaced, nil
}

// Blocks returns the ring's live blocks in FIFO order (oldest first). The
// returned slice is a fresh copy; the blocks themselves are not.
func (r *Ring) Blocks() []*memblock.Block {
	out := make([]*memblock.Block, r.usedBlocks)
	for i := range out {
		out[i] = r.blocks[(r.firstBlock+i)%r.blockNum]
	}
	return out
}

// DebugInfo renders the ring's occupancy and per-block state.
func (r *Ring) DebugInfo() string {
	s := fmt.Sprintf("blocks=%d/%d first=%d", r.usedBlocks, r.blockNum, r.firstBlock)
	for i := 0; i < r.usedBlocks; i++ {
		b := r.blocks[(r.firstBlock+i)%r.blockNum]
		s += "\n  " + b.DebugInfo()
	}
	return s
}
