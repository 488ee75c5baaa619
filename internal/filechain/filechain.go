// Package filechain implements the file queue's block index (spec §4.5): a
// dense, doubling-capacity array of the file blocks currently on disk, kept
// in start-index order so a global element index can be resolved to its
// owning block with a binary search.
package filechain

import (
	"fmt"

	"github.com/elliotnunn/infq/internal/fileblock"
)

const defaultCapacity = 128

// Chain holds weak (non-owning) references to file blocks in push order.
// Ownership of the blocks themselves — opening, writing, deleting — stays
// with whichever component pushed them on; the chain only orders them for
// search and tracks which suffixes are still live.
type Chain struct {
	blocks []*fileblock.Block
	first  int
	last   int // index of the next free slot
}

// New returns an empty chain.
func New() *Chain {
	return &Chain{blocks: make([]*fileblock.Block, defaultCapacity)}
}

// Len is the number of live blocks in the chain.
func (c *Chain) Len() int { return c.last - c.first }

// Push appends a block at the tail, growing the backing array if full.
func (c *Chain) Push(b *fileblock.Block) {
	if c.last >= len(c.blocks) {
		grown := make([]*fileblock.Block, len(c.blocks)*2)
		copy(grown, c.blocks)
		c.blocks = grown
	}
	c.blocks[c.last] = b
	c.last++
}

// Pop drops the oldest block from the chain; the chain no longer holds a
// reference to it. The block's backing file is not touched.
func (c *Chain) Pop() (*fileblock.Block, error) {
	if c.first >= c.last {
		return nil, fmt.Errorf("filechain: pop: chain is empty")
	}
	b := c.blocks[c.first]
	c.blocks[c.first] = nil
	c.first++
	return b, nil
}

// Head returns the oldest live block, or nil if the chain is empty.
func (c *Chain) Head() *fileblock.Block {
	if c.first >= c.last {
		return nil
	}
	return c.blocks[c.first]
}

// Tail returns the newest live block, or nil if the chain is empty.
func (c *Chain) Tail() *fileblock.Block {
	if c.first >= c.last {
		return nil
	}
	return c.blocks[c.last-1]
}

// Search binary-searches the chain for the block covering globalIdx.
func (c *Chain) Search(globalIdx int64) (*fileblock.Block, error) {
	s, e := c.first, c.last-1
	for s <= e {
		mid := (s + e) / 2
		b := c.blocks[mid]
		start := b.StartIndex()
		end := start + int64(b.EleCount())
		switch {
		case globalIdx < start:
			e = mid - 1
		case globalIdx >= end:
			s = mid + 1
		default:
			return b, nil
		}
	}
	return nil, fmt.Errorf("filechain: search: no block covers index %d", globalIdx)
}

// Blocks returns the live blocks in order, oldest first. The returned slice
// must not be mutated by the caller.
func (c *Chain) Blocks() []*fileblock.Block {
	return c.blocks[c.first:c.last]
}
