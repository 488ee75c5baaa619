// Package loadcache caches recently read file-block element bytes keyed by
// (suffix, offset), so repeated at() calls against the same region of the
// file chain skip a disk read. Grounded on the admission-counted block
// cache pattern used for decompressed archive blocks elsewhere in the
// pack, repurposed here for queue file-block data.
package loadcache

import (
	"github.com/cespare/xxhash/v2"
	"github.com/dgryski/go-tinylfu"
)

// Key identifies one cached element by its owning file block's suffix and
// its position within that block (InfQ.At uses the element's global index
// minus the block's start index).
type Key struct {
	Suffix int32
	Offset uint32
}

func hashKey(k Key) uint64 {
	var buf [8]byte
	buf[0] = byte(k.Suffix)
	buf[1] = byte(k.Suffix >> 8)
	buf[2] = byte(k.Suffix >> 16)
	buf[3] = byte(k.Suffix >> 24)
	buf[4] = byte(k.Offset)
	buf[5] = byte(k.Offset >> 8)
	buf[6] = byte(k.Offset >> 16)
	buf[7] = byte(k.Offset >> 24)
	return xxhash.Sum64(buf[:])
}

// Cache is a fixed-capacity, admission-counted cache of element bytes.
type Cache struct {
	t *tinylfu.T[Key, []byte]
}

// New returns a cache admitting up to capacity entries.
func New(capacity int) *Cache {
	if capacity <= 0 {
		capacity = 1
	}
	return &Cache{t: tinylfu.New[Key, []byte](capacity, capacity*10, hashKey)}
}

// Get returns the cached bytes for key, if present.
func (c *Cache) Get(key Key) ([]byte, bool) {
	return c.t.Get(key)
}

// Add records data as the cached value for key.
func (c *Cache) Add(key Key, data []byte) {
	c.t.Add(key, data)
}
