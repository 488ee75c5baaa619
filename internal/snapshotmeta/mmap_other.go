//go:build !unix

package snapshotmeta

// heapBacking is the portable alternative spec §5 sanctions for hosts with
// no anonymous shared mapping: the same fixed-size, two-generation layout,
// just backed by an ordinary heap buffer instead of shared physical pages.
// A forked child on such a platform would not see updates made after the
// fork, but nothing in this package relies on that — only an embedding
// host that forks needs the region to be real shared memory.
type heapBacking struct {
	region []byte
}

func newBacking() (backing, error) {
	return &heapBacking{region: make([]byte, regionSize)}, nil
}

func (b *heapBacking) bytes() []byte { return b.region }

func (b *heapBacking) close() error { return nil }
