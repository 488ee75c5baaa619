//go:build unix

package snapshotmeta

import (
	"fmt"

	"golang.org/x/sys/unix"
)

type unixBacking struct {
	region []byte
}

func newBacking() (backing, error) {
	region, err := unix.Mmap(-1, 0, regionSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("mmap: %w", err)
	}
	return &unixBacking{region: region}, nil
}

func (b *unixBacking) bytes() []byte { return b.region }

func (b *unixBacking) close() error {
	if b.region == nil {
		return nil
	}
	err := unix.Munmap(b.region)
	b.region = nil
	return err
}
