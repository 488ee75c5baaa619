package filechain

import (
	"os"

	"github.com/elliotnunn/infq/internal/fileblock"
	"github.com/elliotnunn/infq/internal/memblock"
)

// TryHardLinkReuse attempts to materialise dstPath as a hard link to the
// file block mem was originally loaded from (spec §4.7.7 step 2), instead
// of writing mem's data out again. It declines (returns false) whenever
// that can't be cheaply verified safe:
//
//   - mem was never loaded from disk (no recorded file block number), or
//   - mem's identity has moved on since the load (its cheap fingerprint no
//     longer matches what was recorded at load time — e.g. elements have
//     since been popped from it), so no disk access is even attempted, or
//   - the source file's on-disk identity digest no longer matches mem's,
//     the one disk round-trip this function makes, reserved for the case
//     the fingerprint pre-filter couldn't already rule out.
func TryHardLinkReuse(dir string, mem *memblock.Block, dstPath string) bool {
	if !mem.HasFileBlockNo() {
		return false
	}
	fp, ok := mem.LoadFingerprint()
	if !ok || fp != mem.IdentityFingerprint() {
		return false
	}

	srcPath := fileblock.Path(dir, fileblock.DefaultPrefix, mem.FileBlockNo())
	srcDigest, err := fileblock.FetchSignature(srcPath)
	if err != nil || srcDigest != mem.Digest() {
		return false
	}

	os.Remove(dstPath)
	return os.Link(srcPath, dstPath) == nil
}
