// Package fileblock implements the on-disk block format (spec §4.4): one
// memory block dumped to its own file, laid out as
//
//	| magic(8B) | version(8B) | start_index(8B) | ele_count(8B) | offsets | data | digest(20B) |
//
// The whole written region of the source block ([0,last_offset), not just
// the live [first_offset,last_offset) slice) is copied to keep on-disk
// offsets identical to the in-memory ones that produced them.
package fileblock

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/elliotnunn/infq/internal/memblock"
)

const (
	Magic   = "INFQUEUE"
	Version = "v0.1.0"

	metaLen      = 32 // magic(8) + version(8) + start_index(8) + ele_count(8)
	digestLen    = 20
	ioUnit       = 4096
	DefaultPrefix = "file_block"
)

// Block is a handle onto one on-disk file block: its location, cached
// header fields, and (once loaded) its offset index.
type Block struct {
	dir    string
	prefix string
	suffix int32

	startIndex int64
	eleCount   int32
	offsets    []uint32
	fileSize   int64
	digest     [digestLen]byte

	headerLoaded bool
}

// New returns a handle for the file block identified by (dir, prefix,
// suffix). It does not touch the filesystem; call Write or LoadHeader next.
func New(dir, prefix string, suffix int32) *Block {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Block{dir: dir, prefix: prefix, suffix: suffix}
}

func (b *Block) Suffix() int32      { return b.suffix }
func (b *Block) StartIndex() int64  { return b.startIndex }
func (b *Block) EleCount() int32    { return b.eleCount }
func (b *Block) FileSize() int64    { return b.fileSize }
func (b *Block) Digest() [digestLen]byte { return b.digest }

func (b *Block) path() string {
	return Path(b.dir, b.prefix, b.suffix)
}

// Path formats the on-disk path for a file block identified by (dir,
// prefix, suffix), without requiring a Block handle. Used by callers (the
// hard-link reuse decision during snapshot) that need the path of a file
// block they don't otherwise hold a handle to.
func Path(dir, prefix string, suffix int32) string {
	return filepath.Join(dir, fmt.Sprintf("%s_%d", prefix, suffix))
}

// Write dumps src to a new file, named by this block's (prefix, suffix). A
// failed write cleans up the partial file rather than leaving it behind.
func (b *Block) Write(src *memblock.Block) (err error) {
	p := b.path()
	f, err := os.OpenFile(p, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("fileblock: write: open %s: %w", p, err)
	}
	defer func() {
		f.Close()
		if err != nil {
			os.Remove(p)
		}
	}()

	digest := src.Digest()

	header := make([]byte, metaLen)
	copy(header[0:8], Magic)
	copy(header[8:16], Version)
	binary.LittleEndian.PutUint64(header[16:24], uint64(src.StartIndex()))
	binary.LittleEndian.PutUint64(header[24:32], uint64(src.EleCount()))
	if _, err = f.Write(header); err != nil {
		return fmt.Errorf("fileblock: write: header: %w", err)
	}

	offsets := src.OffsetsLive()
	offBuf := make([]byte, 4*len(offsets))
	for i, o := range offsets {
		binary.LittleEndian.PutUint32(offBuf[4*i:], o)
	}
	if err = writeChunked(f, offBuf); err != nil {
		return fmt.Errorf("fileblock: write: offsets: %w", err)
	}

	if err = writeChunked(f, src.RawData()); err != nil {
		return fmt.Errorf("fileblock: write: data: %w", err)
	}

	if _, err = f.Write(digest[:]); err != nil {
		return fmt.Errorf("fileblock: write: digest: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("fileblock: write: stat: %w", err)
	}

	b.startIndex = src.StartIndex()
	b.eleCount = src.EleCount()
	b.offsets = offsets
	b.digest = digest
	b.fileSize = info.Size()
	b.headerLoaded = true
	return nil
}

func writeChunked(f *os.File, data []byte) error {
	for len(data) > 0 {
		n := len(data)
		if n > ioUnit {
			n = ioUnit
		}
		if _, err := f.Write(data[:n]); err != nil {
			return err
		}
		data = data[n:]
	}
	return nil
}

// LoadHeader reads the magic/version/start_index/ele_count/offsets prefix
// without touching the data area, filling in the block's cached fields.
func (b *Block) LoadHeader() error {
	p := b.path()
	f, err := os.Open(p)
	if err != nil {
		return fmt.Errorf("fileblock: load header: open %s: %w", p, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("fileblock: load header: stat: %w", err)
	}
	b.fileSize = info.Size()

	header := make([]byte, metaLen)
	if _, err := io.ReadFull(f, header); err != nil {
		return fmt.Errorf("fileblock: load header: read: %w", err)
	}
	if string(header[0:8]) != Magic {
		return fmt.Errorf("fileblock: load header: %s: bad magic %q", p, header[0:8])
	}

	b.startIndex = int64(binary.LittleEndian.Uint64(header[16:24]))
	b.eleCount = int32(binary.LittleEndian.Uint64(header[24:32]))

	offBuf := make([]byte, 4*int(b.eleCount))
	if err := readChunked(f, offBuf); err != nil {
		return fmt.Errorf("fileblock: load header: offsets: %w", err)
	}
	b.offsets = make([]uint32, b.eleCount)
	for i := range b.offsets {
		b.offsets[i] = binary.LittleEndian.Uint32(offBuf[4*i:])
	}

	b.headerLoaded = true
	return nil
}

func readChunked(f *os.File, dst []byte) error {
	for len(dst) > 0 {
		n := len(dst)
		if n > ioUnit {
			n = ioUnit
		}
		if _, err := io.ReadFull(f, dst[:n]); err != nil {
			return err
		}
		dst = dst[n:]
	}
	return nil
}

func (b *Block) headerLen() int64 {
	return int64(metaLen) + 4*int64(len(b.offsets))
}

// Load reads the full block back into dst, including its offset index. The
// whole written region is restored verbatim, matching the write-side policy
// of dumping [0,last_offset) rather than only the live slice.
func (b *Block) Load(dst *memblock.Block) error {
	if !b.headerLoaded {
		if err := b.LoadHeader(); err != nil {
			return fmt.Errorf("fileblock: load: %w", err)
		}
	}

	p := b.path()
	f, err := os.Open(p)
	if err != nil {
		return fmt.Errorf("fileblock: load: open %s: %w", p, err)
	}
	defer f.Close()

	totalSize := b.fileSize - b.headerLen() - digestLen
	if totalSize < 0 {
		return fmt.Errorf("fileblock: load: %s: file too small for its own header", p)
	}
	if int64(dst.MemSize()) < totalSize {
		return fmt.Errorf("fileblock: load: %s: block capacity %d too small for %d bytes", p, dst.MemSize(), totalSize)
	}

	if _, err := f.Seek(b.headerLen(), io.SeekStart); err != nil {
		return fmt.Errorf("fileblock: load: seek: %w", err)
	}
	data := make([]byte, totalSize)
	if err := readChunked(f, data); err != nil {
		return fmt.Errorf("fileblock: load: data: %w", err)
	}

	digest := make([]byte, digestLen)
	if _, err := io.ReadFull(f, digest); err != nil {
		return fmt.Errorf("fileblock: load: digest: %w", err)
	}
	copy(b.digest[:], digest)

	return dst.LoadFromFile(b.startIndex, b.eleCount, b.offsets, data)
}

// At reads a single element directly from disk by its global index, without
// loading the rest of the block into memory.
func (b *Block) At(globalIdx int64) ([]byte, error) {
	if !b.headerLoaded {
		if err := b.LoadHeader(); err != nil {
			return nil, fmt.Errorf("fileblock: at: %w", err)
		}
	}

	local := globalIdx - b.startIndex
	if local < 0 || local >= int64(b.eleCount) {
		return nil, fmt.Errorf("fileblock: at: index %d out of range [%d,%d)", globalIdx, b.startIndex, b.startIndex+int64(b.eleCount))
	}

	p := b.path()
	f, err := os.Open(p)
	if err != nil {
		return nil, fmt.Errorf("fileblock: at: open %s: %w", p, err)
	}
	defer f.Close()

	off := int64(b.offsets[local]) + b.headerLen()
	if _, err := f.Seek(off, io.SeekStart); err != nil {
		return nil, fmt.Errorf("fileblock: at: seek: %w", err)
	}

	var lenBuf [4]byte
	if _, err := io.ReadFull(f, lenBuf[:]); err != nil {
		return nil, fmt.Errorf("fileblock: at: read length: %w", err)
	}
	size := binary.LittleEndian.Uint32(lenBuf[:])

	data := make([]byte, size)
	if _, err := io.ReadFull(f, data); err != nil {
		return nil, fmt.Errorf("fileblock: at: read data: %w", err)
	}
	return data, nil
}

// Sync flushes the file block to stable storage.
func (b *Block) Sync() error {
	p := b.path()
	f, err := os.OpenFile(p, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("fileblock: sync: open %s: %w", p, err)
	}
	defer f.Close()
	if err := f.Sync(); err != nil {
		return fmt.Errorf("fileblock: sync: %w", err)
	}
	return nil
}

// Delete removes the block's backing file.
func (b *Block) Delete() error {
	if err := os.Remove(b.path()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("fileblock: delete: %w", err)
	}
	return nil
}

// DebugInfo renders the block's cached header fields for troubleshooting.
func (b *Block) DebugInfo() string {
	return fmt.Sprintf("start_index=%d suffix=%d ele_count=%d prefix=%s file_size=%d",
		b.startIndex, b.suffix, b.eleCount, b.prefix, b.fileSize)
}

// FetchSignature reads just the trailing digest from an arbitrary file
// block path, without going through LoadHeader — used when comparing a
// candidate hard-link source against a live block's digest.
func FetchSignature(path string) ([digestLen]byte, error) {
	var out [digestLen]byte
	f, err := os.Open(path)
	if err != nil {
		return out, fmt.Errorf("fileblock: fetch signature: open %s: %w", path, err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return out, fmt.Errorf("fileblock: fetch signature: stat: %w", err)
	}
	if _, err := f.Seek(info.Size()-digestLen, io.SeekStart); err != nil {
		return out, fmt.Errorf("fileblock: fetch signature: seek: %w", err)
	}
	if _, err := io.ReadFull(f, out[:]); err != nil {
		return out, fmt.Errorf("fileblock: fetch signature: read: %w", err)
	}
	return out, nil
}
