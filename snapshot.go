package infq

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/elliotnunn/infq/internal/fileblock"
	"github.com/elliotnunn/infq/internal/filechain"
	"github.com/elliotnunn/infq/internal/memblock"
	"github.com/elliotnunn/infq/internal/memring"
	"github.com/elliotnunn/infq/internal/snapshotmeta"
)

// Dump composes a snapshot of the queue's current state into w (spec
// §4.7.7): it flushes the push ring to disk, materialises the pop ring as
// pop_block_<N> files (hard-linking the backing file of any block that was
// itself loaded from disk and hasn't changed since, rather than rewriting
// it), writes a meta descriptor into the backup snapshot-meta slot, then
// serialises the buffer. Not atomic with concurrent pushes; callers
// wanting a consistent view typically fork() around the call.
func (q *InfQ) Dump(w io.Writer) error {
	q.fileMu.Lock()
	defer q.fileMu.Unlock()

	q.pushMu.Lock()
	flushErr := q.flushPushRingLocked()
	q.pushMu.Unlock()
	if flushErr != nil {
		return wrapErr(IO, "dump", "failed to flush push ring", flushErr)
	}

	var fileRange snapshotmeta.Range
	var fileEleCount int64
	var fileSize int64
	blocks := q.fileChain.Blocks()
	if len(blocks) > 0 {
		fileRange = snapshotmeta.Range{Start: blocks[0].Suffix(), End: blocks[len(blocks)-1].Suffix() + 1}
	}
	for _, b := range blocks {
		fileEleCount += int64(b.EleCount())
		fileSize += b.FileSize()
	}

	q.popMu.Lock()
	popRange, popMeta, popErr := q.materialisePopRingLocked()
	q.popMu.Unlock()
	if popErr != nil {
		return wrapErr(IO, "dump", "failed to materialise pop ring", popErr)
	}
	popMeta.Range = popRange

	meta := snapshotmeta.Meta{
		GlobalEleIdx: q.globalEleIdx,
		File: snapshotmeta.FileMeta{
			Range:    fileRange,
			EleCount: fileEleCount,
			BlockNum: int32(len(blocks)),
			FileSize: fileSize,
		},
		PopQ:     popMeta,
		FilePath: q.dataPath(),
		InfqName: q.name,
	}
	if err := q.meta.SetBackup(meta); err != nil {
		return wrapErr(IO, "dump", "failed to write snapshot meta", err)
	}

	if err := writeSnapshotBuffer(w, meta); err != nil {
		return wrapErr(IO, "dump", "failed to serialise snapshot buffer", err)
	}
	return nil
}

// flushPushRingLocked drains every push ring block to disk, leaving a
// single empty write block reset to the current global index (spec §4.7.7
// step 1). Callers hold fileMu and pushMu.
func (q *InfQ) flushPushRingLocked() error {
	for q.pushRing.FullBlockNum() > 1 {
		repl := memblock.New(q.pushRing.BlockSize())
		old, err := q.pushRing.SwapFullHeadWithEmptyBlock(repl)
		if err != nil {
			return err
		}
		if !old.Empty() {
			if err := q.dumpPushBlockLocked(old); err != nil {
				return err
			}
		}
	}
	if tail := q.pushRing.HeadBlock(); tail != nil && !tail.Empty() {
		if err := q.dumpPushBlockLocked(tail); err != nil {
			return err
		}
		tail.Reset(q.globalEleIdx)
	}
	return nil
}

func (q *InfQ) dumpPushBlockLocked(b *memblock.Block) error {
	suffix := q.nextFileSuffix
	q.nextFileSuffix++
	fb := fileblock.New(q.dataPath(), filePrefix, suffix)
	if err := fb.Write(b); err != nil {
		return err
	}
	q.fileChain.Push(fb)
	q.fileChainCount.Add(1)
	return nil
}

// materialisePopRingLocked writes every non-empty pop ring block to disk as
// a pop_block_<N> file (spec §4.7.7 step 2), reusing a hard link wherever
// TryHardLinkReuse can verify it's safe. Callers hold fileMu and popMu.
func (q *InfQ) materialisePopRingLocked() (snapshotmeta.Range, snapshotmeta.PopQMeta, error) {
	var rng snapshotmeta.Range
	var eleCount int64
	count := 0

	for _, b := range q.popRing.Blocks() {
		if b.Empty() {
			continue
		}
		suffix := q.nextPopSuffix
		q.nextPopSuffix++
		if count == 0 {
			rng.Start = suffix
		}
		rng.End = suffix + 1

		dstPath := fileblock.Path(q.dataPath(), popFilePrefix, suffix)
		if !filechain.TryHardLinkReuse(q.dataPath(), b, dstPath) {
			fb := fileblock.New(q.dataPath(), popFilePrefix, suffix)
			if err := fb.Write(b); err != nil {
				return rng, snapshotmeta.PopQMeta{}, err
			}
		}
		eleCount += int64(b.EleCount())
		count++
	}

	var minIdx, maxIdx int64
	if head := q.popRing.HeadBlock(); head != nil {
		minIdx = head.StartIndex()
	}
	if tail := q.popRing.TailBlock(); tail != nil {
		maxIdx = tail.StartIndex() + int64(tail.EleCount())
	}

	meta := snapshotmeta.PopQMeta{
		MinIdx:    minIdx,
		MaxIdx:    maxIdx,
		EleCount:  eleCount,
		BlockNum:  int32(count),
		BlockSize: q.popRing.BlockSize(),
	}
	return rng, meta, nil
}

// Load restores the queue's state from a snapshot buffer written by Dump
// (spec §4.7.8): it validates the buffer, reconstructs the file chain from
// the on-disk file blocks the meta describes, rebuilds the pop ring by
// fully reading back its pop_block_<N> files, resets the push ring to a
// single empty block at the restored global index, and triggers the
// loader to start refilling the pop ring from the file chain. Intended to
// be called once, right after New, on a fresh InfQ pointed at the same
// data_path the snapshot was taken from.
func (q *InfQ) Load(r io.Reader) error {
	meta, err := readSnapshotBuffer(r)
	if err != nil {
		return wrapErr(Format, "load", "failed to parse snapshot buffer", err)
	}

	q.fileMu.Lock()
	defer q.fileMu.Unlock()
	q.pushMu.Lock()
	defer q.pushMu.Unlock()
	q.popMu.Lock()
	defer q.popMu.Unlock()

	chain := filechain.New()
	for suffix := meta.File.Range.Start; suffix < meta.File.Range.End; suffix++ {
		fb := fileblock.New(meta.FilePath, filePrefix, suffix)
		if err := fb.LoadHeader(); err != nil {
			return wrapErr(IO, "load", fmt.Sprintf("failed to open file block %d", suffix), err)
		}
		chain.Push(fb)
	}
	if int32(chain.Len()) != meta.File.BlockNum {
		return newErr(Consistency, "load", "file chain block count disagrees with meta")
	}
	q.fileChain = chain
	q.fileChainCount.Store(int64(chain.Len()))
	q.nextFileSuffix = meta.File.Range.End

	popRing := memring.New(int(meta.PopQ.BlockNum), meta.PopQ.BlockSize)
	popRing.SetOnEmpty(q.onPopBlockEmpty)
	var loadedEle int64
	for suffix := meta.PopQ.Range.Start; suffix < meta.PopQ.Range.End; suffix++ {
		fb := fileblock.New(meta.FilePath, popFilePrefix, suffix)
		blk := memblock.New(meta.PopQ.BlockSize)
		if err := fb.Load(blk); err != nil {
			return wrapErr(IO, "load", fmt.Sprintf("failed to load pop block %d", suffix), err)
		}
		if _, err := popRing.AppendBlockAtTail(blk); err != nil {
			return wrapErr(Consistency, "load", "failed to splice restored pop block", err)
		}
		loadedEle += int64(blk.EleCount())
	}
	if loadedEle != meta.PopQ.EleCount {
		return newErr(Consistency, "load", "restored pop ring element count disagrees with meta")
	}
	q.popRing = popRing
	q.nextPopSuffix = meta.PopQ.Range.End

	if head := q.popRing.HeadBlock(); head != nil && head.StartIndex() != meta.PopQ.MinIdx {
		return newErr(Consistency, "load", "restored pop ring min index disagrees with meta")
	}
	if tail := q.popRing.TailBlock(); tail != nil && tail.StartIndex()+int64(tail.EleCount()) != meta.PopQ.MaxIdx {
		return newErr(Consistency, "load", "restored pop ring max index disagrees with meta")
	}

	q.globalEleIdx = meta.GlobalEleIdx
	q.pushRing = memring.New(q.pushRing.BlockNum(), q.pushRing.BlockSize())
	q.pushRing.SetOnFull(q.onPushBlockFull)
	q.pushRing.SeedEmptyRange(q.globalEleIdx)

	q.enqueueLoadJob()
	return nil
}

// FetchDumpMeta returns the meta descriptor written by the most recent
// Dump, pending confirmation via DoneDump.
func (q *InfQ) FetchDumpMeta() snapshotmeta.Meta {
	return q.meta.Backup()
}

// DoneDump confirms the most recent Dump has been externally persisted
// (spec §4.7.9): files referenced only by the superseded snapshot are
// handed to the unlinker, and the backup meta generation becomes active.
// Pop-block suffixes are never reused across snapshots regardless of
// whether DoneDump is called promptly, since materialisePopRingLocked
// already advances nextPopSuffix as it writes each file during Dump.
func (q *InfQ) DoneDump() error {
	active := q.meta.Active()
	backup := q.meta.Backup()

	q.unlinkRangeDiff(filePrefix, active.File.Range, backup.File.Range)
	q.unlinkRangeDiff(popFilePrefix, active.PopQ.Range, backup.PopQ.Range)

	q.meta.Toggle()
	return nil
}

// unlinkRangeDiff enqueues an unlink job for every suffix present in
// oldRange but superseded by newRange: [oldRange.Start, min(newRange.Start,
// oldRange.End)).
func (q *InfQ) unlinkRangeDiff(prefix string, oldRange, newRange snapshotmeta.Range) {
	end := newRange.Start
	if oldRange.End < end {
		end = oldRange.End
	}
	for suffix := oldRange.Start; suffix < end; suffix++ {
		q.enqueueUnlinkJob(fileblock.New(q.dataPath(), prefix, suffix))
	}
}

// Stats mirrors the original's fetch_stats field set: memory/file sizes,
// per-ring block usage, and each background executor's suspended flag and
// pending job count.
type Stats struct {
	MemSize  int64
	FileSize int64
	Size     int64

	PushBlocksUsed  int
	PushBlocksTotal int
	PopBlocksUsed   int
	PopBlocksTotal  int

	DumpSuspended bool
	DumpPending   int
	LoadSuspended bool
	LoadPending   int

	UnlinkSuspended bool
	UnlinkPending   int
}

// Stats returns a point-in-time snapshot of the queue's resource usage and
// background worker state.
func (q *InfQ) Stats() Stats {
	q.pushMu.Lock()
	pushUsed, pushTotal := q.pushRing.FullBlockNum(), q.pushRing.BlockNum()
	q.pushMu.Unlock()

	q.popMu.Lock()
	popUsed, popTotal := q.popRing.FullBlockNum(), q.popRing.BlockNum()
	q.popMu.Unlock()

	return Stats{
		MemSize:  q.MemSize(),
		FileSize: q.FileSize(),
		Size:     q.Size(),

		PushBlocksUsed:  pushUsed,
		PushBlocksTotal: pushTotal,
		PopBlocksUsed:   popUsed,
		PopBlocksTotal:  popTotal,

		DumpSuspended: q.dumpExec.Suspended(),
		DumpPending:   q.dumpExec.PendingTaskNum(),
		LoadSuspended: q.loadExec.Suspended(),
		LoadPending:   q.loadExec.PendingTaskNum(),

		UnlinkSuspended: q.unlinkExec.Suspended(),
		UnlinkPending:   q.unlinkExec.PendingTaskNum(),
	}
}

// writeSnapshotBuffer serialises meta per spec §6's snapshot buffer format:
// magic(8) | version(8) | fixed meta struct | file_path (NUL-term) |
// infq_name (NUL-term).
func writeSnapshotBuffer(w io.Writer, meta snapshotmeta.Meta) error {
	var buf bytes.Buffer

	var tag [8]byte
	copy(tag[:], fileblock.Magic)
	buf.Write(tag[:])
	copy(tag[:], fileblock.Version)
	for i := len(fileblock.Version); i < len(tag); i++ {
		tag[i] = 0
	}
	buf.Write(tag[:])

	pathBytes := []byte(meta.FilePath)
	nameBytes := []byte(meta.InfqName)

	var num [8]byte
	putI32 := func(v int32) { binary.LittleEndian.PutUint32(num[:4], uint32(v)); buf.Write(num[:4]) }
	putI64 := func(v int64) { binary.LittleEndian.PutUint64(num[:8], uint64(v)); buf.Write(num[:8]) }

	putI32(int32(len(pathBytes)))
	putI32(int32(len(nameBytes)))
	putI64(meta.GlobalEleIdx)

	putI32(meta.File.Range.Start)
	putI32(meta.File.Range.End)
	putI64(meta.File.EleCount)
	putI32(meta.File.BlockNum)
	putI64(meta.File.FileSize)

	putI32(meta.PopQ.Range.Start)
	putI32(meta.PopQ.Range.End)
	putI64(meta.PopQ.MinIdx)
	putI64(meta.PopQ.MaxIdx)
	putI64(meta.PopQ.EleCount)
	putI32(meta.PopQ.BlockNum)
	putI32(meta.PopQ.BlockSize)

	buf.Write(pathBytes)
	buf.WriteByte(0)
	buf.Write(nameBytes)
	buf.WriteByte(0)

	_, err := w.Write(buf.Bytes())
	return err
}

const fixedMetaLen = 4 + 4 + 8 + // path_len, name_len, global_ele_idx
	4 + 4 + 8 + 4 + 8 + // file_meta: range(8) + ele_count + block_num + file_size
	4 + 4 + 8 + 8 + 8 + 4 + 4 // popq_meta: range(8) + min_idx + max_idx + ele_count + block_num + block_size

func readSnapshotBuffer(r io.Reader) (snapshotmeta.Meta, error) {
	var meta snapshotmeta.Meta

	header := make([]byte, 16)
	if _, err := io.ReadFull(r, header); err != nil {
		return meta, fmt.Errorf("snapshot: read magic/version: %w", err)
	}
	if string(header[0:8]) != fileblock.Magic {
		return meta, fmt.Errorf("snapshot: bad magic %q", header[0:8])
	}

	fixed := make([]byte, fixedMetaLen)
	if _, err := io.ReadFull(r, fixed); err != nil {
		return meta, fmt.Errorf("snapshot: read meta: %w", err)
	}
	off := 0
	readI32 := func() int32 { v := int32(binary.LittleEndian.Uint32(fixed[off:])); off += 4; return v }
	readI64 := func() int64 { v := int64(binary.LittleEndian.Uint64(fixed[off:])); off += 8; return v }

	pathLen := readI32()
	nameLen := readI32()
	meta.GlobalEleIdx = readI64()
	meta.File.Range.Start = readI32()
	meta.File.Range.End = readI32()
	meta.File.EleCount = readI64()
	meta.File.BlockNum = readI32()
	meta.File.FileSize = readI64()
	meta.PopQ.Range.Start = readI32()
	meta.PopQ.Range.End = readI32()
	meta.PopQ.MinIdx = readI64()
	meta.PopQ.MaxIdx = readI64()
	meta.PopQ.EleCount = readI64()
	meta.PopQ.BlockNum = readI32()
	meta.PopQ.BlockSize = readI32()

	pathBuf := make([]byte, pathLen+1)
	if _, err := io.ReadFull(r, pathBuf); err != nil {
		return meta, fmt.Errorf("snapshot: read file_path: %w", err)
	}
	meta.FilePath = string(pathBuf[:pathLen])

	nameBuf := make([]byte, nameLen+1)
	if _, err := io.ReadFull(r, nameBuf); err != nil {
		return meta, fmt.Errorf("snapshot: read infq_name: %w", err)
	}
	meta.InfqName = string(nameBuf[:nameLen])

	return meta, nil
}
