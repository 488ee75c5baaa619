package infq

import (
	"fmt"

	"github.com/elliotnunn/infq/internal/executor"
	"github.com/elliotnunn/infq/internal/fileblock"
	"github.com/elliotnunn/infq/internal/memblock"
	"github.com/elliotnunn/infq/internal/memring"
)

// onPushBlockFull is the push ring's overflow hook (spec §4.7.4-§4.7.5). It
// runs synchronously, under pushMu, every time Push rotates the write
// block. While the file chain is empty, a full push block can go straight
// into the pop ring without touching disk; once that is no longer possible
// (the pop ring has no free slot, the file chain already holds older data
// that must stay ahead of it in FIFO order, or a dump/load job is already
// in flight) it falls back to an async dump job instead.
//
// Two conditions trigger the dump, mirroring the original's preference for
// memory over disk: the file chain is already non-empty (keep dumps to at
// most one block so a fresh push block stays cheap), or the file chain is
// empty but the ring's full-block ratio has reached BlockUsageToDump,
// so a bursty producer doesn't wait until the ring is completely full
// before anything starts moving to disk.
func (q *InfQ) onPushBlockFull(r *memring.Ring) error {
	for r.FullBlockNum() > 1 {
		head := r.HeadBlock()
		if head == nil || !q.tryPushHeadToPopSwap(r, head) {
			break
		}
	}

	full := r.FullBlockNum()
	if full <= 1 {
		return nil
	}
	usage := float64(full) / float64(r.BlockNum())
	if q.fileChainCount.Load() != 0 || usage >= q.cfg.BlockUsageToDump {
		q.enqueueDumpJob()
	}
	return nil
}

// tryPushHeadToPopSwap attempts the memory-to-memory fast path: detach the
// push ring's oldest full block and splice it directly onto the pop ring's
// tail. Declines (returns false) whenever that would be unsafe or
// impossible, leaving the block exactly where it was.
func (q *InfQ) tryPushHeadToPopSwap(r *memring.Ring, head *memblock.Block) bool {
	if q.fileChainCount.Load() != 0 {
		// Older data already sits in the file chain; swapping straight
		// across would deliver this block out of FIFO order.
		return false
	}
	if q.dumpExec.PendingTaskNum() != 0 || q.loadExec.PendingTaskNum() != 0 {
		// A dump or load job already in flight may be mutating the pop
		// ring's blocks; racing a synchronous swap against it risks
		// corrupting the block it touches.
		return false
	}

	q.popMu.Lock()
	defer q.popMu.Unlock()

	if q.popRing.Full() {
		return false
	}
	if q.popRing.Empty() {
		q.popRing.SeedEmptyRange(head.StartIndex())
	}

	repl := memblock.New(r.BlockSize())
	old, err := r.SwapFullHeadWithEmptyBlock(repl)
	if err != nil {
		q.log.Error("push ring head swap failed", "name", q.name, "error", err)
		return false
	}
	if _, err := q.popRing.AppendBlockAtTail(old); err != nil {
		q.log.Error("swapped push block rejected by pop ring", "name", q.name, "error", err)
		return false
	}
	return true
}

// onPopBlockEmpty is the pop ring's underflow hook. It runs synchronously
// under popMu whenever Pop drains a block to empty; its only job is to
// kick off an async load job when the file chain has something to refill
// from. The retired block itself is simply left to the garbage collector —
// the loader builds its own replacement from scratch.
func (q *InfQ) onPopBlockEmpty(r *memring.Ring, empty *memblock.Block) error {
	if q.fileChainCount.Load() == 0 {
		return nil
	}
	q.enqueueLoadJob()
	return nil
}

func (q *InfQ) enqueueDumpJob() {
	q.dumpExec.AddJobDistinct(&executor.Job{
		Key:      "dump",
		Run:      q.runDumpJob,
		Describe: func() string { return q.name + ": dump push ring overflow" },
	}, func(lastKey any) bool { return lastKey == "dump" })
}

func (q *InfQ) enqueueLoadJob() {
	q.loadExec.AddJobDistinct(&executor.Job{
		Key:      "load",
		Run:      q.runLoadJob,
		Describe: func() string { return q.name + ": load pop ring refill" },
	}, func(lastKey any) bool { return lastKey == "load" })
}

// runDumpJob drains every push ring block except the one currently being
// written to disk (spec §4.7.5). It never holds pushMu across a disk
// operation: the full block is detached under pushMu, then written and
// spliced into the file chain under fileMu alone. fileMu is held for the
// whole file write.
func (q *InfQ) runDumpJob() error {
	for {
		q.pushMu.Lock()
		if q.pushRing.FullBlockNum() <= 1 {
			q.pushMu.Unlock()
			return nil
		}
		repl := memblock.New(q.pushRing.BlockSize())
		old, err := q.pushRing.SwapFullHeadWithEmptyBlock(repl)
		q.pushMu.Unlock()
		if err != nil {
			return wrapErr(Consistency, "dump_job", "failed to detach push ring head", err)
		}

		q.fileMu.Lock()
		suffix := q.nextFileSuffix
		q.nextFileSuffix++
		fb := fileblock.New(q.dataPath(), filePrefix, suffix)
		writeErr := fb.Write(old)
		if writeErr == nil {
			q.fileChain.Push(fb)
			q.fileChainCount.Add(1)
		}
		q.fileMu.Unlock()
		if writeErr != nil {
			return wrapErr(IO, "dump_job", "failed to write file block", writeErr)
		}
	}
}

// runLoadJob refills the pop ring from the file chain's oldest block until
// either the pop ring is full or the file chain runs dry (spec §4.7.6). The
// file block is read into a scratch block under fileMu, then spliced onto
// the pop ring under popMu alone. popMu is never held during the disk
// read; fileMu is held for the whole read.
func (q *InfQ) runLoadJob() error {
	for {
		q.popMu.Lock()
		full := q.popRing.Full()
		q.popMu.Unlock()
		if full {
			return nil
		}

		q.fileMu.Lock()
		fb := q.fileChain.Head()
		if fb == nil {
			q.fileMu.Unlock()
			return nil
		}
		if err := fb.Load(q.scratch); err != nil {
			q.fileMu.Unlock()
			return wrapErr(IO, "load_job", "failed to read file block", err)
		}
		if _, err := q.fileChain.Pop(); err != nil {
			q.fileMu.Unlock()
			return wrapErr(Consistency, "load_job", "file chain pop desynced", err)
		}
		q.fileChainCount.Add(-1)
		loaded := q.scratch
		loaded.SetFileBlockNo(fb.Suffix())
		loaded.SetLoadFingerprint(loaded.IdentityFingerprint())
		q.scratch = memblock.New(q.cfg.MemBlockSize)
		q.fileMu.Unlock()

		q.popMu.Lock()
		_, err := q.popRing.AppendBlockAtTail(loaded)
		q.popMu.Unlock()
		if err != nil {
			return wrapErr(Consistency, "load_job", "failed to splice loaded block into pop ring", err)
		}

		// fb's backing file survives the load: TryHardLinkReuse may still
		// need it as a hard-link source for a later Dump, and a file block
		// is only unlinked via DoneDump's diff retention or
		// DestroyCompletely, never just because it has been read once.
	}
}

// enqueueUnlinkJob schedules removal of a file block's backing file once
// DoneDump's diff retention has determined it is superseded by a newer
// snapshot generation (spec §4.7.10). A failed unlink is logged, not
// retried: the file is already dropped from the chain, and a stale file
// left behind costs disk space, not correctness.
func (q *InfQ) enqueueUnlinkJob(fb *fileblock.Block) {
	q.unlinkExec.AddJob(&executor.Job{
		Run: func() error {
			if err := fb.Delete(); err != nil {
				q.log.Error("failed to unlink file block", "name", q.name, "suffix", fb.Suffix(), "error", err)
			}
			return nil
		},
		Describe: func() string { return fmt.Sprintf("%s: unlink file block suffix=%d", q.name, fb.Suffix()) },
	})
}
