// Package infq implements an unbounded FIFO queue whose working set is kept
// in memory while its overflow spills to disk: a three-tier queue (push-ring
// in memory, a file-resident middle tier, pop-ring in memory) with
// background workers that move data between tiers. It supports random
// access by logical index and a snapshot/restore protocol for consistent
// backups of an embedding process.
package infq

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/elliotnunn/infq/internal/executor"
	"github.com/elliotnunn/infq/internal/filechain"
	"github.com/elliotnunn/infq/internal/loadcache"
	"github.com/elliotnunn/infq/internal/memblock"
	"github.com/elliotnunn/infq/internal/memring"
	"github.com/elliotnunn/infq/internal/snapshotmeta"
)

const (
	filePrefix    = "file_block"
	popFilePrefix = "pop_block"
	cacheCapacity = 4096
)

// BgExecKind names one of InfQ's three background executors, for
// Suspend/Continue calls.
type BgExecKind int

const (
	DumpExec BgExecKind = iota + 1
	LoadExec
	UnlinkExec
)

// InfQ is one queue instance, rooted at a single data directory.
type InfQ struct {
	name string
	cfg  *Config
	log  *Logger

	pushMu sync.Mutex
	popMu  sync.Mutex
	fileMu sync.Mutex

	pushRing *memring.Ring
	popRing  *memring.Ring

	fileChain      *filechain.Chain
	nextFileSuffix int32
	nextPopSuffix  int32

	// fileChainCount mirrors fileChain.Len() as a lock-free counter, read by
	// onPushBlockFull while pushMu is held: the queue's lock order is
	// fileMu -> pushMu -> popMu, so a callback invoked under pushMu must not
	// acquire fileMu to make its swap-vs-dump decision.
	fileChainCount atomic.Int64

	scratch *memblock.Block

	dumpExec   *executor.Executor
	loadExec   *executor.Executor
	unlinkExec *executor.Executor

	cache *loadcache.Cache
	meta  *snapshotmeta.Store

	globalEleIdx int64
}

// New builds a fresh InfQ named name, rooted at cfg.DataPath.
func New(name string, cfg *Config) (*InfQ, error) {
	if name == "" {
		return nil, newErr(InvalidArgument, "new", "name must not be empty")
	}
	if cfg == nil {
		return nil, newErr(InvalidArgument, "new", "config must not be nil")
	}
	if err := cfg.normalize(); err != nil {
		return nil, wrapErr(InvalidArgument, "new", "invalid config", err)
	}

	meta, err := snapshotmeta.Open()
	if err != nil {
		return nil, wrapErr(IO, "new", "failed to open snapshot meta region", err)
	}

	q := &InfQ{
		name:       name,
		cfg:        cfg,
		log:        cfg.Logger,
		pushRing:   memring.New(int(cfg.PushQueueBlockNum), cfg.MemBlockSize),
		popRing:    memring.New(int(cfg.PopQueueBlockNum), cfg.MemBlockSize),
		fileChain:  filechain.New(),
		scratch:    memblock.New(cfg.MemBlockSize),
		dumpExec:   executor.New(name+"-dump", cfg.Logger.slogLogger()),
		loadExec:   executor.New(name+"-load", cfg.Logger.slogLogger()),
		unlinkExec: executor.New(name+"-unlink", cfg.Logger.slogLogger()),
		cache:      loadcache.New(cacheCapacity),
		meta:       meta,
	}
	q.pushRing.SetOnFull(q.onPushBlockFull)
	q.popRing.SetOnEmpty(q.onPopBlockEmpty)

	q.log.Info("infq initialized", "name", name, "data_path", cfg.DataPath)
	return q, nil
}

func (q *InfQ) dataPath() string { return q.cfg.DataPath }

// Push enqueues data, failing only if the push ring has no free block and
// the background dumper/swapper have not yet made room.
func (q *InfQ) Push(data []byte) error {
	q.pushMu.Lock()
	defer q.pushMu.Unlock()

	if q.pushRing.Full() {
		return newErr(Capacity, "push", "push ring is full")
	}
	if err := q.pushRing.Push(q.globalEleIdx, data); err != nil {
		return wrapErr(Capacity, "push", "failed to enqueue element", err)
	}
	q.globalEleIdx++
	return nil
}

// PopZeroCopy removes and returns the oldest element. The returned slice is
// valid only until the next mutating call on q.
func (q *InfQ) PopZeroCopy() ([]byte, error) {
	q.popMu.Lock()
	if !q.popRing.Empty() {
		data, err := q.popRing.PopZeroCopy()
		q.popMu.Unlock()
		if err != nil {
			return nil, wrapErr(Consistency, "pop", "pop ring corrupt", err)
		}
		return data, nil
	}
	q.popMu.Unlock()

	q.fileMu.Lock()
	defer q.fileMu.Unlock()
	q.pushMu.Lock()
	defer q.pushMu.Unlock()

	if q.fileChain.Len() == 0 {
		if q.pushRing.Empty() {
			return nil, nil
		}
		data, err := q.pushRing.PopZeroCopy()
		if err != nil {
			return nil, wrapErr(Consistency, "pop", "push ring corrupt", err)
		}
		// Seed the (still empty) pop ring's index range to the push
		// ring's current min, so a block swapped or appended into it
		// later is checked for contiguity against a defined range.
		if pushMin, ok := q.pushRingMinLocked(); ok {
			q.popMu.Lock()
			q.popRing.SeedEmptyRange(pushMin)
			q.popMu.Unlock()
		}
		return data, nil
	}

	q.enqueueLoadJob()
	return nil, newErr(NotReady, "pop", "data in file queue, load required")
}

// Pop is PopZeroCopy with the result copied into a fresh slice.
func (q *InfQ) Pop() ([]byte, error) {
	data, err := q.PopZeroCopy()
	if err != nil || data == nil {
		return nil, err
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// JustPop discards the oldest element without returning it.
func (q *InfQ) JustPop() error {
	_, err := q.PopZeroCopy()
	return err
}

// TopZeroCopy returns the oldest element without removing it. Only
// available while the pop ring or push ring directly holds it.
func (q *InfQ) TopZeroCopy() ([]byte, error) {
	q.popMu.Lock()
	if !q.popRing.Empty() {
		b := q.popRing.HeadBlock()
		data, ok, err := b.TopZeroCopy()
		q.popMu.Unlock()
		if err != nil {
			return nil, wrapErr(Consistency, "top", "pop ring corrupt", err)
		}
		if !ok {
			return nil, nil
		}
		return data, nil
	}
	q.popMu.Unlock()

	q.pushMu.Lock()
	defer q.pushMu.Unlock()
	if q.pushRing.Empty() {
		return nil, nil
	}
	b := q.pushRing.HeadBlock()
	data, ok, err := b.TopZeroCopy()
	if err != nil {
		return nil, wrapErr(Consistency, "top", "push ring corrupt", err)
	}
	if !ok {
		return nil, nil
	}
	return data, nil
}

// Top is TopZeroCopy with the result copied into a fresh slice.
func (q *InfQ) Top() ([]byte, error) {
	data, err := q.TopZeroCopy()
	if err != nil || data == nil {
		return nil, err
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// AtZeroCopy returns the element at logical index i (0-based from the
// oldest element currently retained). File-chain-resident elements cannot
// be returned zero-copy; use At instead.
func (q *InfQ) AtZeroCopy(i int64) ([]byte, error) {
	q.pushMu.Lock()
	q.popMu.Lock()
	defer q.popMu.Unlock()
	defer q.pushMu.Unlock()

	base, ok := q.popRingMinLocked()
	if !ok {
		base, ok = q.pushRingMinLocked()
		if !ok {
			return nil, newErr(InvalidArgument, "at", "queue is empty")
		}
	}
	idx := i + base

	pushMin, pushHas := q.pushRingMinLocked()
	popMax, popHas := q.popRingMaxLocked()

	if pushHas && idx >= pushMin {
		data, err := q.pushRing.AtZeroCopy(idx)
		if err != nil {
			return nil, wrapErr(InvalidArgument, "at", "index out of range", err)
		}
		return data, nil
	}
	if popHas && idx < popMax {
		data, err := q.popRing.AtZeroCopy(idx)
		if err != nil {
			return nil, wrapErr(InvalidArgument, "at", "index out of range", err)
		}
		return data, nil
	}
	return nil, newErr(Capacity, "at_zero_copy", "index resides in file chain; use At instead")
}

// At is AtZeroCopy's superset: it additionally resolves indices that
// currently live in the on-disk file chain.
func (q *InfQ) At(i int64) ([]byte, error) {
	data, err := q.AtZeroCopy(i)
	if err == nil {
		out := make([]byte, len(data))
		copy(out, data)
		return out, nil
	}
	if !Is(err, Capacity) {
		return nil, err
	}

	q.fileMu.Lock()
	defer q.fileMu.Unlock()

	popMin, ok := q.popRingMinLocked()
	if !ok {
		popMin = q.pushRingMinOrZero()
	}
	idx := i + popMin

	fb, err := q.fileChain.Search(idx)
	if err != nil {
		return nil, wrapErr(InvalidArgument, "at", "index not found in file chain", err)
	}

	key := loadcache.Key{Suffix: fb.Suffix(), Offset: uint32(idx - fb.StartIndex())}
	if cached, ok := q.cache.Get(key); ok {
		out := make([]byte, len(cached))
		copy(out, cached)
		return out, nil
	}

	data, err = fb.At(idx)
	if err != nil {
		return nil, wrapErr(IO, "at", "failed to read file block", err)
	}
	q.cache.Add(key, data)
	return data, nil
}

func (q *InfQ) popRingMinLocked() (int64, bool) {
	if q.popRing.Empty() {
		return 0, false
	}
	b := q.popRing.HeadBlock()
	return b.StartIndex(), true
}

func (q *InfQ) popRingMaxLocked() (int64, bool) {
	if q.popRing.Empty() {
		return 0, false
	}
	b := q.popRing.TailBlock()
	return b.StartIndex() + int64(b.EleCount()), true
}

func (q *InfQ) pushRingMinLocked() (int64, bool) {
	if q.pushRing.Empty() {
		return 0, false
	}
	b := q.pushRing.HeadBlock()
	return b.StartIndex(), true
}

func (q *InfQ) pushRingMinOrZero() int64 {
	if v, ok := q.pushRingMinLocked(); ok {
		return v
	}
	return q.globalEleIdx
}

// Size is the total number of live elements across all three tiers.
func (q *InfQ) Size() int64 {
	q.pushMu.Lock()
	pushMin, pushHas := q.pushRingMinLocked()
	q.pushMu.Unlock()

	q.popMu.Lock()
	popMin, popHas := q.popRingMinLocked()
	q.popMu.Unlock()

	switch {
	case popHas:
		return q.globalEleIdx - popMin
	case pushHas:
		return q.globalEleIdx - pushMin
	default:
		return 0
	}
}

// MemSize is the combined capacity, in bytes, of every memory block across
// both rings.
func (q *InfQ) MemSize() int64 {
	return int64(q.pushRing.BlockNum()+q.popRing.BlockNum()) * int64(q.cfg.MemBlockSize)
}

// FileSize is the combined size, in bytes, of every file block currently on
// disk in the file chain.
func (q *InfQ) FileSize() int64 {
	q.fileMu.Lock()
	defer q.fileMu.Unlock()
	var total int64
	for _, b := range q.fileChain.Blocks() {
		total += b.FileSize()
	}
	return total
}

// PushQueueJump fast-forwards the push ring past its current write block,
// freezing it so background workers and a concurrent snapshot cannot both
// mutate it.
func (q *InfQ) PushQueueJump() error {
	q.pushMu.Lock()
	defer q.pushMu.Unlock()
	if err := q.pushRing.Jump(q.globalEleIdx); err != nil {
		return wrapErr(Capacity, "push_queue_jump", "failed to freeze write block", err)
	}
	return nil
}

// SuspendBgExec pauses the named background executor.
func (q *InfQ) SuspendBgExec(kind BgExecKind) error {
	e, err := q.execFor(kind)
	if err != nil {
		return err
	}
	e.Suspend()
	return nil
}

// ContinueBgExec unconditionally resumes the named background executor.
func (q *InfQ) ContinueBgExec(kind BgExecKind) error {
	e, err := q.execFor(kind)
	if err != nil {
		return err
	}
	e.Resume()
	return nil
}

// ContinueBgExecIfSuspended is ContinueBgExec; suspension state is internal
// to executor, so this simply forwards.
func (q *InfQ) ContinueBgExecIfSuspended(kind BgExecKind) error {
	e, err := q.execFor(kind)
	if err != nil {
		return err
	}
	e.ResumeIfSuspended()
	return nil
}

func (q *InfQ) execFor(kind BgExecKind) (*executor.Executor, error) {
	switch kind {
	case DumpExec:
		return q.dumpExec, nil
	case LoadExec:
		return q.loadExec, nil
	case UnlinkExec:
		return q.unlinkExec, nil
	default:
		return nil, newErr(InvalidArgument, "bg_exec", fmt.Sprintf("unknown executor kind %d", kind))
	}
}

// CheckPushQueueInvariants verifies the push ring's element-count/index
// bookkeeping is internally consistent; intended for tests and diagnostics.
func (q *InfQ) CheckPushQueueInvariants() error {
	q.pushMu.Lock()
	defer q.pushMu.Unlock()
	min, hasMin := q.pushRingMinLocked()
	if !hasMin {
		return nil
	}
	if min > q.globalEleIdx {
		return newErr(Consistency, "check_push_queue", "push ring min exceeds global index")
	}
	return nil
}

// CheckPopQueueInvariants verifies the pop ring's element-count/index
// bookkeeping is internally consistent; intended for tests and diagnostics.
func (q *InfQ) CheckPopQueueInvariants() error {
	q.popMu.Lock()
	defer q.popMu.Unlock()
	min, hasMin := q.popRingMinLocked()
	max, hasMax := q.popRingMaxLocked()
	if hasMin != hasMax {
		return newErr(Consistency, "check_pop_queue", "pop ring min/max definedness mismatch")
	}
	if hasMin && min > max {
		return newErr(Consistency, "check_pop_queue", "pop ring min exceeds max")
	}
	return nil
}

// DebugInfo renders a human-readable dump of the queue's internal state.
func (q *InfQ) DebugInfo() string {
	q.fileMu.Lock()
	q.pushMu.Lock()
	q.popMu.Lock()
	defer q.popMu.Unlock()
	defer q.pushMu.Unlock()
	defer q.fileMu.Unlock()

	return fmt.Sprintf("infq=%s global_idx=%d\npush_ring: %s\npop_ring: %s\nfile_chain_len=%d\n%s\n%s\n%s",
		q.name, q.globalEleIdx,
		q.pushRing.DebugInfo(), q.popRing.DebugInfo(), q.fileChain.Len(),
		q.dumpExec.DebugInfo(), q.loadExec.DebugInfo(), q.unlinkExec.DebugInfo())
}

// Destroy stops the background executors and releases the shared snapshot
// meta region, leaving any on-disk file blocks in place.
func (q *InfQ) Destroy() error {
	q.dumpExec.Stop()
	q.loadExec.Stop()
	q.unlinkExec.Stop()
	if err := q.meta.Close(); err != nil {
		return wrapErr(IO, "destroy", "failed to release snapshot meta", err)
	}
	return nil
}

// DestroyCompletely is Destroy plus unlinking every file block the chain
// still references.
func (q *InfQ) DestroyCompletely() error {
	q.fileMu.Lock()
	var firstErr error
	for _, b := range q.fileChain.Blocks() {
		if err := b.Delete(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	q.fileMu.Unlock()

	if err := q.Destroy(); err != nil && firstErr == nil {
		firstErr = err
	}
	if firstErr != nil {
		return wrapErr(IO, "destroy_completely", "failed to unlink all file blocks", firstErr)
	}
	return nil
}
