package infq

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"
)

// waitUntil polls cond until it reports true or the deadline passes.
func waitUntil(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal(msg)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestSwapFastPathKeepsFileChainEmpty(t *testing.T) {
	// A push ring with three blocks and a pop ring with six: pushing
	// enough to roll the push ring over a couple of times should go
	// straight into the pop ring via the memory-to-memory swap, never
	// touching the file chain, as long as nothing is popped to drain the
	// pop ring's own capacity.
	q := newTestQueue(t, 64, 3, 6)

	for i := 0; i < 40; i++ {
		if err := q.Push([]byte(fmt.Sprintf("%02d", i))); err != nil {
			t.Fatalf("push %d: %v", i, err)
		}
	}

	q.fileMu.Lock()
	chainLen := q.fileChain.Len()
	q.fileMu.Unlock()
	if chainLen != 0 {
		t.Fatalf("file chain len = %d, want 0 (swap fast path should have kept data in memory)", chainLen)
	}
	if got := q.fileChainCount.Load(); got != 0 {
		t.Fatalf("fileChainCount = %d, want 0", got)
	}

	for i := 0; i < 40; i++ {
		data := popEventually(t, q)
		want := fmt.Sprintf("%02d", i)
		if string(data) != want {
			t.Fatalf("pop %d = %q, want %q", i, data, want)
		}
	}
}

func TestDumpJobRunsWhenPopRingHasNoRoom(t *testing.T) {
	// A pop ring with no free capacity forces the swap path to decline,
	// which should fall back to an async dump job that spills to disk.
	q := newTestQueue(t, 64, 4, 2)

	for i := 0; i < 10 && q.popRing.Full() == false; i++ {
		if err := q.Push([]byte(fmt.Sprintf("fill%02d", i))); err != nil {
			t.Fatalf("fill push %d: %v", i, err)
		}
	}
	q.popMu.Lock()
	popFull := q.popRing.Full()
	q.popMu.Unlock()
	if !popFull {
		t.Skip("pop ring never filled with this block geometry; swap path degenerately always available")
	}

	for i := 0; i < 40; i++ {
		if err := q.Push([]byte(fmt.Sprintf("ovf%03d", i))); err != nil {
			t.Fatalf("overflow push %d: %v", i, err)
		}
	}

	waitUntil(t, func() bool {
		q.fileMu.Lock()
		defer q.fileMu.Unlock()
		return q.fileChain.Len() > 0
	}, "dump job never wrote a file block despite a full pop ring")
}

func TestLoadJobRefillsPopRingFromFileChain(t *testing.T) {
	q := newTestQueue(t, 64, 2, 2)

	const n = 300
	for i := 0; i < n; i++ {
		if err := q.Push([]byte(fmt.Sprintf("v%03d", i))); err != nil {
			t.Fatalf("push %d: %v", i, err)
		}
	}

	for i := 0; i < n; i++ {
		data := popEventually(t, q)
		want := fmt.Sprintf("v%03d", i)
		if string(data) != want {
			t.Fatalf("pop %d = %q, want %q", i, data, want)
		}
	}

	waitUntil(t, func() bool {
		q.fileMu.Lock()
		defer q.fileMu.Unlock()
		return q.fileChain.Len() == 0
	}, "file chain never drained after all elements were popped")
}

func TestBlockUsageToDumpGatesTheFileChainEmptyDump(t *testing.T) {
	// Pop ring capacity 2 (the minimum Config accepts), never drained: after
	// the first two full push blocks are absorbed by the swap fast path, the
	// pop ring stays permanently
	// full, so the only way further full push blocks can leave memory is
	// the ratio-gated dump onPushBlockFull falls back to once the file
	// chain is empty (spec §4.7.5). A higher BlockUsageToDump should let
	// strictly more elements accumulate in memory before that first dump.
	countUntilFirstDump := func(ratio float64) int {
		t.Helper()
		cfg := DefaultConfig(t.TempDir())
		cfg.MemBlockSize = 16
		cfg.PushQueueBlockNum = 10
		cfg.PopQueueBlockNum = 2
		cfg.BlockUsageToDump = ratio
		cfg.Logger = testLogger()
		q, err := New("test", cfg)
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		defer q.Destroy()

		for i := 0; i < 5000; i++ {
			if err := q.Push([]byte{byte(i)}); err != nil {
				t.Fatalf("push %d (ratio %v): %v", i, ratio, err)
			}
			q.fileMu.Lock()
			chainLen := q.fileChain.Len()
			q.fileMu.Unlock()
			if chainLen > 0 {
				return i + 1
			}
		}
		t.Fatalf("file chain never received a block at ratio %v", ratio)
		return -1
	}

	low := countUntilFirstDump(0.2)
	high := countUntilFirstDump(0.9)
	if high <= low {
		t.Fatalf("pushes before the first dump did not grow with BlockUsageToDump: ratio=0.2 -> %d pushes, ratio=0.9 -> %d pushes", low, high)
	}
}

func TestLoadingAFileBlockDoesNotUnlinkIt(t *testing.T) {
	// A file block's backing file must survive being loaded into the pop
	// ring: it is only ever removed by DoneDump's diff retention or by
	// DestroyCompletely, never simply because the load job has read it
	// once. Otherwise a hard-link reuse attempt on a later Dump would find
	// its source file already gone.
	q := newTestQueue(t, 64, 2, 2)

	for i := 0; i < 200; i++ {
		if err := q.Push([]byte(fmt.Sprintf("%03d", i))); err != nil {
			t.Fatalf("push %d: %v", i, err)
		}
	}
	for i := 0; i < 200; i++ {
		popEventually(t, q)
	}

	waitUntil(t, func() bool {
		q.fileMu.Lock()
		defer q.fileMu.Unlock()
		return q.fileChain.Len() == 0
	}, "file chain never drained after all elements were popped")

	matches, err := filepath.Glob(filepath.Join(q.dataPath(), filePrefix+"_*"))
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) == 0 {
		t.Fatal("loading a file block into the pop ring deleted its backing file; it should only be removed by DoneDump or DestroyCompletely")
	}
}
