package executor

import (
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func silentLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestJobsRunInOrder(t *testing.T) {
	e := New("test", silentLogger())
	defer e.Stop()

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	wg.Add(5)

	for i := 0; i < 5; i++ {
		i := i
		e.AddJob(&Job{Run: func() error {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			wg.Done()
			return nil
		}})
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	for i, v := range order {
		if v != i {
			t.Fatalf("order = %v, want 0..4 in order", order)
		}
	}
}

func TestSuspendBlocksExecution(t *testing.T) {
	e := New("test", silentLogger())
	defer e.Stop()

	e.Suspend()

	var ran atomic.Bool
	done := make(chan struct{})
	e.AddJob(&Job{Run: func() error {
		ran.Store(true)
		close(done)
		return nil
	}})

	select {
	case <-done:
		t.Fatal("job ran while suspended")
	case <-time.After(50 * time.Millisecond):
	}

	e.Resume()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("job did not run after resume")
	}
	if !ran.Load() {
		t.Fatal("job did not run")
	}
}

func TestAddJobDistinctSuppressesTailDuplicate(t *testing.T) {
	e := New("test", silentLogger())
	defer e.Stop()

	e.Suspend() // keep jobs queued so the tail check sees them

	isDup := func(lastKey any) bool {
		return lastKey == "flush"
	}

	queued1 := e.AddJobDistinct(&Job{Run: func() error { return nil }, Key: "flush"}, isDup)
	queued2 := e.AddJobDistinct(&Job{Run: func() error { return nil }, Key: "flush"}, isDup)

	if !queued1 {
		t.Fatal("first job should have been queued")
	}
	if queued2 {
		t.Fatal("second job should have been suppressed as a duplicate")
	}
	if n := e.PendingTaskNum(); n != 1 {
		t.Fatalf("pending task num = %d, want 1", n)
	}
}

func TestStopDrainsQueueThenExits(t *testing.T) {
	e := New("test", silentLogger())

	var ran atomic.Int32
	for i := 0; i < 3; i++ {
		e.AddJob(&Job{Run: func() error {
			ran.Add(1)
			return nil
		}})
	}
	e.Stop()

	if ran.Load() != 3 {
		t.Fatalf("ran = %d, want 3", ran.Load())
	}
}
