// Package executor implements the single-thread background job queue (spec
// §4.6): one goroutine draining a FIFO of jobs, with suspend/resume,
// tail-adjacency duplicate suppression, and graceful shutdown.
package executor

import (
	"fmt"
	"log/slog"
	"time"
)

// logThreshold is the minimum job duration that gets an info-level log line,
// to keep routine fast jobs out of the log.
const logThreshold = 10 * time.Millisecond

// Job is one unit of background work. Key identifies the job for tail-
// adjacency duplicate checks (AddJobDistinct); it may be nil if the job is
// never submitted through that path. Describe renders the job for the log
// line emitted when it runs past logThreshold; it may be nil.
type Job struct {
	Run      func() error
	Key      any
	Describe func() string
}

// Executor runs jobs strictly one at a time, in submission order, on a
// single goroutine.
type Executor struct {
	name string
	log  *slog.Logger

	submit   chan *Job
	distinct chan distinctSubmit
	suspend  chan struct{}
	resume   chan struct{}
	pendingQ chan chan int
	suspendedQ chan chan bool
	stop     chan struct{}
	done     chan struct{}
}

type distinctSubmit struct {
	job     *Job
	isDup   func(lastKey any) bool
	queued  chan bool
}

// New starts an executor's goroutine running in the background. Stop must
// be called to release it.
func New(name string, log *slog.Logger) *Executor {
	e := &Executor{
		name:     name,
		log:      log,
		submit:   make(chan *Job, 64),
		distinct: make(chan distinctSubmit),
		suspend:    make(chan struct{}),
		resume:     make(chan struct{}),
		pendingQ:   make(chan chan int),
		suspendedQ: make(chan chan bool),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	go e.run()
	return e
}

// AddJob enqueues a job for eventual execution.
func (e *Executor) AddJob(j *Job) {
	select {
	case e.submit <- j:
	case <-e.done:
	}
}

// AddJobDistinct enqueues j unless isDup reports that the current queue
// tail's Key makes j redundant (e.g. two consecutive "flush everything so
// far" jobs collapse into one). Returns whether j was actually queued.
func (e *Executor) AddJobDistinct(j *Job, isDup func(lastKey any) bool) bool {
	reply := make(chan bool, 1)
	select {
	case e.distinct <- distinctSubmit{job: j, isDup: isDup, queued: reply}:
		return <-reply
	case <-e.done:
		return false
	}
}

// Suspend pauses job execution; jobs already in flight finish, but the next
// one waits until Resume or ResumeIfSuspended is called.
func (e *Executor) Suspend() {
	select {
	case e.suspend <- struct{}{}:
	case <-e.done:
	}
}

// Resume unconditionally un-pauses the executor.
func (e *Executor) Resume() {
	select {
	case e.resume <- struct{}{}:
	case <-e.done:
	}
}

// ResumeIfSuspended is Resume; resuming an executor that is not suspended
// has no effect.
func (e *Executor) ResumeIfSuspended() {
	e.Resume()
}

// PendingTaskNum reports how many jobs are queued (including one in flight).
func (e *Executor) PendingTaskNum() int {
	reply := make(chan int, 1)
	select {
	case e.pendingQ <- reply:
		return <-reply
	case <-e.done:
		return 0
	}
}

// Suspended reports whether the executor is currently paused.
func (e *Executor) Suspended() bool {
	reply := make(chan bool, 1)
	select {
	case e.suspendedQ <- reply:
		return <-reply
	case <-e.done:
		return false
	}
}

// Stop signals the executor to drain in-flight work and exit, then blocks
// until its goroutine has returned. Safe to call more than once.
func (e *Executor) Stop() {
	select {
	case <-e.done:
		return
	default:
	}
	select {
	case e.stop <- struct{}{}:
	case <-e.done:
	}
	<-e.done
}

func (e *Executor) run() {
	var queue []*Job
	suspended := false
	stopping := false

	for {
		if stopping {
			// A stopping executor drains its queue even if it was suspended,
			// including jobs still buffered in submit.
			suspended = false
			if len(queue) == 0 {
				select {
				case j := <-e.submit:
					queue = append(queue, j)
					continue
				default:
				}
				close(e.done)
				return
			}
		}

		if suspended || len(queue) == 0 {
			select {
			case j := <-e.submit:
				queue = append(queue, j)
			case s := <-e.distinct:
				queue, _ = appendDistinct(queue, s)
			case <-e.suspend:
				suspended = true
			case <-e.resume:
				suspended = false
			case reply := <-e.pendingQ:
				reply <- len(queue)
			case reply := <-e.suspendedQ:
				reply <- suspended
			case <-e.stop:
				stopping = true
			}
			continue
		}

		// Drain any pending control messages without blocking before
		// running the next job, so Suspend/Stop take effect promptly.
		select {
		case j := <-e.submit:
			queue = append(queue, j)
			continue
		case s := <-e.distinct:
			queue, _ = appendDistinct(queue, s)
			continue
		case <-e.suspend:
			suspended = true
			continue
		case <-e.resume:
			continue
		case reply := <-e.pendingQ:
			reply <- len(queue)
			continue
		case reply := <-e.suspendedQ:
			reply <- suspended
			continue
		case <-e.stop:
			stopping = true
			continue
		default:
		}

		job := queue[0]
		start := time.Now()
		if err := job.Run(); err != nil {
			e.log.Error("background job failed", "executor", e.name, "error", err)
		}
		elapsed := time.Since(start)
		if elapsed > logThreshold && job.Describe != nil {
			e.log.Info("finished job", "executor", e.name, "job", job.Describe(), "elapsed", elapsed)
		}
		queue = queue[1:]
	}
}

// appendDistinct implements AddJobDistinct's decision: the new job is
// dropped only if the queue has a tail and isDup says it is redundant with
// that tail's key.
func appendDistinct(queue []*Job, s distinctSubmit) ([]*Job, bool) {
	if len(queue) > 0 && s.isDup(queue[len(queue)-1].Key) {
		s.queued <- false
		return queue, false
	}
	queue = append(queue, s.job)
	s.queued <- true
	return queue, true
}

// DebugInfo renders the executor's queue depth for troubleshooting.
func (e *Executor) DebugInfo() string {
	return fmt.Sprintf("executor=%s pending=%d", e.name, e.PendingTaskNum())
}
