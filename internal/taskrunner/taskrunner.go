// Package taskrunner implements the single-threaded cooperative event
// loop the MasterProxy serialises all callback delivery onto, its
// "proxy thread": every NodeLifecycle, Publisher, Subscriber, and
// notification callback the runtime delivers to user code runs here,
// in enqueue order, never concurrently with another task.
//
// The shape -- a stop channel plus a WaitGroup, with delayed tasks on
// time.AfterFunc timers --
// generalizes a named cron-style scheduler backed by a persistent
// store into anonymous closures posted at runtime with no
// persistence.
package taskrunner

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// goroutineID extracts the calling goroutine's numeric ID from its
// stack trace header ("goroutine 123 [running]:"). This is the
// stdlib-only substitute for a thread-ID check: Go gives no public API
// for goroutine identity, so IsBoundToCurrentThread compares this
// value rather than an OS thread ID.
func goroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	field := buf[len("goroutine "):n]
	for i, b := range field {
		if b == ' ' {
			field = field[:i]
			break
		}
	}
	id, err := strconv.ParseUint(string(field), 10, 64)
	if err != nil {
		return 0
	}
	return id
}

// Runner is a single-goroutine FIFO task queue with delayed-task
// support. It has no notion of priority; tasks run strictly in the
// order they become due.
type Runner struct {
	logger *slog.Logger

	tasks chan func()

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup

	loopGoroutine atomic.Uint64
}

// New constructs a Runner. It does not start processing tasks until
// Run or Start is called.
func New(logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		logger: logger,
		tasks:  make(chan func(), 256),
		stopCh: make(chan struct{}),
	}
}

// Run blocks the calling goroutine processing tasks until Stop is
// called. This is the runtime's "foreground mode": the caller's own
// goroutine becomes the proxy thread.
func (r *Runner) Run() {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return
	}
	r.running = true
	r.mu.Unlock()

	r.loopGoroutine.Store(goroutineID())
	r.loop()
}

// Start launches the loop on a dedicated goroutine and returns
// immediately ("background mode" -- unlike Run, Start does not block,
// and an internal worker goroutine owns the proxy thread instead).
func (r *Runner) Start() {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return
	}
	r.running = true
	r.mu.Unlock()

	started := make(chan struct{})
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.loopGoroutine.Store(goroutineID())
		close(started)
		r.loop()
	}()
	<-started
}

func (r *Runner) loop() {
	for {
		select {
		case <-r.stopCh:
			return
		case fn := <-r.tasks:
			select {
			case <-r.stopCh:
				return
			default:
			}
			r.runTask(fn)
		}
	}
}

func (r *Runner) runTask(fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("taskrunner: task panicked", "recover", fmt.Sprint(rec))
		}
	}()
	fn()
}

// PostTask enqueues fn to run on the proxy thread. It is safe to call
// from any goroutine, including the proxy thread itself (the task
// runs after the current one completes, never re-entrantly).
func (r *Runner) PostTask(fn func()) {
	select {
	case r.tasks <- fn:
	case <-r.stopCh:
	}
}

// PostDelayedTask enqueues fn to run on the proxy thread no sooner
// than delay from now. The timer itself fires off the proxy thread;
// only fn's execution is serialised onto it.
func (r *Runner) PostDelayedTask(fn func(), delay time.Duration) {
	if delay <= 0 {
		r.PostTask(fn)
		return
	}
	timer := time.AfterFunc(delay, func() { r.PostTask(fn) })
	go func() {
		<-r.stopCh
		timer.Stop()
	}()
}

// IsBoundToCurrentThread reports whether the calling goroutine is the
// one running the task loop. Code that mutates runtime state must
// check this (or simply always PostTask) before touching shared
// state, per the task-runner discipline every public entry point
// enforces.
func (r *Runner) IsBoundToCurrentThread() bool {
	return r.loopGoroutine.Load() == goroutineID()
}

// Stop halts the loop. Idempotent: a second call is a no-op. Any task
// already sitting in the channel when Stop is called is dropped, not
// run -- callers that need cancellation observable by their own
// completion callback (e.g. the master client stub) must select on
// their own context rather than rely on the task runner to notify
// them.
//
// Called from the loop goroutine itself (e.g. a task posted by the
// heartbeat signaller's OnFatal that in turn calls Stop), it returns
// without waiting for the background worker's WaitGroup: that worker
// is the very goroutine running this call, so waiting on it here
// would deadlock. The loop still exits promptly once stopCh closes.
func (r *Runner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	close(r.stopCh)
	r.mu.Unlock()

	if r.IsBoundToCurrentThread() {
		return
	}
	r.wg.Wait()
}

// RunContext is a convenience wrapper around Run that returns once ctx
// is done, calling Stop on the runner first.
func RunContext(ctx context.Context, r *Runner) {
	go func() {
		<-ctx.Done()
		r.Stop()
	}()
	r.Run()
}
