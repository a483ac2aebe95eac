// Package percpu runs functions on specific cores. Each managed core gets a
// dedicated worker goroutine locked to an OS thread that is pinned to the
// core, so a call submitted for core N executes on core N and the caller
// blocks until it has finished.
package percpu

import (
	"errors"
	"fmt"
	"runtime"
	"sort"
	"sync"

	"github.com/eapache/queue"
	"github.com/sirupsen/logrus"
)

var (
	ErrExecutorClosed = errors.New("executor is closed")
	ErrUnknownCore    = errors.New("core is not managed by the executor")
)

// Func is executed on the core it was submitted for.
type Func func(core int) error

type Options struct {
	// Pin binds every worker thread to its core. Without pinning the
	// workers still serialize per core, which is what tests rely on.
	Pin    bool
	Logger logrus.FieldLogger
}

type call struct {
	fn   Func
	done chan error
}

type worker struct {
	core    int
	mu      sync.Mutex
	cond    *sync.Cond
	pending *queue.Queue
	closed  bool
	stopped chan struct{}
}

// Executor owns one worker per core.
type Executor struct {
	workers map[int]*worker
	cores   []int
	logger  logrus.FieldLogger

	mu     sync.RWMutex
	closed bool
}

func New(cores []int, opts Options) (*Executor, error) {
	if len(cores) == 0 {
		return nil, fmt.Errorf("no cores given")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	e := &Executor{
		workers: make(map[int]*worker, len(cores)),
		logger:  logger,
	}
	for _, core := range cores {
		if core < 0 {
			return nil, fmt.Errorf("invalid core %d", core)
		}
		if _, dup := e.workers[core]; dup {
			continue
		}
		w := &worker{
			core:    core,
			pending: queue.New(),
			stopped: make(chan struct{}),
		}
		w.cond = sync.NewCond(&w.mu)
		e.workers[core] = w
		e.cores = append(e.cores, core)
	}
	sort.Ints(e.cores)

	ready := make(chan struct{}, len(e.workers))
	for _, w := range e.workers {
		go w.run(opts.Pin, logger, ready)
	}
	for range e.workers {
		<-ready
	}
	return e, nil
}

func (w *worker) run(pin bool, logger logrus.FieldLogger, ready chan<- struct{}) {
	runtime.LockOSThread()
	defer func() {
		runtime.UnlockOSThread()
		close(w.stopped)
	}()
	if pin {
		if err := pinThread(w.core); err != nil {
			// Keep serving unpinned; the register writes will then land on
			// whatever core the thread happens to run on.
			logger.WithField("core", w.core).WithError(err).Warn("Failed to pin executor thread")
		}
	}
	ready <- struct{}{}

	for {
		w.mu.Lock()
		for w.pending.Length() == 0 && !w.closed {
			w.cond.Wait()
		}
		if w.pending.Length() == 0 && w.closed {
			w.mu.Unlock()
			return
		}
		c := w.pending.Remove().(*call)
		w.mu.Unlock()

		c.done <- invoke(c.fn, w.core)
	}
}

func invoke(fn Func, core int) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("core %d: remote call panicked: %v", core, r)
		}
	}()
	return fn(core)
}

// Cores returns the managed cores in ascending order.
func (e *Executor) Cores() []int {
	return append([]int(nil), e.cores...)
}

func (e *Executor) Has(core int) bool {
	_, ok := e.workers[core]
	return ok
}

// Run executes fn on core and waits for it to complete.
func (e *Executor) Run(core int, fn Func) error {
	e.mu.RLock()
	if e.closed {
		e.mu.RUnlock()
		return ErrExecutorClosed
	}
	w, ok := e.workers[core]
	if !ok {
		e.mu.RUnlock()
		return fmt.Errorf("core %d: %w", core, ErrUnknownCore)
	}
	c := &call{fn: fn, done: make(chan error, 1)}
	w.mu.Lock()
	w.pending.Add(c)
	w.cond.Signal()
	w.mu.Unlock()
	e.mu.RUnlock()

	return <-c.done
}

// RunAny executes fn on the first managed core of candidates.
func (e *Executor) RunAny(candidates []int, fn Func) error {
	for _, core := range candidates {
		if e.Has(core) {
			return e.Run(core, fn)
		}
	}
	return fmt.Errorf("none of cores %v: %w", candidates, ErrUnknownCore)
}

// RunEach executes fn on every managed core concurrently and joins the
// errors of all cores.
func (e *Executor) RunEach(fn Func) error {
	return e.RunMany(e.cores, fn)
}

// RunMany executes fn concurrently on each of cores.
func (e *Executor) RunMany(cores []int, fn Func) error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, core := range cores {
		wg.Add(1)
		go func(core int) {
			defer wg.Done()
			if err := e.Run(core, fn); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}(core)
	}
	wg.Wait()
	return errors.Join(errs...)
}

// Close drains queued calls and stops all workers.
func (e *Executor) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.mu.Unlock()

	for _, w := range e.workers {
		w.mu.Lock()
		w.closed = true
		w.cond.Broadcast()
		w.mu.Unlock()
	}
	for _, w := range e.workers {
		<-w.stopped
	}
}
