//go:build linux

package percpu

import (
	"fmt"
	"runtime"

	"golang.org/x/sys/unix"
)

// pinThread binds the calling OS thread to core. The goroutine must already
// be locked to its thread.
func pinThread(core int) error {
	var set unix.CPUSet
	set.Zero()
	set.Set(core)
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		return fmt.Errorf("sched_setaffinity(core %d): %w", core, err)
	}
	return nil
}

// PinnedCore reports the single core the thread tid may run on. It fails if
// the thread's affinity mask allows more than one core.
func PinnedCore(tid int) (int, error) {
	var set unix.CPUSet
	if err := unix.SchedGetaffinity(tid, &set); err != nil {
		return -1, fmt.Errorf("sched_getaffinity(%d): %w", tid, err)
	}
	if set.Count() != 1 {
		return -1, fmt.Errorf("thread %d may run on %d cores", tid, set.Count())
	}
	for core := 0; core < len(set)*64; core++ {
		if set.IsSet(core) {
			return core, nil
		}
	}
	return -1, fmt.Errorf("thread %d has an empty affinity mask", tid)
}

// Pin locks the calling goroutine to its thread and pins that thread to
// core. The goroutine stays locked until it exits.
func Pin(core int) error {
	runtime.LockOSThread()
	return pinThread(core)
}

// ThreadID returns the kernel id of the calling thread.
func ThreadID() int {
	return unix.Gettid()
}
