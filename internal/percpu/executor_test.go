package percpu

import (
	"errors"
	"io"
	"sort"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
)

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newExecutor(t *testing.T, cores ...int) *Executor {
	t.Helper()
	e, err := New(cores, Options{Logger: quietLogger()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(e.Close)
	return e
}

func TestRunExecutesOnRequestedCore(t *testing.T) {
	e := newExecutor(t, 0, 1, 2, 3)
	for _, core := range []int{3, 0, 2} {
		got := -1
		if err := e.Run(core, func(c int) error { got = c; return nil }); err != nil {
			t.Fatalf("Run(%d): %v", core, err)
		}
		if got != core {
			t.Fatalf("Run(%d) executed on %d", core, got)
		}
	}
}

func TestRunPropagatesErrorsAndPanics(t *testing.T) {
	e := newExecutor(t, 0)
	boom := errors.New("boom")
	if err := e.Run(0, func(int) error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("got %v, want boom", err)
	}
	if err := e.Run(0, func(int) error { panic("register fault") }); err == nil {
		t.Fatalf("expected panic to be converted into an error")
	}
	// The worker survives the panic.
	if err := e.Run(0, func(int) error { return nil }); err != nil {
		t.Fatalf("worker dead after panic: %v", err)
	}
}

func TestRunUnknownCore(t *testing.T) {
	e := newExecutor(t, 0, 1)
	if err := e.Run(9, func(int) error { return nil }); !errors.Is(err, ErrUnknownCore) {
		t.Fatalf("got %v, want ErrUnknownCore", err)
	}
}

func TestRunAnyPicksFirstManagedCore(t *testing.T) {
	e := newExecutor(t, 4, 5)
	var got int
	if err := e.RunAny([]int{1, 5, 4}, func(c int) error { got = c; return nil }); err != nil {
		t.Fatalf("RunAny: %v", err)
	}
	if got != 5 {
		t.Fatalf("RunAny ran on %d, want 5", got)
	}
	if err := e.RunAny([]int{1, 2}, func(int) error { return nil }); !errors.Is(err, ErrUnknownCore) {
		t.Fatalf("got %v, want ErrUnknownCore", err)
	}
}

func TestRunEachVisitsEveryCore(t *testing.T) {
	e := newExecutor(t, 0, 1, 2, 3, 4, 5)
	var mu sync.Mutex
	var seen []int
	err := e.RunEach(func(c int) error {
		mu.Lock()
		seen = append(seen, c)
		mu.Unlock()
		if c == 2 {
			return errors.New("core 2 failed")
		}
		return nil
	})
	if err == nil {
		t.Fatalf("expected joined error from core 2")
	}
	sort.Ints(seen)
	if len(seen) != 6 || seen[0] != 0 || seen[5] != 5 {
		t.Fatalf("visited %v", seen)
	}
}

func TestCallsOnOneCoreAreSerialized(t *testing.T) {
	e := newExecutor(t, 0)
	var inFlight, maxInFlight int
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = e.Run(0, func(int) error {
				mu.Lock()
				inFlight++
				if inFlight > maxInFlight {
					maxInFlight = inFlight
				}
				mu.Unlock()
				mu.Lock()
				inFlight--
				mu.Unlock()
				return nil
			})
		}()
	}
	wg.Wait()
	if maxInFlight != 1 {
		t.Fatalf("max concurrent calls on one core = %d", maxInFlight)
	}
}

func TestClose(t *testing.T) {
	e, err := New([]int{0, 1}, Options{Logger: quietLogger()})
	if err != nil {
		t.Fatal(err)
	}
	e.Close()
	e.Close()
	if err := e.Run(0, func(int) error { return nil }); !errors.Is(err, ErrExecutorClosed) {
		t.Fatalf("got %v, want ErrExecutorClosed", err)
	}
}
