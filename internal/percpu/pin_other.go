//go:build !linux

package percpu

import (
	"errors"
	"os"
	"runtime"
)

var errPinUnsupported = errors.New("percpu: thread pinning not supported on this platform")

func pinThread(core int) error {
	return errPinUnsupported
}

func PinnedCore(tid int) (int, error) {
	return -1, errPinUnsupported
}

func Pin(core int) error {
	runtime.LockOSThread()
	return pinThread(core)
}

func ThreadID() int {
	return os.Getpid()
}
