package hwreg

import "errors"

var (
	ErrIdentityUnavailable = errors.New("identity register unavailable")
	ErrRegisterRange       = errors.New("register index out of range")
	ErrWrongCore           = errors.New("register not reachable from this core")
)

// Backend abstracts the raw barrier register accessors. Every method acts on
// the registers of the core it executes on; core names that core and callers
// must invoke the method from the worker pinned to it (see package percpu).
// Blade registers are shared by all cores of a group, so any member core may
// access them.
type Backend interface {
	ReadIdentity(core int) (Identity, error)
	ReadControl(core int) (Control, error)
	WriteControl(core int, ctl Control) error
	ReadBlade(core, blade int) (BladeState, error)
	WriteBladeParticipants(core, blade int, participants uint64) error
	ReadWindow(core, window int) (WindowState, error)
	WriteWindow(core, window int, st WindowState) error
	// ClearWindowStatus resets the barrier status flag of a window.
	ClearWindowStatus(core, window int) error
}
