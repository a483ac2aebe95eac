package hwb

import (
	"errors"
	"fmt"
	"sort"

	"a64fx-hwb/internal/hwreg"
	"a64fx-hwb/internal/pool"
	"a64fx-hwb/internal/registry"

	"github.com/sirupsen/logrus"
)

// Start enables user and kernel access to the barrier on every mapped core.
func (m *Manager) Start() error {
	cores := m.topo.MappedCores()
	err := m.exec.RunMany(cores, func(c int) error {
		return m.backend.WriteControl(c, hwreg.Control{User: true, Kernel: true})
	})
	if err != nil {
		return fmt.Errorf("enable barrier control: %v: %w", err, ErrHardware)
	}
	m.logger.WithFields(logrus.Fields{
		"cores":            len(cores),
		"groups":           m.info.Groups,
		"blades_per_group": m.info.BladesPerGroup,
		"windows_per_core": m.info.WindowsPerCore,
	}).Info("Barrier control enabled")
	return nil
}

// Shutdown reclaims every allocation, disables barrier control and stops the
// executor. The manager must not be used afterwards.
func (m *Manager) Shutdown() error {
	m.reg.Lock()
	for _, reg := range m.reg.Registrations() {
		m.unregisterLocked(reg)
	}
	m.reg.Unlock()

	err := m.exec.RunMany(m.topo.MappedCores(), func(c int) error {
		return m.backend.WriteControl(c, hwreg.Control{})
	})
	m.exec.Close()
	if err != nil {
		return fmt.Errorf("disable barrier control: %v: %w", err, ErrHardware)
	}
	m.logger.Info("Barrier control disabled")
	return nil
}

// Open registers a new device handle.
func (m *Manager) Open(task registry.Task) {
	n := m.handles.Add(1)
	m.logger.WithFields(taskFields(task)).WithField("handles", n).Debug("Handle opened")
}

// Close drops a device handle and runs the exit path for task.
func (m *Manager) Close(task registry.Task) {
	n := m.handles.Add(-1)
	m.logger.WithFields(taskFields(task)).WithField("handles", n).Debug("Handle closed")
	m.Exit(task)
}

// Exit frees every allocation of the registration task created. Other
// threads of the same process leave the registration alone.
func (m *Manager) Exit(task registry.Task) {
	m.reg.Lock()
	defer m.reg.Unlock()

	reg := m.reg.Lookup(task)
	if reg == nil || reg.Owner.PID != task.PID {
		return
	}
	m.unregisterLocked(reg)
}

func (m *Manager) unregisterLocked(reg *registry.Registration) {
	if n := reg.Len(); n > 0 {
		m.logger.WithFields(taskFields(reg.Owner)).WithField("allocations", n).Info("Reclaiming allocations of departed task")
	}
	// freeLocked shrinks reg.Allocations, so walk a copy.
	for _, alloc := range append([]*registry.Allocation(nil), reg.Allocations...) {
		g := m.pool.Group(alloc.Group)
		g.Lock()
		m.freeLocked(g, reg, alloc)
		g.Unlock()
		m.emit(Event{Type: EventReclaim, Task: alloc.Owner, Group: alloc.Group, Blade: alloc.Blade, Window: -1, Core: -1})
	}
	m.reg.Remove(reg)
}

// ActiveHandles is the number of open device handles.
func (m *Manager) ActiveHandles() int64 {
	return m.handles.Load()
}

// AllocationInfo is a copy of one allocation.
type AllocationInfo struct {
	Owner        registry.Task
	Group        int
	Blade        int
	Participants uint64
	Bindings     map[int]int // offset -> window
}

// State is a consistent copy of the pool and the registry.
type State struct {
	Pool        []pool.GroupState
	Allocations []AllocationInfo
}

// State returns a copy of the current bookkeeping, ordered by group and
// blade.
func (m *Manager) State() State {
	m.reg.Lock()
	defer m.reg.Unlock()

	st := State{Pool: m.pool.Snapshot()}
	for _, reg := range m.reg.Registrations() {
		for _, alloc := range reg.Allocations {
			info := AllocationInfo{
				Owner:        alloc.Owner,
				Group:        alloc.Group,
				Blade:        alloc.Blade,
				Participants: alloc.ParticipantMask(),
				Bindings:     make(map[int]int),
			}
			for _, offset := range alloc.AssignedOffsets() {
				info.Bindings[offset], _ = alloc.Binding(offset)
			}
			st.Allocations = append(st.Allocations, info)
		}
	}
	sort.Slice(st.Allocations, func(i, j int) bool {
		a, b := st.Allocations[i], st.Allocations[j]
		if a.Group != b.Group {
			return a.Group < b.Group
		}
		return a.Blade < b.Blade
	})
	return st
}

// Verify checks the bookkeeping invariants: every used blade and window bit
// belongs to exactly one allocation, every binding has its bit set, bound
// cores are participants and no registration is empty.
func (m *Manager) Verify() error {
	st := m.State()
	var errs []error

	blades := make(map[[2]int]int)
	windows := make(map[[3]int]int)
	bindings := 0
	for _, a := range st.Allocations {
		blades[[2]int{a.Group, a.Blade}]++
		for offset, w := range a.Bindings {
			windows[[3]int{a.Group, offset, w}]++
			bindings++
			if a.Participants&(1<<uint(offset)) == 0 {
				errs = append(errs, fmt.Errorf("group %d blade %d: offset %d bound but not a participant", a.Group, a.Blade, offset))
			}
		}
	}

	usedBlades, usedWindows := 0, 0
	for _, g := range st.Pool {
		for _, b := range g.Blades {
			usedBlades++
			if n := blades[[2]int{g.Group, b}]; n != 1 {
				errs = append(errs, fmt.Errorf("group %d blade %d marked used by %d allocations", g.Group, b, n))
			}
		}
		for offset, ws := range g.Windows {
			for _, w := range ws {
				usedWindows++
				if n := windows[[3]int{g.Group, offset, w}]; n != 1 {
					errs = append(errs, fmt.Errorf("group %d offset %d window %d bound by %d allocations", g.Group, offset, w, n))
				}
			}
		}
	}
	if usedBlades != len(st.Allocations) {
		errs = append(errs, fmt.Errorf("%d allocations but %d blades marked used", len(st.Allocations), usedBlades))
	}
	if usedWindows != bindings {
		errs = append(errs, fmt.Errorf("%d bindings but %d windows marked used", bindings, usedWindows))
	}

	m.reg.Lock()
	for _, reg := range m.reg.Registrations() {
		if reg.Len() == 0 {
			errs = append(errs, fmt.Errorf("process %d registered without allocations", reg.Owner.TGID))
		}
	}
	m.reg.Unlock()
	return errors.Join(errs...)
}
