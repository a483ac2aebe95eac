// Package hwb implements the barrier blade allocation manager. It keeps the
// resource pool, the task registry and the hardware registers consistent:
//   - Blades are reserved first-fit per locality group and owned by one task
//   - Windows bind a participant core to a blade on that core's registers
//   - Every exit path (free, handle close, task exit, reset) tears down both
//     bookkeeping and hardware state
//
// Locking is two-level. The registry mutex is held for the whole logical
// operation and the group mutex of the pool is nested inside it.
package hwb

import (
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"a64fx-hwb/internal/hwreg"
	"a64fx-hwb/internal/logging"
	"a64fx-hwb/internal/percpu"
	"a64fx-hwb/internal/pool"
	"a64fx-hwb/internal/registry"
	"a64fx-hwb/internal/topology"

	"github.com/sirupsen/logrus"
)

// AutoWindow asks AssignWindow to pick a window, and UnassignWindow to
// release whatever window is bound.
const AutoWindow = -1

// Executor runs register accesses on the core that owns the registers.
type Executor interface {
	topology.Executor
	RunAny(candidates []int, fn percpu.Func) error
	RunMany(cores []int, fn percpu.Func) error
	Close()
}

// HardwareInfo describes the managed barrier resources.
type HardwareInfo struct {
	Groups           int
	BladesPerGroup   int
	WindowsPerCore   int
	MaxCoresPerGroup int
}

type Options struct {
	BladesPerGroup int
	WindowsPerCore int
	Logger         logrus.FieldLogger
	Events         EventSink
}

type Manager struct {
	exec    Executor
	backend hwreg.Backend
	topo    *topology.Table
	pool    *pool.Pool
	reg     *registry.Registry
	info    HardwareInfo
	logger  logrus.FieldLogger
	events  EventSink
	now     func() time.Time

	handles atomic.Int64
}

func NewManager(exec Executor, backend hwreg.Backend, topo *topology.Table, opts Options) (*Manager, error) {
	if opts.BladesPerGroup <= 0 || opts.WindowsPerCore <= 0 {
		return nil, fmt.Errorf("invalid capacities: %d blades, %d windows", opts.BladesPerGroup, opts.WindowsPerCore)
	}
	if opts.BladesPerGroup > hwreg.MaxBlades {
		return nil, fmt.Errorf("%d blades per group exceed the window register limit of %d", opts.BladesPerGroup, hwreg.MaxBlades)
	}
	// Offsets beyond the participant mask could never be programmed.
	if topo.MaxOffsets() > hwreg.MaxParticipants {
		return nil, fmt.Errorf("topology has %d offsets per group, the blade mask holds %d", topo.MaxOffsets(), hwreg.MaxParticipants)
	}
	p, err := pool.New(topo.NumGroups(), topo.MaxOffsets(), opts.BladesPerGroup, opts.WindowsPerCore)
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.GetManagerLogger()
	}
	return &Manager{
		exec:    exec,
		backend: backend,
		topo:    topo,
		pool:    p,
		reg:     registry.New(),
		info: HardwareInfo{
			Groups:           topo.NumGroups(),
			BladesPerGroup:   opts.BladesPerGroup,
			WindowsPerCore:   opts.WindowsPerCore,
			MaxCoresPerGroup: topo.MaxCoresPerGroup(),
		},
		logger: logger,
		events: opts.Events,
		now:    time.Now,
	}, nil
}

// HardwareInfo reports the resource geometry.
func (m *Manager) HardwareInfo() HardwareInfo {
	return m.info
}

// Topology returns the core table the manager was built with.
func (m *Manager) Topology() *topology.Table {
	return m.topo
}

// GetPeInfo queries the identity register of core on that core.
func (m *Manager) GetPeInfo(core int) (hwreg.Identity, error) {
	if !m.topo.Online(core) {
		return hwreg.Identity{}, fmt.Errorf("core %d is not online: %w", core, ErrInvalidArgument)
	}
	var id hwreg.Identity
	err := m.exec.Run(core, func(c int) error {
		var err error
		id, err = m.backend.ReadIdentity(c)
		return err
	})
	if err != nil {
		return hwreg.Identity{}, fmt.Errorf("identity of core %d: %v: %w", core, err, ErrHardware)
	}
	return id, nil
}

// AllocateBlade reserves the lowest free blade of group for the given
// participant cores and programs its participant mask.
func (m *Manager) AllocateBlade(task registry.Task, group int, cores []int) (int, error) {
	if len(cores) == 0 {
		return -1, fmt.Errorf("empty core set: %w", ErrInvalidArgument)
	}
	if group < 0 || group >= m.info.Groups {
		return -1, fmt.Errorf("group %d out of range: %w", group, ErrInvalidArgument)
	}
	unique, offsets, err := m.resolveCores(group, cores)
	if err != nil {
		return -1, err
	}
	if len(unique) < 2 {
		return -1, fmt.Errorf("barrier needs at least 2 cores, got %d: %w", len(unique), ErrInvalidArgument)
	}

	m.reg.Lock()
	defer m.reg.Unlock()

	g := m.pool.Group(group)
	g.Lock()
	defer g.Unlock()

	blade, ok := g.FindFreeBlade()
	if !ok {
		return -1, fmt.Errorf("no free blade in group %d: %w", group, ErrResourceExhausted)
	}

	alloc := registry.NewAllocation(task, group, blade, offsets, m.topo.MaxOffsets())
	mask := alloc.ParticipantMask()
	if err := m.writeParticipants(group, blade, mask); err != nil {
		return -1, err
	}
	g.MarkBladeUsed(blade)

	reg := m.reg.Lookup(task)
	if reg == nil {
		reg = m.reg.Create(task, unique)
		m.logger.WithFields(taskFields(task)).Debug("Registered task")
	}
	reg.Add(alloc)

	m.logger.WithFields(m.allocFields(task, alloc)).WithField("allocations", reg.Len()).Info("Allocated blade")
	m.emit(Event{Type: EventAllocate, Task: task, Group: group, Blade: blade, Window: -1, Core: -1, Participants: mask})
	return blade, nil
}

// resolveCores checks that every core is online, mapped and a member of
// group, and returns the distinct cores with their offsets.
func (m *Manager) resolveCores(group int, cores []int) ([]int, []int, error) {
	seen := make(map[int]bool, len(cores))
	var unique, offsets []int
	for _, core := range cores {
		if seen[core] {
			continue
		}
		seen[core] = true
		if !m.topo.Online(core) {
			return nil, nil, fmt.Errorf("core %d is offline: %w", core, ErrInvalidTopology)
		}
		e, ok := m.topo.Lookup(core)
		if !ok {
			return nil, nil, fmt.Errorf("core %d has no group: %w", core, ErrInvalidTopology)
		}
		if e.Group != group {
			return nil, nil, fmt.Errorf("core %d belongs to group %d, not %d: %w", core, e.Group, group, ErrInvalidTopology)
		}
		unique = append(unique, core)
		offsets = append(offsets, e.Offset)
	}
	sort.Ints(unique)
	return unique, offsets, nil
}

// AssignWindow binds a window of core to blade. window may be AutoWindow.
// The group is the one core belongs to.
func (m *Manager) AssignWindow(task registry.Task, core, blade, window int) (int, error) {
	if blade < 0 || blade >= m.info.BladesPerGroup {
		return -1, fmt.Errorf("blade %d out of range: %w", blade, ErrInvalidArgument)
	}
	if window != AutoWindow && (window < 0 || window >= m.info.WindowsPerCore) {
		return -1, fmt.Errorf("window %d out of range: %w", window, ErrInvalidArgument)
	}
	entry, err := m.callingCore(core)
	if err != nil {
		return -1, err
	}

	m.reg.Lock()
	defer m.reg.Unlock()

	alloc, err := m.findForCore(task, entry.Group, blade)
	if err != nil {
		return -1, err
	}

	g := m.pool.Group(entry.Group)
	g.Lock()
	defer g.Unlock()

	if !alloc.IsParticipant(entry.Offset) {
		return -1, fmt.Errorf("core %d does not participate in blade %d of group %d: %w",
			core, blade, entry.Group, ErrInvalidArgument)
	}
	if bound, ok := alloc.Binding(entry.Offset); ok {
		if window == AutoWindow || window == bound {
			return bound, nil
		}
		return -1, fmt.Errorf("core %d already bound to window %d: %w", core, bound, ErrConflict)
	}

	if window == AutoWindow {
		w, ok := g.FindFreeWindow(entry.Offset)
		if !ok {
			return -1, fmt.Errorf("no free window on core %d: %w", core, ErrResourceExhausted)
		}
		window = w
	} else if g.WindowUsed(entry.Offset, window) {
		return -1, fmt.Errorf("window %d of core %d already in use: %w", window, core, ErrConflict)
	}

	var stale *hwreg.WindowState
	err = m.exec.Run(core, func(c int) error {
		st, err := m.backend.ReadWindow(c, window)
		if err != nil {
			return err
		}
		if st.Valid {
			stale = &st
			return nil
		}
		return m.backend.WriteWindow(c, window, hwreg.WindowState{Valid: true, Blade: blade})
	})
	if err != nil {
		return -1, fmt.Errorf("assign window %d on core %d: %v: %w", window, core, err, ErrHardware)
	}
	if stale != nil {
		m.logger.WithFields(logrus.Fields{
			"core":       core,
			"window":     window,
			"hw_blade":   stale.Blade,
			"want_blade": blade,
		}).Warn("Window register already valid but not tracked")
		return -1, fmt.Errorf("window %d of core %d holds blade %d in hardware: %w", window, core, stale.Blade, ErrConflict)
	}

	alloc.Bind(entry.Offset, window)
	g.MarkWindowUsed(entry.Offset, window)

	m.logger.WithFields(m.allocFields(task, alloc)).WithFields(logrus.Fields{
		"core":     core,
		"window":   window,
		"assigned": alloc.AssignCount,
	}).Info("Assigned window")
	m.emit(Event{Type: EventAssign, Task: task, Group: alloc.Group, Blade: blade, Window: window, Core: core,
		Participants: alloc.ParticipantMask()})
	return window, nil
}

// UnassignWindow releases the window core has bound to blade. window may be
// AutoWindow; otherwise it must match the binding.
func (m *Manager) UnassignWindow(task registry.Task, core, blade, window int) error {
	if blade < 0 || blade >= m.info.BladesPerGroup {
		return fmt.Errorf("blade %d out of range: %w", blade, ErrInvalidArgument)
	}
	if window != AutoWindow && (window < 0 || window >= m.info.WindowsPerCore) {
		return fmt.Errorf("window %d out of range: %w", window, ErrInvalidArgument)
	}
	entry, err := m.callingCore(core)
	if err != nil {
		return err
	}

	m.reg.Lock()
	defer m.reg.Unlock()

	alloc, err := m.findForCore(task, entry.Group, blade)
	if err != nil {
		return err
	}

	g := m.pool.Group(entry.Group)
	g.Lock()
	defer g.Unlock()

	bound, ok := alloc.Binding(entry.Offset)
	if !ok {
		return fmt.Errorf("core %d has no window on blade %d: %w", core, blade, ErrNotFound)
	}
	if window != AutoWindow && window != bound {
		return fmt.Errorf("core %d is bound to window %d, not %d: %w", core, bound, window, ErrInvalidArgument)
	}

	if err := m.clearWindow(core, bound, blade); err != nil {
		return err
	}
	m.unbindLocked(g, alloc, entry.Offset)

	m.logger.WithFields(m.allocFields(task, alloc)).WithFields(logrus.Fields{
		"core":     core,
		"window":   bound,
		"assigned": alloc.AssignCount,
	}).Info("Unassigned window")
	m.emit(Event{Type: EventUnassign, Task: task, Group: alloc.Group, Blade: blade, Window: bound, Core: core,
		Participants: alloc.ParticipantMask()})
	return nil
}

// FreeBlade frees (group, blade). The owning thread frees the allocation;
// another thread of the same process only releases the share of the core it
// runs on, and the allocation is freed once no participant is left.
func (m *Manager) FreeBlade(task registry.Task, core, group, blade int) error {
	if group < 0 || group >= m.info.Groups {
		return fmt.Errorf("group %d out of range: %w", group, ErrInvalidArgument)
	}
	if blade < 0 || blade >= m.info.BladesPerGroup {
		return fmt.Errorf("blade %d out of range: %w", blade, ErrInvalidArgument)
	}

	m.reg.Lock()
	defer m.reg.Unlock()

	var alloc *registry.Allocation
	reg := m.reg.Lookup(task)
	if reg != nil {
		alloc = reg.Find(group, blade)
	}
	if alloc == nil {
		if holder, _ := m.reg.Holder(group, blade); holder != nil {
			m.logger.WithFields(taskFields(task)).WithFields(logrus.Fields{
				"group":     group,
				"blade":     blade,
				"owner_pid": holder.Owner.PID,
			}).Warn("Free of a blade owned by another process")
			return fmt.Errorf("blade %d of group %d belongs to process %d: %w", blade, group, holder.Owner.TGID, ErrPermissionDenied)
		}
		return fmt.Errorf("no allocation of blade %d in group %d: %w", blade, group, ErrNotFound)
	}

	g := m.pool.Group(group)
	g.Lock()
	defer g.Unlock()

	if alloc.Owner.PID == task.PID {
		m.freeLocked(g, reg, alloc)
		m.emit(Event{Type: EventFree, Task: task, Group: group, Blade: blade, Window: -1, Core: -1})
		return nil
	}
	return m.releaseLocked(task, core, g, reg, alloc)
}

// releaseLocked removes the calling core from a sibling's allocation.
func (m *Manager) releaseLocked(task registry.Task, core int, g *pool.Group, reg *registry.Registration, alloc *registry.Allocation) error {
	entry, ok := m.topo.Lookup(core)
	if !ok || entry.Group != alloc.Group {
		return fmt.Errorf("core %d holds no share of blade %d: %w", core, alloc.Blade, ErrPermissionDenied)
	}
	bound, hasWindow := alloc.Binding(entry.Offset)
	if !alloc.IsParticipant(entry.Offset) && !hasWindow {
		return fmt.Errorf("core %d holds no share of blade %d: %w", core, alloc.Blade, ErrPermissionDenied)
	}

	if hasWindow {
		if err := m.clearWindow(core, bound, alloc.Blade); err != nil {
			return err
		}
		m.unbindLocked(g, alloc, entry.Offset)
	}

	mask := alloc.ParticipantMask() &^ (1 << uint(entry.Offset))
	if mask == 0 {
		alloc.RemoveParticipant(entry.Offset)
		m.logger.WithFields(m.allocFields(task, alloc)).Info("Last participant left, freeing blade")
		m.freeLocked(g, reg, alloc)
		m.emit(Event{Type: EventFree, Task: task, Group: alloc.Group, Blade: alloc.Blade, Window: -1, Core: core})
		return nil
	}

	if err := m.writeParticipants(alloc.Group, alloc.Blade, mask); err != nil {
		return err
	}
	alloc.RemoveParticipant(entry.Offset)

	fields := m.allocFields(task, alloc)
	m.logger.WithFields(fields).WithField("core", core).Info("Released core from sibling allocation")
	m.emit(Event{Type: EventRelease, Task: task, Group: alloc.Group, Blade: alloc.Blade, Window: -1, Core: core,
		Participants: mask})
	return nil
}

// freeLocked tears down alloc: every bound window is cleared, the blade mask
// is zeroed and the pool bits are released. Hardware failures are logged and
// the bookkeeping is cleaned up regardless.
func (m *Manager) freeLocked(g *pool.Group, reg *registry.Registration, alloc *registry.Allocation) {
	fields := m.allocFields(alloc.Owner, alloc)
	if alloc.AssignCount > 0 {
		m.logger.WithFields(fields).WithField("assigned", alloc.AssignCount).Warn("Freeing blade with windows still assigned")
	}
	for _, offset := range alloc.AssignedOffsets() {
		window, _ := alloc.Binding(offset)
		core, ok := m.topo.CoreAt(alloc.Group, offset)
		if ok {
			if err := m.clearWindow(core, window, alloc.Blade); err != nil {
				m.logger.WithFields(fields).WithError(err).Warn("Failed to clear window during free")
			}
		}
		m.unbindLocked(g, alloc, offset)
	}

	if err := m.writeParticipants(alloc.Group, alloc.Blade, 0); err != nil {
		m.logger.WithFields(fields).WithError(err).Warn("Failed to clear blade participants during free")
	}
	if !g.MarkBladeFree(alloc.Blade) {
		m.logger.WithFields(fields).Warn("Freed blade was not marked used")
	}

	reg.Remove(alloc)
	if reg.Len() == 0 {
		m.reg.Remove(reg)
		m.logger.WithFields(taskFields(reg.Owner)).Debug("Unregistered task")
	}
	m.logger.WithFields(fields).Info("Freed blade")
}

func (m *Manager) unbindLocked(g *pool.Group, alloc *registry.Allocation, offset int) {
	window, ok := alloc.Unbind(offset)
	if !ok {
		return
	}
	if !g.MarkWindowFree(offset, window) {
		m.logger.WithFields(logrus.Fields{
			"group":  alloc.Group,
			"offset": offset,
			"window": window,
		}).Warn("Released window was not marked used")
	}
}

// Reset clears every barrier register on every core, disables the barrier
// control bits and drops all allocations.
func (m *Manager) Reset() error {
	m.reg.Lock()
	defer m.reg.Unlock()

	hwErr := m.exec.RunMany(m.topo.MappedCores(), m.resetCore)

	dropped := 0
	for _, reg := range m.reg.Registrations() {
		for _, alloc := range reg.Allocations {
			m.emit(Event{Type: EventReset, Task: alloc.Owner, Group: alloc.Group, Blade: alloc.Blade, Window: -1, Core: -1})
			dropped++
		}
	}
	m.reg.Clear()
	m.pool.Clear()

	m.logger.WithField("allocations", dropped).Info("Reset all barrier state")
	if hwErr != nil {
		m.logger.WithError(hwErr).Warn("Register reset incomplete")
		return fmt.Errorf("reset registers: %v: %w", hwErr, ErrHardware)
	}
	return nil
}

func (m *Manager) resetCore(core int) error {
	var errs []error
	for w := 0; w < m.info.WindowsPerCore; w++ {
		errs = append(errs,
			m.backend.WriteWindow(core, w, hwreg.WindowState{}),
			m.backend.ClearWindowStatus(core, w))
	}
	for b := 0; b < m.info.BladesPerGroup; b++ {
		errs = append(errs, m.backend.WriteBladeParticipants(core, b, 0))
	}
	errs = append(errs, m.backend.WriteControl(core, hwreg.Control{}))
	return errors.Join(errs...)
}

// callingCore resolves the identity of core by querying it on that core and
// checks it against the topology table.
func (m *Manager) callingCore(core int) (topology.Entry, error) {
	entry, ok := m.topo.Lookup(core)
	if !ok {
		return topology.Entry{}, fmt.Errorf("core %d is not a mapped core: %w", core, ErrInvalidTopology)
	}
	id, err := m.GetPeInfo(core)
	if err != nil {
		return topology.Entry{}, err
	}
	if id.Group != entry.Group || id.Offset != entry.Offset {
		m.logger.WithFields(logrus.Fields{
			"core":         core,
			"group":        entry.Group,
			"offset":       entry.Offset,
			"reported":     id.Group,
			"reported_off": id.Offset,
		}).Warn("Identity register disagrees with topology table")
		return topology.Entry{}, fmt.Errorf("core %d reports group %d offset %d: %w", core, id.Group, id.Offset, ErrConflict)
	}
	return entry, nil
}

// findForCore locates the allocation of (group, blade) for task, falling
// back to the registration of the task's parent.
func (m *Manager) findForCore(task registry.Task, group, blade int) (*registry.Allocation, error) {
	reg := m.reg.Lookup(task)
	if reg == nil {
		reg = m.reg.LookupParent(task.ParentPID)
		if reg != nil {
			m.logger.WithFields(taskFields(task)).WithField("parent_tgid", reg.Owner.TGID).Debug("Using parent registration")
		}
	}
	if reg == nil {
		return nil, fmt.Errorf("process %d has no allocations: %w", task.TGID, ErrNotFound)
	}
	alloc := reg.Find(group, blade)
	if alloc == nil {
		return nil, fmt.Errorf("no allocation of blade %d in group %d: %w", blade, group, ErrNotFound)
	}
	return alloc, nil
}

func (m *Manager) writeParticipants(group, blade int, mask uint64) error {
	err := m.exec.RunAny(m.topo.GroupCores(group), func(c int) error {
		return m.backend.WriteBladeParticipants(c, blade, mask)
	})
	if err != nil {
		return fmt.Errorf("program blade %d of group %d: %v: %w", blade, group, err, ErrHardware)
	}
	return nil
}

// clearWindow invalidates window on core. A register that does not hold the
// expected blade is logged and cleared anyway.
func (m *Manager) clearWindow(core, window, blade int) error {
	err := m.exec.Run(core, func(c int) error {
		st, err := m.backend.ReadWindow(c, window)
		if err != nil {
			return err
		}
		if !st.Valid || st.Blade != blade {
			m.logger.WithFields(logrus.Fields{
				"core":     core,
				"window":   window,
				"valid":    st.Valid,
				"hw_blade": st.Blade,
				"blade":    blade,
			}).Warn("Window register does not match bookkeeping")
		}
		if err := m.backend.WriteWindow(c, window, hwreg.WindowState{}); err != nil {
			return err
		}
		return m.backend.ClearWindowStatus(c, window)
	})
	if err != nil {
		return fmt.Errorf("clear window %d on core %d: %v: %w", window, core, err, ErrHardware)
	}
	return nil
}

func (m *Manager) emit(ev Event) {
	if m.events == nil {
		return
	}
	ev.Time = m.now()
	m.events.Record(ev)
}

func taskFields(task registry.Task) logrus.Fields {
	return logrus.Fields{
		"task_pid": task.PID,
		"tgid":     task.TGID,
	}
}

func (m *Manager) allocFields(task registry.Task, alloc *registry.Allocation) logrus.Fields {
	return logrus.Fields{
		"task_pid":     task.PID,
		"tgid":         task.TGID,
		"group":        alloc.Group,
		"blade":        alloc.Blade,
		"participants": fmt.Sprintf("%#x", alloc.ParticipantMask()),
	}
}
