// Package registry is the bookkeeping of which task owns which blade
// allocation and which cores have windows bound to it.
//
// The registry does no locking of its own beyond exposing the top-level
// mutex; callers hold it for the whole logical operation and nest the group
// locks of the pool inside it.
package registry

import (
	"sort"
	"sync"

	"github.com/bits-and-blooms/bitset"
)

// Unbound marks a core offset without a window binding.
const Unbound = -1

// Task identifies the caller of an operation.
type Task struct {
	PID       int // thread id
	TGID      int // thread group (process) id
	ParentPID int
}

// SameGroup reports whether t and other are threads of one process.
func (t Task) SameGroup(other Task) bool {
	return t.TGID == other.TGID
}

// Allocation is one reserved blade.
type Allocation struct {
	Owner Task
	Group int
	Blade int

	// Participants and Assigned are sets of core offsets within Group.
	Participants *bitset.BitSet
	Assigned     *bitset.BitSet
	Bindings     []int // offset -> window or Unbound
	AssignCount  int
}

// NewAllocation creates an allocation for the given participant offsets with
// no window bound. slots is the number of core offsets in the group.
func NewAllocation(owner Task, group, blade int, offsets []int, slots int) *Allocation {
	a := &Allocation{
		Owner:        owner,
		Group:        group,
		Blade:        blade,
		Participants: bitset.New(uint(slots)),
		Assigned:     bitset.New(uint(slots)),
		Bindings:     make([]int, slots),
	}
	for i := range a.Bindings {
		a.Bindings[i] = Unbound
	}
	for _, o := range offsets {
		a.Participants.Set(uint(o))
	}
	return a
}

func (a *Allocation) IsParticipant(offset int) bool {
	return offset >= 0 && a.Participants.Test(uint(offset))
}

// ParticipantMask is the participant set as written to the blade register.
func (a *Allocation) ParticipantMask() uint64 {
	var mask uint64
	for i, ok := a.Participants.NextSet(0); ok && i < 64; i, ok = a.Participants.NextSet(i + 1) {
		mask |= 1 << i
	}
	return mask
}

func (a *Allocation) ParticipantCount() int {
	return int(a.Participants.Count())
}

// RemoveParticipant drops offset from the participant set. The offset must
// not be bound.
func (a *Allocation) RemoveParticipant(offset int) {
	if offset >= 0 {
		a.Participants.Clear(uint(offset))
	}
}

// Binding returns the window bound for offset.
func (a *Allocation) Binding(offset int) (int, bool) {
	if offset < 0 || offset >= len(a.Bindings) {
		return Unbound, false
	}
	w := a.Bindings[offset]
	return w, w != Unbound
}

// Bind records window for offset and adds the offset to the assigned set.
func (a *Allocation) Bind(offset, window int) {
	if a.Bindings[offset] == Unbound {
		a.AssignCount++
	}
	a.Bindings[offset] = window
	a.Assigned.Set(uint(offset))
}

// Unbind clears the binding of offset and returns the window it held.
func (a *Allocation) Unbind(offset int) (int, bool) {
	w, ok := a.Binding(offset)
	if !ok {
		return Unbound, false
	}
	a.Bindings[offset] = Unbound
	a.Assigned.Clear(uint(offset))
	a.AssignCount--
	return w, true
}

// AssignedOffsets returns the offsets that have a window bound.
func (a *Allocation) AssignedOffsets() []int {
	var out []int
	for i, ok := a.Assigned.NextSet(0); ok; i, ok = a.Assigned.NextSet(i + 1) {
		out = append(out, int(i))
	}
	return out
}

// Registration is the bookkeeping of one thread group.
type Registration struct {
	Owner       Task
	Declared    []int // cores named by the first allocation request
	Allocations []*Allocation
}

func (r *Registration) Find(group, blade int) *Allocation {
	for _, a := range r.Allocations {
		if a.Group == group && a.Blade == blade {
			return a
		}
	}
	return nil
}

func (r *Registration) Add(a *Allocation) {
	r.Allocations = append(r.Allocations, a)
}

// Remove drops a from the registration, keeping the order of the rest.
func (r *Registration) Remove(a *Allocation) bool {
	for i, cur := range r.Allocations {
		if cur == a {
			r.Allocations = append(r.Allocations[:i], r.Allocations[i+1:]...)
			return true
		}
	}
	return false
}

func (r *Registration) Len() int {
	return len(r.Allocations)
}

// Registry maps thread group ids to registrations.
type Registry struct {
	mu   sync.Mutex
	regs map[int]*Registration
}

func New() *Registry {
	return &Registry{regs: make(map[int]*Registration)}
}

func (r *Registry) Lock()   { r.mu.Lock() }
func (r *Registry) Unlock() { r.mu.Unlock() }

// Lookup returns the registration of task's thread group.
func (r *Registry) Lookup(task Task) *Registration {
	return r.regs[task.TGID]
}

// LookupParent returns the registration created by pid, either as a thread
// group leader or as the owning thread.
func (r *Registry) LookupParent(pid int) *Registration {
	if pid <= 0 {
		return nil
	}
	if reg, ok := r.regs[pid]; ok {
		return reg
	}
	for _, reg := range r.regs {
		if reg.Owner.PID == pid {
			return reg
		}
	}
	return nil
}

// Create registers task. An existing registration for the thread group is
// returned unchanged.
func (r *Registry) Create(task Task, declared []int) *Registration {
	if reg, ok := r.regs[task.TGID]; ok {
		return reg
	}
	reg := &Registration{Owner: task, Declared: append([]int(nil), declared...)}
	r.regs[task.TGID] = reg
	return reg
}

func (r *Registry) Remove(reg *Registration) {
	if cur, ok := r.regs[reg.Owner.TGID]; ok && cur == reg {
		delete(r.regs, reg.Owner.TGID)
	}
}

// Holder returns the registration and allocation holding (group, blade).
func (r *Registry) Holder(group, blade int) (*Registration, *Allocation) {
	for _, reg := range r.regs {
		if a := reg.Find(group, blade); a != nil {
			return reg, a
		}
	}
	return nil, nil
}

// Registrations returns all registrations ordered by thread group id.
func (r *Registry) Registrations() []*Registration {
	out := make([]*Registration, 0, len(r.regs))
	for _, reg := range r.regs {
		out = append(out, reg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Owner.TGID < out[j].Owner.TGID })
	return out
}

func (r *Registry) Len() int {
	return len(r.regs)
}

// Clear drops every registration.
func (r *Registry) Clear() {
	r.regs = make(map[int]*Registration)
}
