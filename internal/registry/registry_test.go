package registry

import (
	"reflect"
	"testing"
)

func TestAllocationBindings(t *testing.T) {
	owner := Task{PID: 100, TGID: 100}
	a := NewAllocation(owner, 1, 2, []int{0, 3, 5}, 13)

	if a.ParticipantMask() != 0b101001 {
		t.Fatalf("mask = %b", a.ParticipantMask())
	}
	if !a.IsParticipant(3) || a.IsParticipant(4) {
		t.Fatalf("participant set wrong")
	}
	if _, ok := a.Binding(3); ok {
		t.Fatalf("new allocation must be unbound")
	}

	a.Bind(3, 1)
	a.Bind(3, 1)
	a.Bind(5, 0)
	if a.AssignCount != 2 {
		t.Fatalf("AssignCount = %d, want 2", a.AssignCount)
	}
	if got := a.AssignedOffsets(); !reflect.DeepEqual(got, []int{3, 5}) {
		t.Fatalf("assigned = %v", got)
	}

	if w, ok := a.Unbind(3); !ok || w != 1 {
		t.Fatalf("Unbind = %d, %v", w, ok)
	}
	if _, ok := a.Unbind(3); ok {
		t.Fatalf("second Unbind should fail")
	}
	if a.AssignCount != 1 || a.Assigned.Test(3) {
		t.Fatalf("unbind did not update assigned state")
	}

	a.RemoveParticipant(0)
	if a.ParticipantCount() != 2 || a.ParticipantMask() != 0b101000 {
		t.Fatalf("RemoveParticipant left mask %b", a.ParticipantMask())
	}
}

func TestRegistryLookup(t *testing.T) {
	r := New()
	owner := Task{PID: 10, TGID: 10}
	reg := r.Create(owner, []int{0, 1})
	if again := r.Create(Task{PID: 11, TGID: 10}, nil); again != reg {
		t.Fatalf("Create must return the existing thread group registration")
	}
	if r.Lookup(Task{PID: 12, TGID: 10}) != reg {
		t.Fatalf("sibling thread should find the registration")
	}
	if r.Lookup(Task{PID: 20, TGID: 20}) != nil {
		t.Fatalf("unrelated task found a registration")
	}
	if r.LookupParent(10) != reg {
		t.Fatalf("LookupParent by leader failed")
	}

	thread := Task{PID: 31, TGID: 30}
	treg := r.Create(thread, nil)
	if r.LookupParent(31) != treg {
		t.Fatalf("LookupParent by owning thread failed")
	}
	if r.LookupParent(0) != nil {
		t.Fatalf("pid 0 must not match")
	}
}

func TestRegistrationAllocations(t *testing.T) {
	r := New()
	reg := r.Create(Task{PID: 1, TGID: 1}, nil)
	a0 := NewAllocation(reg.Owner, 0, 0, []int{0, 1}, 4)
	a1 := NewAllocation(reg.Owner, 0, 1, []int{2, 3}, 4)
	a2 := NewAllocation(reg.Owner, 1, 0, []int{0, 1}, 4)
	reg.Add(a0)
	reg.Add(a1)
	reg.Add(a2)

	if reg.Find(0, 1) != a1 || reg.Find(1, 1) != nil {
		t.Fatalf("Find returned the wrong allocation")
	}
	if holder, a := r.Holder(1, 0); holder != reg || a != a2 {
		t.Fatalf("Holder(1, 0) = %v, %v", holder, a)
	}
	if !reg.Remove(a1) || reg.Remove(a1) {
		t.Fatalf("Remove should succeed exactly once")
	}
	if reg.Len() != 2 || reg.Allocations[0] != a0 || reg.Allocations[1] != a2 {
		t.Fatalf("order not kept after Remove")
	}

	r.Remove(reg)
	if r.Len() != 0 {
		t.Fatalf("registry not empty")
	}
}

func TestRegistrationsSorted(t *testing.T) {
	r := New()
	for _, id := range []int{30, 10, 20} {
		r.Create(Task{PID: id, TGID: id}, nil)
	}
	var got []int
	for _, reg := range r.Registrations() {
		got = append(got, reg.Owner.TGID)
	}
	if !reflect.DeepEqual(got, []int{10, 20, 30}) {
		t.Fatalf("order = %v", got)
	}
	r.Clear()
	if r.Len() != 0 {
		t.Fatalf("Clear left %d registrations", r.Len())
	}
}
