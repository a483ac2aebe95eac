package pool

import (
	"reflect"
	"testing"
)

func newPool(t *testing.T) *Pool {
	t.Helper()
	p, err := New(2, 13, 6, 4)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func TestFindFreeBladeIsFirstFit(t *testing.T) {
	g := newPool(t).Group(0)
	g.Lock()
	defer g.Unlock()

	for want := 0; want < 6; want++ {
		b, ok := g.FindFreeBlade()
		if !ok || b != want {
			t.Fatalf("FindFreeBlade = %d, %v; want %d", b, ok, want)
		}
		if !g.MarkBladeUsed(b) {
			t.Fatalf("MarkBladeUsed(%d) failed", b)
		}
	}
	if _, ok := g.FindFreeBlade(); ok {
		t.Fatalf("expected exhaustion after 6 blades")
	}

	g.MarkBladeFree(2)
	if b, ok := g.FindFreeBlade(); !ok || b != 2 {
		t.Fatalf("FindFreeBlade after free = %d, %v; want 2", b, ok)
	}
}

func TestMarkBladeReportsInconsistency(t *testing.T) {
	g := newPool(t).Group(1)
	g.Lock()
	defer g.Unlock()

	if g.MarkBladeFree(0) {
		t.Fatalf("freeing an unused blade should report false")
	}
	if !g.MarkBladeUsed(0) || g.MarkBladeUsed(0) {
		t.Fatalf("double MarkBladeUsed should fail the second time")
	}
	if g.MarkBladeUsed(6) || g.BladeUsed(-1) {
		t.Fatalf("out of range blades must be rejected")
	}
}

func TestWindowsArePerOffset(t *testing.T) {
	g := newPool(t).Group(0)
	g.Lock()
	defer g.Unlock()

	if !g.MarkWindowUsed(3, 0) {
		t.Fatalf("MarkWindowUsed failed")
	}
	if w, ok := g.FindFreeWindow(3); !ok || w != 1 {
		t.Fatalf("FindFreeWindow(3) = %d, %v", w, ok)
	}
	if w, ok := g.FindFreeWindow(4); !ok || w != 0 {
		t.Fatalf("FindFreeWindow(4) = %d, %v", w, ok)
	}
	if g.WindowUsed(4, 0) {
		t.Fatalf("window leaked to another offset")
	}
	for w := 1; w < 4; w++ {
		g.MarkWindowUsed(3, w)
	}
	if _, ok := g.FindFreeWindow(3); ok {
		t.Fatalf("offset 3 should be exhausted")
	}
	if _, ok := g.FindFreeWindow(13); ok {
		t.Fatalf("offset 13 is out of range")
	}
	if !g.MarkWindowFree(3, 2) || g.MarkWindowFree(3, 2) {
		t.Fatalf("MarkWindowFree should succeed once")
	}
}

func TestSnapshotAndClear(t *testing.T) {
	p := newPool(t)
	g := p.Group(1)
	g.Lock()
	g.MarkBladeUsed(4)
	g.MarkWindowUsed(2, 3)
	g.Unlock()

	snap := p.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("snapshot groups = %d", len(snap))
	}
	if !reflect.DeepEqual(snap[1].Blades, []int{4}) {
		t.Fatalf("blades = %v", snap[1].Blades)
	}
	if !reflect.DeepEqual(snap[1].Windows, map[int][]int{2: {3}}) {
		t.Fatalf("windows = %v", snap[1].Windows)
	}

	p.Clear()
	snap = p.Snapshot()
	if len(snap[1].Blades) != 0 || len(snap[1].Windows) != 0 {
		t.Fatalf("pool not cleared: %+v", snap[1])
	}
}

func TestGroupOutOfRange(t *testing.T) {
	p := newPool(t)
	if p.Group(2) != nil || p.Group(-1) != nil {
		t.Fatalf("out of range group should be nil")
	}
	if _, err := New(0, 1, 1, 1); err == nil {
		t.Fatalf("zero groups should be rejected")
	}
}
