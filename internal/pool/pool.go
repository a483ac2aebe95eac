// Package pool tracks which barrier blades and window registers are in use.
// Every locality group owns a blade bitset, one window bitset per core offset
// and the mutex that guards them. Group methods expect the caller to hold the
// group lock; Pool-level helpers take the locks themselves.
package pool

import (
	"fmt"
	"sync"

	"github.com/bits-and-blooms/bitset"
)

// Group is the resource pool of one locality group.
type Group struct {
	mu      sync.Mutex
	id      int
	blades  *bitset.BitSet
	windows []*bitset.BitSet // indexed by core offset

	numBlades  uint
	numWindows uint
}

// Pool holds the resource pools of all groups.
type Pool struct {
	groups []*Group
}

// GroupState is a copy of a group's bitsets.
type GroupState struct {
	Group   int
	Blades  []int
	Windows map[int][]int // offset -> used windows, only offsets with any
}

func New(numGroups, offsets, blades, windows int) (*Pool, error) {
	if numGroups <= 0 || offsets <= 0 || blades <= 0 || windows <= 0 {
		return nil, fmt.Errorf("invalid pool geometry: groups=%d offsets=%d blades=%d windows=%d",
			numGroups, offsets, blades, windows)
	}
	p := &Pool{groups: make([]*Group, numGroups)}
	for g := range p.groups {
		grp := &Group{
			id:         g,
			blades:     bitset.New(uint(blades)),
			windows:    make([]*bitset.BitSet, offsets),
			numBlades:  uint(blades),
			numWindows: uint(windows),
		}
		for o := range grp.windows {
			grp.windows[o] = bitset.New(uint(windows))
		}
		p.groups[g] = grp
	}
	return p, nil
}

// Group returns the pool of group id, or nil when id is out of range.
func (p *Pool) Group(id int) *Group {
	if id < 0 || id >= len(p.groups) {
		return nil
	}
	return p.groups[id]
}

func (p *Pool) NumGroups() int {
	return len(p.groups)
}

// Clear frees every blade and window of every group.
func (p *Pool) Clear() {
	for _, g := range p.groups {
		g.Lock()
		g.Clear()
		g.Unlock()
	}
}

// Snapshot copies the state of every group.
func (p *Pool) Snapshot() []GroupState {
	out := make([]GroupState, 0, len(p.groups))
	for _, g := range p.groups {
		g.Lock()
		out = append(out, g.Snapshot())
		g.Unlock()
	}
	return out
}

func (g *Group) Lock()   { g.mu.Lock() }
func (g *Group) Unlock() { g.mu.Unlock() }

func (g *Group) ID() int {
	return g.id
}

func (g *Group) NumBlades() int {
	return int(g.numBlades)
}

func (g *Group) NumWindows() int {
	return int(g.numWindows)
}

// FindFreeBlade returns the lowest unused blade.
func (g *Group) FindFreeBlade() (int, bool) {
	return firstClear(g.blades, g.numBlades)
}

func (g *Group) validBlade(blade int) bool {
	return blade >= 0 && uint(blade) < g.numBlades
}

func (g *Group) BladeUsed(blade int) bool {
	return g.validBlade(blade) && g.blades.Test(uint(blade))
}

// MarkBladeUsed sets the blade bit. It returns false when the blade is out
// of range or already used.
func (g *Group) MarkBladeUsed(blade int) bool {
	if !g.validBlade(blade) || g.blades.Test(uint(blade)) {
		return false
	}
	g.blades.Set(uint(blade))
	return true
}

// MarkBladeFree clears the blade bit. It returns false when the bit was not
// set.
func (g *Group) MarkBladeFree(blade int) bool {
	if !g.validBlade(blade) || !g.blades.Test(uint(blade)) {
		return false
	}
	g.blades.Clear(uint(blade))
	return true
}

func (g *Group) windowSet(offset int) *bitset.BitSet {
	if offset < 0 || offset >= len(g.windows) {
		return nil
	}
	return g.windows[offset]
}

func (g *Group) validWindow(window int) bool {
	return window >= 0 && uint(window) < g.numWindows
}

// FindFreeWindow returns the lowest unused window of the core at offset.
func (g *Group) FindFreeWindow(offset int) (int, bool) {
	set := g.windowSet(offset)
	if set == nil {
		return 0, false
	}
	return firstClear(set, g.numWindows)
}

func (g *Group) WindowUsed(offset, window int) bool {
	set := g.windowSet(offset)
	return set != nil && g.validWindow(window) && set.Test(uint(window))
}

func (g *Group) MarkWindowUsed(offset, window int) bool {
	set := g.windowSet(offset)
	if set == nil || !g.validWindow(window) || set.Test(uint(window)) {
		return false
	}
	set.Set(uint(window))
	return true
}

func (g *Group) MarkWindowFree(offset, window int) bool {
	set := g.windowSet(offset)
	if set == nil || !g.validWindow(window) || !set.Test(uint(window)) {
		return false
	}
	set.Clear(uint(window))
	return true
}

// Clear frees all blades and windows of the group.
func (g *Group) Clear() {
	g.blades.ClearAll()
	for _, set := range g.windows {
		set.ClearAll()
	}
}

// UsedBlades returns the number of used blades.
func (g *Group) UsedBlades() int {
	return int(g.blades.Count())
}

func (g *Group) Snapshot() GroupState {
	st := GroupState{Group: g.id, Windows: make(map[int][]int)}
	st.Blades = members(g.blades)
	for o, set := range g.windows {
		if set.Any() {
			st.Windows[o] = members(set)
		}
	}
	return st
}

func firstClear(set *bitset.BitSet, capacity uint) (int, bool) {
	for i := uint(0); i < capacity; i++ {
		if !set.Test(i) {
			return int(i), true
		}
	}
	return 0, false
}

func members(set *bitset.BitSet) []int {
	var out []int
	for i, ok := set.NextSet(0); ok; i, ok = set.NextSet(i + 1) {
		out = append(out, int(i))
	}
	return out
}
