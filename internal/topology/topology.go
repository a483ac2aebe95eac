// Package topology maps logical cores to their locality group (CMG) and the
// core's offset inside that group. The table is built once at startup by
// asking every core for its identity register and is read-only afterwards.
package topology

import (
	"fmt"
	"sort"

	"a64fx-hwb/internal/hwreg"
	"a64fx-hwb/internal/percpu"

	"github.com/sirupsen/logrus"
)

// Unmapped marks a core whose identity could not be determined. Such cores
// are excluded from every group operation.
const Unmapped = -1

// Entry is the identity of one logical core.
type Entry struct {
	Core   int
	Group  int
	Offset int
}

func (e Entry) Mapped() bool {
	return e.Group != Unmapped
}

// Executor runs a function on a given core.
type Executor interface {
	Cores() []int
	Run(core int, fn percpu.Func) error
}

type Table struct {
	entries    map[int]Entry
	cores      []int
	numGroups  int
	maxOffsets int
	byOffset   [][]int // group -> offset -> core, Unmapped when empty
	groupCores [][]int // group -> sorted cores
	maxCores   int
}

// Build queries the identity of every core managed by exec. Cores whose
// query fails, or which report a group or offset outside the device
// geometry, are recorded as unmapped.
func Build(exec Executor, backend hwreg.Backend, numGroups, maxOffsets int, logger logrus.FieldLogger) (*Table, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	var entries []Entry
	for _, core := range exec.Cores() {
		var id hwreg.Identity
		err := exec.Run(core, func(c int) error {
			var err error
			id, err = backend.ReadIdentity(c)
			return err
		})
		entry := Entry{Core: core, Group: id.Group, Offset: id.Offset}
		switch {
		case err != nil:
			logger.WithField("core", core).WithError(err).Warn("Identity query failed, core left unmapped")
			entry.Group, entry.Offset = Unmapped, Unmapped
		case id.Group < 0 || id.Group >= numGroups || id.Offset < 0 || id.Offset >= maxOffsets:
			logger.WithFields(logrus.Fields{
				"core":   core,
				"group":  id.Group,
				"offset": id.Offset,
			}).Warn("Identity outside device geometry, core left unmapped")
			entry.Group, entry.Offset = Unmapped, Unmapped
		}
		entries = append(entries, entry)
	}

	table, err := NewTable(entries, numGroups, maxOffsets)
	if err != nil {
		return nil, err
	}

	fields := logrus.Fields{
		"cores":               len(table.cores),
		"groups":              numGroups,
		"max_cores_per_group": table.maxCores,
	}
	for g := 0; g < numGroups; g++ {
		fields[fmt.Sprintf("group%d_cores", g)] = len(table.groupCores[g])
	}
	logger.WithFields(fields).Info("Topology table built")
	return table, nil
}

// NewTable assembles a table from known entries. Two mapped cores claiming
// the same (group, offset) is an error.
func NewTable(entries []Entry, numGroups, maxOffsets int) (*Table, error) {
	if numGroups <= 0 || maxOffsets <= 0 {
		return nil, fmt.Errorf("invalid geometry: %d groups, %d offsets", numGroups, maxOffsets)
	}
	t := &Table{
		entries:    make(map[int]Entry, len(entries)),
		numGroups:  numGroups,
		maxOffsets: maxOffsets,
		byOffset:   make([][]int, numGroups),
		groupCores: make([][]int, numGroups),
	}
	for g := range t.byOffset {
		t.byOffset[g] = make([]int, maxOffsets)
		for o := range t.byOffset[g] {
			t.byOffset[g][o] = Unmapped
		}
	}

	for _, e := range entries {
		if _, dup := t.entries[e.Core]; dup {
			return nil, fmt.Errorf("core %d listed twice", e.Core)
		}
		if e.Group != Unmapped {
			if e.Group < 0 || e.Group >= numGroups || e.Offset < 0 || e.Offset >= maxOffsets {
				return nil, fmt.Errorf("core %d: identity (%d, %d) outside geometry", e.Core, e.Group, e.Offset)
			}
			if other := t.byOffset[e.Group][e.Offset]; other != Unmapped {
				return nil, fmt.Errorf("cores %d and %d both report group %d offset %d", other, e.Core, e.Group, e.Offset)
			}
			t.byOffset[e.Group][e.Offset] = e.Core
			t.groupCores[e.Group] = append(t.groupCores[e.Group], e.Core)
		} else {
			e.Offset = Unmapped
		}
		t.entries[e.Core] = e
		t.cores = append(t.cores, e.Core)
	}
	sort.Ints(t.cores)
	for g := range t.groupCores {
		sort.Ints(t.groupCores[g])
		if n := len(t.groupCores[g]); n > t.maxCores {
			t.maxCores = n
		}
	}
	return t, nil
}

// Online reports whether core is managed at all, mapped or not.
func (t *Table) Online(core int) bool {
	_, ok := t.entries[core]
	return ok
}

// Lookup returns the identity of a mapped core.
func (t *Table) Lookup(core int) (Entry, bool) {
	e, ok := t.entries[core]
	if !ok || !e.Mapped() {
		return Entry{}, false
	}
	return e, true
}

// CoreAt returns the core sitting at offset within group.
func (t *Table) CoreAt(group, offset int) (int, bool) {
	if group < 0 || group >= t.numGroups || offset < 0 || offset >= t.maxOffsets {
		return Unmapped, false
	}
	core := t.byOffset[group][offset]
	return core, core != Unmapped
}

// GroupCores returns the mapped cores of group in ascending order.
func (t *Table) GroupCores(group int) []int {
	if group < 0 || group >= t.numGroups {
		return nil
	}
	return append([]int(nil), t.groupCores[group]...)
}

// Members returns the entries of group ordered by offset.
func (t *Table) Members(group int) []Entry {
	if group < 0 || group >= t.numGroups {
		return nil
	}
	var out []Entry
	for _, core := range t.byOffset[group] {
		if core != Unmapped {
			out = append(out, t.entries[core])
		}
	}
	return out
}

// Cores returns every managed core, mapped or not.
func (t *Table) Cores() []int {
	return append([]int(nil), t.cores...)
}

// MappedCores returns every core that belongs to a group.
func (t *Table) MappedCores() []int {
	var out []int
	for _, c := range t.cores {
		if t.entries[c].Mapped() {
			out = append(out, c)
		}
	}
	return out
}

func (t *Table) NumGroups() int {
	return t.numGroups
}

// MaxOffsets is the number of offset slots per group.
func (t *Table) MaxOffsets() int {
	return t.maxOffsets
}

// MaxCoresPerGroup is the largest number of mapped cores found in any group.
func (t *Table) MaxCoresPerGroup() int {
	return t.maxCores
}
