package topology

import (
	"io"
	"reflect"
	"testing"

	"a64fx-hwb/internal/hwreg"
	"a64fx-hwb/internal/percpu"

	"github.com/sirupsen/logrus"
)

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func buildTable(t *testing.T, layout hwreg.SimulatedLayout, cores []int, groups, offsets int) *Table {
	t.Helper()
	exec, err := percpu.New(cores, percpu.Options{Logger: quietLogger()})
	if err != nil {
		t.Fatalf("percpu.New: %v", err)
	}
	t.Cleanup(exec.Close)
	table, err := Build(exec, hwreg.NewSimulated(layout), groups, offsets, quietLogger())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return table
}

func TestBuildMapsEveryCore(t *testing.T) {
	cores := []int{0, 1, 2, 3, 4, 5, 6, 7}
	layout := hwreg.LinearLayout(cores, 0, 4, 6, 4, nil)
	table := buildTable(t, layout, cores, 2, 13)

	e, ok := table.Lookup(6)
	if !ok {
		t.Fatalf("core 6 not mapped")
	}
	if e.Group != 1 || e.Offset != 2 {
		t.Fatalf("core 6 = %+v, want group 1 offset 2", e)
	}
	if core, ok := table.CoreAt(1, 2); !ok || core != 6 {
		t.Fatalf("CoreAt(1,2) = %d, %v", core, ok)
	}
	if got := table.GroupCores(0); !reflect.DeepEqual(got, []int{0, 1, 2, 3}) {
		t.Fatalf("GroupCores(0) = %v", got)
	}
	members := table.Members(1)
	if len(members) != 4 || members[0].Core != 4 || members[3].Offset != 3 {
		t.Fatalf("Members(1) = %+v", members)
	}
	if table.MaxCoresPerGroup() != 4 {
		t.Fatalf("MaxCoresPerGroup = %d", table.MaxCoresPerGroup())
	}
}

func TestBuildLeavesFailedCoresUnmapped(t *testing.T) {
	cores := []int{0, 1, 2, 3, 4, 5}
	layout := hwreg.LinearLayout(cores, 0, 3, 6, 4, []int{4})
	table := buildTable(t, layout, cores, 2, 13)

	if !table.Online(4) {
		t.Fatalf("unmapped core should still be online")
	}
	if _, ok := table.Lookup(4); ok {
		t.Fatalf("core 4 should be unmapped")
	}
	if got := table.GroupCores(1); !reflect.DeepEqual(got, []int{3, 5}) {
		t.Fatalf("GroupCores(1) = %v", got)
	}
	if got := table.MappedCores(); len(got) != 5 {
		t.Fatalf("MappedCores = %v", got)
	}
}

func TestBuildRejectsIdentityOutsideGeometry(t *testing.T) {
	cores := []int{0, 1, 2, 3}
	// Two cores per group yields groups 0 and 1, but only one group exists.
	layout := hwreg.LinearLayout(cores, 0, 2, 6, 4, nil)
	table := buildTable(t, layout, cores, 1, 13)
	if _, ok := table.Lookup(2); ok {
		t.Fatalf("core 2 reports group 1 and should be unmapped")
	}
	if len(table.GroupCores(0)) != 2 {
		t.Fatalf("GroupCores(0) = %v", table.GroupCores(0))
	}
}

func TestNewTableRejectsDuplicateIdentity(t *testing.T) {
	_, err := NewTable([]Entry{
		{Core: 0, Group: 0, Offset: 0},
		{Core: 1, Group: 0, Offset: 0},
	}, 1, 4)
	if err == nil {
		t.Fatalf("expected duplicate identity error")
	}
}

func TestLookupUnknownCore(t *testing.T) {
	table, err := NewTable([]Entry{{Core: 0, Group: 0, Offset: 0}}, 1, 4)
	if err != nil {
		t.Fatal(err)
	}
	if table.Online(3) {
		t.Fatalf("core 3 is not managed")
	}
	if _, ok := table.CoreAt(0, 9); ok {
		t.Fatalf("offset 9 out of range")
	}
	if table.GroupCores(5) != nil {
		t.Fatalf("unknown group should yield nil")
	}
}
