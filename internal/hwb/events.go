package hwb

import (
	"time"

	"a64fx-hwb/internal/registry"
)

type EventType string

const (
	EventAllocate EventType = "allocate"
	EventAssign   EventType = "assign"
	EventUnassign EventType = "unassign"
	EventFree     EventType = "free"
	// EventRelease is a sibling thread leaving an allocation it does not own.
	EventRelease EventType = "release"
	// EventReclaim is an allocation freed because its owner went away.
	EventReclaim EventType = "reclaim"
	EventReset   EventType = "reset"
)

// Event describes one successful ownership change. Window and Core are -1
// when they do not apply.
type Event struct {
	Time         time.Time
	Type         EventType
	Task         registry.Task
	Group        int
	Blade        int
	Window       int
	Core         int
	Participants uint64
}

// EventSink receives events. Record is called with manager locks held and
// must not block.
type EventSink interface {
	Record(Event)
}
