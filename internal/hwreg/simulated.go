package hwreg

import (
	"fmt"
	"sync"
)

// SimulatedLayout describes the register file of a simulated chip.
type SimulatedLayout struct {
	// Identities maps each core to the identity it reports. Cores missing
	// from the map fail the identity query.
	Identities     map[int]Identity
	BladesPerGroup int
	WindowsPerCore int
}

// LinearLayout assigns consecutive cores starting at first to groups of
// coresPerGroup. Cores listed in unmapped report no identity.
func LinearLayout(cores []int, first, coresPerGroup, blades, windows int, unmapped []int) SimulatedLayout {
	skip := make(map[int]bool, len(unmapped))
	for _, c := range unmapped {
		skip[c] = true
	}
	ids := make(map[int]Identity, len(cores))
	for _, c := range cores {
		if c < first || skip[c] {
			continue
		}
		rel := c - first
		ids[c] = Identity{Group: rel / coresPerGroup, Offset: rel % coresPerGroup}
	}
	return SimulatedLayout{Identities: ids, BladesPerGroup: blades, WindowsPerCore: windows}
}

// Simulated is an in-memory register file. Registers hold the same encoded
// values the hardware would, so readers observe exactly what writers stored.
type Simulated struct {
	mu       sync.Mutex
	layout   SimulatedLayout
	identity map[int]uint64
	control  map[int]uint64
	blades   map[int][]uint64 // group -> blade registers
	windows  map[int][]uint64 // core -> window registers
	status   map[int][]bool   // core -> window barrier status
	writes   int
}

func NewSimulated(layout SimulatedLayout) *Simulated {
	s := &Simulated{
		layout:   layout,
		identity: make(map[int]uint64),
		control:  make(map[int]uint64),
		blades:   make(map[int][]uint64),
		windows:  make(map[int][]uint64),
		status:   make(map[int][]bool),
	}
	for core, id := range layout.Identities {
		if DecodeIdentity(EncodeIdentity(id)) != id {
			// Not representable in the identity register; report failure.
			continue
		}
		s.identity[core] = EncodeIdentity(id)
		s.windows[core] = make([]uint64, layout.WindowsPerCore)
		s.status[core] = make([]bool, layout.WindowsPerCore)
		if _, ok := s.blades[id.Group]; !ok {
			s.blades[id.Group] = make([]uint64, layout.BladesPerGroup)
		}
	}
	return s
}

func (s *Simulated) ReadIdentity(core int) (Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	val, ok := s.identity[core]
	if !ok {
		return Identity{}, fmt.Errorf("core %d: %w", core, ErrIdentityUnavailable)
	}
	return DecodeIdentity(val), nil
}

func (s *Simulated) ReadControl(core int) (Control, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.identity[core]; !ok {
		return Control{}, fmt.Errorf("core %d: %w", core, ErrWrongCore)
	}
	return DecodeControl(s.control[core]), nil
}

func (s *Simulated) WriteControl(core int, ctl Control) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.identity[core]; !ok {
		return fmt.Errorf("core %d: %w", core, ErrWrongCore)
	}
	s.control[core] = EncodeControl(s.control[core], ctl)
	s.writes++
	return nil
}

func (s *Simulated) bladeRegsLocked(core, blade int) ([]uint64, error) {
	val, ok := s.identity[core]
	if !ok {
		return nil, fmt.Errorf("core %d: %w", core, ErrWrongCore)
	}
	regs := s.blades[DecodeIdentity(val).Group]
	if blade < 0 || blade >= len(regs) {
		return nil, fmt.Errorf("blade %d: %w", blade, ErrRegisterRange)
	}
	return regs, nil
}

func (s *Simulated) ReadBlade(core, blade int) (BladeState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	regs, err := s.bladeRegsLocked(core, blade)
	if err != nil {
		return BladeState{}, err
	}
	return DecodeBlade(regs[blade]), nil
}

func (s *Simulated) WriteBladeParticipants(core, blade int, participants uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	regs, err := s.bladeRegsLocked(core, blade)
	if err != nil {
		return err
	}
	// Programming the mask restarts the barrier, so status drops to zero.
	regs[blade] = EncodeBlade(BladeState{Participants: participants})
	s.writes++
	return nil
}

func (s *Simulated) windowRegsLocked(core, window int) ([]uint64, error) {
	regs, ok := s.windows[core]
	if !ok {
		return nil, fmt.Errorf("core %d: %w", core, ErrWrongCore)
	}
	if window < 0 || window >= len(regs) {
		return nil, fmt.Errorf("window %d: %w", window, ErrRegisterRange)
	}
	return regs, nil
}

func (s *Simulated) ReadWindow(core, window int) (WindowState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	regs, err := s.windowRegsLocked(core, window)
	if err != nil {
		return WindowState{}, err
	}
	return DecodeWindow(regs[window]), nil
}

func (s *Simulated) WriteWindow(core, window int, st WindowState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	regs, err := s.windowRegsLocked(core, window)
	if err != nil {
		return err
	}
	if st.Blade < 0 || st.Blade >= s.layout.BladesPerGroup {
		return fmt.Errorf("blade %d: %w", st.Blade, ErrRegisterRange)
	}
	regs[window] = EncodeWindow(st)
	s.writes++
	return nil
}

func (s *Simulated) ClearWindowStatus(core, window int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.windowRegsLocked(core, window); err != nil {
		return err
	}
	s.status[core][window] = false
	s.writes++
	return nil
}

// SetWindowStatus raises the barrier status flag of a window, as a core
// crossing the barrier would.
func (s *Simulated) SetWindowStatus(core, window int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.windowRegsLocked(core, window); err != nil {
		return err
	}
	s.status[core][window] = true
	return nil
}

func (s *Simulated) WindowStatus(core, window int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.status[core]
	if !ok || window < 0 || window >= len(st) {
		return false
	}
	return st[window]
}

// Writes returns the number of register writes performed so far.
func (s *Simulated) Writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}
