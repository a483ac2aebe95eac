// Package hwreg describes the per-core barrier registers and the backend
// through which they are accessed. It provides:
// - Bit layouts of the identity, control, blade and window registers
// - The Backend interface consumed by the allocation manager
// - A simulated register file for hosts without barrier hardware
package hwreg

// Identity register (IMP_BARRIER_DISPLAY).
const (
	identityOffsetMask = 0xF
	identityGroupShift = 4
	identityGroupMask  = 0x3
)

// Control register (IMP_BARRIER_CTRL).
const (
	controlUserShift   = 62
	controlKernelShift = 63
)

// Blade init-sync register: participant mask in the high word, barrier
// status in the low bits.
const (
	bladeMaskShift = 32
	bladeBitsMask  = 0x1FFF
)

// Window assign register: valid flag plus blade index.
const (
	windowValidShift = 63
	windowBladeMask  = 0x3F
)

// Geometry limits imposed by the register layouts.
const (
	// MaxGroups is the number of groups the identity register can name.
	MaxGroups = identityGroupMask + 1
	// MaxParticipants is the width of the blade participant mask, and so
	// the highest usable offset within a group plus one.
	MaxParticipants = 13
	// MaxBlades is the number of blades a window register can point at.
	MaxBlades = windowBladeMask + 1
)

// Identity is the (group, offset) pair a core reports about itself.
type Identity struct {
	Group  int
	Offset int
}

// Control holds the global barrier enable bits of one core.
type Control struct {
	User   bool
	Kernel bool
}

// BladeState is the decoded content of a blade register.
type BladeState struct {
	Participants uint64
	Status       uint64
}

// WindowState is the decoded content of a window assign register.
type WindowState struct {
	Valid bool
	Blade int
}

func EncodeIdentity(id Identity) uint64 {
	return uint64(id.Offset&identityOffsetMask) | uint64(id.Group&identityGroupMask)<<identityGroupShift
}

func DecodeIdentity(val uint64) Identity {
	return Identity{
		Group:  int((val >> identityGroupShift) & identityGroupMask),
		Offset: int(val & identityOffsetMask),
	}
}

// EncodeControl applies ctl to the previous register value, leaving the
// unrelated bits untouched.
func EncodeControl(prev uint64, ctl Control) uint64 {
	val := prev
	if ctl.User {
		val |= 1 << controlUserShift
	} else {
		val &^= 1 << controlUserShift
	}
	if ctl.Kernel {
		val |= 1 << controlKernelShift
	} else {
		val &^= 1 << controlKernelShift
	}
	return val
}

func DecodeControl(val uint64) Control {
	return Control{
		User:   (val>>controlUserShift)&1 == 1,
		Kernel: (val>>controlKernelShift)&1 == 1,
	}
}

func EncodeBlade(st BladeState) uint64 {
	return (st.Participants&bladeBitsMask)<<bladeMaskShift | st.Status&bladeBitsMask
}

func DecodeBlade(val uint64) BladeState {
	return BladeState{
		Participants: (val >> bladeMaskShift) & bladeBitsMask,
		Status:       val & bladeBitsMask,
	}
}

func EncodeWindow(st WindowState) uint64 {
	val := uint64(st.Blade) & windowBladeMask
	if st.Valid {
		val |= 1 << windowValidShift
	}
	return val
}

func DecodeWindow(val uint64) WindowState {
	return WindowState{
		Valid: (val>>windowValidShift)&1 == 1,
		Blade: int(val & windowBladeMask),
	}
}
