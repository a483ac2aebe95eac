// Package transport carries barrier requests between client processes and
// the broker over a Unix socket. Messages have a fixed little-endian layout:
// a 24-byte request answered by a 16-byte response. One connection is one
// device handle; closing it releases everything its tasks still hold.
package transport

import (
	"encoding/binary"
	"fmt"
	"math"

	"a64fx-hwb/internal/hwb"
)

const (
	RequestSize  = 24
	ResponseSize = 16

	// WindowAuto in Request.Window lets the broker choose the window.
	WindowAuto = 0xFF
	// NoIdentity fills Response.Group and Response.Offset when the identity
	// query failed.
	NoIdentity = 0xFF
)

type Op uint8

const (
	OpGetPeInfo Op = iota + 1
	OpAllocateBlade
	OpFreeBlade
	OpAssignWindow
	OpUnassignWindow
	OpReset
	OpGetHardwareInfo
)

func (op Op) String() string {
	switch op {
	case OpGetPeInfo:
		return "get_pe_info"
	case OpAllocateBlade:
		return "allocate_blade"
	case OpFreeBlade:
		return "free_blade"
	case OpAssignWindow:
		return "assign_window"
	case OpUnassignWindow:
		return "unassign_window"
	case OpReset:
		return "reset"
	case OpGetHardwareInfo:
		return "get_hardware_info"
	default:
		return fmt.Sprintf("op(%d)", uint8(op))
	}
}

// Request layout:
//
//	0  Op        u8
//	1  Group     u8
//	2  Blade     u8
//	3  Window    u8   WindowAuto = pick one
//	4  Core      u16  core the calling thread is pinned to
//	6  reserved  u16
//	8  TID       u32  calling thread, 0 = the connecting process
//	12 reserved  u32
//	16 CoreMask  u64  participant cores of AllocateBlade
type Request struct {
	Op       Op
	Group    uint8
	Blade    uint8
	Window   uint8
	Core     uint16
	TID      uint32
	CoreMask uint64
}

func (r Request) MarshalBinary() ([]byte, error) {
	b := make([]byte, RequestSize)
	b[0] = byte(r.Op)
	b[1] = r.Group
	b[2] = r.Blade
	b[3] = r.Window
	binary.LittleEndian.PutUint16(b[4:], r.Core)
	binary.LittleEndian.PutUint32(b[8:], r.TID)
	binary.LittleEndian.PutUint64(b[16:], r.CoreMask)
	return b, nil
}

func (r *Request) UnmarshalBinary(b []byte) error {
	if len(b) != RequestSize {
		return fmt.Errorf("request is %d bytes, want %d", len(b), RequestSize)
	}
	r.Op = Op(b[0])
	r.Group = b[1]
	r.Blade = b[2]
	r.Window = b[3]
	r.Core = binary.LittleEndian.Uint16(b[4:])
	r.TID = binary.LittleEndian.Uint32(b[8:])
	r.CoreMask = binary.LittleEndian.Uint64(b[16:])
	return nil
}

// Response layout: one byte per field in declaration order, padded to
// ResponseSize.
type Response struct {
	Status           hwb.Kind
	Group            uint8
	Offset           uint8
	Blade            uint8
	Window           uint8
	NumGroups        uint8
	BladesPerGroup   uint8
	WindowsPerCore   uint8
	MaxCoresPerGroup uint8
}

func (r Response) MarshalBinary() ([]byte, error) {
	b := make([]byte, ResponseSize)
	b[0] = byte(r.Status)
	b[1] = r.Group
	b[2] = r.Offset
	b[3] = r.Blade
	b[4] = r.Window
	b[5] = r.NumGroups
	b[6] = r.BladesPerGroup
	b[7] = r.WindowsPerCore
	b[8] = r.MaxCoresPerGroup
	return b, nil
}

func (r *Response) UnmarshalBinary(b []byte) error {
	if len(b) != ResponseSize {
		return fmt.Errorf("response is %d bytes, want %d", len(b), ResponseSize)
	}
	r.Status = hwb.Kind(b[0])
	r.Group = b[1]
	r.Offset = b[2]
	r.Blade = b[3]
	r.Window = b[4]
	r.NumGroups = b[5]
	r.BladesPerGroup = b[6]
	r.WindowsPerCore = b[7]
	r.MaxCoresPerGroup = b[8]
	return nil
}

// Err converts the status into one of the hwb sentinel errors.
func (r Response) Err() error {
	return r.Status.Err()
}

// MaskCores expands a core bitmask into core ids.
func MaskCores(mask uint64) []int {
	var cores []int
	for c := 0; c < 64; c++ {
		if mask&(1<<uint(c)) != 0 {
			cores = append(cores, c)
		}
	}
	return cores
}

// CoresMask packs core ids into a bitmask. Cores above 63 cannot be sent.
func CoresMask(cores []int) (uint64, error) {
	var mask uint64
	for _, c := range cores {
		if c < 0 || c >= 64 {
			return 0, fmt.Errorf("core %d cannot be encoded: %w", c, hwb.ErrInvalidArgument)
		}
		mask |= 1 << uint(c)
	}
	return mask, nil
}

// encodeU8 checks that v fits a one-byte request field.
func encodeU8(field string, v int) (uint8, error) {
	if v < 0 || v > math.MaxUint8 {
		return 0, fmt.Errorf("%s %d cannot be encoded: %w", field, v, hwb.ErrInvalidArgument)
	}
	return uint8(v), nil
}

func encodeCore(core int) (uint16, error) {
	if core < 0 || core > math.MaxUint16 {
		return 0, fmt.Errorf("core %d cannot be encoded: %w", core, hwb.ErrInvalidArgument)
	}
	return uint16(core), nil
}

func encodeTID(tid int) (uint32, error) {
	if tid < 0 || int64(tid) > math.MaxUint32 {
		return 0, fmt.Errorf("thread %d cannot be encoded: %w", tid, hwb.ErrInvalidArgument)
	}
	return uint32(tid), nil
}

// encodeWindow maps hwb.AutoWindow to WindowAuto. Window numbers collide
// with WindowAuto from 0xFF on.
func encodeWindow(window int) (uint8, error) {
	if window == hwb.AutoWindow {
		return WindowAuto, nil
	}
	if window < 0 || window >= WindowAuto {
		return 0, fmt.Errorf("window %d cannot be encoded: %w", window, hwb.ErrInvalidArgument)
	}
	return uint8(window), nil
}
