//go:build windows

package whphv

import "unsafe"

// registerName mirrors WHV_REGISTER_NAME, trimmed to the registers this
// driver actually reads or writes (tinyrange-cc's registers_windows.go
// carries the full x86/ARM64 enum; a sandbox vCPU never touches APIC,
// MSR, or debug-register state).
type registerName uint32

const (
	registerRax registerName = 0x00000000
	registerRcx registerName = 0x00000001
	registerRdx registerName = 0x00000002
	registerRbx registerName = 0x00000003
	registerRsp registerName = 0x00000004
	registerRbp registerName = 0x00000005
	registerRsi registerName = 0x00000006
	registerRdi registerName = 0x00000007
	registerR8  registerName = 0x00000008
	registerR9  registerName = 0x00000009
	registerR10 registerName = 0x0000000A
	registerR11 registerName = 0x0000000B
	registerR12 registerName = 0x0000000C
	registerR13 registerName = 0x0000000D
	registerR14 registerName = 0x0000000E
	registerR15 registerName = 0x0000000F
	registerRip registerName = 0x00000010
	registerRflags registerName = 0x00000011

	registerEs registerName = 0x00000012
	registerCs registerName = 0x00000013
	registerSs registerName = 0x00000014
	registerDs registerName = 0x00000015
	registerFs registerName = 0x00000016
	registerGs registerName = 0x00000017

	registerCr0 registerName = 0x0000001C
	registerCr2 registerName = 0x0000001D
	registerCr3 registerName = 0x0000001E
	registerCr4 registerName = 0x0000001F

	registerEfer registerName = 0x00002001
)

// uint128 mirrors WHV_UINT128.
type uint128 struct {
	Low64  uint64
	High64 uint64
}

// registerValue mirrors WHV_REGISTER_VALUE, the 16-byte union every
// register read/write uses regardless of the register's true width.
type registerValue struct {
	Raw uint128
}

func (v *registerValue) setUint64(val uint64) {
	*v = registerValue{}
	*(*uint64)(unsafe.Pointer(v)) = val
}

func (v *registerValue) asUint64() uint64 {
	return *(*uint64)(unsafe.Pointer(v))
}

// segmentRegister mirrors WHV_X64_SEGMENT_REGISTER (16 bytes): a base,
// limit, selector, and a packed attributes word carrying type/S/DPL/
// present/AVL/L/DB/G, the same fields hv.Segment spells out.
type segmentRegister struct {
	Base       uint64
	Limit      uint32
	Selector   uint16
	Attributes uint16
}

const (
	segAttrTypeMask = 0xF
	segAttrNonSystem = 1 << 4
	segAttrDPLShift  = 5
	segAttrDPLMask   = 0x3 << segAttrDPLShift
	segAttrPresent   = 1 << 7
	segAttrAVL       = 1 << 12
	segAttrLong      = 1 << 13
	segAttrDB        = 1 << 14
	segAttrGranularity = 1 << 15
)

func toSegmentRegister(s segment) segmentRegister {
	var attrs uint16
	attrs |= uint16(s.Typ) & segAttrTypeMask
	if s.S != 0 {
		attrs |= segAttrNonSystem
	}
	attrs |= uint16(s.DPL) << segAttrDPLShift & segAttrDPLMask
	if s.Present != 0 {
		attrs |= segAttrPresent
	}
	if s.AVL != 0 {
		attrs |= segAttrAVL
	}
	if s.L != 0 {
		attrs |= segAttrLong
	}
	if s.DB != 0 {
		attrs |= segAttrDB
	}
	if s.G != 0 {
		attrs |= segAttrGranularity
	}

	return segmentRegister{Base: s.Base, Limit: s.Limit, Selector: s.Selector, Attributes: attrs}
}

func fromSegmentRegister(r segmentRegister) segment {
	return segment{
		Base:     r.Base,
		Limit:    r.Limit,
		Selector: r.Selector,
		Typ:      uint8(r.Attributes & segAttrTypeMask),
		S:        boolToU8(r.Attributes&segAttrNonSystem != 0),
		DPL:      uint8((r.Attributes & segAttrDPLMask) >> segAttrDPLShift),
		Present:  boolToU8(r.Attributes&segAttrPresent != 0),
		AVL:      boolToU8(r.Attributes&segAttrAVL != 0),
		L:        boolToU8(r.Attributes&segAttrLong != 0),
		DB:       boolToU8(r.Attributes&segAttrDB != 0),
		G:        boolToU8(r.Attributes&segAttrGranularity != 0),
	}
}

func boolToU8(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}

// segment is a private mirror of hv.Segment, kept separate so this package's register marshalling doesn't reach into
// hv's exported fields directly for every conversion.
type segment struct {
	Base     uint64
	Limit    uint32
	Selector uint16
	Typ      uint8
	Present  uint8
	DPL      uint8
	DB       uint8
	S        uint8
	L        uint8
	G        uint8
	AVL      uint8
}
