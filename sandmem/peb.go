package sandmem

import (
	"encoding/binary"
	"fmt"
)

// PEB is the C-ABI Process Environment Block the guest reads at entry
// (spec §6 "PEB layout (ABI)"). Field order and width are frozen: this is
// the host/guest ABI (invariant I2). Struct layout mirrors gokvm's
// kvm/registers.go naturally-aligned-field style.
type PEB struct {
	SecurityCookieSeed uint64
	GuestDispatchPtr   uint64 // written by the guest at entry

	HostFunctionDefsSize uint64
	HostFunctionDefsPtr  uint64

	HostExceptionSize uint64

	GuestErrorPtr  uint64
	GuestErrorSize uint64

	CodePtr uint64

	OutbPtr        uint64 // in-process mode only
	OutbContextPtr uint64 // in-process mode only

	InputDataSize uint64
	InputDataPtr  uint64

	OutputDataSize uint64
	OutputDataPtr  uint64

	GuestPanicContextSize uint64
	GuestPanicContextPtr  uint64

	GuestHeapSize uint64
	GuestHeapPtr  uint64

	GuestStackMinAddr uint64
}

// PEBSize is the encoded wire size of PEB: 19 uint64 fields.
const PEBSize = 19 * 8

// Bytes encodes p in the fixed field order above, little-endian, one
// binary.LittleEndian.PutUint64 per field at a fixed offset.
func (p *PEB) Bytes() []byte {
	buf := make([]byte, PEBSize)
	fields := []uint64{
		p.SecurityCookieSeed, p.GuestDispatchPtr,
		p.HostFunctionDefsSize, p.HostFunctionDefsPtr,
		p.HostExceptionSize,
		p.GuestErrorPtr, p.GuestErrorSize,
		p.CodePtr,
		p.OutbPtr, p.OutbContextPtr,
		p.InputDataSize, p.InputDataPtr,
		p.OutputDataSize, p.OutputDataPtr,
		p.GuestPanicContextSize, p.GuestPanicContextPtr,
		p.GuestHeapSize, p.GuestHeapPtr,
		p.GuestStackMinAddr,
	}

	for i, f := range fields {
		binary.LittleEndian.PutUint64(buf[i*8:], f)
	}

	return buf
}

// ParsePEB decodes a PEB previously written by Bytes (used by tests).
func ParsePEB(buf []byte) (*PEB, error) {
	if len(buf) < PEBSize {
		return nil, fmt.Errorf("PEB buffer too small: got %d want %d", len(buf), PEBSize)
	}

	u := func(i int) uint64 { return binary.LittleEndian.Uint64(buf[i*8:]) }

	return &PEB{
		SecurityCookieSeed:    u(0),
		GuestDispatchPtr:      u(1),
		HostFunctionDefsSize:  u(2),
		HostFunctionDefsPtr:   u(3),
		HostExceptionSize:     u(4),
		GuestErrorPtr:         u(5),
		GuestErrorSize:        u(6),
		CodePtr:               u(7),
		OutbPtr:               u(8),
		OutbContextPtr:        u(9),
		InputDataSize:         u(10),
		InputDataPtr:          u(11),
		OutputDataSize:        u(12),
		OutputDataPtr:         u(13),
		GuestPanicContextSize: u(14),
		GuestPanicContextPtr:  u(15),
		GuestHeapSize:         u(16),
		GuestHeapPtr:          u(17),
		GuestStackMinAddr:     u(18),
	}, nil
}

// BuildPEB fills every offset/size field of a PEB from layout, plus the
// caller-supplied stack cookie seed. GuestDispatchPtr, OutbPtr and
// OutbContextPtr are left zero: the guest writes the first at entry, and
// nothing in this repository fills in the other two.
func BuildPEB(l *Layout, seed uint64) *PEB {
	addr := func(k RegionKind) uint64 { return l.GuestAddr(k) }
	size := func(k RegionKind) uint64 {
		_, s := l.Extent(k)

		return s
	}

	return &PEB{
		SecurityCookieSeed:    seed,
		HostFunctionDefsSize:  size(RegionHostFunctionDefs),
		HostFunctionDefsPtr:   addr(RegionHostFunctionDefs),
		HostExceptionSize:     size(RegionHostException),
		GuestErrorPtr:         addr(RegionGuestError),
		GuestErrorSize:        size(RegionGuestError),
		CodePtr:               addr(RegionCode),
		InputDataSize:         size(RegionInputData),
		InputDataPtr:          addr(RegionInputData),
		OutputDataSize:        size(RegionOutputData),
		OutputDataPtr:         addr(RegionOutputData),
		GuestPanicContextSize: size(RegionPanicContext),
		GuestPanicContextPtr:  addr(RegionPanicContext),
		GuestHeapSize:         size(RegionGuestHeap),
		GuestHeapPtr:          addr(RegionGuestHeap),
		GuestStackMinAddr:     addr(RegionGuestStack),
	}
}
