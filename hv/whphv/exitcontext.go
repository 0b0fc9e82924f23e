//go:build windows

package whphv

import "unsafe"

// runVPExitReason mirrors WHV_RUN_VP_EXIT_REASON, trimmed to the
// reasons this driver translates into hv.ExitReason; every other
// reason (MSR access, CPUID, APIC, hypercalls, synic) falls through to
// hv.ExitUnexpected.
type runVPExitReason uint32

const (
	runVPExitReasonNone            runVPExitReason = 0x00000000
	runVPExitReasonX64IoPortAccess runVPExitReason = 0x00000002
	runVPExitReasonX64Halt         runVPExitReason = 0x00000008
	runVPExitReasonCanceled        runVPExitReason = 0x00002001
)

// vpExitContext mirrors WHV_VP_EXIT_CONTEXT, the header every exit
// context carries ahead of its reason-specific union payload.
type vpExitContext struct {
	ExecutionState       uint16
	InstructionLengthCr8 uint8
	Reserved             uint8
	Reserved2            uint32
	Cs                   segmentRegister
	Rip                  uint64
	Rflags               uint64
}

// instructionLength unpacks the low nibble of InstructionLengthCr8
// (WHV_VP_EXIT_CONTEXT's bitfield: InstructionLength:4, Cr8:4).
func (c vpExitContext) instructionLength() uint64 {
	return uint64(c.InstructionLengthCr8 & 0xF)
}

// runVPExitContext mirrors WHV_RUN_VP_EXIT_CONTEXT: a 224-byte struct
// on amd64, a fixed header plus a union payload sized to the largest
// member. Grounded on tinyrange-cc's contexts_windows_amd64.go, which
// implements the same union via unsafe.Pointer accessor methods; this
// port keeps only the two accessors this driver calls.
type runVPExitContext struct {
	ExitReason   runVPExitReason
	Reserved     uint32
	VpContext    vpExitContext
	unionPayload [176]byte
}

// x64IOPortAccessContext mirrors WHV_X64_IO_PORT_ACCESS_CONTEXT (96
// bytes): the AccessInfo bitfield's bit 0 is IsWrite.
type x64IOPortAccessContext struct {
	InstructionByteCount uint8
	Reserved             [3]uint8
	InstructionBytes     [16]uint8
	AccessInfo           uint32
	Port                 uint16
	Reserved2            [3]uint16
	Rax                  uint64
}

const x64IOPortAccessInfoIsWrite = 1 << 0

func (c x64IOPortAccessContext) isWrite() bool {
	return c.AccessInfo&x64IOPortAccessInfoIsWrite != 0
}

func (c *runVPExitContext) ioPortAccess() *x64IOPortAccessContext {
	return (*x64IOPortAccessContext)(unsafe.Pointer(&c.unionPayload[0]))
}
