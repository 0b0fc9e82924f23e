package kvmhv

import (
	"golang.org/x/arch/x86/x86asm"
)

// outbInstrLen decodes the length of the outb instruction at code, the
// bytes the guest executed to trigger this IO exit. KVM's kvm_run
// structure does not report instruction length directly for IO exits
// (unlike MSHV's InstructionLength field), so the driver must read it
// back from guest memory and decode it itself (spec §4.3 "the driver
// reads the instruction length from the exit info where provided, else
// uses a fixed 1").
//
// Grounded on gokvm's machine/debug_amd64.go, which used
// golang.org/x/arch/x86/x86asm for single-step instruction-pointer
// bookkeeping; reused here for the same decode, different purpose.
func outbInstrLen(code []byte) int {
	inst, err := x86asm.Decode(code, 64)
	if err != nil {
		return 1
	}

	if inst.Op != x86asm.OUT {
		return 1
	}

	return inst.Len
}
