// Package hv defines the uniform hypervisor driver contract (C3) shared
// by the KVM, MSHV, and WHP backends, plus the register-initialization
// math common to all three.
//
// Grounded on gokvm's kvm/kvm.go (NewLinuxGuest/RunOnce/handleExitIO)
// and kvm/registers.go (Regs/Sregs/Segment/Descriptor shapes) for the
// overall create-map-initRegs-run lifecycle; generalized here to a
// driver-agnostic interface with three backends instead of one.
package hv

import "fmt"

// ExitReason is the outcome of one run_until_exit call (spec §4.3).
type ExitReason struct {
	Kind ExitKind

	// IoOut fields, valid when Kind == ExitIoOut.
	Port    uint16
	Value   []byte
	NextRIP uint64

	// MemoryFault fields, valid when Kind == ExitMemoryFault.
	FaultGPA    uint64
	FaultAccess string

	// Unexpected fields, valid when Kind == ExitUnexpected.
	Raw uint32
}

// ExitKind classifies an ExitReason.
type ExitKind int

const (
	ExitHalt ExitKind = iota
	ExitIoOut
	ExitMemoryFault
	ExitUnexpected
)

func (k ExitKind) String() string {
	switch k {
	case ExitHalt:
		return "Halt"
	case ExitIoOut:
		return "IoOut"
	case ExitMemoryFault:
		return "MemoryFault"
	case ExitUnexpected:
		return "Unexpected"
	default:
		return fmt.Sprintf("ExitKind(%d)", int(k))
	}
}

// Regs mirrors the general-purpose register file, field-for-field the
// same as gokvm's kvm.Regs (kvm/registers.go).
type Regs struct {
	RAX, RBX, RCX, RDX uint64
	RSI, RDI           uint64
	RSP, RBP           uint64
	R8, R9, R10, R11   uint64
	R12, R13, R14, R15 uint64
	RIP, RFLAGS        uint64
}

// Sregs mirrors the special/segment register file (kvm/registers.go's
// Sregs, trimmed of the interrupt bitmap this domain never injects
// interrupts through).
type Sregs struct {
	CS, DS, ES, FS, GS, SS Segment
	TR, LDT                Segment
	GDT, IDT               Descriptor
	CR0, CR2, CR3, CR4     uint64
	CR8, EFER, ApicBase    uint64
}

// Segment is an x86 segment descriptor (kvm/registers.go's Segment).
type Segment struct {
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
	Unusable uint8
}

// Descriptor is a GDT/IDT pointer (kvm/registers.go's Descriptor).
type Descriptor struct {
	Base  uint64
	Limit uint16
}

// Driver is the uniform hypervisor contract (spec §4.3): create a VM,
// map the shared memory region, seed registers, run until exit, adjust
// the stack pointer for a recycled call, and cancel an in-flight run.
// The three backends (kvmhv, mshvhv, whphv) each implement this over
// their own ioctls/syscalls.
type Driver interface {
	// MapMemory installs the single guest-physical memory region
	// backed by hostAddr, size bytes, based at gpaBase.
	MapMemory(hostAddr uintptr, size, gpaBase uint64) error

	// SetRegs writes the general-purpose and special register files.
	SetRegs(regs Regs, sregs Sregs) error

	// ResetStackPointer sets RSP alone, used when recycling a sandbox
	// between calls (spec §4.9 "Recycle").
	ResetStackPointer(rsp uint64) error

	// RunUntilExit resumes the vCPU until it exits for any reason.
	RunUntilExit() (ExitReason, error)

	// Cancel requests that an in-flight RunUntilExit return as soon as
	// possible (spec §4.9 cancellation semantics). Safe to call
	// concurrently with RunUntilExit.
	Cancel() error

	// Close releases all driver-owned OS resources (fds, mappings,
	// partitions).
	Close() error
}

// FlatCodeSregs returns the Sregs value for a single flat 64-bit long
// mode code segment spanning the full address space, the shape every
// backend needs before handing control to the guest's entry point
// (spec §4.3 "initializes registers"). Adapted from gokvm's
// initSregs (kvm/kvm.go), extended from protected mode to long mode:
// CR0.PE|CR0.PG, CR4.PAE, EFER.LME|EFER.LMA, and a 64-bit code segment
// (L=1, DB=0) rather than a 32-bit flat segment (DB=1).
func FlatCodeSregs(pml4GPA uint64) Sregs {
	var s Sregs

	flat := Segment{Base: 0, Limit: 0xFFFFFFFF, G: 1}

	s.CS = flat
	s.CS.L = 1 // 64-bit code segment
	s.DS = flat
	s.ES = flat
	s.FS = flat
	s.GS = flat
	s.SS = flat

	const (
		cr0PE = 1 << 0
		cr0PG = 1 << 31
		cr4PAE = 1 << 5
		eferLME = 1 << 8
		eferLMA = 1 << 10
	)

	s.CR0 = cr0PE | cr0PG
	s.CR4 = cr4PAE
	s.EFER = eferLME | eferLMA
	s.CR3 = pml4GPA

	return s
}

// EntryRegs returns the Regs value for starting (or restarting) the
// guest at entryRIP with stackTop as RSP (spec §4.3: "init_regs =
// {... RFLAGS=0x0002, RIP=entry, RSP=stack_top, RCX=peb_gpa, RDX=seed,
// R8=page_size, R9=log_level}"). The guest reads these from the
// argument registers per the platform calling convention.
func EntryRegs(entryRIP, stackTop, pebGPA, seed, pageSize, logLevel uint64) Regs {
	return Regs{
		RIP:    entryRIP,
		RSP:    stackTop,
		RCX:    pebGPA,
		RDX:    seed,
		R8:     pageSize,
		R9:     logLevel,
		RFLAGS: 0x2, // bit 1 is reserved-and-must-be-set, gokvm's initRegs does the same
	}
}
