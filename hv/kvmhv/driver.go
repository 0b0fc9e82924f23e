package kvmhv

import (
	"fmt"
	"os"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/hyperlight-dev/hyperlight-go/hlerr"
	"github.com/hyperlight-dev/hyperlight-go/hv"
)

const (
	nrGetAPIVersion      = 0x00
	nrCreateVM           = 0x01
	nrCheckExtension     = 0x03
	nrGetVCPUMMapSize    = 0x04
	nrGetSupportedCPUID  = 0x05
	nrCreateVCPU         = 0x41
	nrSetUserMemRegion   = 0x46
	nrSetTSSAddr         = 0x47
	nrSetIdentityMapAddr = 0x48
	nrRun                = 0x80
	nrGetRegs            = 0x81
	nrSetRegs            = 0x82
	nrGetSregs           = 0x83
	nrSetSregs           = 0x84
	nrSetCPUID2          = 0x90

	capUserMemory   = 3
	capImmediateExit = 136

	exitHalt           = 5
	exitIO             = 2
	exitMMIO           = 6
	exitShutdown       = 8
	exitFailEntry      = 9
	exitInternalError  = 17

	ioDirIn  = 0
	ioDirOut = 1
)

var (
	opGetAPIVersion   = IIO(nrGetAPIVersion)
	opCreateVM        = IIO(nrCreateVM)
	opCheckExtension  = IIO(nrCheckExtension)
	opGetVCPUMMapSize = IIO(nrGetVCPUMMapSize)
	opCreateVCPU      = IIO(nrCreateVCPU)
	opSetTSSAddr      = IIO(nrSetTSSAddr)
	opRun             = IIO(nrRun)
)

// regs mirrors the kernel's struct kvm_regs, the same field order gokvm
// uses in kvm/registers.go.
type regs struct {
	RAX, RBX, RCX, RDX uint64
	RSI, RDI           uint64
	RSP, RBP           uint64
	R8, R9, R10, R11   uint64
	R12, R13, R14, R15 uint64
	RIP, RFLAGS        uint64
}

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
	Unusable uint8
	_        uint8
}

type descriptor struct {
	Base  uint64
	Limit uint16
	_     [3]uint16
}

const numInterrupts = 0x100

// sregs mirrors struct kvm_sregs.
type sregs struct {
	CS, DS, ES, FS, GS, SS segment
	TR, LDT                segment
	GDT, IDT               descriptor
	CR0, CR2, CR3, CR4     uint64
	CR8                    uint64
	EFER                   uint64
	ApicBase               uint64
	InterruptBitmap        [(numInterrupts + 63) / 64]uint64
}

// runData mirrors struct kvm_run's header, field-for-field the same
// layout as gokvm's kvm.RunData except the padding byte immediately
// following RequestInterruptWindow is named ImmediateExit: the real
// kernel struct defines it there, and cancellation (spec §4.9) sets it
// to abort an in-flight run at the next exit-eligible point.
type runData struct {
	RequestInterruptWindow     uint8
	ImmediateExit              uint8
	_                          [6]uint8
	ExitReason                 uint32
	ReadyForInterruptInjection uint8
	IfFlag                     uint8
	_                          [2]uint8
	CR8                        uint64
	ApicBase                   uint64
	Data                       [32]uint64
}

func (r *runData) io() (direction, size, port, count, offset uint64) {
	direction = r.Data[0] & 0xFF
	size = (r.Data[0] >> 8) & 0xFF
	port = (r.Data[0] >> 16) & 0xFFFF
	count = (r.Data[0] >> 32) & 0xFFFFFFFF
	offset = r.Data[1]

	return
}

// Driver is the KVM backend of hv.Driver.
type Driver struct {
	kvmFD, vmFD, vcpuFD uintptr
	run                 *runData
	runMmap             []byte
	cancelled           atomic.Bool

	hostBase uintptr
	gpaBase  uint64
	memSize  uint64
}

// New opens /dev/kvm, creates a VM and a single vCPU, and checks the
// capabilities this driver relies on (spec §4.3 "KVM ... create VM, ...
// create one vCPU").
func New() (*Driver, error) {
	dev, err := os.OpenFile("/dev/kvm", os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: open /dev/kvm: %w", hlerr.ErrHypervisorUnavailable, err)
	}

	d := &Driver{kvmFD: dev.Fd()}

	if _, err := Ioctl(d.kvmFD, opGetAPIVersion, 0); err != nil {
		return nil, fmt.Errorf("%w: KVM_GET_API_VERSION: %w", hlerr.ErrHypervisorUnavailable, err)
	}

	if err := d.requireExtension(capUserMemory); err != nil {
		return nil, err
	}

	if err := d.requireExtension(capImmediateExit); err != nil {
		return nil, err
	}

	vmFD, err := Ioctl(d.kvmFD, opCreateVM, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: KVM_CREATE_VM: %w", hlerr.ErrDriverInit, err)
	}

	d.vmFD = vmFD

	if _, err := Ioctl(d.vmFD, opSetTSSAddr, 0xffffd000); err != nil {
		return nil, fmt.Errorf("%w: KVM_SET_TSS_ADDR: %w", hlerr.ErrDriverInit, err)
	}

	vcpuFD, err := Ioctl(d.vmFD, opCreateVCPU, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: KVM_CREATE_VCPU: %w", hlerr.ErrDriverInit, err)
	}

	d.vcpuFD = vcpuFD

	mmapSize, err := Ioctl(d.kvmFD, opGetVCPUMMapSize, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: KVM_GET_VCPU_MMAP_SIZE: %w", hlerr.ErrDriverInit, err)
	}

	runMmap, err := unix.Mmap(int(d.vcpuFD), 0, int(mmapSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("%w: mmap kvm_run: %w", hlerr.ErrDriverInit, err)
	}

	d.runMmap = runMmap
	d.run = (*runData)(unsafe.Pointer(&runMmap[0]))

	return d, nil
}

func (d *Driver) requireExtension(cap uintptr) error {
	has, err := Ioctl(d.kvmFD, opCheckExtension, cap)
	if err != nil {
		return fmt.Errorf("%w: KVM_CHECK_EXTENSION(%d): %w", hlerr.ErrHypervisorUnavailable, cap, err)
	}

	if has == 0 {
		return fmt.Errorf("%w: extension %d unsupported by this kernel", hlerr.ErrHypervisorUnavailable, cap)
	}

	return nil
}

// userspaceMemoryRegion mirrors struct kvm_userspace_memory_region.
type userspaceMemoryRegion struct {
	Slot          uint32
	Flags         uint32
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
}

// MapMemory implements hv.Driver.
func (d *Driver) MapMemory(hostAddr uintptr, size, gpaBase uint64) error {
	region := userspaceMemoryRegion{
		Slot:          0,
		GuestPhysAddr: gpaBase,
		MemorySize:    size,
		UserspaceAddr: uint64(hostAddr),
	}

	op := IIOW(nrSetUserMemRegion, unsafe.Sizeof(region))

	if _, err := ioctlPtr(d.vmFD, op, unsafe.Pointer(&region)); err != nil {
		return fmt.Errorf("%w: KVM_SET_USER_MEMORY_REGION: %w", hlerr.ErrDriverInit, err)
	}

	d.hostBase = hostAddr
	d.gpaBase = gpaBase
	d.memSize = size

	return nil
}

func (d *Driver) getRegs() (regs, error) {
	var r regs

	op := IIOR(nrGetRegs, unsafe.Sizeof(r))
	if _, err := ioctlPtr(d.vcpuFD, op, unsafe.Pointer(&r)); err != nil {
		return r, fmt.Errorf("%w: KVM_GET_REGS: %w", hlerr.ErrDriverInit, err)
	}

	return r, nil
}

func (d *Driver) setRIP(rip uint64) error {
	r, err := d.getRegs()
	if err != nil {
		return err
	}

	r.RIP = rip

	op := IIOW(nrSetRegs, unsafe.Sizeof(r))
	if _, err := ioctlPtr(d.vcpuFD, op, unsafe.Pointer(&r)); err != nil {
		return fmt.Errorf("%w: KVM_SET_REGS: %w", hlerr.ErrDriverInit, err)
	}

	return nil
}

// advancePastOutb decodes the outb instruction at the guest's current
// RIP and moves RIP past it (spec §4.5: "the driver advances RIP past
// the outb"), returning the new RIP.
func (d *Driver) advancePastOutb() (uint64, error) {
	r, err := d.getRegs()
	if err != nil {
		return 0, err
	}

	length := 1

	if r.RIP >= d.gpaBase && r.RIP-d.gpaBase < d.memSize {
		offset := r.RIP - d.gpaBase
		remaining := d.memSize - offset

		window := remaining
		if window > 15 {
			window = 15
		}

		code := unsafe.Slice((*byte)(unsafe.Pointer(d.hostBase+uintptr(offset))), int(window))
		length = outbInstrLen(code)
	}

	next := r.RIP + uint64(length)

	return next, d.setRIP(next)
}

// SetRegs implements hv.Driver.
func (d *Driver) SetRegs(hvRegs hv.Regs, hvSregs hv.Sregs) error {
	r := regs{
		RAX: hvRegs.RAX, RBX: hvRegs.RBX, RCX: hvRegs.RCX, RDX: hvRegs.RDX,
		RSI: hvRegs.RSI, RDI: hvRegs.RDI, RSP: hvRegs.RSP, RBP: hvRegs.RBP,
		R8: hvRegs.R8, R9: hvRegs.R9, R10: hvRegs.R10, R11: hvRegs.R11,
		R12: hvRegs.R12, R13: hvRegs.R13, R14: hvRegs.R14, R15: hvRegs.R15,
		RIP: hvRegs.RIP, RFLAGS: hvRegs.RFLAGS,
	}

	regsOp := IIOW(nrSetRegs, unsafe.Sizeof(r))
	if _, err := ioctlPtr(d.vcpuFD, regsOp, unsafe.Pointer(&r)); err != nil {
		return fmt.Errorf("%w: KVM_SET_REGS: %w", hlerr.ErrDriverInit, err)
	}

	s := sregs{
		CS: toSegment(hvSregs.CS), DS: toSegment(hvSregs.DS), ES: toSegment(hvSregs.ES),
		FS: toSegment(hvSregs.FS), GS: toSegment(hvSregs.GS), SS: toSegment(hvSregs.SS),
		TR: toSegment(hvSregs.TR), LDT: toSegment(hvSregs.LDT),
		GDT: descriptor{Base: hvSregs.GDT.Base, Limit: hvSregs.GDT.Limit},
		IDT: descriptor{Base: hvSregs.IDT.Base, Limit: hvSregs.IDT.Limit},
		CR0: hvSregs.CR0, CR2: hvSregs.CR2, CR3: hvSregs.CR3, CR4: hvSregs.CR4,
		CR8: hvSregs.CR8, EFER: hvSregs.EFER, ApicBase: hvSregs.ApicBase,
	}

	sregsOp := IIOW(nrSetSregs, unsafe.Sizeof(s))
	if _, err := ioctlPtr(d.vcpuFD, sregsOp, unsafe.Pointer(&s)); err != nil {
		return fmt.Errorf("%w: KVM_SET_SREGS: %w", hlerr.ErrDriverInit, err)
	}

	return nil
}

func toSegment(s hv.Segment) segment {
	return segment{
		Base: s.Base, Limit: s.Limit, Selector: s.Selector, Typ: s.Typ,
		Present: s.Present, DPL: s.DPL, DB: s.DB, S: s.S, L: s.L, G: s.G,
		AVL: s.AVL, Unusable: s.Unusable,
	}
}

// ResetStackPointer implements hv.Driver.
func (d *Driver) ResetStackPointer(rsp uint64) error {
	var r regs

	getOp := IIOR(nrGetRegs, unsafe.Sizeof(r))
	if _, err := ioctlPtr(d.vcpuFD, getOp, unsafe.Pointer(&r)); err != nil {
		return fmt.Errorf("%w: KVM_GET_REGS: %w", hlerr.ErrDriverInit, err)
	}

	r.RSP = rsp

	setOp := IIOW(nrSetRegs, unsafe.Sizeof(r))
	if _, err := ioctlPtr(d.vcpuFD, setOp, unsafe.Pointer(&r)); err != nil {
		return fmt.Errorf("%w: KVM_SET_REGS: %w", hlerr.ErrDriverInit, err)
	}

	return nil
}

// Cancel implements hv.Driver by setting immediate_exit on the shared
// kvm_run page, per the Open Question resolution favoring the
// immediate_exit flag over pthread_kill+SIGRTMIN (DESIGN.md).
func (d *Driver) Cancel() error {
	d.cancelled.Store(true)
	atomic.StoreUint32((*uint32)(unsafe.Pointer(&d.run.ImmediateExit)), 1)

	return nil
}

// RunUntilExit implements hv.Driver.
func (d *Driver) RunUntilExit() (hv.ExitReason, error) {
	if _, err := Ioctl(d.vcpuFD, opRun, 0); err != nil {
		if d.cancelled.Load() {
			d.run.ImmediateExit = 0
			d.cancelled.Store(false)

			return hv.ExitReason{}, hlerr.ErrCallCancelled
		}

		return hv.ExitReason{}, fmt.Errorf("%w: KVM_RUN: %w", hlerr.ErrDriverInit, err)
	}

	switch d.run.ExitReason {
	case exitHalt:
		return hv.ExitReason{Kind: hv.ExitHalt}, nil
	case exitIO:
		direction, size, port, count, offset := d.run.io()
		base := uintptr(unsafe.Pointer(d.run)) + uintptr(offset)
		data := unsafe.Slice((*byte)(unsafe.Pointer(base)), int(size)*int(count))

		if direction == ioDirOut {
			value := append([]byte(nil), data...)

			nextRIP, err := d.advancePastOutb()
			if err != nil {
				return hv.ExitReason{}, err
			}

			return hv.ExitReason{Kind: hv.ExitIoOut, Port: uint16(port), Value: value, NextRIP: nextRIP}, nil
		}

		return hv.ExitReason{Kind: hv.ExitUnexpected, Raw: uint32(exitIO)}, nil
	case exitFailEntry, exitShutdown, exitInternalError, exitMMIO:
		return hv.ExitReason{Kind: hv.ExitUnexpected, Raw: d.run.ExitReason}, nil
	default:
		return hv.ExitReason{Kind: hv.ExitUnexpected, Raw: d.run.ExitReason}, nil
	}
}

// Close implements hv.Driver.
func (d *Driver) Close() error {
	if d.runMmap != nil {
		_ = unix.Munmap(d.runMmap)
	}

	if d.vcpuFD != 0 {
		_ = unix.Close(int(d.vcpuFD))
	}

	if d.vmFD != 0 {
		_ = unix.Close(int(d.vmFD))
	}

	if d.kvmFD != 0 {
		_ = unix.Close(int(d.kvmFD))
	}

	return nil
}
