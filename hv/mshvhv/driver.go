package mshvhv

import (
	"fmt"
	"os"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/hyperlight-dev/hyperlight-go/hlerr"
	"github.com/hyperlight-dev/hyperlight-go/hv"
)

// ioctl numbers, laid out the same way hv/kvmhv's are: a nr byte per
// operation, run through iio/iior/iiow/iiowr for the _IO/_IOR/_IOW/_IOWR
// direction-and-size encoding MSHV_IOCTL (0xB8) shares with every other
// Linux char-device ioctl family.
const (
	nrCreatePartition     = 0x00
	nrInitializePartition = 0x01
	nrCreateVP            = 0x02
	nrSetVPRegisters      = 0x03
	nrGetVPRegisters      = 0x04
	nrRunVP               = 0x05
	nrSetGuestMemory      = 0x06
)

var (
	opCreatePartition     = iiowr(nrCreatePartition, 8)
	opInitializePartition = iio(nrInitializePartition)
	opCreateVP            = iiow(nrCreateVP, 4)
	opSetVPRegisters      = iiow(nrSetVPRegisters, unsafe.Sizeof(regAssocList{}))
	opGetVPRegisters      = iiowr(nrGetVPRegisters, unsafe.Sizeof(regAssocList{}))
	opRunVP               = iior(nrRunVP, unsafe.Sizeof(message{}))
	opSetGuestMemory      = iiow(nrSetGuestMemory, unsafe.Sizeof(userMemoryRegion{}))
)

// hvRegisterName mirrors the subset of HV_REGISTER_NAME this driver
// reads and writes -- general purpose, segment, and control registers.
type hvRegisterName uint32

const (
	regRax hvRegisterName = 0x00020000
	regRcx hvRegisterName = 0x00020001
	regRdx hvRegisterName = 0x00020002
	regRbx hvRegisterName = 0x00020003
	regRsp hvRegisterName = 0x00020004
	regRbp hvRegisterName = 0x00020005
	regRsi hvRegisterName = 0x00020006
	regRdi hvRegisterName = 0x00020007
	regR8  hvRegisterName = 0x00020008
	regR9  hvRegisterName = 0x00020009
	regR10 hvRegisterName = 0x0002000A
	regR11 hvRegisterName = 0x0002000B
	regR12 hvRegisterName = 0x0002000C
	regR13 hvRegisterName = 0x0002000D
	regR14 hvRegisterName = 0x0002000E
	regR15 hvRegisterName = 0x0002000F
	regRip hvRegisterName = 0x00020010
	regRflags hvRegisterName = 0x00020011

	regCs hvRegisterName = 0x00020012
	regDs hvRegisterName = 0x00020013
	regEs hvRegisterName = 0x00020014
	regFs hvRegisterName = 0x00020015
	regGs hvRegisterName = 0x00020016
	regSs hvRegisterName = 0x00020017

	regCr0  hvRegisterName = 0x00040000
	regCr2  hvRegisterName = 0x00040001
	regCr3  hvRegisterName = 0x00040002
	regCr4  hvRegisterName = 0x00040003
	regEfer hvRegisterName = 0x00040004
)

// hvU128 mirrors HV_UINT128, the union every register value round-trips
// through regardless of its true width -- the same shape WHP's
// WHV_REGISTER_VALUE uses.
type hvU128 struct {
	Low64  uint64
	High64 uint64
}

type regAssoc struct {
	Name  hvRegisterName
	Pad   uint32
	Value hvU128
}

// regAssocList is the fixed-capacity array MSHV_SET_VP_REGISTERS and
// MSHV_GET_VP_REGISTERS both carry: a count plus up to maxRegs
// (name, value) pairs, avoiding a variable-length ioctl payload.
const maxRegs = 24

type regAssocList struct {
	VPIndex uint32
	Count   uint32
	Regs    [maxRegs]regAssoc
}

// userMemoryRegion mirrors mshv's guest-memory-mapping ioctl payload,
// the same (gpa, host address, size, flags) shape as hv/kvmhv's
// userspaceMemoryRegion and WHP's WHvMapGpaRange.
type userMemoryRegion struct {
	GuestPFN   uint64
	Size       uint64
	UserAddr   uint64
	Flags      uint32
	_          uint32
}

const (
	memFlagReadable  = 1 << 0
	memFlagWritable  = 1 << 1
	memFlagExecutable = 1 << 2
)

// message mirrors struct hv_message: a fixed header (message type,
// payload size) plus a 240-byte payload union, decoded below into the
// halt/io-port-intercept/unmapped-gpa shapes this driver cares about.
type message struct {
	Header  messageHeader
	Payload [240]byte
}

type messageHeader struct {
	MessageType uint32
	PayloadSize uint8
	Flags       uint8
	_           [2]uint8
	Sender      uint64
}

const (
	hvmsgNone              = 0x00000000
	hvmsgUnmappedGPA       = 0x80000000
	hvmsgX64IOPortIntercept = 0x80010000
	hvmsgX64Halt           = 0x80010006
)

// x64InterceptHeader mirrors struct hv_x64_intercept_message_header,
// the fixed prefix every x64 intercept message payload carries ahead
// of its message-specific fields.
type x64InterceptHeader struct {
	VPIndex              uint32
	InstructionLengthCr8 uint8
	InterceptAccessType  uint8
	_                    [2]uint8
	Rip                  uint64
	Rflags               uint64
}

func (h x64InterceptHeader) instructionLength() uint64 {
	return uint64(h.InstructionLengthCr8 & 0xF)
}

// x64IOPortInterceptMessage mirrors struct hv_x64_io_port_intercept_message.
type x64IOPortInterceptMessage struct {
	Header     x64InterceptHeader
	Port       uint16
	AccessInfo uint8
	_          uint8
	Rax        uint32
}

const ioPortAccessInfoIsWrite = 1 << 0

func (m x64IOPortInterceptMessage) isWrite() bool {
	return m.AccessInfo&ioPortAccessInfoIsWrite != 0
}

func (m *message) ioPortIntercept() *x64IOPortInterceptMessage {
	return (*x64IOPortInterceptMessage)(unsafe.Pointer(&m.Payload[0]))
}

// Driver is the MSHV-backed implementation of hv.Driver: one partition,
// one vCPU (index 0), opened against /dev/mshv.
type Driver struct {
	dev     *os.File
	partFD  uintptr
	vpIndex uint32

	cancelled atomic.Bool
}

// New opens /dev/mshv and creates a single-vCPU partition.
func New() (*Driver, error) {
	dev, err := os.OpenFile("/dev/mshv", os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: open /dev/mshv: %w", hlerr.ErrHypervisorUnavailable, err)
	}

	partFD, err := ioctl(dev.Fd(), opCreatePartition, 0)
	if err != nil {
		dev.Close()
		return nil, fmt.Errorf("%w: MSHV_CREATE_PARTITION: %w", hlerr.ErrHypervisorUnavailable, err)
	}

	if _, err := ioctl(partFD, opInitializePartition, 0); err != nil {
		unix.Close(int(partFD))
		dev.Close()
		return nil, fmt.Errorf("%w: MSHV_INITIALIZE_PARTITION: %w", hlerr.ErrHypervisorUnavailable, err)
	}

	if _, err := ioctl(partFD, opCreateVP, 0); err != nil {
		unix.Close(int(partFD))
		dev.Close()
		return nil, fmt.Errorf("%w: MSHV_CREATE_VP: %w", hlerr.ErrHypervisorUnavailable, err)
	}

	return &Driver{dev: dev, partFD: partFD, vpIndex: 0}, nil
}

func (d *Driver) MapMemory(hostAddr uintptr, size, gpaBase uint64) error {
	region := userMemoryRegion{
		GuestPFN: gpaBase >> 12,
		Size:     size,
		UserAddr: uint64(hostAddr),
		Flags:    memFlagReadable | memFlagWritable | memFlagExecutable,
	}

	if _, err := ioctl(d.partFD, opSetGuestMemory, uintptr(unsafe.Pointer(&region))); err != nil {
		return fmt.Errorf("mshv: MSHV_SET_GUEST_MEMORY: %w", err)
	}

	return nil
}

func buildRegAssocList(vpIndex uint32, regs hv.Regs, sregs hv.Sregs) regAssocList {
	var list regAssocList
	list.VPIndex = vpIndex

	add := func(name hvRegisterName, value uint64) {
		list.Regs[list.Count] = regAssoc{Name: name, Value: hvU128{Low64: value}}
		list.Count++
	}

	add(regRax, regs.RAX)
	add(regRbx, regs.RBX)
	add(regRcx, regs.RCX)
	add(regRdx, regs.RDX)
	add(regRsi, regs.RSI)
	add(regRdi, regs.RDI)
	add(regRsp, regs.RSP)
	add(regRbp, regs.RBP)
	add(regR8, regs.R8)
	add(regR9, regs.R9)
	add(regR10, regs.R10)
	add(regR11, regs.R11)
	add(regR12, regs.R12)
	add(regR13, regs.R13)
	add(regR14, regs.R14)
	add(regR15, regs.R15)
	add(regRip, regs.RIP)
	add(regRflags, regs.RFLAGS)
	add(regCr0, sregs.CR0)
	add(regCr2, sregs.CR2)
	add(regCr3, sregs.CR3)
	add(regCr4, sregs.CR4)
	add(regEfer, sregs.EFER)

	return list
}

func (d *Driver) SetRegs(regs hv.Regs, sregs hv.Sregs) error {
	list := buildRegAssocList(d.vpIndex, regs, sregs)

	if _, err := ioctl(d.partFD, opSetVPRegisters, uintptr(unsafe.Pointer(&list))); err != nil {
		return fmt.Errorf("mshv: MSHV_SET_VP_REGISTERS: %w", err)
	}

	return nil
}

func (d *Driver) ResetStackPointer(rsp uint64) error {
	list := regAssocList{VPIndex: d.vpIndex, Count: 1}
	list.Regs[0] = regAssoc{Name: regRsp, Value: hvU128{Low64: rsp}}

	if _, err := ioctl(d.partFD, opSetVPRegisters, uintptr(unsafe.Pointer(&list))); err != nil {
		return fmt.Errorf("mshv: MSHV_SET_VP_REGISTERS(RSP): %w", err)
	}

	return nil
}

// Cancel sets a flag RunUntilExit checks after MSHV_RUN_VP returns,
// the same polling shape hv/kvmhv.Driver.Cancel uses for KVM's
// immediate_exit. MSHV's RunVP ioctl has no in-kernel cancel primitive
// exposed through this driver's ioctl surface, so cancellation here
// races with an in-flight blocking ioctl rather than interrupting it;
// the watchdog (C9) additionally arms a deadline before calling this.
func (d *Driver) Cancel() error {
	d.cancelled.Store(true)
	return nil
}

func (d *Driver) RunUntilExit() (hv.ExitReason, error) {
	var msg message

	if _, err := ioctl(d.partFD, opRunVP, uintptr(unsafe.Pointer(&msg))); err != nil {
		if d.cancelled.Load() {
			d.cancelled.Store(false)
			return hv.ExitReason{}, hlerr.ErrCallCancelled
		}
		return hv.ExitReason{}, fmt.Errorf("mshv: MSHV_RUN_VP: %w", err)
	}

	switch msg.Header.MessageType {
	case hvmsgX64Halt:
		return hv.ExitReason{Kind: hv.ExitHalt}, nil

	case hvmsgX64IOPortIntercept:
		io := msg.ioPortIntercept()
		nextRIP := io.Header.Rip + io.Header.instructionLength()

		if !io.isWrite() {
			return hv.ExitReason{Kind: hv.ExitUnexpected, Raw: msg.Header.MessageType}, nil
		}

		return hv.ExitReason{
			Kind:    hv.ExitIoOut,
			Port:    io.Port,
			Value:   []byte{byte(io.Rax)},
			NextRIP: nextRIP,
		}, nil

	case hvmsgUnmappedGPA:
		return hv.ExitReason{Kind: hv.ExitMemoryFault, FaultAccess: "unmapped"}, nil

	default:
		return hv.ExitReason{Kind: hv.ExitUnexpected, Raw: msg.Header.MessageType}, nil
	}
}

func (d *Driver) Close() error {
	if err := unix.Close(int(d.partFD)); err != nil {
		return fmt.Errorf("mshv: close partition fd: %w", err)
	}
	return d.dev.Close()
}
