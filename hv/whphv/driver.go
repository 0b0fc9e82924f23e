//go:build windows

package whphv

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/hyperlight-dev/hyperlight-go/hlerr"
	"github.com/hyperlight-dev/hyperlight-go/hv"
)

// Driver is the WHP-backed implementation of hv.Driver. One Driver owns
// exactly one partition and one virtual processor (vpIndex 0), mirroring
// kvmhv.Driver's one-VM-one-vCPU shape (spec §4.3 "one vCPU per
// Sandbox").
//
// MapMemory's hostAddr is an address in this process's own address
// space, and it is mapped with WHvMapGpaRange. There is no surrogate
// host process: the driver never maps the region into another process.
type Driver struct {
	partition partitionHandle
	vpIndex   uint32

	cancelled atomic.Bool
}

// New creates a WHP partition with a single virtual processor.
func New() (*Driver, error) {
	present, err := getCapabilityHypervisorPresent()
	if err != nil {
		return nil, fmt.Errorf("%w: WHvGetCapability: %w", hlerr.ErrHypervisorUnavailable, err)
	}
	if !present {
		return nil, fmt.Errorf("%w: hypervisor not present", hlerr.ErrHypervisorUnavailable)
	}

	partition, err := createPartition()
	if err != nil {
		return nil, fmt.Errorf("%w: WHvCreatePartition: %w", hlerr.ErrHypervisorUnavailable, err)
	}

	if err := setProcessorCount(partition, 1); err != nil {
		deletePartition(partition)
		return nil, fmt.Errorf("%w: WHvSetPartitionProperty(ProcessorCount): %w", hlerr.ErrHypervisorUnavailable, err)
	}

	if err := setupPartition(partition); err != nil {
		deletePartition(partition)
		return nil, fmt.Errorf("%w: WHvSetupPartition: %w", hlerr.ErrHypervisorUnavailable, err)
	}

	if err := createVirtualProcessor(partition, 0); err != nil {
		deletePartition(partition)
		return nil, fmt.Errorf("%w: WHvCreateVirtualProcessor: %w", hlerr.ErrHypervisorUnavailable, err)
	}

	return &Driver{partition: partition, vpIndex: 0}, nil
}

func (d *Driver) MapMemory(hostAddr uintptr, size, gpaBase uint64) error {
	flags := mapGPARangeFlagRead | mapGPARangeFlagWrite | mapGPARangeFlagExecute
	if err := mapGPARange(d.partition, hostAddr, gpaBase, size, flags); err != nil {
		return fmt.Errorf("whp: WHvMapGpaRange: %w", err)
	}
	return nil
}

var regOrder = []registerName{
	registerRax, registerRbx, registerRcx, registerRdx,
	registerRsi, registerRdi, registerRsp, registerRbp,
	registerR8, registerR9, registerR10, registerR11,
	registerR12, registerR13, registerR14, registerR15,
	registerRip, registerRflags,
	registerCs, registerDs, registerEs, registerFs, registerGs, registerSs,
	registerCr0, registerCr2, registerCr3, registerCr4, registerEfer,
}

func regsToValues(regs hv.Regs, sregs hv.Sregs) []registerValue {
	values := make([]registerValue, len(regOrder))
	gp := []uint64{
		regs.RAX, regs.RBX, regs.RCX, regs.RDX,
		regs.RSI, regs.RDI, regs.RSP, regs.RBP,
		regs.R8, regs.R9, regs.R10, regs.R11,
		regs.R12, regs.R13, regs.R14, regs.R15,
		regs.RIP, regs.RFLAGS,
	}
	for i, v := range gp {
		values[i].setUint64(v)
	}

	segs := []segmentRegister{
		toSegmentRegister(fromHVSegment(sregs.CS)),
		toSegmentRegister(fromHVSegment(sregs.DS)),
		toSegmentRegister(fromHVSegment(sregs.ES)),
		toSegmentRegister(fromHVSegment(sregs.FS)),
		toSegmentRegister(fromHVSegment(sregs.GS)),
		toSegmentRegister(fromHVSegment(sregs.SS)),
	}
	for i, s := range segs {
		idx := len(gp) + i
		*(*segmentRegister)(unsafe.Pointer(&values[idx])) = s
	}

	crs := []uint64{sregs.CR0, sregs.CR2, sregs.CR3, sregs.CR4, sregs.EFER}
	for i, v := range crs {
		values[len(gp)+len(segs)+i].setUint64(v)
	}

	return values
}

func fromHVSegment(s hv.Segment) segment {
	return segment{
		Base: s.Base, Limit: s.Limit, Selector: s.Selector,
		Typ: s.Typ, Present: s.Present, DPL: s.DPL, DB: s.DB,
		S: s.S, L: s.L, G: s.G, AVL: s.AVL,
	}
}

func (d *Driver) SetRegs(regs hv.Regs, sregs hv.Sregs) error {
	values := regsToValues(regs, sregs)
	if err := setVirtualProcessorRegisters(d.partition, d.vpIndex, regOrder, values); err != nil {
		return fmt.Errorf("whp: WHvSetVirtualProcessorRegisters: %w", err)
	}
	return nil
}

func (d *Driver) ResetStackPointer(rsp uint64) error {
	names := []registerName{registerRsp}
	values := []registerValue{{}}
	values[0].setUint64(rsp)
	if err := setVirtualProcessorRegisters(d.partition, d.vpIndex, names, values); err != nil {
		return fmt.Errorf("whp: WHvSetVirtualProcessorRegisters(RSP): %w", err)
	}
	return nil
}

func (d *Driver) Cancel() error {
	d.cancelled.Store(true)
	if err := cancelRunVirtualProcessor(d.partition, d.vpIndex); err != nil {
		return fmt.Errorf("whp: WHvCancelRunVirtualProcessor: %w", err)
	}
	return nil
}

func (d *Driver) RunUntilExit() (hv.ExitReason, error) {
	var exitCtx runVPExitContext

	if err := runVirtualProcessor(d.partition, d.vpIndex, &exitCtx); err != nil {
		return hv.ExitReason{}, fmt.Errorf("whp: WHvRunVirtualProcessor: %w", err)
	}

	switch exitCtx.ExitReason {
	case runVPExitReasonX64Halt:
		return hv.ExitReason{Kind: hv.ExitHalt}, nil

	case runVPExitReasonX64IoPortAccess:
		io := exitCtx.ioPortAccess()
		nextRIP := exitCtx.VpContext.Rip + exitCtx.VpContext.instructionLength()

		if !io.isWrite() {
			return hv.ExitReason{Kind: hv.ExitUnexpected, Raw: uint32(exitCtx.ExitReason)}, nil
		}

		return hv.ExitReason{
			Kind:    hv.ExitIoOut,
			Port:    io.Port,
			Value:   []byte{byte(io.Rax)},
			NextRIP: nextRIP,
		}, nil

	case runVPExitReasonCanceled:
		d.cancelled.Store(false)
		return hv.ExitReason{}, hlerr.ErrCallCancelled

	default:
		return hv.ExitReason{Kind: hv.ExitUnexpected, Raw: uint32(exitCtx.ExitReason)}, nil
	}
}

func (d *Driver) Close() error {
	if err := deleteVirtualProcessor(d.partition, d.vpIndex); err != nil {
		return fmt.Errorf("whp: WHvDeleteVirtualProcessor: %w", err)
	}
	if err := deletePartition(d.partition); err != nil {
		return fmt.Errorf("whp: WHvDeletePartition: %w", err)
	}
	return nil
}
