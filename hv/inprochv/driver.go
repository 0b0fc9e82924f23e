//go:build windows

// Package inprochv implements the in-process variant of hv.Driver (spec
// §4.3, §4.7 "In-process (development only, Windows): no hypervisor, the
// driver runs by invoking the loaded entry function directly on a host
// thread"). There is no partition, no vCPU, and no VM-exit: the function
// at the RIP given to SetRegs is called directly via syscall.SyscallN --
// the same raw-address-call mechanism syscall.LazyProc.Call uses
// internally, and the same "call into winhvplatform.dll" idiom
// hv/whphv/bindings.go uses for a real API, just pointed at guest code
// instead of a system DLL.
//
// NewOutbCallback turns an OutbFunc into a syscall.NewCallback-created
// native entry point that a guest can call with the {port, value} a real
// outb carries. This package does not connect it to vmexit.Handler, and
// sandmem.BuildPEB leaves the PEB's OutbPtr zero, so a guest only reaches
// such a callback if the caller installs it. Whatever the callback runs
// completes before SyscallN returns, so a single RunUntilExit here always
// reports Halt -- there is no multi-exit loop, since nothing here causes
// the guest to trap back to the host mid-call.
package inprochv

import (
	"fmt"
	"sync/atomic"
	"syscall"
	"unsafe"

	"golang.org/x/sys/windows"

	"github.com/hyperlight-dev/hyperlight-go/hlerr"
	"github.com/hyperlight-dev/hyperlight-go/hv"
)

// OutbFunc is invoked synchronously, on the guest's own calling thread,
// each time guest code reads the PEB's outb bridge pointer and calls it
// instead of executing a hardware outb instruction.
type OutbFunc func(port uint16, value []byte)

// NewOutbCallback wraps fn as a native function pointer suitable for the
// PEB's OutbPtr field. The guest is expected to call it with port in the
// first argument register, a pointer to the value bytes in the second,
// and the value's length in the third (Windows x64 convention: RCX, RDX,
// R8) -- a private convention of this bridge, the same spirit as the
// outb port numbers themselves (spec §9 "private but stable for a given
// host/guest pair").
func NewOutbCallback(fn OutbFunc) uintptr {
	return syscall.NewCallback(func(port, valuePtr, valueLen uintptr) uintptr {
		var value []byte
		if valueLen > 0 {
			value = unsafe.Slice((*byte)(unsafe.Pointer(valuePtr)), int(valueLen))
		}

		fn(uint16(port), value)

		return 0
	})
}

// Driver is the in-process hv.Driver backend. It owns no partition or
// vCPU; MapMemory only needs to make the shared region's code range
// executable, since there is no nested-paging layer enforcing the
// RX/RW split the way a real hypervisor's guest-physical mappings do.
type Driver struct {
	regs      hv.Regs
	cancelled atomic.Bool
}

// New returns an in-process Driver. Unlike the hypervisor-backed
// backends, construction never fails: there is no partition or vCPU to
// create.
func New() *Driver {
	return &Driver{}
}

// MapMemory marks the shared region executable (spec §4.1 "Guest code
// ... RX (guest)"); hostAddr/size are the same values every other
// backend receives, gpaBase is unused since there is no guest-physical
// address space here, only the host's own.
func (d *Driver) MapMemory(hostAddr uintptr, size, _ uint64) error {
	var old uint32

	if err := windows.VirtualProtect(hostAddr, uintptr(size), windows.PAGE_EXECUTE_READWRITE, &old); err != nil {
		return fmt.Errorf("%w: VirtualProtect: %w", hlerr.ErrDriverInit, err)
	}

	return nil
}

// SetRegs stores the register file RunUntilExit will use to call the
// guest's entry point; CR0/CR3/EFER and friends are meaningless without
// a vCPU and are ignored.
func (d *Driver) SetRegs(regs hv.Regs, _ hv.Sregs) error {
	d.regs = regs

	return nil
}

// ResetStackPointer updates RSP alone, used when recycling a sandbox.
func (d *Driver) ResetStackPointer(rsp uint64) error {
	d.regs.RSP = rsp

	return nil
}

// Cancel is best-effort only: once syscall.SyscallN has jumped into
// guest code there is no safe way to interrupt it from another thread
// short of TerminateThread, which would leave host-owned locks and
// allocator state in an unknown condition. A cancelled in-process call
// is reported only if it arrives before RunUntilExit starts.
func (d *Driver) Cancel() error {
	d.cancelled.Store(true)

	return nil
}

// RunUntilExit calls the function at the RIP given to SetRegs directly,
// passing RCX/RDX/R8/R9 as the first four integer arguments per the
// Windows x64 calling convention (spec §6 "peb_gpa, stack_cookie_seed,
// page_size, log_level"). Any outb bridge callback the guest invokes runs
// to completion inside this call before SyscallN returns, so the only
// outcome RunUntilExit itself reports is Halt.
func (d *Driver) RunUntilExit() (hv.ExitReason, error) {
	if d.cancelled.Load() {
		return hv.ExitReason{}, hlerr.ErrCallCancelled
	}

	syscall.SyscallN(uintptr(d.regs.RIP), uintptr(d.regs.RCX), uintptr(d.regs.RDX), uintptr(d.regs.R8), uintptr(d.regs.R9))

	return hv.ExitReason{Kind: hv.ExitHalt}, nil
}

// Close releases no resources: there is no fd, mapping, or partition
// this driver owns that the shared region doesn't already own.
func (d *Driver) Close() error {
	return nil
}
