//go:build windows

// Package whphv is the Windows Hypervisor Platform implementation of
// hv.Driver.
//
// Grounded on tinyrange-cc's internal/hv/whp/bindings package: the
// syscall.NewLazyDLL("winhvplatform.dll") proc table and the
// callHRESULT wrapping convention (winhv_windows.go), and the
// register/segment/exit-context type shapes (contexts_windows.go,
// contexts_windows_amd64.go, registers_windows.go). Trimmed to just
// the partition/vCPU/memory/register/run surface this sandbox domain
// exercises; the source package's MSR exit bitmaps, APIC state,
// emulator helpers, and ARM64 register set are not needed here and
// are left out rather than carried as dead weight.
package whphv

import (
	"fmt"
	"syscall"
	"unsafe"
)

var (
	modWinHvPlatform = syscall.NewLazyDLL("winhvplatform.dll")

	procWHvGetCapability                = modWinHvPlatform.NewProc("WHvGetCapability")
	procWHvCreatePartition               = modWinHvPlatform.NewProc("WHvCreatePartition")
	procWHvSetupPartition                = modWinHvPlatform.NewProc("WHvSetupPartition")
	procWHvDeletePartition               = modWinHvPlatform.NewProc("WHvDeletePartition")
	procWHvSetPartitionProperty          = modWinHvPlatform.NewProc("WHvSetPartitionProperty")
	procWHvMapGpaRange                   = modWinHvPlatform.NewProc("WHvMapGpaRange")
	procWHvUnmapGpaRange                 = modWinHvPlatform.NewProc("WHvUnmapGpaRange")
	procWHvCreateVirtualProcessor        = modWinHvPlatform.NewProc("WHvCreateVirtualProcessor")
	procWHvDeleteVirtualProcessor        = modWinHvPlatform.NewProc("WHvDeleteVirtualProcessor")
	procWHvRunVirtualProcessor           = modWinHvPlatform.NewProc("WHvRunVirtualProcessor")
	procWHvCancelRunVirtualProcessor     = modWinHvPlatform.NewProc("WHvCancelRunVirtualProcessor")
	procWHvGetVirtualProcessorRegisters  = modWinHvPlatform.NewProc("WHvGetVirtualProcessorRegisters")
	procWHvSetVirtualProcessorRegisters  = modWinHvPlatform.NewProc("WHvSetVirtualProcessorRegisters")
)

// hresult mirrors WHV's HRESULT-based error convention.
type hresult int32

func (hr hresult) failed() bool { return hr < 0 }

func (hr hresult) err() error {
	if !hr.failed() {
		return nil
	}
	return fmt.Errorf("whp: %w", syscall.Errno(uint32(hr)))
}

func callHRESULT(proc *syscall.LazyProc, args ...uintptr) error {
	r1, _, callErr := proc.Call(args...)
	if callErr != syscall.Errno(0) && r1 == 0 {
		return callErr
	}
	return hresult(int32(r1)).err()
}

type partitionHandle syscall.Handle

type capabilityCode uint32

const capabilityCodeHypervisorPresent capabilityCode = 0x00000000

func getCapabilityHypervisorPresent() (bool, error) {
	var present uint32
	var written uint32
	err := callHRESULT(procWHvGetCapability,
		uintptr(capabilityCodeHypervisorPresent),
		uintptr(unsafe.Pointer(&present)),
		uintptr(unsafe.Sizeof(present)),
		uintptr(unsafe.Pointer(&written)),
	)
	if err != nil {
		return false, err
	}
	return present != 0, nil
}

func createPartition() (partitionHandle, error) {
	var handle partitionHandle
	err := callHRESULT(procWHvCreatePartition, uintptr(unsafe.Pointer(&handle)))
	return handle, err
}

func setupPartition(p partitionHandle) error {
	return callHRESULT(procWHvSetupPartition, uintptr(p))
}

func deletePartition(p partitionHandle) error {
	return callHRESULT(procWHvDeletePartition, uintptr(p))
}

// partitionPropertyCodeProcessorCount mirrors WHV_PARTITION_PROPERTY_CODE's
// WHvPartitionPropertyCodeProcessorCount; this driver always runs a single
// vCPU per sandbox (spec §4.3 "one vCPU per Sandbox").
const partitionPropertyCodeProcessorCount = 0x00001fff

func setProcessorCount(p partitionHandle, count uint32) error {
	return callHRESULT(procWHvSetPartitionProperty,
		uintptr(p),
		uintptr(partitionPropertyCodeProcessorCount),
		uintptr(unsafe.Pointer(&count)),
		uintptr(unsafe.Sizeof(count)),
	)
}

type mapGPARangeFlags uint32

const (
	mapGPARangeFlagRead    mapGPARangeFlags = 0x00000001
	mapGPARangeFlagWrite   mapGPARangeFlags = 0x00000002
	mapGPARangeFlagExecute mapGPARangeFlags = 0x00000004
)

func mapGPARange(p partitionHandle, source uintptr, guestAddress uint64, size uint64, flags mapGPARangeFlags) error {
	return callHRESULT(procWHvMapGpaRange,
		uintptr(p),
		source,
		uintptr(guestAddress),
		uintptr(size),
		uintptr(flags),
	)
}

func unmapGPARange(p partitionHandle, guestAddress uint64, size uint64) error {
	return callHRESULT(procWHvUnmapGpaRange,
		uintptr(p),
		uintptr(guestAddress),
		uintptr(size),
	)
}

func createVirtualProcessor(p partitionHandle, vpIndex uint32) error {
	return callHRESULT(procWHvCreateVirtualProcessor, uintptr(p), uintptr(vpIndex), 0)
}

func deleteVirtualProcessor(p partitionHandle, vpIndex uint32) error {
	return callHRESULT(procWHvDeleteVirtualProcessor, uintptr(p), uintptr(vpIndex))
}

func runVirtualProcessor(p partitionHandle, vpIndex uint32, exitContext *runVPExitContext) error {
	size := uint32(unsafe.Sizeof(*exitContext))
	return callHRESULT(procWHvRunVirtualProcessor,
		uintptr(p),
		uintptr(vpIndex),
		uintptr(unsafe.Pointer(exitContext)),
		uintptr(size),
	)
}

func cancelRunVirtualProcessor(p partitionHandle, vpIndex uint32) error {
	return callHRESULT(procWHvCancelRunVirtualProcessor, uintptr(p), uintptr(vpIndex), 0)
}

func getVirtualProcessorRegisters(p partitionHandle, vpIndex uint32, names []registerName, values []registerValue) error {
	if len(names) == 0 {
		return nil
	}
	return callHRESULT(procWHvGetVirtualProcessorRegisters,
		uintptr(p),
		uintptr(vpIndex),
		uintptr(unsafe.Pointer(&names[0])),
		uintptr(len(names)),
		uintptr(unsafe.Pointer(&values[0])),
	)
}

func setVirtualProcessorRegisters(p partitionHandle, vpIndex uint32, names []registerName, values []registerValue) error {
	if len(names) == 0 {
		return nil
	}
	return callHRESULT(procWHvSetVirtualProcessorRegisters,
		uintptr(p),
		uintptr(vpIndex),
		uintptr(unsafe.Pointer(&names[0])),
		uintptr(len(names)),
		uintptr(unsafe.Pointer(&values[0])),
	)
}
