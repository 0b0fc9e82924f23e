// Package sandmem implements C1: the sandbox memory layout, the shared
// host/guest memory region, and the Process Environment Block (PEB) the
// guest reads at entry.
//
// Layout construction is grounded on gokvm's memory/addressSpace.go
// (region bookkeeping) and pci/pci.go (bit/offset arithmetic); the host
// mapping itself follows the page-aligned, guard-paged mmap+mprotect
// pattern used by tinyrange-cc's internal/asm/amd64/exec.go, upgraded
// from gokvm's raw syscall.Mmap to golang.org/x/sys/unix.
package sandmem

import (
	"fmt"

	"github.com/hyperlight-dev/hyperlight-go/hlerr"
)

// PageSize is the host/guest page size assumed throughout the layout.
const PageSize = 4096

// DefaultGuestBase is the conventional guest-physical base address B
// (spec §3: "a configured constant, conventionally 0x200000").
const DefaultGuestBase = 0x200000

// maxGuestPhysSize is the guest's paging reach: one identity-mapped 1 GiB
// window (spec §4.1).
const maxGuestPhysSize = 1 << 30

// Config is the host-supplied sizing for every variable-size region.
// All fields are in bytes and are rounded up to PageSize during layout.
type Config struct {
	GuestBase uint64 // defaults to DefaultGuestBase when zero

	CodeSize                 uint64
	HostFunctionDefsSize     uint64
	HostExceptionSize        uint64
	GuestErrorSize           uint64
	InputDataSize            uint64
	OutputDataSize           uint64
	GuestHeapSize            uint64
	GuestStackSize           uint64
	GuestPanicContextSize    uint64
}

// DefaultConfig returns sane defaults for an embedding host that only
// cares about one or two small calls.
func DefaultConfig() Config {
	return Config{
		CodeSize:              1 << 20, // 1 MiB
		HostFunctionDefsSize:  16 << 10,
		HostExceptionSize:     4 << 10,
		GuestErrorSize:        4 << 10,
		InputDataSize:         256 << 10,
		OutputDataSize:        256 << 10,
		GuestHeapSize:         10 << 20,
		GuestStackSize:        64 << 10,
		GuestPanicContextSize: 4 << 10,
	}
}

func roundUpPage(n uint64) uint64 {
	return (n + PageSize - 1) &^ (PageSize - 1)
}

// Validate checks that no region size is zero and returns a
// Configuration error otherwise. The 1 GiB limit on the total size is
// enforced by NewLayout, not here.
func (c Config) Validate() error {
	sizes := []uint64{
		c.CodeSize, c.HostFunctionDefsSize, c.HostExceptionSize,
		c.GuestErrorSize, c.InputDataSize, c.OutputDataSize,
		c.GuestHeapSize, c.GuestStackSize, c.GuestPanicContextSize,
	}
	for _, s := range sizes {
		if s == 0 {
			return fmt.Errorf("%w: a region size is zero", hlerr.ErrConfiguration)
		}
	}

	return nil
}
