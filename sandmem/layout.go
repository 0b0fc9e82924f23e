package sandmem

import (
	"fmt"

	"github.com/hyperlight-dev/hyperlight-go/hlerr"
)

// RegionKind names one of the fixed-offset sub-regions of the shared
// memory layout (spec §3 "Sandbox Memory Layout" table).
type RegionKind uint8

const (
	RegionPageTables RegionKind = iota
	RegionCode
	RegionPEB
	RegionHostFunctionDefs
	RegionHostException
	RegionGuestError
	RegionInputData
	RegionOutputData
	RegionGuestHeap
	RegionGuestStack
	RegionPanicContext

	numRegions
)

func (k RegionKind) String() string {
	names := [...]string{
		"PageTables", "Code", "PEB", "HostFunctionDefs", "HostException",
		"GuestError", "InputData", "OutputData", "GuestHeap", "GuestStack",
		"PanicContext",
	}
	if int(k) < len(names) {
		return names[k]
	}

	return fmt.Sprintf("RegionKind(%d)", uint8(k))
}

// extent is the offset (relative to the guard page, i.e. relative to the
// start of the whole mapping) and size of one region.
type extent struct {
	Offset uint64
	Size   uint64
}

// Layout is the fully-resolved, page-aligned placement of every region
// within the shared memory mapping. It is pure data: computing it never
// allocates host memory (spec §4.1 "Key algorithm").
type Layout struct {
	cfg     Config
	extents [numRegions]extent

	// GuardPageSize brackets the mapping on both sides (invariant I1).
	GuardPageSize uint64

	// TotalSize is the full host mapping size, guard pages included.
	TotalSize uint64

	// PageTablePages is the number of 4 KiB pages the identity map needs:
	// one PML4, one PDPT, and one PD (512 2 MiB entries exactly fill one
	// page, covering the full 1 GiB window) — spec §3.
	PageTablePages uint64
}

const pageTablePageCount = 3

// NewLayout computes the region layout for cfg. It never touches host
// memory; the same cfg always yields a byte-identical Layout regardless
// of platform (spec §8 property 4, "Layout purity").
func NewLayout(cfg Config) (*Layout, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.GuestBase == 0 {
		cfg.GuestBase = DefaultGuestBase
	}

	l := &Layout{cfg: cfg, GuardPageSize: PageSize, PageTablePages: pageTablePageCount}

	sizes := [numRegions]uint64{
		RegionPageTables:       pageTablePageCount * PageSize,
		RegionCode:             cfg.CodeSize,
		RegionPEB:              PageSize, // one page is always enough for the fixed PEB struct
		RegionHostFunctionDefs: cfg.HostFunctionDefsSize,
		RegionHostException:    cfg.HostExceptionSize,
		RegionGuestError:       cfg.GuestErrorSize,
		RegionInputData:        cfg.InputDataSize,
		RegionOutputData:       cfg.OutputDataSize,
		RegionGuestHeap:        cfg.GuestHeapSize,
		RegionGuestStack:       cfg.GuestStackSize,
		RegionPanicContext:     cfg.GuestPanicContextSize,
	}

	offset := l.GuardPageSize // everything starts after the leading guard page

	for k := RegionKind(0); k < numRegions; k++ {
		size := roundUpPage(sizes[k])
		l.extents[k] = extent{Offset: offset, Size: size}
		offset += size
	}

	l.TotalSize = offset + l.GuardPageSize

	if l.TotalSize-2*l.GuardPageSize > maxGuestPhysSize {
		return nil, fmt.Errorf("%w: layout size %d exceeds the 1 GiB guest paging reach",
			hlerr.ErrConfiguration, l.TotalSize)
	}

	return l, nil
}

// Extent returns the offset (from the start of the mapping, guard page
// included) and size of the given region.
func (l *Layout) Extent(k RegionKind) (offset, size uint64) {
	e := l.extents[k]

	return e.Offset, e.Size
}

// GuestAddr returns the guest-physical address of the start of region k.
func (l *Layout) GuestAddr(k RegionKind) uint64 {
	off, _ := l.Extent(k)

	return l.cfg.GuestBase + off - l.GuardPageSize
}

// GuestBase returns the configured guest-physical base address B.
func (l *Layout) GuestBase() uint64 { return l.cfg.GuestBase }

// StackTop returns the guest-physical address of the top of the guest
// stack (stacks grow down, so the vCPU's initial RSP is the end of the
// stack region).
func (l *Layout) StackTop() uint64 {
	off, size := l.Extent(RegionGuestStack)

	return l.cfg.GuestBase + (off - l.GuardPageSize) + size
}
