package sandmem

import "encoding/binary"

// Page table entry flags (x86-64 long mode), adapted from the 32-bit
// PDE/PTE flag constants in the pack's hypervisor/paging.go into their
// 64-bit long-mode equivalents.
const (
	ptePresent   uint64 = 1 << 0
	pteReadWrite uint64 = 1 << 1
	ptePageSize  uint64 = 1 << 7 // PS bit: this PD entry maps a 2 MiB page directly
)

// BuildIdentityMap writes a PML4 -> PDPT -> PD chain into the page-tables
// region that identity-maps the low 1 GiB using 2 MiB pages (spec §3:
// "Identity map covering 1 GiB via 2 MiB pages; bits 47..30 of any virtual
// address must be 0"). This is a summary-level, single-window derivation,
// not a general paging-table builder (spec §1 "Out of scope ... trivial
// identity mapping, summarized but not re-derived").
//
// baseAddr is the guest-physical address of the first byte of buf (i.e.
// Layout.GuestAddr(RegionPageTables)); entries are encoded as absolute
// guest-physical addresses, since CR3 is set to baseAddr itself.
func BuildIdentityMap(buf []byte, baseAddr uint64) {
	const page = PageSize

	pml4 := buf[0*page : 1*page]
	pdpt := buf[1*page : 2*page]
	pd := buf[2*page : 3*page]

	pdptPhysAddr := baseAddr + 1*page
	pdPhysAddr := baseAddr + 2*page

	binary.LittleEndian.PutUint64(pml4[0:8], pdptPhysAddr|ptePresent|pteReadWrite)
	binary.LittleEndian.PutUint64(pdpt[0:8], pdPhysAddr|ptePresent|pteReadWrite)

	for i := 0; i < 512; i++ {
		entry := uint64(i)<<21 | ptePresent | pteReadWrite | ptePageSize
		binary.LittleEndian.PutUint64(pd[i*8:i*8+8], entry)
	}
}
