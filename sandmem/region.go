package sandmem

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/hyperlight-dev/hyperlight-go/hlerr"
)

// Region is the single contiguous host mapping backing a sandbox, with
// the first and last page marked PROT_NONE (invariant I1). It is built
// the way tinyrange-cc's internal/asm/amd64/exec.go builds a page-aligned
// executable mapping (mmap the whole thing RW, then mprotect the pieces
// that need different permissions) rather than gokvm's simpler
// mmap-once-and-poison (memory/memory.go), because Hyperlight needs real
// guard pages, not just a poison pattern.
type Region struct {
	layout *Layout
	buf    []byte // includes both guard pages
}

// NewRegion allocates and guards a host mapping sized for layout.
func NewRegion(layout *Layout) (*Region, error) {
	buf, err := unix.Mmap(-1, 0, int(layout.TotalSize),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("%w: mmap %d bytes: %v", hlerr.ErrConfiguration, layout.TotalSize, err)
	}

	r := &Region{layout: layout, buf: buf}

	if err := r.guard(); err != nil {
		_ = unix.Munmap(buf)

		return nil, err
	}

	return r, nil
}

func (r *Region) guard() error {
	gp := int(r.layout.GuardPageSize)

	if err := unix.Mprotect(r.buf[:gp], unix.PROT_NONE); err != nil {
		return fmt.Errorf("mprotect leading guard page: %w", err)
	}

	if err := unix.Mprotect(r.buf[len(r.buf)-gp:], unix.PROT_NONE); err != nil {
		return fmt.Errorf("mprotect trailing guard page: %w", err)
	}

	return nil
}

// Close releases the host mapping.
func (r *Region) Close() error {
	if r.buf == nil {
		return nil
	}

	err := unix.Munmap(r.buf)
	r.buf = nil

	return err
}

// Layout returns the region's layout.
func (r *Region) Layout() *Layout { return r.layout }

// HostAddr returns the host virtual address of the start of the mapping
// (including the leading guard page) — this is the address a driver maps
// into the guest's physical address space at GuestBase - GuardPageSize,
// so that the guard pages sit outside the guest-visible window.
func (r *Region) HostAddr() uintptr {
	if len(r.buf) == 0 {
		return 0
	}

	return uintptr(unsafePointer(r.buf))
}

// Bytes returns the full backing slice, guard pages included. Callers
// that need bounds-checked region access should prefer ReadRegion/
// WriteRegion instead.
func (r *Region) Bytes() []byte { return r.buf }

// ReadRegion returns a copy of the bytes backing region k.
func (r *Region) ReadRegion(k RegionKind) []byte {
	off, size := r.layout.Extent(k)
	out := make([]byte, size)
	copy(out, r.buf[off:off+size])

	return out
}

// WriteRegion copies data into region k, failing if it would not fit.
func (r *Region) WriteRegion(k RegionKind, data []byte) error {
	off, size := r.layout.Extent(k)
	if uint64(len(data)) > size {
		return fmt.Errorf("%w: %d bytes into %d-byte %s region",
			hlerr.ErrArgumentsTooLarge, len(data), size, k)
	}

	copy(r.buf[off:off+size], data)

	return nil
}

// Slice returns a direct (unsafe to retain past Close) view of region k,
// for drivers/marshallers that need to read or write in place without a
// copy.
func (r *Region) Slice(k RegionKind) []byte {
	off, size := r.layout.Extent(k)

	return r.buf[off : off+size]
}

// Snapshot returns a byte-for-byte copy of the whole addressable region
// (guard pages excluded, since they are never written) for later restore
// (spec §4.7, §8 property 2).
func (r *Region) Snapshot() []byte {
	gp := r.layout.GuardPageSize
	inner := r.buf[gp : uint64(len(r.buf))-gp]
	out := make([]byte, len(inner))
	copy(out, inner)

	return out
}

// Restore overwrites the addressable region with a previously-taken
// snapshot. len(snap) must equal the addressable region's size.
func (r *Region) Restore(snap []byte) error {
	gp := r.layout.GuardPageSize
	inner := r.buf[gp : uint64(len(r.buf))-gp]

	if len(snap) != len(inner) {
		return fmt.Errorf("%w: snapshot size %d does not match region size %d",
			hlerr.ErrConfiguration, len(snap), len(inner))
	}

	copy(inner, snap)

	return nil
}
