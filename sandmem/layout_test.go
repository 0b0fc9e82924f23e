package sandmem_test

import (
	"testing"

	"github.com/hyperlight-dev/hyperlight-go/sandmem"
)

func TestLayoutPurity(t *testing.T) {
	t.Parallel()

	cfg := sandmem.DefaultConfig()

	l1, err := sandmem.NewLayout(cfg)
	if err != nil {
		t.Fatal(err)
	}

	l2, err := sandmem.NewLayout(cfg)
	if err != nil {
		t.Fatal(err)
	}

	for k := sandmem.RegionKind(0); k < 11; k++ {
		o1, s1 := l1.Extent(k)
		o2, s2 := l2.Extent(k)

		if o1 != o2 || s1 != s2 {
			t.Fatalf("region %s: layout not pure: (%d,%d) vs (%d,%d)", k, o1, s1, o2, s2)
		}
	}

	if l1.TotalSize != l2.TotalSize {
		t.Fatalf("total size not pure: %d vs %d", l1.TotalSize, l2.TotalSize)
	}
}

func TestLayoutRejectsOversizedConfig(t *testing.T) {
	t.Parallel()

	cfg := sandmem.DefaultConfig()
	cfg.GuestHeapSize = 2 << 30 // 2 GiB, exceeds the 1 GiB paging reach

	if _, err := sandmem.NewLayout(cfg); err == nil {
		t.Fatal("expected an error for an oversized layout")
	}
}

func TestLayoutRejectsZeroSize(t *testing.T) {
	t.Parallel()

	cfg := sandmem.DefaultConfig()
	cfg.InputDataSize = 0

	if _, err := sandmem.NewLayout(cfg); err == nil {
		t.Fatal("expected an error for a zero-size region")
	}
}

func TestRegionGuardPages(t *testing.T) {
	cfg := sandmem.DefaultConfig()

	l, err := sandmem.NewLayout(cfg)
	if err != nil {
		t.Fatal(err)
	}

	r, err := sandmem.NewRegion(l)
	if err != nil {
		t.Skipf("mmap unavailable in this sandboxed test environment: %v", err)
	}
	defer r.Close()

	gp := int(l.GuardPageSize)
	if len(r.Bytes()) < 2*gp {
		t.Fatalf("region too small to have two guard pages: %d", len(r.Bytes()))
	}
}

func TestRegionSnapshotRoundTrip(t *testing.T) {
	cfg := sandmem.DefaultConfig()

	l, err := sandmem.NewLayout(cfg)
	if err != nil {
		t.Fatal(err)
	}

	r, err := sandmem.NewRegion(l)
	if err != nil {
		t.Skipf("mmap unavailable: %v", err)
	}
	defer r.Close()

	if err := r.WriteRegion(sandmem.RegionInputData, []byte("hello")); err != nil {
		t.Fatal(err)
	}

	snap := r.Snapshot()

	if err := r.WriteRegion(sandmem.RegionInputData, []byte("world")); err != nil {
		t.Fatal(err)
	}

	if err := r.Restore(snap); err != nil {
		t.Fatal(err)
	}

	got := r.ReadRegion(sandmem.RegionInputData)[:5]
	if string(got) != "hello" {
		t.Fatalf("restore did not round-trip: got %q", got)
	}
}
