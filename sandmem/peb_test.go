package sandmem_test

import (
	"testing"

	"github.com/hyperlight-dev/hyperlight-go/sandmem"
)

// TestPEBRoundTrip exercises spec §8 property 3: the 64-bit fields the
// host writes at the PEB offsets equal the 64-bit fields the guest reads
// at those offsets.
func TestPEBRoundTrip(t *testing.T) {
	t.Parallel()

	cfg := sandmem.DefaultConfig()

	l, err := sandmem.NewLayout(cfg)
	if err != nil {
		t.Fatal(err)
	}

	peb := sandmem.BuildPEB(l, 0xdeadbeefcafebabe)
	peb.GuestDispatchPtr = 0x12345678
	peb.OutbPtr = 0xaaaa
	peb.OutbContextPtr = 0xbbbb

	buf := peb.Bytes()
	if len(buf) != sandmem.PEBSize {
		t.Fatalf("PEB encoded size = %d, want %d", len(buf), sandmem.PEBSize)
	}

	got, err := sandmem.ParsePEB(buf)
	if err != nil {
		t.Fatal(err)
	}

	if *got != *peb {
		t.Fatalf("PEB round trip mismatch:\nwant %+v\ngot  %+v", peb, got)
	}
}
