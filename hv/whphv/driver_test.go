//go:build windows

package whphv_test

import (
	"testing"
	"unsafe"

	"golang.org/x/sys/windows"

	"github.com/hyperlight-dev/hyperlight-go/hv"
	"github.com/hyperlight-dev/hyperlight-go/hv/whphv"
)

func skipUnlessWHPAvailable(t *testing.T) {
	t.Helper()

	if err := whphv.Available(); err != nil {
		t.Skipf("Skipping test: WHP unavailable: %v", err)
	}
}

// mirrors kvmhv's TestRunUntilExitHaltsAfterOutb: a single outb
// instruction followed by a halt, driven through the same hv.Driver
// surface as the KVM backend.
func TestRunUntilExitHaltsAfterOutb(t *testing.T) {
	skipUnlessWHPAvailable(t)

	d, err := whphv.New()
	if err != nil {
		t.Fatal(err)
	}
	defer d.Close()

	const gpaBase = 0x1000
	const memSize = 0x1000

	addr, err := windows.VirtualAlloc(0, memSize, windows.MEM_COMMIT|windows.MEM_RESERVE, windows.PAGE_EXECUTE_READWRITE)
	if err != nil {
		t.Fatal(err)
	}
	defer windows.VirtualFree(addr, 0, windows.MEM_RELEASE)

	mem := unsafe.Slice((*byte)(unsafe.Pointer(addr)), memSize)

	// mov dx, 0x3f8; add al, bl; out dx, al; hlt
	code := []byte{0xba, 0xf8, 0x03, 0x00, 0xd8, 0xee, 0xf4}
	copy(mem, code)

	if err := d.MapMemory(addr, memSize, gpaBase); err != nil {
		t.Fatal(err)
	}

	sregs := hv.FlatCodeSregs(0)
	sregs.CR0 = 0
	sregs.CS.Base, sregs.CS.Selector, sregs.CS.L = 0, 0, 0

	regs := hv.Regs{RIP: gpaBase, RAX: 2, RFLAGS: 0x2}

	if err := d.SetRegs(regs, sregs); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 10; i++ {
		exit, err := d.RunUntilExit()
		if err != nil {
			t.Fatal(err)
		}

		switch exit.Kind {
		case hv.ExitHalt:
			return
		case hv.ExitIoOut:
			continue
		default:
			t.Fatalf("unexpected exit kind %v (raw %d)", exit.Kind, exit.Raw)
		}
	}

	t.Fatal("guest did not halt within 10 exits")
}
