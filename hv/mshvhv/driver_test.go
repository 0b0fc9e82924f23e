package mshvhv_test

import (
	"os"
	"testing"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/hyperlight-dev/hyperlight-go/hv"
	"github.com/hyperlight-dev/hyperlight-go/hv/mshvhv"
)

func skipUnlessMSHVAvailable(t *testing.T) {
	t.Helper()

	if os.Getuid() != 0 {
		t.Skip("Skipping test since we are not root")
	}

	if err := mshvhv.Available(); err != nil {
		t.Skipf("Skipping test: /dev/mshv unavailable: %v", err)
	}
}

// mirrors hv/kvmhv's TestRunUntilExitHaltsAfterOutb, run through the
// MSHV backend instead.
func TestRunUntilExitHaltsAfterOutb(t *testing.T) {
	skipUnlessMSHVAvailable(t)

	d, err := mshvhv.New()
	if err != nil {
		t.Fatal(err)
	}
	defer d.Close()

	const gpaBase = 0x1000

	mem, err := unix.Mmap(-1, 0, 0x1000, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_ANONYMOUS)
	if err != nil {
		t.Fatal(err)
	}
	defer unix.Munmap(mem)

	// mov dx, 0x3f8; add al, bl; out dx, al; hlt
	code := []byte{0xba, 0xf8, 0x03, 0x00, 0xd8, 0xee, 0xf4}
	copy(mem, code)

	if err := d.MapMemory(uintptr(unsafe.Pointer(&mem[0])), uint64(len(mem)), gpaBase); err != nil {
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
