// Package kvmhv is the Linux KVM implementation of hv.Driver.
//
// Grounded on gokvm's kvm/kvm.go (NewLinuxGuest/RunOnce/handleExitIO —
// the create-VM/create-vCPU/set-user-memory-region/run loop) and
// kvm/registers.go (Get/SetRegs, Get/SetSregs shapes). gokvm's own
// kvm/registers.go and kvm/memory.go call Ioctl/IIOR/IIOW/IIOWR helpers
// that are never defined anywhere in that package (an incomplete
// snapshot); this file supplies them, built on golang.org/x/sys/unix's
// IoctlSetInt/IoctlSetWinsize-style raw ioctl wrapping in place of
// gokvm's own syscall.Syscall(SYS_IOCTL, ...) call, following the
// _IO/_IOR/_IOW/_IOWR bit layout every Linux ioctl number uses
// (direction in bits 30-31, size in bits 16-29, type in bits 8-15,
// number in bits 0-7 — see <asm-generic/ioctl.h>).
package kvmhv

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	iocNone  = 0
	iocWrite = 1
	iocRead  = 2

	iocNrBits   = 8
	iocTypeBits = 8
	iocSizeBits = 14

	iocNrShift   = 0
	iocTypeShift = iocNrShift + iocNrBits
	iocSizeShift = iocTypeShift + iocTypeBits
	iocDirShift  = iocSizeShift + iocSizeBits

	kvmIOCType = 0xAE
)

// iocNum builds a KVM ioctl number for the given direction, "nr" byte, and
// payload size.
func iocNum(dir, nr, size uintptr) uintptr {
	return (dir << iocDirShift) | (kvmIOCType << iocTypeShift) | (nr << iocNrShift) | (size << iocSizeShift)
}

// IIO builds a no-argument ioctl number.
func IIO(nr uintptr) uintptr { return iocNum(iocNone, nr, 0) }

// IIOR builds a read (kernel-to-user) ioctl number for a payload of size bytes.
func IIOR(nr, size uintptr) uintptr { return iocNum(iocRead, nr, size) }

// IIOW builds a write (user-to-kernel) ioctl number for a payload of size bytes.
func IIOW(nr, size uintptr) uintptr { return iocNum(iocWrite, nr, size) }

// IIOWR builds a read-write ioctl number for a payload of size bytes.
func IIOWR(nr, size uintptr) uintptr { return iocNum(iocRead|iocWrite, nr, size) }

// Ioctl issues a raw ioctl(2) on fd, the same three-argument shape as
// gokvm's kvm.ioctl but routed through x/sys/unix's Syscall wrapper
// instead of the standard library's syscall package directly.
func Ioctl(fd uintptr, op uintptr, arg uintptr) (uintptr, error) {
	res, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, op, arg)
	if errno != 0 {
		return res, errno
	}

	return res, nil
}

func ioctlPtr(fd uintptr, op uintptr, p unsafe.Pointer) (uintptr, error) {
	return Ioctl(fd, op, uintptr(p))
}
