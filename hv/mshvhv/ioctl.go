// Package mshvhv is the Linux Microsoft Hypervisor (MSHV) implementation
// of hv.Driver, alongside hv/kvmhv the other of the two Linux backends
// spec.md names (spec §4.3 "MSHV ... open /dev/mshv, create partition,
// create vCPU, map a user memory region by GPA/host address/size, set
// architectural registers, run").
//
// The teacher (gokvm) has no MSHV code at all -- /dev/mshv's ioctl
// surface is structurally the same kind of thing /dev/kvm's is (a
// char-device fd, numbered ioctls carrying fixed-layout structs), so
// this package is written in hv/kvmhv's shape: the same _IO/_IOR/_IOW/
// _IOWR number builders (redefined below with MSHV's 0xB8 ioctl type),
// the same open-fd/create/configure/run sequence, and hv/kvmhv's raw
// Ioctl wrapper reused rather than duplicated.
package mshvhv

import (
	"github.com/hyperlight-dev/hyperlight-go/hv/kvmhv"
)

const mshvIOCType = 0xB8

func iocNum(dir, nr, size uintptr) uintptr {
	const (
		iocNrBits   = 8
		iocTypeBits = 8
		iocSizeBits = 14

		iocNrShift   = 0
		iocTypeShift = iocNrShift + iocNrBits
		iocSizeShift = iocTypeShift + iocTypeBits
		iocDirShift  = iocSizeShift + iocSizeBits
	)

	return (dir << iocDirShift) | (mshvIOCType << iocTypeShift) | (nr << iocNrShift) | (size << iocSizeShift)
}

const (
	iocNone  = 0
	iocWrite = 1
	iocRead  = 2
)

func iio(nr uintptr) uintptr            { return iocNum(iocNone, nr, 0) }
func iior(nr, size uintptr) uintptr     { return iocNum(iocRead, nr, size) }
func iiow(nr, size uintptr) uintptr     { return iocNum(iocWrite, nr, size) }
func iiowr(nr, size uintptr) uintptr    { return iocNum(iocRead|iocWrite, nr, size) }

// ioctl is a thin re-export of kvmhv's raw ioctl(2) wrapper: same
// three-argument shape, same fd-based char device, no reason to
// reimplement golang.org/x/sys/unix.Syscall(SYS_IOCTL) twice.
func ioctl(fd uintptr, op uintptr, arg uintptr) (uintptr, error) {
	return kvmhv.Ioctl(fd, op, arg)
}
