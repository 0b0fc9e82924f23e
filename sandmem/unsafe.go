package sandmem

import "unsafe"

// unsafePointer returns the address of the first byte of buf. Isolated in
// its own tiny function so the single unsafe.Pointer conversion needed by
// Region.HostAddr is easy to audit.
func unsafePointer(buf []byte) unsafe.Pointer {
	if len(buf) == 0 {
		return nil
	}

	return unsafe.Pointer(&buf[0])
}
