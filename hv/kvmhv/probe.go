package kvmhv

import (
	"fmt"
	"os"

	"github.com/hyperlight-dev/hyperlight-go/hlerr"
)

// Capability names a KVM extension this driver depends on, surfaced so
// a host can decide whether to try KVM before falling back to another
// backend (spec §4.9 "no hypervisor available").
type Capability struct {
	Name  string
	Value uintptr
}

var requiredCapabilities = []Capability{
	{Name: "KVM_CAP_USER_MEMORY", Value: capUserMemory},
	{Name: "KVM_CAP_IMMEDIATE_EXIT", Value: capImmediateExit},
}

// Available opens /dev/kvm and checks every capability this driver
// requires, without creating a VM. Intended for a host choosing among
// KVM/MSHV/WHP at Sandbox-build time.
func Available() error {
	dev, err := os.OpenFile("/dev/kvm", os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("%w: open /dev/kvm: %w", hlerr.ErrHypervisorUnavailable, err)
	}
	defer dev.Close()

	fd := dev.Fd()

	if _, err := Ioctl(fd, opGetAPIVersion, 0); err != nil {
		return fmt.Errorf("%w: KVM_GET_API_VERSION: %w", hlerr.ErrHypervisorUnavailable, err)
	}

	for _, cap := range requiredCapabilities {
		has, err := Ioctl(fd, opCheckExtension, cap.Value)
		if err != nil {
			return fmt.Errorf("%w: KVM_CHECK_EXTENSION(%s): %w", hlerr.ErrHypervisorUnavailable, cap.Name, err)
		}

		if has == 0 {
			return fmt.Errorf("%w: missing capability %s", hlerr.ErrHypervisorUnavailable, cap.Name)
		}
	}

	return nil
}
