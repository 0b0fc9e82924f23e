package mshvhv

import (
	"fmt"
	"os"

	"github.com/hyperlight-dev/hyperlight-go/hlerr"
)

// Available reports whether /dev/mshv is present and openable, without
// creating a partition. Mirrors kvmhv.Available/whphv.Available's role
// in letting a host choose among KVM/MSHV/WHP at Sandbox-build time
// (spec §4.9 "no hypervisor available").
func Available() error {
	dev, err := os.OpenFile("/dev/mshv", os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("%w: open /dev/mshv: %w", hlerr.ErrHypervisorUnavailable, err)
	}
	defer dev.Close()

	return nil
}
