//go:build windows

package whphv

import (
	"fmt"

	"github.com/hyperlight-dev/hyperlight-go/hlerr"
)

// Available reports whether WHP is usable on this host, without
// creating a partition. Mirrors kvmhv.Available's role in letting a
// host choose among KVM/MSHV/WHP at Sandbox-build time (spec §4.9 "no
// hypervisor available").
func Available() error {
	present, err := getCapabilityHypervisorPresent()
	if err != nil {
		return fmt.Errorf("%w: WHvGetCapability: %w", hlerr.ErrHypervisorUnavailable, err)
	}
	if !present {
		return fmt.Errorf("%w: hypervisor not present", hlerr.ErrHypervisorUnavailable)
	}
	return nil
}
