package arch

import (
	"fmt"
	"strings"

	"github.com/c35s/kvmctl/kvm"
)

// Device is the part of an open KVM device needed to validate it and to
// configure VCPUs.
type Device interface {
	QueryVersion() (int, error)
	CheckExtension(cap kvm.Cap) (int, error)
}

// requiredCaps are the KVM extensions required for all architectures.
// See archCaps for required arch-specific extensions.
var requiredCaps = []kvm.Cap{
	kvm.CapHLT,
	kvm.CapUserMemory,
	kvm.CapImmediateExit,
}

// ValidateKVM returns an error if KVM doesn't support the required extensions.
func ValidateKVM(dev Device) error {
	version, err := dev.QueryVersion()
	if err != nil {
		return err
	}

	if version != kvm.StableAPIVersion {
		return fmt.Errorf("unstable API version: %d != %d", version, kvm.StableAPIVersion)
	}

	caps := append([]kvm.Cap(nil), requiredCaps...)
	caps = append(caps, archCaps...)

	var missing []kvm.Cap
	for _, cap := range caps {
		val, err := dev.CheckExtension(cap)
		if err != nil {
			return err
		}

		if val < 1 {
			missing = append(missing, cap)
		}
	}

	if len(missing) > 0 {
		var names []string
		for _, cap := range missing {
			names = append(names, cap.String())
		}

		return fmt.Errorf("missing %s", strings.Join(names, ","))
	}

	return nil
}
