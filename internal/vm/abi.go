package vm

import (
	"fmt"

	"golang.org/x/mod/semver"

	"github.com/quietvm/hvcore/internal/hv"
)

// CurrentABIVersion is the hypercall ABI (the VmCreateArg layout and the
// 0x53686477/0x101/0x102/0x103 id table) this build implements.
const CurrentABIVersion = "v1.1.0"

// MinSupportedABIVersion is the oldest guest-reported ABI version this
// build still accepts. A guest older than this predates the VmCreateArg
// Reserved field and cannot be booted safely.
const MinSupportedABIVersion = "v1.0.0"

// CheckABIVersion gates a guest's reported hypercall ABI version against
// the range this build supports, the same way the teacher's updater
// (internal/update.isNewerVersion) uses golang.org/x/mod/semver to
// compare version strings rather than parsing them by hand.
func CheckABIVersion(guestVersion string) error {
	if !semver.IsValid(guestVersion) {
		return hv.InvalidParam("vm.abi", fmt.Errorf("guest ABI version %q is not valid semver", guestVersion))
	}
	if semver.Compare(guestVersion, MinSupportedABIVersion) < 0 {
		return hv.NotSupported("vm.abi", fmt.Errorf(
			"guest ABI version %s is older than the minimum supported %s", guestVersion, MinSupportedABIVersion))
	}
	if semver.Compare(guestVersion, CurrentABIVersion) > 0 {
		return hv.NotSupported("vm.abi", fmt.Errorf(
			"guest ABI version %s is newer than this build's %s", guestVersion, CurrentABIVersion))
	}
	return nil
}
