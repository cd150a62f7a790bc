package jobs

import (
	"fmt"

	"github.com/realmhq/realm-agent/internal/binsniff"
)

// currentPlatform renders this host's OS/arch as "<os>/<arch>", matching
// the Targeting.Platform wire format.
func currentPlatform() string {
	h := binsniff.HostHeader()
	return fmt.Sprintf("%s/%s", h.OS, h.Arch)
}
