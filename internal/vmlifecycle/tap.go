package vmlifecycle

import (
	"context"

	"github.com/containerd/log"
	"github.com/vishvananda/netlink"
)

// removeTapDevice deletes the host tap device, guarded by first checking it
// still exists. The destructor contract requires this to be idempotent and
// never surface an error to the caller, so failures are logged, not
// returned.
func removeTapDevice(ctx context.Context, tapName string) {
	if tapName == "" {
		return
	}

	logger := log.G(ctx).WithField("tap", tapName)

	link, err := netlink.LinkByName(tapName)
	if err != nil {
		// Already gone; nothing to do. This mirrors "ip addr show <tap>"
		// failing, which guards the subsequent delete.
		logger.WithError(err).Debug("vmlifecycle: tap device already absent")
		return
	}

	if err := netlink.LinkDel(link); err != nil {
		logger.WithError(err).Warn("vmlifecycle: failed to delete tap device")
		return
	}

	logger.Debug("vmlifecycle: tap device removed")
}

// tapStillExists reports whether the tap device is still present, the
// Go-native analogue of `ip addr show <tap>` succeeding.
func tapStillExists(tapName string) bool {
	_, err := netlink.LinkByName(tapName)
	return err == nil
}
