// Package dhcpdirectory provides a default DhcpDirectory collaborator: it
// resolves a MAC address to a leased IPv4 by reading the host's ARP/neighbor
// table for the VM's tap device, the same mechanism a "ip neigh show dev
// <tap>" invocation exposes, via a typed netlink call instead of shelling
// out.
package dhcpdirectory

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"time"

	"github.com/containerd/errdefs"
	"github.com/vishvananda/netlink"

	"github.com/aledbf/qemubox/internal/vmlifecycle"
)

// Directory resolves MAC addresses to IPv4 leases by scanning the neighbor
// table of a single tap device.
type Directory struct {
	tapName string
}

// New returns a DhcpDirectory scoped to tapName's neighbor table.
func New(tapName string) *Directory {
	return &Directory{tapName: tapName}
}

var _ vmlifecycle.DhcpDirectory = (*Directory)(nil)

// GetIPFor returns the IPv4 address currently associated with macAddr in
// the tap device's neighbor table. A MAC with no resolved entry yet (the
// guest hasn't sent traffic, or the kernel entry is still INCOMPLETE or
// FAILED) is reported as errdefs.ErrNotFound so callers can retry.
func (d *Directory) GetIPFor(_ context.Context, macAddr string) (string, error) {
	mac, err := net.ParseMAC(macAddr)
	if err != nil {
		return "", fmt.Errorf("%w: invalid mac address %q", errdefs.ErrInvalidArgument, macAddr)
	}

	link, err := netlink.LinkByName(d.tapName)
	if err != nil {
		return "", fmt.Errorf("dhcpdirectory: tap %s: %w", d.tapName, err)
	}

	neighs, err := netlink.NeighList(link.Attrs().Index, netlink.FAMILY_V4)
	if err != nil {
		return "", fmt.Errorf("dhcpdirectory: neigh list on %s: %w", d.tapName, err)
	}

	for _, n := range neighs {
		if !bytes.Equal(n.HardwareAddr, mac) {
			continue
		}
		if n.IP == nil || !isResolved(n.State) {
			continue
		}
		return n.IP.String(), nil
	}

	return "", fmt.Errorf("%w: no lease for %s on %s", errdefs.ErrNotFound, macAddr, d.tapName)
}

// isResolved reports whether a neighbor table state reflects a usable
// binding rather than a transient probing/failed state.
func isResolved(state int) bool {
	const resolvedMask = netlink.NUD_REACHABLE | netlink.NUD_STALE | netlink.NUD_DELAY | netlink.NUD_PERMANENT | netlink.NUD_NOARP
	return state&resolvedMask != 0
}

// PollInterval is a default spacing between GetIPFor retries for a caller
// driving its own budgeted loop. VmLifecycle.SshHostname does not use it; it
// polls at its Deps.SSHReadyPoll interval.
const PollInterval = 2 * time.Second
