package dhcpdirectory

import (
	"context"
	"testing"

	"github.com/containerd/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/vishvananda/netlink"
)

func TestGetIPFor_InvalidMacAddress(t *testing.T) {
	d := New("tap-test0")
	_, err := d.GetIPFor(context.Background(), "not-a-mac")
	assert.True(t, errdefs.IsInvalidArgument(err))
}

func TestGetIPFor_MissingTapDevice(t *testing.T) {
	d := New("tap-does-not-exist-xyz")
	_, err := d.GetIPFor(context.Background(), "52:54:00:12:34:56")
	assert.Error(t, err)
}

func TestIsResolved(t *testing.T) {
	assert.True(t, isResolved(netlink.NUD_REACHABLE))
	assert.True(t, isResolved(netlink.NUD_STALE))
	assert.True(t, isResolved(netlink.NUD_PERMANENT))
	assert.False(t, isResolved(netlink.NUD_INCOMPLETE))
	assert.False(t, isResolved(netlink.NUD_FAILED))
	assert.False(t, isResolved(netlink.NUD_NONE))
}
