package vmlifecycle

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

var testDescriptor = Descriptor{
	VMName:        "vm1",
	ImagePath:     "/var/lib/qemubox/images/vm1.qcow2",
	CloudInitPath: "/var/lib/qemubox/images/vm1-cloud-init.iso",
	TapDeviceName: "tap-vm1",
	MACAddr:       "52:54:00:12:34:56",
}

func TestBuildStartArgs_ContainsCoreFlags(t *testing.T) {
	args := buildStartArgs(testDescriptor, "/tmp/vm1-qmp.sock", "/usr/share/qemu", VMResources{MemoryMB: 1024, CPUs: 2})
	joined := strings.Join(args, " ")

	assert.Contains(t, joined, "-m 1024")
	assert.Contains(t, joined, "-smp 2")
	assert.Contains(t, joined, "unix:/tmp/vm1-qmp.sock,server=on,wait=off")
	assert.Contains(t, joined, testDescriptor.ImagePath)
	assert.Contains(t, joined, testDescriptor.MACAddr)
	assert.NotContains(t, joined, "-loadvm")
}

func TestBuildResumeArgs_AppendsLoadvmAndMachine(t *testing.T) {
	args := buildResumeArgs(testDescriptor, "/tmp/vm1-qmp.sock", "/usr/share/qemu", "pc-i440fx-xenial", VMResources{MemoryMB: 512, CPUs: 1}, false)
	joined := strings.Join(args, " ")

	assert.Contains(t, joined, "-loadvm suspend")
	assert.Contains(t, joined, "-machine pc-i440fx-xenial")
	assert.Contains(t, joined, "format=raw,snapshot=off,read-only=on")
	assert.NotContains(t, joined, "-cdrom")
}

func TestBuildResumeArgs_LegacyUseCdrom(t *testing.T) {
	args := buildResumeArgs(testDescriptor, "/tmp/vm1-qmp.sock", "/usr/share/qemu", "pc-i440fx-xenial", VMResources{MemoryMB: 512, CPUs: 1}, true)
	joined := strings.Join(args, " ")

	assert.Contains(t, joined, "-cdrom "+testDescriptor.CloudInitPath)
	assert.NotContains(t, joined, "if=virtio,format=raw")
}
