package vmlifecycle

import (
	"fmt"
)

// qemuCommandBuilder constructs QEMU command-line arguments using a fluent
// builder pattern, producing "argument set V" from (descriptor,
// command_version, tap_device, mac).
type qemuCommandBuilder struct {
	args []string
}

func newQemuCommandBuilder() *qemuCommandBuilder {
	return &qemuCommandBuilder{args: make([]string, 0, 32)}
}

func (b *qemuCommandBuilder) setMachine(machineType string, options ...string) *qemuCommandBuilder {
	value := machineType
	for _, opt := range options {
		value += "," + opt
	}
	b.args = append(b.args, "-machine", value)
	return b
}

func (b *qemuCommandBuilder) setBIOSPath(path string) *qemuCommandBuilder {
	if path == "" {
		return b
	}
	b.args = append(b.args, "-L", path)
	return b
}

func (b *qemuCommandBuilder) setMemory(memoryMB int) *qemuCommandBuilder {
	b.args = append(b.args, "-m", fmt.Sprintf("%d", memoryMB))
	return b
}

func (b *qemuCommandBuilder) setSMP(cpus int) *qemuCommandBuilder {
	b.args = append(b.args, "-smp", fmt.Sprintf("%d", cpus))
	return b
}

func (b *qemuCommandBuilder) setNoGraphic() *qemuCommandBuilder {
	b.args = append(b.args, "-nographic")
	return b
}

func (b *qemuCommandBuilder) setQMPUnixSocket(socketPath string) *qemuCommandBuilder {
	b.args = append(b.args, "-qmp", fmt.Sprintf("unix:%s,server=on,wait=off", socketPath))
	return b
}

// addDisk attaches the VM's primary image as a virtio-blk drive.
func (b *qemuCommandBuilder) addDisk(path string) *qemuCommandBuilder {
	b.args = append(b.args,
		"-drive", fmt.Sprintf("file=%s,if=none,id=rootdisk,format=qcow2", path),
		"-device", "virtio-blk-pci,drive=rootdisk",
	)
	return b
}

// addNIC attaches a tap-backed NIC with a fixed MAC so the DHCP directory
// can key leases by MAC.
func (b *qemuCommandBuilder) addNIC(tapDevice, macAddr string) *qemuCommandBuilder {
	b.args = append(b.args,
		"-netdev", fmt.Sprintf("tap,id=net0,ifname=%s,script=no,downscript=no", tapDevice),
		"-device", fmt.Sprintf("virtio-net-pci,netdev=net0,mac=%s", macAddr),
	)
	return b
}

func (b *qemuCommandBuilder) addCloudInitCdrom(path string) *qemuCommandBuilder {
	b.args = append(b.args, "-cdrom", path)
	return b
}

// addCloudInitDrive is the non-legacy cloud-init attachment form.
func (b *qemuCommandBuilder) addCloudInitDrive(path string) *qemuCommandBuilder {
	b.args = append(b.args, "-drive", fmt.Sprintf("file=%s,if=virtio,format=raw,snapshot=off,read-only=on", path))
	return b
}

func (b *qemuCommandBuilder) addLoadVM(tag string) *qemuCommandBuilder {
	b.args = append(b.args, "-loadvm", tag)
	return b
}

func (b *qemuCommandBuilder) build() []string {
	return b.args
}

// VMResources bounds the CPU/memory base arguments; injected rather than
// hardcoded so cmd/ can surface per-VM sizing.
type VMResources struct {
	MemoryMB int
	CPUs     int
}

// buildStartArgs produces argument set V for a fresh (non-resume) start.
func buildStartArgs(desc Descriptor, qmpSocketPath, biosPath string, resources VMResources) []string {
	return newQemuCommandBuilder().
		setMachine("pc", "accel=kvm").
		setBIOSPath(biosPath).
		setMemory(resources.MemoryMB).
		setSMP(resources.CPUs).
		setNoGraphic().
		setQMPUnixSocket(qmpSocketPath).
		addDisk(desc.ImagePath).
		addNIC(desc.TapDeviceName, desc.MACAddr).
		addCloudInitDrive(desc.CloudInitPath).
		build()
}

// buildResumeArgs produces argument set V for a resume-from-suspend start,
// appending -loadvm suspend, -machine <mt>, and the cloud-init arg form
// selected by legacy command version (use_cdrom == true -> -cdrom).
func buildResumeArgs(desc Descriptor, qmpSocketPath, biosPath, machineType string, resources VMResources, useCdrom bool) []string {
	builder := newQemuCommandBuilder().
		setBIOSPath(biosPath).
		setMemory(resources.MemoryMB).
		setSMP(resources.CPUs).
		setNoGraphic().
		setQMPUnixSocket(qmpSocketPath).
		addDisk(desc.ImagePath).
		addNIC(desc.TapDeviceName, desc.MACAddr).
		addLoadVM(SuspendSnapshotTag).
		setMachine(machineType)

	if useCdrom {
		builder.addCloudInitCdrom(desc.CloudInitPath)
	} else {
		builder.addCloudInitDrive(desc.CloudInitPath)
	}

	return builder.build()
}
