// Command qemuboxd drives a single VM's lifecycle end to end: it loads the
// on-disk configuration, wires the default collaborators, starts the VM, and
// shuts it down cleanly on signal. It does not wait for SSH readiness.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/containerd/log"
	bolt "go.etcd.io/bbolt"

	"github.com/aledbf/qemubox/internal/config"
	"github.com/aledbf/qemubox/internal/dhcpdirectory"
	"github.com/aledbf/qemubox/internal/metadatastore"
	"github.com/aledbf/qemubox/internal/processfactory"
	"github.com/aledbf/qemubox/internal/statusmonitor"
	"github.com/aledbf/qemubox/internal/vmlifecycle"
)

func main() {
	vmName := flag.String("vm-name", "", "VM name (required)")
	imagePath := flag.String("image", "", "path to the VM disk image (required)")
	cloudInitPath := flag.String("cloud-init", "", "path to the cloud-init ISO (required)")
	tapDevice := flag.String("tap", "", "host tap device name (required)")
	macAddr := flag.String("mac", "", "guest NIC MAC address (required)")
	sshUser := flag.String("ssh-user", "ubuntu", "guest SSH login")
	flag.Parse()

	if *vmName == "" || *imagePath == "" || *cloudInitPath == "" || *tapDevice == "" || *macAddr == "" {
		fmt.Fprintln(os.Stderr, "qemuboxd: -vm-name, -image, -cloud-init, -tap and -mac are required")
		flag.Usage()
		os.Exit(2)
	}

	if err := run(*vmName, *imagePath, *cloudInitPath, *tapDevice, *macAddr, *sshUser); err != nil {
		fmt.Fprintf(os.Stderr, "qemuboxd: %v\n", err)
		os.Exit(1)
	}
}

func run(vmName, imagePath, cloudInitPath, tapDevice, macAddr, sshUser string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Get()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	qemuPath, err := cfg.ResolveQEMUPath()
	if err != nil {
		return fmt.Errorf("resolve qemu binary: %w", err)
	}
	qemuImgPath, err := cfg.ResolveQEMUImgPath()
	if err != nil {
		return fmt.Errorf("resolve qemu-img binary: %w", err)
	}
	qemuSharePath, err := cfg.ResolveQEMUSharePath()
	if err != nil {
		return fmt.Errorf("resolve qemu share path: %w", err)
	}

	dbPath := filepath.Join(cfg.Paths.StateDir, "qemubox.db")
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	db, err := bolt.Open(dbPath, 0o600, nil)
	if err != nil {
		return fmt.Errorf("open state db: %w", err)
	}
	defer db.Close()

	metaStore, err := metadatastore.OpenWith(db)
	if err != nil {
		return fmt.Errorf("open metadata store: %w", err)
	}

	monitor, err := statusmonitor.OpenWith(db)
	if err != nil {
		return fmt.Errorf("open status monitor: %w", err)
	}

	vl, err := vmlifecycle.New(ctx, vmlifecycle.Deps{
		Descriptor: vmlifecycle.Descriptor{
			VMName:        vmName,
			ImagePath:     imagePath,
			CloudInitPath: cloudInitPath,
			TapDeviceName: tapDevice,
			MACAddr:       macAddr,
			SSHUsername:   sshUser,
		},
		QEMUPath:      qemuPath,
		QEMUImgPath:   qemuImgPath,
		QEMUSharePath: qemuSharePath,
		SocketDir:     cfg.Paths.StateDir,
		Resources:     vmlifecycle.VMResources{MemoryMB: 1024, CPUs: 1},
		Metadata:      metaStore,
		Monitor:       monitor,
		Dhcp:          dhcpdirectory.New(tapDevice),
		Factory:       processfactory.Factory{},

		QMPDialTimeout: cfg.Timeouts.GetQMPCommand(),
		QMPCommandTO:   cfg.Timeouts.GetQMPCommand(),
		ShutdownGrace:  cfg.Timeouts.GetShutdownGrace(),
		SuspendWait:    cfg.Timeouts.GetSuspendWait(),
		SSHReadyPoll:   cfg.Timeouts.GetSSHReadyPoll(),
	})
	if err != nil {
		return fmt.Errorf("construct vm lifecycle: %w", err)
	}
	defer vl.Close(context.Background())

	if err := vl.Start(ctx); err != nil {
		return fmt.Errorf("start vm: %w", err)
	}

	log.G(ctx).WithField("vm", vmName).Info("qemuboxd: started, waiting for signal")
	<-ctx.Done()

	log.G(ctx).WithField("vm", vmName).Info("qemuboxd: shutting down")
	return vl.Shutdown(context.Background())
}
