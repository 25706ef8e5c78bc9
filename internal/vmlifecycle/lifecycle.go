package vmlifecycle

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/containerd/errdefs"
	"github.com/containerd/log"

	"github.com/aledbf/qemubox/internal/qmp"
)

// sshHostnameBudget bounds ssh_hostname's retry loop.
const sshHostnameBudget = 2 * time.Minute

// Deps bundles the collaborators and static paths VmLifecycle needs. It is
// intentionally not an interface: it is a constructor-time value object, not
// something callers implement.
type Deps struct {
	Descriptor Descriptor

	QEMUPath      string
	QEMUImgPath   string
	QEMUSharePath string
	SocketDir     string

	Resources VMResources

	Metadata VmMetadataStore
	Monitor  StatusMonitor
	Dhcp     DhcpDirectory
	Factory  ProcessFactory

	QMPDialTimeout time.Duration
	QMPCommandTO   time.Duration
	ShutdownGrace  time.Duration
	SuspendWait    time.Duration
	SSHReadyPoll   time.Duration
}

// VmLifecycle is the C8 state machine: it coordinates the QEMU
// ProcessHandle, QmpCodec-decoded events, persisted metadata, the
// StatusMonitor, and the public start/stop/suspend/shutdown/ssh_hostname
// operations.
type VmLifecycle struct {
	deps Deps

	// stateMu/stateWait are the synchronised region from spec §5: state,
	// ip, savedErrorMsg, updateShutdownStatus, and deleteMemorySnapshot
	// are all read/written under stateMu; stateWait is the condition
	// variable on_shutdown blocks on until ensure_vm_is_running forces
	// state to off.
	stateMu  sync.Mutex
	stateWait *sync.Cond

	state                 State
	ip                    string
	savedErrorMsg         string
	updateShutdownStatus  bool
	deleteMemorySnapshot  bool

	// currentState is a lock-free snapshot for best-effort reads
	// (current_state), updated under stateMu alongside state.
	currentState atomic.Int32

	proc    Handle
	qmp     *qmp.Client
	closeWg sync.WaitGroup
}

// New constructs a VmLifecycle, deriving its initial state from whether the
// VM's disk image already carries a suspend snapshot.
func New(ctx context.Context, deps Deps) (*VmLifecycle, error) {
	suspended, err := hasSuspendSnapshot(ctx, deps.QEMUImgPath, deps.Descriptor.ImagePath)
	if err != nil {
		log.G(ctx).WithError(err).Warn("vmlifecycle: snapshot detection failed, assuming off")
		suspended = false
	}

	vl := &VmLifecycle{deps: deps}
	vl.stateWait = sync.NewCond(&vl.stateMu)

	if suspended {
		vl.setState(StateSuspended)
	} else {
		vl.setState(StateOff)
	}

	return vl, nil
}

func (vl *VmLifecycle) setState(s State) {
	vl.state = s
	vl.currentState.Store(int32(s))
}

// CurrentState returns current state. Reads are unsynchronised per spec §5
// ("best-effort queries may be unsynchronised").
func (vl *VmLifecycle) CurrentState() State {
	return State(vl.currentState.Load())
}

// SshPort always returns 22; whether this should be configurable is
// explicitly out of scope.
func (vl *VmLifecycle) SshPort() int {
	return SSHPort
}

func (vl *VmLifecycle) socketPath() string {
	return vl.deps.SocketDir + "/" + vl.deps.Descriptor.VMName + "-qmp.sock"
}

// Start spawns QEMU with argument set V and handshakes QMP.
func (vl *VmLifecycle) Start(ctx context.Context) error {
	vl.stateMu.Lock()
	switch vl.state {
	case StateRunning:
		vl.stateMu.Unlock()
		return nil
	case StateSuspending:
		vl.stateMu.Unlock()
		return fmt.Errorf("cannot start while suspending")
	case StateOff, StateSuspended:
		// proceed below
	default:
		vl.stateMu.Unlock()
		return fmt.Errorf("cannot start in state %s", vl.state)
	}
	resuming := vl.state == StateSuspended
	vl.stateMu.Unlock()

	md, err := vl.deps.Metadata.Load(ctx, vl.deps.Descriptor.VMName)
	if err != nil {
		log.G(ctx).WithError(err).Debug("vmlifecycle: metadata load miss, using defaults")
	}

	var args []string
	if resuming {
		machineType := md.ResolveMachineType()
		useCdrom := md.ResolveCommandVersion() == 1
		args = buildResumeArgs(vl.deps.Descriptor, vl.socketPath(), vl.deps.QEMUSharePath, machineType, vl.deps.Resources, useCdrom)

		vl.stateMu.Lock()
		vl.deleteMemorySnapshot = true
		vl.stateMu.Unlock()
	} else {
		args = buildStartArgs(vl.deps.Descriptor, vl.socketPath(), vl.deps.QEMUSharePath, vl.deps.Resources)
	}

	proc := vl.deps.Factory.New(vl.deps.QEMUPath, nil)
	vl.stateMu.Lock()
	vl.proc = proc
	vl.updateShutdownStatus = true
	vl.stateMu.Unlock()

	vl.closeWg.Add(1)
	go vl.runProcessEvents(ctx, proc)

	if err := proc.Start(ctx, args); err != nil {
		return &StartException{VMName: vl.deps.Descriptor.VMName, Message: err.Error()}
	}

	client, err := qmp.Dial(ctx, vl.socketPath(), vl.deps.QMPDialTimeout, vl.onQMPEvent(ctx))
	if err != nil {
		return &StartException{VMName: vl.deps.Descriptor.VMName, Message: err.Error()}
	}
	client.SetCommandTimeout(vl.deps.QMPCommandTO)
	vl.stateMu.Lock()
	vl.qmp = client
	vl.stateMu.Unlock()

	return nil
}

// Stop is equivalent to Shutdown.
func (vl *VmLifecycle) Stop(ctx context.Context) error {
	return vl.Shutdown(ctx)
}

// Shutdown drives the VM toward off, per the table in spec §4.2.
func (vl *VmLifecycle) Shutdown(ctx context.Context) error {
	vl.stateMu.Lock()
	if vl.state == StateSuspended {
		vl.stateMu.Unlock()
		log.G(ctx).Debug("vmlifecycle: shutdown requested while suspended, no-op")
		return nil
	}

	proc := vl.proc
	client := vl.qmp
	alive := proc != nil && proc.Running()
	shuttable := vl.state == StateRunning || vl.state == StateDelayedShutdown || vl.state == StateUnknown
	starting := vl.state == StateStarting
	if starting {
		vl.updateShutdownStatus = false
	}
	vl.stateMu.Unlock()

	if alive && shuttable && client != nil {
		if _, err := client.Execute(ctx, "system_powerdown", nil); err != nil {
			log.G(ctx).WithError(err).Warn("vmlifecycle: system_powerdown failed, killing child")
			if proc != nil {
				_ = proc.Kill()
			}
		} else {
			vl.waitWithGraceKill(ctx, proc, vl.deps.ShutdownGrace)
			return nil
		}
	} else if proc != nil {
		_ = proc.Kill()
	}

	if proc != nil {
		_, _ = proc.WaitForFinished()
	}
	return nil
}

// waitWithGraceKill waits for the child to exit on its own within grace;
// past that it escalates to Kill, mirroring the teacher's ACPI-then-SIGKILL
// shutdown escalation.
func (vl *VmLifecycle) waitWithGraceKill(ctx context.Context, proc Handle, grace time.Duration) {
	if proc == nil {
		return
	}
	if grace <= 0 {
		_, _ = proc.WaitForFinished()
		return
	}

	done := make(chan struct{})
	go func() {
		_, _ = proc.WaitForFinished()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(grace):
		log.G(ctx).Warn("vmlifecycle: shutdown grace period expired, killing child")
		_ = proc.Kill()
		<-done
	}
}

// Suspend writes hmc "savevm suspend" and waits for the resulting
// QMP RESUME -> kill cycle to finish, per spec §4.2.
func (vl *VmLifecycle) Suspend(ctx context.Context) error {
	vl.stateMu.Lock()
	canSuspend := vl.state == StateRunning || vl.state == StateDelayedShutdown
	proc := vl.proc
	client := vl.qmp
	alive := proc != nil && proc.Running()

	if !canSuspend {
		terminal := vl.state == StateOff || vl.state == StateSuspended
		vl.stateMu.Unlock()
		if terminal {
			vl.deps.Monitor.OnSuspend(ctx, vl.deps.Descriptor.VMName)
			log.G(ctx).Debug("vmlifecycle: suspend requested while already off/suspended")
		}
		return nil
	}

	shouldTransition := vl.updateShutdownStatus
	if shouldTransition {
		vl.setState(StateSuspending)
	}
	vl.stateMu.Unlock()

	if shouldTransition {
		_ = vl.persist(ctx)
		vl.stateMu.Lock()
		vl.updateShutdownStatus = false
		vl.stateMu.Unlock()
	}

	if alive && client != nil {
		if err := client.HMC(ctx, "savevm "+SuspendSnapshotTag); err != nil {
			return fmt.Errorf("vmlifecycle: savevm suspend: %w", err)
		}
		vl.waitWithGraceKill(ctx, proc, vl.deps.SuspendWait)
		return nil
	}

	if proc != nil {
		_, _ = proc.WaitForFinished()
	}
	return nil
}

// Ipv4 returns the cached address, or one lookup against DhcpDirectory, or
// the literal "UNKNOWN".
func (vl *VmLifecycle) Ipv4(ctx context.Context) string {
	vl.stateMu.Lock()
	if vl.ip != "" {
		ip := vl.ip
		vl.stateMu.Unlock()
		return ip
	}
	mac := vl.deps.Descriptor.MACAddr
	vl.stateMu.Unlock()

	if vl.deps.Dhcp == nil {
		return "UNKNOWN"
	}
	ip, err := vl.deps.Dhcp.GetIPFor(ctx, mac)
	if err != nil || ip == "" {
		return "UNKNOWN"
	}

	vl.stateMu.Lock()
	vl.ip = ip
	vl.stateMu.Unlock()
	return ip
}

// Ipv6 is not implemented, per spec §4.2.
func (vl *VmLifecycle) Ipv6(_ context.Context) string {
	return ""
}

// SshHostname returns the cached ipv4 or polls DhcpDirectory with retry for
// up to 2 minutes, calling ensure_vm_is_running before each retry.
func (vl *VmLifecycle) SshHostname(ctx context.Context) (string, error) {
	vl.stateMu.Lock()
	if vl.ip != "" {
		ip := vl.ip
		vl.stateMu.Unlock()
		return ip, nil
	}
	vl.stateMu.Unlock()

	deadline := time.Now().Add(sshHostnameBudget)
	for {
		if err := vl.ensureVMIsRunning(ctx); err != nil {
			return "", err
		}

		if vl.deps.Dhcp != nil {
			if ip, err := vl.deps.Dhcp.GetIPFor(ctx, vl.deps.Descriptor.MACAddr); err == nil && ip != "" {
				vl.stateMu.Lock()
				vl.ip = ip
				vl.stateMu.Unlock()
				return ip, nil
			}
		}

		if time.Now().After(deadline) {
			return "", fmt.Errorf("failed to determine IP address")
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(vl.deps.SSHReadyPoll):
		}
	}
}

// ensureVMIsRunning is the unblocking mechanism referenced by spec §4.2's
// on_shutdown wait: if the child has already exited while starting, this
// forces state to off and notifies stateWait, then raises StartException.
func (vl *VmLifecycle) ensureVMIsRunning(ctx context.Context) error {
	vl.stateMu.Lock()
	proc := vl.proc
	alive := proc != nil && proc.Running()
	starting := vl.state == StateStarting
	savedErr := vl.savedErrorMsg
	vmName := vl.deps.Descriptor.VMName
	vl.stateMu.Unlock()

	if alive || !starting {
		return nil
	}

	vl.stateMu.Lock()
	vl.setState(StateOff)
	vl.stateWait.Broadcast()
	vl.stateMu.Unlock()

	_ = ctx
	return &StartException{VMName: vmName, Message: savedErr}
}

// WaitUntilSshUp polls SSH reachability up to timeout, calling
// ensure_vm_is_running between polls; on success, if deleteMemorySnapshot is
// set it writes hmc "delvm suspend" and clears the flag.
func (vl *VmLifecycle) WaitUntilSshUp(ctx context.Context, timeout time.Duration, reachable func(ctx context.Context, ip string) bool) error {
	deadline := time.Now().Add(timeout)
	for {
		if err := vl.ensureVMIsRunning(ctx); err != nil {
			return err
		}

		ip := vl.Ipv4(ctx)
		if ip != "UNKNOWN" && reachable(ctx, ip) {
			vl.stateMu.Lock()
			shouldDelete := vl.deleteMemorySnapshot
			client := vl.qmp
			if shouldDelete {
				vl.deleteMemorySnapshot = false
			}
			vl.stateMu.Unlock()

			if shouldDelete && client != nil {
				if err := client.HMC(ctx, "delvm "+SuspendSnapshotTag); err != nil {
					log.G(ctx).WithError(err).Warn("vmlifecycle: delvm suspend failed")
				}
			}
			return nil
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("timeout waiting for ssh readiness")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(vl.deps.SSHReadyPoll):
		}
	}
}

func (vl *VmLifecycle) persist(ctx context.Context) error {
	md, err := vl.deps.Metadata.Load(ctx, vl.deps.Descriptor.VMName)
	if err != nil {
		log.G(ctx).WithError(err).Debug("vmlifecycle: metadata load miss before persist")
	}

	machineType := md.ResolveMachineType()
	if machineType == DefaultMachineType {
		if probed, err := probeMachineType(ctx, vl.deps.QEMUPath); err == nil {
			machineType = probed
		}
	}

	out := Metadata{
		VMCommandVersion: LatestCommandVersion,
		MachineType:      machineType,
	}
	if err := vl.deps.Metadata.Save(ctx, vl.deps.Descriptor.VMName, out); err != nil {
		return fmt.Errorf("%w: persist metadata for %s", errdefs.ErrUnavailable, vl.deps.Descriptor.VMName)
	}
	return nil
}

// Close implements the destructor contract: clears updateShutdownStatus,
// suspends if running else shuts down, removes the tap device, then waits
// for the child. Must never propagate an error.
func (vl *VmLifecycle) Close(ctx context.Context) {
	vl.stateMu.Lock()
	vl.updateShutdownStatus = false
	running := vl.state == StateRunning || vl.state == StateDelayedShutdown
	vl.stateMu.Unlock()

	var err error
	if running {
		err = vl.Suspend(ctx)
	} else {
		err = vl.Shutdown(ctx)
	}
	if err != nil {
		log.G(ctx).WithError(err).Debug("vmlifecycle: destructor teardown reported an error, ignoring")
	}

	if tapStillExists(vl.deps.Descriptor.TapDeviceName) {
		removeTapDevice(ctx, vl.deps.Descriptor.TapDeviceName)
	}

	vl.stateMu.Lock()
	proc := vl.proc
	client := vl.qmp
	vl.stateMu.Unlock()

	if client != nil {
		_ = client.Close()
	}
	if proc != nil {
		_, _ = proc.WaitForFinished()
	}

	vl.closeWg.Wait()
}
