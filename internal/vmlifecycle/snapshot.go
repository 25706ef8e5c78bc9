package vmlifecycle

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// hasSuspendSnapshot runs `qemu-img snapshot -l <image>` and reports whether
// any output line names the suspend snapshot tag. Used at construction to
// derive the initial state: present -> suspended, absent -> off.
func hasSuspendSnapshot(ctx context.Context, qemuImgPath, imagePath string) (bool, error) {
	//nolint:gosec // qemuImgPath/imagePath come from validated config and the VM descriptor.
	cmd := exec.CommandContext(ctx, qemuImgPath, "snapshot", "-l", imagePath)
	out, err := cmd.Output()
	if err != nil {
		return false, fmt.Errorf("vmlifecycle: qemu-img snapshot -l %s: %w", imagePath, err)
	}

	scanner := bufio.NewScanner(strings.NewReader(string(out)))
	for scanner.Scan() {
		if strings.Contains(scanner.Text(), SuspendSnapshotTag) {
			return true, nil
		}
	}
	return false, nil
}

// vmStateDump is the subset of `qemu-system-<arch> -dump-vmstate` output
// this package reads. The machine name is nested under "vmschkmachine".
type vmStateDump struct {
	Vmschkmachine struct {
		Name string `json:"Name"`
	} `json:"vmschkmachine"`
}

// probeMachineType runs `qemu-system-<arch> -nographic -dump-vmstate <tmp>`
// and reads the machine name back out of the emitted JSON, per §6.
func probeMachineType(ctx context.Context, qemuPath string) (string, error) {
	tmp, err := os.CreateTemp("", "qemubox-vmstate-*.json")
	if err != nil {
		return "", fmt.Errorf("vmlifecycle: create vmstate tempfile: %w", err)
	}
	tmpPath := tmp.Name()
	_ = tmp.Close()
	defer func() { _ = os.Remove(tmpPath) }()

	//nolint:gosec // qemuPath comes from validated config.
	cmd := exec.CommandContext(ctx, qemuPath, "-nographic", "-dump-vmstate", tmpPath)
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("vmlifecycle: dump-vmstate: %w", err)
	}

	data, err := os.ReadFile(tmpPath)
	if err != nil {
		return "", fmt.Errorf("vmlifecycle: read vmstate dump: %w", err)
	}

	var dump vmStateDump
	if err := json.Unmarshal(data, &dump); err != nil {
		return "", fmt.Errorf("vmlifecycle: parse vmstate dump: %w", err)
	}
	if dump.Vmschkmachine.Name == "" {
		return "", fmt.Errorf("vmlifecycle: vmstate dump missing machine name")
	}
	return dump.Vmschkmachine.Name, nil
}
