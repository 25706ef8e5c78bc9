package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"
)

// Validate validates the entire configuration.
func (c *Config) Validate() error {
	if err := c.validatePaths(); err != nil {
		return fmt.Errorf("paths: %w", err)
	}
	if err := c.validateRuntime(); err != nil {
		return fmt.Errorf("runtime: %w", err)
	}
	if err := c.validateVMDefaults(); err != nil {
		return fmt.Errorf("vm_defaults: %w", err)
	}
	if err := c.validateTimeouts(); err != nil {
		return fmt.Errorf("timeouts: %w", err)
	}
	return nil
}

func (c *Config) validatePaths() error {
	if c.Paths.StateDir == "" {
		return fmt.Errorf("state_dir cannot be empty")
	}
	if err := ensureDirWritable(c.Paths.StateDir, "state_dir"); err != nil {
		return err
	}

	if c.Paths.LogDir == "" {
		return fmt.Errorf("log_dir cannot be empty")
	}
	if err := ensureDirWritable(c.Paths.LogDir, "log_dir"); err != nil {
		return err
	}

	if c.Paths.ImageDir == "" {
		return fmt.Errorf("image_dir cannot be empty")
	}
	if err := ensureDirWritable(c.Paths.ImageDir, "image_dir"); err != nil {
		return err
	}

	if c.Paths.QEMUPath != "" {
		if err := validateExecutable(c.Paths.QEMUPath, "qemu_path"); err != nil {
			return err
		}
	}
	if c.Paths.QEMUSharePath != "" {
		if err := validateDirExists(c.Paths.QEMUSharePath, "qemu_share_path"); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) validateRuntime() error {
	if c.Runtime.VMM != "qemu" {
		return fmt.Errorf("vmm must be \"qemu\", got %q", c.Runtime.VMM)
	}
	return nil
}

func (c *Config) validateVMDefaults() error {
	if c.VMDefaults.MachineType == "" {
		return fmt.Errorf("machine_type cannot be empty")
	}
	if c.VMDefaults.SSHUser == "" {
		return fmt.Errorf("ssh_user cannot be empty")
	}
	return nil
}

func (c *Config) validateTimeouts() error {
	fields := map[string]string{
		"qmp_command":         c.Timeouts.QMPCommand,
		"shutdown_grace":      c.Timeouts.ShutdownGrace,
		"suspend_wait":        c.Timeouts.SuspendWait,
		"ssh_hostname_budget": c.Timeouts.SSHHostnameBudget,
		"ssh_ready_poll":      c.Timeouts.SSHReadyPoll,
		"identity_probe_exec": c.Timeouts.IdentityProbeExec,
	}

	for name, val := range fields {
		d, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("%s: invalid duration %q", name, val)
		}
		if d <= 0 {
			return fmt.Errorf("%s: must be positive, got %s", name, d)
		}
		if d > time.Hour {
			return fmt.Errorf("%s: too large (%s), max is 1h", name, d)
		}
	}
	return nil
}

// Helper functions

func canonicalizePath(path string) (string, error) {
	cleaned := filepath.Clean(path)
	resolved, err := filepath.EvalSymlinks(cleaned)
	if err == nil {
		return resolved, nil
	}
	if os.IsNotExist(err) {
		return cleaned, nil
	}
	return "", fmt.Errorf("failed to resolve path %s: %w", path, err)
}

func validateDirExists(path, name string) error {
	canonical, err := canonicalizePath(path)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}

	info, err := os.Stat(canonical)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%s: directory does not exist: %s", name, canonical)
		}
		return fmt.Errorf("%s: cannot access: %w", name, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%s: not a directory: %s", name, canonical)
	}
	return nil
}

func ensureDirWritable(path, name string) error {
	canonical, err := canonicalizePath(path)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}

	info, statErr := os.Stat(canonical)
	if statErr != nil {
		if os.IsNotExist(statErr) {
			if err := os.MkdirAll(canonical, 0750); err != nil {
				return fmt.Errorf("%s: cannot create directory %s: %w", name, canonical, err)
			}
		} else {
			return fmt.Errorf("%s: cannot access %s: %w", name, canonical, statErr)
		}
	} else if !info.IsDir() {
		return fmt.Errorf("%s: not a directory: %s", name, canonical)
	}

	if err := unix.Access(canonical, unix.W_OK); err != nil {
		return fmt.Errorf("%s: not writable: %s", name, canonical)
	}
	return nil
}

func validateExecutable(path, name string) error {
	canonical, err := canonicalizePath(path)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}

	info, err := os.Stat(canonical)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%s: file not found: %s", name, canonical)
		}
		return fmt.Errorf("%s: cannot access: %w", name, err)
	}
	if info.IsDir() {
		return fmt.Errorf("%s: is a directory, not executable: %s", name, canonical)
	}
	if info.Mode()&0111 == 0 {
		return fmt.Errorf("%s: not executable: %s", name, canonical)
	}
	return nil
}
