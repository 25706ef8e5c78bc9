// Package config provides centralized configuration management for qemubox.
// All configuration is loaded from a JSON file at /etc/qemubox/config.json
// (overridable via QEMUBOX_CONFIG environment variable).
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

const (
	// DefaultConfigPath is the default location for the config file
	DefaultConfigPath = "/etc/qemubox/config.json"

	// ConfigEnvVar is the environment variable to override config file location
	ConfigEnvVar = "QEMUBOX_CONFIG"

	// LatestCommandVersion is the newest VM metadata command version this
	// build knows how to write. See internal/vmlifecycle for the reader's
	// legacy-inference policy.
	LatestCommandVersion = 1

	// DefaultMachineType is used when a VM has never been probed for its
	// QEMU machine type (first boot, no persisted metadata).
	DefaultMachineType = "pc-i440fx-xenial"

	// SuspendSnapshotTag is the conventional snapshot name the lifecycle
	// controller saves/loads VM memory under for suspend/resume.
	SuspendSnapshotTag = "suspend"
)

// Config is the root configuration structure.
type Config struct {
	Paths      PathsConfig      `json:"paths"`
	Runtime    RuntimeConfig    `json:"runtime"`
	Timeouts   TimeoutsConfig   `json:"timeouts"`
	VMDefaults VMDefaultsConfig `json:"vm_defaults"`
}

// PathsConfig defines filesystem paths for qemubox components.
type PathsConfig struct {
	StateDir      string `json:"state_dir"`       // Per-VM metadata, sockets, console logs
	LogDir        string `json:"log_dir"`         // Logs directory
	ImageDir      string `json:"image_dir"`       // VM disk images and cloud-init ISOs
	QEMUPath      string `json:"qemu_path"`       // QEMU binary location (auto-discovered if empty)
	QEMUSharePath string `json:"qemu_share_path"` // QEMU firmware/BIOS directory (auto-discovered if empty)
}

// RuntimeConfig defines runtime behavior settings.
type RuntimeConfig struct {
	VMM string `json:"vmm"` // VMM backend (currently only "qemu" supported)
}

// VMDefaultsConfig defines defaults applied to newly constructed VMs whose
// metadata has not yet been probed or persisted.
type VMDefaultsConfig struct {
	MachineType string `json:"machine_type"` // Default: pc-i440fx-xenial
	SSHUser     string `json:"ssh_user"`     // Default guest login; cmd/qemuboxd takes its login from -ssh-user instead
}

// TimeoutsConfig defines timeout durations for various lifecycle operations.
// All values are duration strings (e.g., "5s", "2m", "500ms").
type TimeoutsConfig struct {
	// QMPCommand is the default timeout waiting for a QMP command response.
	QMPCommand string `json:"qmp_command"`

	// ShutdownGrace is how long to wait for system_powerdown to finish the
	// child before the controller considers the shutdown stuck.
	ShutdownGrace string `json:"shutdown_grace"`

	// SuspendWait is how long to wait for savevm+RESUME to complete a suspend.
	SuspendWait string `json:"suspend_wait"`

	// SSHHostnameBudget is the configured budget for ssh_hostname's DHCP
	// polling loop. Spec default: 2m. VmLifecycle.SshHostname does not read
	// it; its loop uses a fixed 2-minute budget.
	SSHHostnameBudget string `json:"ssh_hostname_budget"`

	// SSHReadyPoll is the interval between wait_until_ssh_up probe attempts.
	SSHReadyPoll string `json:"ssh_ready_poll"`

	// IdentityProbeExec bounds each single SSH exec issued by IdentityProbe.
	IdentityProbeExec string `json:"identity_probe_exec"`
}

func (t *TimeoutsConfig) GetQMPCommand() time.Duration       { return mustParseDuration(t.QMPCommand) }
func (t *TimeoutsConfig) GetShutdownGrace() time.Duration    { return mustParseDuration(t.ShutdownGrace) }
func (t *TimeoutsConfig) GetSuspendWait() time.Duration      { return mustParseDuration(t.SuspendWait) }
func (t *TimeoutsConfig) GetSSHHostnameBudget() time.Duration {
	return mustParseDuration(t.SSHHostnameBudget)
}
func (t *TimeoutsConfig) GetSSHReadyPoll() time.Duration { return mustParseDuration(t.SSHReadyPoll) }
func (t *TimeoutsConfig) GetIdentityProbeExec() time.Duration {
	return mustParseDuration(t.IdentityProbeExec)
}

// mustParseDuration parses a duration string, panicking on error.
// Safe because Validate() has already verified the format by the time any
// Get* accessor runs against a loaded config.
func mustParseDuration(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		panic(fmt.Sprintf("invalid duration %q: %v (config validation should have caught this)", s, err))
	}
	return d
}

var (
	globalConfig *Config
	configOnce   sync.Once
	configMu     sync.Mutex
	errConfig    error
)

// Reset clears the cached global config, forcing the next Get() call to
// reload. Intended for test isolation only.
func Reset() {
	configMu.Lock()
	defer configMu.Unlock()
	globalConfig = nil
	errConfig = nil
	configOnce = sync.Once{}
}

// Get returns the global config, loading it on first call.
func Get() (*Config, error) {
	configOnce.Do(func() {
		globalConfig, errConfig = Load()
	})
	return globalConfig, errConfig
}

// Load loads configuration from QEMUBOX_CONFIG env var or /etc/qemubox/config.json.
func Load() (*Config, error) {
	configPath := os.Getenv(ConfigEnvVar)
	if configPath == "" {
		configPath = DefaultConfigPath
	}
	return LoadFrom(configPath)
}

// LoadFrom loads configuration from a specific path.
func LoadFrom(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found at %s. Please create a config file or set %s environment variable", path, ConfigEnvVar)
		}
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w (ensure it's valid JSON)", path, err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", path, err)
	}

	return &cfg, nil
}

// DefaultConfig returns the default configuration. Primarily for reference
// and documentation; production code should use Get().
func DefaultConfig() *Config {
	return &Config{
		Paths: PathsConfig{
			StateDir:      "/var/lib/qemubox",
			LogDir:        "/var/log/qemubox",
			ImageDir:      "/var/lib/qemubox/images",
			QEMUPath:      "", // Auto-discovered
			QEMUSharePath: "", // Auto-discovered
		},
		Runtime: RuntimeConfig{
			VMM: "qemu",
		},
		VMDefaults: VMDefaultsConfig{
			MachineType: DefaultMachineType,
			SSHUser:     "ubuntu",
		},
		Timeouts: TimeoutsConfig{
			QMPCommand:        "5s",
			ShutdownGrace:     "2s",
			SuspendWait:       "10s",
			SSHHostnameBudget: "2m",
			SSHReadyPoll:      "1s",
			IdentityProbeExec: "10s",
		},
	}
}

// applyDefaults fills in default values for any empty fields.
func (c *Config) applyDefaults() {
	defaults := DefaultConfig()
	c.applyPathDefaults(defaults)
	c.applyRuntimeDefaults(defaults)
	c.applyVMDefaults(defaults)
	c.applyTimeoutsDefaults(defaults)
}

func (c *Config) applyPathDefaults(defaults *Config) {
	if c.Paths.StateDir == "" {
		c.Paths.StateDir = defaults.Paths.StateDir
	}
	if c.Paths.LogDir == "" {
		c.Paths.LogDir = defaults.Paths.LogDir
	}
	if c.Paths.ImageDir == "" {
		c.Paths.ImageDir = defaults.Paths.ImageDir
	}
	// QEMUPath and QEMUSharePath are intentionally left empty for auto-discovery.
}

func (c *Config) applyRuntimeDefaults(defaults *Config) {
	if c.Runtime.VMM == "" {
		c.Runtime.VMM = defaults.Runtime.VMM
	}
}

func (c *Config) applyVMDefaults(defaults *Config) {
	if c.VMDefaults.MachineType == "" {
		c.VMDefaults.MachineType = defaults.VMDefaults.MachineType
	}
	if c.VMDefaults.SSHUser == "" {
		c.VMDefaults.SSHUser = defaults.VMDefaults.SSHUser
	}
}

func (c *Config) applyTimeoutsDefaults(defaults *Config) {
	if c.Timeouts.QMPCommand == "" {
		c.Timeouts.QMPCommand = defaults.Timeouts.QMPCommand
	}
	if c.Timeouts.ShutdownGrace == "" {
		c.Timeouts.ShutdownGrace = defaults.Timeouts.ShutdownGrace
	}
	if c.Timeouts.SuspendWait == "" {
		c.Timeouts.SuspendWait = defaults.Timeouts.SuspendWait
	}
	if c.Timeouts.SSHHostnameBudget == "" {
		c.Timeouts.SSHHostnameBudget = defaults.Timeouts.SSHHostnameBudget
	}
	if c.Timeouts.SSHReadyPoll == "" {
		c.Timeouts.SSHReadyPoll = defaults.Timeouts.SSHReadyPoll
	}
	if c.Timeouts.IdentityProbeExec == "" {
		c.Timeouts.IdentityProbeExec = defaults.Timeouts.IdentityProbeExec
	}
}
