package config

import (
	"os"
	"path/filepath"
)

var candidateQEMUPaths = []string{
	"/usr/bin/qemu-system-x86_64",
	"/usr/local/bin/qemu-system-x86_64",
	"/opt/homebrew/bin/qemu-system-x86_64",
}

var candidateQEMUImgPaths = []string{
	"/usr/bin/qemu-img",
	"/usr/local/bin/qemu-img",
	"/opt/homebrew/bin/qemu-img",
}

var candidateQEMUSharePaths = []string{
	"/usr/share/qemu",
	"/usr/local/share/qemu",
	"/opt/homebrew/share/qemu",
}

// ResolveQEMUPath returns the configured QEMU binary path, auto-discovering
// it from a short list of conventional install locations when the config
// leaves it empty.
func (c *Config) ResolveQEMUPath() (string, error) {
	if c.Paths.QEMUPath != "" {
		return c.Paths.QEMUPath, nil
	}
	return discoverFile(candidateQEMUPaths, "qemu-system-x86_64")
}

// ResolveQEMUImgPath returns the qemu-img binary used for snapshot
// inspection, auto-discovering it from the same candidate locations as the
// main QEMU binary.
func (c *Config) ResolveQEMUImgPath() (string, error) {
	return discoverFile(candidateQEMUImgPaths, "qemu-img")
}

// ResolveQEMUSharePath returns the configured QEMU firmware/BIOS directory,
// auto-discovering it when the config leaves it empty.
func (c *Config) ResolveQEMUSharePath() (string, error) {
	if c.Paths.QEMUSharePath != "" {
		return c.Paths.QEMUSharePath, nil
	}
	return discoverDir(candidateQEMUSharePaths, "qemu share directory")
}

func discoverFile(candidates []string, label string) (string, error) {
	for _, p := range candidates {
		resolved, err := filepath.EvalSymlinks(p)
		if err != nil {
			continue
		}
		if info, err := os.Stat(resolved); err == nil && !info.IsDir() {
			return resolved, nil
		}
	}
	return "", os.ErrNotExist
}

func discoverDir(candidates []string, label string) (string, error) {
	for _, p := range candidates {
		if info, err := os.Stat(p); err == nil && info.IsDir() {
			return p, nil
		}
	}
	return "", os.ErrNotExist
}
