// Package processfactory provides the default ProcessFactory collaborator
// (injected into VmLifecycle so tests can substitute a fake child process):
// it constructs real process.ExecHandle values for the QEMU binary.
package processfactory

import (
	"github.com/aledbf/qemubox/internal/process"
	"github.com/aledbf/qemubox/internal/vmlifecycle"
)

// Factory constructs process.ExecHandle values.
type Factory struct{}

var _ vmlifecycle.ProcessFactory = Factory{}

// New returns a fresh, unstarted handle for qemuPath with baseArgs as its
// fixed argument set. VmLifecycle.Start passes nil baseArgs and supplies the
// whole argument set via Handle.Start's extraArgs parameter.
func (Factory) New(qemuPath string, baseArgs []string) vmlifecycle.Handle {
	return process.NewExecHandle(qemuPath, baseArgs)
}
