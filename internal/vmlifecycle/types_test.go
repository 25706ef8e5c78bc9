package vmlifecycle

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMetadata_ResolveCommandVersion(t *testing.T) {
	trueVal := true
	falseVal := false

	tests := []struct {
		name string
		md   Metadata
		want int
	}{
		{name: "explicit latest", md: Metadata{VMCommandVersion: 1}, want: 1},
		{name: "legacy use_cdrom true", md: Metadata{UseCdrom: &trueVal}, want: 1},
		{name: "legacy use_cdrom false", md: Metadata{UseCdrom: &falseVal}, want: 0},
		{name: "absent everything", md: Metadata{}, want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.md.ResolveCommandVersion())
		})
	}
}

func TestMetadata_ResolveMachineType(t *testing.T) {
	assert.Equal(t, DefaultMachineType, Metadata{}.ResolveMachineType())
	assert.Equal(t, "pc-q35-jammy", Metadata{MachineType: "pc-q35-jammy"}.ResolveMachineType())
}

func TestState_String(t *testing.T) {
	tests := map[State]string{
		StateOff:             "off",
		StateStarting:        "starting",
		StateRunning:         "running",
		StateDelayedShutdown: "delayed_shutdown",
		StateRestarting:      "restarting",
		StateSuspending:      "suspending",
		StateSuspended:       "suspended",
		StateUnknown:         "unknown",
	}
	for state, want := range tests {
		assert.Equal(t, want, state.String())
	}
}

func TestStartException_Error(t *testing.T) {
	err := &StartException{VMName: "vm1", Message: "boom"}
	assert.Contains(t, err.Error(), "vm1")
	assert.Contains(t, err.Error(), "boom")
}
