package identityprobe

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aledbf/qemubox/internal/sshexec"
)

type scriptedRunner struct {
	// responses maps a command prefix (matched with strings.HasPrefix) to
	// the result it should return. Order-independent: sequencing isn't
	// asserted; calls records the commands issued.
	responses map[string]sshexec.Result
	errs      map[string]error
	calls     []string
}

func (r *scriptedRunner) Exec(_ context.Context, env map[string]string, cmd string) (sshexec.Result, error) {
	r.calls = append(r.calls, cmd)
	for prefix, err := range r.errs {
		if strings.HasPrefix(cmd, prefix) {
			return sshexec.Result{}, err
		}
	}
	for prefix, res := range r.responses {
		if strings.HasPrefix(cmd, prefix) {
			return res, nil
		}
	}
	return sshexec.Result{ExitCode: 127, Stderr: "command not found"}, nil
}

func happyRunner() *scriptedRunner {
	return &scriptedRunner{
		responses: map[string]sshexec.Result{
			"sudo multipass-sshfs.env": {ExitCode: 0, Stdout: "SNAP=/snap/multipass-sshfs\nLD_LIBRARY_PATH=/snap/multipass-sshfs/lib\n"},
			"mkdir -p":                 {ExitCode: 0},
			"id -nu":                   {ExitCode: 0, Stdout: "ubuntu\n"},
			"id -ng":                   {ExitCode: 0, Stdout: "ubuntu\n"},
			"chown":                    {ExitCode: 0},
			"id -u":                    {ExitCode: 0, Stdout: "1000\n"},
			"id -g":                    {ExitCode: 0, Stdout: "1000\n"},
			"sshfs -V":                 {ExitCode: 0, Stdout: "SSHFS version 3.7.3\nFUSE library version: 3.10.5\nusing FUSE kernel interface version 7.31\n"},
		},
	}
}

func TestProbe_HappyPath(t *testing.T) {
	runner := happyRunner()

	id, err := Probe(context.Background(), runner, "/home/ubuntu/target")
	require.NoError(t, err)

	assert.Equal(t, "ubuntu", id.Login)
	assert.Equal(t, "ubuntu", id.Group)
	assert.Equal(t, 1000, id.UID)
	assert.Equal(t, 1000, id.GID)
	assert.Equal(t, FuseVersion{3, 10, 5}, id.FuseVersion)
	assert.Equal(t, "/snap/multipass-sshfs", id.Env["SNAP"])
}

func TestProbe_FallsBackToWhichSshfs(t *testing.T) {
	runner := happyRunner()
	delete(runner.responses, "sudo multipass-sshfs.env")
	runner.responses["which sshfs"] = sshexec.Result{ExitCode: 0, Stdout: "/usr/bin/sshfs\n"}

	id, err := Probe(context.Background(), runner, "/home/ubuntu/target")
	require.NoError(t, err)
	assert.Empty(t, id.Env)
}

func TestProbe_MissingSshfsReturnsTypedError(t *testing.T) {
	runner := &scriptedRunner{responses: map[string]sshexec.Result{
		"which sshfs": {ExitCode: 1},
	}}

	_, err := Probe(context.Background(), runner, "/home/ubuntu/target")
	require.Error(t, err)

	var missing *SshfsMissingError
	assert.ErrorAs(t, err, &missing)
}

func TestProbe_NonIntegerUidIsInvalidArgument(t *testing.T) {
	runner := happyRunner()
	runner.responses["id -u"] = sshexec.Result{ExitCode: 0, Stdout: "not-a-number\n"}

	_, err := Probe(context.Background(), runner, "/home/ubuntu/target")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "non-integer")
}

func TestProbe_ChownFailurePropagates(t *testing.T) {
	runner := happyRunner()
	runner.responses["chown"] = sshexec.Result{ExitCode: 1, Stderr: "operation not permitted"}

	_, err := Probe(context.Background(), runner, "/home/ubuntu/target")
	require.Error(t, err)
}

func TestParseFuseVersionLine(t *testing.T) {
	tests := []struct {
		line string
		want FuseVersion
		ok   bool
	}{
		{line: "FUSE library version: 2.9.9", want: FuseVersion{2, 9, 9}, ok: true},
		{line: "FUSE library version: 3.10", want: FuseVersion{3, 10, 0}, ok: true},
		{line: "SSHFS version 3.7.3", ok: false},
	}
	for _, tt := range tests {
		v, ok := parseFuseVersionLine(tt.line)
		assert.Equal(t, tt.ok, ok, tt.line)
		if tt.ok {
			assert.Equal(t, tt.want, v, tt.line)
		}
	}
}

func TestProbe_MkdirFailurePropagates(t *testing.T) {
	runner := happyRunner()
	runner.responses["mkdir -p"] = sshexec.Result{ExitCode: 1}

	_, err := Probe(context.Background(), runner, "/home/ubuntu/target")
	require.Error(t, err)
}
