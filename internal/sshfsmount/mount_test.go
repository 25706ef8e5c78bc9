package sshfsmount

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/containerd/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aledbf/qemubox/internal/identityprobe"
	"github.com/aledbf/qemubox/internal/sshexec"
)

type scriptedRunner struct {
	responses map[string]sshexec.Result
}

func (r *scriptedRunner) Exec(_ context.Context, _ map[string]string, cmd string) (sshexec.Result, error) {
	for prefix, res := range r.responses {
		if strings.HasPrefix(cmd, prefix) {
			return res, nil
		}
	}
	return sshexec.Result{ExitCode: 127}, nil
}

func happyRunner() *scriptedRunner {
	return &scriptedRunner{responses: map[string]sshexec.Result{
		"sudo multipass-sshfs.env": {ExitCode: 0, Stdout: "SNAP=/snap\n"},
		"mkdir -p":                 {ExitCode: 0},
		"id -nu":                   {ExitCode: 0, Stdout: "ubuntu\n"},
		"id -ng":                   {ExitCode: 0, Stdout: "ubuntu\n"},
		"chown":                    {ExitCode: 0},
		"id -u":                    {ExitCode: 0, Stdout: "1000\n"},
		"id -g":                    {ExitCode: 0, Stdout: "1000\n"},
		"sshfs -V":                 {ExitCode: 0, Stdout: "FUSE library version: 3.10.5\n"},
	}}
}

// fakeRemoteSession simulates a peer that immediately closes (empty
// stdout), so the embedded SFTP server's first read observes EOF.
type fakeRemoteSession struct {
	stdin   *bytes.Buffer
	stdout  io.Reader
	started string
	closed  bool
}

func (s *fakeRemoteSession) StdinPipe() (io.WriteCloser, error) {
	return nopWriteCloser{s.stdin}, nil
}
func (s *fakeRemoteSession) StdoutPipe() (io.Reader, error) { return s.stdout, nil }
func (s *fakeRemoteSession) Start(cmd string) error         { s.started = cmd; return nil }
func (s *fakeRemoteSession) Wait() error                    { return nil }
func (s *fakeRemoteSession) Close() error                   { s.closed = true; return nil }

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

type fakeOpener struct {
	session *fakeRemoteSession
	err     error
}

func (o *fakeOpener) NewSession() (RemoteSession, error) {
	if o.err != nil {
		return nil, o.err
	}
	return o.session, nil
}

func newFakeOpener() *fakeOpener {
	return &fakeOpener{session: &fakeRemoteSession{stdin: &bytes.Buffer{}, stdout: bytes.NewReader(nil)}}
}

func TestNew_MissingSshfsPropagatesProbeError(t *testing.T) {
	runner := &scriptedRunner{responses: map[string]sshexec.Result{
		"which sshfs": {ExitCode: 1},
	}}
	_, err := New(context.Background(), newFakeOpener(), runner, Spec{Source: "/src", Target: "/dst"})
	require.Error(t, err)
}

func TestNew_NonIntegerUidIsInvalidArgument(t *testing.T) {
	runner := happyRunner()
	runner.responses["id -u"] = sshexec.Result{ExitCode: 0, Stdout: "ubuntu\n"}

	_, err := New(context.Background(), newFakeOpener(), runner, Spec{Source: "/src", Target: "/dst"})
	require.Error(t, err)
	assert.True(t, errdefs.IsInvalidArgument(err))
}

func TestNew_InvalidFuseVersion(t *testing.T) {
	runner := happyRunner()
	runner.responses["sshfs -V"] = sshexec.Result{ExitCode: 0, Stdout: "FUSE library version: fu.man.chu\n"}

	_, err := New(context.Background(), newFakeOpener(), runner, Spec{Source: "/src", Target: "/dst"})
	require.Error(t, err)
}

func TestNew_UnblocksWhenPeerClosesSession(t *testing.T) {
	opener := newFakeOpener()
	runner := happyRunner()

	m, err := New(context.Background(), opener, runner, Spec{Source: t.TempDir(), Target: "/dst"})
	require.NoError(t, err)

	waitDone := make(chan error, 1)
	go func() { waitDone <- m.Wait() }()

	select {
	case err := <-waitDone:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("sftp server did not unblock on peer close")
	}
	assert.Contains(t, opener.session.started, "sshfs")
}

func TestBuildSshfsCommand_IncludesIdMaps(t *testing.T) {
	spec := Spec{Source: "/src", Target: "/dst", UIDMap: IDMap{1000: 501}, GIDMap: IDMap{1000: 501}}
	cmd := buildSshfsCommand(identityprobe.Identity{}, spec)
	assert.Contains(t, cmd, "uidmap=1000:501")
	assert.Contains(t, cmd, "gidmap=1000:501")
	assert.Contains(t, cmd, ":/src /dst")
}
