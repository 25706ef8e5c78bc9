package sshfsmount

import (
	"context"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/aledbf/qemubox/internal/identityprobe"
	"github.com/aledbf/qemubox/internal/sshexec"
)

type clientOpener struct{ client *ssh.Client }

func (c clientOpener) NewSession() (RemoteSession, error) {
	return c.client.NewSession()
}

// NewFromSSHClient wires a real *ssh.Client into both the identity probe's
// command runner and the long-lived bridge session opener, then delegates
// to New.
func NewFromSSHClient(ctx context.Context, client *ssh.Client, execTimeout time.Duration, spec Spec) (*SshfsMount, error) {
	runner := sshexec.New(sshexec.NewClient(client), execTimeout)
	return New(ctx, clientOpener{client: client}, runner, spec)
}

var _ identityprobe.Runner = (*sshexec.Exec)(nil)
