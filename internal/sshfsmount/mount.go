// Package sshfsmount implements the C7 SshfsMount bootstrap: it runs the
// C6 identity probe, launches a remote sshfs process in slave mode over an
// SSH session, and bridges it to an embedded SFTP server serving a host
// directory. Bootstrap commands run through the caller-supplied probe
// Runner; the long-lived SFTP stream then runs on one further session
// opened from the SessionOpener.
package sshfsmount

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/containerd/log"
	"github.com/pkg/sftp"

	"github.com/aledbf/qemubox/internal/identityprobe"
)

// RemoteSession is the subset of *ssh.Session this package depends on for
// the long-lived sshfs bridge channel.
type RemoteSession interface {
	StdinPipe() (io.WriteCloser, error)
	StdoutPipe() (io.Reader, error)
	Start(cmd string) error
	Wait() error
	Close() error
}

// SessionOpener opens RemoteSessions; NewFromSSHClient wires an adapter over
// *ssh.Client.
type SessionOpener interface {
	NewSession() (RemoteSession, error)
}

// Spec describes one source/target mount, per the §3 SSHFS session model.
type Spec struct {
	Source string
	Target string
	UIDMap IDMap
	GIDMap IDMap
}

// SshfsMount owns one SSH channel running the remote sshfs process bridged
// to a local embedded SFTP server.
type SshfsMount struct {
	spec     Spec
	identity identityprobe.Identity
	session  RemoteSession
	server   *sftp.RequestServer

	mu      sync.Mutex
	done    chan struct{}
	runErr  error
}

// New runs the identity probe over runner, then opens a session on opener,
// starts the remote sshfs process, and begins serving the embedded SFTP
// server in the background. It returns once the bridge is up; callers
// wishing to observe the point where the peer closes the session should
// call Wait.
func New(ctx context.Context, opener SessionOpener, runner identityprobe.Runner, spec Spec) (*SshfsMount, error) {
	identity, err := identityprobe.Probe(ctx, runner, spec.Target)
	if err != nil {
		return nil, err
	}

	session, err := opener.NewSession()
	if err != nil {
		return nil, fmt.Errorf("sshfsmount: new session: %w", err)
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		_ = session.Close()
		return nil, fmt.Errorf("sshfsmount: stdin pipe: %w", err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		_ = session.Close()
		return nil, fmt.Errorf("sshfsmount: stdout pipe: %w", err)
	}

	remoteCmd := buildSshfsCommand(identity, spec)
	if err := session.Start(remoteCmd); err != nil {
		_ = session.Close()
		return nil, fmt.Errorf("sshfsmount: start sshfs: %w", err)
	}

	handlers := newRootHandlers(spec.Source, spec.UIDMap, spec.GIDMap)
	server := sftp.NewRequestServer(&pipeChannel{Reader: stdout, WriteCloser: stdin}, handlers)

	m := &SshfsMount{
		spec:     spec,
		identity: identity,
		session:  session,
		server:   server,
		done:     make(chan struct{}),
	}
	go m.run(ctx)

	log.G(ctx).WithFields(log.Fields{"source": spec.Source, "target": spec.Target}).Info("sshfsmount: bridge started")
	return m, nil
}

func buildSshfsCommand(identity identityprobe.Identity, spec Spec) string {
	cmd := "sudo sshfs -o slave -o transform_symlinks -o allow_other"
	if opt := spec.UIDMap.SshfsOption("uidmap"); opt != "" {
		cmd += " -o " + opt
	}
	if opt := spec.GIDMap.SshfsOption("gidmap"); opt != "" {
		cmd += " -o " + opt
	}
	return fmt.Sprintf("%s :%s %s", cmd, spec.Source, spec.Target)
}

// run drives the embedded SFTP server until the peer closes the session,
// satisfying the unblocks_when_sftpserver_exits property: Serve returns
// cleanly once it observes EOF reading from the remote side.
func (m *SshfsMount) run(ctx context.Context) {
	defer close(m.done)

	err := m.server.Serve()
	if err != nil && err != io.EOF {
		m.mu.Lock()
		m.runErr = err
		m.mu.Unlock()
		log.G(ctx).WithError(err).Warn("sshfsmount: sftp server exited with error")
	}
	_ = m.session.Wait()
}

// Wait blocks until the SFTP loop has exited, returning any error it
// observed (nil on a clean peer-initiated close).
func (m *SshfsMount) Wait() error {
	<-m.done
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.runErr
}

// Close forces the bridge down: the embedded server and the session are
// both closed, unblocking a concurrent Wait.
func (m *SshfsMount) Close() error {
	_ = m.server.Close()
	return m.session.Close()
}

// Identity returns the record collected by the identity probe at
// construction.
func (m *SshfsMount) Identity() identityprobe.Identity { return m.identity }

// pipeChannel adapts a session's separate stdin/stdout pipes to the single
// io.ReadWriteCloser sftp.NewRequestServer requires.
type pipeChannel struct {
	io.Reader
	io.WriteCloser
}
