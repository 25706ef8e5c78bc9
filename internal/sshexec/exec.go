// Package sshexec runs single remote commands over an established SSH
// session (C2 SshChannelExec). Establishing the session itself — dialing,
// host key verification, auth — is treated as an out-of-scope collaborator;
// this package only needs a Client capable of opening sessions.
package sshexec

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
)

// Session is the subset of *ssh.Session this package depends on, narrowed
// so tests can substitute a fake without a real SSH server.
type Session interface {
	Setenv(name, value string) error
	Run(cmd string, stdout, stderr io.Writer) error
	Close() error
}

// Client opens Sessions; *ssh.Client satisfies this via the adapter
// returned by NewClient.
type Client interface {
	NewSession() (Session, error)
}

type sessionAdapter struct {
	*ssh.Session
}

func (a sessionAdapter) Run(cmd string, stdout, stderr io.Writer) error {
	a.Session.Stdout = stdout
	a.Session.Stderr = stderr
	return a.Session.Run(cmd)
}

type clientAdapter struct {
	*ssh.Client
}

func (a clientAdapter) NewSession() (Session, error) {
	s, err := a.Client.NewSession()
	if err != nil {
		return nil, err
	}
	return sessionAdapter{s}, nil
}

// NewClient adapts a real *ssh.Client to the narrow Client interface this
// package depends on.
func NewClient(c *ssh.Client) Client {
	return clientAdapter{c}
}

// Exec runs single commands over sessions drawn from a Client, each read
// with a bounded timeout.
type Exec struct {
	client  Client
	timeout time.Duration
}

// New constructs an Exec. A non-positive timeout disables the bound.
func New(client Client, timeout time.Duration) *Exec {
	return &Exec{client: client, timeout: timeout}
}

// Result is the outcome of one remote command.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Exec runs cmd, prefixing it with the given environment assignments (SSH
// servers commonly ignore the protocol-level Setenv request unless
// AcceptEnv is configured, so the environment collected by IdentityProbe is
// applied as a shell-level prefix instead).
func (e *Exec) Exec(ctx context.Context, env map[string]string, cmd string) (Result, error) {
	session, err := e.client.NewSession()
	if err != nil {
		return Result{}, fmt.Errorf("sshexec: new session: %w", err)
	}
	defer func() { _ = session.Close() }()

	fullCmd := cmd
	if len(env) > 0 {
		fullCmd = envPrefix(env) + " " + cmd
	}

	var stdout, stderr bytes.Buffer
	done := make(chan error, 1)
	go func() {
		done <- session.Run(fullCmd, &stdout, &stderr)
	}()

	ctxDone, cancel := e.boundedContext(ctx)
	defer cancel()

	select {
	case runErr := <-done:
		return e.toResult(stdout.String(), stderr.String(), runErr)
	case <-ctxDone.Done():
		_ = session.Close()
		return Result{}, fmt.Errorf("sshexec: %s: %w", cmd, ctxDone.Err())
	}
}

func (e *Exec) boundedContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, e.timeout)
}

func (e *Exec) toResult(stdout, stderr string, runErr error) (Result, error) {
	if runErr == nil {
		return Result{ExitCode: 0, Stdout: stdout, Stderr: stderr}, nil
	}
	if exitErr, ok := runErr.(*ssh.ExitError); ok {
		return Result{ExitCode: exitErr.ExitStatus(), Stdout: stdout, Stderr: stderr}, nil
	}
	return Result{Stdout: stdout, Stderr: stderr}, fmt.Errorf("sshexec: %w", runErr)
}

// envPrefix renders a map as deterministic shell-quoted VAR=value pairs.
func envPrefix(env map[string]string) string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%s", k, shellQuote(env[k])))
	}
	return strings.Join(parts, " ")
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
