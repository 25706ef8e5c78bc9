// Package identityprobe implements the C6 remote identity and tooling
// capability probe: an ordered sequence of SSH commands establishing an
// environment map, the guest login/group/uid/gid, and the installed sshfs
// FUSE version, run once at SshfsMount construction.
package identityprobe

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/containerd/errdefs"
	"github.com/containerd/log"

	"github.com/aledbf/qemubox/internal/sshexec"
)

// SshfsMissingError means the guest lacks either the multipass sshfs
// tooling or any sshfs binary at all.
type SshfsMissingError struct {
	Detail string
}

func (e *SshfsMissingError) Error() string {
	return fmt.Sprintf("sshfs is not installed on the remote instance: %s", e.Detail)
}

// Unwrap classes the error as errdefs.ErrNotFound for errors.Is callers.
func (e *SshfsMissingError) Unwrap() error { return errdefs.ErrNotFound }

// FuseVersion is the parsed `FUSE library version: <major>.<minor>[.<patch>]`.
type FuseVersion struct {
	Major, Minor, Patch int
}

func (v FuseVersion) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// Identity is the record returned by Probe.
type Identity struct {
	Env         map[string]string
	Login       string
	Group       string
	UID         int
	GID         int
	FuseVersion FuseVersion
}

// Runner is the subset of sshexec.Exec this package depends on.
type Runner interface {
	Exec(ctx context.Context, env map[string]string, cmd string) (sshexec.Result, error)
}

// Probe runs the ordered remote probe sequence from spec §4.3 against the
// given target directory, returning the record {env, login, group, uid,
// gid, fuse_version}.
func Probe(ctx context.Context, runner Runner, targetDir string) (Identity, error) {
	env, err := probeEnv(ctx, runner)
	if err != nil {
		return Identity{}, err
	}

	if err := mkdirTarget(ctx, runner, env, targetDir); err != nil {
		return Identity{}, err
	}

	login, err := singleLine(ctx, runner, env, "id -nu", "determine login name")
	if err != nil {
		return Identity{}, err
	}

	group, err := singleLine(ctx, runner, env, "id -ng", "determine primary group")
	if err != nil {
		return Identity{}, err
	}

	if err := chownTarget(ctx, runner, env, login, group, targetDir); err != nil {
		return Identity{}, err
	}

	uid, err := numericID(ctx, runner, env, "id -u", "determine uid")
	if err != nil {
		return Identity{}, err
	}

	gid, err := numericID(ctx, runner, env, "id -g", "determine gid")
	if err != nil {
		return Identity{}, err
	}

	fuseVersion, err := probeFuseVersion(ctx, runner, env)
	if err != nil {
		return Identity{}, err
	}

	log.G(ctx).WithFields(log.Fields{
		"login": login, "group": group, "uid": uid, "gid": gid, "fuse_version": fuseVersion.String(),
	}).Debug("identityprobe: probe complete")

	return Identity{
		Env:         env,
		Login:       login,
		Group:       group,
		UID:         uid,
		GID:         gid,
		FuseVersion: fuseVersion,
	}, nil
}

// probeEnv is step 1: `sudo multipass-sshfs.env`, falling back to checking
// for any sshfs binary before declaring it missing.
func probeEnv(ctx context.Context, runner Runner) (map[string]string, error) {
	res, err := runner.Exec(ctx, nil, "sudo multipass-sshfs.env")
	if err == nil && res.ExitCode == 0 {
		return parseEnvLines(res.Stdout), nil
	}

	which, whichErr := runner.Exec(ctx, nil, "which sshfs")
	if whichErr != nil || which.ExitCode != 0 {
		return nil, &SshfsMissingError{Detail: "neither multipass-sshfs.env nor sshfs were found"}
	}

	// sshfs exists but the snap helper script did not; proceed with an
	// empty environment rather than failing the whole probe.
	return map[string]string{}, nil
}

func parseEnvLines(stdout string) map[string]string {
	env := make(map[string]string)
	for _, line := range strings.Split(stdout, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		env[k] = v
	}
	return env
}

func mkdirTarget(ctx context.Context, runner Runner, env map[string]string, targetDir string) error {
	res, err := runner.Exec(ctx, env, fmt.Sprintf("mkdir -p %s", targetDir))
	if err != nil || res.ExitCode != 0 {
		return fmt.Errorf("%w: unable to make target dir", errdefs.ErrUnavailable)
	}
	return nil
}

func chownTarget(ctx context.Context, runner Runner, env map[string]string, login, group, targetDir string) error {
	res, err := runner.Exec(ctx, env, fmt.Sprintf("chown %s:%s %s", login, group, targetDir))
	if err != nil || res.ExitCode != 0 {
		return fmt.Errorf("%w: unable to chown target dir", errdefs.ErrUnavailable)
	}
	return nil
}

func singleLine(ctx context.Context, runner Runner, env map[string]string, cmd, failureLabel string) (string, error) {
	res, err := runner.Exec(ctx, env, cmd)
	if err != nil || res.ExitCode != 0 {
		return "", fmt.Errorf("%w: unable to %s", errdefs.ErrUnavailable, failureLabel)
	}
	return strings.TrimSpace(strings.SplitN(res.Stdout, "\n", 2)[0]), nil
}

func numericID(ctx context.Context, runner Runner, env map[string]string, cmd, failureLabel string) (int, error) {
	line, err := singleLine(ctx, runner, env, cmd, failureLabel)
	if err != nil {
		return 0, err
	}
	id, convErr := strconv.Atoi(line)
	if convErr != nil {
		return 0, fmt.Errorf("%w: %s returned non-integer output %q", errdefs.ErrInvalidArgument, cmd, line)
	}
	return id, nil
}

func probeFuseVersion(ctx context.Context, runner Runner, env map[string]string) (FuseVersion, error) {
	res, err := runner.Exec(ctx, env, "sshfs -V")
	if err != nil || res.ExitCode != 0 {
		return FuseVersion{}, fmt.Errorf("%w: unable to determine sshfs version", errdefs.ErrUnavailable)
	}

	for _, line := range strings.Split(res.Stdout, "\n") {
		if v, ok := parseFuseVersionLine(line); ok {
			return v, nil
		}
	}
	return FuseVersion{}, fmt.Errorf("%w: invalid fuse version", errdefs.ErrInvalidArgument)
}

const fuseVersionPrefix = "FUSE library version:"

func parseFuseVersionLine(line string) (FuseVersion, bool) {
	idx := strings.Index(line, fuseVersionPrefix)
	if idx < 0 {
		return FuseVersion{}, false
	}
	rest := strings.TrimSpace(line[idx+len(fuseVersionPrefix):])
	parts := strings.SplitN(rest, ".", 3)

	var v FuseVersion
	nums := make([]int, 3)
	for i := 0; i < len(parts) && i < 3; i++ {
		n, err := strconv.Atoi(strings.TrimSpace(parts[i]))
		if err != nil {
			return FuseVersion{}, false
		}
		nums[i] = n
	}
	v.Major, v.Minor, v.Patch = nums[0], nums[1], nums[2]
	if len(parts) < 2 {
		return FuseVersion{}, false
	}
	return v, true
}
