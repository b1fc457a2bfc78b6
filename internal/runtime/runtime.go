// Package runtime invokes a container runtime CLI (docker, podman, or any
// nerdctl-compatible binary) as a subprocess to satisfy the Worker Wrapper
// and Workspace Isolation Manager's container lifecycle needs. The runtime
// never links a Docker Engine SDK; every verb is a single
// os/exec.CommandContext call against the configured binary name.
package runtime

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// Runtime drives a container runtime CLI binary. The zero value uses
// "docker"; set Binary to "podman" or an nerdctl-compatible name to target
// a different CLI.
type Runtime struct {
	Binary string
}

// New constructs a Runtime against binary (e.g. "docker", "podman"). An
// empty binary defaults to "docker".
func New(binary string) *Runtime {
	if binary == "" {
		binary = "docker"
	}
	return &Runtime{Binary: binary}
}

// Limits bounds the resources granted to a container created by Run.
type Limits struct {
	MemoryMB int
	CPUs     float64
}

// RunOptions configures Run.
type RunOptions struct {
	Name        string
	Image       string
	Volume      string // host:container bind mount, e.g. "/host/ws:/workspace"
	WorkDir     string
	Limits      Limits
	NetworkMode string   // e.g. "none", "bridge"; empty leaves the runtime default
	Command     []string // defaults to "sleep infinity" keep-alive if empty
}

// Run creates and starts a detached container. Equivalent to:
//
//	docker run -d --name N -v SRC:/workspace -w /workspace --memory M --cpus C IMAGE sleep infinity
func (r *Runtime) Run(ctx context.Context, opts RunOptions) (containerID string, err error) {
	args := []string{"run", "-d", "--name", opts.Name}
	if opts.Volume != "" {
		args = append(args, "-v", opts.Volume)
	}
	if opts.WorkDir != "" {
		args = append(args, "-w", opts.WorkDir)
	}
	if opts.Limits.MemoryMB > 0 {
		args = append(args, "--memory", fmt.Sprintf("%dm", opts.Limits.MemoryMB))
	}
	if opts.Limits.CPUs > 0 {
		args = append(args, "--cpus", fmt.Sprintf("%g", opts.Limits.CPUs))
	}
	if opts.NetworkMode != "" {
		args = append(args, "--network", opts.NetworkMode)
	}
	args = append(args, opts.Image)
	if len(opts.Command) > 0 {
		args = append(args, opts.Command...)
	} else {
		args = append(args, "sleep", "infinity")
	}

	out, err := r.run(ctx, args...)
	if err != nil {
		return "", fmt.Errorf("container_setup_error: %w", err)
	}
	return strings.TrimSpace(out), nil
}

// Exec runs argv inside the named container and returns its combined
// stdout/stderr. interactive enables `-i` (stdin piping), for callers that
// need to feed input to the process.
func (r *Runtime) Exec(ctx context.Context, name string, argv []string, interactive bool) (string, error) {
	args := []string{"exec"}
	if interactive {
		args = append(args, "-i")
	}
	args = append(args, name)
	args = append(args, argv...)
	return r.run(ctx, args...)
}

// ExecCode runs argv inside the named container and separates stdout from
// stderr, also reporting the command's exit code (-1 if the runtime binary
// itself could not be invoked at all). Unlike Exec, a non-zero exit code is
// not treated as a failure — err is nil whenever the runtime CLI itself ran
// successfully, letting callers distinguish "command failed inside the
// container" from "could not reach the container".
func (r *Runtime) ExecCode(ctx context.Context, name string, argv []string) (stdout, stderr string, exitCode int, err error) {
	args := append([]string{"exec", name}, argv...)
	cmd := exec.CommandContext(ctx, r.Binary, args...)

	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf

	runErr := cmd.Run()
	stdout, stderr = outBuf.String(), errBuf.String()
	if runErr == nil {
		return stdout, stderr, 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		return stdout, stderr, exitErr.ExitCode(), nil
	}
	return stdout, stderr, -1, fmt.Errorf("container_exec_error: %s %s: %w", r.Binary, strings.Join(args, " "), runErr)
}

// Stop signals the named container to stop.
func (r *Runtime) Stop(ctx context.Context, name string) error {
	_, err := r.run(ctx, "stop", name)
	return err
}

// Remove force-removes the named container.
func (r *Runtime) Remove(ctx context.Context, name string) error {
	_, err := r.run(ctx, "rm", "-f", name)
	return err
}

// Commit snapshots the named container's filesystem as image:tag.
func (r *Runtime) Commit(ctx context.Context, name, tag string) error {
	_, err := r.run(ctx, "commit", name, tag)
	return err
}

// NetworkCreate creates a network with the given subnet.
func (r *Runtime) NetworkCreate(ctx context.Context, name, subnet string) error {
	args := []string{"network", "create"}
	if subnet != "" {
		args = append(args, "--subnet", subnet)
	}
	args = append(args, name)
	_, err := r.run(ctx, args...)
	return err
}

// Build builds an image tagged tag from the Dockerfile in dir.
func (r *Runtime) Build(ctx context.Context, tag, dir string) error {
	_, err := r.run(ctx, "build", "-t", tag, dir)
	return err
}

// run executes the configured binary with args, returning stdout on
// success. A non-zero exit carries stderr in the returned error.
func (r *Runtime) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, r.Binary, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return stdout.String(), fmt.Errorf("%s %s: %w: %s", r.Binary, strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}
