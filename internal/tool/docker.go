package tool

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/felixgeelhaar/sentinel/internal/errors"
)

// DockerOptions constrains containers started by the shell capability.
type DockerOptions struct {
	Network string `mapstructure:"network" yaml:"network"`
	CPU     string `mapstructure:"cpu" yaml:"cpu"`
	Mem     string `mapstructure:"mem" yaml:"mem"`
}

// DockerShell runs a command in a locked-down container. With detach set
// the container keeps running and is reported as an acquired resource,
// released through docker_stop.
type DockerShell struct {
	opts     DockerOptions
	lookPath func(string) (string, error)
	run      func(ctx context.Context, args ...string) (stdout, stderr string, exitCode int, err error)
}

// NewDockerShell creates the shell capability.
func NewDockerShell(opts DockerOptions) *DockerShell {
	return &DockerShell{opts: opts, lookPath: exec.LookPath, run: runDocker}
}

// Descriptor implements Capability.
func (d *DockerShell) Descriptor() Descriptor {
	return Descriptor{
		Name:        "shell",
		Description: "Run a command inside a sandboxed docker container",
		Category:    "execution",
		NoCache:     true,
		Schema: Object(map[string]*openapi3.Schema{
			"image":   String("container image"),
			"command": String("shell command run with sh -c"),
			"detach":  WithDefault(Bool("keep the container running"), false),
		}, "image", "command"),
	}
}

// Available implements Prober.
func (d *DockerShell) Available() bool {
	_, err := d.lookPath("docker")
	return err == nil
}

// Execute implements Capability.
func (d *DockerShell) Execute(ctx context.Context, args map[string]any) (*Result, error) {
	detach, _ := args["detach"].(bool)
	stdout, stderr, code, err := d.run(ctx, d.buildArgs(argString(args, "image"), argString(args, "command"), detach)...)
	if err != nil {
		return nil, err
	}

	if detach {
		if code != 0 {
			return nil, fmt.Errorf("docker run exited %d: %s", code, strings.TrimSpace(stderr))
		}
		id := strings.TrimSpace(stdout)
		res, err := JSONResult(map[string]any{"container_id": id})
		if err != nil {
			return nil, err
		}
		res.Acquired = []Resource{{
			ID:          "container:" + id,
			Kind:        "container",
			ReleaseTool: "docker_stop",
			ReleaseArgs: map[string]any{"container_id": id},
		}}
		return res, nil
	}

	return JSONResult(map[string]any{"exit_code": code, "stdout": stdout, "stderr": stderr})
}

// buildArgs constructs the docker run arguments with security constraints.
func (d *DockerShell) buildArgs(image, command string, detach bool) []string {
	args := []string{"run"}
	if detach {
		args = append(args, "-d")
	} else {
		args = append(args, "--rm")
	}
	if d.opts.Network != "" {
		args = append(args, "--network", d.opts.Network)
	}
	if d.opts.CPU != "" {
		args = append(args, "--cpus", d.opts.CPU)
	}
	if d.opts.Mem != "" {
		args = append(args, "--memory", d.opts.Mem)
	}
	args = append(args,
		"--read-only",
		"--pids-limit", "256",
		"--cap-drop", "ALL",
	)
	return append(args, image, "sh", "-c", command)
}

// NewDockerStop returns the capability that removes a detached container.
func NewDockerStop() Capability {
	desc := Descriptor{
		Name:        "docker_stop",
		Description: "Force-remove a container started by shell with detach",
		Category:    "execution",
		NoCache:     true,
		Schema: Object(map[string]*openapi3.Schema{
			"container_id": String("container to remove"),
		}, "container_id"),
	}
	return Func(desc, func(ctx context.Context, args map[string]any) (*Result, error) {
		id := argString(args, "container_id")
		_, stderr, code, err := runDocker(ctx, "rm", "-f", id)
		if err != nil {
			return nil, err
		}
		if code != 0 {
			return nil, fmt.Errorf("docker rm exited %d: %s", code, strings.TrimSpace(stderr))
		}
		res, err := JSONResult(map[string]any{"removed": id})
		if err != nil {
			return nil, err
		}
		res.Released = []string{"container:" + id}
		return res, nil
	})
}

func runDocker(ctx context.Context, args ...string) (string, string, int, error) {
	cmd := exec.CommandContext(ctx, "docker", args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return stdout.String(), stderr.String(), exitErr.ExitCode(), nil
		}
		if ctx.Err() != nil {
			return "", "", -1, ctx.Err()
		}
		return "", "", -1, errors.Wrap(errors.ErrCodeExecDockerNotAvailable, "failed to execute docker command", err)
	}
	return stdout.String(), stderr.String(), 0, nil
}
