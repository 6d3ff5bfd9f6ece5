package health

import (
	"context"
	"os/exec"
	"strings"
)

// DockerChecker checks that the docker daemon behind the shell capability
// answers. A missing daemon degrades sentinel rather than breaking it:
// plans without shell steps still run.
type DockerChecker struct {
	lookPath func(string) (string, error)
	output   func(ctx context.Context, path string, args ...string) ([]byte, error)
}

// NewDockerChecker creates the checker.
func NewDockerChecker() *DockerChecker {
	return &DockerChecker{
		lookPath: exec.LookPath,
		output: func(ctx context.Context, path string, args ...string) ([]byte, error) {
			return exec.CommandContext(ctx, path, args...).CombinedOutput()
		},
	}
}

// Name implements Checker.
func (c *DockerChecker) Name() string { return "docker-daemon" }

// Check runs `docker info` to reach the daemon.
func (c *DockerChecker) Check(ctx context.Context) *Result {
	path, err := c.lookPath("docker")
	if err != nil {
		return Degraded("docker command not found in PATH; the shell capability is unavailable").
			WithDetail("suggestion", "Install Docker Desktop or Docker Engine")
	}

	out, err := c.output(ctx, path, "info", "--format", "{{.ServerVersion}}")
	msg := strings.TrimSpace(string(out))
	if err != nil {
		if strings.Contains(msg, "Cannot connect to the Docker daemon") {
			return Degraded("docker daemon is not running").
				WithDetail("suggestion", "Start Docker Desktop or the docker daemon")
		}
		return Degraded("failed to reach docker daemon").
			WithDetail("error", err.Error()).
			WithDetail("output", msg)
	}

	return Healthy("docker daemon is running").
		WithDetail("docker_path", path).
		WithDetail("server_version", msg)
}
