package environ

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/rs/zerolog/log"
)

// Engine is the narrow container-engine surface the provisioner needs.
// The Docker implementation shells out to the docker CLI; tests use a
// fake.
type Engine interface {
	Ping(ctx context.Context) error
	EnsureNetwork(ctx context.Context, name string) error
	RemoveContainer(ctx context.Context, name string, force bool) error
	RunContainer(ctx context.Context, spec RunSpec) (string, error)
	Exec(ctx context.Context, container string, cmd []string) (int, string, error)
	MappedPort(ctx context.Context, container string, containerPort int) (string, error)
	Logs(ctx context.Context, container string) (string, error)
	ListContainers(ctx context.Context, namePrefix string) ([]string, error)
}

// RunSpec describes a detached container to start.
type RunSpec struct {
	Name        string
	Image       string
	Network     string
	Env         map[string]string
	Mounts      map[string]string // host path -> container path, mounted read-only
	PublishPort int               // container port mapped to a dynamically chosen host port
	Cmd         []string
}

// Docker drives containers through the docker CLI.
type Docker struct {
	host string // resolved DOCKER_HOST (e.g. from Docker context)
}

func NewDocker() *Docker {
	return &Docker{host: resolveDockerHost()}
}

// resolveDockerHost figures out the Docker socket. On macOS, Docker
// Desktop uses a context-specific socket that child processes don't
// inherit.
func resolveDockerHost() string {
	if h := os.Getenv("DOCKER_HOST"); h != "" {
		return h
	}

	out, err := exec.Command("docker", "context", "inspect", "--format", "{{.Endpoints.docker.Host}}").Output()
	if err == nil {
		host := strings.TrimSpace(string(out))
		if host != "" {
			log.Debug().Str("docker_host", host).Msg("resolved Docker host from context")
			return host
		}
	}

	return ""
}

func (d *Docker) command(ctx context.Context, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, "docker", args...) // #nosec G204 -- args built internally, not from raw user input
	if d.host != "" {
		cmd.Env = append(os.Environ(), "DOCKER_HOST="+d.host)
	}
	return cmd
}

// Ping checks that the docker daemon is reachable.
func (d *Docker) Ping(ctx context.Context) error {
	if _, err := exec.LookPath("docker"); err != nil {
		return fmt.Errorf("%w: docker not found in PATH", ErrEngineDown)
	}
	if err := d.command(ctx, "info").Run(); err != nil {
		return fmt.Errorf("%w: docker daemon not reachable: %v", ErrEngineDown, err)
	}
	return nil
}

// EnsureNetwork creates the named bridge network if it does not exist.
func (d *Docker) EnsureNetwork(ctx context.Context, name string) error {
	if err := d.command(ctx, "network", "inspect", name).Run(); err == nil {
		return nil
	}
	log.Info().Str("network", name).Msg("creating docker network")
	out, err := d.command(ctx, "network", "create", "--driver", "bridge", name).CombinedOutput()
	if err != nil {
		// Lost a create race with a concurrent session.
		if strings.Contains(string(out), "already exists") {
			return nil
		}
		return fmt.Errorf("creating network %s: %v: %s", name, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// RemoveContainer removes the named container. A missing container is
// not an error, so removal is idempotent.
func (d *Docker) RemoveContainer(ctx context.Context, name string, force bool) error {
	args := []string{"rm"}
	if force {
		args = append(args, "-f")
	}
	args = append(args, name)
	out, err := d.command(ctx, args...).CombinedOutput()
	if err != nil {
		msg := string(out)
		if strings.Contains(msg, "No such container") {
			return nil
		}
		return fmt.Errorf("removing container %s: %v: %s", name, err, strings.TrimSpace(msg))
	}
	return nil
}

// RunContainer starts a detached container and returns its ID.
func (d *Docker) RunContainer(ctx context.Context, spec RunSpec) (string, error) {
	args := []string{"run", "-d", "--name", spec.Name}
	if spec.Network != "" {
		args = append(args, "--network", spec.Network)
	}
	for k, v := range spec.Env {
		args = append(args, "-e", k+"="+v)
	}
	for host, container := range spec.Mounts {
		args = append(args, "-v", fmt.Sprintf("%s:%s:ro", host, container))
	}
	if spec.PublishPort > 0 {
		// Publish to an engine-chosen host port so concurrent sessions
		// never contend for a fixed port.
		args = append(args, "-p", fmt.Sprintf("%d", spec.PublishPort))
	}
	args = append(args, spec.Image)
	args = append(args, spec.Cmd...)

	out, err := d.command(ctx, args...).CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("starting container %s: %v: %s", spec.Name, err, strings.TrimSpace(string(out)))
	}
	return strings.TrimSpace(string(out)), nil
}

// Exec runs a command inside a running container and returns the exit
// code along with combined stdout/stderr.
func (d *Docker) Exec(ctx context.Context, container string, cmd []string) (int, string, error) {
	args := append([]string{"exec", container}, cmd...)
	c := d.command(ctx, args...)

	var buf bytes.Buffer
	c.Stdout = &buf
	c.Stderr = &buf

	err := c.Run()
	output := buf.String()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return exitErr.ExitCode(), output, nil
		}
		return -1, output, fmt.Errorf("exec in container %s: %w", container, err)
	}
	return 0, output, nil
}

// MappedPort resolves the host port a container port was published to.
func (d *Docker) MappedPort(ctx context.Context, container string, containerPort int) (string, error) {
	out, err := d.command(ctx, "port", container, fmt.Sprintf("%d/tcp", containerPort)).Output()
	if err != nil {
		return "", fmt.Errorf("resolving port %d of %s: %w", containerPort, container, err)
	}
	// Output like "0.0.0.0:49154" (possibly one line per address family).
	line := strings.TrimSpace(strings.SplitN(string(out), "\n", 2)[0])
	idx := strings.LastIndex(line, ":")
	if idx < 0 || idx == len(line)-1 {
		return "", fmt.Errorf("unexpected port output for %s: %q", container, line)
	}
	return line[idx+1:], nil
}

// Logs returns a container's combined log output.
func (d *Docker) Logs(ctx context.Context, container string) (string, error) {
	out, err := d.command(ctx, "logs", container).CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("fetching logs of %s: %w", container, err)
	}
	return string(out), nil
}

// ListContainers returns the names of running containers whose name
// starts with the given prefix.
func (d *Docker) ListContainers(ctx context.Context, namePrefix string) ([]string, error) {
	out, err := d.command(ctx, "ps", "--filter", "name="+namePrefix, "--format", "{{.Names}}").Output()
	if err != nil {
		return nil, fmt.Errorf("listing containers: %w", err)
	}
	names := strings.Fields(strings.TrimSpace(string(out)))
	return names, nil
}
