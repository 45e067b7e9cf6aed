// Package sandbox implements the sandbox-exec provider contract by talking
// to the Docker Engine API: exec commands, read and write files, and expose
// ports inside the container the automaton itself runs in.
package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"

	"github.com/duskward/automaton/internal/automaton/providers"
)

// ExecResult and ExposedPort are aliased to the shared capability types so
// Provider satisfies providers.Sandbox without a conversion shim.
type ExecResult = providers.ExecResult
type ExposedPort = providers.ExposedPort

// Provider implements the Sandbox-exec capability against one Docker
// container, identified by ContainerID, that the automaton already runs in.
type Provider struct {
	client      *dockerclient.Client
	containerID string
}

// New dials the Docker daemon (DOCKER_HOST env var or the default socket)
// and binds the adapter to the given container.
func New(containerID string) (*Provider, error) {
	cli, err := dockerclient.NewClientWithOpts(
		dockerclient.FromEnv,
		dockerclient.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("sandbox: docker client: %w", err)
	}
	return &Provider{client: cli, containerID: containerID}, nil
}

// Exec runs command inside the sandbox container and waits up to timeoutMs
// for it to finish.
func (p *Provider) Exec(ctx context.Context, command []string, timeoutMs int) (ExecResult, error) {
	if timeoutMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(timeoutMs)*time.Millisecond)
		defer cancel()
	}

	execID, err := p.client.ContainerExecCreate(ctx, p.containerID, types.ExecConfig{
		Cmd:          command,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return ExecResult{}, fmt.Errorf("sandbox: exec create: %w", err)
	}

	attach, err := p.client.ContainerExecAttach(ctx, execID.ID, types.ExecStartCheck{})
	if err != nil {
		return ExecResult{}, fmt.Errorf("sandbox: exec attach: %w", err)
	}
	defer attach.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader); err != nil && err != io.EOF {
		return ExecResult{}, fmt.Errorf("sandbox: demux exec stream: %w", err)
	}

	inspect, err := p.client.ContainerExecInspect(ctx, execID.ID)
	if err != nil {
		return ExecResult{}, fmt.Errorf("sandbox: exec inspect: %w", err)
	}

	return ExecResult{Stdout: stdout.String(), Stderr: stderr.String(), ExitCode: inspect.ExitCode}, nil
}

// WriteFile writes content to path inside the sandbox container via a
// shell-level exec (no archive/copy API round trip needed for plain text).
func (p *Provider) WriteFile(ctx context.Context, path, content string) error {
	cmd := []string{"sh", "-c", fmt.Sprintf("cat > %s", shellQuote(path))}
	execID, err := p.client.ContainerExecCreate(ctx, p.containerID, types.ExecConfig{
		Cmd:          cmd,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return fmt.Errorf("sandbox: write exec create: %w", err)
	}
	attach, err := p.client.ContainerExecAttach(ctx, execID.ID, types.ExecStartCheck{})
	if err != nil {
		return fmt.Errorf("sandbox: write exec attach: %w", err)
	}
	defer attach.Close()

	if _, err := attach.Conn.Write([]byte(content)); err != nil {
		return fmt.Errorf("sandbox: write file: %w", err)
	}
	attach.CloseWrite()

	var discard bytes.Buffer
	_, _ = stdcopy.StdCopy(&discard, &discard, attach.Reader)

	inspect, err := p.client.ContainerExecInspect(ctx, execID.ID)
	if err != nil {
		return fmt.Errorf("sandbox: write exec inspect: %w", err)
	}
	if inspect.ExitCode != 0 {
		return fmt.Errorf("sandbox: write file exited %d", inspect.ExitCode)
	}
	return nil
}

// ReadFile reads the content of path inside the sandbox container.
func (p *Provider) ReadFile(ctx context.Context, path string) (string, error) {
	result, err := p.Exec(ctx, []string{"cat", path}, 10_000)
	if err != nil {
		return "", err
	}
	if result.ExitCode != 0 {
		return "", fmt.Errorf("sandbox: read file %q exited %d: %s", path, result.ExitCode, result.Stderr)
	}
	return result.Stdout, nil
}

// ExposePort inspects the sandbox container's bound host port for the given
// container port and returns a URL reaching it.
func (p *Provider) ExposePort(ctx context.Context, port int) (ExposedPort, error) {
	inspect, err := p.client.ContainerInspect(ctx, p.containerID)
	if err != nil {
		return ExposedPort{}, fmt.Errorf("sandbox: inspect container: %w", err)
	}
	key := fmt.Sprintf("%d/tcp", port)
	bindings, ok := inspect.NetworkSettings.Ports[nat.Port(key)]
	if !ok || len(bindings) == 0 {
		return ExposedPort{}, fmt.Errorf("sandbox: port %d not published", port)
	}
	host := bindings[0].HostIP
	if host == "" || host == "0.0.0.0" {
		host = "localhost"
	}
	return ExposedPort{PublicURL: fmt.Sprintf("http://%s:%s", host, bindings[0].HostPort)}, nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
