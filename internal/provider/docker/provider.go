// Package docker implements provider.Provider on top of a local Docker
// daemon. It exists for development: the sandbox snapshot is a container
// image carrying the bridge, and fork is a commit of the source container.
package docker

import (
	"context"
	"fmt"
	"strconv"

	cerrdefs "github.com/containerd/errdefs"
	containerTypes "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	imageTypes "github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"

	"github.com/vedranjukic/apex/internal/provider"
)

const (
	// bridgePort is the fixed port the bridge listens on inside every sandbox.
	bridgePort = 7777

	labelManaged     = "apex.managed"
	labelProjectName = "apex.project.name"
	labelForkedFrom  = "apex.forked.from"
	labelBranch      = "apex.branch"
)

// Provider is a Docker-backed sandbox provider.
type Provider struct {
	client *client.Client
}

// New creates a docker provider from the environment (DOCKER_HOST etc.).
func New(ctx context.Context) (*Provider, error) {
	cli, err := client.NewClientWithOpts(
		client.FromEnv,
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	if _, err := cli.Ping(ctx); err != nil {
		return nil, fmt.Errorf("docker daemon not reachable: %w", err)
	}
	return &Provider{client: cli}, nil
}

func (p *Provider) CreateSandbox(ctx context.Context, req provider.CreateRequest) (string, error) {
	return p.createContainer(ctx, req.Snapshot, req.ProjectName, req.GitRepo, req.AgentAPIKey, "", "")
}

// createContainer provisions one sandbox container from the given image.
func (p *Provider) createContainer(ctx context.Context, image, projectName, gitRepo, agentKey, forkedFrom, branch string) (string, error) {
	if err := p.ensureImage(ctx, image); err != nil {
		return "", err
	}

	labels := map[string]string{
		labelManaged:     "true",
		labelProjectName: projectName,
	}
	if forkedFrom != "" {
		labels[labelForkedFrom] = forkedFrom
	}
	if branch != "" {
		labels[labelBranch] = branch
	}

	env := []string{"APEX_PROJECT_NAME=" + projectName}
	if gitRepo != "" {
		env = append(env, "APEX_GIT_REPO="+gitRepo)
	}
	if agentKey != "" {
		env = append(env, "ANTHROPIC_API_KEY="+agentKey)
	}
	if branch != "" {
		env = append(env, "APEX_BRANCH="+branch)
	}

	port := nat.Port(fmt.Sprintf("%d/tcp", bridgePort))
	containerConfig := &containerTypes.Config{
		Image:        image,
		Labels:       labels,
		Env:          env,
		ExposedPorts: nat.PortSet{port: struct{}{}},
	}
	hostConfig := &containerTypes.HostConfig{
		PortBindings: nat.PortMap{
			port: []nat.PortBinding{{
				HostIP:   "127.0.0.1",
				HostPort: "", // Docker assigns a random available port
			}},
		},
	}

	resp, err := p.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, "")
	if err != nil {
		return "", fmt.Errorf("failed to create sandbox container: %w", err)
	}
	if err := p.client.ContainerStart(ctx, resp.ID, containerTypes.StartOptions{}); err != nil {
		return "", fmt.Errorf("failed to start sandbox container: %w", err)
	}
	return resp.ID, nil
}

// ensureImage pulls the image when it is not available locally.
func (p *Provider) ensureImage(ctx context.Context, image string) error {
	if _, err := p.client.ImageInspect(ctx, image); err == nil {
		return nil
	}
	reader, err := p.client.ImagePull(ctx, image, imageTypes.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull sandbox image %s: %w", image, err)
	}
	defer reader.Close()
	// Drain the progress stream so the pull completes.
	buf := make([]byte, 4096)
	for {
		if _, err := reader.Read(buf); err != nil {
			break
		}
	}
	return nil
}

func (p *Provider) ReconnectSandbox(ctx context.Context, sandboxID, dirName string) error {
	info, err := p.client.ContainerInspect(ctx, sandboxID)
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return provider.ErrNotFound
		}
		return fmt.Errorf("failed to inspect sandbox: %w", err)
	}
	if info.State != nil && info.State.Running {
		return nil
	}
	if err := p.client.ContainerStart(ctx, sandboxID, containerTypes.StartOptions{}); err != nil {
		return fmt.Errorf("failed to start sandbox: %w", err)
	}
	return nil
}

func (p *Provider) StopSandbox(ctx context.Context, sandboxID string) error {
	timeout := 10 // seconds
	err := p.client.ContainerStop(ctx, sandboxID, containerTypes.StopOptions{Timeout: &timeout})
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return provider.ErrNotFound
		}
		return fmt.Errorf("failed to stop sandbox: %w", err)
	}
	return nil
}

func (p *Provider) DeleteSandbox(ctx context.Context, sandboxID string) error {
	// Refuse deletion while another managed container is forked from this one.
	forks, err := p.listManaged(ctx, filters.Arg("label", labelForkedFrom+"="+sandboxID))
	if err != nil {
		return err
	}
	if len(forks) > 0 {
		return provider.ErrHasForks
	}

	err = p.client.ContainerRemove(ctx, sandboxID, containerTypes.RemoveOptions{Force: true})
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return provider.ErrNotFound
		}
		return fmt.Errorf("failed to remove sandbox: %w", err)
	}
	return nil
}

func (p *Provider) GetSandboxState(ctx context.Context, sandboxID string) (provider.State, error) {
	info, err := p.client.ContainerInspect(ctx, sandboxID)
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return "", provider.ErrNotFound
		}
		return "", fmt.Errorf("failed to inspect sandbox: %w", err)
	}
	if info.State == nil {
		return provider.StateError, nil
	}
	switch {
	case info.State.Running:
		return provider.StateStarted, nil
	case info.State.Dead || info.State.OOMKilled:
		return provider.StateError, nil
	case info.State.Status == "created":
		return provider.StateStarting, nil
	default:
		return provider.StateStopped, nil
	}
}

func (p *Provider) ForkSandbox(ctx context.Context, srcID, branch, projectName string) (string, error) {
	// Commit the source container to an image, then boot a new container
	// from it. The fork inherits the root's filesystem layout.
	commit, err := p.client.ContainerCommit(ctx, srcID, containerTypes.CommitOptions{
		Comment: "apex fork of " + srcID,
	})
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return "", provider.ErrNotFound
		}
		return "", fmt.Errorf("failed to snapshot source sandbox: %w", err)
	}
	// The committed image carries the root's env, including the agent key.
	return p.createContainer(ctx, commit.ID, projectName, "", "", srcID, branch)
}

func (p *Provider) GetPortPreviewURL(ctx context.Context, sandboxID string, port int) (*provider.PreviewURL, error) {
	hostPort, err := p.hostPort(ctx, sandboxID, port)
	if err != nil {
		return nil, err
	}
	// No signing locally; the mapped localhost address is the preview.
	return &provider.PreviewURL{
		URL: fmt.Sprintf("http://127.0.0.1:%d", hostPort),
	}, nil
}

func (p *Provider) GetVscodeURL(ctx context.Context, sandboxID string) (string, error) {
	return "", fmt.Errorf("vscode URL not supported by the docker provider")
}

func (p *Provider) CreateSSHAccess(ctx context.Context, sandboxID string) (*provider.SSHAccess, error) {
	return nil, fmt.Errorf("ssh access not supported by the docker provider")
}

func (p *Provider) BridgeURL(ctx context.Context, sandboxID string) (string, error) {
	hostPort, err := p.hostPort(ctx, sandboxID, bridgePort)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("ws://127.0.0.1:%d/bridge", hostPort), nil
}

// hostPort resolves the host port mapped to a container port.
func (p *Provider) hostPort(ctx context.Context, sandboxID string, containerPort int) (int, error) {
	info, err := p.client.ContainerInspect(ctx, sandboxID)
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return 0, provider.ErrNotFound
		}
		return 0, fmt.Errorf("failed to inspect sandbox: %w", err)
	}
	if info.State == nil || !info.State.Running {
		return 0, provider.ErrNotRunning
	}
	if info.NetworkSettings == nil {
		return 0, fmt.Errorf("sandbox has no network settings")
	}

	port := nat.Port(fmt.Sprintf("%d/tcp", containerPort))
	bindings := info.NetworkSettings.Ports[port]
	for _, binding := range bindings {
		if hostPort, err := strconv.Atoi(binding.HostPort); err == nil && hostPort > 0 {
			return hostPort, nil
		}
	}
	return 0, fmt.Errorf("port %d is not published", containerPort)
}

// listManaged lists apex-managed containers matching the extra filters.
func (p *Provider) listManaged(ctx context.Context, extra ...filters.KeyValuePair) ([]containerTypes.Summary, error) {
	args := filters.NewArgs(filters.Arg("label", labelManaged+"=true"))
	for _, kv := range extra {
		args.Add(kv.Key, kv.Value)
	}
	containers, err := p.client.ContainerList(ctx, containerTypes.ListOptions{
		All:     true,
		Filters: args,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list sandboxes: %w", err)
	}
	return containers, nil
}

// Close releases the docker client.
func (p *Provider) Close() error {
	return p.client.Close()
}
