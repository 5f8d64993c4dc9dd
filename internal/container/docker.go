package container

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	dockercontainer "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
)

const labelPrefix = "indexswap"

// runSpec describes one browser server container.
type runSpec struct {
	Name      string
	Image     string
	Network   string
	Port      int
	MemoryMB  int64
	SessionID string
}

// engine is the slice of the Docker API the launcher drives.
type engine interface {
	EnsureNetwork(ctx context.Context, name string) error
	EnsureImage(ctx context.Context, ref string, pull bool) error
	Run(ctx context.Context, spec runSpec) (string, error)
	Address(ctx context.Context, id, network string) (string, error)
	Remove(ctx context.Context, idOrName string) error
	ListManaged(ctx context.Context) ([]string, error)
}

type dockerEngine struct {
	docker *client.Client
}

func newDockerEngine() (*dockerEngine, error) {
	docker, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return &dockerEngine{docker: docker}, nil
}

func (e *dockerEngine) EnsureNetwork(ctx context.Context, name string) error {
	if _, err := e.docker.NetworkInspect(ctx, name, network.InspectOptions{}); err == nil {
		return nil
	}

	// Create it for runs outside Compose
	if _, err := e.docker.NetworkCreate(ctx, name, network.CreateOptions{Driver: "bridge"}); err != nil {
		return fmt.Errorf("create network %s: %w", name, err)
	}
	slog.Info("created docker network", "network", name)
	return nil
}

func (e *dockerEngine) EnsureImage(ctx context.Context, ref string, pull bool) error {
	return EnsureImage(ctx, e.docker, ref, pull)
}

func (e *dockerEngine) Run(ctx context.Context, spec runSpec) (string, error) {
	port := strconv.Itoa(spec.Port)
	containerCfg := &dockercontainer.Config{
		Image: spec.Image,
		Cmd:   []string{"npx", "-y", "playwright@" + serverVersion, "run-server", "--port", port, "--host", "0.0.0.0"},
		Labels: map[string]string{
			labelPrefix + ".managed": "true",
			labelPrefix + ".session": spec.SessionID,
		},
	}
	hostCfg := &dockercontainer.HostConfig{
		NetworkMode: dockercontainer.NetworkMode(spec.Network),
		Init:        boolPtr(true),
		ShmSize:     256 << 20,
	}
	if spec.MemoryMB > 0 {
		hostCfg.Resources.Memory = spec.MemoryMB << 20
	}

	resp, err := e.docker.ContainerCreate(ctx, containerCfg, hostCfg, &network.NetworkingConfig{}, nil, spec.Name)
	if err != nil {
		return "", fmt.Errorf("create container: %w", err)
	}
	if err := e.docker.ContainerStart(ctx, resp.ID, dockercontainer.StartOptions{}); err != nil {
		_ = e.docker.ContainerRemove(ctx, resp.ID, dockercontainer.RemoveOptions{Force: true})
		return "", fmt.Errorf("start container: %w", err)
	}
	return resp.ID, nil
}

func (e *dockerEngine) Address(ctx context.Context, id, networkName string) (string, error) {
	info, err := e.docker.ContainerInspect(ctx, id)
	if err != nil {
		return "", fmt.Errorf("inspect container: %w", err)
	}
	if info.NetworkSettings == nil {
		return "", fmt.Errorf("container %s has no network settings", shortID(id))
	}
	if ep, ok := info.NetworkSettings.Networks[networkName]; ok && ep.IPAddress != "" {
		return ep.IPAddress, nil
	}
	return "", fmt.Errorf("container %s has no address on %s", shortID(id), networkName)
}

func (e *dockerEngine) Remove(ctx context.Context, idOrName string) error {
	timeout := 5
	if err := e.docker.ContainerStop(ctx, idOrName, dockercontainer.StopOptions{Timeout: &timeout}); err != nil && !client.IsErrNotFound(err) {
		slog.Debug("failed to stop container gracefully", "container", shortID(idOrName), "error", err)
	}
	err := e.docker.ContainerRemove(ctx, idOrName, dockercontainer.RemoveOptions{Force: true})
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("remove container: %w", err)
	}
	return nil
}

func (e *dockerEngine) ListManaged(ctx context.Context) ([]string, error) {
	filterArgs := filters.NewArgs()
	filterArgs.Add("label", labelPrefix+".managed=true")

	containers, err := e.docker.ContainerList(ctx, dockercontainer.ListOptions{
		All:     true,
		Filters: filterArgs,
	})
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}
	ids := make([]string, 0, len(containers))
	for _, c := range containers {
		ids = append(ids, c.ID)
	}
	return ids, nil
}

func boolPtr(b bool) *bool { return &b }

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
