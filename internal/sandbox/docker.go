package sandbox

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/build"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/docker/go-connections/nat"

	"github.com/shehryarbajwa/printbox/pkg/models"
)

const (
	managedByLabel = "managed-by"
	managedByValue = "printbox"
	sessionLabel   = "session-id"

	cupsPort = nat.Port("631/tcp")
)

// DockerRuntime runs sandboxes as docker containers
type DockerRuntime struct {
	client *client.Client

	readyRetries  int
	readyInterval time.Duration
}

// NewDockerRuntime connects to the daemon described by the DOCKER_* environment
func NewDockerRuntime() (*DockerRuntime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	return &DockerRuntime{
		client:        cli,
		readyRetries:  40,
		readyInterval: 500 * time.Millisecond,
	}, nil
}

// EnsureImage builds ref from the embedded Dockerfile unless the daemon already has it.
// It reports whether a build ran.
func (d *DockerRuntime) EnsureImage(ctx context.Context, ref string) (bool, error) {
	images, err := d.client.ImageList(ctx, image.ListOptions{
		Filters: filters.NewArgs(filters.Arg("reference", ref)),
	})
	if err != nil {
		return false, fmt.Errorf("failed to list images: %w", err)
	}

	for _, img := range images {
		for _, tag := range img.RepoTags {
			if tag == ref {
				return false, nil
			}
		}
	}

	slog.Info("Building sandbox image", "image", ref)

	buildCtx, err := buildContext()
	if err != nil {
		return false, fmt.Errorf("failed to create build context: %w", err)
	}

	resp, err := d.client.ImageBuild(ctx, buildCtx, build.ImageBuildOptions{
		Tags:        []string{ref},
		Dockerfile:  "Dockerfile",
		Remove:      true,
		ForceRemove: true,
		Labels:      map[string]string{managedByLabel: managedByValue},
	})
	if err != nil {
		return false, fmt.Errorf("failed to build image: %w", err)
	}
	defer resp.Body.Close()

	// The build API reports failures inside the message stream, not the HTTP status
	if err := jsonmessage.DisplayJSONMessagesStream(resp.Body, io.Discard, 0, false, nil); err != nil {
		return false, fmt.Errorf("image build failed: %w", err)
	}

	return true, nil
}

// Create creates and starts a container for spec and waits for its CUPS daemon
func (d *DockerRuntime) Create(ctx context.Context, spec Spec) (*models.Sandbox, error) {
	containerConfig := &container.Config{
		Image: spec.Image,
		Labels: map[string]string{
			sessionLabel:   spec.SessionID,
			managedByLabel: managedByValue,
		},
		ExposedPorts: nat.PortSet{
			cupsPort: struct{}{},
		},
	}

	hostConfig := &container.HostConfig{
		PortBindings: nat.PortMap{
			cupsPort: []nat.PortBinding{
				{
					HostIP:   "127.0.0.1",
					HostPort: "0",
				},
			},
		},
		AutoRemove: true,
	}

	resp, err := d.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, spec.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to create container: %w", err)
	}

	if err := d.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("failed to start container: %w", err)
	}

	inspect, err := d.client.ContainerInspect(ctx, resp.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect container: %w", err)
	}

	bindings := inspect.NetworkSettings.Ports[cupsPort]
	if len(bindings) == 0 {
		return nil, fmt.Errorf("container %s has no published CUPS port", spec.Name)
	}
	address := fmt.Sprintf("127.0.0.1:%s", bindings[0].HostPort)

	if err := d.waitForCUPSReady(ctx, address); err != nil {
		return nil, fmt.Errorf("print service failed to become ready: %w", err)
	}

	return &models.Sandbox{
		ID:           resp.ID,
		Name:         spec.Name,
		Image:        spec.Image,
		Running:      true,
		PrintAddress: address,
		CreatedAt:    time.Now(),
	}, nil
}

// Destroy stops and removes a container by id or name.
// A container that no longer exists yields models.ErrSandboxNotFound.
func (d *DockerRuntime) Destroy(ctx context.Context, ref string) error {
	timeout := 10
	err := d.client.ContainerStop(ctx, ref, container.StopOptions{Timeout: &timeout})
	if cerrdefs.IsNotFound(err) {
		return models.ErrSandboxNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to stop container: %w", err)
	}

	// AutoRemove handles started containers; this covers ones that never started
	err = d.client.ContainerRemove(ctx, ref, container.RemoveOptions{Force: true})
	if err != nil && !cerrdefs.IsNotFound(err) && !cerrdefs.IsConflict(err) {
		return fmt.Errorf("failed to remove container: %w", err)
	}

	return nil
}

// RemoveStale deletes sandboxes left behind by a previous process
func (d *DockerRuntime) RemoveStale(ctx context.Context) (int, error) {
	containers, err := d.client.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", managedByLabel+"="+managedByValue)),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to list containers: %w", err)
	}

	removed := 0
	for _, c := range containers {
		err := d.client.ContainerRemove(ctx, c.ID, container.RemoveOptions{Force: true})
		if err != nil && !cerrdefs.IsNotFound(err) {
			slog.Warn("Failed to remove stale sandbox", "container_id", c.ID, "error", err)
			continue
		}
		removed++
	}

	return removed, nil
}

func (d *DockerRuntime) Close() error {
	return d.client.Close()
}

// waitForCUPSReady polls the published CUPS port until it answers HTTP
func (d *DockerRuntime) waitForCUPSReady(ctx context.Context, address string) error {
	url := fmt.Sprintf("http://%s/", address)

	for i := 0; i < d.readyRetries; i++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := http.DefaultClient.Do(req)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode < http.StatusInternalServerError {
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d.readyInterval):
		}
	}

	return fmt.Errorf("CUPS did not become ready after %d retries", d.readyRetries)
}
