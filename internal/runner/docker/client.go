package docker

import (
	"context"
	"io"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
)

// backend is the part of the Docker API the runner uses.
type backend interface {
	Create(ctx context.Context, cfg *container.Config, host *container.HostConfig, name string) (string, error)
	Start(ctx context.Context, id string) error
	Inspect(ctx context.Context, id string) (container.InspectResponse, error)
	ListManaged(ctx context.Context) ([]container.Summary, error)
	Remove(ctx context.Context, id string) error
	EnsureImage(ctx context.Context, ref string) error
	Ping(ctx context.Context) error
	Close() error
}

// dockerClient adapts *client.Client to backend.
type dockerClient struct {
	c *client.Client
}

func newDockerClient(host string) (*dockerClient, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	c, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, err
	}
	return &dockerClient{c: c}, nil
}

func (d *dockerClient) Create(ctx context.Context, cfg *container.Config, host *container.HostConfig, name string) (string, error) {
	resp, err := d.c.ContainerCreate(ctx, cfg, host, nil, nil, name)
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (d *dockerClient) Start(ctx context.Context, id string) error {
	return d.c.ContainerStart(ctx, id, container.StartOptions{})
}

func (d *dockerClient) Inspect(ctx context.Context, id string) (container.InspectResponse, error) {
	return d.c.ContainerInspect(ctx, id)
}

func (d *dockerClient) ListManaged(ctx context.Context) ([]container.Summary, error) {
	return d.c.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", labelManagedBy+"="+managedByValue)),
	})
}

// Remove stops and deletes a container. Missing containers are not an error.
func (d *dockerClient) Remove(ctx context.Context, id string) error {
	const stopTimeout = 10
	timeout := stopTimeout
	if err := d.c.ContainerStop(ctx, id, container.StopOptions{Timeout: &timeout}); err != nil && !cerrdefs.IsNotFound(err) {
		return err
	}
	if err := d.c.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil && !cerrdefs.IsNotFound(err) {
		return err
	}
	return nil
}

func (d *dockerClient) EnsureImage(ctx context.Context, ref string) error {
	if _, err := d.c.ImageInspect(ctx, ref); err == nil {
		return nil
	}
	reader, err := d.c.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return err
	}
	defer reader.Close()
	_, err = io.Copy(io.Discard, reader)
	return err
}

func (d *dockerClient) Ping(ctx context.Context) error {
	_, err := d.c.Ping(ctx)
	return err
}

func (d *dockerClient) Close() error { return d.c.Close() }

// portResolver lets the container monitor read published ports.
type portResolver struct {
	b backend
}

func (p portResolver) PortBindings(ctx context.Context, name string) (nat.PortMap, error) {
	inspect, err := p.b.Inspect(ctx, name)
	if err != nil {
		return nil, err
	}
	if inspect.NetworkSettings == nil {
		return nat.PortMap{}, nil
	}
	return inspect.NetworkSettings.Ports, nil
}
