package inspector

import (
	"context"
	"io"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
)

// Daemon is the part of the Docker API vigil reads. *client.Client
// satisfies it.
type Daemon interface {
	io.Closer
	ImageHistory(ctx context.Context, imageID string) ([]image.HistoryResponseItem, error)
	ServerVersion(ctx context.Context) (types.Version, error)
}

type DockerApi struct {
	DCli Daemon
}

// NewDockerApi connects to the daemon named by DOCKER_HOST and friends.
// The connection is lazy: an unreachable daemon only shows on first use.
func NewDockerApi() (*DockerApi, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, err
	}
	return &DockerApi{DCli: cli}, nil
}

func (da *DockerApi) Close() error {
	return da.DCli.Close()
}

// ServerVersion reports the docker engine and containerd versions.
func (da *DockerApi) ServerVersion(ctx context.Context) (engine, containerd string, err error) {
	server, err := da.DCli.ServerVersion(ctx)
	if err != nil {
		return "", "", err
	}

	for _, s := range server.Components {
		if s.Name == "containerd" {
			containerd = s.Version
			break
		}
	}

	return server.Version, containerd, nil
}
