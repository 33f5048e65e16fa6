package inspector

import (
	"context"
	"errors"
	"testing"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/image"

	"github.com/kvesta/vigil/internal/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	logger.Discard()
}

type fakeDaemon struct {
	history []image.HistoryResponseItem
	version types.Version
	err     error
	asked   string
	closed  bool
}

func (f *fakeDaemon) ImageHistory(ctx context.Context, imageID string) ([]image.HistoryResponseItem, error) {
	f.asked = imageID
	return f.history, f.err
}

func (f *fakeDaemon) ServerVersion(ctx context.Context) (types.Version, error) {
	return f.version, f.err
}

func (f *fakeDaemon) Close() error {
	f.closed = true
	return nil
}

func TestImageHistory(t *testing.T) {
	fake := &fakeDaemon{history: []image.HistoryResponseItem{
		{ID: "sha256:c", CreatedBy: `/bin/sh -c #(nop)  CMD ["node"]`},
		{ID: "<missing>", CreatedBy: "  "},
		{ID: "<missing>", CreatedBy: "/bin/sh -c curl -s https://x.sh | sh"},
	}}
	da := &DockerApi{DCli: fake}

	layers, err := da.ImageHistory(context.Background(), " node:16 ")
	require.NoError(t, err)
	assert.Equal(t, "node:16", fake.asked)
	require.Len(t, layers, 2)
	assert.Equal(t, "sha256:c", layers[0].ID)

	require.NoError(t, da.Close())
	assert.True(t, fake.closed)
}

func TestImageHistoryErrors(t *testing.T) {
	da := &DockerApi{DCli: &fakeDaemon{err: errors.New("No such image: ghost:1")}}

	_, err := da.ImageHistory(context.Background(), "ghost:1")
	assert.ErrorContains(t, err, "image history ghost:1")

	_, err = da.ImageHistory(context.Background(), "")
	assert.ErrorContains(t, err, "empty image reference")
}

func TestServerVersion(t *testing.T) {
	da := &DockerApi{DCli: &fakeDaemon{version: types.Version{
		Version: "24.0.9",
		Components: []types.ComponentVersion{
			{Name: "Engine", Version: "24.0.9"},
			{Name: "containerd", Version: "1.6.28"},
		},
	}}}

	engine, containerd, err := da.ServerVersion(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "24.0.9", engine)
	assert.Equal(t, "1.6.28", containerd)
}
