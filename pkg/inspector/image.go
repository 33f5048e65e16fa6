package inspector

import (
	"context"
	"fmt"
	"strings"

	"github.com/docker/docker/api/types/image"

	"github.com/kvesta/vigil/internal/logger"
)

// ImageHistory returns the layers of a local image, newest first. Empty
// CreatedBy entries are dropped.
func (da *DockerApi) ImageHistory(ctx context.Context, ref string) ([]image.HistoryResponseItem, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, fmt.Errorf("empty image reference")
	}

	log := logger.Scanner("container").WithField("image", ref)
	log.Debug("reading image history")

	items, err := da.DCli.ImageHistory(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("image history %s: %w", ref, err)
	}

	layers := make([]image.HistoryResponseItem, 0, len(items))
	for _, it := range items {
		if strings.TrimSpace(it.CreatedBy) == "" {
			continue
		}
		layers = append(layers, it)
	}

	log.WithField("layers", len(layers)).Debug("image history read")

	return layers, nil
}
