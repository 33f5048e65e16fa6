package analyzer

import (
	"context"
	"errors"

	"github.com/docker/docker/api/types/image"

	"github.com/kvesta/vigil/pkg/severity"
)

var errNoDaemon = errors.New("docker daemon not configured")

// HistoryClient reads the layers of an image, newest first.
type HistoryClient interface {
	ImageHistory(ctx context.Context, imageID string) ([]image.HistoryResponseItem, error)
}

// Auditor checks Dockerfiles and images against the build rules and the
// known-image table.
type Auditor struct {
	History HistoryClient
	Known   []KnownImage
	Rules   []rule
}

// Input is one container audit request. Name labels a Dockerfile that
// has no image reference.
type Input struct {
	Name       string
	Dockerfile string
	Image      string
	UseDaemon  bool
}

type threat struct {
	Rule        string
	Line        int
	Text        string
	Image       string
	Title       string
	Describe    string
	Remediation string
	Severity    severity.Level
	Reference   string
}

// NewAuditor loads the embedded known-image table. history may be nil
// when no daemon is reachable.
func NewAuditor(history HistoryClient) (*Auditor, error) {
	known, err := LoadKnownImages(knownImagesYAML)
	if err != nil {
		return nil, err
	}

	return &Auditor{
		History: history,
		Known:   known,
		Rules:   defaultRules(),
	}, nil
}
