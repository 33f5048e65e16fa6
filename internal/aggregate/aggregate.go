package aggregate

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/kvesta/vigil/internal/logger"
	"github.com/kvesta/vigil/pkg/model"
	"github.com/kvesta/vigil/pkg/severity"
)

// FindingStore is the part of the store the aggregator needs.
type FindingStore interface {
	OpenFindings(ctx context.Context, assetID string) ([]model.Finding, error)
	InsertFindings(ctx context.Context, findings []model.Finding) ([]model.Finding, error)
	LinkFindings(ctx context.Context, jobID string, findingIDs []string) error
}

// Asset names the scan target. Findings without their own asset id are
// attributed to it.
type Asset struct {
	ID    string
	Name  string
	JobID string
}

// Outcome of one run. Matched holds the ids of OPEN findings from earlier
// runs that this run observed again.
type Outcome struct {
	New     []model.Finding
	Matched []string
	Skipped int
	Score   int
}

type Aggregator struct {
	Store FindingStore
	now   func() time.Time
}

func New(store FindingStore) *Aggregator {
	return &Aggregator{Store: store, now: time.Now}
}

// Aggregate scores the findings of one run and persists those whose dedup
// key has no OPEN finding yet. OPEN findings seen again are linked to the
// job instead. The score counts every raw finding of the run, duplicates
// included.
func (a *Aggregator) Aggregate(ctx context.Context, results []model.Result, asset Asset) (*Outcome, error) {
	log := logger.Job(asset.JobID)

	var (
		raw       []model.Finding
		levels    []severity.Level
		penalties []severity.Penalty
	)
	for _, r := range results {
		penalties = append(penalties, r.Penalties...)
		for _, f := range r.Findings {
			raw = append(raw, a.fill(f, asset))
			levels = append(levels, f.Severity)
		}
	}

	out := &Outcome{
		New:   []model.Finding{},
		Score: severity.Compute(levels, penalties),
	}

	known := map[string]string{}
	loaded := sets.New[string]()
	seen := sets.New[string]()
	matched := sets.New[string]()
	candidates := []model.Finding{}

	load := func(assetID string) error {
		open, err := a.Store.OpenFindings(ctx, assetID)
		if err != nil {
			return fmt.Errorf("open findings for %s: %w", assetID, err)
		}
		for _, o := range open {
			known[o.DedupKey()] = o.ID
		}
		return nil
	}

	for _, f := range raw {
		if !loaded.Has(f.AssetID) {
			if err := load(f.AssetID); err != nil {
				return nil, err
			}
			loaded.Insert(f.AssetID)
		}

		key := f.DedupKey()
		if seen.Has(key) {
			out.Skipped++
			continue
		}
		seen.Insert(key)

		if id, ok := known[key]; ok {
			matched.Insert(id)
			out.Skipped++
			continue
		}
		candidates = append(candidates, f)
	}

	if len(candidates) > 0 {
		inserted, err := a.Store.InsertFindings(ctx, candidates)
		if err != nil {
			return nil, fmt.Errorf("insert findings: %w", err)
		}
		out.New = inserted

		// A concurrent run may have opened the same key in between.
		if lost := len(candidates) - len(inserted); lost > 0 {
			out.Skipped += lost
			got := sets.New[string]()
			for _, f := range inserted {
				got.Insert(f.DedupKey())
			}
			reload := sets.New[string]()
			for _, f := range candidates {
				if !got.Has(f.DedupKey()) {
					reload.Insert(f.AssetID)
				}
			}
			for _, assetID := range sets.List(reload) {
				if err := load(assetID); err != nil {
					return nil, err
				}
			}
			for _, f := range candidates {
				if id, ok := known[f.DedupKey()]; ok && !got.Has(f.DedupKey()) {
					matched.Insert(id)
				}
			}
		}
	}

	out.Matched = sets.List(matched)
	if len(out.Matched) > 0 && asset.JobID != "" {
		if err := a.Store.LinkFindings(ctx, asset.JobID, out.Matched); err != nil {
			return nil, fmt.Errorf("link findings: %w", err)
		}
	}

	model.SortFindings(out.New)

	log.WithField("new", len(out.New)).
		WithField("matched", len(out.Matched)).
		WithField("skipped", out.Skipped).
		WithField("score", out.Score).
		Debug("findings aggregated")

	return out, nil
}

func (a *Aggregator) fill(f model.Finding, asset Asset) model.Finding {
	if f.AssetID == "" {
		f.AssetID = asset.ID
	}
	if f.AssetName == "" {
		f.AssetName = asset.Name
	}
	if f.ID == "" {
		f.ID = uuid.New().String()
	}
	if f.DiscoveredAt.IsZero() {
		f.DiscoveredAt = a.clock().UTC()
	}
	if !f.Severity.Valid() {
		f.Severity = severity.Info
	}
	f.JobID = asset.JobID
	f.Status = model.FindingOpen
	return f
}

func (a *Aggregator) clock() time.Time {
	if a.now == nil {
		return time.Now()
	}
	return a.now()
}
