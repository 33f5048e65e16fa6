package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kvesta/vigil/pkg/model"
)

// Memory keeps everything in process. It is used by tests and by runs
// without a database path.
type Memory struct {
	mu       sync.Mutex
	jobs     map[string]model.ScanJob
	findings []model.Finding
	open     map[string]bool
	links    map[string]map[string]bool
	usage    map[model.ScanKind]int
}

func NewMemory() *Memory {
	return &Memory{
		jobs:  map[string]model.ScanJob{},
		open:  map[string]bool{},
		links: map[string]map[string]bool{},
		usage: map[model.ScanKind]int{},
	}
}

func (m *Memory) Close() error {
	return nil
}

func (m *Memory) CreateJob(ctx context.Context, job *model.ScanJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.jobs[job.ID] = copyJob(*job)
	return nil
}

func (m *Memory) GetJob(ctx context.Context, id string) (*model.ScanJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := copyJob(job)
	return &out, nil
}

func (m *Memory) ListJobs(ctx context.Context, limit int) ([]model.ScanJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	jobs := make([]model.ScanJob, 0, len(m.jobs))
	for _, j := range m.jobs {
		jobs = append(jobs, copyJob(j))
	}
	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})

	if limit <= 0 {
		limit = 50
	}
	if len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

func (m *Memory) UpdateJob(ctx context.Context, id string, from model.JobStatus, upd JobUpdate) error {
	if err := checkTransition(from, upd); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if job.Status != from {
		return ErrTransition
	}

	job.Status = upd.Status
	job.Score = upd.Score
	job.Error = upd.Error
	job.CompletedAt = upd.CompletedAt
	m.jobs[id] = copyJob(job)
	return nil
}

func (m *Memory) InsertFindings(ctx context.Context, findings []model.Finding) ([]model.Finding, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	inserted := []model.Finding{}
	for _, f := range findings {
		key := f.DedupKey()
		if m.open[key] {
			continue
		}

		if f.ID == "" {
			f.ID = uuid.New().String()
		}
		f.Status = model.FindingOpen
		if f.DiscoveredAt.IsZero() {
			f.DiscoveredAt = time.Now().UTC()
		}

		m.open[key] = true
		m.findings = append(m.findings, f)
		inserted = append(inserted, f)
	}
	return inserted, nil
}

func (m *Memory) OpenFindings(ctx context.Context, assetID string) ([]model.Finding, error) {
	return m.filter(func(f model.Finding) bool {
		return f.AssetID == assetID && f.Status == model.FindingOpen
	}), nil
}

func (m *Memory) LinkFindings(ctx context.Context, jobID string, findingIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	linked, ok := m.links[jobID]
	if !ok {
		linked = map[string]bool{}
		m.links[jobID] = linked
	}
	for _, id := range findingIDs {
		linked[id] = true
	}
	return nil
}

func (m *Memory) JobFindings(ctx context.Context, jobID string) ([]model.Finding, error) {
	m.mu.Lock()
	linked := m.links[jobID]
	m.mu.Unlock()

	return m.filter(func(f model.Finding) bool {
		return f.JobID == jobID || linked[f.ID]
	}), nil
}

func (m *Memory) ResolveFinding(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.findings {
		if m.findings[i].ID != id {
			continue
		}
		if m.findings[i].Status != model.FindingOpen {
			return ErrTransition
		}
		m.findings[i].Status = model.FindingResolved
		delete(m.open, m.findings[i].DedupKey())
		return nil
	}
	return ErrNotFound
}

func (m *Memory) IncrementUsage(ctx context.Context, kind model.ScanKind) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.usage[kind]++
	return nil
}

func (m *Memory) Usage(ctx context.Context) (map[model.ScanKind]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[model.ScanKind]int, len(m.usage))
	for k, v := range m.usage {
		out[k] = v
	}
	return out, nil
}

func (m *Memory) filter(keep func(model.Finding) bool) []model.Finding {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := []model.Finding{}
	for _, f := range m.findings {
		if keep(f) {
			out = append(out, f)
		}
	}
	return out
}

func copyJob(j model.ScanJob) model.ScanJob {
	if j.Score != nil {
		v := *j.Score
		j.Score = &v
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		j.CompletedAt = &t
	}
	j.Options.Ports = append([]int(nil), j.Options.Ports...)
	return j
}
