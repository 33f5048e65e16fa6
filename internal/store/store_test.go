package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/kvesta/vigil/pkg/model"
	"github.com/kvesta/vigil/pkg/severity"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testStore interface {
	Store
	UsageCounter
	Usage(ctx context.Context) (map[model.ScanKind]int, error)
}

func backends(t *testing.T) map[string]func(t *testing.T) testStore {
	return map[string]func(t *testing.T) testStore{
		"memory": func(t *testing.T) testStore {
			return NewMemory()
		},
		"sqlite": func(t *testing.T) testStore {
			s, err := OpenSQLite(filepath.Join(t.TempDir(), "vigil.db"))
			require.NoError(t, err)
			t.Cleanup(func() { s.Close() })
			return s
		},
	}
}

func newJob(id string) *model.ScanJob {
	return &model.ScanJob{
		ID:        id,
		Target:    "example.com",
		Kind:      model.KindNetwork,
		Status:    model.JobPending,
		Options:   model.ScanOptions{PortMode: model.PortModeCustom, Ports: []int{80, 443}},
		CreatedAt: time.Now().UTC(),
	}
}

func finding(asset, title string) model.Finding {
	return model.Finding{
		JobID:     "job-1",
		Severity:  severity.High,
		Title:     title,
		Source:    model.SourceNetwork,
		CVSSScore: model.Float(7.5),
		AssetID:   asset,
		AssetName: asset,
		Detail:    model.NetworkDetail{Host: asset, Port: 6379, Service: "redis"},
	}
}

func TestJobLifecycle(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			ctx := context.Background()

			job := newJob("job-1")
			require.NoError(t, s.CreateJob(ctx, job))

			got, err := s.GetJob(ctx, "job-1")
			require.NoError(t, err)
			assert.Equal(t, model.JobPending, got.Status)
			assert.Nil(t, got.Score)
			assert.Nil(t, got.CompletedAt)
			assert.Equal(t, []int{80, 443}, got.Options.Ports)
			assert.WithinDuration(t, job.CreatedAt, got.CreatedAt, time.Millisecond)

			err = s.UpdateJob(ctx, "job-1", model.JobPending, JobUpdate{Status: model.JobCompleted})
			assert.ErrorIs(t, err, ErrTransition)

			require.NoError(t, s.UpdateJob(ctx, "job-1", model.JobPending, JobUpdate{Status: model.JobProcessing}))

			score := 77
			done := time.Now().UTC()
			require.NoError(t, s.UpdateJob(ctx, "job-1", model.JobProcessing, JobUpdate{
				Status:      model.JobCompleted,
				Score:       &score,
				CompletedAt: &done,
			}))

			err = s.UpdateJob(ctx, "job-1", model.JobProcessing, JobUpdate{Status: model.JobFailed, Error: "late"})
			assert.ErrorIs(t, err, ErrTransition)

			got, err = s.GetJob(ctx, "job-1")
			require.NoError(t, err)
			assert.Equal(t, model.JobCompleted, got.Status)
			require.NotNil(t, got.Score)
			assert.Equal(t, 77, *got.Score)
			require.NotNil(t, got.CompletedAt)
			assert.Empty(t, got.Error)
		})
	}
}

func TestMissingJob(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			ctx := context.Background()

			_, err := s.GetJob(ctx, "nope")
			assert.ErrorIs(t, err, ErrNotFound)

			err = s.UpdateJob(ctx, "nope", model.JobPending, JobUpdate{Status: model.JobProcessing})
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestSingleTerminalTransition(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			ctx := context.Background()

			require.NoError(t, s.CreateJob(ctx, newJob("job-1")))
			require.NoError(t, s.UpdateJob(ctx, "job-1", model.JobPending, JobUpdate{Status: model.JobProcessing}))

			var (
				wg  sync.WaitGroup
				mu  sync.Mutex
				won int
			)
			for i := 0; i < 8; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					to := model.JobCompleted
					if i%2 == 1 {
						to = model.JobFailed
					}
					if s.UpdateJob(ctx, "job-1", model.JobProcessing, JobUpdate{Status: to}) == nil {
						mu.Lock()
						won++
						mu.Unlock()
					}
				}(i)
			}
			wg.Wait()

			assert.Equal(t, 1, won)
		})
	}
}

func TestListJobs(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			ctx := context.Background()

			for i, id := range []string{"a", "b", "c"} {
				job := newJob(id)
				job.CreatedAt = time.Now().UTC().Add(time.Duration(i) * time.Second)
				require.NoError(t, s.CreateJob(ctx, job))
			}

			jobs, err := s.ListJobs(ctx, 2)
			require.NoError(t, err)
			require.Len(t, jobs, 2)
			assert.Equal(t, "c", jobs[0].ID)
			assert.Equal(t, "b", jobs[1].ID)
		})
	}
}

func TestInsertFindingsSkipsOpenDuplicates(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			ctx := context.Background()

			first, err := s.InsertFindings(ctx, []model.Finding{
				finding("10.0.0.5", "Redis exposed"),
				finding("10.0.0.5", "Redis exposed"),
				finding("10.0.0.5", "Telnet exposed"),
			})
			require.NoError(t, err)
			require.Len(t, first, 2)
			for _, f := range first {
				assert.NotEmpty(t, f.ID)
				assert.Equal(t, model.FindingOpen, f.Status)
				assert.False(t, f.DiscoveredAt.IsZero())
			}

			again, err := s.InsertFindings(ctx, []model.Finding{finding("10.0.0.5", "redis exposed ")})
			require.NoError(t, err)
			assert.Empty(t, again)

			other, err := s.InsertFindings(ctx, []model.Finding{finding("10.0.0.6", "Redis exposed")})
			require.NoError(t, err)
			assert.Len(t, other, 1)

			openFindings, err := s.OpenFindings(ctx, "10.0.0.5")
			require.NoError(t, err)
			require.Len(t, openFindings, 2)

			detail, ok := openFindings[0].Detail.(model.NetworkDetail)
			require.True(t, ok)
			assert.Equal(t, 6379, detail.Port)
			require.NotNil(t, openFindings[0].CVSSScore)
			assert.Equal(t, 7.5, *openFindings[0].CVSSScore)

			byJob, err := s.JobFindings(ctx, "job-1")
			require.NoError(t, err)
			assert.Len(t, byJob, 3)
		})
	}
}

func TestLinkFindings(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			ctx := context.Background()

			first, err := s.InsertFindings(ctx, []model.Finding{
				finding("10.0.0.5", "Redis exposed"),
				finding("10.0.0.5", "Telnet exposed"),
			})
			require.NoError(t, err)
			require.Len(t, first, 2)

			later := finding("10.0.0.5", "SSH exposed")
			later.JobID = "job-2"
			_, err = s.InsertFindings(ctx, []model.Finding{later})
			require.NoError(t, err)

			require.NoError(t, s.LinkFindings(ctx, "job-2", []string{first[0].ID}))
			require.NoError(t, s.LinkFindings(ctx, "job-2", []string{first[0].ID}))

			byJob, err := s.JobFindings(ctx, "job-2")
			require.NoError(t, err)
			require.Len(t, byJob, 2)

			titles := []string{byJob[0].Title, byJob[1].Title}
			assert.ElementsMatch(t, []string{"Redis exposed", "SSH exposed"}, titles)

			original, err := s.JobFindings(ctx, "job-1")
			require.NoError(t, err)
			assert.Len(t, original, 2)
		})
	}
}

func TestResolveFinding(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			ctx := context.Background()

			inserted, err := s.InsertFindings(ctx, []model.Finding{finding("10.0.0.5", "Redis exposed")})
			require.NoError(t, err)
			require.Len(t, inserted, 1)
			id := inserted[0].ID

			require.NoError(t, s.ResolveFinding(ctx, id))
			assert.ErrorIs(t, s.ResolveFinding(ctx, id), ErrTransition)
			assert.ErrorIs(t, s.ResolveFinding(ctx, "missing"), ErrNotFound)

			openFindings, err := s.OpenFindings(ctx, "10.0.0.5")
			require.NoError(t, err)
			assert.Empty(t, openFindings)

			reopened, err := s.InsertFindings(ctx, []model.Finding{finding("10.0.0.5", "Redis exposed")})
			require.NoError(t, err)
			assert.Len(t, reopened, 1)
		})
	}
}

func TestUsage(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			ctx := context.Background()

			require.NoError(t, s.IncrementUsage(ctx, model.KindWeb))
			require.NoError(t, s.IncrementUsage(ctx, model.KindWeb))
			require.NoError(t, s.IncrementUsage(ctx, model.KindFull))

			usage, err := s.Usage(ctx)
			require.NoError(t, err)
			assert.Equal(t, map[model.ScanKind]int{model.KindWeb: 2, model.KindFull: 1}, usage)
		})
	}
}
