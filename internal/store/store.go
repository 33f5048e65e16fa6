package store

import (
	"context"
	"errors"
	"time"

	"github.com/kvesta/vigil/pkg/model"
)

var (
	ErrNotFound   = errors.New("store: not found")
	ErrTransition = errors.New("store: status transition not allowed")
)

// JobUpdate is applied together with a status change.
type JobUpdate struct {
	Status      model.JobStatus
	Score       *int
	Error       string
	CompletedAt *time.Time
}

// Store persists jobs and findings. Implementations are safe for
// concurrent use.
type Store interface {
	CreateJob(ctx context.Context, job *model.ScanJob) error
	GetJob(ctx context.Context, id string) (*model.ScanJob, error)
	ListJobs(ctx context.Context, limit int) ([]model.ScanJob, error)

	// UpdateJob moves a job from status from to upd.Status. It fails with
	// ErrTransition when the job is no longer in from or the move is not
	// part of the state machine.
	UpdateJob(ctx context.Context, id string, from model.JobStatus, upd JobUpdate) error

	// InsertFindings stores findings as OPEN and returns the ones that
	// were inserted. A finding whose dedup key already has an OPEN row is
	// skipped.
	InsertFindings(ctx context.Context, findings []model.Finding) ([]model.Finding, error)
	OpenFindings(ctx context.Context, assetID string) ([]model.Finding, error)

	// LinkFindings records that a job observed findings first stored by
	// an earlier job.
	LinkFindings(ctx context.Context, jobID string, findingIDs []string) error
	// JobFindings returns the findings a job inserted or linked.
	JobFindings(ctx context.Context, jobID string) ([]model.Finding, error)
	ResolveFinding(ctx context.Context, id string) error

	Close() error
}

// UsageCounter records completed scans for quota accounting.
type UsageCounter interface {
	IncrementUsage(ctx context.Context, kind model.ScanKind) error
}

func checkTransition(from model.JobStatus, upd JobUpdate) error {
	if !from.CanTransition(upd.Status) {
		return ErrTransition
	}
	return nil
}
