package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/kvesta/vigil/internal/aggregate"
	"github.com/kvesta/vigil/internal/analyzer"
	"github.com/kvesta/vigil/internal/logger"
	"github.com/kvesta/vigil/internal/store"
	"github.com/kvesta/vigil/pkg/model"
	"github.com/kvesta/vigil/pkg/packages"
	"github.com/kvesta/vigil/pkg/portscan"
	"github.com/kvesta/vigil/pkg/webscan"
)

const (
	DefaultTimeout = 30 * time.Minute

	usageTimeout = 5 * time.Second
	finalTimeout = 10 * time.Second
)

var ErrShutdown = errors.New("engine: shut down")

// defaultWriteBackoff spaces the retries of a job status write.
var defaultWriteBackoff = wait.Backoff{Duration: 200 * time.Millisecond, Factor: 2, Steps: 4}

type PortScanner interface {
	ScanHost(ctx context.Context, host string, ports []int, timeout time.Duration, maxConcurrency int) (*portscan.HostScanResult, error)
}

type WebAnalyzer interface {
	AnalyzeURL(ctx context.Context, raw string) (*webscan.Report, error)
}

type DependencyResolver interface {
	ResolveDependencies(ctx context.Context, decls []packages.Declaration, eco packages.Ecosystem) model.Result
}

type ContainerAuditor interface {
	Audit(ctx context.Context, in analyzer.Input) model.Result
}

// Presets are the port budgets per scan mode. Custom carries no ports;
// they come from the scan options.
type Presets struct {
	Quick  portscan.Preset
	Full   portscan.Preset
	Custom portscan.Preset
}

func DefaultPresets() Presets {
	return Presets{
		Quick:  portscan.Quick(time.Second, 24),
		Full:   portscan.Full(2*time.Second, 100),
		Custom: portscan.Preset{Name: "custom", Timeout: 2 * time.Second, Concurrency: 50},
	}
}

type Config struct {
	Store     store.Store
	Usage     store.UsageCounter
	Ports     PortScanner
	Web       WebAnalyzer
	Deps      DependencyResolver
	Container ContainerAuditor
	Presets   Presets
	// Timeout is the ceiling for one scan job.
	Timeout time.Duration
}

// Engine runs scan jobs in the background. Every job gets exactly one
// task, and every task ends in exactly one terminal transition.
type Engine struct {
	cfg        Config
	aggregator *aggregate.Aggregator

	root   context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	tasks  map[string]chan struct{}
	wg     sync.WaitGroup

	writeBackoff wait.Backoff
	now          func() time.Time
}

func New(cfg Config) *Engine {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Presets.Quick.Ports == nil {
		cfg.Presets = DefaultPresets()
	}

	root, cancel := context.WithCancel(context.Background())

	return &Engine{
		cfg:        cfg,
		aggregator: aggregate.New(cfg.Store),
		root:       root,
		cancel:     cancel,
		tasks:      map[string]chan struct{}{},

		writeBackoff: defaultWriteBackoff,
		now:          time.Now,
	}
}

// StartScan records a PENDING job and returns its id right away. The scan
// runs detached from ctx, bounded by the engine lifetime and the scan
// timeout.
func (e *Engine) StartScan(ctx context.Context, target string, kind model.ScanKind, opts model.ScanOptions) (string, error) {
	if _, err := model.ParseKind(string(kind)); err != nil {
		return "", err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return "", ErrShutdown
	}

	job := &model.ScanJob{
		ID:        uuid.New().String(),
		Target:    target,
		Kind:      kind,
		Status:    model.JobPending,
		Options:   opts,
		CreatedAt: e.now().UTC(),
	}
	if err := e.cfg.Store.CreateJob(ctx, job); err != nil {
		return "", fmt.Errorf("create job: %w", err)
	}

	done := make(chan struct{})
	e.tasks[job.ID] = done
	e.wg.Add(1)

	go e.run(*job, done)

	logger.Job(job.ID).WithField("kind", kind).Infof("scan of %s queued", target)

	return job.ID, nil
}

// GetJob reads a job and its findings. FAILED and unfinished jobs have no
// findings.
func (e *Engine) GetJob(ctx context.Context, id string) (*model.ScanJob, []model.Finding, error) {
	job, err := e.cfg.Store.GetJob(ctx, id)
	if err != nil {
		return nil, nil, err
	}

	if job.Status != model.JobCompleted {
		job.Score = nil
		return job, []model.Finding{}, nil
	}

	findings, err := e.cfg.Store.JobFindings(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	model.SortFindings(findings)

	return job, findings, nil
}

// Done is closed once the job reached a terminal state. Jobs this engine
// is not running report as done.
func (e *Engine) Done(id string) <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()

	if done, ok := e.tasks[id]; ok {
		return done
	}
	done := make(chan struct{})
	close(done)
	return done
}

// Wait blocks until the job is terminal, then reads it.
func (e *Engine) Wait(ctx context.Context, id string) (*model.ScanJob, []model.Finding, error) {
	select {
	case <-e.Done(id):
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
	return e.GetJob(ctx, id)
}

// Shutdown stops accepting scans, cancels the running ones and waits for
// their tasks to record a terminal state.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()

	e.cancel()

	finished := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) run(job model.ScanJob, done chan struct{}) {
	log := logger.Job(job.ID)

	defer func() {
		e.mu.Lock()
		delete(e.tasks, job.ID)
		e.mu.Unlock()
		close(done)
		e.wg.Done()
	}()

	err := e.transition(job.ID, model.JobPending, store.JobUpdate{Status: model.JobProcessing})
	if err != nil {
		log.Errorf("failed to start job: %v", err)
		return
	}

	ctx, cancel := context.WithTimeout(e.root, e.cfg.Timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			log.Errorf("scan pipeline panic: %v\n%s", r, debug.Stack())
			e.fail(job, model.NewError(model.PipelineFailure, "pipeline", fmt.Errorf("panic: %v", r)))
		}
	}()

	start := e.now()
	log.Infof("scan of %s started", job.Target)

	results, asset, err := e.dispatch(ctx, job)
	if err == nil {
		err = interrupted(ctx)
	}
	if err != nil {
		e.fail(job, err)
		return
	}

	outcome, err := e.aggregator.Aggregate(ctx, results, asset)
	if err != nil {
		e.fail(job, model.NewError(model.PipelineFailure, "aggregate", err))
		return
	}

	score := outcome.Score
	completed := e.now().UTC()

	err = e.transition(job.ID, model.JobProcessing, store.JobUpdate{
		Status:      model.JobCompleted,
		Score:       &score,
		CompletedAt: &completed,
	})
	if err != nil {
		e.fail(job, model.NewError(model.PipelineFailure, "complete", err))
		return
	}

	log.WithField("score", score).
		WithField("new", len(outcome.New)).
		WithField("skipped", outcome.Skipped).
		Infof("scan completed in %s", e.now().Sub(start).Round(time.Millisecond))

	e.countUsage(job)
}

// fail records the terminal FAILED state. The write does not use the scan
// context since that may be the reason for the failure.
func (e *Engine) fail(job model.ScanJob, cause error) {
	log := logger.Job(job.ID)

	completed := e.now().UTC()
	err := e.transition(job.ID, model.JobProcessing, store.JobUpdate{
		Status:      model.JobFailed,
		Error:       cause.Error(),
		CompletedAt: &completed,
	})
	if err != nil {
		log.Errorf("failed to record job failure: %v", err)
		return
	}

	log.WithField("kind", model.KindOf(cause)).Warnf("scan failed: %v", cause)
}

// transition writes a status change, retrying transient store errors. A
// job that already left from is not retried.
func (e *Engine) transition(id string, from model.JobStatus, upd store.JobUpdate) error {
	var lastErr error

	err := wait.ExponentialBackoff(e.writeBackoff, func() (bool, error) {
		ctx, cancel := context.WithTimeout(context.Background(), finalTimeout)
		defer cancel()

		lastErr = e.cfg.Store.UpdateJob(ctx, id, from, upd)
		switch {
		case lastErr == nil:
			return true, nil
		case errors.Is(lastErr, store.ErrTransition), errors.Is(lastErr, store.ErrNotFound):
			return false, lastErr
		}
		logger.Job(id).Debugf("job %s write failed: %v", upd.Status, lastErr)
		return false, nil
	})

	if wait.Interrupted(err) && lastErr != nil {
		return lastErr
	}
	return err
}

// countUsage is best effort and never holds up the job.
func (e *Engine) countUsage(job model.ScanJob) {
	if e.cfg.Usage == nil {
		return
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), usageTimeout)
		defer cancel()

		if err := e.cfg.Usage.IncrementUsage(ctx, job.Kind); err != nil {
			logger.Job(job.ID).Warnf("usage accounting failed: %v", err)
		}
	}()
}

func interrupted(ctx context.Context) error {
	switch err := ctx.Err(); {
	case errors.Is(err, context.DeadlineExceeded):
		return model.NewError(model.PipelineFailure, "scan", fmt.Errorf("scan timed out"))
	case errors.Is(err, context.Canceled):
		return model.NewError(model.PipelineFailure, "scan", fmt.Errorf("scan cancelled"))
	}
	return nil
}
