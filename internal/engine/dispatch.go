package engine

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/kvesta/vigil/internal/aggregate"
	"github.com/kvesta/vigil/internal/analyzer"
	"github.com/kvesta/vigil/internal/logger"
	"github.com/kvesta/vigil/pkg/model"
	"github.com/kvesta/vigil/pkg/packages"
	"github.com/kvesta/vigil/pkg/portscan"
	"github.com/kvesta/vigil/pkg/webscan"
)

// errScannerPanic marks a scanner that crashed. The job fails even when
// other scanners succeeded.
var errScannerPanic = errors.New("scanner panic")

type task struct {
	name string
	run  func(ctx context.Context) model.Result
}

// dispatch runs the scanners implied by the job kind in parallel. Scanner
// errors come back inside the results; the returned error is a pipeline
// failure, or the target-level error of a single-scanner job.
func (e *Engine) dispatch(ctx context.Context, job model.ScanJob) ([]model.Result, aggregate.Asset, error) {
	tasks, asset, err := e.plan(job)
	if err != nil {
		return nil, asset, err
	}
	asset.JobID = job.ID

	results := make([]model.Result, len(tasks))
	g, gctx := errgroup.WithContext(ctx)

	for i, t := range tasks {
		i, t := i, t
		g.Go(func() error {
			log := logger.Job(job.ID).WithField("scanner", t.name)
			log.Debug("scanner started")

			defer func() {
				if r := recover(); r != nil {
					log.Errorf("scanner panic: %v\n%s", r, debug.Stack())
					results[i] = model.Degrade(model.Source(t.name),
						model.NewError(model.PipelineFailure, t.name, fmt.Errorf("%w: %v", errScannerPanic, r)), nil)
				}
			}()

			results[i] = t.run(gctx)

			if results[i].Degraded {
				log.WithField("kind", results[i].Kind).Warnf("scanner degraded: %v", results[i].Err)
			} else {
				log.WithField("findings", len(results[i].Findings)).Debug("scanner finished")
			}
			return nil
		})
	}
	_ = g.Wait()

	for _, r := range results {
		if errors.Is(r.Err, errScannerPanic) {
			return nil, asset, r.Err
		}
	}

	if len(results) == 1 && results[0].Degraded && results[0].Kind.TargetLevel() {
		return nil, asset, results[0].Err
	}

	return results, asset, nil
}

// plan parses the target for the job kind and picks the scanners.
func (e *Engine) plan(job model.ScanJob) ([]task, aggregate.Asset, error) {
	opts := job.Options

	switch job.Kind {
	case model.KindNetwork:
		host, err := hostOf(job.Target)
		if err != nil {
			return nil, aggregate.Asset{}, err
		}
		t, err := e.portTask(host, opts)
		if err != nil {
			return nil, aggregate.Asset{}, err
		}
		return []task{t}, aggregate.Asset{ID: "host:" + strings.ToLower(host), Name: host}, nil

	case model.KindWeb:
		u, err := webscan.ParseTarget(job.Target)
		if err != nil {
			return nil, aggregate.Asset{}, model.NewError(model.PipelineFailure, "parse url", err)
		}
		return []task{e.webTask(u)}, aggregate.Asset{ID: "url:" + u.String(), Name: u.String()}, nil

	case model.KindDependency:
		t, name, err := e.dependencyTask(job.Target, opts)
		if err != nil {
			return nil, aggregate.Asset{}, err
		}
		return []task{t}, aggregate.Asset{ID: "manifest:" + name, Name: name}, nil

	case model.KindContainer:
		in, err := containerInput(job.Target, opts)
		if err != nil {
			return nil, aggregate.Asset{}, err
		}
		return []task{e.containerTask(in)}, containerAsset(in), nil

	case model.KindFull:
		u, err := webscan.ParseTarget(job.Target)
		if err != nil {
			return nil, aggregate.Asset{}, model.NewError(model.PipelineFailure, "parse url", err)
		}
		pt, err := e.portTask(u.Hostname(), opts)
		if err != nil {
			return nil, aggregate.Asset{}, err
		}
		tasks := []task{pt, e.webTask(u)}

		if opts.Manifest != "" {
			dt, _, err := e.dependencyTask(opts.ManifestName, opts)
			if err != nil {
				return nil, aggregate.Asset{}, err
			}
			tasks = append(tasks, dt)
		}
		if opts.Dockerfile != "" || opts.Image != "" {
			tasks = append(tasks, e.containerTask(analyzer.Input{
				Name:       "Dockerfile",
				Dockerfile: opts.Dockerfile,
				Image:      opts.Image,
				UseDaemon:  opts.UseDaemon,
			}))
		}
		return tasks, aggregate.Asset{ID: "url:" + u.String(), Name: u.String()}, nil
	}

	return nil, aggregate.Asset{}, model.NewError(model.PipelineFailure, "plan", fmt.Errorf("unknown scan kind %q", job.Kind))
}

func (e *Engine) portTask(host string, opts model.ScanOptions) (task, error) {
	if e.cfg.Ports == nil {
		return task{}, model.NewError(model.PipelineFailure, "plan", fmt.Errorf("no port scanner configured"))
	}

	preset, err := e.preset(opts)
	if err != nil {
		return task{}, model.NewError(model.PipelineFailure, "ports", err)
	}

	return task{name: "network", run: func(ctx context.Context) model.Result {
		res, err := e.cfg.Ports.ScanHost(ctx, host, preset.Ports, preset.Timeout, preset.Concurrency)
		if err != nil {
			return model.Degrade(model.SourceNetwork, err, nil)
		}
		return model.Ok(model.SourceNetwork, res.Findings)
	}}, nil
}

func (e *Engine) preset(opts model.ScanOptions) (portscan.Preset, error) {
	p := e.cfg.Presets
	switch opts.PortMode {
	case "", model.PortModeQuick:
		return p.Quick, nil
	case model.PortModeFull:
		return p.Full, nil
	case model.PortModeCustom:
		if len(opts.Ports) == 0 {
			return portscan.Preset{}, fmt.Errorf("custom port mode needs a port list")
		}
		return portscan.Custom(opts.Ports, p.Custom.Timeout, p.Custom.Concurrency)
	}
	return portscan.Preset{}, fmt.Errorf("unknown port mode %q", opts.PortMode)
}

// webTask fails the job only when the host name does not resolve. Any other
// fetch error degrades the result and keeps the TLS and DNS findings.
func (e *Engine) webTask(u *url.URL) task {
	return task{name: "web", run: func(ctx context.Context) model.Result {
		if e.cfg.Web == nil {
			return model.Degrade(model.SourceWeb, model.NewError(model.PipelineFailure, "web", fmt.Errorf("no web analyzer configured")), nil)
		}

		rep, err := e.cfg.Web.AnalyzeURL(ctx, u.String())
		if err != nil {
			return model.Degrade(model.SourceWeb, err, nil)
		}

		res := model.Ok(model.SourceWeb, rep.Findings, rep.Penalties...)
		if rep.Degraded() {
			kind := model.UpstreamUnavailable
			if rep.Headers.Unresolved {
				kind = model.ResolutionError
			}
			res.Degraded = true
			res.Kind = kind
			res.Err = model.NewError(kind, "fetch "+u.String(), errors.New(rep.Headers.Error))
		}
		return res
	}}
}

// dependencyTask parses the manifest up front: a document that cannot be
// parsed at all fails the job.
func (e *Engine) dependencyTask(target string, opts model.ScanOptions) (task, string, error) {
	if e.cfg.Deps == nil {
		return task{}, "", model.NewError(model.PipelineFailure, "plan", fmt.Errorf("no dependency resolver configured"))
	}

	name := opts.ManifestName
	data := []byte(opts.Manifest)
	if opts.Manifest == "" {
		raw, err := os.ReadFile(target)
		if err != nil {
			return task{}, "", model.NewError(model.PipelineFailure, "read manifest", err)
		}
		data = raw
	}
	if name == "" {
		name = target
	}

	dialect := packages.DetectDialect(name, data)
	if opts.ManifestDialect != "" {
		d, err := packages.ParseDialect(opts.ManifestDialect)
		if err != nil {
			return task{}, "", model.NewError(model.PipelineFailure, "dialect", err)
		}
		dialect = d
	}

	manifest, err := packages.Parse(dialect, data)
	if err != nil {
		return task{}, "", err
	}

	eco := dialect.Ecosystem()
	if opts.Ecosystem != "" {
		eco, err = packages.ParseEcosystem(opts.Ecosystem)
		if err != nil {
			return task{}, "", model.NewError(model.PipelineFailure, "ecosystem", err)
		}
	}

	for _, w := range manifest.Warnings {
		logger.Scanner("dependency").Debugf("skipped entry: %v", w)
	}

	base := filepath.Base(name)
	if base == "." || base == "/" {
		base = string(dialect)
	}

	return task{name: "dependency", run: func(ctx context.Context) model.Result {
		return e.cfg.Deps.ResolveDependencies(ctx, manifest.Declarations, eco)
	}}, base, nil
}

func (e *Engine) containerTask(in analyzer.Input) task {
	return task{name: "container", run: func(ctx context.Context) model.Result {
		if e.cfg.Container == nil {
			return model.Degrade(model.SourceContainer, model.NewError(model.PipelineFailure, "container", fmt.Errorf("no container auditor configured")), nil)
		}
		return e.cfg.Container.Audit(ctx, in)
	}}
}

// containerInput reads the target as a Dockerfile path when it names a
// file, as the Dockerfile label when the text comes with the options, and
// otherwise as an image reference.
func containerInput(target string, opts model.ScanOptions) (analyzer.Input, error) {
	in := analyzer.Input{
		Name:       "Dockerfile",
		Dockerfile: opts.Dockerfile,
		Image:      opts.Image,
		UseDaemon:  opts.UseDaemon,
	}

	target = strings.TrimSpace(target)
	st, statErr := os.Stat(target)
	switch {
	case target == "":
	case statErr == nil && !st.IsDir():
		if in.Dockerfile == "" {
			data, err := os.ReadFile(target)
			if err != nil {
				return in, model.NewError(model.PipelineFailure, "read dockerfile", err)
			}
			in.Dockerfile = string(data)
		}
		in.Name = target
	case in.Dockerfile != "":
		in.Name = target
	case in.Image == "":
		in.Image = target
	}

	if strings.TrimSpace(in.Dockerfile) == "" && in.Image == "" {
		return in, model.NewError(model.PipelineFailure, "plan", fmt.Errorf("nothing to audit: no Dockerfile or image given"))
	}
	return in, nil
}

func containerAsset(in analyzer.Input) aggregate.Asset {
	if in.Image != "" {
		return aggregate.Asset{ID: "image:" + in.Image, Name: in.Image}
	}
	return aggregate.Asset{ID: "dockerfile:" + in.Name, Name: in.Name}
}

// hostOf accepts a bare host, host:port or a URL.
func hostOf(target string) (string, error) {
	target = strings.TrimSpace(target)
	if target == "" {
		return "", model.NewError(model.PipelineFailure, "parse host", fmt.Errorf("empty target"))
	}

	if strings.Contains(target, "://") {
		u, err := url.Parse(target)
		if err != nil || u.Hostname() == "" {
			return "", model.NewError(model.PipelineFailure, "parse host", fmt.Errorf("invalid target %q", target))
		}
		return u.Hostname(), nil
	}

	if host, _, err := net.SplitHostPort(target); err == nil {
		return host, nil
	}
	if strings.ContainsAny(target, "/ ") {
		return "", model.NewError(model.PipelineFailure, "parse host", fmt.Errorf("invalid target %q", target))
	}
	return strings.Trim(target, "[]"), nil
}
