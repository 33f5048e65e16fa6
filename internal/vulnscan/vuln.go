package vulnscan

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/kvesta/vigil/internal/logger"
	"github.com/kvesta/vigil/pkg/match"
	"github.com/kvesta/vigil/pkg/model"
	"github.com/kvesta/vigil/pkg/packages"
	"github.com/kvesta/vigil/pkg/severity"
	"github.com/kvesta/vigil/pkg/vulnlib"
)

// ResolveDependencies issues one batched directory lookup for all
// declarations and turns every match into a finding. Directory failures
// degrade the result instead of failing it.
func (r *Resolver) ResolveDependencies(ctx context.Context, decls []packages.Declaration, eco packages.Ecosystem) model.Result {
	log := logger.Scanner("dependency").WithField("ecosystem", eco)

	decls = filterEcosystem(decls, eco)
	findings := r.checkNames(decls)

	if len(decls) == 0 {
		return model.Ok(model.SourceDependency, findings)
	}

	queries := make([]vulnlib.Query, 0, len(decls))
	for _, d := range decls {
		queries = append(queries, vulnlib.Query{
			Ecosystem: string(d.Ecosystem),
			Name:      d.Name,
			Version:   d.Version,
		})
	}

	log.Infof("querying %d packages", len(queries))

	matches, err := r.queryWithRetry(ctx, queries, log)
	if err != nil {
		log.Warnf("vulnerability directory unavailable, no advisories for this scan: %v", err)
		return model.Degrade(model.SourceDependency,
			model.NewError(model.UpstreamUnavailable, "vulnerability directory", err), findings)
	}

	for i, advisories := range matches {
		if i >= len(decls) {
			break
		}
		for _, a := range advisories {
			findings = append(findings, advisoryFinding(decls[i], a))
		}
	}

	model.SortFindings(findings)
	log.Infof("%d findings", len(findings))

	return model.Ok(model.SourceDependency, findings)
}

func (r *Resolver) queryWithRetry(ctx context.Context, queries []vulnlib.Query, log *logrus.Entry) ([][]vulnlib.Advisory, error) {
	if r.Directory == nil {
		return nil, errors.New("no directory configured")
	}

	attempts := r.Attempts
	if attempts <= 0 {
		attempts = 1
	}

	backoff := wait.Backoff{
		Duration: r.Backoff,
		Factor:   2,
		Jitter:   0.1,
		Steps:    attempts,
	}

	var result [][]vulnlib.Advisory
	var lastErr error
	attempt := 0

	err := wait.ExponentialBackoffWithContext(ctx, backoff, func(ctx context.Context) (bool, error) {
		attempt++
		res, err := r.Directory.QueryBatch(ctx, queries)
		if err == nil {
			result = res
			return true, nil
		}

		lastErr = err
		if !retryable(err) || ctx.Err() != nil {
			return false, err
		}
		log.Debugf("directory attempt %d/%d failed: %v", attempt, attempts, err)
		return false, nil
	})

	if err != nil {
		if wait.Interrupted(err) && lastErr != nil {
			return nil, fmt.Errorf("after %d attempts: %w", attempt, lastErr)
		}
		return nil, err
	}

	return result, nil
}

// retryable rejects client errors other than throttling; those will not
// succeed on a second try.
func retryable(err error) bool {
	var se *vulnlib.StatusError
	if errors.As(err, &se) {
		return se.Code == http.StatusTooManyRequests || se.Code >= 500
	}
	return !errors.Is(err, context.Canceled)
}

func filterEcosystem(decls []packages.Declaration, eco packages.Ecosystem) []packages.Declaration {
	out := make([]packages.Declaration, 0, len(decls))
	for _, d := range decls {
		if d.Ecosystem == "" {
			d.Ecosystem = eco
		}
		if eco != "" && d.Ecosystem != eco {
			continue
		}
		out = append(out, d)
	}
	return out
}

func advisoryFinding(d packages.Declaration, a vulnlib.Advisory) model.Finding {
	fixed := a.FixedFor(string(d.Ecosystem), d.Name, d.Version)

	level := a.Severity
	if a.Score != nil {
		level = severity.FromScore(*a.Score)
	}

	title := a.Summary
	if title == "" {
		title = a.Identifier()
	}

	remediation := fmt.Sprintf("No fixed version of %s is published; consider replacing the package.", d.Name)
	if fixed != "" {
		remediation = fmt.Sprintf("Upgrade %s to %s or later", d.Name, fixed)
	}

	desc := a.Details
	if desc == "" {
		desc = title
	}

	cwe := ""
	if len(a.CWEIDs) > 0 {
		cwe = a.CWEIDs[0]
	}

	return model.Finding{
		Severity:    level,
		Title:       fmt.Sprintf("%s in %s@%s", strings.TrimSpace(title), d.Name, d.Version),
		Description: desc,
		Remediation: remediation,
		Source:      model.SourceDependency,
		CVEID:       a.Identifier(),
		CWEID:       cwe,
		CVSSScore:   a.Score,
		AssetID:     assetID(d),
		AssetName:   d.String(),
		Status:      model.FindingOpen,
		Detail: model.DependencyDetail{
			Package:      d.Name,
			Version:      d.Version,
			Ecosystem:    string(d.Ecosystem),
			FixedVersion: fixed,
			AdvisoryID:   a.ID,
		},
	}
}

// checkNames flags typosquatted and known malicious package names.
func (r *Resolver) checkNames(decls []packages.Declaration) []model.Finding {
	findings := []model.Finding{}
	if !r.Typosquat {
		return findings
	}

	for _, d := range decls {
		s := match.Match(string(d.Ecosystem), d.Name)
		if s.Types == match.Unknown {
			continue
		}

		f := model.Finding{
			Source:    model.SourceDependency,
			AssetID:   assetID(d),
			AssetName: d.String(),
			Status:    model.FindingOpen,
			Detail: model.DependencyDetail{
				Package:   d.Name,
				Version:   d.Version,
				Ecosystem: string(d.Ecosystem),
			},
		}

		switch s.Types {
		case match.Malware:
			f.Severity = severity.Critical
			f.Title = fmt.Sprintf("Known malicious package %s", d.Name)
			f.Description = fmt.Sprintf("Package '%s' is a known malicious package imitating '%s'.", d.Name, s.OriginPack)
			f.Remediation = fmt.Sprintf("Remove %s and use %s instead", d.Name, s.OriginPack)
		case match.Confusion:
			f.Severity = severity.Medium
			f.Title = fmt.Sprintf("Package name %s resembles %s", d.Name, s.OriginPack)
			f.Description = fmt.Sprintf("Package '%s' is suspected to be a typosquat of '%s'.", d.Name, s.OriginPack)
			f.Remediation = fmt.Sprintf("Check that %s is the intended dependency", d.Name)
		}

		findings = append(findings, f)
	}

	return findings
}

func assetID(d packages.Declaration) string {
	return fmt.Sprintf("pkg:%s/%s@%s", strings.ToLower(string(d.Ecosystem)), d.Name, d.Version)
}
