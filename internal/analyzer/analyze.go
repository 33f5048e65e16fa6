package analyzer

import (
	"context"
	"strings"

	"github.com/kvesta/vigil/internal/logger"
	"github.com/kvesta/vigil/pkg/model"
)

// Audit runs the Dockerfile rules, the known-image lookup and, when asked
// and a daemon is available, the image history checks. A history failure
// degrades the result but keeps the static findings.
func (a *Auditor) Audit(ctx context.Context, in Input) model.Result {
	log := logger.Scanner("container")

	tlist := []*threat{}
	refs := []string{}

	if strings.TrimSpace(in.Dockerfile) != "" {
		insts := parseDockerfile(in.Dockerfile)
		tlist = append(tlist, a.evaluate(insts, "line", in.Image)...)

		for _, inst := range insts {
			if inst.Cmd != "FROM" {
				continue
			}
			ref, _ := fromImage(inst.Args)
			if ref != "" && !strings.EqualFold(ref, "scratch") {
				refs = append(refs, ref)
			}
		}
	}

	if in.Image != "" {
		refs = append(refs, in.Image)
	}
	tlist = append(tlist, a.CheckKnownImages(refs)...)

	var histErr error
	if in.UseDaemon && in.Image != "" {
		if a.History == nil {
			histErr = model.NewError(model.UpstreamUnavailable, "docker history", errNoDaemon)
		} else if th, err := a.CheckHistory(ctx, in.Image); err != nil {
			histErr = model.NewError(model.UpstreamUnavailable, "docker history", err)
		} else {
			tlist = append(tlist, th...)
		}
	}

	sortSeverity(tlist)
	findings := a.toFindings(tlist, in)

	log.WithField("findings", len(findings)).Debug("container audit finished")

	if histErr != nil {
		log.WithError(histErr).Warn("image history unavailable")
		return model.Degrade(model.SourceContainer, histErr, findings)
	}
	return model.Ok(model.SourceContainer, findings)
}

func (a *Auditor) toFindings(tlist []*threat, in Input) []model.Finding {
	asset := assetOf(in)

	findings := make([]model.Finding, 0, len(tlist))
	for _, th := range tlist {
		findings = append(findings, model.Finding{
			Severity:    th.Severity,
			Title:       th.Title,
			Description: th.Describe,
			Remediation: th.Remediation,
			Source:      model.SourceContainer,
			CVEID:       th.Reference,
			AssetID:     asset,
			AssetName:   assetName(in),
			Status:      model.FindingOpen,
			Detail: model.ContainerDetail{
				Image: th.Image,
				Line:  th.Line,
				Text:  th.Text,
				Rule:  th.Rule,
			},
		})
	}
	return findings
}

func assetOf(in Input) string {
	if in.Image != "" {
		return "image:" + in.Image
	}
	return "dockerfile:" + assetName(in)
}

func assetName(in Input) string {
	switch {
	case in.Image != "":
		return in.Image
	case in.Name != "":
		return in.Name
	}
	return "Dockerfile"
}
