package engine

import (
	"github.com/kvesta/vigil/config"
	"github.com/kvesta/vigil/internal/analyzer"
	"github.com/kvesta/vigil/internal/logger"
	"github.com/kvesta/vigil/internal/store"
	"github.com/kvesta/vigil/internal/vulnscan"
	"github.com/kvesta/vigil/pkg/inspector"
	"github.com/kvesta/vigil/pkg/portscan"
	"github.com/kvesta/vigil/pkg/vulnlib"
	"github.com/kvesta/vigil/pkg/webscan"
)

// FromSettings wires the production scanners. The Docker client is
// optional: without a reachable daemon, history checks degrade.
func FromSettings(s *config.Settings, st store.Store, usage store.UsageCounter) (Config, error) {
	ports := portscan.New()
	ports.BannerGrace = s.Port.BannerGrace

	web := webscan.New(s.Web.Timeout, webscan.NewDNSClient(s.Web.Nameserver, s.Web.Timeout))
	if s.Web.MaxBodyBytes > 0 {
		web.MaxBodyBytes = s.Web.MaxBodyBytes
	}
	if s.Web.UserAgent != "" {
		web.UserAgent = s.Web.UserAgent
	}

	resolver := vulnscan.NewResolver(vulnlib.NewOSV(s.OSV.Endpoint, s.OSV.MaxBatchSize, s.OSV.Timeout))
	if s.Upstream.Attempts > 0 {
		resolver.Attempts = s.Upstream.Attempts
	}
	if s.Upstream.Backoff > 0 {
		resolver.Backoff = s.Upstream.Backoff
	}

	var history analyzer.HistoryClient
	if cli, err := inspector.NewDockerApi(); err != nil {
		logger.L().Debugf("docker client unavailable: %v", err)
	} else {
		history = cli
	}

	auditor, err := analyzer.NewAuditor(history)
	if err != nil {
		return Config{}, err
	}

	return Config{
		Store:     st,
		Usage:     usage,
		Ports:     ports,
		Web:       web,
		Deps:      resolver,
		Container: auditor,
		Presets: Presets{
			Quick:  portscan.Quick(s.Port.Quick.Timeout, s.Port.Quick.Concurrency),
			Full:   portscan.Full(s.Port.Full.Timeout, s.Port.Full.Concurrency),
			Custom: portscan.Preset{Name: "custom", Timeout: s.Port.Custom.Timeout, Concurrency: s.Port.Custom.Concurrency},
		},
		Timeout: s.Scan.Timeout,
	}, nil
}
