package portscan

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"
	"unicode"

	"github.com/kvesta/vigil/internal/logger"
	"github.com/kvesta/vigil/pkg/model"
	"github.com/kvesta/vigil/pkg/severity"
)

const (
	DefaultTimeout     = 2 * time.Second
	DefaultBannerGrace = 1500 * time.Millisecond

	maxBanner = 512
)

type Status string

const (
	Open     Status = "open"
	Closed   Status = "closed"
	Filtered Status = "filtered"
)

// ProbeResult is the outcome of probing one port. It is never persisted,
// only the findings derived from it are.
type ProbeResult struct {
	Port    int    `json:"port"`
	Status  Status `json:"status"`
	Service string `json:"service,omitempty"`
	Banner  string `json:"banner,omitempty"`
	Risk    string `json:"risk,omitempty"`
}

type HostScanResult struct {
	Host     string          `json:"host"`
	Address  string          `json:"address"`
	Ports    []ProbeResult   `json:"ports"`
	Findings []model.Finding `json:"findings"`
}

// Open returns the open ports only.
func (r *HostScanResult) Open() []ProbeResult {
	open := []ProbeResult{}
	for _, p := range r.Ports {
		if p.Status == Open {
			open = append(open, p)
		}
	}
	return open
}

// Dialer opens the probe connections.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Resolver resolves the target once per scan. *net.Resolver satisfies it.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

type Scanner struct {
	Dialer      Dialer
	Resolver    Resolver
	Policy      TargetPolicy
	BannerGrace time.Duration
}

func New() *Scanner {
	return &Scanner{
		Dialer:      &net.Dialer{},
		Resolver:    net.DefaultResolver,
		Policy:      DenyLocal,
		BannerGrace: DefaultBannerGrace,
	}
}

// Scan runs ScanHost with the budget of a preset.
func (s *Scanner) Scan(ctx context.Context, host string, p Preset) (*HostScanResult, error) {
	return s.ScanHost(ctx, host, p.Ports, p.Timeout, p.Concurrency)
}

// ScanHost probes ports on host in waves of maxConcurrency connection
// attempts. Forbidden targets are rejected before anything is resolved or
// dialed.
func (s *Scanner) ScanHost(ctx context.Context, host string, ports []int, timeout time.Duration, maxConcurrency int) (*HostScanResult, error) {
	policy := s.Policy
	if policy == nil {
		policy = DenyLocal
	}

	if err := checkLiteral(host, policy); err != nil {
		return nil, err
	}

	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if maxConcurrency < 1 {
		maxConcurrency = 1
	}

	ip, err := s.resolve(ctx, host)
	if err != nil {
		return nil, err
	}
	if err := policy(ip); err != nil {
		return nil, err
	}

	log := logger.Scanner("port").WithField("host", host)
	log.Debugf("probing %d ports on %s", len(ports), ip)

	result := &HostScanResult{
		Host:    host,
		Address: ip.String(),
		Ports:   make([]ProbeResult, len(ports)),
	}

	for start := 0; start < len(ports); start += maxConcurrency {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		end := start + maxConcurrency
		if end > len(ports) {
			end = len(ports)
		}

		var wg sync.WaitGroup
		for i := start; i < end; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				result.Ports[i] = s.probe(ctx, ip, ports[i], timeout)
			}(i)
		}
		wg.Wait()
	}

	for _, p := range result.Ports {
		if p.Status != Open || p.Risk == "" {
			continue
		}
		result.Findings = append(result.Findings, portFinding(host, p))
	}

	log.Infof("%d open ports, %d findings", len(result.Open()), len(result.Findings))

	return result, nil
}

func (s *Scanner) resolve(ctx context.Context, host string) (net.IP, error) {
	if ip := net.ParseIP(strings.Trim(host, "[]")); ip != nil {
		return ip, nil
	}

	addrs, err := s.Resolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, model.NewError(model.ResolutionError, "resolve "+host, err)
	}
	if len(addrs) < 1 {
		return nil, model.NewError(model.ResolutionError, "resolve "+host, fmt.Errorf("no address"))
	}

	// Prefer IPv4, most services are only published there.
	for _, a := range addrs {
		if a.IP.To4() != nil {
			return a.IP, nil
		}
	}
	return addrs[0].IP, nil
}

func (s *Scanner) probe(ctx context.Context, ip net.IP, port int, timeout time.Duration) ProbeResult {
	res := ProbeResult{Port: port}
	info, known := Lookup(port)
	if known {
		res.Service = info.Service
		res.Risk = info.Risk
	}

	address := net.JoinHostPort(ip.String(), strconv.Itoa(port))

	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	conn, err := s.Dialer.DialContext(dialCtx, "tcp", address)
	cancel()
	if err != nil {
		res.Status = classify(err)
		return res
	}
	defer conn.Close()

	res.Status = Open
	if s.BannerGrace > 0 {
		res.Banner = grabBanner(conn, info.Probe, s.BannerGrace)
	}

	return res
}

// classify maps a dial error onto closed (actively refused) or filtered
// (no answer in time, or unreachable).
func classify(err error) Status {
	if errors.Is(err, syscall.ECONNREFUSED) {
		return Closed
	}
	return Filtered
}

func grabBanner(conn net.Conn, probe string, grace time.Duration) string {
	_ = conn.SetDeadline(time.Now().Add(grace))

	if probe != "" {
		if _, err := conn.Write([]byte(probe)); err != nil {
			return ""
		}
	}

	buf := make([]byte, maxBanner)
	n, _ := conn.Read(buf)
	if n <= 0 {
		return ""
	}

	return sanitize(string(buf[:n]))
}

// sanitize keeps the first line(s) of printable text.
func sanitize(s string) string {
	s = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' || unicode.IsPrint(r) {
			return r
		}
		return -1
	}, s)
	return strings.TrimSpace(s)
}

func portFinding(host string, p ProbeResult) model.Finding {
	desc := p.Risk
	if p.Banner != "" {
		first, _, _ := strings.Cut(p.Banner, "\n")
		desc = fmt.Sprintf("%s. Banner: %s", p.Risk, strings.TrimSpace(first))
	}

	return model.Finding{
		Severity:    severity.FromPhrase(p.Risk),
		Title:       fmt.Sprintf("Exposed %s service on port %d", p.Service, p.Port),
		Description: desc,
		Remediation: fmt.Sprintf("Restrict access to port %d with a firewall or bind the service to a private interface.", p.Port),
		Source:      model.SourceNetwork,
		AssetID:     "host:" + strings.ToLower(host),
		AssetName:   host,
		Status:      model.FindingOpen,
		Detail: model.NetworkDetail{
			Host:    host,
			Port:    p.Port,
			Service: p.Service,
			Banner:  p.Banner,
		},
	}
}
