package webscan

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kvesta/vigil/internal/logger"
	"github.com/kvesta/vigil/pkg/model"
	"github.com/kvesta/vigil/pkg/severity"

	"golang.org/x/sync/errgroup"
)

const (
	DefaultTimeout      = 10 * time.Second
	DefaultMaxBodyBytes = 1 << 20

	expiryWarningDays = 30
)

type Report struct {
	URL          string             `json:"url"`
	TLS          TLSInfo            `json:"tls"`
	Headers      HeaderReport       `json:"headers"`
	DNS          DNSRecords         `json:"dns"`
	Technologies []string           `json:"technologies"`
	Findings     []model.Finding    `json:"findings"`
	Penalties    []severity.Penalty `json:"penalties"`
}

// Degraded reports whether the page itself could not be fetched.
func (r *Report) Degraded() bool {
	return !r.Headers.Fetched
}

type Analyzer struct {
	Client       *http.Client
	DNS          DNSClient
	Timeout      time.Duration
	MaxBodyBytes int64
	UserAgent    string
	// RootCAs overrides the system roots for certificate verification.
	RootCAs *x509.CertPool
}

// New builds an analyzer whose HTTP client never follows redirects. The
// client does not verify certificates; validity is assessed by the
// separate TLS step.
func New(timeout time.Duration, dnsClient DNSClient) *Analyzer {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if dnsClient == nil {
		dnsClient = NewDNSClient("", timeout)
	}

	tr := &http.Transport{
		TLSClientConfig:     &tls.Config{InsecureSkipVerify: true},
		TLSHandshakeTimeout: timeout,
		DisableKeepAlives:   true,
	}

	return &Analyzer{
		Client: &http.Client{
			Transport: tr,
			Timeout:   timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		DNS:          dnsClient,
		Timeout:      timeout,
		MaxBodyBytes: DefaultMaxBodyBytes,
		UserAgent:    "vigil-scanner/1.0",
	}
}

// ParseTarget accepts absolute http(s) URLs and bare host names, which are
// taken as http.
func ParseTarget(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("empty url")
	}
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}

	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid url %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Hostname() == "" {
		return nil, fmt.Errorf("url %q has no host", raw)
	}
	return u, nil
}

// AnalyzeURL runs the TLS, header, DNS and fingerprint checks. The checks
// are independent: a failing one is recorded in the report and does not
// abort the others. Only an unparseable URL is an error.
func (a *Analyzer) AnalyzeURL(ctx context.Context, raw string) (*Report, error) {
	u, err := ParseTarget(raw)
	if err != nil {
		return nil, err
	}

	log := logger.Scanner("web").WithField("url", u.String())

	rep := &Report{URL: u.String()}
	var body []byte
	var header http.Header

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		rep.TLS = inspectTLS(gctx, u, a.Timeout, a.RootCAs)
		return nil
	})

	g.Go(func() error {
		header, body, rep.Headers = a.fetch(gctx, u)
		return nil
	})

	g.Go(func() error {
		if a.DNS != nil {
			rep.DNS = resolveRecords(gctx, a.DNS, u.Hostname())
		}
		return nil
	})

	_ = g.Wait()

	if header != nil {
		rep.Technologies = fingerprint(header, string(body))
	} else {
		rep.Technologies = []string{}
	}

	a.derive(rep, u, body)

	log.Infof("tls valid: %t, missing headers: %d, findings: %d",
		rep.TLS.Valid, len(rep.Headers.Missing), len(rep.Findings))

	return rep, nil
}

func (a *Analyzer) fetch(ctx context.Context, u *url.URL) (http.Header, []byte, HeaderReport) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, nil, HeaderReport{Error: err.Error()}
	}
	req.Header.Set("User-Agent", a.UserAgent)

	res, err := a.Client.Do(req)
	if err != nil {
		var dnsErr *net.DNSError
		return nil, nil, HeaderReport{Error: err.Error(), Unresolved: errors.As(err, &dnsErr)}
	}
	defer res.Body.Close()

	limit := a.MaxBodyBytes
	if limit <= 0 {
		limit = DefaultMaxBodyBytes
	}
	body, _ := io.ReadAll(io.LimitReader(res.Body, limit))

	hr := checkHeaders(res.Header)
	hr.StatusCode = res.StatusCode

	return res.Header, body, hr
}

func (a *Analyzer) derive(rep *Report, u *url.URL, body []byte) {
	asset := u.Scheme + "://" + strings.ToLower(u.Host)
	add := func(level severity.Level, title, desc, fix, header string, evidence ...string) {
		rep.Findings = append(rep.Findings, model.Finding{
			Severity:    level,
			Title:       title,
			Description: desc,
			Remediation: fix,
			Source:      model.SourceWeb,
			AssetID:     "url:" + asset,
			AssetName:   asset,
			Status:      model.FindingOpen,
			Detail: model.WebDetail{
				URL:      rep.URL,
				Header:   header,
				Evidence: evidence,
			},
		})
	}

	https := u.Scheme == "https"

	if !https {
		add(severity.High, "Site does not use HTTPS",
			"The site is served over plain HTTP, traffic can be read and modified in transit.",
			"Serve the site over HTTPS and redirect HTTP requests to it.", "")
	}

	if !rep.TLS.Valid {
		rep.Penalties = append(rep.Penalties, severity.Penalty{Reason: "invalid TLS", Points: severity.InvalidTLSPenalty})
		if https {
			add(severity.High, "Invalid TLS certificate",
				fmt.Sprintf("The TLS handshake failed verification: %s.", rep.TLS.Error),
				"Install a certificate issued by a trusted authority that matches the host name.", "")
		}
	} else if rep.TLS.DaysUntilExpiry < expiryWarningDays {
		add(severity.Medium, "TLS certificate expires soon",
			fmt.Sprintf("The certificate expires in %d days (%s).", rep.TLS.DaysUntilExpiry, rep.TLS.NotAfter.Format("2006-01-02")),
			"Renew the certificate and automate renewal.", "")
	}

	if rep.Headers.Fetched {
		for _, h := range rep.Headers.Missing {
			rep.Penalties = append(rep.Penalties, severity.Penalty{Reason: "missing header " + h, Points: severity.MissingHeaderPenalty})
		}

		if rep.Headers.IsMissing("Strict-Transport-Security") {
			add(severity.Medium, "Missing HTTP Strict Transport Security header",
				"Browsers are not told to use HTTPS only, enabling downgrade and cookie hijacking attacks.",
				"Send Strict-Transport-Security: max-age=31536000; includeSubDomains.", "Strict-Transport-Security")
		}

		if rep.Headers.IsMissing("X-Frame-Options") && !rep.Headers.frameAncestors() {
			add(severity.Medium, "Missing X-Frame-Options header (clickjacking)",
				"The page can be embedded in a frame by any origin, enabling clickjacking.",
				"Send X-Frame-Options: DENY or a Content-Security-Policy frame-ancestors directive.", "X-Frame-Options")
		}

		disclosed := []string{}
		if v := rep.Headers.Server; hasVersion(v) {
			disclosed = append(disclosed, "Server: "+v)
		}
		if v := rep.Headers.PoweredBy; v != "" {
			disclosed = append(disclosed, "X-Powered-By: "+v)
		}
		if len(disclosed) > 0 {
			add(severity.Info, "Server software version disclosed",
				"Response headers reveal the server software and version.",
				"Remove version details from the Server and X-Powered-By headers.", "Server", disclosed...)
		}
	}

	if !https && len(body) > 0 {
		if n := passwordFields(bytes.NewReader(body)); n > 0 {
			add(severity.Critical, "Password form served over an unencrypted connection",
				fmt.Sprintf("The page contains %d password field(s) but is served without HTTPS, credentials are sent in cleartext.", n),
				"Serve every page that collects credentials over HTTPS.", "")
		}
	}

	if len(rep.DNS.MX) > 0 && rep.DNS.Errors["TXT"] == "" && !rep.DNS.hasSPF() {
		add(severity.Low, "No SPF record for a mail domain",
			"The domain receives mail but publishes no SPF policy, making spoofing easier.",
			"Publish a TXT record with a v=spf1 policy.", "")
	}
}

func hasVersion(v string) bool {
	return strings.ContainsAny(v, "0123456789") && strings.Contains(v, "/")
}
