package webscan

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/miekg/dns"
)

const defaultNameserver = "8.8.8.8:53"

type DNSRecords struct {
	A      []string          `json:"a"`
	MX     []string          `json:"mx"`
	TXT    []string          `json:"txt"`
	Errors map[string]string `json:"errors,omitempty"`
}

// DNSClient resolves a single record type for a name.
type DNSClient interface {
	Lookup(ctx context.Context, name string, qtype uint16) ([]string, error)
}

type dnsClient struct {
	client *dns.Client
	server string
}

// NewDNSClient queries server ("host:port"). An empty server falls back to
// the first nameserver of /etc/resolv.conf, then to a public resolver.
func NewDNSClient(server string, timeout time.Duration) DNSClient {
	if server == "" {
		server = systemNameserver()
	}
	if _, _, err := net.SplitHostPort(server); err != nil {
		server = net.JoinHostPort(server, "53")
	}
	return &dnsClient{
		client: &dns.Client{Timeout: timeout},
		server: server,
	}
}

func systemNameserver() string {
	conf, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil || len(conf.Servers) < 1 {
		return defaultNameserver
	}
	return net.JoinHostPort(conf.Servers[0], conf.Port)
}

func (c *dnsClient) Lookup(ctx context.Context, name string, qtype uint16) ([]string, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), qtype)
	m.RecursionDesired = true

	r, _, err := c.client.ExchangeContext(ctx, m, c.server)
	if err != nil {
		return nil, err
	}
	if r.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("%s lookup for %s: %s", dns.TypeToString[qtype], name, dns.RcodeToString[r.Rcode])
	}

	values := []string{}
	for _, rr := range r.Answer {
		switch v := rr.(type) {
		case *dns.A:
			values = append(values, v.A.String())
		case *dns.MX:
			values = append(values, fmt.Sprintf("%d %s", v.Preference, strings.TrimSuffix(v.Mx, ".")))
		case *dns.TXT:
			values = append(values, strings.Join(v.Txt, ""))
		}
	}
	return values, nil
}

// resolveRecords looks up A, MX and TXT independently; a failed lookup is
// recorded and does not stop the others.
func resolveRecords(ctx context.Context, c DNSClient, host string) DNSRecords {
	recs := DNSRecords{A: []string{}, MX: []string{}, TXT: []string{}}
	if net.ParseIP(host) != nil {
		recs.A = append(recs.A, host)
		return recs
	}

	lookups := []struct {
		qtype uint16
		dst   *[]string
	}{
		{dns.TypeA, &recs.A},
		{dns.TypeMX, &recs.MX},
		{dns.TypeTXT, &recs.TXT},
	}

	for _, l := range lookups {
		values, err := c.Lookup(ctx, host, l.qtype)
		if err != nil {
			if recs.Errors == nil {
				recs.Errors = map[string]string{}
			}
			recs.Errors[dns.TypeToString[l.qtype]] = err.Error()
			continue
		}
		*l.dst = values
	}

	return recs
}

// hasSPF reports whether one of the TXT records is an SPF policy.
func (r DNSRecords) hasSPF() bool {
	for _, txt := range r.TXT {
		if strings.HasPrefix(strings.ToLower(txt), "v=spf1") {
			return true
		}
	}
	return false
}
