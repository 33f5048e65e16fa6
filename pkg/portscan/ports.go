package portscan

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// PortInfo describes a well-known port. Risk is empty for ports that are
// not dangerous by themselves.
type PortInfo struct {
	Service string
	Risk    string
	// Probe is written after connecting to elicit a banner. Services that
	// greet first (ssh, ftp, smtp...) have none.
	Probe string
}

const httpProbe = "HEAD / HTTP/1.0\r\n\r\n"

var portTable = map[int]PortInfo{
	21:    {Service: "ftp", Risk: "High: FTP transfers credentials and data in cleartext"},
	22:    {Service: "ssh"},
	23:    {Service: "telnet", Risk: "Critical: Telnet exposes an unencrypted remote shell"},
	25:    {Service: "smtp", Risk: "Open SMTP relays can be abused for spam"},
	53:    {Service: "dns", Risk: "Open resolvers can be abused for amplification attacks"},
	80:    {Service: "http", Probe: httpProbe},
	110:   {Service: "pop3", Risk: "POP3 without TLS exposes mailbox credentials"},
	111:   {Service: "rpcbind", Risk: "Medium: rpcbind discloses RPC services"},
	135:   {Service: "msrpc", Risk: "Medium: MSRPC endpoint mapper exposed"},
	139:   {Service: "netbios-ssn", Risk: "High: NetBIOS session service exposed"},
	143:   {Service: "imap", Risk: "IMAP without TLS exposes mailbox credentials"},
	443:   {Service: "https", Probe: httpProbe},
	445:   {Service: "microsoft-ds", Risk: "High: SMB exposed to the network, wormable vulnerability history"},
	993:   {Service: "imaps"},
	995:   {Service: "pop3s"},
	1433:  {Service: "mssql", Risk: "Medium: database port reachable from the network"},
	1521:  {Service: "oracle", Risk: "Medium: database port reachable from the network"},
	2375:  {Service: "docker", Risk: "Critical: Docker API without TLS allows container takeover", Probe: "GET /version HTTP/1.0\r\n\r\n"},
	3306:  {Service: "mysql", Risk: "Medium: database port reachable from the network"},
	3389:  {Service: "rdp", Risk: "High: RDP is a frequent brute force and exploit target"},
	5432:  {Service: "postgresql", Risk: "Medium: database port reachable from the network"},
	5900:  {Service: "vnc", Risk: "High: VNC is often weakly authenticated"},
	6379:  {Service: "redis", Risk: "High: Redis is often deployed without authentication", Probe: "PING\r\n"},
	8080:  {Service: "http-proxy", Probe: httpProbe},
	8443:  {Service: "https-alt", Probe: httpProbe},
	9200:  {Service: "elasticsearch", Risk: "High: Elasticsearch HTTP API exposed", Probe: httpProbe},
	11211: {Service: "memcached", Risk: "High: memcached exposed, amplification and data leak risk", Probe: "stats\r\n"},
	27017: {Service: "mongodb", Risk: "High: MongoDB is often deployed without authentication"},
}

// QuickPorts are the well-known ports probed by the quick preset.
var QuickPorts = []int{21, 22, 23, 25, 53, 80, 110, 111, 135, 139, 143, 443,
	445, 993, 995, 1433, 2375, 3306, 3389, 5432, 5900, 6379, 8080, 27017}

// Lookup returns the table entry for port.
func Lookup(port int) (PortInfo, bool) {
	info, ok := portTable[port]
	return info, ok
}

// Preset bundles a port set with its timeout and concurrency budget.
type Preset struct {
	Name        string
	Ports       []int
	Timeout     time.Duration
	Concurrency int
}

func Quick(timeout time.Duration, concurrency int) Preset {
	ports := make([]int, len(QuickPorts))
	copy(ports, QuickPorts)
	return Preset{Name: "quick", Ports: ports, Timeout: timeout, Concurrency: concurrency}
}

func Full(timeout time.Duration, concurrency int) Preset {
	return Preset{Name: "full", Ports: Range(1, 1024), Timeout: timeout, Concurrency: concurrency}
}

func Custom(ports []int, timeout time.Duration, concurrency int) (Preset, error) {
	clean, err := Normalize(ports)
	if err != nil {
		return Preset{}, err
	}
	return Preset{Name: "custom", Ports: clean, Timeout: timeout, Concurrency: concurrency}, nil
}

// Range returns the ports from..to inclusive.
func Range(from, to int) []int {
	ports := make([]int, 0, to-from+1)
	for p := from; p <= to; p++ {
		ports = append(ports, p)
	}
	return ports
}

// Normalize sorts and deduplicates an explicit list and rejects ports
// outside 1-65535.
func Normalize(ports []int) ([]int, error) {
	seen := map[int]bool{}
	clean := []int{}
	for _, p := range ports {
		if p < 1 || p > 65535 {
			return nil, fmt.Errorf("port %d out of range", p)
		}
		if seen[p] {
			continue
		}
		seen[p] = true
		clean = append(clean, p)
	}
	sort.Ints(clean)
	return clean, nil
}

// ParsePorts parses lists such as "22,80,8000-8100".
func ParsePorts(list string) ([]int, error) {
	ports := []int{}
	for _, part := range strings.Split(list, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		if lo, hi, ok := strings.Cut(part, "-"); ok {
			from, err := strconv.Atoi(strings.TrimSpace(lo))
			if err != nil {
				return nil, fmt.Errorf("invalid port range %q", part)
			}
			to, err := strconv.Atoi(strings.TrimSpace(hi))
			if err != nil || to < from {
				return nil, fmt.Errorf("invalid port range %q", part)
			}
			ports = append(ports, Range(from, to)...)
			continue
		}

		p, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("invalid port %q", part)
		}
		ports = append(ports, p)
	}
	return Normalize(ports)
}
