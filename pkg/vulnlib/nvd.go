package vulnlib

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/kvesta/vigil/internal/logger"
	"github.com/kvesta/vigil/pkg/severity"
)

const (
	DefaultNVDEndpoint = "https://services.nvd.nist.gov/rest/json/cves/2.0"

	// The public NVD API allows 5 requests per 30 seconds without a key
	// and 50 with one.
	DefaultSpacing        = 6 * time.Second
	DefaultSpacingWithKey = 600 * time.Millisecond

	maxRecentDays = 120
	nvdTimeLayout = "2006-01-02T15:04:05.000"
)

var cveIDPattern = regexp.MustCompile(`^CVE-\d{4}-\d{4,}$`)

type CVERecord struct {
	ID          string         `json:"id"`
	Description string         `json:"description"`
	Severity    severity.Level `json:"severity"`
	Score       *float64       `json:"score,omitempty"`
	Vector      string         `json:"vector,omitempty"`
	CWEID       string         `json:"cweId,omitempty"`
	Products    []string       `json:"products"`
	References  []string       `json:"references"`
	Published   time.Time      `json:"published"`
}

// NVD is a client of the NVD CVE API 2.0. Every outbound request passes
// through Gate.
type NVD struct {
	Client
	Endpoint       string
	APIKey         string
	ResultsPerPage int
	Gate           *Gate
	// Cache, when set, backs LookupByID.
	Cache *Cache
}

func NewNVD(endpoint, apiKey string, gate *Gate, timeout time.Duration) *NVD {
	if endpoint == "" {
		endpoint = DefaultNVDEndpoint
	}
	if gate == nil {
		spacing := DefaultSpacing
		if apiKey != "" {
			spacing = DefaultSpacingWithKey
		}
		gate = NewGate(spacing)
	}

	return &NVD{
		Client:         newClient(timeout),
		Endpoint:       endpoint,
		APIKey:         apiKey,
		ResultsPerPage: 100,
		Gate:           gate,
	}
}

// ValidCVEID reports whether id has the CVE-YYYY-NNNN+ form.
func ValidCVEID(id string) bool {
	return cveIDPattern.MatchString(id)
}

func (n *NVD) LookupByID(ctx context.Context, id string) ([]CVERecord, error) {
	id = strings.ToUpper(strings.TrimSpace(id))
	if !ValidCVEID(id) {
		return nil, fmt.Errorf("invalid CVE id %q", id)
	}

	if n.Cache != nil {
		rec, ok, err := n.Cache.Get(id)
		if err != nil {
			logger.L().Warnf("cve cache lookup %s: %v", id, err)
		}
		if ok {
			return []CVERecord{*rec}, nil
		}
	}

	recs, err := n.query(ctx, url.Values{"cveId": {id}})
	if err != nil {
		return nil, err
	}

	if n.Cache != nil {
		for _, r := range recs {
			if err := n.Cache.Put(r); err != nil {
				logger.L().Warnf("cve cache store %s: %v", r.ID, err)
			}
		}
	}

	return recs, nil
}

func (n *NVD) SearchByKeyword(ctx context.Context, text string) ([]CVERecord, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("empty keyword")
	}
	return n.query(ctx, url.Values{"keywordSearch": {text}})
}

// SearchByProduct matches CVE configurations against vendor:product and,
// when given, a version.
func (n *NVD) SearchByProduct(ctx context.Context, vendor, product, ver string) ([]CVERecord, error) {
	if vendor == "" || product == "" {
		return nil, fmt.Errorf("vendor and product are required")
	}
	if ver == "" {
		ver = "*"
	}

	cpe := fmt.Sprintf("cpe:2.3:*:%s:%s:%s", cpeEscape(vendor), cpeEscape(product), cpeEscape(ver))
	return n.query(ctx, url.Values{"virtualMatchString": {cpe}})
}

// SearchRecent returns CVEs published in the last days days, optionally
// limited to one CVSS v3 severity. The API caps the window at 120 days.
func (n *NVD) SearchRecent(ctx context.Context, days int, level severity.Level) ([]CVERecord, error) {
	if days <= 0 {
		days = 1
	}
	if days > maxRecentDays {
		days = maxRecentDays
	}

	end := time.Now().UTC()
	start := end.AddDate(0, 0, -days)

	params := url.Values{
		"pubStartDate": {start.Format(nvdTimeLayout)},
		"pubEndDate":   {end.Format(nvdTimeLayout)},
	}
	if level != "" && level != severity.Info {
		params.Set("cvssV3Severity", string(level))
	}

	return n.query(ctx, params)
}

func (n *NVD) query(ctx context.Context, params url.Values) ([]CVERecord, error) {
	if n.ResultsPerPage > 0 {
		params.Set("resultsPerPage", strconv.Itoa(n.ResultsPerPage))
	}

	if err := n.Gate.Wait(ctx); err != nil {
		return nil, err
	}

	header := http.Header{}
	if n.APIKey != "" {
		header.Set("apiKey", n.APIKey)
	}

	data, err := n.get(ctx, n.Endpoint+"?"+params.Encode(), header)
	if err != nil {
		return nil, fmt.Errorf("nvd: %w", err)
	}

	return parseNVD(data)
}

func parseNVD(data []byte) ([]CVERecord, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("nvd: invalid JSON")
	}

	recs := []CVERecord{}
	gjson.GetBytes(data, "vulnerabilities.#.cve").ForEach(func(_, cve gjson.Result) bool {
		recs = append(recs, parseCVE(cve))
		return true
	})

	return recs, nil
}

func parseCVE(cve gjson.Result) CVERecord {
	r := CVERecord{
		ID:         cve.Get("id").String(),
		Products:   []string{},
		References: []string{},
	}
	r.Published, _ = time.Parse(nvdTimeLayout, cve.Get("published").String())

	cve.Get("descriptions").ForEach(func(_, d gjson.Result) bool {
		if d.Get("lang").String() == "en" {
			r.Description = d.Get("value").String()
			return false
		}
		return true
	})

	// v3.1, then v3.0, then v2.
	found := false
	for _, key := range []string{"cvssMetricV31", "cvssMetricV30"} {
		m := cve.Get("metrics." + key + ".0.cvssData")
		if !m.Exists() {
			continue
		}
		score := m.Get("baseScore").Float()
		r.Score = &score
		r.Vector = m.Get("vectorString").String()
		r.Severity = severity.Parse(m.Get("baseSeverity").String())
		if !r.Severity.Valid() || r.Severity == severity.Info {
			r.Severity = severity.FromScore(score)
		}
		found = true
		break
	}

	if !found {
		if m := cve.Get("metrics.cvssMetricV2.0"); m.Exists() {
			score := m.Get("cvssData.baseScore").Float()
			r.Score = &score
			r.Vector = m.Get("cvssData.vectorString").String()
			r.Severity = severity.FromScore(score)
			found = true
		}
	}

	if !found {
		r.Severity = severity.Info
	}

	cve.Get("weaknesses.#.description").ForEach(func(_, descs gjson.Result) bool {
		descs.ForEach(func(_, d gjson.Result) bool {
			if v := d.Get("value").String(); strings.HasPrefix(v, "CWE-") {
				r.CWEID = v
				return false
			}
			return true
		})
		return r.CWEID == ""
	})

	seen := map[string]bool{}
	cve.Get("configurations.#.nodes.#.cpeMatch").ForEach(func(_, nodes gjson.Result) bool {
		nodes.ForEach(func(_, matches gjson.Result) bool {
			matches.ForEach(func(_, m gjson.Result) bool {
				if !m.Get("vulnerable").Bool() {
					return true
				}
				parts := strings.Split(m.Get("criteria").String(), ":")
				if len(parts) < 5 {
					return true
				}
				product := parts[3] + ":" + parts[4]
				if !seen[product] {
					seen[product] = true
					r.Products = append(r.Products, product)
				}
				return true
			})
			return true
		})
		return true
	})

	for _, ref := range cve.Get("references.#.url").Array() {
		r.References = append(r.References, ref.String())
	}

	return r
}

func cpeEscape(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.ReplaceAll(s, " ", "_")
}
