package vulnlib

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	version "github.com/hashicorp/go-version"
	"github.com/tidwall/gjson"
	"golang.org/x/sync/errgroup"

	"github.com/kvesta/vigil/internal/logger"
	"github.com/kvesta/vigil/pkg/severity"
)

const (
	DefaultOSVEndpoint = "https://api.osv.dev"
	// DefaultMaxBatchSize is the querybatch limit of the public OSV API.
	DefaultMaxBatchSize = 1000
)

// Query asks for the advisories affecting one package version.
type Query struct {
	Ecosystem string
	Name      string
	Version   string
}

// Directory is a vulnerability directory that answers many package
// queries in one call. Results are index-aligned with the queries.
type Directory interface {
	QueryBatch(ctx context.Context, queries []Query) ([][]Advisory, error)
}

type Affected struct {
	Ecosystem string
	Name      string
	Fixed     []string
}

type Advisory struct {
	ID string
	// CVEID is the CVE this advisory wraps, if any.
	CVEID     string
	Aliases   []string
	Summary   string
	Details   string
	Severity  severity.Level
	Score     *float64
	Vector    string
	CWEIDs    []string
	Affected  []Affected
	Refs      []string
	Published time.Time
}

// Identifier prefers the wrapped CVE id over the directory id.
func (a Advisory) Identifier() string {
	if a.CVEID != "" {
		return a.CVEID
	}
	return a.ID
}

// FixedFor returns the lowest fixed version above the given version for the
// package, or "" when the directory records none.
func (a Advisory) FixedFor(ecosystem, name, current string) string {
	cur, _ := version.NewVersion(current)

	var best *version.Version
	bestRaw, fallback := "", ""

	for _, af := range a.Affected {
		if !strings.EqualFold(af.Name, name) || !strings.HasPrefix(strings.ToLower(af.Ecosystem), strings.ToLower(ecosystem)) {
			continue
		}
		for _, f := range af.Fixed {
			fv, err := version.NewVersion(f)
			if err != nil {
				if fallback == "" {
					fallback = f
				}
				continue
			}
			if cur != nil && !fv.GreaterThan(cur) {
				continue
			}
			if best == nil || fv.LessThan(best) {
				best, bestRaw = fv, f
			}
		}
	}

	if bestRaw != "" {
		return bestRaw
	}
	return fallback
}

// OSV queries the osv.dev API: one querybatch round trip per chunk of
// MaxBatchSize queries, then one fetch per distinct advisory id. Fetched
// advisories are cached for the lifetime of the client.
type OSV struct {
	Client
	Endpoint     string
	MaxBatchSize int
	// Concurrency bounds parallel advisory fetches.
	Concurrency int

	mu    sync.Mutex
	cache map[string]*Advisory
}

func NewOSV(endpoint string, maxBatchSize int, timeout time.Duration) *OSV {
	if endpoint == "" {
		endpoint = DefaultOSVEndpoint
	}
	if maxBatchSize <= 0 || maxBatchSize > DefaultMaxBatchSize {
		maxBatchSize = DefaultMaxBatchSize
	}

	return &OSV{
		Client:       newClient(timeout),
		Endpoint:     strings.TrimSuffix(endpoint, "/"),
		MaxBatchSize: maxBatchSize,
		Concurrency:  8,
		cache:        map[string]*Advisory{},
	}
}

type osvPackage struct {
	Name      string `json:"name"`
	Ecosystem string `json:"ecosystem"`
}

type osvQuery struct {
	Package   osvPackage `json:"package"`
	Version   string     `json:"version,omitempty"`
	PageToken string     `json:"page_token,omitempty"`
}

func (o *OSV) QueryBatch(ctx context.Context, queries []Query) ([][]Advisory, error) {
	ids := make([][]string, len(queries))

	size := o.MaxBatchSize
	if size <= 0 {
		size = DefaultMaxBatchSize
	}
	for start := 0; start < len(queries); start += size {
		end := start + size
		if end > len(queries) {
			end = len(queries)
		}
		if err := o.queryChunk(ctx, queries[start:end], ids[start:end]); err != nil {
			return nil, err
		}
	}

	distinct := []string{}
	seen := map[string]bool{}
	for _, list := range ids {
		for _, id := range list {
			if !seen[id] {
				seen[id] = true
				distinct = append(distinct, id)
			}
		}
	}

	if err := o.hydrate(ctx, distinct); err != nil {
		return nil, err
	}

	results := make([][]Advisory, len(queries))
	o.mu.Lock()
	for i, list := range ids {
		results[i] = []Advisory{}
		for _, id := range list {
			if a, ok := o.cache[id]; ok {
				results[i] = append(results[i], *a)
			}
		}
	}
	o.mu.Unlock()

	return results, nil
}

// queryChunk runs querybatch for one chunk, following per-query page
// tokens until every query is exhausted.
func (o *OSV) queryChunk(ctx context.Context, qs []Query, out [][]string) error {
	pending := make([]int, len(qs))
	for i := range pending {
		pending[i] = i
	}
	tokens := make([]string, len(qs))

	for len(pending) > 0 {
		body := struct {
			Queries []osvQuery `json:"queries"`
		}{}
		for _, i := range pending {
			body.Queries = append(body.Queries, osvQuery{
				Package:   osvPackage{Name: qs[i].Name, Ecosystem: qs[i].Ecosystem},
				Version:   qs[i].Version,
				PageToken: tokens[i],
			})
		}

		data, err := o.postJSON(ctx, o.Endpoint+"/v1/querybatch", body)
		if err != nil {
			return fmt.Errorf("osv querybatch: %w", err)
		}

		results := gjson.GetBytes(data, "results").Array()
		if len(results) != len(pending) {
			return fmt.Errorf("osv querybatch: %d results for %d queries", len(results), len(pending))
		}

		next := []int{}
		for j, r := range results {
			i := pending[j]
			r.Get("vulns").ForEach(func(_, v gjson.Result) bool {
				if id := v.Get("id").String(); id != "" {
					out[i] = append(out[i], id)
				}
				return true
			})
			if tok := r.Get("next_page_token").String(); tok != "" {
				tokens[i] = tok
				next = append(next, i)
			}
		}
		pending = next
	}

	return nil
}

func (o *OSV) hydrate(ctx context.Context, ids []string) error {
	g, gctx := errgroup.WithContext(ctx)
	if o.Concurrency > 0 {
		g.SetLimit(o.Concurrency)
	}

	for _, id := range ids {
		id := id
		g.Go(func() error {
			_, err := o.Advisory(gctx, id)
			return err
		})
	}

	return g.Wait()
}

// Advisory returns one advisory by id, from the cache when possible.
func (o *OSV) Advisory(ctx context.Context, id string) (*Advisory, error) {
	o.mu.Lock()
	if o.cache == nil {
		o.cache = map[string]*Advisory{}
	}
	a, ok := o.cache[id]
	o.mu.Unlock()
	if ok {
		return a, nil
	}

	data, err := o.get(ctx, o.Endpoint+"/v1/vulns/"+url.PathEscape(id), nil)
	if err != nil {
		return nil, fmt.Errorf("osv advisory %s: %w", id, err)
	}

	a, err = parseOSV(data)
	if err != nil {
		return nil, fmt.Errorf("osv advisory %s: %w", id, err)
	}

	o.mu.Lock()
	o.cache[id] = a
	o.mu.Unlock()

	return a, nil
}

func parseOSV(data []byte) (*Advisory, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("invalid JSON")
	}
	doc := gjson.ParseBytes(data)

	a := &Advisory{
		ID:      doc.Get("id").String(),
		Summary: doc.Get("summary").String(),
		Details: doc.Get("details").String(),
	}
	if a.ID == "" {
		return nil, fmt.Errorf("advisory without id")
	}
	a.Published, _ = time.Parse(time.RFC3339, doc.Get("published").String())

	for _, alias := range doc.Get("aliases").Array() {
		a.Aliases = append(a.Aliases, alias.String())
	}
	a.CVEID = preferredCVE(a.ID, a.Aliases)

	for _, s := range doc.Get("severity").Array() {
		if s.Get("type").String() != "CVSS_V3" {
			continue
		}
		score, err := CVSS3BaseScore(s.Get("score").String())
		if err != nil {
			logger.L().Debugf("%s: %v", a.ID, err)
			continue
		}
		a.Score, a.Vector = &score, s.Get("score").String()
		break
	}

	ds := doc.Get("database_specific")
	if a.Score == nil {
		for _, path := range []string{"cvss_score", "cvss.score"} {
			if v := ds.Get(path); v.Type == gjson.Number {
				score := v.Float()
				a.Score = &score
				break
			}
		}
	}

	label := ds.Get("severity").String()
	switch {
	case a.Score != nil:
		a.Severity = severity.FromScore(*a.Score)
	case label != "":
		a.Severity = severity.Parse(label)
	case strings.HasPrefix(a.ID, "MAL-"):
		a.Severity = severity.Critical
	default:
		// Unrated advisories are still real matches.
		a.Severity = severity.Medium
	}

	for _, cwe := range ds.Get("cwe_ids").Array() {
		a.CWEIDs = append(a.CWEIDs, cwe.String())
	}

	doc.Get("affected").ForEach(func(_, af gjson.Result) bool {
		item := Affected{
			Ecosystem: af.Get("package.ecosystem").String(),
			Name:      af.Get("package.name").String(),
		}
		af.Get("ranges").ForEach(func(_, r gjson.Result) bool {
			// GIT ranges carry commit hashes, not versions.
			if r.Get("type").String() == "GIT" {
				return true
			}
			for _, fixed := range r.Get("events.#.fixed").Array() {
				item.Fixed = append(item.Fixed, fixed.String())
			}
			return true
		})
		a.Affected = append(a.Affected, item)
		return true
	})

	for _, ref := range doc.Get("references.#.url").Array() {
		a.Refs = append(a.Refs, ref.String())
	}

	return a, nil
}

func preferredCVE(id string, aliases []string) string {
	if strings.HasPrefix(id, "CVE-") {
		return id
	}
	for _, alias := range aliases {
		if strings.HasPrefix(alias, "CVE-") {
			return alias
		}
	}
	return ""
}
