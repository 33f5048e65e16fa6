package webscan

import (
	"net/http"
	"strings"
)

// RequiredHeaders is the checklist applied to every response.
var RequiredHeaders = []string{
	"Strict-Transport-Security",
	"X-Frame-Options",
	"X-Content-Type-Options",
	"Content-Security-Policy",
	"X-XSS-Protection",
	"Referrer-Policy",
}

type HeaderReport struct {
	Fetched    bool              `json:"fetched"`
	StatusCode int               `json:"statusCode,omitempty"`
	Present    map[string]string `json:"present"`
	Missing    []string          `json:"missing"`
	Server     string            `json:"server,omitempty"`
	PoweredBy  string            `json:"poweredBy,omitempty"`
	Error      string            `json:"error,omitempty"`
	// Unresolved is set when the fetch failed because the name did not
	// resolve.
	Unresolved bool `json:"unresolved,omitempty"`
}

func checkHeaders(h http.Header) HeaderReport {
	r := HeaderReport{
		Fetched: true,
		Present: map[string]string{},
		Missing: []string{},
	}

	for _, name := range RequiredHeaders {
		if v := strings.TrimSpace(h.Get(name)); v != "" {
			r.Present[name] = v
			continue
		}
		r.Missing = append(r.Missing, name)
	}

	r.Server = h.Get("Server")
	r.PoweredBy = h.Get("X-Powered-By")

	return r
}

// IsMissing reports whether name is on the missing list.
func (r HeaderReport) IsMissing(name string) bool {
	for _, m := range r.Missing {
		if strings.EqualFold(m, name) {
			return true
		}
	}
	return false
}

// frameAncestors reports whether the CSP restricts framing, which makes a
// missing X-Frame-Options harmless.
func (r HeaderReport) frameAncestors() bool {
	return strings.Contains(strings.ToLower(r.Present["Content-Security-Policy"]), "frame-ancestors")
}
