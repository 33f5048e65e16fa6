package webscan

import (
	"net/http"
	"sort"
	"strings"
)

type signature struct {
	Name string
	// Header is matched against Pattern; an empty Header means the body.
	Header  string
	Pattern string
}

var signatures = []signature{
	{Name: "nginx", Header: "Server", Pattern: "nginx"},
	{Name: "Apache", Header: "Server", Pattern: "apache"},
	{Name: "Microsoft IIS", Header: "Server", Pattern: "microsoft-iis"},
	{Name: "LiteSpeed", Header: "Server", Pattern: "litespeed"},
	{Name: "Caddy", Header: "Server", Pattern: "caddy"},
	{Name: "Cloudflare", Header: "Server", Pattern: "cloudflare"},
	{Name: "Cloudflare", Header: "CF-Ray", Pattern: ""},
	{Name: "Amazon CloudFront", Header: "Via", Pattern: "cloudfront"},
	{Name: "Varnish", Header: "Via", Pattern: "varnish"},
	{Name: "PHP", Header: "X-Powered-By", Pattern: "php"},
	{Name: "ASP.NET", Header: "X-Powered-By", Pattern: "asp.net"},
	{Name: "ASP.NET", Header: "X-AspNet-Version", Pattern: ""},
	{Name: "Express", Header: "X-Powered-By", Pattern: "express"},
	{Name: "Next.js", Header: "X-Powered-By", Pattern: "next.js"},
	{Name: "Drupal", Header: "X-Generator", Pattern: "drupal"},
	{Name: "WordPress", Pattern: "wp-content/"},
	{Name: "WordPress", Pattern: `content="wordpress`},
	{Name: "Joomla", Pattern: "/media/jui/"},
	{Name: "Drupal", Pattern: "drupal-settings-json"},
	{Name: "Shopify", Pattern: "cdn.shopify.com"},
	{Name: "Next.js", Pattern: "__next_data__"},
	{Name: "React", Pattern: "data-reactroot"},
	{Name: "Angular", Pattern: "ng-version="},
	{Name: "Vue.js", Pattern: "data-v-"},
	{Name: "jQuery", Pattern: "jquery"},
	{Name: "Bootstrap", Pattern: "bootstrap.min.css"},
	{Name: "Google Analytics", Pattern: "googletagmanager.com"},
}

// fingerprint matches headers and body against the signature table and
// returns the sorted, deduplicated technology names.
func fingerprint(h http.Header, body string) []string {
	lowerBody := strings.ToLower(body)
	found := map[string]bool{}

	for _, sig := range signatures {
		if sig.Header == "" {
			if strings.Contains(lowerBody, sig.Pattern) {
				found[sig.Name] = true
			}
			continue
		}

		v := h.Get(sig.Header)
		if v == "" {
			continue
		}
		if sig.Pattern == "" || strings.Contains(strings.ToLower(v), sig.Pattern) {
			found[sig.Name] = true
		}
	}

	techs := make([]string, 0, len(found))
	for name := range found {
		techs = append(techs, name)
	}
	sort.Strings(techs)
	return techs
}
