package packages

import (
	"strings"

	version "github.com/hashicorp/go-version"
)

// Operators that still pin a usable lower bound. Exclusive and upper-bound
// constraints carry no version that could be installed.
var pinning = []string{"===", "==", "~=", ">=", "^", "~", "="}

// normalizeVersion reduces a declared version or constraint to one concrete
// version. It reports false for ranges without a lower bound, wildcards,
// tags and non-registry sources.
func normalizeVersion(raw string, eco Ecosystem) (string, bool) {
	v := strings.TrimSpace(raw)
	if v == "" || v == "*" || strings.EqualFold(v, "latest") {
		return "", false
	}
	if eco.distro() {
		return v, true
	}

	for _, prefix := range []string{"file:", "git", "http:", "https:", "link:", "workspace:", "npm:", "github:"} {
		if strings.HasPrefix(v, prefix) {
			return "", false
		}
	}

	// First alternative, first constraint.
	v = strings.TrimSpace(strings.Split(v, "||")[0])
	v = strings.TrimSpace(strings.Split(v, ",")[0])

	op := ""
	for _, p := range pinning {
		if strings.HasPrefix(v, p) {
			op = p
			break
		}
	}
	v = strings.TrimSpace(strings.TrimPrefix(v, op))
	if fields := strings.Fields(v); len(fields) > 0 {
		v = fields[0]
	}
	if v == "" || strings.ContainsAny(v[:1], "<>!=") {
		return "", false
	}

	for _, seg := range strings.Split(v, ".") {
		if seg == "*" || seg == "x" || seg == "X" {
			return "", false
		}
	}

	if _, err := version.NewVersion(v); err != nil {
		return "", false
	}

	if eco == Go {
		if !strings.HasPrefix(v, "v") {
			v = "v" + v
		}
		return v, true
	}

	return strings.TrimPrefix(v, "v"), true
}
