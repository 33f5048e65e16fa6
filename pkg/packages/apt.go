package packages

import (
	"strings"
)

type stanza struct {
	line   int
	fields map[string]string
}

// stanzas splits a package database into blank-line separated records of
// "Key: value" (dpkg) or "K:value" (apk) lines. Continuation lines are
// dropped.
func stanzas(data []byte) []stanza {
	var out []stanza
	cur := stanza{fields: map[string]string{}}

	flush := func() {
		if len(cur.fields) > 0 {
			out = append(out, cur)
		}
		cur = stanza{fields: map[string]string{}}
	}

	for i, l := range splitLines(data) {
		if strings.TrimSpace(l) == "" {
			flush()
			continue
		}
		if l[0] == ' ' || l[0] == '\t' {
			continue
		}

		key, value, ok := strings.Cut(l, ":")
		if !ok {
			continue
		}
		if cur.line == 0 {
			cur.line = i + 1
		}
		cur.fields[key] = strings.TrimSpace(value)
	}
	flush()

	return out
}

// parseDpkgStatus reads var/lib/dpkg/status. Advisories for Debian are
// keyed by source package, so the Source field wins over Package.
func parseDpkgStatus(m *Manifest, data []byte) {
	for _, st := range stanzas(data) {
		p := st.fields
		if status, ok := p["Status"]; ok && !strings.HasSuffix(status, " installed") {
			continue
		}

		name, ver := p["Package"], p["Version"]
		if src := p["Source"]; src != "" {
			// "Source: openssl (1.1.1n-0+deb11u3)" carries the source version
			// when it differs from the binary one.
			srcName, srcVer, hasVer := strings.Cut(src, " ")
			name = srcName
			if hasVer {
				ver = strings.Trim(strings.TrimSpace(srcVer), "()")
			}
		}

		if name == "" {
			m.warn(st.line, "package stanza without a name")
			continue
		}
		m.add(name, ver, st.line)
	}
}

// parseApkInstalled reads lib/apk/db/installed, preferring the origin
// package (o:) over the binary package (P:).
func parseApkInstalled(m *Manifest, data []byte) {
	for _, st := range stanzas(data) {
		p := st.fields

		name := p["P"]
		if origin := p["o"]; origin != "" {
			name = origin
		}

		if name == "" {
			m.warn(st.line, "package stanza without a name")
			continue
		}
		m.add(name, p["V"], st.line)
	}
}
