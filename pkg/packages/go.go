package packages

import (
	"strings"
)

// parseGoMod reads require directives from go.mod text. It is line based so
// that one broken line does not lose the rest of the file.
func parseGoMod(m *Manifest, data []byte) {
	block := ""

	for i, raw := range splitLines(data) {
		n := i + 1
		line := raw
		if c := strings.Index(line, "//"); c >= 0 {
			line = line[:c]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if block != "" {
			if line == ")" {
				block = ""
				continue
			}
			if block == "require" {
				addGoRequire(m, line, n)
			}
			continue
		}

		fields := strings.Fields(line)
		switch fields[0] {
		case "module", "go", "toolchain":
		case "require":
			if len(fields) == 2 && fields[1] == "(" {
				block = "require"
				continue
			}
			addGoRequire(m, strings.Join(fields[1:], " "), n)
		case "replace", "exclude", "retract", "tool", "godebug", "ignore":
			if fields[len(fields)-1] == "(" {
				block = fields[0]
			}
		default:
			m.warn(n, "unknown directive %q", fields[0])
		}
	}
}

func addGoRequire(m *Manifest, line string, n int) {
	fields := strings.Fields(line)
	if len(fields) != 2 {
		m.warn(n, "malformed require %q", line)
		return
	}
	m.add(strings.Trim(fields[0], `"`), fields[1], n)
}

// parseGoSum keeps modules whose content hash is recorded. Entries that
// only pin a go.mod file were considered during version selection but are
// not built.
func parseGoSum(m *Manifest, data []byte) {
	for i, raw := range splitLines(data) {
		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}

		fields := strings.Fields(line)
		if len(fields) != 3 || !strings.HasPrefix(fields[2], "h1:") {
			m.warn(i+1, "malformed go.sum line %q", line)
			continue
		}
		if strings.HasSuffix(fields[1], "/go.mod") {
			continue
		}
		m.add(fields[0], fields[1], i+1)
	}
}
