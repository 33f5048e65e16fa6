package packages

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
)

var requirementName = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*`)

// parseRequirements reads pip requirement lines. Options (-r, -e,
// --hash, ...) are ignored, direct URL references are skipped.
func parseRequirements(m *Manifest, data []byte) {
	for i, raw := range splitLines(data) {
		line := stripComment(raw)
		line = strings.TrimSpace(strings.TrimSuffix(line, `\`))
		if line == "" || strings.HasPrefix(line, "-") {
			continue
		}

		name, constraint, err := splitRequirement(line)
		if err != nil {
			m.warn(i+1, "%v", err)
			continue
		}
		m.add(name, constraint, i+1)
	}
}

func stripComment(line string) string {
	for i := 0; i < len(line); i++ {
		if line[i] == '#' && (i == 0 || line[i-1] == ' ' || line[i-1] == '\t') {
			return strings.TrimSpace(line[:i])
		}
	}
	return strings.TrimSpace(line)
}

// splitRequirement separates a PEP 508 requirement into its name and
// version constraint. Extras and environment markers are dropped.
func splitRequirement(line string) (string, string, error) {
	if i := strings.Index(line, ";"); i >= 0 {
		line = line[:i]
	}
	line = strings.TrimSpace(line)

	if strings.Contains(line, "://") || strings.Contains(line, " @ ") {
		return "", "", fmt.Errorf("direct reference %q is not a registry package", line)
	}

	name := requirementName.FindString(line)
	if name == "" {
		return "", "", fmt.Errorf("malformed requirement %q", line)
	}

	rest := strings.TrimSpace(line[len(name):])
	if strings.HasPrefix(rest, "[") {
		end := strings.Index(rest, "]")
		if end < 0 {
			return "", "", fmt.Errorf("unterminated extras in %q", line)
		}
		rest = strings.TrimSpace(rest[end+1:])
	}
	rest = strings.TrimSpace(strings.TrimSuffix(strings.TrimPrefix(rest, "("), ")"))

	if rest != "" && !strings.ContainsAny(rest[:1], "=<>~!") {
		return "", "", fmt.Errorf("malformed requirement %q", line)
	}

	return name, rest, nil
}

type pyproject struct {
	Project struct {
		Dependencies         []string            `toml:"dependencies"`
		OptionalDependencies map[string][]string `toml:"optional-dependencies"`
	} `toml:"project"`

	Tool struct {
		Poetry struct {
			Dependencies    map[string]interface{} `toml:"dependencies"`
			DevDependencies map[string]interface{} `toml:"dev-dependencies"`
			Group           map[string]struct {
				Dependencies map[string]interface{} `toml:"dependencies"`
			} `toml:"group"`
		} `toml:"poetry"`
	} `toml:"tool"`
}

// parsePyproject reads PEP 621 project dependencies and poetry dependency
// tables.
func parsePyproject(m *Manifest, data []byte) error {
	var py pyproject
	if _, err := toml.Decode(string(data), &py); err != nil {
		return err
	}

	reqs := append([]string{}, py.Project.Dependencies...)
	for _, extra := range sortedKeys(py.Project.OptionalDependencies) {
		reqs = append(reqs, py.Project.OptionalDependencies[extra]...)
	}
	for _, r := range reqs {
		line := lineOf(data, r)
		name, constraint, err := splitRequirement(r)
		if err != nil {
			m.warn(line, "%v", err)
			continue
		}
		m.add(name, constraint, line)
	}

	poetry := py.Tool.Poetry
	tables := []map[string]interface{}{poetry.Dependencies, poetry.DevDependencies}
	for _, g := range sortedKeys(poetry.Group) {
		tables = append(tables, poetry.Group[g].Dependencies)
	}

	for _, table := range tables {
		for _, name := range sortedKeys(table) {
			if name == "python" {
				continue
			}
			line := lineOf(data, name+" =")

			switch v := table[name].(type) {
			case string:
				m.add(name, v, line)
			case map[string]interface{}:
				s, _ := v["version"].(string)
				if s == "" {
					m.warn(line, "%s has no registry version", name)
					continue
				}
				m.add(name, s, line)
			default:
				m.warn(line, "unsupported poetry constraint for %s", name)
			}
		}
	}

	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
