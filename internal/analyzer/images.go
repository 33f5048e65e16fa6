package analyzer

import (
	_ "embed"
	"fmt"
	"regexp"
	"strings"

	version "github.com/hashicorp/go-version"
	"gopkg.in/yaml.v3"

	"github.com/kvesta/vigil/pkg/severity"
)

//go:embed known_images.yaml
var knownImagesYAML []byte

var numericTagReg = regexp.MustCompile(`^v?(\d+(\.\d+)*)`)

type KnownImage struct {
	Image    string         `yaml:"image"`
	Patterns []string       `yaml:"patterns"`
	Below    string         `yaml:"below"`
	Findings []KnownFinding `yaml:"findings"`

	below *version.Version
}

type KnownFinding struct {
	Severity    string `yaml:"severity"`
	Title       string `yaml:"title"`
	Description string `yaml:"description"`
	Remediation string `yaml:"remediation"`
	CVE         string `yaml:"cve"`
}

// LoadKnownImages decodes an advisory table.
func LoadKnownImages(data []byte) ([]KnownImage, error) {
	known := []KnownImage{}
	if err := yaml.Unmarshal(data, &known); err != nil {
		return nil, fmt.Errorf("decode known images: %w", err)
	}

	for i := range known {
		if known[i].Below == "" {
			continue
		}
		v, err := version.NewVersion(known[i].Below)
		if err != nil {
			return nil, fmt.Errorf("known image %s: bad version %q: %w", known[i].Image, known[i].Below, err)
		}
		known[i].below = v
	}

	return known, nil
}

// normalizeReference drops the default registry and library namespace and
// fills in the implicit latest tag.
func normalizeReference(ref string) (string, string) {
	repo, tag := splitReference(strings.ToLower(strings.TrimSpace(ref)))
	repo = strings.TrimPrefix(repo, "docker.io/")
	repo = strings.TrimPrefix(repo, "index.docker.io/")
	repo = strings.TrimPrefix(repo, "library/")
	if tag == "" {
		tag = "latest"
	}
	return repo, tag
}

func (k KnownImage) matches(repo, tag string) bool {
	full := repo + ":" + tag
	for _, p := range k.Patterns {
		if strings.Contains(full, strings.ToLower(p)) {
			return true
		}
	}

	if k.below == nil || repo != k.Image {
		return false
	}
	m := numericTagReg.FindStringSubmatch(tag)
	if len(m) < 2 {
		return false
	}
	v, err := version.NewVersion(m[1])
	if err != nil {
		return false
	}
	return v.LessThan(k.below)
}

// CheckKnownImages looks every reference up in the advisory table. A
// finding is reported once per reference.
func (a *Auditor) CheckKnownImages(refs []string) []*threat {
	tlist := []*threat{}
	seen := map[string]bool{}

	for _, ref := range refs {
		if ref == "" || strings.Contains(ref, "$") {
			continue
		}
		repo, tag := normalizeReference(ref)

		for _, k := range a.Known {
			if !k.matches(repo, tag) {
				continue
			}
			for _, f := range k.Findings {
				key := ref + "|" + f.Title
				if seen[key] {
					continue
				}
				seen[key] = true

				tlist = append(tlist, &threat{
					Rule:        "known-image",
					Image:       ref,
					Text:        ref,
					Title:       f.Title,
					Describe:    f.Description,
					Remediation: f.Remediation,
					Severity:    severity.Parse(f.Severity),
					Reference:   f.CVE,
				})
			}
		}
	}

	return tlist
}
