package match

import (
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

type Suspicion struct {
	Types      Operation
	OriginPack string
}

type Operation int8

const (
	// Unknown item represents package is not detected.
	Unknown Operation = 0
	// Confusion item represents package name is confusable with a popular one.
	Confusion Operation = 1
	// Malware item represents package is a known malicious package.
	Malware Operation = 2
)

func (o Operation) String() string {
	switch o {
	case Confusion:
		return "confusion"
	case Malware:
		return "malware"
	}
	return "unknown"
}

// Match dispatches on the ecosystem name. Ecosystems without a popular
// package table always return Unknown.
func Match(ecosystem, pack string) Suspicion {
	switch ecosystem {
	case "npm":
		return NpmMatch(pack)
	case "PyPI":
		return PyMatch(pack)
	}
	return Suspicion{Types: Unknown}
}

// compare returns the similarity ratio of two names, 2*M/T where M is the
// number of equal characters in the diff and T the total length.
func compare(pack1, pack2 string) float64 {
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(pack1, pack2, false)
	matches := 0
	for _, diff := range diffs {
		if diff.Type == diffmatchpatch.DiffEqual {
			matches += len(diff.Text)
		}
	}

	sums := len(pack1) + len(pack2)
	if sums > 0 {
		return 2.0 * float64(matches) / float64(sums)
	}

	return 1.0
}

func confusionCheck(pack string, popular []string) string {
	for _, p := range popular {
		p = strings.ToLower(p)
		if pack == p {
			return ""
		}
	}

	for _, p := range popular {
		p = strings.ToLower(p)
		ratio := compare(pack, p)
		if ratio < 0.99 && ratio > 0.70 {
			return p
		}
	}
	return ""
}

func malwareCheck(pack string, known map[string]string) string {
	if ori, ok := known[pack]; ok {
		return ori
	}
	return ""
}

func check(pack string, popular []string, malicious map[string]string) Suspicion {
	t := Suspicion{
		Types: Unknown,
	}

	if p := malwareCheck(pack, malicious); p != "" {
		t.Types = Malware
		t.OriginPack = p
		return t
	}

	if p := confusionCheck(pack, popular); p != "" {
		t.Types = Confusion
		t.OriginPack = p
	}

	return t
}
