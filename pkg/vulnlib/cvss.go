package vulnlib

import (
	"fmt"
	"math"
	"strings"
)

var (
	attackVector       = map[string]float64{"N": 0.85, "A": 0.62, "L": 0.55, "P": 0.2}
	attackComplexity   = map[string]float64{"L": 0.77, "H": 0.44}
	userInteraction    = map[string]float64{"N": 0.85, "R": 0.62}
	impactWeight       = map[string]float64{"H": 0.56, "L": 0.22, "N": 0}
	privilegeUnchanged = map[string]float64{"N": 0.85, "L": 0.62, "H": 0.27}
	privilegeChanged   = map[string]float64{"N": 0.85, "L": 0.68, "H": 0.5}
)

// CVSS3BaseScore computes the base score of a CVSS v3.0 or v3.1 vector
// string such as "CVSS:3.1/AV:N/AC:L/PR:N/UI:N/S:U/C:H/I:H/A:H".
func CVSS3BaseScore(vector string) (float64, error) {
	parts := strings.Split(strings.TrimSpace(vector), "/")
	if len(parts) < 9 || !strings.HasPrefix(parts[0], "CVSS:3") {
		return 0, fmt.Errorf("not a CVSS v3 vector: %q", vector)
	}

	m := map[string]string{}
	for _, p := range parts[1:] {
		kv := strings.SplitN(p, ":", 2)
		if len(kv) != 2 {
			return 0, fmt.Errorf("malformed metric %q in %q", p, vector)
		}
		m[kv[0]] = kv[1]
	}

	changed := m["S"] == "C"
	if !changed && m["S"] != "U" {
		return 0, fmt.Errorf("missing scope in %q", vector)
	}

	privileges := privilegeUnchanged
	if changed {
		privileges = privilegeChanged
	}

	var values []float64
	for _, metric := range []struct {
		key   string
		table map[string]float64
	}{
		{"AV", attackVector}, {"AC", attackComplexity}, {"PR", privileges}, {"UI", userInteraction},
		{"C", impactWeight}, {"I", impactWeight}, {"A", impactWeight},
	} {
		v, ok := metric.table[m[metric.key]]
		if !ok {
			return 0, fmt.Errorf("invalid %s metric in %q", metric.key, vector)
		}
		values = append(values, v)
	}
	av, ac, pr, ui, c, i, a := values[0], values[1], values[2], values[3], values[4], values[5], values[6]

	iss := 1 - (1-c)*(1-i)*(1-a)

	var impact float64
	if changed {
		impact = 7.52*(iss-0.029) - 3.25*math.Pow(iss-0.02, 15)
	} else {
		impact = 6.42 * iss
	}

	if impact <= 0 {
		return 0, nil
	}

	exploitability := 8.22 * av * ac * pr * ui

	if changed {
		return roundUp(math.Min(1.08*(impact+exploitability), 10)), nil
	}
	return roundUp(math.Min(impact+exploitability, 10)), nil
}

// roundUp is the CVSS v3.1 Roundup: the smallest number with one decimal
// place that is equal to or higher than x.
func roundUp(x float64) float64 {
	n := int64(math.Round(x * 100000))
	if n%10000 == 0 {
		return float64(n) / 100000
	}
	return (math.Floor(float64(n)/10000) + 1) / 10
}
