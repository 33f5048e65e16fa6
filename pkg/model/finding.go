package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/kvesta/vigil/pkg/severity"
)

// Source tags the scanner a finding came from.
type Source string

const (
	SourceNetwork    Source = "network"
	SourceWeb        Source = "web"
	SourceDependency Source = "dependency"
	SourceContainer  Source = "container"
)

type FindingStatus string

const (
	FindingOpen     FindingStatus = "OPEN"
	FindingResolved FindingStatus = "RESOLVED"
)

// Finding is one persisted security observation. The common fields are
// filled by every scanner; Detail carries the scanner specific part.
type Finding struct {
	ID           string         `json:"id"`
	JobID        string         `json:"jobId,omitempty"`
	Severity     severity.Level `json:"severity"`
	Title        string         `json:"title"`
	Description  string         `json:"description"`
	Remediation  string         `json:"remediation,omitempty"`
	Source       Source         `json:"source"`
	CVEID        string         `json:"cveId,omitempty"`
	CWEID        string         `json:"cweId,omitempty"`
	CVSSScore    *float64       `json:"cvssScore,omitempty"`
	AssetID      string         `json:"assetId"`
	AssetName    string         `json:"assetName"`
	Status       FindingStatus  `json:"status"`
	DiscoveredAt time.Time      `json:"discoveredAt"`
	Detail       Detail         `json:"detail,omitempty"`
}

// DedupKey identifies a finding across runs: the asset, the external
// identifier (or the title when there is none) and the scanner source.
func (f Finding) DedupKey() string {
	ident := f.CVEID
	if ident == "" {
		ident = strings.ToLower(strings.TrimSpace(f.Title))
	}
	return fmt.Sprintf("%s|%s|%s", f.AssetID, ident, f.Source)
}

// Detail is implemented by the scanner specific payloads below.
type Detail interface {
	DetailSource() Source
}

type NetworkDetail struct {
	Host    string `json:"host"`
	Port    int    `json:"port"`
	Service string `json:"service,omitempty"`
	Banner  string `json:"banner,omitempty"`
}

type WebDetail struct {
	URL      string   `json:"url"`
	Header   string   `json:"header,omitempty"`
	Evidence []string `json:"evidence,omitempty"`
}

type DependencyDetail struct {
	Package      string `json:"package"`
	Version      string `json:"version"`
	Ecosystem    string `json:"ecosystem"`
	FixedVersion string `json:"fixedVersion,omitempty"`
	AdvisoryID   string `json:"advisoryId,omitempty"`
}

type ContainerDetail struct {
	Image string `json:"image,omitempty"`
	Line  int    `json:"line,omitempty"`
	Text  string `json:"text,omitempty"`
	Rule  string `json:"rule,omitempty"`
}

func (NetworkDetail) DetailSource() Source    { return SourceNetwork }
func (WebDetail) DetailSource() Source        { return SourceWeb }
func (DependencyDetail) DetailSource() Source { return SourceDependency }
func (ContainerDetail) DetailSource() Source  { return SourceContainer }

// EncodeDetail serializes a detail for storage.
func EncodeDetail(d Detail) ([]byte, error) {
	if d == nil {
		return nil, nil
	}
	return json.Marshal(d)
}

// DecodeDetail restores a detail written by EncodeDetail.
func DecodeDetail(src Source, data []byte) (Detail, error) {
	if len(data) == 0 {
		return nil, nil
	}

	var d Detail
	switch src {
	case SourceNetwork:
		v := NetworkDetail{}
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, err
		}
		d = v
	case SourceWeb:
		v := WebDetail{}
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, err
		}
		d = v
	case SourceDependency:
		v := DependencyDetail{}
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, err
		}
		d = v
	case SourceContainer:
		v := ContainerDetail{}
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, err
		}
		d = v
	default:
		return nil, fmt.Errorf("unknown finding source %q", src)
	}
	return d, nil
}

// SortFindings orders findings from the most to the least severe.
func SortFindings(findings []Finding) {
	severity.Sort(findings, func(f Finding) severity.Level { return f.Severity })
}

// Float returns a pointer to v, for the optional CVSS score.
func Float(v float64) *float64 {
	return &v
}
