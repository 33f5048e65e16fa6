package packages

import (
	"bytes"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/kvesta/vigil/pkg/model"
)

type Ecosystem string

const (
	Npm       Ecosystem = "npm"
	PyPI      Ecosystem = "PyPI"
	Go        Ecosystem = "Go"
	Packagist Ecosystem = "Packagist"
	CratesIO  Ecosystem = "crates.io"
	Debian    Ecosystem = "Debian"
	Alpine    Ecosystem = "Alpine"
)

// distro ecosystems carry distribution version strings, which are passed
// through as they are.
func (e Ecosystem) distro() bool {
	return e == Debian || e == Alpine
}

// ParseEcosystem accepts the OSV ecosystem names case-insensitively plus a
// few common aliases.
func ParseEcosystem(s string) (Ecosystem, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "npm", "node", "nodejs", "javascript":
		return Npm, nil
	case "pypi", "pip", "python":
		return PyPI, nil
	case "go", "golang":
		return Go, nil
	case "packagist", "composer", "php":
		return Packagist, nil
	case "crates.io", "cargo", "rust":
		return CratesIO, nil
	case "debian", "dpkg", "ubuntu":
		return Debian, nil
	case "alpine", "apk":
		return Alpine, nil
	}
	return "", fmt.Errorf("unknown ecosystem %q", s)
}

// Dialect is a manifest file format.
type Dialect string

const (
	PackageJSON  Dialect = "package.json"
	PackageLock  Dialect = "package-lock.json"
	Requirements Dialect = "requirements.txt"
	Pyproject    Dialect = "pyproject.toml"
	GoMod        Dialect = "go.mod"
	GoSum        Dialect = "go.sum"
	ComposerLock Dialect = "composer.lock"
	CargoLock    Dialect = "Cargo.lock"
	DpkgStatus   Dialect = "dpkg-status"
	ApkInstalled Dialect = "apk-installed"
)

var dialects = map[Dialect]Ecosystem{
	PackageJSON:  Npm,
	PackageLock:  Npm,
	Requirements: PyPI,
	Pyproject:    PyPI,
	GoMod:        Go,
	GoSum:        Go,
	ComposerLock: Packagist,
	CargoLock:    CratesIO,
	DpkgStatus:   Debian,
	ApkInstalled: Alpine,
}

func (d Dialect) Ecosystem() Ecosystem {
	return dialects[d]
}

func ParseDialect(s string) (Dialect, error) {
	for d := range dialects {
		if strings.EqualFold(string(d), s) {
			return d, nil
		}
	}
	return "", fmt.Errorf("unknown manifest dialect %q", s)
}

// Declaration is one name/version pair read from a manifest.
type Declaration struct {
	Name      string    `json:"name"`
	Version   string    `json:"version"`
	Ecosystem Ecosystem `json:"ecosystem"`
	// Line is 1-based, 0 when the format carries no line information.
	Line int `json:"line,omitempty"`
}

func (d Declaration) String() string {
	return d.Name + "@" + d.Version
}

type Manifest struct {
	Dialect      Dialect       `json:"dialect"`
	Ecosystem    Ecosystem     `json:"ecosystem"`
	Declarations []Declaration `json:"declarations"`
	// Warnings holds one ParseError per skipped entry.
	Warnings []error `json:"-"`

	seen map[string]struct{}
}

func (m *Manifest) add(name, raw string, line int) {
	name = strings.TrimSpace(name)
	v, ok := normalizeVersion(raw, m.Ecosystem)
	if !ok {
		m.warn(line, "unpinned or unparseable version %q for %s", raw, name)
		return
	}

	key := name + "@" + v
	if _, ok := m.seen[key]; ok {
		return
	}
	if m.seen == nil {
		m.seen = map[string]struct{}{}
	}
	m.seen[key] = struct{}{}

	m.Declarations = append(m.Declarations, Declaration{
		Name:      name,
		Version:   v,
		Ecosystem: m.Ecosystem,
		Line:      line,
	})
}

func (m *Manifest) warn(line int, format string, args ...interface{}) {
	op := string(m.Dialect)
	if line > 0 {
		op = fmt.Sprintf("%s:%d", m.Dialect, line)
	}
	m.Warnings = append(m.Warnings, model.NewError(model.ParseError, op, fmt.Errorf(format, args...)))
}

// Parse reads manifest text of the given dialect. Malformed entries are
// skipped and reported in Warnings; an error is returned only when the
// document as a whole cannot be read.
func Parse(dialect Dialect, data []byte) (*Manifest, error) {
	m := &Manifest{
		Dialect:      dialect,
		Ecosystem:    dialect.Ecosystem(),
		Declarations: []Declaration{},
	}

	var err error
	switch dialect {
	case PackageJSON:
		err = parsePackageJSON(m, data)
	case PackageLock:
		err = parsePackageLock(m, data)
	case Requirements:
		parseRequirements(m, data)
	case Pyproject:
		err = parsePyproject(m, data)
	case GoMod:
		parseGoMod(m, data)
	case GoSum:
		parseGoSum(m, data)
	case ComposerLock:
		err = parseComposerLock(m, data)
	case CargoLock:
		err = parseCargoLock(m, data)
	case DpkgStatus:
		parseDpkgStatus(m, data)
	case ApkInstalled:
		parseApkInstalled(m, data)
	default:
		return nil, model.NewError(model.ParseError, "manifest", fmt.Errorf("unknown dialect %q", dialect))
	}

	if err != nil {
		return nil, model.NewError(model.ParseError, string(dialect), err)
	}

	return m, nil
}

// DetectDialect guesses the dialect from the file name, falling back to
// sniffing the content.
func DetectDialect(filename string, data []byte) Dialect {
	base := strings.ToLower(filepath.Base(filename))
	switch {
	case base == "package.json":
		return PackageJSON
	case base == "package-lock.json", base == "npm-shrinkwrap.json":
		return PackageLock
	case base == "pyproject.toml":
		return Pyproject
	case base == "go.mod":
		return GoMod
	case base == "go.sum":
		return GoSum
	case base == "composer.lock":
		return ComposerLock
	case base == "cargo.lock":
		return CargoLock
	case strings.HasPrefix(base, "requirements") && strings.HasSuffix(base, ".txt"):
		return Requirements
	case base == "status":
		return DpkgStatus
	case base == "installed":
		return ApkInstalled
	}

	trimmed := bytes.TrimSpace(data)
	switch {
	case bytes.HasPrefix(trimmed, []byte("{")):
		if bytes.Contains(trimmed, []byte(`"lockfileVersion"`)) {
			return PackageLock
		}
		if bytes.Contains(trimmed, []byte(`"content-hash"`)) {
			return ComposerLock
		}
		return PackageJSON
	case bytes.Contains(trimmed, []byte("[[package]]")):
		return CargoLock
	case bytes.Contains(trimmed, []byte("[project]")), bytes.Contains(trimmed, []byte("[tool.poetry")):
		return Pyproject
	case bytes.HasPrefix(trimmed, []byte("Package: ")):
		return DpkgStatus
	case bytes.HasPrefix(trimmed, []byte("C:Q1")), bytes.HasPrefix(trimmed, []byte("P:")):
		return ApkInstalled
	case bytes.HasPrefix(trimmed, []byte("module ")):
		return GoMod
	case bytes.Contains(trimmed, []byte(" h1:")):
		return GoSum
	}

	return Requirements
}

// lineOf returns the 1-based line of the first occurrence of needle, or 0.
func lineOf(data []byte, needle string) int {
	i := bytes.Index(data, []byte(needle))
	if i < 0 {
		return 0
	}
	return bytes.Count(data[:i], []byte("\n")) + 1
}

func splitLines(data []byte) []string {
	return strings.Split(strings.ReplaceAll(string(data), "\r\n", "\n"), "\n")
}
