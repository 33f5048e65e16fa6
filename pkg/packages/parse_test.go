package packages

import (
	"testing"

	"github.com/kvesta/vigil/pkg/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func names(m *Manifest) []string {
	out := []string{}
	for _, d := range m.Declarations {
		out = append(out, d.String())
	}
	return out
}

func TestParse(t *testing.T) {
	tests := []struct {
		name     string
		dialect  Dialect
		data     string
		want     []string
		warnings int
	}{
		{
			name:    "packageJSON",
			dialect: PackageJSON,
			data: `{
  "name": "app",
  "dependencies": {
    "lodash": "4.17.15",
    "express": "^4.17.1",
    "left-pad": "file:../left-pad",
    "react": ">=16.8.0 <18"
  },
  "devDependencies": {
    "jest": "~29.1.0",
    "eslint": "*"
  }
}`,
			want:     []string{"lodash@4.17.15", "express@4.17.1", "react@16.8.0", "jest@29.1.0"},
			warnings: 2,
		},
		{
			name:    "packageLockV3",
			dialect: PackageLock,
			data: `{
  "lockfileVersion": 3,
  "packages": {
    "": {"name": "app"},
    "node_modules/lodash": {"version": "4.17.15"},
    "node_modules/a/node_modules/@scope/b": {"version": "1.0.0"},
    "packages/web": {"version": "0.1.0"}
  }
}`,
			want: []string{"lodash@4.17.15", "@scope/b@1.0.0"},
		},
		{
			name:    "packageLockV1",
			dialect: PackageLock,
			data: `{
  "lockfileVersion": 1,
  "dependencies": {
    "a": {"version": "1.0.0", "dependencies": {"b": {"version": "2.0.0"}}},
    "c": {"version": "3.0.0"}
  }
}`,
			want: []string{"a@1.0.0", "b@2.0.0", "c@3.0.0"},
		},
		{
			name:    "requirements",
			dialect: Requirements,
			data: `# pinned
Django==3.2.4
requests>=2.25.0,<3  # http
-r base.txt
--hash=sha256:abc
urllib3[socks] ~= 1.26.5 ; python_version >= "3.6"
flask
<<<garbage
pkg @ https://example.com/pkg.tar.gz
numpy<2
`,
			want:     []string{"Django@3.2.4", "requests@2.25.0", "urllib3@1.26.5"},
			warnings: 4,
		},
		{
			name:    "pyproject",
			dialect: Pyproject,
			data: `[project]
name = "app"
dependencies = ["httpx>=0.24.1", "pydantic[email]==2.1.0"]

[project.optional-dependencies]
test = ["pytest==7.4.0"]

[tool.poetry.dependencies]
python = "^3.10"
fastapi = "^0.100.0"
sqlalchemy = { version = "2.0.19", extras = ["asyncio"] }
mylib = { path = "../mylib" }
`,
			want:     []string{"httpx@0.24.1", "pydantic@2.1.0", "pytest@7.4.0", "fastapi@0.100.0", "sqlalchemy@2.0.19"},
			warnings: 1,
		},
		{
			name:    "goMod",
			dialect: GoMod,
			data: `module example.com/app

go 1.21

require github.com/google/uuid v1.6.0

require (
	golang.org/x/net v0.17.0 // indirect
	github.com/broken
	gopkg.in/yaml.v3 v3.0.1
)

replace (
	example.com/old => example.com/new v1.0.0
)
`,
			want:     []string{"github.com/google/uuid@v1.6.0", "golang.org/x/net@v0.17.0", "gopkg.in/yaml.v3@v3.0.1"},
			warnings: 1,
		},
		{
			name:    "goSum",
			dialect: GoSum,
			data: `github.com/pkg/errors v0.9.1 h1:FEBLx1zS214owpjy7qsBeixbURkuhQAwrK5UwLGTwt4=
github.com/pkg/errors v0.9.1/go.mod h1:bwawxfHBFNV+L2hUp1rHADufV3IMtnDRdf1r5NINEl0=
github.com/pkg/errors v0.8.0/go.mod h1:bwawxfHBFNV+L2hUp1rHADufV3IMtnDRdf1r5NINEl0=
not a go.sum line
`,
			want:     []string{"github.com/pkg/errors@v0.9.1"},
			warnings: 1,
		},
		{
			name:    "composerLock",
			dialect: ComposerLock,
			data: `{
  "content-hash": "x",
  "packages": [{"name": "laravel/framework", "version": "v8.83.1"}],
  "packages-dev": [{"name": "phpunit/phpunit", "version": "9.5.10"}, {"name": "acme/x", "version": "dev-main"}]
}`,
			want:     []string{"laravel/framework@8.83.1", "phpunit/phpunit@9.5.10"},
			warnings: 1,
		},
		{
			name:    "cargoLock",
			dialect: CargoLock,
			data: `version = 3

[[package]]
name = "app"
version = "0.1.0"

[[package]]
name = "serde"
version = "1.0.188"
source = "registry+https://github.com/rust-lang/crates.io-index"
`,
			want: []string{"serde@1.0.188"},
		},
		{
			name:    "dpkgStatus",
			dialect: DpkgStatus,
			data: `Package: libssl1.1
Status: install ok installed
Architecture: amd64
Source: openssl
Version: 1.1.1n-0+deb11u3
Description: Secure Sockets Layer toolkit
 multi-line description

Package: openssl
Status: install ok installed
Version: 1.1.1n-0+deb11u3

Package: removed-pkg
Status: deinstall ok config-files
Version: 1.0

Package: libgcc-s1
Status: install ok installed
Source: gcc-10 (10.2.1-6)
Version: 10.2.1-6

Status: install ok installed
Version: 2.0
`,
			want:     []string{"openssl@1.1.1n-0+deb11u3", "gcc-10@10.2.1-6"},
			warnings: 1,
		},
		{
			name:    "apkInstalled",
			dialect: ApkInstalled,
			data: `C:Q1abc=
P:musl
V:1.2.3-r4
o:musl

C:Q1def=
P:libcrypto3
V:3.0.8-r0
o:openssl

P:busybox
V:1.36.0-r9
`,
			want: []string{"musl@1.2.3-r4", "openssl@3.0.8-r0", "busybox@1.36.0-r9"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := Parse(tt.dialect, []byte(tt.data))
			require.NoError(t, err)

			assert.Equal(t, tt.want, names(m))
			assert.Len(t, m.Warnings, tt.warnings)
			for _, w := range m.Warnings {
				assert.ErrorIs(t, w, model.ErrParse)
			}
			for _, d := range m.Declarations {
				assert.Equal(t, tt.dialect.Ecosystem(), d.Ecosystem)
			}
		})
	}
}

func TestParseInvalidDocument(t *testing.T) {
	for _, d := range []Dialect{PackageJSON, PackageLock, ComposerLock} {
		_, err := Parse(d, []byte(`{"dependencies": `))
		assert.ErrorIs(t, err, model.ErrParse, d)
	}

	_, err := Parse(Pyproject, []byte("[project\nname="))
	assert.ErrorIs(t, err, model.ErrParse)
}

func TestDeclarationLines(t *testing.T) {
	m, err := Parse(Requirements, []byte("# header\n\nflask==2.0.1\n"))
	require.NoError(t, err)
	require.Len(t, m.Declarations, 1)
	assert.Equal(t, 3, m.Declarations[0].Line)

	m, err = Parse(PackageJSON, []byte("{\n \"dependencies\": {\n  \"lodash\": \"4.17.15\"\n }\n}"))
	require.NoError(t, err)
	require.Len(t, m.Declarations, 1)
	assert.Equal(t, 3, m.Declarations[0].Line)
}

func TestDetectDialect(t *testing.T) {
	tests := []struct {
		filename string
		data     string
		want     Dialect
	}{
		{filename: "web/package.json", want: PackageJSON},
		{filename: "npm-shrinkwrap.json", want: PackageLock},
		{filename: "requirements-dev.txt", want: Requirements},
		{filename: "Cargo.lock", want: CargoLock},
		{filename: "/var/lib/dpkg/status", want: DpkgStatus},
		{filename: "lib/apk/db/installed", want: ApkInstalled},
		{data: "Package: bash\nVersion: 5.1\n", want: DpkgStatus},
		{data: "C:Q1abc=\nP:musl\n", want: ApkInstalled},
		{data: `{"lockfileVersion": 2}`, want: PackageLock},
		{data: `{"name": "x"}`, want: PackageJSON},
		{data: "[tool.poetry]\nname = \"x\"", want: Pyproject},
		{data: "module example.com/x\n", want: GoMod},
		{data: "a v1.0.0 h1:abc=\n", want: GoSum},
		{data: "django==3.2\n", want: Requirements},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, DetectDialect(tt.filename, []byte(tt.data)), tt.filename+tt.data)
	}
}

func TestNormalizeVersion(t *testing.T) {
	tests := []struct {
		raw  string
		eco  Ecosystem
		want string
		ok   bool
	}{
		{raw: "^4.17.1", eco: Npm, want: "4.17.1", ok: true},
		{raw: ">= 2.0.0", eco: PyPI, want: "2.0.0", ok: true},
		{raw: "1.2.3 || 2.0.0", eco: Npm, want: "1.2.3", ok: true},
		{raw: "2.0.0rc1", eco: PyPI, want: "2.0.0rc1", ok: true},
		{raw: "1.2.3", eco: Go, want: "v1.2.3", ok: true},
		{raw: "v0.0.0-20210101000000-abcdef123456", eco: Go, want: "v0.0.0-20210101000000-abcdef123456", ok: true},
		{raw: "1.x", eco: Npm},
		{raw: "<2.0", eco: PyPI},
		{raw: "!=1.0", eco: PyPI},
		{raw: "latest", eco: Npm},
		{raw: "git+https://github.com/a/b.git", eco: Npm},
		{raw: "", eco: Npm},
		{raw: "1:2.3.4-1ubuntu1", eco: Debian, want: "1:2.3.4-1ubuntu1", ok: true},
		{raw: "", eco: Alpine},
	}

	for _, tt := range tests {
		got, ok := normalizeVersion(tt.raw, tt.eco)
		assert.Equal(t, tt.ok, ok, tt.raw)
		assert.Equal(t, tt.want, got, tt.raw)
	}
}

func TestParseEcosystem(t *testing.T) {
	e, err := ParseEcosystem("pypi")
	require.NoError(t, err)
	assert.Equal(t, PyPI, e)

	e, err = ParseEcosystem("golang")
	require.NoError(t, err)
	assert.Equal(t, Go, e)

	e, err = ParseEcosystem("apk")
	require.NoError(t, err)
	assert.Equal(t, Alpine, e)

	_, err = ParseEcosystem("maven")
	assert.Error(t, err)
}
