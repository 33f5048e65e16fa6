package analyzer

import (
	"bytes"
	"context"
	"errors"
	"reflect"
	"sort"
	"testing"

	"github.com/docker/docker/api/types/image"
	"github.com/fatih/color"
	"github.com/sirupsen/logrus"

	"github.com/kvesta/vigil/internal/logger"
	"github.com/kvesta/vigil/pkg/model"
	"github.com/kvesta/vigil/pkg/severity"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	logger.Discard()
}

type fakeHistory struct {
	items []image.HistoryResponseItem
	err   error
	calls int
}

func (f *fakeHistory) ImageHistory(ctx context.Context, imageID string) ([]image.HistoryResponseItem, error) {
	f.calls++
	return f.items, f.err
}

func newAuditor(t *testing.T, history HistoryClient) *Auditor {
	t.Helper()
	a, err := NewAuditor(history)
	require.NoError(t, err)
	return a
}

func TestSortSeverity(t *testing.T) {
	type args struct {
		threats []*threat
	}
	tests := []struct {
		name string
		args args
		want []severity.Level
	}{
		{
			name: "sort_test_1",
			args: args{threats: []*threat{{Severity: severity.High}, {Severity: severity.Low}, {Severity: severity.Critical}}},
			want: []severity.Level{severity.Critical, severity.High, severity.Low},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sortSeverity(tt.args.threats)

			got := []severity.Level{}
			for _, th := range tt.args.threats {
				got = append(got, th.Severity)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestWeakPassword(t *testing.T) {
	type args struct {
		p string
	}

	tests := []struct {
		name string
		args args
		want string
	}{
		{
			name: "weakPassword",
			args: args{p: "root"},
			want: "Weak",
		},
		{
			name: "weakPassword",
			args: args{p: "Password123"},
			want: "Weak",
		},
		{
			name: "strongPassword",
			args: args{p: "dDjwC3m^BFXz6B#a"},
			want: "Strong",
		},
		{
			name: "mediumPassword",
			args: args{p: "plDAYh"},
			want: "Medium",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := checkWeakPassword(tt.args.p)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("checkWeakPassword() got = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestLatestBaseWithoutUser(t *testing.T) {
	a := newAuditor(t, nil)

	res := a.Audit(context.Background(), Input{
		Name:       "Dockerfile",
		Dockerfile: "FROM node:latest\nWORKDIR /app\nCOPY package.json ./\nRUN npm ci\nCMD [\"node\", \"index.js\"]\n",
	})

	require.False(t, res.Degraded)
	require.Len(t, res.Findings, 2)

	assert.Equal(t, severity.High, res.Findings[0].Severity)
	assert.Equal(t, "No non-root user defined", res.Findings[0].Title)

	assert.Equal(t, severity.Medium, res.Findings[1].Severity)
	assert.Contains(t, res.Findings[1].Title, "mutable tag")

	for _, f := range res.Findings {
		assert.Equal(t, model.SourceContainer, f.Source)
		assert.Equal(t, "dockerfile:Dockerfile", f.AssetID)
		assert.Equal(t, model.FindingOpen, f.Status)
	}

	detail, ok := res.Findings[1].Detail.(model.ContainerDetail)
	require.True(t, ok)
	assert.Equal(t, 1, detail.Line)
	assert.Equal(t, "mutable-base-tag", detail.Rule)
}

func TestRules(t *testing.T) {
	tests := []struct {
		name  string
		lines string
		want  []string
	}{
		{name: "untagged base", lines: "FROM node", want: []string{"mutable-base-tag"}},
		{name: "pinned base", lines: "FROM node:20.11-alpine"},
		{name: "digest base", lines: "FROM node@sha256:0b3e5d6f"},
		{name: "stage reference", lines: "FROM golang:1.22 AS build\nFROM build"},
		{name: "registry port", lines: "FROM registry.local:5000/app", want: []string{"mutable-base-tag"}},
		{name: "scratch", lines: "FROM scratch"},
		{name: "root user", lines: "FROM alpine:3.20\nUSER root", want: []string{"user-root"}},
		{name: "curl pipe", lines: "FROM alpine:3.20\nRUN curl -fsSL https://get.example.com/install.sh | bash", want: []string{"remote-script-pipe"}},
		{name: "wget pipe", lines: "FROM alpine:3.20\nRUN wget -qO- https://get.example.com | sh", want: []string{"remote-script-pipe"}},
		{name: "chmod 777", lines: "FROM alpine:3.20\nRUN chmod -R 777 /app", want: []string{"chmod-777"}},
		{name: "chmod 755", lines: "FROM alpine:3.20\nRUN chmod 755 /app"},
		{name: "env secret", lines: "FROM alpine:3.20\nENV DB_PASSWORD=secret", want: []string{"secret-in-env"}},
		{name: "arg token", lines: "FROM alpine:3.20\nARG GITHUB_TOKEN", want: []string{"secret-in-env"}},
		{name: "gpg key", lines: "FROM alpine:3.20\nENV GPG_KEY A035C8C19219BA821ECEA86B64E628F8D684696D"},
		{name: "plain env", lines: "FROM alpine:3.20\nENV NODE_ENV=production PORT=8080"},
		{name: "copy all", lines: "FROM alpine:3.20\nCOPY . .", want: []string{"unrestricted-copy"}},
		{name: "copy all with flags", lines: "FROM alpine:3.20\nCOPY --chown=app:app . /app", want: []string{"unrestricted-copy"}},
		{name: "copy file", lines: "FROM alpine:3.20\nCOPY package.json ./"},
		{name: "apt without hygiene", lines: "FROM debian:bookworm\nRUN apt-get update && apt-get install -y curl", want: []string{"package-hygiene"}},
		{name: "apt with hygiene", lines: "FROM debian:bookworm\nRUN apt-get update && apt-get install -y --no-install-recommends curl && rm -rf /var/lib/apt/lists/*"},
		{name: "apk without cache flag", lines: "FROM alpine:3.20\nRUN apk add curl", want: []string{"package-hygiene"}},
		{name: "apk no cache", lines: "FROM alpine:3.20\nRUN apk add --no-cache curl"},
		{name: "add url", lines: "FROM alpine:3.20\nADD https://example.com/tool.tar.gz /opt/", want: []string{"add-remote-url"}},
		{name: "add url with checksum", lines: "FROM alpine:3.20\nADD --checksum=sha256:24454f830cdb571e2c4ad15481119c43b3cafd48dd869a9b2945d1036d1dc68d https://example.com/tool.tar.gz /opt/"},
		{name: "sudo", lines: "FROM alpine:3.20\nRUN sudo make install", want: []string{"sudo"}},
		{name: "weak echo password", lines: "FROM alpine:3.20\nRUN echo \"root:password\" | chpasswd", want: []string{"weak-password"}},
		{name: "echo password from env", lines: "FROM alpine:3.20\nENV ADMIN=admin\nRUN echo \"password=${ADMIN}\" > /etc/app.conf", want: []string{"weak-password"}},
		{name: "ssh", lines: "FROM alpine:3.20\nEXPOSE 22 80", want: []string{"ssh-exposed"}},
		{name: "commented out", lines: "FROM alpine:3.20\n# USER root\n# RUN chmod 777 /"},
	}

	a := newAuditor(t, nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			insts := parseDockerfile(tt.lines + "\nUSER app\n")
			tlist := a.evaluate(insts, "line", "")

			got := []string{}
			for _, th := range tlist {
				got = append(got, th.Rule)
			}
			sort.Strings(got)

			want := tt.want
			if want == nil {
				want = []string{}
			}
			assert.Equal(t, want, got)
		})
	}
}

func TestParseDockerfile(t *testing.T) {
	text := "# syntax=docker/dockerfile:1\n" +
		"FROM debian:bookworm\n" +
		"\n" +
		"RUN apt-get update \\\n" +
		"    # refresh the index first\n" +
		"    && apt-get install -y curl \\\n" +
		"\n" +
		"    && rm -rf /var/lib/apt/lists/*\n" +
		"user app\n"

	insts := parseDockerfile(text)
	require.Len(t, insts, 3)

	assert.Equal(t, 2, insts[0].Line)
	assert.Equal(t, "FROM", insts[0].Cmd)

	assert.Equal(t, 4, insts[1].Line)
	assert.Equal(t, "RUN", insts[1].Cmd)
	assert.Contains(t, insts[1].Args, "apt-get install -y curl")
	assert.Contains(t, insts[1].Args, "/var/lib/apt/lists")
	assert.NotContains(t, insts[1].Args, "refresh")

	assert.Equal(t, 9, insts[2].Line)
	assert.Equal(t, "USER", insts[2].Cmd)
}

func TestOneFindingPerLine(t *testing.T) {
	a := newAuditor(t, nil)

	res := a.Audit(context.Background(), Input{
		Dockerfile: "FROM alpine:3.20\nRUN chmod 777 /a\nRUN chmod 777 /b\nUSER app\n",
	})

	require.Len(t, res.Findings, 2)
	assert.Equal(t, "World-writable permissions (line 2)", res.Findings[0].Title)
	assert.Equal(t, "World-writable permissions (line 3)", res.Findings[1].Title)
}

func TestFinalStageUser(t *testing.T) {
	a := newAuditor(t, nil)

	res := a.Audit(context.Background(), Input{
		Dockerfile: "FROM golang:1.22 AS build\nUSER builder\nRUN go build ./...\nFROM gcr.io/distroless/static:nonroot\nCOPY --from=build /out/app /app\n",
	})

	titles := []string{}
	for _, f := range res.Findings {
		titles = append(titles, f.Title)
	}
	assert.Contains(t, titles, "No non-root user defined")
}

func TestKnownImages(t *testing.T) {
	tests := []struct {
		ref  string
		want []string
		cve  string
	}{
		{ref: "centos:7", want: []string{"End-of-life base image: CentOS"}},
		{ref: "docker.io/library/python:3.8-slim", want: []string{"End-of-life base image: Python"}},
		{ref: "python:3.12-slim"},
		{ref: "node:14", want: []string{"End-of-life base image: Node.js"}},
		{ref: "node:latest"},
		{ref: "nginx:1.18.0", want: []string{"nginx resolver off-by-one heap write"}, cve: "CVE-2021-23017"},
		{ref: "nginx:1.25-alpine"},
		{ref: "ubuntu:18.04", want: []string{"End-of-life base image: Ubuntu"}},
		{ref: "ubuntu:24.04"},
		{ref: "vulhub/struts2:2.3.28", want: []string{"Intentionally vulnerable image"}},
		{ref: "${BASE_IMAGE}"},
	}

	a := newAuditor(t, nil)
	for _, tt := range tests {
		t.Run(tt.ref, func(t *testing.T) {
			tlist := a.CheckKnownImages([]string{tt.ref})

			got := []string{}
			for _, th := range tlist {
				got = append(got, th.Title)
				assert.Equal(t, tt.ref, th.Image)
				assert.Equal(t, tt.cve, th.Reference)
			}
			want := tt.want
			if want == nil {
				want = []string{}
			}
			assert.Equal(t, want, got)
		})
	}
}

func TestLoadKnownImagesRejectsBadVersion(t *testing.T) {
	_, err := LoadKnownImages([]byte("- image: node\n  below: \"not a version\"\n"))
	assert.Error(t, err)

	_, err = LoadKnownImages([]byte("image: [\n"))
	assert.Error(t, err)
}

func TestImageHistory(t *testing.T) {
	history := &fakeHistory{items: []image.HistoryResponseItem{
		{CreatedBy: `/bin/sh -c #(nop)  CMD ["nginx" "-g" "daemon off;"]`},
		{CreatedBy: "RUN /bin/sh -c curl -s https://get.example.com/setup.sh | sh # buildkit"},
		{CreatedBy: "ENV API_TOKEN=abc123"},
		{CreatedBy: "/bin/sh -c #(nop) ADD file:4b1b4f5a in / "},
	}}
	a := newAuditor(t, history)

	res := a.Audit(context.Background(), Input{Image: "example/app:1.0", UseDaemon: true})

	require.False(t, res.Degraded)
	assert.Equal(t, 1, history.calls)

	titles := map[string]severity.Level{}
	for _, f := range res.Findings {
		titles[f.Title] = f.Severity
		assert.Equal(t, "image:example/app:1.0", f.AssetID)
	}
	assert.Equal(t, map[string]severity.Level{
		"Secret in ENV/ARG declaration (layer 2)":  severity.High,
		"Remote script piped to a shell (layer 3)": severity.High,
		"No non-root user defined":                 severity.High,
	}, titles)
}

func TestHistoryLogsPlainText(t *testing.T) {
	noColor := color.NoColor
	color.NoColor = false
	defer func() { color.NoColor = noColor }()

	var buf bytes.Buffer
	log := logger.L()
	log.SetOutput(&buf)
	log.SetLevel(logrus.DebugLevel)
	log.SetFormatter(&logrus.JSONFormatter{})
	defer func() {
		log.SetLevel(logrus.InfoLevel)
		logger.Discard()
	}()

	a := newAuditor(t, &fakeHistory{items: []image.HistoryResponseItem{{CreatedBy: "USER app"}}})
	_, err := a.CheckHistory(context.Background(), "example/app:1.0")
	require.NoError(t, err)

	assert.Contains(t, buf.String(), "begin image history analyzing")
	assert.NotContains(t, buf.String(), "\x1b[")
	assert.NotContains(t, buf.String(), "\\u001b[")
}

func TestHistoryInstructions(t *testing.T) {
	insts := historyInstructions([]image.HistoryResponseItem{
		{CreatedBy: "USER app"},
		{CreatedBy: "|1 VERSION=1.2 /bin/sh -c apt-get install -y curl"},
		{CreatedBy: ""},
	})

	require.Len(t, insts, 2)
	assert.Equal(t, "RUN", insts[0].Cmd)
	assert.Equal(t, "apt-get install -y curl", insts[0].Args)
	assert.Equal(t, 2, insts[0].Line)
	assert.Equal(t, "USER", insts[1].Cmd)
	assert.Equal(t, 3, insts[1].Line)
}

func TestHistoryFailureDegrades(t *testing.T) {
	history := &fakeHistory{err: errors.New("Cannot connect to the Docker daemon")}
	a := newAuditor(t, history)

	res := a.Audit(context.Background(), Input{Image: "node:14", UseDaemon: true})

	assert.True(t, res.Degraded)
	assert.Equal(t, model.UpstreamUnavailable, res.Kind)
	require.Len(t, res.Findings, 1)
	assert.Equal(t, "End-of-life base image: Node.js", res.Findings[0].Title)
}

func TestNoDaemonDegrades(t *testing.T) {
	a := newAuditor(t, nil)

	res := a.Audit(context.Background(), Input{Image: "alpine:3.20", UseDaemon: true})
	assert.True(t, res.Degraded)
	assert.Equal(t, model.UpstreamUnavailable, res.Kind)
}

func TestEmptyInput(t *testing.T) {
	a := newAuditor(t, nil)

	res := a.Audit(context.Background(), Input{Dockerfile: "  \n# nothing\n"})
	assert.False(t, res.Degraded)
	assert.Empty(t, res.Findings)
}
