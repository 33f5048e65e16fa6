package analyzer

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/kvesta/vigil/pkg/severity"
)

type instruction struct {
	Line int
	Cmd  string
	Args string
	Raw  string
}

// buildState is carried across the instructions of one file.
type buildState struct {
	stages  map[string]bool
	env     map[string]string
	nonRoot bool
}

type rule struct {
	ID          string
	Severity    severity.Level
	Title       string
	Remediation string

	// match returns a description when the instruction violates the rule.
	match func(in instruction, st *buildState) (string, bool)
}

var (
	pipeShellReg = regexp.MustCompile(`(?i)\b(curl|wget)\b[^|;&]*\|\s*(sudo\s+)?(ba|z|da|k)?sh\b`)
	chmodReg     = regexp.MustCompile(`\bchmod\s+(-[a-zA-Z]+\s+)*0?777\b`)
	sudoReg      = regexp.MustCompile(`(^|[\s;&|(])sudo\s`)
	echoReg      = regexp.MustCompile(`echo\s+["'](.*?)["']`)
	aptReg       = regexp.MustCompile(`\bapt(-get)?\s+(-\S+\s+)*install\b`)
	apkReg       = regexp.MustCompile(`\bapk\s+add\b`)
	argPrefixReg = regexp.MustCompile(`^\|\d+(\s+\S+=\S*)*\s+`)
)

// Public key fingerprints that official images set in ENV.
var publicKeys = map[string]bool{
	"GPG_KEY":  true,
	"GPG_KEYS": true,
}

func defaultRules() []rule {
	return []rule{
		{
			ID:          "mutable-base-tag",
			Severity:    severity.Medium,
			Title:       "Base image uses a mutable tag",
			Remediation: "Pin the base image to a specific version tag or a sha256 digest.",
			match:       mutableBase,
		},
		{
			ID:          "user-root",
			Severity:    severity.High,
			Title:       "Container runs as root",
			Remediation: "Create an unprivileged user and switch to it with USER.",
			match: func(in instruction, st *buildState) (string, bool) {
				if in.Cmd != "USER" || !isRootUser(in.Args) {
					return "", false
				}
				return "The USER instruction switches to the root account.", true
			},
		},
		{
			ID:          "remote-script-pipe",
			Severity:    severity.High,
			Title:       "Remote script piped to a shell",
			Remediation: "Download the script, verify its checksum, then run it.",
			match: func(in instruction, st *buildState) (string, bool) {
				if in.Cmd != "RUN" || !pipeShellReg.MatchString(in.Args) {
					return "", false
				}
				return "A script fetched over the network is executed without verification.", true
			},
		},
		{
			ID:          "chmod-777",
			Severity:    severity.Medium,
			Title:       "World-writable permissions",
			Remediation: "Grant only the permissions the process needs, for example 755 or 644.",
			match: func(in instruction, st *buildState) (string, bool) {
				if in.Cmd != "RUN" || !chmodReg.MatchString(in.Args) {
					return "", false
				}
				return "chmod 777 makes files writable by every user in the container.", true
			},
		},
		{
			ID:          "secret-in-env",
			Severity:    severity.High,
			Title:       "Secret in ENV/ARG declaration",
			Remediation: "Pass secrets at runtime or with BuildKit secret mounts instead of baking them into the image.",
			match:       secretDeclaration,
		},
		{
			ID:          "unrestricted-copy",
			Severity:    severity.Low,
			Title:       "Unrestricted build context copy",
			Remediation: "Copy only the files the image needs and maintain a .dockerignore.",
			match: func(in instruction, st *buildState) (string, bool) {
				if in.Cmd != "COPY" && in.Cmd != "ADD" {
					return "", false
				}
				src, _ := copySources(in.Args)
				for _, s := range src {
					if s == "." || s == "./" {
						return fmt.Sprintf("%s copies the whole build context, which may include secrets and VCS data.", in.Cmd), true
					}
				}
				return "", false
			},
		},
		{
			ID:          "package-hygiene",
			Severity:    severity.Low,
			Title:       "Package install without size hygiene",
			Remediation: "Use apt-get install --no-install-recommends and remove /var/lib/apt/lists in the same RUN, or apk add --no-cache.",
			match:       packageHygiene,
		},
		{
			ID:          "add-remote-url",
			Severity:    severity.Medium,
			Title:       "ADD fetches a remote URL",
			Remediation: "Download with curl or wget, verify the checksum, or use ADD --checksum.",
			match: func(in instruction, st *buildState) (string, bool) {
				if in.Cmd != "ADD" || strings.Contains(in.Args, "--checksum=") {
					return "", false
				}
				src, _ := copySources(in.Args)
				for _, s := range src {
					if strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://") {
						return fmt.Sprintf("Remote content %s is added without integrity verification.", s), true
					}
				}
				return "", false
			},
		},
		{
			ID:          "sudo",
			Severity:    severity.Medium,
			Title:       "sudo used in build",
			Remediation: "Run privileged steps before switching USER instead of installing sudo.",
			match: func(in instruction, st *buildState) (string, bool) {
				if in.Cmd != "RUN" || !sudoReg.MatchString(" "+in.Args) {
					return "", false
				}
				return "sudo in the image lets any process escalate to root.", true
			},
		},
		{
			ID:          "weak-password",
			Severity:    severity.High,
			Title:       "Weak password in build command",
			Remediation: "Remove hard-coded credentials and generate strong passwords at runtime.",
			match:       weakEcho,
		},
		{
			ID:          "ssh-exposed",
			Severity:    severity.Low,
			Title:       "SSH port exposed",
			Remediation: "Do not run sshd in containers; use docker exec for access.",
			match: func(in instruction, st *buildState) (string, bool) {
				if in.Cmd != "EXPOSE" {
					return "", false
				}
				for _, p := range strings.Fields(in.Args) {
					if p == "22" || strings.HasPrefix(p, "22/") {
						return "Port 22 is exposed by the image.", true
					}
				}
				return "", false
			},
		},
	}
}

// parseDockerfile joins continuation lines and drops comments. Each
// instruction keeps the number of its first physical line.
func parseDockerfile(text string) []instruction {
	var (
		out     []instruction
		pending strings.Builder
		start   int
	)

	flush := func() {
		raw := strings.TrimSpace(pending.String())
		pending.Reset()
		if raw == "" {
			return
		}
		fields := strings.SplitN(raw, " ", 2)
		in := instruction{Line: start, Cmd: strings.ToUpper(fields[0]), Raw: raw}
		if len(fields) > 1 {
			in.Args = strings.TrimSpace(fields[1])
		}
		out = append(out, in)
	}

	for i, line := range strings.Split(text, "\n") {
		line = strings.TrimRight(line, "\r")
		trimmed := strings.TrimSpace(line)

		if strings.HasPrefix(trimmed, "#") {
			continue
		}
		if trimmed == "" {
			continue
		}
		if pending.Len() == 0 {
			start = i + 1
		}

		if strings.HasSuffix(trimmed, "\\") {
			pending.WriteString(strings.TrimSuffix(trimmed, "\\"))
			pending.WriteString(" ")
			continue
		}

		pending.WriteString(trimmed)
		flush()
	}
	flush()

	return out
}

// evaluate runs every rule over every instruction. unit names the
// position in titles, "line" for files and "layer" for image history.
func (a *Auditor) evaluate(insts []instruction, unit, img string) []*threat {
	st := &buildState{
		stages: map[string]bool{},
		env:    map[string]string{},
	}

	tlist := []*threat{}
	for _, in := range insts {
		for _, r := range a.Rules {
			desc, ok := r.match(in, st)
			if !ok {
				continue
			}

			tlist = append(tlist, &threat{
				Rule:        r.ID,
				Line:        in.Line,
				Text:        shorten(in.Raw, 200),
				Image:       img,
				Title:       fmt.Sprintf("%s (%s %d)", r.Title, unit, in.Line),
				Describe:    desc,
				Remediation: r.Remediation,
				Severity:    r.Severity,
			})
		}

		st.observe(in)
	}

	if len(insts) > 0 && !st.nonRoot {
		tlist = append(tlist, &threat{
			Rule:        "no-user",
			Image:       img,
			Title:       "No non-root user defined",
			Describe:    "The final stage never switches to an unprivileged user, so the container runs as root.",
			Remediation: "Add a USER instruction with a non-root user to the final stage.",
			Severity:    severity.High,
		})
	}

	return tlist
}

// observe records stage names, environment values and users once the
// rules have seen an instruction.
func (st *buildState) observe(in instruction) {
	switch in.Cmd {
	case "FROM":
		_, alias := fromImage(in.Args)
		if alias != "" {
			st.stages[strings.ToLower(alias)] = true
		}
		st.nonRoot = false
	case "USER":
		if !isRootUser(in.Args) {
			st.nonRoot = true
		}
	case "ENV", "ARG":
		for k, v := range declarations(in.Cmd, in.Args) {
			if v != "" {
				st.env[k] = v
			}
		}
	}
}

func mutableBase(in instruction, st *buildState) (string, bool) {
	if in.Cmd != "FROM" {
		return "", false
	}

	ref, _ := fromImage(in.Args)
	if ref == "" || strings.EqualFold(ref, "scratch") || st.stages[strings.ToLower(ref)] {
		return "", false
	}
	if strings.Contains(ref, "@") || strings.Contains(ref, "$") {
		return "", false
	}

	_, tag := splitReference(ref)
	switch tag {
	case "":
		return fmt.Sprintf("Base image %s has no tag and resolves to latest, so rebuilds may pull different content.", ref), true
	case "latest":
		return fmt.Sprintf("Base image %s uses the latest tag, so rebuilds may pull different content.", ref), true
	}
	return "", false
}

func secretDeclaration(in instruction, st *buildState) (string, bool) {
	if in.Cmd != "ENV" && in.Cmd != "ARG" {
		return "", false
	}

	var keys []string
	weak := false
	for k, v := range declarations(in.Cmd, in.Args) {
		if publicKeys[strings.ToUpper(k)] || !isSecretKey(k) {
			continue
		}
		keys = append(keys, k)
		if v != "" && checkWeakPassword(strings.Trim(v, `"'`)) == "Weak" {
			weak = true
		}
	}
	if len(keys) == 0 {
		return "", false
	}

	sort.Strings(keys)
	desc := fmt.Sprintf("%s declares sensitive key(s) %s, which stay readable in the image metadata.",
		in.Cmd, strings.Join(keys, ", "))
	if weak {
		desc += " The value is also a weak password."
	}
	return desc, true
}

func packageHygiene(in instruction, st *buildState) (string, bool) {
	if in.Cmd != "RUN" {
		return "", false
	}

	if aptReg.MatchString(in.Args) {
		var missing []string
		if !strings.Contains(in.Args, "--no-install-recommends") {
			missing = append(missing, "--no-install-recommends")
		}
		if !strings.Contains(in.Args, "/var/lib/apt/lists") {
			missing = append(missing, "apt list cleanup")
		}
		if len(missing) > 0 {
			return fmt.Sprintf("apt install without %s grows the image.", strings.Join(missing, " and ")), true
		}
	}

	if apkReg.MatchString(in.Args) && !strings.Contains(in.Args, "--no-cache") {
		return "apk add without --no-cache leaves the package index in the image.", true
	}
	return "", false
}

// weakEcho looks for credentials written with echo, resolving ${VAR}
// against earlier ENV and ARG values.
func weakEcho(in instruction, st *buildState) (string, bool) {
	if in.Cmd != "RUN" {
		return "", false
	}

	for _, cmd := range strings.Split(in.Args, "&&") {
		m := echoReg.FindStringSubmatch(cmd)
		if len(m) < 2 {
			continue
		}
		pass := echoPass(m[1], st.env)
		if pass == "" {
			continue
		}
		if checkWeakPassword(pass) == "Weak" {
			return fmt.Sprintf("Weak password found in command: '%s'.", shorten(cmd, 120)), true
		}
	}
	return "", false
}

// fromImage returns the image reference and the stage alias of a FROM.
func fromImage(args string) (string, string) {
	var fields []string
	for _, f := range strings.Fields(args) {
		if strings.HasPrefix(f, "--") {
			continue
		}
		fields = append(fields, f)
	}
	if len(fields) == 0 {
		return "", ""
	}
	if len(fields) >= 3 && strings.EqualFold(fields[1], "as") {
		return fields[0], fields[2]
	}
	return fields[0], ""
}

// splitReference separates repository and tag. A port in the registry
// host is not mistaken for a tag.
func splitReference(ref string) (string, string) {
	if i := strings.Index(ref, "@"); i >= 0 {
		ref = ref[:i]
	}
	slash := strings.LastIndex(ref, "/")
	colon := strings.LastIndex(ref, ":")
	if colon > slash {
		return ref[:colon], ref[colon+1:]
	}
	return ref, ""
}

func isRootUser(args string) bool {
	user := strings.TrimSpace(strings.SplitN(args, ":", 2)[0])
	return user == "root" || user == "0"
}

// copySources returns the source operands of COPY or ADD and the
// destination. JSON array form is accepted.
func copySources(args string) ([]string, string) {
	var fields []string
	trimmed := strings.TrimSpace(args)
	if strings.HasPrefix(trimmed, "[") {
		for _, f := range strings.Split(strings.Trim(trimmed, "[]"), ",") {
			fields = append(fields, strings.Trim(strings.TrimSpace(f), `"`))
		}
	} else {
		for _, f := range strings.Fields(trimmed) {
			if strings.HasPrefix(f, "--") {
				continue
			}
			fields = append(fields, f)
		}
	}
	if len(fields) < 2 {
		return nil, ""
	}
	return fields[:len(fields)-1], fields[len(fields)-1]
}

// declarations reads KEY=VALUE pairs of ENV and ARG, including the legacy
// "ENV KEY VALUE" form.
func declarations(cmd, args string) map[string]string {
	out := map[string]string{}
	fields := splitQuoted(args)
	if len(fields) == 0 {
		return out
	}

	if cmd == "ENV" && !strings.Contains(fields[0], "=") {
		out[fields[0]] = strings.TrimSpace(strings.TrimPrefix(args, fields[0]))
		return out
	}

	for _, f := range fields {
		parts := strings.SplitN(f, "=", 2)
		if len(parts) == 2 {
			out[parts[0]] = strings.Trim(parts[1], `"'`)
		} else {
			out[parts[0]] = ""
		}
	}
	return out
}

// splitQuoted splits on spaces outside of quotes.
func splitQuoted(s string) []string {
	var (
		out   []string
		cur   strings.Builder
		quote rune
	)
	for _, r := range s {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			}
			cur.WriteRune(r)
		case r == '"' || r == '\'':
			quote = r
			cur.WriteRune(r)
		case r == ' ' || r == '\t':
			if cur.Len() > 0 {
				out = append(out, cur.String())
				cur.Reset()
			}
		default:
			cur.WriteRune(r)
		}
	}
	if cur.Len() > 0 {
		out = append(out, cur.String())
	}
	return out
}
