package analyzer

import (
	"regexp"
	"strings"
	"unicode"
)

var passKey = []*regexp.Regexp{
	regexp.MustCompile(`(?i)passw(or)?d`),
	regexp.MustCompile(`(?i)\bpwd\b|_pwd\b|^pwd`),
	regexp.MustCompile(`(?i)secret`),
	regexp.MustCompile(`(?i)token`),
	regexp.MustCompile(`(?i)api[_-]?key`),
	regexp.MustCompile(`(?i)access[_-]?key`),
	regexp.MustCompile(`(?i)private[_-]?key`),
	regexp.MustCompile(`(?i)credential`),
}

var weakPasswords = map[string]bool{
	"root": true, "admin": true, "administrator": true, "password": true, "passwd": true,
	"123456": true, "12345678": true, "123456789": true, "qwerty": true, "abc123": true,
	"letmein": true, "welcome": true, "changeme": true, "default": true, "test": true,
	"guest": true, "toor": true, "secret": true, "mysql": true, "postgres": true,
	"redis": true, "oracle": true, "p@ssw0rd": true, "pass": true, "111111": true,
}

func isSecretKey(key string) bool {
	for _, p := range passKey {
		if p.MatchString(key) {
			return true
		}
	}
	return false
}

// checkWeakPassword grades a password as "Weak", "Medium" or "Strong".
func checkWeakPassword(pass string) string {
	lower := strings.ToLower(pass)
	if weakPasswords[lower] || weakPasswords[strings.TrimRight(lower, "0123456789!@#.")] {
		return "Weak"
	}

	var hasLower, hasUpper, hasDigit, hasSpecial bool
	for _, r := range pass {
		switch {
		case unicode.IsLower(r):
			hasLower = true
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsDigit(r):
			hasDigit = true
		default:
			hasSpecial = true
		}
	}

	classes := 0
	for _, ok := range []bool{hasLower, hasUpper, hasDigit, hasSpecial} {
		if ok {
			classes++
		}
	}

	switch {
	case len(pass) < 6, classes == 1 && len(pass) < 10:
		return "Weak"
	case len(pass) >= 12 && classes >= 3:
		return "Strong"
	}
	return "Medium"
}

// echoPass extracts the value assigned to a secret-looking key inside an
// echo argument, resolving ${VAR} references against env.
func echoPass(text string, env map[string]string) string {
	if !isSecretKey(text) {
		return ""
	}

	prune := strings.TrimSpace(text)

	var pass string
	if parts := strings.SplitN(prune, "=", 2); len(parts) > 1 {
		pass = parts[1]
	} else if parts := strings.SplitN(prune, ":", 2); len(parts) > 1 {
		pass = parts[1]
	}
	pass = strings.Trim(strings.TrimSpace(pass), `"'`)

	envReg := regexp.MustCompile(`^\$\{?(\w+)\}?$`)
	if m := envReg.FindStringSubmatch(pass); len(m) > 1 {
		if value, ok := env[m[1]]; ok {
			pass = value
		}
	}

	return pass
}
