package packages

import (
	"errors"
	"strings"

	"github.com/tidwall/gjson"
)

var npmSections = []string{"dependencies", "devDependencies", "optionalDependencies"}

func parsePackageJSON(m *Manifest, data []byte) error {
	if !gjson.ValidBytes(data) {
		return errors.New("invalid JSON")
	}

	doc := gjson.ParseBytes(data)
	for _, section := range npmSections {
		doc.Get(section).ForEach(func(key, value gjson.Result) bool {
			name := key.String()
			line := lineOf(data, `"`+name+`"`)
			if value.Type != gjson.String {
				m.warn(line, "%s: version of %s is not a string", section, name)
				return true
			}
			m.add(name, value.String(), line)
			return true
		})
	}

	return nil
}

// parsePackageLock reads lockfile v2/v3 "packages" entries, falling back to
// the nested v1 "dependencies" tree.
func parsePackageLock(m *Manifest, data []byte) error {
	if !gjson.ValidBytes(data) {
		return errors.New("invalid JSON")
	}

	doc := gjson.ParseBytes(data)

	if packs := doc.Get("packages"); packs.Exists() {
		packs.ForEach(func(key, value gjson.Result) bool {
			path := key.String()
			i := strings.LastIndex(path, "node_modules/")
			if path == "" || i < 0 || value.Get("link").Bool() {
				return true
			}
			m.add(path[i+len("node_modules/"):], value.Get("version").String(), 0)
			return true
		})
		return nil
	}

	walkLockDependencies(m, doc.Get("dependencies"))
	return nil
}

func walkLockDependencies(m *Manifest, deps gjson.Result) {
	deps.ForEach(func(key, value gjson.Result) bool {
		m.add(key.String(), value.Get("version").String(), 0)
		walkLockDependencies(m, value.Get("dependencies"))
		return true
	})
}
