package packages

import (
	"errors"

	"github.com/tidwall/gjson"
)

func parseComposerLock(m *Manifest, data []byte) error {
	if !gjson.ValidBytes(data) {
		return errors.New("invalid JSON")
	}

	doc := gjson.ParseBytes(data)
	for _, section := range []string{"packages", "packages-dev"} {
		doc.Get(section).ForEach(func(_, pack gjson.Result) bool {
			name := pack.Get("name").String()
			if name == "" {
				m.warn(0, "%s entry without a name", section)
				return true
			}
			m.add(name, pack.Get("version").String(), lineOf(data, `"`+name+`"`))
			return true
		})
	}

	return nil
}
