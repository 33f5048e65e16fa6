package packages

import (
	"github.com/BurntSushi/toml"
)

type cargoLock struct {
	Package []struct {
		Name    string `toml:"name"`
		Version string `toml:"version"`
		Source  string `toml:"source"`
	} `toml:"package"`
}

func parseCargoLock(m *Manifest, data []byte) error {
	var lock cargoLock
	if _, err := toml.Decode(string(data), &lock); err != nil {
		return err
	}

	for _, p := range lock.Package {
		// Crates without a source are workspace members.
		if p.Source == "" {
			continue
		}
		m.add(p.Name, p.Version, lineOf(data, `name = "`+p.Name+`"`))
	}

	return nil
}
