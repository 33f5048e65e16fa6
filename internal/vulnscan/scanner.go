package vulnscan

import (
	"time"

	"github.com/kvesta/vigil/pkg/vulnlib"
)

const (
	DefaultAttempts = 3
	DefaultBackoff  = 2 * time.Second
)

// Resolver matches dependency declarations against a vulnerability
// directory. A scan costs one QueryBatch call; failed calls are retried
// with exponential backoff before the scan degrades.
type Resolver struct {
	Directory vulnlib.Directory
	Attempts  int
	Backoff   time.Duration
	// Typosquat adds findings for package names confusable with popular
	// or known malicious packages.
	Typosquat bool
}

func NewResolver(dir vulnlib.Directory) *Resolver {
	return &Resolver{
		Directory: dir,
		Attempts:  DefaultAttempts,
		Backoff:   DefaultBackoff,
		Typosquat: true,
	}
}
