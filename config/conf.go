package config

import (
	"github.com/fatih/color"
)

// Terminal highlights for report output. color disables them when stdout
// is not a terminal.
var (
	Yellow = color.New(color.FgYellow).SprintFunc()
	Red    = color.New(color.FgRed).SprintFunc()
	Green  = color.New(color.FgGreen).SprintFunc()
	Pink   = color.New(color.FgMagenta).SprintFunc()
)
