package analyzer

import (
	"context"
	"fmt"
	"strings"

	"github.com/docker/docker/api/types/image"

	"github.com/kvesta/vigil/internal/logger"
)

var dockerInstructions = map[string]bool{
	"ADD": true, "ARG": true, "CMD": true, "COPY": true, "ENTRYPOINT": true,
	"ENV": true, "EXPOSE": true, "HEALTHCHECK": true, "LABEL": true,
	"MAINTAINER": true, "ONBUILD": true, "RUN": true, "SHELL": true,
	"STOPSIGNAL": true, "USER": true, "VOLUME": true, "WORKDIR": true,
}

// CheckHistory rebuilds the instructions of an image from the daemon's
// layer history and runs the build rules over them.
func (a *Auditor) CheckHistory(ctx context.Context, ref string) ([]*threat, error) {
	log := logger.Scanner("container").WithField("image", ref)
	log.Debug("begin image history analyzing")

	items, err := a.History.ImageHistory(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("image history %s: %w", ref, err)
	}

	insts := historyInstructions(items)
	log.WithField("layers", len(insts)).Debug("image history loaded")

	return a.evaluate(insts, "layer", ref), nil
}

// historyInstructions turns layer history, newest first as the daemon
// returns it, into instructions in build order. Layer numbers start at 1
// with the oldest layer.
func historyInstructions(items []image.HistoryResponseItem) []instruction {
	insts := []instruction{}

	for i := len(items) - 1; i >= 0; i-- {
		line := pruneLayer(items[i].CreatedBy)
		if line == "" {
			continue
		}

		fields := strings.SplitN(line, " ", 2)
		cmd := strings.ToUpper(fields[0])
		if !dockerInstructions[cmd] {
			line = "RUN " + line
			fields = strings.SplitN(line, " ", 2)
			cmd = "RUN"
		}

		in := instruction{
			Line: len(items) - i,
			Cmd:  cmd,
			Raw:  line,
		}
		if len(fields) > 1 {
			in.Args = strings.TrimSpace(fields[1])
		}
		insts = append(insts, in)
	}

	return insts
}

// pruneLayer strips the shell wrapper, the nop marker, build argument
// prefixes and the BuildKit suffix from a CreatedBy entry.
func pruneLayer(createdBy string) string {
	prune := strings.TrimSpace(createdBy)
	prune = strings.TrimSuffix(prune, "# buildkit")
	prune = strings.TrimPrefix(prune, "RUN ")
	prune = argPrefixReg.ReplaceAllString(prune, "")
	prune = strings.TrimPrefix(prune, "/bin/sh -c ")
	prune = strings.TrimPrefix(prune, "#(nop)")

	return strings.TrimSpace(prune)
}
