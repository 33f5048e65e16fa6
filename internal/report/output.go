package report

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"

	"github.com/kvesta/vigil/config"
	"github.com/kvesta/vigil/pkg/model"
	"github.com/kvesta/vigil/pkg/severity"
	"github.com/kvesta/vigil/pkg/vulnlib"
)

const maxDescription = 200

// counts tallies levels for the summary line.
type counts map[severity.Level]int

func tally[T any](items []T, level func(T) severity.Level) counts {
	c := counts{}
	for _, it := range items {
		c[level(it)]++
	}
	return c
}

func (c counts) summary(total int) string {
	return fmt.Sprintf("Detected %s findings | "+
		"Critical: %s High: %s Medium: %s Low: %s Info: %d",
		config.Yellow(total),
		config.Red(c[severity.Critical]),
		config.Pink(c[severity.High]),
		config.Yellow(c[severity.Medium]),
		config.Green(c[severity.Low]),
		c[severity.Info])
}

// PrintJob prints the job state and, for completed jobs, its findings
// grouped by scanner source.
func PrintJob(w io.Writer, job *model.ScanJob, findings []model.Finding) error {
	fmt.Fprintf(w, "\nJob %s | %s %s | Status: %s", job.ID, job.Kind, job.Target, judgeStatus(job.Status))
	if job.Score != nil {
		fmt.Fprintf(w, " | Score: %s", judgeScore(*job.Score))
	}
	fmt.Fprintln(w)

	if job.Error != "" {
		fmt.Fprintf(w, "Error: %s\n", config.Red(job.Error))
	}
	if job.Status != model.JobCompleted {
		return nil
	}

	c := tally(findings, func(f model.Finding) severity.Level { return f.Severity })
	fmt.Fprintf(w, "\n%s\n\n", c.summary(len(findings)))

	if len(findings) == 0 {
		return nil
	}

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"ID", "Source", "Asset", "Title", "CVEID", "Severity", "Description"})
	table.SetRowLine(true)
	table.SetAutoMergeCellsByColumnIndex([]int{1, 2})

	for i, f := range bySource(findings) {
		table.Append([]string{
			strconv.Itoa(i + 1), string(f.Source), f.AssetName,
			f.Title, f.CVEID, judgeSeverity(f.Severity), describe(f),
		})
	}
	table.Render()

	return nil
}

// PrintCVEs prints directory records, most severe first.
func PrintCVEs(w io.Writer, recs []vulnlib.CVERecord) error {
	severity.Sort(recs, func(r vulnlib.CVERecord) severity.Level { return r.Severity })

	c := tally(recs, func(r vulnlib.CVERecord) severity.Level { return r.Severity })
	fmt.Fprintf(w, "\n%s\n\n", c.summary(len(recs)))

	if len(recs) == 0 {
		return nil
	}

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"ID", "CVEID", "Score", "Level", "Published", "Description"})
	table.SetRowLine(true)

	for i, r := range recs {
		score := "-"
		if r.Score != nil {
			score = fmt.Sprintf("%.1f", *r.Score)
		}
		published := ""
		if !r.Published.IsZero() {
			published = r.Published.Format("2006-01-02")
		}

		table.Append([]string{
			strconv.Itoa(i + 1), r.ID, score, judgeSeverity(r.Severity),
			published, limit(r.Description),
		})
	}
	table.Render()

	return nil
}

// bySource keeps the severity order within each source so merged cells
// stay contiguous.
func bySource(findings []model.Finding) []model.Finding {
	order := []model.Source{model.SourceNetwork, model.SourceWeb, model.SourceDependency, model.SourceContainer}

	out := make([]model.Finding, 0, len(findings))
	seen := map[model.Source]bool{}
	for _, src := range order {
		seen[src] = true
		for _, f := range findings {
			if f.Source == src {
				out = append(out, f)
			}
		}
	}
	for _, f := range findings {
		if !seen[f.Source] {
			out = append(out, f)
		}
	}
	return out
}

func describe(f model.Finding) string {
	desc := limit(f.Description)
	if f.Remediation == "" {
		return desc
	}
	if desc != "" {
		desc += "\n"
	}
	return desc + "Fix: " + f.Remediation
}

func limit(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > maxDescription {
		return s[:maxDescription] + " ..."
	}
	return s
}

func judgeSeverity(level severity.Level) string {
	switch level {
	case severity.Critical:
		return config.Red("critical")
	case severity.High:
		return config.Pink("high")
	case severity.Medium:
		return config.Yellow("medium")
	case severity.Low:
		return config.Green("low")
	case severity.Info:
		return "info"
	}
	return "unknown"
}

func judgeStatus(s model.JobStatus) string {
	switch s {
	case model.JobCompleted:
		return config.Green(s)
	case model.JobFailed:
		return config.Red(s)
	}
	return config.Yellow(s)
}

func judgeScore(score int) string {
	switch {
	case score >= 80:
		return config.Green(score)
	case score >= 50:
		return config.Yellow(score)
	}
	return config.Red(score)
}
