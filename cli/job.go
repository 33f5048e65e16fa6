package cli

import (
	"context"
	"fmt"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/kvesta/vigil/internal/engine"
	"github.com/kvesta/vigil/internal/report"
)

var jobLimit int

func job() {
	jobCmd := &cobra.Command{
		Use:   "job <id>",
		Short: "Show a recorded scan job",
		Long: `Examples:
  # Show a job and its findings
  $ vigil job 0f8fad5b-d9cb-469f-a165-70867728950e

  # List the latest jobs
  $ vigil job list -n 20`,
		Args: ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(settings)
			if err != nil {
				return err
			}
			defer st.Close()

			// The engine only reads here; no scanners are wired.
			e := engine.New(engine.Config{Store: st})

			j, findings, err := e.GetJob(context.Background(), args[0])
			if err != nil {
				return fmt.Errorf("job %s: %w", args[0], err)
			}

			if asJSON {
				return report.PrintJobJSON(cmd.OutOrStdout(), j, findings)
			}
			if err = report.PrintJob(cmd.OutOrStdout(), j, findings); err != nil {
				return err
			}
			if outfile != "" {
				_, err = report.JobToJSON(outfile, j, findings)
			}
			return err
		},
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "list the latest jobs",
		Args:  NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(settings)
			if err != nil {
				return err
			}
			defer st.Close()

			jobs, err := st.ListJobs(context.Background(), jobLimit)
			if err != nil {
				return err
			}

			table := tablewriter.NewWriter(cmd.OutOrStdout())
			table.SetHeader([]string{"ID", "Job", "Kind", "Target", "Status", "Score", "Created"})

			for i, j := range jobs {
				score := "-"
				if j.Score != nil {
					score = strconv.Itoa(*j.Score)
				}
				table.Append([]string{
					strconv.Itoa(i + 1), j.ID, string(j.Kind), j.Target,
					string(j.Status), score, j.CreatedAt.Local().Format("2006-01-02 15:04:05"),
				})
			}
			table.Render()

			return nil
		},
	}

	jobCmd.Flags().StringVarP(&outfile, "output", "o", "", "also save the job as JSON")
	jobCmd.Flags().BoolVar(&asJSON, "json", false, "print the job as JSON")
	listCmd.Flags().IntVarP(&jobLimit, "limit", "n", 50, "number of jobs to list")

	jobCmd.AddCommand(listCmd)
	rootCmd.AddCommand(jobCmd)
}
