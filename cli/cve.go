package cli

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kvesta/vigil/config"
	"github.com/kvesta/vigil/internal/logger"
	"github.com/kvesta/vigil/internal/report"
	"github.com/kvesta/vigil/pkg/severity"
	"github.com/kvesta/vigil/pkg/vulnlib"
)

var (
	recentDays  int
	recentLevel string
	noCache     bool
)

// newNVD builds the directory client behind the process-wide gate. The
// cache is best effort: lookups go upstream when it cannot be opened.
func newNVD(s *config.Settings) (*vulnlib.NVD, func()) {
	nvd := vulnlib.NewNVD(s.NVD.Endpoint, s.NVD.APIKey, vulnlib.NewGate(s.NVD.Spacing()), s.NVD.Timeout)
	if noCache {
		return nvd, func() {}
	}

	cache, err := vulnlib.OpenCache(filepath.Join(config.HomeDir(), "cve.db"), s.NVD.CacheTTL)
	if err != nil {
		logger.L().Warnf("cve cache unavailable: %v", err)
		return nvd, func() {}
	}
	nvd.Cache = cache

	return nvd, func() { cache.Close() }
}

func cve() {
	cveCmd := &cobra.Command{
		Use:   "cve",
		Short: "Query the CVE directory",
		Long: `Examples:
  # Look up one CVE
  $ vigil cve id CVE-2021-44228

  # Free text search
  $ vigil cve search log4j remote code

  # CVEs of a product, optionally one version
  $ vigil cve product apache log4j 2.14.1

  # Critical CVEs of the last week
  $ vigil cve recent --days 7 --severity critical`,
	}

	lookup := func(query func(ctx context.Context, nvd *vulnlib.NVD, args []string) ([]vulnlib.CVERecord, error)) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			nvd, closeCache := newNVD(settings)
			defer closeCache()

			ctx, cancel := signalContext()
			defer cancel()

			recs, err := query(ctx, nvd, args)
			if err != nil {
				return err
			}

			if err = report.PrintCVEs(cmd.OutOrStdout(), recs); err != nil {
				return err
			}
			if outfile != "" {
				_, err = report.CVEToJSON(outfile, recs)
			}
			return err
		}
	}

	idCmd := &cobra.Command{
		Use:   "id <CVE-ID>",
		Short: "look up one CVE",
		Args:  ExactArgs(1),
		RunE: lookup(func(ctx context.Context, nvd *vulnlib.NVD, args []string) ([]vulnlib.CVERecord, error) {
			return nvd.LookupByID(ctx, args[0])
		}),
	}

	searchCmd := &cobra.Command{
		Use:   "search <keyword>...",
		Short: "search CVE descriptions",
		Args:  cobra.MinimumNArgs(1),
		RunE: lookup(func(ctx context.Context, nvd *vulnlib.NVD, args []string) ([]vulnlib.CVERecord, error) {
			return nvd.SearchByKeyword(ctx, strings.Join(args, " "))
		}),
	}

	productCmd := &cobra.Command{
		Use:   "product <vendor> <product> [version]",
		Short: "list the CVEs of a product",
		Args:  RangeArgs(2, 3),
		RunE: lookup(func(ctx context.Context, nvd *vulnlib.NVD, args []string) ([]vulnlib.CVERecord, error) {
			ver := ""
			if len(args) == 3 {
				ver = args[2]
			}
			return nvd.SearchByProduct(ctx, args[0], args[1], ver)
		}),
	}

	recentCmd := &cobra.Command{
		Use:   "recent",
		Short: "list recently published CVEs",
		Args:  NoArgs,
		RunE: lookup(func(ctx context.Context, nvd *vulnlib.NVD, args []string) ([]vulnlib.CVERecord, error) {
			level := severity.Level("")
			if recentLevel != "" {
				level = severity.Parse(recentLevel)
			}
			return nvd.SearchRecent(ctx, recentDays, level)
		}),
	}

	recentCmd.Flags().IntVarP(&recentDays, "days", "d", 7, "window in days, at most 120")
	recentCmd.Flags().StringVarP(&recentLevel, "severity", "s", "", "only this CVSS v3 severity")

	for _, c := range []*cobra.Command{idCmd, searchCmd, productCmd, recentCmd} {
		c.Flags().StringVarP(&outfile, "output", "o", "", "also save the records as JSON")
		cveCmd.AddCommand(c)
	}
	cveCmd.PersistentFlags().BoolVar(&noCache, "no-cache", false, "always query the directory")

	rootCmd.AddCommand(cveCmd)
}
