package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/kvesta/vigil/internal/report"
	"github.com/kvesta/vigil/pkg/model"
	"github.com/kvesta/vigil/pkg/portscan"
)

var (
	portMode     string
	portList     string
	manifestFile string
	dialect      string
	ecosystem    string
	dockerfile   string
	imageRef     string
	useDaemon    bool
)

func scan() {
	scanCmd := &cobra.Command{
		Use:   "scan [OPTIONS]",
		Short: `Start a scan and wait for its result`,
		Long: `Examples:
  # Scan the common ports of a host
  $ vigil scan host example.com

  # Scan a custom port list
  $ vigil scan host 10.0.0.5 --mode custom --ports 22,80,8000-8100

  # Analyze a website
  $ vigil scan web https://example.com

  # Check a dependency manifest
  $ vigil scan deps package-lock.json

  # Audit a Dockerfile, or an image through the local daemon
  $ vigil scan image Dockerfile
  $ vigil scan image nginx:1.19 --daemon

  # Everything at once
  $ vigil scan full https://example.com --manifest requirements.txt --dockerfile Dockerfile`,
	}

	hostCheck := &cobra.Command{
		Use:   "host <target>",
		Short: "scan the open ports of a host",
		Args:  ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScan(cmd, args[0], model.KindNetwork)
		},
	}

	webCheck := &cobra.Command{
		Use:   "web <url>",
		Short: "analyze TLS, headers, DNS and technologies of a website",
		Args:  ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScan(cmd, args[0], model.KindWeb)
		},
	}

	depsCheck := &cobra.Command{
		Use:   "deps <manifest>",
		Short: "check the packages of a dependency manifest",
		Args:  ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScan(cmd, args[0], model.KindDependency)
		},
	}

	imageCheck := &cobra.Command{
		Use:   "image <dockerfile|image>",
		Short: "audit a Dockerfile or a container image",
		Args:  ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScan(cmd, args[0], model.KindContainer)
		},
	}

	fullCheck := &cobra.Command{
		Use:   "full <url>",
		Short: "ports and website, plus manifest and container when given",
		Args:  ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScan(cmd, args[0], model.KindFull)
		},
	}

	for _, c := range []*cobra.Command{hostCheck, fullCheck} {
		c.Flags().StringVarP(&portMode, "mode", "m", "quick", "port mode: quick, full or custom")
		c.Flags().StringVarP(&portList, "ports", "p", "", "ports for custom mode, e.g. 22,80,8000-8100")
	}

	depsCheck.Flags().StringVar(&dialect, "dialect", "", "manifest format, detected from the file name when empty")
	depsCheck.Flags().StringVar(&ecosystem, "ecosystem", "", "package ecosystem override, e.g. npm, PyPI")

	fullCheck.Flags().StringVar(&manifestFile, "manifest", "", "dependency manifest to check")
	fullCheck.Flags().StringVar(&dialect, "dialect", "", "manifest format, detected from the file name when empty")
	fullCheck.Flags().StringVar(&ecosystem, "ecosystem", "", "package ecosystem override")

	for _, c := range []*cobra.Command{imageCheck, fullCheck} {
		c.Flags().StringVar(&dockerfile, "dockerfile", "", "path of a Dockerfile")
		c.Flags().StringVar(&imageRef, "image", "", "image reference")
		c.Flags().BoolVar(&useDaemon, "daemon", false, "read the image history from the Docker daemon")
	}

	for _, c := range []*cobra.Command{hostCheck, webCheck, depsCheck, imageCheck, fullCheck} {
		c.Flags().StringVarP(&outfile, "output", "o", "", "also save the job as JSON, \"output\" for ./output/<date>.json")
		c.Flags().BoolVar(&asJSON, "json", false, "print the job as JSON")
		scanCmd.AddCommand(c)
	}

	rootCmd.AddCommand(scanCmd)
}

// scanOptions collects the flags into the options of one job. Files named
// by flags are read here so the job carries their content.
func scanOptions(kind model.ScanKind) (model.ScanOptions, error) {
	opts := model.ScanOptions{
		PortMode:        model.PortMode(portMode),
		ManifestDialect: dialect,
		Ecosystem:       ecosystem,
		Image:           imageRef,
		UseDaemon:       useDaemon,
	}

	if kind != model.KindNetwork && kind != model.KindFull {
		opts.PortMode = ""
	}

	if portList != "" {
		ports, err := portscan.ParsePorts(portList)
		if err != nil {
			return opts, err
		}
		switch opts.PortMode {
		case "", model.PortModeQuick, model.PortModeCustom:
			opts.PortMode = model.PortModeCustom
		default:
			return opts, fmt.Errorf("--ports cannot be combined with --mode %s", opts.PortMode)
		}
		opts.Ports = ports
	}

	if manifestFile != "" {
		data, err := os.ReadFile(manifestFile)
		if err != nil {
			return opts, fmt.Errorf("read manifest: %w", err)
		}
		opts.Manifest = string(data)
		opts.ManifestName = filepath.Base(manifestFile)
	}

	if dockerfile != "" {
		data, err := os.ReadFile(dockerfile)
		if err != nil {
			return opts, fmt.Errorf("read dockerfile: %w", err)
		}
		opts.Dockerfile = string(data)
	}

	return opts, nil
}

func runScan(cmd *cobra.Command, target string, kind model.ScanKind) error {
	opts, err := scanOptions(kind)
	if err != nil {
		return err
	}

	e, stop, err := newEngine(settings)
	if err != nil {
		return err
	}
	defer stop()

	ctx, cancel := signalContext()
	defer cancel()

	id, err := e.StartScan(ctx, target, kind, opts)
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.ErrOrStderr(), "Scan %s started, waiting for the result...\n", id)

	select {
	case <-e.Done(id):
	case <-ctx.Done():
		// Shutdown cancels the scan and records it as FAILED.
		sctx, scancel := context.WithTimeout(context.Background(), shutdownTimeout)
		err = e.Shutdown(sctx)
		scancel()
		if err != nil {
			return err
		}
	}

	job, findings, err := e.GetJob(context.Background(), id)
	if err != nil {
		return err
	}

	if asJSON {
		err = report.PrintJobJSON(cmd.OutOrStdout(), job, findings)
	} else {
		err = report.PrintJob(cmd.OutOrStdout(), job, findings)
	}
	if err != nil {
		return err
	}

	if outfile != "" {
		if _, err := report.JobToJSON(outfile, job, findings); err != nil {
			return err
		}
	}

	if job.Status == model.JobFailed {
		return fmt.Errorf("scan %s failed", id)
	}
	return nil
}
