package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kvesta/vigil/config"
	"github.com/kvesta/vigil/internal/engine"
	"github.com/kvesta/vigil/internal/logger"
	"github.com/kvesta/vigil/internal/store"
	"github.com/kvesta/vigil/pkg/inspector"
)

// version is overridden at build time with -ldflags "-X".
var version = "v0.1.0"

const shutdownTimeout = 15 * time.Second

var (
	rootCmd = &cobra.Command{
		Use:   "vigil [OPTIONS]",
		Short: "Network, web, dependency and container security scanning",
		Long: `Vigil scans hosts, websites, dependency manifests and container builds,
deduplicates what it finds and scores each target from 0 to 100.`,
		SilenceUsage:      true,
		PersistentPreRunE: setup,
	}

	configFile string
	logLevel   string
	storePath  string
	outfile    string
	asJSON     bool

	settings *config.Settings
)

func setup(cmd *cobra.Command, args []string) error {
	s, err := config.Load(configFile)
	if err != nil {
		return err
	}

	if logLevel != "" {
		s.Log.Level = logLevel
	}
	if cmd.Flags().Changed("store") {
		s.Store.Path = storePath
	}

	if err = logger.Init(s.Log); err != nil {
		return err
	}

	settings = s
	return nil
}

// signalContext is cancelled on the first interrupt.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

type usageStore interface {
	store.Store
	store.UsageCounter
}

// openStore falls back to memory when no database path is configured.
func openStore(s *config.Settings) (usageStore, error) {
	if s.Store.Path == "" {
		return store.NewMemory(), nil
	}
	return store.OpenSQLite(s.Store.Path)
}

// newEngine wires the production scanners. The returned stop function
// cancels running scans and closes the store.
func newEngine(s *config.Settings) (*engine.Engine, func(), error) {
	st, err := openStore(s)
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}

	cfg, err := engine.FromSettings(s, st, st)
	if err != nil {
		st.Close()
		return nil, nil, err
	}

	e := engine.New(cfg)
	stop := func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := e.Shutdown(ctx); err != nil {
			logger.L().Warnf("engine shutdown: %v", err)
		}
		if err := st.Close(); err != nil {
			logger.L().Warnf("close store: %v", err)
		}
	}

	return e, stop, nil
}

func Execute() error {
	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information and quit",
		Args:  NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Vigil: %s\n", version)

			da, err := inspector.NewDockerApi()
			if err != nil {
				return
			}
			defer da.Close()

			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()

			engineVersion, containerd, err := da.ServerVersion(ctx)
			if err != nil {
				logger.L().Debugf("docker daemon unavailable: %v", err)
				return
			}
			fmt.Printf("Docker engine: %s\ncontainerd: %s\n", engineVersion, containerd)
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file (default ./vigil.yaml or ~/.vigil/vigil.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&storePath, "store", "", "SQLite database path, empty keeps results in memory")

	scan()
	job()
	cve()

	rootCmd.AddCommand(versionCmd)
	return rootCmd.Execute()
}
