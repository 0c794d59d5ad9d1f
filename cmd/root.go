// Package cmd defines the CLI commands of the sitepdf client.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitepdf-client/internal/app"
	"github.com/JakeFAU/sitepdf-client/internal/artifacts"
	"github.com/JakeFAU/sitepdf-client/internal/config"
	"github.com/JakeFAU/sitepdf-client/internal/logging"
	"github.com/JakeFAU/sitepdf-client/internal/pageview"
	"github.com/JakeFAU/sitepdf-client/internal/session"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// fullScreenAnnotation marks commands that own the terminal; their logs go
// to logging.file or nowhere.
const fullScreenAnnotation = "fullscreen"

// App is the service container commands use. Tests inject their own.
type App interface {
	Close(ctx context.Context)
	Logger() *zap.Logger
	Config() config.Config
	Session() *session.Controller
	View() *pageview.Model
	Download(ctx context.Context, dir string, pagePDFs bool) ([]artifacts.Result, error)
}

// newApp is the application factory. It is a variable so tests can replace it.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (App, error) {
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	return a, nil
}

func newRootCmd() *cobra.Command {
	var cfgFile string

	cmd := &cobra.Command{
		Use:   "sitepdf",
		Short: "Submit websites to the crawl-to-PDF service and follow the job",
		Long: `sitepdf submits a website to the crawl-to-PDF backend, polls the job
until it completes, and shows every discovered page as its PDF is generated.
Finished jobs expose a merged PDF and a ZIP archive for download.`,
		SilenceUsage: true,

		// Builds the App after flags are parsed and before the subcommand runs.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			flags := cmd.Flags()
			cfg, err := config.Load(cfgFile,
				config.WithFlag("backend.base_url", flags.Lookup("backend")),
				config.WithFlag("poll.interval_ms", flags.Lookup("poll-interval-ms")),
				config.WithFlag("logging.level", flags.Lookup("log-level")),
				config.WithFlag("logging.file", flags.Lookup("log-file")),
				config.WithFlag("metrics.addr", flags.Lookup("status-addr")),
				config.WithFlag("download.dir", flags.Lookup("download-dir")),
				config.WithFlag("download.page_pdfs", flags.Lookup("page-pdfs")),
			)
			if err != nil {
				return err
			}
			logger, err := buildLogger(cfg, cmd.Annotations[fullScreenAnnotation] != "")
			if err != nil {
				return err
			}
			appInstance, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize client services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if appInstance, ok := cmd.Context().Value(appKey).(App); ok && appInstance != nil {
				appInstance.Close(context.WithoutCancel(cmd.Context()))
			}
		},
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (yaml, json, or toml)")
	pf.String("backend", "", "backend base URL (default http://localhost:8000)")
	pf.Int("poll-interval-ms", 0, "status poll interval in milliseconds")
	pf.String("log-level", "", "log level (debug, info, warn, error)")
	pf.String("log-file", "", "write logs to this file instead of stderr")
	pf.String("status-addr", "", "serve session status and metrics on this address")

	cmd.AddCommand(newCrawlCmd())
	cmd.AddCommand(newDashboardCmd())
	return cmd
}

func buildLogger(cfg config.Config, fullScreen bool) (*zap.Logger, error) {
	if fullScreen && cfg.Logging.File == "" {
		return zap.NewNop(), nil
	}
	logger, err := logging.New(logging.Options{
		Development: cfg.Logging.Development,
		Level:       cfg.Logging.Level,
		OutputPath:  cfg.Logging.File,
	})
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	return logger, nil
}

// withApp resolves the App for fn. Cobra skips post-run hooks when RunE fails,
// so the App is closed here on error.
func withApp(fn func(cmd *cobra.Command, args []string, a App) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		appInstance, err := resolveApp(cmd.Context())
		if err != nil {
			return err
		}
		if err := fn(cmd, args, appInstance); err != nil {
			appInstance.Close(context.WithoutCancel(cmd.Context()))
			return err
		}
		return nil
	}
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("client services not initialized")
	}
	return appInstance, nil
}

// Execute runs the root command until it finishes or the process is signalled.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}
