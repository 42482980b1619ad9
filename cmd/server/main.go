// Command civic-reports runs the civic issue reporting API.
//
// USAGE:
//
//	civic-reports                 # same as "serve"
//	civic-reports serve --port 8000
//	civic-reports migrate         # create or update the schema, then exit
//	civic-reports sweep           # retry orphaned upload deletions once
//
// Settings come from the environment (and an optional .env file); see
// internal/config for the full list.
package main

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/spf13/cobra"

	"github.com/sakif/civic-reports/internal/config"
	"github.com/sakif/civic-reports/internal/server"
	"github.com/sakif/civic-reports/internal/service"
)

var envFile string

func main() {
	root := newRootCommand()
	if err := root.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	serve := newServeCommand()

	root := &cobra.Command{
		Use:          "civic-reports",
		Short:        "Civic issue reporting API",
		SilenceUsage: true,
		RunE:         serve.RunE,
	}
	root.PersistentFlags().StringVar(&envFile, "env-file", config.DefaultEnvFile, "file of KEY=value settings loaded before the environment")
	root.PersistentFlags().Int("port", 8000, "HTTP listen port (overrides PORT)")

	root.AddCommand(serve, newMigrateCommand(), newSweepCommand())
	return root
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(cmd)
			if err != nil {
				return err
			}

			if cfg.SentryDSN != "" {
				if err := sentry.Init(sentry.ClientOptions{
					Dsn:              cfg.SentryDSN,
					Environment:      cfg.SentryEnvironment,
					Release:          "civic-reports@" + cfg.Version,
					EnableTracing:    true,
					TracesSampleRate: 0.2,
				}); err != nil {
					logger.Error("sentry init failed", slog.String("error", err.Error()))
				} else {
					defer sentry.Flush(2 * time.Second)
				}
			}

			srv, err := server.New(cmd.Context(), cfg, logger)
			if err != nil {
				logger.Error("failed to create server", slog.String("error", err.Error()))
				return err
			}

			// Start blocks until SIGINT/SIGTERM.
			if err := srv.Start(cmd.Context()); err != nil {
				logger.Error("server error", slog.String("error", err.Error()))
				return err
			}
			return nil
		},
	}
}

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(cmd)
			if err != nil {
				return err
			}
			if err := cfg.ValidateStore(); err != nil {
				logger.Error("invalid database settings", slog.String("error", err.Error()))
				return err
			}

			// Both backends migrate on open.
			store, err := server.OpenStore(cfg.Database, logger)
			if err != nil {
				logger.Error("migration failed", slog.String("error", err.Error()))
				return err
			}
			defer store.Close()

			logger.Info("schema is up to date", slog.String("driver", cfg.Database.Driver))
			return nil
		},
	}
}

func newSweepCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Delete orphaned upload objects once and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(cmd)
			if err != nil {
				return err
			}
			if err := cfg.ValidateStore(); err != nil {
				logger.Error("invalid database settings", slog.String("error", err.Error()))
				return err
			}

			store, err := server.OpenStore(cfg.Database, logger)
			if err != nil {
				logger.Error("opening database failed", slog.String("error", err.Error()))
				return err
			}
			defer store.Close()

			objects, err := server.OpenObjectStore(cmd.Context(), cfg.Storage, logger)
			if err != nil {
				logger.Error("opening object store failed", slog.String("error", err.Error()))
				return err
			}
			defer objects.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Minute)
			defer cancel()

			result, err := service.NewJanitor(store, objects, logger).Sweep(ctx)
			if err != nil {
				logger.Error("sweep failed", slog.String("error", err.Error()))
				return err
			}
			logger.Info("sweep finished",
				slog.Int("deleted", result.Deleted),
				slog.Int("failed", result.Failed),
			)
			return nil
		},
	}
}

// setup loads the configuration and builds the process logger.
func setup(cmd *cobra.Command) (config.Config, *slog.Logger, error) {
	cfg, err := config.Load(envFile, cmd.Flags())
	if err != nil {
		slog.Error("loading configuration failed", slog.String("error", err.Error()))
		return config.Config{}, nil, err
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)
	return cfg, logger, nil
}

// newLogger writes text to stdout by default; LOG_FORMAT=json switches to
// one JSON object per line for log shippers.
func newLogger(cfg config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.LogLevel}
	if cfg.LogJSON {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}
