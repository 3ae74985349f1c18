package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/telekom/csvaudit/pkg/api"
	"github.com/telekom/csvaudit/pkg/audit"
	"github.com/telekom/csvaudit/pkg/audit/schema"
	"github.com/telekom/csvaudit/pkg/cli"
	"github.com/telekom/csvaudit/pkg/config"
	"github.com/telekom/csvaudit/pkg/system"
	"github.com/telekom/csvaudit/pkg/telemetry"
	"github.com/telekom/csvaudit/pkg/version"
)

func NewServeCommand() *cobra.Command {
	flags := &cli.Config{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the audit HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := getRuntime(cmd)
			if err != nil {
				return err
			}
			flags.ConfigPath = rt.configPath
			return runServe(cmd.Context(), flags)
		},
	}
	flags.BindFlags(cmd.Flags())

	return cmd
}

// loadSettings reads the configuration file with the flag overrides applied
// and the topic catalog it names.
func loadSettings(flags *cli.Config) (config.Config, schema.Catalog, error) {
	cfg, err := config.Load(flags.ConfigPath)
	if err != nil {
		return cfg, schema.Catalog{}, err
	}
	flags.Apply(&cfg)
	catalog, err := schema.LoadCatalog(cfg.TopicsFile)
	if err != nil {
		return cfg, schema.Catalog{}, fmt.Errorf("loading topic catalog: %w", err)
	}
	return cfg, catalog, nil
}

// reloadHandler reconfigures svc from the files on disk. Server settings
// only take effect on restart.
func reloadHandler(svc *audit.Service, flags *cli.Config) error {
	cfg, catalog, err := loadSettings(flags)
	if err != nil {
		return err
	}
	return svc.Configure(cfg.Handler, catalog)
}

func runServe(parent context.Context, flags *cli.Config) error {
	zl, err := system.NewLogger(flags.Debug)
	if err != nil {
		return fmt.Errorf("failed to set up logger: %w", err)
	}
	defer func() { _ = zl.Sync() }()
	log := zl.Sugar()

	log.Infow("Starting csvaudit", version.GetBuildInfo().LogFields()...)
	flags.Print(log)

	cfg, catalog, err := loadSettings(flags)
	if err != nil {
		return err
	}

	_, shutdownTracing, err := telemetry.Init(parent, telemetry.FromConfig(cfg.Telemetry, version.Version, log))
	if err != nil {
		return fmt.Errorf("initializing tracing: %w", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			log.Warnw("Failed to flush traces", "error", err)
		}
	}()

	svc := audit.NewService(zl)
	if err := svc.Configure(cfg.Handler, catalog); err != nil {
		return fmt.Errorf("configuring audit handler: %w", err)
	}
	defer func() {
		if err := svc.Close(); err != nil {
			log.Errorw("Failed to close audit logs", "error", err)
		}
	}()

	server, err := api.NewServer(zl, cfg.Server, svc)
	if err != nil {
		return fmt.Errorf("creating HTTP server: %w", err)
	}
	defer server.Close()
	if err := server.RegisterAll([]api.APIController{
		api.NewAuditController(log, svc),
	}); err != nil {
		return fmt.Errorf("registering API controllers: %w", err)
	}

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if flags.Watch {
		watcher := config.NewFileWatcher(log, config.Path(flags.ConfigPath), cfg.TopicsFile).
			WithDebounce(cli.ParseReloadDebounce(flags.ReloadDebounce, log)).
			WithReloadCallback(func(context.Context) error {
				return reloadHandler(svc, flags)
			})
		if _, err := watcher.Start(ctx); err != nil {
			log.Warnw("Configuration reload disabled", "error", err)
		} else {
			defer watcher.Stop()
		}
	}

	err = server.Run(ctx)
	log.Infow("HTTP server stopped", zap.Error(err))
	return err
}
