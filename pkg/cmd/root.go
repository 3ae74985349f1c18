package cmd

import (
	"context"
	"errors"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/telekom/csvaudit/pkg/audit"
	"github.com/telekom/csvaudit/pkg/cli"
	"github.com/telekom/csvaudit/pkg/config"
	"github.com/telekom/csvaudit/pkg/output"
	"github.com/telekom/csvaudit/pkg/system"
)

type Config struct {
	ConfigPath   string
	OutputWriter io.Writer
}

type runtimeState struct {
	configPath   string
	outputFormat string
	verbose      bool
	writer       io.Writer
}

type runtimeKey struct{}

func DefaultConfig() Config {
	return Config{
		ConfigPath:   os.Getenv(config.EnvConfigPath),
		OutputWriter: os.Stdout,
	}
}

func NewRootCommand(cfg Config) *cobra.Command {
	rt := &runtimeState{configPath: cfg.ConfigPath, writer: cfg.OutputWriter}

	root := &cobra.Command{
		Use:          "csvaudit",
		Short:        "Per-topic flat-file audit event handler",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if rt.writer == nil {
				rt.writer = os.Stdout
			}
			if rt.outputFormat == "" {
				rt.outputFormat = os.Getenv("CSVAUDIT_OUTPUT")
			}
			if _, err := output.ParseFormat(rt.outputFormat, output.FormatTable); err != nil {
				return err
			}
			return nil
		},
	}

	root.PersistentFlags().StringVar(&rt.configPath, "config", rt.configPath, "Path to the csvaudit configuration file (default ./config.yaml)")
	root.PersistentFlags().StringVarP(&rt.outputFormat, "output", "o", "", "Output format: table, json, yaml")
	root.PersistentFlags().BoolVarP(&rt.verbose, "verbose", "v", false, "Log handler activity to stderr")

	root.SetContext(context.WithValue(context.Background(), runtimeKey{}, rt))

	root.AddCommand(
		NewServeCommand(),
		NewPublishCommand(),
		NewQueryCommand(),
		NewReadCommand(),
		NewVerifyCommand(),
		NewVersionCommand(),
	)

	return root
}

func getRuntime(cmd *cobra.Command) (*runtimeState, error) {
	rt, ok := cmd.Context().Value(runtimeKey{}).(*runtimeState)
	if !ok || rt == nil {
		return nil, errors.New("runtime not initialized")
	}
	return rt, nil
}

func (rt *runtimeState) Writer() io.Writer {
	if rt.writer != nil {
		return rt.writer
	}
	return os.Stdout
}

func (rt *runtimeState) OutputFormat() output.Format {
	f, err := output.ParseFormat(rt.outputFormat, output.FormatTable)
	if err != nil {
		return output.FormatTable
	}
	return f
}

func (rt *runtimeState) logger() (*zap.Logger, error) {
	if !rt.verbose {
		return zap.NewNop(), nil
	}
	return system.NewLogger(true)
}

// withService configures an in-process handler over the configured log
// directory, runs fn and closes the handler.
func (rt *runtimeState) withService(cmd *cobra.Command, fn func(ctx context.Context, svc *audit.Service) error) error {
	cfg, catalog, err := loadSettings(&cli.Config{ConfigPath: rt.configPath})
	if err != nil {
		return err
	}
	logger, err := rt.logger()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	svc := audit.NewService(logger)
	if err := svc.Configure(cfg.Handler, catalog); err != nil {
		return err
	}
	runErr := fn(cmd.Context(), svc)
	return errors.Join(runErr, svc.Close())
}
