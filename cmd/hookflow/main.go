package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/rendis/hookflow/internal/logging"
)

// cli carries what every subcommand shares once the root pre-run has loaded it.
type cli struct {
	configPath string
	cfg        Config
	logger     *slog.Logger
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:           "hookflow",
		Short:         "Workflow governance for coding-agent sessions",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
		Long: `hookflow decides hook events for agent sessions. Step workflows gate
tools per step, lifecycle workflows run actions on events, and pipelines run
multi-step jobs with optional human approval.`,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(viper.New(), c.configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			c.cfg = cfg
			c.logger = logging.New(os.Stderr, cfg.LogLevel)
			slog.SetDefault(c.logger)
			return nil
		},
	}
	root.PersistentFlags().StringVar(&c.configPath, "config", "", "settings file (default ~/.hookflow/settings.yaml)")
	root.SetVersionTemplate("{{.Version}}\n")

	root.AddCommand(
		newHookCmd(c),
		newMCPCmd(c),
		newValidateCmd(c),
		newApproveCmd(c),
		newSchedulerCmd(c),
		newDiagramCmd(c),
		newVersionCmd(),
	)
	return root
}

// withApp wires the process for one command and closes it afterwards.
func (c *cli) withApp(ctx context.Context, fn func(ctx context.Context, a *app) error) error {
	a, err := newApp(ctx, c.cfg, c.logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			c.logger.Warn("shutdown incomplete", slog.String("error", err.Error()))
		}
	}()
	return fn(ctx, a)
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
