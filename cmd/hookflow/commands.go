package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rendis/hookflow/internal/pipeline"
	"github.com/rendis/hookflow/internal/telemetry"
	"github.com/rendis/hookflow/internal/workflows"
)

func newMCPCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the MCP control server over stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return c.withApp(ctx, func(ctx context.Context, a *app) error {
				a.withBreakers()
				return a.mcpServer().Serve(ctx)
			})
		},
	}
}

func newValidateCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "validate [dir]",
		Short: "Validate workflow and pipeline definitions",
		Long: `validate checks every definition file. With a dir argument, dir/workflows
and dir/pipelines are checked instead of the configured directories.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := c.cfg
			if len(args) == 1 {
				cfg.WorkflowsDir = args[0] + "/workflows"
				cfg.PipelinesDir = args[0] + "/pipelines"
			}
			return c.withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				results := append(
					a.loader.ValidateDir(cfg.WorkflowsDir, workflows.KindWorkflow),
					a.loader.ValidateDir(cfg.PipelinesDir, workflows.KindPipeline)...,
				)
				return reportValidation(cmd, results)
			})
		},
	}
}

// reportValidation prints one line per file and fails when any file is invalid.
func reportValidation(cmd *cobra.Command, results []workflows.FileResult) error {
	out := cmd.OutOrStdout()
	failed := 0
	for _, r := range results {
		if err := r.Err(); err != nil {
			failed++
			fmt.Fprintf(out, "FAIL %s\n", err)
			continue
		}
		fmt.Fprintf(out, "ok   %s\n", r.Path)
		if r.Validation != nil {
			for _, w := range r.Validation.Warnings {
				fmt.Fprintf(out, "     warning: %s\n", w)
			}
		}
	}
	fmt.Fprintf(out, "%d files, %d invalid\n", len(results), failed)
	if failed > 0 {
		return fmt.Errorf("%d invalid definition files", failed)
	}
	return nil
}

func newApproveCmd(c *cli) *cobra.Command {
	var reject bool
	cmd := &cobra.Command{
		Use:   "approve <token>",
		Short: "Resolve a pending pipeline approval",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				outcome, err := a.pipelines.Resume(ctx, args[0], !reject)
				if err != nil {
					return err
				}
				exec := outcome.Execution()
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s: %s\n", exec.PipelineName, exec.ID, outcome.Status())
				if failed, ok := outcome.(*pipeline.Failed); ok && !reject {
					return failed
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&reject, "reject", false, "reject instead of approving")
	return cmd
}

func newSchedulerCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "scheduler",
		Short: "Run scheduled pipelines and approval sweeps until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return c.withApp(ctx, func(ctx context.Context, a *app) error {
				a.withBreakers()
				sched := a.scheduler()
				if err := sched.Sync(ctx, c.cfg.ScheduledPipelines); err != nil {
					return err
				}
				if c.cfg.MetricsAddr != "" {
					go func() {
						if err := telemetry.Serve(ctx, c.cfg.MetricsAddr, a.metrics, c.logger); err != nil {
							c.logger.Error("metrics listener stopped", slog.String("error", err.Error()))
						}
					}()
				}
				if err := sched.Start(ctx); err != nil {
					return err
				}
				c.logger.Info("scheduler running", slog.Int("jobs", len(c.cfg.ScheduledPipelines)))
				<-ctx.Done()
				sched.Stop()
				return nil
			})
		},
	}
}
