package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/rendis/hookflow/internal/diagram"
	"github.com/rendis/hookflow/internal/workflows"
	"github.com/rendis/hookflow/pkg/schema"
)

type diagramOptions struct {
	pipeline  bool
	session   string
	execution string
	format    string
	output    string
}

func newDiagramCmd(c *cli) *cobra.Command {
	var opts diagramOptions
	cmd := &cobra.Command{
		Use:   "diagram <name>",
		Short: "Draw a workflow or pipeline",
		Long: `diagram draws a step workflow as its state graph, a lifecycle workflow as
its trigger chains, or a pipeline with --pipeline. --session marks the
session's current step; --execution overlays a pipeline run.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				model, err := buildDiagram(ctx, a, args[0], opts)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if opts.output != "" {
					f, err := os.Create(opts.output)
					if err != nil {
						return err
					}
					defer f.Close()
					out = f
				}
				return renderDiagram(ctx, out, model, opts.format)
			})
		},
	}
	cmd.Flags().BoolVar(&opts.pipeline, "pipeline", false, "name refers to a pipeline")
	cmd.Flags().StringVar(&opts.session, "session", "", "highlight this session's current step")
	cmd.Flags().StringVar(&opts.execution, "execution", "", "overlay this pipeline execution")
	cmd.Flags().StringVarP(&opts.format, "format", "f", "mermaid", "mermaid, ascii, png or svg")
	cmd.Flags().StringVarP(&opts.output, "output", "o", "", "write to file instead of stdout")
	return cmd
}

func buildDiagram(ctx context.Context, a *app, name string, opts diagramOptions) (*diagram.DiagramModel, error) {
	if opts.pipeline {
		def, err := a.loader.Pipeline(ctx, name)
		if err != nil {
			return nil, err
		}
		var exec *schema.PipelineExecution
		if opts.execution != "" {
			if exec, err = a.pipelines.Get(ctx, opts.execution); err != nil {
				return nil, err
			}
			if exec.PipelineName != def.Name {
				return nil, fmt.Errorf("execution %s belongs to pipeline %s", exec.ID, exec.PipelineName)
			}
		}
		return diagram.BuildPipeline(def, exec)
	}

	def, err := a.loader.Workflow(ctx, name)
	if err != nil {
		return nil, err
	}
	var st *schema.WorkflowState
	if opts.session != "" {
		if st, err = workflows.NewStateManager(a.store, a.logger).Get(ctx, opts.session); err != nil {
			return nil, err
		}
	}
	return diagram.BuildWorkflow(def, st)
}

func renderDiagram(ctx context.Context, w io.Writer, model *diagram.DiagramModel, format string) error {
	switch format {
	case "mermaid":
		_, err := io.WriteString(w, diagram.RenderMermaid(model))
		return err
	case "ascii":
		_, err := io.WriteString(w, diagram.RenderASCII(model))
		return err
	case string(diagram.FormatPNG), string(diagram.FormatSVG):
		img, err := diagram.RenderImage(ctx, model, diagram.ImageFormat(format))
		if err != nil {
			return err
		}
		_, err = w.Write(img)
		return err
	default:
		return fmt.Errorf("unknown format %q", format)
	}
}
