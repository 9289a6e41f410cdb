package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/rendis/hookflow/internal/actions"
	"github.com/rendis/hookflow/internal/engine"
	"github.com/rendis/hookflow/internal/expressions"
	"github.com/rendis/hookflow/internal/isolation"
	"github.com/rendis/hookflow/internal/llm"
	"github.com/rendis/hookflow/internal/mcpclient"
	"github.com/rendis/hookflow/internal/pipeline"
	"github.com/rendis/hookflow/internal/scheduler"
	"github.com/rendis/hookflow/internal/store"
	"github.com/rendis/hookflow/internal/streaming"
	"github.com/rendis/hookflow/internal/telemetry"
	"github.com/rendis/hookflow/internal/validation"
	"github.com/rendis/hookflow/internal/workflows"
	hookmcp "github.com/rendis/hookflow/pkg/mcp"
)

// app is the fully wired process: store, definitions, actions, engine and
// pipeline executor.
type app struct {
	cfg       Config
	logger    *slog.Logger
	store     *store.LibSQLStore
	loader    *workflows.Loader
	validator *validation.DefinitionValidator
	registry  *actions.Registry
	actions   *actions.Executor
	engine    *engine.Engine
	pipelines *pipeline.Executor
	mcp       *mcpclient.Manager
	hub       *streaming.MemoryHub
	metrics   *prometheus.Registry
}

// newApp opens the database and wires every component.
func newApp(ctx context.Context, cfg Config, logger *slog.Logger) (*app, error) {
	if dir := filepath.Dir(cfg.DBPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}
	st, err := store.NewLibSQLStore("file:" + cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}

	a := &app{
		cfg:     cfg,
		logger:  logger,
		store:   st,
		hub:     streaming.NewMemoryHub(),
		metrics: telemetry.NewRegistry(),
		mcp:     mcpclient.NewManager(cfg.MCPServers, logger),
	}
	metrics := telemetry.New(a.metrics)

	safe := expressions.NewSafeEvaluator(logger)
	cel, err := expressions.NewCELEngine(logger)
	if err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("init cel: %w", err)
	}
	jq := expressions.NewGoJQEngine()
	renderer := expressions.NewRenderer(safe, expressions.NewEnvFilter(cfg.EnvAllowlist, cfg.EnvDenylist), logger)

	// Actions register after the validator exists; the validator only needs
	// the registry at check time.
	a.registry = actions.NewRegistry()
	a.validator, err = validation.NewDefinitionValidator(validation.Checkers{
		Actions:    a.registry,
		Conditions: safe,
		CEL:        cel,
		JQ:         jq,
	})
	if err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("init validator: %w", err)
	}
	a.loader = workflows.NewLoader(workflows.LoaderConfig{
		WorkflowsDir: cfg.WorkflowsDir,
		PipelinesDir: cfg.PipelinesDir,
		Validator:    a.validator,
		Logger:       logger,
	})

	runner := isolation.NewRunner(isolation.NewIsolator(logger), isolation.ResourceLimits{Timeout: cfg.ShellTimeout})
	if cfg.ShellTimeout > 0 {
		runner.DefaultTimeout = cfg.ShellTimeout
	}
	if cfg.MaxOutputBytes > 0 {
		runner.MaxOutputBytes = cfg.MaxOutputBytes
	}
	var provider llm.Provider
	if cfg.LLMCommand != "" {
		provider = llm.NewCommandProvider(cfg.LLMCommand, cfg.LLMArgs, cfg.LLMModelFlag, logger)
	}

	a.pipelines = pipeline.NewExecutor(pipeline.Config{
		Store:       st,
		Definitions: a.loader,
		Renderer:    renderer,
		Conditions:  cel,
		JQ:          jq,
		Runner:      runner,
		LLM:         provider,
		MCP:         a.mcp,
		Inputs:      a.validator,
		Hub:         a.hub,
		Metrics:     metrics,
		Logger:      logger,
	})

	if err := actions.RegisterBuiltins(a.registry, actions.Deps{
		Runner:      runner,
		Sessions:    st,
		Memories:    st,
		LLM:         provider,
		Transcripts: llm.NewTranscriptReader(cfg.TranscriptsDir),
		Definitions: a.loader,
		Pipelines:   a.pipelines,
		Logger:      logger,
	}); err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("register actions: %w", err)
	}
	a.actions = actions.NewExecutor(a.registry, metrics, logger)

	a.engine = engine.New(engine.Config{
		Definitions: a.loader,
		States:      workflows.NewStateManager(st, logger),
		Instances:   workflows.NewInstanceManager(st, logger),
		Actions:     a.actions,
		Conditions:  safe,
		Renderer:    renderer,
		Audit:       st,
		Hub:         a.hub,
		Metrics:     metrics,
		Logger:      logger,
	})
	return a, nil
}

// withBreakers arms per-action circuit breakers. Only long-running commands
// call it; a hook process decides one event and exits before a circuit
// could ever open.
func (a *app) withBreakers() {
	a.actions.WithBreakers(actions.NewBreakers(actions.BreakerConfig{}))
}

// mcpServer builds the control server over the wired engine.
func (a *app) mcpServer() *hookmcp.Server {
	return hookmcp.NewServer(hookmcp.ServerDeps{
		Engine:    a.engine,
		Pipelines: a.pipelines,
		Registry:  a.registry,
		Audit:     a.store,
		History:   store.NewEventLog(a.store),
		Hub:       a.hub,
		Logger:    a.logger,
	})
}

// scheduler builds the cron scheduler with both approval sweepers.
func (a *app) scheduler() *scheduler.Scheduler {
	return scheduler.New(scheduler.Config{
		Store:     a.store,
		Pipelines: a.loader,
		Runner:    a.pipelines,
		Sweepers: []scheduler.Sweeper{
			{Name: "step_approvals", Expire: a.engine.ExpireApprovals},
			{Name: "pipeline_approvals", Expire: a.pipelines.Expire},
		},
		SweepSpec: a.cfg.ApprovalSweep,
		Logger:    a.logger,
	})
}

// Close releases MCP clients and the database.
func (a *app) Close() error {
	var errs []error
	if a.mcp != nil {
		errs = append(errs, a.mcp.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	return errors.Join(errs...)
}
