package actions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/rendis/hookflow/internal/logging"
	"github.com/rendis/hookflow/internal/telemetry"
	"github.com/rendis/hookflow/pkg/schema"
)

// Executor is the boundary between the engine and action handlers. It never
// returns an error: unknown names yield an empty Result and handler failures
// (including panics) become {"error": message}.
type Executor struct {
	registry *Registry
	breakers *Breakers
	metrics  *telemetry.Metrics
	logger   *slog.Logger
}

// NewExecutor creates an Executor over reg.
func NewExecutor(reg *Registry, metrics *telemetry.Metrics, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	if reg == nil {
		reg = NewRegistry()
	}
	return &Executor{registry: reg, metrics: metrics, logger: logger}
}

// WithBreakers makes the executor skip actions whose circuit is open.
func (e *Executor) WithBreakers(b *Breakers) *Executor {
	e.breakers = b
	return e
}

// Breakers returns the circuit breakers, or nil when none are armed.
func (e *Executor) Breakers() *Breakers { return e.breakers }

// Registry returns the underlying registry.
func (e *Executor) Registry() *Registry { return e.registry }

// Execute runs one action list entry.
func (e *Executor) Execute(ctx context.Context, actx *ActionContext, spec schema.ActionSpec) (result Result) {
	log := logging.LogWith(ctx, e.logger)
	action, err := e.registry.Get(spec.Action)
	if err != nil {
		log.DebugContext(ctx, "unknown action ignored", slog.String("action", spec.Action))
		e.metrics.RecordAction(spec.Action, "unknown", 0)
		return Result{}
	}

	params := spec.Params
	if params == nil {
		params = map[string]any{}
	}
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			log.ErrorContext(ctx, "action panicked", slog.String("action", spec.Action), slog.Any("panic", r))
			e.metrics.RecordAction(spec.Action, "error", time.Since(start).Seconds())
			e.trip(ctx, spec.Action)
			result = Result{KeyError: fmt.Sprintf("action %s panicked: %v", spec.Action, r)}
		}
	}()

	if err := action.Validate(params); err != nil {
		return e.failed(ctx, spec.Action, err, start)
	}
	if e.breakers != nil {
		if err := e.breakers.Allow(spec.Action); err != nil {
			log.WarnContext(ctx, "action skipped", slog.String("action", spec.Action), slog.String("error", err.Error()))
			e.metrics.RecordAction(spec.Action, "rejected", 0)
			return Result{KeyError: ErrorMessage(err)}
		}
	}
	result, err = action.Execute(ctx, actx, params)
	if err != nil {
		e.trip(ctx, spec.Action)
		return e.failed(ctx, spec.Action, err, start)
	}
	if result == nil {
		result = Result{}
	}
	status := "ok"
	if result.Err() != "" {
		status = "error"
		e.trip(ctx, spec.Action)
	} else if e.breakers != nil {
		e.breakers.Success(spec.Action)
	}
	e.metrics.RecordAction(spec.Action, status, time.Since(start).Seconds())
	log.DebugContext(ctx, "action executed", slog.String("action", spec.Action), slog.Int("keys", len(result)))
	return result
}

// ExecuteAll runs specs in order and returns every result.
func (e *Executor) ExecuteAll(ctx context.Context, actx *ActionContext, specs []schema.ActionSpec) []Result {
	return e.ExecuteUntil(ctx, actx, specs, nil)
}

// ExecuteUntil runs specs in order and stops after the first result stop
// reports true. The stopping result is the last one returned. A nil stop
// runs every spec.
func (e *Executor) ExecuteUntil(ctx context.Context, actx *ActionContext, specs []schema.ActionSpec, stop func(Result) bool) []Result {
	out := make([]Result, 0, len(specs))
	for i, spec := range specs {
		r := e.Execute(ctx, actx, spec)
		out = append(out, r)
		if stop != nil && stop(r) {
			if skipped := len(specs) - i - 1; skipped > 0 {
				logging.LogWith(ctx, e.logger).DebugContext(ctx, "action list stopped early",
					slog.String("action", spec.Action), slog.Int("skipped", skipped))
			}
			break
		}
	}
	return out
}

// Denies reports whether r carries a deny decision.
func Denies(r Result) bool {
	d, ok := r.Decision()
	return ok && d == schema.DecisionDeny
}

func (e *Executor) trip(ctx context.Context, name string) {
	if e.breakers == nil {
		return
	}
	if e.breakers.Failure(name) == CircuitOpen {
		logging.LogWith(ctx, e.logger).WarnContext(ctx, "action circuit opened", slog.String("action", name))
	}
}

func (e *Executor) failed(ctx context.Context, name string, err error, start time.Time) Result {
	logging.LogWith(ctx, e.logger).ErrorContext(ctx, "action failed",
		slog.String("action", name), slog.String("error", err.Error()))
	e.metrics.RecordAction(name, "error", time.Since(start).Seconds())
	return Result{KeyError: ErrorMessage(err)}
}

// ErrorMessage strips the code prefix from HookflowErrors so results carry
// only the human message.
func ErrorMessage(err error) string {
	var he *schema.HookflowError
	if errors.As(err, &he) {
		return he.Message
	}
	return err.Error()
}
