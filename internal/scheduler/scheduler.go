package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/rendis/hookflow/internal/pipeline"
	"github.com/rendis/hookflow/internal/store"
	"github.com/rendis/hookflow/pkg/schema"
)

// StatusError is recorded on a job whose pipeline could not run or failed
// before producing an execution.
const StatusError = "error"

// PipelineRunner starts pipeline executions. Satisfied by *pipeline.Executor.
type PipelineRunner interface {
	Run(ctx context.Context, def *schema.PipelineDefinition, inputs map[string]any, opts pipeline.RunOptions) (pipeline.Outcome, error)
}

// PipelineSource looks pipeline definitions up by name.
type PipelineSource interface {
	Pipeline(ctx context.Context, name string) (*schema.PipelineDefinition, error)
}

// Sweeper expires approval waits that outlived their timeout.
type Sweeper struct {
	Name   string
	Expire func(ctx context.Context, now time.Time) (int, error)
}

// JobSpec is a scheduled pipeline as written in configuration.
type JobSpec struct {
	Name      string         `mapstructure:"name"`
	Cron      string         `mapstructure:"cron"`
	Pipeline  string         `mapstructure:"pipeline"`
	ProjectID string         `mapstructure:"project_id"`
	Inputs    map[string]any `mapstructure:"inputs"`
}

// Config wires a Scheduler. Store is required.
type Config struct {
	Store        store.Store
	Pipelines    PipelineSource
	Runner       PipelineRunner
	Sweepers     []Sweeper
	SweepSpec    string
	PollInterval time.Duration
	Concurrency  int
	Logger       *slog.Logger
	Now          func() time.Time
}

// DefaultSweepSpec runs approval sweeps once a minute.
const DefaultSweepSpec = "@every 1m"

// Scheduler runs persisted pipeline jobs when they are due and periodically
// expires stale approvals.
type Scheduler struct {
	cfg    Config
	parser cron.Parser
	logger *slog.Logger
	now    func() time.Time

	mu     sync.Mutex
	cron   *cron.Cron
	pool   *Pool
	cancel context.CancelFunc
	done   chan struct{}

	inflightMu sync.Mutex
	inflight   map[string]struct{}
}

// New creates a Scheduler.
func New(cfg Config) *Scheduler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SweepSpec == "" {
		cfg.SweepSpec = DefaultSweepSpec
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Minute
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Scheduler{
		cfg:      cfg,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		logger:   logger,
		now:      now,
		inflight: make(map[string]struct{}),
	}
}

// Sync upserts the configured jobs by name. Each cron spec and pipeline name
// is checked first; nothing is written when any spec is invalid.
func (s *Scheduler) Sync(ctx context.Context, specs []JobSpec) error {
	now := s.now().UTC()
	jobs := make([]*store.ScheduledJob, 0, len(specs))
	for _, spec := range specs {
		if spec.Name == "" || spec.Pipeline == "" {
			return schema.NewError(schema.ErrCodeValidation, "scheduled pipeline requires name and pipeline")
		}
		next, err := s.NextRun(spec.Cron, now)
		if err != nil {
			return err
		}
		if s.cfg.Pipelines != nil {
			if _, err := s.cfg.Pipelines.Pipeline(ctx, spec.Pipeline); err != nil {
				return fmt.Errorf("scheduled pipeline %s: %w", spec.Name, err)
			}
		}
		var inputs json.RawMessage
		if len(spec.Inputs) > 0 {
			if inputs, err = json.Marshal(spec.Inputs); err != nil {
				return fmt.Errorf("scheduled pipeline %s inputs: %w", spec.Name, err)
			}
		}
		jobs = append(jobs, &store.ScheduledJob{
			ID:             uuid.New().String(),
			Name:           spec.Name,
			PipelineName:   spec.Pipeline,
			ProjectID:      spec.ProjectID,
			CronExpression: spec.Cron,
			Inputs:         inputs,
			Enabled:        true,
			NextRunAt:      &next,
		})
	}
	for _, job := range jobs {
		if err := s.cfg.Store.CreateScheduledJob(ctx, job); err != nil {
			return fmt.Errorf("save scheduled pipeline %s: %w", job.Name, err)
		}
	}
	return nil
}

// Start launches the job loop and the approval sweep.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done != nil {
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	c := cron.New(cron.WithParser(s.parser))
	if len(s.cfg.Sweepers) > 0 {
		if _, err := c.AddFunc(s.cfg.SweepSpec, func() { s.Sweep(schedCtx) }); err != nil {
			cancel()
			return schema.NewErrorf(schema.ErrCodeValidation, "invalid approval sweep spec %q", s.cfg.SweepSpec).WithCause(err)
		}
	}

	s.cron = c
	s.pool = NewPool(s.cfg.Concurrency)
	s.cancel = cancel
	s.done = make(chan struct{})
	c.Start()
	go s.loop(schedCtx, s.pool)
	s.logger.Info("scheduler started",
		slog.String("sweep", s.cfg.SweepSpec), slog.Duration("poll", s.cfg.PollInterval))
	return nil
}

func (s *Scheduler) loop(ctx context.Context, pool *Pool) {
	defer close(s.done)

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	s.dispatchDue(ctx, pool)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.dispatchDue(ctx, pool)
		}
	}
}

// Stop halts the loop and the sweep, then waits for running jobs.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel == nil {
		return
	}
	<-s.cron.Stop().Done()
	s.cancel()
	<-s.done
	s.pool.Close()
	s.cancel, s.done, s.cron, s.pool = nil, nil, nil, nil
	s.logger.Info("scheduler stopped")
}

// RunDue runs every enabled job whose next run is not in the future and
// waits for them. It returns how many were started.
func (s *Scheduler) RunDue(ctx context.Context) int {
	pool := NewPool(s.cfg.Concurrency)
	n := s.dispatchDue(ctx, pool)
	pool.Close()
	return n
}

func (s *Scheduler) dispatchDue(ctx context.Context, pool *Pool) int {
	enabled := true
	jobs, err := s.cfg.Store.ListScheduledJobs(ctx, store.ScheduledJobFilter{Enabled: &enabled})
	if err != nil {
		s.logger.ErrorContext(ctx, "list scheduled pipelines failed", slog.String("error", err.Error()))
		return 0
	}

	now := s.now().UTC()
	started := 0
	for _, job := range jobs {
		if job.NextRunAt != nil && job.NextRunAt.After(now) {
			continue
		}
		if !s.tryAcquire(job.ID) {
			continue
		}
		err := pool.Submit(ctx, func(ctx context.Context) error {
			defer s.release(job.ID)
			return s.runJob(ctx, job, now)
		})
		if err != nil {
			s.release(job.ID)
			s.logger.WarnContext(ctx, "scheduled pipeline not started",
				slog.String("job", job.Name), slog.String("error", err.Error()))
			continue
		}
		started++
	}
	return started
}

func (s *Scheduler) runJob(ctx context.Context, job *store.ScheduledJob, now time.Time) error {
	log := s.logger.With(slog.String("job", job.Name), slog.String("pipeline", job.PipelineName))
	log.InfoContext(ctx, "running scheduled pipeline")

	status, runErr := s.execute(ctx, job)
	if runErr != nil {
		log.ErrorContext(ctx, "scheduled pipeline failed", slog.String("error", runErr.Error()))
	}

	next, err := s.NextRun(job.CronExpression, now)
	if err != nil {
		return err
	}
	if err := s.cfg.Store.UpdateScheduledJob(ctx, job.ID, store.ScheduledJobUpdate{
		LastRunAt:     &now,
		NextRunAt:     &next,
		LastRunStatus: status,
	}); err != nil {
		return fmt.Errorf("update scheduled pipeline %s: %w", job.Name, err)
	}
	return runErr
}

func (s *Scheduler) execute(ctx context.Context, job *store.ScheduledJob) (string, error) {
	if s.cfg.Runner == nil || s.cfg.Pipelines == nil {
		return StatusError, schema.NewError(schema.ErrCodeActionUnavailable, "no pipeline runner configured")
	}
	var inputs map[string]any
	if len(job.Inputs) > 0 {
		if err := json.Unmarshal(job.Inputs, &inputs); err != nil {
			return StatusError, fmt.Errorf("decode inputs: %w", err)
		}
	}
	def, err := s.cfg.Pipelines.Pipeline(ctx, job.PipelineName)
	if err != nil {
		return StatusError, err
	}
	outcome, err := s.cfg.Runner.Run(ctx, def, inputs, pipeline.RunOptions{ProjectID: job.ProjectID})
	if err != nil {
		return StatusError, err
	}
	if failed, ok := outcome.(*pipeline.Failed); ok {
		return string(outcome.Status()), failed
	}
	return string(outcome.Status()), nil
}

// Sweep runs every sweeper once and returns the total number expired.
func (s *Scheduler) Sweep(ctx context.Context) int {
	now := s.now().UTC()
	total := 0
	for _, sw := range s.cfg.Sweepers {
		n, err := sw.Expire(ctx, now)
		if err != nil {
			s.logger.ErrorContext(ctx, "approval sweep failed",
				slog.String("sweeper", sw.Name), slog.String("error", err.Error()))
		}
		if n > 0 {
			s.logger.InfoContext(ctx, "approvals expired", slog.String("sweeper", sw.Name), slog.Int("count", n))
		}
		total += n
	}
	return total
}

// NextRun computes the next run time of a cron spec after from. Five-field
// specs and descriptors such as @hourly or @every 10m are accepted.
func (s *Scheduler) NextRun(spec string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(spec)
	if err != nil {
		return time.Time{}, schema.NewErrorf(schema.ErrCodeValidation, "invalid cron expression %q", spec).WithCause(err)
	}
	return schedule.Next(from), nil
}

func (s *Scheduler) tryAcquire(jobID string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[jobID]; ok {
		return false
	}
	s.inflight[jobID] = struct{}{}
	return true
}

func (s *Scheduler) release(jobID string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, jobID)
}
