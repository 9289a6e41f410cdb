package scheduler

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/hookflow/internal/pipeline"
	"github.com/rendis/hookflow/internal/store"
	"github.com/rendis/hookflow/pkg/schema"
)

// mockSchedulerStore satisfies store.Store for scheduler tests.
type mockSchedulerStore struct {
	store.Store
	mu   sync.Mutex
	jobs map[string]*store.ScheduledJob
}

func newMockSchedulerStore() *mockSchedulerStore {
	return &mockSchedulerStore{jobs: make(map[string]*store.ScheduledJob)}
}

func (m *mockSchedulerStore) CreateScheduledJob(_ context.Context, job *store.ScheduledJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, existing := range m.jobs {
		if existing.Name == job.Name && id != job.ID {
			cp := *job
			cp.ID = id
			cp.LastRunAt, cp.LastRunStatus = existing.LastRunAt, existing.LastRunStatus
			m.jobs[id] = &cp
			return nil
		}
	}
	cp := *job
	m.jobs[job.ID] = &cp
	return nil
}

func (m *mockSchedulerStore) get(id string) *store.ScheduledJob {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil
	}
	cp := *j
	return &cp
}

func (m *mockSchedulerStore) UpdateScheduledJob(_ context.Context, id string, update store.ScheduledJobUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "scheduled job %s not found", id)
	}
	if update.LastRunAt != nil {
		j.LastRunAt = update.LastRunAt
	}
	if update.NextRunAt != nil {
		j.NextRunAt = update.NextRunAt
	}
	if update.LastRunStatus != "" {
		j.LastRunStatus = update.LastRunStatus
	}
	return nil
}

func (m *mockSchedulerStore) ListScheduledJobs(_ context.Context, filter store.ScheduledJobFilter) ([]*store.ScheduledJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.ScheduledJob
	for _, j := range m.jobs {
		if filter.Enabled != nil && j.Enabled != *filter.Enabled {
			continue
		}
		cp := *j
		out = append(out, &cp)
	}
	return out, nil
}

type pipelineSource map[string]*schema.PipelineDefinition

func (p pipelineSource) Pipeline(_ context.Context, name string) (*schema.PipelineDefinition, error) {
	if def, ok := p[name]; ok {
		return def, nil
	}
	return nil, schema.NewErrorf(schema.ErrCodeNotFound, "pipeline %s not found", name)
}

type runCall struct {
	Pipeline  string
	Inputs    map[string]any
	ProjectID string
}

// mockRunner records Run calls and answers with outcome or err.
type mockRunner struct {
	mu      sync.Mutex
	calls   []runCall
	outcome pipeline.Outcome
	err     error
}

func (r *mockRunner) Run(_ context.Context, def *schema.PipelineDefinition, inputs map[string]any, opts pipeline.RunOptions) (pipeline.Outcome, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, runCall{Pipeline: def.Name, Inputs: inputs, ProjectID: opts.ProjectID})
	if r.err != nil {
		return nil, r.err
	}
	if r.outcome != nil {
		return r.outcome, nil
	}
	return &pipeline.Completed{Exec: &schema.PipelineExecution{PipelineName: def.Name}}, nil
}

func (r *mockRunner) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

var fixedNow = time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)

func newTestScheduler(ms *mockSchedulerStore, runner *mockRunner) *Scheduler {
	return New(Config{
		Store:     ms,
		Runner:    runner,
		Pipelines: pipelineSource{"nightly": {Name: "nightly"}, "cleanup": {Name: "cleanup"}},
		Now:       func() time.Time { return fixedNow },
	})
}

func addJob(t *testing.T, ms *mockSchedulerStore, id, pipelineName string, next *time.Time, enabled bool) {
	t.Helper()
	require.NoError(t, ms.CreateScheduledJob(context.Background(), &store.ScheduledJob{
		ID:             id,
		Name:           id,
		PipelineName:   pipelineName,
		CronExpression: "0 * * * *",
		Enabled:        enabled,
		NextRunAt:      next,
	}))
}

func TestNextRun(t *testing.T) {
	sched := newTestScheduler(newMockSchedulerStore(), &mockRunner{})

	next, err := sched.NextRun("0 * * * *", fixedNow)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 2, 10, 13, 0, 0, 0, time.UTC), next)

	next, err = sched.NextRun("*/15 * * * *", fixedNow)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 2, 10, 12, 15, 0, 0, time.UTC), next)

	next, err = sched.NextRun("@every 10m", fixedNow)
	require.NoError(t, err)
	assert.Equal(t, fixedNow.Add(10*time.Minute), next)

	_, err = sched.NextRun("invalid cron", fixedNow)
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}

func TestRunDue_RunsOnlyDueEnabledJobs(t *testing.T) {
	ms := newMockSchedulerStore()
	runner := &mockRunner{}
	sched := newTestScheduler(ms, runner)

	past := fixedNow.Add(-time.Hour)
	future := fixedNow.Add(time.Hour)
	addJob(t, ms, "due", "nightly", &past, true)
	addJob(t, ms, "never-run", "cleanup", nil, true)
	addJob(t, ms, "later", "nightly", &future, true)
	addJob(t, ms, "off", "nightly", &past, false)

	assert.Equal(t, 2, sched.RunDue(context.Background()))
	assert.Equal(t, 2, runner.callCount())

	got := ms.get("due")
	require.NotNil(t, got.LastRunAt)
	assert.Equal(t, fixedNow, *got.LastRunAt)
	assert.Equal(t, time.Date(2026, 2, 10, 13, 0, 0, 0, time.UTC), *got.NextRunAt)
	assert.Equal(t, string(schema.ExecutionCompleted), got.LastRunStatus)
	assert.Nil(t, ms.get("later").LastRunAt)
	assert.Nil(t, ms.get("off").LastRunAt)
}

func TestRunDue_PassesInputsAndProject(t *testing.T) {
	ms := newMockSchedulerStore()
	runner := &mockRunner{}
	sched := newTestScheduler(ms, runner)

	require.NoError(t, ms.CreateScheduledJob(context.Background(), &store.ScheduledJob{
		ID:             "job-1",
		Name:           "report",
		PipelineName:   "nightly",
		ProjectID:      "proj",
		CronExpression: "@daily",
		Inputs:         json.RawMessage(`{"env":"staging"}`),
		Enabled:        true,
	}))

	sched.RunDue(context.Background())

	require.Equal(t, 1, runner.callCount())
	call := runner.calls[0]
	assert.Equal(t, "nightly", call.Pipeline)
	assert.Equal(t, "proj", call.ProjectID)
	assert.Equal(t, "staging", call.Inputs["env"])
}

func TestRunDue_RecordsFailures(t *testing.T) {
	t.Run("runner error", func(t *testing.T) {
		ms := newMockSchedulerStore()
		sched := newTestScheduler(ms, &mockRunner{err: assert.AnError})
		addJob(t, ms, "job", "nightly", nil, true)

		sched.RunDue(context.Background())
		assert.Equal(t, StatusError, ms.get("job").LastRunStatus)
		assert.NotNil(t, ms.get("job").NextRunAt)
	})

	t.Run("failed pipeline", func(t *testing.T) {
		ms := newMockSchedulerStore()
		sched := newTestScheduler(ms, &mockRunner{outcome: &pipeline.Failed{Err: assert.AnError}})
		addJob(t, ms, "job", "nightly", nil, true)

		sched.RunDue(context.Background())
		assert.Equal(t, string(schema.ExecutionFailed), ms.get("job").LastRunStatus)
	})

	t.Run("unknown pipeline", func(t *testing.T) {
		ms := newMockSchedulerStore()
		runner := &mockRunner{}
		sched := newTestScheduler(ms, runner)
		addJob(t, ms, "job", "missing", nil, true)

		sched.RunDue(context.Background())
		assert.Equal(t, 0, runner.callCount())
		assert.Equal(t, StatusError, ms.get("job").LastRunStatus)
	})
}

func TestRunDue_SkipsInflightJobs(t *testing.T) {
	ms := newMockSchedulerStore()
	runner := &mockRunner{}
	sched := newTestScheduler(ms, runner)
	addJob(t, ms, "job", "nightly", nil, true)

	require.True(t, sched.tryAcquire("job"))
	assert.Equal(t, 0, sched.RunDue(context.Background()))
	assert.Equal(t, 0, runner.callCount())

	sched.release("job")
	assert.Equal(t, 1, sched.RunDue(context.Background()))
	assert.Equal(t, 1, runner.callCount())
}

func TestSync(t *testing.T) {
	ms := newMockSchedulerStore()
	sched := newTestScheduler(ms, &mockRunner{})
	ctx := context.Background()

	require.NoError(t, sched.Sync(ctx, []JobSpec{{
		Name:     "nightly-report",
		Cron:     "0 3 * * *",
		Pipeline: "nightly",
		Inputs:   map[string]any{"env": "prod"},
	}}))
	jobs, err := ms.ListScheduledJobs(ctx, store.ScheduledJobFilter{})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "nightly", jobs[0].PipelineName)
	assert.JSONEq(t, `{"env":"prod"}`, string(jobs[0].Inputs))
	assert.Equal(t, time.Date(2026, 2, 11, 3, 0, 0, 0, time.UTC), *jobs[0].NextRunAt)

	// Re-syncing by name updates in place.
	require.NoError(t, sched.Sync(ctx, []JobSpec{{Name: "nightly-report", Cron: "@hourly", Pipeline: "cleanup"}}))
	jobs, err = ms.ListScheduledJobs(ctx, store.ScheduledJobFilter{})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "cleanup", jobs[0].PipelineName)

	err = sched.Sync(ctx, []JobSpec{{Name: "bad", Cron: "not a cron", Pipeline: "nightly"}})
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
	err = sched.Sync(ctx, []JobSpec{{Name: "ghost", Cron: "@daily", Pipeline: "missing"}})
	assert.True(t, schema.IsNotFound(err))
}

func TestSweep(t *testing.T) {
	var seen []time.Time
	sched := New(Config{
		Store: newMockSchedulerStore(),
		Now:   func() time.Time { return fixedNow },
		Sweepers: []Sweeper{
			{Name: "steps", Expire: func(_ context.Context, now time.Time) (int, error) {
				seen = append(seen, now)
				return 2, nil
			}},
			{Name: "pipelines", Expire: func(_ context.Context, now time.Time) (int, error) {
				seen = append(seen, now)
				return 1, assert.AnError
			}},
		},
	})

	assert.Equal(t, 3, sched.Sweep(context.Background()))
	assert.Equal(t, []time.Time{fixedNow, fixedNow}, seen)
}

func TestStartStop(t *testing.T) {
	ms := newMockSchedulerStore()
	runner := &mockRunner{}
	sched := New(Config{
		Store:        ms,
		Runner:       runner,
		Pipelines:    pipelineSource{"nightly": {Name: "nightly"}},
		PollInterval: time.Hour,
		Sweepers:     []Sweeper{{Name: "noop", Expire: func(context.Context, time.Time) (int, error) { return 0, nil }}},
	})
	addJob(t, ms, "job", "nightly", nil, true)

	ctx := context.Background()
	require.NoError(t, sched.Start(ctx))
	err := sched.Start(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already started")

	assert.Eventually(t, func() bool { return runner.callCount() == 1 }, time.Second, 5*time.Millisecond)
	sched.Stop()
	sched.Stop()
}

func TestStart_RejectsInvalidSweepSpec(t *testing.T) {
	sched := New(Config{
		Store:     newMockSchedulerStore(),
		SweepSpec: "whenever",
		Sweepers:  []Sweeper{{Name: "noop", Expire: func(context.Context, time.Time) (int, error) { return 0, nil }}},
	})
	err := sched.Start(context.Background())
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}
