// Package workflow runs fixed, linear chains of provisioning tasks against
// compute nodes. Each task has its own timeout and attempt budget; the
// first task that exhausts its budget fails the job and hands it to the
// workflow's single error handler. Completed tasks are never rolled back.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/devghori1264/aerophoenix/cnapi/internal/models"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ErrValidation marks job parameter problems. Tasks failing with it are
// not retried.
var ErrValidation = errors.New("invalid job parameters")

// ErrUnknownWorkflow is returned by Create for unregistered names.
var ErrUnknownWorkflow = errors.New("unknown workflow")

// Params is the job's parameter bag. A task body receives a private copy;
// whatever it leaves there is persisted and passed on when it succeeds.
type Params map[string]string

// Task is one step of a chain.
type Task struct {
	Name    string
	Timeout time.Duration
	// Retry is the maximum number of attempts. Values below one mean one.
	Retry int
	Body  func(ctx context.Context, p Params) (string, error)
}

// Workflow is a named chain plus the handler run when the chain fails.
type Workflow struct {
	Name    string
	Chain   []Task
	OnError Task
}

// JobStore persists job records.
type JobStore interface {
	SaveJob(ctx context.Context, j *models.Job) error
	GetJob(ctx context.Context, uuid string) (*models.Job, error)
}

// Runner creates and executes jobs.
type Runner struct {
	store      JobStore
	log        *zap.Logger
	retryDelay time.Duration
	tracer     trace.Tracer
	now        func() time.Time

	mu        sync.RWMutex
	workflows map[string]Workflow

	// base outlives the requests that create jobs; cancel stops every
	// running job on shutdown.
	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRunner returns a Runner with no workflows registered. retryDelay is
// the pause between attempts of the same task.
func NewRunner(store JobStore, log *zap.Logger, retryDelay time.Duration) *Runner {
	base, cancel := context.WithCancel(context.Background())
	return &Runner{
		store:      store,
		log:        log.Named("workflow"),
		retryDelay: retryDelay,
		tracer:     otel.Tracer("github.com/devghori1264/aerophoenix/cnapi/internal/workflow"),
		now:        time.Now,
		workflows:  make(map[string]Workflow),
		base:       base,
		cancel:     cancel,
	}
}

// Register makes wf available to Create, replacing any workflow with the
// same name.
func (r *Runner) Register(wf Workflow) {
	r.mu.Lock()
	r.workflows[wf.Name] = wf
	r.mu.Unlock()
}

// Create persists a queued job for the named workflow and starts it in the
// background. The returned record is a snapshot; use Get to follow
// progress.
func (r *Runner) Create(ctx context.Context, name string, params map[string]string) (*models.Job, error) {
	r.mu.RLock()
	wf, ok := r.workflows[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownWorkflow, name)
	}

	job := &models.Job{
		UUID:         uuid.NewString(),
		Name:         wf.Name,
		Params:       maps.Clone(params),
		Execution:    models.JobQueued,
		ChainResults: []models.TaskResult{},
		CreatedAt:    r.now().UTC(),
	}
	if job.Params == nil {
		job.Params = map[string]string{}
	}
	if err := r.store.SaveJob(ctx, job); err != nil {
		return nil, fmt.Errorf("save job: %w", err)
	}
	snapshot := cloneJob(job)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.Execute(r.base, wf, job); err != nil {
			r.log.Warn("job failed", zap.String("job_uuid", job.UUID), zap.String("workflow", wf.Name), zap.Error(err))
		}
	}()
	return snapshot, nil
}

// Get returns the stored job record.
func (r *Runner) Get(ctx context.Context, id string) (*models.Job, error) {
	return r.store.GetJob(ctx, id)
}

// Wait blocks until every job started by Create has finished.
func (r *Runner) Wait() {
	r.wg.Wait()
}

// Shutdown cancels running jobs and waits for them to record their state.
func (r *Runner) Shutdown() {
	r.cancel()
	r.wg.Wait()
}

// Execute runs job through wf synchronously and returns the error of the
// failing task, if any. The job record is saved after every task.
func (r *Runner) Execute(ctx context.Context, wf Workflow, job *models.Job) error {
	ctx, span := r.tracer.Start(ctx, "workflow "+wf.Name, trace.WithAttributes(
		attribute.String("job.uuid", job.UUID),
		attribute.String("server.uuid", job.Params["server_uuid"]),
	))
	defer span.End()

	log := r.log.With(zap.String("job_uuid", job.UUID), zap.String("workflow", wf.Name))
	start := r.now()
	job.Execution = models.JobRunning
	r.save(ctx, log, job)

	var chainErr error
	for i, task := range wf.Chain {
		log.Info("task starting", zap.String("task", task.Name), zap.Int("step", i+1), zap.Int("steps", len(wf.Chain)))
		res, err := r.runTask(ctx, task, job.Params)
		job.ChainResults = append(job.ChainResults, res)
		if err != nil {
			log.Error("task failed", zap.String("task", task.Name), zap.Int("attempts", res.Attempts), zap.Error(err))
			chainErr = fmt.Errorf("%s: %w", task.Name, err)
			break
		}
		log.Info("task completed", zap.String("task", task.Name), zap.Duration("took", res.FinishedAt.Sub(res.StartedAt)))
		r.save(ctx, log, job)
	}

	if chainErr != nil {
		job.Execution = models.JobFailed
		if wf.OnError.Body != nil {
			p := maps.Clone(job.Params)
			p["error"] = chainErr.Error()
			// the handler must still run when ctx is what killed the chain
			res, _ := r.runTask(context.WithoutCancel(ctx), wf.OnError, p)
			job.OnErrorResults = append(job.OnErrorResults, res)
		}
		span.RecordError(chainErr)
		span.SetStatus(codes.Error, chainErr.Error())
	} else {
		job.Execution = models.JobSucceeded
	}
	job.Elapsed = r.now().Sub(start)
	r.save(context.WithoutCancel(ctx), log, job)

	jobsTotal.WithLabelValues(wf.Name, string(job.Execution)).Inc()
	log.Info("job finished", zap.String("execution", string(job.Execution)), zap.Duration("elapsed", job.Elapsed))
	return chainErr
}

func (r *Runner) save(ctx context.Context, log *zap.Logger, job *models.Job) {
	if err := r.store.SaveJob(ctx, job); err != nil {
		log.Error("failed to save job", zap.Error(err))
	}
}

// runTask runs task until it succeeds, runs out of attempts, fails
// validation, or ctx ends. On success the body's parameter changes are
// copied into params.
func (r *Runner) runTask(ctx context.Context, task Task, params Params) (models.TaskResult, error) {
	res := models.TaskResult{Name: task.Name, StartedAt: r.now().UTC()}
	attempts := max(task.Retry, 1)

	var err error
	for res.Attempts < attempts {
		res.Attempts++
		p := maps.Clone(params)
		var out string
		out, err = r.attempt(ctx, task, p)
		if err == nil {
			maps.Copy(params, p)
			res.Result = out
			break
		}
		if errors.Is(err, ErrValidation) || ctx.Err() != nil || res.Attempts >= attempts {
			break
		}
		select {
		case <-ctx.Done():
			err = ctx.Err()
		case <-time.After(r.retryDelay):
		}
		if ctx.Err() != nil {
			break
		}
	}

	res.FinishedAt = r.now().UTC()
	if err != nil {
		res.Error = err.Error()
	}
	taskDuration.WithLabelValues(task.Name).Observe(res.FinishedAt.Sub(res.StartedAt).Seconds())
	return res, err
}

// attempt runs the body once under the task timeout. A body that ignores
// its context is abandoned when the timeout fires.
func (r *Runner) attempt(ctx context.Context, task Task, p Params) (string, error) {
	if task.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, task.Timeout)
		defer cancel()
	}
	ctx, span := r.tracer.Start(ctx, task.Name)
	defer span.End()

	type outcome struct {
		result string
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if v := recover(); v != nil {
				done <- outcome{err: fmt.Errorf("task panicked: %v", v)}
			}
		}()
		out, err := task.Body(ctx, p)
		done <- outcome{out, err}
	}()

	var o outcome
	select {
	case o = <-done:
	case <-ctx.Done():
		o.err = ctx.Err()
	}
	if o.err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		o.err = fmt.Errorf("timed out after %v: %w", task.Timeout, ctx.Err())
	}
	if o.err != nil {
		span.RecordError(o.err)
	}
	return o.result, o.err
}

func cloneJob(j *models.Job) *models.Job {
	out := *j
	out.Params = maps.Clone(j.Params)
	out.ChainResults = append([]models.TaskResult{}, j.ChainResults...)
	out.OnErrorResults = append([]models.TaskResult(nil), j.OnErrorResults...)
	return &out
}
