// Package coordinator runs chains: ordered pipelines of agent tasks where
// each step inherits the aggregated context and the previous step's output.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/go-conductor/internal/agent"
	"github.com/basket/go-conductor/internal/bus"
	"github.com/basket/go-conductor/internal/engine"
	"github.com/basket/go-conductor/internal/metrics"
	otelx "github.com/basket/go-conductor/internal/otel"
	"github.com/basket/go-conductor/internal/persistence"
	"github.com/basket/go-conductor/internal/shared"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// DefaultStepTimeout bounds the wait for a single step.
const DefaultStepTimeout = 10 * time.Minute

// Submitter is implemented by *engine.Scheduler.
type Submitter interface {
	Submit(ctx context.Context, req engine.Request) (*persistence.Task, error)
	Cancel(ctx context.Context, id string) error
}

// ChainStore persists chain runs.
type ChainStore interface {
	TaskReader
	CreateChainRun(ctx context.Context, run persistence.ChainRun) error
	AddChainStep(ctx context.Context, chainID string, step persistence.ChainStepEntry) error
	FinishChainRun(ctx context.Context, chainID string, status persistence.ChainStatus, errMsg string) error
	GetChainRun(ctx context.Context, chainID string) (*persistence.ChainRun, error)
}

// Options wires an Executor.
type Options struct {
	Submitter Submitter
	Store     ChainStore
	Registry  *agent.Registry
	Hub       *bus.Hub

	StepTimeout time.Duration

	Logger      *slog.Logger
	Metrics     *metrics.Metrics
	OTelMetrics *otelx.Metrics
	Tracer      trace.Tracer
}

// Executor runs chains over the scheduler.
type Executor struct {
	submitter   Submitter
	store       ChainStore
	registry    *agent.Registry
	hub         *bus.Hub
	waiter      *Waiter
	stepTimeout time.Duration

	logger  *slog.Logger
	metrics *metrics.Metrics
	otelM   *otelx.Metrics
	tracer  trace.Tracer

	mu      sync.Mutex
	running map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// NewExecutor creates a chain executor.
func NewExecutor(opts Options) (*Executor, error) {
	if opts.Submitter == nil || opts.Store == nil {
		return nil, errors.New("coordinator: submitter and store are required")
	}
	if opts.StepTimeout <= 0 {
		opts.StepTimeout = DefaultStepTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Tracer == nil {
		opts.Tracer = tracenoop.NewTracerProvider().Tracer(otelx.TracerName)
	}
	return &Executor{
		submitter:   opts.Submitter,
		store:       opts.Store,
		registry:    opts.Registry,
		hub:         opts.Hub,
		waiter:      NewWaiter(opts.Hub, opts.Store),
		stepTimeout: opts.StepTimeout,
		logger:      opts.Logger,
		metrics:     opts.Metrics,
		otelM:       opts.OTelMetrics,
		tracer:      opts.Tracer,
		running:     make(map[string]context.CancelFunc),
	}, nil
}

// Run executes spec and blocks until it finishes. The returned result holds
// one entry per step that was started.
func (e *Executor) Run(ctx context.Context, spec ChainSpec) (*ChainResult, error) {
	res, err := e.prepare(ctx, spec)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	e.track(res.ChainID, cancel)
	defer e.untrack(res.ChainID)
	return e.execute(ctx, spec, res), nil
}

// Start validates and records spec, then runs it in the background. Poll
// Status with the returned id.
func (e *Executor) Start(ctx context.Context, spec ChainSpec) (string, error) {
	res, err := e.prepare(ctx, spec)
	if err != nil {
		return "", err
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e.track(res.ChainID, cancel)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer cancel()
		defer e.untrack(res.ChainID)
		e.execute(runCtx, spec, res)
	}()
	return res.ChainID, nil
}

// Cancel stops a running chain. The in-flight step is cancelled.
func (e *Executor) Cancel(chainID string) error {
	e.mu.Lock()
	cancel, ok := e.running[chainID]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s is not running", ErrUnknownChain, chainID)
	}
	cancel()
	return nil
}

// Status returns the current state of a chain from the store.
func (e *Executor) Status(ctx context.Context, chainID string) (*ChainResult, error) {
	run, err := e.store.GetChainRun(ctx, chainID)
	if err != nil {
		return nil, err
	}
	res := &ChainResult{
		ChainID:       run.ID,
		Name:          run.Name,
		Channel:       run.Channel,
		Status:        run.Status,
		HaltOnFailure: run.HaltOnFailure,
		TotalSteps:    run.TotalSteps,
		Error:         run.Error,
		Steps:         make([]StepResult, 0, len(run.Steps)),
	}
	for _, st := range run.Steps {
		if st.TaskID == "" {
			res.Steps = append(res.Steps, StepResult{Index: st.Index, Kind: st.Kind, Status: persistence.TaskStatusFailed, Error: st.Error})
			continue
		}
		task, err := e.store.GetTask(ctx, st.TaskID)
		if err != nil {
			return nil, err
		}
		res.Steps = append(res.Steps, stepFromTask(st.Index, task))
	}
	return res, nil
}

// Drain waits up to timeout for background chains, then cancels them.
func (e *Executor) Drain(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
	}
	e.mu.Lock()
	for _, cancel := range e.running {
		cancel()
	}
	e.mu.Unlock()
	<-done
	return false
}

func (e *Executor) track(id string, cancel context.CancelFunc) {
	e.mu.Lock()
	e.running[id] = cancel
	e.mu.Unlock()
}

func (e *Executor) untrack(id string) {
	e.mu.Lock()
	delete(e.running, id)
	e.mu.Unlock()
}

func (e *Executor) prepare(ctx context.Context, spec ChainSpec) (*ChainResult, error) {
	if err := spec.Validate(e.registry); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidChain, err)
	}
	id := uuid.NewString()
	channel := spec.Channel
	if channel == "" {
		channel = "chain:" + id
	}
	res := &ChainResult{
		ChainID:       id,
		Name:          spec.Name,
		Channel:       channel,
		Status:        persistence.ChainStatusRunning,
		HaltOnFailure: spec.Halts(),
		TotalSteps:    len(spec.Steps),
	}
	if err := e.store.CreateChainRun(ctx, persistence.ChainRun{
		ID:            id,
		Name:          spec.Name,
		Channel:       channel,
		HaltOnFailure: res.HaltOnFailure,
		TotalSteps:    len(spec.Steps),
	}); err != nil {
		return nil, err
	}
	return res, nil
}

func (e *Executor) execute(ctx context.Context, spec ChainSpec, res *ChainResult) *ChainResult {
	ctx = shared.WithChainID(ctx, res.ChainID)
	ctx = shared.WithChannel(ctx, res.Channel)
	if shared.TraceID(ctx) == "-" {
		ctx = shared.WithTraceID(ctx, shared.NewTraceID())
	}
	ctx, span := otelx.StartSpan(ctx, e.tracer, "chain.run",
		otelx.AttrChainID.String(res.ChainID),
		otelx.AttrChannel.String(res.Channel),
	)
	defer span.End()
	logger := e.logger.With(shared.LogAttrs(ctx)...)
	logger.Info("chain started", "name", spec.Name, "steps", len(spec.Steps), "halt_on_failure", res.HaltOnFailure)
	e.announce(res.Channel, fmt.Sprintf("chain %s started", res.ChainID))

	var previous json.RawMessage
	failed := false
	halted := false
	for i, step := range spec.Steps {
		if ctx.Err() != nil {
			res.Error = "chain cancelled"
			halted = true
			break
		}
		sr := e.runStep(ctx, res, i, step, previous)
		res.Steps = append(res.Steps, sr)
		if e.otelM != nil {
			e.otelM.ChainSteps.Add(ctx, 1)
		}

		if sr.Succeeded() {
			if sr.Result != nil {
				previous = sr.Result.Payload
			}
			continue
		}
		// A step that did not complete has no output to hand on.
		previous = nil
		failed = true
		logger.Warn("chain step did not complete", "step", i, "kind", step.Kind, "status", sr.Status)
		if res.HaltOnFailure {
			halted = true
			res.Error = fmt.Sprintf("step %d (%s) %s", i, step.Kind, sr.Status)
			break
		}
	}

	switch {
	case halted:
		res.Status = persistence.ChainStatusHalted
	case failed:
		res.Status = persistence.ChainStatusFailed
		res.Error = "one or more steps failed"
	default:
		res.Status = persistence.ChainStatusCompleted
	}
	if res.Status != persistence.ChainStatusCompleted {
		span.SetStatus(codes.Error, res.Error)
	}

	if err := e.store.FinishChainRun(context.WithoutCancel(ctx), res.ChainID, res.Status, res.Error); err != nil {
		logger.Error("record chain finish failed", "error", err)
	}
	e.metrics.ChainFinished(string(res.Status))
	e.announce(res.Channel, fmt.Sprintf("chain %s %s", res.ChainID, res.Status))
	logger.Info("chain finished", "status", res.Status, "steps_run", len(res.Steps))
	return res
}

// runStep submits one step, retrying failures up to MaxRetries, and waits
// for a terminal state.
func (e *Executor) runStep(ctx context.Context, res *ChainResult, index int, step Step, previous json.RawMessage) StepResult {
	ctx, span := otelx.StartSpan(ctx, e.tracer, "chain.step",
		otelx.AttrChainID.String(res.ChainID),
		otelx.AttrChainStep.Int(index),
		otelx.AttrTaskKind.String(step.Kind),
	)
	defer span.End()

	input := step.Input
	var sr StepResult
	for attempt := 1; ; attempt++ {
		sr = e.attempt(ctx, res, index, step.Kind, input, previous)
		sr.Attempts = attempt
		if !retryable(sr.Status) || sr.TaskID == "" || attempt > step.MaxRetries || ctx.Err() != nil {
			break
		}
		e.logger.Info("retrying chain step", "chain_id", res.ChainID, "step", index, "attempt", attempt+1)
		input = retryInput(step.Input, sr.Error, attempt+1)
	}
	if sr.TaskID != "" {
		span.SetAttributes(otelx.AttrTaskID.String(sr.TaskID))
	}
	span.SetAttributes(otelx.AttrTaskStatus.String(string(sr.Status)))
	return sr
}

func (e *Executor) attempt(ctx context.Context, res *ChainResult, index int, kind string, input map[string]any, previous json.RawMessage) StepResult {
	task, err := e.submitter.Submit(ctx, engine.Request{
		Kind:     kind,
		Input:    input,
		Channel:  res.Channel,
		ChainID:  res.ChainID,
		Previous: previous,
	})
	if err != nil {
		class := bus.ClassCollaborator
		var verr *agent.ValidationError
		switch {
		case errors.As(err, &verr):
			class = bus.ClassValidation
		case errors.Is(err, agent.ErrUnknownKind):
			class = bus.ClassUnknownKind
		}
		terr := &persistence.TaskError{Class: class, Message: err.Error()}
		if rerr := e.store.AddChainStep(context.WithoutCancel(ctx), res.ChainID, persistence.ChainStepEntry{
			Index: index, Kind: kind, Error: terr,
		}); rerr != nil {
			e.logger.Error("record chain step failed", "chain_id", res.ChainID, "error", rerr)
		}
		return StepResult{
			Index:  index,
			Kind:   kind,
			Status: persistence.TaskStatusFailed,
			Error:  terr,
		}
	}
	if err := e.store.AddChainStep(context.WithoutCancel(ctx), res.ChainID, persistence.ChainStepEntry{
		Index: index, Kind: kind, TaskID: task.ID,
	}); err != nil {
		e.logger.Error("record chain step failed", "chain_id", res.ChainID, "error", err)
	}

	final, err := e.waiter.WaitForTask(ctx, task.ID, task.Channel, e.stepTimeout)
	if err != nil {
		// Chain cancelled or the step overran; stop the task and report it.
		if cerr := e.submitter.Cancel(context.WithoutCancel(ctx), task.ID); cerr != nil && !errors.Is(cerr, persistence.ErrInvalidTransition) {
			e.logger.Warn("cancel chain step failed", "task_id", task.ID, "error", cerr)
		}
		final, err = e.waiter.WaitForTask(context.WithoutCancel(ctx), task.ID, task.Channel, 30*time.Second)
		if err != nil {
			return StepResult{
				Index:  index,
				Kind:   kind,
				TaskID: task.ID,
				Status: persistence.TaskStatusCancelled,
				Error:  &persistence.TaskError{Class: bus.ClassCancelled, Message: err.Error()},
			}
		}
	}
	return stepFromTask(index, final)
}

// announce publishes a chain-level progress event carrying no task id.
func (e *Executor) announce(channel, msg string) {
	if e.hub != nil {
		e.hub.Publish(channel, bus.Progress("", msg))
	}
}
