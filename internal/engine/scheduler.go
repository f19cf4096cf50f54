// Package engine runs agent tasks: it validates submissions, injects recent
// context, drives a Generator and publishes the resulting stream events.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/go-conductor/internal/agent"
	"github.com/basket/go-conductor/internal/bus"
	"github.com/basket/go-conductor/internal/memory"
	"github.com/basket/go-conductor/internal/metrics"
	otelx "github.com/basket/go-conductor/internal/otel"
	"github.com/basket/go-conductor/internal/persistence"
	"github.com/basket/go-conductor/internal/shared"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const (
	DefaultTaskTimeout = 5 * time.Minute
	DefaultCancelGrace = 5 * time.Second
)

// TaskStore is the slice of the persistence layer the scheduler drives.
type TaskStore interface {
	CreateTask(ctx context.Context, nt persistence.NewTask) (*persistence.Task, error)
	StartTask(ctx context.Context, taskID string) error
	CompleteTask(ctx context.Context, taskID string, result persistence.TaskResult) error
	FailTask(ctx context.Context, taskID string, taskErr persistence.TaskError) error
	CancelTask(ctx context.Context, taskID, reason string) (persistence.TaskStatus, error)
	GetTask(ctx context.Context, taskID string) (*persistence.Task, error)
	ListTasks(ctx context.Context, f persistence.TaskFilter) ([]persistence.Task, int, error)
	TaskCounts(ctx context.Context) (map[persistence.TaskStatus]int, error)
	KindCounts(ctx context.Context) (map[string]int, error)
}

// Options wires a Scheduler. Store, Registry, Hub and Generator are required.
type Options struct {
	Store      TaskStore
	Registry   *agent.Registry
	Aggregator *memory.Aggregator
	Hub        *bus.Hub
	Generator  Generator

	// TaskTimeout applies when a kind has no timeout of its own.
	TaskTimeout time.Duration
	// CancelGrace bounds how long a cancelled or timed-out generation may
	// keep running before the task is finalized without it.
	CancelGrace time.Duration

	Logger      *slog.Logger
	Metrics     *metrics.Metrics
	OTelMetrics *otelx.Metrics
	Tracer      trace.Tracer
}

// Request is one task submission.
type Request struct {
	Kind  string
	Input map[string]any
	// Channel defaults to task:<id>.
	Channel string
	ChainID string
	// Previous is the prior chain step's output, injected as input["previous"].
	Previous json.RawMessage
}

// Scheduler owns every in-flight task of this process.
type Scheduler struct {
	store      TaskStore
	registry   *agent.Registry
	aggregator *memory.Aggregator
	hub        *bus.Hub
	gen        Generator

	taskTimeout time.Duration
	cancelGrace time.Duration

	logger   *slog.Logger
	metrics  *metrics.Metrics
	otelM    *otelx.Metrics
	tracer   trace.Tracer
	baseCtx  context.Context
	stopBase context.CancelFunc

	mu       sync.Mutex
	runs     map[string]*run
	draining bool
	wg       sync.WaitGroup

	active atomic.Int64
}

type runPhase int

const (
	phasePending runPhase = iota
	phaseRunning
	// phaseSettling means the outcome is decided and cancellation is
	// no longer accepted.
	phaseSettling
)

// run is the in-memory handle of one task. mu orders every event the
// scheduler publishes for the task, so nothing follows its Complete event.
type run struct {
	id        string
	kind      agent.AgentKind
	channel   string
	chainID   string
	inv       Invocation
	traceID   string
	submitted time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu              sync.Mutex
	phase           runPhase
	cancelRequested bool
	cancelReason    string
	finished        bool
	tokens          int64
}

// New builds a Scheduler.
func New(opts Options) (*Scheduler, error) {
	switch {
	case opts.Store == nil:
		return nil, errors.New("engine: store is required")
	case opts.Registry == nil:
		return nil, errors.New("engine: registry is required")
	case opts.Hub == nil:
		return nil, errors.New("engine: hub is required")
	case opts.Generator == nil:
		return nil, errors.New("engine: generator is required")
	}
	if opts.Aggregator == nil {
		opts.Aggregator = memory.NewAggregator(memory.DefaultLimit)
	}
	if opts.TaskTimeout <= 0 {
		opts.TaskTimeout = DefaultTaskTimeout
	}
	if opts.CancelGrace <= 0 {
		opts.CancelGrace = DefaultCancelGrace
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Tracer == nil {
		opts.Tracer = tracenoop.NewTracerProvider().Tracer(otelx.TracerName)
	}
	baseCtx, stop := context.WithCancel(context.Background())
	return &Scheduler{
		store:       opts.Store,
		registry:    opts.Registry,
		aggregator:  opts.Aggregator,
		hub:         opts.Hub,
		gen:         opts.Generator,
		taskTimeout: opts.TaskTimeout,
		cancelGrace: opts.CancelGrace,
		logger:      opts.Logger,
		metrics:     opts.Metrics,
		otelM:       opts.OTelMetrics,
		tracer:      opts.Tracer,
		baseCtx:     baseCtx,
		stopBase:    stop,
		runs:        make(map[string]*run),
	}, nil
}

// Aggregator returns the context aggregator tasks read from and write to.
func (s *Scheduler) Aggregator() *memory.Aggregator {
	return s.aggregator
}

// Registry returns the kind registry submissions are validated against.
func (s *Scheduler) Registry() *agent.Registry {
	return s.registry
}

// Submit validates req, persists a PENDING task and starts it in the
// background. Validation failures return *agent.ValidationError or
// agent.ErrUnknownKind and create nothing.
func (s *Scheduler) Submit(ctx context.Context, req Request) (*persistence.Task, error) {
	kind, err := s.registry.Describe(req.Kind)
	if err != nil {
		return nil, err
	}
	if err := s.registry.Validate(kind.Name, req.Input); err != nil {
		return nil, err
	}

	snapshot := s.aggregator.Snapshot(kind.ContextKinds)
	merged := make(map[string]any, len(req.Input)+2)
	merged["context"] = snapshot
	if len(req.Previous) > 0 {
		merged["previous"] = req.Previous
	}
	for k, v := range req.Input {
		merged[k] = v
	}
	raw, err := json.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("encode task input: %w", err)
	}

	s.mu.Lock()
	if s.draining {
		s.mu.Unlock()
		return nil, ErrSchedulerClosed
	}
	s.mu.Unlock()

	id := uuid.NewString()
	channel := strings.TrimSpace(req.Channel)
	if channel == "" {
		channel = "task:" + id
	}
	task, err := s.store.CreateTask(ctx, persistence.NewTask{
		ID:      id,
		Kind:    kind.Name,
		Channel: channel,
		ChainID: req.ChainID,
		Input:   raw,
	})
	if err != nil {
		return nil, err
	}

	traceID := shared.TraceID(ctx)
	if traceID == "-" {
		traceID = shared.NewTraceID()
	}
	runCtx := shared.WithTraceID(s.baseCtx, traceID)
	runCtx = shared.WithTaskID(runCtx, id)
	runCtx = shared.WithChannel(runCtx, channel)
	if req.ChainID != "" {
		runCtx = shared.WithChainID(runCtx, req.ChainID)
	}
	runCtx, cancel := context.WithCancel(runCtx)

	r := &run{
		id:      id,
		kind:    kind,
		channel: channel,
		chainID: req.ChainID,
		inv: Invocation{
			TaskID:   id,
			Kind:     kind,
			Input:    merged,
			Context:  snapshot,
			Previous: req.Previous,
		},
		traceID:   traceID,
		submitted: time.Now(),
		ctx:       runCtx,
		cancel:    cancel,
	}

	s.mu.Lock()
	if s.draining {
		s.mu.Unlock()
		cancel()
		_, _ = s.store.CancelTask(context.Background(), id, "scheduler draining")
		return nil, ErrSchedulerClosed
	}
	s.runs[id] = r
	s.wg.Add(1)
	s.mu.Unlock()

	s.active.Add(1)
	s.metrics.TaskSubmitted(kind.Name)
	if s.otelM != nil {
		s.otelM.ActiveTasks.Add(runCtx, 1)
	}
	s.logger.Info("task submitted", append(shared.LogAttrs(runCtx), "kind", kind.Name)...)

	go s.execute(r)
	return task, nil
}

// GetTask returns the persisted view of a task.
func (s *Scheduler) GetTask(ctx context.Context, id string) (*persistence.Task, error) {
	return s.store.GetTask(ctx, id)
}

// ListTasks pages through persisted tasks.
func (s *Scheduler) ListTasks(ctx context.Context, f persistence.TaskFilter) ([]persistence.Task, int, error) {
	return s.store.ListTasks(ctx, f)
}

// Cancel requests cancellation. A PENDING task is cancelled at once. A
// RUNNING task gets an immediate error event; it becomes CANCELLED when the
// generator stops or the grace period elapses. Cancelling a terminal task, or
// one whose generation has already returned, yields
// persistence.ErrInvalidTransition.
func (s *Scheduler) Cancel(ctx context.Context, id string) error {
	s.mu.Lock()
	r, ok := s.runs[id]
	s.mu.Unlock()
	if !ok {
		task, err := s.store.GetTask(ctx, id)
		if err != nil {
			return err
		}
		if task.Status.Terminal() {
			return fmt.Errorf("%w: task %s is %s", persistence.ErrInvalidTransition, id, task.Status)
		}
		// Not owned by this process; settle it in the store.
		if _, err := s.store.CancelTask(ctx, id, "cancelled"); err != nil {
			return err
		}
		s.hub.Publish(task.Channel, bus.Error(id, bus.ClassCancelled, "cancelled"))
		s.hub.Publish(task.Channel, bus.Complete(id))
		return nil
	}

	r.mu.Lock()
	if r.finished {
		r.mu.Unlock()
		return fmt.Errorf("%w: task %s already finished", persistence.ErrInvalidTransition, id)
	}
	if r.cancelRequested {
		r.mu.Unlock()
		return nil
	}
	if r.phase == phaseSettling {
		r.mu.Unlock()
		return fmt.Errorf("%w: task %s is finishing", persistence.ErrInvalidTransition, id)
	}
	r.cancelRequested = true
	r.cancelReason = "cancelled"
	phase := r.phase
	s.hub.Publish(r.channel, bus.Error(id, bus.ClassCancelled, "cancellation requested"))
	r.mu.Unlock()

	s.logger.Info("task cancel requested", append(shared.LogAttrs(r.ctx), "phase", phase)...)
	if phase == phasePending {
		s.finishCancelled(r, "cancelled before start")
	}
	r.cancel()
	return nil
}

// execute is the task's goroutine.
func (s *Scheduler) execute(r *run) {
	defer s.wg.Done()
	defer s.release(r)

	r.mu.Lock()
	if r.cancelRequested {
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	ctx, span := otelx.StartSpan(r.ctx, s.tracer, "task.execute",
		otelx.AttrTaskID.String(r.id),
		otelx.AttrTaskKind.String(r.kind.Name),
		otelx.AttrChannel.String(r.channel),
	)
	defer span.End()
	if r.chainID != "" {
		span.SetAttributes(otelx.AttrChainID.String(r.chainID))
	}
	logger := s.logger.With(shared.LogAttrs(ctx)...)

	err := s.store.StartTask(context.WithoutCancel(ctx), r.id)

	// A cancel that arrived while the task was still pending settles it.
	r.mu.Lock()
	if r.cancelRequested {
		r.mu.Unlock()
		return
	}
	if err == nil {
		r.phase = phaseRunning
		s.hub.Publish(r.channel, bus.Progress(r.id, "started"))
	}
	r.mu.Unlock()

	if err != nil {
		logger.Error("task start failed", "error", err)
		s.finish(r, persistence.TaskStatusCancelled, func(ctx context.Context) error {
			_, err := s.store.CancelTask(ctx, r.id, "start failed")
			return err
		}, func() {
			s.hub.Publish(r.channel, bus.Error(r.id, bus.ClassCancelled, "start failed: "+err.Error()))
		})
		return
	}

	timeout := r.kind.Timeout
	if timeout <= 0 {
		timeout = s.taskTimeout
	}
	genCtx, cancelGen := context.WithTimeout(ctx, timeout)
	defer cancelGen()

	var text strings.Builder
	onChunk := func(chunk string) error {
		if err := genCtx.Err(); err != nil {
			return err
		}
		if chunk == "" {
			return nil
		}
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.finished || r.cancelRequested || r.phase == phaseSettling {
			return context.Canceled
		}
		text.WriteString(chunk)
		r.tokens++
		s.hub.Publish(r.channel, bus.Token(r.id, chunk))
		return nil
	}

	type genResult struct {
		out *Output
		err error
	}
	resCh := make(chan genResult, 1)
	genStart := time.Now()
	go func() {
		out, err := s.gen.Generate(genCtx, r.inv, onChunk)
		resCh <- genResult{out: out, err: err}
	}()

	var res genResult
	forced := false
	select {
	case res = <-resCh:
	case <-genCtx.Done():
		select {
		case res = <-resCh:
		case <-time.After(s.cancelGrace):
			forced = true
		}
	}
	genElapsed := time.Since(genStart)

	r.mu.Lock()
	cancelled := r.cancelRequested
	reason := r.cancelReason
	tokens := r.tokens
	r.phase = phaseSettling
	r.mu.Unlock()

	if s.otelM != nil {
		s.otelM.GenerateDuration.Record(ctx, genElapsed.Seconds())
		s.otelM.StreamTokens.Add(ctx, tokens)
	}

	switch {
	case cancelled:
		if forced {
			reason += " (grace period elapsed)"
		}
		s.finishCancelled(r, reason)
		span.SetAttributes(otelx.AttrTaskStatus.String(string(persistence.TaskStatusCancelled)))
	case forced:
		s.finishFailed(r, bus.ClassTimeout, fmt.Sprintf("generation exceeded %s", timeout))
		span.SetStatus(codes.Error, "timeout")
	case res.err != nil:
		class := classifyFailure(res.err, genCtx)
		msg := res.err.Error()
		if class == bus.ClassTimeout && errors.Is(genCtx.Err(), context.DeadlineExceeded) {
			msg = fmt.Sprintf("generation exceeded %s", timeout)
		}
		s.finishFailed(r, class, msg)
		span.RecordError(res.err)
		span.SetStatus(codes.Error, msg)
		span.SetAttributes(otelx.AttrErrorClass.String(string(class)))
	default:
		s.finishSucceeded(r, text.String(), res.out)
	}
}

func (s *Scheduler) finishSucceeded(r *run, text string, out *Output) {
	var payload json.RawMessage
	if out != nil && len(out.Payload) > 0 {
		payload = out.Payload
	} else {
		payload = agent.ExtractJSON(text)
	}
	if err := s.registry.ValidatePayload(r.kind.Name, payload); err != nil {
		s.finishFailed(r, bus.ClassCollaborator, err.Error())
		return
	}
	if payload == nil {
		// Unstructured output still yields a result payload.
		payload, _ = json.Marshal(map[string]string{"text": text})
	}

	s.finish(r, persistence.TaskStatusCompleted, func(ctx context.Context) error {
		return s.store.CompleteTask(ctx, r.id, persistence.TaskResult{Payload: payload, Text: text})
	}, func() {
		s.aggregator.Record(memory.ContextEntry{
			Kind:    r.kind.Name,
			TaskID:  r.id,
			Text:    text,
			Payload: payload,
		})
		s.hub.Publish(r.channel, bus.Result(r.id, payload))
	})
}

// finishFailed settles a failed task. Collaborator messages can echo request
// details, so they are redacted before being stored and broadcast.
func (s *Scheduler) finishFailed(r *run, class bus.ErrorClass, msg string) {
	msg = shared.Redact(msg)
	s.finish(r, persistence.TaskStatusFailed, func(ctx context.Context) error {
		return s.store.FailTask(ctx, r.id, persistence.TaskError{Class: class, Message: msg})
	}, func() {
		s.hub.Publish(r.channel, bus.Error(r.id, class, msg))
	})
}

// finishCancelled settles a cancelled task. The error event was published
// when cancellation was requested.
func (s *Scheduler) finishCancelled(r *run, reason string) {
	s.finish(r, persistence.TaskStatusCancelled, func(ctx context.Context) error {
		_, err := s.store.CancelTask(ctx, r.id, reason)
		return err
	}, nil)
}

// finish applies the terminal transition once. On success it runs emit and
// publishes Complete while still holding the run lock.
func (s *Scheduler) finish(r *run, status persistence.TaskStatus, transition func(context.Context) error, emit func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finished {
		return
	}
	r.finished = true

	ctx := context.WithoutCancel(r.ctx)
	logger := s.logger.With(shared.LogAttrs(ctx)...)
	if err := transition(ctx); err != nil {
		logger.Error("task terminal transition failed", "status", status, "error", err)
		return
	}
	if emit != nil {
		emit()
	}
	s.hub.Publish(r.channel, bus.Complete(r.id))

	elapsed := time.Since(r.submitted)
	s.metrics.TaskFinished(r.kind.Name, string(status), elapsed)
	if s.otelM != nil {
		s.otelM.TaskDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(
			otelx.AttrTaskKind.String(r.kind.Name),
			otelx.AttrTaskStatus.String(string(status)),
		))
	}
	logger.Info("task finished", "status", status, "elapsed_ms", elapsed.Milliseconds(), "tokens", r.tokens)
}

func (s *Scheduler) release(r *run) {
	r.cancel()
	s.mu.Lock()
	delete(s.runs, r.id)
	s.mu.Unlock()
	s.active.Add(-1)
	if s.otelM != nil {
		s.otelM.ActiveTasks.Add(context.Background(), -1)
	}
}

// ActiveTasks returns the ids of tasks this process is executing, sorted.
func (s *Scheduler) ActiveTasks() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.runs))
	for id := range s.runs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Drain stops accepting submissions and waits up to timeout for in-flight
// tasks. Tasks still running afterwards are cancelled and given the grace
// period to settle. It reports whether every task finished in time.
func (s *Scheduler) Drain(timeout time.Duration) bool {
	s.mu.Lock()
	s.draining = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.stopBase()
		return true
	case <-time.After(timeout):
	}

	s.logger.Warn("drain timeout, cancelling tasks", "active", s.active.Load())
	for _, id := range s.ActiveTasks() {
		s.mu.Lock()
		r := s.runs[id]
		s.mu.Unlock()
		if r == nil {
			continue
		}
		r.mu.Lock()
		if !r.cancelRequested && !r.finished && r.phase != phaseSettling {
			r.cancelRequested = true
			r.cancelReason = "shutdown"
			s.hub.Publish(r.channel, bus.Error(r.id, bus.ClassCancelled, "shutdown"))
		}
		pending := r.phase == phasePending
		r.mu.Unlock()
		if pending {
			s.finishCancelled(r, "shutdown")
		}
	}
	s.stopBase()

	select {
	case <-done:
	case <-time.After(s.cancelGrace + time.Second):
	}
	return false
}

// Stats summarises scheduler and store state.
type Stats struct {
	Active       int                            `json:"active"`
	ByStatus     map[persistence.TaskStatus]int `json:"by_status"`
	ByKind       map[string]int                 `json:"by_kind"`
	ContextSize  int                            `json:"context_size"`
	ContextKinds []string                       `json:"context_kinds"`
	Kinds        int                            `json:"kinds"`
}

// Stats returns counts across this process and the store.
func (s *Scheduler) Stats(ctx context.Context) (Stats, error) {
	byStatus, err := s.store.TaskCounts(ctx)
	if err != nil {
		return Stats{}, err
	}
	byKind, err := s.store.KindCounts(ctx)
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		Active:       int(s.active.Load()),
		ByStatus:     byStatus,
		ByKind:       byKind,
		ContextSize:  s.aggregator.Size(),
		ContextKinds: s.aggregator.Kinds(),
		Kinds:        s.registry.Len(),
	}, nil
}

