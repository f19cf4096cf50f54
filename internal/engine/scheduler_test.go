package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/basket/go-conductor/internal/agent"
	"github.com/basket/go-conductor/internal/bus"
	"github.com/basket/go-conductor/internal/engine"
	"github.com/basket/go-conductor/internal/memory"
	"github.com/basket/go-conductor/internal/metrics"
	"github.com/basket/go-conductor/internal/persistence"
)

type harness struct {
	store *persistence.Store
	hub   *bus.Hub
	agg   *memory.Aggregator
	sched *engine.Scheduler
}

func newHarness(t *testing.T, gen engine.Generator, extra ...agent.AgentKind) *harness {
	t.Helper()
	return newHarnessWithStore(t, gen, nil, extra...)
}

// newHarnessWithStore lets wrap interpose on the scheduler's store calls.
func newHarnessWithStore(t *testing.T, gen engine.Generator, wrap func(*persistence.Store) engine.TaskStore, extra ...agent.AgentKind) *harness {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "conductor.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	reg, err := agent.NewRegistry(append(agent.Builtins(), extra...)...)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	hub := bus.New(bus.Options{Journal: store})
	agg := memory.NewAggregator(0)
	var ts engine.TaskStore = store
	if wrap != nil {
		ts = wrap(store)
	}
	sched, err := engine.New(engine.Options{
		Store:       ts,
		Registry:    reg,
		Aggregator:  agg,
		Hub:         hub,
		Generator:   gen,
		CancelGrace: 100 * time.Millisecond,
		Metrics:     metrics.NewTestMetrics(),
	})
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	t.Cleanup(func() { sched.Drain(2 * time.Second) })
	return &harness{store: store, hub: hub, agg: agg, sched: sched}
}

// collect reads events until a Complete event or timeout.
func collect(t *testing.T, sub *bus.Subscription, timeout time.Duration) []bus.StreamEvent {
	t.Helper()
	var out []bus.StreamEvent
	deadline := time.After(timeout)
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				t.Fatalf("subscription closed after %d events", len(out))
			}
			out = append(out, ev)
			if ev.Terminal() {
				return out
			}
		case <-deadline:
			t.Fatalf("timed out after %d events: %+v", len(out), out)
		}
	}
}

func waitForStatus(t *testing.T, store *persistence.Store, id string, want persistence.TaskStatus) *persistence.Task {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		task, err := store.GetTask(context.Background(), id)
		if err == nil && task.Status == want {
			return task
		}
		time.Sleep(10 * time.Millisecond)
	}
	task, _ := store.GetTask(context.Background(), id)
	t.Fatalf("timed out waiting for task %s to reach %s, got %#v", id, want, task)
	return nil
}

func chunks(parts ...string) engine.GeneratorFunc {
	return func(ctx context.Context, inv engine.Invocation, onChunk func(string) error) (*engine.Output, error) {
		for _, p := range parts {
			if err := onChunk(p); err != nil {
				return nil, err
			}
		}
		return nil, nil
	}
}

// blocking waits for ctx before returning, optionally ignoring it.
func blocking(started chan<- struct{}, ignoreCtx bool) engine.GeneratorFunc {
	return func(ctx context.Context, inv engine.Invocation, onChunk func(string) error) (*engine.Output, error) {
		_ = onChunk("partial ")
		close(started)
		if ignoreCtx {
			time.Sleep(time.Second)
			_ = onChunk("late")
			return nil, nil
		}
		<-ctx.Done()
		return nil, ctx.Err()
	}
}

func types(events []bus.StreamEvent) []bus.EventType {
	out := make([]bus.EventType, len(events))
	for i, ev := range events {
		out[i] = ev.Type
	}
	return out
}

func TestScheduler_CompletesAndStreams(t *testing.T) {
	h := newHarness(t, chunks(`{"analysis":`, `"ok",`, `"score":3}`))
	sub := h.hub.Subscribe("sim:1")

	task, err := h.sched.Submit(context.Background(), engine.Request{
		Kind:    "simulation",
		Input:   map[string]any{"city": "Springfield"},
		Channel: "sim:1",
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if task.Status != persistence.TaskStatusPending {
		t.Fatalf("submitted status = %s", task.Status)
	}

	events := collect(t, sub, 3*time.Second)
	want := []bus.EventType{bus.EventProgress, bus.EventToken, bus.EventToken, bus.EventToken, bus.EventResult, bus.EventComplete}
	if fmt.Sprint(types(events)) != fmt.Sprint(want) {
		t.Fatalf("event types = %v, want %v", types(events), want)
	}
	for i, ev := range events {
		if ev.Seq != int64(i+1) {
			t.Fatalf("event %d seq = %d", i, ev.Seq)
		}
		if ev.TaskID != task.ID {
			t.Fatalf("event %d task = %s", i, ev.TaskID)
		}
	}

	got := waitForStatus(t, h.store, task.ID, persistence.TaskStatusCompleted)
	if got.Error != nil {
		t.Fatalf("completed task carries error %v", got.Error)
	}
	if got.Result == nil || got.Result.Text != `{"analysis":"ok","score":3}` {
		t.Fatalf("result = %+v", got.Result)
	}
	if string(got.Result.Payload) != `{"analysis":"ok","score":3}` {
		t.Fatalf("payload = %s", got.Result.Payload)
	}
	if string(events[4].Payload) != string(got.Result.Payload) {
		t.Fatalf("result event payload %s differs from stored %s", events[4].Payload, got.Result.Payload)
	}

	entry, ok := h.agg.Latest("simulation")
	if !ok || entry.TaskID != task.ID {
		t.Fatalf("aggregator latest = %+v, %v", entry, ok)
	}
}

func TestScheduler_ValidationCreatesNothing(t *testing.T) {
	h := newHarness(t, chunks("x"))
	ctx := context.Background()

	_, err := h.sched.Submit(ctx, engine.Request{Kind: "simulation", Input: map[string]any{}})
	var verr *agent.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if len(verr.Missing) != 1 || verr.Missing[0] != "city" {
		t.Fatalf("missing = %v", verr.Missing)
	}

	_, err = h.sched.Submit(ctx, engine.Request{Kind: "nope", Input: map[string]any{}})
	if !errors.Is(err, agent.ErrUnknownKind) {
		t.Fatalf("expected ErrUnknownKind, got %v", err)
	}

	_, total, err := h.store.ListTasks(ctx, persistence.TaskFilter{})
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if total != 0 {
		t.Fatalf("expected no tasks, got %d", total)
	}
}

func TestScheduler_InjectsContextAndPrevious(t *testing.T) {
	var mu sync.Mutex
	var seen []engine.Invocation
	gen := engine.GeneratorFunc(func(ctx context.Context, inv engine.Invocation, onChunk func(string) error) (*engine.Output, error) {
		mu.Lock()
		seen = append(seen, inv)
		mu.Unlock()
		return &engine.Output{Payload: json.RawMessage(`{"from":"` + inv.Kind.Name + `"}`)}, onChunk("done")
	})
	h := newHarness(t, gen)
	ctx := context.Background()

	first, err := h.sched.Submit(ctx, engine.Request{Kind: "simulation", Input: map[string]any{"city": "X"}})
	if err != nil {
		t.Fatalf("Submit simulation: %v", err)
	}
	waitForStatus(t, h.store, first.ID, persistence.TaskStatusCompleted)

	second, err := h.sched.Submit(ctx, engine.Request{
		Kind:     "debate",
		Input:    map[string]any{"policy_text": "congestion pricing"},
		Previous: json.RawMessage(`{"from":"simulation"}`),
	})
	if err != nil {
		t.Fatalf("Submit debate: %v", err)
	}
	task := waitForStatus(t, h.store, second.ID, persistence.TaskStatusCompleted)

	var input struct {
		Context    map[string][]memory.ContextEntry `json:"context"`
		Previous   json.RawMessage                  `json:"previous"`
		PolicyText string                           `json:"policy_text"`
	}
	if err := json.Unmarshal(task.Input, &input); err != nil {
		t.Fatalf("decode input: %v", err)
	}
	if input.PolicyText != "congestion pricing" {
		t.Fatalf("explicit input lost: %s", task.Input)
	}
	sims := input.Context["simulation"]
	if len(sims) != 1 || sims[0].TaskID != first.ID {
		t.Fatalf("context.simulation = %+v", sims)
	}
	if string(input.Previous) != `{"from":"simulation"}` {
		t.Fatalf("previous = %s", input.Previous)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 || len(seen[1].Context["simulation"]) != 1 {
		t.Fatalf("generator did not see the context: %+v", seen)
	}
}

func TestScheduler_ExplicitInputWinsOverContext(t *testing.T) {
	h := newHarness(t, chunks("{}"))
	task, err := h.sched.Submit(context.Background(), engine.Request{
		Kind:  "simulation",
		Input: map[string]any{"city": "X", "context": "mine"},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	var input map[string]any
	if err := json.Unmarshal(task.Input, &input); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if input["context"] != "mine" {
		t.Fatalf("context = %v", input["context"])
	}
}

func TestScheduler_CollaboratorFailure(t *testing.T) {
	gen := engine.GeneratorFunc(func(ctx context.Context, inv engine.Invocation, onChunk func(string) error) (*engine.Output, error) {
		_ = onChunk("half")
		return nil, errors.New("upstream refused")
	})
	h := newHarness(t, gen)
	sub := h.hub.Subscribe("fail:1")

	task, err := h.sched.Submit(context.Background(), engine.Request{
		Kind: "simulation", Input: map[string]any{"city": "X"}, Channel: "fail:1",
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	events := collect(t, sub, 3*time.Second)
	n := len(events)
	if n < 2 || events[n-2].Type != bus.EventError || events[n-1].Type != bus.EventComplete {
		t.Fatalf("expected error then complete, got %v", types(events))
	}
	if events[n-2].Error.Class != bus.ClassCollaborator {
		t.Fatalf("class = %s", events[n-2].Error.Class)
	}

	got := waitForStatus(t, h.store, task.ID, persistence.TaskStatusFailed)
	if got.Result != nil || got.Error == nil || got.Error.Class != bus.ClassCollaborator {
		t.Fatalf("failed task = %+v", got)
	}
	if !strings.Contains(got.Error.Message, "upstream refused") {
		t.Fatalf("message = %q", got.Error.Message)
	}
	if _, ok := h.agg.Latest("simulation"); ok {
		t.Fatal("failed task must not be recorded as context")
	}
}

func TestScheduler_FailureMessageIsRedacted(t *testing.T) {
	const key = "AIzaSyD4b7c9e1f2a3b4c5d6e7f8a9b0c1d2e3f4"
	gen := engine.GeneratorFunc(func(ctx context.Context, inv engine.Invocation, onChunk func(string) error) (*engine.Output, error) {
		return nil, errors.New("request with key " + key + " was rejected")
	})
	h := newHarness(t, gen)
	sub := h.hub.Subscribe("fail:2")

	task, err := h.sched.Submit(context.Background(), engine.Request{
		Kind: "simulation", Input: map[string]any{"city": "X"}, Channel: "fail:2",
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	events := collect(t, sub, 3*time.Second)
	for _, ev := range events {
		if ev.Error != nil && strings.Contains(ev.Error.Message, key) {
			t.Fatalf("key leaked in event: %q", ev.Error.Message)
		}
	}
	got := waitForStatus(t, h.store, task.ID, persistence.TaskStatusFailed)
	if strings.Contains(got.Error.Message, key) || !strings.Contains(got.Error.Message, "[REDACTED]") {
		t.Fatalf("stored message = %q", got.Error.Message)
	}
}

func TestScheduler_Timeout(t *testing.T) {
	slow := agent.AgentKind{Name: "slow", RequiredInputs: []string{}, Timeout: 50 * time.Millisecond}
	started := make(chan struct{})
	h := newHarness(t, blocking(started, false), slow)

	task, err := h.sched.Submit(context.Background(), engine.Request{Kind: "slow", Input: map[string]any{}})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	got := waitForStatus(t, h.store, task.ID, persistence.TaskStatusFailed)
	if got.Error.Class != bus.ClassTimeout {
		t.Fatalf("class = %s", got.Error.Class)
	}
}

func TestScheduler_ResultSchemaViolationFails(t *testing.T) {
	strict := agent.AgentKind{
		Name:         "strict",
		ResultSchema: json.RawMessage(`{"type":"object","required":["score"]}`),
	}
	h := newHarness(t, chunks(`{"other":1}`), strict)
	task, err := h.sched.Submit(context.Background(), engine.Request{Kind: "strict", Input: map[string]any{}})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	got := waitForStatus(t, h.store, task.ID, persistence.TaskStatusFailed)
	if got.Error.Class != bus.ClassCollaborator {
		t.Fatalf("class = %s", got.Error.Class)
	}
}

func TestScheduler_CancelRunning(t *testing.T) {
	for _, ignore := range []bool{false, true} {
		t.Run(fmt.Sprintf("ignoreCtx=%v", ignore), func(t *testing.T) {
			started := make(chan struct{})
			h := newHarness(t, blocking(started, ignore))
			sub := h.hub.Subscribe("cancel:1")

			task, err := h.sched.Submit(context.Background(), engine.Request{
				Kind: "simulation", Input: map[string]any{"city": "X"}, Channel: "cancel:1",
			})
			if err != nil {
				t.Fatalf("Submit: %v", err)
			}
			<-started
			waitForStatus(t, h.store, task.ID, persistence.TaskStatusRunning)

			if err := h.sched.Cancel(context.Background(), task.ID); err != nil {
				t.Fatalf("Cancel: %v", err)
			}
			// A second request is idempotent.
			if err := h.sched.Cancel(context.Background(), task.ID); err != nil && !errors.Is(err, persistence.ErrInvalidTransition) {
				t.Fatalf("second Cancel: %v", err)
			}

			events := collect(t, sub, 3*time.Second)
			got := waitForStatus(t, h.store, task.ID, persistence.TaskStatusCancelled)
			if got.Error == nil || got.Error.Class != bus.ClassCancelled || got.Result != nil {
				t.Fatalf("cancelled task = %+v", got)
			}

			var sawCancel bool
			for _, ev := range events {
				if ev.Type == bus.EventError && ev.Error.Class == bus.ClassCancelled {
					sawCancel = true
				}
				if ev.Type == bus.EventResult {
					t.Fatal("cancelled task published a result")
				}
			}
			if !sawCancel {
				t.Fatalf("no cancelled error event in %v", types(events))
			}

			// Nothing follows Complete, even from a generator that ignores ctx.
			time.Sleep(1200 * time.Millisecond)
			after, err := h.hub.Replay(context.Background(), "cancel:1", events[len(events)-1].Seq+1)
			if err != nil {
				t.Fatalf("Replay: %v", err)
			}
			if len(after) != 0 {
				t.Fatalf("events after complete: %+v", after)
			}
		})
	}
}

func TestScheduler_CancelTerminalAndUnknown(t *testing.T) {
	h := newHarness(t, chunks("{}"))
	ctx := context.Background()
	task, err := h.sched.Submit(ctx, engine.Request{Kind: "simulation", Input: map[string]any{"city": "X"}})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitForStatus(t, h.store, task.ID, persistence.TaskStatusCompleted)

	if err := h.sched.Cancel(ctx, task.ID); !errors.Is(err, persistence.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if err := h.sched.Cancel(ctx, "missing"); !errors.Is(err, persistence.ErrTaskNotFound) {
		t.Fatalf("expected ErrTaskNotFound, got %v", err)
	}
}

// gatedStart holds StartTask until release is closed.
type gatedStart struct {
	*persistence.Store
	entered chan struct{}
	release chan struct{}
}

func (g *gatedStart) StartTask(ctx context.Context, id string) error {
	close(g.entered)
	<-g.release
	return g.Store.StartTask(ctx, id)
}

func TestScheduler_CancelPendingNeverStarts(t *testing.T) {
	gate := &gatedStart{entered: make(chan struct{}), release: make(chan struct{})}
	var calls atomic.Int32
	gen := engine.GeneratorFunc(func(ctx context.Context, inv engine.Invocation, onChunk func(string) error) (*engine.Output, error) {
		calls.Add(1)
		return nil, nil
	})
	h := newHarnessWithStore(t, gen, func(s *persistence.Store) engine.TaskStore {
		gate.Store = s
		return gate
	})
	ctx := context.Background()

	task, err := h.sched.Submit(ctx, engine.Request{Kind: "simulation", Input: map[string]any{"city": "X"}})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	sub, err := h.hub.SubscribeFrom(ctx, task.Channel, 1)
	if err != nil {
		t.Fatalf("SubscribeFrom: %v", err)
	}
	<-gate.entered

	if err := h.sched.Cancel(ctx, task.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	close(gate.release)

	events := collect(t, sub, 2*time.Second)
	if fmt.Sprint(types(events)) != fmt.Sprint([]bus.EventType{bus.EventError, bus.EventComplete}) {
		t.Fatalf("events = %v", types(events))
	}
	waitForStatus(t, h.store, task.ID, persistence.TaskStatusCancelled)
	deadline := time.Now().Add(time.Second)
	for len(h.sched.ActiveTasks()) > 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	trs, err := h.store.ListTransitions(ctx, task.ID)
	if err != nil {
		t.Fatalf("ListTransitions: %v", err)
	}
	for _, tr := range trs {
		if tr.To == persistence.TaskStatusRunning {
			t.Fatalf("cancelled pending task was started: %+v", trs)
		}
	}
	after, err := h.hub.Replay(ctx, task.Channel, events[len(events)-1].Seq+1)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if len(after) != 0 {
		t.Fatalf("events after complete: %+v", after)
	}
	if n := calls.Load(); n != 0 {
		t.Fatalf("generator ran %d times for a cancelled pending task", n)
	}
}

// A cancel racing the end of generation either wins outright or is refused;
// the task never ends COMPLETED after a cancel was accepted.
func TestScheduler_CancelRacingCompletionIsConsistent(t *testing.T) {
	returning := make(chan string, 1)
	gen := engine.GeneratorFunc(func(ctx context.Context, inv engine.Invocation, onChunk func(string) error) (*engine.Output, error) {
		if err := onChunk(`{"ok":true}`); err != nil {
			return nil, err
		}
		returning <- inv.TaskID
		return nil, nil
	})
	h := newHarness(t, gen)
	ctx := context.Background()

	for i := 0; i < 25; i++ {
		task, err := h.sched.Submit(ctx, engine.Request{Kind: "simulation", Input: map[string]any{"city": "X"}})
		if err != nil {
			t.Fatalf("Submit: %v", err)
		}
		sub, err := h.hub.SubscribeFrom(ctx, task.Channel, 1)
		if err != nil {
			t.Fatalf("SubscribeFrom: %v", err)
		}
		<-returning
		cancelErr := h.sched.Cancel(ctx, task.ID)
		if cancelErr != nil && !errors.Is(cancelErr, persistence.ErrInvalidTransition) {
			t.Fatalf("Cancel: %v", cancelErr)
		}
		events := collect(t, sub, 2*time.Second)
		h.hub.Unsubscribe(sub)

		var sawCancel, sawResult bool
		for _, ev := range events {
			switch {
			case ev.Type == bus.EventResult:
				sawResult = true
			case ev.Type == bus.EventError && ev.Error.Class == bus.ClassCancelled:
				sawCancel = true
			}
		}
		if cancelErr == nil {
			waitForStatus(t, h.store, task.ID, persistence.TaskStatusCancelled)
			if sawResult {
				t.Fatalf("iteration %d: accepted cancel but published a result: %v", i, types(events))
			}
			continue
		}
		waitForStatus(t, h.store, task.ID, persistence.TaskStatusCompleted)
		if sawCancel || !sawResult {
			t.Fatalf("iteration %d: refused cancel but events = %v", i, types(events))
		}
	}
}

func TestScheduler_CancelTaskOwnedByNoRun(t *testing.T) {
	h := newHarness(t, chunks("{}"))
	ctx := context.Background()
	orphan, err := h.store.CreateTask(ctx, persistence.NewTask{Kind: "simulation", Input: json.RawMessage(`{}`)})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	sub := h.hub.Subscribe(orphan.Channel)
	if err := h.sched.Cancel(ctx, orphan.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	events := collect(t, sub, time.Second)
	if fmt.Sprint(types(events)) != fmt.Sprint([]bus.EventType{bus.EventError, bus.EventComplete}) {
		t.Fatalf("events = %v", types(events))
	}
	waitForStatus(t, h.store, orphan.ID, persistence.TaskStatusCancelled)
}

func TestScheduler_ConcurrentTasksStayIsolated(t *testing.T) {
	gen := engine.GeneratorFunc(func(ctx context.Context, inv engine.Invocation, onChunk func(string) error) (*engine.Output, error) {
		for i := 0; i < 20; i++ {
			if err := onChunk(fmt.Sprintf("%s-%d;", inv.TaskID[:4], i)); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	h := newHarness(t, gen)
	subA := h.hub.Subscribe("a")
	subB := h.hub.Subscribe("b")

	a, err := h.sched.Submit(context.Background(), engine.Request{Kind: "simulation", Input: map[string]any{"city": "A"}, Channel: "a"})
	if err != nil {
		t.Fatalf("Submit a: %v", err)
	}
	b, err := h.sched.Submit(context.Background(), engine.Request{Kind: "simulation", Input: map[string]any{"city": "B"}, Channel: "b"})
	if err != nil {
		t.Fatalf("Submit b: %v", err)
	}

	for _, tc := range []struct {
		sub *bus.Subscription
		id  string
	}{{subA, a.ID}, {subB, b.ID}} {
		events := collect(t, tc.sub, 3*time.Second)
		var text strings.Builder
		for _, ev := range events {
			if ev.TaskID != tc.id {
				t.Fatalf("channel %s carried event for %s", tc.sub.Channel(), ev.TaskID)
			}
			if ev.Type == bus.EventToken {
				text.WriteString(ev.Text)
			}
		}
		var want strings.Builder
		for i := 0; i < 20; i++ {
			fmt.Fprintf(&want, "%s-%d;", tc.id[:4], i)
		}
		if text.String() != want.String() {
			t.Fatalf("tokens out of order on %s:\n%s", tc.sub.Channel(), text.String())
		}
	}
}

func TestScheduler_DrainRejectsSubmissions(t *testing.T) {
	h := newHarness(t, chunks("{}"))
	if !h.sched.Drain(time.Second) {
		t.Fatal("drain of idle scheduler should succeed")
	}
	_, err := h.sched.Submit(context.Background(), engine.Request{Kind: "simulation", Input: map[string]any{"city": "X"}})
	if !errors.Is(err, engine.ErrSchedulerClosed) {
		t.Fatalf("expected ErrSchedulerClosed, got %v", err)
	}
}

func TestScheduler_DrainCancelsStragglers(t *testing.T) {
	started := make(chan struct{})
	h := newHarness(t, blocking(started, false))
	task, err := h.sched.Submit(context.Background(), engine.Request{Kind: "simulation", Input: map[string]any{"city": "X"}})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	<-started
	if h.sched.Drain(50 * time.Millisecond) {
		t.Fatal("drain should report stragglers")
	}
	waitForStatus(t, h.store, task.ID, persistence.TaskStatusCancelled)
	if n := len(h.sched.ActiveTasks()); n != 0 {
		t.Fatalf("active tasks after drain = %d", n)
	}
}

func TestScheduler_Stats(t *testing.T) {
	h := newHarness(t, chunks("{}"))
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		task, err := h.sched.Submit(ctx, engine.Request{Kind: "simulation", Input: map[string]any{"city": "X"}})
		if err != nil {
			t.Fatalf("Submit: %v", err)
		}
		waitForStatus(t, h.store, task.ID, persistence.TaskStatusCompleted)
	}
	// Let the run goroutines release.
	deadline := time.Now().Add(time.Second)
	for len(h.sched.ActiveTasks()) > 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	stats, err := h.sched.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.ByStatus[persistence.TaskStatusCompleted] != 3 {
		t.Fatalf("completed = %d", stats.ByStatus[persistence.TaskStatusCompleted])
	}
	if stats.ByKind["simulation"] != 3 || stats.ContextSize != 3 || stats.Active != 0 {
		t.Fatalf("stats = %+v", stats)
	}
	if stats.Kinds != len(agent.Builtins()) {
		t.Fatalf("kinds = %d", stats.Kinds)
	}
}
