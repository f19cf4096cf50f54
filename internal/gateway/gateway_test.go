package gateway_test

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/basket/go-conductor/internal/agent"
	"github.com/basket/go-conductor/internal/bus"
	"github.com/basket/go-conductor/internal/coordinator"
	"github.com/basket/go-conductor/internal/cron"
	"github.com/basket/go-conductor/internal/engine"
	"github.com/basket/go-conductor/internal/gateway"
	"github.com/basket/go-conductor/internal/memory"
	"github.com/basket/go-conductor/internal/metrics"
	"github.com/basket/go-conductor/internal/persistence"
)

type testEnv struct {
	srv   *httptest.Server
	hub   *bus.Hub
	sched *engine.Scheduler
	store *persistence.Store
}

func newTestEnv(t *testing.T, mutate func(*gateway.Config)) *testEnv {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "conductor.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	reg, err := agent.NewRegistry(
		agent.AgentKind{Name: "echo", RequiredInputs: []string{"topic"}},
		agent.AgentKind{Name: "slow"},
	)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	hub := bus.New(bus.Options{Journal: store})
	gen := engine.GeneratorFunc(func(ctx context.Context, inv engine.Invocation, onChunk func(string) error) (*engine.Output, error) {
		if inv.Kind.Name == "slow" {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		if err := onChunk("hello "); err != nil {
			return nil, err
		}
		return nil, onChunk("world")
	})
	sched, err := engine.New(engine.Options{
		Store:       store,
		Registry:    reg,
		Aggregator:  memory.NewAggregator(0),
		Hub:         hub,
		Generator:   gen,
		CancelGrace: 100 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	exec, err := coordinator.NewExecutor(coordinator.Options{
		Submitter:   sched,
		Store:       store,
		Registry:    reg,
		Hub:         hub,
		StepTimeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("NewExecutor: %v", err)
	}

	cfg := gateway.Config{
		Scheduler:   sched,
		Executor:    exec,
		Hub:         hub,
		Transitions: store,
		Chains: map[string]coordinator.ChainSpec{
			"digest": {Name: "digest", Steps: []coordinator.Step{
				{Kind: "echo", Input: map[string]any{"topic": "a"}},
				{Kind: "echo", Input: map[string]any{"topic": "b"}},
			}},
		},
		Metrics:           metrics.NewTestMetrics().Handler(),
		ConfigFingerprint: "abc123",
		Version:           "test",
	}
	if mutate != nil {
		mutate(&cfg)
	}
	gw, err := gateway.New(cfg)
	if err != nil {
		t.Fatalf("gateway.New: %v", err)
	}
	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(func() {
		srv.Close()
		exec.Drain(2 * time.Second)
		sched.Drain(2 * time.Second)
	})
	return &testEnv{srv: srv, hub: hub, sched: sched, store: store}
}

func (e *testEnv) do(t *testing.T, method, path, body string) (*http.Response, map[string]any) {
	t.Helper()
	var rdr *strings.Reader
	if body == "" {
		rdr = strings.NewReader("")
	} else {
		rdr = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rdr)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func (e *testEnv) waitTask(t *testing.T, id string) *persistence.Task {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		task, err := e.sched.GetTask(context.Background(), id)
		if err != nil {
			t.Fatalf("GetTask: %v", err)
		}
		if task.Status.Terminal() {
			return task
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("task %s did not finish", id)
	return nil
}

func errorClass(body map[string]any) string {
	e, _ := body["error"].(map[string]any)
	c, _ := e["class"].(string)
	return c
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t, nil)
	resp, body := env.do(t, http.MethodGet, "/healthz", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body["healthy"] != true || body["config_hash"] != "abc123" {
		t.Fatalf("body = %v", body)
	}
	if resp.Header.Get("X-Trace-ID") == "" {
		t.Fatal("expected X-Trace-ID header")
	}
}

func TestMetricsRoute(t *testing.T) {
	env := newTestEnv(t, nil)
	resp, err := http.Get(env.srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestKinds(t *testing.T) {
	env := newTestEnv(t, nil)
	resp, body := env.do(t, http.MethodGet, "/api/kinds", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if kinds, _ := body["kinds"].([]any); len(kinds) != 2 {
		t.Fatalf("kinds = %v", body["kinds"])
	}

	resp, body = env.do(t, http.MethodGet, "/api/kinds/echo", "")
	if resp.StatusCode != http.StatusOK || body["name"] != "echo" {
		t.Fatalf("describe: %d %v", resp.StatusCode, body)
	}

	resp, body = env.do(t, http.MethodGet, "/api/kinds/nope", "")
	if resp.StatusCode != http.StatusNotFound || errorClass(body) != "unknown_kind" {
		t.Fatalf("unknown kind: %d %v", resp.StatusCode, body)
	}
}

func TestSubmitTaskLifecycle(t *testing.T) {
	env := newTestEnv(t, nil)
	resp, body := env.do(t, http.MethodPost, "/api/tasks", `{"kind":"echo","input":{"topic":"go"}}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("submit status = %d body=%v", resp.StatusCode, body)
	}
	id, _ := body["id"].(string)
	if id == "" || body["status"] != "PENDING" {
		t.Fatalf("submit body = %v", body)
	}

	task := env.waitTask(t, id)
	if task.Status != persistence.TaskStatusCompleted {
		t.Fatalf("status = %s", task.Status)
	}

	resp, body = env.do(t, http.MethodGet, "/api/tasks/"+id, "")
	if resp.StatusCode != http.StatusOK || body["status"] != "COMPLETED" {
		t.Fatalf("get: %d %v", resp.StatusCode, body)
	}

	_, body = env.do(t, http.MethodGet, "/api/tasks/"+id+"/transitions", "")
	if trs, _ := body["transitions"].([]any); len(trs) != 3 {
		t.Fatalf("transitions = %v", body["transitions"])
	}

	_, body = env.do(t, http.MethodGet, "/api/tasks?status=completed", "")
	if body["total"] != float64(1) {
		t.Fatalf("list = %v", body)
	}

	resp, body = env.do(t, http.MethodPost, "/api/tasks/"+id+"/cancel", "")
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("cancel terminal: %d %v", resp.StatusCode, body)
	}
}

func TestSubmitTaskErrors(t *testing.T) {
	env := newTestEnv(t, nil)
	tests := []struct {
		name   string
		method string
		path   string
		body   string
		status int
		class  string
	}{
		{name: "missing input", method: http.MethodPost, path: "/api/tasks", body: `{"kind":"echo","input":{}}`, status: http.StatusBadRequest, class: "validation"},
		{name: "unknown kind", method: http.MethodPost, path: "/api/tasks", body: `{"kind":"nope"}`, status: http.StatusNotFound, class: "unknown_kind"},
		{name: "bad json", method: http.MethodPost, path: "/api/tasks", body: `{`, status: http.StatusBadRequest, class: "validation"},
		{name: "unknown task", method: http.MethodGet, path: "/api/tasks/missing", status: http.StatusNotFound, class: "unknown_task"},
		{name: "cancel unknown task", method: http.MethodPost, path: "/api/tasks/missing/cancel", status: http.StatusNotFound, class: "unknown_task"},
		{name: "unknown channel", method: http.MethodGet, path: "/api/channels/none/events", status: http.StatusNotFound, class: "unknown_channel"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resp, body := env.do(t, tc.method, tc.path, tc.body)
			if resp.StatusCode != tc.status || errorClass(body) != tc.class {
				t.Fatalf("got %d %v, want %d %s", resp.StatusCode, body, tc.status, tc.class)
			}
		})
	}
	_, total, err := env.store.ListTasks(context.Background(), persistence.TaskFilter{})
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if total != 0 {
		t.Fatalf("rejected submissions created %d tasks", total)
	}
}

func TestCancelRunningTask(t *testing.T) {
	env := newTestEnv(t, nil)
	_, body := env.do(t, http.MethodPost, "/api/tasks", `{"kind":"slow"}`)
	id, _ := body["id"].(string)

	resp, _ := env.do(t, http.MethodPost, "/api/tasks/"+id+"/cancel", "")
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("cancel status = %d", resp.StatusCode)
	}
	if task := env.waitTask(t, id); task.Status != persistence.TaskStatusCancelled {
		t.Fatalf("status = %s", task.Status)
	}
}

func waitChain(t *testing.T, env *testEnv, id string) map[string]any {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		_, body := env.do(t, http.MethodGet, "/api/chains/"+id, "")
		if body["status"] != "RUNNING" {
			return body
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("chain %s did not finish", id)
	return nil
}

func TestChains(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, body := env.do(t, http.MethodPost, "/api/chains",
		`{"steps":[{"kind":"echo","input":{"topic":"x"}},{"kind":"echo","input":{"topic":"y"}}]}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("start: %d %v", resp.StatusCode, body)
	}
	id, _ := body["chain_id"].(string)
	final := waitChain(t, env, id)
	if final["status"] != "COMPLETED" {
		t.Fatalf("chain = %v", final)
	}
	if steps, _ := final["steps"].([]any); len(steps) != 2 {
		t.Fatalf("steps = %v", final["steps"])
	}

	resp, body = env.do(t, http.MethodPost, "/api/chains/digest/run", "")
	if resp.StatusCode != http.StatusAccepted || body["name"] != "digest" {
		t.Fatalf("run named: %d %v", resp.StatusCode, body)
	}
	named, _ := body["chain_id"].(string)
	if final := waitChain(t, env, named); final["status"] != "COMPLETED" {
		t.Fatalf("named chain = %v", final)
	}

	_, body = env.do(t, http.MethodGet, "/api/chains", "")
	if chains, _ := body["chains"].([]any); len(chains) != 1 {
		t.Fatalf("chains = %v", body)
	}
}

func TestChainErrors(t *testing.T) {
	env := newTestEnv(t, nil)
	tests := []struct {
		name   string
		method string
		path   string
		body   string
		status int
	}{
		{name: "empty chain", method: http.MethodPost, path: "/api/chains", body: `{"steps":[]}`, status: http.StatusBadRequest},
		{name: "unknown step kind", method: http.MethodPost, path: "/api/chains", body: `{"steps":[{"kind":"nope"}]}`, status: http.StatusBadRequest},
		{name: "unknown named chain", method: http.MethodPost, path: "/api/chains/nope/run", status: http.StatusNotFound},
		{name: "unknown chain status", method: http.MethodGet, path: "/api/chains/missing", status: http.StatusNotFound},
		{name: "cancel idle chain", method: http.MethodPost, path: "/api/chains/missing/cancel", status: http.StatusNotFound},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resp, body := env.do(t, tc.method, tc.path, tc.body)
			if resp.StatusCode != tc.status {
				t.Fatalf("got %d %v, want %d", resp.StatusCode, body, tc.status)
			}
		})
	}
}

func TestContextAndStats(t *testing.T) {
	env := newTestEnv(t, nil)
	_, body := env.do(t, http.MethodPost, "/api/tasks", `{"kind":"echo","input":{"topic":"go"}}`)
	id, _ := body["id"].(string)
	env.waitTask(t, id)
	// The context entry is recorded alongside the result event.
	deadline := time.Now().Add(2 * time.Second)
	for env.sched.Aggregator().Size() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	_, body = env.do(t, http.MethodGet, "/api/context?kinds=echo", "")
	ctxMap, _ := body["context"].(map[string]any)
	if entries, _ := ctxMap["echo"].([]any); len(entries) != 1 {
		t.Fatalf("context = %v", body)
	}

	_, body = env.do(t, http.MethodGet, "/api/stats", "")
	sched, _ := body["scheduler"].(map[string]any)
	if sched["context_size"] != float64(1) {
		t.Fatalf("stats = %v", body)
	}

	resp, _ := env.do(t, http.MethodPost, "/api/context/clear", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("clear status = %d", resp.StatusCode)
	}
	_, body = env.do(t, http.MethodGet, "/api/context", "")
	if body["size"] != float64(0) {
		t.Fatalf("context after clear = %v", body)
	}
}

func TestSchedules(t *testing.T) {
	next := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	env := newTestEnv(t, func(c *gateway.Config) {
		c.Schedules = func() []cron.Entry {
			return []cron.Entry{{Name: "morning", Cron: "0 9 * * *", Chain: "digest", NextRunAt: next}}
		}
	})
	_, body := env.do(t, http.MethodGet, "/api/schedules", "")
	list, _ := body["schedules"].([]any)
	if len(list) != 1 {
		t.Fatalf("schedules = %v", body)
	}
	if first, _ := list[0].(map[string]any); first["name"] != "morning" {
		t.Fatalf("schedule = %v", first)
	}

	empty := newTestEnv(t, nil)
	_, body = empty.do(t, http.MethodGet, "/api/schedules", "")
	if list, ok := body["schedules"].([]any); !ok || len(list) != 0 {
		t.Fatalf("schedules without cron = %v", body)
	}
}

func TestChannelEvents(t *testing.T) {
	env := newTestEnv(t, nil)
	env.hub.Publish("demo:1", bus.Progress("", "one"))
	env.hub.Publish("demo:1", bus.Progress("", "two"))
	env.hub.Publish("demo:1", bus.Progress("", "three"))

	_, body := env.do(t, http.MethodGet, "/api/channels/demo:1/events?from=2", "")
	events, _ := body["events"].([]any)
	if len(events) != 2 {
		t.Fatalf("events = %v", body)
	}
	if first, _ := events[0].(map[string]any); first["seq"] != float64(2) {
		t.Fatalf("first event = %v", first)
	}

	_, body = env.do(t, http.MethodGet, "/api/channels", "")
	if chans, _ := body["channels"].([]any); len(chans) != 1 {
		t.Fatalf("channels = %v", body)
	}
}

func TestStreamTaskSSE(t *testing.T) {
	env := newTestEnv(t, nil)
	_, body := env.do(t, http.MethodPost, "/api/tasks", `{"kind":"echo","input":{"topic":"go"}}`)
	id, _ := body["id"].(string)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, env.srv.URL+"/api/stream?task_id="+id, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET stream: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	var types []string
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		line := sc.Text()
		if strings.HasPrefix(line, "event: ") {
			types = append(types, strings.TrimPrefix(line, "event: "))
		}
	}
	if len(types) == 0 || types[len(types)-1] != "complete" {
		t.Fatalf("event types = %v", types)
	}
	if types[0] != "progress" || !slices.Contains(types, "token") || !slices.Contains(types, "result") {
		t.Fatalf("event types = %v", types)
	}
}

func TestStreamResumesFromLastEventID(t *testing.T) {
	env := newTestEnv(t, nil)
	for _, m := range []string{"a", "b", "c"} {
		env.hub.Publish("feed", bus.Progress("", m))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, env.srv.URL+"/api/stream?channel=feed", nil)
	req.Header.Set("Last-Event-ID", "2")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET stream: %v", err)
	}
	defer resp.Body.Close()

	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		line := sc.Text()
		if strings.HasPrefix(line, "id: ") {
			if got := strings.TrimPrefix(line, "id: "); got != "3" {
				t.Fatalf("first id = %s, want 3", got)
			}
			return
		}
	}
	t.Fatal("stream ended without events")
}

func TestStreamRequiresChannel(t *testing.T) {
	env := newTestEnv(t, nil)
	resp, body := env.do(t, http.MethodGet, "/api/stream", "")
	if resp.StatusCode != http.StatusBadRequest || errorClass(body) != "validation" {
		t.Fatalf("got %d %v", resp.StatusCode, body)
	}
}
