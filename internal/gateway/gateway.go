// Package gateway serves the conductor's HTTP surface: a REST API over the
// scheduler and chain executor, an SSE stream per channel, and a JSON-RPC
// WebSocket for subscribing to channels.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/basket/go-conductor/internal/agent"
	"github.com/basket/go-conductor/internal/bus"
	"github.com/basket/go-conductor/internal/coordinator"
	"github.com/basket/go-conductor/internal/cron"
	"github.com/basket/go-conductor/internal/engine"
	otelx "github.com/basket/go-conductor/internal/otel"
	"github.com/basket/go-conductor/internal/persistence"
	"github.com/basket/go-conductor/internal/shared"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const maxRequestBytes = 1 << 20

// TransitionLister reads a task's status history. *persistence.Store
// implements it.
type TransitionLister interface {
	ListTransitions(ctx context.Context, taskID string) ([]persistence.TaskTransition, error)
}

type Config struct {
	Scheduler   *engine.Scheduler
	Executor    *coordinator.Executor
	Hub         *bus.Hub
	Transitions TransitionLister

	// Chains are the configured chains runnable by name.
	Chains map[string]coordinator.ChainSpec
	// Schedules reports cron schedule state. Nil means no schedules.
	Schedules func() []cron.Entry

	// Metrics serves GET /metrics. Nil disables the route.
	Metrics     http.Handler
	OTelMetrics *otelx.Metrics
	Tracer      trace.Tracer

	// AllowOrigins lists accepted Origin headers for CORS and browser
	// WebSockets. Empty means same-origin only.
	AllowOrigins []string

	// ConfigFingerprint is the hash of the active config reported by /healthz.
	ConfigFingerprint string
	Version           string

	Logger *slog.Logger
}

type Server struct {
	cfg    Config
	logger *slog.Logger
	tracer trace.Tracer

	clientsMu sync.RWMutex
	clients   map[*client]struct{}

	started time.Time
}

func New(cfg Config) (*Server, error) {
	switch {
	case cfg.Scheduler == nil:
		return nil, errors.New("gateway: scheduler is required")
	case cfg.Executor == nil:
		return nil, errors.New("gateway: executor is required")
	case cfg.Hub == nil:
		return nil, errors.New("gateway: hub is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = tracenoop.NewTracerProvider().Tracer(otelx.TracerName)
	}
	return &Server{
		cfg:     cfg,
		logger:  logger,
		tracer:  tracer,
		clients: map[*client]struct{}{},
		started: time.Now(),
	}, nil
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	if s.cfg.Metrics != nil {
		mux.Handle("GET /metrics", s.cfg.Metrics)
	}
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.HandleFunc("GET /api/stream", s.handleStream)

	mux.HandleFunc("GET /api/kinds", s.handleListKinds)
	mux.HandleFunc("GET /api/kinds/{name}", s.handleDescribeKind)

	mux.HandleFunc("POST /api/tasks", s.handleSubmitTask)
	mux.HandleFunc("GET /api/tasks", s.handleListTasks)
	mux.HandleFunc("GET /api/tasks/active", s.handleActiveTasks)
	mux.HandleFunc("GET /api/tasks/{id}", s.handleGetTask)
	mux.HandleFunc("GET /api/tasks/{id}/transitions", s.handleTaskTransitions)
	mux.HandleFunc("POST /api/tasks/{id}/cancel", s.handleCancelTask)

	mux.HandleFunc("POST /api/chains", s.handleStartChain)
	mux.HandleFunc("GET /api/chains", s.handleListChains)
	mux.HandleFunc("GET /api/chains/{id}", s.handleChainStatus)
	mux.HandleFunc("POST /api/chains/{id}/cancel", s.handleCancelChain)
	mux.HandleFunc("POST /api/chains/{id}/run", s.handleRunNamedChain)

	mux.HandleFunc("GET /api/context", s.handleContext)
	mux.HandleFunc("POST /api/context/clear", s.handleClearContext)
	mux.HandleFunc("GET /api/stats", s.handleStats)
	mux.HandleFunc("GET /api/schedules", s.handleSchedules)
	mux.HandleFunc("GET /api/channels", s.handleChannels)
	mux.HandleFunc("GET /api/channels/{name}/events", s.handleChannelEvents)

	var h http.Handler = mux
	h = RequestSizeLimitMiddleware(maxRequestBytes)(h)
	h = NewCORSMiddleware(s.cfg.AllowOrigins)(h)
	return s.traced(h)
}

// traced gives every request a trace id and a server span.
func (s *Server) traced(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := otelx.ExtractHTTP(r.Context(), r.Header)
		ctx, span := otelx.StartServerSpan(ctx, s.tracer, r.Method+" "+r.URL.Path,
			attribute.String("http.method", r.Method),
			attribute.String("http.target", r.URL.Path),
		)
		defer span.End()
		// X-Trace-ID wins, then an incoming traceparent, then a fresh ID.
		traceID := r.Header.Get("X-Trace-ID")
		if traceID == "" {
			if sc := span.SpanContext(); sc.HasTraceID() {
				traceID = sc.TraceID().String()
			} else {
				traceID = shared.NewTraceID()
			}
		}
		ctx = shared.WithTraceID(ctx, traceID)
		start := time.Now()
		w.Header().Set("X-Trace-ID", traceID)
		req := r.WithContext(ctx)
		next.ServeHTTP(w, req)
		if m := s.cfg.OTelMetrics; m != nil {
			// The mux fills in Pattern on the request it was handed.
			m.RequestDuration.Record(ctx, time.Since(start).Seconds(),
				metric.WithAttributes(attribute.String("http.route", req.Pattern)))
		}
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	stats, err := s.cfg.Scheduler.Stats(r.Context())
	dbOK := err == nil
	payload := map[string]any{
		"healthy":        dbOK,
		"db_ok":          dbOK,
		"version":        s.cfg.Version,
		"config_hash":    s.cfg.ConfigFingerprint,
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
		"active_tasks":   stats.Active,
		"ws_clients":     s.clientCount(),
	}
	status := http.StatusOK
	if !dbOK {
		status = http.StatusServiceUnavailable
		s.logger.Error("healthz: store unavailable", "error", err)
	}
	writeJSON(w, status, payload)
}

// --- kinds ---

func (s *Server) handleListKinds(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"kinds": s.cfg.Scheduler.Registry().List()})
}

func (s *Server) handleDescribeKind(w http.ResponseWriter, r *http.Request) {
	kind, err := s.cfg.Scheduler.Registry().Describe(r.PathValue("name"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, kind)
}

// --- tasks ---

type submitTaskRequest struct {
	Kind    string         `json:"kind"`
	Input   map[string]any `json:"input"`
	Channel string         `json:"channel,omitempty"`
}

func (s *Server) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	var req submitTaskRequest
	if !decodeBody(w, r, &req) {
		return
	}
	task, err := s.cfg.Scheduler.Submit(r.Context(), engine.Request{
		Kind:    req.Kind,
		Input:   req.Input,
		Channel: req.Channel,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, task)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := persistence.TaskFilter{
		Status:  persistence.TaskStatus(strings.ToUpper(q.Get("status"))),
		Kind:    q.Get("kind"),
		ChainID: q.Get("chain_id"),
		Limit:   queryInt(q.Get("limit"), 20),
		Offset:  queryInt(q.Get("offset"), 0),
	}
	tasks, total, err := s.cfg.Scheduler.ListTasks(r.Context(), filter)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if tasks == nil {
		tasks = []persistence.Task{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks, "total": total})
}

func (s *Server) handleActiveTasks(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"task_ids": s.cfg.Scheduler.ActiveTasks()})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.cfg.Scheduler.GetTask(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleTaskTransitions(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.cfg.Scheduler.GetTask(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	if s.cfg.Transitions == nil {
		writeJSON(w, http.StatusOK, map[string]any{"transitions": []any{}})
		return
	}
	trs, err := s.cfg.Transitions.ListTransitions(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transitions": trs})
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.cfg.Scheduler.Cancel(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"task_id": id, "cancel_requested": true})
}

// --- chains ---

// ChainSummary is the listing view of a configured chain.
type ChainSummary struct {
	Name    string   `json:"name"`
	Channel string   `json:"channel,omitempty"`
	Kinds   []string `json:"kinds"`
}

func (s *Server) handleStartChain(w http.ResponseWriter, r *http.Request) {
	var spec coordinator.ChainSpec
	if !decodeBody(w, r, &spec) {
		return
	}
	s.startChain(w, r, spec)
}

func (s *Server) handleRunNamedChain(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("id")
	spec, ok := s.cfg.Chains[name]
	if !ok {
		writeError(w, http.StatusNotFound, "unknown_chain", "no configured chain named "+strconv.Quote(name))
		return
	}
	s.startChain(w, r, spec)
}

func (s *Server) startChain(w http.ResponseWriter, r *http.Request, spec coordinator.ChainSpec) {
	id, err := s.cfg.Executor.Start(r.Context(), spec)
	if err != nil {
		s.writeError(w, err)
		return
	}
	res, err := s.cfg.Executor.Status(r.Context(), id)
	if err != nil {
		writeJSON(w, http.StatusAccepted, map[string]any{"chain_id": id})
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

func (s *Server) handleListChains(w http.ResponseWriter, _ *http.Request) {
	out := make([]ChainSummary, 0, len(s.cfg.Chains))
	for name, spec := range s.cfg.Chains {
		kinds := make([]string, 0, len(spec.Steps))
		for _, st := range spec.Steps {
			kinds = append(kinds, st.Kind)
		}
		out = append(out, ChainSummary{Name: name, Channel: spec.Channel, Kinds: kinds})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	writeJSON(w, http.StatusOK, map[string]any{"chains": out})
}

func (s *Server) handleChainStatus(w http.ResponseWriter, r *http.Request) {
	res, err := s.cfg.Executor.Status(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleCancelChain(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.cfg.Executor.Cancel(id); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"chain_id": id, "cancel_requested": true})
}

// --- context, stats, schedules ---

func (s *Server) handleContext(w http.ResponseWriter, r *http.Request) {
	var kinds []string
	if v := r.URL.Query().Get("kinds"); v != "" {
		for _, k := range strings.Split(v, ",") {
			if k = strings.TrimSpace(k); k != "" {
				kinds = append(kinds, k)
			}
		}
	}
	agg := s.cfg.Scheduler.Aggregator()
	writeJSON(w, http.StatusOK, map[string]any{
		"limit":   agg.Limit(),
		"size":    agg.Size(),
		"context": agg.Snapshot(kinds),
	})
}

func (s *Server) handleClearContext(w http.ResponseWriter, _ *http.Request) {
	s.cfg.Scheduler.Aggregator().Clear()
	s.logger.Info("context cleared")
	writeJSON(w, http.StatusOK, map[string]any{"cleared": true})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.cfg.Scheduler.Stats(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"scheduler": stats,
		"channels":  len(s.cfg.Hub.Channels()),
		"chains":    len(s.cfg.Chains),
	})
}

func (s *Server) handleSchedules(w http.ResponseWriter, _ *http.Request) {
	entries := []cron.Entry{}
	if s.cfg.Schedules != nil {
		if got := s.cfg.Schedules(); got != nil {
			entries = got
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"schedules": entries})
}

// --- channels ---

func (s *Server) handleChannels(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"channels": s.cfg.Hub.Channels()})
}

func (s *Server) handleChannelEvents(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	from := int64(queryInt(r.URL.Query().Get("from"), 0))
	events, err := s.cfg.Hub.Replay(r.Context(), name, from)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if events == nil {
		events = []bus.StreamEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"channel": name, "events": events})
}

// --- helpers ---

type errorBody struct {
	Error bus.ErrorInfo `json:"error"`
}

// writeError maps domain errors to a status code and error class.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status, class := classifyError(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("gateway: request failed", "error", err)
	}
	writeError(w, status, class, shared.Redact(err.Error()))
}

func classifyError(err error) (int, bus.ErrorClass) {
	var verr *agent.ValidationError
	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest, bus.ClassValidation
	case errors.Is(err, coordinator.ErrInvalidChain):
		return http.StatusBadRequest, bus.ClassValidation
	case errors.Is(err, agent.ErrUnknownKind):
		return http.StatusNotFound, bus.ClassUnknownKind
	case errors.Is(err, persistence.ErrTaskNotFound):
		return http.StatusNotFound, bus.ClassUnknownTask
	case errors.Is(err, bus.ErrUnknownChannel):
		return http.StatusNotFound, bus.ClassUnknownChannel
	case errors.Is(err, coordinator.ErrUnknownChain):
		return http.StatusNotFound, "unknown_chain"
	case errors.Is(err, persistence.ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition"
	case errors.Is(err, engine.ErrSchedulerClosed):
		return http.StatusServiceUnavailable, "unavailable"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func writeError(w http.ResponseWriter, status int, class bus.ErrorClass, message string) {
	writeJSON(w, status, errorBody{Error: bus.ErrorInfo{Class: class, Message: message}})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, bus.ClassValidation, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

func queryInt(v string, def int) int {
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}
