package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/basket/go-conductor/internal/bus"
)

const sseKeepAlive = 15 * time.Second

// handleStream implements GET /api/stream?channel=X&from=N[&task_id=T].
// Without a channel the task's own channel is used. A Last-Event-ID header
// resumes after that sequence number. When task_id is given the stream ends
// after the task's complete event.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	channel := q.Get("channel")
	taskID := q.Get("task_id")
	if channel == "" && taskID != "" {
		task, err := s.cfg.Scheduler.GetTask(r.Context(), taskID)
		if err != nil {
			s.writeError(w, err)
			return
		}
		channel = task.Channel
	}
	if channel == "" {
		writeError(w, http.StatusBadRequest, bus.ClassValidation, "channel or task_id query parameter is required")
		return
	}

	from := int64(queryInt(q.Get("from"), 0))
	if from == 0 && taskID != "" {
		// A task stream always starts at the head so it cannot miss Complete.
		from = 1
	}
	if last := r.Header.Get("Last-Event-ID"); last != "" {
		if n, err := strconv.ParseInt(last, 10, 64); err == nil && n >= 0 {
			from = n + 1
		}
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "internal", "streaming not supported")
		return
	}

	sub, err := s.subscribe(r.Context(), channel, from)
	if err != nil {
		s.writeError(w, err)
		return
	}
	defer s.cfg.Hub.Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	keepAlive := time.NewTicker(sseKeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("sse: client disconnected", "channel", channel)
			return

		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()

		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			if taskID != "" && ev.TaskID != "" && ev.TaskID != taskID {
				continue
			}
			if err := writeSSE(w, ev); err != nil {
				s.logger.Debug("sse: write failed", "channel", channel, "error", err)
				return
			}
			flusher.Flush()
			if taskID != "" && ev.TaskID == taskID && ev.Terminal() {
				return
			}
		}
	}
}

// subscribe attaches live when from is zero and replays from the given
// sequence otherwise.
func (s *Server) subscribe(ctx context.Context, channel string, from int64) (*bus.Subscription, error) {
	if from <= 0 {
		return s.cfg.Hub.Subscribe(channel), nil
	}
	return s.cfg.Hub.SubscribeFrom(ctx, channel, from)
}

func writeSSE(w http.ResponseWriter, ev bus.StreamEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if ev.Seq == 0 {
		// Out-of-log notices must not move the client's Last-Event-ID.
		_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Seq, ev.Type, data)
	return err
}
