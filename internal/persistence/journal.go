package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/basket/go-conductor/internal/bus"
)

const journalBatchSize = 256

// journal persists hub events on a single writer goroutine. Append never
// blocks the publisher: events queue in memory until the writer drains them.
type journal struct {
	store *Store

	mu      sync.Mutex
	pending []bus.StreamEvent

	wake    chan struct{}
	flushCh chan chan struct{}
	stop    chan struct{}
	done    chan struct{}

	closeOnce sync.Once
}

func newJournal(s *Store) *journal {
	j := &journal{
		store:   s,
		wake:    make(chan struct{}, 1),
		flushCh: make(chan chan struct{}),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go j.run()
	return j
}

func (j *journal) append(ev bus.StreamEvent) {
	j.mu.Lock()
	j.pending = append(j.pending, ev)
	j.mu.Unlock()
	select {
	case j.wake <- struct{}{}:
	default:
	}
}

func (j *journal) run() {
	defer close(j.done)
	for {
		select {
		case <-j.wake:
			j.drain()
		case reply := <-j.flushCh:
			j.drain()
			close(reply)
		case <-j.stop:
			j.drain()
			return
		}
	}
}

func (j *journal) drain() {
	for {
		j.mu.Lock()
		n := len(j.pending)
		if n == 0 {
			j.mu.Unlock()
			return
		}
		if n > journalBatchSize {
			n = journalBatchSize
		}
		batch := make([]bus.StreamEvent, n)
		copy(batch, j.pending[:n])
		j.pending = j.pending[n:]
		j.mu.Unlock()

		if err := j.store.insertStreamEvents(context.Background(), batch); err != nil {
			j.store.logger.Error("journal: write stream events", "count", len(batch), "error", err)
		}
	}
}

// flush blocks until every event appended before the call is written.
func (j *journal) flush(ctx context.Context) error {
	reply := make(chan struct{})
	select {
	case j.flushCh <- reply:
	case <-j.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-reply:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (j *journal) close() {
	j.closeOnce.Do(func() {
		close(j.stop)
		<-j.done
	})
}

func (s *Store) insertStreamEvents(ctx context.Context, events []bus.StreamEvent) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin journal tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		stmt, err := tx.PrepareContext(ctx, `
			INSERT OR IGNORE INTO stream_events (channel, seq, task_id, type, event_json, created_at)
			VALUES (?, ?, NULLIF(?, ''), ?, ?, ?);
		`)
		if err != nil {
			return fmt.Errorf("prepare journal insert: %w", err)
		}
		defer stmt.Close()

		for _, ev := range events {
			b, err := json.Marshal(ev)
			if err != nil {
				return fmt.Errorf("encode stream event: %w", err)
			}
			at := ev.Time
			if at.IsZero() {
				at = time.Now().UTC()
			}
			if _, err := stmt.ExecContext(ctx, ev.Channel, ev.Seq, ev.TaskID, string(ev.Type), string(b), at); err != nil {
				return fmt.Errorf("insert stream event %s#%d: %w", ev.Channel, ev.Seq, err)
			}
		}
		return tx.Commit()
	})
}

// Append queues ev for the journal. It implements bus.Sink.
func (s *Store) Append(ev bus.StreamEvent) {
	s.journal.append(ev)
}

// FlushJournal waits for queued events to reach the database.
func (s *Store) FlushJournal(ctx context.Context) error {
	return s.journal.flush(ctx)
}

// LoadStreamEvents returns journaled events of channel with seq >= fromSeq in
// sequence order.
func (s *Store) LoadStreamEvents(ctx context.Context, channel string, fromSeq int64) ([]bus.StreamEvent, error) {
	if err := s.journal.flush(ctx); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_json FROM stream_events
		WHERE channel = ? AND seq >= ?
		ORDER BY seq ASC;
	`, channel, fromSeq)
	if err != nil {
		return nil, fmt.Errorf("load stream events: %w", err)
	}
	defer rows.Close()

	var out []bus.StreamEvent
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan stream event: %w", err)
		}
		var ev bus.StreamEvent
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			return nil, fmt.Errorf("decode stream event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// LastStreamSeq returns the highest journaled seq of channel, or 0.
func (s *Store) LastStreamSeq(ctx context.Context, channel string) (int64, error) {
	if err := s.journal.flush(ctx); err != nil {
		return 0, err
	}
	var last int64
	if err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(seq), 0) FROM stream_events WHERE channel = ?;
	`, channel).Scan(&last); err != nil {
		return 0, fmt.Errorf("last stream seq: %w", err)
	}
	return last, nil
}
