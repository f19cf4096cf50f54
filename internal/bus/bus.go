// Package bus implements the broadcast hub: named channels, each with an
// append-only event log, fanned out to any number of subscribers through
// bounded per-subscriber queues.
package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/go-conductor/internal/metrics"
)

const (
	defaultQueueSize  = 256
	closeFlushTimeout = 5 * time.Second
)

// ErrUnknownChannel is returned by Replay for a channel that has never been
// published to or subscribed on.
var ErrUnknownChannel = errors.New("unknown channel")

// Sink receives every appended event in log order. Append is called while
// the channel's write lock is held and must not block.
type Sink interface {
	Append(ev StreamEvent)
}

// Journal is a durable Sink the hub can read back from when a channel's log
// is no longer (or not yet) held in memory.
type Journal interface {
	Sink
	LoadStreamEvents(ctx context.Context, channel string, fromSeq int64) ([]StreamEvent, error)
	LastStreamSeq(ctx context.Context, channel string) (int64, error)
}

// Flusher is implemented by journals that buffer writes. Close flushes them
// so a channel recreated under the same name continues its numbering.
type Flusher interface {
	FlushJournal(ctx context.Context) error
}

// Options configures a Hub. Zero values are usable.
type Options struct {
	// QueueSize bounds each subscriber's outbound queue. A subscriber whose
	// queue is full when an event arrives is dropped.
	QueueSize int
	Journal   Journal
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

// Subscription is an observer's handle on one channel.
type Subscription struct {
	id      int64
	channel string
	ch      chan StreamEvent
	limit   int

	closeOnce sync.Once
	dropped   atomic.Bool
}

// Events returns the receive side of the subscription's queue. It is closed
// on Unsubscribe, on channel teardown, or after an overflow drop.
func (s *Subscription) Events() <-chan StreamEvent {
	return s.ch
}

// Channel returns the channel name this subscription is attached to.
func (s *Subscription) Channel() string {
	return s.channel
}

// Dropped reports whether the hub dropped this subscription for overflow.
func (s *Subscription) Dropped() bool {
	return s.dropped.Load()
}

func (s *Subscription) close() {
	s.closeOnce.Do(func() { close(s.ch) })
}

type channel struct {
	name string

	// mu serialises seq allocation, log append, and fan-out so that live
	// delivery order equals log order.
	mu   sync.Mutex
	seq  int64
	base int64 // seq of the last event held only in the journal
	subs map[int64]*Subscription
	// closed is set by Close; holders of a stale pointer re-resolve the name.
	closed bool

	// log is republished after every append; readers load it without mu.
	log atomic.Pointer[[]StreamEvent]
}

func (c *channel) snapshot() []StreamEvent {
	if p := c.log.Load(); p != nil {
		return *p
	}
	return nil
}

// Hub is the in-process broadcast hub.
type Hub struct {
	mu       sync.RWMutex
	channels map[string]*channel
	closing  map[string]chan struct{}
	closes   uint64

	sinksMu sync.RWMutex
	sinks   []Sink

	nextID    atomic.Int64
	queueSize int
	journal   Journal
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// New creates a Hub.
func New(opts Options) *Hub {
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	h := &Hub{
		channels:  make(map[string]*channel),
		closing:   make(map[string]chan struct{}),
		queueSize: opts.QueueSize,
		journal:   opts.Journal,
		metrics:   opts.Metrics,
		logger:    opts.Logger,
	}
	if opts.Journal != nil {
		h.sinks = append(h.sinks, opts.Journal)
	}
	return h
}

// AddSink registers an additional in-order consumer of every channel.
func (h *Hub) AddSink(s Sink) {
	h.sinksMu.Lock()
	defer h.sinksMu.Unlock()
	h.sinks = append(h.sinks, s)
}

// channel returns the named channel, creating it lazily. The journal is read
// without holding the hub lock; a Close of the same name meanwhile forces a
// retry so a recreated channel never reuses a journaled seq.
func (h *Hub) channel(name string) *channel {
	for {
		h.mu.RLock()
		c, ok := h.channels[name]
		closing := h.closing[name]
		epoch := h.closes
		h.mu.RUnlock()
		if ok {
			return c
		}
		if closing != nil {
			<-closing
			continue
		}

		var last int64
		if h.journal != nil {
			// Continue numbering after events persisted by an earlier run.
			seq, err := h.journal.LastStreamSeq(context.Background(), name)
			if err != nil {
				h.logger.Warn("hub: read journal sequence", "channel", name, "error", err)
			} else {
				last = seq
			}
		}

		h.mu.Lock()
		if c, ok := h.channels[name]; ok {
			h.mu.Unlock()
			return c
		}
		if h.closes != epoch || h.closing[name] != nil {
			h.mu.Unlock()
			continue
		}
		c = &channel{name: name, subs: make(map[int64]*Subscription), seq: last, base: last}
		h.channels[name] = c
		h.mu.Unlock()
		return c
	}
}

// lockChannel resolves name and returns its channel with mu held.
func (h *Hub) lockChannel(name string) *channel {
	for {
		c := h.channel(name)
		c.mu.Lock()
		if !c.closed {
			return c
		}
		c.mu.Unlock()
	}
}

// awaitClose blocks while a Close of name is flushing the journal.
func (h *Hub) awaitClose(name string) {
	h.mu.RLock()
	closing := h.closing[name]
	h.mu.RUnlock()
	if closing != nil {
		<-closing
	}
}

func (h *Hub) lookup(name string) (*channel, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.channels[name]
	return c, ok
}

// Subscribe attaches a new observer to the channel's live stream.
func (h *Hub) Subscribe(name string) *Subscription {
	c := h.lockChannel(name)
	defer c.mu.Unlock()
	return h.attachLocked(c, nil)
}

// SubscribeFrom replays the log from fromSeq into the new subscription and
// then attaches it live. Replay and attach happen under the channel's write
// lock so the observer sees every event from fromSeq exactly once.
func (h *Hub) SubscribeFrom(ctx context.Context, name string, fromSeq int64) (*Subscription, error) {
	c := h.lockChannel(name)
	defer c.mu.Unlock()
	backlog, err := h.replayChannel(ctx, c, fromSeq)
	if err != nil {
		return nil, err
	}
	return h.attachLocked(c, backlog), nil
}

func (h *Hub) attachLocked(c *channel, backlog []StreamEvent) *Subscription {
	limit := h.queueSize + len(backlog)
	sub := &Subscription{
		id:      h.nextID.Add(1),
		channel: c.name,
		// One spare slot carries the overflow notice.
		ch:    make(chan StreamEvent, limit+1),
		limit: limit,
	}
	for _, ev := range backlog {
		sub.ch <- ev
	}
	c.subs[sub.id] = sub
	return sub
}

// Unsubscribe detaches the subscription and closes its queue.
func (h *Hub) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	c, ok := h.lookup(sub.channel)
	if ok {
		c.mu.Lock()
		delete(c.subs, sub.id)
		c.mu.Unlock()
	}
	sub.close()
}

// Publish assigns the next sequence number to ev, appends it to the
// channel's log, and delivers it to every subscriber. Delivery never blocks:
// a subscriber whose queue is full is dropped after a best-effort
// observer_overflowed notice.
func (h *Hub) Publish(name string, ev StreamEvent) StreamEvent {
	c := h.lockChannel(name)
	defer c.mu.Unlock()

	c.seq++
	ev.Seq = c.seq
	ev.Channel = name
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}

	prev := c.snapshot()
	next := append(prev, ev)
	c.log.Store(&next)

	h.sinksMu.RLock()
	for _, s := range h.sinks {
		s.Append(ev)
	}
	h.sinksMu.RUnlock()

	for id, sub := range c.subs {
		if len(sub.ch) >= sub.limit {
			delete(c.subs, id)
			sub.dropped.Store(true)
			// The notice is not part of the log, so it carries no seq.
			notice := Error(ev.TaskID, ClassObserverOverflowed,
				fmt.Sprintf("subscriber queue exceeded %d events", sub.limit))
			notice.Channel = name
			notice.Time = ev.Time
			select {
			case sub.ch <- notice:
			default:
			}
			sub.close()
			h.metrics.ObserverDropped()
			h.logger.Warn("hub: dropped slow subscriber", "channel", name, "subscription", id, "seq", ev.Seq)
			continue
		}
		sub.ch <- ev
	}

	h.metrics.EventPublished(string(ev.Type))
	return ev
}

// Replay returns the channel's log from fromSeq (inclusive). A fromSeq of 0
// or 1 returns the whole log.
func (h *Hub) Replay(ctx context.Context, name string, fromSeq int64) ([]StreamEvent, error) {
	h.awaitClose(name)
	c, ok := h.lookup(name)
	if !ok {
		if h.journal == nil {
			return nil, fmt.Errorf("replay %q: %w", name, ErrUnknownChannel)
		}
		events, err := h.journal.LoadStreamEvents(ctx, name, fromSeq)
		if err != nil {
			return nil, fmt.Errorf("replay %q from journal: %w", name, err)
		}
		if len(events) == 0 {
			last, err := h.journal.LastStreamSeq(ctx, name)
			if err != nil {
				return nil, fmt.Errorf("replay %q from journal: %w", name, err)
			}
			if last == 0 {
				return nil, fmt.Errorf("replay %q: %w", name, ErrUnknownChannel)
			}
		}
		return events, nil
	}
	return h.replayChannel(ctx, c, fromSeq)
}

func (h *Hub) replayChannel(ctx context.Context, c *channel, fromSeq int64) ([]StreamEvent, error) {
	if fromSeq < 1 {
		fromSeq = 1
	}
	var out []StreamEvent
	if fromSeq <= c.base && h.journal != nil {
		older, err := h.journal.LoadStreamEvents(ctx, c.name, fromSeq)
		if err != nil {
			return nil, fmt.Errorf("replay %q from journal: %w", c.name, err)
		}
		for _, ev := range older {
			if ev.Seq <= c.base {
				out = append(out, ev)
			}
		}
		fromSeq = c.base + 1
	}
	log := c.snapshot()
	// Sequence numbers in memory are contiguous starting at base+1.
	idx := int(fromSeq - c.base - 1)
	if idx < len(log) {
		out = append(out, log[idx:]...)
	}
	return out, nil
}

// Close tears down a channel: every subscriber's queue is closed and the
// in-memory log is released. Reuse of the name waits until the journal holds
// every event the channel appended.
func (h *Hub) Close(name string) {
	h.mu.Lock()
	c, ok := h.channels[name]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(h.channels, name)
	done := make(chan struct{})
	h.closing[name] = done
	h.mu.Unlock()

	c.mu.Lock()
	c.closed = true
	for id, sub := range c.subs {
		delete(c.subs, id)
		sub.close()
	}
	c.mu.Unlock()

	if f, ok := h.journal.(Flusher); ok {
		ctx, cancel := context.WithTimeout(context.Background(), closeFlushTimeout)
		if err := f.FlushJournal(ctx); err != nil {
			h.logger.Warn("hub: flush journal on close", "channel", name, "error", err)
		}
		cancel()
	}

	h.mu.Lock()
	delete(h.closing, name)
	h.closes++
	h.mu.Unlock()
	close(done)
}

// ChannelInfo summarises one channel.
type ChannelInfo struct {
	Name        string `json:"name"`
	LastSeq     int64  `json:"last_seq"`
	Subscribers int    `json:"subscribers"`
}

// Channels lists the channels currently held in memory, sorted by name.
func (h *Hub) Channels() []ChannelInfo {
	h.mu.RLock()
	chans := make([]*channel, 0, len(h.channels))
	for _, c := range h.channels {
		chans = append(chans, c)
	}
	h.mu.RUnlock()

	out := make([]ChannelInfo, 0, len(chans))
	for _, c := range chans {
		c.mu.Lock()
		out = append(out, ChannelInfo{Name: c.name, LastSeq: c.seq, Subscribers: len(c.subs)})
		c.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// SubscriberCount returns the number of live subscriptions on a channel.
func (h *Hub) SubscriberCount(name string) int {
	c, ok := h.lookup(name)
	if !ok {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}
