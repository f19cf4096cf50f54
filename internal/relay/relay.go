// Package relay republishes hub events on NATS subjects so processes outside
// the daemon can follow task and chain channels.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/basket/go-conductor/internal/bus"
	"github.com/basket/go-conductor/internal/shared"
)

// DefaultSubjectPrefix is used when Options.SubjectPrefix is empty.
const DefaultSubjectPrefix = "conductor.events"

const defaultQueueSize = 1024

// Publisher is the subset of *nats.Conn the relay uses.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Options configures a Relay.
type Options struct {
	SubjectPrefix string
	// Channels lists channel name prefixes to relay. Empty relays every
	// channel.
	Channels  []string
	QueueSize int
	Logger    *slog.Logger
}

// Relay is a bus.Sink. Append never blocks the hub; events that do not fit
// in the queue are counted and dropped.
type Relay struct {
	pub      Publisher
	prefix   string
	channels []string
	logger   *slog.Logger

	queue   chan bus.StreamEvent
	dropped atomic.Int64
	sent    atomic.Int64
}

// New creates a relay over pub. Register it with hub.AddSink and start Run.
func New(pub Publisher, opts Options) *Relay {
	if opts.SubjectPrefix == "" {
		opts.SubjectPrefix = DefaultSubjectPrefix
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Relay{
		pub:      pub,
		prefix:   strings.TrimSuffix(opts.SubjectPrefix, "."),
		channels: opts.Channels,
		logger:   opts.Logger,
		queue:    make(chan bus.StreamEvent, opts.QueueSize),
	}
}

// Connect dials NATS with reconnect settings suited to a long-lived daemon.
func Connect(url string, logger *slog.Logger) (*nats.Conn, error) {
	if logger == nil {
		logger = slog.Default()
	}
	nc, err := nats.Connect(url,
		nats.Name("conductor"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", "url", shared.RedactURL(c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return nc, nil
}

// Append queues ev when its channel is relayed.
func (r *Relay) Append(ev bus.StreamEvent) {
	if !r.wants(ev.Channel) {
		return
	}
	select {
	case r.queue <- ev:
	default:
		r.dropped.Add(1)
	}
}

// Run publishes queued events until ctx is done, then flushes what is left.
func (r *Relay) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case ev := <-r.queue:
					r.publish(ev)
				default:
					if n := r.dropped.Load(); n > 0 {
						r.logger.Warn("relay dropped events", "count", n)
					}
					return nil
				}
			}
		case ev := <-r.queue:
			r.publish(ev)
		}
	}
}

func (r *Relay) publish(ev bus.StreamEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		r.logger.Error("relay encode failed", "channel", ev.Channel, "seq", ev.Seq, "error", err)
		return
	}
	subject := Subject(r.prefix, ev.Channel)
	if err := r.pub.Publish(subject, data); err != nil {
		r.logger.Warn("relay publish failed", "subject", subject, "seq", ev.Seq, "error", err)
		return
	}
	r.sent.Add(1)
}

// Sent returns the number of events published.
func (r *Relay) Sent() int64 { return r.sent.Load() }

// Dropped returns the number of events dropped for a full queue.
func (r *Relay) Dropped() int64 { return r.dropped.Load() }

func (r *Relay) wants(channel string) bool {
	if len(r.channels) == 0 {
		return true
	}
	for _, p := range r.channels {
		if strings.HasPrefix(channel, p) {
			return true
		}
	}
	return false
}

// Subject maps a channel name to a NATS subject. "chain:abc" becomes
// "<prefix>.chain.abc"; a name without a colon uses "_" as the id token.
func Subject(prefix, channel string) string {
	domain, id, ok := strings.Cut(channel, ":")
	if !ok {
		id = "_"
	}
	return prefix + "." + token(domain) + "." + token(id)
}

// token makes s a single valid subject token.
func token(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, s)
}
