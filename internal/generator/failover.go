package generator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/go-conductor/internal/engine"
)

// Named pairs a generator with the provider name its breaker is tracked by.
type Named struct {
	Name      string
	Generator engine.Generator
}

type breaker struct {
	failures    int
	lastFailure time.Time
	tripped     bool
}

// Failover tries generators in order with a circuit breaker per provider.
// A provider that already streamed chunks is not retried elsewhere, since
// observers have seen its partial output.
type Failover struct {
	candidates []Named

	mu        sync.Mutex
	breakers  map[string]*breaker
	threshold int
	cooldown  time.Duration
}

// NewFailover returns a Failover. The breaker trips after threshold
// consecutive failures and resets once cooldown has elapsed.
func NewFailover(candidates []Named, threshold int, cooldown time.Duration) *Failover {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 5 * time.Minute
	}
	breakers := make(map[string]*breaker, len(candidates))
	for _, c := range candidates {
		breakers[c.Name] = &breaker{}
	}
	return &Failover{
		candidates: candidates,
		breakers:   breakers,
		threshold:  threshold,
		cooldown:   cooldown,
	}
}

// Generate implements engine.Generator.
func (f *Failover) Generate(ctx context.Context, inv engine.Invocation, onChunk func(string) error) (*engine.Output, error) {
	var lastErr error
	for _, c := range f.candidates {
		if f.isTripped(c.Name) {
			slog.Info("failover: skipping tripped provider", "provider", c.Name)
			continue
		}

		emitted := false
		out, err := c.Generator.Generate(ctx, inv, func(chunk string) error {
			emitted = true
			return onChunk(chunk)
		})
		if err == nil {
			f.recordSuccess(c.Name)
			return out, nil
		}
		if ctx.Err() != nil {
			return nil, err
		}

		lastErr = err
		f.recordFailure(c.Name)
		slog.Warn("failover: provider failed", "provider", c.Name, "task_id", inv.TaskID, "error", err)
		if emitted {
			return nil, fmt.Errorf("provider %s failed mid-stream: %w", c.Name, err)
		}
	}
	if lastErr == nil {
		return nil, errors.New("failover: every provider is tripped")
	}
	return nil, fmt.Errorf("failover: all providers failed, last error: %w", lastErr)
}

func (f *Failover) isTripped(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.breakers[name]
	if !ok || !b.tripped {
		return false
	}
	if time.Since(b.lastFailure) >= f.cooldown {
		b.tripped = false
		b.failures = 0
		slog.Info("failover: circuit breaker reset after cooldown", "provider", name)
		return false
	}
	return true
}

func (f *Failover) recordFailure(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.breakers[name]
	if !ok {
		b = &breaker{}
		f.breakers[name] = b
	}
	b.failures++
	b.lastFailure = time.Now()
	if b.failures >= f.threshold && !b.tripped {
		b.tripped = true
		slog.Warn("failover: circuit breaker tripped", "provider", name, "failures", b.failures)
	}
}

func (f *Failover) recordSuccess(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if b, ok := f.breakers[name]; ok {
		b.failures = 0
		b.tripped = false
	}
}

// Tripped returns the names of providers whose breaker is open.
func (f *Failover) Tripped() []string {
	var out []string
	for _, c := range f.candidates {
		if f.isTripped(c.Name) {
			out = append(out, c.Name)
		}
	}
	return out
}
