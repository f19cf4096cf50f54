package generator

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/basket/go-conductor/internal/engine"
)

const chunkSize = 24

// Deterministic renders a fixed JSON result from the task input without a
// model. It is used when no provider is configured.
type Deterministic struct {
	delay time.Duration
}

// NewDeterministic returns a generator that waits delay between chunks.
func NewDeterministic(delay time.Duration) *Deterministic {
	return &Deterministic{delay: delay}
}

// Generate implements engine.Generator.
func (d *Deterministic) Generate(ctx context.Context, inv engine.Invocation, onChunk func(string) error) (*engine.Output, error) {
	doc, err := json.Marshal(d.render(inv))
	if err != nil {
		return nil, fmt.Errorf("render result: %w", err)
	}
	for _, chunk := range split(string(doc), chunkSize) {
		if d.delay > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(d.delay):
			}
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := onChunk(chunk); err != nil {
			return nil, err
		}
	}
	return &engine.Output{Payload: doc}, nil
}

func (d *Deterministic) render(inv engine.Invocation) map[string]any {
	fields := make([]string, 0, len(inv.Input))
	for k := range inv.Input {
		if k != "context" && k != "previous" {
			fields = append(fields, k)
		}
	}
	sort.Strings(fields)

	parts := make([]string, 0, len(fields))
	for _, k := range fields {
		parts = append(parts, fmt.Sprintf("%s=%v", k, inv.Input[k]))
	}
	summary := fmt.Sprintf("%s result", inv.Kind.Name)
	if len(parts) > 0 {
		summary += " for " + strings.Join(parts, ", ")
	}

	sections := make(map[string]string, len(inv.Kind.OutputCategories))
	for _, c := range inv.Kind.OutputCategories {
		sections[c] = "pending model output"
	}
	contextCount := 0
	for _, entries := range inv.Context {
		contextCount += len(entries)
	}
	return map[string]any{
		"kind":          inv.Kind.Name,
		"summary":       summary,
		"sections":      sections,
		"context_items": contextCount,
		"has_previous":  len(inv.Previous) > 0,
	}
}

func split(s string, n int) []string {
	var out []string
	for len(s) > n {
		out = append(out, s[:n])
		s = s[n:]
	}
	if s != "" {
		out = append(out, s)
	}
	return out
}
