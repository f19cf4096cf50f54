package engine

import (
	"context"
	"encoding/json"

	"github.com/basket/go-conductor/internal/agent"
	"github.com/basket/go-conductor/internal/memory"
)

// Invocation is what a generation collaborator receives for one task.
type Invocation struct {
	TaskID string
	Kind   agent.AgentKind

	// Input is the merged input: caller fields over the injected context
	// (key "context") and the previous chain step's output (key "previous").
	Input map[string]any

	Context  map[string][]memory.ContextEntry
	Previous json.RawMessage
}

// Output is the optional structured part of a finished generation.
type Output struct {
	Payload json.RawMessage
}

// Generator produces the text stream for a task. Generate calls onChunk for
// every chunk in order, on a single goroutine, and stops when ctx is done or
// onChunk returns an error. A nil Output is allowed.
type Generator interface {
	Generate(ctx context.Context, inv Invocation, onChunk func(chunk string) error) (*Output, error)
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(ctx context.Context, inv Invocation, onChunk func(chunk string) error) (*Output, error)

func (f GeneratorFunc) Generate(ctx context.Context, inv Invocation, onChunk func(chunk string) error) (*Output, error) {
	return f(ctx, inv, onChunk)
}
