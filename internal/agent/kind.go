// Package agent describes the agent kinds the engine can run and validates
// task input against them.
package agent

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrUnknownKind is returned for a kind name that is not registered.
var ErrUnknownKind = errors.New("unknown agent kind")

// Capabilities are display flags carried through to API consumers.
type Capabilities struct {
	AnalyzesData           bool `json:"analyzes_data" yaml:"analyzes_data"`
	GeneratesContent       bool `json:"generates_content" yaml:"generates_content"`
	CommunicatesExternally bool `json:"communicates_externally" yaml:"communicates_externally"`
	CreatesVisualizations  bool `json:"creates_visualizations" yaml:"creates_visualizations"`
	MakesRecommendations   bool `json:"makes_recommendations" yaml:"makes_recommendations"`
}

// AgentKind is the immutable descriptor of one kind of generative task.
type AgentKind struct {
	Name             string       `json:"name"`
	DisplayName      string       `json:"display_name,omitempty"`
	Description      string       `json:"description,omitempty"`
	RequiredInputs   []string     `json:"required_inputs"`
	OptionalInputs   []string     `json:"optional_inputs"`
	OutputCategories []string     `json:"output_categories"`
	Capabilities     Capabilities `json:"capabilities"`

	// ContextKinds selects whose history is injected into this kind's
	// input. Empty means every kind.
	ContextKinds []string `json:"context_kinds,omitempty"`

	// Timeout overrides the engine's task timeout when positive.
	Timeout time.Duration `json:"timeout,omitempty"`

	// ResultSchema, when set, is a JSON Schema the structured result
	// payload must satisfy.
	ResultSchema json.RawMessage `json:"result_schema,omitempty"`
}

// Accepts reports whether field is a declared input of the kind.
func (k AgentKind) Accepts(field string) bool {
	for _, f := range k.RequiredInputs {
		if f == field {
			return true
		}
	}
	for _, f := range k.OptionalInputs {
		if f == field {
			return true
		}
	}
	return false
}

// ValidationError lists the required input fields a request was missing.
type ValidationError struct {
	Kind    string
	Missing []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("kind %q: missing required input: %s", e.Kind, strings.Join(e.Missing, ", "))
}
