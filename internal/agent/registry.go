package agent

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Registry is the read-only set of agent kinds known to the engine. It is
// built once at startup and never mutated afterwards.
type Registry struct {
	kinds   map[string]AgentKind
	schemas map[string]*jsonschema.Schema
}

// NewRegistry builds a registry from kinds. A later kind with the same name
// replaces an earlier one, so configured kinds can override the builtins.
// Result schemas are compiled here; an invalid schema is an error.
func NewRegistry(kinds ...AgentKind) (*Registry, error) {
	r := &Registry{
		kinds:   make(map[string]AgentKind, len(kinds)),
		schemas: make(map[string]*jsonschema.Schema),
	}
	for _, k := range kinds {
		k.Name = strings.TrimSpace(k.Name)
		if k.Name == "" {
			return nil, fmt.Errorf("agent kind with empty name")
		}
		k.RequiredInputs = sortedSet(k.RequiredInputs)
		k.OptionalInputs = sortedSet(k.OptionalInputs)
		k.OutputCategories = sortedSet(k.OutputCategories)
		delete(r.schemas, k.Name)
		if len(k.ResultSchema) > 0 {
			s, err := compileSchema(k.Name, k.ResultSchema)
			if err != nil {
				return nil, err
			}
			r.schemas[k.Name] = s
		}
		r.kinds[k.Name] = k
	}
	return r, nil
}

// Describe returns the descriptor for name.
func (r *Registry) Describe(name string) (AgentKind, error) {
	k, ok := r.kinds[name]
	if !ok {
		return AgentKind{}, fmt.Errorf("%w: %q", ErrUnknownKind, name)
	}
	return k, nil
}

// Validate checks that every required input of the kind is present in input.
// Only presence is checked; a nil value counts as absent.
func (r *Registry) Validate(name string, input map[string]any) error {
	k, err := r.Describe(name)
	if err != nil {
		return err
	}
	var missing []string
	for _, f := range k.RequiredInputs {
		if v, ok := input[f]; !ok || v == nil {
			missing = append(missing, f)
		}
	}
	if len(missing) > 0 {
		return &ValidationError{Kind: name, Missing: missing}
	}
	return nil
}

// ValidatePayload checks a structured result payload against the kind's
// result schema. Kinds without a schema accept any payload.
func (r *Registry) ValidatePayload(name string, payload json.RawMessage) error {
	s, ok := r.schemas[name]
	if !ok {
		return nil
	}
	if len(payload) == 0 {
		return fmt.Errorf("kind %q: result payload required by schema", name)
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(payload)))
	if err != nil {
		return fmt.Errorf("kind %q: invalid result JSON: %w", name, err)
	}
	if err := s.Validate(doc); err != nil {
		return fmt.Errorf("kind %q: result schema validation failed: %w", name, err)
	}
	return nil
}

// List returns every kind sorted by name.
func (r *Registry) List() []AgentKind {
	out := make([]AgentKind, 0, len(r.kinds))
	for _, k := range r.kinds {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Len returns the number of registered kinds.
func (r *Registry) Len() int {
	return len(r.kinds)
}

func compileSchema(kind string, raw json.RawMessage) (*jsonschema.Schema, error) {
	// jsonschema.UnmarshalJSON keeps numbers as json.Number, which the
	// validator requires.
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("kind %q: unmarshal result schema: %w", kind, err)
	}
	url := kind + ".schema.json"
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("kind %q: add schema resource: %w", kind, err)
	}
	s, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("kind %q: compile result schema: %w", kind, err)
	}
	return s, nil
}

func sortedSet(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
