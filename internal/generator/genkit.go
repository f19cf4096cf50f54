// Package generator provides the text-generation collaborators the engine
// streams task output from.
package generator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"

	"github.com/basket/go-conductor/internal/engine"
	"github.com/basket/go-conductor/internal/memory"
	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/anthropic"
	"github.com/firebase/genkit/go/plugins/compat_oai"
	"github.com/firebase/genkit/go/plugins/googlegenai"
)

// DefaultContextTokens bounds the injected context block.
const DefaultContextTokens = 2000

// Config selects the LLM provider behind Genkit.
type Config struct {
	// Provider is "google", "anthropic", "openai", "openai_compatible" or
	// "openrouter". Empty selects google.
	Provider string
	Model    string
	APIKey   string

	// OpenAICompatible settings.
	CompatibleProvider string
	CompatibleBaseURL  string

	// ContextTokens bounds the rendered context block. Zero selects
	// DefaultContextTokens.
	ContextTokens int
}

// Genkit streams task output from a Genkit model.
type Genkit struct {
	g             *genkit.Genkit
	provider      string
	model         string
	contextTokens int
}

// New returns a Genkit-backed generator, or a Deterministic fallback when
// the provider has no API key or is unknown.
func New(ctx context.Context, cfg Config) engine.Generator {
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if provider == "" {
		provider = "google"
	}
	modelID := strings.TrimSpace(cfg.Model)
	if modelID == "" {
		modelID = DefaultModel(provider)
	}
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		apiKey = EnvAPIKey(provider)
	}
	if apiKey == "" {
		slog.Warn("LLM API key missing; using deterministic generator", "provider", provider)
		return NewDeterministic(0)
	}

	var g *genkit.Genkit
	switch provider {
	case "anthropic":
		g = genkit.Init(ctx, genkit.WithPlugins(&anthropic.Anthropic{
			APIKey:  apiKey,
			BaseURL: os.Getenv("ANTHROPIC_BASE_URL"),
		}))
	case "openai":
		g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
			Provider: "openai",
			APIKey:   apiKey,
			BaseURL:  os.Getenv("OPENAI_BASE_URL"),
		}))
	case "openai_compatible":
		g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
			Provider: cfg.CompatibleProvider,
			APIKey:   apiKey,
			BaseURL:  cfg.CompatibleBaseURL,
		}))
	case "openrouter":
		g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
			Provider: "openrouter",
			APIKey:   apiKey,
			BaseURL:  "https://openrouter.ai/api/v1",
		}))
	case "google":
		_ = os.Setenv("GEMINI_API_KEY", apiKey)
		g = genkit.Init(ctx,
			genkit.WithPlugins(&googlegenai.GoogleAI{}),
			genkit.WithDefaultModel("googleai/"+modelID),
		)
	default:
		slog.Warn("unknown LLM provider; using deterministic generator", "provider", provider)
		return NewDeterministic(0)
	}

	tokens := cfg.ContextTokens
	if tokens <= 0 {
		tokens = DefaultContextTokens
	}
	slog.Info("genkit generator initialized", "provider", provider, "model", ModelName(provider, modelID))
	return &Genkit{g: g, provider: provider, model: modelID, contextTokens: tokens}
}

// Model returns the provider-qualified model name.
func (k *Genkit) Model() string {
	return ModelName(k.provider, k.model)
}

// Generate implements engine.Generator.
func (k *Genkit) Generate(ctx context.Context, inv engine.Invocation, onChunk func(string) error) (*engine.Output, error) {
	system := strings.ReplaceAll(SystemPrompt(inv), "%", "%%")
	prompt := UserPrompt(inv, k.contextTokens)

	stream := genkit.GenerateStream(ctx, k.g,
		ai.WithModelName(k.Model()),
		ai.WithSystem(system),
		ai.WithPrompt(prompt),
	)

	var streamed bool
	var doneText string
	for val, err := range stream {
		if err != nil {
			return nil, fmt.Errorf("stream error: %w", err)
		}
		if val.Chunk != nil {
			for _, part := range val.Chunk.Content {
				if part.Kind == ai.PartText && part.Text != "" {
					if err := onChunk(part.Text); err != nil {
						return nil, err
					}
					streamed = true
				}
			}
		}
		if val.Done && val.Response != nil {
			doneText = val.Response.Text()
		}
	}
	// Some providers only deliver the final response.
	if !streamed && doneText != "" {
		if err := onChunk(doneText); err != nil {
			return nil, err
		}
	}
	return nil, nil
}

// SystemPrompt describes the agent kind to the model.
func SystemPrompt(inv engine.Invocation) string {
	k := inv.Kind
	name := k.DisplayName
	if name == "" {
		name = k.Name
	}
	var b strings.Builder
	fmt.Fprintf(&b, "You are the %s agent.", name)
	if k.Description != "" {
		b.WriteString(" " + strings.TrimSpace(k.Description))
	}
	if len(k.OutputCategories) > 0 {
		fmt.Fprintf(&b, "\nCover these output sections: %s.", strings.Join(k.OutputCategories, ", "))
	}
	b.WriteString("\nRespond with one JSON object containing your structured result.")
	if len(k.ResultSchema) > 0 {
		b.WriteString(" It must validate against this JSON Schema:\n")
		b.Write(k.ResultSchema)
	}
	return b.String()
}

// UserPrompt renders the caller's input, the injected context and the
// previous chain step.
func UserPrompt(inv engine.Invocation, contextTokens int) string {
	fields := make([]string, 0, len(inv.Input))
	for key := range inv.Input {
		if key == "context" || key == "previous" {
			continue
		}
		fields = append(fields, key)
	}
	sort.Strings(fields)

	var b strings.Builder
	b.WriteString("Task input:\n")
	for _, key := range fields {
		val, err := json.Marshal(inv.Input[key])
		if err != nil {
			val = []byte(fmt.Sprint(inv.Input[key]))
		}
		fmt.Fprintf(&b, "- %s: %s\n", key, val)
	}
	if block, _ := memory.Format(inv.Context, contextTokens); block != "" {
		b.WriteString("\n" + block + "\n")
	}
	if len(inv.Previous) > 0 {
		b.WriteString("\nOutput of the previous step:\n")
		b.Write(inv.Previous)
		b.WriteString("\n")
	}
	return b.String()
}

// DefaultModel returns the model used when none is configured.
func DefaultModel(provider string) string {
	switch provider {
	case "anthropic":
		return "claude-sonnet-4-5"
	case "openai", "openai_compatible":
		return "gpt-4o"
	case "openrouter":
		return "openrouter/auto"
	default:
		return "gemini-2.5-flash"
	}
}

// EnvAPIKey reads the provider's conventional API key variable.
func EnvAPIKey(provider string) string {
	switch provider {
	case "anthropic":
		return os.Getenv("ANTHROPIC_API_KEY")
	case "openai", "openai_compatible":
		return os.Getenv("OPENAI_API_KEY")
	case "openrouter":
		return os.Getenv("OPENROUTER_API_KEY")
	case "google", "":
		if k := os.Getenv("GEMINI_API_KEY"); k != "" {
			return k
		}
		return os.Getenv("GOOGLE_API_KEY")
	default:
		return ""
	}
}

// ModelName qualifies model for the provider's Genkit registry.
func ModelName(provider, model string) string {
	switch provider {
	case "anthropic":
		return "anthropic/" + model
	case "openai":
		return "openai/" + model
	case "openai_compatible", "openrouter":
		return model
	default:
		return "googleai/" + model
	}
}
