// Package sampling serves the sample method and the sampling/* method family on top of a
// simulated model backend. The backend produces deterministic canned completions, which
// keeps the protocol engine exercisable without a model provider.
package sampling

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	mcp "github.com/TangGee/go-mcp-sse"
)

// DefaultModel is used by sample when the request does not name a model.
const DefaultModel = "gpt-3.5-turbo"

const (
	completionTokens = 50
	promptPreviewLen = 30
)

// ErrUnknownModel is returned for model ids missing from the catalog.
var ErrUnknownModel = errors.New("unknown model")

// Model describes one entry of the model catalog.
type Model struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Description  string   `json:"description"`
	Capabilities []string `json:"capabilities"`
}

// HasCapabilities reports whether the model supports every capability in required.
func (m Model) HasCapabilities(required []string) bool {
	for _, c := range required {
		if !slices.Contains(m.Capabilities, c) {
			return false
		}
	}
	return true
}

// DefaultModels returns the catalog of the simulated backend.
func DefaultModels() []Model {
	return []Model{
		{
			ID:           "gpt-3.5-turbo",
			Name:         "GPT-3.5 Turbo",
			Description:  "OpenAI GPT-3.5 Turbo model",
			Capabilities: []string{"chat", "completion"},
		},
		{
			ID:           "gpt-4",
			Name:         "GPT-4",
			Description:  "OpenAI GPT-4 model",
			Capabilities: []string{"chat", "completion", "vision"},
		},
		{
			ID:           "claude-2",
			Name:         "Claude 2",
			Description:  "Anthropic Claude 2 model",
			Capabilities: []string{"chat", "completion"},
		},
	}
}

// Backend is a simulated mcp.SamplingBackend over a fixed model catalog.
type Backend struct {
	models []Model
	delay  time.Duration
}

var _ mcp.SamplingBackend = (*Backend)(nil)

// BackendOption represents the options for the Backend.
type BackendOption func(*Backend)

// WithModels replaces the model catalog.
func WithModels(models []Model) BackendOption {
	return func(b *Backend) {
		b.models = models
	}
}

// WithDelay makes every completion take at least d, honoring cancellation.
func WithDelay(d time.Duration) BackendOption {
	return func(b *Backend) {
		b.delay = d
	}
}

// NewBackend creates a Backend with the DefaultModels catalog.
func NewBackend(options ...BackendOption) *Backend {
	b := &Backend{
		models: DefaultModels(),
	}
	for _, opt := range options {
		opt(b)
	}
	return b
}

// Models returns the models that support every capability in required.
func (b *Backend) Models(required []string) []Model {
	models := make([]Model, 0, len(b.models))
	for _, m := range b.models {
		if m.HasCapabilities(required) {
			models = append(models, m)
		}
	}
	return models
}

// Model returns the catalog entry with the given id.
func (b *Backend) Model(id string) (Model, error) {
	for _, m := range b.models {
		if m.ID == id {
			return m, nil
		}
	}
	return Model{}, fmt.Errorf("%w: %s", ErrUnknownModel, id)
}

// Sample implements mcp.SamplingBackend.
func (b *Backend) Sample(ctx context.Context, req mcp.SampleRequest) (mcp.SampleResult, error) {
	model := req.Model
	if model == "" {
		model = DefaultModel
	}
	if _, err := b.Model(model); err != nil {
		return mcp.SampleResult{}, mcp.InvalidParams("%v", err)
	}

	if err := b.wait(ctx); err != nil {
		return mcp.SampleResult{}, err
	}

	promptTokens := len(strings.Fields(req.Prompt))
	return mcp.SampleResult{
		Content: fmt.Sprintf("Simulated response to the prompt '%s...'. A real deployment would call the model API here.",
			preview(req.Prompt)),
		Model: model,
		Usage: mcp.Usage{
			PromptTokens:     promptTokens,
			CompletionTokens: completionTokens,
			TotalTokens:      promptTokens + completionTokens,
		},
	}, nil
}

// Chunks splits the simulated streamed output of model into chunks.
func (b *Backend) Chunks(model string) []string {
	return []string{"This ", "is ", "sample ", "streamed ", "output ", "from ", model, ", ", "based ", "on ", "your ", "prompt."}
}

func (b *Backend) wait(ctx context.Context) error {
	if b.delay <= 0 {
		return nil
	}
	timer := time.NewTimer(b.delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func preview(prompt string) string {
	r := []rune(prompt)
	if len(r) > promptPreviewLen {
		r = r[:promptPreviewLen]
	}
	return string(r)
}
