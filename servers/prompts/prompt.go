// Package prompts serves the prompts/* method family: a small catalog of prompt templates
// that clients can list, read and edit. Templates live in a Store, which is either kept in
// memory, persisted to a JSON file or shared through Redis.
package prompts

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned by a Store when no prompt has the requested id.
	ErrNotFound = errors.New("prompt not found")
	// ErrExists is returned by Store.Create when the id is already taken.
	ErrExists = errors.New("prompt already exists")
)

// Prompt is a named prompt template.
type Prompt struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Content     string `json:"content"`
}

// Patch lists the fields of a Prompt to change. Nil fields are left untouched.
type Patch struct {
	Name        *string `json:"name,omitempty"`
	Description *string `json:"description,omitempty"`
	Content     *string `json:"content,omitempty"`
}

func (p Prompt) apply(patch Patch) Prompt {
	if patch.Name != nil {
		p.Name = *patch.Name
	}
	if patch.Description != nil {
		p.Description = *patch.Description
	}
	if patch.Content != nil {
		p.Content = *patch.Content
	}
	return p
}

// Store keeps prompts by id. Implementations must be safe for concurrent use.
type Store interface {
	// List returns every prompt ordered by id.
	List(ctx context.Context) ([]Prompt, error)
	Get(ctx context.Context, id string) (Prompt, error)
	Create(ctx context.Context, p Prompt) (Prompt, error)
	Update(ctx context.Context, id string, patch Patch) (Prompt, error)
	Delete(ctx context.Context, id string) error
}

// DefaultPrompts returns the templates a fresh catalog is seeded with.
func DefaultPrompts() []Prompt {
	return []Prompt{
		{
			ID:          "code_review",
			Name:        "Code review",
			Description: "Prompt template for reviewing code",
			Content:     "You are an experienced code reviewer. Review the following code and suggest improvements:\n\n{{code}}",
		},
		{
			ID:          "documentation",
			Name:        "Documentation",
			Description: "Prompt template for generating code documentation",
			Content: "Write detailed documentation for the following code, including function descriptions, " +
				"parameter descriptions and usage examples:\n\n{{code}}",
		},
	}
}

// Seed adds the DefaultPrompts that are missing from store.
func Seed(ctx context.Context, store Store) error {
	for _, p := range DefaultPrompts() {
		if _, err := store.Create(ctx, p); err != nil && !errors.Is(err, ErrExists) {
			return fmt.Errorf("failed to seed prompt %s: %w", p.ID, err)
		}
	}
	return nil
}
