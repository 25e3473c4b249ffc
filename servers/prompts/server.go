package prompts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	mcp "github.com/TangGee/go-mcp-sse"
)

// Methods served by Server.
const (
	MethodList   = mcp.MethodPromptsList
	MethodGet    = "prompts/get"
	MethodCreate = "prompts/create"
	MethodUpdate = "prompts/update"
	MethodDelete = "prompts/delete"
)

// Server exposes a Store through the prompts/* methods.
type Server struct {
	store  Store
	logger *slog.Logger
}

// Option represents the options for the Server.
type Option func(*Server)

// WithLogger sets the logger for the Server.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger.With(
			slog.String("package", "go-mcp-sse"),
			slog.String("component", "prompts"),
		)
	}
}

// NewServer creates a Server backed by store.
func NewServer(store Store, options ...Option) *Server {
	s := &Server{
		store:  store,
		logger: slog.Default(),
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// ListResult is the result of prompts/list.
type ListResult struct {
	Prompts []Prompt `json:"prompts"`
}

// IDParams are the params of prompts/get and prompts/delete.
type IDParams struct {
	ID string `json:"id"`
}

// CreateParams are the params of prompts/create. Name defaults to the id.
type CreateParams struct {
	ID          string `json:"id"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	Content     string `json:"content"`
}

// UpdateParams are the params of prompts/update.
type UpdateParams struct {
	ID string `json:"id"`
	Patch
}

// DeleteResult is the result of prompts/delete.
type DeleteResult struct {
	ID      string `json:"id"`
	Deleted bool   `json:"deleted"`
}

// Register binds the prompts/* methods to registry.
func (s *Server) Register(registry *mcp.Registry) {
	registry.RegisterFunc(MethodList, s.list)
	registry.RegisterFunc(MethodGet, s.get)
	registry.RegisterFunc(MethodCreate, s.create)
	registry.RegisterFunc(MethodUpdate, s.update)
	registry.RegisterFunc(MethodDelete, s.delete)
}

func (s *Server) list(ctx context.Context, _ json.RawMessage, _ *mcp.Session) (any, error) {
	prompts, err := s.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list prompts: %w", err)
	}
	return ListResult{Prompts: prompts}, nil
}

func (s *Server) get(ctx context.Context, params json.RawMessage, _ *mcp.Session) (any, error) {
	var p IDParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.ID == "" {
		return nil, mcp.InvalidParams("id is required")
	}

	prompt, err := s.store.Get(ctx, p.ID)
	if err != nil {
		return nil, storeError(err)
	}
	return prompt, nil
}

func (s *Server) create(ctx context.Context, params json.RawMessage, _ *mcp.Session) (any, error) {
	var p CreateParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.ID == "" || p.Content == "" {
		return nil, mcp.InvalidParams("id and content are required")
	}

	name := p.Name
	if name == "" {
		name = p.ID
	}
	prompt, err := s.store.Create(ctx, Prompt{
		ID:          p.ID,
		Name:        name,
		Description: p.Description,
		Content:     p.Content,
	})
	if err != nil {
		return nil, storeError(err)
	}

	s.logger.Info("prompt created", slog.String("id", prompt.ID))
	return prompt, nil
}

func (s *Server) update(ctx context.Context, params json.RawMessage, _ *mcp.Session) (any, error) {
	var p UpdateParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.ID == "" {
		return nil, mcp.InvalidParams("id is required")
	}

	prompt, err := s.store.Update(ctx, p.ID, p.Patch)
	if err != nil {
		return nil, storeError(err)
	}

	s.logger.Info("prompt updated", slog.String("id", prompt.ID))
	return prompt, nil
}

func (s *Server) delete(ctx context.Context, params json.RawMessage, _ *mcp.Session) (any, error) {
	var p IDParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.ID == "" {
		return nil, mcp.InvalidParams("id is required")
	}

	if err := s.store.Delete(ctx, p.ID); err != nil {
		return nil, storeError(err)
	}

	s.logger.Info("prompt deleted", slog.String("id", p.ID))
	return DeleteResult{ID: p.ID, Deleted: true}, nil
}

func decodeParams(params json.RawMessage, v any) error {
	if err := json.Unmarshal(params, v); err != nil {
		return mcp.InvalidParams("invalid params: %v", err)
	}
	return nil
}

// storeError reports unknown and duplicate ids as invalid params. Other failures stay
// internal.
func storeError(err error) error {
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrExists):
		return mcp.InvalidParams("%v", err)
	default:
		return err
	}
}
