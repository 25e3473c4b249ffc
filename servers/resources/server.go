package resources

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"slices"
	"sync"

	mcp "github.com/TangGee/go-mcp-sse"
)

// Methods served by Server.
const (
	MethodList      = mcp.MethodResourcesList
	MethodGet       = "resources/get"
	MethodSearch    = "resources/search"
	MethodSubscribe = mcp.MethodResourcesSubscribe
)

// NotificationUpdated is pushed to subscribed sessions when a resource changes.
const NotificationUpdated = "notifications/resources/updated"

// Server exposes a Catalogue through the resources/* methods.
type Server struct {
	catalogue *Catalogue
	logger    *slog.Logger

	mu          sync.Mutex
	subscribers map[string]map[string]*mcp.Session
}

// Option represents the options for the Server.
type Option func(*Server)

// WithLogger sets the logger for the Server.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger.With(
			slog.String("package", "go-mcp-sse"),
			slog.String("component", "resources"),
		)
	}
}

// NewServer creates a Server backed by catalogue.
func NewServer(catalogue *Catalogue, options ...Option) *Server {
	s := &Server{
		catalogue:   catalogue,
		logger:      slog.Default(),
		subscribers: make(map[string]map[string]*mcp.Session),
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// ListResult is the result of resources/list.
type ListResult struct {
	Resources []Resource `json:"resources"`
}

// IDParams are the params of resources/get.
type IDParams struct {
	ID string `json:"id"`
}

// SearchParams are the params of resources/search.
type SearchParams struct {
	Query string `json:"query"`
}

// SearchResult is the result of resources/search.
type SearchResult struct {
	Query   string  `json:"query"`
	Results []Match `json:"results"`
}

// SubscribeParams are the params of resources/subscribe.
type SubscribeParams struct {
	ResourceIDs []string `json:"resourceIds"`
}

// SubscribeResult is the result of resources/subscribe.
type SubscribeResult struct {
	Success    bool     `json:"success"`
	Subscribed []string `json:"subscribed"`
}

// UpdatedParams are the params of NotificationUpdated.
type UpdatedParams struct {
	ID string `json:"id"`
}

// Register binds the resources/* methods to registry.
func (s *Server) Register(registry *mcp.Registry) {
	registry.RegisterFunc(MethodList, s.list)
	registry.RegisterFunc(MethodGet, s.get)
	registry.RegisterFunc(MethodSearch, s.search)
	registry.RegisterFunc(MethodSubscribe, s.subscribe)
}

func (s *Server) list(context.Context, json.RawMessage, *mcp.Session) (any, error) {
	return ListResult{Resources: s.catalogue.List()}, nil
}

func (s *Server) get(_ context.Context, params json.RawMessage, _ *mcp.Session) (any, error) {
	var p IDParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.ID == "" {
		return nil, mcp.InvalidParams("id is required")
	}

	contents, err := s.catalogue.Get(p.ID)
	if err != nil {
		return nil, mcp.InvalidParams("%v", err)
	}
	return contents, nil
}

func (s *Server) search(_ context.Context, params json.RawMessage, _ *mcp.Session) (any, error) {
	var p SearchParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.Query == "" {
		return nil, mcp.InvalidParams("query is required")
	}
	return SearchResult{Query: p.Query, Results: s.catalogue.Search(p.Query)}, nil
}

func (s *Server) subscribe(_ context.Context, params json.RawMessage, sess *mcp.Session) (any, error) {
	var p SubscribeParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if len(p.ResourceIDs) == 0 {
		return nil, mcp.InvalidParams("resourceIds must not be empty")
	}
	for _, id := range p.ResourceIDs {
		if !s.catalogue.Has(id) {
			return nil, mcp.InvalidParams("%v: %s", ErrNotFound, id)
		}
	}

	s.mu.Lock()
	for _, id := range p.ResourceIDs {
		if s.subscribers[id] == nil {
			s.subscribers[id] = make(map[string]*mcp.Session)
		}
		s.subscribers[id][sess.ID()] = sess
	}
	s.mu.Unlock()

	s.logger.Info("resources subscribed",
		slog.String("sessionID", sess.ID()),
		slog.Any("resourceIds", p.ResourceIDs))
	return SubscribeResult{Success: true, Subscribed: p.ResourceIDs}, nil
}

// Subscribers returns the ids of the sessions subscribed to the resource, in order.
func (s *Server) Subscribers(id string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.subscribers[id]))
	for sessionID := range s.subscribers[id] {
		ids = append(ids, sessionID)
	}
	slices.Sort(ids)
	return ids
}

// NotifyUpdated pushes NotificationUpdated to every session subscribed to the resource.
// Closed sessions are unsubscribed. It returns the number of sessions notified.
func (s *Server) NotifyUpdated(ctx context.Context, id string) (int, error) {
	if !s.catalogue.Has(id) {
		return 0, ErrNotFound
	}

	s.mu.Lock()
	sessions := make([]*mcp.Session, 0, len(s.subscribers[id]))
	for _, sess := range s.subscribers[id] {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	notified := 0
	for _, sess := range sessions {
		err := sess.Notify(ctx, NotificationUpdated, UpdatedParams{ID: id})
		switch {
		case err == nil:
			notified++
		case errors.Is(err, mcp.ErrSessionClosed):
			s.unsubscribe(sess.ID())
		default:
			s.logger.Warn("failed to notify resource update",
				slog.String("id", id),
				slog.String("sessionID", sess.ID()),
				slog.String("err", err.Error()))
		}
	}
	return notified, nil
}

func (s *Server) unsubscribe(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, sessions := range s.subscribers {
		delete(sessions, sessionID)
		if len(sessions) == 0 {
			delete(s.subscribers, id)
		}
	}
}

func decodeParams(params json.RawMessage, v any) error {
	if err := json.Unmarshal(params, v); err != nil {
		return mcp.InvalidParams("invalid params: %v", err)
	}
	return nil
}
