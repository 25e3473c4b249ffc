package tools

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	mcp "github.com/TangGee/go-mcp-sse"
)

// Methods served by Server.
const (
	MethodList    = mcp.MethodToolsList
	MethodExecute = "tools/execute"
	MethodCancel  = "tools/cancel"
)

// Execution statuses reported by tools/execute.
const (
	StatusSuccess   = "success"
	StatusError     = "error"
	StatusCancelled = "cancelled"
)

// DefaultFileSystemDelay is the simulated latency of the fileSystem tool.
const DefaultFileSystemDelay = 100 * time.Millisecond

var errExecutionCancelled = errors.New("execution cancelled")

// Server exposes a set of Tools through the tools/* methods. A tool failure is reported in
// the result with StatusError, not as an error Response.
type Server struct {
	tools  map[string]Tool
	order  []string
	logger *slog.Logger

	mu      sync.Mutex
	nextRun uint64
	running map[runKey]map[uint64]context.CancelCauseFunc
}

// Option represents the options for the Server.
type Option func(*Server)

type runKey struct {
	sessionID string
	toolID    string
}

// WithLogger sets the logger for the Server.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger.With(
			slog.String("package", "go-mcp-sse"),
			slog.String("component", "tools"),
		)
	}
}

// WithTools replaces the default tools.
func WithTools(tools ...Tool) Option {
	return func(s *Server) {
		s.tools = make(map[string]Tool, len(tools))
		s.order = s.order[:0]
		for _, t := range tools {
			if _, ok := s.tools[t.ID]; !ok {
				s.order = append(s.order, t.ID)
			}
			s.tools[t.ID] = t
		}
	}
}

// DefaultTools returns the search and fileSystem tools.
func DefaultTools() []Tool {
	return []Tool{SearchTool(), FileSystemTool(DefaultFileSystemDelay)}
}

// NewServer creates a Server with DefaultTools unless WithTools says otherwise.
func NewServer(options ...Option) *Server {
	s := &Server{
		logger:  slog.Default(),
		running: make(map[runKey]map[uint64]context.CancelCauseFunc),
	}
	WithTools(DefaultTools()...)(s)
	for _, opt := range options {
		opt(s)
	}
	return s
}

// ListResult is the result of tools/list.
type ListResult struct {
	Tools []Descriptor `json:"tools"`
}

// ExecuteParams are the params of tools/execute.
type ExecuteParams struct {
	ID     string          `json:"id"`
	Params json.RawMessage `json:"params,omitempty"`
}

// ExecuteResult is the result of tools/execute.
type ExecuteResult struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// IDParams are the params of tools/cancel.
type IDParams struct {
	ID string `json:"id"`
}

// CancelResult is the result of tools/cancel. Cancelled reports whether an execution of the
// tool was running on the caller's Session.
type CancelResult struct {
	ID        string `json:"id"`
	Cancelled bool   `json:"cancelled"`
}

// Register binds the tools/* methods to registry.
func (s *Server) Register(registry *mcp.Registry) {
	registry.RegisterFunc(MethodList, s.list)
	registry.RegisterFunc(MethodExecute, s.execute)
	registry.RegisterFunc(MethodCancel, s.cancel)
}

func (s *Server) list(context.Context, json.RawMessage, *mcp.Session) (any, error) {
	descriptors := make([]Descriptor, 0, len(s.order))
	for _, id := range s.order {
		descriptors = append(descriptors, s.tools[id].Descriptor)
	}
	return ListResult{Tools: descriptors}, nil
}

func (s *Server) execute(ctx context.Context, params json.RawMessage, sess *mcp.Session) (any, error) {
	var p ExecuteParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, mcp.InvalidParams("invalid params: %v", err)
	}
	if p.ID == "" {
		return nil, mcp.InvalidParams("id is required")
	}
	tool, ok := s.tools[p.ID]
	if !ok {
		return nil, mcp.InvalidParams("unknown tool %q", p.ID)
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	key := runKey{sessionID: sess.ID(), toolID: p.ID}
	run := s.track(key, cancel)
	defer s.untrack(key, run)
	defer cancel(nil)

	logger := s.logger.With(slog.String("tool", p.ID), slog.String("sessionID", sess.ID()))
	logger.Debug("executing tool")

	result, err := tool.Execute(runCtx, sess, p.Params)
	switch {
	case err == nil:
		return ExecuteResult{ID: p.ID, Status: StatusSuccess, Result: result}, nil
	case errors.Is(context.Cause(runCtx), errExecutionCancelled):
		logger.Info("tool execution cancelled")
		return ExecuteResult{ID: p.ID, Status: StatusCancelled}, nil
	case ctx.Err() != nil:
		return nil, ctx.Err()
	default:
		logger.Warn("tool execution failed", slog.String("err", err.Error()))
		return ExecuteResult{ID: p.ID, Status: StatusError, Error: err.Error()}, nil
	}
}

func (s *Server) cancel(_ context.Context, params json.RawMessage, sess *mcp.Session) (any, error) {
	var p IDParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, mcp.InvalidParams("invalid params: %v", err)
	}
	if p.ID == "" {
		return nil, mcp.InvalidParams("id is required")
	}
	if _, ok := s.tools[p.ID]; !ok {
		return nil, mcp.InvalidParams("unknown tool %q", p.ID)
	}

	key := runKey{sessionID: sess.ID(), toolID: p.ID}
	s.mu.Lock()
	runs := s.running[key]
	delete(s.running, key)
	s.mu.Unlock()

	for _, cancel := range runs {
		cancel(errExecutionCancelled)
	}
	if len(runs) > 0 {
		s.logger.Info("tool executions cancelled",
			slog.String("tool", p.ID),
			slog.Int("count", len(runs)))
	}
	return CancelResult{ID: p.ID, Cancelled: len(runs) > 0}, nil
}

func (s *Server) track(key runKey, cancel context.CancelCauseFunc) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextRun++
	if s.running[key] == nil {
		s.running[key] = make(map[uint64]context.CancelCauseFunc)
	}
	s.running[key][s.nextRun] = cancel
	return s.nextRun
}

func (s *Server) untrack(key runKey, run uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.running[key], run)
	if len(s.running[key]) == 0 {
		delete(s.running, key)
	}
}

// Running returns the number of executions in flight.
func (s *Server) Running() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, runs := range s.running {
		n += len(runs)
	}
	return n
}
