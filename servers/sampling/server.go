package sampling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	mcp "github.com/TangGee/go-mcp-sse"
)

// Methods served by Server in addition to mcp.MethodSample.
const (
	MethodListModels = "sampling/list_models"
	MethodGetModel   = "sampling/get_model"
	MethodGenerate   = "sampling/generate"
	MethodStream     = "sampling/stream"
	MethodCancel     = "sampling/cancel"

	// NotificationChunk carries one piece of streamed output.
	NotificationChunk = "notifications/sampling/chunk"
	// NotificationDone ends a stream.
	NotificationDone = "notifications/sampling/done"
)

const (
	generateCompletionTokens = 20
	defaultChunkInterval     = 300 * time.Millisecond
)

// Server exposes a Backend through the sample method and the sampling/* methods.
type Server struct {
	backend       *Backend
	logger        *slog.Logger
	chunkInterval time.Duration

	mu      sync.Mutex
	streams map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// Option represents the options for the Server.
type Option func(*Server)

// WithLogger sets the logger for the Server.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger.With(
			slog.String("package", "go-mcp-sse"),
			slog.String("component", "sampling"),
		)
	}
}

// WithChunkInterval sets the pause between two streamed chunks.
func WithChunkInterval(d time.Duration) Option {
	return func(s *Server) {
		s.chunkInterval = d
	}
}

// NewServer creates a Server backed by backend.
func NewServer(backend *Backend, options ...Option) *Server {
	s := &Server{
		backend:       backend,
		logger:        slog.Default(),
		chunkInterval: defaultChunkInterval,
		streams:       make(map[string]context.CancelFunc),
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// ListModelsParams are the params of sampling/list_models.
type ListModelsParams struct {
	Capabilities []string `json:"capabilities,omitempty"`
}

// ListModelsResult is the result of sampling/list_models.
type ListModelsResult struct {
	Models []Model `json:"models"`
}

// IDParams are the params of sampling/get_model and sampling/cancel.
type IDParams struct {
	ID string `json:"id"`
}

// GenerateParams are the params of sampling/generate and sampling/stream.
type GenerateParams struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

// GenerateResult is the result of sampling/generate.
type GenerateResult struct {
	ID     string    `json:"id"`
	Model  string    `json:"model"`
	Output string    `json:"output"`
	Usage  mcp.Usage `json:"usage"`
}

// StreamResult is the result of sampling/stream.
type StreamResult struct {
	StreamID string `json:"streamId"`
	Model    string `json:"model"`
	Status   string `json:"status"`
}

// ChunkParams are the params of a notifications/sampling/chunk notification.
type ChunkParams struct {
	StreamID string `json:"streamId"`
	Index    int    `json:"index"`
	Content  string `json:"content"`
}

// DoneParams are the params of a notifications/sampling/done notification.
type DoneParams struct {
	StreamID string `json:"streamId"`
	Status   string `json:"status"`
}

// CancelResult is the result of sampling/cancel.
type CancelResult struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// Register binds the sample method and the sampling/* methods to registry.
func (s *Server) Register(registry *mcp.Registry) {
	registry.Register(mcp.MethodSample, mcp.SampleHandler(s.backend))
	registry.RegisterFunc(MethodListModels, s.listModels)
	registry.RegisterFunc(MethodGetModel, s.getModel)
	registry.RegisterFunc(MethodGenerate, s.generate)
	registry.RegisterFunc(MethodStream, s.stream)
	registry.RegisterFunc(MethodCancel, s.cancel)
}

// Wait blocks until every running stream has ended.
func (s *Server) Wait() {
	s.wg.Wait()
}

func (s *Server) listModels(_ context.Context, params json.RawMessage, _ *mcp.Session) (any, error) {
	var p ListModelsParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	return ListModelsResult{Models: s.backend.Models(p.Capabilities)}, nil
}

func (s *Server) getModel(_ context.Context, params json.RawMessage, _ *mcp.Session) (any, error) {
	var p IDParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.ID == "" {
		return nil, mcp.InvalidParams("id is required")
	}

	m, err := s.backend.Model(p.ID)
	if err != nil {
		return nil, mcp.InvalidParams("%v", err)
	}
	return m, nil
}

func (s *Server) generate(ctx context.Context, params json.RawMessage, _ *mcp.Session) (any, error) {
	p, err := s.generateParams(params)
	if err != nil {
		return nil, err
	}

	if err := s.backend.wait(ctx); err != nil {
		return nil, err
	}

	promptTokens := len([]rune(p.Prompt)) / 4
	return GenerateResult{
		ID:     "gen_" + strings.ReplaceAll(p.Model, "-", "_"),
		Model:  p.Model,
		Output: fmt.Sprintf("Sample output from the %s model, based on your prompt.", p.Model),
		Usage: mcp.Usage{
			PromptTokens:     promptTokens,
			CompletionTokens: generateCompletionTokens,
			TotalTokens:      promptTokens + generateCompletionTokens,
		},
	}, nil
}

func (s *Server) stream(_ context.Context, params json.RawMessage, sess *mcp.Session) (any, error) {
	p, err := s.generateParams(params)
	if err != nil {
		return nil, err
	}

	streamID := "stream_" + uuid.New().String()
	streamCtx, cancel := context.WithCancel(context.Background())

	s.mu.Lock()
	s.streams[streamID] = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go s.runStream(streamCtx, streamID, p.Model, sess)

	s.logger.Info("stream started", slog.String("streamID", streamID), slog.String("model", p.Model))
	return StreamResult{StreamID: streamID, Model: p.Model, Status: "started"}, nil
}

func (s *Server) cancel(_ context.Context, params json.RawMessage, _ *mcp.Session) (any, error) {
	var p IDParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.ID == "" {
		return nil, mcp.InvalidParams("id is required")
	}

	s.mu.Lock()
	cancel, ok := s.streams[p.ID]
	delete(s.streams, p.ID)
	s.mu.Unlock()

	if ok {
		cancel()
		s.logger.Info("stream cancelled", slog.String("streamID", p.ID))
	}
	return CancelResult{ID: p.ID, Status: "cancelled"}, nil
}

// runStream pushes the chunks of a simulated completion to sess and ends with a done
// notification. It stops early when the stream is cancelled or the Session closes.
func (s *Server) runStream(ctx context.Context, streamID, model string, sess *mcp.Session) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		cancel, ok := s.streams[streamID]
		delete(s.streams, streamID)
		s.mu.Unlock()
		if ok {
			cancel()
		}
	}()

	logger := s.logger.With(slog.String("streamID", streamID), slog.String("sessionID", sess.ID()))

	ticker := time.NewTicker(s.chunkInterval)
	defer ticker.Stop()

	status := "completed"
	for i, chunk := range s.backend.Chunks(model) {
		select {
		case <-ctx.Done():
			status = "cancelled"
		case <-sess.Done():
			return
		case <-ticker.C:
		}
		if status == "cancelled" {
			break
		}

		err := sess.Notify(ctx, NotificationChunk, ChunkParams{StreamID: streamID, Index: i, Content: chunk})
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				logger.Warn("failed to send chunk", slog.String("err", err.Error()))
			}
			return
		}
	}

	err := sess.Notify(context.Background(), NotificationDone, DoneParams{StreamID: streamID, Status: status})
	if err != nil {
		logger.Warn("failed to send stream end", slog.String("err", err.Error()))
		return
	}
	logger.Info("stream ended", slog.String("status", status))
}

func (s *Server) generateParams(params json.RawMessage) (GenerateParams, error) {
	var p GenerateParams
	if err := decodeParams(params, &p); err != nil {
		return GenerateParams{}, err
	}
	if p.Model == "" {
		return GenerateParams{}, mcp.InvalidParams("model is required")
	}
	if _, err := s.backend.Model(p.Model); err != nil {
		return GenerateParams{}, mcp.InvalidParams("%v", err)
	}
	if strings.TrimSpace(p.Prompt) == "" {
		return GenerateParams{}, mcp.InvalidParams("prompt is required")
	}
	return p, nil
}

func decodeParams(params json.RawMessage, v any) error {
	if err := json.Unmarshal(params, v); err != nil {
		return mcp.InvalidParams("invalid params: %v", err)
	}
	return nil
}
