package mcp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"
)

const (
	// DefaultHeartbeatInterval is the interval between heartbeat events on idle channels.
	DefaultHeartbeatInterval = 30 * time.Second
	// DefaultMaxBodyBytes bounds the size of a posted request body.
	DefaultMaxBodyBytes int64 = 1 << 20
)

var jsonMediaType = contenttype.NewMediaType("application/json")

// SSEServer implements a framework-agnostic Server-Sent Events (SSE) transport for the
// Dispatcher. HandleSSE opens the Notification Channel of a new Session and announces the
// endpoint the client posts its requests to. HandleMessage receives those requests and
// writes the Dispatcher's reply as the body of the POST response.
//
// Instances should be created using NewSSEServer and shut down using Shutdown when no longer
// needed.
type SSEServer struct {
	messageURL        string
	dispatcher        *Dispatcher
	logger            *slog.Logger
	metrics           *Metrics
	heartbeatInterval time.Duration
	maxBodyBytes      int64

	onSessionOpened func(*Session)
	onSessionClosed func(string)

	mu       sync.Mutex
	sessions map[string]sseServerSession
	streams  sync.WaitGroup

	done     chan struct{}
	doneOnce sync.Once
}

// SSEServerOption represents the options for the SSEServer.
type SSEServerOption func(*SSEServer)

type sseServerSession struct {
	session *Session
	channel *NotificationChannel
}

// NewSSEServer creates an SSE server that announces messageURL, extended with a sessionID
// query parameter, as the request endpoint of every Session.
func NewSSEServer(messageURL string, dispatcher *Dispatcher, options ...SSEServerOption) *SSEServer {
	s := &SSEServer{
		messageURL:        messageURL,
		dispatcher:        dispatcher,
		logger:            slog.Default(),
		heartbeatInterval: DefaultHeartbeatInterval,
		maxBodyBytes:      DefaultMaxBodyBytes,
		sessions:          make(map[string]sseServerSession),
		done:              make(chan struct{}),
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// WithSSEServerLogger sets the logger for the SSEServer.
func WithSSEServerLogger(logger *slog.Logger) SSEServerOption {
	return func(s *SSEServer) {
		s.logger = logger.With(
			slog.String("package", "go-mcp-sse"),
			slog.String("component", "sse_server"),
		)
	}
}

// WithSSEServerMetrics records session and event metrics on m.
func WithSSEServerMetrics(m *Metrics) SSEServerOption {
	return func(s *SSEServer) {
		s.metrics = m
	}
}

// WithHeartbeatInterval sets the interval of heartbeat events. Zero disables heartbeats.
func WithHeartbeatInterval(interval time.Duration) SSEServerOption {
	return func(s *SSEServer) {
		s.heartbeatInterval = interval
	}
}

// WithMaxBodyBytes bounds the size of posted request bodies. Larger bodies are rejected with
// 413 Request Entity Too Large.
func WithMaxBodyBytes(n int64) SSEServerOption {
	return func(s *SSEServer) {
		s.maxBodyBytes = n
	}
}

// WithSSEServerOnSessionOpened sets the callback invoked after a Session's endpoint was
// announced.
func WithSSEServerOnSessionOpened(onSessionOpened func(*Session)) SSEServerOption {
	return func(s *SSEServer) {
		s.onSessionOpened = onSessionOpened
	}
}

// WithSSEServerOnSessionClosed sets the callback invoked with the id of a Session once it
// is closed.
func WithSSEServerOnSessionClosed(onSessionClosed func(string)) SSEServerOption {
	return func(s *SSEServer) {
		s.onSessionClosed = onSessionClosed
	}
}

// HandleSSE returns an http.Handler that opens a Notification Channel over a GET request.
// It creates the Session, announces its endpoint as the first event and keeps the stream
// open until the client disconnects, the Session asks for the stream to be closed or the
// server shuts down.
func (s *SSEServer) HandleSSE() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-s.done:
			http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
			return
		default:
		}

		sess, err := sse.Upgrade(w, r)
		if err != nil {
			nErr := fmt.Errorf("failed to upgrade session: %w", err)
			s.logger.Error("failed to upgrade session", slog.String("err", nErr.Error()))
			http.Error(w, nErr.Error(), http.StatusInternalServerError)
			return
		}

		sessID := uuid.New().String()
		endpoint := fmt.Sprintf("%s?sessionID=%s", s.messageURL, sessID)
		logger := s.logger.With(slog.String("sessionID", sessID))

		channel := newNotificationChannel(sess, logger, s.metrics)
		session := newSession(sessID, endpoint, channel)

		// The session must be resolvable before the client learns its endpoint.
		s.mu.Lock()
		select {
		case <-s.done:
			s.mu.Unlock()
			return
		default:
		}
		s.sessions[sessID] = sseServerSession{session: session, channel: channel}
		s.streams.Add(1)
		s.mu.Unlock()
		defer s.streams.Done()

		s.metrics.sessionOpened()
		defer s.OnDisconnect(sessID)

		if err := channel.Announce(endpoint); err != nil {
			logger.Error("failed to announce endpoint", slog.String("err", err.Error()))
			return
		}
		logger.Info("session opened")

		if s.onSessionOpened != nil {
			s.onSessionOpened(session)
		}

		var heartbeat <-chan time.Time
		if s.heartbeatInterval > 0 {
			ticker := time.NewTicker(s.heartbeatInterval)
			defer ticker.Stop()
			heartbeat = ticker.C
		}

		for {
			select {
			case <-r.Context().Done():
				logger.Info("client disconnected")
				return
			case <-session.CloseRequested():
				logger.Info("closing notification channel")
				return
			case <-s.done:
				return
			case now := <-heartbeat:
				if err := channel.Heartbeat(now); err != nil {
					logger.Warn("failed to send heartbeat", slog.String("err", err.Error()))
					return
				}
			}
		}
	})
}

// HandleMessage returns an http.Handler for requests posted by clients. The handler expects
// a sessionID query parameter and a JSON-RPC envelope as an application/json body. A Request
// is answered with 200 and the Response envelope as body, a Notification with 202 and no
// body.
func (s *SSEServer) HandleMessage() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sessID := r.URL.Query().Get("sessionID")
		if sessID == "" {
			nErr := fmt.Errorf("missing sessionID query parameter")
			s.logger.Warn("missing sessionID query parameter", slog.String("err", nErr.Error()))
			http.Error(w, nErr.Error(), http.StatusBadRequest)
			return
		}

		ctype, err := contenttype.GetMediaType(r)
		if err != nil || !ctype.Matches(jsonMediaType) {
			s.logger.Warn("unsupported content type", slog.String("contentType", r.Header.Get("Content-Type")))
			http.Error(w, "content-type must be application/json", http.StatusUnsupportedMediaType)
			return
		}

		session, ok := s.Session(sessID)
		if !ok {
			http.Error(w, ErrSessionNotFound.Error(), http.StatusNotFound)
			return
		}

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBodyBytes))
		if err != nil {
			var maxErr *http.MaxBytesError
			if errors.As(err, &maxErr) {
				http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
				return
			}
			http.Error(w, fmt.Sprintf("failed to read body: %v", err), http.StatusBadRequest)
			return
		}

		out, replyID, err := s.deliver(r.Context(), session, body)
		switch {
		case errors.Is(err, ErrMalformedEnvelope):
			s.logger.Warn("malformed envelope",
				slog.String("sessionID", sessID),
				slog.String("err", err.Error()))
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		case err != nil:
			s.logger.Error("failed to deliver request",
				slog.String("sessionID", sessID),
				slog.String("err", err.Error()))
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}

		if out == nil {
			w.WriteHeader(http.StatusAccepted)
		} else {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			if _, err := w.Write(out); err != nil {
				s.logger.Warn("failed to write response",
					slog.String("sessionID", sessID),
					slog.String("err", err.Error()))
			}
		}
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}

		session.ResponseDelivered(replyID)
	})
}

// DeliverRequest decodes body, dispatches it on the Session with the given id and returns the
// encoded reply, or nil when nothing must be sent back. Callers delivering the reply
// themselves must call Session.ResponseDelivered with the Request id once it was written out.
func (s *SSEServer) DeliverRequest(ctx context.Context, sessionID string, body []byte) ([]byte, error) {
	session, ok := s.Session(sessionID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	out, _, err := s.deliver(ctx, session, body)
	return out, err
}

// deliver returns the encoded reply together with its id. Both are nil when nothing must be
// sent back.
func (s *SSEServer) deliver(ctx context.Context, session *Session, body []byte) ([]byte, *RequestID, error) {
	env, err := Decode(body)
	if err != nil {
		return nil, nil, err
	}

	resp, ok := s.dispatcher.Handle(ctx, env, session)
	if !ok {
		return nil, nil, nil
	}

	out, err := Encode(resp)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode response: %w", err)
	}
	return out, resp.ID, nil
}

// Session returns the open Session with the given id.
func (s *SSEServer) Session(id string) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ss, ok := s.sessions[id]
	if !ok {
		return nil, false
	}
	return ss.session, true
}

// SessionCount returns the number of open Sessions.
func (s *SSEServer) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.sessions)
}

// OnDisconnect tears down the Session with the given id: its Notification Channel stops
// accepting events and the Session is force-closed, discarding in-flight results. Unknown
// ids are ignored, so it is safe to call more than once.
func (s *SSEServer) OnDisconnect(sessionID string) {
	s.mu.Lock()
	ss, ok := s.sessions[sessionID]
	delete(s.sessions, sessionID)
	s.mu.Unlock()

	if !ok {
		return
	}

	ss.channel.close()
	ss.session.ForceClose()
	s.metrics.sessionClosed()
	s.logger.Info("session closed", slog.String("sessionID", sessionID))

	if s.onSessionClosed != nil {
		s.onSessionClosed(sessionID)
	}
}

// Shutdown closes every open Session and waits until their streams have ended or ctx is
// done. New Notification Channels are refused afterwards.
func (s *SSEServer) Shutdown(ctx context.Context) error {
	s.doneOnce.Do(func() { close(s.done) })

	s.mu.Lock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		s.OnDisconnect(id)
	}

	closed := make(chan struct{})
	go func() {
		s.streams.Wait()
		close(closed)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("failed to close SSE server: %w", ctx.Err())
	case <-closed:
	}
	return nil
}
