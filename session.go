package mcp

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"
)

// SessionState is the lifecycle state of a Session.
type SessionState int

const (
	// StateConnected is the state of a Session whose Notification Channel is open but which
	// has not completed initialize yet.
	StateConnected SessionState = iota
	// StateInitialized accepts every registered method.
	StateInitialized
	// StateShuttingDown is entered on shutdown. Only shutdown itself is still accepted.
	StateShuttingDown
	// StateClosed is terminal.
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateInitialized:
		return "initialized"
	case StateShuttingDown:
		return "shutting_down"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

const (
	methodInitialize = "initialize"
	methodShutdown   = "shutdown"
	methodPing       = "ping"
)

type notifier interface {
	Send(ctx context.Context, env Envelope) error
}

// Session tracks one client's lifecycle across the Notification Channel and the request
// endpoint. Only the Dispatcher moves a Session through initialize and shutdown, the
// transport closes it with ForceClose.
type Session struct {
	id        string
	createdAt time.Time
	endpoint  string
	notifier  notifier

	mu              sync.Mutex
	state           SessionState
	protocolVersion string
	capabilities    map[string]any
	clientInfo      Info
	shutdownIDs     []*RequestID

	closeRequested     chan struct{}
	closeRequestedOnce sync.Once
	done               chan struct{}
	doneOnce           sync.Once
}

// NewSession creates a Session in StateConnected that has no Notification Channel attached.
// Session.Notify on such a Session fails with ErrNotAnnounced. Transports create their
// Sessions themselves, NewSession is meant for driving a Dispatcher directly.
func NewSession(id, endpoint string) *Session {
	return newSession(id, endpoint, nil)
}

func newSession(id, endpoint string, n notifier) *Session {
	return &Session{
		id:             id,
		createdAt:      time.Now(),
		endpoint:       endpoint,
		notifier:       n,
		state:          StateConnected,
		capabilities:   make(map[string]any),
		closeRequested: make(chan struct{}),
		done:           make(chan struct{}),
	}
}

// ID returns the server generated session id.
func (s *Session) ID() string { return s.id }

// CreatedAt returns the time the Session was created.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// Endpoint returns the request endpoint announced to the client.
func (s *Session) Endpoint() string { return s.endpoint }

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state
}

// ProtocolVersion returns the protocol version negotiated on initialize.
func (s *Session) ProtocolVersion() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.protocolVersion
}

// Capabilities returns a copy of the capabilities the client declared on initialize.
func (s *Session) Capabilities() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()

	return maps.Clone(s.capabilities)
}

// ClientInfo returns the client implementation info sent on initialize.
func (s *Session) ClientInfo() Info {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.clientInfo
}

// Done is closed once the Session reaches StateClosed.
func (s *Session) Done() <-chan struct{} { return s.done }

// CloseRequested is closed when the owner of the Notification Channel must close it: after
// the shutdown Response was delivered, or on ForceClose.
func (s *Session) CloseRequested() <-chan struct{} { return s.closeRequested }

// ForceClose moves the Session to StateClosed. It is idempotent and safe to call from any
// goroutine in any state, typically from a connection-drop callback.
func (s *Session) ForceClose() {
	s.mu.Lock()
	s.state = StateClosed
	s.mu.Unlock()

	s.doneOnce.Do(func() { close(s.done) })
	s.requestClose()
}

// ResponseDelivered tells the Session that the Response with the given id was flushed to
// the client. When id answers a shutdown Request, the Notification Channel owner is
// signalled to close the stream. Replies to other Requests never release the close.
func (s *Session) ResponseDelivered(id *RequestID) {
	if id == nil {
		return
	}

	s.mu.Lock()
	armed := slices.ContainsFunc(s.shutdownIDs, id.Equal)
	s.mu.Unlock()

	if armed {
		s.requestClose()
	}
}

// Notify pushes a server-initiated Notification to the client over the Notification Channel.
func (s *Session) Notify(ctx context.Context, method string, params any) error {
	if s.State() == StateClosed {
		return ErrSessionClosed
	}
	if s.notifier == nil {
		return ErrNotAnnounced
	}

	env, err := NewNotification(method, params)
	if err != nil {
		return err
	}
	if err := s.notifier.Send(ctx, env); err != nil {
		return fmt.Errorf("failed to send notification: %w", err)
	}
	return nil
}

func (s *Session) requestClose() {
	s.closeRequestedOnce.Do(func() { close(s.closeRequested) })
}

// checkMethod reports whether method may be called in the current state. The returned
// reason is empty when the call is allowed.
func (s *Session) checkMethod(method string) (SessionState, string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.state == StateClosed:
		return s.state, "session is closed"
	case method == methodShutdown:
		return s.state, ""
	case method == methodInitialize:
		if s.state != StateConnected {
			return s.state, "session is already initialized"
		}
		return s.state, ""
	case s.state == StateConnected:
		return s.state, "session is not initialized"
	case s.state == StateShuttingDown:
		return s.state, "session is shutting down"
	default:
		return s.state, ""
	}
}

// markInitialized moves a Connected Session to StateInitialized. It returns false when
// another initialize won the race or the Session left StateConnected.
func (s *Session) markInitialized(protocolVersion string, capabilities map[string]any, clientInfo Info) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateConnected {
		return false
	}
	s.state = StateInitialized
	s.protocolVersion = protocolVersion
	if capabilities != nil {
		s.capabilities = maps.Clone(capabilities)
	}
	s.clientInfo = clientInfo
	return true
}

// beginShutdown moves the Session to StateShuttingDown and arms the close signal that
// delivering the Response with the given id releases. A shutdown Notification has no
// Response to wait for and requests the close right away.
func (s *Session) beginShutdown(id *RequestID) bool {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return false
	}
	s.state = StateShuttingDown
	if id != nil {
		s.shutdownIDs = append(s.shutdownIDs, id)
	}
	s.mu.Unlock()

	if id == nil {
		s.requestClose()
	}
	return true
}
