package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"
)

// DefaultConnectTimeout bounds how long Connect waits for the endpoint announcement.
const DefaultConnectTimeout = 10 * time.Second

var (
	errNoEndpoint    = errors.New("stream ended before the endpoint was announced")
	errNotConnected  = errors.New("client is not connected")
	errIDMismatch    = errors.New("response id does not match request id")
	errEmptyEndpoint = errors.New("empty endpoint URL")
)

// SSEClient is the client side of SSEServer. It opens the Notification Channel with a GET
// request, waits for the endpoint announcement and posts its requests to the announced
// endpoint. Responses are read from the POST response bodies, server-initiated
// notifications from the event stream.
//
// Instances should be created using NewSSEClient.
type SSEClient struct {
	httpClient     *http.Client
	connectURL     string
	logger         *slog.Logger
	maxPayloadSize int
	connectTimeout time.Duration

	mu         sync.Mutex
	messageURL string
	cancel     context.CancelFunc

	notifications chan Envelope
	done          chan struct{}
}

// SSEClientOption represents the options for the SSEClient.
type SSEClientOption func(*SSEClient)

// NewSSEClient creates an SSE client that connects to the specified connectURL. The optional
// httpClient parameter allows custom HTTP client configuration - if nil, the default HTTP
// client is used. The client must call Connect to begin communication.
func NewSSEClient(connectURL string, httpClient *http.Client, options ...SSEClientOption) *SSEClient {
	cli := httpClient
	if cli == nil {
		cli = http.DefaultClient
	}
	c := &SSEClient{
		connectURL:     connectURL,
		httpClient:     cli,
		logger:         slog.Default(),
		connectTimeout: DefaultConnectTimeout,
		notifications:  make(chan Envelope, 16),
		done:           make(chan struct{}),
	}

	for _, opt := range options {
		opt(c)
	}

	return c
}

// WithSSEClientLogger sets the logger for the SSEClient.
func WithSSEClientLogger(logger *slog.Logger) SSEClientOption {
	return func(c *SSEClient) {
		c.logger = logger.With(
			slog.String("package", "go-mcp-sse"),
			slog.String("component", "sse_client"),
		)
	}
}

// WithSSEClientMaxPayloadSize sets the maximum size of an event received from the server. If
// an event exceeds this limit, the error is logged and the stream is closed.
func WithSSEClientMaxPayloadSize(size int) SSEClientOption {
	return func(c *SSEClient) {
		c.maxPayloadSize = size
	}
}

// WithSSEClientConnectTimeout bounds how long Connect waits for the endpoint announcement.
func WithSSEClientConnectTimeout(timeout time.Duration) SSEClientOption {
	return func(c *SSEClient) {
		c.connectTimeout = timeout
	}
}

// Connect opens the event stream and blocks until the server announced the request endpoint.
// The stream stays open after Connect returns until Close is called or the server closes it.
func (c *SSEClient) Connect(ctx context.Context) error {
	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, c.connectURL, nil)
	if err != nil {
		cancel()
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		cancel()
		return fmt.Errorf("failed to connect to SSE server: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()

	ready := make(chan error, 1)
	go c.listen(resp.Body, ready)

	timer := time.NewTimer(c.connectTimeout)
	defer timer.Stop()

	select {
	case err := <-ready:
		if err != nil {
			c.Close()
			return err
		}
		return nil
	case <-ctx.Done():
		c.Close()
		return fmt.Errorf("failed to wait for endpoint: %w", ctx.Err())
	case <-timer.C:
		c.Close()
		return fmt.Errorf("endpoint not announced within %s", c.connectTimeout)
	}
}

// MessageURL returns the announced request endpoint, or an empty string before Connect.
func (c *SSEClient) MessageURL() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.messageURL
}

// Notifications returns an iterator over the Notifications pushed by the server. It ends when
// the stream is closed.
func (c *SSEClient) Notifications() iter.Seq[Envelope] {
	return func(yield func(Envelope) bool) {
		for env := range c.notifications {
			if !yield(env) {
				return
			}
		}
	}
}

// Done is closed when the event stream ended.
func (c *SSEClient) Done() <-chan struct{} { return c.done }

// Close closes the event stream.
func (c *SSEClient) Close() error {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	return nil
}

// Call sends a Request and waits for its Response. An error Response is returned as *Error.
func (c *SSEClient) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := StringID(uuid.New().String())
	env, err := NewRequest(id, method, params)
	if err != nil {
		return nil, err
	}

	status, body, err := c.post(ctx, env)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code: %d: %s", status, strings.TrimSpace(string(body)))
	}

	resp, err := Decode(body)
	if err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if resp.ID != nil && !resp.ID.Equal(id) {
		return nil, fmt.Errorf("%w: sent %s, got %s", errIDMismatch, id, resp.ID)
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	return resp.Result, nil
}

// Notify sends a Notification. The server acknowledges it without a body.
func (c *SSEClient) Notify(ctx context.Context, method string, params any) error {
	env, err := NewNotification(method, params)
	if err != nil {
		return err
	}

	status, body, err := c.post(ctx, env)
	if err != nil {
		return err
	}
	if status != http.StatusAccepted {
		return fmt.Errorf("unexpected status code: %d: %s", status, strings.TrimSpace(string(body)))
	}
	return nil
}

// Initialize performs the initialize handshake.
func (c *SSEClient) Initialize(ctx context.Context, info Info, capabilities map[string]any) (InitializeResult, error) {
	if capabilities == nil {
		capabilities = map[string]any{}
	}
	params := InitializeParams{
		ProtocolVersion: DefaultProtocolVersion,
		Capabilities:    capabilities,
		ClientInfo:      info,
	}

	var result InitializeResult
	if err := c.callInto(ctx, methodInitialize, params, &result); err != nil {
		return InitializeResult{}, err
	}
	return result, nil
}

// Sample calls the sample method.
func (c *SSEClient) Sample(ctx context.Context, params SampleParams) (SampleResult, error) {
	var result SampleResult
	if err := c.callInto(ctx, MethodSample, params, &result); err != nil {
		return SampleResult{}, err
	}
	return result, nil
}

// Ping calls the ping method.
func (c *SSEClient) Ping(ctx context.Context) error {
	_, err := c.Call(ctx, methodPing, nil)
	return err
}

// Shutdown calls the shutdown method. The server closes the event stream after replying.
func (c *SSEClient) Shutdown(ctx context.Context) (ShutdownResult, error) {
	var result ShutdownResult
	if err := c.callInto(ctx, methodShutdown, nil, &result); err != nil {
		return ShutdownResult{}, err
	}
	return result, nil
}

func (c *SSEClient) callInto(ctx context.Context, method string, params, result any) error {
	raw, err := c.Call(ctx, method, params)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, result); err != nil {
		return fmt.Errorf("failed to unmarshal %s result: %w", method, err)
	}
	return nil
}

func (c *SSEClient) post(ctx context.Context, env Envelope) (int, []byte, error) {
	messageURL := c.MessageURL()
	if messageURL == "" {
		return 0, nil, errNotConnected
	}

	msgBs, err := Encode(env)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to encode message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, messageURL, bytes.NewReader(msgBs))
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to send message: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to read response: %w", err)
	}
	return resp.StatusCode, body, nil
}

func (c *SSEClient) listen(body io.ReadCloser, ready chan<- error) {
	announced := false
	defer func() {
		body.Close()
		if !announced {
			ready <- errNoEndpoint
		}
		close(c.notifications)
		close(c.done)
	}()

	var config *sse.ReadConfig
	if c.maxPayloadSize > 0 {
		config = &sse.ReadConfig{
			MaxEventSize: c.maxPayloadSize,
		}
	}

	for ev, err := range sse.Read(body, config) {
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				c.logger.Error("failed to read SSE message", slog.String("err", err.Error()))
			}
			return
		}

		switch ev.Type {
		case EventEndpoint:
			if announced {
				c.logger.Warn("ignoring repeated endpoint announcement")
				continue
			}
			u, err := c.resolveEndpoint(ev.Data)
			if err != nil {
				ready <- fmt.Errorf("invalid endpoint: %w", err)
				announced = true
				return
			}
			c.mu.Lock()
			c.messageURL = u
			c.mu.Unlock()
			announced = true
			ready <- nil
		case EventMessage:
			if !announced {
				c.logger.Error("received message before endpoint URL")
				continue
			}

			env, err := Decode([]byte(ev.Data))
			if err != nil {
				c.logger.Error("failed to decode message", slog.String("err", err.Error()))
				continue
			}
			if env.Kind() != KindNotification {
				c.logger.Warn("ignoring non-notification message", slog.String("kind", env.Kind().String()))
				continue
			}
			select {
			case c.notifications <- env:
			default:
				c.logger.Warn("dropping notification, consumer is not keeping up", slog.String("method", env.Method))
			}
		case EventHeartbeat:
			c.logger.Debug("heartbeat", slog.String("data", ev.Data))
		default:
			c.logger.Warn("unhandled event type", slog.String("type", ev.Type))
		}
	}
}

// resolveEndpoint accepts both the {"uri": ...} form and a bare URL, and resolves relative
// endpoints against the connect URL.
func (c *SSEClient) resolveEndpoint(data string) (string, error) {
	raw := strings.TrimSpace(data)
	if strings.HasPrefix(raw, "{") {
		var ep EndpointEvent
		if err := json.Unmarshal([]byte(raw), &ep); err != nil {
			return "", fmt.Errorf("parse endpoint event: %w", err)
		}
		raw = ep.URI
	}
	if raw == "" {
		return "", errEmptyEndpoint
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse endpoint URL: %w", err)
	}
	base, err := url.Parse(c.connectURL)
	if err != nil {
		return "", fmt.Errorf("parse connect URL: %w", err)
	}
	return base.ResolveReference(u).String(), nil
}
