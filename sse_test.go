package mcp_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tmaxmax/go-sse"

	mcp "github.com/TangGee/go-mcp-sse"
)

const eventTimeout = 2 * time.Second

type testServer struct {
	*httptest.Server
	sse *mcp.SSEServer
}

func newTestServer(t *testing.T, dispatcher *mcp.Dispatcher, options ...mcp.SSEServerOption) *testServer {
	t.Helper()

	mux := http.NewServeMux()
	ts := httptest.NewServer(mux)

	srv := mcp.NewSSEServer(ts.URL+"/api", dispatcher, options...)
	mux.Handle("/sse", srv.HandleSSE())
	mux.Handle("/api", srv.HandleMessage())

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			t.Errorf("failed to shutdown server: %v", err)
		}
		ts.Close()
	})

	return &testServer{Server: ts, sse: srv}
}

type stream struct {
	events <-chan sse.Event
	cancel context.CancelFunc
}

func openStream(t *testing.T, url string) stream {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		t.Fatalf("failed to create request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		t.Fatalf("expected status 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Errorf("expected text/event-stream, got %s", ct)
	}

	events := make(chan sse.Event)
	go func() {
		defer close(events)
		defer resp.Body.Close()

		for ev, err := range sse.Read(resp.Body, nil) {
			if err != nil {
				return
			}
			select {
			case events <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()

	return stream{events: events, cancel: cancel}
}

func (s stream) next(t *testing.T) sse.Event {
	t.Helper()

	select {
	case ev, ok := <-s.events:
		if !ok {
			t.Fatal("stream closed")
		}
		return ev
	case <-time.After(eventTimeout):
		t.Fatal("timeout waiting for event")
	}
	return sse.Event{}
}

func (s stream) waitClosed(t *testing.T) {
	t.Helper()

	timeout := time.After(eventTimeout)
	for {
		select {
		case ev, ok := <-s.events:
			if !ok {
				return
			}
			if ev.Type != mcp.EventHeartbeat {
				t.Errorf("unexpected event before close: %s %s", ev.Type, ev.Data)
			}
		case <-timeout:
			t.Fatal("timeout waiting for the stream to close")
		}
	}
}

func (s stream) endpoint(t *testing.T) string {
	t.Helper()

	ev := s.next(t)
	if ev.Type != mcp.EventEndpoint {
		t.Fatalf("expected endpoint event first, got %q", ev.Type)
	}
	var data mcp.EndpointEvent
	if err := json.Unmarshal([]byte(ev.Data), &data); err != nil {
		t.Fatalf("failed to unmarshal endpoint event: %v", err)
	}
	return data.URI
}

func postJSON(t *testing.T, url, contentType string, body []byte) (int, []byte) {
	t.Helper()

	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("failed to create request: %v", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("failed to send request: %v", err)
	}
	defer resp.Body.Close()

	bs, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read response: %v", err)
	}
	return resp.StatusCode, bs
}

func rpc(t *testing.T, endpoint string, id int64, method string, params any) mcp.Envelope {
	t.Helper()

	req, err := mcp.NewRequest(mcp.IntID(id), method, params)
	if err != nil {
		t.Fatalf("failed to create request: %v", err)
	}
	bs, err := mcp.Encode(req)
	if err != nil {
		t.Fatalf("failed to encode request: %v", err)
	}

	status, body := postJSON(t, endpoint, "application/json", bs)
	if status != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", status, body)
	}
	env, err := mcp.Decode(body)
	if err != nil {
		t.Fatalf("failed to decode response %s: %v", body, err)
	}
	if !env.ID.Equal(mcp.IntID(id)) {
		t.Fatalf("expected response id %d, got %v", id, env.ID)
	}
	return env
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(eventTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSSEEndpointAnnouncement(t *testing.T) {
	d, _ := newTestDispatcher(t)
	ts := newTestServer(t, d)

	s := openStream(t, ts.URL+"/sse")
	uri := s.endpoint(t)

	prefix := ts.URL + "/api?sessionID="
	if !strings.HasPrefix(uri, prefix) {
		t.Fatalf("expected endpoint with prefix %s, got %s", prefix, uri)
	}
	id := strings.TrimPrefix(uri, prefix)
	sess, ok := ts.sse.Session(id)
	if !ok {
		t.Fatalf("session %s not registered", id)
	}
	if sess.Endpoint() != uri {
		t.Errorf("expected session endpoint %s, got %s", uri, sess.Endpoint())
	}
	if ts.sse.SessionCount() != 1 {
		t.Errorf("expected 1 session, got %d", ts.sse.SessionCount())
	}
}

func TestSSEFullExchange(t *testing.T) {
	d, _ := newTestDispatcher(t)

	var (
		mu     sync.Mutex
		closed []string
	)
	ts := newTestServer(t, d, mcp.WithSSEServerOnSessionClosed(func(id string) {
		mu.Lock()
		closed = append(closed, id)
		mu.Unlock()
	}))

	s := openStream(t, ts.URL+"/sse")
	endpoint := s.endpoint(t)

	env := rpc(t, endpoint, 1, "initialize", mcp.InitializeParams{
		ProtocolVersion: "1.0",
		Capabilities:    map[string]any{"sampling": map[string]any{}},
		ClientInfo:      mcp.Info{Name: "test-client", Version: "1.0.0"},
	})
	var initResult mcp.InitializeResult
	if err := json.Unmarshal(env.Result, &initResult); err != nil {
		t.Fatalf("failed to unmarshal initialize result: %v", err)
	}
	if initResult.ProtocolVersion != "1.0" {
		t.Errorf("expected protocol version 1.0, got %s", initResult.ProtocolVersion)
	}

	env = rpc(t, endpoint, 2, mcp.MethodSample, mcp.SampleParams{Prompt: "Hello"})
	var sampleResult mcp.SampleResult
	if err := json.Unmarshal(env.Result, &sampleResult); err != nil {
		t.Fatalf("failed to unmarshal sample result: %v", err)
	}
	if sampleResult.Content == "" {
		t.Error("expected sample content")
	}

	env = rpc(t, endpoint, 3, "shutdown", nil)
	if string(env.Result) != `{"status":"shutting_down"}` {
		t.Errorf("unexpected shutdown result: %s", env.Result)
	}

	// The shutdown response was received above, only then the stream ends.
	s.waitClosed(t)
	waitFor(t, func() bool { return ts.sse.SessionCount() == 0 })

	mu.Lock()
	defer mu.Unlock()
	if len(closed) != 1 {
		t.Errorf("expected one closed session, got %v", closed)
	}

	status, _ := postJSON(t, endpoint, "application/json", []byte(`{"jsonrpc":"2.0","id":4,"method":"ping"}`))
	if status != http.StatusNotFound {
		t.Errorf("expected status 404 after close, got %d", status)
	}
}

func TestSSERequestBeforeInitialize(t *testing.T) {
	d, _ := newTestDispatcher(t)
	ts := newTestServer(t, d)

	s := openStream(t, ts.URL+"/sse")
	endpoint := s.endpoint(t)

	env := rpc(t, endpoint, 3, mcp.MethodSample, mcp.SampleParams{Prompt: "Hello"})
	if env.Error == nil || env.Error.Code != mcp.CodeInvalidRequest {
		t.Fatalf("expected invalid request error, got %+v", env)
	}
	if env.Error.Data["reason"] != "session is not initialized" {
		t.Errorf("unexpected reason: %v", env.Error.Data["reason"])
	}
}

func TestSSENotificationAccepted(t *testing.T) {
	d, registry := newTestDispatcher(t)
	received := make(chan struct{}, 1)
	registry.RegisterFunc("notifications/initialized", func(context.Context, json.RawMessage, *mcp.Session) (any, error) {
		received <- struct{}{}
		return nil, nil
	})
	ts := newTestServer(t, d)

	s := openStream(t, ts.URL+"/sse")
	endpoint := s.endpoint(t)
	rpc(t, endpoint, 1, "initialize", nil)

	status, body := postJSON(t, endpoint, "application/json",
		[]byte(`{"jsonrpc":"2.0","method":"notifications/initialized"}`))
	if status != http.StatusAccepted {
		t.Errorf("expected status 202, got %d", status)
	}
	if len(body) != 0 {
		t.Errorf("expected empty body, got %s", body)
	}

	select {
	case <-received:
	case <-time.After(eventTimeout):
		t.Fatal("notification handler was not called")
	}
}

func TestSSEMessageRejected(t *testing.T) {
	d, _ := newTestDispatcher(t)
	ts := newTestServer(t, d, mcp.WithMaxBodyBytes(128))

	s := openStream(t, ts.URL+"/sse")
	endpoint := s.endpoint(t)

	valid := []byte(`{"jsonrpc":"2.0","id":1,"method":"ping"}`)
	large := []byte(`{"jsonrpc":"2.0","id":1,"method":"ping","params":{"pad":"` + strings.Repeat("x", 256) + `"}}`)

	tests := []struct {
		name        string
		url         string
		contentType string
		body        []byte
		status      int
	}{
		{"missing session id", ts.URL + "/api", "application/json", valid, http.StatusBadRequest},
		{"unknown session", ts.URL + "/api?sessionID=unknown", "application/json", valid, http.StatusNotFound},
		{"wrong content type", endpoint, "text/plain", valid, http.StatusUnsupportedMediaType},
		{"missing content type", endpoint, "", valid, http.StatusUnsupportedMediaType},
		{"invalid json", endpoint, "application/json", []byte(`{invalid json}`), http.StatusBadRequest},
		{"wrong version", endpoint, "application/json", []byte(`{"jsonrpc":"1.0","id":1,"method":"ping"}`), http.StatusBadRequest},
		{"body too large", endpoint, "application/json", large, http.StatusRequestEntityTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := postJSON(t, tt.url, tt.contentType, tt.body)
			if status != tt.status {
				t.Errorf("expected status %d, got %d: %s", tt.status, status, body)
			}
		})
	}

	// Rejected payloads leave the session untouched.
	if n := ts.sse.SessionCount(); n != 1 {
		t.Errorf("expected 1 session, got %d", n)
	}
	status, _ := postJSON(t, endpoint, "application/json; charset=utf-8", valid)
	if status != http.StatusOK {
		t.Errorf("expected status 200 with charset parameter, got %d", status)
	}
}

func TestSSEServerNotifications(t *testing.T) {
	d, _ := newTestDispatcher(t)
	opened := make(chan *mcp.Session, 1)
	ts := newTestServer(t, d, mcp.WithSSEServerOnSessionOpened(func(sess *mcp.Session) {
		opened <- sess
	}))

	s := openStream(t, ts.URL+"/sse")
	s.endpoint(t)

	var sess *mcp.Session
	select {
	case sess = <-opened:
	case <-time.After(eventTimeout):
		t.Fatal("session opened callback was not called")
	}

	if err := sess.Notify(context.Background(), "notifications/progress", map[string]any{"progress": 50}); err != nil {
		t.Fatalf("failed to notify: %v", err)
	}

	ev := s.next(t)
	if ev.Type != mcp.EventMessage {
		t.Fatalf("expected message event, got %q", ev.Type)
	}
	env, err := mcp.Decode([]byte(ev.Data))
	if err != nil {
		t.Fatalf("failed to decode notification: %v", err)
	}
	if env.Kind() != mcp.KindNotification || env.Method != "notifications/progress" {
		t.Errorf("unexpected notification: %+v", env)
	}
	if string(env.Params) != `{"progress":50}` {
		t.Errorf("unexpected params: %s", env.Params)
	}
}

func TestSSEHeartbeat(t *testing.T) {
	d, _ := newTestDispatcher(t)
	ts := newTestServer(t, d, mcp.WithHeartbeatInterval(20*time.Millisecond))

	s := openStream(t, ts.URL+"/sse")
	s.endpoint(t)

	ev := s.next(t)
	if ev.Type != mcp.EventHeartbeat {
		t.Fatalf("expected heartbeat event, got %q", ev.Type)
	}
	var hb mcp.HeartbeatEvent
	if err := json.Unmarshal([]byte(ev.Data), &hb); err != nil {
		t.Fatalf("failed to unmarshal heartbeat: %v", err)
	}
	if hb.Timestamp <= 0 {
		t.Errorf("expected a positive timestamp, got %f", hb.Timestamp)
	}
}

func TestSSEClientDisconnect(t *testing.T) {
	d, _ := newTestDispatcher(t)
	ts := newTestServer(t, d)

	s := openStream(t, ts.URL+"/sse")
	uri := s.endpoint(t)
	id := uri[strings.LastIndex(uri, "=")+1:]

	sess, ok := ts.sse.Session(id)
	if !ok {
		t.Fatalf("session %s not registered", id)
	}

	s.cancel()
	waitFor(t, func() bool { return ts.sse.SessionCount() == 0 })

	if sess.State() != mcp.StateClosed {
		t.Errorf("expected session closed after disconnect, got %s", sess.State())
	}
	// Disconnecting twice is harmless.
	ts.sse.OnDisconnect(id)
}

func TestSSEServerShutdown(t *testing.T) {
	d, _ := newTestDispatcher(t)
	ts := newTestServer(t, d)

	s := openStream(t, ts.URL+"/sse")
	s.endpoint(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ts.sse.Shutdown(ctx); err != nil {
		t.Fatalf("failed to shutdown: %v", err)
	}

	s.waitClosed(t)

	resp, err := http.Get(ts.URL + "/sse")
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("expected status 503 after shutdown, got %d", resp.StatusCode)
	}
}

func TestSSEDeliverRequest(t *testing.T) {
	d, _ := newTestDispatcher(t)
	ts := newTestServer(t, d)

	if _, err := ts.sse.DeliverRequest(context.Background(), "unknown", []byte(`{}`)); err == nil {
		t.Error("expected an error for an unknown session")
	}

	s := openStream(t, ts.URL+"/sse")
	uri := s.endpoint(t)
	id := uri[strings.LastIndex(uri, "=")+1:]

	out, err := ts.sse.DeliverRequest(context.Background(), id, []byte(`{"jsonrpc":"2.0","id":"x","method":"initialize"}`))
	if err != nil {
		t.Fatalf("failed to deliver request: %v", err)
	}
	env, err := mcp.Decode(out)
	if err != nil {
		t.Fatalf("failed to decode reply: %v", err)
	}
	if !env.ID.Equal(mcp.StringID("x")) || env.Error != nil {
		t.Errorf("unexpected reply: %s", out)
	}
}

// heldWriter blocks WriteHeader until release is closed.
type heldWriter struct {
	http.ResponseWriter
	entered chan struct{}
	release chan struct{}
}

func (w *heldWriter) WriteHeader(code int) {
	close(w.entered)
	<-w.release
	w.ResponseWriter.WriteHeader(code)
}

func (w *heldWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func TestSSEShutdownResponseBeforeCloseWithConcurrentPosts(t *testing.T) {
	d, _ := newTestDispatcher(t)

	entered := make(chan struct{})
	release := make(chan struct{})

	mux := http.NewServeMux()
	ts := httptest.NewServer(mux)
	srv := mcp.NewSSEServer(ts.URL+"/api", d)
	mux.Handle("/sse", srv.HandleSSE())
	messages := srv.HandleMessage()
	mux.HandleFunc("/api", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Hold-Reply") != "" {
			w = &heldWriter{ResponseWriter: w, entered: entered, release: release}
		}
		messages.ServeHTTP(w, r)
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
		ts.Close()
	})

	s := openStream(t, ts.URL+"/sse")
	endpoint := s.endpoint(t)
	sess, ok := srv.Session(endpoint[strings.LastIndex(endpoint, "=")+1:])
	if !ok {
		t.Fatal("session not registered")
	}
	rpc(t, endpoint, 1, "initialize", nil)

	type reply struct {
		status int
		body   []byte
		err    error
	}
	shutdownReply := make(chan reply, 1)
	go func() {
		req, err := http.NewRequest(http.MethodPost, endpoint,
			strings.NewReader(`{"jsonrpc":"2.0","id":2,"method":"shutdown"}`))
		if err != nil {
			shutdownReply <- reply{err: err}
			return
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Hold-Reply", "1")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			shutdownReply <- reply{err: err}
			return
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		shutdownReply <- reply{status: resp.StatusCode, body: body, err: err}
	}()

	select {
	case <-entered:
	case <-time.After(eventTimeout):
		t.Fatal("timeout waiting for the shutdown reply to be written")
	}

	status, _ := postJSON(t, endpoint, "application/json", []byte(`{"jsonrpc":"2.0","method":"ping"}`))
	if status != http.StatusAccepted {
		t.Errorf("expected status 202 for a notification, got %d", status)
	}
	env := rpc(t, endpoint, 3, "ping", nil)
	if env.Error == nil || env.Error.Code != mcp.CodeInvalidRequest {
		t.Errorf("expected invalid request while shutting down, got %+v", env)
	}

	select {
	case <-sess.CloseRequested():
		t.Fatal("close requested before the shutdown response was written")
	default:
	}
	if sess.State() != mcp.StateShuttingDown {
		t.Fatalf("expected state shutting_down, got %s", sess.State())
	}

	close(release)
	r := <-shutdownReply
	if r.err != nil {
		t.Fatalf("failed to post shutdown: %v", r.err)
	}
	if r.status != http.StatusOK || !strings.Contains(string(r.body), `"shutting_down"`) {
		t.Fatalf("unexpected shutdown reply: %d %s", r.status, r.body)
	}

	s.waitClosed(t)
	waitFor(t, func() bool { return sess.State() == mcp.StateClosed })
}
