package mcp_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	mcp "github.com/TangGee/go-mcp-sse"
)

func TestSessionStateString(t *testing.T) {
	tests := map[mcp.SessionState]string{
		mcp.StateConnected:    "connected",
		mcp.StateInitialized:  "initialized",
		mcp.StateShuttingDown: "shutting_down",
		mcp.StateClosed:       "closed",
	}
	for state, want := range tests {
		if got := state.String(); got != want {
			t.Errorf("expected %s, got %s", want, got)
		}
	}
}

func TestNewSession(t *testing.T) {
	sess := mcp.NewSession("abc", "http://localhost/api?sessionID=abc")

	if sess.ID() != "abc" {
		t.Errorf("expected id abc, got %s", sess.ID())
	}
	if sess.Endpoint() != "http://localhost/api?sessionID=abc" {
		t.Errorf("unexpected endpoint %s", sess.Endpoint())
	}
	if sess.State() != mcp.StateConnected {
		t.Errorf("expected state connected, got %s", sess.State())
	}
	if sess.CreatedAt().IsZero() {
		t.Error("expected creation time to be set")
	}
	if len(sess.Capabilities()) != 0 {
		t.Errorf("expected no capabilities, got %v", sess.Capabilities())
	}
}

func TestSessionForceCloseIdempotent(t *testing.T) {
	sess := mcp.NewSession("abc", "")

	var wg sync.WaitGroup
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sess.ForceClose()
		}()
	}
	wg.Wait()

	if sess.State() != mcp.StateClosed {
		t.Errorf("expected state closed, got %s", sess.State())
	}
	select {
	case <-sess.Done():
	default:
		t.Error("expected Done to be closed")
	}
	select {
	case <-sess.CloseRequested():
	default:
		t.Error("expected CloseRequested to be closed")
	}
}

func TestSessionResponseDeliveredWithoutShutdown(t *testing.T) {
	sess := mcp.NewSession("abc", "")
	sess.ResponseDelivered(mcp.IntID(1))
	sess.ResponseDelivered(nil)

	select {
	case <-sess.CloseRequested():
		t.Error("close must only be requested after shutdown")
	default:
	}
}

func TestSessionNotify(t *testing.T) {
	sess := mcp.NewSession("abc", "")

	if err := sess.Notify(context.Background(), "notifications/test", nil); !errors.Is(err, mcp.ErrNotAnnounced) {
		t.Errorf("expected ErrNotAnnounced, got %v", err)
	}

	sess.ForceClose()
	if err := sess.Notify(context.Background(), "notifications/test", nil); !errors.Is(err, mcp.ErrSessionClosed) {
		t.Errorf("expected ErrSessionClosed, got %v", err)
	}
}

func TestSessionCapabilitiesCopy(t *testing.T) {
	d, _ := newTestDispatcher(t)
	sess := mcp.NewSession("abc", "")
	initialize(t, d, sess)

	caps := sess.Capabilities()
	caps["injected"] = true

	if _, ok := sess.Capabilities()["injected"]; ok {
		t.Error("expected Capabilities to return a copy")
	}
	if _, ok := sess.Capabilities()["sampling"]; !ok {
		t.Error("expected the declared sampling capability")
	}
}
