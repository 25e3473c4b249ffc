package resources_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	mcp "github.com/TangGee/go-mcp-sse"
	"github.com/TangGee/go-mcp-sse/servers/resources"
)

func newClient(t *testing.T) (*mcp.SSEClient, *resources.Server) {
	t.Helper()

	registry := mcp.NewRegistry()
	srv := resources.NewServer(resources.NewCatalogue(resources.DefaultResources()...))
	srv.Register(registry)
	dispatcher := mcp.NewDispatcher(mcp.Info{Name: "resources-test"}, registry)

	mux := http.NewServeMux()
	ts := httptest.NewServer(mux)
	sseServer := mcp.NewSSEServer(ts.URL+"/api", dispatcher)
	mux.Handle("/sse", sseServer.HandleSSE())
	mux.Handle("/api", sseServer.HandleMessage())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cli := mcp.NewSSEClient(ts.URL+"/sse", nil)
	if err := cli.Connect(ctx); err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	initResult, err := cli.Initialize(ctx, mcp.Info{Name: "test-client", Version: "1.0.0"}, nil)
	if err != nil {
		t.Fatalf("failed to initialize: %v", err)
	}
	if initResult.Capabilities.Resources == nil || !initResult.Capabilities.Resources.Subscribe {
		t.Errorf("expected the resources capability with subscribe, got %+v", initResult.Capabilities.Resources)
	}

	t.Cleanup(func() {
		cli.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := sseServer.Shutdown(ctx); err != nil {
			t.Errorf("failed to shutdown: %v", err)
		}
		ts.Close()
	})
	return cli, srv
}

func call(t *testing.T, cli *mcp.SSEClient, method string, params, result any) error {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	raw, err := cli.Call(ctx, method, params)
	if err != nil {
		return err
	}
	if result != nil {
		if err := json.Unmarshal(raw, result); err != nil {
			t.Fatalf("failed to unmarshal %s result: %v", method, err)
		}
	}
	return nil
}

func requireInvalidParams(t *testing.T, err error) {
	t.Helper()

	rpcErr, ok := err.(*mcp.Error)
	if !ok || rpcErr.Code != mcp.CodeInvalidParams {
		t.Errorf("expected invalid params, got %v", err)
	}
}

func TestResourcesListAndGet(t *testing.T) {
	cli, _ := newClient(t)

	var list resources.ListResult
	if err := call(t, cli, resources.MethodList, nil, &list); err != nil {
		t.Fatalf("failed to list: %v", err)
	}
	if len(list.Resources) != 2 || list.Resources[0].ID != "resource1" || list.Resources[1].ID != "resource2" {
		t.Fatalf("unexpected resources: %+v", list.Resources)
	}

	var doc resources.Contents
	if err := call(t, cli, resources.MethodGet, resources.IDParams{ID: "resource2"}, &doc); err != nil {
		t.Fatalf("failed to get: %v", err)
	}
	if doc.Type != "document" || doc.Metadata["format"] != "markdown" || doc.Content == "" {
		t.Errorf("unexpected resource: %+v", doc)
	}

	requireInvalidParams(t, call(t, cli, resources.MethodGet, resources.IDParams{ID: "resource9"}, nil))
	requireInvalidParams(t, call(t, cli, resources.MethodGet, map[string]any{}, nil))
}

func TestResourcesSearch(t *testing.T) {
	cli, _ := newClient(t)

	var res resources.SearchResult
	if err := call(t, cli, resources.MethodSearch, resources.SearchParams{Query: "python"}, &res); err != nil {
		t.Fatalf("failed to search: %v", err)
	}
	if res.Query != "python" || len(res.Results) != 1 || res.Results[0].ID != "resource1" {
		t.Errorf("unexpected search result: %+v", res)
	}

	requireInvalidParams(t, call(t, cli, resources.MethodSearch, map[string]any{}, nil))
}

func TestResourcesSubscribe(t *testing.T) {
	cli, srv := newClient(t)

	requireInvalidParams(t, call(t, cli, resources.MethodSubscribe, resources.SubscribeParams{}, nil))
	requireInvalidParams(t, call(t, cli, resources.MethodSubscribe,
		resources.SubscribeParams{ResourceIDs: []string{"resource1", "resource9"}}, nil))
	if subs := srv.Subscribers("resource1"); len(subs) != 0 {
		t.Fatalf("expected a rejected subscription to subscribe nothing, got %v", subs)
	}

	var res resources.SubscribeResult
	err := call(t, cli, resources.MethodSubscribe,
		resources.SubscribeParams{ResourceIDs: []string{"resource1"}}, &res)
	if err != nil {
		t.Fatalf("failed to subscribe: %v", err)
	}
	if !res.Success || len(res.Subscribed) != 1 || res.Subscribed[0] != "resource1" {
		t.Fatalf("unexpected subscribe result: %+v", res)
	}
	if subs := srv.Subscribers("resource1"); len(subs) != 1 {
		t.Fatalf("expected one subscriber, got %v", subs)
	}

	updated := make(chan resources.UpdatedParams, 1)
	go func() {
		for env := range cli.Notifications() {
			if env.Method != resources.NotificationUpdated {
				continue
			}
			var p resources.UpdatedParams
			if err := json.Unmarshal(env.Params, &p); err == nil {
				updated <- p
				return
			}
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	n, err := srv.NotifyUpdated(ctx, "resource1")
	if err != nil {
		t.Fatalf("failed to notify: %v", err)
	}
	if n != 1 {
		t.Errorf("expected one session to be notified, got %d", n)
	}
	select {
	case p := <-updated:
		if p.ID != "resource1" {
			t.Errorf("unexpected notification: %+v", p)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for the update notification")
	}

	if n, _ := srv.NotifyUpdated(ctx, "resource2"); n != 0 {
		t.Errorf("expected no subscribers of resource2 to be notified, got %d", n)
	}
	if _, err := srv.NotifyUpdated(ctx, "resource9"); err == nil {
		t.Error("expected an error for an unknown resource")
	}
}
