package sampling_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	mcp "github.com/TangGee/go-mcp-sse"
	"github.com/TangGee/go-mcp-sse/servers/sampling"
)

func newClient(t *testing.T, options ...sampling.Option) (*mcp.SSEClient, *sampling.Server) {
	t.Helper()

	registry := mcp.NewRegistry()
	srv := sampling.NewServer(sampling.NewBackend(), options...)
	srv.Register(registry)
	dispatcher := mcp.NewDispatcher(mcp.Info{Name: "sampling-test"}, registry)

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
	if initResult.Capabilities.Sampling == nil {
		t.Error("expected the sampling capability to be declared")
	}

	t.Cleanup(func() {
		cli.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := sseServer.Shutdown(ctx); err != nil {
			t.Errorf("failed to shutdown: %v", err)
		}
		srv.Wait()
		ts.Close()
	})
	return cli, srv
}

func callInto(t *testing.T, cli *mcp.SSEClient, method string, params, result any) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	raw, err := cli.Call(ctx, method, params)
	if err != nil {
		t.Fatalf("%s failed: %v", method, err)
	}
	if err := json.Unmarshal(raw, result); err != nil {
		t.Fatalf("failed to unmarshal %s result: %v", method, err)
	}
}

func TestSample(t *testing.T) {
	cli, _ := newClient(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	res, err := cli.Sample(ctx, mcp.SampleParams{Prompt: "Hello there", Model: "claude-2"})
	if err != nil {
		t.Fatalf("failed to sample: %v", err)
	}
	if res.Model != "claude-2" {
		t.Errorf("expected model claude-2, got %s", res.Model)
	}
	if res.Usage.PromptTokens != 2 {
		t.Errorf("expected 2 prompt tokens, got %d", res.Usage.PromptTokens)
	}

	_, err = cli.Sample(ctx, mcp.SampleParams{})
	var rpcErr *mcp.Error
	if !errors.As(err, &rpcErr) || rpcErr.Code != mcp.CodeInvalidParams {
		t.Errorf("expected invalid params for a missing prompt, got %v", err)
	}
}

func TestModels(t *testing.T) {
	cli, _ := newClient(t)

	var list sampling.ListModelsResult
	callInto(t, cli, sampling.MethodListModels, sampling.ListModelsParams{Capabilities: []string{"chat"}}, &list)
	if len(list.Models) != 3 {
		t.Errorf("expected 3 chat models, got %+v", list.Models)
	}

	var model sampling.Model
	callInto(t, cli, sampling.MethodGetModel, sampling.IDParams{ID: "gpt-4"}, &model)
	if model.Name != "GPT-4" {
		t.Errorf("unexpected model: %+v", model)
	}

	_, err := cli.Call(context.Background(), sampling.MethodGetModel, sampling.IDParams{ID: "missing"})
	var rpcErr *mcp.Error
	if !errors.As(err, &rpcErr) || rpcErr.Code != mcp.CodeInvalidParams {
		t.Errorf("expected invalid params for an unknown model, got %v", err)
	}
}

func TestGenerate(t *testing.T) {
	cli, _ := newClient(t)

	var res sampling.GenerateResult
	callInto(t, cli, sampling.MethodGenerate, sampling.GenerateParams{Model: "gpt-3.5-turbo", Prompt: "12345678"}, &res)
	if res.ID != "gen_gpt_3.5_turbo" {
		t.Errorf("unexpected id: %s", res.ID)
	}
	if !strings.Contains(res.Output, "gpt-3.5-turbo") {
		t.Errorf("unexpected output: %s", res.Output)
	}
	if res.Usage.PromptTokens != 2 || res.Usage.CompletionTokens != 20 || res.Usage.TotalTokens != 22 {
		t.Errorf("unexpected usage: %+v", res.Usage)
	}

	tests := []struct {
		name   string
		params sampling.GenerateParams
	}{
		{"missing model", sampling.GenerateParams{Prompt: "hi"}},
		{"unknown model", sampling.GenerateParams{Model: "nope", Prompt: "hi"}},
		{"missing prompt", sampling.GenerateParams{Model: "gpt-4"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := cli.Call(context.Background(), sampling.MethodGenerate, tt.params)
			var rpcErr *mcp.Error
			if !errors.As(err, &rpcErr) || rpcErr.Code != mcp.CodeInvalidParams {
				t.Errorf("expected invalid params, got %v", err)
			}
		})
	}
}

func collectStream(t *testing.T, cli *mcp.SSEClient, streamID string) ([]sampling.ChunkParams, sampling.DoneParams) {
	t.Helper()

	var (
		chunks []sampling.ChunkParams
		done   sampling.DoneParams
	)
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		for env := range cli.Notifications() {
			switch env.Method {
			case sampling.NotificationChunk:
				var c sampling.ChunkParams
				if err := json.Unmarshal(env.Params, &c); err == nil && c.StreamID == streamID {
					chunks = append(chunks, c)
				}
			case sampling.NotificationDone:
				var d sampling.DoneParams
				if err := json.Unmarshal(env.Params, &d); err == nil && d.StreamID == streamID {
					done = d
					return
				}
			}
		}
	}()

	select {
	case <-finished:
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for the stream to end")
	}
	return chunks, done
}

func TestStream(t *testing.T) {
	cli, _ := newClient(t, sampling.WithChunkInterval(time.Millisecond))

	var res sampling.StreamResult
	callInto(t, cli, sampling.MethodStream, sampling.GenerateParams{Model: "gpt-4", Prompt: "tell me"}, &res)
	if !strings.HasPrefix(res.StreamID, "stream_") || res.Status != "started" {
		t.Fatalf("unexpected stream result: %+v", res)
	}

	chunks, done := collectStream(t, cli, res.StreamID)
	if len(chunks) != 12 {
		t.Fatalf("expected 12 chunks, got %d", len(chunks))
	}
	var output strings.Builder
	for i, c := range chunks {
		if c.Index != i {
			t.Errorf("expected chunk %d, got index %d", i, c.Index)
		}
		output.WriteString(c.Content)
	}
	if got := output.String(); got != "This is sample streamed output from gpt-4, based on your prompt." {
		t.Errorf("unexpected streamed output: %q", got)
	}
	if done.Status != "completed" {
		t.Errorf("expected status completed, got %s", done.Status)
	}
}

func TestStreamCancel(t *testing.T) {
	cli, _ := newClient(t, sampling.WithChunkInterval(time.Hour))

	var res sampling.StreamResult
	callInto(t, cli, sampling.MethodStream, sampling.GenerateParams{Model: "gpt-4", Prompt: "tell me"}, &res)

	var cancelled sampling.CancelResult
	callInto(t, cli, sampling.MethodCancel, sampling.IDParams{ID: res.StreamID}, &cancelled)
	if cancelled.ID != res.StreamID || cancelled.Status != "cancelled" {
		t.Errorf("unexpected cancel result: %+v", cancelled)
	}

	chunks, done := collectStream(t, cli, res.StreamID)
	if len(chunks) != 0 {
		t.Errorf("expected no chunks, got %d", len(chunks))
	}
	if done.Status != "cancelled" {
		t.Errorf("expected status cancelled, got %s", done.Status)
	}
}
