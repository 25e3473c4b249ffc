package mcp_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	mcp "github.com/TangGee/go-mcp-sse"
)

func TestSampleHandler(t *testing.T) {
	tests := []struct {
		name    string
		params  string
		backend *fakeBackend
		code    int
	}{
		{
			name:    "missing prompt",
			params:  `{}`,
			backend: newFakeBackend(),
			code:    mcp.CodeInvalidParams,
		},
		{
			name:    "blank prompt",
			params:  `{"prompt":"   "}`,
			backend: newFakeBackend(),
			code:    mcp.CodeInvalidParams,
		},
		{
			name:    "negative max tokens",
			params:  `{"prompt":"hi","maxTokens":-1}`,
			backend: newFakeBackend(),
			code:    mcp.CodeInvalidParams,
		},
		{
			name:    "wrong prompt type",
			params:  `{"prompt":42}`,
			backend: newFakeBackend(),
			code:    mcp.CodeInvalidParams,
		},
		{
			name:    "backend failure",
			params:  `{"prompt":"hi"}`,
			backend: &fakeBackend{err: errors.New("upstream unavailable")},
			code:    mcp.CodeInternalError,
		},
		{
			name:   "inconsistent usage",
			params: `{"prompt":"hi"}`,
			backend: &fakeBackend{result: mcp.SampleResult{
				Content: "x",
				Usage:   mcp.Usage{PromptTokens: 1, CompletionTokens: 1, TotalTokens: 5},
			}},
			code: mcp.CodeInternalError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			registry := mcp.NewRegistry()
			registry.Register(mcp.MethodSample, mcp.SampleHandler(tt.backend))
			d := mcp.NewDispatcher(mcp.Info{Name: "test"}, registry)
			sess := mcp.NewSession("s1", "")
			initialize(t, d, sess)

			env, ok := call(t, d, sess, 2, mcp.MethodSample, json.RawMessage(tt.params))
			mustError(t, env, ok, tt.code)
		})
	}
}

func TestSampleHandlerPassesRawParams(t *testing.T) {
	backend := newFakeBackend()
	h := mcp.SampleHandler(backend)

	params := json.RawMessage(`{"prompt":"Hello","model":"m1","maxTokens":10,"temperature":0.2}`)
	res, err := h.Handle(context.Background(), params, nil)
	if err != nil {
		t.Fatalf("failed to sample: %v", err)
	}
	if res.(mcp.SampleResult).Content != "hello back" {
		t.Errorf("unexpected result: %+v", res)
	}
	if backend.got.Prompt != "Hello" || backend.got.Model != "m1" || backend.got.MaxTokens != 10 {
		t.Errorf("unexpected request: %+v", backend.got.SampleParams)
	}
	if string(backend.got.Raw) != string(params) {
		t.Errorf("expected raw params to be kept, got %s", backend.got.Raw)
	}
}

func TestUsageValidate(t *testing.T) {
	if err := (mcp.Usage{PromptTokens: 2, CompletionTokens: 3, TotalTokens: 5}).Validate(); err != nil {
		t.Errorf("expected valid usage, got %v", err)
	}
	if err := (mcp.Usage{PromptTokens: -1, CompletionTokens: 1, TotalTokens: 0}).Validate(); err == nil {
		t.Error("expected an error for negative counts")
	}
}
