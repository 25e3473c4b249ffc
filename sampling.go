package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// MethodSample asks the server to produce a completion for a prompt through its model backend.
const MethodSample = "sample"

// SampleParams are the params of the sample method. Provider specific members are kept in
// SampleRequest.Raw.
type SampleParams struct {
	Prompt    string `json:"prompt"`
	Model     string `json:"model,omitempty"`
	MaxTokens int    `json:"maxTokens,omitempty"`
}

// SampleRequest is what a SamplingBackend receives.
type SampleRequest struct {
	SampleParams
	Raw json.RawMessage
}

// Usage reports token accounting of one completion.
type Usage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
	TotalTokens      int `json:"totalTokens"`
}

// Validate checks that the counts are not negative and add up.
func (u Usage) Validate() error {
	if u.PromptTokens < 0 || u.CompletionTokens < 0 {
		return fmt.Errorf("negative token count: prompt %d, completion %d", u.PromptTokens, u.CompletionTokens)
	}
	if u.TotalTokens != u.PromptTokens+u.CompletionTokens {
		return fmt.Errorf("total tokens %d do not match %d+%d", u.TotalTokens, u.PromptTokens, u.CompletionTokens)
	}
	return nil
}

// SampleResult is the result of the sample method.
type SampleResult struct {
	Content string `json:"content"`
	Model   string `json:"model,omitempty"`
	Usage   Usage  `json:"usage"`
}

// SamplingBackend is the model collaborator the sample method delegates to.
type SamplingBackend interface {
	Sample(ctx context.Context, req SampleRequest) (SampleResult, error)
}

// SampleHandler returns the Handler of the sample method backed by backend. A missing prompt
// is reported as invalid params. Backend errors that are not an *Error become internal
// errors at the dispatch boundary.
func SampleHandler(backend SamplingBackend) Handler {
	return HandlerFunc(func(ctx context.Context, params json.RawMessage, _ *Session) (any, error) {
		var p SampleParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, InvalidParams("invalid sample params: %v", err)
		}
		if strings.TrimSpace(p.Prompt) == "" {
			return nil, InvalidParams("prompt is required")
		}
		if p.MaxTokens < 0 {
			return nil, InvalidParams("maxTokens must not be negative")
		}

		res, err := backend.Sample(ctx, SampleRequest{SampleParams: p, Raw: params})
		if err != nil {
			return nil, fmt.Errorf("sampling backend: %w", err)
		}
		if err := res.Usage.Validate(); err != nil {
			return nil, fmt.Errorf("sampling backend returned invalid usage: %w", err)
		}
		return res, nil
	})
}
