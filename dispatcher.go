package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DefaultHandlerTimeout bounds a single handler invocation unless WithHandlerTimeout says
// otherwise.
const DefaultHandlerTimeout = 30 * time.Second

const tracerName = "github.com/TangGee/go-mcp-sse"

// Dispatcher routes decoded Requests and Notifications to the Handlers of a Registry. It
// enforces the Session lifecycle and turns every handler outcome into exactly one Response
// or error Response, or into nothing for Notifications and abandoned calls.
//
// A Dispatcher holds no per-session state and is safe for concurrent use.
type Dispatcher struct {
	info         Info
	registry     *Registry
	timeout      time.Duration
	logger       *slog.Logger
	metrics      *Metrics
	tracer       trace.Tracer
	capabilities *ServerCapabilities
	instructions string
}

// DispatcherOption represents the options for the Dispatcher.
type DispatcherOption func(*Dispatcher)

type handlerOutcome struct {
	result any
	err    error
	stack  []byte
}

// NewDispatcher creates a Dispatcher over registry. The core methods initialize, shutdown and
// ping are added to registry unless they are already registered.
func NewDispatcher(info Info, registry *Registry, options ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		info:     info,
		registry: registry,
		timeout:  DefaultHandlerTimeout,
		logger:   slog.Default(),
		tracer:   otel.Tracer(tracerName),
	}
	for _, opt := range options {
		opt(d)
	}

	registry.registerIfAbsent(methodInitialize, HandlerFunc(d.handleInitialize))
	registry.registerIfAbsent(methodShutdown, HandlerFunc(d.handleShutdown))
	registry.registerIfAbsent(methodPing, HandlerFunc(d.handlePing))

	return d
}

// WithHandlerTimeout bounds each handler invocation. A zero or negative timeout disables
// the bound.
func WithHandlerTimeout(timeout time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		d.timeout = timeout
	}
}

// WithDispatcherLogger sets the logger for the Dispatcher.
func WithDispatcherLogger(logger *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		d.logger = logger.With(
			slog.String("package", "go-mcp-sse"),
			slog.String("component", "dispatcher"),
		)
	}
}

// WithDispatcherMetrics records dispatch counters and durations on m.
func WithDispatcherMetrics(m *Metrics) DispatcherOption {
	return func(d *Dispatcher) {
		d.metrics = m
	}
}

// WithTracer sets the tracer used for the per-call span. The global tracer provider is used
// by default.
func WithTracer(tracer trace.Tracer) DispatcherOption {
	return func(d *Dispatcher) {
		d.tracer = tracer
	}
}

// WithServerCapabilities fixes the capability set returned by initialize. Without it the set
// is derived from the registered methods.
func WithServerCapabilities(caps ServerCapabilities) DispatcherOption {
	return func(d *Dispatcher) {
		d.capabilities = &caps
	}
}

// WithInstructions sets the instructions returned by initialize.
func WithInstructions(instructions string) DispatcherOption {
	return func(d *Dispatcher) {
		d.instructions = instructions
	}
}

// Registry returns the Registry the Dispatcher resolves methods against.
func (d *Dispatcher) Registry() *Registry { return d.registry }

// Capabilities returns the capability set declared in the initialize result.
func (d *Dispatcher) Capabilities() ServerCapabilities {
	if d.capabilities != nil {
		return *d.capabilities
	}

	var caps ServerCapabilities
	if d.registry.Has(MethodSample) {
		caps.Sampling = &SamplingCapability{}
	}
	if d.registry.Has(MethodPromptsList) {
		caps.Prompts = &PromptsCapability{}
	}
	if d.registry.Has(MethodToolsList) {
		caps.Tools = &ToolsCapability{}
	}
	if d.registry.Has(MethodResourcesList) {
		caps.Resources = &ResourcesCapability{Subscribe: d.registry.Has(MethodResourcesSubscribe)}
	}
	return caps
}

// Handle dispatches env on behalf of sess. It returns the envelope to deliver and true, or
// false when nothing must be delivered: env is a Notification or a stray Response, the
// Session closed while the handler ran, or ctx was cancelled.
func (d *Dispatcher) Handle(ctx context.Context, env Envelope, sess *Session) (Envelope, bool) {
	kind := env.Kind()
	if kind == KindResponse || kind == KindErrorResponse {
		d.logger.Debug("ignoring response envelope",
			slog.String("sessionID", sess.ID()),
			slog.String("id", env.ID.String()))
		return Envelope{}, false
	}

	logger := d.logger.With(
		slog.String("sessionID", sess.ID()),
		slog.String("method", env.Method),
		slog.String("id", env.ID.String()))

	ctx, span := d.tracer.Start(ctx, "mcp.dispatch "+env.Method,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("rpc.system", "jsonrpc"),
			attribute.String("rpc.method", env.Method),
			attribute.String("mcp.session_id", sess.ID()),
			attribute.String("mcp.envelope_kind", kind.String()),
		),
	)
	defer span.End()

	start := time.Now()
	result, rpcErr, abandoned := d.dispatch(ctx, env, sess, logger, span)
	if abandoned {
		span.SetAttributes(attribute.Bool("mcp.abandoned", true))
		return Envelope{}, false
	}

	code := 0
	if rpcErr != nil {
		code = rpcErr.Code
		span.SetStatus(codes.Error, rpcErr.Message)
	}
	span.SetAttributes(attribute.Int("rpc.jsonrpc.error_code", code))
	d.metrics.observeRequest(env.Method, code, time.Since(start))

	if kind == KindNotification {
		if rpcErr != nil {
			logger.Debug("notification failed", slog.Int("code", rpcErr.Code), slog.String("message", rpcErr.Message))
		}
		return Envelope{}, false
	}

	if rpcErr != nil {
		return NewErrorResponse(env.ID, rpcErr), true
	}

	resp, err := NewResponse(env.ID, result)
	if err != nil {
		logger.Error("failed to build response", slog.String("err", err.Error()))
		span.RecordError(err)
		return NewErrorResponse(env.ID, internalError()), true
	}
	return resp, true
}

func (d *Dispatcher) dispatch(
	ctx context.Context,
	env Envelope,
	sess *Session,
	logger *slog.Logger,
	span trace.Span,
) (any, *Error, bool) {
	handler, err := d.registry.Resolve(env.Method)
	if err != nil {
		logger.Info("method not found")
		return nil, methodNotFoundError(env.Method), false
	}

	if state, reason := sess.checkMethod(env.Method); reason != "" {
		if state == StateClosed {
			return nil, nil, true
		}
		logger.Info("rejected call", slog.String("state", state.String()), slog.String("reason", reason))
		return nil, invalidRequestError(reason, state), false
	}

	params := env.Params
	if len(params) == 0 {
		params = json.RawMessage("{}")
	}

	out, timedOut, abandoned := d.invoke(ctx, handler, params, sess)
	if abandoned {
		logger.Debug("call abandoned")
		return nil, nil, true
	}
	if timedOut {
		logger.Warn("handler timed out", slog.Duration("timeout", d.timeout))
		span.RecordError(context.DeadlineExceeded)
		return nil, timeoutError(), false
	}

	if out.err != nil {
		return nil, d.classify(out, logger, span), false
	}

	switch env.Method {
	case methodInitialize:
		var initParams InitializeParams
		// Malformed params were already reported by the handler, a replaced handler may be
		// more lenient.
		_ = json.Unmarshal(params, &initParams)
		if !sess.markInitialized(initParams.ProtocolVersion, initParams.Capabilities, initParams.ClientInfo) {
			state := sess.State()
			if state == StateClosed {
				return nil, nil, true
			}
			return nil, invalidRequestError("session is already initialized", state), false
		}
		logger.Info("session initialized",
			slog.String("protocolVersion", initParams.ProtocolVersion),
			slog.String("clientName", initParams.ClientInfo.Name))
	case methodShutdown:
		if !sess.beginShutdown(env.ID) {
			return nil, nil, true
		}
		logger.Info("session shutting down")
	}

	return out.result, nil, false
}

// invoke runs handler in its own goroutine and waits for its outcome, the timeout, the
// caller's cancellation or the Session's close, whichever comes first.
func (d *Dispatcher) invoke(ctx context.Context, handler Handler, params json.RawMessage, sess *Session) (handlerOutcome, bool, bool) {
	var (
		callCtx context.Context
		cancel  context.CancelFunc
	)
	if d.timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, d.timeout)
	} else {
		callCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	results := make(chan handlerOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				results <- handlerOutcome{
					err:   fmt.Errorf("%w: %v", errHandlerPanic, r),
					stack: debug.Stack(),
				}
			}
		}()

		res, err := handler.Handle(callCtx, params, sess)
		results <- handlerOutcome{result: res, err: err}
	}()

	select {
	case out := <-results:
		if ctx.Err() != nil || sess.State() == StateClosed {
			return handlerOutcome{}, false, true
		}
		// A handler that gave up on its own expired context timed out as well.
		if errors.Is(out.err, context.DeadlineExceeded) && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return handlerOutcome{}, true, false
		}
		return out, false, false
	case <-callCtx.Done():
		if ctx.Err() != nil || sess.State() == StateClosed {
			return handlerOutcome{}, false, true
		}
		return handlerOutcome{}, true, false
	case <-sess.Done():
		return handlerOutcome{}, false, true
	}
}

func (d *Dispatcher) classify(out handlerOutcome, logger *slog.Logger, span trace.Span) *Error {
	var rpcErr *Error
	if errors.As(out.err, &rpcErr) && (rpcErr.Code == CodeInvalidParams || !IsReservedCode(rpcErr.Code)) {
		logger.Info("handler rejected call", slog.Int("code", rpcErr.Code), slog.String("message", rpcErr.Message))
		return rpcErr
	}

	span.RecordError(out.err)
	if out.stack != nil {
		logger.Error("handler panicked", slog.String("err", out.err.Error()), slog.String("stack", string(out.stack)))
	} else {
		logger.Error("handler failed", slog.String("err", out.err.Error()))
	}
	return internalError()
}

func (d *Dispatcher) handleInitialize(_ context.Context, params json.RawMessage, _ *Session) (any, error) {
	var p InitializeParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, InvalidParams("invalid initialize params: %v", err)
	}

	version := p.ProtocolVersion
	if version == "" {
		version = DefaultProtocolVersion
	}

	return InitializeResult{
		ProtocolVersion: version,
		Capabilities:    d.Capabilities(),
		ServerInfo:      d.info,
		Instructions:    d.instructions,
	}, nil
}

func (d *Dispatcher) handleShutdown(context.Context, json.RawMessage, *Session) (any, error) {
	return ShutdownResult{Status: ShutdownStatus}, nil
}

func (d *Dispatcher) handlePing(context.Context, json.RawMessage, *Session) (any, error) {
	return struct{}{}, nil
}
