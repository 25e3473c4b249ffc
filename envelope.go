package mcp

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// JSONRPCVersion is the only protocol version accepted in the "jsonrpc" member.
const JSONRPCVersion = "2.0"

// Kind classifies an Envelope.
type Kind int

const (
	// KindRequest carries a method and an id and expects exactly one reply.
	KindRequest Kind = iota
	// KindNotification carries a method and no id. It is never answered.
	KindNotification
	// KindResponse carries the result of a Request.
	KindResponse
	// KindErrorResponse carries the error of a Request.
	KindErrorResponse
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindNotification:
		return "notification"
	case KindResponse:
		return "response"
	case KindErrorResponse:
		return "error_response"
	default:
		return "unknown"
	}
}

// RequestID is the id of a Request. It holds either a string or an integer and keeps the
// original JSON type when marshalled back.
type RequestID struct {
	value any
}

// StringID creates a RequestID holding a string.
func StringID(s string) *RequestID {
	return &RequestID{value: s}
}

// IntID creates a RequestID holding an integer.
func IntID(i int64) *RequestID {
	return &RequestID{value: i}
}

// Value returns the underlying string or int64.
func (id *RequestID) Value() any {
	if id == nil {
		return nil
	}
	return id.value
}

func (id *RequestID) String() string {
	if id == nil {
		return ""
	}
	switch v := id.value.(type) {
	case string:
		return v
	case int64:
		return strconv.FormatInt(v, 10)
	default:
		return fmt.Sprint(v)
	}
}

// Equal reports whether both ids hold the same value of the same type.
func (id *RequestID) Equal(other *RequestID) bool {
	if id == nil || other == nil {
		return id == other
	}
	return id.value == other.value
}

// MarshalJSON implements json.Marshaler.
func (id *RequestID) MarshalJSON() ([]byte, error) {
	if id == nil {
		return []byte("null"), nil
	}
	return json.Marshal(id.value)
}

// UnmarshalJSON implements json.Unmarshaler. Only strings and integers are accepted.
func (id *RequestID) UnmarshalJSON(data []byte) error {
	parsed, err := parseID(data)
	if err != nil {
		return err
	}
	if parsed == nil {
		return fmt.Errorf("%w: id must not be null", ErrMalformedEnvelope)
	}
	*id = *parsed
	return nil
}

func parseID(raw json.RawMessage) (*RequestID, error) {
	raw = bytes.TrimSpace(raw)
	if bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("%w: invalid id: %w", ErrMalformedEnvelope, err)
	}

	switch v := v.(type) {
	case string:
		return StringID(v), nil
	case json.Number:
		i, err := strconv.ParseInt(v.String(), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: id must be an integer, got %s", ErrMalformedEnvelope, v)
		}
		return IntID(i), nil
	default:
		return nil, fmt.Errorf("%w: id must be a string or an integer", ErrMalformedEnvelope)
	}
}

// Envelope is one JSON-RPC 2.0 message. Its Kind is derived from which members are set:
//
//   - Method and ID: Request
//   - Method without ID: Notification
//   - Result: Response
//   - Error: ErrorResponse
//
// Params is always a JSON object for Requests and Notifications. An ErrorResponse may have a
// nil ID when the request id could not be determined.
type Envelope struct {
	ID     *RequestID
	Method string
	Params json.RawMessage
	Result json.RawMessage
	Error  *Error
}

// Kind returns the kind of the envelope.
func (e Envelope) Kind() Kind {
	switch {
	case e.Method != "" && e.ID != nil:
		return KindRequest
	case e.Method != "":
		return KindNotification
	case e.Error != nil:
		return KindErrorResponse
	default:
		return KindResponse
	}
}

// NewRequest creates a Request. params may be nil, a json.RawMessage or any value that
// marshals into a JSON object.
func NewRequest(id *RequestID, method string, params any) (Envelope, error) {
	if id == nil {
		return Envelope{}, fmt.Errorf("%w: request requires an id", ErrMalformedEnvelope)
	}
	if method == "" {
		return Envelope{}, fmt.Errorf("%w: method must not be empty", ErrMalformedEnvelope)
	}
	p, err := marshalObject(params)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{ID: id, Method: method, Params: p}, nil
}

// NewNotification creates a Notification.
func NewNotification(method string, params any) (Envelope, error) {
	if method == "" {
		return Envelope{}, fmt.Errorf("%w: method must not be empty", ErrMalformedEnvelope)
	}
	p, err := marshalObject(params)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Method: method, Params: p}, nil
}

// NewResponse creates a Response to the Request with the given id.
func NewResponse(id *RequestID, result any) (Envelope, error) {
	if id == nil {
		return Envelope{}, fmt.Errorf("%w: response requires an id", ErrMalformedEnvelope)
	}
	var raw json.RawMessage
	switch r := result.(type) {
	case json.RawMessage:
		raw = r
	case nil:
		raw = json.RawMessage("{}")
	default:
		b, err := json.Marshal(result)
		if err != nil {
			return Envelope{}, fmt.Errorf("failed to marshal result: %w", err)
		}
		raw = b
	}
	if len(raw) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		raw = json.RawMessage("{}")
	}
	return Envelope{ID: id, Result: raw}, nil
}

// NewErrorResponse creates an ErrorResponse. id may be nil.
func NewErrorResponse(id *RequestID, rpcErr *Error) Envelope {
	if rpcErr == nil {
		rpcErr = internalError()
	}
	return Envelope{ID: id, Error: rpcErr}
}

func marshalObject(v any) (json.RawMessage, error) {
	var raw []byte
	switch p := v.(type) {
	case nil:
		return json.RawMessage("{}"), nil
	case json.RawMessage:
		raw = p
	case []byte:
		raw = p
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal params: %w", err)
		}
		raw = b
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return json.RawMessage("{}"), nil
	}
	if raw[0] != '{' {
		return nil, fmt.Errorf("%w: params must be a JSON object", ErrMalformedEnvelope)
	}
	return json.RawMessage(raw), nil
}

type wireEnvelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Encode serializes an Envelope to its JSON-RPC 2.0 wire form.
func Encode(e Envelope) ([]byte, error) {
	if e.Result != nil && e.Error != nil {
		return nil, fmt.Errorf("%w: result and error are mutually exclusive", ErrMalformedEnvelope)
	}
	if e.Method != "" && (e.Result != nil || e.Error != nil) {
		return nil, fmt.Errorf("%w: method cannot be combined with result or error", ErrMalformedEnvelope)
	}

	w := wireEnvelope{JSONRPC: JSONRPCVersion}
	if e.ID != nil {
		id, err := e.ID.MarshalJSON()
		if err != nil {
			return nil, fmt.Errorf("failed to marshal id: %w", err)
		}
		w.ID = id
	}

	switch e.Kind() {
	case KindRequest, KindNotification:
		params, err := marshalObject(e.Params)
		if err != nil {
			return nil, err
		}
		w.Method = e.Method
		w.Params = params
	case KindResponse:
		if e.ID == nil {
			return nil, fmt.Errorf("%w: response requires an id", ErrMalformedEnvelope)
		}
		w.Result = e.Result
		if len(bytes.TrimSpace(w.Result)) == 0 {
			w.Result = json.RawMessage("{}")
		}
	case KindErrorResponse:
		if e.ID == nil {
			w.ID = json.RawMessage("null")
		}
		w.Error = e.Error
	}

	return json.Marshal(w)
}

// Decode parses a JSON-RPC 2.0 payload and validates its shape. Every failure wraps
// ErrMalformedEnvelope. Missing params default to an empty object.
func Decode(data []byte) (Envelope, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return Envelope{}, fmt.Errorf("%w: %w", ErrMalformedEnvelope, err)
	}
	if fields == nil {
		return Envelope{}, fmt.Errorf("%w: payload must be a JSON object", ErrMalformedEnvelope)
	}

	var version string
	rawVersion, ok := fields["jsonrpc"]
	if !ok {
		return Envelope{}, fmt.Errorf("%w: missing jsonrpc member", ErrMalformedEnvelope)
	}
	if err := json.Unmarshal(rawVersion, &version); err != nil || version != JSONRPCVersion {
		return Envelope{}, fmt.Errorf("%w: jsonrpc must be %q", ErrMalformedEnvelope, JSONRPCVersion)
	}

	var env Envelope
	if rawID, ok := fields["id"]; ok {
		id, err := parseID(rawID)
		if err != nil {
			return Envelope{}, err
		}
		env.ID = id
	}

	rawMethod, hasMethod := fields["method"]
	rawResult, hasResult := fields["result"]
	rawError, hasError := fields["error"]

	switch {
	case hasMethod && (hasResult || hasError):
		return Envelope{}, fmt.Errorf("%w: method cannot be combined with result or error", ErrMalformedEnvelope)
	case hasResult && hasError:
		return Envelope{}, fmt.Errorf("%w: result and error are mutually exclusive", ErrMalformedEnvelope)
	}

	switch {
	case hasMethod:
		if err := json.Unmarshal(rawMethod, &env.Method); err != nil {
			return Envelope{}, fmt.Errorf("%w: method must be a string", ErrMalformedEnvelope)
		}
		if env.Method == "" {
			return Envelope{}, fmt.Errorf("%w: method must not be empty", ErrMalformedEnvelope)
		}
		env.Params = json.RawMessage("{}")
		if rawParams, ok := fields["params"]; ok {
			params, err := compactObject(rawParams)
			if err != nil {
				return Envelope{}, err
			}
			env.Params = params
		}
	case hasResult:
		if env.ID == nil {
			return Envelope{}, fmt.Errorf("%w: response requires an id", ErrMalformedEnvelope)
		}
		var buf bytes.Buffer
		if err := json.Compact(&buf, rawResult); err != nil {
			return Envelope{}, fmt.Errorf("%w: invalid result: %w", ErrMalformedEnvelope, err)
		}
		env.Result = buf.Bytes()
	case hasError:
		var rpcErr Error
		if err := json.Unmarshal(rawError, &rpcErr); err != nil {
			return Envelope{}, fmt.Errorf("%w: invalid error object: %w", ErrMalformedEnvelope, err)
		}
		env.Error = &rpcErr
	default:
		return Envelope{}, fmt.Errorf("%w: one of method, result or error is required", ErrMalformedEnvelope)
	}

	return env, nil
}

func compactObject(raw json.RawMessage) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(raw)
	if bytes.Equal(trimmed, []byte("null")) {
		return json.RawMessage("{}"), nil
	}
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, fmt.Errorf("%w: params must be a JSON object", ErrMalformedEnvelope)
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, trimmed); err != nil {
		return nil, fmt.Errorf("%w: invalid params: %w", ErrMalformedEnvelope, err)
	}
	return buf.Bytes(), nil
}
