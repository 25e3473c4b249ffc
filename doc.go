// Package mcp implements a bidirectional JSON-RPC 2.0 protocol engine for Model Context Protocol
// style servers that talk to their clients over two coupled HTTP transports: a long-lived
// Server-Sent Events stream used for endpoint discovery and server-initiated notifications, and
// a plain request/response channel (HTTP POST) used for client-to-server calls.
//
// The building blocks, leaf first:
//
//   - Envelope, Decode and Encode implement the JSON-RPC wire format and validate its shape.
//   - Registry maps method names to Handlers.
//   - Dispatcher resolves a Request against the Registry, enforces the Session lifecycle
//     (initialize, shutdown) and shapes the outcome into a Response or an error Response.
//   - Session tracks one client's lifecycle and negotiated capabilities.
//   - NotificationChannel is the push-only stream to a connected client. Its first event is
//     always the endpoint announcement.
//   - SSEServer glues the above to net/http through its HandleSSE and HandleMessage handlers.
//
// A minimal server:
//
//	registry := mcp.NewRegistry()
//	registry.Register(mcp.MethodSample, mcp.SampleHandler(backend))
//	dispatcher := mcp.NewDispatcher(mcp.Info{Name: "example", Version: "1.0.0"}, registry)
//	srv := mcp.NewSSEServer("http://localhost:12000/api", dispatcher)
//	http.Handle("/sse", srv.HandleSSE())
//	http.Handle("/api", srv.HandleMessage())
//
// SSEClient is the matching client. It opens the event stream, waits for the endpoint
// announcement and then posts requests to the announced endpoint.
package mcp
