// Package gateway orchestrates the support-gateway server components.
//
// # Overview
//
// The gateway package wires the conversation store, the conversation
// service, the change broadcaster, the idempotency cache and the stream
// gateway together, and serves them over HTTP. A gRPC server on
// server.grpc_addr carries the standard grpc.health.v1 service.
//
// # HTTP API
//
//   - GET /health - Liveness check
//   - GET /health/ready - Readiness check (503 while shutting down)
//   - GET /api/conversations - Conversations visible to the viewer
//   - POST /api/conversations - Get or create a client's active conversation
//   - GET /api/conversations/{id} - Conversation plus visible messages
//   - PATCH /api/conversations/{id} - Change status, assignee or priority (staff)
//   - GET /api/conversations/{id}/messages - Visible messages, paged
//   - POST /api/conversations/{id}/messages - Post a message (Idempotency-Key aware)
//   - POST /api/conversations/{id}/read - Mark incoming messages read
//   - GET /api/conversations/{id}/stream - Live stream (text/event-stream)
//
// Errors are JSON objects of the form {"error": "..."}:
//
//	unauthenticated      401
//	forbidden            403
//	not found            404
//	validation/bad id    400
//	conflict             409
//	transient/shutdown   503 (with Retry-After)
//	anything else        500
//
// # Identity
//
// With auth.jwt_secret set, requests carry "Authorization: Bearer <jwt>".
// Without it the gateway trusts X-Viewer-ID and X-Viewer-Role and logs a
// warning at startup.
//
// # Lifecycle
//
//	gw, err := gateway.New(cfg, logger)
//	err = gw.Run(ctx) // blocks until ctx is canceled
//
// Shutdown marks the gRPC health service NOT_SERVING, closes every open
// stream, drains the HTTP and gRPC servers, then closes the broadcaster, the
// idempotency cache and the store.
//
// # Tailscale
//
// With tailscale.enabled the servers listen on a tsnet node instead of TCP:
// gRPC on :50051 and HTTP on :80, or :443 with tailscale.https or
// tailscale.funnel.
package gateway
