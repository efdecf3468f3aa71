// Package api holds the request and response types of the Gateflow HTTP API.
//
// # API Overview
//
// Gateflow exposes a RESTful API for:
//   - Submitting runs from a free-text intent or an explicit plan
//   - Inspecting runs, steps and tool call audit records
//   - Listing and deciding approvals of gated steps
//   - Tailing a run's timeline (polling, SSE or WebSocket)
//   - Health monitoring
//
// # Authentication
//
// When API keys are configured, endpoints require the X-API-Key header:
//
//	X-API-Key: your-api-key
//
// With JWT enabled a bearer token is accepted instead; its subject is
// recorded as the decider of approvals.
//
// # Base URL
//
//	http://localhost:8080
//
// # Routes
//
//	POST /v1/runs                          submit
//	GET  /v1/runs                          list (user_id, state, limit)
//	GET  /v1/runs/{id}                     run + steps
//	POST /v1/runs/{id}/cancel              cancel
//	GET  /v1/runs/{id}/approvals           approvals (status)
//	GET  /v1/runs/{id}/events              events after N
//	GET  /v1/runs/{id}/events/stream       SSE
//	GET  /v1/runs/{id}/events/ws           WebSocket
//	GET  /v1/steps/{id}/tool-calls         attempts
//	GET  /v1/approvals/{id}                approval
//	POST /v1/approvals/{id}/decision       approve / reject
package api
