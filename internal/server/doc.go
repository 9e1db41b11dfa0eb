// Package server hosts the crewline messaging endpoints from a single HTTP
// server.
//
// The server builds a consistent middleware chain of security headers, CORS,
// rate limiting, metrics, and request-scoped logging so the websocket
// handshake and the operational endpoints share common protections and
// instrumentation.
package server
