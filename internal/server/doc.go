// Package server hosts the control plane's HTTP surface from a single server.
//
// The server builds a consistent middleware chain of request logging, request
// IDs, metrics, rate limiting, CORS, and security headers so the JSON API and
// the websocket signaling endpoint share common protections and
// instrumentation.
package server
