// Package session owns relay<->coordinator transport reliability settings.
//
// Ownership boundary:
// - dial/write/call timeouts and liveness interval
// - reconnect backoff policy
// - coordinator endpoint and tls validation
//
// The reconnect policy defaults to a fixed delay retried forever.
package session
