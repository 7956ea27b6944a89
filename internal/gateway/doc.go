// Package gateway exposes the relay to front-end clients.
//
// GET /client upgrades to a websocket. Clients send JSON events
// ({"event": ..., "payload": ...}) for new_session, update_session and chunks;
// replies come back as events of the same name and audio arrives as binary
// frames. /health, /ready, /metrics and /sessions serve operators.
package gateway
