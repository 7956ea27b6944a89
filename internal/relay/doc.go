// Package relay owns the coordinator-facing session relay.
//
// Ownership boundary:
// - Channel: one websocket, correlated request/response by payload.uid
// - Link: the single control channel, reconnected forever on a fixed delay
// - Pool: one Channel per active session id
// - AudioRelay: binary frames of a session channel as a single-consumer stream
// - Orchestrator: client connection -> session id mapping and lifecycle
//
// Flow:
// - client create -> Link new_session/session_created -> Pool.Open(session id)
// - client update -> session Channel update/status
// - client disconnect -> Pool.Close(session id)
//
// Components interact only through their exported methods; each map is
// mutated solely by its owner.
package relay
