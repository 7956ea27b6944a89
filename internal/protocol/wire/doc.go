// Package wire owns the coordinator frame format.
//
// Ownership boundary:
// - {message_type, payload} JSON envelopes on control and session channels
// - correlation id (payload.uid) embedding and extraction
// - station/knob payload shapes and id validation
//
// Binary frames are raw audio and never pass through this package.
package wire
