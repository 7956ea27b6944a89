package relay

import "errors"

var (
	ErrValidation      = errors.New("relay: validation failed")
	ErrTransport       = errors.New("relay: transport failure")
	ErrUpstream        = errors.New("relay: upstream failure")
	ErrSessionNotFound = errors.New("relay: session not found")

	ErrCallTimeout       = errors.New("relay: call timed out")
	ErrChannelClosed     = errors.New("relay: channel closed")
	ErrStreamClaimed     = errors.New("relay: audio stream already claimed")
	ErrConnectionExists  = errors.New("relay: client connection already registered")
	ErrUnknownConnection = errors.New("relay: unknown client connection")
)
