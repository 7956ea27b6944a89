package relay

import (
	"context"
	"fmt"
	"iter"
	"strings"

	"github.com/danmuck/stationrelay/internal/observability"
	"github.com/rs/zerolog/log"
)

// OverflowPolicy decides what a full stream queue does with a new chunk.
type OverflowPolicy string

const (
	// OverflowBlock holds a chunk until the consumer takes one. Only the
	// channel's forwarder waits; the channel backlog absorbs arrivals meanwhile.
	OverflowBlock OverflowPolicy = "block"
	// OverflowDropOldest evicts the oldest queued chunk.
	OverflowDropOldest OverflowPolicy = "drop_oldest"

	DefaultStreamQueueSize = 256
)

func ParseOverflowPolicy(raw string) (OverflowPolicy, error) {
	switch OverflowPolicy(strings.ToLower(strings.TrimSpace(raw))) {
	case "", OverflowBlock:
		return OverflowBlock, nil
	case OverflowDropOldest:
		return OverflowDropOldest, nil
	default:
		return "", fmt.Errorf("%w: unknown stream overflow policy %q", ErrValidation, raw)
	}
}

// ChannelSource resolves open session channels.
type ChannelSource interface {
	Get(sessionID string) (*Channel, bool)
}

// AudioRelay hands out the audio stream of a session channel.
type AudioRelay struct {
	channels  ChannelSource
	queueSize int
	overflow  OverflowPolicy
}

func NewAudioRelay(channels ChannelSource, queueSize int, overflow OverflowPolicy) *AudioRelay {
	if queueSize <= 0 {
		queueSize = DefaultStreamQueueSize
	}
	if overflow == "" {
		overflow = OverflowBlock
	}
	return &AudioRelay{
		channels:  channels,
		queueSize: queueSize,
		overflow:  overflow,
	}
}

// Stream claims the single consumer slot of sessionID's channel.
func (r *AudioRelay) Stream(sessionID string) (*AudioStream, error) {
	ch, ok := r.channels.Get(sessionID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	s := NewAudioStream(sessionID, r.queueSize, r.overflow)
	if err := ch.AttachSink(s); err != nil {
		return nil, err
	}
	log.Info().Str("session_id", sessionID).Msg("audio stream attached")
	return s, nil
}

// AudioStream is the FIFO of binary chunks from one session channel.
// It has exactly one consumer and never ends on its own.
type AudioStream struct {
	sessionID string
	queue     chan []byte
	overflow  OverflowPolicy
}

func NewAudioStream(sessionID string, queueSize int, overflow OverflowPolicy) *AudioStream {
	if queueSize <= 0 {
		queueSize = DefaultStreamQueueSize
	}
	if overflow == "" {
		overflow = OverflowBlock
	}
	return &AudioStream{
		sessionID: sessionID,
		queue:     make(chan []byte, queueSize),
		overflow:  overflow,
	}
}

func (s *AudioStream) SessionID() string {
	return s.sessionID
}

// Len reports queued chunks not yet consumed.
func (s *AudioStream) Len() int {
	return len(s.queue)
}

// Deliver enqueues chunk; called by the channel forwarder only.
func (s *AudioStream) Deliver(done <-chan struct{}, chunk []byte) {
	if s.overflow == OverflowDropOldest {
		for {
			select {
			case s.queue <- chunk:
				observability.RecordAudioChunk("relayed")
				return
			default:
			}
			select {
			case <-s.queue:
				observability.RecordAudioChunk("dropped")
				log.Debug().Str("session_id", s.sessionID).Msg("audio queue full, oldest chunk dropped")
			default:
			}
		}
	}
	select {
	case s.queue <- chunk:
		observability.RecordAudioChunk("relayed")
	case <-done:
		observability.RecordAudioChunk("dropped")
	}
}

// Next blocks until a chunk is queued or ctx ends.
func (s *AudioStream) Next(ctx context.Context) ([]byte, error) {
	select {
	case chunk := <-s.queue:
		return chunk, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Chunks yields chunks in arrival order until ctx ends or the loop breaks.
func (s *AudioStream) Chunks(ctx context.Context) iter.Seq[[]byte] {
	return func(yield func([]byte) bool) {
		for {
			chunk, err := s.Next(ctx)
			if err != nil {
				return
			}
			if !yield(chunk) {
				return
			}
		}
	}
}
