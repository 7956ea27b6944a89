package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/stationrelay/internal/observability"
	"github.com/danmuck/stationrelay/internal/protocol/wire"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	ScopeControl = "control"

	closeGracePeriod = time.Second
)

// Conn is the duplex socket under one Channel. *websocket.Conn satisfies it.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// BinarySink receives binary frames in arrival order from the channel's
// forwarder goroutine. Deliver may block; it must return once done is closed.
type BinarySink interface {
	Deliver(done <-chan struct{}, chunk []byte)
}

// ChannelOptions configures one Channel.
type ChannelOptions struct {
	// Scope is ScopeControl or the owning session id.
	Scope        string
	CallTimeout  time.Duration
	WriteTimeout time.Duration
	// BinaryBacklog bounds binary frames held for a sink that is not keeping
	// up; the oldest is dropped past it. Zero means DefaultBinaryBacklog.
	BinaryBacklog int
}

// DefaultBinaryBacklog is the per-channel binary frame backlog.
const DefaultBinaryBacklog = 256

// Channel turns one socket into correlated calls: every Call embeds a fresh
// uid and settles on the first inbound frame with the expected type and that uid.
// A single reader goroutine demultiplexes inbound frames and never waits on
// the binary sink, so replies keep resolving while audio backs up.
type Channel struct {
	conn Conn
	opts ChannelOptions

	writeMu sync.Mutex
	pending *pendingCalls

	sinkMu sync.Mutex
	sink   BinarySink
	binary chan []byte

	open      atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
	errMu     sync.Mutex
	err       error
}

// NewChannel takes ownership of conn and starts its reader.
func NewChannel(conn Conn, opts ChannelOptions) *Channel {
	if opts.Scope == "" {
		opts.Scope = ScopeControl
	}
	if opts.BinaryBacklog <= 0 {
		opts.BinaryBacklog = DefaultBinaryBacklog
	}
	c := &Channel{
		conn:    conn,
		opts:    opts,
		pending: newPendingCalls(),
		binary:  make(chan []byte, opts.BinaryBacklog),
		done:    make(chan struct{}),
	}
	c.open.Store(true)
	go c.readLoop()
	return c
}

func (c *Channel) Scope() string {
	return c.opts.Scope
}

func (c *Channel) Open() bool {
	return c.open.Load()
}

// Done is closed once the channel is no longer usable.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

// Err reports why the channel closed; nil while open.
func (c *Channel) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Pending lists calls still awaiting a response.
func (c *Channel) Pending() []PendingCall {
	return c.pending.list()
}

// Call sends messageType with payload and waits for expectedType carrying the same uid.
func (c *Channel) Call(ctx context.Context, messageType string, payload any, expectedType string) (wire.Message, error) {
	start := time.Now()
	msg, err := c.call(ctx, messageType, payload, expectedType)
	observability.RecordCoordinatorCall(c.kind(), messageType, callOutcome(err), time.Since(start))
	return msg, err
}

func (c *Channel) call(ctx context.Context, messageType string, payload any, expectedType string) (wire.Message, error) {
	if !c.Open() {
		return wire.Message{}, fmt.Errorf("%w: %s channel not open", ErrTransport, c.opts.Scope)
	}
	uid := uuid.NewString()
	frame, err := wire.Encode(messageType, payload, uid)
	if err != nil {
		return wire.Message{}, fmt.Errorf("%w: %w", ErrValidation, err)
	}
	result, ok := c.pending.register(PendingCall{
		UID:          uid,
		MessageType:  messageType,
		ExpectedType: expectedType,
		SentAt:       time.Now(),
	})
	if !ok {
		return wire.Message{}, fmt.Errorf("%w: %s channel not open", ErrTransport, c.opts.Scope)
	}
	defer c.pending.remove(uid)

	if err := c.write(websocket.TextMessage, frame); err != nil {
		c.closeWithError(err)
		return wire.Message{}, fmt.Errorf("%w: write %s on %s: %v", ErrTransport, messageType, c.opts.Scope, err)
	}
	log.Debug().
		Str("channel", c.opts.Scope).
		Str("message_type", messageType).
		Str("uid", uid).
		Msg("coordinator call sent")

	var timeout <-chan time.Time
	if c.opts.CallTimeout > 0 {
		timer := time.NewTimer(c.opts.CallTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case msg := <-result:
		return msg, nil
	case <-c.done:
		select {
		case msg := <-result:
			return msg, nil
		default:
		}
		return wire.Message{}, fmt.Errorf("%w: %s channel closed awaiting %s: %v", ErrTransport, c.opts.Scope, expectedType, c.Err())
	case <-timeout:
		return wire.Message{}, fmt.Errorf("%w: %w: no %s for uid=%s after %v", ErrUpstream, ErrCallTimeout, expectedType, uid, c.opts.CallTimeout)
	case <-ctx.Done():
		return wire.Message{}, ctx.Err()
	}
}

// AttachSink routes binary frames to sink. Only one sink per channel lifetime.
func (c *Channel) AttachSink(sink BinarySink) error {
	c.sinkMu.Lock()
	defer c.sinkMu.Unlock()
	if c.sink != nil {
		return fmt.Errorf("%w: session %s", ErrStreamClaimed, c.opts.Scope)
	}
	c.sink = sink
	go c.forward(sink)
	return nil
}

// forward hands backlogged binary frames to sink in order. Frames still
// backlogged when the channel closes are flushed before it exits.
func (c *Channel) forward(sink BinarySink) {
	for {
		select {
		case chunk := <-c.binary:
			sink.Deliver(c.done, chunk)
		case <-c.done:
			for {
				select {
				case chunk := <-c.binary:
					sink.Deliver(c.done, chunk)
				default:
					return
				}
			}
		}
	}
}

// Close fails pending calls with ErrTransport and closes the socket. Idempotent.
func (c *Channel) Close() error {
	c.closeWithError(ErrChannelClosed)
	return nil
}

func (c *Channel) write(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.opts.WriteTimeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout)); err != nil {
			return err
		}
	}
	return c.conn.WriteMessage(messageType, data)
}

func (c *Channel) closeWithError(cause error) {
	c.closeOnce.Do(func() {
		c.open.Store(false)
		c.errMu.Lock()
		c.err = cause
		c.errMu.Unlock()
		dropped := c.pending.close()
		close(c.done)

		if errors.Is(cause, ErrChannelClosed) {
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGracePeriod))
		}
		_ = c.conn.Close()

		event := log.Info()
		if !errors.Is(cause, ErrChannelClosed) {
			event = log.Warn()
		}
		event.
			Str("channel", c.opts.Scope).
			Int("pending_failed", dropped).
			AnErr("cause", cause).
			Msg("coordinator channel closed")
	})
}

func (c *Channel) readLoop() {
	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			c.closeWithError(err)
			return
		}
		switch kind {
		case websocket.TextMessage:
			c.dispatch(data)
		case websocket.BinaryMessage:
			c.deliver(data)
		}
	}
}

func (c *Channel) dispatch(data []byte) {
	msg, err := wire.Decode(data)
	if err != nil {
		log.Warn().
			Str("channel", c.opts.Scope).
			Err(err).
			Msg("discarding undecodable frame")
		return
	}
	if c.pending.resolve(msg) {
		return
	}
	log.Debug().
		Str("channel", c.opts.Scope).
		Str("message_type", msg.MessageType).
		Str("uid", msg.UID).
		Msg("unmatched frame ignored")
}

func (c *Channel) deliver(chunk []byte) {
	c.sinkMu.Lock()
	attached := c.sink != nil
	c.sinkMu.Unlock()
	if !attached {
		log.Debug().
			Str("channel", c.opts.Scope).
			Int("bytes", len(chunk)).
			Msg("binary frame without consumer dropped")
		return
	}
	// only the reader sends on c.binary, so after evicting one the send succeeds
	for {
		select {
		case c.binary <- chunk:
			return
		default:
		}
		select {
		case <-c.binary:
			observability.RecordAudioChunk("dropped")
			log.Debug().
				Str("channel", c.opts.Scope).
				Msg("binary backlog full, oldest frame dropped")
		default:
		}
	}
}

func (c *Channel) kind() string {
	if c.opts.Scope == ScopeControl {
		return ScopeControl
	}
	return "session"
}

func callOutcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrCallTimeout):
		return "timeout"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	case errors.Is(err, ErrValidation):
		return "invalid"
	default:
		return "transport"
	}
}
