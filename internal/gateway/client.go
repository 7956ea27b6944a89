package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/danmuck/stationrelay/internal/protocol/wire"
	"github.com/danmuck/stationrelay/internal/relay"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	EventNewSession    = "new_session"
	EventUpdateSession = "update_session"
	EventChunks        = "chunks"
	EventError         = "error"

	// ValidationMessage is the error text for malformed client requests.
	ValidationMessage = "validation error"

	clientReadLimit = 64 * 1024
)

// Event is one client JSON frame in either direction.
type Event struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type errorPayload struct {
	Message string `json:"message"`
}

// client is the worker state of one /client socket.
type client struct {
	id       string
	conn     *websocket.Conn
	sessions Sessions
	timeout  time.Duration
	ctx      context.Context

	writeMu sync.Mutex

	streamMu     sync.Mutex
	streamCancel context.CancelFunc
	streamDone   chan struct{}
}

func (g *Gateway) serveClient(c *gin.Context) {
	conn, err := g.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn().Err(err).Msg("client upgrade failed")
		return
	}
	conn.SetReadLimit(clientReadLimit)

	connID := uuid.NewString()
	if err := g.sessions.Connect(connID); err != nil {
		log.Error().Err(err).Str("conn_id", connID).Msg("client register failed")
		_ = conn.Close()
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	cl := &client{
		id:       connID,
		conn:     conn,
		sessions: g.sessions,
		timeout:  g.cfg.WriteTimeout,
		ctx:      ctx,
	}
	g.track(cl)
	defer func() {
		cancel()
		cl.stopStream()
		g.untrack(connID)
		g.sessions.Disconnect(connID)
		_ = conn.Close()
	}()
	log.Debug().Str("conn_id", connID).Str("remote", c.Request.RemoteAddr).Msg("client socket open")

	cl.run()
}

// run reads client events until the socket closes. Events are handled in order.
func (cl *client) run() {
	for {
		kind, data, err := cl.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn().Err(err).Str("conn_id", cl.id).Msg("client read failed")
			}
			return
		}
		if kind != websocket.TextMessage {
			cl.sendError(ValidationMessage)
			continue
		}
		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			cl.sendError(ValidationMessage)
			continue
		}
		cl.handle(ev)
	}
}

func (cl *client) handle(ev Event) {
	switch ev.Event {
	case EventNewSession:
		cl.newSession(ev.Payload)
	case EventUpdateSession:
		cl.updateSession(ev.Payload)
	case EventChunks:
		cl.startStream()
	default:
		log.Debug().Str("conn_id", cl.id).Str("event", ev.Event).Msg("unknown client event")
		cl.sendError(ValidationMessage)
	}
}

func (cl *client) newSession(raw json.RawMessage) {
	params, err := wire.DecodeSessionParams(raw)
	if err != nil {
		cl.sendError(ValidationMessage)
		return
	}
	// the previous session's stream dies with its channel
	cl.stopStream()
	created, err := cl.sessions.CreateSession(cl.ctx, cl.id, params, cl.id)
	if err != nil {
		cl.sendFailure(EventNewSession, err)
		return
	}
	cl.send(EventNewSession, created.Payload)
}

func (cl *client) updateSession(raw json.RawMessage) {
	params, err := wire.DecodeSessionParams(raw)
	if err != nil {
		cl.sendError(ValidationMessage)
		return
	}
	status, ok, err := cl.sessions.UpdateSession(cl.ctx, cl.id, params, cl.id)
	if err != nil {
		cl.sendFailure(EventUpdateSession, err)
		return
	}
	if !ok {
		return
	}
	cl.send(EventUpdateSession, status)
}

func (cl *client) startStream() {
	cl.streamMu.Lock()
	defer cl.streamMu.Unlock()
	if cl.streamCancel != nil {
		cl.sendError("audio already streaming")
		return
	}
	stream, err := cl.sessions.StreamAudio(cl.id)
	if err != nil {
		cl.sendFailure(EventChunks, err)
		return
	}
	ctx, cancel := context.WithCancel(cl.ctx)
	done := make(chan struct{})
	cl.streamCancel = cancel
	cl.streamDone = done

	go func() {
		defer func() {
			cl.streamMu.Lock()
			if cl.streamDone == done {
				cl.streamCancel, cl.streamDone = nil, nil
			}
			cl.streamMu.Unlock()
			cancel()
			close(done)
		}()
		log.Info().Str("conn_id", cl.id).Str("session_id", stream.SessionID()).Msg("audio streaming started")
		for chunk := range stream.Chunks(ctx) {
			if err := cl.write(websocket.BinaryMessage, chunk); err != nil {
				// a socket that cannot take audio is dead; closing it ends run
				// and releases the session
				log.Warn().Err(err).Str("conn_id", cl.id).Msg("audio write failed, closing client")
				_ = cl.conn.Close()
				return
			}
		}
	}()
}

func (cl *client) stopStream() {
	cl.streamMu.Lock()
	cancel, done := cl.streamCancel, cl.streamDone
	cl.streamCancel, cl.streamDone = nil, nil
	cl.streamMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (cl *client) sendFailure(event string, err error) {
	if errors.Is(err, relay.ErrValidation) {
		cl.sendError(ValidationMessage)
		return
	}
	log.Warn().
		Err(err).
		Str("conn_id", cl.id).
		Str("event", event).
		Msg("client request failed")
	cl.sendError(fmt.Sprintf("%s failed: %v", event, err))
}

func (cl *client) sendError(message string) {
	raw, err := json.Marshal(errorPayload{Message: message})
	if err != nil {
		return
	}
	cl.send(EventError, raw)
}

func (cl *client) send(event string, payload json.RawMessage) {
	frame, err := json.Marshal(Event{Event: event, Payload: payload})
	if err != nil {
		log.Error().Err(err).Str("conn_id", cl.id).Msg("encode client event")
		return
	}
	if err := cl.write(websocket.TextMessage, frame); err != nil {
		log.Warn().Err(err).Str("conn_id", cl.id).Str("event", event).Msg("client write failed")
	}
}

func (cl *client) write(kind int, data []byte) error {
	cl.writeMu.Lock()
	defer cl.writeMu.Unlock()
	if err := cl.conn.SetWriteDeadline(time.Now().Add(cl.timeout)); err != nil {
		return err
	}
	return cl.conn.WriteMessage(kind, data)
}
