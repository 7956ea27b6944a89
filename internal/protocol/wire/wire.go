package wire

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const (
	TypeNewSession     = "new_session"
	TypeSessionCreated = "session_created"
	TypeUpdate         = "update"
	TypeStatus         = "status"
	TypePing           = "ping"
	TypePong           = "pong"

	// FieldUID is the payload key carrying the correlation id.
	FieldUID = "uid"

	MaxMessageBytes = 1 << 20
)

var (
	ErrInvalidMessage  = errors.New("wire: invalid message")
	ErrInvalidPayload  = errors.New("wire: invalid payload")
	ErrMessageTooLarge = errors.New("wire: message too large")
)

// Message is one coordinator JSON frame.
type Message struct {
	MessageType string          `json:"message_type"`
	Payload     json.RawMessage `json:"payload"`

	// UID is lifted out of Payload on decode.
	UID string `json:"-"`
}

type uidProbe struct {
	UID string `json:"uid"`
}

// Encode renders {message_type, payload} with uid merged into the payload object.
// A nil payload encodes as an object holding only the uid.
func Encode(messageType string, payload any, uid string) ([]byte, error) {
	if strings.TrimSpace(messageType) == "" {
		return nil, fmt.Errorf("%w: missing message_type", ErrInvalidMessage)
	}
	fields := make(map[string]json.RawMessage)
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		if !bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
			if err := json.Unmarshal(raw, &fields); err != nil {
				return nil, fmt.Errorf("%w: payload must be a json object", ErrInvalidPayload)
			}
		}
	}
	if uid != "" {
		encodedUID, err := json.Marshal(uid)
		if err != nil {
			return nil, err
		}
		fields[FieldUID] = encodedUID
	}
	body, err := json.Marshal(fields)
	if err != nil {
		return nil, err
	}
	out, err := json.Marshal(Message{MessageType: messageType, Payload: body})
	if err != nil {
		return nil, err
	}
	if len(out) > MaxMessageBytes {
		return nil, ErrMessageTooLarge
	}
	return out, nil
}

// Decode parses one inbound text frame.
func Decode(data []byte) (Message, error) {
	if len(data) > MaxMessageBytes {
		return Message{}, ErrMessageTooLarge
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if strings.TrimSpace(msg.MessageType) == "" {
		return Message{}, fmt.Errorf("%w: missing message_type", ErrInvalidMessage)
	}
	if len(msg.Payload) > 0 && !bytes.Equal(bytes.TrimSpace(msg.Payload), []byte("null")) {
		var probe uidProbe
		// non-object payloads simply carry no uid
		if err := json.Unmarshal(msg.Payload, &probe); err == nil {
			msg.UID = probe.UID
		}
	}
	return msg, nil
}

// Matches reports whether msg settles a call waiting on (messageType, uid).
func (m Message) Matches(messageType, uid string) bool {
	return uid != "" && m.MessageType == messageType && m.UID == uid
}
