package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const (
	KnobCount       = 3
	MaxTraceIDLen   = 50
	MaxSessionIDLen = 128
)

var (
	ErrInvalidParams    = errors.New("wire: invalid session params")
	ErrInvalidSessionID = errors.New("wire: invalid session id")
	ErrInvalidTraceID   = errors.New("wire: invalid trace id")
)

// SessionParams is the station + knob configuration of one session.
type SessionParams struct {
	Station int   `json:"station"`
	Knobs   []int `json:"knobs"`
}

func (p SessionParams) Validate() error {
	if len(p.Knobs) != KnobCount {
		return fmt.Errorf("%w: knobs must have exactly %d values, got %d", ErrInvalidParams, KnobCount, len(p.Knobs))
	}
	return nil
}

type rawParams struct {
	Station *int   `json:"station"`
	Knobs   *[]int `json:"knobs"`
}

// DecodeSessionParams checks presence and integer shape, which the typed struct cannot.
func DecodeSessionParams(raw json.RawMessage) (SessionParams, error) {
	if len(raw) == 0 {
		return SessionParams{}, fmt.Errorf("%w: missing payload", ErrInvalidParams)
	}
	var in rawParams
	if err := json.Unmarshal(raw, &in); err != nil {
		return SessionParams{}, fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	if in.Station == nil {
		return SessionParams{}, fmt.Errorf("%w: missing station", ErrInvalidParams)
	}
	if in.Knobs == nil {
		return SessionParams{}, fmt.Errorf("%w: missing knobs", ErrInvalidParams)
	}
	p := SessionParams{Station: *in.Station, Knobs: append([]int(nil), (*in.Knobs)...)}
	if err := p.Validate(); err != nil {
		return SessionParams{}, err
	}
	return p, nil
}

// NewSessionRequest is the relay->coordinator new_session payload.
type NewSessionRequest struct {
	Station int    `json:"station"`
	Knobs   []int  `json:"knobs"`
	TraceID string `json:"trace_id"`
}

// UpdateRequest is the relay->coordinator update payload sent on a session channel.
type UpdateRequest struct {
	Station   int    `json:"station"`
	Knobs     []int  `json:"knobs"`
	TraceID   string `json:"trace_id"`
	SessionID string `json:"session_id"`
}

// SessionCreated is the subset of the session_created payload the relay acts on.
type SessionCreated struct {
	SessionID string `json:"session_id"`
	Error     string `json:"error,omitempty"`
}

func DecodeSessionCreated(payload json.RawMessage) (SessionCreated, error) {
	var out SessionCreated
	if err := json.Unmarshal(payload, &out); err != nil {
		return SessionCreated{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return out, nil
}

func ValidateSessionID(id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("%w: empty", ErrInvalidSessionID)
	}
	if len(id) > MaxSessionIDLen {
		return fmt.Errorf("%w: longer than %d", ErrInvalidSessionID, MaxSessionIDLen)
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-', r == '_', r == '.', r == ':':
		default:
			return fmt.Errorf("%w: unexpected character %q", ErrInvalidSessionID, r)
		}
	}
	// "." and ".." would name a parent path segment on the coordinator
	if strings.Trim(id, ".") == "" {
		return fmt.Errorf("%w: dots only", ErrInvalidSessionID)
	}
	return nil
}

func ValidateTraceID(id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("%w: empty", ErrInvalidTraceID)
	}
	if len(id) > MaxTraceIDLen {
		return fmt.Errorf("%w: longer than %d", ErrInvalidTraceID, MaxTraceIDLen)
	}
	return nil
}
