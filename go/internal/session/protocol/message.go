package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/InterwebAlchemy/collabodoro/go/internal/models"
)

// ErrMalformedMessage is returned for inbound data that is not a structural
// match for Message.
var ErrMalformedMessage = errors.New("malformed message")

// MessageType represents the type of timer message
type MessageType string

const (
	MessageStart    MessageType = "START"
	MessagePause    MessageType = "PAUSE"
	MessageReset    MessageType = "RESET"
	MessageSync     MessageType = "SYNC"
	MessageStop     MessageType = "STOP"
	MessageComplete MessageType = "COMPLETE" // reserved, applied like SYNC
)

// Valid reports whether t is a recognized message type.
func (t MessageType) Valid() bool {
	switch t {
	case MessageStart, MessagePause, MessageReset, MessageSync, MessageStop, MessageComplete:
		return true
	}
	return false
}

// Payload is a partial SessionState snapshot. Nil fields are left untouched
// when merged.
type Payload struct {
	IsRunning *bool   `json:"isRunning,omitempty"`
	IsPaused  *bool   `json:"isPaused,omitempty"`
	Progress  *int    `json:"progress,omitempty"`
	IsWorking *bool   `json:"isWorking,omitempty"`
	IsResting *bool   `json:"isResting,omitempty"`
	WorkTime  *int    `json:"workTime,omitempty"`
	RestTime  *int    `json:"restTime,omitempty"`
	Timestamp *int64  `json:"timestamp,omitempty"`
	Seq       *uint64 `json:"seq,omitempty"`
}

// Message is the immutable unit exchanged over a data channel.
type Message struct {
	Type    MessageType `json:"type"`
	Payload Payload     `json:"payload"`
}

// FromState builds a message carrying the full snapshot s.
func FromState(t MessageType, s models.SessionState) Message {
	working := s.Phase != models.PhaseResting
	return Message{
		Type: t,
		Payload: Payload{
			IsRunning: ptr(s.IsRunning),
			IsPaused:  ptr(s.IsPaused),
			Progress:  ptr(s.Progress),
			IsWorking: ptr(working),
			IsResting: ptr(!working),
			WorkTime:  ptr(s.WorkDuration),
			RestTime:  ptr(s.RestDuration),
			Timestamp: ptr(s.Timestamp),
		},
	}
}

// NewStateRequest builds the empty SYNC a client sends after joining.
func NewStateRequest() Message {
	return Message{Type: MessageSync}
}

// IsStateRequest reports whether m is an empty SYNC. A zero timestamp is
// tolerated since older peers send {timestamp: 0}.
func (m Message) IsStateRequest() bool {
	if m.Type != MessageSync {
		return false
	}
	p := m.Payload
	return p.IsRunning == nil && p.IsPaused == nil && p.Progress == nil &&
		p.IsWorking == nil && p.IsResting == nil && p.WorkTime == nil &&
		p.RestTime == nil && (p.Timestamp == nil || *p.Timestamp == 0)
}

// Merge folds the payload over s and returns the result.
func (p Payload) Merge(s models.SessionState) models.SessionState {
	if p.IsRunning != nil {
		s.IsRunning = *p.IsRunning
	}
	if p.IsPaused != nil {
		s.IsPaused = *p.IsPaused
	}
	if p.Progress != nil {
		s.Progress = *p.Progress
	}
	switch {
	case p.IsWorking != nil:
		if *p.IsWorking {
			s.Phase = models.PhaseWorking
		} else {
			s.Phase = models.PhaseResting
		}
	case p.IsResting != nil:
		if *p.IsResting {
			s.Phase = models.PhaseResting
		} else {
			s.Phase = models.PhaseWorking
		}
	}
	if p.WorkTime != nil {
		s.WorkDuration = *p.WorkTime
	}
	if p.RestTime != nil {
		s.RestDuration = *p.RestTime
	}
	if p.Timestamp != nil {
		s.Timestamp = *p.Timestamp
	}
	if p.Seq != nil {
		s.Seq = *p.Seq
	}
	return s
}

// Stamp returns a copy of m with the given timestamp.
func (m Message) Stamp(t time.Time) Message {
	m.Payload.Timestamp = ptr(t.UnixMilli())
	return m
}

// WithSeq returns a copy of m carrying sequence number seq.
func (m Message) WithSeq(seq uint64) Message {
	m.Payload.Seq = ptr(seq)
	return m
}

// Encode serializes m for a data channel.
func Encode(m Message) ([]byte, error) {
	return json.Marshal(m)
}

// Decode parses and validates inbound data. Anything that is not an object
// with a recognized type string and an object payload is rejected with
// ErrMalformedMessage.
func Decode(data []byte) (Message, error) {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(data, &envelope); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	rawType, ok := envelope["type"]
	if !ok {
		return Message{}, fmt.Errorf("%w: missing type", ErrMalformedMessage)
	}
	var msgType MessageType
	if err := json.Unmarshal(rawType, &msgType); err != nil {
		return Message{}, fmt.Errorf("%w: type is not a string", ErrMalformedMessage)
	}
	if !msgType.Valid() {
		return Message{}, fmt.Errorf("%w: unknown type %q", ErrMalformedMessage, msgType)
	}

	rawPayload, ok := envelope["payload"]
	if !ok {
		return Message{}, fmt.Errorf("%w: missing payload", ErrMalformedMessage)
	}
	if trimmed := bytes.TrimSpace(rawPayload); len(trimmed) == 0 || trimmed[0] != '{' {
		return Message{}, fmt.Errorf("%w: payload is not an object", ErrMalformedMessage)
	}

	var payload Payload
	if err := json.Unmarshal(rawPayload, &payload); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if err := payload.validate(); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	return Message{Type: msgType, Payload: payload}, nil
}

func (p Payload) validate() error {
	if p.Progress != nil && *p.Progress < 0 {
		return fmt.Errorf("negative progress %d", *p.Progress)
	}
	if p.WorkTime != nil && *p.WorkTime <= 0 {
		return fmt.Errorf("non-positive work time %d", *p.WorkTime)
	}
	if p.RestTime != nil && *p.RestTime <= 0 {
		return fmt.Errorf("non-positive rest time %d", *p.RestTime)
	}
	return nil
}

func ptr[T any](v T) *T {
	return &v
}
