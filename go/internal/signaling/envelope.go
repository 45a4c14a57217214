package signaling

import "encoding/json"

// MessageType represents the type of a signaling envelope
type MessageType string

const (
	// Server to peer
	TypeOpen      MessageType = "OPEN"
	TypeIDTaken   MessageType = "ID-TAKEN"
	TypeError     MessageType = "ERROR"
	TypeExpire    MessageType = "EXPIRE"
	TypeHeartbeat MessageType = "HEARTBEAT"

	// Peer to peer, relayed by the server
	TypeOffer     MessageType = "OFFER"
	TypeAnswer    MessageType = "ANSWER"
	TypeCandidate MessageType = "CANDIDATE"
	TypeLeave     MessageType = "LEAVE"
)

// Routable reports whether envelopes of this type are forwarded to dst.
func (t MessageType) Routable() bool {
	switch t {
	case TypeOffer, TypeAnswer, TypeCandidate, TypeLeave:
		return true
	}
	return false
}

// Envelope is the JSON frame exchanged over a signaling websocket.
type Envelope struct {
	Type    MessageType     `json:"type"`
	Src     string          `json:"src,omitempty"`
	Dst     string          `json:"dst,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ErrorPayload is the payload of ERROR and ID-TAKEN envelopes.
type ErrorPayload struct {
	Msg string `json:"msg"`
}

// SessionDescription is the payload of OFFER and ANSWER envelopes.
type SessionDescription struct {
	SDP          string `json:"sdp"`
	Type         string `json:"type"`
	ConnectionID string `json:"connectionId"`
	Label        string `json:"label,omitempty"`
	Reliable     bool   `json:"reliable,omitempty"`
}

// Candidate is the payload of CANDIDATE envelopes.
type Candidate struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
	ConnectionID  string  `json:"connectionId"`
}

// LeavePayload is the payload of LEAVE envelopes.
type LeavePayload struct {
	ConnectionID string `json:"connectionId,omitempty"`
}

func newErrorEnvelope(t MessageType, dst, msg string) Envelope {
	payload, _ := json.Marshal(ErrorPayload{Msg: msg})
	return Envelope{Type: t, Dst: dst, Payload: payload}
}
