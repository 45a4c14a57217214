package protocol

import (
	"errors"
	"fmt"

	"github.com/InterwebAlchemy/collabodoro/go/internal/models"
	"github.com/rs/zerolog/log"
)

// Engine is the timer state the dispatcher reads (host) and writes (client).
type Engine interface {
	Snapshot() models.SessionState
	Apply(msg Message)
}

// Broadcaster sends a value to every open connection.
type Broadcaster interface {
	Broadcast(v any) (int, error)
}

// Result describes what HandleInbound did with a message.
type Result struct {
	Message     Message
	Applied     bool // client folded the message into its state
	Answered    bool // host broadcast its state in reply to a request
	GapDetected bool // client saw a skipped sequence number and re-requested state
}

// Dispatcher enforces host authority over Message traffic. It is driven
// from the session event loop and is not safe for concurrent use.
type Dispatcher struct {
	engine Engine
	out    Broadcaster

	seq     uint64 // last sequence number sent as host
	lastSeq uint64 // last sequence number applied as client
}

// NewDispatcher creates a dispatcher over engine and out
func NewDispatcher(engine Engine, out Broadcaster) *Dispatcher {
	return &Dispatcher{
		engine: engine,
		out:    out,
	}
}

// HandleInbound validates data from remoteID and routes it by role.
// Malformed input is logged and returned wrapped in ErrMalformedMessage;
// it never mutates state.
func (d *Dispatcher) HandleInbound(role models.Role, remoteID string, data []byte) (Result, error) {
	msg, err := Decode(data)
	if err != nil {
		log.Error().
			Err(err).
			Str("remote_peer_id", remoteID).
			Msg("discarding invalid message")
		return Result{}, err
	}

	log.Debug().
		Str("remote_peer_id", remoteID).
		Str("message_type", string(msg.Type)).
		Str("role", string(role)).
		Msg("received message")

	switch role {
	case models.RoleHost:
		if !msg.IsStateRequest() {
			log.Debug().
				Str("remote_peer_id", remoteID).
				Str("message_type", string(msg.Type)).
				Msg("host ignoring message from client")
			return Result{Message: msg}, nil
		}
		if err := d.BroadcastState(role); err != nil && !errors.Is(err, ErrNotHost) {
			log.Warn().Err(err).Str("remote_peer_id", remoteID).Msg("failed to answer state request")
		}
		return Result{Message: msg, Answered: true}, nil

	case models.RoleClient:
		if msg.IsStateRequest() {
			// Only hosts answer state requests.
			return Result{Message: msg}, nil
		}
		gap := d.trackSequence(msg)
		d.engine.Apply(msg)
		if gap {
			log.Warn().
				Str("remote_peer_id", remoteID).
				Uint64("seq", d.lastSeq).
				Msg("missed host update, requesting state")
			if err := d.RequestState(role); err != nil {
				log.Debug().Err(err).Msg("state request not sent")
			}
		}
		return Result{Message: msg, Applied: true, GapDetected: gap}, nil

	default:
		log.Warn().
			Str("remote_peer_id", remoteID).
			Str("message_type", string(msg.Type)).
			Msg("message received without a session role")
		return Result{Message: msg}, nil
	}
}

// trackSequence records the sequence number of msg and reports a gap.
// Messages without a sequence number are applied without tracking.
func (d *Dispatcher) trackSequence(msg Message) bool {
	if msg.Payload.Seq == nil {
		return false
	}
	seq := *msg.Payload.Seq
	gap := d.lastSeq != 0 && seq > d.lastSeq+1
	d.lastSeq = seq
	return gap
}

// Send broadcasts a host-originated message stamped with the next sequence
// number. Clients never originate timer messages.
func (d *Dispatcher) Send(role models.Role, msg Message) error {
	if role != models.RoleHost {
		return ErrNotHost
	}
	d.seq++
	msg = msg.WithSeq(d.seq)

	if _, err := d.out.Broadcast(msg); err != nil {
		return fmt.Errorf("broadcast %s: %w", msg.Type, err)
	}
	return nil
}

// BroadcastState sends the full current state as SYNC to every client.
func (d *Dispatcher) BroadcastState(role models.Role) error {
	return d.Send(role, FromState(MessageSync, d.engine.Snapshot()))
}

// RequestState sends the empty SYNC a client uses to ask for host state.
func (d *Dispatcher) RequestState(role models.Role) error {
	if role != models.RoleClient {
		return ErrNotClient
	}
	if _, err := d.out.Broadcast(NewStateRequest()); err != nil {
		return fmt.Errorf("request state: %w", err)
	}
	return nil
}

// ResetSequence forgets sequence tracking, e.g. when joining a new host.
func (d *Dispatcher) ResetSequence() {
	d.lastSeq = 0
}

var (
	ErrNotHost   = errors.New("only the host sends timer messages")
	ErrNotClient = errors.New("only a client requests state")
)
