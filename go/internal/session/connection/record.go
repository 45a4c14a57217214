package connection

import (
	"time"

	"github.com/jonboulle/clockwork"
)

// ChannelState is the lifecycle state of a ConnectionRecord's data channel.
type ChannelState string

const (
	ChannelOpening ChannelState = "OPENING"
	ChannelOpen    ChannelState = "OPEN"
	ChannelClosing ChannelState = "CLOSING"
	ChannelClosed  ChannelState = "CLOSED"
)

// Record is the bookkeeping entry for one peer-to-peer data channel.
type Record struct {
	RemotePeerID  string
	State         ChannelState
	EstablishedAt time.Time
	Outbound      bool

	channel    Channel
	generation uint64
	timer      clockwork.Timer // connect timeout, outbound only
	opened     chan error      // resolves an outbound Connect
	done       chan struct{}   // closed when the record is torn down
}

func newRecord(ch Channel, generation uint64, outbound bool) *Record {
	return &Record{
		RemotePeerID: ch.RemotePeerID(),
		State:        ChannelOpening,
		Outbound:     outbound,
		channel:      ch,
		generation:   generation,
		opened:       make(chan error, 1),
		done:         make(chan struct{}),
	}
}

// resolve reports the outcome of an outbound open attempt exactly once.
func (r *Record) resolve(err error) {
	select {
	case r.opened <- err:
	default:
	}
}

// RecordInfo is a read-only copy of a Record for diagnostics.
type RecordInfo struct {
	RemotePeerID  string       `json:"remote_peer_id"`
	State         ChannelState `json:"state"`
	EstablishedAt time.Time    `json:"established_at"`
	Outbound      bool         `json:"outbound"`
}

func (r *Record) info() RecordInfo {
	return RecordInfo{
		RemotePeerID:  r.RemotePeerID,
		State:         r.State,
		EstablishedAt: r.EstablishedAt,
		Outbound:      r.Outbound,
	}
}

// stopAndDrainTimer safely stops a timer and drains its channel so a late
// firing cannot be observed after teardown.
func stopAndDrainTimer(timer clockwork.Timer) {
	if timer == nil {
		return
	}
	if !timer.Stop() {
		select {
		case <-timer.Chan():
		default:
		}
	}
}
