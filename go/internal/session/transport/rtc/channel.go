package rtc

import (
	"sync"

	"github.com/InterwebAlchemy/collabodoro/go/internal/session/connection"
	"github.com/InterwebAlchemy/collabodoro/go/internal/signaling"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"github.com/rs/zerolog/log"
)

func newConnectionID() string {
	return "dc_" + uuid.New().String()
}

// Channel is a data channel on its own peer connection.
type Channel struct {
	id       string
	remoteID string
	peer     *Peer
	pc       *webrtc.PeerConnection

	mu        sync.Mutex
	events    chan connection.ChannelEvent
	dc        *webrtc.DataChannel
	open      bool
	closed    bool
	remoteSet bool
	pending   []webrtc.ICECandidateInit
}

func newChannel(p *Peer, remoteID, id string, pc *webrtc.PeerConnection) *Channel {
	ch := &Channel{
		id:       id,
		remoteID: remoteID,
		peer:     p,
		pc:       pc,
		events:   make(chan connection.ChannelEvent, eventBufferSize),
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		cand := c.ToJSON()
		err := p.send(signaling.TypeCandidate, remoteID, signaling.Candidate{
			Candidate:     cand.Candidate,
			SDPMid:        cand.SDPMid,
			SDPMLineIndex: cand.SDPMLineIndex,
			ConnectionID:  id,
		})
		if err != nil {
			log.Debug().Err(err).Str("connection_id", id).Msg("failed to send candidate")
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		log.Debug().
			Str("remote_peer_id", remoteID).
			Str("state", state.String()).
			Msg("peer connection state changed")

		switch state {
		case webrtc.PeerConnectionStateFailed:
			ch.push(connection.ChannelEvent{Type: connection.ChannelEventError, Err: ErrConnectionFailed})
			ch.Close()
		case webrtc.PeerConnectionStateClosed:
			ch.Close()
		}
	})
	return ch
}

// ID returns the connection identifier shared with the remote peer
func (c *Channel) ID() string { return c.id }

// RemotePeerID returns the identity on the other end
func (c *Channel) RemotePeerID() string { return c.remoteID }

// Events returns the channel event stream
func (c *Channel) Events() <-chan connection.ChannelEvent { return c.events }

// Send writes data to the open data channel.
func (c *Channel) Send(data []byte) error {
	c.mu.Lock()
	dc, ready := c.dc, c.open && !c.closed
	c.mu.Unlock()

	if !ready || dc == nil {
		return ErrChannelClosed
	}
	return dc.Send(data)
}

// Close tears down the peer connection and tells the remote peer.
func (c *Channel) Close() error {
	if !c.shutdown() {
		return nil
	}
	err := c.peer.send(signaling.TypeLeave, c.remoteID, signaling.LeavePayload{ConnectionID: c.id})
	if err != nil {
		log.Debug().Err(err).Str("connection_id", c.id).Msg("failed to send leave")
	}
	return nil
}

// closeRemote closes after the remote peer left.
func (c *Channel) closeRemote() {
	c.shutdown()
}

// shutdown closes the event stream and the peer connection once. It
// reports whether this call did the work.
func (c *Channel) shutdown() bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.closed = true
	c.open = false
	close(c.events)
	c.mu.Unlock()

	c.peer.untrack(c)
	if err := c.pc.Close(); err != nil {
		log.Debug().Err(err).Str("connection_id", c.id).Msg("failed to close peer connection")
	}
	return true
}

// attach wires data channel callbacks into channel events.
func (c *Channel) attach(dc *webrtc.DataChannel) {
	c.mu.Lock()
	c.dc = dc
	c.mu.Unlock()

	dc.OnOpen(func() {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		c.open = true
		c.mu.Unlock()
		c.push(connection.ChannelEvent{Type: connection.ChannelEventOpen})
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		c.push(connection.ChannelEvent{Type: connection.ChannelEventData, Data: msg.Data})
	})
	dc.OnError(func(err error) {
		c.push(connection.ChannelEvent{Type: connection.ChannelEventError, Err: err})
	})
	dc.OnClose(func() {
		c.closeRemote()
	})
}

func (c *Channel) setRemoteDescription(desc webrtc.SessionDescription) {
	if err := c.pc.SetRemoteDescription(desc); err != nil {
		log.Error().Err(err).Str("connection_id", c.id).Msg("failed to set remote description")
		c.push(connection.ChannelEvent{Type: connection.ChannelEventError, Err: err})
		return
	}

	c.mu.Lock()
	c.remoteSet = true
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	for _, cand := range pending {
		c.addCandidate(cand)
	}
}

// addCandidate applies cand, holding it until the remote description is
// known.
func (c *Channel) addCandidate(cand webrtc.ICECandidateInit) {
	c.mu.Lock()
	if !c.remoteSet {
		c.pending = append(c.pending, cand)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	if err := c.pc.AddICECandidate(cand); err != nil {
		log.Warn().Err(err).Str("connection_id", c.id).Msg("failed to add ICE candidate")
	}
}

func (c *Channel) push(ev connection.ChannelEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.events <- ev:
	default:
		log.Warn().Str("connection_id", c.id).Msg("channel event buffer full, dropping event")
	}
}
