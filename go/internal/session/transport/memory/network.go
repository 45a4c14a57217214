// Package memory is an in-process connection.Transport. Peers created from
// the same Network can reach each other by identity, which lets sessions run
// end to end without a signaling server.
package memory

import (
	"errors"
	"fmt"
	"sync"

	"github.com/InterwebAlchemy/collabodoro/go/internal/session/connection"
	"github.com/google/uuid"
)

const eventBufferSize = 1024

var (
	ErrIDTaken         = errors.New("ID-TAKEN")
	ErrPeerUnavailable = errors.New("could not connect to peer")
	ErrChannelClosed   = errors.New("channel closed")
	ErrPeerDestroyed   = errors.New("peer destroyed")
)

// Network is a registry of in-memory peers.
type Network struct {
	mu    sync.Mutex
	peers map[string]*Peer

	acknowledge  bool
	openChannels bool
}

// NewNetwork returns a network that acknowledges identities and opens
// channels immediately.
func NewNetwork() *Network {
	return &Network{
		peers:        make(map[string]*Peer),
		acknowledge:  true,
		openChannels: true,
	}
}

// SetAcknowledge controls whether new identities are acknowledged. Disabled,
// Initialize never completes.
func (n *Network) SetAcknowledge(enabled bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.acknowledge = enabled
}

// SetOpenChannels controls whether new channels ever reach the open state.
func (n *Network) SetOpenChannels(enabled bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.openChannels = enabled
}

// NewPeer registers id on the network.
func (n *Network) NewPeer(id string) (connection.Peer, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if _, exists := n.peers[id]; exists {
		return nil, fmt.Errorf("%w: %s", ErrIDTaken, id)
	}

	p := &Peer{
		network:  n,
		id:       id,
		events:   make(chan connection.PeerEvent, eventBufferSize),
		channels: make(map[string]*Channel),
	}
	n.peers[id] = p

	if n.acknowledge {
		p.push(connection.PeerEvent{Type: connection.PeerEventOpen})
	}
	return p, nil
}

// Peer returns the registered peer for id.
func (n *Network) Peer(id string) (*Peer, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	p, ok := n.peers[id]
	return p, ok
}

// DropSignaling simulates the peer losing its signaling connection.
func (n *Network) DropSignaling(id string) error {
	p, ok := n.Peer(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrPeerUnavailable, id)
	}
	p.push(connection.PeerEvent{Type: connection.PeerEventDisconnected})
	return nil
}

// FailPeer delivers an identity-level error to id.
func (n *Network) FailPeer(id string, cause error) error {
	p, ok := n.Peer(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrPeerUnavailable, id)
	}
	p.push(connection.PeerEvent{Type: connection.PeerEventError, Err: cause})
	return nil
}

func (n *Network) remove(p *Peer) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.peers[p.id] == p {
		delete(n.peers, p.id)
	}
}

func (n *Network) channelsOpen() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.openChannels
}

// Peer is an in-memory identity.
type Peer struct {
	network *Network
	id      string

	mu        sync.Mutex
	events    chan connection.PeerEvent
	channels  map[string]*Channel
	destroyed bool
}

// ID returns the peer identity
func (p *Peer) ID() string { return p.id }

// Events returns the identity event stream
func (p *Peer) Events() <-chan connection.PeerEvent { return p.events }

// Connect opens a channel pair with remoteID. Unknown identities produce a
// channel that fails instead of opening.
func (p *Peer) Connect(remoteID string, _ connection.ChannelOptions) (connection.Channel, error) {
	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return nil, ErrPeerDestroyed
	}
	p.mu.Unlock()

	remote, ok := p.network.Peer(remoteID)
	if !ok {
		local := newChannel(p, remoteID)
		p.track(local)
		local.push(connection.ChannelEvent{
			Type: connection.ChannelEventError,
			Err:  fmt.Errorf("%w: %s", ErrPeerUnavailable, remoteID),
		})
		return local, nil
	}

	local := newChannel(p, remoteID)
	other := newChannel(remote, p.id)
	local.link = other
	other.link = local
	p.track(local)
	remote.track(other)
	remote.push(connection.PeerEvent{Type: connection.PeerEventConnection, Channel: other})

	if p.network.channelsOpen() {
		other.markOpen()
		local.markOpen()
	}
	return local, nil
}

// Reconnect re-acknowledges the identity when the network allows it.
func (p *Peer) Reconnect() error {
	p.mu.Lock()
	destroyed := p.destroyed
	p.mu.Unlock()
	if destroyed {
		return ErrPeerDestroyed
	}

	p.network.mu.Lock()
	ack := p.network.acknowledge
	p.network.mu.Unlock()
	if ack {
		p.push(connection.PeerEvent{Type: connection.PeerEventOpen})
	}
	return nil
}

// Destroy closes every channel and releases the identity.
func (p *Peer) Destroy() {
	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return
	}
	p.destroyed = true
	channels := make([]*Channel, 0, len(p.channels))
	for _, ch := range p.channels {
		channels = append(channels, ch)
	}
	p.channels = nil
	close(p.events)
	p.mu.Unlock()

	for _, ch := range channels {
		ch.Close()
	}
	p.network.remove(p)
}

// Channels returns the number of live channels held by the peer.
func (p *Peer) Channels() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.channels)
}

func (p *Peer) track(ch *Channel) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.destroyed {
		return
	}
	p.channels[ch.id] = ch
}

func (p *Peer) untrack(ch *Channel) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.channels != nil {
		delete(p.channels, ch.id)
	}
}

func (p *Peer) push(ev connection.PeerEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.destroyed {
		return
	}
	select {
	case p.events <- ev:
	default:
	}
}

// Channel is one end of an in-memory data channel pair.
type Channel struct {
	id       string
	remoteID string
	owner    *Peer
	link     *Channel

	mu     sync.Mutex
	events chan connection.ChannelEvent
	open   bool
	closed bool
}

func newChannel(owner *Peer, remoteID string) *Channel {
	return &Channel{
		id:       uuid.New().String(),
		remoteID: remoteID,
		owner:    owner,
		events:   make(chan connection.ChannelEvent, eventBufferSize),
	}
}

// ID returns the channel identifier
func (c *Channel) ID() string { return c.id }

// RemotePeerID returns the identity on the other end
func (c *Channel) RemotePeerID() string { return c.remoteID }

// Events returns the channel event stream
func (c *Channel) Events() <-chan connection.ChannelEvent { return c.events }

// Send delivers data to the other end.
func (c *Channel) Send(data []byte) error {
	c.mu.Lock()
	ready := c.open && !c.closed
	c.mu.Unlock()

	if !ready || c.link == nil {
		return ErrChannelClosed
	}

	buf := make([]byte, len(data))
	copy(buf, data)
	c.link.push(connection.ChannelEvent{Type: connection.ChannelEventData, Data: buf})
	return nil
}

// Close closes both ends of the channel.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.open = false
	close(c.events)
	c.mu.Unlock()

	c.owner.untrack(c)
	if c.link != nil {
		c.link.Close()
	}
	return nil
}

func (c *Channel) markOpen() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.open = true
	c.mu.Unlock()
	c.push(connection.ChannelEvent{Type: connection.ChannelEventOpen})
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
	}
}
