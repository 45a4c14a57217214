package connection

// Transport creates peer identities registered with a signaling service.
// Implementations live under session/transport.
type Transport interface {
	NewPeer(id string) (Peer, error)
}

// Peer is a local identity known to the signaling service. It accepts
// inbound channels and opens outbound ones.
type Peer interface {
	ID() string
	// Events is closed after the peer reports PeerEventClose.
	Events() <-chan PeerEvent
	Connect(remoteID string, opts ChannelOptions) (Channel, error)
	// Reconnect re-registers the same identity after PeerEventDisconnected.
	Reconnect() error
	Destroy()
}

// Channel is a peer-direct data channel to one remote peer.
type Channel interface {
	ID() string
	RemotePeerID() string
	// Events is closed after the channel reports ChannelEventClose.
	Events() <-chan ChannelEvent
	Send(data []byte) error
	Close() error
}

// ChannelOptions configures an outbound data channel.
type ChannelOptions struct {
	Reliable bool
	Ordered  bool
}

// PeerEventType represents the type of peer lifecycle event
type PeerEventType string

const (
	PeerEventOpen         PeerEventType = "open"
	PeerEventConnection   PeerEventType = "connection"
	PeerEventError        PeerEventType = "error"
	PeerEventDisconnected PeerEventType = "disconnected"
	PeerEventClose        PeerEventType = "close"
)

// PeerEvent is emitted by a Peer. Channel is set for PeerEventConnection,
// Err for PeerEventError.
type PeerEvent struct {
	Type    PeerEventType
	Channel Channel
	Err     error
}

// ChannelEventType represents the type of data channel event
type ChannelEventType string

const (
	ChannelEventOpen  ChannelEventType = "open"
	ChannelEventData  ChannelEventType = "data"
	ChannelEventClose ChannelEventType = "close"
	ChannelEventError ChannelEventType = "error"
)

// ChannelEvent is emitted by a Channel.
type ChannelEvent struct {
	Type ChannelEventType
	Data []byte
	Err  error
}
