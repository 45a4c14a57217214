// Package rtc is a connection.Transport backed by WebRTC data channels.
// Peers register with the signaling server over a websocket and exchange
// offers, answers and ICE candidates through it.
package rtc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/InterwebAlchemy/collabodoro/go/internal/config"
	"github.com/InterwebAlchemy/collabodoro/go/internal/session/connection"
	"github.com/InterwebAlchemy/collabodoro/go/internal/signaling"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v3"
	"github.com/rs/zerolog/log"
)

const eventBufferSize = 256

var (
	ErrIDTaken          = errors.New("ID-TAKEN")
	ErrPeerUnavailable  = errors.New("could not connect to peer")
	ErrSignalingClosed  = errors.New("signaling connection closed")
	ErrPeerDestroyed    = errors.New("peer destroyed")
	ErrChannelClosed    = errors.New("channel closed")
	ErrNegotiation      = errors.New("negotiation failed")
	ErrConnectionFailed = errors.New("peer connection failed")
)

// Config holds signaling and ICE settings
type Config struct {
	SignalingURL      string
	ICEServers        []string
	HeartbeatInterval time.Duration
	DialTimeout       time.Duration

	// IncludeLoopback gathers loopback candidates, for peers on one host.
	IncludeLoopback bool
}

// NewConfig builds the transport configuration from loaded settings
func NewConfig(cfg *config.Config) Config {
	return Config{
		SignalingURL:      cfg.SignalingURL,
		ICEServers:        cfg.ICEServers,
		HeartbeatInterval: cfg.Signaling.HeartbeatInterval,
		DialTimeout:       cfg.InitTimeout,
	}
}

// Transport creates WebRTC peers
type Transport struct {
	config Config
	api    *webrtc.API
	dialer *websocket.Dialer
}

// NewTransport creates a transport for cfg
func NewTransport(cfg Config) *Transport {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 5 * time.Second
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}

	settings := webrtc.SettingEngine{}
	settings.SetIncludeLoopbackCandidate(cfg.IncludeLoopback)

	return &Transport{
		config: cfg,
		api:    webrtc.NewAPI(webrtc.WithSettingEngine(settings)),
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.DialTimeout,
		},
	}
}

// NewPeer registers id with the signaling server. Registration completes
// asynchronously with PeerEventOpen or PeerEventError.
func (t *Transport) NewPeer(id string) (connection.Peer, error) {
	if !signaling.ValidPeerID(id) {
		return nil, fmt.Errorf("invalid peer id %q", id)
	}

	p := &Peer{
		transport: t,
		id:        id,
		events:    make(chan connection.PeerEvent, eventBufferSize),
		channels:  make(map[string]*Channel),
	}

	go func() {
		if err := p.dial(); err != nil {
			p.push(connection.PeerEvent{Type: connection.PeerEventError, Err: err})
		}
	}()
	return p, nil
}

func (t *Transport) signalingURL(id string) (string, error) {
	u, err := url.Parse(t.config.SignalingURL)
	if err != nil {
		return "", fmt.Errorf("invalid signaling url: %w", err)
	}
	q := u.Query()
	q.Set("id", id)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (t *Transport) newPeerConnection() (*webrtc.PeerConnection, error) {
	servers := make([]webrtc.ICEServer, 0, len(t.config.ICEServers))
	for _, s := range t.config.ICEServers {
		servers = append(servers, webrtc.ICEServer{URLs: []string{s}})
	}
	return t.api.NewPeerConnection(webrtc.Configuration{ICEServers: servers})
}

// Peer is a WebRTC identity registered with the signaling server.
type Peer struct {
	transport *Transport
	id        string

	mu        sync.Mutex
	events    chan connection.PeerEvent
	ws        *websocket.Conn
	channels  map[string]*Channel
	destroyed bool

	writeMu sync.Mutex
}

// ID returns the peer identity
func (p *Peer) ID() string { return p.id }

// Events returns the identity event stream
func (p *Peer) Events() <-chan connection.PeerEvent { return p.events }

// dial opens a signaling websocket and starts reading from it.
func (p *Peer) dial() error {
	target, err := p.transport.signalingURL(p.id)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.transport.config.DialTimeout)
	defer cancel()

	ws, _, err := p.transport.dialer.DialContext(ctx, target, nil)
	if err != nil {
		return fmt.Errorf("dial signaling server: %w", err)
	}

	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		ws.Close()
		return ErrPeerDestroyed
	}
	old := p.ws
	p.ws = ws
	p.mu.Unlock()

	if old != nil {
		old.Close()
	}

	done := make(chan struct{})
	go p.heartbeat(ws, done)
	go p.readLoop(ws, done)

	log.Debug().Str("peer_id", p.id).Str("url", target).Msg("signaling socket connected")
	return nil
}

// Reconnect re-registers the identity on a fresh signaling socket.
func (p *Peer) Reconnect() error {
	p.mu.Lock()
	destroyed := p.destroyed
	p.mu.Unlock()
	if destroyed {
		return ErrPeerDestroyed
	}
	return p.dial()
}

// Destroy closes every channel and the signaling socket.
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
	p.channels = make(map[string]*Channel)
	ws := p.ws
	p.ws = nil
	close(p.events)
	p.mu.Unlock()

	for _, ch := range channels {
		ch.Close()
	}
	if ws != nil {
		ws.Close()
	}
	log.Debug().Str("peer_id", p.id).Msg("peer destroyed")
}

// Connect offers a data channel to remoteID. The channel reports
// ChannelEventOpen once the remote answers and ICE completes.
func (p *Peer) Connect(remoteID string, opts connection.ChannelOptions) (connection.Channel, error) {
	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return nil, ErrPeerDestroyed
	}
	p.mu.Unlock()

	pc, err := p.transport.newPeerConnection()
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	ch := newChannel(p, remoteID, newConnectionID(), pc)

	ordered := opts.Ordered
	dcInit := &webrtc.DataChannelInit{Ordered: &ordered}
	if !opts.Reliable {
		var retransmits uint16
		dcInit.MaxRetransmits = &retransmits
	}
	dc, err := pc.CreateDataChannel(ch.id, dcInit)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("create data channel: %w", err)
	}
	ch.attach(dc)
	p.track(ch)

	offer, err := pc.CreateOffer(nil)
	if err == nil {
		err = pc.SetLocalDescription(offer)
	}
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("%w: %w", ErrNegotiation, err)
	}

	payload := signaling.SessionDescription{
		SDP:          offer.SDP,
		Type:         offer.Type.String(),
		ConnectionID: ch.id,
		Label:        ch.id,
		Reliable:     opts.Reliable,
	}
	if err := p.send(signaling.TypeOffer, remoteID, payload); err != nil {
		ch.Close()
		return nil, err
	}

	log.Debug().
		Str("remote_peer_id", remoteID).
		Str("connection_id", ch.id).
		Msg("offer sent")
	return ch, nil
}

func (p *Peer) readLoop(ws *websocket.Conn, done chan struct{}) {
	defer close(done)

	for {
		var env signaling.Envelope
		if err := ws.ReadJSON(&env); err != nil {
			p.mu.Lock()
			current := p.ws == ws && !p.destroyed
			if current {
				p.ws = nil
			}
			p.mu.Unlock()

			if current {
				log.Warn().Err(err).Str("peer_id", p.id).Msg("signaling socket lost")
				p.push(connection.PeerEvent{Type: connection.PeerEventDisconnected})
			}
			return
		}
		p.handleEnvelope(env)
	}
}

func (p *Peer) heartbeat(ws *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(p.transport.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			p.writeMu.Lock()
			err := ws.WriteJSON(signaling.Envelope{Type: signaling.TypeHeartbeat})
			p.writeMu.Unlock()
			if err != nil {
				log.Debug().Err(err).Str("peer_id", p.id).Msg("failed to send heartbeat")
				return
			}
		}
	}
}

func (p *Peer) handleEnvelope(env signaling.Envelope) {
	switch env.Type {
	case signaling.TypeOpen:
		p.push(connection.PeerEvent{Type: connection.PeerEventOpen})

	case signaling.TypeIDTaken:
		p.push(connection.PeerEvent{
			Type: connection.PeerEventError,
			Err:  fmt.Errorf("%w: %s", ErrIDTaken, p.id),
		})

	case signaling.TypeError, signaling.TypeExpire:
		var payload signaling.ErrorPayload
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			log.Debug().Err(err).Str("type", string(env.Type)).Msg("malformed error payload")
			payload.Msg = string(env.Type)
		}
		if env.Src != "" && p.failChannels(env.Src, payload.Msg) {
			return
		}
		p.push(connection.PeerEvent{
			Type: connection.PeerEventError,
			Err:  fmt.Errorf("signaling error: %s", payload.Msg),
		})

	case signaling.TypeOffer:
		p.handleOffer(env)

	case signaling.TypeAnswer:
		var desc signaling.SessionDescription
		if err := json.Unmarshal(env.Payload, &desc); err != nil {
			log.Warn().Err(err).Str("remote_peer_id", env.Src).Msg("invalid answer")
			return
		}
		if ch := p.channel(desc.ConnectionID); ch != nil {
			ch.setRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: desc.SDP})
		}

	case signaling.TypeCandidate:
		var cand signaling.Candidate
		if err := json.Unmarshal(env.Payload, &cand); err != nil {
			log.Warn().Err(err).Str("remote_peer_id", env.Src).Msg("invalid candidate")
			return
		}
		if ch := p.channel(cand.ConnectionID); ch != nil {
			ch.addCandidate(webrtc.ICECandidateInit{
				Candidate:     cand.Candidate,
				SDPMid:        cand.SDPMid,
				SDPMLineIndex: cand.SDPMLineIndex,
			})
		}

	case signaling.TypeLeave:
		// An unreadable payload closes every channel to the sender.
		var leave signaling.LeavePayload
		if err := json.Unmarshal(env.Payload, &leave); err != nil {
			log.Debug().Err(err).Str("remote_peer_id", env.Src).Msg("malformed leave payload")
			leave = signaling.LeavePayload{}
		}
		for _, ch := range p.channelsFor(env.Src) {
			if leave.ConnectionID == "" || leave.ConnectionID == ch.id {
				ch.closeRemote()
			}
		}

	default:
		log.Debug().Str("type", string(env.Type)).Msg("ignoring signaling message")
	}
}

// handleOffer answers an inbound offer and announces the channel.
func (p *Peer) handleOffer(env signaling.Envelope) {
	var desc signaling.SessionDescription
	if err := json.Unmarshal(env.Payload, &desc); err != nil || desc.ConnectionID == "" {
		log.Warn().Err(err).Str("remote_peer_id", env.Src).Msg("invalid offer")
		return
	}

	pc, err := p.transport.newPeerConnection()
	if err != nil {
		log.Error().Err(err).Msg("failed to create peer connection")
		return
	}

	ch := newChannel(p, env.Src, desc.ConnectionID, pc)
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		ch.attach(dc)
	})
	p.track(ch)

	ch.setRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: desc.SDP})
	answer, err := pc.CreateAnswer(nil)
	if err == nil {
		err = pc.SetLocalDescription(answer)
	}
	if err != nil {
		log.Error().Err(err).Str("remote_peer_id", env.Src).Msg("failed to answer offer")
		ch.Close()
		return
	}

	payload := signaling.SessionDescription{
		SDP:          answer.SDP,
		Type:         answer.Type.String(),
		ConnectionID: ch.id,
	}
	if err := p.send(signaling.TypeAnswer, env.Src, payload); err != nil {
		log.Error().Err(err).Str("remote_peer_id", env.Src).Msg("failed to send answer")
		ch.Close()
		return
	}

	p.push(connection.PeerEvent{Type: connection.PeerEventConnection, Channel: ch})
}

// failChannels reports an error on every channel to remoteID. It returns
// false when there were none.
func (p *Peer) failChannels(remoteID, msg string) bool {
	channels := p.channelsFor(remoteID)
	for _, ch := range channels {
		ch.push(connection.ChannelEvent{
			Type: connection.ChannelEventError,
			Err:  fmt.Errorf("%w: %s", ErrPeerUnavailable, msg),
		})
	}
	return len(channels) > 0
}

// send writes an envelope with a JSON payload to the signaling server.
func (p *Peer) send(t signaling.MessageType, dst string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", t, err)
	}

	p.mu.Lock()
	ws := p.ws
	p.mu.Unlock()
	if ws == nil {
		return ErrSignalingClosed
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if err := ws.WriteJSON(signaling.Envelope{Type: t, Dst: dst, Payload: data}); err != nil {
		return fmt.Errorf("%w: %w", ErrSignalingClosed, err)
	}
	return nil
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
		log.Warn().Str("type", string(ev.Type)).Msg("peer event buffer full, dropping event")
	}
}

func (p *Peer) track(ch *Channel) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.destroyed {
		p.channels[ch.id] = ch
	}
}

func (p *Peer) untrack(ch *Channel) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.channels[ch.id] == ch {
		delete(p.channels, ch.id)
	}
}

func (p *Peer) channel(id string) *Channel {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.channels[id]
}

func (p *Peer) channelsFor(remoteID string) []*Channel {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*Channel
	for _, ch := range p.channels {
		if ch.remoteID == remoteID {
			out = append(out, ch)
		}
	}
	return out
}
