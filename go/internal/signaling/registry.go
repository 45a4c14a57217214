package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var (
	ErrIDTaken   = errors.New("peer id is already registered")
	ErrInvalidID = errors.New("invalid peer id")
)

// Relay forwards envelopes to peers registered on other instances and keeps
// a cluster-wide record of which peer ids are taken.
type Relay interface {
	Claim(ctx context.Context, peerID string) (bool, error)
	Refresh(ctx context.Context, peerID string)
	Release(ctx context.Context, peerID string)
	Present(ctx context.Context, peerID string) (bool, error)
	Attach(peerID string, deliver func(Envelope)) error
	Detach(peerID string)
	Publish(env Envelope) error
	Status() string
}

// ConnectionConfig holds configuration for signaling websockets
type ConnectionConfig struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	SendBufferSize  int
	CheckOrigin     func(r *http.Request) bool
}

// DefaultConnectionConfig returns default websocket configuration
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		PingInterval:    54 * time.Second,
		MaxMessageSize:  64 * 1024, // SDP offers exceed a few KB
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		SendBufferSize:  256,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}
}

// Registry tracks one websocket per peer id and routes envelopes between
// them.
type Registry struct {
	peers map[string]*Client
	mu    sync.RWMutex

	upgrader websocket.Upgrader
	config   ConnectionConfig
	relay    Relay

	routeCh chan Envelope
}

// Client is a registered peer's websocket
type Client struct {
	ID          string
	ConnID      string
	Conn        *websocket.Conn
	Send        chan []byte
	ConnectedAt time.Time

	registry *Registry

	// guarded by registry.mu
	partners map[string]struct{}
	claimed  bool
	closed   bool
}

// NewRegistry creates a registry. relay may be nil for a single instance.
func NewRegistry(config ConnectionConfig, relay Relay) *Registry {
	if config.SendBufferSize <= 0 {
		config.SendBufferSize = 256
	}
	return &Registry{
		peers: make(map[string]*Client),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		config:  config,
		relay:   relay,
		routeCh: make(chan Envelope, 1000),
	}
}

// Start processes routed envelopes until ctx is done
func (r *Registry) Start(ctx context.Context) {
	log.Info().Msg("signaling registry started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("signaling registry shutting down")
			return
		case env := <-r.routeCh:
			r.handleRoute(ctx, env)
		}
	}
}

// UpgradeConnection upgrades an HTTP request to a signaling websocket for
// peerID. Duplicate ids receive ID-TAKEN and are closed.
func (r *Registry) UpgradeConnection(w http.ResponseWriter, req *http.Request, peerID string) error {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		return fmt.Errorf("failed to upgrade connection: %w", err)
	}

	client := &Client{
		ID:          peerID,
		ConnID:      uuid.New().String(),
		Conn:        conn,
		Send:        make(chan []byte, r.config.SendBufferSize),
		ConnectedAt: time.Now(),
		registry:    r,
		partners:    make(map[string]struct{}),
	}

	if err := r.register(req.Context(), client); err != nil {
		r.reject(conn, peerID, err)
		return err
	}

	go client.writePump()
	go client.readPump()

	r.deliver(client, Envelope{Type: TypeOpen})

	log.Info().
		Str("peer_id", peerID).
		Str("connection_id", client.ConnID).
		Msg("peer registered")
	return nil
}

func (r *Registry) register(ctx context.Context, client *Client) error {
	r.mu.Lock()
	if _, exists := r.peers[client.ID]; exists {
		r.mu.Unlock()
		return ErrIDTaken
	}
	r.peers[client.ID] = client
	total := len(r.peers)
	r.mu.Unlock()

	if r.relay != nil {
		ok, err := r.relay.Claim(ctx, client.ID)
		switch {
		case err != nil:
			log.Warn().Err(err).Str("peer_id", client.ID).Msg("presence claim failed, registering locally")
		case !ok:
			r.mu.Lock()
			delete(r.peers, client.ID)
			r.mu.Unlock()
			return ErrIDTaken
		}

		r.mu.Lock()
		client.claimed = err == nil
		r.mu.Unlock()

		if err := r.relay.Attach(client.ID, r.deliverLocal); err != nil {
			log.Warn().Err(err).Str("peer_id", client.ID).Msg("failed to attach peer to relay")
		}
	}

	log.Debug().
		Str("peer_id", client.ID).
		Int("total_peers", total).
		Msg("peer added to registry")
	return nil
}

// reject tells a refused peer why and closes its socket.
func (r *Registry) reject(conn *websocket.Conn, peerID string, cause error) {
	msgType, text := TypeError, cause.Error()
	if errors.Is(cause, ErrIDTaken) {
		msgType, text = TypeIDTaken, "ID is taken"
	}

	conn.SetWriteDeadline(time.Now().Add(r.config.WriteTimeout))
	if err := conn.WriteJSON(newErrorEnvelope(msgType, peerID, text)); err != nil {
		log.Debug().Err(err).Str("peer_id", peerID).Msg("failed to write rejection")
	}
	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, text))
	conn.Close()

	log.Warn().Err(cause).Str("peer_id", peerID).Msg("peer registration refused")
}

// unregister removes a client and tells its partners it left.
func (r *Registry) unregister(client *Client) {
	r.mu.Lock()
	if client.closed {
		r.mu.Unlock()
		return
	}
	client.closed = true
	close(client.Send)
	if r.peers[client.ID] == client {
		delete(r.peers, client.ID)
	}
	partners := make([]string, 0, len(client.partners))
	for id := range client.partners {
		partners = append(partners, id)
	}
	claimed := client.claimed
	r.mu.Unlock()

	if r.relay != nil {
		r.relay.Detach(client.ID)
		if claimed {
			r.relay.Release(context.Background(), client.ID)
		}
	}

	for _, partner := range partners {
		r.Route(Envelope{Type: TypeLeave, Src: client.ID, Dst: partner})
	}

	log.Info().
		Str("peer_id", client.ID).
		Str("connection_id", client.ConnID).
		Msg("peer unregistered")
}

// Route queues env for delivery to env.Dst
func (r *Registry) Route(env Envelope) {
	select {
	case r.routeCh <- env:
	default:
		log.Warn().
			Str("type", string(env.Type)).
			Str("dst", env.Dst).
			Msg("route channel full, dropping envelope")
	}
}

func (r *Registry) handleRoute(ctx context.Context, env Envelope) {
	r.mu.RLock()
	dst, local := r.peers[env.Dst]
	r.mu.RUnlock()

	if local {
		r.notePartner(dst, env)
		r.deliver(dst, env)
		return
	}

	if r.relay != nil {
		present, err := r.relay.Present(ctx, env.Dst)
		if err != nil {
			log.Warn().Err(err).Str("dst", env.Dst).Msg("presence lookup failed")
		}
		if present {
			if err := r.relay.Publish(env); err != nil {
				log.Error().Err(err).Str("dst", env.Dst).Msg("failed to relay envelope")
			} else {
				return
			}
		}
	}

	r.undeliverable(env)
}

// undeliverable answers an offer or answer for an unknown peer with ERROR,
// naming the unreachable peer as src. Candidates and leaves for unknown
// peers are dropped.
func (r *Registry) undeliverable(env Envelope) {
	log.Debug().
		Str("type", string(env.Type)).
		Str("src", env.Src).
		Str("dst", env.Dst).
		Msg("destination peer not registered")

	if env.Type != TypeOffer && env.Type != TypeAnswer {
		return
	}

	r.mu.RLock()
	src, ok := r.peers[env.Src]
	r.mu.RUnlock()
	if !ok {
		return
	}
	reply := newErrorEnvelope(TypeError, env.Src, fmt.Sprintf("Could not connect to peer %s", env.Dst))
	reply.Src = env.Dst
	r.deliver(src, reply)
}

// deliverLocal receives envelopes relayed from other instances.
func (r *Registry) deliverLocal(env Envelope) {
	r.mu.RLock()
	dst, ok := r.peers[env.Dst]
	r.mu.RUnlock()
	if !ok {
		return
	}
	r.notePartner(dst, env)
	r.deliver(dst, env)
}

// notePartner remembers that env.Src negotiated with client so client's
// departure can be announced to it.
func (r *Registry) notePartner(client *Client, env Envelope) {
	if env.Type == TypeLeave || env.Src == "" {
		return
	}
	r.mu.Lock()
	if !client.closed {
		client.partners[env.Src] = struct{}{}
	}
	r.mu.Unlock()
}

// deliver queues env on the client's send buffer. A full buffer marks the
// client as dead.
func (r *Registry) deliver(client *Client, env Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal envelope")
		return
	}

	r.mu.RLock()
	if client.closed {
		r.mu.RUnlock()
		return
	}
	select {
	case client.Send <- data:
		r.mu.RUnlock()
	default:
		r.mu.RUnlock()
		log.Warn().
			Str("peer_id", client.ID).
			Msg("peer send buffer full, closing connection")
		r.unregister(client)
		client.Conn.Close()
	}
}

// Disconnect unregisters peerID and closes its socket. It reports whether
// the peer was connected here.
func (r *Registry) Disconnect(peerID string) bool {
	r.mu.RLock()
	client, ok := r.peers[peerID]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	r.unregister(client)
	client.Conn.Close()
	return true
}

// IsRegistered reports whether peerID is connected here or, with a relay,
// on any instance.
func (r *Registry) IsRegistered(ctx context.Context, peerID string) bool {
	r.mu.RLock()
	_, ok := r.peers[peerID]
	r.mu.RUnlock()
	if ok {
		return true
	}
	if r.relay == nil {
		return false
	}
	present, err := r.relay.Present(ctx, peerID)
	if err != nil {
		log.Warn().Err(err).Str("peer_id", peerID).Msg("presence lookup failed")
	}
	return present
}

// Stats summarizes registered peers
type Stats struct {
	TotalPeers int      `json:"total_peers"`
	Peers      []string `json:"peers"`
	Relay      string   `json:"relay"`
}

// GetConnectionStats returns statistics about registered peers
func (r *Registry) GetConnectionStats() Stats {
	r.mu.RLock()
	peers := make([]string, 0, len(r.peers))
	for id := range r.peers {
		peers = append(peers, id)
	}
	r.mu.RUnlock()
	sort.Strings(peers)

	relay := "disabled"
	if r.relay != nil {
		relay = r.relay.Status()
	}
	return Stats{TotalPeers: len(peers), Peers: peers, Relay: relay}
}

// writePump sends queued envelopes and keepalive pings
func (c *Client) writePump() {
	cfg := c.registry.config
	ticker := time.NewTicker(cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
		c.registry.unregister(c)
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Error().
					Err(err).
					Str("peer_id", c.ID).
					Msg("failed to write to signaling socket")
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Debug().
					Err(err).
					Str("peer_id", c.ID).
					Msg("failed to send ping")
				return
			}
		}
	}
}

// readPump routes envelopes sent by the peer
func (c *Client) readPump() {
	cfg := c.registry.config
	defer func() {
		c.registry.unregister(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(cfg.MaxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(cfg.ReadTimeout))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(cfg.ReadTimeout))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				log.Error().
					Err(err).
					Str("peer_id", c.ID).
					Msg("unexpected signaling socket close")
			}
			return
		}

		c.Conn.SetReadDeadline(time.Now().Add(cfg.ReadTimeout))
		c.handleMessage(message)
	}
}

func (c *Client) handleMessage(message []byte) {
	var env Envelope
	if err := json.Unmarshal(message, &env); err != nil {
		log.Warn().Err(err).Str("peer_id", c.ID).Msg("invalid signaling message")
		c.registry.deliver(c, newErrorEnvelope(TypeError, c.ID, "Invalid message"))
		return
	}

	// The server is the authority on who sent a message.
	env.Src = c.ID

	switch {
	case env.Type == TypeHeartbeat:
		if c.registry.relay != nil {
			c.registry.relay.Refresh(context.Background(), c.ID)
		}
	case env.Type.Routable():
		if env.Dst == "" {
			log.Debug().Str("peer_id", c.ID).Str("type", string(env.Type)).Msg("envelope without destination")
			return
		}
		if env.Type != TypeLeave {
			c.registry.mu.Lock()
			c.partners[env.Dst] = struct{}{}
			c.registry.mu.Unlock()
		}
		c.registry.Route(env)
	default:
		log.Debug().
			Str("peer_id", c.ID).
			Str("type", string(env.Type)).
			Msg("ignoring signaling message")
	}
}
