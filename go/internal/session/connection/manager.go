package connection

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/InterwebAlchemy/collabodoro/go/internal/models"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// State is the lifecycle state of the local peer identity.
type State string

const (
	StateIdle         State = "IDLE"
	StateInitializing State = "INITIALIZING"
	StateReady        State = "READY"
)

// EventType represents the type of connection lifecycle event
type EventType string

const (
	EventOpened EventType = "opened"
	EventClosed EventType = "closed"
	EventData   EventType = "data"
	EventError  EventType = "error"
)

// Event is emitted on the manager's event stream, tagged with the remote
// peer it originated from (empty for identity-level errors).
type Event struct {
	Type         EventType
	RemotePeerID string
	Role         models.Role // local role after the event
	Data         []byte
	Err          error
	Message      string // human-readable form of Err
}

// Config holds timeouts and limits for the connection manager
type Config struct {
	InitTimeout     time.Duration
	ConnectTimeout  time.Duration
	ResumeAttempts  int
	ResumeBackoff   time.Duration
	EventBufferSize int
	IDGenerator     func() string
}

// DefaultConfig returns production defaults
func DefaultConfig() Config {
	return Config{
		InitTimeout:     25 * time.Second,
		ConnectTimeout:  25 * time.Second,
		ResumeAttempts:  5,
		ResumeBackoff:   2 * time.Second,
		EventBufferSize: 256,
		IDGenerator:     GenerateSlug,
	}
}

// initAttempt tracks one pending Initialize for an identity generation.
type initAttempt struct {
	done chan struct{}
	err  error
}

// Manager owns the local peer identity and every ConnectionRecord.
type Manager struct {
	transport Transport
	clock     clockwork.Clock
	config    Config

	mu         sync.Mutex
	state      State
	role       models.Role
	peer       Peer
	localID    string
	generation uint64
	attempt    *initAttempt
	lifetime   chan struct{} // closed when the current identity is torn down
	records    map[string]*Record
	lastError  string

	events chan Event
}

// NewManager creates a connection manager in the Idle state
func NewManager(transport Transport, clock clockwork.Clock, config Config) *Manager {
	if config.IDGenerator == nil {
		config.IDGenerator = GenerateSlug
	}
	if config.EventBufferSize <= 0 {
		config.EventBufferSize = 256
	}

	return &Manager{
		transport: transport,
		clock:     clock,
		config:    config,
		state:     StateIdle,
		role:      models.RoleNone,
		records:   make(map[string]*Record),
		events:    make(chan Event, config.EventBufferSize),
	}
}

// Events returns the lifecycle event stream.
func (m *Manager) Events() <-chan Event {
	return m.events
}

// Initialize creates a local identity and waits for the signaling service to
// acknowledge it. Calling it while Ready returns the existing identity.
func (m *Manager) Initialize(ctx context.Context) (string, error) {
	m.mu.Lock()
	switch m.state {
	case StateReady:
		id := m.localID
		m.mu.Unlock()
		return id, nil
	case StateIdle:
		if err := m.openPeerLocked(); err != nil {
			m.lastError = fmt.Sprintf("Peer error: %v", err)
			m.mu.Unlock()
			return "", err
		}
	}
	gen, attempt, id := m.generation, m.attempt, m.localID
	m.mu.Unlock()

	timer := m.clock.NewTimer(m.config.InitTimeout)
	defer stopAndDrainTimer(timer)

	select {
	case <-attempt.done:
		if attempt.err != nil {
			return "", attempt.err
		}
		log.Info().Str("peer_id", id).Msg("peer identity registered")
		return id, nil
	case <-timer.Chan():
		m.abortInitialize(gen, "Peer initialization timed out")
		return "", fmt.Errorf("%w after %s", ErrInitializationTimeout, m.config.InitTimeout)
	case <-ctx.Done():
		m.abortInitialize(gen, "Peer initialization cancelled")
		return "", ctx.Err()
	}
}

// openPeerLocked starts a new identity generation.
func (m *Manager) openPeerLocked() error {
	id := m.config.IDGenerator()
	peer, err := m.transport.NewPeer(id)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPeerError, err)
	}

	m.generation++
	m.peer = peer
	m.localID = id
	m.state = StateInitializing
	m.attempt = &initAttempt{done: make(chan struct{})}
	m.lifetime = make(chan struct{})
	m.lastError = ""

	log.Debug().
		Str("peer_id", id).
		Uint64("generation", m.generation).
		Msg("initializing peer identity")

	go m.watchPeer(m.generation, peer)
	return nil
}

func (m *Manager) abortInitialize(gen uint64, reason string) {
	m.mu.Lock()
	if gen != m.generation || m.state != StateInitializing {
		m.mu.Unlock()
		return
	}
	m.lastError = reason
	closed, peer := m.teardownLocked()
	m.mu.Unlock()

	m.finishTeardown(closed, peer)
	log.Warn().Str("reason", reason).Msg("peer initialization aborted")
}

// Connect opens an outbound channel to remoteID and waits for it to open.
// The local role becomes Client.
func (m *Manager) Connect(ctx context.Context, remoteID string) error {
	m.mu.Lock()
	if m.state != StateReady {
		m.mu.Unlock()
		return ErrNotReady
	}
	if remoteID == "" || remoteID == m.localID {
		m.mu.Unlock()
		return fmt.Errorf("%w: invalid remote peer id %q", ErrConnectionError, remoteID)
	}

	// A client holds at most one record.
	stale := m.detachRecordsLocked()
	peer, gen := m.peer, m.generation
	m.role = models.RoleClient
	m.lastError = ""
	m.mu.Unlock()

	m.closeDetached(stale)

	log.Info().Str("remote_peer_id", remoteID).Msg("connecting to peer")

	ch, err := peer.Connect(remoteID, ChannelOptions{Reliable: true, Ordered: true})
	if err != nil {
		m.mu.Lock()
		if len(m.records) == 0 {
			m.role = models.RoleNone
		}
		m.lastError = fmt.Sprintf("Connection failed: %v", err)
		m.mu.Unlock()
		return fmt.Errorf("%w: %w", ErrConnectionError, err)
	}

	m.mu.Lock()
	if gen != m.generation {
		m.mu.Unlock()
		ch.Close()
		return ErrNotReady
	}
	rec := newRecord(ch, gen, true)
	rec.timer = m.clock.NewTimer(m.config.ConnectTimeout)
	m.records[rec.RemotePeerID] = rec
	m.mu.Unlock()

	go m.watchChannel(rec)

	select {
	case err := <-rec.opened:
		if err == nil {
			return nil
		}
		m.abandon(rec, fmt.Sprintf("Connection error: %v", err))
		return err
	case <-rec.timer.Chan():
		m.mu.Lock()
		open := rec.State == ChannelOpen
		m.mu.Unlock()
		if open {
			return nil
		}
		m.abandon(rec, "Connection timed out. Please try again.")
		return fmt.Errorf("%w: %s after %s", ErrConnectionTimeout, remoteID, m.config.ConnectTimeout)
	case <-rec.done:
		return fmt.Errorf("%w: connection to %s closed before it opened", ErrConnectionError, remoteID)
	case <-ctx.Done():
		m.abandon(rec, "Connection attempt cancelled")
		return ctx.Err()
	}
}

// abandon removes a record whose outbound open attempt failed.
func (m *Manager) abandon(rec *Record, reason string) {
	m.mu.Lock()
	if m.isCurrentRecordLocked(rec) {
		m.removeRecordLocked(rec)
	}
	m.lastError = reason
	m.mu.Unlock()

	if err := rec.channel.Close(); err != nil {
		log.Debug().Err(err).Str("remote_peer_id", rec.RemotePeerID).Msg("failed to close abandoned channel")
	}
	log.Warn().Str("remote_peer_id", rec.RemotePeerID).Str("reason", reason).Msg("connection attempt abandoned")
}

// Disconnect closes every record and tears down the local identity. It is
// idempotent and always leaves the manager Idle.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	if m.state == StateIdle && len(m.records) == 0 {
		m.mu.Unlock()
		return
	}
	closed, peer := m.teardownLocked()
	m.mu.Unlock()

	m.finishTeardown(closed, peer)
	log.Info().Msg("peer disconnected")
}

// Broadcast sends v to every open record and returns how many received it.
// ErrSendFailure is returned, not logged as an error, when nothing is open.
func (m *Manager) Broadcast(v any) (int, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return 0, fmt.Errorf("marshal broadcast: %w", err)
	}

	m.mu.Lock()
	var targets []*Record
	for _, rec := range m.records {
		if rec.State == ChannelOpen {
			targets = append(targets, rec)
		}
	}
	m.mu.Unlock()

	if len(targets) == 0 {
		log.Debug().Msg("broadcast skipped, no open connections")
		return 0, ErrSendFailure
	}

	sent := 0
	for _, rec := range targets {
		if err := rec.channel.Send(data); err != nil {
			log.Error().
				Err(err).
				Str("remote_peer_id", rec.RemotePeerID).
				Msg("failed to send on data channel")
			continue
		}
		sent++
	}

	log.Debug().
		Int("connections", len(targets)).
		Int("sent", sent).
		Msg("message broadcasted")

	if sent == 0 {
		return 0, ErrSendFailure
	}
	return sent, nil
}

// watchPeer consumes identity events for one generation.
func (m *Manager) watchPeer(gen uint64, peer Peer) {
	for ev := range peer.Events() {
		if !m.isCurrent(gen) {
			if ev.Channel != nil {
				ev.Channel.Close()
			}
			continue
		}

		switch ev.Type {
		case PeerEventOpen:
			m.handlePeerOpen(gen)
		case PeerEventConnection:
			m.acceptInbound(gen, ev.Channel)
		case PeerEventError:
			m.handlePeerError(gen, ev.Err)
		case PeerEventDisconnected:
			m.handlePeerDisconnected(gen, peer)
		case PeerEventClose:
			m.handlePeerClose(gen)
		}
	}
}

func (m *Manager) handlePeerOpen(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if gen != m.generation {
		return
	}
	switch m.state {
	case StateInitializing:
		m.state = StateReady
		close(m.attempt.done)
	case StateReady:
		m.lastError = ""
		log.Info().Str("peer_id", m.localID).Msg("peer identity resumed")
	}
}

func (m *Manager) handlePeerError(gen uint64, cause error) {
	err := fmt.Errorf("%w: %w", ErrPeerError, cause)
	msg := fmt.Sprintf("Peer error: %v", cause)

	m.mu.Lock()
	if gen != m.generation {
		m.mu.Unlock()
		return
	}
	m.lastError = msg
	if m.state == StateInitializing {
		m.attempt.err = err
		closed, peer := m.teardownLocked()
		m.mu.Unlock()
		m.finishTeardown(closed, peer)
		return
	}
	role := m.role
	m.mu.Unlock()

	log.Error().Err(cause).Msg("peer error")
	m.emit(Event{Type: EventError, Role: role, Err: err, Message: msg})
}

func (m *Manager) handlePeerDisconnected(gen uint64, peer Peer) {
	msg := "Disconnected from signaling server. Attempting to reconnect..."

	m.mu.Lock()
	if gen != m.generation {
		m.mu.Unlock()
		return
	}
	m.lastError = msg
	role, lifetime := m.role, m.lifetime
	m.mu.Unlock()

	log.Warn().Msg("peer disconnected from signaling server")
	m.emit(Event{Type: EventError, Role: role, Err: ErrPeerError, Message: msg})

	go m.resume(gen, peer, lifetime)
}

// resume re-registers the same identity. Open data channels are peer-direct
// and are left untouched.
func (m *Manager) resume(gen uint64, peer Peer, lifetime <-chan struct{}) {
	for attempt := 1; attempt <= m.config.ResumeAttempts; attempt++ {
		if !m.isCurrent(gen) {
			return
		}

		err := peer.Reconnect()
		if err == nil {
			log.Info().Int("attempt", attempt).Msg("reconnect to signaling server requested")
			return
		}
		log.Warn().Err(err).Int("attempt", attempt).Msg("failed to reconnect to signaling server")

		timer := m.clock.NewTimer(m.config.ResumeBackoff * time.Duration(attempt))
		select {
		case <-timer.Chan():
		case <-lifetime:
			stopAndDrainTimer(timer)
			return
		}
	}

	msg := "Could not reconnect to signaling server"
	m.mu.Lock()
	if gen != m.generation {
		m.mu.Unlock()
		return
	}
	m.lastError = msg
	role := m.role
	m.mu.Unlock()

	m.emit(Event{Type: EventError, Role: role, Err: ErrPeerError, Message: msg})
}

func (m *Manager) handlePeerClose(gen uint64) {
	m.mu.Lock()
	if gen != m.generation {
		m.mu.Unlock()
		return
	}
	closed, peer := m.teardownLocked()
	m.mu.Unlock()

	log.Info().Msg("peer identity closed")
	m.finishTeardown(closed, peer)
}

// acceptInbound registers a connection offered by a remote peer.
func (m *Manager) acceptInbound(gen uint64, ch Channel) {
	m.mu.Lock()
	if gen != m.generation || m.state != StateReady {
		m.mu.Unlock()
		ch.Close()
		return
	}
	if m.role == models.RoleClient {
		m.mu.Unlock()
		log.Warn().Str("remote_peer_id", ch.RemotePeerID()).Msg("refusing inbound connection while connected as client")
		ch.Close()
		return
	}

	var replaced *Record
	if old, exists := m.records[ch.RemotePeerID()]; exists {
		m.removeRecordLocked(old)
		replaced = old
	}
	rec := newRecord(ch, gen, false)
	m.records[rec.RemotePeerID] = rec
	total := len(m.records)
	m.mu.Unlock()

	if replaced != nil {
		replaced.channel.Close()
		log.Debug().Str("remote_peer_id", rec.RemotePeerID).Msg("replaced existing connection record")
	}

	log.Info().
		Str("remote_peer_id", rec.RemotePeerID).
		Int("total_connections", total).
		Msg("incoming connection from peer")

	go m.watchChannel(rec)
}

// watchChannel consumes data channel events for one record.
func (m *Manager) watchChannel(rec *Record) {
	for ev := range rec.channel.Events() {
		switch ev.Type {
		case ChannelEventOpen:
			m.handleChannelOpen(rec)
		case ChannelEventData:
			m.handleChannelData(rec, ev.Data)
		case ChannelEventError:
			m.handleChannelError(rec, ev.Err)
		case ChannelEventClose:
			m.handleChannelClose(rec)
		}
	}
	m.handleChannelClose(rec)
}

func (m *Manager) handleChannelOpen(rec *Record) {
	m.mu.Lock()
	if !m.isCurrentRecordLocked(rec) || rec.State != ChannelOpening {
		m.mu.Unlock()
		return
	}
	rec.State = ChannelOpen
	rec.EstablishedAt = m.clock.Now()
	stopAndDrainTimer(rec.timer)
	if rec.Outbound {
		m.role = models.RoleClient
	} else {
		m.role = models.RoleHost
	}
	role := m.role
	m.mu.Unlock()

	rec.resolve(nil)

	log.Info().
		Str("remote_peer_id", rec.RemotePeerID).
		Str("role", string(role)).
		Msg("connection to peer is open")

	m.emit(Event{Type: EventOpened, RemotePeerID: rec.RemotePeerID, Role: role})
}

func (m *Manager) handleChannelData(rec *Record, data []byte) {
	m.mu.Lock()
	ok := m.isCurrentRecordLocked(rec) && rec.State == ChannelOpen
	role := m.role
	m.mu.Unlock()

	if !ok {
		return
	}
	m.emit(Event{Type: EventData, RemotePeerID: rec.RemotePeerID, Role: role, Data: data})
}

func (m *Manager) handleChannelError(rec *Record, cause error) {
	msg := fmt.Sprintf("Connection error: %v", cause)
	err := fmt.Errorf("%w: %w", ErrConnectionError, cause)

	m.mu.Lock()
	if !m.isCurrentRecordLocked(rec) {
		m.mu.Unlock()
		return
	}
	m.lastError = msg
	wasOpen := rec.State == ChannelOpen
	pending := rec.Outbound && rec.State == ChannelOpening
	if !pending {
		m.removeRecordLocked(rec)
	}
	role := m.role
	m.mu.Unlock()

	log.Error().Err(cause).Str("remote_peer_id", rec.RemotePeerID).Msg("connection error")

	if pending {
		// Connect reports the failure and removes the record.
		rec.resolve(err)
		return
	}

	m.emit(Event{Type: EventError, RemotePeerID: rec.RemotePeerID, Role: role, Err: err, Message: msg})
	rec.channel.Close()
	if wasOpen {
		m.emit(Event{Type: EventClosed, RemotePeerID: rec.RemotePeerID, Role: role})
	}
}

func (m *Manager) handleChannelClose(rec *Record) {
	m.mu.Lock()
	if !m.isCurrentRecordLocked(rec) {
		m.mu.Unlock()
		return
	}
	if rec.Outbound && rec.State == ChannelOpening {
		m.mu.Unlock()
		rec.resolve(fmt.Errorf("%w: channel closed before it opened", ErrConnectionError))
		return
	}
	wasOpen := rec.State == ChannelOpen
	m.removeRecordLocked(rec)
	role := m.role
	m.mu.Unlock()

	log.Info().Str("remote_peer_id", rec.RemotePeerID).Msg("connection closed by peer")

	if wasOpen {
		m.emit(Event{Type: EventClosed, RemotePeerID: rec.RemotePeerID, Role: role})
	}
}

func (m *Manager) isCurrent(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return gen == m.generation
}

func (m *Manager) isCurrentRecordLocked(rec *Record) bool {
	return rec.generation == m.generation && m.records[rec.RemotePeerID] == rec
}

// removeRecordLocked drops rec from the record set and invalidates its timers.
func (m *Manager) removeRecordLocked(rec *Record) {
	delete(m.records, rec.RemotePeerID)
	rec.State = ChannelClosed
	stopAndDrainTimer(rec.timer)
	close(rec.done)

	if len(m.records) == 0 {
		m.role = models.RoleNone
	}
}

// detachedRecord is a record removed from the set whose channel still needs closing.
type detachedRecord struct {
	rec     *Record
	wasOpen bool
}

func (m *Manager) detachRecordsLocked() []detachedRecord {
	detached := make([]detachedRecord, 0, len(m.records))
	for _, rec := range m.records {
		detached = append(detached, detachedRecord{rec: rec, wasOpen: rec.State == ChannelOpen})
		m.removeRecordLocked(rec)
	}
	return detached
}

func (m *Manager) closeDetached(detached []detachedRecord) {
	for _, d := range detached {
		if err := d.rec.channel.Close(); err != nil {
			log.Debug().Err(err).Str("remote_peer_id", d.rec.RemotePeerID).Msg("failed to close channel")
		}
		if d.wasOpen {
			m.emit(Event{Type: EventClosed, RemotePeerID: d.rec.RemotePeerID, Role: models.RoleNone})
		}
	}
}

// teardownLocked invalidates the current identity generation. The returned
// records and peer must be released with finishTeardown after unlocking.
func (m *Manager) teardownLocked() ([]detachedRecord, Peer) {
	detached := m.detachRecordsLocked()
	peer := m.peer

	m.generation++
	if m.attempt != nil {
		select {
		case <-m.attempt.done:
		default:
			if m.attempt.err == nil {
				m.attempt.err = ErrNotReady
			}
			close(m.attempt.done)
		}
		m.attempt = nil
	}
	if m.lifetime != nil {
		close(m.lifetime)
		m.lifetime = nil
	}
	m.peer = nil
	m.localID = ""
	m.state = StateIdle
	m.role = models.RoleNone

	return detached, peer
}

func (m *Manager) finishTeardown(detached []detachedRecord, peer Peer) {
	m.closeDetached(detached)
	if peer != nil {
		peer.Destroy()
	}
}

// emit publishes an event without blocking the transport goroutines.
func (m *Manager) emit(ev Event) {
	select {
	case m.events <- ev:
	default:
		log.Warn().
			Str("event_type", string(ev.Type)).
			Str("remote_peer_id", ev.RemotePeerID).
			Msg("event channel full, dropping event")
	}
}

// State returns the identity lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Role returns the local role.
func (m *Manager) Role() models.Role {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.role
}

// LocalID returns the local peer identity, empty while Idle.
func (m *Manager) LocalID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.localID
}

// LastError returns the most recent human-readable transport error.
func (m *Manager) LastError() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastError
}

// IsOpen reports whether the record for remoteID has an open channel.
func (m *Manager) IsOpen(remoteID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, exists := m.records[remoteID]
	return exists && rec.State == ChannelOpen
}

// OpenCount returns the number of open records.
func (m *Manager) OpenCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, rec := range m.records {
		if rec.State == ChannelOpen {
			count++
		}
	}
	return count
}

// Records returns a snapshot of every record.
func (m *Manager) Records() []RecordInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	infos := make([]RecordInfo, 0, len(m.records))
	for _, rec := range m.records {
		infos = append(infos, rec.info())
	}
	return infos
}

// Stats summarizes the manager for diagnostics
type Stats struct {
	LocalPeerID string       `json:"local_peer_id"`
	State       State        `json:"state"`
	Role        models.Role  `json:"role"`
	LastError   string       `json:"last_error,omitempty"`
	Connections []RecordInfo `json:"connections"`
}

// GetConnectionStats returns statistics about the identity and its connections
func (m *Manager) GetConnectionStats() Stats {
	records := m.Records()

	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		LocalPeerID: m.localID,
		State:       m.state,
		Role:        m.role,
		LastError:   m.lastError,
		Connections: records,
	}
}
