package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/InterwebAlchemy/collabodoro/go/internal/models"
	"github.com/InterwebAlchemy/collabodoro/go/internal/session/connection"
	"github.com/InterwebAlchemy/collabodoro/go/internal/session/notify"
	"github.com/InterwebAlchemy/collabodoro/go/internal/session/protocol"
	"github.com/InterwebAlchemy/collabodoro/go/internal/session/timer"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

var (
	ErrNotHost = errors.New("only the host can control a shared timer")
	ErrClosed  = errors.New("session closed")
)

// Options configures a Session
type Options struct {
	Timer             timer.Options
	SyncInterval      time.Duration // host drift correction broadcast
	StateRequestDelay time.Duration // client wait before asking for host state
	Direction         models.Direction
	UpdateBufferSize  int
}

// DefaultOptions returns production settings
func DefaultOptions() Options {
	return Options{
		Timer:             timer.DefaultOptions(),
		SyncInterval:      10 * time.Second,
		StateRequestDelay: 500 * time.Millisecond,
		Direction:         models.DirectionCountDown,
		UpdateBufferSize:  16,
	}
}

// Update is a snapshot published to renderers after every change.
type Update struct {
	State       models.SessionState
	Role        models.Role
	LocalPeerID string
	Connections int
	Joining     bool
	LastError   string
}

type command struct {
	run    func() error
	result chan error
}

// Session runs one pomodoro timer, solo or shared over peer connections.
// A single loop goroutine owns the engine and dispatcher; every other
// goroutine talks to it through commands.
type Session struct {
	conn       *connection.Manager
	engine     *timer.Engine
	dispatcher *protocol.Dispatcher
	bridge     *notify.Bridge
	clock      clockwork.Clock
	opts       Options

	commands chan command
	updates  chan Update
	done     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once

	// owned by the loop goroutine
	joining      bool
	following    bool // engine holds durations adopted from a host
	syncTicker   clockwork.Ticker
	stateRequest clockwork.Timer
}

// New creates a session over conn and starts its loop.
func New(conn *connection.Manager, clock clockwork.Clock, bridge *notify.Bridge, opts Options) (*Session, error) {
	engine, err := timer.NewEngine(clock, opts.Timer)
	if err != nil {
		return nil, err
	}
	if opts.SyncInterval <= 0 {
		opts.SyncInterval = 10 * time.Second
	}
	if opts.StateRequestDelay <= 0 {
		opts.StateRequestDelay = 500 * time.Millisecond
	}
	if opts.UpdateBufferSize <= 0 {
		opts.UpdateBufferSize = 16
	}
	if bridge == nil {
		bridge = notify.NewBridge(nil, false)
	}

	s := &Session{
		conn:       conn,
		engine:     engine,
		dispatcher: protocol.NewDispatcher(engine, conn),
		bridge:     bridge,
		clock:      clock,
		opts:       opts,
		commands:   make(chan command),
		updates:    make(chan Update, opts.UpdateBufferSize),
		done:       make(chan struct{}),
		stopped:    make(chan struct{}),
	}

	go s.run()
	return s, nil
}

// Updates streams state snapshots. Slow readers miss intermediate updates,
// never the latest one.
func (s *Session) Updates() <-chan Update {
	return s.updates
}

// Host registers the local identity so clients can join it. The returned
// peer id is the join link.
func (s *Session) Host(ctx context.Context) (string, error) {
	id, err := s.conn.Initialize(ctx)
	if err != nil {
		return "", err
	}
	log.Info().Str("peer_id", id).Msg("hosting session")
	s.notifyChanged(ctx)
	return id, nil
}

// Join connects to hostID as a client.
func (s *Session) Join(ctx context.Context, hostID string) error {
	if err := s.setJoining(ctx, true); err != nil {
		return err
	}
	defer s.setJoining(context.Background(), false)

	s.bridge.ConnectStarted(hostID)
	_, err := s.conn.Initialize(ctx)
	if err == nil {
		err = s.conn.Connect(ctx, hostID)
	}
	s.bridge.ConnectFinished(hostID, err)

	if err != nil {
		log.Error().Err(err).Str("remote_peer_id", hostID).Msg("failed to join session")
		return err
	}
	log.Info().Str("remote_peer_id", hostID).Msg("joined session")
	return nil
}

// Leave closes every connection and reverts to local durations.
func (s *Session) Leave(ctx context.Context) error {
	s.conn.Disconnect()
	return s.do(ctx, func() error {
		s.stopSync()
		s.cancelStateRequest()
		s.endFollowing()
		s.publish()
		return nil
	})
}

// Start starts an idle timer or stops a running one.
func (s *Session) Start(ctx context.Context) error {
	return s.control(ctx, func() (protocol.Message, error) {
		return s.engine.Start(), nil
	})
}

// Pause toggles the paused state.
func (s *Session) Pause(ctx context.Context) error {
	return s.control(ctx, func() (protocol.Message, error) {
		return s.engine.Pause(), nil
	})
}

// Reset clears progress in the current phase.
func (s *Session) Reset(ctx context.Context) error {
	return s.control(ctx, func() (protocol.Message, error) {
		return s.engine.Reset(), nil
	})
}

// SetDurations changes the work and rest durations in seconds.
func (s *Session) SetDurations(ctx context.Context, work, rest int) error {
	return s.control(ctx, func() (protocol.Message, error) {
		return s.engine.SetDurations(work, rest)
	})
}

// SetProgress overrides progress in the current phase.
func (s *Session) SetProgress(ctx context.Context, progress int) error {
	return s.control(ctx, func() (protocol.Message, error) {
		return s.engine.SetProgress(progress)
	})
}

// Snapshot returns the current state.
func (s *Session) Snapshot(ctx context.Context) (Update, error) {
	var update Update
	err := s.do(ctx, func() error {
		update = s.current()
		return nil
	})
	return update, err
}

// Stats returns connection diagnostics.
func (s *Session) Stats() connection.Stats {
	return s.conn.GetConnectionStats()
}

// Direction returns the configured display direction.
func (s *Session) Direction() models.Direction {
	return s.opts.Direction
}

// Close stops the loop and disconnects. It is safe to call more than once.
func (s *Session) Close() {
	s.stopOnce.Do(func() {
		close(s.done)
		<-s.stopped
		s.conn.Disconnect()
	})
}

// control runs a timer command on the loop. Connected clients are read-only.
func (s *Session) control(ctx context.Context, op func() (protocol.Message, error)) error {
	return s.do(ctx, func() error {
		role := s.conn.Role()
		if role == models.RoleClient {
			return ErrNotHost
		}

		msg, err := op()
		if err != nil {
			return err
		}
		if role.IsHost() {
			s.send(role, msg)
		}
		s.updateSync()
		s.publish()
		return nil
	})
}

func (s *Session) setJoining(ctx context.Context, joining bool) error {
	return s.do(ctx, func() error {
		s.joining = joining
		s.publish()
		return nil
	})
}

func (s *Session) notifyChanged(ctx context.Context) {
	if err := s.do(ctx, func() error {
		s.publish()
		return nil
	}); err != nil {
		log.Debug().Err(err).Msg("update not published")
	}
}

// do submits fn to the loop and waits for its result.
func (s *Session) do(ctx context.Context, fn func() error) error {
	cmd := command{run: fn, result: make(chan error, 1)}

	select {
	case s.commands <- cmd:
	case <-s.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-cmd.result:
		return err
	case <-s.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) run() {
	defer close(s.stopped)
	defer s.engine.Stop()
	defer s.stopSync()
	defer s.cancelStateRequest()

	log.Debug().Msg("session loop started")

	for {
		select {
		case <-s.done:
			log.Debug().Msg("session loop stopped")
			return

		case cmd := <-s.commands:
			cmd.result <- cmd.run()

		case ev := <-s.conn.Events():
			s.handleConnectionEvent(ev)

		case <-s.engine.TickC():
			s.handleTick()

		case <-s.engine.PulseC():
			if s.engine.FinishReset() {
				s.updateSync()
				s.publish()
			}

		case <-tickerChan(s.syncTicker):
			s.broadcastState()

		case <-timerChan(s.stateRequest):
			s.stateRequest = nil
			s.requestState()
		}
	}
}

func (s *Session) handleConnectionEvent(ev connection.Event) {
	switch ev.Type {
	case connection.EventOpened:
		s.bridge.PeerJoined(ev.RemotePeerID)
		switch ev.Role {
		case models.RoleHost:
			s.updateSync()
		case models.RoleClient:
			s.following = true
			s.dispatcher.ResetSequence()
			s.scheduleStateRequest()
		}

	case connection.EventClosed:
		if s.conn.OpenCount() > 0 {
			s.bridge.PeerLeft(ev.RemotePeerID)
			break
		}
		s.stopSync()
		s.cancelStateRequest()
		s.endFollowing()
		s.bridge.Disconnected()

	case connection.EventData:
		before := s.engine.Snapshot()
		res, err := s.dispatcher.HandleInbound(ev.Role, ev.RemotePeerID, ev.Data)
		if err != nil || !res.Applied {
			return
		}
		switch res.Message.Type {
		case protocol.MessageSync, protocol.MessageComplete:
			if after := s.engine.Snapshot(); after.Phase != before.Phase && after.IsRunning {
				s.bridge.PhaseCompleted(after.Phase)
			}
		}

	case connection.EventError:
		log.Warn().
			Str("remote_peer_id", ev.RemotePeerID).
			Str("error", ev.Message).
			Msg("connection error")
	}

	s.publish()
}

func (s *Session) handleTick() {
	msg, flipped := s.engine.Tick()
	if flipped {
		s.bridge.PhaseCompleted(s.engine.Snapshot().Phase)
		if role := s.conn.Role(); role.IsHost() {
			s.send(role, msg)
		}
	}
	s.publish()
}

func (s *Session) send(role models.Role, msg protocol.Message) {
	if err := s.dispatcher.Send(role, msg); err != nil {
		if errors.Is(err, connection.ErrSendFailure) {
			log.Debug().Str("message_type", string(msg.Type)).Msg("no clients to notify")
			return
		}
		log.Error().Err(err).Str("message_type", string(msg.Type)).Msg("failed to send timer message")
	}
}

func (s *Session) broadcastState() {
	role := s.conn.Role()
	if !role.IsHost() || !s.engine.Snapshot().Ticking() {
		s.stopSync()
		return
	}
	if err := s.dispatcher.BroadcastState(role); err != nil && !errors.Is(err, connection.ErrSendFailure) {
		log.Warn().Err(err).Msg("drift correction broadcast failed")
	}
}

func (s *Session) requestState() {
	role := s.conn.Role()
	if role != models.RoleClient {
		return
	}
	if err := s.dispatcher.RequestState(role); err != nil {
		log.Warn().Err(err).Msg("failed to request host state")
	}
}

// updateSync keeps the drift correction ticker running only while this
// process hosts a ticking timer.
func (s *Session) updateSync() {
	if s.conn.Role().IsHost() && s.engine.Snapshot().Ticking() {
		s.startSync()
		return
	}
	s.stopSync()
}

// endFollowing reverts to local durations once the host session is over.
func (s *Session) endFollowing() {
	if !s.following {
		return
	}
	s.following = false
	s.dispatcher.ResetSequence()
	s.engine.RestoreLocalDurations()
}

func (s *Session) startSync() {
	if s.syncTicker != nil {
		return
	}
	s.syncTicker = s.clock.NewTicker(s.opts.SyncInterval)
}

func (s *Session) stopSync() {
	if s.syncTicker == nil {
		return
	}
	s.syncTicker.Stop()
	s.syncTicker = nil
}

func (s *Session) scheduleStateRequest() {
	s.cancelStateRequest()
	s.stateRequest = s.clock.NewTimer(s.opts.StateRequestDelay)
}

func (s *Session) cancelStateRequest() {
	if s.stateRequest == nil {
		return
	}
	if !s.stateRequest.Stop() {
		select {
		case <-s.stateRequest.Chan():
		default:
		}
	}
	s.stateRequest = nil
}

func (s *Session) current() Update {
	stats := s.conn.GetConnectionStats()
	open := 0
	for _, rec := range stats.Connections {
		if rec.State == connection.ChannelOpen {
			open++
		}
	}
	return Update{
		State:       s.engine.Snapshot(),
		Role:        stats.Role,
		LocalPeerID: stats.LocalPeerID,
		Connections: open,
		Joining:     s.joining,
		LastError:   stats.LastError,
	}
}

// publish offers the latest update, displacing the oldest when full.
func (s *Session) publish() {
	update := s.current()
	for {
		select {
		case s.updates <- update:
			return
		default:
		}
		select {
		case <-s.updates:
		default:
		}
	}
}

func tickerChan(t clockwork.Ticker) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.Chan()
}

func timerChan(t clockwork.Timer) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.Chan()
}
