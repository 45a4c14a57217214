package timer

import (
	"errors"
	"fmt"
	"time"

	"github.com/InterwebAlchemy/collabodoro/go/internal/models"
	"github.com/InterwebAlchemy/collabodoro/go/internal/session/protocol"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

var (
	ErrInvalidDuration    = errors.New("durations must be positive")
	ErrProgressOutOfRange = errors.New("progress is outside the active phase")
)

// Options configures an Engine
type Options struct {
	WorkDuration int           // seconds
	RestDuration int           // seconds
	TickInterval time.Duration // one progress unit
	ResetPulse   time.Duration // how long wasReset stays set
	// PauseStartsIdle makes Pause on an idle timer behave like Start.
	PauseStartsIdle bool
}

// DefaultOptions returns production durations
func DefaultOptions() Options {
	return Options{
		WorkDuration:    1500,
		RestDuration:    300,
		TickInterval:    time.Second,
		ResetPulse:      100 * time.Millisecond,
		PauseStartsIdle: true,
	}
}

// Engine owns one SessionState and the one-second tick that advances it.
//
// Engine is not safe for concurrent use. The session loop calls every method
// and selects on TickC and PulseC, so a tick or pulse that fires after the
// state changed is handled against the new state, never a stale copy.
type Engine struct {
	clock clockwork.Clock
	opts  Options
	state models.SessionState

	// durations configured locally, restored after leaving a host
	localWork int
	localRest int

	ticker clockwork.Ticker
	pulse  clockwork.Timer
}

// NewEngine creates an idle engine
func NewEngine(clock clockwork.Clock, opts Options) (*Engine, error) {
	if opts.WorkDuration <= 0 || opts.RestDuration <= 0 {
		return nil, fmt.Errorf("%w: work=%d rest=%d", ErrInvalidDuration, opts.WorkDuration, opts.RestDuration)
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = time.Second
	}
	if opts.ResetPulse <= 0 {
		opts.ResetPulse = 100 * time.Millisecond
	}

	e := &Engine{
		clock:     clock,
		opts:      opts,
		state:     models.NewSessionState(opts.WorkDuration, opts.RestDuration),
		localWork: opts.WorkDuration,
		localRest: opts.RestDuration,
	}
	e.state.Stamp(clock.Now())
	return e, nil
}

// Snapshot returns a copy of the current state.
func (e *Engine) Snapshot() models.SessionState {
	return e.state
}

// TickC fires once per TickInterval while the timer is ticking. It is nil
// otherwise, which blocks forever in a select.
func (e *Engine) TickC() <-chan time.Time {
	if e.ticker == nil {
		return nil
	}
	return e.ticker.Chan()
}

// PulseC fires when a pending reset pulse elapses.
func (e *Engine) PulseC() <-chan time.Time {
	if e.pulse == nil {
		return nil
	}
	return e.pulse.Chan()
}

// Start starts an idle timer in the working phase, or stops a running one.
// Either way progress returns to zero. The returned message is START or STOP.
func (e *Engine) Start() protocol.Message {
	e.cancelPulse()

	msgType := protocol.MessageStart
	if e.state.IsRunning {
		msgType = protocol.MessageStop
	}

	e.state.IsRunning = msgType == protocol.MessageStart
	e.state.IsPaused = false
	e.state.WasReset = false
	e.state.Progress = 0
	e.state.Phase = models.PhaseWorking

	log.Debug().Str("message_type", string(msgType)).Msg("timer toggled")
	return e.commit(msgType)
}

// Pause toggles isPaused on a running timer. On an idle timer it starts the
// timer when PauseStartsIdle is set and does nothing otherwise.
func (e *Engine) Pause() protocol.Message {
	if !e.state.IsRunning {
		if e.opts.PauseStartsIdle {
			return e.Start()
		}
		return e.commit(protocol.MessagePause)
	}

	e.cancelPulse()
	e.state.IsPaused = !e.state.IsPaused
	e.state.WasReset = false

	log.Debug().Bool("paused", e.state.IsPaused).Msg("timer pause toggled")
	return e.commit(protocol.MessagePause)
}

// Reset clears progress in the current phase and stops the timer, then
// restarts it once the reset pulse elapses.
func (e *Engine) Reset() protocol.Message {
	e.state.IsRunning = false
	e.state.IsPaused = false
	e.state.Progress = 0
	e.state.WasReset = true
	e.schedulePulse()

	log.Debug().Str("phase", string(e.state.Phase)).Msg("timer reset")
	return e.commit(protocol.MessageReset)
}

// FinishReset ends a reset pulse: wasReset clears and the timer runs again.
// It reports false when no pulse was pending.
func (e *Engine) FinishReset() bool {
	e.cancelPulse()
	if !e.state.WasReset {
		return false
	}
	e.state.WasReset = false
	e.state.IsRunning = true
	e.state.IsPaused = false
	e.state.Stamp(e.clock.Now())
	e.syncTicker()
	return true
}

// Tick advances progress by one unit. When progress reaches the active
// phase's duration it returns to zero, the phase flips, and a SYNC carrying
// the new phase is returned with flipped set.
func (e *Engine) Tick() (msg protocol.Message, flipped bool) {
	if !e.state.Ticking() {
		return protocol.Message{}, false
	}

	e.state.Progress++
	if e.state.Progress < e.state.PhaseDuration() {
		return protocol.Message{}, false
	}

	completed := e.state.Phase
	e.state.Progress = 0
	e.state.Phase = completed.Next()

	log.Info().
		Str("completed_phase", string(completed)).
		Str("next_phase", string(e.state.Phase)).
		Msg("phase completed")
	return e.commit(protocol.MessageSync), true
}

// SetDurations changes both phase durations. They apply from the next phase
// boundary check and become the locally configured defaults.
func (e *Engine) SetDurations(work, rest int) (protocol.Message, error) {
	if work <= 0 || rest <= 0 {
		return protocol.Message{}, fmt.Errorf("%w: work=%d rest=%d", ErrInvalidDuration, work, rest)
	}

	e.state.WorkDuration = work
	e.state.RestDuration = rest
	e.localWork = work
	e.localRest = rest

	log.Info().Int("work_duration", work).Int("rest_duration", rest).Msg("durations updated")
	return e.commit(protocol.MessageSync), nil
}

// SetProgress overrides progress within the active phase.
func (e *Engine) SetProgress(progress int) (protocol.Message, error) {
	if progress < 0 || progress > e.state.PhaseDuration() {
		return protocol.Message{}, fmt.Errorf("%w: %d not in [0, %d]", ErrProgressOutOfRange, progress, e.state.PhaseDuration())
	}

	e.state.Progress = progress
	return e.commit(protocol.MessageSync), nil
}

// Apply folds a host message over the local state. RESET also starts the
// local reset pulse.
func (e *Engine) Apply(msg protocol.Message) {
	e.state = msg.Payload.Merge(e.state)

	switch msg.Type {
	case protocol.MessageReset:
		e.state.WasReset = true
		e.schedulePulse()
	case protocol.MessageStart, protocol.MessageStop, protocol.MessagePause:
		// Mirrors the host, where these commands cancel a pending pulse.
		e.state.WasReset = false
		e.cancelPulse()
	}

	e.syncTicker()
}

// RestoreLocalDurations reverts durations adopted from a host to the locally
// configured ones.
func (e *Engine) RestoreLocalDurations() {
	e.state.WorkDuration = e.localWork
	e.state.RestDuration = e.localRest
	e.state.Stamp(e.clock.Now())
}

// LocalDurations returns the locally configured work and rest durations.
func (e *Engine) LocalDurations() (work, rest int) {
	return e.localWork, e.localRest
}

// Halt stops the timer without producing a message, releasing the ticker and
// any pending pulse.
func (e *Engine) Halt() {
	e.cancelPulse()
	e.state.IsRunning = false
	e.state.IsPaused = false
	e.state.WasReset = false
	e.state.Progress = 0
	e.state.Phase = models.PhaseWorking
	e.state.Stamp(e.clock.Now())
	e.syncTicker()
}

// Stop releases the ticker and pulse timer.
func (e *Engine) Stop() {
	e.cancelPulse()
	if e.ticker != nil {
		e.ticker.Stop()
		e.ticker = nil
	}
}

// commit stamps the state, reconciles the ticker and builds the full
// snapshot message.
func (e *Engine) commit(msgType protocol.MessageType) protocol.Message {
	e.state.Stamp(e.clock.Now())
	e.syncTicker()
	return protocol.FromState(msgType, e.state)
}

// syncTicker keeps exactly one ticker alive while the state is ticking.
func (e *Engine) syncTicker() {
	switch {
	case e.state.Ticking() && e.ticker == nil:
		e.ticker = e.clock.NewTicker(e.opts.TickInterval)
	case !e.state.Ticking() && e.ticker != nil:
		e.ticker.Stop()
		e.ticker = nil
	}
}

func (e *Engine) schedulePulse() {
	e.cancelPulse()
	e.pulse = e.clock.NewTimer(e.opts.ResetPulse)
}

func (e *Engine) cancelPulse() {
	if e.pulse == nil {
		return
	}
	if !e.pulse.Stop() {
		select {
		case <-e.pulse.Chan():
		default:
		}
	}
	e.pulse = nil
}
