package timer

import (
	"testing"
	"time"

	"github.com/InterwebAlchemy/collabodoro/go/internal/models"
	"github.com/InterwebAlchemy/collabodoro/go/internal/session/protocol"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T, work, rest int) (*Engine, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	opts := DefaultOptions()
	opts.WorkDuration = work
	opts.RestDuration = rest

	e, err := NewEngine(clock, opts)
	require.NoError(t, err)
	t.Cleanup(e.Stop)
	return e, clock
}

func receive(t *testing.T, ch <-chan time.Time) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("channel did not fire")
	}
}

func TestNewEngine_RejectsInvalidDurations(t *testing.T) {
	opts := DefaultOptions()
	opts.RestDuration = 0
	_, err := NewEngine(clockwork.NewFakeClock(), opts)
	assert.ErrorIs(t, err, ErrInvalidDuration)
}

func TestNewEngine_Idle(t *testing.T) {
	e, _ := newTestEngine(t, 1500, 300)
	s := e.Snapshot()

	assert.False(t, s.IsRunning)
	assert.False(t, s.IsPaused)
	assert.Equal(t, models.PhaseWorking, s.Phase)
	assert.Zero(t, s.Progress)
	assert.Nil(t, e.TickC())
	assert.Nil(t, e.PulseC())
}

func TestStart_Toggles(t *testing.T) {
	e, _ := newTestEngine(t, 1500, 300)

	msg := e.Start()
	assert.Equal(t, protocol.MessageStart, msg.Type)
	assert.True(t, e.Snapshot().IsRunning)
	assert.NotNil(t, e.TickC())

	_, err := e.SetProgress(40)
	require.NoError(t, err)

	msg = e.Start()
	assert.Equal(t, protocol.MessageStop, msg.Type)
	s := e.Snapshot()
	assert.False(t, s.IsRunning)
	assert.Zero(t, s.Progress)
	assert.Equal(t, models.PhaseWorking, s.Phase)
	assert.Nil(t, e.TickC())
}

func TestStart_MessageCarriesSnapshot(t *testing.T) {
	e, clock := newTestEngine(t, 1500, 300)

	msg := e.Start()
	require.NotNil(t, msg.Payload.IsRunning)
	assert.True(t, *msg.Payload.IsRunning)
	require.NotNil(t, msg.Payload.WorkTime)
	assert.Equal(t, 1500, *msg.Payload.WorkTime)
	require.NotNil(t, msg.Payload.Timestamp)
	assert.Equal(t, clock.Now().UnixMilli(), *msg.Payload.Timestamp)
}

func TestPause_Toggles(t *testing.T) {
	e, _ := newTestEngine(t, 1500, 300)
	e.Start()

	msg := e.Pause()
	assert.Equal(t, protocol.MessagePause, msg.Type)
	assert.True(t, e.Snapshot().IsPaused)
	assert.True(t, e.Snapshot().IsRunning)
	assert.Nil(t, e.TickC(), "paused timers do not tick")

	e.Pause()
	assert.False(t, e.Snapshot().IsPaused)
	assert.NotNil(t, e.TickC())
}

func TestPause_IdlePolicy(t *testing.T) {
	t.Run("starts idle timer", func(t *testing.T) {
		e, _ := newTestEngine(t, 1500, 300)

		msg := e.Pause()
		assert.Equal(t, protocol.MessageStart, msg.Type)
		assert.True(t, e.Snapshot().IsRunning)
	})

	t.Run("ignored on idle timer", func(t *testing.T) {
		clock := clockwork.NewFakeClock()
		opts := DefaultOptions()
		opts.PauseStartsIdle = false
		e, err := NewEngine(clock, opts)
		require.NoError(t, err)
		defer e.Stop()

		msg := e.Pause()
		assert.Equal(t, protocol.MessagePause, msg.Type)
		s := e.Snapshot()
		assert.False(t, s.IsRunning)
		assert.False(t, s.IsPaused)
	})
}

func TestTick_AdvancesOnlyWhenTicking(t *testing.T) {
	e, _ := newTestEngine(t, 10, 5)

	_, flipped := e.Tick()
	assert.False(t, flipped)
	assert.Zero(t, e.Snapshot().Progress, "idle timers do not advance")

	e.Start()
	e.Tick()
	e.Tick()
	assert.Equal(t, 2, e.Snapshot().Progress)

	e.Pause()
	e.Tick()
	assert.Equal(t, 2, e.Snapshot().Progress, "paused timers do not advance")
}

func TestTick_PhaseBoundary(t *testing.T) {
	e, _ := newTestEngine(t, 10, 5)
	e.Start()
	_, err := e.SetProgress(8)
	require.NoError(t, err)

	_, flipped := e.Tick()
	assert.False(t, flipped)
	assert.Equal(t, 9, e.Snapshot().Progress)

	msg, flipped := e.Tick()
	require.True(t, flipped)
	assert.Equal(t, protocol.MessageSync, msg.Type)
	require.NotNil(t, msg.Payload.IsResting)
	assert.True(t, *msg.Payload.IsResting)

	s := e.Snapshot()
	assert.Equal(t, models.PhaseResting, s.Phase)
	assert.Zero(t, s.Progress)
	assert.True(t, s.IsRunning)
}

func TestTick_AlternatesPhases(t *testing.T) {
	e, _ := newTestEngine(t, 3, 2)
	e.Start()

	var phases []models.Phase
	for i := 0; i < 10; i++ {
		if _, flipped := e.Tick(); flipped {
			phases = append(phases, e.Snapshot().Phase)
		}
	}
	assert.Equal(t, []models.Phase{models.PhaseResting, models.PhaseWorking, models.PhaseResting, models.PhaseWorking}, phases)
}

func TestTickC_FiresOnClock(t *testing.T) {
	e, clock := newTestEngine(t, 10, 5)
	e.Start()

	clock.Advance(time.Second)
	receive(t, e.TickC())
	e.Tick()
	assert.Equal(t, 1, e.Snapshot().Progress)
}

func TestReset_Pulse(t *testing.T) {
	e, clock := newTestEngine(t, 10, 5)
	e.Start()
	e.Tick()
	e.Tick()

	msg := e.Reset()
	assert.Equal(t, protocol.MessageReset, msg.Type)
	s := e.Snapshot()
	assert.True(t, s.WasReset)
	assert.False(t, s.IsRunning)
	assert.Zero(t, s.Progress)
	assert.Nil(t, e.TickC())
	require.NotNil(t, e.PulseC())

	clock.Advance(100 * time.Millisecond)
	receive(t, e.PulseC())
	assert.True(t, e.FinishReset())

	s = e.Snapshot()
	assert.False(t, s.WasReset)
	assert.True(t, s.IsRunning)
	assert.NotNil(t, e.TickC())
	assert.Nil(t, e.PulseC())
}

func TestReset_KeepsPhase(t *testing.T) {
	e, _ := newTestEngine(t, 2, 5)
	e.Start()
	e.Tick()
	e.Tick()
	require.Equal(t, models.PhaseResting, e.Snapshot().Phase)

	e.Reset()
	assert.Equal(t, models.PhaseResting, e.Snapshot().Phase)
}

func TestStart_CancelsPendingPulse(t *testing.T) {
	e, _ := newTestEngine(t, 10, 5)
	e.Start()
	e.Reset()

	e.Start()
	assert.Nil(t, e.PulseC())
	assert.False(t, e.FinishReset(), "no pulse is pending")
	assert.False(t, e.Snapshot().WasReset)
}

func TestSetDurations(t *testing.T) {
	e, _ := newTestEngine(t, 1500, 300)

	_, err := e.SetDurations(0, 10)
	assert.ErrorIs(t, err, ErrInvalidDuration)

	msg, err := e.SetDurations(60, 30)
	require.NoError(t, err)
	assert.Equal(t, protocol.MessageSync, msg.Type)
	assert.Equal(t, 60, *msg.Payload.WorkTime)

	work, rest := e.LocalDurations()
	assert.Equal(t, 60, work)
	assert.Equal(t, 30, rest)
}

func TestSetDurations_ShrinkBelowProgress(t *testing.T) {
	e, _ := newTestEngine(t, 100, 50)
	e.Start()
	_, err := e.SetProgress(80)
	require.NoError(t, err)

	_, err = e.SetDurations(30, 50)
	require.NoError(t, err)

	_, flipped := e.Tick()
	assert.True(t, flipped, "the next boundary check flips the phase")
}

func TestSetProgress_Range(t *testing.T) {
	e, _ := newTestEngine(t, 100, 50)

	_, err := e.SetProgress(-1)
	assert.ErrorIs(t, err, ErrProgressOutOfRange)
	_, err = e.SetProgress(101)
	assert.ErrorIs(t, err, ErrProgressOutOfRange)

	_, err = e.SetProgress(100)
	require.NoError(t, err)
	assert.Equal(t, 100, e.Snapshot().Progress)
}

func TestApply_FoldsHostMessages(t *testing.T) {
	host, _ := newTestEngine(t, 60, 30)
	client, _ := newTestEngine(t, 1500, 300)

	client.Apply(host.Start())
	host.Tick()
	host.Tick()
	client.Apply(host.Pause())

	assert.Equal(t, host.Snapshot().IsRunning, client.Snapshot().IsRunning)
	assert.Equal(t, host.Snapshot().IsPaused, client.Snapshot().IsPaused)
	assert.Equal(t, host.Snapshot().Progress, client.Snapshot().Progress)
	assert.Equal(t, 60, client.Snapshot().WorkDuration)
	assert.Nil(t, client.TickC())

	work, _ := client.LocalDurations()
	assert.Equal(t, 1500, work, "adopted durations are not local configuration")
}

func TestApply_Idempotent(t *testing.T) {
	host, _ := newTestEngine(t, 60, 30)
	client, _ := newTestEngine(t, 1500, 300)
	host.Start()
	msg, err := host.SetProgress(12)
	require.NoError(t, err)

	client.Apply(msg)
	once := client.Snapshot()
	client.Apply(msg)
	assert.Equal(t, once, client.Snapshot())
}

func TestApply_ResetSchedulesPulse(t *testing.T) {
	host, _ := newTestEngine(t, 60, 30)
	client, clock := newTestEngine(t, 60, 30)
	client.Apply(host.Start())

	client.Apply(host.Reset())
	assert.True(t, client.Snapshot().WasReset)
	assert.False(t, client.Snapshot().IsRunning)

	clock.Advance(100 * time.Millisecond)
	receive(t, client.PulseC())
	assert.True(t, client.FinishReset())
	assert.True(t, client.Snapshot().IsRunning)
}

func TestRestoreLocalDurations(t *testing.T) {
	host, _ := newTestEngine(t, 60, 30)
	client, _ := newTestEngine(t, 1500, 300)
	client.Apply(host.Start())
	require.Equal(t, 60, client.Snapshot().WorkDuration)

	client.RestoreLocalDurations()
	assert.Equal(t, 1500, client.Snapshot().WorkDuration)
	assert.Equal(t, 300, client.Snapshot().RestDuration)
}

func TestHalt(t *testing.T) {
	e, _ := newTestEngine(t, 60, 30)
	e.Start()
	e.Tick()

	e.Halt()
	s := e.Snapshot()
	assert.False(t, s.IsRunning)
	assert.Zero(t, s.Progress)
	assert.Nil(t, e.TickC())
}
