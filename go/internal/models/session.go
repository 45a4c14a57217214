package models

import "time"

// Phase defines which half of the pomodoro cycle the timer is in.
type Phase string

const (
	PhaseWorking Phase = "WORKING"
	PhaseResting Phase = "RESTING"
)

// Next returns the phase that follows p.
func (p Phase) Next() Phase {
	if p == PhaseWorking {
		return PhaseResting
	}
	return PhaseWorking
}

// SessionState is the replicated timer state. It is authoritative on the
// host and a read-replica on clients.
type SessionState struct {
	IsRunning    bool   `json:"is_running"`
	IsPaused     bool   `json:"is_paused"`
	WasReset     bool   `json:"was_reset"`
	Progress     int    `json:"progress"` // seconds elapsed in the current phase
	Phase        Phase  `json:"phase"`
	WorkDuration int    `json:"work_duration"` // seconds
	RestDuration int    `json:"rest_duration"` // seconds
	Timestamp    int64  `json:"timestamp"`     // unix millis of the last change
	Seq          uint64 `json:"seq,omitempty"`
}

// NewSessionState returns an idle state in the working phase.
func NewSessionState(workDuration, restDuration int) SessionState {
	return SessionState{
		Phase:        PhaseWorking,
		WorkDuration: workDuration,
		RestDuration: restDuration,
	}
}

// PhaseDuration returns the duration bound of the active phase in seconds.
func (s SessionState) PhaseDuration() int {
	if s.Phase == PhaseResting {
		return s.RestDuration
	}
	return s.WorkDuration
}

// Remaining returns the seconds left in the active phase, never negative.
func (s SessionState) Remaining() int {
	remaining := s.PhaseDuration() - s.Progress
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Ticking reports whether the state should advance once per second.
func (s SessionState) Ticking() bool {
	return s.IsRunning && !s.IsPaused
}

// Stamp sets the state timestamp to t in unix milliseconds.
func (s *SessionState) Stamp(t time.Time) {
	s.Timestamp = t.UnixMilli()
}
