package models

// Role defines which side of a session a process plays.
type Role string

const (
	// RoleNone is the undetermined role of a process without an open connection.
	RoleNone   Role = "NONE"
	RoleHost   Role = "HOST"
	RoleClient Role = "CLIENT"
)

// IsHost reports whether the role holds write authority over SessionState.
func (r Role) IsHost() bool {
	return r == RoleHost
}

// Direction defines how the timer face displays progress.
type Direction string

const (
	DirectionCountUp   Direction = "countUp"
	DirectionCountDown Direction = "countDown"
)
