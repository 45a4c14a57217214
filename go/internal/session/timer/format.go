package timer

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/InterwebAlchemy/collabodoro/go/internal/models"
)

var ErrInvalidTimeInput = errors.New("invalid time format, use a value like '25m' or '30s'")

var timeInputPattern = regexp.MustCompile(`^(\d+)\s*(s|sec|seconds|m|min|minutes|h|hr|hours)$`)

// ParseTimeInput converts "30s", "25m", "1h" or a plain number of seconds
// into seconds. Blank input is zero.
func ParseTimeInput(input string) (int, error) {
	trimmed := strings.ToLower(strings.TrimSpace(input))
	if trimmed == "" {
		return 0, nil
	}

	if n, err := strconv.Atoi(trimmed); err == nil {
		if n < 0 {
			return 0, fmt.Errorf("%w: %q", ErrInvalidTimeInput, input)
		}
		return n, nil
	}

	match := timeInputPattern.FindStringSubmatch(trimmed)
	if match == nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidTimeInput, input)
	}
	value, err := strconv.Atoi(match[1])
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidTimeInput, input)
	}

	switch match[2][0] {
	case 'm':
		return value * 60, nil
	case 'h':
		return value * 3600, nil
	default:
		return value, nil
	}
}

// FormatTimeInput renders seconds in the largest whole unit, e.g. 1500 as "25m".
func FormatTimeInput(seconds int) string {
	switch {
	case seconds >= 3600 && seconds%3600 == 0:
		return fmt.Sprintf("%dh", seconds/3600)
	case seconds >= 60 && seconds%60 == 0:
		return fmt.Sprintf("%dm", seconds/60)
	default:
		return fmt.Sprintf("%ds", seconds)
	}
}

// Humanize renders the timer face for s, e.g. "24M 05S". Count-down shows
// the time remaining in the phase; seconds are only shown while running.
func Humanize(s models.SessionState, direction models.Direction) string {
	display := s.Progress
	if direction == models.DirectionCountDown {
		display = s.Remaining()
	}

	hours := display / 3600
	minutes := (display % 3600) / 60
	seconds := display % 60

	var parts []string
	if hours > 0 {
		parts = append(parts, fmt.Sprintf("%02dH", hours))
	}
	if minutes > 0 {
		parts = append(parts, fmt.Sprintf("%02dM", minutes))
	}
	if s.IsRunning || len(parts) == 0 {
		parts = append(parts, fmt.Sprintf("%02dS", seconds))
	}
	return strings.Join(parts, " ")
}

// StatusLabel describes what the timer face is showing.
func StatusLabel(s models.SessionState, joining, connected bool) string {
	switch {
	case s.IsPaused:
		return "Paused"
	case s.IsRunning || s.WasReset:
		if s.Phase == models.PhaseResting {
			return "Resting"
		}
		return "Working"
	case joining:
		return "Joining..."
	case connected:
		return "Waiting..."
	default:
		return "Start"
	}
}
