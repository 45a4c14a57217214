package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/InterwebAlchemy/collabodoro/go/internal/models"
	"github.com/InterwebAlchemy/collabodoro/go/internal/session"
	"github.com/InterwebAlchemy/collabodoro/go/internal/session/timer"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

const helpText = `commands:
  s | start          start or stop the timer
  p | pause          pause or resume
  r | reset          reset the current phase
  d <work> <rest>    set phase durations, e.g. "d 25m 5m"
  set <progress>     jump to a point in the phase, e.g. "set 10m"
  status             show the timer and connections
  leave              leave the shared session and keep going solo
  q | quit           exit`

func newHostCmd(app *app) *cobra.Command {
	var peerID string

	cmd := &cobra.Command{
		Use:   "host",
		Short: "Start a timer others can join",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			s, err := setupServices(app.cfg, peerID)
			if err != nil {
				return err
			}
			defer s.Close()

			id, err := s.Host(ctx)
			if err != nil {
				return fmt.Errorf("failed to host session: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "hosting session %s\nothers can join with: collabodoro join %s\n", id, id)

			return runInteractive(ctx, s, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&peerID, "id", "", "peer id to register instead of a generated one")
	return cmd
}

func newJoinCmd(app *app) *cobra.Command {
	return &cobra.Command{
		Use:   "join <peer-id>",
		Short: "Join a hosted timer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			s, err := setupServices(app.cfg, "")
			if err != nil {
				return err
			}
			defer s.Close()

			fmt.Fprintf(cmd.OutOrStdout(), "joining %s...\n", args[0])
			if err := s.Join(ctx, args[0]); err != nil {
				return fmt.Errorf("failed to join session: %w", err)
			}

			return runInteractive(ctx, s, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
}

// runInteractive prints every update and executes commands read from in
// until quit, EOF or ctx is done.
func runInteractive(ctx context.Context, s *session.Session, in io.Reader, out io.Writer) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	defer func() {
		if err := s.Leave(context.Background()); err != nil {
			log.Debug().Err(err).Msg("leave on exit failed")
		}
	}()

	last := ""
	for {
		select {
		case <-ctx.Done():
			return nil
		case u := <-s.Updates():
			// Ticks that change nothing visible are not reprinted.
			if line := formatUpdate(u, s.Direction()); line != last {
				fmt.Fprintln(out, line)
				last = line
			}
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			quit, err := handleLine(ctx, s, line, out)
			if err != nil {
				fmt.Fprintf(out, "error: %v\n", err)
			}
			if quit {
				return nil
			}
		}
	}
}

var errUsage = errors.New("invalid arguments, type help for usage")

// handleLine executes one interactive command. It reports whether the user
// asked to quit.
func handleLine(ctx context.Context, s *session.Session, line string, out io.Writer) (bool, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false, nil
	}

	switch strings.ToLower(fields[0]) {
	case "s", "start", "stop":
		return false, s.Start(ctx)
	case "p", "pause", "resume":
		return false, s.Pause(ctx)
	case "r", "reset":
		return false, s.Reset(ctx)
	case "d", "durations":
		if len(fields) != 3 {
			return false, errUsage
		}
		work, err := timer.ParseTimeInput(fields[1])
		if err != nil {
			return false, err
		}
		rest, err := timer.ParseTimeInput(fields[2])
		if err != nil {
			return false, err
		}
		return false, s.SetDurations(ctx, work, rest)
	case "set":
		if len(fields) != 2 {
			return false, errUsage
		}
		progress, err := timer.ParseTimeInput(fields[1])
		if err != nil {
			return false, err
		}
		return false, s.SetProgress(ctx, progress)
	case "status":
		u, err := s.Snapshot(ctx)
		if err != nil {
			return false, err
		}
		fmt.Fprintln(out, formatUpdate(u, s.Direction()))
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return false, enc.Encode(s.Stats())
	case "leave":
		return false, s.Leave(ctx)
	case "h", "help", "?":
		fmt.Fprintln(out, helpText)
		return false, nil
	case "q", "quit", "exit":
		return true, nil
	default:
		return false, fmt.Errorf("unknown command %q, type help for usage", fields[0])
	}
}

// formatUpdate renders one status line, e.g.
// "[host brave-otter-1234, 2 peers] Working 24M 05S".
func formatUpdate(u session.Update, direction models.Direction) string {
	var b strings.Builder

	switch u.Role {
	case models.RoleHost:
		fmt.Fprintf(&b, "[host %s, %s] ", u.LocalPeerID, plural(u.Connections, "peer"))
	case models.RoleClient:
		b.WriteString("[joined] ")
	}

	state := u.State
	fmt.Fprintf(&b, "%s %s", timer.StatusLabel(state, u.Joining, u.Connections > 0), timer.Humanize(state, direction))
	if u.LastError != "" {
		fmt.Fprintf(&b, " (%s)", u.LastError)
	}
	return b.String()
}

func plural(n int, noun string) string {
	if n == 1 {
		return fmt.Sprintf("1 %s", noun)
	}
	return fmt.Sprintf("%d %ss", n, noun)
}
