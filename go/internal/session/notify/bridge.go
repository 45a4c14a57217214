package notify

import (
	"github.com/InterwebAlchemy/collabodoro/go/internal/models"
	"github.com/rs/zerolog/log"
)

// Sound identifies an audible cue.
type Sound string

const (
	SoundConnecting   Sound = "CONNECTING"
	SoundJoined       Sound = "JOINED"
	SoundLeft         Sound = "LEFT"
	SoundDisconnected Sound = "DISCONNECTED"
	SoundNotification Sound = "NOTIFICATION"
)

// Player plays and stops sounds. Implementations must not block the caller
// for the duration of the sound.
type Player interface {
	Play(sound Sound) error
	Stop(sound Sound) error
}

// Bridge maps session events to sounds. Player failures are logged and never
// returned.
type Bridge struct {
	player  Player
	enabled bool
}

// NewBridge creates a bridge. With enabled false, events are only logged.
func NewBridge(player Player, enabled bool) *Bridge {
	if player == nil {
		player = LogPlayer{}
	}
	return &Bridge{
		player:  player,
		enabled: enabled,
	}
}

// ConnectStarted plays the connecting cue until ConnectFinished.
func (b *Bridge) ConnectStarted(remoteID string) {
	log.Debug().Str("remote_peer_id", remoteID).Msg("connect attempt started")
	b.play(SoundConnecting)
}

// ConnectFinished stops the connecting cue whatever the outcome.
func (b *Bridge) ConnectFinished(remoteID string, err error) {
	log.Debug().Str("remote_peer_id", remoteID).AnErr("result", err).Msg("connect attempt finished")
	b.stop(SoundConnecting)
}

// PeerJoined signals a newly opened connection.
func (b *Bridge) PeerJoined(remoteID string) {
	log.Info().Str("remote_peer_id", remoteID).Msg("peer joined")
	b.play(SoundJoined)
}

// PeerLeft signals a closed connection while others remain open.
func (b *Bridge) PeerLeft(remoteID string) {
	log.Info().Str("remote_peer_id", remoteID).Msg("peer left")
	b.play(SoundLeft)
}

// Disconnected signals that no connections remain.
func (b *Bridge) Disconnected() {
	log.Info().Msg("session disconnected")
	b.play(SoundDisconnected)
}

// PhaseCompleted signals a work or rest boundary. next is the phase that
// has just begun.
func (b *Bridge) PhaseCompleted(next models.Phase) {
	log.Info().Str("next_phase", string(next)).Msg("phase completed")
	b.play(SoundNotification)
}

func (b *Bridge) play(sound Sound) {
	if !b.enabled {
		return
	}
	if err := b.player.Play(sound); err != nil {
		log.Warn().Err(err).Str("sound", string(sound)).Msg("failed to play sound")
	}
}

func (b *Bridge) stop(sound Sound) {
	if !b.enabled {
		return
	}
	if err := b.player.Stop(sound); err != nil {
		log.Warn().Err(err).Str("sound", string(sound)).Msg("failed to stop sound")
	}
}
