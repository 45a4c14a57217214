package notify

import (
	"fmt"
	"io"
	"os/exec"
	"sync"

	"github.com/rs/zerolog/log"
)

// BellPlayer writes the terminal bell for each sound.
type BellPlayer struct {
	mu  sync.Mutex
	out io.Writer
}

// NewBellPlayer creates a bell player writing to out
func NewBellPlayer(out io.Writer) *BellPlayer {
	return &BellPlayer{out: out}
}

func (p *BellPlayer) Play(sound Sound) error {
	// No bell for the connecting loop.
	if sound == SoundConnecting {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, err := p.out.Write([]byte("\a")); err != nil {
		return fmt.Errorf("write bell: %w", err)
	}
	return nil
}

func (p *BellPlayer) Stop(Sound) error { return nil }

// LogPlayer records sounds in the log only.
type LogPlayer struct{}

func (LogPlayer) Play(sound Sound) error {
	log.Info().Str("sound", string(sound)).Msg("play sound")
	return nil
}

func (LogPlayer) Stop(sound Sound) error {
	log.Debug().Str("sound", string(sound)).Msg("stop sound")
	return nil
}

// CommandPlayer runs an external command such as "afplay" or "paplay" with
// the file configured for each sound.
type CommandPlayer struct {
	command string
	files   map[Sound]string

	mu      sync.Mutex
	running map[Sound]*exec.Cmd
}

// NewCommandPlayer creates a command player. Sounds without a file are skipped.
func NewCommandPlayer(command string, files map[Sound]string) *CommandPlayer {
	return &CommandPlayer{
		command: command,
		files:   files,
		running: make(map[Sound]*exec.Cmd),
	}
}

func (p *CommandPlayer) Play(sound Sound) error {
	file, ok := p.files[sound]
	if !ok || file == "" {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if prev, exists := p.running[sound]; exists {
		p.kill(sound, prev)
	}

	cmd := exec.Command(p.command, file)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", p.command, err)
	}
	p.running[sound] = cmd

	go func() {
		err := cmd.Wait()
		p.mu.Lock()
		if p.running[sound] == cmd {
			delete(p.running, sound)
		}
		p.mu.Unlock()
		if err != nil {
			log.Debug().Err(err).Str("sound", string(sound)).Msg("sound command exited")
		}
	}()
	return nil
}

func (p *CommandPlayer) Stop(sound Sound) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cmd, exists := p.running[sound]; exists {
		p.kill(sound, cmd)
	}
	return nil
}

func (p *CommandPlayer) kill(sound Sound, cmd *exec.Cmd) {
	delete(p.running, sound)
	if cmd.Process != nil {
		if err := cmd.Process.Kill(); err != nil {
			log.Debug().Err(err).Str("sound", string(sound)).Msg("failed to stop sound command")
		}
	}
}

// Playing reports whether a command for sound is still running.
func (p *CommandPlayer) Playing(sound Sound) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, exists := p.running[sound]
	return exists
}
