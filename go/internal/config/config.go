package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/InterwebAlchemy/collabodoro/go/internal/models"
	"github.com/InterwebAlchemy/collabodoro/go/internal/session/timer"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

// Seconds is a duration in whole seconds that also accepts "25m" style
// values in YAML.
type Seconds int

func (s *Seconds) UnmarshalYAML(node *yaml.Node) error {
	v, err := timer.ParseTimeInput(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*s = Seconds(v)
	return nil
}

// Config holds every tunable of the client and the signaling server
type Config struct {
	Env          string   `yaml:"env"`
	LogLevel     string   `yaml:"log_level"`
	SignalingURL string   `yaml:"signaling_url"`
	ICEServers   []string `yaml:"ice_servers"`

	InitTimeout       time.Duration `yaml:"init_timeout"`
	ConnectTimeout    time.Duration `yaml:"connect_timeout"`
	SyncInterval      time.Duration `yaml:"sync_interval"`
	StateRequestDelay time.Duration `yaml:"state_request_delay"`
	ResetPulse        time.Duration `yaml:"reset_pulse"`
	ResumeAttempts    int           `yaml:"resume_attempts"`
	ResumeBackoff     time.Duration `yaml:"resume_backoff"`

	WorkTime        Seconds          `yaml:"work_time"`
	RestTime        Seconds          `yaml:"rest_time"`
	Direction       models.Direction `yaml:"direction"`
	PauseStartsIdle bool             `yaml:"pause_starts_idle"`

	Sounds    SoundsConfig    `yaml:"sounds"`
	Signaling SignalingConfig `yaml:"signaling"`
}

// SoundsConfig selects how notification sounds are played
type SoundsConfig struct {
	Enabled bool              `yaml:"enabled"`
	Command string            `yaml:"command"`
	Files   map[string]string `yaml:"files"`
}

// SignalingConfig holds signaling server settings
type SignalingConfig struct {
	Port              int           `yaml:"port"`
	NATSURL           string        `yaml:"nats_url"`
	AllowedOrigins    []string      `yaml:"allowed_origins"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	PingInterval      time.Duration `yaml:"ping_interval"`
	PongWait          time.Duration `yaml:"pong_wait"`
	WriteWait         time.Duration `yaml:"write_wait"`
	MaxMessageSize    int64         `yaml:"max_message_size"`
}

// Defaults returns the settings for env. Development shortens phases and
// timeouts so a full cycle can be watched in seconds.
func Defaults(env string) Config {
	cfg := Config{
		Env:          EnvProduction,
		LogLevel:     "info",
		SignalingURL: "ws://localhost:9000/ws/peer",
		ICEServers: []string{
			"stun:stun.l.google.com:19302",
			"stun:global.stun.twilio.com:3478",
		},
		InitTimeout:       25 * time.Second,
		ConnectTimeout:    25 * time.Second,
		SyncInterval:      10 * time.Second,
		StateRequestDelay: 500 * time.Millisecond,
		ResetPulse:        100 * time.Millisecond,
		ResumeAttempts:    5,
		ResumeBackoff:     2 * time.Second,
		WorkTime:          1500,
		RestTime:          300,
		Direction:         models.DirectionCountDown,
		PauseStartsIdle:   true,
		Signaling: SignalingConfig{
			Port:              9000,
			AllowedOrigins:    []string{"*"},
			HeartbeatInterval: 5 * time.Second,
			PingInterval:      54 * time.Second,
			PongWait:          60 * time.Second,
			WriteWait:         10 * time.Second,
			MaxMessageSize:    64 * 1024,
		},
	}

	if env == EnvDevelopment {
		cfg.Env = EnvDevelopment
		cfg.LogLevel = "debug"
		cfg.InitTimeout = 10 * time.Second
		cfg.ConnectTimeout = 10 * time.Second
		cfg.SyncInterval = 2 * time.Second
		cfg.WorkTime = 15
		cfg.RestTime = 5
	}
	return cfg
}

// Load reads .env files, then the YAML file at path (optional), then
// COLLABODORO_* environment overrides.
func Load(path string, envFiles ...string) (*Config, error) {
	if err := godotenv.Load(envFiles...); err != nil {
		log.Debug().Err(err).Msg("no .env file loaded")
	}

	cfg := Defaults(getEnv("COLLABODORO_ENV", EnvProduction))

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() error {
	c.LogLevel = getEnv("COLLABODORO_LOG_LEVEL", c.LogLevel)
	c.SignalingURL = getEnv("COLLABODORO_SIGNALING_URL", c.SignalingURL)
	c.Direction = models.Direction(getEnv("COLLABODORO_DIRECTION", string(c.Direction)))
	c.InitTimeout = getEnvAsDuration("COLLABODORO_INIT_TIMEOUT", c.InitTimeout)
	c.ConnectTimeout = getEnvAsDuration("COLLABODORO_CONNECT_TIMEOUT", c.ConnectTimeout)
	c.SyncInterval = getEnvAsDuration("COLLABODORO_SYNC_INTERVAL", c.SyncInterval)
	c.ResumeAttempts = getEnvAsInt("COLLABODORO_RESUME_ATTEMPTS", c.ResumeAttempts)
	c.Sounds.Enabled = getEnvAsBool("COLLABODORO_SOUNDS", c.Sounds.Enabled)
	c.Sounds.Command = getEnv("COLLABODORO_SOUND_COMMAND", c.Sounds.Command)

	if ice := os.Getenv("COLLABODORO_ICE_SERVERS"); ice != "" {
		c.ICEServers = strings.Split(ice, ",")
	}
	for key, field := range map[string]*Seconds{
		"COLLABODORO_WORK_TIME": &c.WorkTime,
		"COLLABODORO_REST_TIME": &c.RestTime,
	} {
		if value := os.Getenv(key); value != "" {
			seconds, err := timer.ParseTimeInput(value)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*field = Seconds(seconds)
		}
	}

	c.Signaling.Port = getEnvAsInt("PORT", c.Signaling.Port)
	c.Signaling.NATSURL = getEnv("NATS_URL", c.Signaling.NATSURL)
	return nil
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var errs []error
	if c.WorkTime <= 0 || c.RestTime <= 0 {
		errs = append(errs, fmt.Errorf("work_time and rest_time must be positive, got %d and %d", c.WorkTime, c.RestTime))
	}
	if c.InitTimeout <= 0 || c.ConnectTimeout <= 0 {
		errs = append(errs, errors.New("init_timeout and connect_timeout must be positive"))
	}
	if c.SyncInterval <= 0 {
		errs = append(errs, errors.New("sync_interval must be positive"))
	}
	if c.Direction != models.DirectionCountUp && c.Direction != models.DirectionCountDown {
		errs = append(errs, fmt.Errorf("direction must be %q or %q, got %q", models.DirectionCountUp, models.DirectionCountDown, c.Direction))
	}
	if c.Signaling.Port <= 0 || c.Signaling.Port > 65535 {
		errs = append(errs, fmt.Errorf("signaling port %d out of range", c.Signaling.Port))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
