package signaling

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"time"

	"github.com/InterwebAlchemy/collabodoro/go/internal/config"
	"github.com/rs/cors"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// Peer ids double as NATS subject tokens and key-value keys.
var peerIDPattern = regexp.MustCompile(`^[A-Za-z0-9]+(?:[_-][A-Za-z0-9]+)*$`)

const maxPeerIDLength = 64

// ValidPeerID reports whether id may be registered
func ValidPeerID(id string) bool {
	return len(id) <= maxPeerIDLength && peerIDPattern.MatchString(id)
}

// Config holds configuration for the signaling service
type Config struct {
	Port           int
	Connection     ConnectionConfig
	AllowedOrigins []string

	// Relay is nil when the server runs as a single instance.
	Relay *NATSRelayConfig
}

// NewConfig builds the service configuration from loaded settings
func NewConfig(settings config.SignalingConfig) Config {
	conn := DefaultConnectionConfig()
	if settings.PingInterval > 0 {
		conn.PingInterval = settings.PingInterval
	}
	if settings.PongWait > 0 {
		conn.ReadTimeout = settings.PongWait
	}
	if settings.WriteWait > 0 {
		conn.WriteTimeout = settings.WriteWait
	}
	if settings.MaxMessageSize > 0 {
		conn.MaxMessageSize = settings.MaxMessageSize
	}

	cfg := Config{
		Port:           settings.Port,
		Connection:     conn,
		AllowedOrigins: settings.AllowedOrigins,
	}
	if settings.NATSURL != "" {
		relay := DefaultNATSRelayConfig()
		relay.URL = settings.NATSURL
		cfg.Relay = &relay
	}
	return cfg
}

// Service is the signaling server: peer registry, optional relay and HTTP
// routes.
type Service struct {
	registry  *Registry
	relay     *NATSRelay
	config    Config
	startedAt time.Time
}

// NewService creates a signaling service, connecting the relay if one is
// configured
func NewService(ctx context.Context, cfg Config) (*Service, error) {
	var (
		relay    *NATSRelay
		registry *Registry
	)

	if cfg.Relay != nil {
		r, err := NewNATSRelay(ctx, *cfg.Relay)
		if err != nil {
			return nil, fmt.Errorf("failed to create relay: %w", err)
		}
		relay = r
		registry = NewRegistry(cfg.Connection, relay)
	} else {
		registry = NewRegistry(cfg.Connection, nil)
	}

	return newService(registry, relay, cfg), nil
}

func newService(registry *Registry, relay *NATSRelay, cfg Config) *Service {
	return &Service{
		registry:  registry,
		relay:     relay,
		config:    cfg,
		startedAt: time.Now(),
	}
}

// Registry returns the peer registry
func (s *Service) Registry() *Registry {
	return s.registry
}

// Start runs the registry until ctx is cancelled
func (s *Service) Start(ctx context.Context) {
	log.Info().Msg("starting signaling service")
	s.registry.Start(ctx)
}

// Stop releases the relay connection
func (s *Service) Stop() error {
	if s.relay != nil {
		if err := s.relay.Close(); err != nil {
			return err
		}
	}
	log.Info().Msg("signaling service stopped")
	return nil
}

// RegisterRoutes registers the signaling HTTP routes
func (s *Service) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws/peer", s.handlePeerConnection)
	mux.HandleFunc("/ws/stats", s.handleStats)
	mux.HandleFunc("GET /api/peers/{id}", s.handlePeerLookup)
	mux.HandleFunc("DELETE /api/peers/{id}", s.handlePeerDisconnect)
	mux.HandleFunc("/health", s.handleHealth)
}

// Handler returns the routes wrapped with CORS and h2c
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	origins := s.config.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	c := cors.New(cors.Options{
		AllowedMethods: []string{
			http.MethodHead,
			http.MethodGet,
			http.MethodDelete,
			http.MethodOptions,
		},
		AllowedOrigins: origins,
		AllowedHeaders: []string{"*"},
	})

	return h2c.NewHandler(c.Handler(mux), &http2.Server{})
}

// ListenAndServe serves the signaling routes until ctx is cancelled
func (s *Service) ListenAndServe(ctx context.Context) error {
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.config.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go s.Start(ctx)

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", server.Addr).Msg("signaling server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("signaling server failed: %w", err)
		}
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("signaling server shutdown failed")
	}
	return s.Stop()
}

func (s *Service) handlePeerConnection(w http.ResponseWriter, r *http.Request) {
	peerID := r.URL.Query().Get("id")
	if peerID == "" {
		http.Error(w, "id is required", http.StatusBadRequest)
		return
	}
	if !ValidPeerID(peerID) {
		http.Error(w, "invalid id format", http.StatusBadRequest)
		return
	}

	// After the upgrade the response belongs to the websocket, so failures
	// are only logged.
	if err := s.registry.UpgradeConnection(w, r, peerID); err != nil {
		log.Debug().
			Err(err).
			Str("peer_id", peerID).
			Msg("peer connection not registered")
	}
}

func (s *Service) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.GetConnectionStats())
}

type peerLookup struct {
	ID         string `json:"id"`
	Registered bool   `json:"registered"`
}

func (s *Service) handlePeerLookup(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !ValidPeerID(id) {
		http.Error(w, "invalid id format", http.StatusBadRequest)
		return
	}

	lookup := peerLookup{ID: id, Registered: s.registry.IsRegistered(r.Context(), id)}
	code := http.StatusOK
	if !lookup.Registered {
		code = http.StatusNotFound
	}
	writeJSON(w, code, lookup)
}

func (s *Service) handlePeerDisconnect(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.registry.Disconnect(id) {
		http.Error(w, "peer not connected", http.StatusNotFound)
		return
	}
	log.Info().Str("peer_id", id).Msg("peer disconnected by request")
	w.WriteHeader(http.StatusNoContent)
}
