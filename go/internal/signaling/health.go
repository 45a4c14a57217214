package signaling

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

// HealthStatus is reported by /health
type HealthStatus struct {
	Healthy       bool      `json:"healthy"`
	StartedAt     time.Time `json:"started_at"`
	Peers         int       `json:"peers"`
	RelayEnabled  bool      `json:"relay_enabled"`
	NATSConnected bool      `json:"nats_connected"`
	Errors        []string  `json:"errors"`
}

// Check reports the health of the registry and relay
func (s *Service) Check() HealthStatus {
	status := HealthStatus{
		Healthy:   true,
		StartedAt: s.startedAt,
		Peers:     s.registry.GetConnectionStats().TotalPeers,
		Errors:    []string{},
	}

	if s.relay != nil {
		status.RelayEnabled = true
		status.NATSConnected = s.relay.Connected()
		if !status.NATSConnected {
			status.Healthy = false
			status.Errors = append(status.Errors, "NATS disconnected")
		}
	}
	return status
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := s.Check()
	code := http.StatusOK
	if !status.Healthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to write response")
	}
}
