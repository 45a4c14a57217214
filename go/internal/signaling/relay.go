package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"
)

// NATSRelayConfig holds configuration for the NATS relay
type NATSRelayConfig struct {
	URL            string
	SubjectPrefix  string
	PresenceBucket string
	PresenceTTL    time.Duration
	MaxReconnects  int
	ReconnectWait  time.Duration
}

// DefaultNATSRelayConfig returns default relay configuration
func DefaultNATSRelayConfig() NATSRelayConfig {
	return NATSRelayConfig{
		URL:            nats.DefaultURL,
		SubjectPrefix:  "signal.peer",
		PresenceBucket: "SIGNAL_PEERS",
		PresenceTTL:    time.Minute,
		MaxReconnects:  -1, // Infinite
		ReconnectWait:  2 * time.Second,
	}
}

// NATSRelay shares peer presence through a JetStream key-value bucket and
// forwards envelopes over core NATS subjects, one per peer.
type NATSRelay struct {
	nc       *nats.Conn
	js       jetstream.JetStream
	presence jetstream.KeyValue
	config   NATSRelayConfig

	// instanceID is stored as the owner of every claimed key.
	instanceID string

	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// NewNATSRelay connects to NATS and ensures the presence bucket exists
func NewNATSRelay(ctx context.Context, config NATSRelayConfig) (*NATSRelay, error) {
	opts := []nats.Option{
		nats.Name("collabodoro-signaling"),
		nats.MaxReconnects(config.MaxReconnects),
		nats.ReconnectWait(config.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error().Err(err).Msg("NATS error")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      config.PresenceBucket,
		Description: "signaling peer ids and the instance holding them",
		History:     1,
		TTL:         config.PresenceTTL,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("ensure presence bucket: %w", err)
	}

	log.Info().
		Str("url", nc.ConnectedUrl()).
		Str("bucket", config.PresenceBucket).
		Msg("NATS relay connected")

	return &NATSRelay{
		nc:         nc,
		js:         js,
		presence:   kv,
		config:     config,
		instanceID: uuid.New().String(),
		subs:       make(map[string]*nats.Subscription),
	}, nil
}

func (r *NATSRelay) subject(peerID string) string {
	return r.config.SubjectPrefix + "." + peerID
}

// Claim records peerID as held by this instance. It reports false when
// another holder exists.
func (r *NATSRelay) Claim(ctx context.Context, peerID string) (bool, error) {
	_, err := r.presence.Create(ctx, peerID, []byte(r.instanceID))
	if errors.Is(err, jetstream.ErrKeyExists) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("claim peer id: %w", err)
	}
	return true, nil
}

// Refresh rewrites the presence key so the bucket TTL does not expire it.
func (r *NATSRelay) Refresh(ctx context.Context, peerID string) {
	if _, err := r.presence.Put(ctx, peerID, []byte(r.instanceID)); err != nil {
		log.Warn().Err(err).Str("peer_id", peerID).Msg("failed to refresh presence")
	}
}

// Release deletes the presence key if this instance still owns it.
func (r *NATSRelay) Release(ctx context.Context, peerID string) {
	entry, err := r.presence.Get(ctx, peerID)
	if err != nil {
		if !errors.Is(err, jetstream.ErrKeyNotFound) {
			log.Warn().Err(err).Str("peer_id", peerID).Msg("failed to read presence")
		}
		return
	}
	if string(entry.Value()) != r.instanceID {
		return
	}
	if err := r.presence.Delete(ctx, peerID, jetstream.LastRevision(entry.Revision())); err != nil {
		log.Warn().Err(err).Str("peer_id", peerID).Msg("failed to release presence")
	}
}

// Present reports whether any instance holds peerID.
func (r *NATSRelay) Present(ctx context.Context, peerID string) (bool, error) {
	_, err := r.presence.Get(ctx, peerID)
	if errors.Is(err, jetstream.ErrKeyNotFound) || errors.Is(err, jetstream.ErrKeyDeleted) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup peer id: %w", err)
	}
	return true, nil
}

// Attach subscribes to envelopes published for peerID.
func (r *NATSRelay) Attach(peerID string, deliver func(Envelope)) error {
	sub, err := r.nc.Subscribe(r.subject(peerID), func(msg *nats.Msg) {
		var env Envelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			log.Error().Err(err).Str("subject", msg.Subject).Msg("failed to unmarshal relayed envelope")
			return
		}
		deliver(env)
	})
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	r.mu.Lock()
	if old, ok := r.subs[peerID]; ok {
		old.Unsubscribe()
	}
	r.subs[peerID] = sub
	r.mu.Unlock()
	return nil
}

// Detach stops relaying envelopes for peerID.
func (r *NATSRelay) Detach(peerID string) {
	r.mu.Lock()
	sub, ok := r.subs[peerID]
	delete(r.subs, peerID)
	r.mu.Unlock()

	if ok {
		if err := sub.Unsubscribe(); err != nil {
			log.Debug().Err(err).Str("peer_id", peerID).Msg("failed to unsubscribe")
		}
	}
}

// Publish forwards env to the instance holding env.Dst.
func (r *NATSRelay) Publish(env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if err := r.nc.Publish(r.subject(env.Dst), data); err != nil {
		return fmt.Errorf("publish envelope: %w", err)
	}
	return nil
}

// Status returns the NATS connection status
func (r *NATSRelay) Status() string {
	return r.nc.Status().String()
}

// Connected reports whether the NATS connection is up
func (r *NATSRelay) Connected() bool {
	return r.nc.IsConnected()
}

// Close unsubscribes every peer and drains the connection
func (r *NATSRelay) Close() error {
	r.mu.Lock()
	for id, sub := range r.subs {
		sub.Unsubscribe()
		delete(r.subs, id)
	}
	r.mu.Unlock()

	if err := r.nc.Drain(); err != nil {
		r.nc.Close()
		return fmt.Errorf("drain NATS connection: %w", err)
	}
	return nil
}
