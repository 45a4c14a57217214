package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeCluster stands in for NATS: presence keys and per-peer subscriptions
// shared by every registry attached to it.
type fakeCluster struct {
	mu     sync.Mutex
	owners map[string]string
	subs   map[string]func(Envelope)
}

func newFakeCluster() *fakeCluster {
	return &fakeCluster{
		owners: make(map[string]string),
		subs:   make(map[string]func(Envelope)),
	}
}

type fakeRelay struct {
	cluster *fakeCluster
	name    string
}

func (f *fakeRelay) Claim(_ context.Context, peerID string) (bool, error) {
	f.cluster.mu.Lock()
	defer f.cluster.mu.Unlock()
	if _, ok := f.cluster.owners[peerID]; ok {
		return false, nil
	}
	f.cluster.owners[peerID] = f.name
	return true, nil
}

func (f *fakeRelay) Refresh(_ context.Context, peerID string) {
	f.cluster.mu.Lock()
	f.cluster.owners[peerID] = f.name
	f.cluster.mu.Unlock()
}

func (f *fakeRelay) Release(_ context.Context, peerID string) {
	f.cluster.mu.Lock()
	if f.cluster.owners[peerID] == f.name {
		delete(f.cluster.owners, peerID)
	}
	f.cluster.mu.Unlock()
}

func (f *fakeRelay) Present(_ context.Context, peerID string) (bool, error) {
	f.cluster.mu.Lock()
	defer f.cluster.mu.Unlock()
	_, ok := f.cluster.owners[peerID]
	return ok, nil
}

func (f *fakeRelay) Attach(peerID string, deliver func(Envelope)) error {
	f.cluster.mu.Lock()
	f.cluster.subs[peerID] = deliver
	f.cluster.mu.Unlock()
	return nil
}

func (f *fakeRelay) Detach(peerID string) {
	f.cluster.mu.Lock()
	delete(f.cluster.subs, peerID)
	f.cluster.mu.Unlock()
}

func (f *fakeRelay) Publish(env Envelope) error {
	f.cluster.mu.Lock()
	deliver, ok := f.cluster.subs[env.Dst]
	f.cluster.mu.Unlock()
	if !ok {
		return errors.New("no subscriber")
	}
	deliver(env)
	return nil
}

func (f *fakeRelay) Status() string { return "CONNECTED" }

func startServer(t *testing.T, relay Relay) (*Service, *httptest.Server) {
	t.Helper()
	svc := newService(NewRegistry(DefaultConnectionConfig(), relay), nil, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	go svc.Start(ctx)

	srv := httptest.NewServer(svc.Handler())
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return svc, srv
}

func dial(t *testing.T, srv *httptest.Server, id string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/peer?id=" + id
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var env Envelope
	require.NoError(t, conn.ReadJSON(&env))
	return env
}

// register dials id and consumes its OPEN.
func register(t *testing.T, srv *httptest.Server, id string) *websocket.Conn {
	t.Helper()
	conn := dial(t, srv, id)
	env := readEnvelope(t, conn)
	require.Equal(t, TypeOpen, env.Type)
	return conn
}

func sendEnvelope(t *testing.T, conn *websocket.Conn, env Envelope) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(env))
}

func offer(dst string) Envelope {
	payload, _ := json.Marshal(SessionDescription{SDP: "v=0", Type: "offer", ConnectionID: "dc_1"})
	return Envelope{Type: TypeOffer, Dst: dst, Payload: payload}
}

func errorMessage(t *testing.T, env Envelope) string {
	t.Helper()
	var p ErrorPayload
	require.NoError(t, json.Unmarshal(env.Payload, &p))
	return p.Msg
}

func TestRegister_SendsOpen(t *testing.T) {
	svc, srv := startServer(t, nil)
	register(t, srv, "alpha")

	stats := svc.Registry().GetConnectionStats()
	assert.Equal(t, 1, stats.TotalPeers)
	assert.Equal(t, []string{"alpha"}, stats.Peers)
	assert.Equal(t, "disabled", stats.Relay)
}

func TestRegister_DuplicateID(t *testing.T) {
	_, srv := startServer(t, nil)
	register(t, srv, "alpha")

	dup := dial(t, srv, "alpha")
	env := readEnvelope(t, dup)
	assert.Equal(t, TypeIDTaken, env.Type)
	assert.Equal(t, "ID is taken", errorMessage(t, env))
}

func TestRoute_RewritesSource(t *testing.T) {
	_, srv := startServer(t, nil)
	a := register(t, srv, "alpha")
	b := register(t, srv, "bravo")

	forged := offer("bravo")
	forged.Src = "mallory"
	sendEnvelope(t, a, forged)

	got := readEnvelope(t, b)
	assert.Equal(t, TypeOffer, got.Type)
	assert.Equal(t, "alpha", got.Src)
	assert.Equal(t, "bravo", got.Dst)

	var desc SessionDescription
	require.NoError(t, json.Unmarshal(got.Payload, &desc))
	assert.Equal(t, "dc_1", desc.ConnectionID)

	sendEnvelope(t, b, Envelope{Type: TypeAnswer, Dst: "alpha", Payload: json.RawMessage(`{"sdp":"v=0","type":"answer","connectionId":"dc_1"}`)})
	reply := readEnvelope(t, a)
	assert.Equal(t, TypeAnswer, reply.Type)
	assert.Equal(t, "bravo", reply.Src)
}

func TestRoute_UnknownDestination(t *testing.T) {
	_, srv := startServer(t, nil)
	a := register(t, srv, "alpha")

	// Candidates for unknown peers are dropped silently, so the first
	// reply is the error for the offer.
	sendEnvelope(t, a, Envelope{Type: TypeCandidate, Dst: "ghost", Payload: json.RawMessage(`{"candidate":"c"}`)})
	sendEnvelope(t, a, offer("ghost"))

	env := readEnvelope(t, a)
	assert.Equal(t, TypeError, env.Type)
	assert.Contains(t, errorMessage(t, env), "ghost")
	assert.Equal(t, "ghost", env.Src)
}

func TestInvalidMessage(t *testing.T) {
	_, srv := startServer(t, nil)
	a := register(t, srv, "alpha")

	require.NoError(t, a.WriteMessage(websocket.TextMessage, []byte("not json")))
	env := readEnvelope(t, a)
	assert.Equal(t, TypeError, env.Type)
}

func TestUnregister_NotifiesPartners(t *testing.T) {
	svc, srv := startServer(t, nil)
	a := register(t, srv, "alpha")
	b := register(t, srv, "bravo")

	sendEnvelope(t, a, offer("bravo"))
	require.Equal(t, TypeOffer, readEnvelope(t, b).Type)

	require.NoError(t, a.Close())

	leave := readEnvelope(t, b)
	assert.Equal(t, TypeLeave, leave.Type)
	assert.Equal(t, "alpha", leave.Src)

	require.Eventually(t, func() bool {
		return svc.Registry().GetConnectionStats().TotalPeers == 1
	}, 2*time.Second, 10*time.Millisecond)

	// The id is free again.
	register(t, srv, "alpha")
}

func TestRelay_RoutesAcrossInstances(t *testing.T) {
	cluster := newFakeCluster()
	_, east := startServer(t, &fakeRelay{cluster: cluster, name: "east"})
	_, west := startServer(t, &fakeRelay{cluster: cluster, name: "west"})

	a := register(t, east, "alpha")
	b := register(t, west, "bravo")

	sendEnvelope(t, a, offer("bravo"))
	got := readEnvelope(t, b)
	assert.Equal(t, TypeOffer, got.Type)
	assert.Equal(t, "alpha", got.Src)

	dup := dial(t, east, "bravo")
	assert.Equal(t, TypeIDTaken, readEnvelope(t, dup).Type, "ids are unique across instances")

	require.NoError(t, b.Close())
	leave := readEnvelope(t, a)
	assert.Equal(t, TypeLeave, leave.Type)
	assert.Equal(t, "bravo", leave.Src)

	require.Eventually(t, func() bool {
		present, _ := (&fakeRelay{cluster: cluster}).Present(context.Background(), "bravo")
		return !present
	}, 2*time.Second, 10*time.Millisecond, "presence released on disconnect")
}

func TestHTTP_Routes(t *testing.T) {
	_, srv := startServer(t, nil)
	register(t, srv, "alpha")

	cases := []struct {
		path string
		code int
	}{
		{"/ws/peer", http.StatusBadRequest},
		{"/ws/peer?id=bad%20id", http.StatusBadRequest},
		{"/api/peers/alpha", http.StatusOK},
		{"/api/peers/nobody", http.StatusNotFound},
		{"/health", http.StatusOK},
		{"/ws/stats", http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.path, func(t *testing.T) {
			resp, err := http.Get(srv.URL + tc.path)
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, tc.code, resp.StatusCode)
		})
	}

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	var health HealthStatus
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.True(t, health.Healthy)
	assert.False(t, health.RelayEnabled)
	assert.Equal(t, 1, health.Peers)
}

func TestValidPeerID(t *testing.T) {
	assert.True(t, ValidPeerID("brave-otter-1234"))
	assert.True(t, ValidPeerID("abc_def"))
	assert.False(t, ValidPeerID(""))
	assert.False(t, ValidPeerID("-leading"))
	assert.False(t, ValidPeerID("has space"))
	assert.False(t, ValidPeerID("dots.are.subjects"))
	assert.False(t, ValidPeerID(strings.Repeat("a", 65)))
}
