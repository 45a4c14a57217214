package connection_test

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/InterwebAlchemy/collabodoro/go/internal/models"
	"github.com/InterwebAlchemy/collabodoro/go/internal/session/connection"
	"github.com/InterwebAlchemy/collabodoro/go/internal/session/transport/memory"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second

func testConfig() connection.Config {
	cfg := connection.DefaultConfig()
	cfg.InitTimeout = 10 * time.Second
	cfg.ConnectTimeout = 10 * time.Second
	cfg.ResumeBackoff = time.Second
	return cfg
}

func newManager(t *testing.T, network *memory.Network, clock clockwork.Clock) *connection.Manager {
	t.Helper()
	m := connection.NewManager(network, clock, testConfig())
	t.Cleanup(m.Disconnect)
	return m
}

func nextEvent(t *testing.T, m *connection.Manager, want connection.EventType) connection.Event {
	t.Helper()
	deadline := time.After(waitFor)
	for {
		select {
		case ev := <-m.Events():
			if ev.Type == want {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", want)
			return connection.Event{}
		}
	}
}

// connectPair initializes a host and a client and connects them.
func connectPair(t *testing.T, network *memory.Network, clock clockwork.Clock) (*connection.Manager, *connection.Manager, string) {
	t.Helper()
	ctx := context.Background()

	host := newManager(t, network, clock)
	hostID, err := host.Initialize(ctx)
	require.NoError(t, err)

	client := newManager(t, network, clock)
	_, err = client.Initialize(ctx)
	require.NoError(t, err)

	require.NoError(t, client.Connect(ctx, hostID))
	nextEvent(t, host, connection.EventOpened)
	nextEvent(t, client, connection.EventOpened)
	return host, client, hostID
}

func TestGenerateSlug(t *testing.T) {
	pattern := regexp.MustCompile(`^[a-z]+-[a-z]+-[0-9]{4}$`)
	for i := 0; i < 50; i++ {
		assert.Regexp(t, pattern, connection.GenerateSlug())
	}
}

func TestInitialize_Ready(t *testing.T) {
	m := newManager(t, memory.NewNetwork(), clockwork.NewFakeClock())

	id, err := m.Initialize(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Equal(t, connection.StateReady, m.State())
	assert.Equal(t, models.RoleNone, m.Role())
	assert.Empty(t, m.LastError())

	again, err := m.Initialize(context.Background())
	require.NoError(t, err)
	assert.Equal(t, id, again, "a ready identity is reused")
}

func TestInitialize_Timeout(t *testing.T) {
	network := memory.NewNetwork()
	network.SetAcknowledge(false)
	clock := clockwork.NewFakeClock()
	m := newManager(t, network, clock)

	errCh := make(chan error, 1)
	go func() {
		_, err := m.Initialize(context.Background())
		errCh <- err
	}()

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(testConfig().InitTimeout)

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, connection.ErrInitializationTimeout)
	case <-time.After(waitFor):
		t.Fatal("initialize did not time out")
	}
	assert.Equal(t, connection.StateIdle, m.State())
	assert.Empty(t, m.LocalID())
	assert.Equal(t, "Peer initialization timed out", m.LastError())
}

func TestInitialize_Cancelled(t *testing.T) {
	network := memory.NewNetwork()
	network.SetAcknowledge(false)
	m := newManager(t, network, clockwork.NewFakeClock())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := m.Initialize(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, connection.StateIdle, m.State())
}

func TestInitialize_IDTaken(t *testing.T) {
	network := memory.NewNetwork()
	cfg := testConfig()
	cfg.IDGenerator = func() string { return "fixed-id-0001" }

	first := connection.NewManager(network, clockwork.NewFakeClock(), cfg)
	defer first.Disconnect()
	_, err := first.Initialize(context.Background())
	require.NoError(t, err)

	second := connection.NewManager(network, clockwork.NewFakeClock(), cfg)
	defer second.Disconnect()
	_, err = second.Initialize(context.Background())
	assert.ErrorIs(t, err, connection.ErrPeerError)
	assert.Contains(t, second.LastError(), "ID-TAKEN")
	assert.Equal(t, connection.StateIdle, second.State())
}

func TestConnect_Roles(t *testing.T) {
	network := memory.NewNetwork()
	host, client, hostID := connectPair(t, network, clockwork.NewFakeClock())

	assert.Equal(t, models.RoleHost, host.Role())
	assert.Equal(t, models.RoleClient, client.Role())
	assert.True(t, client.IsOpen(hostID))
	assert.Equal(t, 1, host.OpenCount())

	stats := host.GetConnectionStats()
	require.Len(t, stats.Connections, 1)
	assert.Equal(t, client.LocalID(), stats.Connections[0].RemotePeerID)
	assert.False(t, stats.Connections[0].Outbound)
}

func TestConnect_NotReady(t *testing.T) {
	m := newManager(t, memory.NewNetwork(), clockwork.NewFakeClock())

	err := m.Connect(context.Background(), "misty-river-0001")
	assert.ErrorIs(t, err, connection.ErrNotReady)
}

func TestConnect_InvalidID(t *testing.T) {
	m := newManager(t, memory.NewNetwork(), clockwork.NewFakeClock())
	id, err := m.Initialize(context.Background())
	require.NoError(t, err)

	assert.ErrorIs(t, m.Connect(context.Background(), ""), connection.ErrConnectionError)
	assert.ErrorIs(t, m.Connect(context.Background(), id), connection.ErrConnectionError)
}

func TestConnect_UnknownPeer(t *testing.T) {
	m := newManager(t, memory.NewNetwork(), clockwork.NewFakeClock())
	_, err := m.Initialize(context.Background())
	require.NoError(t, err)

	err = m.Connect(context.Background(), "nobody-home-0000")
	assert.ErrorIs(t, err, connection.ErrConnectionError)
	assert.Empty(t, m.Records())
	assert.Equal(t, models.RoleNone, m.Role())
	assert.NotEmpty(t, m.LastError())
}

func TestConnect_Timeout(t *testing.T) {
	network := memory.NewNetwork()
	clock := clockwork.NewFakeClock()
	ctx := context.Background()

	host := newManager(t, network, clock)
	hostID, err := host.Initialize(ctx)
	require.NoError(t, err)

	client := newManager(t, network, clock)
	_, err = client.Initialize(ctx)
	require.NoError(t, err)

	network.SetOpenChannels(false)

	errCh := make(chan error, 1)
	go func() {
		errCh <- client.Connect(ctx, hostID)
	}()

	waitCtx, cancel := context.WithTimeout(ctx, waitFor)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(waitCtx, 1))
	clock.Advance(testConfig().ConnectTimeout)

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, connection.ErrConnectionTimeout)
	case <-time.After(waitFor):
		t.Fatal("connect did not time out")
	}
	assert.Empty(t, client.Records(), "timed out record is removed")
	assert.Equal(t, models.RoleNone, client.Role())
	assert.Equal(t, "Connection timed out. Please try again.", client.LastError())
}

func TestConnect_StaleTimerIgnored(t *testing.T) {
	network := memory.NewNetwork()
	clock := clockwork.NewFakeClock()
	host, client, hostID := connectPair(t, network, clock)

	clock.Advance(2 * testConfig().ConnectTimeout)

	assert.True(t, client.IsOpen(hostID))
	assert.Equal(t, models.RoleClient, client.Role())
	assert.Equal(t, models.RoleHost, host.Role())
	assert.Empty(t, client.LastError())
}

func TestConnect_ReplacesClientRecord(t *testing.T) {
	network := memory.NewNetwork()
	clock := clockwork.NewFakeClock()
	ctx := context.Background()
	_, client, firstHostID := connectPair(t, network, clock)

	second := newManager(t, network, clock)
	secondID, err := second.Initialize(ctx)
	require.NoError(t, err)

	require.NoError(t, client.Connect(ctx, secondID))

	assert.False(t, client.IsOpen(firstHostID))
	assert.True(t, client.IsOpen(secondID))
	assert.Equal(t, 1, client.OpenCount())
}

func TestInbound_RefusedWhileClient(t *testing.T) {
	network := memory.NewNetwork()
	clock := clockwork.NewFakeClock()
	ctx := context.Background()
	_, client, _ := connectPair(t, network, clock)

	intruder := newManager(t, network, clock)
	_, err := intruder.Initialize(ctx)
	require.NoError(t, err)

	err = intruder.Connect(ctx, client.LocalID())
	if err == nil {
		// The pair may open before the refusal lands; it must close right after.
		nextEvent(t, intruder, connection.EventClosed)
	}
	assert.Equal(t, 1, client.OpenCount())
	assert.Equal(t, models.RoleClient, client.Role())
}

func TestBroadcast_NoConnections(t *testing.T) {
	m := newManager(t, memory.NewNetwork(), clockwork.NewFakeClock())
	_, err := m.Initialize(context.Background())
	require.NoError(t, err)

	sent, err := m.Broadcast(map[string]string{"type": "SYNC"})
	assert.ErrorIs(t, err, connection.ErrSendFailure)
	assert.Zero(t, sent)
}

func TestBroadcast_Delivers(t *testing.T) {
	network := memory.NewNetwork()
	host, client, _ := connectPair(t, network, clockwork.NewFakeClock())

	sent, err := host.Broadcast(map[string]string{"type": "SYNC"})
	require.NoError(t, err)
	assert.Equal(t, 1, sent)

	ev := nextEvent(t, client, connection.EventData)
	assert.Equal(t, host.LocalID(), ev.RemotePeerID)
	assert.JSONEq(t, `{"type":"SYNC"}`, string(ev.Data))
	assert.Equal(t, models.RoleClient, ev.Role)
}

func TestBroadcast_FanOut(t *testing.T) {
	network := memory.NewNetwork()
	clock := clockwork.NewFakeClock()
	ctx := context.Background()
	host, first, hostID := connectPair(t, network, clock)

	second := newManager(t, network, clock)
	_, err := second.Initialize(ctx)
	require.NoError(t, err)
	require.NoError(t, second.Connect(ctx, hostID))
	nextEvent(t, host, connection.EventOpened)

	sent, err := host.Broadcast("ping")
	require.NoError(t, err)
	assert.Equal(t, 2, sent)
	nextEvent(t, first, connection.EventData)
	nextEvent(t, second, connection.EventData)
}

func TestBroadcast_SkipsClosedRecord(t *testing.T) {
	network := memory.NewNetwork()
	clock := clockwork.NewFakeClock()
	ctx := context.Background()
	host, first, hostID := connectPair(t, network, clock)

	second := newManager(t, network, clock)
	_, err := second.Initialize(ctx)
	require.NoError(t, err)
	require.NoError(t, second.Connect(ctx, hostID))
	nextEvent(t, host, connection.EventOpened)

	firstID := first.LocalID()
	first.Disconnect()
	closed := nextEvent(t, host, connection.EventClosed)
	assert.Equal(t, firstID, closed.RemotePeerID)
	assert.Equal(t, models.RoleHost, closed.Role, "host keeps its role while a client remains")

	sent, err := host.Broadcast("ping")
	require.NoError(t, err)
	assert.Equal(t, 1, sent)

	ev := nextEvent(t, second, connection.EventData)
	assert.Equal(t, hostID, ev.RemotePeerID)
	for len(first.Events()) > 0 {
		assert.NotEqual(t, connection.EventData, (<-first.Events()).Type, "closed record received a broadcast")
	}
}

func TestRemoteClose_EmitsClosed(t *testing.T) {
	network := memory.NewNetwork()
	host, client, _ := connectPair(t, network, clockwork.NewFakeClock())

	client.Disconnect()

	ev := nextEvent(t, host, connection.EventClosed)
	assert.Equal(t, models.RoleNone, ev.Role, "last record closing clears the host role")
	assert.Equal(t, models.RoleNone, host.Role())
	assert.Equal(t, connection.StateReady, host.State())
}

func TestDisconnect_Idempotent(t *testing.T) {
	network := memory.NewNetwork()
	host, client, _ := connectPair(t, network, clockwork.NewFakeClock())

	client.Disconnect()
	client.Disconnect()

	assert.Equal(t, connection.StateIdle, client.State())
	assert.Empty(t, client.LocalID())
	assert.Empty(t, client.Records())
	assert.Equal(t, models.RoleNone, client.Role())

	require.Eventually(t, func() bool { return host.OpenCount() == 0 }, waitFor, 10*time.Millisecond)
}

func TestDisconnect_ReinitializeNewIdentity(t *testing.T) {
	m := newManager(t, memory.NewNetwork(), clockwork.NewFakeClock())
	_, err := m.Initialize(context.Background())
	require.NoError(t, err)

	m.Disconnect()
	require.Equal(t, connection.StateIdle, m.State())

	second, err := m.Initialize(context.Background())
	require.NoError(t, err)
	assert.Equal(t, connection.StateReady, m.State())
	assert.Equal(t, second, m.LocalID())
}

func TestSignalingLoss_ResumesIdentity(t *testing.T) {
	network := memory.NewNetwork()
	host, client, hostID := connectPair(t, network, clockwork.NewFakeClock())

	require.NoError(t, network.DropSignaling(hostID))

	ev := nextEvent(t, host, connection.EventError)
	assert.ErrorIs(t, ev.Err, connection.ErrPeerError)
	assert.Contains(t, ev.Message, "Attempting to reconnect")

	require.Eventually(t, func() bool { return host.LastError() == "" }, waitFor, 10*time.Millisecond)
	assert.Equal(t, hostID, host.LocalID())
	assert.Equal(t, connection.StateReady, host.State())
	assert.True(t, client.IsOpen(hostID), "data channels survive signaling loss")
}

func TestPeerError_AfterReady(t *testing.T) {
	network := memory.NewNetwork()
	m := newManager(t, network, clockwork.NewFakeClock())
	id, err := m.Initialize(context.Background())
	require.NoError(t, err)

	require.NoError(t, network.FailPeer(id, errors.New("server-error")))

	ev := nextEvent(t, m, connection.EventError)
	assert.ErrorIs(t, ev.Err, connection.ErrPeerError)
	assert.Equal(t, "Peer error: server-error", ev.Message)
	assert.Equal(t, connection.StateReady, m.State())
}
