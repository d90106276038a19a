package signal

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"meshcall/internal/core/domain"
)

// fakeRelay is a minimal relay: it records every envelope and answers
// join-room with the configured roster.
type fakeRelay struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader
	received chan domain.Envelope

	mu          sync.Mutex
	conns       []*websocket.Conn
	accepted    int
	rejectNext  int
	roster      []domain.Identity
	replyToJoin bool
	writeMu     sync.Mutex
}

func newFakeRelay(t *testing.T) *fakeRelay {
	t.Helper()
	r := &fakeRelay{
		received:    make(chan domain.Envelope, 128),
		replyToJoin: true,
	}
	r.srv = httptest.NewServer(http.HandlerFunc(r.handle))
	t.Cleanup(func() {
		r.dropAll()
		r.srv.Close()
	})
	return r
}

func (r *fakeRelay) url() string {
	return "ws" + strings.TrimPrefix(r.srv.URL, "http")
}

func (r *fakeRelay) handle(w http.ResponseWriter, req *http.Request) {
	r.mu.Lock()
	if r.rejectNext > 0 {
		r.rejectNext--
		r.mu.Unlock()
		http.Error(w, "relay unavailable", http.StatusServiceUnavailable)
		return
	}
	r.mu.Unlock()

	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		return
	}
	r.mu.Lock()
	r.conns = append(r.conns, conn)
	r.accepted++
	r.mu.Unlock()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var env domain.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		r.received <- env

		r.mu.Lock()
		reply, roster := r.replyToJoin, r.roster
		r.mu.Unlock()
		if env.Kind == domain.KindJoinRoom && reply {
			if roster == nil {
				roster = []domain.Identity{}
			}
			r.push(conn, domain.KindAllUsers, roster)
		}
	}
}

func (r *fakeRelay) push(conn *websocket.Conn, kind domain.EnvelopeKind, payload interface{}) {
	env, err := domain.NewEnvelope(kind, payload)
	if err != nil {
		panic(err)
	}
	r.pushRaw(conn, mustJSON(env))
}

func (r *fakeRelay) pushRaw(conn *websocket.Conn, data []byte) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	_ = conn.WriteMessage(websocket.TextMessage, data)
}

func (r *fakeRelay) latest() *websocket.Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.conns) == 0 {
		return nil
	}
	return r.conns[len(r.conns)-1]
}

func (r *fakeRelay) dropAll() {
	r.mu.Lock()
	conns := r.conns
	r.conns = nil
	r.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}

func (r *fakeRelay) reject(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rejectNext = n
}

func (r *fakeRelay) acceptedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.accepted
}

func (r *fakeRelay) expect(t *testing.T, kind domain.EnvelopeKind) domain.Envelope {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case env := <-r.received:
			if env.Kind == kind {
				return env
			}
		case <-timeout:
			t.Fatalf("relay never received %s", kind)
			return domain.Envelope{}
		}
	}
}

func mustJSON(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}

type eventLog struct {
	mu     sync.Mutex
	events []domain.Event
}

func (l *eventLog) Publish(e domain.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) ofType(t domain.EventType) []domain.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []domain.Event
	for _, e := range l.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func (l *eventLog) statuses() []domain.ConnectionStatus {
	var out []domain.ConnectionStatus
	for _, e := range l.ofType(domain.EventConnectionStatus) {
		out = append(out, e.Status)
	}
	return out
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.JoinTimeout = time.Second
	cfg.WriteTimeout = time.Second
	cfg.Reconnection.InitialDelay = 5 * time.Millisecond
	cfg.Reconnection.MaxDelay = 20 * time.Millisecond
	return cfg
}

func newTestClient(t *testing.T, cfg Config) (*RelayClient, *eventLog) {
	t.Helper()
	events := &eventLog{}
	c := NewRelayClient(cfg, events, zap.NewNop().Sugar())
	t.Cleanup(func() { c.Close() })
	return c, events
}

var alice = domain.Identity{ID: "A", Name: "alice", Role: domain.RoleHost}

func TestRelayClient_ConnectAndJoin(t *testing.T) {
	relay := newFakeRelay(t)
	relay.roster = []domain.Identity{alice, {ID: "B", Name: "bob", Role: domain.RoleParticipant}}
	client, events := newTestClient(t, testConfig())
	ctx := context.Background()

	require.NoError(t, client.Connect(ctx, relay.url()))
	assert.Equal(t, domain.StatusConnected, client.Status())

	roster, err := client.JoinRoom(ctx, "room-1", alice)
	require.NoError(t, err)
	assert.Len(t, roster, 2)

	join := relay.expect(t, domain.KindJoinRoom)
	assert.JSONEq(t, `{"roomId":"room-1","id":"A","name":"alice","role":"host"}`, string(join.Payload))
	assert.Equal(t, []domain.ConnectionStatus{domain.StatusConnecting, domain.StatusConnected}, events.statuses())
}

func TestRelayClient_ConnectIsIdempotent(t *testing.T) {
	relay := newFakeRelay(t)
	client, _ := newTestClient(t, testConfig())
	ctx := context.Background()

	require.NoError(t, client.Connect(ctx, relay.url()))
	require.NoError(t, client.Connect(ctx, relay.url()))
	assert.Equal(t, 1, relay.acceptedCount())
}

func TestRelayClient_ConnectUnreachable(t *testing.T) {
	relay := newFakeRelay(t)
	relay.reject(100)
	cfg := testConfig()
	cfg.Reconnection.MaxAttempts = 2
	client, _ := newTestClient(t, cfg)

	err := client.Connect(context.Background(), relay.url())
	assert.ErrorIs(t, err, domain.ErrTransport)
	assert.Equal(t, domain.StatusFailed, client.Status())
	assert.Equal(t, "TransportError", domain.ErrorKind(err))
}

func TestRelayClient_JoinRequiresConnection(t *testing.T) {
	client, _ := newTestClient(t, testConfig())
	_, err := client.JoinRoom(context.Background(), "room-1", alice)
	assert.ErrorIs(t, err, domain.ErrNotConnected)
}

func TestRelayClient_JoinTimeout(t *testing.T) {
	relay := newFakeRelay(t)
	relay.replyToJoin = false
	cfg := testConfig()
	cfg.JoinTimeout = 50 * time.Millisecond
	client, _ := newTestClient(t, cfg)
	ctx := context.Background()
	require.NoError(t, client.Connect(ctx, relay.url()))

	_, err := client.JoinRoom(ctx, "room-1", alice)
	assert.ErrorIs(t, err, domain.ErrJoinTimeout)
}

func TestRelayClient_SendWithoutConnectionDrops(t *testing.T) {
	client, _ := newTestClient(t, testConfig())
	env, err := domain.NewEnvelope(domain.KindSendingSignal, domain.SendingSignalPayload{UserToSignal: "B", CallerID: "A"})
	require.NoError(t, err)
	assert.NotPanics(t, func() { client.Send(env) })
}

func TestRelayClient_SendReachesRelay(t *testing.T) {
	relay := newFakeRelay(t)
	client, _ := newTestClient(t, testConfig())
	require.NoError(t, client.Connect(context.Background(), relay.url()))

	env, err := domain.NewEnvelope(domain.KindReturningSignal, domain.ReturningSignalPayload{
		Signal:   domain.Signal(`{"type":"answer","sdp":"v=0"}`),
		CallerID: "B",
	})
	require.NoError(t, err)
	client.Send(env)

	got := relay.expect(t, domain.KindReturningSignal)
	var p domain.ReturningSignalPayload
	require.NoError(t, got.Decode(&p))
	assert.Equal(t, domain.ParticipantID("B"), p.CallerID)
	assert.JSONEq(t, `{"type":"answer","sdp":"v=0"}`, string(p.Signal))
}

func TestRelayClient_DispatchDropsMalformedAndUnknown(t *testing.T) {
	relay := newFakeRelay(t)
	client, _ := newTestClient(t, testConfig())
	require.NoError(t, client.Connect(context.Background(), relay.url()))

	got := make(chan domain.ParticipantID, 4)
	client.Subscribe(domain.KindUserLeft, func(env domain.Envelope) {
		var id domain.UserLeftPayload
		if env.Decode(&id) == nil {
			got <- domain.ParticipantID(id)
		}
	})

	require.Eventually(t, func() bool { return relay.latest() != nil }, time.Second, 5*time.Millisecond)
	conn := relay.latest()
	relay.pushRaw(conn, []byte(`{not json`))
	relay.pushRaw(conn, []byte(`{"type":"surprise","payload":{}}`))
	relay.push(conn, domain.KindUserLeft, domain.UserLeftPayload("B"))
	relay.push(conn, domain.KindUserLeft, domain.UserLeftPayload("C"))

	for _, want := range []domain.ParticipantID{"B", "C"} {
		select {
		case id := <-got:
			assert.Equal(t, want, id)
		case <-time.After(2 * time.Second):
			t.Fatalf("user-left %s not delivered", want)
		}
	}
	assert.Equal(t, domain.StatusConnected, client.Status())
}

func TestRelayClient_Unsubscribe(t *testing.T) {
	relay := newFakeRelay(t)
	client, _ := newTestClient(t, testConfig())
	require.NoError(t, client.Connect(context.Background(), relay.url()))

	var mu sync.Mutex
	first, second := 0, 0
	unsub := client.Subscribe(domain.KindUserJoined, func(domain.Envelope) {
		mu.Lock()
		first++
		mu.Unlock()
	})
	client.Subscribe(domain.KindUserJoined, func(domain.Envelope) {
		mu.Lock()
		second++
		mu.Unlock()
	})
	unsub()
	unsub()

	require.Eventually(t, func() bool { return relay.latest() != nil }, time.Second, 5*time.Millisecond)
	relay.push(relay.latest(), domain.KindUserJoined, domain.UserJoinedPayload{CallerID: "B"})

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return second == 1
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	assert.Equal(t, 0, first)
	mu.Unlock()
}

func TestRelayClient_ReconnectsWithinBudget(t *testing.T) {
	relay := newFakeRelay(t)
	client, events := newTestClient(t, testConfig())
	require.NoError(t, client.Connect(context.Background(), relay.url()))

	relay.reject(2)
	relay.dropAll()

	require.Eventually(t, func() bool {
		return len(events.ofType(domain.EventReconnected)) == 1
	}, 2*time.Second, 5*time.Millisecond)

	reconnected := events.ofType(domain.EventReconnected)[0]
	assert.Equal(t, 3, reconnected.Attempt)
	assert.Equal(t, domain.StatusConnected, client.Status())
	assert.Equal(t, 0, client.Attempts())
	assert.Contains(t, events.statuses(), domain.StatusReconnecting)
	assert.Empty(t, events.ofType(domain.EventConnectionFailed))

	// the new connection is usable for a rejoin
	_, err := client.JoinRoom(context.Background(), "room-1", alice)
	require.NoError(t, err)
}

func TestRelayClient_ReconnectBudgetExhausted(t *testing.T) {
	relay := newFakeRelay(t)
	cfg := testConfig()
	cfg.Reconnection.MaxAttempts = 3
	client, events := newTestClient(t, cfg)
	require.NoError(t, client.Connect(context.Background(), relay.url()))

	relay.reject(100)
	relay.dropAll()

	require.Eventually(t, func() bool {
		return len(events.ofType(domain.EventConnectionFailed)) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, domain.StatusFailed, client.Status())
	assert.Equal(t, 3, events.ofType(domain.EventConnectionFailed)[0].Attempt)
	assert.Empty(t, events.ofType(domain.EventReconnected))
}

func TestRelayClient_LeaveSendsUserLeavingAndStaysDown(t *testing.T) {
	relay := newFakeRelay(t)
	client, events := newTestClient(t, testConfig())
	ctx := context.Background()
	require.NoError(t, client.Connect(ctx, relay.url()))

	require.NoError(t, client.LeaveRoom(ctx, "room-1", alice))
	leaving := relay.expect(t, domain.KindUserLeaving)
	assert.JSONEq(t, `{"roomId":"room-1","userId":"A","userName":"alice"}`, string(leaving.Payload))
	assert.Equal(t, domain.StatusDisconnected, client.Status())

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, relay.acceptedCount())
	assert.Empty(t, events.ofType(domain.EventReconnected))
	assert.NotContains(t, events.statuses(), domain.StatusReconnecting)

	assert.ErrorIs(t, client.LeaveRoom(ctx, "room-1", alice), domain.ErrNotConnected)
}

func TestRelayClient_LeaveCancelsBackoff(t *testing.T) {
	relay := newFakeRelay(t)
	cfg := testConfig()
	cfg.Reconnection.InitialDelay = time.Hour
	cfg.Reconnection.MaxDelay = time.Hour
	client, events := newTestClient(t, cfg)
	ctx := context.Background()
	require.NoError(t, client.Connect(ctx, relay.url()))

	relay.dropAll()
	require.Eventually(t, func() bool {
		return client.Status() == domain.StatusReconnecting
	}, time.Second, 5*time.Millisecond)

	done := make(chan struct{})
	go func() {
		_ = client.LeaveRoom(ctx, "room-1", alice)
		client.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("leave did not cancel the reconnection backoff")
	}
	assert.Equal(t, domain.StatusDisconnected, client.Status())
	assert.Empty(t, events.ofType(domain.EventConnectionFailed))
	assert.Equal(t, 1, relay.acceptedCount())
}
