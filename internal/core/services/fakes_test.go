package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/stretchr/testify/mock"
	"go.uber.org/zap"

	"meshcall/internal/core/domain"
	"meshcall/internal/core/ports"
)

var errRejected = errors.New("negotiator rejected signal")

func testLogger() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}

// fakeNegotiator emits an offer on Start when initiator and an answer for
// the first remote signal when responder.
type fakeNegotiator struct {
	peerID domain.ParticipantID
	cfg    ports.NegotiatorConfig

	mu          sync.Mutex
	started     bool
	closed      bool
	signals     []domain.Signal
	replaced    map[domain.TrackKind][]ports.Track
	maxBitrates []int
	stats       []domain.TransportStats
	statsErr    error
	replaceErr  error
	bitrateErr  error
}

func (n *fakeNegotiator) Start(ctx context.Context) error {
	n.mu.Lock()
	n.started = true
	n.mu.Unlock()
	if n.cfg.Initiator {
		n.cfg.Handler.HandleLocalSignal(domain.Signal(fmt.Sprintf(`{"type":"offer","sdp":"offer-to-%s"}`, n.peerID)))
	}
	return nil
}

func (n *fakeNegotiator) Signal(ctx context.Context, signal domain.Signal) error {
	var msg struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(signal, &msg); err != nil || msg.Type == "" {
		return errRejected
	}

	n.mu.Lock()
	n.signals = append(n.signals, signal)
	first := len(n.signals) == 1
	n.mu.Unlock()

	if !n.cfg.Initiator && first && msg.Type == "offer" {
		n.cfg.Handler.HandleLocalSignal(domain.Signal(fmt.Sprintf(`{"type":"answer","sdp":"answer-to-%s"}`, n.peerID)))
	}
	return nil
}

func (n *fakeNegotiator) ReplaceTrack(kind domain.TrackKind, track ports.Track) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.replaceErr != nil {
		return n.replaceErr
	}
	if n.replaced == nil {
		n.replaced = make(map[domain.TrackKind][]ports.Track)
	}
	n.replaced[kind] = append(n.replaced[kind], track)
	return nil
}

func (n *fakeNegotiator) SetMaxBitrate(bps int) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.bitrateErr != nil {
		return n.bitrateErr
	}
	n.maxBitrates = append(n.maxBitrates, bps)
	return nil
}

func (n *fakeNegotiator) Stats(ctx context.Context) (domain.TransportStats, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.statsErr != nil {
		return domain.TransportStats{}, n.statsErr
	}
	if len(n.stats) == 0 {
		return domain.TransportStats{}, errors.New("no stats queued")
	}
	s := n.stats[0]
	n.stats = n.stats[1:]
	return s, nil
}

func (n *fakeNegotiator) Close() error {
	n.mu.Lock()
	n.closed = true
	n.mu.Unlock()
	n.cfg.Handler.HandleClose()
	return nil
}

func (n *fakeNegotiator) queueStats(stats ...domain.TransportStats) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.stats = append(n.stats, stats...)
}

func (n *fakeNegotiator) setStatsErr(err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.statsErr = err
}

func (n *fakeNegotiator) isClosed() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.closed
}

func (n *fakeNegotiator) signalCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.signals)
}

func (n *fakeNegotiator) bitrates() []int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]int(nil), n.maxBitrates...)
}

type fakeFactory struct {
	mu          sync.Mutex
	negotiators map[domain.ParticipantID]*fakeNegotiator
	created     int
	failFor     map[domain.ParticipantID]error
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{
		negotiators: make(map[domain.ParticipantID]*fakeNegotiator),
		failFor:     make(map[domain.ParticipantID]error),
	}
}

func (f *fakeFactory) NewNegotiator(ctx context.Context, peerID domain.ParticipantID, cfg ports.NegotiatorConfig) (ports.Negotiator, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failFor[peerID]; err != nil {
		return nil, err
	}
	n := &fakeNegotiator{peerID: peerID, cfg: cfg}
	f.negotiators[peerID] = n
	f.created++
	return n, nil
}

func (f *fakeFactory) get(peerID domain.ParticipantID) *fakeNegotiator {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.negotiators[peerID]
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.created
}

type routedSignal struct {
	to     domain.ParticipantID
	role   domain.SessionRole
	signal domain.Signal
}

type recordingRouter struct {
	mu     sync.Mutex
	routed []routedSignal
}

func (r *recordingRouter) RouteSignal(to domain.ParticipantID, role domain.SessionRole, signal domain.Signal) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routed = append(r.routed, routedSignal{to: to, role: role, signal: signal})
}

func (r *recordingRouter) all() []routedSignal {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]routedSignal(nil), r.routed...)
}

type eventRecorder struct {
	mu     sync.Mutex
	events []domain.Event
}

func (r *eventRecorder) Publish(e domain.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *eventRecorder) ofType(t domain.EventType) []domain.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func (r *eventRecorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}

type fakeTrack struct {
	id       string
	kind     domain.TrackKind
	deviceID string

	mu      sync.Mutex
	enabled bool
	stopped bool
	onEnded []func()
}

func newFakeTrack(id string, kind domain.TrackKind, deviceID string) *fakeTrack {
	return &fakeTrack{id: id, kind: kind, deviceID: deviceID, enabled: true}
}

func (t *fakeTrack) ID() string { return t.id }
func (t *fakeTrack) Kind() domain.TrackKind { return t.kind }
func (t *fakeTrack) DeviceID() string { return t.deviceID }

func (t *fakeTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *fakeTrack) SetEnabled(enabled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enabled = enabled
}

func (t *fakeTrack) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
}

func (t *fakeTrack) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

func (t *fakeTrack) OnEnded(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onEnded = append(t.onEnded, fn)
}

// end simulates the source going away on its own.
func (t *fakeTrack) end() {
	t.mu.Lock()
	t.stopped = true
	fns := t.onEnded
	t.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

type staticCapture struct {
	audio, video ports.Track
}

func (c staticCapture) AudioTrack() ports.Track { return c.audio }
func (c staticCapture) VideoTrack() ports.Track { return c.video }

type mockDeviceProvider struct {
	mock.Mock
}

func (m *mockDeviceProvider) AcquireTrack(ctx context.Context, kind domain.TrackKind, deviceID string, profile domain.QualityProfile) (ports.Track, error) {
	args := m.Called(ctx, kind, deviceID, profile)
	if t := args.Get(0); t != nil {
		return t.(ports.Track), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockDeviceProvider) AcquireScreen(ctx context.Context) (ports.Track, error) {
	args := m.Called(ctx)
	if t := args.Get(0); t != nil {
		return t.(ports.Track), args.Error(1)
	}
	return nil, args.Error(1)
}

// fakeRelay delivers envelopes synchronously to subscribers, like the read
// loop of the real client.
type fakeRelay struct {
	mu        sync.Mutex
	handlers  map[domain.EnvelopeKind][]ports.EnvelopeHandler
	sent      []domain.Envelope
	joins     int
	leaves    int
	status    domain.ConnectionStatus
	connectFn func() error
	joinFn    func() error
}

func newFakeRelay() *fakeRelay {
	return &fakeRelay{
		handlers: make(map[domain.EnvelopeKind][]ports.EnvelopeHandler),
		status:   domain.StatusDisconnected,
	}
}

func (r *fakeRelay) Connect(ctx context.Context, url string) error {
	if r.connectFn != nil {
		if err := r.connectFn(); err != nil {
			return err
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = domain.StatusConnected
	return nil
}

func (r *fakeRelay) JoinRoom(ctx context.Context, roomID domain.RoomID, identity domain.Identity) ([]domain.Identity, error) {
	r.mu.Lock()
	r.joins++
	fn := r.joinFn
	r.mu.Unlock()
	if fn != nil {
		if err := fn(); err != nil {
			return nil, err
		}
	}
	return nil, nil
}

func (r *fakeRelay) Send(env domain.Envelope) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, env)
}

func (r *fakeRelay) Subscribe(kind domain.EnvelopeKind, handler ports.EnvelopeHandler) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[kind] = append(r.handlers[kind], handler)
	idx := len(r.handlers[kind]) - 1
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.handlers[kind][idx] = nil
	}
}

func (r *fakeRelay) LeaveRoom(ctx context.Context, roomID domain.RoomID, identity domain.Identity) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leaves++
	r.status = domain.StatusDisconnected
	return nil
}

func (r *fakeRelay) Status() domain.ConnectionStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

func (r *fakeRelay) deliver(kind domain.EnvelopeKind, payload interface{}) {
	env, err := domain.NewEnvelope(kind, payload)
	if err != nil {
		panic(err)
	}
	r.mu.Lock()
	handlers := append([]ports.EnvelopeHandler(nil), r.handlers[kind]...)
	r.mu.Unlock()
	for _, h := range handlers {
		if h != nil {
			h(env)
		}
	}
}

func (r *fakeRelay) sentOf(kind domain.EnvelopeKind) []domain.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Envelope
	for _, e := range r.sent {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}
