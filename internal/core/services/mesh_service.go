package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"meshcall/internal/core/domain"
	"meshcall/internal/core/ports"
	"meshcall/pkg/tracing"
)

type MeshConfig struct {
	SignalTimeout  time.Duration
	InitialBitrate int
}

func DefaultMeshConfig() MeshConfig {
	return MeshConfig{
		SignalTimeout:  15 * time.Second,
		InitialBitrate: domain.DefaultBitrateBounds().Initial,
	}
}

// MeshService keeps one PeerSession per remote participant.
type MeshService struct {
	factory ports.NegotiatorFactory
	router  ports.SignalRouter
	events  ports.EventPublisher
	logger  *zap.SugaredLogger
	config  MeshConfig

	mu       sync.Mutex
	capture  ports.CaptureHandle
	sessions map[domain.ParticipantID]*PeerSession
	order    []domain.ParticipantID
	closed   bool
}

func NewMeshService(
	factory ports.NegotiatorFactory,
	router ports.SignalRouter,
	events ports.EventPublisher,
	config MeshConfig,
	logger *zap.SugaredLogger,
) *MeshService {
	return &MeshService{
		factory:  factory,
		router:   router,
		events:   events,
		logger:   logger,
		config:   config,
		sessions: make(map[domain.ParticipantID]*PeerSession),
	}
}

// Start binds the local capture used as outbound tracks for new sessions.
func (m *MeshService) Start(capture ports.CaptureHandle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.capture = capture
	m.closed = false
}

func (m *MeshService) OnMembership(ctx context.Context, event domain.MembershipEvent) error {
	switch event.Kind {
	case domain.MembershipRoster:
		var errs []error
		for _, peer := range event.Roster {
			err := m.createSession(ctx, peer, domain.SessionInitiator, nil)
			if err != nil && !errors.Is(err, domain.ErrSessionExists) {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)

	case domain.MembershipDiscovered:
		err := m.createSession(ctx, event.Peer, domain.SessionResponder, event.Signal)
		if errors.Is(err, domain.ErrSessionExists) {
			return nil
		}
		return err

	case domain.MembershipSignal:
		s, ok := m.Session(event.Peer.ID)
		if !ok {
			m.logger.Debugw("dropping signal for unknown peer", "peer_id", event.Peer.ID)
			return nil
		}
		return m.applySignal(ctx, s, event.Signal)

	case domain.MembershipLeft:
		s, ok := m.Session(event.Peer.ID)
		if !ok {
			m.logger.Debugw("dropping leave for unknown peer", "peer_id", event.Peer.ID)
			return nil
		}
		m.terminate(s, domain.SignalClosed, nil)
		return nil
	}
	return fmt.Errorf("unknown membership event %q", event.Kind)
}

func (m *MeshService) createSession(ctx context.Context, peer domain.Identity, role domain.SessionRole, initial domain.Signal) error {
	ctx, span := tracing.TraceNegotiation(ctx, "create", string(peer.ID), string(role))
	defer span.End()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return domain.ErrMeshClosed
	}
	if _, exists := m.sessions[peer.ID]; exists {
		m.mu.Unlock()
		m.logger.Warnw("duplicate peer session ignored", "peer_id", peer.ID, "role", role)
		return domain.ErrSessionExists
	}
	s := newPeerSession(peer, role, m.config.InitialBitrate, m.config.SignalTimeout)
	s.onTimeout = func() { m.fail(s, domain.ErrSignalTimeout) }
	m.sessions[peer.ID] = s
	m.order = append(m.order, peer.ID)
	capture := m.capture
	m.mu.Unlock()

	var audio, video ports.Track
	if capture != nil {
		audio = capture.AudioTrack()
		video = capture.VideoTrack()
	}

	n, err := m.factory.NewNegotiator(ctx, peer.ID, ports.NegotiatorConfig{
		Initiator:  role == domain.SessionInitiator,
		AudioTrack: audio,
		VideoTrack: video,
		MaxBitrate: m.config.InitialBitrate,
		Handler:    &sessionHandler{mesh: m, session: s},
	})
	if err != nil {
		tracing.RecordError(ctx, err)
		m.fail(s, err)
		return fmt.Errorf("failed to create session for %s: %w", peer.ID, err)
	}
	if !s.bind(n, audio, video) {
		_ = n.Close()
		return domain.ErrSessionClosed
	}

	m.logger.Infow("peer session created", "peer_id", peer.ID, "name", peer.Name, "role", role)
	m.events.Publish(peerEvent(domain.EventPeerJoined, peer))

	if role == domain.SessionInitiator {
		if err := n.Start(ctx); err != nil {
			err = fmt.Errorf("%w: %v", domain.ErrPeerSignal, err)
			tracing.RecordError(ctx, err)
			m.fail(s, err)
			return err
		}
		return nil
	}

	if initial.Empty() {
		return nil
	}
	return m.applySignal(ctx, s, initial)
}

func (m *MeshService) applySignal(ctx context.Context, s *PeerSession, signal domain.Signal) error {
	ctx, span := tracing.TraceNegotiation(ctx, "signal", string(s.ID()), string(s.Role()))
	defer span.End()

	applied, err := s.apply(ctx, signal)
	switch {
	case errors.Is(err, domain.ErrSessionClosed):
		return nil
	case err != nil:
		tracing.RecordError(ctx, err)
		m.fail(s, err)
		return err
	case !applied:
		m.logger.Debugw("duplicate signal dropped", "peer_id", s.ID())
	}
	return nil
}

func (m *MeshService) fail(s *PeerSession, reason error) {
	m.terminate(s, domain.SignalFailed, reason)
}

// terminate is the single exit path of a session. A non-nil reason is
// reported as peer-failed, otherwise peer-left.
func (m *MeshService) terminate(s *PeerSession, state domain.SignalState, reason error) {
	n, ok := s.terminate(state)
	if !ok {
		return
	}
	m.remove(s)

	if n != nil {
		if err := n.Close(); err != nil {
			m.logger.Debugw("negotiator close failed", "peer_id", s.ID(), "error", err)
		}
	}

	if reason != nil {
		m.logger.Warnw("peer session failed",
			"peer_id", s.ID(),
			"state", state,
			"reason", domain.ErrorKind(reason),
			"error", reason,
		)
		e := peerEvent(domain.EventPeerFailed, s.Identity())
		e.Reason = domain.ErrorKind(reason)
		m.events.Publish(e)
		return
	}

	m.logger.Infow("peer session closed", "peer_id", s.ID())
	m.events.Publish(peerEvent(domain.EventPeerLeft, s.Identity()))
}

func (m *MeshService) remove(s *PeerSession) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.sessions[s.ID()]; !ok || cur != s {
		return
	}
	delete(m.sessions, s.ID())
	for i, id := range m.order {
		if id == s.ID() {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
}

// ReplaceOutboundVideo swaps the video sender track on every live session.
func (m *MeshService) ReplaceOutboundVideo(ctx context.Context, track ports.Track) (attempted, succeeded int) {
	return m.replaceOutbound(ctx, domain.TrackVideo, track)
}

func (m *MeshService) ReplaceOutboundAudio(ctx context.Context, track ports.Track) (attempted, succeeded int) {
	return m.replaceOutbound(ctx, domain.TrackAudio, track)
}

func (m *MeshService) replaceOutbound(ctx context.Context, kind domain.TrackKind, track ports.Track) (attempted, succeeded int) {
	for _, s := range m.liveSessions() {
		if ctx.Err() != nil {
			break
		}
		tried, err := s.replaceTrack(kind, track)
		if !tried {
			continue
		}
		attempted++
		if err != nil {
			m.logger.Warnw("track replacement failed", "peer_id", s.ID(), "kind", kind, "error", err)
			continue
		}
		succeeded++
	}
	m.logger.Infow("outbound track replaced", "kind", kind, "attempted", attempted, "succeeded", succeeded)
	return attempted, succeeded
}

// Shutdown closes every session, emitting one peer-left per session.
func (m *MeshService) Shutdown() {
	m.mu.Lock()
	m.closed = true
	sessions := make([]*PeerSession, 0, len(m.order))
	for _, id := range m.order {
		sessions = append(sessions, m.sessions[id])
	}
	m.sessions = make(map[domain.ParticipantID]*PeerSession)
	m.order = nil
	m.mu.Unlock()

	for _, s := range sessions {
		m.terminate(s, domain.SignalClosed, nil)
	}
	if len(sessions) > 0 {
		m.logger.Infow("mesh shut down", "sessions", len(sessions))
	}
}

func (m *MeshService) Session(peerID domain.ParticipantID) (*PeerSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[peerID]
	return s, ok
}

func (m *MeshService) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Sessions returns snapshots in insertion order.
func (m *MeshService) Sessions() []domain.SessionSnapshot {
	live := m.liveSessions()
	out := make([]domain.SessionSnapshot, 0, len(live))
	for _, s := range live {
		out = append(out, s.Snapshot())
	}
	return out
}

// StableSessions returns the sessions eligible for quality sampling.
func (m *MeshService) StableSessions() []*PeerSession {
	var out []*PeerSession
	for _, s := range m.liveSessions() {
		if s.SignalState() == domain.SignalStable {
			out = append(out, s)
		}
	}
	return out
}

func (m *MeshService) liveSessions() []*PeerSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*PeerSession, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.sessions[id])
	}
	return out
}

type sessionHandler struct {
	mesh    *MeshService
	session *PeerSession
}

func (h *sessionHandler) HandleLocalSignal(signal domain.Signal) {
	h.session.sendMu.Lock()
	defer h.session.sendMu.Unlock()
	if !h.session.recordLocal() {
		return
	}
	h.mesh.router.RouteSignal(h.session.ID(), h.session.Role(), signal)
}

func (h *sessionHandler) HandleConnect() {
	h.mesh.logger.Infow("peer transport connected", "peer_id", h.session.ID())
}

func (h *sessionHandler) HandleStream(stream domain.RemoteStream) {
	if !h.session.setStream(stream) {
		return
	}
	e := peerEvent(domain.EventPeerStream, h.session.Identity())
	e.Stream = stream
	h.mesh.events.Publish(e)
}

func (h *sessionHandler) HandleICEState(state domain.ICEState) {
	h.session.setICEState(state)
	switch state {
	case domain.ICEFailed:
		h.mesh.terminate(h.session, domain.SignalClosed, domain.ErrIceFailure)
	case domain.ICEClosed:
		h.mesh.terminate(h.session, domain.SignalClosed, nil)
	case domain.ICEDisconnected:
		h.mesh.logger.Warnw("peer ice disconnected", "peer_id", h.session.ID())
	}
}

func (h *sessionHandler) HandleClose() {
	h.mesh.terminate(h.session, domain.SignalClosed, nil)
}

func (h *sessionHandler) HandleError(err error) {
	h.mesh.fail(h.session, err)
}
