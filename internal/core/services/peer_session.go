package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"meshcall/internal/core/domain"
	"meshcall/internal/core/ports"
)

// PeerSession is the transport to one remote participant. Its fields are
// guarded by mu. Stats, quality and bitrate target are written by the
// quality sampler only.
type PeerSession struct {
	identity  domain.Identity
	role      domain.SessionRole
	createdAt time.Time

	mu            sync.Mutex
	negotiator    ports.Negotiator
	signalState   domain.SignalState
	iceState      domain.ICEState
	sent          int
	received      int
	applied       map[string]struct{}
	audio         ports.Track
	video         ports.Track
	stream        domain.RemoteStream
	latestStats   *domain.TransportStats
	quality       domain.QualityTag
	bitrateTarget int
	timer         *time.Timer
	signalTimeout time.Duration
	onTimeout     func()

	// serializes outbound signals so they leave in negotiator order
	sendMu sync.Mutex
}

func newPeerSession(identity domain.Identity, role domain.SessionRole, initialBitrate int, signalTimeout time.Duration) *PeerSession {
	return &PeerSession{
		identity:      identity,
		role:          role,
		createdAt:     time.Now(),
		signalState:   domain.SignalNew,
		iceState:      domain.ICENew,
		applied:       make(map[string]struct{}),
		quality:       domain.QualityUnknown,
		bitrateTarget: initialBitrate,
		signalTimeout: signalTimeout,
	}
}

func (s *PeerSession) ID() domain.ParticipantID { return s.identity.ID }

func (s *PeerSession) Identity() domain.Identity { return s.identity }

func (s *PeerSession) Role() domain.SessionRole { return s.role }

func (s *PeerSession) SignalState() domain.SignalState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.signalState
}

func (s *PeerSession) ICEState() domain.ICEState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.iceState
}

func (s *PeerSession) Quality() domain.QualityTag {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.quality
}

func (s *PeerSession) BitrateTarget() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bitrateTarget
}

func (s *PeerSession) Snapshot() domain.SessionSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := domain.SessionSnapshot{
		PeerID:        s.identity.ID,
		Name:          s.identity.Name,
		Role:          s.identity.Role,
		SessionRole:   s.role,
		SignalState:   s.signalState,
		ICEState:      s.iceState,
		Quality:       s.quality,
		BitrateTarget: s.bitrateTarget,
		HasStream:     s.stream != nil,
		CreatedAt:     s.createdAt,
	}
	if s.latestStats != nil {
		st := *s.latestStats
		snap.LatestStats = &st
	}
	return snap
}

// bind attaches the negotiator and arms the exchange deadline, so a session
// that never sees a signal still fails. It reports false when the session
// already reached a terminal state while the negotiator was being built.
func (s *PeerSession) bind(n ports.Negotiator, audio, video ports.Track) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.signalState.Terminal() {
		return false
	}
	s.negotiator = n
	s.audio = audio
	s.video = video
	if s.signalState != domain.SignalStable {
		s.armTimerLocked()
	}
	return true
}

func (s *PeerSession) negotiatorOrNil() ports.Negotiator {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.signalState.Terminal() {
		return nil
	}
	return s.negotiator
}

// apply feeds one remote signal to the negotiator. Repeats of an already
// applied signal are dropped. The digest is recorded before the negotiator
// runs so a rejected signal is not retried either.
func (s *PeerSession) apply(ctx context.Context, signal domain.Signal) (applied bool, err error) {
	s.mu.Lock()
	if s.signalState.Terminal() {
		s.mu.Unlock()
		return false, domain.ErrSessionClosed
	}
	digest := signal.Digest()
	if _, dup := s.applied[digest]; dup {
		s.mu.Unlock()
		return false, nil
	}
	s.applied[digest] = struct{}{}
	n := s.negotiator
	s.mu.Unlock()

	if n == nil {
		return false, fmt.Errorf("%w: negotiator not ready", domain.ErrPeerSignal)
	}
	if err := n.Signal(ctx, signal); err != nil {
		return false, fmt.Errorf("%w: %v", domain.ErrPeerSignal, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.signalState.Terminal() {
		return true, nil
	}
	s.received++
	s.advanceLocked()
	return true, nil
}

// recordLocal counts an outbound signal. It reports false for terminal sessions.
func (s *PeerSession) recordLocal() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.signalState.Terminal() {
		return false
	}
	s.sent++
	s.advanceLocked()
	return true
}

func (s *PeerSession) advanceLocked() {
	if s.signalState == domain.SignalNew && s.sent+s.received > 0 {
		s.signalState = domain.SignalNegotiating
	}
	if s.signalState != domain.SignalNegotiating {
		return
	}
	if s.sent > 0 && s.received > 0 {
		s.signalState = domain.SignalStable
		s.stopTimerLocked()
		return
	}
	// any progress re-arms the exchange deadline
	s.armTimerLocked()
}

func (s *PeerSession) armTimerLocked() {
	s.stopTimerLocked()
	if s.onTimeout != nil && s.signalTimeout > 0 {
		s.timer = time.AfterFunc(s.signalTimeout, s.onTimeout)
	}
}

func (s *PeerSession) stopTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// terminate moves the session into state once and returns the negotiator
// to close. ok is false when the session was already terminal.
func (s *PeerSession) terminate(state domain.SignalState) (n ports.Negotiator, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.signalState.Terminal() {
		return nil, false
	}
	s.signalState = state
	if state == domain.SignalClosed {
		s.iceState = domain.ICEClosed
	}
	s.stopTimerLocked()
	n = s.negotiator
	s.negotiator = nil
	s.audio = nil
	s.video = nil
	return n, true
}

func (s *PeerSession) setICEState(state domain.ICEState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.signalState.Terminal() {
		s.iceState = state
	}
}

// setStream keeps the first inbound stream only.
func (s *PeerSession) setStream(stream domain.RemoteStream) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stream != nil || s.signalState.Terminal() {
		return false
	}
	s.stream = stream
	return true
}

func (s *PeerSession) Stream() domain.RemoteStream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stream
}

func (s *PeerSession) replaceTrack(kind domain.TrackKind, track ports.Track) (attempted bool, err error) {
	n := s.negotiatorOrNil()
	if n == nil {
		return false, nil
	}
	if err := n.ReplaceTrack(kind, track); err != nil {
		return true, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	switch kind {
	case domain.TrackAudio:
		s.audio = track
	case domain.TrackVideo:
		s.video = track
	}
	return true, nil
}

// OutboundTracks returns the tracks currently attached to the negotiator.
func (s *PeerSession) OutboundTracks() (audio, video ports.Track) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.audio, s.video
}

func (s *PeerSession) collectStats(ctx context.Context) (domain.TransportStats, error) {
	n := s.negotiatorOrNil()
	if n == nil {
		return domain.TransportStats{}, domain.ErrSessionClosed
	}
	stats, err := n.Stats(ctx)
	if err != nil {
		return domain.TransportStats{}, fmt.Errorf("%w: %v", domain.ErrStatsUnavailable, err)
	}
	return stats, nil
}

// recordSample stores the latest stats together with the classification
// and the bitrate decision. The negotiator cap is written outside mu and
// the target is committed only once it succeeded; an error leaves the old
// target in place.
func (s *PeerSession) recordSample(stats domain.TransportStats, tag domain.QualityTag, classified bool, target int) (qualityChanged, bitrateChanged bool, err error) {
	s.mu.Lock()
	if s.signalState.Terminal() {
		s.mu.Unlock()
		return false, false, domain.ErrSessionClosed
	}
	st := stats
	s.latestStats = &st

	if classified && tag != s.quality {
		s.quality = tag
		qualityChanged = true
	}
	n := s.negotiator
	apply := n != nil && target != s.bitrateTarget
	s.mu.Unlock()

	if !apply {
		return qualityChanged, false, nil
	}
	if err := n.SetMaxBitrate(target); err != nil {
		return qualityChanged, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.signalState.Terminal() {
		return qualityChanged, false, nil
	}
	s.bitrateTarget = target
	return qualityChanged, true, nil
}
