package webrtc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"meshcall/internal/core/domain"
	"meshcall/internal/core/ports"
	"meshcall/pkg/config"
)

// Config for the pion-backed negotiators.
type Config struct {
	ICEServers    []webrtc.ICEServer
	PortRange     struct{ Min, Max uint16 }
	GatherTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		ICEServers:    []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}},
		GatherTimeout: 5 * time.Second,
	}
}

// ICEServers converts configured servers to pion's representation.
func ICEServers(servers []config.ICEServer) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(servers))
	for _, s := range servers {
		srv := webrtc.ICEServer{URLs: s.URLs, Username: s.Username}
		if s.Credential != "" {
			srv.Credential = s.Credential
			srv.CredentialType = webrtc.ICECredentialTypePassword
		}
		out = append(out, srv)
	}
	return out
}

// PacketSink receives every inbound RTP packet of a peer. Decoding is left
// to the consumer.
type PacketSink func(peerID domain.ParticipantID, kind domain.TrackKind, pkt *rtp.Packet)

// LocalTrack is implemented by tracks that can be attached to a pion sender.
type LocalTrack interface {
	Local() webrtc.TrackLocal
}

// signalMessage is the wire form of a domain.Signal produced and consumed
// by PeerNegotiator. Descriptions carry their candidates (non-trickle); a
// trickled candidate from the remote side is still accepted.
type signalMessage struct {
	Type        string                   `json:"type"`
	SDP         string                   `json:"sdp,omitempty"`
	Candidate   *webrtc.ICECandidateInit `json:"candidate,omitempty"`
	Renegotiate bool                     `json:"renegotiate,omitempty"`
}

// NegotiatorFactory builds one PeerConnection per remote peer over a shared API.
type NegotiatorFactory struct {
	api    *webrtc.API
	config Config
	sink   PacketSink
	logger *zap.SugaredLogger
}

func NewNegotiatorFactory(cfg Config, sink PacketSink, logger *zap.SugaredLogger) (*NegotiatorFactory, error) {
	if cfg.GatherTimeout <= 0 {
		cfg.GatherTimeout = 5 * time.Second
	}

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register codecs: %w", err)
	}
	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("failed to register interceptors: %w", err)
	}

	settingEngine := webrtc.SettingEngine{}
	if cfg.PortRange.Min > 0 && cfg.PortRange.Max > 0 {
		if err := settingEngine.SetEphemeralUDPPortRange(cfg.PortRange.Min, cfg.PortRange.Max); err != nil {
			return nil, fmt.Errorf("invalid port range: %w", err)
		}
	}

	return &NegotiatorFactory{
		api: webrtc.NewAPI(
			webrtc.WithMediaEngine(mediaEngine),
			webrtc.WithInterceptorRegistry(registry),
			webrtc.WithSettingEngine(settingEngine),
		),
		config: cfg,
		sink:   sink,
		logger: logger,
	}, nil
}

func (f *NegotiatorFactory) NewNegotiator(ctx context.Context, peerID domain.ParticipantID, cfg ports.NegotiatorConfig) (ports.Negotiator, error) {
	if cfg.Handler == nil {
		return nil, errors.New("negotiator handler is required")
	}

	pc, err := f.api.NewPeerConnection(webrtc.Configuration{ICEServers: f.config.ICEServers})
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	n := &PeerNegotiator{
		peerID:        peerID,
		initiator:     cfg.Initiator,
		pc:            pc,
		handler:       cfg.Handler,
		sink:          f.sink,
		gatherTimeout: f.config.GatherTimeout,
		logger:        f.logger.With("peer_id", peerID),
		senders:       make(map[domain.TrackKind]*webrtc.RTPSender),
		stream:        newRemoteStream(string(peerID)),
		rtt:           &rttEstimator{},
		maxBitrate:    cfg.MaxBitrate,
		done:          make(chan struct{}),
	}

	for _, t := range []struct {
		kind  domain.TrackKind
		track ports.Track
	}{{domain.TrackAudio, cfg.AudioTrack}, {domain.TrackVideo, cfg.VideoTrack}} {
		if err := n.addTransceiver(t.kind, t.track); err != nil {
			pc.Close()
			return nil, err
		}
	}

	pc.OnICEConnectionStateChange(n.onICEState)
	pc.OnConnectionStateChange(n.onConnectionState)
	pc.OnTrack(n.onTrack)

	return n, nil
}

// PeerNegotiator drives one PeerConnection through a single offer/answer exchange.
type PeerNegotiator struct {
	peerID        domain.ParticipantID
	initiator     bool
	pc            *webrtc.PeerConnection
	handler       ports.NegotiatorHandler
	sink          PacketSink
	gatherTimeout time.Duration
	logger        *zap.SugaredLogger
	senders       map[domain.TrackKind]*webrtc.RTPSender
	stream        *remoteStream
	rtt           *rttEstimator

	mu            sync.Mutex
	maxBitrate    int
	inboundSSRCs  []uint32
	pending       []webrtc.ICECandidateInit
	connectedOnce sync.Once
	closeOnce     sync.Once
	done          chan struct{}
}

func (n *PeerNegotiator) addTransceiver(kind domain.TrackKind, track ports.Track) error {
	init := webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionSendrecv}

	var (
		tr  *webrtc.RTPTransceiver
		err error
	)
	if lt, ok := track.(LocalTrack); ok && lt.Local() != nil {
		tr, err = n.pc.AddTransceiverFromTrack(lt.Local(), init)
	} else {
		tr, err = n.pc.AddTransceiverFromKind(codecType(kind), init)
	}
	if err != nil {
		return fmt.Errorf("failed to add %s transceiver: %w", kind, err)
	}

	sender := tr.Sender()
	n.senders[kind] = sender
	go n.readSenderRTCP(sender)
	return nil
}

// Start creates the offer when initiating. The offer is emitted once
// candidate gathering completes.
func (n *PeerNegotiator) Start(ctx context.Context) error {
	if !n.initiator {
		return nil
	}
	offer, err := n.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	gathered := webrtc.GatheringCompletePromise(n.pc)
	if err := n.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local offer: %w", err)
	}
	go n.emitLocalDescription(gathered)
	return nil
}

func (n *PeerNegotiator) Signal(ctx context.Context, signal domain.Signal) error {
	var msg signalMessage
	if err := json.Unmarshal(signal, &msg); err != nil {
		return fmt.Errorf("malformed signal: %w", err)
	}

	switch msg.Type {
	case "offer":
		if n.initiator {
			return errors.New("unexpected offer on initiating side")
		}
		if err := n.setRemote(webrtc.SDPTypeOffer, msg.SDP); err != nil {
			return err
		}
		answer, err := n.pc.CreateAnswer(nil)
		if err != nil {
			return fmt.Errorf("create answer: %w", err)
		}
		gathered := webrtc.GatheringCompletePromise(n.pc)
		if err := n.pc.SetLocalDescription(answer); err != nil {
			return fmt.Errorf("set local answer: %w", err)
		}
		go n.emitLocalDescription(gathered)
		return nil

	case "answer":
		if !n.initiator {
			return errors.New("unexpected answer on responding side")
		}
		return n.setRemote(webrtc.SDPTypeAnswer, msg.SDP)

	case "candidate":
		if msg.Candidate == nil || msg.Candidate.Candidate == "" {
			return errors.New("candidate signal without candidate")
		}
		return n.addCandidate(*msg.Candidate)

	case "renegotiate", "transceiverRequest":
		n.logger.Debugw("renegotiation request ignored", "type", msg.Type)
		return nil
	}
	return fmt.Errorf("unknown signal type %q", msg.Type)
}

func (n *PeerNegotiator) setRemote(sdpType webrtc.SDPType, sdp string) error {
	if sdp == "" {
		return fmt.Errorf("%s without sdp", sdpType)
	}
	if err := n.pc.SetRemoteDescription(webrtc.SessionDescription{Type: sdpType, SDP: sdp}); err != nil {
		return fmt.Errorf("set remote %s: %w", sdpType, err)
	}

	n.mu.Lock()
	pending := n.pending
	n.pending = nil
	n.mu.Unlock()
	for _, c := range pending {
		if err := n.pc.AddICECandidate(c); err != nil {
			n.logger.Warnw("queued candidate rejected", "error", err)
		}
	}
	return nil
}

func (n *PeerNegotiator) addCandidate(c webrtc.ICECandidateInit) error {
	if n.pc.RemoteDescription() == nil {
		n.mu.Lock()
		n.pending = append(n.pending, c)
		n.mu.Unlock()
		return nil
	}
	if err := n.pc.AddICECandidate(c); err != nil {
		return fmt.Errorf("add candidate: %w", err)
	}
	return nil
}

func (n *PeerNegotiator) emitLocalDescription(gathered <-chan struct{}) {
	timer := time.NewTimer(n.gatherTimeout)
	defer timer.Stop()
	select {
	case <-gathered:
	case <-timer.C:
		n.logger.Warnw("candidate gathering incomplete, sending partial description", "timeout", n.gatherTimeout)
	case <-n.done:
		return
	}

	desc := n.pc.LocalDescription()
	if desc == nil {
		n.handler.HandleError(fmt.Errorf("%w: no local description", domain.ErrPeerSignal))
		return
	}
	data, err := json.Marshal(signalMessage{Type: desc.Type.String(), SDP: desc.SDP})
	if err != nil {
		n.handler.HandleError(fmt.Errorf("%w: %v", domain.ErrPeerSignal, err))
		return
	}
	n.handler.HandleLocalSignal(domain.Signal(data))
}

func (n *PeerNegotiator) ReplaceTrack(kind domain.TrackKind, track ports.Track) error {
	sender, ok := n.senders[kind]
	if !ok {
		return fmt.Errorf("no %s sender", kind)
	}
	lt, ok := track.(LocalTrack)
	if !ok {
		return fmt.Errorf("track %s cannot be sent over webrtc", track.ID())
	}
	if err := sender.ReplaceTrack(lt.Local()); err != nil {
		return fmt.Errorf("replace %s track: %w", kind, err)
	}
	return nil
}

// SetMaxBitrate caps the media flowing between us and the peer. The local
// tracks are shared by every peer connection, so there is no per-peer
// encoder to throttle; instead the cap is sent as an RTCP REMB on the
// inbound SSRCs, which limits what the remote side sends to us. Our own
// outbound rate is governed by the remote side's estimate in the same way.
// Until the first inbound track arrives the value is only recorded.
func (n *PeerNegotiator) SetMaxBitrate(bps int) error {
	n.mu.Lock()
	n.maxBitrate = bps
	ssrcs := append([]uint32(nil), n.inboundSSRCs...)
	n.mu.Unlock()

	if len(ssrcs) == 0 {
		return nil
	}
	return n.pc.WriteRTCP(bitrateEstimate(bps, ssrcs))
}

func (n *PeerNegotiator) Stats(ctx context.Context) (domain.TransportStats, error) {
	select {
	case <-n.done:
		return domain.TransportStats{}, domain.ErrSessionClosed
	default:
	}
	stats, ok := transportStatsFromReport(n.pc.GetStats(), n.rtt.Get(), time.Now())
	if !ok {
		return domain.TransportStats{}, fmt.Errorf("%w: no transport stats reported yet", domain.ErrStatsUnavailable)
	}
	return stats, nil
}

func (n *PeerNegotiator) Close() error {
	var err error
	n.closeOnce.Do(func() {
		close(n.done)
		err = n.pc.Close()
		n.handler.HandleClose()
	})
	return err
}

func (n *PeerNegotiator) onICEState(state webrtc.ICEConnectionState) {
	n.logger.Infow("ice connection state changed", "ice_state", state)
	n.handler.HandleICEState(iceState(state))
}

func (n *PeerNegotiator) onConnectionState(state webrtc.PeerConnectionState) {
	n.logger.Debugw("peer connection state changed", "connection_state", state)
	if state == webrtc.PeerConnectionStateConnected {
		n.connectedOnce.Do(n.handler.HandleConnect)
	}
}

func (n *PeerNegotiator) onTrack(remote *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	kind := trackKind(remote.Kind())
	n.logger.Infow("remote track started",
		"track_id", remote.ID(),
		"kind", kind,
		"codec", remote.Codec().MimeType,
	)

	first := n.stream.addTrack(domain.RemoteTrackInfo{
		ID:    remote.ID(),
		Kind:  kind,
		Codec: remote.Codec().MimeType,
	})

	ssrc := uint32(remote.SSRC())
	n.mu.Lock()
	n.inboundSSRCs = append(n.inboundSSRCs, ssrc)
	bps := n.maxBitrate
	ssrcs := append([]uint32(nil), n.inboundSSRCs...)
	n.mu.Unlock()

	if kind == domain.TrackVideo {
		if err := n.pc.WriteRTCP(keyframeRequest(ssrc)); err != nil {
			n.logger.Debugw("keyframe request failed", "error", err)
		}
	}
	if bps > 0 {
		if err := n.pc.WriteRTCP(bitrateEstimate(bps, ssrcs)); err != nil {
			n.logger.Debugw("bitrate estimate not sent", "error", err)
		}
	}

	go n.drainReceiverRTCP(receiver)
	go n.pump(remote, kind)

	if first {
		n.handler.HandleStream(n.stream)
	}
}

func (n *PeerNegotiator) pump(remote *webrtc.TrackRemote, kind domain.TrackKind) {
	for {
		pkt, _, err := remote.ReadRTP()
		if err != nil {
			n.logger.Debugw("remote track ended", "track_id", remote.ID(), "error", err)
			return
		}
		n.stream.count(remote.ID(), len(pkt.Payload))
		if n.sink != nil {
			n.sink(n.peerID, kind, pkt)
		}
	}
}

func codecType(kind domain.TrackKind) webrtc.RTPCodecType {
	if kind == domain.TrackAudio {
		return webrtc.RTPCodecTypeAudio
	}
	return webrtc.RTPCodecTypeVideo
}

func trackKind(t webrtc.RTPCodecType) domain.TrackKind {
	if t == webrtc.RTPCodecTypeAudio {
		return domain.TrackAudio
	}
	return domain.TrackVideo
}

func iceState(state webrtc.ICEConnectionState) domain.ICEState {
	switch state {
	case webrtc.ICEConnectionStateChecking:
		return domain.ICEChecking
	case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
		return domain.ICEConnected
	case webrtc.ICEConnectionStateDisconnected:
		return domain.ICEDisconnected
	case webrtc.ICEConnectionStateFailed:
		return domain.ICEFailed
	case webrtc.ICEConnectionStateClosed:
		return domain.ICEClosed
	}
	return domain.ICENew
}
