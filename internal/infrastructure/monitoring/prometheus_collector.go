package monitoring

import (
	"sync"

	"github.com/pion/rtp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"meshcall/internal/core/domain"
	"meshcall/internal/core/ports"
)

// SessionCounter reports the number of live peer sessions.
type SessionCounter interface {
	Len() int
}

var connectionStatuses = []domain.ConnectionStatus{
	domain.StatusDisconnected,
	domain.StatusConnecting,
	domain.StatusConnected,
	domain.StatusReconnecting,
	domain.StatusFailed,
}

// PrometheusCollector turns the core event stream into Prometheus metrics.
type PrometheusCollector struct {
	factory promauto.Factory

	// Mesh
	sessions     prometheus.GaugeFunc
	peersJoined  prometheus.Counter
	peersLeft    prometheus.Counter
	peerFailures *prometheus.CounterVec
	peerStreams  prometheus.Counter

	// Relay
	signalingStatus    *prometheus.GaugeVec
	reconnects         prometheus.Counter
	connectionFailures prometheus.Counter

	// Quality
	peerBitrate *prometheus.GaugeVec
	peerScore   *prometheus.GaugeVec
	rtt         prometheus.Histogram
	lossRate    prometheus.Histogram

	// Inbound media
	inboundPackets *prometheus.CounterVec
	inboundBytes   *prometheus.CounterVec

	// Capture
	captureEnabled *prometheus.GaugeVec
	screenSharing  prometheus.Gauge

	mu    sync.Mutex
	peers map[domain.ParticipantID]struct{}
}

func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	factory := promauto.With(reg)
	return &PrometheusCollector{
		factory: factory,

		peersJoined: factory.NewCounter(prometheus.CounterOpts{
			Name: "meshcall_peers_joined_total",
			Help: "Total number of peers that joined the mesh",
		}),

		peersLeft: factory.NewCounter(prometheus.CounterOpts{
			Name: "meshcall_peers_left_total",
			Help: "Total number of peers that left the mesh",
		}),

		peerFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "meshcall_peer_failures_total",
			Help: "Total number of failed peer sessions by reason",
		}, []string{"reason"}),

		peerStreams: factory.NewCounter(prometheus.CounterOpts{
			Name: "meshcall_peer_streams_total",
			Help: "Total number of remote streams received",
		}),

		signalingStatus: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "meshcall_signaling_status",
			Help: "Current relay connection status (1 for the active status)",
		}, []string{"status"}),

		reconnects: factory.NewCounter(prometheus.CounterOpts{
			Name: "meshcall_relay_reconnects_total",
			Help: "Total number of successful relay reconnections",
		}),

		connectionFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "meshcall_relay_connection_failures_total",
			Help: "Total number of times the relay reconnection budget was exhausted",
		}),

		peerBitrate: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "meshcall_peer_bitrate_target_bps",
			Help: "Current bitrate target per peer in bits per second",
		}, []string{"peer_id"}),

		peerScore: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "meshcall_peer_quality_score",
			Help: "Latest quality score per peer (0-100)",
		}, []string{"peer_id"}),

		rtt: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "meshcall_peer_rtt_seconds",
			Help:    "Round trip time observed in stats samples",
			Buckets: []float64{0.01, 0.05, 0.1, 0.15, 0.3, 0.5, 1},
		}),

		lossRate: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "meshcall_peer_loss_rate",
			Help:    "Packet loss rate observed in stats samples",
			Buckets: []float64{0, 0.01, 0.02, 0.05, 0.1, 0.2, 0.5},
		}),

		inboundPackets: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "meshcall_inbound_rtp_packets_total",
			Help: "Total number of RTP packets received from peers",
		}, []string{"kind"}),

		inboundBytes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "meshcall_inbound_rtp_payload_bytes_total",
			Help: "Total RTP payload bytes received from peers",
		}, []string{"kind"}),

		captureEnabled: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "meshcall_capture_enabled",
			Help: "Whether the local track of each kind is present and enabled",
		}, []string{"kind"}),

		screenSharing: factory.NewGauge(prometheus.GaugeOpts{
			Name: "meshcall_screen_sharing",
			Help: "1 while the outgoing video is a screen capture",
		}),

		peers: make(map[domain.ParticipantID]struct{}),
	}
}

// CountSessions exposes the live session count of the mesh as a gauge.
func (p *PrometheusCollector) CountSessions(sessions SessionCounter) {
	p.sessions = p.factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "meshcall_peer_sessions",
		Help: "Number of live peer sessions in the mesh",
	}, func() float64 { return float64(sessions.Len()) })
}

// Attach subscribes the collector to events and returns the unsubscribe func.
func (p *PrometheusCollector) Attach(events ports.EventSubscriber) func() {
	return events.Subscribe(p.Handle)
}

func (p *PrometheusCollector) Handle(event domain.Event) {
	switch event.Type {
	case domain.EventConnectionStatus:
		p.setStatus(event.Status)

	case domain.EventReconnected:
		p.reconnects.Inc()

	case domain.EventConnectionFailed:
		p.connectionFailures.Inc()

	case domain.EventPeerJoined:
		p.peersJoined.Inc()
		p.track(event.PeerID)

	case domain.EventPeerLeft:
		p.peersLeft.Inc()
		p.forget(event.PeerID)

	case domain.EventPeerFailed:
		p.peerFailures.WithLabelValues(event.Reason).Inc()
		p.forget(event.PeerID)

	case domain.EventPeerStream:
		p.peerStreams.Inc()

	case domain.EventBitrateChanged:
		if p.tracked(event.PeerID) {
			p.peerBitrate.WithLabelValues(string(event.PeerID)).Set(float64(event.Bitrate))
		}

	case domain.EventStatsSampled:
		if event.Sample == nil || !p.tracked(event.PeerID) {
			return
		}
		p.peerScore.WithLabelValues(string(event.PeerID)).Set(float64(event.Sample.Score))
		p.rtt.Observe(event.Sample.Current.RoundTripTime.Seconds())
		p.lossRate.Observe(event.Sample.LossRate)

	case domain.EventCaptureUpdated:
		if event.Capture == nil {
			return
		}
		c := event.Capture
		p.captureEnabled.WithLabelValues(string(domain.TrackAudio)).Set(boolGauge(c.HasAudio && c.AudioEnabled))
		p.captureEnabled.WithLabelValues(string(domain.TrackVideo)).Set(boolGauge(c.HasVideo && c.VideoEnabled))
		p.screenSharing.Set(boolGauge(c.ScreenSharing))
	}
}

// ObservePacket counts one inbound RTP packet. Its signature matches the
// negotiator packet sink.
func (p *PrometheusCollector) ObservePacket(_ domain.ParticipantID, kind domain.TrackKind, pkt *rtp.Packet) {
	p.inboundPackets.WithLabelValues(string(kind)).Inc()
	p.inboundBytes.WithLabelValues(string(kind)).Add(float64(len(pkt.Payload)))
}

func (p *PrometheusCollector) setStatus(status domain.ConnectionStatus) {
	for _, s := range connectionStatuses {
		p.signalingStatus.WithLabelValues(string(s)).Set(boolGauge(s == status))
	}
}

func (p *PrometheusCollector) track(peerID domain.ParticipantID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.peers[peerID] = struct{}{}
}

func (p *PrometheusCollector) tracked(peerID domain.ParticipantID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.peers[peerID]
	return ok
}

// forget drops the per-peer series of a departed peer.
func (p *PrometheusCollector) forget(peerID domain.ParticipantID) {
	p.mu.Lock()
	delete(p.peers, peerID)
	p.mu.Unlock()

	p.peerBitrate.DeleteLabelValues(string(peerID))
	p.peerScore.DeleteLabelValues(string(peerID))
}

func boolGauge(v bool) float64 {
	if v {
		return 1
	}
	return 0
}
