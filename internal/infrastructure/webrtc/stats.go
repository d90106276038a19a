package webrtc

import (
	"time"

	"github.com/pion/webrtc/v3"

	"meshcall/internal/core/domain"
)

// transportStatsFromReport folds a pion stats report into the cumulative
// inbound counters of one peer connection. Counters are summed over inbound
// streams, jitter is the worst stream. RTT prefers the nominated candidate
// pair, then remote-inbound reports, then the RTCP estimate.
// It reports false when the report has nothing usable yet.
func transportStatsFromReport(report webrtc.StatsReport, rtcpRTT time.Duration, now time.Time) (domain.TransportStats, bool) {
	out := domain.TransportStats{Timestamp: now}
	var (
		found     bool
		pairRTT   time.Duration
		remoteRTT time.Duration
	)

	for _, s := range report {
		switch st := s.(type) {
		case webrtc.InboundRTPStreamStats:
			found = true
			out.PacketsReceived += uint64(st.PacketsReceived)
			if st.PacketsLost > 0 {
				out.PacketsLost += uint64(st.PacketsLost)
			}
			out.BytesReceived += st.BytesReceived
			if j := seconds(st.Jitter); j > out.Jitter {
				out.Jitter = j
			}

		case webrtc.RemoteInboundRTPStreamStats:
			if rtt := seconds(st.RoundTripTime); rtt > remoteRTT {
				remoteRTT = rtt
			}

		case webrtc.ICECandidatePairStats:
			if !st.Nominated || st.State != webrtc.StatsICECandidatePairStateSucceeded {
				continue
			}
			found = true
			if rtt := seconds(st.CurrentRoundTripTime); rtt > 0 {
				pairRTT = rtt
			}
		}
	}

	switch {
	case pairRTT > 0:
		out.RoundTripTime = pairRTT
	case remoteRTT > 0:
		out.RoundTripTime = remoteRTT
	default:
		out.RoundTripTime = rtcpRTT
	}
	return out, found
}

func seconds(v float64) time.Duration {
	if v <= 0 {
		return 0
	}
	return time.Duration(v * float64(time.Second))
}
