package webrtc

import (
	"sync"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"
)

// ntpEpochOffset is the number of seconds between 1900 and 1970.
const ntpEpochOffset = 2208988800

// readSenderRTCP consumes reports the remote sends about our outbound
// streams. Receiver reports feed the RTT estimate.
func (n *PeerNegotiator) readSenderRTCP(sender *webrtc.RTPSender) {
	for {
		packets, _, err := sender.ReadRTCP()
		if err != nil {
			return
		}
		now := time.Now()
		for _, packet := range packets {
			switch p := packet.(type) {
			case *rtcp.ReceiverReport:
				for _, r := range p.Reports {
					if rtt, ok := rttFromReport(now, r.LastSenderReport, r.Delay); ok {
						n.rtt.Set(rtt)
					}
				}
			case *rtcp.PictureLossIndication:
				n.logger.Debugw("received PLI", "media_ssrc", p.MediaSSRC)
			case *rtcp.TransportLayerNack:
				n.logger.Debugw("received NACK", "media_ssrc", p.MediaSSRC, "nacks", len(p.Nacks))
			}
		}
	}
}

// drainReceiverRTCP keeps the interceptors of an inbound track running.
func (n *PeerNegotiator) drainReceiverRTCP(receiver *webrtc.RTPReceiver) {
	for {
		if _, _, err := receiver.ReadRTCP(); err != nil {
			return
		}
	}
}

// rttFromReport computes round trip time from the LSR and DLSR fields of a
// reception report, both in 1/65536 s units of the middle 32 NTP bits.
func rttFromReport(now time.Time, lastSenderReport, delay uint32) (time.Duration, bool) {
	if lastSenderReport == 0 {
		return 0, false
	}
	nowMid := uint32(ntpTime(now) >> 16)
	diff := int64(nowMid) - int64(lastSenderReport) - int64(delay)
	if diff < 0 {
		return 0, false
	}
	return time.Duration(float64(diff) / 65536 * float64(time.Second)), true
}

func ntpTime(t time.Time) uint64 {
	secs := uint64(t.Unix()) + ntpEpochOffset
	frac := (uint64(t.Nanosecond()) << 32) / uint64(time.Second)
	return secs<<32 | frac
}

func keyframeRequest(mediaSSRC uint32) []rtcp.Packet {
	return []rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: mediaSSRC}}
}

func bitrateEstimate(bps int, ssrcs []uint32) []rtcp.Packet {
	return []rtcp.Packet{&rtcp.ReceiverEstimatedMaximumBitrate{
		Bitrate: float32(bps),
		SSRCs:   ssrcs,
	}}
}

type rttEstimator struct {
	mu  sync.Mutex
	rtt time.Duration
}

func (e *rttEstimator) Set(rtt time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rtt = rtt
}

func (e *rttEstimator) Get() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rtt
}
