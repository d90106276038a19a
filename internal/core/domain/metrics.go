package domain

import "time"

// TransportStats holds cumulative counters as reported by the negotiator.
type TransportStats struct {
	Timestamp       time.Time     `json:"timestamp"`
	RoundTripTime   time.Duration `json:"rtt"`
	Jitter          time.Duration `json:"jitter"`
	PacketsReceived uint64        `json:"packets_received"`
	PacketsLost     uint64        `json:"packets_lost"`
	BytesReceived   uint64        `json:"bytes_received"`
}

// StatsSample is one classified interval between two consecutive TransportStats.
type StatsSample struct {
	Current              TransportStats `json:"current"`
	Interval             time.Duration  `json:"interval"`
	PacketsReceivedDelta uint64         `json:"packets_received_delta"`
	PacketsLostDelta     uint64         `json:"packets_lost_delta"`
	BytesReceivedDelta   uint64         `json:"bytes_received_delta"`
	LossRate             float64        `json:"loss_rate"`
	ReceiveBitrate       float64        `json:"receive_bitrate"` // bps
	Score                int            `json:"score"`
	Quality              QualityTag     `json:"quality"`
}

type QualityTag string

const (
	QualityExcellent QualityTag = "excellent"
	QualityGood      QualityTag = "good"
	QualityFair      QualityTag = "fair"
	QualityPoor      QualityTag = "poor"
	QualityUnknown   QualityTag = "unknown"
)

// BitrateBounds are in bits per second.
type BitrateBounds struct {
	Min     int `json:"min" yaml:"min"`
	Max     int `json:"max" yaml:"max"`
	Initial int `json:"initial" yaml:"initial"`
}

func DefaultBitrateBounds() BitrateBounds {
	return BitrateBounds{Min: 100_000, Max: 2_000_000, Initial: 1_000_000}
}

func (b BitrateBounds) Clamp(bps int) int {
	if bps < b.Min {
		return b.Min
	}
	if bps > b.Max {
		return b.Max
	}
	return bps
}
