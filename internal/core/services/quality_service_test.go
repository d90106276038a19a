package services

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"meshcall/internal/core/domain"
)

func TestQualityService_Score(t *testing.T) {
	qs := NewQualityService(domain.DefaultBitrateBounds())

	tests := []struct {
		name   string
		loss   float64
		jitter time.Duration
		rtt    time.Duration
		want   int
	}{
		{"perfect", 0, 5 * time.Millisecond, 40 * time.Millisecond, 100},
		{"band edges are exclusive", 0.01, 20 * time.Millisecond, 100 * time.Millisecond, 70},
		{"middling", 0.04, 60 * time.Millisecond, 250 * time.Millisecond, 40},
		{"terrible", 0.2, 150 * time.Millisecond, 800 * time.Millisecond, 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, qs.Score(tt.loss, tt.jitter, tt.rtt))
		})
	}
}

func TestQualityService_Classify(t *testing.T) {
	qs := NewQualityService(domain.DefaultBitrateBounds())

	assert.Equal(t, domain.QualityExcellent, qs.Classify(100))
	assert.Equal(t, domain.QualityExcellent, qs.Classify(80))
	assert.Equal(t, domain.QualityGood, qs.Classify(79))
	assert.Equal(t, domain.QualityGood, qs.Classify(60))
	assert.Equal(t, domain.QualityFair, qs.Classify(40))
	assert.Equal(t, domain.QualityPoor, qs.Classify(39))
	assert.Equal(t, domain.QualityPoor, qs.Classify(0))
}

func TestQualityService_SampleDeltas(t *testing.T) {
	qs := NewQualityService(domain.DefaultBitrateBounds())
	t0 := time.Unix(1000, 0)

	prev := domain.TransportStats{Timestamp: t0, PacketsReceived: 1000, PacketsLost: 10, BytesReceived: 100_000}
	cur := domain.TransportStats{
		Timestamp:       t0.Add(2 * time.Second),
		PacketsReceived: 1900,
		PacketsLost:     110,
		BytesReceived:   600_000,
		Jitter:          10 * time.Millisecond,
		RoundTripTime:   50 * time.Millisecond,
	}

	s := qs.Sample(prev, cur)
	assert.Equal(t, uint64(900), s.PacketsReceivedDelta)
	assert.Equal(t, uint64(100), s.PacketsLostDelta)
	assert.InDelta(t, 0.1, s.LossRate, 1e-9)
	assert.InDelta(t, 2_000_000.0, s.ReceiveBitrate, 1e-6)
	assert.Equal(t, 70, s.Score)
	assert.Equal(t, domain.QualityGood, s.Quality)
}

func TestQualityService_SampleCounterReset(t *testing.T) {
	qs := NewQualityService(domain.DefaultBitrateBounds())
	t0 := time.Unix(1000, 0)

	prev := domain.TransportStats{Timestamp: t0, PacketsReceived: 5000, PacketsLost: 50, BytesReceived: 1 << 20}
	cur := domain.TransportStats{Timestamp: t0.Add(2 * time.Second), PacketsReceived: 10, PacketsLost: 0, BytesReceived: 100}

	s := qs.Sample(prev, cur)
	assert.Zero(t, s.PacketsReceivedDelta)
	assert.Zero(t, s.PacketsLostDelta)
	assert.Zero(t, s.LossRate)
	assert.Zero(t, s.ReceiveBitrate)
}

func TestQualityService_NextBitrate(t *testing.T) {
	qs := NewQualityService(domain.DefaultBitrateBounds())

	lossy := domain.StatsSample{LossRate: 0.10}
	assert.Equal(t, 800_000, qs.NextBitrate(1_000_000, lossy))
	assert.Equal(t, 100_000, qs.NextBitrate(110_000, lossy), "floor")

	roomy := domain.StatsSample{LossRate: 0.001, ReceiveBitrate: 1_300_000}
	assert.Equal(t, 1_100_000, qs.NextBitrate(1_000_000, roomy))
	assert.Equal(t, 2_000_000, qs.NextBitrate(1_950_000, domain.StatsSample{ReceiveBitrate: 3_000_000}), "ceiling")

	// low loss but not enough headroom: unchanged
	assert.Equal(t, 1_000_000, qs.NextBitrate(1_000_000, domain.StatsSample{LossRate: 0.002, ReceiveBitrate: 1_100_000}))
	// between 1% and 5%: unchanged
	assert.Equal(t, 1_000_000, qs.NextBitrate(1_000_000, domain.StatsSample{LossRate: 0.03, ReceiveBitrate: 5_000_000}))
	// out-of-range input is pulled back inside
	assert.Equal(t, 2_000_000, qs.NextBitrate(9_000_000, domain.StatsSample{LossRate: 0.02}))
}
