package services

import (
	"time"

	"meshcall/internal/core/domain"
)

type scoreBand struct {
	below  float64
	points int
}

// QualityService turns interval statistics into a score, a tag and a bitrate decision.
type QualityService struct {
	lossBands   []scoreBand
	lossFloor   int
	jitterBands []scoreBand
	rttBands    []scoreBand
	tags        []struct {
		min int
		tag domain.QualityTag
	}
	bounds domain.BitrateBounds
}

func NewQualityService(bounds domain.BitrateBounds) *QualityService {
	return &QualityService{
		lossBands: []scoreBand{
			{below: 0.01, points: 40},
			{below: 0.03, points: 30},
			{below: 0.05, points: 20},
		},
		lossFloor: 10,
		jitterBands: []scoreBand{
			{below: 0.020, points: 30},
			{below: 0.050, points: 20},
			{below: 0.100, points: 10},
		},
		rttBands: []scoreBand{
			{below: 0.100, points: 30},
			{below: 0.200, points: 20},
			{below: 0.500, points: 10},
		},
		tags: []struct {
			min int
			tag domain.QualityTag
		}{
			{80, domain.QualityExcellent},
			{60, domain.QualityGood},
			{40, domain.QualityFair},
		},
		bounds: bounds,
	}
}

func (qs *QualityService) Bounds() domain.BitrateBounds {
	return qs.bounds
}

// Score combines loss rate (0..1), jitter and RTT into [0, 100].
func (qs *QualityService) Score(lossRate float64, jitter, rtt time.Duration) int {
	return band(qs.lossBands, lossRate, qs.lossFloor) +
		band(qs.jitterBands, jitter.Seconds(), 0) +
		band(qs.rttBands, rtt.Seconds(), 0)
}

func band(bands []scoreBand, v float64, floor int) int {
	for _, b := range bands {
		if v < b.below {
			return b.points
		}
	}
	return floor
}

func (qs *QualityService) Classify(score int) domain.QualityTag {
	for _, t := range qs.tags {
		if score >= t.min {
			return t.tag
		}
	}
	return domain.QualityPoor
}

// Sample derives one interval from two cumulative snapshots. Counters that
// went backwards (negotiator restarted its stats) contribute a zero delta.
func (qs *QualityService) Sample(prev, cur domain.TransportStats) domain.StatsSample {
	s := domain.StatsSample{
		Current:              cur,
		Interval:             cur.Timestamp.Sub(prev.Timestamp),
		PacketsReceivedDelta: delta(prev.PacketsReceived, cur.PacketsReceived),
		PacketsLostDelta:     delta(prev.PacketsLost, cur.PacketsLost),
		BytesReceivedDelta:   delta(prev.BytesReceived, cur.BytesReceived),
	}

	if total := s.PacketsLostDelta + s.PacketsReceivedDelta; total > 0 {
		s.LossRate = float64(s.PacketsLostDelta) / float64(total)
	}
	if s.Interval > 0 {
		s.ReceiveBitrate = float64(s.BytesReceivedDelta*8) / s.Interval.Seconds()
	}

	s.Score = qs.Score(s.LossRate, cur.Jitter, cur.RoundTripTime)
	s.Quality = qs.Classify(s.Score)
	return s
}

func delta(prev, cur uint64) uint64 {
	if cur < prev {
		return 0
	}
	return cur - prev
}

func (qs *QualityService) ShouldDowngrade(sample domain.StatsSample) bool {
	return sample.LossRate > 0.05
}

func (qs *QualityService) ShouldUpgrade(sample domain.StatsSample, target int) bool {
	return sample.LossRate < 0.01 && sample.ReceiveBitrate > float64(target)*1.2
}

// NextBitrate applies the control law and always returns a value inside the bounds.
func (qs *QualityService) NextBitrate(target int, sample domain.StatsSample) int {
	next := target
	switch {
	case qs.ShouldDowngrade(sample):
		next = int(float64(target) * 0.8)
	case qs.ShouldUpgrade(sample, target):
		next = int(float64(target) * 1.1)
	}
	return qs.bounds.Clamp(next)
}
