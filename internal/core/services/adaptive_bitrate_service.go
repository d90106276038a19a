package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"meshcall/internal/core/domain"
	"meshcall/internal/core/ports"
	"meshcall/pkg/circuitbreaker"
	"meshcall/pkg/tracing"
)

// SessionSource lists the sessions the sampler should poll.
type SessionSource interface {
	StableSessions() []*PeerSession
}

type AdaptiveBitrateConfig struct {
	StatsInterval time.Duration
	HistorySize   int
	Breaker       circuitbreaker.Config
}

func DefaultAdaptiveBitrateConfig() AdaptiveBitrateConfig {
	return AdaptiveBitrateConfig{
		StatsInterval: 2 * time.Second,
		HistorySize:   100,
		Breaker:       circuitbreaker.DefaultConfig(),
	}
}

// AdaptiveBitrateService samples every stable session on a fixed interval,
// classifies link quality and drives the per-peer outbound bitrate cap.
type AdaptiveBitrateService struct {
	qualityService *QualityService
	sessions       SessionSource
	events         ports.EventPublisher
	logger         *zap.SugaredLogger
	config         AdaptiveBitrateConfig

	mu      sync.Mutex
	peers   map[*PeerSession]*peerQualityState
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

type peerQualityState struct {
	prev    *domain.TransportStats
	breaker *circuitbreaker.CircuitBreaker
	history []domain.StatsSample
}

func NewAdaptiveBitrateService(
	qualityService *QualityService,
	sessions SessionSource,
	events ports.EventPublisher,
	config AdaptiveBitrateConfig,
	logger *zap.SugaredLogger,
) *AdaptiveBitrateService {
	if config.HistorySize <= 0 {
		config.HistorySize = 100
	}
	return &AdaptiveBitrateService{
		qualityService: qualityService,
		sessions:       sessions,
		events:         events,
		logger:         logger,
		config:         config,
		peers:          make(map[*PeerSession]*peerQualityState),
	}
}

// Start launches the sampling loop. Calling Start while running is a no-op.
func (a *AdaptiveBitrateService) Start(ctx context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.done = make(chan struct{})
	a.running = true
	go a.loop(ctx, a.done)
}

// Stop cancels the loop and waits for an in-flight sample to finish.
func (a *AdaptiveBitrateService) Stop() {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return
	}
	cancel, done := a.cancel, a.done
	a.running = false
	a.mu.Unlock()

	cancel()
	<-done

	a.mu.Lock()
	a.peers = make(map[*PeerSession]*peerQualityState)
	a.mu.Unlock()
}

func (a *AdaptiveBitrateService) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(a.config.StatsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.SampleOnce(ctx)
		}
	}
}

// SampleOnce runs one sampling round over the stable sessions.
func (a *AdaptiveBitrateService) SampleOnce(ctx context.Context) {
	sessions := a.sessions.StableSessions()
	a.prune(sessions)

	for _, s := range sessions {
		if ctx.Err() != nil {
			return
		}
		a.sample(ctx, s)
	}
}

func (a *AdaptiveBitrateService) sample(ctx context.Context, s *PeerSession) {
	ctx, span := tracing.TraceStatsSample(ctx, string(s.ID()))
	defer span.End()

	st := a.state(s)
	var stats domain.TransportStats
	err := st.breaker.Execute(func() error {
		var err error
		stats, err = s.collectStats(ctx)
		return err
	})
	if err != nil {
		if !errors.Is(err, domain.ErrSessionClosed) {
			a.logger.Debugw("stats sample skipped", "peer_id", s.ID(), "error", err)
		}
		return
	}
	if stats.Timestamp.IsZero() {
		stats.Timestamp = time.Now()
	}

	a.mu.Lock()
	prev := st.prev
	cur := stats
	st.prev = &cur
	a.mu.Unlock()

	// the first snapshot only establishes the baseline
	if prev == nil {
		if _, _, err := s.recordSample(stats, domain.QualityUnknown, false, s.BitrateTarget()); err != nil {
			a.logger.Debugw("stats baseline not recorded", "peer_id", s.ID(), "error", err)
		}
		return
	}

	sample := a.qualityService.Sample(*prev, stats)
	current := s.BitrateTarget()
	target := a.qualityService.NextBitrate(current, sample)

	qualityChanged, bitrateChanged, err := s.recordSample(stats, sample.Quality, true, target)
	if err != nil && !errors.Is(err, domain.ErrSessionClosed) {
		tracing.RecordError(ctx, err)
		a.logger.Warnw("failed to apply bitrate", "peer_id", s.ID(), "target", target, "error", err)
	}

	tracing.AddSpanAttributes(ctx,
		tracing.QualityKey.String(string(sample.Quality)),
		tracing.BitrateKey.Int(s.BitrateTarget()),
		tracing.PacketLossKey.Float64(sample.LossRate),
		tracing.RTTKey.Int64(stats.RoundTripTime.Milliseconds()),
	)

	a.mu.Lock()
	st.history = append(st.history, sample)
	if len(st.history) > a.config.HistorySize {
		st.history = st.history[len(st.history)-a.config.HistorySize:]
	}
	a.mu.Unlock()

	e := peerEvent(domain.EventStatsSampled, s.Identity())
	e.Sample = &sample
	e.Quality = sample.Quality
	a.events.Publish(e)

	if qualityChanged {
		a.logger.Infow("peer quality changed",
			"peer_id", s.ID(),
			"quality", sample.Quality,
			"score", sample.Score,
			"loss_rate", sample.LossRate,
			"rtt", stats.RoundTripTime,
			"jitter", stats.Jitter,
		)
		e := peerEvent(domain.EventQualityChanged, s.Identity())
		e.Quality = sample.Quality
		a.events.Publish(e)
	}

	if bitrateChanged {
		a.logger.Infow("peer bitrate adjusted",
			"peer_id", s.ID(),
			"from", current,
			"to", target,
			"receive_bitrate", sample.ReceiveBitrate,
		)
		e := peerEvent(domain.EventBitrateChanged, s.Identity())
		e.Bitrate = target
		a.events.Publish(e)
	}
}

func (a *AdaptiveBitrateService) state(s *PeerSession) *peerQualityState {
	a.mu.Lock()
	defer a.mu.Unlock()
	st, ok := a.peers[s]
	if !ok {
		st = &peerQualityState{breaker: circuitbreaker.New(a.config.Breaker)}
		a.peers[s] = st
	}
	return st
}

// prune drops state for sessions no longer sampled.
func (a *AdaptiveBitrateService) prune(live []*PeerSession) {
	keep := make(map[*PeerSession]struct{}, len(live))
	for _, s := range live {
		keep[s] = struct{}{}
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for s := range a.peers {
		if _, ok := keep[s]; !ok && s.SignalState().Terminal() {
			delete(a.peers, s)
		}
	}
}

// History returns the retained samples for a peer, oldest first.
func (a *AdaptiveBitrateService) History(peerID domain.ParticipantID) []domain.StatsSample {
	a.mu.Lock()
	defer a.mu.Unlock()
	for s, st := range a.peers {
		if s.ID() == peerID && !s.SignalState().Terminal() {
			out := make([]domain.StatsSample, len(st.history))
			copy(out, st.history)
			return out
		}
	}
	return nil
}
