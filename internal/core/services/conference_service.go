package services

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"meshcall/internal/core/domain"
	"meshcall/internal/core/ports"
	"meshcall/pkg/tracing"
)

type ConferenceConfig struct {
	RelayURL    string
	RoomID      domain.RoomID
	Identity    domain.Identity
	Constraints domain.CaptureConstraints
}

// ConferenceService wires relay, mesh, capture and quality control for one
// room and exposes the command surface.
type ConferenceService struct {
	config ConferenceConfig
	relay  ports.SignalingClient
	media  *MediaService
	mesh   *MeshService
	abr    *AdaptiveBitrateService
	events ports.EventSubscriber
	logger *zap.SugaredLogger

	mu      sync.Mutex
	joined  bool
	left    bool
	unsubs  []func()
	runCtx  context.Context
	cancel  context.CancelFunc
	rejoins sync.WaitGroup
}

func NewConferenceService(
	config ConferenceConfig,
	relay ports.SignalingClient,
	media *MediaService,
	mesh *MeshService,
	abr *AdaptiveBitrateService,
	events ports.EventSubscriber,
	logger *zap.SugaredLogger,
) *ConferenceService {
	c := &ConferenceService{
		config: config,
		relay:  relay,
		media:  media,
		mesh:   mesh,
		abr:    abr,
		events: events,
		logger: logger.With("room_id", config.RoomID, "participant_id", config.Identity.ID),
	}
	media.OnVideoTrackChanged(func(ctx context.Context, track ports.Track) {
		mesh.ReplaceOutboundVideo(ctx, track)
	})
	media.OnAudioTrackChanged(func(ctx context.Context, track ports.Track) {
		mesh.ReplaceOutboundAudio(ctx, track)
	})
	return c
}

// Join acquires the capture, connects to the relay and announces presence.
// Peer sessions are created as membership envelopes arrive.
func (c *ConferenceService) Join(ctx context.Context) error {
	ctx, span := tracing.TraceJoin(ctx, string(c.config.RoomID), string(c.config.Identity.ID))
	defer span.End()

	c.mu.Lock()
	if c.joined && !c.left {
		c.mu.Unlock()
		return nil
	}
	c.joined = true
	c.left = false
	c.runCtx, c.cancel = context.WithCancel(context.Background())
	runCtx := c.runCtx
	c.mu.Unlock()

	if err := c.media.Acquire(ctx, c.config.Constraints); err != nil {
		tracing.RecordError(ctx, err)
		c.abort()
		return err
	}
	c.mesh.Start(c.media)

	c.subscribe(runCtx)

	if err := c.relay.Connect(ctx, c.config.RelayURL); err != nil {
		tracing.RecordError(ctx, err)
		c.abort()
		return err
	}

	roster, err := c.relay.JoinRoom(ctx, c.config.RoomID, c.config.Identity)
	if err != nil {
		tracing.RecordError(ctx, err)
		c.abort()
		return err
	}

	c.abr.Start(runCtx)
	c.logger.Infow("joined room", "roster_size", len(roster))
	return nil
}

func (c *ConferenceService) subscribe(runCtx context.Context) {
	unsubs := []func(){
		c.relay.Subscribe(domain.KindAllUsers, func(env domain.Envelope) {
			var roster domain.AllUsersPayload
			if err := env.Decode(&roster); err != nil {
				c.logger.Warnw("malformed roster dropped", "error", err)
				return
			}
			peers := make([]domain.Identity, 0, len(roster))
			for _, p := range roster {
				if p.ID != c.config.Identity.ID {
					peers = append(peers, p)
				}
			}
			c.membership(runCtx, domain.RosterReceived(peers))
		}),
		c.relay.Subscribe(domain.KindUserJoined, func(env domain.Envelope) {
			var p domain.UserJoinedPayload
			if err := env.Decode(&p); err != nil {
				c.logger.Warnw("malformed user-joined dropped", "error", err)
				return
			}
			if p.CallerID == c.config.Identity.ID {
				return
			}
			peer := domain.Identity{ID: p.CallerID, Name: p.Name, Role: p.Role}
			c.membership(runCtx, domain.PeerDiscovered(peer, p.Signal))
		}),
		c.relay.Subscribe(domain.KindReceivingReturnedSignal, func(env domain.Envelope) {
			var p domain.ReturnedSignalPayload
			if err := env.Decode(&p); err != nil {
				c.logger.Warnw("malformed returned signal dropped", "error", err)
				return
			}
			c.membership(runCtx, domain.PeerSignal(p.ID, p.Signal))
		}),
		c.relay.Subscribe(domain.KindUserLeft, func(env domain.Envelope) {
			var id domain.UserLeftPayload
			if err := env.Decode(&id); err != nil {
				c.logger.Warnw("malformed user-left dropped", "error", err)
				return
			}
			c.membership(runCtx, domain.PeerLeft(domain.ParticipantID(id)))
		}),
		c.events.Subscribe(func(e domain.Event) {
			if e.Type == domain.EventReconnected {
				c.rejoin(runCtx)
			}
		}),
	}

	c.mu.Lock()
	c.unsubs = append(c.unsubs, unsubs...)
	c.mu.Unlock()
}

func (c *ConferenceService) membership(ctx context.Context, event domain.MembershipEvent) {
	if err := c.mesh.OnMembership(ctx, event); err != nil && !errors.Is(err, domain.ErrMeshClosed) {
		c.logger.Warnw("membership event failed", "kind", event.Kind, "peer_id", event.Peer.ID, "error", err)
	}
}

// rejoin re-announces presence after the relay reconnects. Existing
// sessions are kept; the new roster only adds missing peers.
// Add runs under mu so it cannot race the Wait in teardown.
func (c *ConferenceService) rejoin(runCtx context.Context) {
	c.mu.Lock()
	if c.left {
		c.mu.Unlock()
		return
	}
	c.rejoins.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.rejoins.Done()
		if _, err := c.relay.JoinRoom(runCtx, c.config.RoomID, c.config.Identity); err != nil && runCtx.Err() == nil {
			c.logger.Warnw("rejoin after reconnect failed", "error", err)
			return
		}
		c.logger.Infow("rejoined room after reconnect")
	}()
}

func (c *ConferenceService) abort() {
	c.teardown()
	c.media.Release()
}

func (c *ConferenceService) teardown() {
	c.mu.Lock()
	unsubs := c.unsubs
	c.unsubs = nil
	cancel := c.cancel
	c.left = true
	c.mu.Unlock()

	for _, u := range unsubs {
		u()
	}
	if cancel != nil {
		cancel()
	}
	c.abr.Stop()
	c.mesh.Shutdown()
	c.rejoins.Wait()
}

// LeaveRoom stops sampling, closes every session, leaves the relay and
// releases the capture. Calling it again is a no-op.
func (c *ConferenceService) LeaveRoom(ctx context.Context) error {
	c.mu.Lock()
	if !c.joined || c.left {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	c.teardown()
	err := c.relay.LeaveRoom(ctx, c.config.RoomID, c.config.Identity)
	c.media.Release()

	if err != nil && !errors.Is(err, domain.ErrNotConnected) {
		return fmt.Errorf("leave room: %w", err)
	}
	c.logger.Infow("left room")
	return nil
}

func (c *ConferenceService) ToggleAudio() (bool, error) { return c.media.ToggleAudio() }

func (c *ConferenceService) ToggleVideo() (bool, error) { return c.media.ToggleVideo() }

func (c *ConferenceService) ShareScreen(ctx context.Context) error {
	return c.media.ReplaceVideoWithScreen(ctx)
}

func (c *ConferenceService) StopScreenShare(ctx context.Context) error {
	return c.media.StopScreenShare(ctx)
}

func (c *ConferenceService) SwitchDevice(ctx context.Context, kind domain.TrackKind, deviceID string) error {
	return c.media.SwitchDevice(ctx, kind, deviceID)
}

func (c *ConferenceService) Identity() domain.Identity { return c.config.Identity }

func (c *ConferenceService) Room() domain.RoomID { return c.config.RoomID }

func (c *ConferenceService) Status() domain.ConnectionStatus { return c.relay.Status() }

func (c *ConferenceService) Capture() domain.CaptureState { return c.media.Capture() }

func (c *ConferenceService) Sessions() []domain.SessionSnapshot { return c.mesh.Sessions() }

func (c *ConferenceService) QualityHistory(peerID domain.ParticipantID) []domain.StatsSample {
	return c.abr.History(peerID)
}
