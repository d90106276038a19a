package services

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"meshcall/internal/core/domain"
	"meshcall/internal/core/ports"
)

// TrackListener is notified synchronously when the exposed track of a kind changes.
type TrackListener func(ctx context.Context, track ports.Track)

// MediaService owns the local capture: one audio and one video track, with
// an optional screen track standing in for the camera.
type MediaService struct {
	devices ports.DeviceProvider
	events  ports.EventPublisher
	logger  *zap.SugaredLogger

	mu          sync.Mutex
	constraints domain.CaptureConstraints
	audio       ports.Track
	video       ports.Track
	camera      ports.Track // saved camera while screen sharing
	released    bool
	acquired    bool

	listenerMu     sync.Mutex
	videoListeners []TrackListener
	audioListeners []TrackListener
}

func NewMediaService(devices ports.DeviceProvider, events ports.EventPublisher, logger *zap.SugaredLogger) *MediaService {
	return &MediaService{
		devices: devices,
		events:  events,
		logger:  logger,
	}
}

// Acquire obtains the audio then the video track. If video fails the audio
// track is stopped and the device error is returned unchanged.
func (m *MediaService) Acquire(ctx context.Context, constraints domain.CaptureConstraints) error {
	audio, err := m.devices.AcquireTrack(ctx, domain.TrackAudio, constraints.AudioDeviceID, constraints.Profile)
	if err != nil {
		return fmt.Errorf("acquire audio: %w", err)
	}
	video, err := m.devices.AcquireTrack(ctx, domain.TrackVideo, constraints.VideoDeviceID, constraints.Profile)
	if err != nil {
		audio.Stop()
		return fmt.Errorf("acquire video: %w", err)
	}

	m.mu.Lock()
	oldAudio, oldVideo, oldCamera := m.audio, m.video, m.camera
	m.constraints = constraints
	m.audio = audio
	m.video = video
	m.camera = nil
	m.released = false
	m.acquired = true
	m.mu.Unlock()

	for _, t := range []ports.Track{oldAudio, oldVideo, oldCamera} {
		if t != nil {
			t.Stop()
		}
	}

	m.logger.Infow("local capture acquired",
		"profile", constraints.Profile.Name,
		"audio_device", audio.DeviceID(),
		"video_device", video.DeviceID(),
	)
	m.publishCapture()
	return nil
}

func (m *MediaService) AudioTrack() ports.Track {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.audio
}

func (m *MediaService) VideoTrack() ports.Track {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.video
}

func (m *MediaService) Capture() domain.CaptureState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.captureLocked()
}

func (m *MediaService) captureLocked() domain.CaptureState {
	st := domain.CaptureState{
		HasAudio:      m.audio != nil,
		HasVideo:      m.video != nil,
		ScreenSharing: m.camera != nil,
	}
	if m.audio != nil {
		st.AudioEnabled = m.audio.Enabled()
	}
	if m.video != nil {
		st.VideoEnabled = m.video.Enabled()
	}
	return st
}

func (m *MediaService) ToggleAudio() (bool, error) {
	return m.toggle(domain.TrackAudio)
}

func (m *MediaService) ToggleVideo() (bool, error) {
	return m.toggle(domain.TrackVideo)
}

func (m *MediaService) toggle(kind domain.TrackKind) (bool, error) {
	m.mu.Lock()
	track := m.audio
	if kind == domain.TrackVideo {
		track = m.video
	}
	if track == nil {
		m.mu.Unlock()
		return false, m.noCaptureErr()
	}
	enabled := !track.Enabled()
	track.SetEnabled(enabled)
	m.mu.Unlock()

	m.logger.Debugw("track toggled", "kind", kind, "enabled", enabled)
	m.publishCapture()
	return enabled, nil
}

func (m *MediaService) noCaptureErr() error {
	if m.released {
		return domain.ErrCaptureReleased
	}
	return domain.ErrNoCapture
}

// ReplaceVideoWithScreen exposes a screen track as the video track until
// StopScreenShare or until the screen source ends on its own.
func (m *MediaService) ReplaceVideoWithScreen(ctx context.Context) error {
	m.mu.Lock()
	if m.video == nil {
		err := m.noCaptureErr()
		m.mu.Unlock()
		return err
	}
	if m.camera != nil {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	screen, err := m.devices.AcquireScreen(ctx)
	if err != nil {
		return fmt.Errorf("acquire screen: %w", err)
	}

	// registered before the swap; restoreCamera is a no-op until screen is exposed
	screen.OnEnded(func() {
		m.logger.Infow("screen capture ended by source")
		if err := m.restoreCamera(context.Background(), screen); err != nil {
			m.logger.Warnw("failed to restore camera", "error", err)
		}
	})

	m.mu.Lock()
	if m.video == nil || m.camera != nil {
		m.mu.Unlock()
		screen.Stop()
		return nil
	}
	if screen.Stopped() {
		m.mu.Unlock()
		return fmt.Errorf("%w: screen capture ended before it was shared", domain.ErrDeviceUnavailable)
	}
	m.camera = m.video
	m.video = screen
	m.mu.Unlock()

	m.logger.Infow("screen share started", "track_id", screen.ID())
	m.notify(ctx, domain.TrackVideo, screen)
	m.publishCapture()
	return nil
}

func (m *MediaService) StopScreenShare(ctx context.Context) error {
	m.mu.Lock()
	screen := m.video
	sharing := m.camera != nil
	m.mu.Unlock()
	if !sharing {
		return nil
	}
	return m.restoreCamera(ctx, screen)
}

// restoreCamera swaps the saved camera back in if screen is still the exposed track.
func (m *MediaService) restoreCamera(ctx context.Context, screen ports.Track) error {
	m.mu.Lock()
	if m.camera == nil || m.video != screen {
		m.mu.Unlock()
		return nil
	}
	camera := m.camera
	m.video = camera
	m.camera = nil
	m.mu.Unlock()

	screen.Stop()
	m.logger.Infow("screen share stopped", "camera_track_id", camera.ID())
	m.notify(ctx, domain.TrackVideo, camera)
	m.publishCapture()
	return nil
}

// SwitchDevice replaces the track of kind with one from deviceID, keeping
// its enabled flag, and stops the old track. While screen sharing a video
// switch replaces the saved camera only.
func (m *MediaService) SwitchDevice(ctx context.Context, kind domain.TrackKind, deviceID string) error {
	m.mu.Lock()
	if m.audio == nil || m.video == nil {
		err := m.noCaptureErr()
		m.mu.Unlock()
		return err
	}
	profile := m.constraints.Profile
	m.mu.Unlock()

	next, err := m.devices.AcquireTrack(ctx, kind, deviceID, profile)
	if err != nil {
		return fmt.Errorf("switch %s device: %w", kind, err)
	}

	m.mu.Lock()
	if m.released || !m.acquired {
		m.mu.Unlock()
		next.Stop()
		return domain.ErrCaptureReleased
	}
	var old ports.Track
	exposed := true
	switch {
	case kind == domain.TrackAudio:
		old = m.audio
		m.audio = next
		m.constraints.AudioDeviceID = deviceID
	case m.camera != nil:
		old = m.camera
		m.camera = next
		exposed = false
		m.constraints.VideoDeviceID = deviceID
	default:
		old = m.video
		m.video = next
		m.constraints.VideoDeviceID = deviceID
	}
	next.SetEnabled(old.Enabled())
	m.mu.Unlock()

	if exposed {
		m.notify(ctx, kind, next)
	}
	old.Stop()

	m.logger.Infow("device switched", "kind", kind, "device_id", deviceID, "exposed", exposed)
	m.publishCapture()
	return nil
}

// Release stops every track. The capture cannot be used afterwards until
// the next Acquire.
func (m *MediaService) Release() {
	m.mu.Lock()
	if m.released || !m.acquired {
		m.mu.Unlock()
		return
	}
	tracks := []ports.Track{m.audio, m.video, m.camera}
	m.audio, m.video, m.camera = nil, nil, nil
	m.released = true
	m.mu.Unlock()

	for _, t := range tracks {
		if t != nil {
			t.Stop()
		}
	}
	m.logger.Infow("local capture released")
	m.publishCapture()
}

func (m *MediaService) OnVideoTrackChanged(fn TrackListener) {
	m.listenerMu.Lock()
	defer m.listenerMu.Unlock()
	m.videoListeners = append(m.videoListeners, fn)
}

func (m *MediaService) OnAudioTrackChanged(fn TrackListener) {
	m.listenerMu.Lock()
	defer m.listenerMu.Unlock()
	m.audioListeners = append(m.audioListeners, fn)
}

func (m *MediaService) notify(ctx context.Context, kind domain.TrackKind, track ports.Track) {
	m.listenerMu.Lock()
	listeners := m.audioListeners
	if kind == domain.TrackVideo {
		listeners = m.videoListeners
	}
	listeners = append([]TrackListener(nil), listeners...)
	m.listenerMu.Unlock()

	for _, fn := range listeners {
		fn(ctx, track)
	}
}

func (m *MediaService) publishCapture() {
	st := m.Capture()
	e := newEvent(domain.EventCaptureUpdated)
	e.Capture = &st
	m.events.Publish(e)
}
