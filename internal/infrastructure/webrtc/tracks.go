package webrtc

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"

	"meshcall/internal/core/domain"
)

var ErrTrackStopped = errors.New("track stopped")

// SampleTrack is a local capture track fed with encoded samples. The same
// track is shared by every peer connection it is attached to.
type SampleTrack struct {
	id       string
	kind     domain.TrackKind
	deviceID string
	profile  domain.QualityProfile
	local    *webrtc.TrackLocalStaticSample

	mu      sync.Mutex
	enabled bool
	stopped bool
	onEnded []func()
	onStop  func()
	written uint64
	dropped uint64
}

func NewSampleTrack(kind domain.TrackKind, deviceID string, profile domain.QualityProfile) (*SampleTrack, error) {
	id := fmt.Sprintf("%s-%s", kind, uuid.NewString())
	capability := webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
	if kind == domain.TrackAudio {
		capability = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
	}

	local, err := webrtc.NewTrackLocalStaticSample(capability, id, "meshcall")
	if err != nil {
		return nil, fmt.Errorf("failed to create %s track: %w", kind, err)
	}
	return &SampleTrack{
		id:       id,
		kind:     kind,
		deviceID: deviceID,
		profile:  profile,
		local:    local,
		enabled:  true,
	}, nil
}

func (t *SampleTrack) ID() string { return t.id }
func (t *SampleTrack) Kind() domain.TrackKind { return t.kind }
func (t *SampleTrack) DeviceID() string { return t.deviceID }
func (t *SampleTrack) Profile() domain.QualityProfile { return t.profile }
func (t *SampleTrack) Local() webrtc.TrackLocal { return t.local }

func (t *SampleTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *SampleTrack) SetEnabled(enabled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enabled = enabled
}

// WriteSample forwards an encoded sample to every bound peer connection.
// Samples written while disabled are discarded.
func (t *SampleTrack) WriteSample(sample media.Sample) error {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return ErrTrackStopped
	}
	if !t.enabled {
		t.dropped++
		t.mu.Unlock()
		return nil
	}
	t.written++
	t.mu.Unlock()
	return t.local.WriteSample(sample)
}

// Counts returns samples written and samples discarded while muted.
func (t *SampleTrack) Counts() (written, dropped uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.written, t.dropped
}

func (t *SampleTrack) Stop() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	onStop := t.onStop
	t.mu.Unlock()

	if onStop != nil {
		onStop()
	}
}

func (t *SampleTrack) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

func (t *SampleTrack) OnEnded(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onEnded = append(t.onEnded, fn)
}

// End marks the source as gone (device unplugged, screen capture stopped by
// the OS) and runs the OnEnded callbacks once.
func (t *SampleTrack) End() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	callbacks := t.onEnded
	t.onEnded = nil
	onStop := t.onStop
	t.mu.Unlock()

	if onStop != nil {
		onStop()
	}
	for _, fn := range callbacks {
		fn()
	}
}

func (t *SampleTrack) setOnStop(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onStop = fn
}
