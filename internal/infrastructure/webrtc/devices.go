package webrtc

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"meshcall/internal/core/domain"
	"meshcall/internal/core/ports"
)

const ScreenDeviceID = "screen"

type Device struct {
	ID    string           `json:"id"`
	Kind  domain.TrackKind `json:"kind"`
	Label string           `json:"label"`
}

// DeviceRegistry is the capture inventory. Each device backs at most one
// live track; a device stays busy until its track is stopped or ends.
type DeviceRegistry struct {
	logger *zap.SugaredLogger

	mu      sync.Mutex
	devices map[string]Device
	inUse   map[string]*SampleTrack
	denied  map[domain.TrackKind]bool
	screen  bool
}

func NewDeviceRegistry(logger *zap.SugaredLogger, devices ...Device) *DeviceRegistry {
	r := &DeviceRegistry{
		logger:  logger,
		devices: make(map[string]Device),
		inUse:   make(map[string]*SampleTrack),
		denied:  make(map[domain.TrackKind]bool),
		screen:  true,
	}
	for _, d := range devices {
		r.devices[d.ID] = d
	}
	return r
}

// DefaultDevices is the inventory of a headless agent.
func DefaultDevices() []Device {
	return []Device{
		{ID: "default-audio", Kind: domain.TrackAudio, Label: "Default microphone"},
		{ID: "default-video", Kind: domain.TrackVideo, Label: "Default camera"},
	}
}

func (r *DeviceRegistry) Register(d Device) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.devices[d.ID] = d
}

// Unplug removes a device. Its live track, if any, ends.
func (r *DeviceRegistry) Unplug(id string) {
	r.mu.Lock()
	delete(r.devices, id)
	track := r.inUse[id]
	r.mu.Unlock()

	if track != nil {
		r.logger.Infow("capture device unplugged", "device_id", id, "track_id", track.ID())
		track.End()
	}
}

// SetPermission grants or denies capture of kind.
func (r *DeviceRegistry) SetPermission(kind domain.TrackKind, granted bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.denied[kind] = !granted
}

func (r *DeviceRegistry) SetScreenPermission(granted bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.screen = granted
}

// Devices lists the inventory sorted by kind then id.
func (r *DeviceRegistry) Devices() []Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Device, 0, len(r.devices))
	for _, d := range r.devices {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (r *DeviceRegistry) AcquireTrack(ctx context.Context, kind domain.TrackKind, deviceID string, profile domain.QualityProfile) (ports.Track, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	if r.denied[kind] {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s capture", domain.ErrPermissionDenied, kind)
	}
	device, ok := r.resolveLocked(kind, deviceID)
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: no %s device %q", domain.ErrDeviceUnavailable, kind, deviceID)
	}
	if t := r.inUse[device.ID]; t != nil && !t.Stopped() {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", domain.ErrDeviceBusy, device.ID)
	}
	r.mu.Unlock()

	track, err := NewSampleTrack(kind, device.ID, profile)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrDeviceUnavailable, err)
	}
	if !r.claim(device.ID, track) {
		return nil, fmt.Errorf("%w: %s", domain.ErrDeviceBusy, device.ID)
	}

	r.logger.Infow("capture track acquired",
		"device_id", device.ID,
		"kind", kind,
		"profile", profile.Name,
		"track_id", track.ID(),
	)
	return track, nil
}

func (r *DeviceRegistry) AcquireScreen(ctx context.Context) (ports.Track, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	granted := r.screen
	r.mu.Unlock()
	if !granted {
		return nil, fmt.Errorf("%w: screen capture", domain.ErrPermissionDenied)
	}

	track, err := NewSampleTrack(domain.TrackVideo, ScreenDeviceID, domain.ProfileHigh)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrDeviceUnavailable, err)
	}
	r.logger.Infow("screen track acquired", "track_id", track.ID())
	return track, nil
}

// resolveLocked picks deviceID, or the first device of kind when empty.
func (r *DeviceRegistry) resolveLocked(kind domain.TrackKind, deviceID string) (Device, bool) {
	if deviceID != "" {
		d, ok := r.devices[deviceID]
		return d, ok && d.Kind == kind
	}
	var candidates []string
	for id, d := range r.devices {
		if d.Kind == kind {
			candidates = append(candidates, id)
		}
	}
	if len(candidates) == 0 {
		return Device{}, false
	}
	sort.Strings(candidates)
	return r.devices[candidates[0]], true
}

func (r *DeviceRegistry) claim(deviceID string, track *SampleTrack) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t := r.inUse[deviceID]; t != nil && !t.Stopped() {
		return false
	}
	r.inUse[deviceID] = track
	track.setOnStop(func() { r.release(deviceID, track) })
	return true
}

func (r *DeviceRegistry) release(deviceID string, track *SampleTrack) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.inUse[deviceID] == track {
		delete(r.inUse, deviceID)
	}
}

// InUse reports whether deviceID backs a live track.
func (r *DeviceRegistry) InUse(deviceID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := r.inUse[deviceID]
	return t != nil && !t.Stopped()
}
