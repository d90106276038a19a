package ports

import (
	"context"

	"meshcall/internal/core/domain"
)

// Track is one local media source. Stop is terminal; Enabled only mutes.
type Track interface {
	ID() string
	Kind() domain.TrackKind
	DeviceID() string
	Enabled() bool
	SetEnabled(enabled bool)
	Stop()
	Stopped() bool
	// OnEnded registers fn to run once when the source ends on its own
	// (device unplugged, OS stopped a screen share). It is not called by Stop.
	OnEnded(fn func())
}

type DeviceProvider interface {
	AcquireTrack(ctx context.Context, kind domain.TrackKind, deviceID string, profile domain.QualityProfile) (Track, error)
	AcquireScreen(ctx context.Context) (Track, error)
}

// CaptureHandle exposes the current local tracks. Either may be nil once released.
type CaptureHandle interface {
	AudioTrack() Track
	VideoTrack() Track
}
