package ports

import (
	"context"

	"meshcall/internal/core/domain"
)

// ConferenceCommands is the command surface offered to UI collaborators.
type ConferenceCommands interface {
	ToggleAudio() (bool, error)
	ToggleVideo() (bool, error)
	ShareScreen(ctx context.Context) error
	StopScreenShare(ctx context.Context) error
	SwitchDevice(ctx context.Context, kind domain.TrackKind, deviceID string) error
	LeaveRoom(ctx context.Context) error
}

// ConferenceView is the read side used for diagnostics.
type ConferenceView interface {
	Identity() domain.Identity
	Room() domain.RoomID
	Status() domain.ConnectionStatus
	Capture() domain.CaptureState
	Sessions() []domain.SessionSnapshot
}
