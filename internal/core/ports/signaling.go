package ports

import (
	"context"

	"meshcall/internal/core/domain"
)

type EnvelopeHandler func(env domain.Envelope)

type SignalingClient interface {
	Connect(ctx context.Context, url string) error
	JoinRoom(ctx context.Context, roomID domain.RoomID, identity domain.Identity) ([]domain.Identity, error)
	Send(env domain.Envelope)
	Subscribe(kind domain.EnvelopeKind, handler EnvelopeHandler) (unsubscribe func())
	LeaveRoom(ctx context.Context, roomID domain.RoomID, identity domain.Identity) error
	Status() domain.ConnectionStatus
}
