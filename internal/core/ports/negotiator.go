package ports

import (
	"context"

	"meshcall/internal/core/domain"
)

// NegotiatorHandler receives transition events from a Negotiator. Calls may
// arrive from any goroutine.
type NegotiatorHandler interface {
	HandleLocalSignal(signal domain.Signal)
	HandleConnect()
	HandleStream(stream domain.RemoteStream)
	HandleICEState(state domain.ICEState)
	HandleClose()
	HandleError(err error)
}

type NegotiatorConfig struct {
	Initiator  bool
	AudioTrack Track
	VideoTrack Track
	MaxBitrate int
	Handler    NegotiatorHandler
}

// Negotiator is the per-peer offer/answer engine.
type Negotiator interface {
	// Start emits the initial offer when the negotiator was created as initiator.
	// Responders do nothing until the first Signal.
	Start(ctx context.Context) error
	Signal(ctx context.Context, signal domain.Signal) error
	ReplaceTrack(kind domain.TrackKind, track Track) error
	SetMaxBitrate(bps int) error
	Stats(ctx context.Context) (domain.TransportStats, error)
	Close() error
}

type NegotiatorFactory interface {
	NewNegotiator(ctx context.Context, peerID domain.ParticipantID, cfg NegotiatorConfig) (Negotiator, error)
}

// SignalRouter delivers a locally produced signal to a remote peer.
type SignalRouter interface {
	RouteSignal(to domain.ParticipantID, role domain.SessionRole, signal domain.Signal)
}
