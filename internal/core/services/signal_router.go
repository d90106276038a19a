package services

import (
	"go.uber.org/zap"

	"meshcall/internal/core/domain"
	"meshcall/internal/core/ports"
)

// RelaySignalRouter wraps local signals in relay envelopes. Initiators use
// sending-signal, responders answer with returning-signal.
type RelaySignalRouter struct {
	relay   ports.SignalingClient
	localID domain.ParticipantID
	logger  *zap.SugaredLogger
}

func NewRelaySignalRouter(relay ports.SignalingClient, localID domain.ParticipantID, logger *zap.SugaredLogger) *RelaySignalRouter {
	return &RelaySignalRouter{relay: relay, localID: localID, logger: logger}
}

func (r *RelaySignalRouter) RouteSignal(to domain.ParticipantID, role domain.SessionRole, signal domain.Signal) {
	var (
		env domain.Envelope
		err error
	)
	if role == domain.SessionInitiator {
		env, err = domain.NewEnvelope(domain.KindSendingSignal, domain.SendingSignalPayload{
			UserToSignal: to,
			CallerID:     r.localID,
			Signal:       signal,
		})
	} else {
		env, err = domain.NewEnvelope(domain.KindReturningSignal, domain.ReturningSignalPayload{
			Signal:   signal,
			CallerID: to,
		})
	}
	if err != nil {
		r.logger.Errorw("failed to encode signal", "peer_id", to, "error", err)
		return
	}
	r.relay.Send(env)
}
