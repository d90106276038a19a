package domain

import "time"

type SessionRole string

const (
	SessionInitiator SessionRole = "initiator"
	SessionResponder SessionRole = "responder"
)

// SignalState only moves forward; failed and closed are absorbing.
type SignalState string

const (
	SignalNew         SignalState = "new"
	SignalNegotiating SignalState = "negotiating"
	SignalStable      SignalState = "stable"
	SignalFailed      SignalState = "failed"
	SignalClosed      SignalState = "closed"
)

func (s SignalState) Terminal() bool {
	return s == SignalFailed || s == SignalClosed
}

type ICEState string

const (
	ICENew          ICEState = "new"
	ICEChecking     ICEState = "checking"
	ICEConnected    ICEState = "connected"
	ICEDisconnected ICEState = "disconnected"
	ICEFailed       ICEState = "failed"
	ICEClosed       ICEState = "closed"
)

// SessionSnapshot is a point-in-time copy of one peer session for diagnostics.
type SessionSnapshot struct {
	PeerID        ParticipantID   `json:"peer_id"`
	Name          string          `json:"name"`
	Role          Role            `json:"role"`
	SessionRole   SessionRole     `json:"session_role"`
	SignalState   SignalState     `json:"signal_state"`
	ICEState      ICEState        `json:"ice_state"`
	Quality       QualityTag      `json:"quality"`
	BitrateTarget int             `json:"bitrate_target"`
	LatestStats   *TransportStats `json:"latest_stats,omitempty"`
	HasStream     bool            `json:"has_stream"`
	CreatedAt     time.Time       `json:"created_at"`
}
