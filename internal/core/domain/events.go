package domain

import "time"

type EventType string

const (
	EventConnectionStatus EventType = "connection-status"
	EventReconnected      EventType = "reconnected"
	EventConnectionFailed EventType = "connection-failed"
	EventQualityChanged   EventType = "quality-changed"
	EventBitrateChanged   EventType = "bitrate-changed"
	EventStatsSampled     EventType = "stats-sampled"
	EventPeerJoined       EventType = "peer-joined"
	EventPeerLeft         EventType = "peer-left"
	EventPeerFailed       EventType = "peer-failed"
	EventPeerStream       EventType = "peer-stream"
	EventCaptureUpdated   EventType = "capture-updated"
)

type ConnectionStatus string

const (
	StatusDisconnected ConnectionStatus = "disconnected"
	StatusConnecting   ConnectionStatus = "connecting"
	StatusConnected    ConnectionStatus = "connected"
	StatusReconnecting ConnectionStatus = "reconnecting"
	StatusFailed       ConnectionStatus = "failed"
)

// Event is the structured notification stream consumed by UI, analytics and advisors.
type Event struct {
	ID        string           `json:"id"`
	Type      EventType        `json:"type"`
	Timestamp time.Time        `json:"timestamp"`
	PeerID    ParticipantID    `json:"peer_id,omitempty"`
	Name      string           `json:"name,omitempty"`
	Role      Role             `json:"role,omitempty"`
	Status    ConnectionStatus `json:"status,omitempty"`
	Quality   QualityTag       `json:"quality,omitempty"`
	Reason    string           `json:"reason,omitempty"`
	Bitrate   int              `json:"bitrate,omitempty"`
	Attempt   int              `json:"attempt,omitempty"`
	Capture   *CaptureState    `json:"capture,omitempty"`
	Sample    *StatsSample     `json:"sample,omitempty"`
	Stream    RemoteStream     `json:"-"`
}
