package domain

import (
	"encoding/json"
	"fmt"
)

type EnvelopeKind string

// Client → relay
const (
	KindJoinRoom        EnvelopeKind = "join-room"
	KindUserLeaving     EnvelopeKind = "user-leaving"
	KindSendingSignal   EnvelopeKind = "sending-signal"
	KindReturningSignal EnvelopeKind = "returning-signal"
)

// Relay → client
const (
	KindAllUsers                EnvelopeKind = "all-users"
	KindUserJoined              EnvelopeKind = "user-joined"
	KindReceivingReturnedSignal EnvelopeKind = "receiving-returned-signal"
	KindUserLeft                EnvelopeKind = "user-left"
)

// InboundKind reports whether the relay is allowed to deliver kind.
func InboundKind(kind EnvelopeKind) bool {
	switch kind {
	case KindAllUsers, KindUserJoined, KindReceivingReturnedSignal, KindUserLeft:
		return true
	}
	return false
}

type Envelope struct {
	Kind    EnvelopeKind    `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func NewEnvelope(kind EnvelopeKind, payload interface{}) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to marshal %s payload: %w", kind, err)
	}
	return Envelope{Kind: kind, Payload: data}, nil
}

func (e Envelope) Decode(v interface{}) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%s: empty payload", e.Kind)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("invalid %s payload: %w", e.Kind, err)
	}
	return nil
}

type JoinRoomPayload struct {
	RoomID RoomID        `json:"roomId"`
	ID     ParticipantID `json:"id"`
	Name   string        `json:"name"`
	Role   Role          `json:"role"`
}

type UserLeavingPayload struct {
	RoomID   RoomID        `json:"roomId"`
	UserID   ParticipantID `json:"userId"`
	UserName string        `json:"userName"`
}

type SendingSignalPayload struct {
	UserToSignal ParticipantID `json:"userToSignal"`
	CallerID     ParticipantID `json:"callerID"`
	Signal       Signal        `json:"signal"`
}

// ReturningSignalPayload carries an answer back to CallerID, the peer that sent the offer.
type ReturningSignalPayload struct {
	Signal   Signal        `json:"signal"`
	CallerID ParticipantID `json:"callerID"`
}

type UserJoinedPayload struct {
	CallerID ParticipantID `json:"callerID"`
	Name     string        `json:"name"`
	Role     Role          `json:"role"`
	Signal   Signal        `json:"signal"`
}

type ReturnedSignalPayload struct {
	ID     ParticipantID `json:"id"`
	Signal Signal        `json:"signal"`
}

// AllUsersPayload is the roster at join time.
type AllUsersPayload []Identity

// UserLeftPayload is sent by the relay as a bare JSON string.
type UserLeftPayload ParticipantID
