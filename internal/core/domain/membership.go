package domain

type MembershipKind string

const (
	MembershipRoster     MembershipKind = "roster-received"
	MembershipDiscovered MembershipKind = "peer-discovered"
	MembershipSignal     MembershipKind = "peer-signal"
	MembershipLeft       MembershipKind = "peer-left"
)

// MembershipEvent is the mesh manager's view of relay traffic.
type MembershipEvent struct {
	Kind   MembershipKind
	Roster []Identity
	Peer   Identity
	Signal Signal
}

func RosterReceived(roster []Identity) MembershipEvent {
	return MembershipEvent{Kind: MembershipRoster, Roster: roster}
}

func PeerDiscovered(peer Identity, signal Signal) MembershipEvent {
	return MembershipEvent{Kind: MembershipDiscovered, Peer: peer, Signal: signal}
}

func PeerSignal(peerID ParticipantID, signal Signal) MembershipEvent {
	return MembershipEvent{Kind: MembershipSignal, Peer: Identity{ID: peerID}, Signal: signal}
}

func PeerLeft(peerID ParticipantID) MembershipEvent {
	return MembershipEvent{Kind: MembershipLeft, Peer: Identity{ID: peerID}}
}
