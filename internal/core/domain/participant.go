package domain

type ParticipantID string
type RoomID string

type Role string

const (
	RoleHost        Role = "host"
	RoleModerator   Role = "moderator"
	RoleParticipant Role = "participant"
)

// Valid reports whether r is one of the roles the relay understands.
func (r Role) Valid() bool {
	switch r {
	case RoleHost, RoleModerator, RoleParticipant:
		return true
	}
	return false
}

// Identity is assigned once per join and never changes for the session.
type Identity struct {
	ID   ParticipantID `json:"id"`
	Name string        `json:"name"`
	Role Role          `json:"role"`
}
