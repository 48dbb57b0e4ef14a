package domain

import "strings"

// ParticipationClass is the role a participant plays on a session for
// counting purposes.
type ParticipationClass int

const (
	// ParticipationHost marks the session owner.
	ParticipationHost ParticipationClass = iota
	// ParticipationCoHost marks a participant whose slot counts toward
	// hosted metrics despite not owning the session.
	ParticipationCoHost
	// ParticipationAttendee marks a regular participant.
	ParticipationAttendee
)

// ClassifyParticipation decides how a participant row is counted. The owner
// is always the host. A co-host slot is recognised by a case-insensitive
// "co-host" substring on either the slot role identifier or the slot's
// display name.
func ClassifyParticipation(p SessionParticipant) ParticipationClass {
	if p.UserID == p.SessionOwner {
		return ParticipationHost
	}
	if isCoHostSlot(p.SlotRole) || isCoHostSlot(p.SlotName) {
		return ParticipationCoHost
	}
	return ParticipationAttendee
}

func isCoHostSlot(value string) bool {
	return strings.Contains(strings.ToLower(value), "co-host")
}
