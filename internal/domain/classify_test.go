package domain

import "testing"

func TestClassifyParticipation(t *testing.T) {
	cases := []struct {
		name string
		p    SessionParticipant
		want ParticipationClass
	}{
		{
			name: "owner is host regardless of slot",
			p:    SessionParticipant{UserID: "u1", SessionOwner: "u1", SlotName: "Attendee"},
			want: ParticipationHost,
		},
		{
			name: "co-host by slot name",
			p:    SessionParticipant{UserID: "u2", SessionOwner: "u1", SlotName: "Co-Host"},
			want: ParticipationCoHost,
		},
		{
			name: "co-host by slot role identifier",
			p:    SessionParticipant{UserID: "u2", SessionOwner: "u1", SlotRole: "shift-co-host-1"},
			want: ParticipationCoHost,
		},
		{
			name: "co-host match is case-insensitive",
			p:    SessionParticipant{UserID: "u2", SessionOwner: "u1", SlotName: "CO-HOST (backup)"},
			want: ParticipationCoHost,
		},
		{
			name: "cohost without hyphen is an attendee",
			p:    SessionParticipant{UserID: "u2", SessionOwner: "u1", SlotName: "Cohost"},
			want: ParticipationAttendee,
		},
		{
			name: "plain participant",
			p:    SessionParticipant{UserID: "u2", SessionOwner: "u1", SlotName: "Attendee", SlotRole: "attendee"},
			want: ParticipationAttendee,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ClassifyParticipation(tc.p); got != tc.want {
				t.Fatalf("expected class %d got %d", tc.want, got)
			}
		})
	}
}
