package domain

import "time"

// PresencePayload is what every joined participant publishes on the channel topic.
type PresencePayload struct {
	UserID      UserID    `json:"user_id"`
	DisplayName string    `json:"display_name"`
	Muted       bool      `json:"muted"`
	Deafened    bool      `json:"deafened"`
	ListenOnly  bool      `json:"listen_only"`
	JoinedAt    time.Time `json:"joined_at"`
}

// VoiceParticipant is derived from a presence entry and never mutated directly.
type VoiceParticipant struct {
	UserID      UserID `json:"user_id"`
	DisplayName string `json:"display_name"`
	Muted       bool   `json:"muted"`
	Deafened    bool   `json:"deafened"`
	ListenOnly  bool   `json:"listen_only"`
}

func ParticipantFromPresence(p PresencePayload) VoiceParticipant {
	return VoiceParticipant{
		UserID:      p.UserID,
		DisplayName: p.DisplayName,
		Muted:       p.Muted,
		Deafened:    p.Deafened,
		ListenOnly:  p.ListenOnly,
	}
}

// RemoteParticipants drops self and duplicate entries, keeping the first occurrence.
func RemoteParticipants(self UserID, presences []PresencePayload) []VoiceParticipant {
	seen := make(map[UserID]struct{}, len(presences))
	out := make([]VoiceParticipant, 0, len(presences))
	for _, p := range presences {
		if p.UserID == "" || p.UserID == self {
			continue
		}
		if _, ok := seen[p.UserID]; ok {
			continue
		}
		seen[p.UserID] = struct{}{}
		out = append(out, ParticipantFromPresence(p))
	}
	return out
}
