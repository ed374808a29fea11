// Package presence decides which peer connections a participant should hold.
package presence

import "github.com/dkeye/meshvoice/internal/domain"

// EnsureAction asks for a connection to ID; Initiator marks the side that sends the first offer.
type EnsureAction struct {
	ID        domain.UserID
	Initiator bool
}

// Plan is the outcome of one reconciliation pass.
type Plan struct {
	Close  []domain.UserID
	Ensure []EnsureAction
}

func (p Plan) Empty() bool { return len(p.Close) == 0 && len(p.Ensure) == 0 }

// IsInitiator breaks the tie for a pair without any coordination messages:
// the lexicographically lower id offers.
func IsInitiator(self, remote domain.UserID) bool {
	return self < remote
}

// Reconcile diffs tracked connections against the remote ids of a presence
// snapshot. It is pure: re-running it on the applied result yields an empty plan.
func Reconcile(self domain.UserID, tracked, present []domain.UserID) Plan {
	want := make(map[domain.UserID]struct{}, len(present))
	for _, id := range present {
		if id == "" || id == self {
			continue
		}
		want[id] = struct{}{}
	}
	have := make(map[domain.UserID]struct{}, len(tracked))

	var plan Plan
	for _, id := range tracked {
		if _, dup := have[id]; dup {
			continue
		}
		have[id] = struct{}{}
		if _, ok := want[id]; !ok {
			plan.Close = append(plan.Close, id)
		}
	}
	for _, id := range present {
		if _, ok := want[id]; !ok {
			continue
		}
		if _, ok := have[id]; ok {
			continue
		}
		have[id] = struct{}{}
		plan.Ensure = append(plan.Ensure, EnsureAction{ID: id, Initiator: IsInitiator(self, id)})
	}
	return plan
}

// IDs lists participant ids in snapshot order.
func IDs(participants []domain.VoiceParticipant) []domain.UserID {
	out := make([]domain.UserID, 0, len(participants))
	for _, p := range participants {
		out = append(out, p.UserID)
	}
	return out
}
