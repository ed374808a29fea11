package rtc

import (
	"github.com/pion/webrtc/v4"

	"github.com/dkeye/meshvoice/internal/domain"
)

// SelectedPair extracts the nominated candidate pair from a stats report.
// Without a nominated pair the succeeded pair with the most traffic is used.
func SelectedPair(report webrtc.StatsReport) domain.ConnectionStats {
	var best *webrtc.ICECandidatePairStats
	for _, s := range report {
		pair, ok := s.(webrtc.ICECandidatePairStats)
		if !ok {
			continue
		}
		switch {
		case best == nil:
		case pair.Nominated && !best.Nominated:
		case pair.Nominated == best.Nominated && pair.BytesReceived+pair.BytesSent > best.BytesReceived+best.BytesSent:
		default:
			continue
		}
		p := pair
		best = &p
	}
	if best == nil {
		return domain.ConnectionStats{}
	}
	out := domain.ConnectionStats{
		SelectedPairID:    best.ID,
		SelectedPairState: string(best.State),
		Writable:          best.Nominated && best.State == webrtc.StatsICECandidatePairStateSucceeded,
		BytesSent:         best.BytesSent,
		BytesReceived:     best.BytesReceived,
	}
	if c, ok := report[best.LocalCandidateID].(webrtc.ICECandidateStats); ok {
		out.LocalCandidateType = c.CandidateType.String()
	}
	if c, ok := report[best.RemoteCandidateID].(webrtc.ICECandidateStats); ok {
		out.RemoteCandidateType = c.CandidateType.String()
	}
	return out
}
