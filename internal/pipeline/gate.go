package pipeline

import "strings"

// Gate scores. The review threshold is fixed.
const (
	ConfidenceHigh  = 0.9
	ConfidenceLow   = 0.4
	ReviewThreshold = 0.8
)

// lowConfidenceMarkers appear in drafts built from error text or the
// not-found sentinel.
var lowConfidenceMarkers = []string{"Error", "No specific"}

// QualityGate scores a draft. It is a pure function of the draft text.
func QualityGate(draft string) Assessment {
	confidence := ConfidenceHigh
	for _, m := range lowConfidenceMarkers {
		if strings.Contains(draft, m) {
			confidence = ConfidenceLow
			break
		}
	}
	return Assessment{
		Confidence:  confidence,
		NeedsReview: confidence < ReviewThreshold,
	}
}
