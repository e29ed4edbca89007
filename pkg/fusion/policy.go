package fusion

import (
	"fmt"

	"github.com/neurotwin/platform/pkg/common/models"
)

type TieBreak string

const (
	// TieBreakSeverity resolves exact confidence ties toward the higher
	// clinical severity.
	TieBreakSeverity TieBreak = "severity"
	// TieBreakConfidence keeps the earliest source in canonical order on an
	// exact tie, trusting confidence alone.
	TieBreakConfidence TieBreak = "confidence"
)

// Policy holds the fusion knobs that clinical stakeholders may override.
type Policy struct {
	TieBreak TieBreak
}

func NewPolicy(tieBreak string) (Policy, error) {
	switch TieBreak(tieBreak) {
	case TieBreakSeverity, TieBreakConfidence:
		return Policy{TieBreak: TieBreak(tieBreak)}, nil
	case "":
		return Policy{TieBreak: TieBreakSeverity}, nil
	default:
		return Policy{}, fmt.Errorf("unknown fusion tie-break policy %q", tieBreak)
	}
}

// breaksTie reports whether challenger displaces incumbent when their
// confidences are exactly equal.
func (p Policy) breaksTie(challenger, incumbent sourcedClaim) bool {
	switch p.TieBreak {
	case TieBreakConfidence:
		return false
	default:
		return models.SeverityRank(challenger.claim.Significance) > models.SeverityRank(incumbent.claim.Significance)
	}
}
