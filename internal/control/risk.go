package control

import (
	"strings"

	"github.com/andywolf/ctxkeeper/internal/action"
)

var riskTable = map[action.Kind]action.Risk{
	action.KindAutoTag:               action.RiskLow,
	action.KindCreateGapStubs:        action.RiskLow,
	action.KindSuggestSchema:         action.RiskLow,
	action.KindPromoteToType:         action.RiskMedium,
	action.KindMergeDuplicates:       action.RiskMedium,
	action.KindArchiveStale:          action.RiskHigh,
	action.KindResolveContradictions: action.RiskHigh,
}

var tierDefaults = map[action.Risk]bool{
	action.RiskLow:    true,
	action.RiskMedium: false,
	action.RiskHigh:   false,
}

// ClassifyRisk returns the fixed risk tier for kind. Kinds outside the
// table are high risk.
func ClassifyRisk(kind action.Kind) action.Risk {
	if r, ok := riskTable[kind]; ok {
		return r
	}
	return action.RiskHigh
}

// Policy decides which risk tiers execute without review. Overrides holds
// raw configured values per tier; a tier with no entry uses its default.
type Policy struct {
	Overrides map[action.Risk]string
}

// DefaultPolicy auto-executes low risk only.
func DefaultPolicy() Policy {
	return Policy{}
}

// ShouldAutoExecute reports whether kind may run without approval. A
// present override is true unless it is literally "false" or "0". Unknown
// kinds never auto-execute.
func (p Policy) ShouldAutoExecute(kind action.Kind) bool {
	if !kind.Known() {
		return false
	}
	risk := ClassifyRisk(kind)
	if raw, ok := p.Overrides[risk]; ok {
		return OverrideValue(raw)
	}
	return tierDefaults[risk]
}

// OverrideValue interprets a present override flag.
func OverrideValue(raw string) bool {
	v := strings.TrimSpace(raw)
	return v != "false" && v != "0"
}
