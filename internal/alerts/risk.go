package alerts

import (
	"encoding/json"
	"math"
)

// Metadata keys read by the risk score.
const (
	MetaRiskScore      = "risk_score"
	MetaCancelRate     = "cancel_rate"
	MetaMultiplier     = "multiplier"
	MetaOrderCount     = "order_count"
	MetaComplaintRatio = "complaint_ratio"
	MetaRefundCount    = "refund_count"
	MetaAccountCount   = "account_count"
)

const maxRiskScore = 100

var severityWeights = map[Severity]int{
	SeverityCritical: 40,
	SeverityWarning:  25,
	SeverityInfo:     10,
}

var typeWeights = map[Type]int{
	TypeOrderSpike:           15,
	TypeHighCancelRate:       20,
	TypeRapidOrders:          25,
	TypeHighComplaintRatio:   20,
	TypeRepeatedRefunds:      25,
	TypeRapidAccountCreation: 15,
	TypeHighRefundRate:       20,
	TypeSuspiciousPattern:    20,
}

// boost is one capped metadata contribution: min(trunc(value*factor), cap).
type boost struct {
	key     string
	factor  float64
	ceiling int
}

var boosts = []boost{
	{MetaCancelRate, 30, 25},
	{MetaMultiplier, 3, 20},
	{MetaOrderCount, 2, 15},
	{MetaComplaintRatio, 25, 20},
	{MetaRefundCount, 3, 15},
	{MetaAccountCount, 2, 15},
}

// RiskScore maps severity, type, and supporting statistics to [0, 100].
func RiskScore(sev Severity, typ Type, meta map[string]any) int {
	score, ok := severityWeights[sev]
	if !ok {
		score = 10
	}
	if w, ok := typeWeights[typ]; ok {
		score += w
	} else {
		score += 10
	}

	for _, b := range boosts {
		v, ok := number(meta, b.key)
		if !ok || v <= 0 {
			continue
		}
		scaled := v * b.factor
		if scaled >= float64(b.ceiling) {
			score += b.ceiling
			continue
		}
		score += int(math.Trunc(scaled))
	}

	if score > maxRiskScore {
		return maxRiskScore
	}
	if score < 0 {
		return 0
	}
	return score
}

// ScoreAndStamp computes the alert's risk score and records it in metadata.
func ScoreAndStamp(a *Alert) int {
	score := RiskScore(a.Severity, a.Type, a.Metadata)
	if a.Metadata == nil {
		a.Metadata = make(map[string]any)
	}
	a.Metadata[MetaRiskScore] = score
	return score
}

// number reads a numeric metadata value regardless of how it was decoded.
func number(meta map[string]any, key string) (float64, bool) {
	raw, ok := meta[key]
	if !ok {
		return 0, false
	}
	var v float64
	switch n := raw.(type) {
	case int:
		v = float64(n)
	case int64:
		v = float64(n)
	case float64:
		v = n
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return 0, false
		}
		v = f
	default:
		return 0, false
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}
