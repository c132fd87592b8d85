package correlation

import (
	"math"
	"strings"
	"time"

	"github.com/pmezard/go-difflib/difflib"
)

// scoreEpsilon absorbs floating-point error when comparing weighted totals to thresholds
const scoreEpsilon = 1e-9

// Factors holds the four per-factor scores of one alert/change pair, each in [0,1]
type Factors struct {
	Asset      float64 `json:"asset"`
	Time       float64 `json:"time"`
	Type       float64 `json:"type"`
	Identifier float64 `json:"kb"`
}

// Total returns the weighted sum of the factors, clamped to [0,1]
func (f Factors) Total(w Weights) float64 {
	total := f.Asset*w.Asset + f.Time*w.Time + f.Type*w.Type + f.Identifier*w.Identifier
	return clamp01(total)
}

// Map renders the factors for the audit column
func (f Factors) Map() map[string]float64 {
	return map[string]float64{
		"asset": f.Asset,
		"time":  f.Time,
		"type":  f.Type,
		"kb":    f.Identifier,
	}
}

// AssetSimilarity scores two normalized asset names. It is symmetric.
func AssetSimilarity(a, b string) float64 {
	if a == "" || b == "" {
		return 0
	}
	if a == b {
		return 1
	}
	if strings.Contains(a, b) || strings.Contains(b, a) {
		return 0.9
	}

	ratio := math.Max(sequenceRatio(a, b), sequenceRatio(b, a))
	return clamp01(math.Max(ratio, tokenJaccard(a, b)))
}

// sequenceRatio is the matching-blocks similarity of a against b. It is
// evaluated in both directions by callers since the matcher is order-sensitive.
func sequenceRatio(a, b string) float64 {
	return difflib.NewMatcher(splitChars(a), splitChars(b)).Ratio()
}

func splitChars(s string) []string {
	out := make([]string, 0, len(s))
	for _, r := range s {
		out = append(out, string(r))
	}
	return out
}

func tokenJaccard(a, b string) float64 {
	ta, tb := tokens(a), tokens(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}
	inter := 0
	for t := range ta {
		if _, ok := tb[t]; ok {
			inter++
		}
	}
	union := len(ta) + len(tb) - inter
	return float64(inter) / float64(union)
}

func tokens(s string) map[string]struct{} {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == '-' || r == '_' || r == ' ' || r == '\t'
	})
	out := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		out[f] = struct{}{}
	}
	return out
}

// TimeScore scores how well detected falls within a change's scheduled window.
// Inside [start, end] scores 1; inside the buffer it decays linearly from 1
// towards 0.5; at or beyond the buffer boundary it is 0. A missing start scores 0
// and a missing end defaults to start plus one day.
func TimeScore(detected time.Time, start, end *time.Time, buffer time.Duration) float64 {
	if start == nil || detected.IsZero() || buffer <= 0 {
		return 0
	}
	windowEnd := start.Add(24 * time.Hour)
	if end != nil {
		windowEnd = *end
	}

	if !detected.Before(*start) && !detected.After(windowEnd) {
		return 1
	}

	var outside time.Duration
	if detected.Before(*start) {
		outside = start.Sub(detected)
	} else {
		outside = detected.Sub(windowEnd)
	}
	if outside >= buffer {
		return 0
	}
	return math.Max(0, 1-(outside.Hours()/buffer.Hours())*0.5)
}

// TypeScore scores an alert category against a change type
func TypeScore(category, changeType string, synonyms map[string][]string) float64 {
	category = strings.ToLower(strings.TrimSpace(category))
	changeType = strings.ToLower(strings.TrimSpace(changeType))
	if category == "" || changeType == "" {
		return 0.5
	}
	if category == changeType {
		return 1
	}
	for _, t := range synonyms[category] {
		if t == changeType {
			return 1
		}
	}
	for w := range tokens(category) {
		if _, ok := tokens(changeType)[w]; ok {
			return 0.7
		}
	}
	return 0.3
}

// IdentifierScore scores the alert's patch ids against the change's embedded
// ids. When the change embeds none, approved reports allow-list membership.
func IdentifierScore(alertIDs, changeIDs []string, approved func(string) bool) float64 {
	if len(alertIDs) == 0 {
		return 0.5
	}
	if len(changeIDs) == 0 {
		for _, id := range alertIDs {
			if approved != nil && approved(id) {
				return 1
			}
		}
		return 0.5
	}

	embedded := make(map[string]struct{}, len(changeIDs))
	for _, id := range changeIDs {
		embedded[strings.ToUpper(id)] = struct{}{}
	}
	for _, id := range alertIDs {
		if _, ok := embedded[strings.ToUpper(id)]; ok {
			return 1
		}
	}
	return 0.3
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
