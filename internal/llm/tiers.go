package llm

import "strings"

// Tier is one selectable model. Tiers are listed cheapest first.
type Tier struct {
	Name     string
	Model    string
	Keywords []string
}

// SelectTier picks the model tier for a request by looking for explicit
// tier hints in text. Matching is a case-insensitive substring match;
// when several tiers match, the last (most capable) one wins. With no
// match the first tier is returned. SelectTier panics if tiers is empty.
func SelectTier(tiers []Tier, text string) Tier {
	lower := strings.ToLower(text)
	chosen := tiers[0]
	for _, t := range tiers[1:] {
		for _, kw := range t.Keywords {
			if kw != "" && strings.Contains(lower, strings.ToLower(kw)) {
				chosen = t
				break
			}
		}
	}
	return chosen
}
