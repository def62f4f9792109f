package ingest

import "strings"

// Domain values attached to ingested documents. Classification is a cheap
// keyword heuristic over the title and the opening text; "unknown" is a
// valid outcome, not an error.
const (
	DomainScience    = "science"
	DomainHistory    = "history"
	DomainFiction    = "fiction"
	DomainPhilosophy = "philosophy"
	DomainTechnology = "technology"
	DomainUnknown    = "unknown"
)

var domainKeywords = map[string][]string{
	DomainScience: {
		"biology", "physics", "chemistry", "cell", "evolution", "species",
		"experiment", "quantum", "molecule", "gene", "energy", "scientific",
	},
	DomainHistory: {
		"history", "empire", "war", "century", "revolution", "dynasty",
		"ancient", "medieval", "kingdom", "treaty", "civilization",
	},
	DomainFiction: {
		"novel", "story", "tale", "adventures", "chronicles", "said",
		"whispered", "replied", "fiction",
	},
	DomainPhilosophy: {
		"philosophy", "ethics", "metaphysics", "consciousness", "morality",
		"epistemology", "virtue", "existence", "reason",
	},
	DomainTechnology: {
		"software", "computer", "algorithm", "network", "programming",
		"engineering", "machine", "data", "system", "digital",
	},
}

// ClassifyDomain picks the domain whose keywords appear most often in the
// title and sample text. Ties and zero matches yield DomainUnknown.
func ClassifyDomain(title, sample string) string {
	haystack := strings.ToLower(title + " " + sample)

	best := DomainUnknown
	bestScore := 0
	tie := false
	for _, domain := range []string{DomainScience, DomainHistory, DomainFiction, DomainPhilosophy, DomainTechnology} {
		score := 0
		for _, kw := range domainKeywords[domain] {
			score += strings.Count(haystack, kw)
		}
		if score > bestScore {
			best = domain
			bestScore = score
			tie = false
		} else if score == bestScore && score > 0 {
			tie = true
		}
	}
	if tie || bestScore == 0 {
		return DomainUnknown
	}
	return best
}
