package dispatch

import "strings"

// diceRating is the Sørensen–Dice bigram coefficient, the rating the
// suggestion threshold is calibrated against.
func diceRating(a, b string) float64 {
	a = strings.ReplaceAll(a, " ", "")
	b = strings.ReplaceAll(b, " ", "")
	if a == b {
		return 1
	}
	if len(a) < 2 || len(b) < 2 {
		return 0
	}

	bigrams := make(map[string]int)
	for i := 0; i < len(a)-1; i++ {
		bigrams[a[i:i+2]]++
	}
	matches := 0
	for i := 0; i < len(b)-1; i++ {
		bg := b[i : i+2]
		if bigrams[bg] > 0 {
			bigrams[bg]--
			matches++
		}
	}
	return 2 * float64(matches) / float64(len(a)+len(b)-2)
}

// bestMatch returns the candidate with the highest rating against target.
func bestMatch(target string, candidates []string) (string, float64) {
	best := ""
	bestRating := -1.0
	for _, c := range candidates {
		if r := diceRating(target, c); r > bestRating {
			best, bestRating = c, r
		}
	}
	return best, bestRating
}
