package classify

import "strings"

const (
	baseConfidence     = 80.0
	shortOutputChars   = 50
	shortOutputPenalty = 20.0
	uncertaintyPenalty = 15.0
	complexityPenalty  = 10.0
	complexityCutoff   = 70.0
)

// uncertaintyPhrases are folded; matching is on the folded output.
var uncertaintyPhrases = []string{
	"talvez",
	"nao tenho certeza",
	"nao sei",
	"possivelmente",
	"maybe",
	"i'm not sure",
	"i am not sure",
	"i don't know",
	"possibly",
	"i cannot be certain",
}

// EvaluateConfidence scores output on a 0-100 scale. Short answers, hedging
// language and high task complexity each lower the score.
func EvaluateConfidence(output string, complexity float64) float64 {
	score := baseConfidence

	if len([]rune(strings.TrimSpace(output))) < shortOutputChars {
		score -= shortOutputPenalty
	}

	folded := Fold(output)
	for _, p := range uncertaintyPhrases {
		if strings.Contains(folded, p) {
			score -= uncertaintyPenalty
			break
		}
	}

	if complexity > complexityCutoff {
		score -= complexityPenalty
	}
	return clamp(score)
}
