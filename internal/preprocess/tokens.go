package preprocess

import "unicode"

// Token budget. The output cap belongs to the summarizer's compiled
// constants but the input budget is derived from it here, where the
// fitting happens.
const (
	MaxInputTokens  = 4000
	MaxOutputTokens = 300
	PromptOverhead  = 150
	SafeInputBudget = MaxInputTokens - PromptOverhead

	// MinSummarizableTokens marks inputs too short to be worth a call.
	MinSummarizableTokens = 15
)

// EstimateTokens approximates the token count of a string. Latin-ish
// text averages ~4 characters per token; CJK and Arabic scripts tokenize
// much denser, so those runes are weighted separately.
func EstimateTokens(s string) int {
	var latin, dense int
	for _, r := range s {
		if isDenseScript(r) {
			dense++
		} else {
			latin++
		}
	}
	// dense scripts: ~1.8 chars per token
	tokens := latin/4 + (dense*10)/18
	if tokens == 0 && latin+dense > 0 {
		tokens = 1
	}
	return tokens
}

func isDenseScript(r rune) bool {
	return unicode.Is(unicode.Han, r) ||
		unicode.Is(unicode.Hiragana, r) ||
		unicode.Is(unicode.Katakana, r) ||
		unicode.Is(unicode.Hangul, r) ||
		unicode.Is(unicode.Arabic, r)
}

// Per-rune token cost in 1/36ths of a token, matching EstimateTokens:
// latin 1/4 = 9/36, dense 10/18 = 20/36. Summing units always rounds up
// relative to the estimate's floor division, so any slice fitted by
// units fits the token budget too.
const unitsPerToken = 36

func runeUnits(r rune) int {
	if isDenseScript(r) {
		return 20
	}
	return 9
}

func textUnits(runes []rune) int {
	units := 0
	for _, r := range runes {
		units += runeUnits(r)
	}
	return units
}

const truncationMarker = "\n[...]\n"

// smartTruncate fits text into the given token budget by keeping the
// head and the tail and discarding the middle, in a 20/40 split scaled
// to the budget: greetings and context survive at the top, conclusions
// and action items at the bottom, and the tail gets twice the room.
// The budget is measured with the same per-script weights as
// EstimateTokens, so dense-script text shrinks as far as latin text.
func smartTruncate(s string, budgetTokens int) string {
	runes := []rune(s)
	budgetUnits := budgetTokens * unitsPerToken
	if textUnits(runes) <= budgetUnits {
		return s
	}

	headUnits := budgetUnits / 3
	tailUnits := budgetUnits - headUnits - textUnits([]rune(truncationMarker))
	if tailUnits < 0 {
		tailUnits = 0
	}

	headEnd := 0
	for used := 0; headEnd < len(runes); headEnd++ {
		u := runeUnits(runes[headEnd])
		if used+u > headUnits {
			break
		}
		used += u
	}
	tailStart := len(runes)
	for used := 0; tailStart > 0; tailStart-- {
		u := runeUnits(runes[tailStart-1])
		if used+u > tailUnits {
			break
		}
		used += u
	}
	if tailStart < headEnd {
		tailStart = headEnd
	}

	return string(runes[:headEnd]) + truncationMarker + string(runes[tailStart:])
}
