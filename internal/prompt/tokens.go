package prompt

import "strings"

// tokensPerWord approximates English prose. Code and non-English text skew
// toward one token per four bytes, so the larger estimate wins.
const tokensPerWord = 1.33

// EstimateTokens approximates how many tokens a prompt fragment costs
// without a tokenizer round trip. Deliberately cheap; budgets built on it
// leave headroom rather than chase exactness.
func EstimateTokens(content string) int {
	if content == "" {
		return 0
	}
	byWords := int(float64(len(strings.Fields(content))) * tokensPerWord)
	if byChars := len(content) / 4; byChars > byWords {
		return byChars
	}
	return byWords
}
