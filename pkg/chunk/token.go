package chunk

import "unicode"

// Token estimation weights. CJK text tokenizes denser than latin words, so
// each han rune counts 1.5 while a latin word counts 1.
const (
	weightCJK   = 1.5
	weightWord  = 1.0
	weightNum   = 0.5
	weightPunct = 0.3
)

// EstimateTokens approximates the token count an LLM tokenizer would produce
// for text. Good enough for budgets and progress accounting, not billing.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}

	var cjk, words, numbers, puncts int
	inWord := false
	inNumber := false

	flush := func() {
		if inWord {
			words++
			inWord = false
		}
		if inNumber {
			numbers++
			inNumber = false
		}
	}

	for _, r := range text {
		switch {
		case unicode.Is(unicode.Han, r):
			flush()
			cjk++
		case unicode.IsLetter(r):
			if inNumber {
				flush()
			}
			inWord = true
		case unicode.IsDigit(r):
			if inWord {
				flush()
			}
			inNumber = true
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			flush()
			puncts++
		default:
			flush()
		}
	}
	flush()

	est := int(float64(cjk)*weightCJK + float64(words)*weightWord +
		float64(numbers)*weightNum + float64(puncts)*weightPunct)
	if est < 1 {
		est = 1
	}
	return est
}
