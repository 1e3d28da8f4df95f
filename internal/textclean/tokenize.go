package textclean

import (
	"strings"
	"unicode"
)

var clitics = []string{"n't", "'s", "'re", "'ve", "'ll", "'d", "'m"}

// Tokenize splits text into word tokens the way a Penn Treebank tokenizer does:
// surrounding punctuation becomes its own token and English clitics are split
// from their host word. Abbreviations such as "U.S." keep their periods.
func Tokenize(text string) []string {
	var out []string
	for _, field := range strings.Fields(text) {
		out = appendField(out, field)
	}
	return out
}

func appendField(out []string, field string) []string {
	runes := []rune(normalizeQuotes(field))

	start := 0
	for start < len(runes) && isEdgePunct(runes[start]) {
		out = append(out, string(runes[start]))
		start++
	}

	end := len(runes)
	var trailing []string
	for end > start && isEdgePunct(runes[end-1]) {
		if runes[end-1] == '.' && containsRune(runes[start:end-1], '.') {
			break
		}
		trailing = append(trailing, string(runes[end-1]))
		end--
	}

	for _, part := range splitInternal(runes[start:end]) {
		out = appendClitics(out, part)
	}
	for i := len(trailing) - 1; i >= 0; i-- {
		out = append(out, trailing[i])
	}
	return out
}

// splitInternal breaks a word on separators that never join a token, keeping
// digit groups such as "1,000" intact.
func splitInternal(runes []rune) []string {
	var parts []string
	last := 0
	for i, r := range runes {
		if !isSeparator(r) {
			continue
		}
		if r == ',' && i > 0 && i+1 < len(runes) && unicode.IsDigit(runes[i-1]) && unicode.IsDigit(runes[i+1]) {
			continue
		}
		if last < i {
			parts = append(parts, string(runes[last:i]))
		}
		parts = append(parts, string(r))
		last = i + 1
	}
	if last < len(runes) {
		parts = append(parts, string(runes[last:]))
	}
	return parts
}

func appendClitics(out []string, word string) []string {
	for _, c := range clitics {
		if len(word) > len(c) && strings.EqualFold(word[len(word)-len(c):], c) {
			return append(out, word[:len(word)-len(c)], word[len(word)-len(c):])
		}
	}
	return append(out, word)
}

func normalizeQuotes(s string) string {
	return strings.NewReplacer("’", "'", "‘", "'").Replace(s)
}

func isEdgePunct(r rune) bool {
	if r == '-' || r == '_' || r == '&' || r == '@' || r == '#' {
		return false
	}
	return unicode.IsPunct(r) || unicode.IsSymbol(r)
}

func isSeparator(r rune) bool {
	switch r {
	case ',', ';', ':', '!', '?', '(', ')', '[', ']', '{', '}', '"', '<', '>', '|':
		return true
	}
	return false
}

func containsRune(runes []rune, target rune) bool {
	for _, r := range runes {
		if r == target {
			return true
		}
	}
	return false
}
