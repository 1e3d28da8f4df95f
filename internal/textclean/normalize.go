// Package textclean turns raw archive text into the cleaned form stored for a domain.
package textclean

import (
	"bufio"
	_ "embed"
	"fmt"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

//go:embed stopwords/english.txt
var englishStopwords string

// asciiPunct is the ASCII punctuation set with the period left out.
const asciiPunct = "!\"#$%&'()*+,-/:;<=>?@[\\]^_`{|}~"

var languages = map[string]struct {
	tag   language.Tag
	words string
}{
	"english": {tag: language.English, words: englishStopwords},
}

// Normalizer removes stop-words and punctuation from text and lower-cases it.
// It is safe for concurrent use.
type Normalizer struct {
	stopwords map[string]struct{}
	casers    sync.Pool
}

// New builds a Normalizer for the given language plus any extra stop-words.
func New(lang string, extra []string) (*Normalizer, error) {
	l, ok := languages[strings.ToLower(lang)]
	if !ok {
		return nil, fmt.Errorf("unsupported stop-word language %q", lang)
	}

	n := &Normalizer{stopwords: make(map[string]struct{})}
	n.casers.New = func() any {
		c := cases.Lower(l.tag)
		return &c
	}

	sc := bufio.NewScanner(strings.NewReader(l.words))
	for sc.Scan() {
		n.addStopword(sc.Text())
	}
	for _, w := range extra {
		n.addStopword(w)
	}
	return n, nil
}

func (n *Normalizer) addStopword(w string) {
	if folded := n.fold(strings.TrimSpace(w)); folded != "" {
		n.stopwords[folded] = struct{}{}
	}
}

// IsStopword reports whether token matches a stop-word once folded.
func (n *Normalizer) IsStopword(token string) bool {
	_, ok := n.stopwords[n.fold(token)]
	return ok
}

// Normalize tokenizes text, drops stop-words, strips punctuation other than
// periods, lower-cases the result and collapses whitespace. ok is false when
// the input is blank or not valid UTF-8, or nothing survives cleaning.
func (n *Normalizer) Normalize(text string) (string, bool) {
	if !utf8.ValidString(text) || strings.TrimSpace(text) == "" {
		return "", false
	}

	tokens := Tokenize(text)
	kept := tokens[:0]
	for _, tok := range tokens {
		if !n.IsStopword(tok) {
			kept = append(kept, tok)
		}
	}

	out := StripPunctuation(strings.Join(kept, " "))
	out = n.lower(out)
	out = strings.Join(strings.Fields(out), " ")
	if out == "" {
		return "", false
	}
	return out, true
}

func (n *Normalizer) fold(s string) string {
	return n.lower(StripPunctuation(s))
}

func (n *Normalizer) lower(s string) string {
	c := n.casers.Get().(*cases.Caser)
	defer n.casers.Put(c)
	return c.String(s)
}

// StripPunctuation removes punctuation runes except '.'.
func StripPunctuation(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '.' {
			return r
		}
		if strings.ContainsRune(asciiPunct, r) || unicode.IsPunct(r) {
			return -1
		}
		return r
	}, s)
}
