package dialogue

import (
	"strings"
	"sync/atomic"
	"unicode"
	"unicode/utf8"

	"github.com/antzucaro/matchr"
)

// WakeWords matches device-reported wake-word text against the configured
// phrases. Recognizers on the device often mangle names, so a phrase also
// matches when every word sounds the same (Double Metaphone) or when the
// whole phrase is one edit away.
//
// The word list can be swapped at runtime with Set; Match is safe for
// concurrent use.
type WakeWords struct {
	words atomic.Pointer[[]wakeWord]
}

type wakeWord struct {
	raw   string
	norm  string
	codes []string
}

// NewWakeWords returns a matcher for the given phrases.
func NewWakeWords(words ...string) *WakeWords {
	w := &WakeWords{}
	w.Set(words)
	return w
}

// Set replaces the configured phrases.
func (w *WakeWords) Set(words []string) {
	list := make([]wakeWord, 0, len(words))
	for _, raw := range words {
		norm := normaliseWake(raw)
		if norm == "" {
			continue
		}
		list = append(list, wakeWord{raw: raw, norm: norm, codes: metaphoneCodes(norm)})
	}
	w.words.Store(&list)
}

// Words returns the configured phrases.
func (w *WakeWords) Words() []string {
	list := w.words.Load()
	if list == nil {
		return nil
	}
	out := make([]string, len(*list))
	for i, ww := range *list {
		out[i] = ww.raw
	}
	return out
}

// Match returns the configured phrase that text corresponds to.
func (w *WakeWords) Match(text string) (string, bool) {
	list := w.words.Load()
	if list == nil {
		return "", false
	}
	norm := normaliseWake(text)
	if norm == "" {
		return "", false
	}
	codes := metaphoneCodes(norm)
	for _, ww := range *list {
		if norm == ww.norm {
			return ww.raw, true
		}
	}
	for _, ww := range *list {
		if codesEqual(codes, ww.codes) {
			return ww.raw, true
		}
		if utf8.RuneCountInString(ww.norm) >= 4 && matchr.Levenshtein(norm, ww.norm) <= 1 {
			return ww.raw, true
		}
	}
	return "", false
}

// normaliseWake lowercases, drops punctuation and collapses whitespace.
func normaliseWake(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
		case unicode.IsSpace(r):
			b.WriteRune(' ')
		default:
			b.WriteRune(r)
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// metaphoneCodes returns the primary Double Metaphone code of each word.
// Words without a code keep their literal text.
func metaphoneCodes(norm string) []string {
	fields := strings.Fields(norm)
	codes := make([]string, len(fields))
	for i, f := range fields {
		p, _ := matchr.DoubleMetaphone(f)
		if p == "" {
			p = f
		}
		codes[i] = p
	}
	return codes
}

func codesEqual(a, b []string) bool {
	if len(a) != len(b) || len(a) == 0 {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
