package dialogue

import (
	"iter"
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	// DefaultMinSentenceLength is the shortest sentence, in runes, that is
	// dispatched on its own.
	DefaultMinSentenceLength = 5

	// DefaultEndMarks are the runes that may end a sentence.
	DefaultEndMarks = ".!?;。！？；\n"

	// DefaultApology is spoken when the language model fails.
	DefaultApology = "Sorry, something went wrong. Please try again."
)

// closers may directly follow an end mark and stay with the sentence.
const closers = `"'”’)）」』`

// Segment is one dispatch unit produced by the [Segmenter].
type Segment struct {
	Text    string
	IsFirst bool
	IsLast  bool
}

// Segmenter splits a token stream into sentences small enough to be
// synthesized while the model is still generating.
//
// A split is taken at the first end mark whose sentence is at least the
// minimum length. A shorter candidate is merged with the following clause
// once the next end mark arrives. A '.' between two digits never splits,
// and a '.' that ends the buffer right after a digit waits for the next
// token.
//
// A Segmenter is not safe for concurrent use.
type Segmenter struct {
	minLength int
	endMarks  string
	apology   string

	buf     []rune
	emitted int
	done    bool
}

// SegmenterOption configures a [Segmenter].
type SegmenterOption func(*Segmenter)

// WithMinLength sets the minimum sentence length in runes.
func WithMinLength(n int) SegmenterOption {
	return func(s *Segmenter) {
		if n > 0 {
			s.minLength = n
		}
	}
}

// WithEndMarks replaces the set of sentence-ending runes.
func WithEndMarks(marks string) SegmenterOption {
	return func(s *Segmenter) {
		if marks != "" {
			s.endMarks = marks
		}
	}
}

// WithApology sets the text emitted by Fail.
func WithApology(text string) SegmenterOption {
	return func(s *Segmenter) {
		if text != "" {
			s.apology = text
		}
	}
}

// NewSegmenter returns a Segmenter for one model response.
func NewSegmenter(opts ...SegmenterOption) *Segmenter {
	s := &Segmenter{
		minLength: DefaultMinSentenceLength,
		endMarks:  DefaultEndMarks,
		apology:   DefaultApology,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Push adds a token and returns the sentences it completed.
func (s *Segmenter) Push(token string) []Segment {
	if s.done || token == "" {
		return nil
	}
	s.buf = append(s.buf, []rune(token)...)

	var out []Segment
	for {
		end := s.nextSplit(0)
		if end < 0 {
			break
		}
		if utf8.RuneCountInString(strings.TrimSpace(string(s.buf[:end]))) < s.minLength {
			end = s.nextSplit(end)
			if end < 0 {
				break
			}
		}
		text := strings.TrimSpace(string(s.buf[:end]))
		s.buf = s.buf[end:]
		if text == "" {
			continue
		}
		out = append(out, s.segment(text, false))
	}
	return out
}

// Finish flushes the buffer as the final segment. It always returns a
// segment with IsLast set, possibly with empty text.
func (s *Segmenter) Finish() Segment {
	text := strings.TrimSpace(string(s.buf))
	s.buf = nil
	s.done = true
	return s.segment(text, true)
}

// Fail discards the buffer and returns the apology as a complete response.
func (s *Segmenter) Fail() Segment {
	s.buf = nil
	s.done = true
	s.emitted++
	return Segment{Text: s.apology, IsFirst: true, IsLast: true}
}

func (s *Segmenter) segment(text string, last bool) Segment {
	seg := Segment{Text: text, IsFirst: s.emitted == 0, IsLast: last}
	s.emitted++
	return seg
}

// nextSplit returns the exclusive end index of the first split point at or
// after from, or -1.
func (s *Segmenter) nextSplit(from int) int {
	for i := from; i < len(s.buf); i++ {
		r := s.buf[i]
		if !strings.ContainsRune(s.endMarks, r) {
			continue
		}
		if r == '.' && i > 0 && unicode.IsDigit(s.buf[i-1]) {
			if i == len(s.buf)-1 {
				return -1
			}
			if unicode.IsDigit(s.buf[i+1]) {
				continue
			}
		}
		end := i + 1
		for end < len(s.buf) && s.buf[end] != '\n' &&
			(strings.ContainsRune(s.endMarks, s.buf[end]) || strings.ContainsRune(closers, s.buf[end])) {
			end++
		}
		return end
	}
	return -1
}

// Segments lazily segments a token stream. An error from the stream yields
// the apology and stops; otherwise the sequence ends with the IsLast segment.
func Segments(tokens iter.Seq2[string, error], opts ...SegmenterOption) iter.Seq[Segment] {
	return func(yield func(Segment) bool) {
		s := NewSegmenter(opts...)
		for tok, err := range tokens {
			if err != nil {
				yield(s.Fail())
				return
			}
			for _, seg := range s.Push(tok) {
				if !yield(seg) {
					return
				}
			}
		}
		yield(s.Finish())
	}
}
