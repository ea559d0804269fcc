package dialogue

import (
	"regexp"
	"strings"
	"unicode"
)

var (
	htmlTagRe      = regexp.MustCompile(`<[^>]+>`)
	markdownLinkRe = regexp.MustCompile(`\[([^\]]*)\]\([^)]*\)`)
)

// defaultEmotion is reported for emoji without an explicit mapping.
const defaultEmotion = "happy"

var emotionByEmoji = func() map[rune]string {
	groups := map[string]string{
		"neutral":     "😐😶",
		"happy":       "🌈😊🎈🐱",
		"laughing":    "😀😃😁😏😄🤪",
		"funny":       "😂🤣😆",
		"sad":         "😢😔😞😑",
		"angry":       "😠😡😒😤🤬",
		"crying":      "😭",
		"loving":      "❤💕😍🥰💖",
		"embarrassed": "😳😓😅",
		"surprised":   "😮😲😯",
		"shocked":     "😱😨😬",
		"thinking":    "🤔💭💬🧐",
		"winking":     "😉🤗👋🌟🐶",
		"cool":        "😎",
		"relaxed":     "😌",
		"delicious":   "😋🤤🍽",
		"kissy":       "😘💋😚😗😙",
		"confident":   "💪",
		"sleepy":      "😴",
		"silly":       "😛😜😝",
		"confused":    "😕🙄",
	}
	m := make(map[rune]string)
	for emotion, emojis := range groups {
		for _, r := range emojis {
			m[r] = emotion
		}
	}
	return m
}()

var emojiRanges = [][2]rune{
	{0x1F600, 0x1F64F},
	{0x1F300, 0x1F5FF},
	{0x1F680, 0x1F6FF},
	{0x1F900, 0x1F9FF},
	{0x1FA70, 0x1FAFF},
	{0x2600, 0x26FF},
	{0x2700, 0x27BF},
	{0x1F1E6, 0x1F1FF},
	{0x1F700, 0x1F77F},
}

func isEmoji(r rune) bool {
	for _, rg := range emojiRanges {
		if r >= rg[0] && r <= rg[1] {
			return true
		}
	}
	return false
}

// EmotionFor returns the emotion word for an emoji.
func EmotionFor(r rune) string {
	if e, ok := emotionByEmoji[r]; ok {
		return e
	}
	return defaultEmotion
}

// CleanedText is the result of [CleanForSpeech].
type CleanedText struct {
	// Speech is the text to synthesize.
	Speech string

	// Emoji is the first emoji found, or 0.
	Emoji rune

	// Emotion is the emotion word for Emoji, empty when there is none.
	Emotion string
}

// CleanForSpeech strips what a synthesizer should not read aloud: emoji,
// HTML tags, markdown markers and control characters. Markdown links keep
// their label.
func CleanForSpeech(text string) CleanedText {
	text = htmlTagRe.ReplaceAllString(text, "")
	text = markdownLinkRe.ReplaceAllString(text, "$1")

	var (
		out CleanedText
		b   strings.Builder
	)
	b.Grow(len(text))
	for _, r := range text {
		switch {
		case isEmoji(r):
			if out.Emoji == 0 {
				out.Emoji = r
				out.Emotion = EmotionFor(r)
			}
		case r == '\uFE0F' || r == '\u200D':
			// Emoji presentation selector and joiner.
		case unicode.IsSpace(r):
			b.WriteRune(' ')
		case unicode.IsControl(r):
		case strings.ContainsRune("*#`~_>|@№$%&", r):
		default:
			b.WriteRune(r)
		}
	}
	out.Speech = strings.Join(strings.Fields(b.String()), " ")
	return out
}
