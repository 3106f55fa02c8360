package chat

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Sanitize strips unsafe formatting from a submitted chat line: control
// runes, '§'-style formatting sequences, and surrounding whitespace. The
// result is truncated to maxLen runes. The server stores and broadcasts
// only sanitized text.
func Sanitize(text string, maxLen int) string {
	var b strings.Builder
	b.Grow(len(text))
	skipNext := false
	for _, r := range text {
		if skipNext {
			skipNext = false
			continue
		}
		switch {
		case r == '§':
			// Formatting escape: drop it and its argument rune.
			skipNext = true
		case r == '\n' || r == '\t':
			b.WriteRune(' ')
		case unicode.IsControl(r):
			// dropped
		case !utf8.ValidRune(r):
			// dropped
		default:
			b.WriteRune(r)
		}
	}
	out := strings.TrimSpace(b.String())
	if maxLen > 0 && utf8.RuneCountInString(out) > maxLen {
		runes := []rune(out)
		out = string(runes[:maxLen])
	}
	return out
}
