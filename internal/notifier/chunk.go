package notifier

import (
	"strings"
	"unicode/utf8"
)

// TelegramMaxChars is the Telegram text message limit.
const TelegramMaxChars = 4096

// Chunk packs messages, one per line, into texts of at most max runes.
// Message order is preserved. A message longer than max is split.
func Chunk(messages []string, max int) []string {
	if max <= 0 {
		max = TelegramMaxChars
	}
	var (
		out []string
		cur strings.Builder
		n   int
	)
	flush := func() {
		if n > 0 {
			out = append(out, cur.String())
			cur.Reset()
			n = 0
		}
	}
	for _, m := range messages {
		for _, part := range splitRunes(m, max) {
			l := utf8.RuneCountInString(part)
			if n > 0 && n+1+l > max {
				flush()
			}
			if n > 0 {
				cur.WriteByte('\n')
				n++
			}
			cur.WriteString(part)
			n += l
		}
	}
	flush()
	return out
}

func splitRunes(s string, max int) []string {
	if utf8.RuneCountInString(s) <= max {
		return []string{s}
	}
	var parts []string
	r := []rune(s)
	for len(r) > max {
		parts = append(parts, string(r[:max]))
		r = r[max:]
	}
	if len(r) > 0 {
		parts = append(parts, string(r))
	}
	return parts
}
