package ircline

import "strings"

// maxPrivmsgLen is the baseline the relay truncates PRIVMSG payloads to,
// before subtracting the target channel's own length.
const maxPrivmsgLen = 500

// SegmentPrivmsg splits a relay request's text into the individual PRIVMSG
// payloads that should be sent to channel, one per "\n"-delimited line in
// text, each truncated to 500-len(channel) runes.
func SegmentPrivmsg(channel, text string) []string {
	limit := maxPrivmsgLen - len(channel)
	if limit < 1 {
		limit = 1
	}

	lines := strings.Split(text, "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		runes := []rune(line)
		if len(runes) > limit {
			runes = runes[:limit]
		}
		out = append(out, string(runes))
	}
	return out
}
