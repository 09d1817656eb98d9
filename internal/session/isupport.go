package session

import "strings"

// isupport is the subset of RPL_ISUPPORT (005) tokens this daemon cares
// about: per-prefix channel limits and the network's DEAF usermode
// character, if any, which the daemon sets on its own nick to avoid
// receiving channel traffic it has no use for (spec.md sec 4.2/sec 4.7).
type isupport struct {
	channelLimits map[string]int
	deafChar      string
}

func newISupport() *isupport {
	return &isupport{channelLimits: map[string]int{}}
}

// apply folds one 005 line's params (excluding the trailing "are
// supported by this server" text) into the accumulated state. Grounded on
// girc's handleISUPPORT (state.go), simplified to the three tokens this
// daemon consults (CHANLIMIT, MAXCHANNELS, DEAF).
func (is *isupport) apply(params []string) {
	for _, tok := range params {
		switch {
		case strings.HasPrefix(tok, "CHANLIMIT="):
			is.applyChanLimit(strings.TrimPrefix(tok, "CHANLIMIT="))
		case strings.HasPrefix(tok, "MAXCHANNELS="):
			if n, ok := atoiOK(strings.TrimPrefix(tok, "MAXCHANNELS=")); ok {
				is.setAll(n)
			}
		case tok == "DEAF":
			is.deafChar = "D"
		case strings.HasPrefix(tok, "DEAF="):
			is.deafChar = strings.TrimPrefix(tok, "DEAF=")
		}
	}
}

// applyChanLimit parses "#&:10,+:20"-style tokens: one or more
// prefix-groups, each a run of prefix characters, a colon, and a count.
func (is *isupport) applyChanLimit(raw string) {
	for _, group := range strings.Split(raw, ",") {
		parts := strings.SplitN(group, ":", 2)
		if len(parts) != 2 {
			continue
		}
		n, ok := atoiOK(parts[1])
		if !ok {
			continue
		}
		for _, prefix := range parts[0] {
			is.channelLimits[string(prefix)] = n
		}
	}
}

func (is *isupport) setAll(n int) {
	for _, prefix := range []string{"#", "&", "+", "!"} {
		if _, exists := is.channelLimits[prefix]; !exists {
			is.channelLimits[prefix] = n
		}
	}
}

// limitFor returns the join cap for channels beginning with prefix,
// falling back to DefaultChannelMax when the network never advertised one.
func (is *isupport) limitFor(prefix string) int {
	if n, ok := is.channelLimits[prefix]; ok {
		return n
	}
	return DefaultChannelMax
}

func atoiOK(s string) (int, bool) {
	if s == "" {
		return 0, false
	}
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, false
		}
		n = n*10 + int(r-'0')
	}
	return n, true
}
