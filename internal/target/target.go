// Package target parses and validates the IRC URLs carried in relay
// requests, per spec.md sec 4.3 / sec 6.
//
//	irc[s]://[user[:pass]@]host[:port]/channel[?key=KEY][#suffix][,isnick]
package target

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

const (
	defaultPlainPort = 6667
	defaultTLSPort   = 6697
)

// InvalidRequestError is returned when a URL fails validation: it does not
// parse, its scheme is not irc/ircs, its port is not a number, or it lacks
// a servername or channel. Per spec.md sec 7, this is logged and the
// offending URL is dropped -- other URLs in the same request still
// proceed.
type InvalidRequestError struct {
	URL    string
	Reason string
}

func (e *InvalidRequestError) Error() string {
	return fmt.Sprintf("invalid relay target %q: %s", e.URL, e.Reason)
}

// Target is the parsed, validated form of one IRC URL (spec.md sec 3).
type Target struct {
	Server   string
	Port     int
	SSL      bool
	Username string
	Password string
	Channel  string
	Key      string
	IsNick   bool
	URL      string
}

// Endpoint identifies the (server,port) pair a Dispatcher is keyed on.
func (t *Target) Endpoint() string {
	return fmt.Sprintf("%s:%d", strings.ToLower(t.Server), t.Port)
}

// Parse builds and validates a Target from a relay request URL.
func Parse(raw string) (*Target, error) {
	// The ",isnick" suffix is not part of the standard URL grammar, so
	// it's stripped before handing the rest to net/url and re-applied
	// afterward.
	work := raw
	isNick := false
	if idx := strings.LastIndex(work, ",isnick"); idx >= 0 && idx == len(work)-len(",isnick") {
		isNick = true
		work = work[:idx]
	}

	u, err := url.Parse(work)
	if err != nil {
		return nil, &InvalidRequestError{URL: raw, Reason: err.Error()}
	}

	var ssl bool
	switch strings.ToLower(u.Scheme) {
	case "irc":
		ssl = false
	case "ircs":
		ssl = true
	default:
		return nil, &InvalidRequestError{URL: raw, Reason: "unsupported scheme " + u.Scheme}
	}

	host := u.Hostname()
	if host == "" {
		return nil, &InvalidRequestError{URL: raw, Reason: "missing servername"}
	}

	port := defaultPlainPort
	if ssl {
		port = defaultTLSPort
	}
	if p := u.Port(); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil, &InvalidRequestError{URL: raw, Reason: "invalid port " + p}
		}
		port = n
	}

	var user, pass string
	if u.User != nil {
		user = u.User.Username()
		pass, _ = u.User.Password()
	}

	channel := strings.TrimPrefix(u.Path, "/")
	if u.Fragment != "" {
		channel += "#" + u.Fragment
	}
	channel = strings.ToLower(channel)
	if channel == "" {
		return nil, &InvalidRequestError{URL: raw, Reason: "missing channel"}
	}
	if !isNick && !strings.ContainsAny(channel[:1], "#&+") {
		channel = "#" + channel
	}

	// Open question (spec.md sec 9): any query not of the form "key=..."
	// is treated as the key verbatim.
	key := ""
	if u.RawQuery != "" {
		if strings.HasPrefix(u.RawQuery, "key=") {
			key = strings.TrimPrefix(u.RawQuery, "key=")
		} else {
			key = u.RawQuery
		}
	}

	return &Target{
		Server:   host,
		Port:     port,
		SSL:      ssl,
		Username: user,
		Password: pass,
		Channel:  channel,
		Key:      key,
		IsNick:   isNick,
		URL:      raw,
	}, nil
}

// ChannelPrefix returns the single leading character used for channel-limit
// accounting (spec.md sec 4.5), or "" for an empty channel. An isnick
// target is counted under its own first character like any channel.
func ChannelPrefix(channel string) string {
	if channel == "" {
		return ""
	}
	return channel[:1]
}
