package session

import "time"

// Status is a Connection's position in the lifecycle state machine of
// spec.md sec 4.4: unseen -> handshaking -> ready -> disconnected -> expired.
type Status int

const (
	StatusUnseen Status = iota
	StatusHandshaking
	StatusReady
	StatusDisconnected
	StatusExpired
)

func (s Status) String() string {
	switch s {
	case StatusUnseen:
		return "unseen"
	case StatusHandshaking:
		return "handshaking"
	case StatusReady:
		return "ready"
	case StatusDisconnected:
		return "disconnected"
	case StatusExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// Timeouts and delays, spec.md sec 4.4 / sec 4.5.
const (
	UnseenTTL     = 60 * time.Second
	HandshakeTTL  = 60 * time.Second
	DisconnectTTL = 24 * time.Hour

	AntiFloodDelay = 1000 * time.Millisecond

	// AntiBuzzDelay mirrors original_source/irkerd.py's ANTI_BUZZ_DELAY,
	// the sleep its poll loop took between empty-queue checks instead of
	// spinning. queue.Wait() blocks on a channel rather than polling, so
	// this Go build has no spin to avoid and never sleeps this value; it
	// is kept only so the constant's provenance (and its distinction from
	// AntiFloodDelay) stays documented for anyone porting timing behavior
	// back against the original.
	AntiBuzzDelay = 90 * time.Millisecond

	// DefaultChannelMax is the per-prefix channel-join cap used until an
	// ISUPPORT CHANLIMIT/MAXCHANNELS token overrides it.
	DefaultChannelMax = 18

	// tickInterval bounds how long the consumer loop can sleep before
	// re-checking TTLs and the queue; it plays the role of the Python
	// daemon's 0.2s poller tick, adapted to Go's blocking-select model
	// (spec.md sec 9 design note).
	tickInterval = 200 * time.Millisecond
)

// XmitTTL and PingTTL gate the idle-transmission timeout (spec.md sec 4.4,
// scenario S5): a ready Connection QUITs with "transmission timeout" once
// either one has gone stale. They are vars, not consts, so tests
// can shrink them instead of waiting out the real 3h/15m windows.
var (
	XmitTTL = 3 * time.Hour
	PingTTL = 15 * time.Minute
)

// ChannelTTL is how long a joined channel can sit idle before the
// Dispatcher's placement policy treats it as scavengeable (spec.md
// sec 4.5). A var, not a const, for the same test-shrinking reason as
// XmitTTL/PingTTL above.
var ChannelTTL = 3 * time.Hour
