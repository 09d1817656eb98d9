// Package session implements the Connection type: one long-lived IRC
// session to one server, its handshake/retry state machine, channel-join
// bookkeeping, and the consumer task that drains its outgoing queue
// (spec.md sec 4.4, sec 5).
package session

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/relaycore/irkerd/internal/ircline"
	"github.com/relaycore/irkerd/internal/ircsock"
	"github.com/relaycore/irkerd/internal/target"
	"github.com/relaycore/irkerd/internal/watch"
)

// Config fixes everything about a Connection that doesn't change across
// its reconnect attempts.
type Config struct {
	Server  string
	Port    int
	TLS     ircsock.TLSOptions
	Dialer  ircsock.Dialer
	Timeout time.Duration

	// NickTemplate is formatted with Index to build this Connection's base
	// nick (spec.md sec 9 supplemented feature: "%d" nick templates let a
	// Dispatcher give each of its Connections a distinct identity).
	NickTemplate string
	Index        int

	ServerPassword   string
	NickServPassword string

	// Watcher, when non-nil, receives every raw inbound line (spec.md
	// sec 4.8). Its presence also suppresses the DEAF usermode (see
	// handleEvent), since a watcher wants to see channel traffic the
	// daemon would otherwise ask the server to stop delivering.
	Watcher *watch.File

	Logger zerolog.Logger
}

type disconnectReason int

const (
	reasonDisconnected disconnectReason = iota
	reasonQuit
	reasonExpired
	reasonIdleTimeout
)

type eventAction int

const (
	actionNone eventAction = iota
	actionDisconnect
)

// inboundLine pairs one server line with its parsed form, so the watcher
// side file can record the raw text alongside event-driven processing.
type inboundLine struct {
	raw string
	ev  *ircline.Event
}

// Connection is one socket's worth of IRC session state plus the consumer
// task that owns it. All fields touched from outside the consumer
// goroutine (Dispatcher's placement-policy reads, Enqueue) are guarded by
// mu or are themselves concurrency-safe (queue).
type Connection struct {
	cfg Config

	mu             sync.RWMutex
	status         Status
	nick           string
	nickTrial      int
	channelsJoined map[string]time.Time
	isup           *isupport
	lastXmit       time.Time
	lastPingRecv   time.Time
	deafSent       bool

	queue *queue
	sock  *ircsock.Conn
	log   zerolog.Logger

	done chan struct{}
}

// New constructs a Connection in the unseen state. Call Run to start its
// consumer task; nothing is dialed until then.
func New(cfg Config) *Connection {
	if cfg.NickTemplate == "" {
		cfg.NickTemplate = "irker%d"
	}
	return &Connection{
		cfg:            cfg,
		status:         StatusUnseen,
		channelsJoined: map[string]time.Time{},
		isup:           newISupport(),
		queue:          newQueue(),
		log:            cfg.Logger.With().Str("endpoint", fmt.Sprintf("%s:%d", cfg.Server, cfg.Port)).Logger(),
		done:           make(chan struct{}),
	}
}

// Enqueue hands one relay item to this Connection's FIFO. Never blocks.
func (c *Connection) Enqueue(it Item) { c.queue.Push(it) }

// RequestQuit enqueues the QUIT sentinel, per spec.md sec 4.4's "none"
// message convention.
func (c *Connection) RequestQuit() { c.queue.Push(Item{Message: QuitSentinel}) }

// Done is closed once the consumer task has fully exited (status expired).
func (c *Connection) Done() <-chan struct{} { return c.done }

func (c *Connection) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

func (c *Connection) setStatus(s Status) {
	c.mu.Lock()
	c.status = s
	c.mu.Unlock()
}

// Joined reports whether channel is currently joined.
func (c *Connection) Joined(channel string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.channelsJoined[channel]
	return ok
}

// UnderLimit reports whether joining one more channel sharing channel's
// prefix would stay within the network's (or default) per-prefix cap.
func (c *Connection) UnderLimit(channel string) bool {
	prefix := target.ChannelPrefix(channel)
	c.mu.RLock()
	defer c.mu.RUnlock()
	limit := c.isup.limitFor(prefix)
	count := 0
	for ch := range c.channelsJoined {
		if target.ChannelPrefix(ch) == prefix {
			count++
		}
	}
	return count < limit
}

// LastXmit is the last time this Connection sent anything over its
// socket, used both by the Dispatcher's global-cap LRU eviction (spec.md
// sec 4.5) and by the idle-transmission timeout (spec.md sec 4.4, S5).
func (c *Connection) LastXmit() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastXmit
}

// LastPingRecv is the last time the server sent us a PING, used by the
// idle-transmission timeout (spec.md sec 4.4, S5): unlike LastXmit, this
// is bumped only by an actually-received PING, never by unrelated
// traffic, so it reflects the server's own keepalive cadence.
func (c *Connection) LastPingRecv() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastPingRecv
}

// OldestChannel returns the joined channel with the oldest last-xmit
// timestamp and that timestamp, for the Dispatcher's
// scavenge-oldest-idle-channel placement step, which must compare
// timestamps across every live Connection to find the global oldest
// (spec.md sec 4.5, SPEC_FULL.md sec 5).
func (c *Connection) OldestChannel() (channel string, lastXmit time.Time, ok bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for ch, at := range c.channelsJoined {
		if !ok || at.Before(lastXmit) {
			channel, lastXmit, ok = ch, at, true
		}
	}
	return channel, lastXmit, ok
}

// DropChannel forcibly removes channel's membership bookkeeping (used by
// the Dispatcher when scavenging makes room for a different channel on
// this Connection, and by KICK handling).
func (c *Connection) DropChannel(channel string) {
	c.mu.Lock()
	delete(c.channelsJoined, channel)
	c.mu.Unlock()
	c.queue.RemoveChannel(channel)
}

// Run is the consumer task: it owns the socket lifecycle end to end and
// returns only once the Connection has expired (spec.md sec 4.4's final
// state). One goroutine per Connection, per spec.md sec 9's sanctioned
// thread-per-Connection model.
func (c *Connection) Run(ctx context.Context) {
	defer func() {
		c.setStatus(StatusExpired)
		close(c.done)
	}()

	disconnectedSince := time.Time{}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := c.connect(ctx); err != nil {
			c.log.Warn().Err(err).Msg("connect failed")
			if disconnectedSince.IsZero() {
				disconnectedSince = time.Now()
			}
			if !c.waitBeforeRetry(ctx, disconnectedSince) {
				return
			}
			continue
		}
		disconnectedSince = time.Time{}

		reason := c.serve(ctx)
		c.teardownSocket()

		switch reason {
		case reasonQuit, reasonExpired, reasonIdleTimeout:
			return
		default:
			c.setStatus(StatusDisconnected)
			disconnectedSince = time.Now()
			if !c.waitBeforeRetry(ctx, disconnectedSince) {
				return
			}
		}
	}
}

// waitBeforeRetry sleeps a short backoff before the next connect attempt,
// or reports false once DisconnectTTL has elapsed since the connection
// first went down, meaning it should expire for good.
func (c *Connection) waitBeforeRetry(ctx context.Context, since time.Time) bool {
	if time.Since(since) > DisconnectTTL {
		c.log.Info().Msg("giving up after sustained disconnect")
		return false
	}
	backoff := 5 * time.Second
	t := time.NewTimer(backoff)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (c *Connection) nickFor(trial int) string {
	base := fmt.Sprintf(c.cfg.NickTemplate, c.cfg.Index)
	if trial == 0 {
		return base
	}
	return fmt.Sprintf("%s%d", base, trial)
}

func (c *Connection) connect(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", c.cfg.Server, c.cfg.Port)
	sock, err := ircsock.Dial(ctx, c.cfg.Dialer, addr, c.cfg.TLS)
	if err != nil {
		return err
	}

	now := time.Now()
	c.mu.Lock()
	c.sock = sock
	c.isup = newISupport()
	c.nick = c.nickFor(c.nickTrial)
	c.status = StatusUnseen
	c.lastXmit = now
	c.lastPingRecv = now
	c.deafSent = false
	c.mu.Unlock()

	c.log.Info().Str("nick", c.nick).Msg("connected")

	if c.cfg.ServerPassword != "" {
		c.send(&ircline.Event{Command: ircline.PASS, Params: []string{c.cfg.ServerPassword}})
	}
	c.send(&ircline.Event{Command: ircline.NICK, Params: []string{c.nick}})
	c.send(&ircline.Event{Command: ircline.USER, Params: []string{c.nick, "0", "*"}, Trailing: "relay bot", HasTrail: true})

	return nil
}

func (c *Connection) teardownSocket() {
	c.mu.Lock()
	sock := c.sock
	c.sock = nil
	c.channelsJoined = map[string]time.Time{}
	c.mu.Unlock()
	if sock != nil {
		_ = sock.Close()
	}
}

// send writes ev to the socket and bumps lastXmit on success: any
// outbound traffic, not just PRIVMSG, counts as a transmission for the
// idle-transmission timeout (spec.md sec 4.4, S5).
func (c *Connection) send(ev *ircline.Event) {
	c.mu.RLock()
	sock := c.sock
	c.mu.RUnlock()
	if sock == nil {
		return
	}
	if err := sock.WriteEvent(ev); err != nil {
		c.log.Debug().Err(err).Str("command", ev.Command).Msg("write failed")
		return
	}
	c.mu.Lock()
	c.lastXmit = time.Now()
	c.mu.Unlock()
}

// readLoop feeds parsed events to events until the socket errors or is
// closed, then closes events. It is spawned fresh per connect() call and
// never touches c.sock directly after capturing it, so teardownSocket
// racing a close is safe.
func (c *Connection) readLoop(sock *ircsock.Conn, events chan<- inboundLine) {
	defer close(events)
	for {
		line, err := sock.ReadLine()
		if line != "" {
			if ev := ircline.Parse(line); ev != nil {
				events <- inboundLine{raw: line, ev: ev}
			}
		}
		if err != nil {
			return
		}
	}
}

// serve runs the per-connection event loop from just after connect()
// until disconnect, quit, or expiry.
func (c *Connection) serve(ctx context.Context) disconnectReason {
	events := make(chan inboundLine, 64)
	c.mu.RLock()
	sock := c.sock
	c.mu.RUnlock()
	go c.readLoop(sock, events)

	deadlineUnseen := time.Now().Add(UnseenTTL)
	var deadlineHandshake time.Time

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return reasonExpired

		case in, ok := <-events:
			if !ok {
				return reasonDisconnected
			}
			if c.Status() == StatusUnseen {
				c.setStatus(StatusHandshaking)
				deadlineHandshake = time.Now().Add(HandshakeTTL)
			}
			c.logWatcher(in)
			if c.handleEvent(in.ev) == actionDisconnect {
				return reasonDisconnected
			}

		case <-c.queue.Wait():
			if c.Status() == StatusReady {
				if quit := c.drainQueueOnce(); quit {
					return reasonQuit
				}
			}

		case <-ticker.C:
			now := time.Now()
			switch c.Status() {
			case StatusUnseen:
				if now.After(deadlineUnseen) {
					return reasonDisconnected
				}
			case StatusHandshaking:
				if !deadlineHandshake.IsZero() && now.After(deadlineHandshake) {
					return reasonDisconnected
				}
			case StatusReady:
				if now.Sub(c.LastXmit()) > XmitTTL || now.Sub(c.LastPingRecv()) > PingTTL {
					c.send(&ircline.Event{Command: ircline.QUIT, Trailing: "transmission timeout", HasTrail: true})
					return reasonIdleTimeout
				}
				if quit := c.drainQueueOnce(); quit {
					return reasonQuit
				}
			}
		}
	}
}

// logWatcher appends in's raw line to the watcher side file, if one is
// configured (spec.md sec 4.8). Kept entirely separate from zerolog
// diagnostics per SPEC_FULL.md sec 2.
func (c *Connection) logWatcher(in inboundLine) {
	if c.cfg.Watcher == nil {
		return
	}
	source := in.ev.Source
	if source == "" {
		source = c.cfg.Server
	}
	unixTime := float64(time.Now().UnixNano()) / 1e9
	if err := c.cfg.Watcher.WriteLine(unixTime, source, in.raw); err != nil {
		c.log.Debug().Err(err).Msg("watcher write failed")
	}
}

// handleEvent updates session state from one parsed server line and
// returns whether the caller should treat the connection as dead.
// Grounded on girc's handler table (handlers.go), collapsed to a single
// switch per spec.md sec 9's simplified dispatch note.
func (c *Connection) handleEvent(ev *ircline.Event) eventAction {
	switch ircline.Kind(ev.Command) {
	case ircline.KindWelcome:
		c.setStatus(StatusReady)
		c.nickTrial = 0
		if c.cfg.NickServPassword != "" {
			c.send(&ircline.Event{
				Command:  ircline.PRIVMSG,
				Params:   []string{"NickServ"},
				Trailing: "identify " + c.cfg.NickServPassword,
				HasTrail: true,
			})
		}
		c.drainQueueOnce()

	case ircline.KindFeatureList:
		if len(ev.Params) > 1 {
			c.mu.Lock()
			c.isup.apply(ev.Params[1:])
			deafChar := c.isup.deafChar
			alreadySent := c.deafSent
			nick := c.nick
			c.mu.Unlock()

			// A watcher wants to see channel traffic the DEAF usermode
			// would otherwise suppress, so it's skipped while watching.
			if deafChar != "" && !alreadySent && c.cfg.Watcher == nil {
				c.send(&ircline.Event{Command: ircline.MODE, Params: []string{nick, "+" + deafChar}})
				c.mu.Lock()
				c.deafSent = true
				c.mu.Unlock()
			}
		}

	case ircline.KindErroneusNick, ircline.KindNickInUse, ircline.KindNickCollide, ircline.KindUnavailable:
		c.nickTrial += 1 + rand.Intn(3)
		c.mu.Lock()
		c.nick = c.nickFor(c.nickTrial)
		c.mu.Unlock()
		c.send(&ircline.Event{Command: ircline.NICK, Params: []string{c.nick}})

	case ircline.KindPing:
		c.mu.Lock()
		c.lastPingRecv = time.Now()
		c.mu.Unlock()
		c.send(&ircline.Event{Command: ircline.PONG, Params: ev.Params, Trailing: ev.Trailing, HasTrail: ev.HasTrail})

	case ircline.KindKick:
		if len(ev.Params) >= 2 && ev.Params[1] == c.nick {
			channel := ev.Params[0]
			c.setStatus(StatusHandshaking)
			c.DropChannel(channel)
			c.setStatus(StatusReady)
		}

	case ircline.KindDisconnect:
		return actionDisconnect
	}
	return actionNone
}

// drainQueueOnce sends every item currently queued, sleeping the
// anti-flood delay between consecutive items of this drain and between
// the \n-split segments of one multi-line message (spec.md sec 4.1/sec
// 4.4). No delay follows the last send of a drain, so the first PRIVMSG of
// the next drain can follow it immediately. Returns true if a QUIT
// sentinel was processed.
func (c *Connection) drainQueueOnce() bool {
	pending := c.queue.Len()
	for i := 0; i < pending; i++ {
		it, ok := c.queue.Pop()
		if !ok {
			break
		}
		if it.Message == QuitSentinel {
			c.send(&ircline.Event{Command: ircline.QUIT, Trailing: "relay shutting down", HasTrail: true})
			return true
		}
		c.deliver(it)
		if i < pending-1 {
			time.Sleep(AntiFloodDelay)
		}
	}
	return false
}

func (c *Connection) deliver(it Item) {
	if !c.Joined(it.Channel) {
		c.sendJoin(it.Channel, it.Key)
	}
	if it.Message == "" {
		return
	}
	lines := ircline.SegmentPrivmsg(it.Channel, it.Message)
	for i, line := range lines {
		c.send(&ircline.Event{Command: ircline.PRIVMSG, Params: []string{it.Channel}, Trailing: line, HasTrail: true})
		if i < len(lines)-1 {
			time.Sleep(AntiFloodDelay)
		}
	}
	c.mu.Lock()
	c.channelsJoined[it.Channel] = time.Now()
	c.mu.Unlock()
}

func (c *Connection) sendJoin(channel, key string) {
	params := []string{channel}
	if key != "" {
		params = append(params, key)
	}
	c.send(&ircline.Event{Command: ircline.JOIN, Params: params})
	c.mu.Lock()
	c.channelsJoined[channel] = time.Now()
	c.mu.Unlock()
}
