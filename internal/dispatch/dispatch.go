// Package dispatch implements the per-(server,port) connection pool and
// placement policy of spec.md sec 4.5: given a relay target, decide which
// Connection should carry it, opening a new one only when nothing already
// joined, under-limit, or scavengeable is available.
package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/relaycore/irkerd/internal/ircsock"
	"github.com/relaycore/irkerd/internal/session"
	"github.com/relaycore/irkerd/internal/target"
	"github.com/relaycore/irkerd/internal/watch"
)

// Options carries the daemon-wide settings a Dispatcher needs to build new
// Connections on demand.
type Options struct {
	NickTemplate     string
	ServerPassword   string
	NickServPassword string
	TLS              ircsock.TLSOptions
	Dialer           ircsock.Dialer
	Watcher          *watch.File
	Logger           zerolog.Logger
}

// Dispatcher owns every Connection to one (server,port) endpoint.
type Dispatcher struct {
	endpoint string
	opts     Options

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	conns []*session.Connection
	next  int
}

// New starts a Dispatcher for endpoint. The Dispatcher's own context
// governs every Connection it spawns; cancel it (via Close) to tear all of
// them down.
func New(parent context.Context, endpoint string, opts Options) *Dispatcher {
	ctx, cancel := context.WithCancel(parent)
	return &Dispatcher{
		endpoint: endpoint,
		opts:     opts,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Endpoint returns the "host:port" this Dispatcher serves.
func (d *Dispatcher) Endpoint() string { return d.endpoint }

// Deliver places one relay item on the best Connection for t, per
// spec.md sec 4.5's placement order: already-joined, then
// under-channel-limit, then scavenge-oldest-idle-channel, then open new.
func (d *Dispatcher) Deliver(t *target.Target, message string) {
	it := session.Item{Channel: t.Channel, Message: message, Key: t.Key}
	conn := d.place(t.Channel)
	conn.Enqueue(it)
}

func (d *Dispatcher) place(channel string) *session.Connection {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, c := range d.conns {
		if c.Status() != session.StatusExpired && c.Joined(channel) {
			return c
		}
	}
	for _, c := range d.conns {
		if c.Status() != session.StatusExpired && c.UnderLimit(channel) {
			return c
		}
	}
	// Scavenge the globally oldest idle channel across every live
	// Connection in this pool (SPEC_FULL.md sec 5), not just the first
	// Connection that happens to have one.
	var scavengeConn *session.Connection
	var scavengeChannel string
	var oldestAt time.Time
	found := false
	for _, c := range d.conns {
		if c.Status() == session.StatusExpired {
			continue
		}
		ch, at, ok := c.OldestChannel()
		if !ok || time.Since(at) <= session.ChannelTTL {
			continue
		}
		if !found || at.Before(oldestAt) {
			scavengeConn, scavengeChannel, oldestAt, found = c, ch, at, true
		}
	}
	if found {
		scavengeConn.DropChannel(scavengeChannel)
		return scavengeConn
	}
	return d.openLocked()
}

// openLocked starts a new Connection and appends it to the pool. Caller
// must hold d.mu.
func (d *Dispatcher) openLocked() *session.Connection {
	host, port := splitEndpoint(d.endpoint)
	cfg := session.Config{
		Server:           host,
		Port:             port,
		TLS:              d.opts.TLS,
		Dialer:           d.opts.Dialer,
		NickTemplate:     d.opts.NickTemplate,
		Index:            d.next,
		ServerPassword:   d.opts.ServerPassword,
		NickServPassword: d.opts.NickServPassword,
		Watcher:          d.opts.Watcher,
		Logger:           d.opts.Logger,
	}
	d.next++

	c := session.New(cfg)
	d.conns = append(d.conns, c)
	go c.Run(d.ctx)
	return c
}

// Live reports whether this Dispatcher still has at least one
// non-expired Connection; the Relay uses this to garbage-collect
// Dispatchers with nothing left to do (spec.md sec 4.1).
func (d *Dispatcher) Live() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reapLocked()
	return len(d.conns) > 0
}

// reapLocked drops expired Connections from the pool. Caller must hold
// d.mu.
func (d *Dispatcher) reapLocked() {
	kept := d.conns[:0:0]
	for _, c := range d.conns {
		select {
		case <-c.Done():
		default:
			kept = append(kept, c)
		}
	}
	d.conns = kept
}

// OldestLastXmit returns the least-recently-active Connection across the
// whole Dispatcher, used by the Relay's global CONNECTION_MAX eviction.
// A Connection that hasn't dialed yet reports a zero LastXmit; it is
// skipped rather than treated as infinitely old, so a Dispatcher created
// for the very request that just tripped the cap doesn't evict itself
// before its first connect() ever runs.
func (d *Dispatcher) OldestLastXmit() (conn *session.Connection, at time.Time, ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, c := range d.conns {
		lx := c.LastXmit()
		if lx.IsZero() {
			continue
		}
		if !ok || lx.Before(at) {
			conn, at, ok = c, lx, true
		}
	}
	return
}

// ConnectionCount reports how many Connections the pool holds. Expired
// Connections stay counted until Live reaps them.
func (d *Dispatcher) ConnectionCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

// Close requests every Connection QUIT and cancels the Dispatcher's
// context so their consumer tasks exit.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	conns := append([]*session.Connection(nil), d.conns...)
	d.mu.Unlock()
	for _, c := range conns {
		c.RequestQuit()
	}
	d.cancel()
}

func splitEndpoint(endpoint string) (host string, port int) {
	host = endpoint
	p := 6667
	for i := len(endpoint) - 1; i >= 0; i-- {
		if endpoint[i] == ':' {
			host = endpoint[:i]
			n := 0
			for _, r := range endpoint[i+1:] {
				if r < '0' || r > '9' {
					return host, p
				}
				n = n*10 + int(r-'0')
			}
			return host, n
		}
	}
	return host, p
}
