// Package relay implements the top-level Relay: JSON request parsing and
// validation, routing to per-endpoint Dispatchers, Dispatcher garbage
// collection, and the global connection cap (spec.md sec 4.1, sec 6).
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/relaycore/irkerd/internal/dispatch"
	"github.com/relaycore/irkerd/internal/ircsock"
	"github.com/relaycore/irkerd/internal/target"
	"github.com/relaycore/irkerd/internal/watch"
)

// ConnectionMax is the global cap on live Dispatchers -- distinct
// (server,port) endpoints -- the Relay will hold open at once (spec.md
// sec 3/sec 4.5, testable property #2). Once this many are open, the
// Dispatcher whose least-recently-active Connection is oldest is closed
// whole to make room.
const ConnectionMax = 200

// Request is the wire format accepted on both the stream and datagram
// listeners: {"to": "<url>" | ["<url>", ...], "privmsg": "<text>"}.
type Request struct {
	To      json.RawMessage `json:"to"`
	Privmsg string          `json:"privmsg"`
}

// Targets decodes the To field, which may be a single URL string or an
// array of URL strings (spec.md sec 6).
func (r *Request) Targets() ([]string, error) {
	var one string
	if err := json.Unmarshal(r.To, &one); err == nil {
		return []string{one}, nil
	}
	var many []string
	if err := json.Unmarshal(r.To, &many); err == nil {
		return many, nil
	}
	return nil, fmt.Errorf("relay: \"to\" must be a string or array of strings")
}

// MalformedRequestError marks a request that could not even be decoded as
// JSON, or whose "to" field was neither a string nor a string array
// (spec.md sec 7). It is logged and the request is dropped whole.
type MalformedRequestError struct {
	Raw string
	Err error
}

func (e *MalformedRequestError) Error() string {
	return fmt.Sprintf("relay: malformed request %q: %v", e.Raw, e.Err)
}
func (e *MalformedRequestError) Unwrap() error { return e.Err }

// Config fixes the daemon-wide options a Relay passes through to every
// Dispatcher it creates.
type Config struct {
	NickTemplate     string
	ServerPassword   string
	NickServPassword string
	TLS              ircsock.TLSOptions
	Dialer           ircsock.Dialer
	Watcher          *watch.File
	Logger           zerolog.Logger
	ConnectionMax    int
}

// Relay routes validated relay requests to the right Dispatcher, creating
// Dispatchers lazily and garbage-collecting ones with nothing left alive.
type Relay struct {
	cfg Config
	ctx context.Context

	mu          sync.Mutex
	dispatchers map[string]*dispatch.Dispatcher
}

// New constructs a Relay. ctx bounds the lifetime of every Dispatcher and
// Connection it ever creates.
func New(ctx context.Context, cfg Config) *Relay {
	if cfg.ConnectionMax <= 0 {
		cfg.ConnectionMax = ConnectionMax
	}
	return &Relay{
		cfg:         cfg,
		ctx:         ctx,
		dispatchers: map[string]*dispatch.Dispatcher{},
	}
}

// HandleLine parses and relays one newline- or datagram-delimited
// request. Per spec.md sec 7, a malformed request is logged and dropped;
// an individually invalid URL within an otherwise-valid request is
// likewise logged and dropped without affecting its siblings.
func (r *Relay) HandleLine(raw string) {
	reqID := uuid.NewString()
	log := r.cfg.Logger.With().Str("request_id", reqID).Logger()

	var req Request
	if err := json.Unmarshal([]byte(raw), &req); err != nil {
		log.Warn().Err(err).Str("raw", raw).Msg("malformed relay request")
		return
	}
	urls, err := req.Targets()
	if err != nil {
		log.Warn().Err(err).Str("raw", raw).Msg("malformed relay request")
		return
	}

	for _, u := range urls {
		t, err := target.Parse(u)
		if err != nil {
			log.Warn().Err(err).Str("url", u).Msg("dropping invalid relay target")
			continue
		}
		r.route(t, req.Privmsg)
	}
}

func (r *Relay) route(t *target.Target, message string) {
	d := r.dispatcherFor(t)
	r.enforceGlobalCap()
	d.Deliver(t, message)
}

func (r *Relay) dispatcherFor(t *target.Target) *dispatch.Dispatcher {
	endpoint := t.Endpoint()

	r.mu.Lock()
	defer r.mu.Unlock()

	if d, ok := r.dispatchers[endpoint]; ok {
		return d
	}

	opts := dispatch.Options{
		NickTemplate:     r.cfg.NickTemplate,
		ServerPassword:   r.cfg.ServerPassword,
		NickServPassword: r.cfg.NickServPassword,
		TLS: ircsock.TLSOptions{
			Enabled:    t.SSL,
			ServerName: t.Server,
			CAFile:     r.cfg.TLS.CAFile,
			ClientCert: r.cfg.TLS.ClientCert,
			ClientKey:  r.cfg.TLS.ClientKey,
		},
		Dialer:  r.cfg.Dialer,
		Watcher: r.cfg.Watcher,
		Logger:  r.cfg.Logger,
	}
	d := dispatch.New(r.ctx, endpoint, opts)
	r.dispatchers[endpoint] = d
	return d
}

// enforceGlobalCap closes the oldest Dispatcher whole once the number of
// distinct live Dispatchers (endpoints) reaches ConnectionMax (spec.md
// sec 3/sec 4.5, testable property #2). It evicts by Dispatcher, not by
// individual Connection: a Dispatcher with many scavenged Connections is
// not cheaper to keep than one with a single Connection once the daemon
// is juggling ConnectionMax distinct servers.
func (r *Relay) enforceGlobalCap() {
	r.mu.Lock()
	if len(r.dispatchers) < r.cfg.ConnectionMax {
		r.mu.Unlock()
		return
	}

	var oldestEndpoint string
	var oldestDispatcher *dispatch.Dispatcher
	var oldestAt time.Time
	found := false
	for endpoint, d := range r.dispatchers {
		_, at, ok := d.OldestLastXmit()
		if !ok {
			continue
		}
		if !found || at.Before(oldestAt) {
			oldestEndpoint, oldestDispatcher, oldestAt, found = endpoint, d, at, true
		}
	}
	if found {
		delete(r.dispatchers, oldestEndpoint)
	}
	r.mu.Unlock()

	if found {
		oldestDispatcher.Close()
	}
}

// GC drops Dispatchers that no longer have any live Connections. Intended
// to be run periodically by the daemon's main loop.
func (r *Relay) GC() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for endpoint, d := range r.dispatchers {
		if !d.Live() {
			delete(r.dispatchers, endpoint)
		}
	}
}

// RunGC periodically calls GC until ctx is done.
func (r *Relay) RunGC(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			r.GC()
		}
	}
}

// Shutdown closes every Dispatcher, requesting all Connections to QUIT.
func (r *Relay) Shutdown() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range r.dispatchers {
		d.Close()
	}
}
