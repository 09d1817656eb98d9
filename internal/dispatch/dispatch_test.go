package dispatch

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/relaycore/irkerd/internal/session"
)

// readyDialer drives every Connection it dials straight to StatusReady
// with a CHANLIMIT of one channel per "#"-prefixed group, then silently
// drains anything further so sends never block on the synchronous
// net.Pipe.
type readyDialer struct{}

func (readyDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	client, server := net.Pipe()
	go func() {
		r := bufio.NewReader(server)
		if _, err := r.ReadString('\n'); err != nil { // NICK
			return
		}
		if _, err := r.ReadString('\n'); err != nil { // USER
			return
		}
		if _, err := server.Write([]byte(":irc.example.net 001 irker0 :welcome\r\n")); err != nil {
			return
		}
		if _, err := server.Write([]byte(":irc.example.net 005 irker0 CHANLIMIT=#:1 :are supported\r\n")); err != nil {
			return
		}
		for {
			if _, err := r.ReadString('\n'); err != nil {
				return
			}
		}
	}()
	return client, nil
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition never became true")
}

// TestPlaceScavengesGlobalOldestChannel confirms the scavenge step in
// place() compares joined-channel ages across every live Connection in
// the pool and picks the true global oldest, not just the first
// Connection in list order that happens to have an idle channel
// (SPEC_FULL.md sec 5, resolving spec.md sec 9's Open Question).
func TestPlaceScavengesGlobalOldestChannel(t *testing.T) {
	origTTL := session.ChannelTTL
	defer func() { session.ChannelTTL = origTTL }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d := New(ctx, "irc.example.net:6667", Options{
		Dialer: readyDialer{},
		Logger: zerolog.Nop(),
	})

	// conn1 joins #a first.
	conn1 := d.place("#a")
	conn1.Enqueue(session.Item{Channel: "#a", Message: "hello"})
	waitUntil(t, func() bool { return conn1.Joined("#a") })

	// conn2 joins #b once conn1 is full (CHANLIMIT=#:1, already holding #a).
	conn2 := d.place("#b")
	if conn2 == conn1 {
		t.Fatal("expected #b to land on a second Connection once conn1's limit was reached")
	}
	conn2.Enqueue(session.Item{Channel: "#b", Message: "hello"})
	waitUntil(t, func() bool { return conn2.Joined("#b") })

	// Refresh #a *after* #b joined, so #a is actually the more recently
	// active channel even though conn1 (holding #a) is first in d.conns.
	// The true global-oldest channel is now #b, on the second Connection.
	conn1.Enqueue(session.Item{Channel: "#a", Message: "again"})
	waitUntil(t, func() bool {
		_, atA, ok1 := conn1.OldestChannel()
		_, atB, ok2 := conn2.OldestChannel()
		return ok1 && ok2 && atA.After(atB)
	})

	session.ChannelTTL = time.Millisecond
	time.Sleep(5 * time.Millisecond)

	scavenged := d.place("#c")
	if scavenged != conn2 {
		t.Fatal("expected the global-oldest channel (#b, on the second Connection) to be scavenged, not conn1's more-recently-touched #a")
	}
	if conn2.Joined("#b") {
		t.Fatal("expected #b to have been dropped from conn2 by scavenging")
	}
	if !conn1.Joined("#a") {
		t.Fatal("#a should not have been touched by scavenging conn2's #b")
	}
}

func TestSplitEndpoint(t *testing.T) {
	cases := []struct {
		in   string
		host string
		port int
	}{
		{"irc.example.net:6667", "irc.example.net", 6667},
		{"irc.example.net:6697", "irc.example.net", 6697},
		{"irc.example.net", "irc.example.net", 6667},
	}
	for _, tc := range cases {
		host, port := splitEndpoint(tc.in)
		if host != tc.host || port != tc.port {
			t.Fatalf("splitEndpoint(%q) = (%q, %d), want (%q, %d)", tc.in, host, port, tc.host, tc.port)
		}
	}
}
