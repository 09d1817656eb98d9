package session

import (
	"bufio"
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// pipeDialer hands back one end of a net.Pipe per DialContext call,
// mirroring girc's MockConnect test fixture.
type pipeDialer struct{ server net.Conn }

func (d *pipeDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	client, server := net.Pipe()
	d.server = server
	return client, nil
}

func newTestConnection(t *testing.T, dialer *pipeDialer) *Connection {
	t.Helper()
	return New(Config{
		Server:       "irc.example.net",
		Port:         6667,
		Dialer:       dialer,
		NickTemplate: "irker%d",
		Index:        0,
		Logger:       zerolog.Nop(),
	})
}

func readServerLine(t *testing.T, r *bufio.Reader) string {
	t.Helper()
	line, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("read from client: %v", err)
	}
	return strings.TrimRight(line, "\r\n")
}

func TestConnectionHandshakeToReady(t *testing.T) {
	dialer := &pipeDialer{}
	c := newTestConnection(t, dialer)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	for dialer.server == nil {
		time.Sleep(time.Millisecond)
	}
	r := bufio.NewReader(dialer.server)

	if got := readServerLine(t, r); got != "NICK irker0" {
		t.Fatalf("nick line = %q", got)
	}
	if got := readServerLine(t, r); !strings.HasPrefix(got, "USER irker0 0 *") {
		t.Fatalf("user line = %q", got)
	}

	_, _ = dialer.server.Write([]byte(":irc.example.net 001 irker0 :welcome\r\n"))

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if c.Status() == StatusReady {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if c.Status() != StatusReady {
		t.Fatalf("status = %v, want ready", c.Status())
	}
}

func TestConnectionJoinsBeforeFirstPrivmsg(t *testing.T) {
	dialer := &pipeDialer{}
	c := newTestConnection(t, dialer)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	for dialer.server == nil {
		time.Sleep(time.Millisecond)
	}
	r := bufio.NewReader(dialer.server)
	_ = readServerLine(t, r) // NICK
	_ = readServerLine(t, r) // USER

	_, _ = dialer.server.Write([]byte(":irc.example.net 001 irker0 :welcome\r\n"))
	for c.Status() != StatusReady {
		time.Sleep(time.Millisecond)
	}

	c.Enqueue(Item{Channel: "#devel", Message: "hello world"})

	if got := readServerLine(t, r); got != "JOIN #devel" {
		t.Fatalf("join line = %q", got)
	}
	if got := readServerLine(t, r); got != "PRIVMSG #devel :hello world" {
		t.Fatalf("privmsg line = %q", got)
	}
	if !c.Joined("#devel") {
		t.Fatal("expected #devel to be recorded as joined")
	}
}

func TestConnectionNickCollisionRetries(t *testing.T) {
	dialer := &pipeDialer{}
	c := newTestConnection(t, dialer)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	for dialer.server == nil {
		time.Sleep(time.Millisecond)
	}
	r := bufio.NewReader(dialer.server)
	_ = readServerLine(t, r) // NICK
	_ = readServerLine(t, r) // USER

	_, _ = dialer.server.Write([]byte(":irc.example.net 433 * irker0 :Nickname is already in use\r\n"))

	got := readServerLine(t, r)
	if !strings.HasPrefix(got, "NICK irker0") || got == "NICK irker0" {
		t.Fatalf("expected retried nick with suffix, got %q", got)
	}
}

func TestConnectionKickDropsChannel(t *testing.T) {
	dialer := &pipeDialer{}
	c := newTestConnection(t, dialer)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	for dialer.server == nil {
		time.Sleep(time.Millisecond)
	}
	r := bufio.NewReader(dialer.server)
	_ = readServerLine(t, r)
	_ = readServerLine(t, r)

	_, _ = dialer.server.Write([]byte(":irc.example.net 001 irker0 :welcome\r\n"))
	for c.Status() != StatusReady {
		time.Sleep(time.Millisecond)
	}

	c.Enqueue(Item{Channel: "#devel", Message: "hi"})
	_ = readServerLine(t, r) // JOIN
	_ = readServerLine(t, r) // PRIVMSG

	_, _ = dialer.server.Write([]byte(":someone!u@h KICK #devel irker0 :bye\r\n"))

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && c.Joined("#devel") {
		time.Sleep(time.Millisecond)
	}
	if c.Joined("#devel") {
		t.Fatal("expected #devel to be dropped after KICK")
	}
	if c.Status() != StatusReady {
		t.Fatalf("status after kick = %v, want ready", c.Status())
	}
}

// TestConnectionIdleTimeoutQuits exercises scenario S5: a ready Connection
// that neither transmits nor receives a server PING for longer than
// XmitTTL/PingTTL sends "QUIT :transmission timeout" and expires for good,
// without reconnecting.
func TestConnectionIdleTimeoutQuits(t *testing.T) {
	origXmit, origPing := XmitTTL, PingTTL
	XmitTTL = 30 * time.Millisecond
	PingTTL = 30 * time.Millisecond
	defer func() { XmitTTL, PingTTL = origXmit, origPing }()

	dialer := &pipeDialer{}
	c := newTestConnection(t, dialer)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	for dialer.server == nil {
		time.Sleep(time.Millisecond)
	}
	r := bufio.NewReader(dialer.server)
	_ = readServerLine(t, r) // NICK
	_ = readServerLine(t, r) // USER

	_, _ = dialer.server.Write([]byte(":irc.example.net 001 irker0 :welcome\r\n"))
	for c.Status() != StatusReady {
		time.Sleep(time.Millisecond)
	}

	if got := readServerLine(t, r); got != "QUIT :transmission timeout" {
		t.Fatalf("quit line = %q", got)
	}

	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("connection never expired after idle timeout")
	}
	if c.Status() != StatusExpired {
		t.Fatalf("status = %v, want expired", c.Status())
	}
}

// TestConnectionPingKeepsAlive confirms a received PING bumps
// LastPingRecv, keeping an otherwise-idle-on-PRIVMSG-traffic Connection
// from tripping the idle-transmission timeout.
func TestConnectionPingKeepsAlive(t *testing.T) {
	origXmit, origPing := XmitTTL, PingTTL
	XmitTTL = time.Hour
	PingTTL = 40 * time.Millisecond
	defer func() { XmitTTL, PingTTL = origXmit, origPing }()

	dialer := &pipeDialer{}
	c := newTestConnection(t, dialer)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	for dialer.server == nil {
		time.Sleep(time.Millisecond)
	}
	r := bufio.NewReader(dialer.server)
	_ = readServerLine(t, r) // NICK
	_ = readServerLine(t, r) // USER

	_, _ = dialer.server.Write([]byte(":irc.example.net 001 irker0 :welcome\r\n"))
	for c.Status() != StatusReady {
		time.Sleep(time.Millisecond)
	}

	stop := make(chan struct{})
	defer close(stop)

	// Drain whatever the Connection writes back (e.g. PONG replies) so its
	// send() calls never block on the synchronous net.Pipe.
	go func() {
		for {
			if _, err := r.ReadString('\n'); err != nil {
				return
			}
		}
	}()
	go func() {
		ticker := time.NewTicker(15 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				_, _ = dialer.server.Write([]byte("PING :irc.example.net\r\n"))
			}
		}
	}()

	deadline := time.Now().Add(150 * time.Millisecond)
	for time.Now().Before(deadline) {
		if c.Status() != StatusReady {
			t.Fatalf("status = %v, want ready (kept alive by PING)", c.Status())
		}
		time.Sleep(10 * time.Millisecond)
	}
}
