// Package ircsock wraps a single TCP (optionally TLS) socket to one IRC
// daemon: the "server connection" layer of spec.md sec 4.2. It owns
// nothing about IRC semantics beyond framing -- NICK/USER/JOIN/etc. live
// one layer up, in package session.
package ircsock

import (
	"bufio"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/relaycore/irkerd/internal/ircline"
)

const readBufSize = 16 * 1024

// Dialer abstracts net.Dialer so tests can substitute net.Pipe-based fakes.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

var defaultDialer Dialer = &net.Dialer{Timeout: 10 * time.Second}

// TLSOptions configures the optional TLS wrapping for ircs:// targets.
type TLSOptions struct {
	Enabled    bool
	ServerName string
	CAFile     string
	ClientCert string
	ClientKey  string
}

// ServerConnectionError is returned for DNS/connect/TLS-handshake failures,
// the taxonomy entry in spec.md sec 7.
type ServerConnectionError struct {
	Addr string
	Err  error
}

func (e *ServerConnectionError) Error() string {
	return fmt.Sprintf("ircsock: connect to %s: %v", e.Addr, e.Err)
}
func (e *ServerConnectionError) Unwrap() error { return e.Err }

// Conn is one socket to one IRC daemon: the receive side is driven by the
// owning Connection's read goroutine (see package session); the send side
// is written to directly by that same Connection's consumer goroutine, so
// there is exactly one writer per socket as required by spec.md sec 3.
type Conn struct {
	sock net.Conn
	r    *bufio.Reader

	dialedAt time.Time
}

// Dial opens a TCP connection to addr ("host:port"), optionally wrapped in
// TLS per opts. Mirrors the dial-then-maybe-wrap sequence in girc's
// newConn and bitcanon-ircpush's irc.New.
func Dial(ctx context.Context, dialer Dialer, addr string, opts TLSOptions) (*Conn, error) {
	if dialer == nil {
		dialer = defaultDialer
	}

	raw, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &ServerConnectionError{Addr: addr, Err: err}
	}

	sock := raw
	if opts.Enabled {
		tlsConf, err := buildTLSConfig(opts)
		if err != nil {
			_ = raw.Close()
			return nil, &ServerConnectionError{Addr: addr, Err: err}
		}
		tlsConn := tls.Client(raw, tlsConf)
		hctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := tlsConn.HandshakeContext(hctx); err != nil {
			_ = raw.Close()
			return nil, &ServerConnectionError{Addr: addr, Err: err}
		}
		sock = tlsConn
	}

	return &Conn{
		sock:     sock,
		r:        bufio.NewReaderSize(sock, readBufSize),
		dialedAt: time.Now(),
	}, nil
}

func buildTLSConfig(opts TLSOptions) (*tls.Config, error) {
	cfg := &tls.Config{
		ServerName: opts.ServerName,
		MinVersion: tls.VersionTLS12,
	}

	if opts.CAFile != "" {
		pool := x509.NewCertPool()
		pem, err := os.ReadFile(opts.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read CA file: %w", err)
		}
		if !pool.AppendCertsFromPEM(pem) {
			return nil, errors.New("CA file contains no usable certificates")
		}
		cfg.RootCAs = pool
	} else if pool, err := x509.SystemCertPool(); err == nil {
		cfg.RootCAs = pool
	}

	if opts.ClientCert != "" && opts.ClientKey != "" {
		cert, err := tls.LoadX509KeyPair(opts.ClientCert, opts.ClientKey)
		if err != nil {
			return nil, fmt.Errorf("load client certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	return cfg, nil
}

// ReadLine blocks until a full line (delimited by '\n') has been read, or
// an error (including EOF on peer close) occurs. It never returns a
// partial line.
func (c *Conn) ReadLine() (string, error) {
	return c.r.ReadString('\n')
}

// WriteEvent writes a single already-framed Event to the socket. This is
// the only method that touches the write side of sock, and per spec.md
// sec 5 callers must ensure only one goroutine (the owning Connection's
// consumer task) ever calls it for a given Conn.
func (c *Conn) WriteEvent(e *ircline.Event) error {
	_, err := c.sock.Write(e.Bytes())
	return err
}

// SetReadDeadline proxies to the underlying socket so a caller can bound
// how long ReadLine blocks. Package session's read goroutine does not set
// one; it blocks until a line arrives or the socket is closed.
func (c *Conn) SetReadDeadline(t time.Time) error { return c.sock.SetReadDeadline(t) }

// Close closes the underlying socket. Safe to call more than once.
func (c *Conn) Close() error { return c.sock.Close() }

// RemoteName returns a human-readable identifier for logging.
func (c *Conn) RemoteName() string {
	if c.sock == nil {
		return "<nil>"
	}
	return c.sock.RemoteAddr().String()
}
