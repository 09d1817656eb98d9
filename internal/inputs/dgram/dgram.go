// Package dgram implements the UDP relay listener: exactly one JSON
// request per datagram (spec.md sec 6).
package dgram

import (
	"net"
	"sync"

	"github.com/rs/zerolog"
)

// Handler processes one decoded request datagram.
type Handler func(payload string)

const maxDatagram = 64 * 1024

// Server listens for UDP datagrams, each containing exactly one request.
type Server struct {
	addr    string
	handler Handler
	log     zerolog.Logger

	mu   sync.Mutex
	conn *net.UDPConn
	done chan struct{}
}

// New constructs a Server bound to addr; call Start to begin receiving.
func New(addr string, handler Handler, log zerolog.Logger) *Server {
	return &Server{addr: addr, handler: handler, log: log, done: make(chan struct{})}
}

// Start opens the UDP socket and begins receiving in the background.
func (s *Server) Start() error {
	laddr, err := net.ResolveUDPAddr("udp", s.addr)
	if err != nil {
		return err
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	go s.readLoop(conn)
	return nil
}

func (s *Server) readLoop(conn *net.UDPConn) {
	buf := make([]byte, maxDatagram)
	for {
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				s.log.Debug().Err(err).Msg("dgram read error")
				return
			}
		}
		if n > 0 {
			s.handler(string(buf[:n]))
		}
	}
}

// Stop closes the UDP socket.
func (s *Server) Stop() error {
	close(s.done)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	return s.conn.Close()
}

// Addr returns the bound local address, valid after Start succeeds.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr()
}
