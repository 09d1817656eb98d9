// Package stream implements the TCP relay listener: newline-delimited
// JSON requests, any number per connection (spec.md sec 6).
package stream

import (
	"bufio"
	"net"
	"sync"

	"github.com/rs/zerolog"
)

// Handler processes one decoded request line.
type Handler func(line string)

// Server is a TCP listener accepting one or more newline-delimited
// requests per connection. Grounded on bitcanon-ircpush's
// pkg/inputs/tcp/server.go Start/Stop/handleConn/bufio.Scanner shape.
type Server struct {
	addr    string
	handler Handler
	log     zerolog.Logger

	mu sync.Mutex
	ln net.Listener
	wg sync.WaitGroup
}

// New constructs a Server bound to addr ("host:port"); call Start to
// begin accepting.
func New(addr string, handler Handler, log zerolog.Logger) *Server {
	return &Server{addr: addr, handler: handler, log: log}
}

// Start opens the listener and begins accepting connections in the
// background. It returns once the listener is open.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	s.wg.Add(1)
	go s.acceptLoop(ln)
	return nil
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 4096), 64*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		s.handler(line)
	}
	if err := scanner.Err(); err != nil {
		s.log.Debug().Err(err).Str("remote", conn.RemoteAddr().String()).Msg("stream read error")
	}
}

// Stop closes the listener and waits for in-flight connections to drain.
func (s *Server) Stop() error {
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()
	if ln == nil {
		return nil
	}
	err := ln.Close()
	s.wg.Wait()
	return err
}

// Addr returns the listener's bound address, valid after Start succeeds.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}
