// Package connpool maintains a per-backend LIFO cache of idle outbound TCP
// connections, grounded on the connection lifecycle described in
// original_source/src/connection_pool/mod.rs: connections are liveness
// tested with a non-blocking peek before reuse, and are never returned to
// the pool after an error.
package connpool

import (
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/tutu-network/flux/internal/domain"
)

const (
	keepAliveIdle     = 30 * time.Second
	keepAliveInterval = 10 * time.Second
)

// stack is a bounded LIFO of idle connections for one backend address.
type stack struct {
	mu    sync.Mutex
	conns []net.Conn
	max   int
}

// Pool is a concurrent map from backend address to a bounded per-backend
// stack; distinct backends never contend with each other.
type Pool struct {
	mu     sync.Mutex
	stacks map[string]*stack
	max    int
}

// New constructs a pool where each backend caches at most maxPerBackend
// idle connections.
func New(maxPerBackend int) *Pool {
	return &Pool{stacks: make(map[string]*stack), max: maxPerBackend}
}

func (p *Pool) stackFor(addr string) *stack {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.stacks[addr]
	if !ok {
		s = &stack{max: p.max}
		p.stacks[addr] = s
	}
	return s
}

// Get pops a live idle connection for backendAddr if one exists, discarding
// any found dead along the way; otherwise it dials a fresh connection with
// keep-alive and Nagle tuned for low-latency proxying.
func (p *Pool) Get(backendAddr *net.TCPAddr) (net.Conn, error) {
	s := p.stackFor(backendAddr.String())

	for {
		conn, ok := s.pop()
		if !ok {
			break
		}
		if isAlive(conn) {
			return conn, nil
		}
		conn.Close()
	}

	return dial(backendAddr)
}

// IdleCount reports how many idle connections are currently cached for
// backendAddr, for the admin metrics gauge.
func (p *Pool) IdleCount(backendAddr *net.TCPAddr) int {
	s := p.stackFor(backendAddr.String())
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Return pushes conn back onto its backend's idle stack if there is room,
// otherwise closes it. Callers must never call Return on a connection that
// errored mid-use.
func (p *Pool) Return(backendAddr *net.TCPAddr, conn net.Conn) {
	s := p.stackFor(backendAddr.String())
	if !s.push(conn) {
		conn.Close()
	}
}

func (s *stack) pop() (net.Conn, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.conns) == 0 {
		return nil, false
	}
	last := len(s.conns) - 1
	conn := s.conns[last]
	s.conns = s.conns[:last]
	return conn, true
}

func (s *stack) push(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.conns) >= s.max {
		return false
	}
	s.conns = append(s.conns, conn)
	return true
}

func dial(addr *net.TCPAddr) (net.Conn, error) {
	conn, err := net.DialTCP("tcp", nil, addr)
	if err != nil {
		return nil, errors.Join(domain.ErrBackendConnect, err)
	}
	conn.SetKeepAliveConfig(net.KeepAliveConfig{
		Enable:   true,
		Idle:     keepAliveIdle,
		Interval: keepAliveInterval,
	})
	conn.SetNoDelay(true)
	return conn, nil
}

// isAlive performs the non-blocking peek the spec requires: an immediate
// read deadline turns a would-block read into a deadline-exceeded error,
// which is the "alive, nothing to read" signal. EOF means the peer closed;
// any other outcome — including readable bytes, which violate the idle
// contract — is treated as dead.
func isAlive(conn net.Conn) bool {
	if err := conn.SetReadDeadline(time.Now()); err != nil {
		return false
	}
	defer conn.SetReadDeadline(time.Time{})

	var buf [1]byte
	_, err := conn.Read(buf[:])
	switch {
	case errors.Is(err, os.ErrDeadlineExceeded):
		return true
	case errors.Is(err, io.EOF):
		return false
	default:
		return false
	}
}
