// Package proxy implements the transparent TCP byte-splicing data plane,
// grounded on moby-moby's cmd/docker-proxy network proxy test conventions
// for half-close handling (client EOF vs backend EOF are distinguished).
package proxy

import (
	"context"
	"io"
	"net"
	"time"

	"github.com/tutu-network/flux/internal/backendpool"
	"github.com/tutu-network/flux/internal/connpool"
	"github.com/tutu-network/flux/internal/flog"
)

// Listener accepts client TCP connections and splices them to a backend
// selected per-connection from the pool.
type Listener struct {
	addr      string
	pool      *backendpool.Pool
	conns     *connpool.Pool
	sink      flog.Sink
	listeners int

	onSplice           func(direction string, n int64)
	onNoHealthyBackend func()
	onSelect           func(backendAddr string)
}

// Option configures a Listener at construction.
type Option func(*Listener)

// WithReuseportListeners sets how many listener sockets accept in
// parallel (SO_REUSEPORT scales accept throughput across OS threads).
func WithReuseportListeners(n int) Option {
	return func(l *Listener) {
		if n > 0 {
			l.listeners = n
		}
	}
}

// WithSpliceObserver registers a callback fired after every splice
// direction finishes, primarily for metrics wiring.
func WithSpliceObserver(fn func(direction string, n int64)) Option {
	return func(l *Listener) { l.onSplice = fn }
}

// WithNoHealthyBackendObserver registers a callback fired whenever
// selection finds no healthy backend.
func WithNoHealthyBackendObserver(fn func()) Option {
	return func(l *Listener) { l.onNoHealthyBackend = fn }
}

// WithSelectObserver registers a callback fired whenever a connection is
// routed to a chosen backend, primarily for metrics wiring.
func WithSelectObserver(fn func(backendAddr string)) Option {
	return func(l *Listener) { l.onSelect = fn }
}

// New constructs a Listener bound to addr once Start is called.
func New(addr string, pool *backendpool.Pool, conns *connpool.Pool, sink flog.Sink, opts ...Option) *Listener {
	if sink == nil {
		sink = flog.Discard
	}
	l := &Listener{addr: addr, pool: pool, conns: conns, sink: sink, listeners: 1}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Start binds the configured number of listener sockets (each with
// SO_REUSEPORT when more than one is requested) and runs their accept
// loops until stop is closed. It returns once every socket is
// bound; accept loops run in background goroutines.
func (l *Listener) Start(stop <-chan struct{}) error {
	lc := net.ListenConfig{}
	if l.listeners > 1 {
		lc.Control = reuseportControl
	}

	for i := 0; i < l.listeners; i++ {
		ln, err := lc.Listen(context.Background(), "tcp", l.addr)
		if err != nil {
			return err
		}
		go l.acceptLoop(ln, stop)
	}
	return nil
}

func (l *Listener) acceptLoop(ln net.Listener, stop <-chan struct{}) {
	go func() {
		<-stop
		ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		go l.handleConn(conn)
	}
}

func (l *Listener) handleConn(client net.Conn) {
	defer client.Close()

	backend, ok := l.pool.SelectBackend()
	if !ok {
		if l.onNoHealthyBackend != nil {
			l.onNoHealthyBackend()
		}
		l.sink.Warn("proxy", "no healthy backends available")
		return
	}
	if l.onSelect != nil {
		l.onSelect(backend.Addr.String())
	}

	upstream, err := l.conns.Get(backend.Addr)
	if err != nil {
		l.sink.Error("proxy", "backend connect failed", err, flog.F("backend", backend.Addr.String()))
		return
	}

	clean := l.splice(client, upstream)
	if clean {
		l.conns.Return(backend.Addr, upstream)
	} else {
		upstream.Close()
	}
}

// spliceResult names which side ended the connection first.
type spliceResult int

const (
	clientClosedClean spliceResult = iota
	backendClosedUpstream
	ioError
)

// splice copies bytes bidirectionally until either side closes, then stops
// both copies. Whichever direction finishes first determines the outcome:
// client EOF (nothing left to read from the client) is a clean close, and
// the backend connection is left open so it can be pooled; backend EOF is
// an upstream close, and the backend connection is closed and never pooled,
// matching SPEC_FULL.md §4.7.
func (l *Listener) splice(client, backend net.Conn) bool {
	clientDone := make(chan error, 1)
	backendDone := make(chan error, 1)

	go func() {
		n, err := io.Copy(backend, client)
		l.observe("client_to_backend", n)
		clientDone <- err
	}()
	go func() {
		n, err := io.Copy(client, backend)
		l.observe("backend_to_client", n)
		backendDone <- err
	}()

	var result spliceResult
	clientSeen, backendSeen := false, false
	select {
	case err := <-clientDone:
		clientSeen = true
		if err == nil || err == io.EOF {
			result = clientClosedClean
		} else {
			result = ioError
		}
	case <-backendDone:
		backendSeen = true
		result = backendClosedUpstream
	}

	// Unblock whichever copy is still running so both goroutines exit. A
	// backend connection that stays eligible for pooling is unblocked with
	// an immediate read deadline instead of being closed.
	client.Close()
	if result == clientClosedClean {
		backend.SetReadDeadline(time.Now())
	} else {
		backend.Close()
	}
	if !clientSeen {
		<-clientDone
	}
	if !backendSeen {
		<-backendDone
	}
	if result == clientClosedClean {
		backend.SetReadDeadline(time.Time{})
	}

	return result == clientClosedClean
}

func (l *Listener) observe(direction string, n int64) {
	if l.onSplice != nil {
		l.onSplice(direction, n)
	}
}
