package connpool

import (
	"net"
	"runtime"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

// idleListener starts a TCP listener that accepts connections and holds
// them open (idle) without writing anything, simulating a backend that
// isn't sending unsolicited bytes.
func idleListener(t *testing.T) (*net.TCPAddr, func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			_ = conn // held open, idle
		}
	}()
	return ln.Addr().(*net.TCPAddr), func() { ln.Close() }
}

func TestGet_DialsFreshWhenEmpty(t *testing.T) {
	addr, cleanup := idleListener(t)
	defer cleanup()

	p := New(4)
	conn, err := p.Get(addr)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer conn.Close()
}

func TestReturnThenGet_ReusesLiveConnection(t *testing.T) {
	addr, cleanup := idleListener(t)
	defer cleanup()

	p := New(4)
	conn, err := p.Get(addr)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	p.Return(addr, conn)

	reused, err := p.Get(addr)
	if err != nil {
		t.Fatalf("Get after Return: %v", err)
	}
	if reused != conn {
		t.Fatal("expected the pooled connection to be reused, got a fresh dial")
	}
	reused.Close()
}

func TestReturn_ClosesWhenOverCapacity(t *testing.T) {
	addr, cleanup := idleListener(t)
	defer cleanup()

	p := New(1)
	c1, _ := p.Get(addr)
	c2, _ := p.Get(addr)

	p.Return(addr, c1)
	p.Return(addr, c2) // stack already has 1, should close this one

	s := p.stackFor(addr.String())
	if len(s.conns) != 1 {
		t.Fatalf("expected exactly 1 pooled conn, got %d", len(s.conns))
	}
}

func TestGet_DiscardsDeadConnection(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	addr := ln.Addr().(*net.TCPAddr)
	p := New(4)
	conn, err := p.Get(addr)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	server := <-accepted
	server.Close() // simulate backend closing the idle connection

	p.Return(addr, conn)
	time.Sleep(20 * time.Millisecond) // let the close propagate

	fresh, err := p.Get(addr)
	if err != nil {
		t.Fatalf("Get after dead pooled conn: %v", err)
	}
	if fresh == conn {
		t.Fatal("expected a dead pooled connection to be discarded, not reused")
	}
	fresh.Close()
}

// TestDial_SetsIdleAndIntervalIndependently guards against regressing to a
// single SetKeepAlivePeriod call, which sets only the idle-before-first-probe
// duration and leaves the probe interval at the OS default.
func TestDial_SetsIdleAndIntervalIndependently(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("TCP_KEEPIDLE/TCP_KEEPINTVL sockopt check is Linux-specific")
	}
	addr, cleanup := idleListener(t)
	defer cleanup()

	p := New(4)
	conn, err := p.Get(addr)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer conn.Close()

	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		t.Fatalf("expected *net.TCPConn, got %T", conn)
	}
	raw, err := tcpConn.SyscallConn()
	if err != nil {
		t.Fatalf("SyscallConn: %v", err)
	}

	var idleSecs, intervalSecs int
	var getErr error
	if ctlErr := raw.Control(func(fd uintptr) {
		idleSecs, getErr = unix.GetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_KEEPIDLE)
		if getErr != nil {
			return
		}
		intervalSecs, getErr = unix.GetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_KEEPINTVL)
	}); ctlErr != nil {
		t.Fatalf("Control: %v", ctlErr)
	}
	if getErr != nil {
		t.Fatalf("getsockopt: %v", getErr)
	}

	if idleSecs != int(keepAliveIdle.Seconds()) {
		t.Fatalf("TCP_KEEPIDLE = %ds, want %ds", idleSecs, int(keepAliveIdle.Seconds()))
	}
	if intervalSecs != int(keepAliveInterval.Seconds()) {
		t.Fatalf("TCP_KEEPINTVL = %ds, want %ds", intervalSecs, int(keepAliveInterval.Seconds()))
	}
}
