package proxy

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/tutu-network/flux/internal/backendpool"
	"github.com/tutu-network/flux/internal/connpool"
	"github.com/tutu-network/flux/internal/domain"
)

// echoBackend starts a TCP listener that echoes whatever it reads back to
// the caller, closing the connection once the client half-closes.
func echoBackend(t *testing.T) (*net.TCPAddr, func()) {
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
			go func(c net.Conn) {
				io.Copy(c, c)
				c.Close()
			}(conn)
		}
	}()
	return ln.Addr().(*net.TCPAddr), func() { ln.Close() }
}

func TestProxy_EchoRoundTrip(t *testing.T) {
	backendAddr, cleanupBackend := echoBackend(t)
	defer cleanupBackend()

	pool := backendpool.New([]domain.Backend{{Addr: backendAddr}})
	conns := connpool.New(4)
	l := New("127.0.0.1:0", pool, conns, nil)

	proxyLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer proxyLn.Close()
	stop := make(chan struct{})
	defer close(stop)
	go l.acceptLoop(proxyLn, stop)

	client, err := net.Dial("tcp", proxyLn.Addr().String())
	if err != nil {
		t.Fatalf("dial proxy: %v", err)
	}
	defer client.Close()

	msg := []byte("hello through the proxy")
	if _, err := client.Write(msg); err != nil {
		t.Fatalf("write: %v", err)
	}

	buf := make([]byte, len(msg))
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := io.ReadFull(client, buf); err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if string(buf) != string(msg) {
		t.Fatalf("expected echo of %q, got %q", msg, buf)
	}
}

func TestProxy_NoHealthyBackendClosesClient(t *testing.T) {
	pool := backendpool.New(nil)
	conns := connpool.New(4)

	var noHealthyFired bool
	l := New("127.0.0.1:0", pool, conns, nil, WithNoHealthyBackendObserver(func() { noHealthyFired = true }))

	proxyLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer proxyLn.Close()
	stop := make(chan struct{})
	defer close(stop)
	go l.acceptLoop(proxyLn, stop)

	client, err := net.Dial("tcp", proxyLn.Addr().String())
	if err != nil {
		t.Fatalf("dial proxy: %v", err)
	}
	defer client.Close()

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	_, err = client.Read(buf)
	if err != io.EOF {
		t.Fatalf("expected client connection closed (EOF), got %v", err)
	}
	if !noHealthyFired {
		t.Fatal("expected no-healthy-backend observer to fire")
	}
}

func TestProxy_ClientCloseIsCleanAndPoolsBackend(t *testing.T) {
	backendAddr, cleanupBackend := echoBackend(t)
	defer cleanupBackend()

	pool := backendpool.New([]domain.Backend{{Addr: backendAddr}})
	conns := connpool.New(4)
	l := New("127.0.0.1:0", pool, conns, nil)

	proxyLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer proxyLn.Close()
	stop := make(chan struct{})
	defer close(stop)
	go l.acceptLoop(proxyLn, stop)

	client, err := net.Dial("tcp", proxyLn.Addr().String())
	if err != nil {
		t.Fatalf("dial proxy: %v", err)
	}
	client.(*net.TCPConn).CloseWrite()
	client.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if conns.IdleCount(backendAddr) > 0 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("expected backend connection to be pooled after a clean client close")
}
