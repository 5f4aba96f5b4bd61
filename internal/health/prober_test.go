package health

import (
	"net"
	"testing"
	"time"

	"github.com/tutu-network/flux/internal/backendpool"
	"github.com/tutu-network/flux/internal/domain"
)

func TestProber_MarksBackendUnhealthyWhenUnreachable(t *testing.T) {
	// Port 1 is reserved and should refuse connections immediately on
	// loopback, giving us a deterministic "unreachable" backend.
	addr := &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 1}
	backends := []domain.Backend{{Addr: addr}}
	pool := backendpool.New(backends)

	prober := New(pool, backends, 10*time.Millisecond, 50*time.Millisecond, nil)
	prober.Start()
	defer prober.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := pool.SelectBackend(); !ok {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expected backend to become unhealthy after repeated failed probes")
}

func TestProber_MarksBackendHealthyWhenReachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	addr := ln.Addr().(*net.TCPAddr)
	backends := []domain.Backend{{Addr: addr}}
	pool := backendpool.New(backends)

	prober := New(pool, backends, 10*time.Millisecond, 50*time.Millisecond, nil)
	prober.Start()
	defer prober.Stop()

	deadline := time.Now().Add(1 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := pool.SelectBackend(); ok {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expected backend to remain/become healthy")
}
