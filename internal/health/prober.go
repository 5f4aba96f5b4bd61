// Package health implements the periodic concurrent backend prober,
// grounded on other_examples' shadowgate HealthChecker (Start/Stop/checkAll
// pattern over a bounded-time TCP connect).
package health

import (
	"net"
	"sync"
	"time"

	"github.com/tutu-network/flux/internal/backendpool"
	"github.com/tutu-network/flux/internal/domain"
	"github.com/tutu-network/flux/internal/flog"
	"github.com/tutu-network/flux/internal/metrics"
)

// Prober periodically probes every configured backend with a TCP connect
// and feeds the result into the backend pool's debounced health tracking.
type Prober struct {
	pool     *backendpool.Pool
	backends []domain.Backend
	interval time.Duration
	timeout  time.Duration
	sink     flog.Sink

	stop chan struct{}
	done chan struct{}
}

// New constructs a Prober for the given backend set. Probes do not start
// until Start is called.
func New(pool *backendpool.Pool, backends []domain.Backend, interval, timeout time.Duration, sink flog.Sink) *Prober {
	if sink == nil {
		sink = flog.Discard
	}
	return &Prober{
		pool:     pool,
		backends: backends,
		interval: interval,
		timeout:  timeout,
		sink:     sink,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start runs the probe loop until Stop is called. Each tick probes every
// backend concurrently and waits for all in-flight probes to finish before
// the next tick fires, bounding in-flight probe growth per SPEC_FULL.md
// §4.5.
func (p *Prober) Start() {
	go func() {
		defer close(p.done)
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-p.stop:
				return
			case <-ticker.C:
				p.checkAll()
			}
		}
	}()
}

// Stop halts the probe loop and waits for the in-flight tick to finish.
func (p *Prober) Stop() {
	close(p.stop)
	<-p.done
}

func (p *Prober) checkAll() {
	var wg sync.WaitGroup
	for _, b := range p.backends {
		b := b
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok := p.check(b.Addr)
			p.pool.UpdateHealth(b.Addr.String(), ok)
			if !ok {
				p.sink.Warn("health", "probe failed", flog.F("backend", b.Addr.String()))
			}
		}()
	}
	wg.Wait()
}

func (p *Prober) check(addr *net.TCPAddr) bool {
	start := time.Now()
	conn, err := net.DialTimeout("tcp", addr.String(), p.timeout)
	metrics.ProbeDurationSeconds.Observe(time.Since(start).Seconds())
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
