// Package backendpool selects healthy backends off the hot connection-accept
// path and reconciles local health probes with gossiped observations.
//
// Selection is grounded on the atomic-cursor-plus-bounded-scan pattern found
// in other_examples' taurus-game-server-lb ServerPool and shadowgate's
// health-aware Pool.NextHealthy: a fetch-and-add on an atomic cursor picks a
// starting index, then the pool is scanned forward for the first Healthy
// entry. The backend set itself is immutable after construction, so the
// scan never needs to copy a snapshot under lock.
package backendpool

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/tutu-network/flux/internal/domain"
)

// trustLocalWindow is the interval during which a fresh local active probe
// outranks a gossiped health claim for the same backend.
const trustLocalWindow = 6 * time.Second

// entry is the mutable health record for one backend. Reads/writes to the
// Status/counters go through mu; Backend itself never changes after
// construction.
type entry struct {
	mu     sync.RWMutex
	health domain.BackendHealth
}

// Pool holds a fixed set of backends, indexed by an immutable slice, with
// per-entry health state guarded independently so selection never contends
// with health updates on a shared lock.
type Pool struct {
	entries []*entry
	cursor  uint64 // atomic
}

// New constructs a pool from the configured backend set. All entries start
// Healthy, matching other_examples' shadowgate convention of optimistic
// startup state pending the first probe cycle.
func New(backends []domain.Backend) *Pool {
	entries := make([]*entry, len(backends))
	for i, b := range backends {
		entries[i] = &entry{health: domain.BackendHealth{Backend: b, Status: domain.Healthy}}
	}
	return &Pool{entries: entries}
}

// SelectBackend returns any Healthy backend via an atomic cursor scan that
// takes no pool-wide lock, only each entry's read lock. Returns false if the pool is empty or every backend is Unhealthy;
// callers should emit a NoHealthyBackends event in that case.
func (p *Pool) SelectBackend() (domain.Backend, bool) {
	n := len(p.entries)
	if n == 0 {
		return domain.Backend{}, false
	}
	start := int(atomic.AddUint64(&p.cursor, 1) % uint64(n))
	for i := 0; i < n; i++ {
		idx := (start + i) % n
		e := p.entries[idx]
		e.mu.RLock()
		status := e.health.Status
		backend := e.health.Backend
		e.mu.RUnlock()
		if status == domain.Healthy {
			return backend, true
		}
	}
	return domain.Backend{}, false
}

func (p *Pool) find(addr string) *entry {
	for _, e := range p.entries {
		if e.health.Backend.Addr.String() == addr {
			return e
		}
	}
	return nil
}

// UpdateHealth is the local-probe path. A status transition fires only
// after two consecutive same-polarity observations, debouncing a single
// flaky probe per SPEC_FULL.md §4.3.
func (p *Pool) UpdateHealth(addr string, healthy bool) {
	e := p.find(addr)
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	now := time.Now()
	e.health.LastCheck = now
	e.health.LastLocalCheck = now

	if healthy {
		e.health.ConsecutiveSuccesses++
		e.health.ConsecutiveFailures = 0
		if e.health.Status == domain.Unhealthy && e.health.ConsecutiveSuccesses >= 2 {
			e.health.Status = domain.Healthy
		}
	} else {
		e.health.ConsecutiveFailures++
		e.health.ConsecutiveSuccesses = 0
		if e.health.Status == domain.Healthy && e.health.ConsecutiveFailures >= 2 {
			e.health.Status = domain.Unhealthy
		}
	}
}

// GetBackendHealthUpdates snapshots a BackendUpdate per backend, with
// FromMember set to the sentinel "local"; the gossip engine rewrites this
// to the real local member id before sending.
func (p *Pool) GetBackendHealthUpdates() []domain.BackendUpdate {
	out := make([]domain.BackendUpdate, 0, len(p.entries))
	for _, e := range p.entries {
		e.mu.RLock()
		out = append(out, domain.BackendUpdate{
			BackendAddr: e.health.Backend.Addr,
			IsHealthy:   e.health.Status == domain.Healthy,
			FromMember:  "local",
			Timestamp:   e.health.LastCheck.Unix(),
		})
		e.mu.RUnlock()
	}
	return out
}

// ApplyBackendUpdate reconciles a gossiped health observation against local
// evidence per the trust-local policy in SPEC_FULL.md §4.3.
func (p *Pool) ApplyBackendUpdate(update domain.BackendUpdate) {
	if update.BackendAddr == nil {
		return
	}
	e := p.find(update.BackendAddr.String())
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	now := time.Now()
	trustLocal := now.Sub(e.health.LastLocalCheck) < trustLocalWindow

	if trustLocal {
		if update.IsHealthy {
			return // stale gossip cannot resurrect a backend we just probed
		}
		// incoming says unhealthy: only apply if we have no local
		// evidence of trouble ourselves.
		if !(e.health.Status == domain.Healthy && e.health.ConsecutiveFailures == 0) {
			return
		}
	}

	changed := (update.IsHealthy && e.health.Status != domain.Healthy) ||
		(!update.IsHealthy && e.health.Status != domain.Unhealthy)

	if update.IsHealthy {
		e.health.Status = domain.Healthy
	} else {
		e.health.Status = domain.Unhealthy
	}
	e.health.LastCheck = now

	if changed {
		if update.IsHealthy {
			e.health.ConsecutiveSuccesses = 2
			e.health.ConsecutiveFailures = 0
		} else {
			e.health.ConsecutiveFailures = 2
			e.health.ConsecutiveSuccesses = 0
		}
	}
}

// Snapshot renders the current health of every backend, for the admin HTTP
// surface and metrics export.
func (p *Pool) Snapshot() []domain.BackendHealth {
	out := make([]domain.BackendHealth, 0, len(p.entries))
	for _, e := range p.entries {
		e.mu.RLock()
		out = append(out, e.health)
		e.mu.RUnlock()
	}
	return out
}
