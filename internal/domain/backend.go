package domain

import (
	"net"
	"time"
)

// Backend is an immutable target the proxy may forward client connections
// to. The backend set is fixed at construction; only health state mutates.
type Backend struct {
	Addr   *net.TCPAddr
	Weight uint32
}

// BackendStatus is the two-state health classification used by selection.
// Weight is carried in Backend but is never consulted by selection (see
// SPEC_FULL.md §1 Non-goals).
type BackendStatus int

const (
	Healthy BackendStatus = iota
	Unhealthy
)

func (s BackendStatus) String() string {
	if s == Healthy {
		return "healthy"
	}
	return "unhealthy"
}

// BackendHealth tracks the debounced health state of one backend.
// Invariant: a Healthy entry has ConsecutiveFailures == 0 at the moment of
// transition; an Unhealthy entry has ConsecutiveSuccesses == 0 at the
// moment of transition. LastLocalCheck records only local active-probe
// touches; LastCheck is touched by any update, local or gossiped.
type BackendHealth struct {
	Backend              Backend
	Status               BackendStatus
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	LastCheck            time.Time
	LastLocalCheck       time.Time
}

// BackendUpdate is the on-the-wire representation of a gossiped health
// observation, piggy-backed on Ping/Ack datagrams.
type BackendUpdate struct {
	BackendAddr *net.TCPAddr
	IsHealthy   bool
	FromMember  MemberID
	Timestamp   int64 // unix seconds
}
