package domain

import (
	"net"
	"time"
)

// MemberState is the SWIM failure-detector state of a cluster peer.
// States only ever get strictly more pessimistic for a given incarnation:
// Alive < Suspect < Dead.
type MemberState int

const (
	Alive MemberState = iota
	Suspect
	Dead
)

// String renders the state for logs and the admin JSON surface.
func (s MemberState) String() string {
	switch s {
	case Alive:
		return "alive"
	case Suspect:
		return "suspect"
	case Dead:
		return "dead"
	default:
		return "unknown"
	}
}

// rank gives the total order used to decide whether an incoming state
// change is more pessimistic than the one currently recorded.
func (s MemberState) rank() int { return int(s) }

// MoreOrEquallyPessimisticThan reports whether s is at least as bad as
// other in the Alive < Suspect < Dead order.
func (s MemberState) MoreOrEquallyPessimisticThan(other MemberState) bool {
	return s.rank() >= other.rank()
}

// MemberID stably names a peer for the lifetime of its process. It is
// generated once from the local gossip bind address; equality and hash are
// on the raw string.
type MemberID string

// Member is the authoritative, gossip-replicated record for one cluster
// peer. The incarnation is monotonically non-decreasing for a given ID and
// is the tiebreaker for conflicting observations: a member may increment
// only its own incarnation, and only in response to a received accusation
// that it is Suspect or Dead.
type Member struct {
	ID          MemberID
	Addr        *net.UDPAddr
	State       MemberState
	Incarnation uint64
}

// MemberInfo is the local-only bookkeeping kept alongside a Member. It is
// never serialized onto the wire.
type MemberInfo struct {
	Member
	LastSeen  time.Time
	SuspectAt time.Time // set when the member becomes Suspect, zero while Alive; a Dead entry keeps the time it was suspected, if any
}

// Peer is a read-only snapshot of a member for operator-facing surfaces
// (the admin HTTP API). It is JSON for humans, not a wire type.
type Peer struct {
	ID          MemberID  `json:"id"`
	Addr        string    `json:"addr"`
	State       string    `json:"state"`
	Incarnation uint64    `json:"incarnation"`
	LastSeen    time.Time `json:"last_seen"`
}

// MemberUpdate is the on-the-wire representation of a membership change,
// piggy-backed on Ping/Ack datagrams.
type MemberUpdate struct {
	MemberID    MemberID
	Addr        *net.UDPAddr
	State       MemberState
	Incarnation uint64
}
