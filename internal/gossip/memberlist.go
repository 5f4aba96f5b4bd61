package gossip

import (
	"math/rand"
	"sync"
	"time"

	"github.com/tutu-network/flux/internal/domain"
)

// rttAlphaNormal and rttAlphaColdStart mirror the teacher's reputation EWMA
// convention (internal/infra/reputation/reputation.go's AlphaNormal /
// AlphaColdStart): a faster-moving average for the first few observations
// of a peer, settling to a slower one once enough samples have accumulated.
const (
	rttAlphaNormal    = 0.1
	rttAlphaColdStart = 0.3
	rttColdStartCount = 10

	// adaptiveTimeoutCapMultiple bounds how far the adaptive timeout can
	// drift above base, per SPEC_FULL.md/§4.2.
	adaptiveTimeoutCapMultiple = 4
)

// rttTracker keeps the exponentially weighted moving average of observed
// direct-ping round-trip times for one member.
type rttTracker struct {
	ewma    time.Duration
	samples int
}

func (t *rttTracker) observe(d time.Duration) {
	t.samples++
	alpha := rttAlphaNormal
	if t.samples <= rttColdStartCount {
		alpha = rttAlphaColdStart
	}
	if t.ewma == 0 {
		t.ewma = d
		return
	}
	t.ewma = time.Duration(alpha*float64(d) + (1-alpha)*float64(t.ewma))
}

// MemberList is the reader-writer protected authoritative view of cluster
// membership. Selection (get_random_alive_member) mutates the rotation
// cursor and is therefore treated as a writer, per SPEC_FULL.md §5.
type MemberList struct {
	mu sync.RWMutex

	localID MemberID
	members map[MemberID]*domain.MemberInfo
	order   []MemberID
	cursor  int

	rng  *rand.Rand
	rtts map[MemberID]*rttTracker
}

type MemberID = domain.MemberID

// NewMemberList constructs an empty list for the given local member id. The
// local id is never returned from snapshot or rotation queries.
func NewMemberList(localID MemberID) *MemberList {
	return &MemberList{
		localID: localID,
		members: make(map[MemberID]*domain.MemberInfo),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		rtts:    make(map[MemberID]*rttTracker),
	}
}

// Upsert applies an incoming observation about member per the precedence
// rules in SPEC_FULL.md §4.2: a strictly higher incarnation always wins and
// replaces wholesale; an equal incarnation only allows the state to become
// more pessimistic; a lower incarnation is dropped silently.
func (l *MemberList) Upsert(m domain.Member) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.upsertLocked(m)
}

func (l *MemberList) upsertLocked(m domain.Member) {
	now := time.Now()
	existing, known := l.members[m.ID]
	suspectAt := time.Time{}
	if m.State == domain.Suspect {
		suspectAt = now
	}
	if !known {
		l.members[m.ID] = &domain.MemberInfo{Member: m, LastSeen: now, SuspectAt: suspectAt}
		l.order = append(l.order, m.ID)
		l.reshuffleLocked()
		return
	}

	switch {
	case m.Incarnation > existing.Incarnation:
		l.members[m.ID] = &domain.MemberInfo{Member: m, LastSeen: now, SuspectAt: suspectAt}
	case m.Incarnation == existing.Incarnation:
		existing.LastSeen = now
		if m.State.MoreOrEquallyPessimisticThan(existing.State) {
			existing.State = m.State
			if m.State == domain.Suspect && existing.SuspectAt.IsZero() {
				existing.SuspectAt = now
			}
		}
	default:
		// Stale observation: drop silently.
	}
}

// reshuffleLocked disperses the rotation order and resets the cursor. Must
// be called with mu held for writing.
func (l *MemberList) reshuffleLocked() {
	l.rng.Shuffle(len(l.order), func(i, j int) {
		l.order[i], l.order[j] = l.order[j], l.order[i]
	})
	l.cursor = 0
}

// MarkAlive transitions id to Alive, clearing any suspect timestamp. No-op
// if id is unknown.
func (l *MemberList) MarkAlive(id MemberID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	info, ok := l.members[id]
	if !ok {
		return
	}
	info.State = domain.Alive
	info.SuspectAt = time.Time{}
	info.LastSeen = time.Now()
}

// MarkSuspect transitions an Alive member to Suspect. Idempotent if already
// Suspect; illegal (no-op) from Dead.
func (l *MemberList) MarkSuspect(id MemberID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	info, ok := l.members[id]
	if !ok || info.State == domain.Dead {
		return
	}
	if info.State == domain.Suspect {
		return
	}
	info.State = domain.Suspect
	info.SuspectAt = time.Now()
}

// MarkDead transitions id to Dead.
func (l *MemberList) MarkDead(id MemberID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	info, ok := l.members[id]
	if !ok {
		return
	}
	info.State = domain.Dead
}

// CheckSuspectTimeouts moves every Suspect entry whose suspicion has
// outlived suspectTimeout to Dead.
func (l *MemberList) CheckSuspectTimeouts(suspectTimeout time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	for _, info := range l.members {
		if info.State == domain.Suspect && now.Sub(info.SuspectAt) > suspectTimeout {
			info.State = domain.Dead
		}
	}
}

// PruneDead removes Dead entries whose last_seen has outlived horizon,
// reshuffling the rotation order afterward.
func (l *MemberList) PruneDead(horizon time.Duration) []MemberID {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()

	var pruned []MemberID
	for id, info := range l.members {
		if info.State == domain.Dead && now.Sub(info.LastSeen) > horizon {
			pruned = append(pruned, id)
		}
	}
	if len(pruned) == 0 {
		return nil
	}
	for _, id := range pruned {
		delete(l.members, id)
		delete(l.rtts, id)
	}
	newOrder := l.order[:0]
	removed := make(map[MemberID]bool, len(pruned))
	for _, id := range pruned {
		removed[id] = true
	}
	for _, id := range l.order {
		if !removed[id] {
			newOrder = append(newOrder, id)
		}
	}
	l.order = newOrder
	l.reshuffleLocked()
	return pruned
}

// GetRandomAliveMember returns the next Alive peer (excluding local) in
// rotation order starting from the cursor, and moves the cursor to the
// position just after the returned peer. Returns false if no Alive peer
// exists; the cursor then advances by one step.
func (l *MemberList) GetRandomAliveMember() (domain.Member, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := len(l.order)
	if n == 0 {
		return domain.Member{}, false
	}
	for i := 0; i < n; i++ {
		idx := (l.cursor + i) % n
		id := l.order[idx]
		info, ok := l.members[id]
		if ok && info.State == domain.Alive && id != l.localID {
			l.cursor = (idx + 1) % n
			return info.Member, true
		}
	}
	l.cursor = (l.cursor + 1) % n
	return domain.Member{}, false
}

// GetAliveMembers snapshots all Alive members, excluding local.
func (l *MemberList) GetAliveMembers() []domain.Member {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]domain.Member, 0, len(l.members))
	for id, info := range l.members {
		if id != l.localID && info.State == domain.Alive {
			out = append(out, info.Member)
		}
	}
	return out
}

// GetAllMembers snapshots every known member, excluding local.
func (l *MemberList) GetAllMembers() []domain.Member {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]domain.Member, 0, len(l.members))
	for id, info := range l.members {
		if id != l.localID {
			out = append(out, info.Member)
		}
	}
	return out
}

// GetMemberUpdates returns up to maxCount MemberUpdates. Dissemination is
// the naive scheme named in SPEC_FULL.md/§9: the first maxCount entries in
// iteration order, not tracked by per-peer debt.
func (l *MemberList) GetMemberUpdates(maxCount int) []domain.MemberUpdate {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]domain.MemberUpdate, 0, maxCount)
	for id, info := range l.members {
		if len(out) >= maxCount {
			break
		}
		out = append(out, domain.MemberUpdate{
			MemberID:    id,
			Addr:        info.Addr,
			State:       info.State,
			Incarnation: info.Incarnation,
		})
	}
	return out
}

// IncrementIncarnation bumps the local member's incarnation by one. Called
// when the local node sees itself accused as Suspect or Dead in a received
// update — the SWIM refutation mechanism.
func (l *MemberList) IncrementIncarnation() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	info, ok := l.members[l.localID]
	if !ok {
		return 0
	}
	info.Incarnation++
	info.State = domain.Alive
	return info.Incarnation
}

// SelfIncarnation returns the local member's current incarnation, or 0 if
// the local member hasn't been inserted yet.
func (l *MemberList) SelfIncarnation() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if info, ok := l.members[l.localID]; ok {
		return info.Incarnation
	}
	return 0
}

// RecordRTT folds a fresh observed direct-ping round-trip time into the
// member's EWMA tracker.
func (l *MemberList) RecordRTT(id MemberID, d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.rtts[id]
	if !ok {
		t = &rttTracker{}
		l.rtts[id] = t
	}
	t.observe(d)
}

// GetAdaptiveTimeout returns an RTT-derived probe-response timeout for id,
// floored at base and capped at adaptiveTimeoutCapMultiple × base.
func (l *MemberList) GetAdaptiveTimeout(id MemberID, base time.Duration) time.Duration {
	l.mu.RLock()
	defer l.mu.RUnlock()
	t, ok := l.rtts[id]
	if !ok || t.ewma == 0 {
		return base
	}
	ceiling := base * adaptiveTimeoutCapMultiple
	if t.ewma < base {
		return base
	}
	if t.ewma > ceiling {
		return ceiling
	}
	return t.ewma
}

// Peers renders a JSON-ready snapshot of every known member for the admin
// HTTP surface.
func (l *MemberList) Peers() []domain.Peer {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]domain.Peer, 0, len(l.members))
	for id, info := range l.members {
		addr := ""
		if info.Addr != nil {
			addr = info.Addr.String()
		}
		out = append(out, domain.Peer{
			ID:          id,
			Addr:        addr,
			State:       info.State.String(),
			Incarnation: info.Incarnation,
			LastSeen:    info.LastSeen,
		})
	}
	return out
}
