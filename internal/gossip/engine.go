package gossip

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/tutu-network/flux/internal/backendpool"
	"github.com/tutu-network/flux/internal/domain"
	"github.com/tutu-network/flux/internal/flog"
	"github.com/tutu-network/flux/internal/metrics"
)

// Config carries the tunable timing knobs for one Engine, grounded on the
// teacher's gossip.Config in internal/infra/gossip/swim.go (BindAddr,
// PingTimeout, Interval, SuspectTTL, K generalize directly; Lambda is
// dropped since this spec's dissemination cap is max(5, known/2), not a
// Lambda×logN retransmission budget).
type Config struct {
	BindAddr       *net.UDPAddr
	GossipInterval time.Duration
	PingTimeout    time.Duration
	SuspectTTL     time.Duration
	PruneHorizon   time.Duration
	IndirectK      int
	SeedNodes      []*net.UDPAddr
}

// DefaultConfig mirrors common SWIM deployment defaults.
func DefaultConfig() Config {
	return Config{
		GossipInterval: time.Second,
		PingTimeout:    500 * time.Millisecond,
		SuspectTTL:     5 * time.Second,
		PruneHorizon:   60 * time.Second,
		IndirectK:      3,
	}
}

const (
	indirectPingWait = 500 * time.Millisecond
	pruneEveryNTicks = 30
	joinRetryRounds  = 3
	joinRetryDelay   = 500 * time.Millisecond
)

// indirectPingState tracks one in-flight indirect probe of a suspected
// member, launched against up to K randomly chosen Alive peers.
type indirectPingState struct {
	targetID  domain.MemberID
	startedAt time.Time
	expected  int
	responses []bool
}

// Engine runs the two cooperating loops (receive, tick) that share a single
// UDP socket, grounded on the teacher's SWIM.Start/receiveLoop/probeCycle.
// Unlike the teacher, Engine never signs datagrams: the teacher's signing
// path depends on an internal/security package that does not exist
// anywhere in the retrieval pack, and SPEC_FULL.md does not call for
// message authentication, so the concern is dropped rather than stubbed.
type Engine struct {
	cfg     Config
	localID domain.MemberID

	members *MemberList
	pool    *backendpool.Pool
	sink    flog.Sink

	conn *net.UDPConn

	pendingMu       sync.Mutex
	pendingDirect   map[domain.MemberID]time.Time
	pendingIndirect map[domain.MemberID]*indirectPingState

	tick uint64
}

// NewEngine constructs an Engine. The local member is inserted into members
// as Alive with incarnation 0 before any socket activity begins.
func NewEngine(cfg Config, localID domain.MemberID, members *MemberList, pool *backendpool.Pool, sink flog.Sink) *Engine {
	if sink == nil {
		sink = flog.Discard
	}
	members.Upsert(domain.Member{ID: localID, Addr: cfg.BindAddr, State: domain.Alive, Incarnation: 0})
	return &Engine{
		cfg:             cfg,
		localID:         localID,
		members:         members,
		pool:            pool,
		sink:            sink,
		pendingDirect:   make(map[domain.MemberID]time.Time),
		pendingIndirect: make(map[domain.MemberID]*indirectPingState),
	}
}

// Start binds the UDP socket, launches the receive loop, performs the
// initial join against configured seeds, and then launches the tick loop.
// It returns once the socket is bound and the join attempt has finished;
// the loops run until ctx is cancelled.
func (e *Engine) Start(ctx context.Context) error {
	conn, err := net.ListenUDP("udp", e.cfg.BindAddr)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrBind, err)
	}
	e.conn = conn

	go e.receiveLoop(ctx)

	e.join()

	go e.tickLoop(ctx)
	return nil
}

// Close releases the UDP socket. Safe to call after ctx cancellation has
// stopped the loops.
func (e *Engine) Close() error {
	if e.conn == nil {
		return nil
	}
	return e.conn.Close()
}

// join sends an empty-payload Ping to every configured seed (other than
// self), retrying up to joinRetryRounds times with joinRetryDelay between
// rounds, short-circuiting as soon as at least one other member is known.
// Failure to contact any seed is logged but not fatal.
func (e *Engine) join() {
	if len(e.cfg.SeedNodes) == 0 {
		return
	}
	for round := 0; round < joinRetryRounds; round++ {
		for _, seed := range e.cfg.SeedNodes {
			if seed.String() == e.cfg.BindAddr.String() {
				continue
			}
			msg := Message{
				Type:        TypePing,
				From:        e.localID,
				FromAddr:    e.cfg.BindAddr,
				Incarnation: e.members.SelfIncarnation(),
			}
			e.send(seed, msg)
		}
		if len(e.members.GetAliveMembers()) > 0 {
			return
		}
		time.Sleep(joinRetryDelay)
	}
	if len(e.members.GetAliveMembers()) == 0 {
		e.sink.Warn("gossip", "join: no seed responded, starting isolated")
	}
}

func (e *Engine) send(addr *net.UDPAddr, msg Message) {
	trimmed := TrimToFit(msg)
	buf, err := Encode(trimmed)
	if err != nil {
		e.sink.Error("gossip", "encode failed", err)
		return
	}
	if _, err := e.conn.WriteToUDP(buf, addr); err != nil {
		e.sink.Warn("gossip", "send failed", flog.F("addr", addr.String()), flog.F("err", err.Error()))
	}
}

func (e *Engine) updateCap() int {
	known := len(e.members.GetAllMembers())
	if c := known / 2; c > 5 {
		return c
	}
	return 5
}

// ─── Receive loop ───────────────────────────────────────────────────────────

func (e *Engine) receiveLoop(ctx context.Context) {
	buf := make([]byte, 65536)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		e.conn.SetReadDeadline(time.Now().Add(time.Second))
		n, addr, err := e.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			continue // read timeout or transient error; loop again
		}
		msg, err := Decode(buf[:n])
		if err != nil {
			e.sink.Warn("gossip", "dropping malformed datagram", flog.F("from", addr.String()))
			continue
		}
		e.dispatch(ctx, addr, msg)
	}
}

func (e *Engine) dispatch(ctx context.Context, addr *net.UDPAddr, msg Message) {
	switch msg.Type {
	case TypePing:
		e.handlePing(msg)
	case TypeAck:
		e.handleAck(msg)
	case TypeIndirectPing:
		go e.handleIndirectPing(ctx, msg)
	case TypeIndirectAck:
		e.handleIndirectAck(msg)
	}
}

func (e *Engine) applyUpdates(updates []domain.MemberUpdate) {
	for _, u := range updates {
		if u.MemberID == e.localID && (u.State == domain.Suspect || u.State == domain.Dead) {
			e.members.IncrementIncarnation()
			continue
		}
		e.members.Upsert(domain.Member{ID: u.MemberID, Addr: u.Addr, State: u.State, Incarnation: u.Incarnation})
	}
}

func (e *Engine) applyBackendUpdates(updates []domain.BackendUpdate) {
	for _, u := range updates {
		e.pool.ApplyBackendUpdate(u)
	}
}

func (e *Engine) handlePing(msg Message) {
	e.applyUpdates(msg.MemberUpdates)
	e.applyBackendUpdates(msg.BackendUpdates)
	e.members.Upsert(domain.Member{ID: msg.From, Addr: msg.FromAddr, State: domain.Alive, Incarnation: msg.Incarnation})

	backendUpdates := e.pool.GetBackendHealthUpdates()
	for i := range backendUpdates {
		backendUpdates[i].FromMember = e.localID
	}

	ack := Message{
		Type:           TypeAck,
		From:           e.localID,
		FromAddr:       e.cfg.BindAddr,
		Incarnation:    e.members.SelfIncarnation(),
		MemberUpdates:  e.members.GetMemberUpdates(e.updateCap()),
		BackendUpdates: backendUpdates,
	}
	e.send(msg.FromAddr, ack)
}

func (e *Engine) handleAck(msg Message) {
	e.pendingMu.Lock()
	if sentAt, ok := e.pendingDirect[msg.From]; ok {
		e.members.RecordRTT(msg.From, time.Since(sentAt))
		delete(e.pendingDirect, msg.From)
		metrics.GossipProbesTotal.WithLabelValues("ack").Inc()
	}
	e.pendingMu.Unlock()

	e.members.MarkAlive(msg.From)
	e.members.Upsert(domain.Member{ID: msg.From, Addr: msg.FromAddr, State: domain.Alive, Incarnation: msg.Incarnation})
	e.applyUpdates(msg.MemberUpdates)
	e.applyBackendUpdates(msg.BackendUpdates)
}

func (e *Engine) handleIndirectPing(ctx context.Context, msg Message) {
	probe := Message{
		Type:        TypePing,
		From:        e.localID,
		FromAddr:    e.cfg.BindAddr,
		Incarnation: e.members.SelfIncarnation(),
	}
	e.send(msg.TargetAddr, probe)

	timer := time.NewTimer(indirectPingWait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}

	e.pendingMu.Lock()
	_, stillPending := e.pendingDirect[msg.TargetID]
	e.pendingMu.Unlock()
	responded := !stillPending

	ack := Message{
		Type:            TypeIndirectAck,
		From:            e.localID,
		FromAddr:        e.cfg.BindAddr,
		TargetID:        msg.TargetID,
		TargetResponded: responded,
	}
	e.send(msg.FromAddr, ack)
}

func (e *Engine) handleIndirectAck(msg Message) {
	e.pendingMu.Lock()
	state, ok := e.pendingIndirect[msg.TargetID]
	if ok {
		state.responses = append(state.responses, msg.TargetResponded)
	}
	shouldClear := ok && msg.TargetResponded
	if shouldClear {
		delete(e.pendingIndirect, msg.TargetID)
		delete(e.pendingDirect, msg.TargetID)
	}
	e.pendingMu.Unlock()

	if shouldClear {
		e.members.MarkAlive(msg.TargetID)
	}
}

// ─── Tick loop ──────────────────────────────────────────────────────────────

func (e *Engine) tickLoop(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.GossipInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.runTick()
		}
	}
}

// runTick executes the five ordered steps from SPEC_FULL.md §4.6 for one
// gossip interval.
func (e *Engine) runTick() {
	e.tick++

	// 1. Suspect timeout escalation.
	e.members.CheckSuspectTimeouts(e.cfg.SuspectTTL)

	// 2. Periodic prune.
	if e.tick%pruneEveryNTicks == 0 {
		pruned := e.members.PruneDead(e.cfg.PruneHorizon)
		if len(pruned) > 0 {
			e.pendingMu.Lock()
			for _, id := range pruned {
				delete(e.pendingIndirect, id)
				delete(e.pendingDirect, id)
			}
			e.pendingMu.Unlock()
		}
	}

	// 3. Resolve pending indirect pings.
	e.resolveIndirectPings()

	// 4. Escalate unresolved direct pings to indirect probes.
	e.escalateDirectPings()

	// 5. Probe the next peer in rotation.
	e.probeNext()
}

func (e *Engine) resolveIndirectPings() {
	now := time.Now()
	var toResolve []domain.MemberID

	e.pendingMu.Lock()
	for id, state := range e.pendingIndirect {
		adaptive := e.members.GetAdaptiveTimeout(id, e.cfg.PingTimeout)
		elapsed := now.Sub(state.startedAt)
		allArrived := len(state.responses) >= state.expected
		hardDeadline := elapsed > adaptive*3
		if (elapsed > adaptive*2 && allArrived) || hardDeadline {
			toResolve = append(toResolve, id)
		}
	}
	resolved := make(map[domain.MemberID]bool, len(toResolve))
	anySuccess := make(map[domain.MemberID]bool, len(toResolve))
	for _, id := range toResolve {
		state := e.pendingIndirect[id]
		for _, r := range state.responses {
			if r {
				anySuccess[id] = true
			}
		}
		delete(e.pendingIndirect, id)
		delete(e.pendingDirect, id)
		resolved[id] = true
	}
	e.pendingMu.Unlock()

	for id := range resolved {
		if !anySuccess[id] {
			e.members.MarkSuspect(id)
			metrics.GossipProbesTotal.WithLabelValues("suspect").Inc()
		}
	}
}

func (e *Engine) escalateDirectPings() {
	e.pendingMu.Lock()
	var targets []domain.MemberID
	for id := range e.pendingDirect {
		if _, already := e.pendingIndirect[id]; !already {
			targets = append(targets, id)
		}
	}
	e.pendingMu.Unlock()

	for _, id := range targets {
		e.launchIndirectProbe(id)
	}

	e.pendingMu.Lock()
	e.pendingDirect = make(map[domain.MemberID]time.Time)
	e.pendingMu.Unlock()
}

func (e *Engine) launchIndirectProbe(targetID domain.MemberID) {
	all := e.members.GetAliveMembers()
	var targetAddr *net.UDPAddr
	candidates := make([]domain.Member, 0, len(all))
	for _, m := range all {
		if m.ID == targetID {
			targetAddr = m.Addr
			continue
		}
		candidates = append(candidates, m)
	}
	if targetAddr == nil {
		return
	}

	k := e.cfg.IndirectK
	if k > len(candidates) {
		k = len(candidates)
	}
	chosen := pickRandom(candidates, k)

	e.pendingMu.Lock()
	e.pendingIndirect[targetID] = &indirectPingState{
		targetID:  targetID,
		startedAt: time.Now(),
		expected:  len(chosen),
	}
	e.pendingMu.Unlock()

	for _, peer := range chosen {
		msg := Message{
			Type:       TypeIndirectPing,
			From:       e.localID,
			FromAddr:   e.cfg.BindAddr,
			TargetID:   targetID,
			TargetAddr: targetAddr,
		}
		e.send(peer.Addr, msg)
	}
}

func (e *Engine) probeNext() {
	target, ok := e.members.GetRandomAliveMember()
	if !ok {
		return
	}

	e.pendingMu.Lock()
	e.pendingDirect[target.ID] = time.Now()
	e.pendingMu.Unlock()

	backendUpdates := e.pool.GetBackendHealthUpdates()
	for i := range backendUpdates {
		backendUpdates[i].FromMember = e.localID
	}

	msg := Message{
		Type:           TypePing,
		From:           e.localID,
		FromAddr:       e.cfg.BindAddr,
		Incarnation:    e.members.SelfIncarnation(),
		MemberUpdates:  e.members.GetMemberUpdates(e.updateCap()),
		BackendUpdates: backendUpdates,
	}
	e.send(target.Addr, msg)
}

// pickRandom returns up to k distinct members from candidates, shuffled.
// Any per-process seeded RNG suffices per SPEC_FULL.md/§9 (RNG quality is a
// dispersion hint, not a security property).
func pickRandom(candidates []domain.Member, k int) []domain.Member {
	if k >= len(candidates) {
		return append([]domain.Member{}, candidates...)
	}
	shuffled := append([]domain.Member{}, candidates...)
	for i := len(shuffled) - 1; i > 0; i-- {
		j := pseudoRandIndex(i + 1)
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	}
	return shuffled[:k]
}

var randSource = rand.New(rand.NewSource(time.Now().UnixNano()))
var randMu sync.Mutex

func pseudoRandIndex(n int) int {
	randMu.Lock()
	defer randMu.Unlock()
	return randSource.Intn(n)
}
