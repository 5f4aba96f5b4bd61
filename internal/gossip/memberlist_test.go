package gossip

import (
	"testing"
	"time"

	"github.com/tutu-network/flux/internal/domain"
)

func TestUpsert_NewMember(t *testing.T) {
	l := NewMemberList("local")
	l.Upsert(domain.Member{ID: "a", State: domain.Alive, Incarnation: 0})

	members := l.GetAllMembers()
	if len(members) != 1 || members[0].ID != "a" {
		t.Fatalf("expected member a, got %+v", members)
	}
}

func TestUpsert_HigherIncarnationReplacesWholesale(t *testing.T) {
	l := NewMemberList("local")
	l.Upsert(domain.Member{ID: "a", State: domain.Dead, Incarnation: 1})
	l.Upsert(domain.Member{ID: "a", State: domain.Alive, Incarnation: 2})

	members := l.GetAllMembers()
	if members[0].State != domain.Alive || members[0].Incarnation != 2 {
		t.Fatalf("expected higher incarnation to win, got %+v", members[0])
	}
}

func TestUpsert_EqualIncarnationOnlyPromotesPessimism(t *testing.T) {
	l := NewMemberList("local")
	l.Upsert(domain.Member{ID: "a", State: domain.Alive, Incarnation: 1})
	l.Upsert(domain.Member{ID: "a", State: domain.Dead, Incarnation: 1})

	if members := l.GetAllMembers(); members[0].State != domain.Dead {
		t.Fatalf("equal incarnation should allow Alive->Dead, got %+v", members[0])
	}

	l2 := NewMemberList("local")
	l2.Upsert(domain.Member{ID: "a", State: domain.Dead, Incarnation: 1})
	l2.Upsert(domain.Member{ID: "a", State: domain.Alive, Incarnation: 1})
	if members := l2.GetAllMembers(); members[0].State != domain.Dead {
		t.Fatalf("equal incarnation must not demote Dead->Alive, got %+v", members[0])
	}
}

func TestUpsert_LowerIncarnationDropped(t *testing.T) {
	l := NewMemberList("local")
	l.Upsert(domain.Member{ID: "a", State: domain.Alive, Incarnation: 5})
	l.Upsert(domain.Member{ID: "a", State: domain.Dead, Incarnation: 1})

	if members := l.GetAllMembers(); members[0].Incarnation != 5 || members[0].State != domain.Alive {
		t.Fatalf("stale incarnation must be dropped, got %+v", members[0])
	}
}

func TestMarkSuspect_IllegalFromDead(t *testing.T) {
	l := NewMemberList("local")
	l.Upsert(domain.Member{ID: "a", State: domain.Dead, Incarnation: 1})
	l.MarkSuspect("a")
	if members := l.GetAllMembers(); members[0].State != domain.Dead {
		t.Fatalf("MarkSuspect from Dead must be a no-op, got %+v", members[0])
	}
}

func TestCheckSuspectTimeouts(t *testing.T) {
	l := NewMemberList("local")
	l.Upsert(domain.Member{ID: "a", State: domain.Alive, Incarnation: 1})
	l.MarkSuspect("a")

	l.CheckSuspectTimeouts(5 * time.Millisecond)
	if members := l.GetAllMembers(); members[0].State != domain.Suspect {
		t.Fatalf("should not be Dead yet, got %+v", members[0])
	}

	time.Sleep(10 * time.Millisecond)
	l.CheckSuspectTimeouts(5 * time.Millisecond)
	if members := l.GetAllMembers(); members[0].State != domain.Dead {
		t.Fatalf("expected Suspect->Dead after timeout, got %+v", members[0])
	}
}

func TestPruneDead(t *testing.T) {
	l := NewMemberList("local")
	l.Upsert(domain.Member{ID: "a", State: domain.Dead, Incarnation: 1})
	time.Sleep(10 * time.Millisecond)

	pruned := l.PruneDead(5 * time.Millisecond)
	if len(pruned) != 1 || pruned[0] != "a" {
		t.Fatalf("expected a pruned, got %+v", pruned)
	}
	if members := l.GetAllMembers(); len(members) != 0 {
		t.Fatalf("expected empty list after prune, got %+v", members)
	}
}

func TestGetRandomAliveMember_FairnessOverFullRotation(t *testing.T) {
	l := NewMemberList("local")
	ids := []MemberID{"a", "b", "c", "d"}
	for _, id := range ids {
		l.Upsert(domain.Member{ID: id, State: domain.Alive, Incarnation: 1})
	}

	seen := make(map[MemberID]int)
	for i := 0; i < len(ids); i++ {
		m, ok := l.GetRandomAliveMember()
		if !ok {
			t.Fatalf("expected an alive member at iteration %d", i)
		}
		seen[m.ID]++
	}
	for _, id := range ids {
		if seen[id] != 1 {
			t.Fatalf("expected each peer probed exactly once per full rotation, got %+v", seen)
		}
	}
}

func TestGetRandomAliveMember_ExcludesLocalAndNonAlive(t *testing.T) {
	l := NewMemberList("local")
	l.Upsert(domain.Member{ID: "local", State: domain.Alive, Incarnation: 1})
	l.Upsert(domain.Member{ID: "dead-one", State: domain.Dead, Incarnation: 1})

	if _, ok := l.GetRandomAliveMember(); ok {
		t.Fatal("expected no alive peer (only local and dead known)")
	}
}

func TestIncrementIncarnation(t *testing.T) {
	l := NewMemberList("local")
	l.Upsert(domain.Member{ID: "local", State: domain.Alive, Incarnation: 0})

	got := l.IncrementIncarnation()
	if got != 1 {
		t.Fatalf("expected incarnation 1, got %d", got)
	}
	if l.SelfIncarnation() != 1 {
		t.Fatalf("expected self incarnation to persist, got %d", l.SelfIncarnation())
	}
}

func TestAdaptiveTimeout_FloorAndCap(t *testing.T) {
	l := NewMemberList("local")
	base := 100 * time.Millisecond

	if got := l.GetAdaptiveTimeout("a", base); got != base {
		t.Fatalf("no samples yet: expected base %v, got %v", base, got)
	}

	l.RecordRTT("a", 10*time.Millisecond)
	if got := l.GetAdaptiveTimeout("a", base); got != base {
		t.Fatalf("RTT below base should floor at base, got %v", got)
	}

	for i := 0; i < 20; i++ {
		l.RecordRTT("a", time.Second)
	}
	if got := l.GetAdaptiveTimeout("a", base); got != base*4 {
		t.Fatalf("large RTT should cap at 4x base, got %v", got)
	}
}
