package adminserver

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/tutu-network/flux/internal/backendpool"
	"github.com/tutu-network/flux/internal/domain"
)

type fakeMembers struct{ peers []domain.Peer }

func (f fakeMembers) Peers() []domain.Peer { return f.peers }

func TestHealthz_ReportsNotReady(t *testing.T) {
	s := New(fakeMembers{}, backendpool.New(nil), func() bool { return false })
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestHealthz_ReportsReady(t *testing.T) {
	s := New(fakeMembers{}, backendpool.New(nil), func() bool { return true })
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Header().Get("X-Request-Id") == "" {
		t.Fatal("expected X-Request-Id header to be stamped")
	}
}

func TestDebugMembers_ReturnsSnapshot(t *testing.T) {
	peers := []domain.Peer{{ID: "node-1", State: "alive"}}
	s := New(fakeMembers{peers: peers}, backendpool.New(nil), func() bool { return true })
	req := httptest.NewRequest(http.MethodGet, "/debug/members", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	var got []domain.Peer
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 1 || got[0].ID != "node-1" {
		t.Fatalf("unexpected body: %+v", got)
	}
}

func TestMetrics_MountsPromhttp(t *testing.T) {
	s := New(fakeMembers{}, backendpool.New(nil), func() bool { return true })
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 from /metrics, got %d", rec.Code)
	}
}
