package relay

import (
	"context"
	"sync"
	"testing"
	"time"

	relaymodel "github.com/zhouzirui/z-tavern/relay/internal/model/relay"
	"github.com/zhouzirui/z-tavern/relay/internal/service/session"
)

type fakeHandle struct {
	id        string
	created   time.Time
	mu        sync.Mutex
	reasons   []string
	done      chan struct{}
	closeOnce sync.Once
}

func newFakeHandle(id string, created time.Time) *fakeHandle {
	return &fakeHandle{id: id, created: created, done: make(chan struct{})}
}

func (h *fakeHandle) Snapshot() session.Snapshot {
	return session.Snapshot{ID: h.id, State: relaymodel.StateListening, CreatedAt: h.created}
}

func (h *fakeHandle) Terminate(reason string) {
	h.mu.Lock()
	h.reasons = append(h.reasons, reason)
	h.mu.Unlock()
	h.closeOnce.Do(func() { close(h.done) })
}

func (h *fakeHandle) Done() <-chan struct{} { return h.done }

func (h *fakeHandle) terminated() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.reasons)
}

func TestRegistryRegisterAndList(t *testing.T) {
	r := NewRegistry()
	base := time.Now()
	unregisterB := r.Register("b", newFakeHandle("b", base.Add(time.Second)))
	r.Register("a", newFakeHandle("a", base))

	list := r.List()
	if len(list) != 2 || list[0].ID != "a" || list[1].ID != "b" {
		t.Fatalf("unexpected list order %+v", list)
	}
	if _, ok := r.Get("b"); !ok {
		t.Fatalf("expected session b")
	}

	unregisterB()
	unregisterB()
	if r.Count() != 1 {
		t.Fatalf("expected one session, got %d", r.Count())
	}
	if _, ok := r.Get("b"); ok {
		t.Fatalf("session b should be gone")
	}
}

func TestRegistryReplacesDuplicateID(t *testing.T) {
	r := NewRegistry()
	first := newFakeHandle("s", time.Now())
	second := newFakeHandle("s", time.Now())

	unregisterFirst := r.Register("s", first)
	r.Register("s", second)

	if first.terminated() != 1 {
		t.Fatalf("expected previous holder to be terminated")
	}

	unregisterFirst()
	if r.Count() != 1 {
		t.Fatalf("stale unregister must not remove the new holder")
	}
}

func TestRegistryTerminateAndCloseAll(t *testing.T) {
	r := NewRegistry()
	a := newFakeHandle("a", time.Now())
	b := newFakeHandle("b", time.Now())
	r.Register("a", a)
	r.Register("b", b)

	if !r.Terminate("a", "admin") || r.Terminate("missing", "admin") {
		t.Fatalf("unexpected terminate result")
	}
	if a.reasons[0] != "admin" {
		t.Fatalf("expected reason to be passed, got %v", a.reasons)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	r.CloseAll(ctx, "shutdown")
	if b.terminated() != 1 {
		t.Fatalf("expected b terminated on close all")
	}

	if n := r.Sweep(); n != 2 {
		t.Fatalf("expected both finished sessions swept, got %d", n)
	}
	if r.Count() != 0 {
		t.Fatalf("expected empty registry")
	}
}
