package presence

import (
	"context"
	"fmt"
	"sync"
	"testing"
)

type fakeChannel struct{ id string }

func (f *fakeChannel) ID() string                         { return f.id }
func (f *fakeChannel) Push(context.Context, []byte) error { return nil }
func (f *fakeChannel) Close(int, string) error            { return nil }

func TestRegisterLookup(t *testing.T) {
	r := NewRegistry()
	ch := &fakeChannel{id: "a"}

	if prev := r.Register(1, ch); prev != nil {
		t.Fatalf("expected no displaced channel, got %v", prev.ID())
	}
	got, ok := r.Lookup(1)
	if !ok || got != ch {
		t.Fatalf("Lookup(1) = %v, %v", got, ok)
	}
	if !r.IsOnline(1) || r.IsOnline(2) {
		t.Error("IsOnline mismatch")
	}
	if r.Count() != 1 {
		t.Errorf("expected count 1, got %d", r.Count())
	}
}

func TestRegister_ReturnsDisplaced(t *testing.T) {
	r := NewRegistry()
	older := &fakeChannel{id: "old"}
	newer := &fakeChannel{id: "new"}

	r.Register(1, older)
	prev := r.Register(1, newer)
	if prev != older {
		t.Fatalf("expected older channel to be displaced, got %v", prev)
	}
	if got, _ := r.Lookup(1); got != newer {
		t.Errorf("expected newer channel to be registered")
	}

	// Re-registering the same channel displaces nothing.
	if prev := r.Register(1, newer); prev != nil {
		t.Errorf("expected nil, got %v", prev.ID())
	}
}

func TestDeregister_StaleChannelIsNoop(t *testing.T) {
	r := NewRegistry()
	older := &fakeChannel{id: "old"}
	newer := &fakeChannel{id: "new"}

	r.Register(1, older)
	r.Register(1, newer)

	if r.Deregister(1, older) {
		t.Fatal("displaced channel must not remove its successor")
	}
	if !r.IsOnline(1) {
		t.Fatal("user should still be online")
	}

	if !r.Deregister(1, newer) {
		t.Fatal("expected current channel to be removed")
	}
	if r.Deregister(1, newer) {
		t.Error("second Deregister must be a no-op")
	}
	if r.IsOnline(1) || r.Count() != 0 {
		t.Error("registry should be empty")
	}
}

func TestBroadcastTargets_Snapshot(t *testing.T) {
	r := NewRegistry()
	for i := int64(1); i <= 3; i++ {
		r.Register(i, &fakeChannel{id: fmt.Sprint(i)})
	}

	targets := r.BroadcastTargets()
	r.Deregister(1, targets[0].Channel)
	r.Register(9, &fakeChannel{id: "9"})

	if len(targets) != 3 {
		t.Fatalf("snapshot should keep 3 entries, got %d", len(targets))
	}
	seen := map[int64]bool{}
	for _, tg := range targets {
		seen[tg.UserID] = true
		if tg.Channel.ID() != fmt.Sprint(tg.UserID) {
			t.Errorf("user %d paired with channel %s", tg.UserID, tg.Channel.ID())
		}
	}
	for i := int64(1); i <= 3; i++ {
		if !seen[i] {
			t.Errorf("user %d missing from snapshot", i)
		}
	}
}

func TestRegistry_Concurrent(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			ch := &fakeChannel{id: fmt.Sprint(id)}
			r.Register(id, ch)
			_ = r.BroadcastTargets()
			r.IsOnline(id)
			r.Deregister(id, ch)
		}(int64(i))
	}
	wg.Wait()

	if r.Count() != 0 {
		t.Errorf("expected empty registry, got %d", r.Count())
	}
}
