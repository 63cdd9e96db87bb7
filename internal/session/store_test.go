package session

import (
	"context"
	"testing"

	"github.com/redis/go-redis/v9"
)

// newTestLedger connects to a local Redis and removes test keys before and
// after the test. Tests are skipped when Redis is not reachable.
func newTestLedger(t *testing.T) (*Store, *redis.Client) {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}

	clean := func() {
		iter := client.Scan(ctx, 0, SessionPrefix+"test_*", 100).Iterator()
		for iter.Next(ctx) {
			client.Del(ctx, iter.Val())
		}
	}
	clean()
	t.Cleanup(func() {
		clean()
		client.Close()
	})
	return NewStoreWithClient(client, "node-test"), client
}

func TestLedger_Lifecycle(t *testing.T) {
	store, client := newTestLedger(t)
	ctx := context.Background()

	if err := store.Create(ctx, "test_conn1", "10.0.0.1:4000"); err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	rec, err := store.Get(ctx, "test_conn1")
	if err != nil || rec == nil {
		t.Fatalf("Get() = %v, %v", rec, err)
	}
	if rec.Status != "authenticating" || rec.UserID != 0 || rec.Server != "node-test" {
		t.Errorf("unexpected record after Create: %+v", rec)
	}

	if err := store.Activate(ctx, "test_conn1", 42); err != nil {
		t.Fatalf("Activate() error: %v", err)
	}
	if err := store.Touch(ctx, "test_conn1"); err != nil {
		t.Fatalf("Touch() error: %v", err)
	}
	rec, _ = store.Get(ctx, "test_conn1")
	if rec.Status != "active" || rec.UserID != 42 || rec.RemoteAddr != "10.0.0.1:4000" {
		t.Errorf("unexpected record after Activate: %+v", rec)
	}

	ttl, err := client.TTL(ctx, SessionPrefix+"test_conn1").Result()
	if err != nil || ttl <= 0 || ttl > SessionTTL {
		t.Errorf("unexpected TTL %v (%v)", ttl, err)
	}

	if err := store.Delete(ctx, "test_conn1"); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
	if rec, _ := store.Get(ctx, "test_conn1"); rec != nil {
		t.Errorf("expected record to be gone, got %+v", rec)
	}
}

func TestLedger_GetMissing(t *testing.T) {
	store, _ := newTestLedger(t)
	rec, err := store.Get(context.Background(), "test_missing")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if rec != nil {
		t.Errorf("expected nil, got %+v", rec)
	}
}
