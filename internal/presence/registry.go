// Package presence tracks which users currently hold a live, authenticated
// connection on this node. At most one channel is registered per user.
package presence

import (
	"context"
	"sync"
)

// Channel is the outbound side of a live connection.
type Channel interface {
	// ID identifies the underlying connection.
	ID() string
	// Push enqueues payload for delivery. It must honour ctx cancellation.
	Push(ctx context.Context, payload []byte) error
	// Close terminates the connection with a WebSocket close code.
	Close(code int, reason string) error
}

// Target is a snapshot entry returned by BroadcastTargets.
type Target struct {
	UserID  int64
	Channel Channel
}

// Registry maps user ids to their live channel.
type Registry struct {
	mu      sync.RWMutex
	entries map[int64]Channel
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[int64]Channel)}
}

// Register installs ch as userID's channel and returns the channel it
// replaced, or nil. The caller is responsible for closing the displaced one.
func (r *Registry) Register(userID int64, ch Channel) Channel {
	r.mu.Lock()
	prev := r.entries[userID]
	r.entries[userID] = ch
	r.mu.Unlock()

	if prev == ch {
		return nil
	}
	return prev
}

// Deregister removes userID's entry only while it still points at ch. A
// session that was displaced by a newer connection therefore cannot remove
// its successor. It reports whether an entry was removed.
func (r *Registry) Deregister(userID int64, ch Channel) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.entries[userID]; ok && cur == ch {
		delete(r.entries, userID)
		return true
	}
	return false
}

// Lookup returns the channel registered for userID.
func (r *Registry) Lookup(userID int64) (Channel, bool) {
	r.mu.RLock()
	ch, ok := r.entries[userID]
	r.mu.RUnlock()
	return ch, ok
}

// IsOnline reports whether userID has a registered channel.
func (r *Registry) IsOnline(userID int64) bool {
	_, ok := r.Lookup(userID)
	return ok
}

// BroadcastTargets returns a snapshot of all entries. The slice is safe to
// iterate while other goroutines register and deregister.
func (r *Registry) BroadcastTargets() []Target {
	r.mu.RLock()
	targets := make([]Target, 0, len(r.entries))
	for id, ch := range r.entries {
		targets = append(targets, Target{UserID: id, Channel: ch})
	}
	r.mu.RUnlock()
	return targets
}

// Count returns the number of online users.
func (r *Registry) Count() int {
	r.mu.RLock()
	n := len(r.entries)
	r.mu.RUnlock()
	return n
}
