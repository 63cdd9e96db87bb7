package session

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// SessionPrefix is the Redis key prefix for all connection session hashes.
	SessionPrefix = "chat:session:"

	// SessionTTL is the time-to-live for session keys in Redis. Touch
	// refreshes it while the connection is in use.
	SessionTTL = 1 * time.Hour
)

// Record is a connection session as stored in Redis.
type Record struct {
	ID         string `redis:"id"`
	UserID     int64  `redis:"user_id"` // 0 until authenticated
	Status     string `redis:"status"`  // authenticating | active
	Server     string `redis:"server"`  // which chat node holds the socket
	RemoteAddr string `redis:"remote_addr"`
	CreatedAt  int64  `redis:"created_at"`  // unix timestamp
	LastActive int64  `redis:"last_active"` // unix timestamp
}

// Store records live connection sessions in Redis so operators and other
// services can see which node holds which user's socket.
type Store struct {
	client     *redis.Client
	serverName string // identifier for this chat node
}

// NewStoreWithClient wraps an existing Redis client.
func NewStoreWithClient(client *redis.Client, serverName string) *Store {
	return &Store{client: client, serverName: serverName}
}

// Create stores a new session in the authenticating state.
func (s *Store) Create(ctx context.Context, connID, remoteAddr string) error {
	key := SessionPrefix + connID
	now := time.Now().Unix()

	record := map[string]interface{}{
		"id":          connID,
		"user_id":     0,
		"status":      StateAuthenticating.String(),
		"server":      s.serverName,
		"remote_addr": remoteAddr,
		"created_at":  now,
		"last_active": now,
	}

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, record)
	pipe.Expire(ctx, key, SessionTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Activate records the authenticated user and marks the session active.
func (s *Store) Activate(ctx context.Context, connID string, userID int64) error {
	key := SessionPrefix + connID
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key,
		"user_id", strconv.FormatInt(userID, 10),
		"status", StateActive.String(),
		"last_active", time.Now().Unix(),
	)
	pipe.Expire(ctx, key, SessionTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Touch updates last_active and refreshes the TTL.
func (s *Store) Touch(ctx context.Context, connID string) error {
	key := SessionPrefix + connID
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, "last_active", time.Now().Unix())
	pipe.Expire(ctx, key, SessionTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Get retrieves a session from Redis. Returns nil if not found.
func (s *Store) Get(ctx context.Context, connID string) (*Record, error) {
	key := SessionPrefix + connID
	var record Record
	if err := s.client.HGetAll(ctx, key).Scan(&record); err != nil {
		return nil, err
	}
	if record.ID == "" {
		return nil, nil // not found
	}
	return &record, nil
}

// Delete removes a session from Redis.
func (s *Store) Delete(ctx context.Context, connID string) error {
	key := SessionPrefix + connID
	return s.client.Del(ctx, key).Err()
}
