package session

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/roomchat/chat-server/internal/presence"
)

const (
	// SessionPrefix is the Redis key prefix for all session hashes.
	SessionPrefix = "session:"

	// SessionTTL is the time-to-live for session keys in Redis. Every write
	// refreshes it.
	SessionTTL = 1 * time.Hour
)

// Session is a connection's record as stored in Redis.
type Session struct {
	ID         string `redis:"id"`
	Username   string `redis:"username"`    // empty until the first join
	RoomID     string `redis:"room_id"`     // empty when not in a room
	Server     string `redis:"server"`      // which WS server instance
	CreatedAt  int64  `redis:"created_at"`  // unix timestamp
	LastActive int64  `redis:"last_active"` // unix timestamp
}

// Store manages session state in Redis.
type Store struct {
	client     *redis.Client
	serverName string // identifier for this WS server instance
}

var _ presence.Registry = (*Store)(nil)

// NewStore creates a new session store connected to Redis.
func NewStore(redisAddr string, serverName string) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	// Verify connection.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("session: redis connection failed: %w", err)
	}

	return NewStoreWithClient(client, serverName), nil
}

// NewStoreWithClient wraps an existing client.
func NewStoreWithClient(client *redis.Client, serverName string) *Store {
	return &Store{client: client, serverName: serverName}
}

// Create stores a fresh, anonymous session for a new connection.
func (s *Store) Create(ctx context.Context, sessionID string) error {
	key := SessionPrefix + sessionID
	now := time.Now().Unix()

	session := map[string]interface{}{
		"id":          sessionID,
		"username":    "",
		"room_id":     "",
		"server":      s.serverName,
		"created_at":  now,
		"last_active": now,
	}

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, session)
	pipe.Expire(ctx, key, SessionTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Lookup retrieves a session from Redis. Returns nil if not found.
func (s *Store) Lookup(ctx context.Context, sessionID string) (*Session, error) {
	key := SessionPrefix + sessionID
	var session Session
	err := s.client.HGetAll(ctx, key).Scan(&session)
	if err != nil {
		return nil, err
	}
	if session.ID == "" {
		return nil, nil // not found
	}
	return &session, nil
}

// Get returns the identity recorded for the connection. Redis failures are
// logged and reported as an unknown connection; Disconnect still finds the
// rooms through the local room store.
func (s *Store) Get(ctx context.Context, sessionID string) presence.Identity {
	session, err := s.Lookup(ctx, sessionID)
	if err != nil {
		log.Printf("[session] get %s: %v", sessionID, err)
		return presence.Identity{}
	}
	if session == nil {
		return presence.Identity{}
	}
	return presence.Identity{Username: session.Username, RoomID: session.RoomID}
}

// Set writes the fields present in patch and refreshes the TTL. A record is
// created if none exists.
func (s *Store) Set(ctx context.Context, sessionID string, patch presence.Patch) error {
	key := SessionPrefix + sessionID
	fields := []interface{}{
		"id", sessionID,
		"server", s.serverName,
		"last_active", time.Now().Unix(),
	}
	if patch.Username != nil {
		fields = append(fields, "username", *patch.Username)
	}
	if patch.RoomID != nil {
		fields = append(fields, "room_id", *patch.RoomID)
	}

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, fields...)
	pipe.Expire(ctx, key, SessionTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session: set %s: %w", sessionID, err)
	}
	return nil
}

// Clear removes a session from Redis.
func (s *Store) Clear(ctx context.Context, sessionID string) error {
	key := SessionPrefix + sessionID
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("session: clear %s: %w", sessionID, err)
	}
	return nil
}

// RefreshTTL extends the session's TTL and bumps last_active.
func (s *Store) RefreshTTL(ctx context.Context, sessionID string) error {
	key := SessionPrefix + sessionID
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, "last_active", time.Now().Unix())
	pipe.Expire(ctx, key, SessionTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Client returns the underlying Redis client for use by other packages.
func (s *Store) Client() *redis.Client {
	return s.client
}
