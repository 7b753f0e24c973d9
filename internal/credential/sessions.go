package credential

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

// SessionStore maps session ids to credential ids for sticky routing. Reads
// extend the TTL.
type SessionStore interface {
	Get(ctx context.Context, sessionID string) (int64, bool)
	Put(ctx context.Context, sessionID string, credID int64)
	Delete(ctx context.Context, sessionID string)
}

type memorySession struct {
	credID    int64
	expiresAt time.Time
}

// MemorySessions is the in-process fallback when redis is not configured.
type MemorySessions struct {
	mu   sync.Mutex
	ttl  time.Duration
	data map[string]memorySession
	now  func() time.Time
}

// NewMemorySessions creates a store with the given sticky TTL.
func NewMemorySessions(ttl time.Duration) *MemorySessions {
	return &MemorySessions{ttl: ttl, data: make(map[string]memorySession), now: time.Now}
}

func (s *MemorySessions) Get(_ context.Context, sessionID string) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.data[sessionID]
	if !ok || !e.expiresAt.After(s.now()) {
		delete(s.data, sessionID)
		return 0, false
	}
	e.expiresAt = s.now().Add(s.ttl)
	s.data[sessionID] = e
	return e.credID, true
}

func (s *MemorySessions) Put(_ context.Context, sessionID string, credID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[sessionID] = memorySession{credID: credID, expiresAt: s.now().Add(s.ttl)}
}

func (s *MemorySessions) Delete(_ context.Context, sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, sessionID)
}

// Sweep drops expired entries. Run it on a ticker.
func (s *MemorySessions) Sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for k, e := range s.data {
		if !e.expiresAt.After(now) {
			delete(s.data, k)
		}
	}
}

// RedisSessions keeps sticky mappings in redis so multiple instances agree.
type RedisSessions struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// NewRedisSessions creates a redis-backed store.
func NewRedisSessions(client *redis.Client, ttl time.Duration) *RedisSessions {
	return &RedisSessions{client: client, ttl: ttl, prefix: "session:"}
}

func (s *RedisSessions) Get(ctx context.Context, sessionID string) (int64, bool) {
	val, err := s.client.GetEx(ctx, s.prefix+sessionID, s.ttl).Result()
	if err == redis.Nil {
		return 0, false
	}
	if err != nil {
		log.WithError(err).Warn("sticky session read failed")
		return 0, false
	}
	id, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

func (s *RedisSessions) Put(ctx context.Context, sessionID string, credID int64) {
	if err := s.client.Set(ctx, s.prefix+sessionID, strconv.FormatInt(credID, 10), s.ttl).Err(); err != nil {
		log.WithError(err).Warn("sticky session write failed")
	}
}

func (s *RedisSessions) Delete(ctx context.Context, sessionID string) {
	if err := s.client.Del(ctx, s.prefix+sessionID).Err(); err != nil {
		log.WithError(err).Warn("sticky session delete failed")
	}
}
