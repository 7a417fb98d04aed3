package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/yuting0624/Cafe-Agent-Gemini/config"
)

// ErrMaxSessions is returned by Register when the server is full
var ErrMaxSessions = errors.New("maximum sessions reached")

const (
	activeSessionsKey = "active_sessions"
	heartbeatInterval = time.Minute
)

// Manager tracks the relays running in this process and mirrors them to
// Redis when configured. The mirror is informational only: Redis failures
// are logged and never affect a conversation.
type Manager struct {
	sessions map[string]*Relay
	mu       sync.RWMutex
	redis    *redis.Client
	config   *config.Config
	log      *zap.Logger
}

// NewManager creates a session manager. Redis is used only if REDIS_URL is
// set and reachable.
func NewManager(cfg *config.Config, log *zap.Logger) *Manager {
	var redisClient *redis.Client

	if cfg.RedisURL != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisURL,
			Password: cfg.RedisPassword,
			DB:       0,
		})

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := redisClient.Ping(ctx).Err(); err != nil {
			log.Warn("redis unavailable, continuing without session mirror", zap.String("addr", cfg.RedisURL), zap.Error(err))
			_ = redisClient.Close()
			redisClient = nil
		}
	}

	return newManager(cfg, redisClient, log)
}

func newManager(cfg *config.Config, redisClient *redis.Client, log *zap.Logger) *Manager {
	return &Manager{
		sessions: make(map[string]*Relay),
		redis:    redisClient,
		config:   cfg,
		log:      log,
	}
}

// Register adds a relay, refusing it when MaxSessions relays are active
func (sm *Manager) Register(ctx context.Context, relay *Relay) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if len(sm.sessions) >= sm.config.MaxSessions {
		return ErrMaxSessions
	}
	sm.sessions[relay.ID] = relay

	if sm.redis != nil {
		key := sessionKey(relay.ID)
		pipe := sm.redis.TxPipeline()
		pipe.HSet(ctx, key, map[string]interface{}{
			"created_at":  relay.CreatedAt.Format(time.RFC3339),
			"remote_addr": relay.RemoteAddr,
			"status":      "active",
		})
		pipe.Expire(ctx, key, sm.config.SessionTimeout)
		pipe.SAdd(ctx, activeSessionsKey, relay.ID)
		if _, err := pipe.Exec(ctx); err != nil {
			sm.log.Warn("redis register failed", zap.String("session", relay.ID), zap.Error(err))
		}
	}
	return nil
}

// Get retrieves a relay by ID
func (sm *Manager) Get(sessionID string) (*Relay, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	relay, exists := sm.sessions[sessionID]
	return relay, exists
}

// Unregister removes a relay. It does not close it.
func (sm *Manager) Unregister(ctx context.Context, sessionID string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if _, exists := sm.sessions[sessionID]; !exists {
		return
	}
	delete(sm.sessions, sessionID)
	sm.forget(ctx, sessionID)
}

func (sm *Manager) forget(ctx context.Context, sessionID string) {
	if sm.redis == nil {
		return
	}
	pipe := sm.redis.TxPipeline()
	pipe.Del(ctx, sessionKey(sessionID))
	pipe.SRem(ctx, activeSessionsKey, sessionID)
	if _, err := pipe.Exec(ctx); err != nil {
		sm.log.Warn("redis unregister failed", zap.String("session", sessionID), zap.Error(err))
	}
}

// ActiveCount returns current session count
func (sm *Manager) ActiveCount() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.sessions)
}

// StartHeartbeat refreshes the Redis TTL of every active session until ctx
// is done, so entries of a crashed process expire on their own.
func (sm *Manager) StartHeartbeat(ctx context.Context) {
	if sm.redis == nil {
		return
	}

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sm.refresh(ctx)
		}
	}
}

func (sm *Manager) refresh(ctx context.Context) {
	sm.mu.RLock()
	ids := make([]string, 0, len(sm.sessions))
	for id := range sm.sessions {
		ids = append(ids, id)
	}
	sm.mu.RUnlock()

	if len(ids) == 0 {
		return
	}

	pipe := sm.redis.Pipeline()
	for _, id := range ids {
		pipe.Expire(ctx, sessionKey(id), sm.config.SessionTimeout)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		sm.log.Warn("redis heartbeat failed", zap.Int("sessions", len(ids)), zap.Error(err))
	}
}

// Shutdown closes all relays and the Redis client
func (sm *Manager) Shutdown() {
	sm.mu.Lock()
	relays := make([]*Relay, 0, len(sm.sessions))
	for id, relay := range sm.sessions {
		relays = append(relays, relay)
		delete(sm.sessions, id)
		sm.forget(context.Background(), id)
	}
	sm.mu.Unlock()

	for _, relay := range relays {
		_ = relay.Close()
	}

	if sm.redis != nil {
		_ = sm.redis.Close()
	}
}

func sessionKey(id string) string {
	return "session:" + id
}
