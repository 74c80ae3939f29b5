package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/opentalab/paperchat/internal/metrics"
	"github.com/opentalab/paperchat/internal/models"
)

const (
	keyPrefix       = "conversation:"
	degradeCooldown = 30 * time.Second
)

// Store is the durable side of conversation history. Writes are queued
// asynchronously; reads hit Postgres directly on cache misses.
type Store interface {
	QueueTurn(conversationID string, turn models.Turn, title string)
	LoadTurns(ctx context.Context, conversationID string, limit int) ([]models.Turn, error)
}

// Manager layers a Redis turn cache over the durable store. Cache failures
// degrade silently: callers still get history from Postgres and writes still
// reach the durable queue, only the hot path gets slower.
type Manager struct {
	cache  *redis.Client
	store  Store
	logger *zap.Logger

	ttl     time.Duration
	turnCap int

	mu            sync.Mutex
	degradedUntil time.Time
}

// Config controls cache behavior.
type Config struct {
	TTL     time.Duration
	TurnCap int
}

// NewManager wires the cache and durable store together.
func NewManager(cache *redis.Client, store Store, cfg Config, logger *zap.Logger) *Manager {
	if cfg.TTL == 0 {
		cfg.TTL = time.Hour
	}
	if cfg.TurnCap == 0 {
		cfg.TurnCap = 50
	}
	return &Manager{
		cache:   cache,
		store:   store,
		logger:  logger,
		ttl:     cfg.TTL,
		turnCap: cfg.TurnCap,
	}
}

func (m *Manager) cacheHealthy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return time.Now().After(m.degradedUntil)
}

func (m *Manager) degrade(op string, err error) {
	m.mu.Lock()
	m.degradedUntil = time.Now().Add(degradeCooldown)
	m.mu.Unlock()
	metrics.SessionCacheDegradations.Inc()
	m.logger.Warn("Session cache degraded",
		zap.String("operation", op),
		zap.Error(err),
	)
}

// GetHistory returns the last limit turns in chronological order. Incognito
// conversations have no history anywhere, so the answer is always empty.
func (m *Manager) GetHistory(ctx context.Context, conversationID string, limit int, incognito bool) ([]models.Turn, error) {
	if incognito {
		return nil, nil
	}
	if limit <= 0 {
		return nil, nil
	}

	// The cache only ever holds the last turnCap turns, so requests for
	// more go straight to the durable store.
	if m.cache != nil && limit <= m.turnCap && m.cacheHealthy() {
		turns, err := m.readCache(ctx, conversationID)
		if err != nil {
			m.degrade("get", err)
		} else if turns != nil {
			metrics.SessionCacheHits.Inc()
			return lastN(turns, limit), nil
		} else {
			metrics.SessionCacheMisses.Inc()
		}
	}

	loadLimit := limit
	if loadLimit < m.turnCap {
		loadLimit = m.turnCap
	}
	turns, err := m.store.LoadTurns(ctx, conversationID, loadLimit)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	if len(turns) > 0 && m.cache != nil && m.cacheHealthy() {
		cached := turns
		if len(cached) > m.turnCap {
			cached = cached[len(cached)-m.turnCap:]
		}
		m.writeCache(ctx, conversationID, cached)
	}
	return lastN(turns, limit), nil
}

// AddTurn records a completed exchange in both tiers. Incognito turns are
// dropped entirely. The durable write is queued and never blocks the caller.
func (m *Manager) AddTurn(ctx context.Context, conversationID string, turn models.Turn, title string, incognito bool) {
	if incognito {
		return
	}
	if turn.Timestamp.IsZero() {
		turn.Timestamp = time.Now().UTC()
	}

	if m.cache != nil && m.cacheHealthy() {
		cached, err := m.readCache(ctx, conversationID)
		if err != nil {
			m.degrade("append", err)
		} else {
			cached = append(cached, turn)
			if len(cached) > m.turnCap {
				cached = cached[len(cached)-m.turnCap:]
			}
			m.writeCache(ctx, conversationID, cached)
		}
	}

	m.store.QueueTurn(conversationID, turn, title)
}

// readCache returns nil turns with nil error on a cache miss.
func (m *Manager) readCache(ctx context.Context, conversationID string) ([]models.Turn, error) {
	data, err := m.cache.Get(ctx, keyPrefix+conversationID).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var turns []models.Turn
	if err := json.Unmarshal(data, &turns); err != nil {
		// Treat a corrupt entry as a miss; the durable store rebuilds it.
		m.logger.Warn("Dropping corrupt cache entry",
			zap.String("conversation_id", conversationID))
		m.cache.Del(ctx, keyPrefix+conversationID)
		return nil, nil
	}
	return turns, nil
}

func (m *Manager) writeCache(ctx context.Context, conversationID string, turns []models.Turn) {
	data, err := json.Marshal(turns)
	if err != nil {
		return
	}
	if err := m.cache.Set(ctx, keyPrefix+conversationID, data, m.ttl).Err(); err != nil {
		m.degrade("set", err)
	}
}

// Ping reports cache reachability for health endpoints.
func (m *Manager) Ping(ctx context.Context) error {
	if m.cache == nil {
		return nil
	}
	return m.cache.Ping(ctx).Err()
}

func lastN(turns []models.Turn, n int) []models.Turn {
	if len(turns) <= n {
		return turns
	}
	return turns[len(turns)-n:]
}
