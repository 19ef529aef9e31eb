package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"saas-fulfillment/pkg/logging"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	_ InFlightGuard = (*MemoryInFlightGuard)(nil)
	_ InFlightGuard = (*RedisInFlightGuard)(nil)
)

// MemoryInFlightGuard tracks claimed notification ids inside one process.
// Claims expire after ttl so that a crashed handler cannot block an id forever.
type MemoryInFlightGuard struct {
	claims          map[string]time.Time
	mutex           sync.Mutex
	ttl             time.Duration
	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
}

// NewMemoryInFlightGuard creates a guard and starts its cleanup routine
func NewMemoryInFlightGuard(ttl time.Duration) *MemoryInFlightGuard {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	g := &MemoryInFlightGuard{
		claims:          make(map[string]time.Time),
		ttl:             ttl,
		cleanupInterval: ttl,
		stopCleanup:     make(chan struct{}),
	}
	go g.startCleanupRoutine()
	return g
}

// Acquire claims key. It returns false while another holder's claim is live.
func (g *MemoryInFlightGuard) Acquire(ctx context.Context, key string) (bool, error) {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	now := time.Now()
	if claimed, exists := g.claims[key]; exists && now.Sub(claimed) < g.ttl {
		return false, nil
	}
	g.claims[key] = now
	return true, nil
}

// Release drops the claim on key
func (g *MemoryInFlightGuard) Release(ctx context.Context, key string) {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	delete(g.claims, key)
}

func (g *MemoryInFlightGuard) startCleanupRoutine() {
	ticker := time.NewTicker(g.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			g.cleanup()
		case <-g.stopCleanup:
			return
		}
	}
}

func (g *MemoryInFlightGuard) cleanup() {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	now := time.Now()
	initialCount := len(g.claims)
	for key, claimed := range g.claims {
		if now.Sub(claimed) >= g.ttl {
			delete(g.claims, key)
		}
	}
	if cleaned := initialCount - len(g.claims); cleaned > 0 {
		logging.Debugf("In-flight guard cleanup: removed %d expired claims, remaining: %d", cleaned, len(g.claims))
	}
}

// Stop stops the cleanup routine
func (g *MemoryInFlightGuard) Stop() {
	g.stopOnce.Do(func() { close(g.stopCleanup) })
}

// releaseScript deletes the claim only if it still belongs to the caller
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisInFlightGuard shares claims between service replicas through redis
type RedisInFlightGuard struct {
	client *redis.Client
	ttl    time.Duration

	mu     sync.Mutex
	owners map[string]string
}

// NewRedisInFlightGuard creates a guard on an existing redis client
func NewRedisInFlightGuard(client *redis.Client, ttl time.Duration) *RedisInFlightGuard {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &RedisInFlightGuard{client: client, ttl: ttl, owners: make(map[string]string)}
}

func inFlightKey(key string) string {
	return fmt.Sprintf("fulfillment:inflight:%s", key)
}

// Acquire claims key with SET NX and a ttl
func (g *RedisInFlightGuard) Acquire(ctx context.Context, key string) (bool, error) {
	token := uuid.NewString()
	ok, err := g.client.SetNX(ctx, inFlightKey(key), token, g.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to claim notification %s: %w", key, err)
	}
	if ok {
		g.mu.Lock()
		g.owners[key] = token
		g.mu.Unlock()
	}
	return ok, nil
}

// Release drops this process's claim on key
func (g *RedisInFlightGuard) Release(ctx context.Context, key string) {
	g.mu.Lock()
	token, ok := g.owners[key]
	delete(g.owners, key)
	g.mu.Unlock()
	if !ok {
		return
	}
	if err := releaseScript.Run(ctx, g.client, []string{inFlightKey(key)}, token).Err(); err != nil && err != redis.Nil {
		logging.Ctx(ctx).Warn().Err(err).Str("notification", key).Msg("failed to release in-flight claim")
	}
}
