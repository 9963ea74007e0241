// ABOUTME: Per-key leases that keep at most one sync pass running per account
// ABOUTME: In-process map for single instances, Redis SET NX PX for multi-instance deployments
package coord

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Lease grants exclusive, expiring ownership of a key.
type Lease interface {
	// Acquire returns ok=false without error when someone else holds key.
	// A granted hold is renewed every ttl/3 until release, so it only lapses
	// when the holder stops renewing. The release func is safe to call more than once.
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(), ok bool, err error)
}

// MemoryLease is a Lease for a single process.
type MemoryLease struct {
	mu     sync.Mutex
	held   map[string]memoryHold
	tokens uint64
	now    func() time.Time
}

type memoryHold struct {
	token   uint64
	expires time.Time
}

func NewMemoryLease() *MemoryLease {
	return &MemoryLease{held: make(map[string]memoryHold), now: time.Now}
}

func (l *MemoryLease) Acquire(_ context.Context, key string, ttl time.Duration) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if h, ok := l.held[key]; ok && now.Before(h.expires) {
		return nil, false, nil
	}

	l.tokens++
	token := l.tokens
	l.held[key] = memoryHold{token: token, expires: now.Add(ttl)}

	stop := keepAlive(ttl, func() bool { return l.extend(key, token, ttl) })

	var once sync.Once
	release := func() {
		once.Do(func() {
			stop()
			l.mu.Lock()
			defer l.mu.Unlock()
			if h, ok := l.held[key]; ok && h.token == token {
				delete(l.held, key)
			}
		})
	}
	return release, true, nil
}

func (l *MemoryLease) extend(key string, token uint64, ttl time.Duration) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	h, ok := l.held[key]
	if !ok || h.token != token {
		return false
	}
	h.expires = l.now().Add(ttl)
	l.held[key] = h
	return true
}

// releaseScript deletes the key only while it still carries our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// extendScript resets the TTL only while the key still carries our token.
var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RedisLease is a Lease shared by every process using the same Redis.
type RedisLease struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisLease(client redis.UniversalClient, prefix string) *RedisLease {
	if prefix == "" {
		prefix = "calsync:lease:"
	}
	return &RedisLease{client: client, prefix: prefix}
}

func (l *RedisLease) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), bool, error) {
	token, err := randomToken()
	if err != nil {
		return nil, false, err
	}

	fullKey := l.prefix + key
	err = l.client.SetArgs(ctx, fullKey, token, redis.SetArgs{Mode: "NX", TTL: ttl}).Err()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to acquire lease %s: %w", key, err)
	}

	stop := keepAlive(ttl, func() bool {
		ctx, cancel := context.WithTimeout(context.Background(), ttl/3)
		defer cancel()
		n, err := extendScript.Run(ctx, l.client, []string{fullKey}, token, ttl.Milliseconds()).Int()
		// a failed round trip is retried on the next tick; only a lost key ends renewal
		return err != nil || n == 1
	})

	var once sync.Once
	release := func() {
		once.Do(func() {
			stop()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = releaseScript.Run(ctx, l.client, []string{fullKey}, token).Err()
		})
	}
	return release, true, nil
}

// keepAlive calls extend every ttl/3 until stop is called or extend reports
// the hold is gone.
func keepAlive(ttl time.Duration, extend func() bool) (stop func()) {
	interval := ttl / 3
	if interval <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if !extend() {
					return
				}
			}
		}
	}()
	return func() { close(done) }
}

func randomToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate lease token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
