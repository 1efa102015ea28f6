package security

import (
	"container/list"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultMaxLimiterEntries = 10000
	limiterCleanupInterval   = 5 * time.Minute
	limiterMaxIdleTime       = 30 * time.Minute
)

// limiterEntry tracks a per-identifier limiter and its last access time
type limiterEntry struct {
	identifier string
	limiter    *rate.Limiter
	lastAccess time.Time
}

// RateLimiter provides per-identifier (IP, user, client) rate limiting
// using the token bucket algorithm, with LRU eviction so an attacker
// cycling identifiers cannot grow memory without bound.
type RateLimiter struct {
	limiters   map[string]*list.Element
	lru        *list.List
	mu         sync.RWMutex
	rate       int
	burst      int
	maxEntries int
	logger     *slog.Logger

	stopCleanup chan struct{}
	stopOnce    sync.Once

	evictions int64
}

// NewRateLimiter creates a rate limiter with automatic idle cleanup and a
// default cap of 10,000 tracked identifiers.
func NewRateLimiter(requestsPerSecond, burst int, logger *slog.Logger) *RateLimiter {
	return NewRateLimiterWithConfig(requestsPerSecond, burst, defaultMaxLimiterEntries, logger)
}

// NewRateLimiterWithConfig creates a rate limiter with a custom cap on
// tracked identifiers. maxEntries of 0 means unlimited (not recommended).
func NewRateLimiterWithConfig(requestsPerSecond, burst, maxEntries int, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	if maxEntries < 0 {
		maxEntries = defaultMaxLimiterEntries
	}

	rl := &RateLimiter{
		limiters:    make(map[string]*list.Element),
		lru:         list.New(),
		rate:        requestsPerSecond,
		burst:       burst,
		maxEntries:  maxEntries,
		logger:      logger,
		stopCleanup: make(chan struct{}),
	}

	go rl.cleanupLoop()

	return rl
}

// Allow reports whether a request from the given identifier is allowed.
func (rl *RateLimiter) Allow(identifier string) bool {
	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	if elem, exists := rl.limiters[identifier]; exists {
		rl.lru.MoveToFront(elem)
		entry := elem.Value.(*limiterEntry)
		entry.lastAccess = now
		return entry.limiter.Allow()
	}

	if rl.maxEntries > 0 && len(rl.limiters) >= rl.maxEntries {
		rl.evictLRU()
	}

	entry := &limiterEntry{
		identifier: identifier,
		limiter:    rate.NewLimiter(rate.Limit(rl.rate), rl.burst),
		lastAccess: now,
	}
	rl.limiters[identifier] = rl.lru.PushFront(entry)

	return entry.limiter.Allow()
}

// evictLRU removes the least recently used entry. Caller holds the lock.
func (rl *RateLimiter) evictLRU() {
	elem := rl.lru.Back()
	if elem == nil {
		return
	}
	entry := elem.Value.(*limiterEntry)
	delete(rl.limiters, entry.identifier)
	rl.lru.Remove(elem)
	rl.evictions++

	rl.logger.Debug("Rate limiter LRU eviction",
		"identifier", entry.identifier,
		"total_evictions", rl.evictions,
		"current_entries", len(rl.limiters))
}

func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(limiterCleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.Cleanup(limiterMaxIdleTime)
		case <-rl.stopCleanup:
			return
		}
	}
}

// Cleanup removes limiters that have been idle longer than maxIdleTime.
func (rl *RateLimiter) Cleanup(maxIdleTime time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	removed := 0

	var next *list.Element
	for elem := rl.lru.Front(); elem != nil; elem = next {
		next = elem.Next()
		entry := elem.Value.(*limiterEntry)

		if now.Sub(entry.lastAccess) > maxIdleTime {
			delete(rl.limiters, entry.identifier)
			rl.lru.Remove(elem)
			removed++
		}
	}

	if removed > 0 {
		rl.logger.Debug("Rate limiter cleanup completed",
			"removed", removed,
			"remaining", len(rl.limiters))
	}
}

// Len returns the number of currently tracked identifiers.
func (rl *RateLimiter) Len() int {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	return len(rl.limiters)
}

// Stop gracefully stops the cleanup goroutine. Safe to call more than once.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopCleanup) })
}
