package swap

import (
	"sync"
	"time"
)

// RouteCache keeps detected routes to avoid probing the factories on every request
type RouteCache struct {
	mu       sync.RWMutex
	cache    map[string]*cachedRoute
	cacheTTL time.Duration
}

// cachedRoute represents a cached route with timestamp, a nil route records a miss
type cachedRoute struct {
	route     *RouteInfo
	timestamp time.Time
}

// NewRouteCache creates a new route cache
func NewRouteCache(cacheTTL time.Duration) *RouteCache {
	return &RouteCache{
		cache:    make(map[string]*cachedRoute),
		cacheTTL: cacheTTL,
	}
}

// Get retrieves a cached route if it's still valid
func (c *RouteCache) Get(key string) (*RouteInfo, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	cached, exists := c.cache[key]
	if !exists {
		return nil, false
	}

	// Check if cache is still valid
	if time.Since(cached.timestamp) > c.cacheTTL {
		return nil, false
	}

	return cached.route, true
}

// Set stores a route in the cache with current timestamp
func (c *RouteCache) Set(key string, route *RouteInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.cache[key] = &cachedRoute{
		route:     route,
		timestamp: time.Now(),
	}
}

// Clear removes all cached entries
func (c *RouteCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.cache = make(map[string]*cachedRoute)
}

// Stats returns the number of entries and the TTL
func (c *RouteCache) Stats() (int, time.Duration) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.cache), c.cacheTTL
}
