// Package authcache implements a TTL-bound cache of per-engine
// authentication state, sharing in-flight probes across concurrent callers
// via golang.org/x/sync/singleflight so a slow provider auth check (10-30s)
// is never run twice concurrently for the same engine.
package authcache

import (
	"os"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"codemachine/pkg/logx"
)

const defaultTTL = 5 * time.Minute

// Probe checks whether an engine is currently authenticated. It may be
// slow (a real provider round-trip) — that is exactly why AuthCache exists.
type Probe func(engineID string) (bool, error)

type entry struct {
	authenticated bool
	checkedAt     time.Time
}

// Cache is a workspace-scoped authentication cache; each workflow instance
// owns one, per the source's "global singletons → workspace-scoped handles"
// guidance.
type Cache struct {
	mu     sync.RWMutex
	ttl    time.Duration
	cache  map[string]entry
	group  singleflight.Group
	dryRun bool
	log    *logx.Logger
}

// New returns a Cache with the TTL resolved from the
// CODEMACHINE_AUTH_CACHE_TTL_SECONDS environment variable, falling back to
// defaultTTL. When CODEMACHINE_DRY_RUN is set, IsAuthenticated reports every
// engine authenticated without probing, for manual pipeline exercises where
// no provider credentials are configured.
func New() *Cache {
	ttl := defaultTTL
	if v := os.Getenv("CODEMACHINE_AUTH_CACHE_TTL_SECONDS"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			ttl = time.Duration(secs) * time.Second
		}
	}
	return &Cache{
		ttl: ttl, cache: make(map[string]entry), log: logx.NewLogger("authcache"),
		dryRun: os.Getenv("CODEMACHINE_DRY_RUN") != "",
	}
}

// IsAuthenticated returns the cached value for engineID if fresher than the
// TTL; otherwise it invokes probe exactly once (concurrent callers for the
// same engineID share the in-flight call and result) and caches the
// outcome. In dry-run mode it always returns true without invoking probe.
func (c *Cache) IsAuthenticated(engineID string, probe Probe) (bool, error) {
	if c.dryRun {
		return true, nil
	}

	c.mu.RLock()
	e, ok := c.cache[engineID]
	c.mu.RUnlock()
	if ok && time.Since(e.checkedAt) < c.ttl {
		return e.authenticated, nil
	}

	result, err, _ := c.group.Do(engineID, func() (any, error) {
		authed, probeErr := probe(engineID)
		if probeErr != nil {
			return false, probeErr
		}
		c.mu.Lock()
		c.cache[engineID] = entry{authenticated: authed, checkedAt: time.Now()}
		c.mu.Unlock()
		return authed, nil
	})
	if err != nil {
		return false, err
	}
	return result.(bool), nil
}

// Invalidate discards the cached value for a single engine, forcing the
// next call to re-probe.
func (c *Cache) Invalidate(engineID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.cache, engineID)
}

// Clear discards the entire cache.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache = make(map[string]entry)
}
