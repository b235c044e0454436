package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"
)

// KeyCache remembers which agent a raw API key resolved to, so repeated
// requests with the same key skip the Argon2id verification. Entries are
// keyed by SHA-256 of the raw key; the raw key itself is never held.
type KeyCache struct {
	cache *ttlcache.Cache[string, uuid.UUID]
}

// NewKeyCache creates a cache whose entries live for ttl. Call Close to stop
// the background eviction goroutine.
func NewKeyCache(ttl time.Duration) *KeyCache {
	c := ttlcache.New(
		ttlcache.WithTTL[string, uuid.UUID](ttl),
		ttlcache.WithDisableTouchOnHit[string, uuid.UUID](),
	)
	go c.Start()
	return &KeyCache{cache: c}
}

// Get returns the agent ID previously stored for rawKey.
func (c *KeyCache) Get(rawKey string) (uuid.UUID, bool) {
	item := c.cache.Get(cacheKey(rawKey))
	if item == nil {
		return uuid.Nil, false
	}
	return item.Value(), true
}

// Set records that rawKey verified as agentID.
func (c *KeyCache) Set(rawKey string, agentID uuid.UUID) {
	c.cache.Set(cacheKey(rawKey), agentID, ttlcache.DefaultTTL)
}

// Len returns the number of live entries.
func (c *KeyCache) Len() int {
	return c.cache.Len()
}

// Close stops the eviction goroutine.
func (c *KeyCache) Close() {
	c.cache.Stop()
}

func cacheKey(rawKey string) string {
	sum := sha256.Sum256([]byte(rawKey))
	return hex.EncodeToString(sum[:])
}
