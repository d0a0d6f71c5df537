package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// Entry is a cached generation.
type Entry struct {
	Provider string
	Output   string
}

// Cache holds generations keyed by prompt, so syndicated copies of one story
// are only paid for once per process.
type Cache struct {
	items *gocache.Cache
}

// New creates a cache. Expired entries are swept every cleanup interval.
func New(ttl, cleanup time.Duration) *Cache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	if cleanup <= 0 {
		cleanup = 10 * time.Minute
	}
	return &Cache{items: gocache.New(ttl, cleanup)}
}

func (c *Cache) Set(key string, e Entry) {
	c.items.SetDefault(key, e)
}

func (c *Cache) Get(key string) (Entry, bool) {
	v, ok := c.items.Get(key)
	if !ok {
		return Entry{}, false
	}
	e, ok := v.(Entry)
	return e, ok
}

// Len returns the number of entries, including expired ones not yet swept.
func (c *Cache) Len() int {
	return c.items.ItemCount()
}

// Key hashes the prompt together with the output budget: the same prompt under a
// bigger budget is a different request.
func Key(prompt string, maxTokens int) string {
	h := sha256.New()
	h.Write([]byte(strconv.Itoa(maxTokens)))
	h.Write([]byte{0})
	h.Write([]byte(prompt))
	return hex.EncodeToString(h.Sum(nil))
}
