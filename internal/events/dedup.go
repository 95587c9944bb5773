package events

import (
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Dedup suppresses identical events inside a short window. Retried
// publishes and state flaps would otherwise double up downstream.
type Dedup struct {
	cache *lru.Cache[string, time.Time]
	ttl   time.Duration
}

func NewDedup(maxKeys int, ttl time.Duration) *Dedup {
	c, _ := lru.New[string, time.Time](maxKeys)
	return &Dedup{cache: c, ttl: ttl}
}

// IsDuplicate reports whether the key fired within the window, and
// stamps it either way.
func (d *Dedup) IsDuplicate(key string) bool {
	if addedAt, ok := d.cache.Get(key); ok {
		if time.Since(addedAt) < d.ttl {
			return true
		}
	}
	d.cache.Add(key, time.Now())
	return false
}
