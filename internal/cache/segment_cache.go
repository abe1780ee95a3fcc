// Package cache keeps recently used segment payloads in memory, bounded by age
// and by count.
package cache

import (
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"hls-p2p-loader/internal/media"
)

// LockedFilter reports whether a segment id must survive count-based eviction,
// e.g. because the player still has it buffered.
type LockedFilter func(id string) bool

type entry struct {
	segment      media.Segment
	lastAccessed time.Time
}

// SegmentCache is a concurrency-safe, access-recency segment store.
type SegmentCache struct {
	mu         sync.RWMutex
	entries    map[string]*entry
	expiration time.Duration
	maxCount   int
	now        func() time.Time
	log        *slog.Logger
}

// New returns a cache that drops entries idle for longer than expiration and
// keeps at most maxCount unlocked entries after Clean.
func New(expiration time.Duration, maxCount int, log *slog.Logger) *SegmentCache {
	if log == nil {
		log = slog.Default()
	}
	return &SegmentCache{
		entries:    make(map[string]*entry),
		expiration: expiration,
		maxCount:   maxCount,
		now:        time.Now,
		log:        log,
	}
}

// Store inserts or overwrites the segment under its id.
func (c *SegmentCache) Store(seg media.Segment) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[seg.ID] = &entry{segment: seg, lastAccessed: c.now()}
}

// Get returns the cached segment and counts the read as an access.
// The payload slice is shared with the cache and must not be modified.
func (c *SegmentCache) Get(id string) (media.Segment, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok {
		return media.Segment{}, false
	}
	e.lastAccessed = c.now()
	return e.segment, true
}

// Has reports presence without touching recency.
func (c *SegmentCache) Has(id string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.entries[id]
	return ok
}

// Len returns the number of cached segments.
func (c *SegmentCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// IDs returns the ids of cached segments that belong to the given stream swarm,
// i.e. whose id starts with "<streamSwarmID>+".
func (c *SegmentCache) IDs(streamSwarmID string) []string {
	prefix := streamSwarmID + "+"
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.entries))
	for id := range c.entries {
		if strings.HasPrefix(id, prefix) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Clean evicts expired entries, then the least recently accessed unlocked
// entries until at most maxCount remain. isLocked may be nil. It reports
// whether anything was evicted.
func (c *SegmentCache) Clean(scopeID string, isLocked LockedFilter) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	var toDelete []string
	remaining := make([]*entry, 0, len(c.entries))

	for id, e := range c.entries {
		if now.Sub(e.lastAccessed) > c.expiration {
			toDelete = append(toDelete, id)
		} else {
			remaining = append(remaining, e)
		}
	}

	overhead := len(remaining) - c.maxCount
	if overhead > 0 {
		sort.Slice(remaining, func(i, j int) bool {
			return remaining[i].lastAccessed.Before(remaining[j].lastAccessed)
		})
		for _, e := range remaining {
			if isLocked != nil && isLocked(e.segment.ID) {
				continue
			}
			toDelete = append(toDelete, e.segment.ID)
			overhead--
			if overhead == 0 {
				break
			}
		}
	}

	for _, id := range toDelete {
		delete(c.entries, id)
	}

	if len(toDelete) > 0 {
		c.log.Debug("cache cleaned",
			slog.String("scope", scopeID),
			slog.Int("evicted", len(toDelete)),
			slog.Int("remaining", len(c.entries)))
	}
	return len(toDelete) > 0
}

// Destroy removes every entry.
func (c *SegmentCache) Destroy() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*entry)
}
