package cache

import (
	"context"
	"sync"
	"time"

	"example.com/activityledger/internal/domain"
)

type memoryEntry struct {
	generation int64
	records    []domain.ActivityRecord
	expires    time.Time
}

type yearSlot struct {
	userID string
	year   int
}

// MemoryCache implements domain.YearCache in process memory.
type MemoryCache struct {
	mu          sync.Mutex
	ttl         time.Duration
	now         func() time.Time
	generations map[string]int64
	years       map[yearSlot]memoryEntry
}

// NewMemoryCache constructs a MemoryCache with the given entry ttl.
func NewMemoryCache(ttl time.Duration) *MemoryCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &MemoryCache{
		ttl:         ttl,
		now:         time.Now,
		generations: make(map[string]int64),
		years:       make(map[yearSlot]memoryEntry),
	}
}

// Get implements domain.YearCache.
func (c *MemoryCache) Get(_ context.Context, userID string, year int) (domain.CacheEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	generation := c.generations[userID]
	entry, ok := c.years[yearSlot{userID, year}]
	if !ok || entry.generation != generation || c.now().After(entry.expires) {
		return domain.CacheEntry{Generation: generation}, nil
	}
	records := make([]domain.ActivityRecord, len(entry.records))
	copy(records, entry.records)
	return domain.CacheEntry{Hit: true, Records: records, Generation: generation}, nil
}

// Set implements domain.YearCache.
func (c *MemoryCache) Set(_ context.Context, userID string, year int, generation int64, records []domain.ActivityRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.generations[userID] != generation {
		return nil
	}
	stored := make([]domain.ActivityRecord, len(records))
	copy(stored, records)
	c.years[yearSlot{userID, year}] = memoryEntry{generation: generation, records: stored, expires: c.now().Add(c.ttl)}
	return nil
}

// Invalidate implements domain.YearCache.
func (c *MemoryCache) Invalidate(_ context.Context, userID string, years ...int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.generations[userID]++
	for _, year := range years {
		delete(c.years, yearSlot{userID, year})
	}
	return nil
}
