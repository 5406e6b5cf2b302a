// Package schedcache avoids redundant recomputation of per-destination
// scheduler aggregates across repeated management queries. Reads fall
// through to the authoritative source on a cache miss without writing
// back; only mutating operations push fresh snapshots.
package schedcache

import (
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/ecmwf/open-ecpds-sub002/internal/model"
)

// Snapshot carries the memoized aggregates of one destination. Immutable
// once published: mutators build a new value and replace the whole entry,
// readers never observe a half-updated snapshot.
type Snapshot struct {
	DestinationName string
	Status          string
	Monitor         bool
	PendingCount    int
	PendingBytes    int64
	StartDate       *time.Time
	LastTransfer    *model.DataTransfer
	LastFailed      *model.DataTransfer
	TakenAt         time.Time
}

// Cache is the per-destination snapshot store.
type Cache struct {
	snapshots *xsync.Map[string, Snapshot]
}

func NewCache() *Cache {
	return &Cache{snapshots: xsync.NewMap[string, Snapshot]()}
}

// Get returns the cached snapshot for a destination, if one was pushed.
func (c *Cache) Get(dest string) (Snapshot, bool) {
	return c.snapshots.Load(dest)
}

// Replace publishes a fresh snapshot, displacing any previous one.
func (c *Cache) Replace(s Snapshot) {
	c.snapshots.Store(s.DestinationName, s)
}

// InvalidateAll empties the cache; the next read per destination falls
// through to the authoritative source.
func (c *Cache) InvalidateAll() {
	c.snapshots.Clear()
}

// Size returns the number of cached destinations.
func (c *Cache) Size() int {
	return c.snapshots.Size()
}
