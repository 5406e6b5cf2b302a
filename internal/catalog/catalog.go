// Package catalog implements the persistent catalog of destinations, data
// files and data transfers on SQLite, with explicit cursor semantics for
// range queries.
package catalog

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/maypok86/otter"

	"github.com/ecmwf/open-ecpds-sub002/internal/model"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

var (
	// ErrNotFound reports a missing row.
	ErrNotFound = errors.New("not found")
	// ErrUnavailable wraps any underlying persistence failure, so callers
	// can distinguish infrastructure trouble from request-shape problems.
	ErrUnavailable = errors.New("catalog unavailable")
)

// Sort keys accepted by the transfer range queries.
type Sort int

const (
	SortByTarget Sort = iota
	SortByScheduledTime
	SortBySize
)

// Order directions for the transfer range queries.
type Order int

const (
	OrderAsc Order = iota
	OrderDesc
)

const defaultDestinationCacheSize = 1024

// Catalog is the SQLite-backed catalog. Destinations are read-mostly and
// served through a bounded cache invalidated by destination mutations.
type Catalog struct {
	db           *sql.DB
	destinations otter.Cache[string, model.Destination]
}

// Open opens (or creates) the catalog database at the given path, applies
// migrations, and returns a ready Catalog. Use ":memory:" for tests.
func Open(path string) (*Catalog, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrUnavailable, path, err)
	}
	// SQLite serializes writers; a single connection avoids SQLITE_BUSY
	// on the in-process write paths.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA foreign_keys=ON;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: pragmas: %v", ErrUnavailable, err)
	}
	if err := Migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return New(db)
}

// New wraps an already-migrated database handle.
func New(db *sql.DB) (*Catalog, error) {
	cache, err := otter.MustBuilder[string, model.Destination](defaultDestinationCacheSize).
		Cost(func(_ string, _ model.Destination) uint32 { return 1 }).
		Build()
	if err != nil {
		return nil, fmt.Errorf("catalog: destination cache: %w", err)
	}
	return &Catalog{db: db, destinations: cache}, nil
}

// Close closes the underlying database.
func (c *Catalog) Close() error {
	c.destinations.Close()
	return c.db.Close()
}

// unavailable tags an underlying sql error with ErrUnavailable.
func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
}

// ms converts a time to the stored epoch-milliseconds representation.
func ms(t time.Time) int64 { return t.UnixMilli() }

// msPtr converts an optional time for a nullable column.
func msPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

// fromMs converts a stored epoch-milliseconds value back to UTC time.
func fromMs(v int64) time.Time { return time.UnixMilli(v).UTC() }

func fromMsPtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMs(v.Int64)
	return &t
}
