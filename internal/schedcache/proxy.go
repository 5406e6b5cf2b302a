package schedcache

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ecmwf/open-ecpds-sub002/internal/catalog"
	"github.com/ecmwf/open-ecpds-sub002/internal/model"
)

// contactsTTL bounds how stale the process-wide contact directory may get.
const contactsTTL = 5 * time.Minute

// Management is the authoritative source of scheduler aggregates and the
// receiver of destination scheduler mutations.
type Management interface {
	ComputeSnapshot(dest string) (Snapshot, error)
	SetSchedulerState(dest, state string) error
	Destinations() ([]model.Destination, error)
	ContactDirectory() (map[string]string, error)
}

// Proxy intercepts management reads with the local cache. Misses fall
// through to the Management port; the result is returned directly and NOT
// cached, since another process instance may own the authoritative state.
// Mutations push a fresh snapshot for the touched destination.
type Proxy struct {
	mgmt  Management
	cache *Cache

	contacts   atomic.Pointer[map[string]string]
	contactsAt atomic.Int64

	// now is a test hook.
	now func() time.Time
}

func NewProxy(mgmt Management) *Proxy {
	return &Proxy{mgmt: mgmt, cache: NewCache(), now: time.Now}
}

func (p *Proxy) snapshot(dest string) (Snapshot, error) {
	if s, ok := p.cache.Get(dest); ok {
		return s, nil
	}
	return p.mgmt.ComputeSnapshot(dest)
}

// Status returns the destination scheduler state.
func (p *Proxy) Status(dest string) (string, error) {
	s, err := p.snapshot(dest)
	return s.Status, err
}

// Monitor reports whether the destination is under monitoring.
func (p *Proxy) Monitor(dest string) (bool, error) {
	s, err := p.snapshot(dest)
	return s.Monitor, err
}

// PendingCount returns the number of queued visible transfers.
func (p *Proxy) PendingCount(dest string) (int, error) {
	s, err := p.snapshot(dest)
	return s.PendingCount, err
}

// PendingBytes returns the total size of the queued visible transfers.
func (p *Proxy) PendingBytes(dest string) (int64, error) {
	s, err := p.snapshot(dest)
	return s.PendingBytes, err
}

// StartDate returns the earliest scheduled time in the queue, nil when the
// queue is empty.
func (p *Proxy) StartDate(dest string) (*time.Time, error) {
	s, err := p.snapshot(dest)
	return s.StartDate, err
}

// LastTransfer returns the last successfully delivered transfer, nil when
// the destination never completed one.
func (p *Proxy) LastTransfer(dest string) (*model.DataTransfer, error) {
	s, err := p.snapshot(dest)
	return s.LastTransfer, err
}

// LastFailedTransfer returns the most recent STOP transfer, nil when the
// destination never failed one.
func (p *Proxy) LastFailedTransfer(dest string) (*model.DataTransfer, error) {
	s, err := p.snapshot(dest)
	return s.LastFailed, err
}

// Restart moves the destination scheduler back to the scheduled state and
// pushes a fresh snapshot.
func (p *Proxy) Restart(dest string) error {
	return p.mutate(dest, model.SchedulerStateScheduled)
}

// Hold parks the destination scheduler and pushes a fresh snapshot.
func (p *Proxy) Hold(dest string) error {
	return p.mutate(dest, model.SchedulerStateHold)
}

func (p *Proxy) mutate(dest, state string) error {
	if err := p.mgmt.SetSchedulerState(dest, state); err != nil {
		return err
	}
	s, err := p.mgmt.ComputeSnapshot(dest)
	if err != nil {
		return err
	}
	p.cache.Replace(s)
	return nil
}

// RefreshSnapshot recomputes and pushes the snapshot of one destination.
// Used by mutations that change queue composition without touching the
// scheduler state, such as a rename promoting a parked transfer.
func (p *Proxy) RefreshSnapshot(dest string) error {
	s, err := p.mgmt.ComputeSnapshot(dest)
	if err != nil {
		return err
	}
	p.cache.Replace(s)
	return nil
}

// RestartAll restarts every destination and resets the whole cache.
func (p *Proxy) RestartAll() error {
	return p.mutateAll(model.SchedulerStateScheduled)
}

// HoldAll parks every destination and resets the whole cache.
func (p *Proxy) HoldAll() error {
	return p.mutateAll(model.SchedulerStateHold)
}

func (p *Proxy) mutateAll(state string) error {
	destinations, err := p.mgmt.Destinations()
	if err != nil {
		return err
	}
	var firstErr error
	for _, d := range destinations {
		if err := p.mgmt.SetSchedulerState(d.Name, state); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	p.cache.InvalidateAll()
	return firstErr
}

// Contacts returns the process-wide contact directory, refreshed at most
// once per TTL window. Concurrent callers race on a compare-and-swap of
// the refresh timestamp so only one of them recomputes; the losers serve
// the previous directory.
func (p *Proxy) Contacts() (map[string]string, error) {
	nowNs := p.now().UnixNano()
	last := p.contactsAt.Load()
	current := p.contacts.Load()
	fresh := current != nil && nowNs-last < contactsTTL.Nanoseconds()
	if fresh || !p.contactsAt.CompareAndSwap(last, nowNs) {
		if current == nil {
			return nil, errors.New("schedcache: contact directory not loaded yet")
		}
		return *current, nil
	}
	directory, err := p.mgmt.ContactDirectory()
	if err != nil {
		// Leave the stale directory in place; the moved timestamp keeps
		// every caller in this window from hammering the source.
		if current != nil {
			return *current, nil
		}
		return nil, err
	}
	p.contacts.Store(&directory)
	return directory, nil
}

// CatalogManagement is the in-process authoritative source, computing
// aggregates straight from the catalog.
type CatalogManagement struct {
	catalog *catalog.Catalog

	// now is a test hook.
	now func() time.Time
}

func NewCatalogManagement(c *catalog.Catalog) *CatalogManagement {
	return &CatalogManagement{catalog: c, now: time.Now}
}

func (m *CatalogManagement) ComputeSnapshot(dest string) (Snapshot, error) {
	now := m.now()
	s := Snapshot{DestinationName: dest, TakenAt: now}

	v, err := m.catalog.SchedulerValue(dest)
	if err != nil {
		return s, fmt.Errorf("snapshot of %s: %w", dest, err)
	}
	s.Status = v.Status

	d, err := m.catalog.DestinationByName(dest)
	if err != nil && !errors.Is(err, catalog.ErrNotFound) {
		return s, fmt.Errorf("snapshot of %s: %w", dest, err)
	}
	s.Monitor = d.Monitor

	if v.LastTransferOk != 0 {
		last, err := m.catalog.TransferByID(v.LastTransferOk)
		if err != nil && !errors.Is(err, catalog.ErrNotFound) {
			return s, fmt.Errorf("snapshot of %s: %w", dest, err)
		}
		s.LastTransfer = last
	}

	failed, err := m.catalog.LastFailedTransfer(dest)
	if err != nil && !errors.Is(err, catalog.ErrNotFound) {
		return s, fmt.Errorf("snapshot of %s: %w", dest, err)
	}
	s.LastFailed = failed

	count, size, start, err := m.catalog.PendingAggregate(dest, now)
	if err != nil {
		return s, fmt.Errorf("snapshot of %s: %w", dest, err)
	}
	s.PendingCount = count
	s.PendingBytes = size
	s.StartDate = start
	return s, nil
}

func (m *CatalogManagement) SetSchedulerState(dest, state string) error {
	return m.catalog.UpdateSchedulerStatus(dest, state)
}

func (m *CatalogManagement) Destinations() ([]model.Destination, error) {
	return m.catalog.Destinations()
}

// ContactDirectory maps monitored destinations to their owning user.
func (m *CatalogManagement) ContactDirectory() (map[string]string, error) {
	destinations, err := m.catalog.Destinations()
	if err != nil {
		return nil, err
	}
	directory := make(map[string]string)
	for _, d := range destinations {
		if d.Monitor && d.UserName != "" {
			directory[d.Name] = d.UserName
		}
	}
	return directory, nil
}
