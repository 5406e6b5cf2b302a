package ticket

import (
	"log"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"github.com/robfig/cron/v3"
)

// DefaultTTL bounds how long an unconsumed grant stays valid.
const DefaultTTL = 2 * time.Hour

// Repository is the in-memory keyed store of outstanding tickets.
type Repository struct {
	tickets *xsync.Map[int64, Ticket]
	nextID  atomic.Int64
	ttl     time.Duration

	// onExpire observes each ticket dropped by the sweep, so issuers can
	// return resources held against an unconsumed grant.
	onExpire func(Ticket)
}

// NewRepository creates a repository with the given grant lifetime;
// ttl <= 0 selects DefaultTTL.
func NewRepository(ttl time.Duration) *Repository {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Repository{
		tickets: xsync.NewMap[int64, Ticket](),
		ttl:     ttl,
	}
}

// Add assigns an id and timestamps to the ticket, stores it, and returns the
// id handed to the client.
func (r *Repository) Add(t Ticket) int64 {
	now := time.Now()
	t.ID = r.nextID.Add(1)
	t.CreatedAtNs = now.UnixNano()
	t.ExpiresAtNs = now.Add(r.ttl).UnixNano()
	r.tickets.Store(t.ID, t)
	return t.ID
}

// OnExpire registers the sweep observer. Set once during wiring, before the
// sweep is scheduled.
func (r *Repository) OnExpire(fn func(Ticket)) {
	r.onExpire = fn
}

// Get returns the ticket for an id.
func (r *Repository) Get(id int64) (Ticket, bool) {
	return r.tickets.Load(id)
}

// Update atomically rewrites a stored ticket through fn. Returns the updated
// ticket and false when the id is unknown.
func (r *Repository) Update(id int64, fn func(Ticket) Ticket) (Ticket, bool) {
	var updated Ticket
	ok := false
	r.tickets.Compute(id, func(old Ticket, loaded bool) (Ticket, xsync.ComputeOp) {
		if !loaded {
			return old, xsync.CancelOp
		}
		updated = fn(old)
		updated.ID = id
		ok = true
		return updated, xsync.UpdateOp
	})
	return updated, ok
}

// Invalidate removes a ticket, returning the removed value and whether it
// was present. A grant is single-use: the completion handler invalidates it
// before acting on it.
func (r *Repository) Invalidate(id int64) (Ticket, bool) {
	var removed Ticket
	ok := false
	r.tickets.Compute(id, func(old Ticket, loaded bool) (Ticket, xsync.ComputeOp) {
		if !loaded {
			return old, xsync.CancelOp
		}
		removed = old
		ok = true
		return old, xsync.DeleteOp
	})
	return removed, ok
}

// Size returns the number of outstanding tickets.
func (r *Repository) Size() int {
	return r.tickets.Size()
}

// Sweep drops tickets whose window has passed. Expiry is re-checked inside
// the compute to avoid deleting a concurrently refreshed entry.
func (r *Repository) Sweep(now time.Time) int {
	nowNs := now.UnixNano()
	dropped := 0
	r.tickets.Range(func(id int64, t Ticket) bool {
		if t.ExpiresAtNs >= nowNs {
			return true
		}
		var removed Ticket
		ok := false
		r.tickets.Compute(id, func(current Ticket, loaded bool) (Ticket, xsync.ComputeOp) {
			if !loaded || current.ExpiresAtNs >= nowNs {
				return current, xsync.CancelOp
			}
			removed = current
			ok = true
			return current, xsync.DeleteOp
		})
		if ok {
			dropped++
			// Outside the compute: the observer must not run under the
			// map entry lock.
			if r.onExpire != nil {
				r.onExpire(removed)
			}
		}
		return true
	})
	return dropped
}

// Schedule registers the periodic expiry sweep on the given cron runner.
func (r *Repository) Schedule(c *cron.Cron, spec string) error {
	_, err := c.AddFunc(spec, func() {
		if n := r.Sweep(time.Now()); n > 0 {
			log.Printf("[ticket] swept %d expired tickets", n)
		}
	})
	return err
}
