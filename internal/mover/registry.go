package mover

import (
	"time"

	"github.com/puzpuzpuz/xsync/v4"
)

// HeartbeatRegistry tracks mover liveness from the management traffic the
// fleet already generates: volume reports and explicit heartbeats both count
// as contact. A mover unseen for longer than the window is treated as
// disconnected for every role.
type HeartbeatRegistry struct {
	window time.Duration
	seen   *xsync.Map[string, int64]

	// test hook
	now func() time.Time
}

// NewHeartbeatRegistry builds a registry with the given liveness window.
// A zero or negative window falls back to one minute.
func NewHeartbeatRegistry(window time.Duration) *HeartbeatRegistry {
	if window <= 0 {
		window = time.Minute
	}
	return &HeartbeatRegistry{
		window: window,
		seen:   xsync.NewMap[string, int64](),
		now:    time.Now,
	}
}

// Touch records contact from the named mover.
func (r *HeartbeatRegistry) Touch(name string) {
	r.seen.Store(name, r.now().UnixNano())
}

// IsConnected reports whether the mover was heard from within the window.
// Roles share a single liveness signal: a mover that talks to the master
// serves downloads and uploads alike.
func (r *HeartbeatRegistry) IsConnected(name string, _ Role) bool {
	last, ok := r.seen.Load(name)
	if !ok {
		return false
	}
	return r.now().UnixNano()-last <= r.window.Nanoseconds()
}
