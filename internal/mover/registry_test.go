package mover

import (
	"testing"
	"time"
)

func TestHeartbeatRegistry_IsConnected_WithinWindow(t *testing.T) {
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	r := NewHeartbeatRegistry(30 * time.Second)
	r.now = func() time.Time { return base }

	if r.IsConnected("mover1", RoleDownload) {
		t.Fatal("expected unseen mover to be disconnected")
	}

	r.Touch("mover1")
	if !r.IsConnected("mover1", RoleDownload) {
		t.Fatal("expected mover to be connected right after touch")
	}
	if !r.IsConnected("mover1", RoleUpload) {
		t.Fatal("expected liveness to cover every role")
	}

	r.now = func() time.Time { return base.Add(31 * time.Second) }
	if r.IsConnected("mover1", RoleDownload) {
		t.Fatal("expected mover to expire after the window")
	}

	r.Touch("mover1")
	if !r.IsConnected("mover1", RoleDownload) {
		t.Fatal("expected a fresh touch to revive the mover")
	}
}

func TestHeartbeatRegistry_DefaultWindow(t *testing.T) {
	r := NewHeartbeatRegistry(0)
	if r.window != time.Minute {
		t.Fatalf("expected one minute fallback, got %v", r.window)
	}
}
