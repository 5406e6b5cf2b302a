package ticket

import (
	"testing"
	"time"
)

func TestRepository_AddGetInvalidate(t *testing.T) {
	repo := NewRepository(0)

	id := repo.Add(Ticket{
		Kind:        KindMover,
		Destination: "DEST1",
		Target:      "dir/file.bin",
	})
	if id == 0 {
		t.Fatal("expected non-zero id")
	}

	got, ok := repo.Get(id)
	if !ok || got.Destination != "DEST1" || got.Kind != KindMover {
		t.Fatalf("unexpected ticket: %+v (ok=%v)", got, ok)
	}
	if got.ExpiresAtNs <= got.CreatedAtNs {
		t.Fatal("expected expiry after creation")
	}

	removed, ok := repo.Invalidate(id)
	if !ok || removed.ID != id {
		t.Fatalf("expected to remove ticket %d, got %+v (ok=%v)", id, removed, ok)
	}
	if _, ok := repo.Get(id); ok {
		t.Fatal("ticket still present after invalidate")
	}
	if _, ok := repo.Invalidate(id); ok {
		t.Fatal("second invalidate reported success")
	}
}

func TestRepository_UniqueIDs(t *testing.T) {
	repo := NewRepository(0)
	seen := map[int64]bool{}
	for i := 0; i < 100; i++ {
		id := repo.Add(Ticket{Kind: KindAttachment})
		if seen[id] {
			t.Fatalf("duplicate id %d", id)
		}
		seen[id] = true
	}
	if repo.Size() != 100 {
		t.Fatalf("expected 100 tickets, got %d", repo.Size())
	}
}

func TestRepository_Update(t *testing.T) {
	repo := NewRepository(0)
	id := repo.Add(Ticket{Kind: KindMover, Destination: "DEST1"})

	updated, ok := repo.Update(id, func(tk Ticket) Ticket {
		tk.DataFileID = 77
		return tk
	})
	if !ok || updated.DataFileID != 77 {
		t.Fatalf("unexpected update result: %+v (ok=%v)", updated, ok)
	}
	got, _ := repo.Get(id)
	if got.DataFileID != 77 {
		t.Fatalf("annotation not stored: %+v", got)
	}

	if _, ok := repo.Update(999, func(tk Ticket) Ticket { return tk }); ok {
		t.Fatal("update of unknown id reported success")
	}
}

func TestRepository_Sweep(t *testing.T) {
	repo := NewRepository(time.Minute)
	fresh := repo.Add(Ticket{Kind: KindAttachment})
	stale := repo.Add(Ticket{Kind: KindAttachment})

	// Back-date one ticket past its window.
	repo.Update(stale, func(tk Ticket) Ticket {
		tk.ExpiresAtNs = time.Now().Add(-time.Second).UnixNano()
		return tk
	})

	if n := repo.Sweep(time.Now()); n != 1 {
		t.Fatalf("expected 1 swept, got %d", n)
	}
	if _, ok := repo.Get(stale); ok {
		t.Fatal("stale ticket survived sweep")
	}
	if _, ok := repo.Get(fresh); !ok {
		t.Fatal("fresh ticket swept")
	}
}

func TestRepository_Sweep_NotifiesObserver(t *testing.T) {
	repo := NewRepository(time.Minute)
	var expired []int64
	repo.OnExpire(func(tk Ticket) { expired = append(expired, tk.ID) })

	repo.Add(Ticket{Kind: KindAttachment})
	stale := repo.Add(Ticket{Kind: KindAttachment, Server: "m1"})
	repo.Update(stale, func(tk Ticket) Ticket {
		tk.ExpiresAtNs = time.Now().Add(-time.Second).UnixNano()
		return tk
	})

	if n := repo.Sweep(time.Now()); n != 1 {
		t.Fatalf("expected 1 swept, got %d", n)
	}
	if len(expired) != 1 || expired[0] != stale {
		t.Fatalf("observer saw %v, want [%d]", expired, stale)
	}

	// Invalidation is consumption, not expiry.
	kept := repo.Add(Ticket{Kind: KindAttachment})
	repo.Invalidate(kept)
	if len(expired) != 1 {
		t.Fatalf("observer must not see invalidated tickets: %v", expired)
	}
}

func TestTicket_Expired(t *testing.T) {
	now := time.Now()
	tk := Ticket{ExpiresAtNs: now.Add(time.Second).UnixNano()}
	if tk.Expired(now) {
		t.Fatal("ticket expired inside its window")
	}
	if !tk.Expired(now.Add(2 * time.Second)) {
		t.Fatal("ticket not expired past its window")
	}
}
