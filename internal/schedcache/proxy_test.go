package schedcache

import (
	"testing"
	"time"

	"github.com/ecmwf/open-ecpds-sub002/internal/catalog"
	"github.com/ecmwf/open-ecpds-sub002/internal/model"
)

var testNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeManagement struct {
	computes  int
	contacts  int
	states    map[string]string
	destNames []string
}

func newFakeManagement(names ...string) *fakeManagement {
	return &fakeManagement{states: map[string]string{}, destNames: names}
}

func (m *fakeManagement) ComputeSnapshot(dest string) (Snapshot, error) {
	m.computes++
	state := m.states[dest]
	if state == "" {
		state = model.SchedulerStateScheduled
	}
	return Snapshot{DestinationName: dest, Status: state, PendingCount: m.computes}, nil
}

func (m *fakeManagement) SetSchedulerState(dest, state string) error {
	m.states[dest] = state
	return nil
}

func (m *fakeManagement) Destinations() ([]model.Destination, error) {
	var out []model.Destination
	for _, n := range m.destNames {
		out = append(out, model.Destination{Name: n})
	}
	return out, nil
}

func (m *fakeManagement) ContactDirectory() (map[string]string, error) {
	m.contacts++
	return map[string]string{"D1": "ops@example.org"}, nil
}

// --- proxy ---

func TestProxy_ReadMissDoesNotPopulateCache(t *testing.T) {
	mgmt := newFakeManagement("D1")
	p := NewProxy(mgmt)

	for i := 0; i < 3; i++ {
		if _, err := p.PendingCount("D1"); err != nil {
			t.Fatal(err)
		}
	}
	if mgmt.computes != 3 {
		t.Fatalf("each miss must fall through, got %d computes", mgmt.computes)
	}
}

func TestProxy_MutationPushesSnapshot(t *testing.T) {
	mgmt := newFakeManagement("D1")
	p := NewProxy(mgmt)

	if err := p.Hold("D1"); err != nil {
		t.Fatal(err)
	}
	computesAfterHold := mgmt.computes

	status, err := p.Status("D1")
	if err != nil {
		t.Fatal(err)
	}
	if status != model.SchedulerStateHold {
		t.Fatalf("status = %s, want HOLD", status)
	}
	if _, err := p.PendingCount("D1"); err != nil {
		t.Fatal(err)
	}
	if mgmt.computes != computesAfterHold {
		t.Fatalf("reads after a push must hit the cache, got %d extra computes",
			mgmt.computes-computesAfterHold)
	}

	if err := p.Restart("D1"); err != nil {
		t.Fatal(err)
	}
	status, err = p.Status("D1")
	if err != nil {
		t.Fatal(err)
	}
	if status != model.SchedulerStateScheduled {
		t.Fatalf("status = %s, want SCHED", status)
	}
}

func TestProxy_RestartAllResetsCache(t *testing.T) {
	mgmt := newFakeManagement("D1", "D2")
	p := NewProxy(mgmt)

	if err := p.Hold("D1"); err != nil {
		t.Fatal(err)
	}
	if p.cache.Size() != 1 {
		t.Fatalf("cache size = %d, want 1", p.cache.Size())
	}

	if err := p.RestartAll(); err != nil {
		t.Fatal(err)
	}
	if p.cache.Size() != 0 {
		t.Fatalf("restart-all must empty the cache, size = %d", p.cache.Size())
	}
	if mgmt.states["D1"] != model.SchedulerStateScheduled ||
		mgmt.states["D2"] != model.SchedulerStateScheduled {
		t.Fatalf("unexpected states: %v", mgmt.states)
	}

	before := mgmt.computes
	if _, err := p.Status("D1"); err != nil {
		t.Fatal(err)
	}
	if mgmt.computes != before+1 {
		t.Fatal("read after reset must fall through")
	}
}

func TestProxy_ContactsSingleFlight(t *testing.T) {
	mgmt := newFakeManagement()
	p := NewProxy(mgmt)
	now := testNow
	p.now = func() time.Time { return now }

	for i := 0; i < 5; i++ {
		directory, err := p.Contacts()
		if err != nil {
			t.Fatal(err)
		}
		if directory["D1"] != "ops@example.org" {
			t.Fatalf("unexpected directory: %v", directory)
		}
	}
	if mgmt.contacts != 1 {
		t.Fatalf("directory recomputed %d times within the TTL window", mgmt.contacts)
	}

	now = now.Add(contactsTTL + time.Second)
	if _, err := p.Contacts(); err != nil {
		t.Fatal(err)
	}
	if mgmt.contacts != 2 {
		t.Fatalf("expired directory not refreshed, %d computes", mgmt.contacts)
	}
}

// --- catalog-backed management ---

func newTestManagement(t *testing.T) (*CatalogManagement, *catalog.Catalog) {
	t.Helper()
	c, err := catalog.Open(t.TempDir() + "/catalog.db")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Close() })
	m := NewCatalogManagement(c)
	m.now = func() time.Time { return testNow }
	return m, c
}

func seedTransfer(t *testing.T, c *catalog.Catalog, dest, target, status string, scheduled time.Time, size int64) int64 {
	t.Helper()
	fileID, err := c.InsertDataFile(&model.DataFile{
		Original:   "/in/" + target,
		TimeBase:   scheduled,
		ArrivedAt:  scheduled,
		Size:       size,
		Downloaded: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	id, err := c.InsertTransfer(&model.DataTransfer{
		DestinationName: dest,
		DataFileID:      fileID,
		Target:          target,
		Status:          status,
		ScheduledAt:     scheduled,
		Size:            size,
	})
	if err != nil {
		t.Fatal(err)
	}
	return id
}

func TestCatalogManagement_ComputeSnapshot(t *testing.T) {
	m, c := newTestManagement(t)
	if err := c.UpsertDestination(model.Destination{Name: "D1", Monitor: true}); err != nil {
		t.Fatal(err)
	}
	early := testNow.Add(-2 * time.Hour)
	late := testNow.Add(-time.Hour)
	seedTransfer(t, c, "D1", "a.bin", model.StatusWait, late, 100)
	seedTransfer(t, c, "D1", "b.bin", model.StatusRetr, early, 200)
	doneID := seedTransfer(t, c, "D1", "c.bin", model.StatusDone, early, 300)
	failedID := seedTransfer(t, c, "D1", "d.bin", model.StatusStop, early, 400)
	// Future transfers are invisible and must not count.
	seedTransfer(t, c, "D1", "e.bin", model.StatusWait, testNow.Add(time.Hour), 500)

	if err := c.UpdateSchedulerValue(model.SchedulerValue{
		DestinationName: "D1",
		LastTransferOk:  doneID,
	}); err != nil {
		t.Fatal(err)
	}

	s, err := m.ComputeSnapshot("D1")
	if err != nil {
		t.Fatal(err)
	}
	if s.Status != model.SchedulerStateScheduled {
		t.Fatalf("status = %s", s.Status)
	}
	if !s.Monitor {
		t.Fatal("monitor flag not carried into the snapshot")
	}
	if s.PendingCount != 2 || s.PendingBytes != 300 {
		t.Fatalf("pending = %d/%d, want 2/300", s.PendingCount, s.PendingBytes)
	}
	if s.StartDate == nil || !s.StartDate.Equal(early) {
		t.Fatalf("start date = %v, want %v", s.StartDate, early)
	}
	if s.LastTransfer == nil || s.LastTransfer.ID != doneID {
		t.Fatalf("last transfer = %+v", s.LastTransfer)
	}
	if s.LastFailed == nil || s.LastFailed.ID != failedID {
		t.Fatalf("last failed = %+v", s.LastFailed)
	}
}

func TestCatalogManagement_ComputeSnapshot_EmptyDestination(t *testing.T) {
	m, c := newTestManagement(t)
	if err := c.UpsertDestination(model.Destination{Name: "D1"}); err != nil {
		t.Fatal(err)
	}

	s, err := m.ComputeSnapshot("D1")
	if err != nil {
		t.Fatal(err)
	}
	if s.PendingCount != 0 || s.StartDate != nil || s.LastTransfer != nil || s.LastFailed != nil {
		t.Fatalf("unexpected snapshot: %+v", s)
	}
}

func TestCatalogManagement_SetSchedulerState(t *testing.T) {
	m, c := newTestManagement(t)
	if err := c.UpsertDestination(model.Destination{Name: "D1"}); err != nil {
		t.Fatal(err)
	}
	if err := m.SetSchedulerState("D1", model.SchedulerStateHold); err != nil {
		t.Fatal(err)
	}
	s, err := m.ComputeSnapshot("D1")
	if err != nil {
		t.Fatal(err)
	}
	if s.Status != model.SchedulerStateHold {
		t.Fatalf("status = %s, want HOLD", s.Status)
	}
}

func TestCatalogManagement_ContactDirectory(t *testing.T) {
	m, c := newTestManagement(t)
	seed := func(name, user string, monitor bool) {
		if err := c.UpsertDestination(model.Destination{
			Name: name, UserName: user, Monitor: monitor,
		}); err != nil {
			t.Fatal(err)
		}
	}
	seed("D1", "alice", true)
	seed("D2", "bob", false)
	seed("D3", "", true)

	directory, err := m.ContactDirectory()
	if err != nil {
		t.Fatal(err)
	}
	if len(directory) != 1 || directory["D1"] != "alice" {
		t.Fatalf("unexpected directory: %v", directory)
	}
}
