package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ecmwf/open-ecpds-sub002/internal/access"
	"github.com/ecmwf/open-ecpds-sub002/internal/catalog"
	"github.com/ecmwf/open-ecpds-sub002/internal/config"
	"github.com/ecmwf/open-ecpds-sub002/internal/model"
	"github.com/ecmwf/open-ecpds-sub002/internal/mover"
	"github.com/ecmwf/open-ecpds-sub002/internal/schedcache"
	"github.com/ecmwf/open-ecpds-sub002/internal/ticket"
	"github.com/ecmwf/open-ecpds-sub002/internal/vfs"
)

const testToken = "test-admin-token"

type allConnected struct{}

func (allConnected) IsConnected(string, mover.Role) bool { return true }

func newTestServer(t *testing.T) (*Server, *catalog.Catalog) {
	t.Helper()
	c, err := catalog.Open(t.TempDir() + "/catalog.db")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Close() })

	tickets := ticket.NewRepository(0)
	scheduler := mover.NewScheduler(c, allConnected{}, tickets, "internet")
	projector := vfs.NewProjector(c, nil)
	handler := access.NewHandler(c, projector, tickets, scheduler, nil)
	handler.DataHost = "master.example"
	handler.DataPort = 9021
	proxy := schedcache.NewProxy(schedcache.NewCatalogManagement(c))

	cfg := &config.EnvConfig{
		ListenAddress:   "127.0.0.1",
		Port:            0,
		AdminToken:      testToken,
		APIMaxBodyBytes: 1 << 20,
	}
	srv := NewServer(cfg, Deps{
		Catalog:    c,
		Projector:  projector,
		Access:     handler,
		Scheduler:  scheduler,
		SchedProxy: proxy,
		Tickets:    tickets,
		StartedAt:  time.Now(),
	})
	return srv, c
}

func doRequest(t *testing.T, srv *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Authorization", "Bearer "+testToken)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeInto(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(v); err != nil {
		t.Fatal(err)
	}
}

func seedDestination(t *testing.T, c *catalog.Catalog, name string, grouped bool) {
	t.Helper()
	if err := c.UpsertDestination(model.Destination{
		Name:        name,
		GroupByDate: grouped,
		CountryISO:  "uk",
		UserName:    "ecuser",
	}); err != nil {
		t.Fatal(err)
	}
}

func seedTransfer(t *testing.T, c *catalog.Catalog, dest, target string) int64 {
	t.Helper()
	base := time.Now().Add(-time.Hour).UTC().Truncate(time.Second)
	fileID, err := c.InsertDataFile(&model.DataFile{
		Original:   "/in/" + target,
		TimeBase:   base,
		ArrivedAt:  base,
		Size:       1024,
		Downloaded: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	id, err := c.InsertTransfer(&model.DataTransfer{
		DestinationName: dest,
		DataFileID:      fileID,
		Target:          target,
		Status:          model.StatusWait,
		ScheduledAt:     base,
		Size:            1024,
	})
	if err != nil {
		t.Fatal(err)
	}
	return id
}

// --- auth ---

func TestServer_AuthRequired(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/destinations", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing token: status %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/destinations", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token: status %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz must be public: status %d", rec.Code)
	}
}

// --- files ---

func TestServer_ListAndGetFiles(t *testing.T) {
	srv, c := newTestServer(t)
	seedDestination(t, c, "D1", false)
	seedTransfer(t, c, "D1", "dir/f1.txt")

	rec := doRequest(t, srv, http.MethodGet, "/api/v1/destinations/D1/files?path=dir", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body)
	}
	var list ListResponse[fileView]
	decodeInto(t, rec, &list)
	if list.Total != 1 || list.Items[0].Name != "f1.txt" || list.Items[0].Directory {
		t.Fatalf("unexpected listing: %+v", list)
	}

	rec = doRequest(t, srv, http.MethodGet, "/api/v1/destinations/D1/files/element?path=dir/f1.txt", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body)
	}
	var el fileView
	decodeInto(t, rec, &el)
	if el.Size != 1024 || el.Group != "uk" {
		t.Fatalf("unexpected element: %+v", el)
	}

	rec = doRequest(t, srv, http.MethodGet, "/api/v1/destinations/NOPE/files", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown destination: status %d", rec.Code)
	}
}

func TestServer_MkdirForbiddenOnGroupedLayout(t *testing.T) {
	srv, c := newTestServer(t)
	seedDestination(t, c, "D1", true)

	rec := doRequest(t, srv, http.MethodPost, "/api/v1/destinations/D1/files/mkdir",
		pathRequest{Path: "newdir"})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status %d: %s", rec.Code, rec.Body)
	}
}

func TestServer_MkdirAndDelete(t *testing.T) {
	srv, c := newTestServer(t)
	seedDestination(t, c, "D2", false)

	rec := doRequest(t, srv, http.MethodPost, "/api/v1/destinations/D2/files/mkdir",
		pathRequest{Path: "newdir"})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("mkdir: status %d: %s", rec.Code, rec.Body)
	}

	rec = doRequest(t, srv, http.MethodGet, "/api/v1/destinations/D2/files?path=newdir", nil)
	var list ListResponse[fileView]
	decodeInto(t, rec, &list)
	if list.Total != 1 {
		t.Fatalf("marker not listed: %+v", list)
	}

	rec = doRequest(t, srv, http.MethodPost, "/api/v1/destinations/D2/files/rmdir",
		pathRequest{Path: "newdir"})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("rmdir: status %d: %s", rec.Code, rec.Body)
	}
}

// --- transfer protocol ---

func TestServer_UploadRoundTrip(t *testing.T) {
	srv, c := newTestServer(t)
	seedDestination(t, c, "D1", false)

	rec := doRequest(t, srv, http.MethodPost, "/api/v1/transfers/open-write",
		openWriteRequest{Destination: "D1", Target: "f.txt"})
	if rec.Code != http.StatusOK {
		t.Fatalf("open-write: status %d: %s", rec.Code, rec.Body)
	}
	var ps proxySocketView
	decodeInto(t, rec, &ps)
	if !ps.Upload || ps.DataHost != "master.example" || ps.TicketID == 0 {
		t.Fatalf("unexpected socket: %+v", ps)
	}

	// The mover stores the bytes, registers the file and annotates the grant.
	rec = doRequest(t, srv, http.MethodPost, "/api/v1/data-files", dataFileRequest{
		Original: "/in/f.txt",
		Size:     512,
		TicketID: ps.TicketID,
		Transfers: []dataFileTransfer{
			{Destination: "D1", Target: "f.txt"},
		},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("data-files: status %d: %s", rec.Code, rec.Body)
	}

	rec = doRequest(t, srv, http.MethodPost, "/api/v1/transfers/complete",
		completionRequest{TicketID: ps.TicketID, Upload: true})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("complete: status %d: %s", rec.Code, rec.Body)
	}

	// The grant is single-use.
	rec = doRequest(t, srv, http.MethodPost, "/api/v1/transfers/complete",
		completionRequest{TicketID: ps.TicketID, Upload: true})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("second complete: status %d: %s", rec.Code, rec.Body)
	}
}

func TestServer_OpenReadNoMover(t *testing.T) {
	srv, c := newTestServer(t)
	seedDestination(t, c, "D1", false)
	seedTransfer(t, c, "D1", "f.txt")

	// No transfer servers registered: selection must fail as unavailable.
	rec := doRequest(t, srv, http.MethodPost, "/api/v1/transfers/open-read",
		openReadRequest{Destination: "D1", Source: "f.txt"})
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status %d: %s", rec.Code, rec.Body)
	}
}

func TestServer_OpenRead(t *testing.T) {
	srv, c := newTestServer(t)
	seedDestination(t, c, "D1", false)
	seedTransfer(t, c, "D1", "f.txt")
	if err := c.UpsertTransferGroup(model.TransferGroup{Name: "internet", Active: true, VolumeCount: 1}); err != nil {
		t.Fatal(err)
	}
	if err := c.UpsertTransferServer(model.TransferServer{
		Name: "mover1", GroupName: "internet", Host: "mover1.example", Port: 9022, Active: true,
	}); err != nil {
		t.Fatal(err)
	}

	rec := doRequest(t, srv, http.MethodPost, "/api/v1/transfers/open-read",
		openReadRequest{Destination: "D1", Source: "f.txt"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body)
	}
	var ps proxySocketView
	decodeInto(t, rec, &ps)
	if ps.Upload || ps.DataHost != "mover1.example" || ps.DataPort != 9022 {
		t.Fatalf("unexpected socket: %+v", ps)
	}
}

// --- scheduler and movers ---

func TestServer_SchedulerActions(t *testing.T) {
	srv, c := newTestServer(t)
	seedDestination(t, c, "D1", false)

	rec := doRequest(t, srv, http.MethodPost, "/api/v1/destinations/D1/actions/hold", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("hold: status %d: %s", rec.Code, rec.Body)
	}

	rec = doRequest(t, srv, http.MethodGet, "/api/v1/destinations/D1/scheduler", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("scheduler: status %d: %s", rec.Code, rec.Body)
	}
	var view schedulerView
	decodeInto(t, rec, &view)
	if view.Status != model.SchedulerStateHold {
		t.Fatalf("status = %s, want HOLD", view.Status)
	}

	rec = doRequest(t, srv, http.MethodPost, "/api/v1/scheduler/actions/restart-all", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("restart-all: status %d: %s", rec.Code, rec.Body)
	}
	rec = doRequest(t, srv, http.MethodGet, "/api/v1/destinations/D1/scheduler", nil)
	decodeInto(t, rec, &view)
	if view.Status != model.SchedulerStateScheduled {
		t.Fatalf("status = %s, want SCHED", view.Status)
	}
}

func TestServer_VolumeUsageReport(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doRequest(t, srv, http.MethodGet, "/api/v1/movers/mover1/volume-usage", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unreported mover: status %d", rec.Code)
	}

	rec = doRequest(t, srv, http.MethodPost, "/api/v1/movers/mover1/volume-usage",
		volumeUsageReport{Volumes: []mover.VolumeSpace{{Volume: 0, FreeBytes: 100}, {Volume: 1, FreeBytes: 900}}})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("report: status %d: %s", rec.Code, rec.Body)
	}

	rec = doRequest(t, srv, http.MethodGet, "/api/v1/movers/mover1/volume-usage", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body)
	}
	var list ListResponse[mover.VolumeSpace]
	decodeInto(t, rec, &list)
	if list.Total != 2 {
		t.Fatalf("unexpected usage: %+v", list)
	}
}

func TestServer_MoverHeartbeat(t *testing.T) {
	c, err := catalog.Open(t.TempDir() + "/catalog.db")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Close() })

	tickets := ticket.NewRepository(0)
	scheduler := mover.NewScheduler(c, allConnected{}, tickets, "internet")
	var touched []string
	cfg := &config.EnvConfig{
		ListenAddress:   "127.0.0.1",
		AdminToken:      testToken,
		APIMaxBodyBytes: 1 << 20,
	}
	srv := NewServer(cfg, Deps{
		Catalog:    c,
		Projector:  vfs.NewProjector(c, nil),
		Access:     access.NewHandler(c, vfs.NewProjector(c, nil), tickets, scheduler, nil),
		Scheduler:  scheduler,
		SchedProxy: schedcache.NewProxy(schedcache.NewCatalogManagement(c)),
		Tickets:    tickets,
		StartedAt:  time.Now(),
		Heartbeat:  func(name string) { touched = append(touched, name) },
	})

	rec := doRequest(t, srv, http.MethodPost, "/api/v1/movers/mover1/heartbeat", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("heartbeat: status %d", rec.Code)
	}
	rec = doRequest(t, srv, http.MethodPost, "/api/v1/movers/mover2/volume-usage",
		volumeUsageReport{Volumes: []mover.VolumeSpace{{Volume: 0, FreeBytes: 100}}})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("report: status %d: %s", rec.Code, rec.Body)
	}
	if len(touched) != 2 || touched[0] != "mover1" || touched[1] != "mover2" {
		t.Fatalf("unexpected touches: %v", touched)
	}
}

// --- system ---

func TestServer_SystemEndpoints(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doRequest(t, srv, http.MethodGet, "/api/v1/system/info", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("info: status %d", rec.Code)
	}
	var info systemInfoView
	decodeInto(t, rec, &info)
	if info.Version == "" {
		t.Fatalf("unexpected info: %+v", info)
	}

	rec = doRequest(t, srv, http.MethodGet, "/api/v1/system/config/env", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("env: status %d", rec.Code)
	}
	if bytes.Contains(rec.Body.Bytes(), []byte(testToken)) {
		t.Fatal("env view must not leak the admin token")
	}
}
