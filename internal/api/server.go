package api

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/net/netutil"

	"github.com/ecmwf/open-ecpds-sub002/internal/access"
	"github.com/ecmwf/open-ecpds-sub002/internal/catalog"
	"github.com/ecmwf/open-ecpds-sub002/internal/config"
	"github.com/ecmwf/open-ecpds-sub002/internal/geoip"
	"github.com/ecmwf/open-ecpds-sub002/internal/mover"
	"github.com/ecmwf/open-ecpds-sub002/internal/schedcache"
	"github.com/ecmwf/open-ecpds-sub002/internal/ticket"
	"github.com/ecmwf/open-ecpds-sub002/internal/vfs"
)

// Deps carries the wired components the routes are built from. Geo and
// Allocator may be nil; their routes are then not registered.
type Deps struct {
	Catalog    *catalog.Catalog
	Projector  *vfs.Projector
	Access     *access.Handler
	Scheduler  *mover.Scheduler
	SchedProxy *schedcache.Proxy
	Tickets    *ticket.Repository
	Geo        *geoip.Service
	Allocator  *mover.VolumeAllocator
	StartedAt  time.Time

	// Heartbeat, when set, records mover contact for the liveness registry.
	Heartbeat func(name string)
}

// Server wraps the HTTP server and mux of the master API.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
	maxConns   int
}

// NewServer creates an API server wired with all routes.
func NewServer(cfg *config.EnvConfig, d Deps) *Server {
	mux := http.NewServeMux()

	// Public (no auth)
	mux.Handle("GET /healthz", HandleHealthz())
	registerEmbeddedWebUI(mux)

	authed := http.NewServeMux()

	// System.
	authed.Handle("GET /api/v1/system/info", HandleSystemInfo(d.StartedAt))
	authed.Handle("GET /api/v1/system/config/env", HandleSystemEnvConfig(cfg))

	// Virtual filesystem (data portal surface).
	authed.Handle("GET /api/v1/destinations/{dest}/files", HandleListFiles(d.Projector))
	authed.Handle("GET /api/v1/destinations/{dest}/files/element", HandleGetFile(d.Projector))
	authed.Handle("GET /api/v1/destinations/{dest}/files/size", HandleFileSize(d.Projector))
	authed.Handle("GET /api/v1/destinations/{dest}/files/mtime", HandleFileMtime(d.Projector))
	authed.Handle("POST /api/v1/destinations/{dest}/files/mkdir", HandleMkdir(d.Projector))
	authed.Handle("POST /api/v1/destinations/{dest}/files/rmdir", HandleRmdir(d.Projector))
	authed.Handle("POST /api/v1/destinations/{dest}/files/move", HandleMoveFile(d.Projector))
	authed.Handle("DELETE /api/v1/destinations/{dest}/files", HandleDeleteFile(d.Projector))

	// Transfer protocol.
	authed.Handle("POST /api/v1/transfers/open-read", HandleOpenRead(d.Access))
	authed.Handle("POST /api/v1/transfers/open-write", HandleOpenWrite(d.Access))
	authed.Handle("POST /api/v1/transfers/complete", HandleCompleteTransfer(d.Access))
	authed.Handle("GET /api/v1/transfers/{id}/history", HandleTransferHistory(d.Catalog))

	// Destinations and scheduler.
	authed.Handle("GET /api/v1/destinations", HandleListDestinations(d.Catalog))
	authed.Handle("GET /api/v1/destinations/{dest}", HandleGetDestination(d.Catalog))
	authed.Handle("PUT /api/v1/destinations/{dest}", HandleUpsertDestination(d.Catalog))
	authed.Handle("GET /api/v1/destinations/{dest}/scheduler", HandleSchedulerStatus(d.SchedProxy))
	authed.Handle("POST /api/v1/destinations/{dest}/actions/restart", HandleRestartDestination(d.SchedProxy))
	authed.Handle("POST /api/v1/destinations/{dest}/actions/hold", HandleHoldDestination(d.SchedProxy))
	authed.Handle("POST /api/v1/scheduler/actions/restart-all", HandleRestartAll(d.SchedProxy))
	authed.Handle("POST /api/v1/scheduler/actions/hold-all", HandleHoldAll(d.SchedProxy))
	authed.Handle("GET /api/v1/contacts", HandleContacts(d.SchedProxy))
	authed.Handle("GET /api/v1/destinations/{dest}/incoming-history", HandleIncomingHistory(d.Catalog))

	// Mover fleet.
	authed.Handle("GET /api/v1/transfer-groups", HandleListTransferGroups(d.Catalog))
	authed.Handle("PUT /api/v1/transfer-groups/{name}", HandleUpsertTransferGroup(d.Catalog))
	authed.Handle("GET /api/v1/transfer-groups/{name}/movers", HandleListMovers(d.Catalog))
	authed.Handle("PUT /api/v1/movers/{name}", HandleUpsertMover(d.Catalog))
	authed.Handle("POST /api/v1/movers/{name}/volume-usage", HandleReportVolumeUsage(d.Scheduler, d.Heartbeat))
	authed.Handle("POST /api/v1/movers/{name}/heartbeat", HandleMoverHeartbeat(d.Heartbeat))
	authed.Handle("GET /api/v1/movers/{name}/volume-usage", HandleMoverVolumeUsage(d.Scheduler))
	authed.Handle("GET /api/v1/movers/{name}/downloads", HandleMoverDownloads(d.Scheduler))
	if d.Allocator != nil {
		authed.Handle("GET /api/v1/movers/{name}/allocate-volume", HandleAllocateVolume(d.Allocator))
	}

	// Catalog registration and users.
	authed.Handle("POST /api/v1/data-files", HandleRegisterDataFile(d.Catalog, d.Tickets))
	authed.Handle("PUT /api/v1/tickets/{id}", HandleAnnotateTicket(d.Tickets))
	authed.Handle("PUT /api/v1/users/{id}", HandleUpsertUser(d.Catalog))
	authed.Handle("GET /api/v1/audit", HandleAuditLines(d.Catalog))

	// GeoIP.
	if d.Geo != nil {
		authed.Handle("GET /api/v1/geoip/lookup", HandleGeoIPLookup(d.Geo))
		authed.Handle("POST /api/v1/geoip/actions/reload", HandleGeoIPReload(d.Geo))
	}

	limitedAuthed := RequestBodyLimitMiddleware(int64(cfg.APIMaxBodyBytes), authed)
	mux.Handle("/api/", AuthMiddleware(cfg.AdminToken, limitedAuthed))

	srv := &http.Server{
		Addr:    net.JoinHostPort(cfg.ListenAddress, strconv.Itoa(cfg.Port)),
		Handler: mux,
	}
	return &Server{httpServer: srv, mux: mux, maxConns: cfg.APIMaxConns}
}

// ListenAndServe starts the HTTP server behind a connection-limited
// listener. It blocks until the server stops.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	if s.maxConns > 0 {
		ln = netutil.LimitListener(ln, s.maxConns)
	}
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the underlying http.Handler for testing.
func (s *Server) Handler() http.Handler {
	return s.mux
}
