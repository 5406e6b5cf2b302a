package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/ecmwf/open-ecpds-sub002/internal/access"
	"github.com/ecmwf/open-ecpds-sub002/internal/api"
	"github.com/ecmwf/open-ecpds-sub002/internal/catalog"
	"github.com/ecmwf/open-ecpds-sub002/internal/config"
	"github.com/ecmwf/open-ecpds-sub002/internal/geoip"
	"github.com/ecmwf/open-ecpds-sub002/internal/model"
	"github.com/ecmwf/open-ecpds-sub002/internal/mover"
	"github.com/ecmwf/open-ecpds-sub002/internal/schedcache"
	"github.com/ecmwf/open-ecpds-sub002/internal/ticket"
	"github.com/ecmwf/open-ecpds-sub002/internal/vfs"
)

type masterApp struct {
	envCfg     *config.EnvConfig
	catalog    *catalog.Catalog
	tickets    *ticket.Repository
	registry   *mover.HeartbeatRegistry
	scheduler  *mover.Scheduler
	allocator  *mover.VolumeAllocator
	schedProxy *schedcache.Proxy
	geoSvc     *geoip.Service
	cronRunner *cron.Cron
	apiSrv     *api.Server
}

func run() error {
	envCfg, err := config.LoadEnvConfig()
	if err != nil {
		return err
	}
	if envCfg.AdminToken != "" && config.IsWeakToken(envCfg.AdminToken) {
		log.Println("WARNING: ECPDS_ADMIN_TOKEN is weak; use a longer random value")
	}

	app, err := newMasterApp(envCfg)
	if err != nil {
		return err
	}

	serverErrCh := app.startServers()
	runtimeErr := waitForShutdown(serverErrCh)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	app.shutdown(ctx)

	if runtimeErr != nil {
		return fmt.Errorf("runtime server error: %w", runtimeErr)
	}
	return nil
}

func newMasterApp(envCfg *config.EnvConfig) (*masterApp, error) {
	if err := os.MkdirAll(envCfg.StateDir, 0o755); err != nil {
		return nil, fmt.Errorf("state dir: %w", err)
	}
	cat, err := catalog.Open(filepath.Join(envCfg.StateDir, "catalog.db"))
	if err != nil {
		return nil, fmt.Errorf("catalog open: %w", err)
	}
	log.Println("Catalog open, migrations applied")

	app := &masterApp{envCfg: envCfg, catalog: cat}
	app.tickets = ticket.NewRepository(envCfg.TicketTTL)
	app.registry = mover.NewHeartbeatRegistry(envCfg.MoverLivenessWindow)
	app.scheduler = mover.NewScheduler(cat, app.registry, app.tickets, envCfg.PortalTransferGroup)
	app.allocator = mover.NewVolumeAllocator(app.scheduler)
	app.schedProxy = schedcache.NewProxy(schedcache.NewCatalogManagement(cat))

	projector := vfs.NewProjector(cat, app.onTransferRequeued)

	app.geoSvc = geoip.NewService(envCfg.GeoIPDBPath)
	if err := app.geoSvc.Reload(); err != nil {
		log.Printf("GeoIP database not loaded: %v", err)
	}

	accessHandler := access.NewHandler(cat, projector, app.tickets, app.scheduler, app.geoSvc)
	accessHandler.DataHost = envCfg.DataHost
	accessHandler.DataPort = envCfg.DataPort
	accessHandler.Mail = func(t *model.DataTransfer) {
		log.Printf("[master] delivery notification for transfer %d on %s (%s)",
			t.ID, t.DestinationName, t.Target)
	}

	if err := app.scheduleJobs(); err != nil {
		_ = cat.Close()
		return nil, err
	}

	app.apiSrv = api.NewServer(envCfg, api.Deps{
		Catalog:    cat,
		Projector:  projector,
		Access:     accessHandler,
		Scheduler:  app.scheduler,
		SchedProxy: app.schedProxy,
		Tickets:    app.tickets,
		Geo:        app.geoSvc,
		Allocator:  app.allocator,
		StartedAt:  time.Now().UTC(),
		Heartbeat:  app.registry.Touch,
	})

	app.startBackgroundServices()
	return app, nil
}

// onTransferRequeued pushes a fresh scheduler snapshot when a rename puts a
// transfer back in front of the queue.
func (a *masterApp) onTransferRequeued(t *model.DataTransfer) {
	if err := a.schedProxy.RefreshSnapshot(t.DestinationName); err != nil {
		log.Printf("[master] scheduler snapshot refresh for %s: %v", t.DestinationName, err)
	}
}

// listAllMovers flattens the fleet across every transfer group for the
// periodic volume usage refresh.
func (a *masterApp) listAllMovers() ([]model.TransferServer, error) {
	groups, err := a.catalog.TransferGroups()
	if err != nil {
		return nil, err
	}
	var servers []model.TransferServer
	for _, g := range groups {
		srvs, err := a.catalog.TransferServers(g.Name)
		if err != nil {
			return nil, err
		}
		servers = append(servers, srvs...)
	}
	return servers, nil
}

func (a *masterApp) scheduleJobs() error {
	a.cronRunner = cron.New()
	if err := a.tickets.Schedule(a.cronRunner, a.envCfg.TicketSweepSchedule); err != nil {
		return fmt.Errorf("ticket sweep schedule: %w", err)
	}
	if err := a.allocator.Schedule(a.cronRunner, a.envCfg.VolumeRefreshSchedule, a.listAllMovers); err != nil {
		return fmt.Errorf("volume refresh schedule: %w", err)
	}
	if err := a.geoSvc.Schedule(a.cronRunner, a.envCfg.GeoIPReloadSchedule); err != nil {
		return fmt.Errorf("geoip reload schedule: %w", err)
	}
	return nil
}

func (a *masterApp) startBackgroundServices() {
	a.cronRunner.Start()
	log.Println("Periodic jobs started")
}

func (a *masterApp) startServers() <-chan error {
	serverErrCh := make(chan error, 1)
	go func() {
		log.Printf("Master API server starting on %s", formatListenURL(a.envCfg.ListenAddress, a.envCfg.Port))
		err := a.apiSrv.ListenAndServe()
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return
		}
		select {
		case serverErrCh <- fmt.Errorf("api server: %w", err):
		default:
		}
	}()
	return serverErrCh
}

func waitForShutdown(serverErrCh <-chan error) error {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		log.Printf("Received signal %s, shutting down...", sig)
		return nil
	case err := <-serverErrCh:
		log.Printf("Received server runtime error (%v), shutting down...", err)
		return err
	}
}

func formatListenURL(listenAddress string, port int) string {
	return "http://" + net.JoinHostPort(listenAddress, strconv.Itoa(port))
}

func (a *masterApp) shutdown(ctx context.Context) {
	if err := a.apiSrv.Shutdown(ctx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}
	log.Println("Master API server stopped")

	// Stop event sources before persistence.
	cronCtx := a.cronRunner.Stop()
	select {
	case <-cronCtx.Done():
	case <-ctx.Done():
	}
	log.Println("Periodic jobs stopped")

	a.geoSvc.Close()
	log.Println("GeoIP service stopped")

	if err := a.catalog.Close(); err != nil {
		log.Printf("Catalog close error: %v", err)
	}
	log.Println("Server stopped")
}
