package api

import (
	"net/http"
	"time"

	"github.com/ecmwf/open-ecpds-sub002/internal/buildinfo"
	"github.com/ecmwf/open-ecpds-sub002/internal/config"
)

// systemInfoView reports build identity and process uptime.
type systemInfoView struct {
	Version   string          `json:"version"`
	GitCommit string          `json:"git_commit"`
	BuildTime string          `json:"build_time"`
	Uptime    config.Duration `json:"uptime"`
}

// HandleSystemInfo returns a handler for GET /system/info.
func HandleSystemInfo(startedAt time.Time) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, systemInfoView{
			Version:   buildinfo.Version,
			GitCommit: buildinfo.GitCommit,
			BuildTime: buildinfo.BuildTime,
			Uptime:    config.Duration(time.Since(startedAt).Round(time.Second)),
		})
	}
}

// envConfigView exposes the effective non-secret environment settings.
type envConfigView struct {
	StateDir              string          `json:"state_dir"`
	LogDir                string          `json:"log_dir"`
	ListenAddress         string          `json:"listen_address"`
	Port                  int             `json:"port"`
	DataHost              string          `json:"data_host"`
	DataPort              int             `json:"data_port"`
	PortalTransferGroup   string          `json:"portal_transfer_group"`
	TicketTTL             config.Duration `json:"ticket_ttl"`
	MoverLivenessWindow   config.Duration `json:"mover_liveness_window"`
	TicketSweepSchedule   string          `json:"ticket_sweep_schedule"`
	VolumeRefreshSchedule string          `json:"volume_refresh_schedule"`
	GeoIPReloadSchedule   string          `json:"geoip_reload_schedule"`
	GeoIPDBPath           string          `json:"geoip_db_path"`
}

// HandleSystemEnvConfig returns a handler for GET /system/config/env.
// The admin token is deliberately absent from the view.
func HandleSystemEnvConfig(cfg *config.EnvConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, envConfigView{
			StateDir:              cfg.StateDir,
			LogDir:                cfg.LogDir,
			ListenAddress:         cfg.ListenAddress,
			Port:                  cfg.Port,
			DataHost:              cfg.DataHost,
			DataPort:              cfg.DataPort,
			PortalTransferGroup:   cfg.PortalTransferGroup,
			TicketTTL:             config.Duration(cfg.TicketTTL),
			MoverLivenessWindow:   config.Duration(cfg.MoverLivenessWindow),
			TicketSweepSchedule:   cfg.TicketSweepSchedule,
			VolumeRefreshSchedule: cfg.VolumeRefreshSchedule,
			GeoIPReloadSchedule:   cfg.GeoIPReloadSchedule,
			GeoIPDBPath:           cfg.GeoIPDBPath,
		})
	}
}
