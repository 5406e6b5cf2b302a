package api

import (
	"net/http"

	"github.com/ecmwf/open-ecpds-sub002/internal/catalog"
	"github.com/ecmwf/open-ecpds-sub002/internal/model"
	"github.com/ecmwf/open-ecpds-sub002/internal/mover"
)

// HandleListTransferGroups returns a handler for GET /transfer-groups.
func HandleListTransferGroups(c *catalog.Catalog) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		groups, err := c.TransferGroups()
		if err != nil {
			writeDomainError(w, err)
			return
		}
		WriteList(w, http.StatusOK, groups)
	}
}

// HandleUpsertTransferGroup returns a handler for PUT /transfer-groups/{name}.
func HandleUpsertTransferGroup(c *catalog.Catalog) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var g model.TransferGroup
		if err := DecodeBody(r, &g); err != nil {
			writeDecodeBodyError(w, err)
			return
		}
		g.Name = PathParam(r, "name")
		if err := c.UpsertTransferGroup(g); err != nil {
			writeDomainError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// HandleListMovers returns a handler for GET /transfer-groups/{name}/movers.
func HandleListMovers(c *catalog.Catalog) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		servers, err := c.TransferServers(PathParam(r, "name"))
		if err != nil {
			writeDomainError(w, err)
			return
		}
		WriteList(w, http.StatusOK, servers)
	}
}

// HandleUpsertMover returns a handler for PUT /movers/{name}.
func HandleUpsertMover(c *catalog.Catalog) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var s model.TransferServer
		if err := DecodeBody(r, &s); err != nil {
			writeDecodeBodyError(w, err)
			return
		}
		s.Name = PathParam(r, "name")
		if err := c.UpsertTransferServer(s); err != nil {
			writeDomainError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

type volumeUsageReport struct {
	Volumes []mover.VolumeSpace `json:"volumes"`
}

// HandleReportVolumeUsage returns a handler for
// POST /movers/{name}/volume-usage. Movers push their per-volume free space
// here; the figures feed allocation and download load sorting. The push also
// counts as a liveness heartbeat when a touch hook is wired.
func HandleReportVolumeUsage(s *mover.Scheduler, touch func(name string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var report volumeUsageReport
		if err := DecodeBody(r, &report); err != nil {
			writeDecodeBodyError(w, err)
			return
		}
		if len(report.Volumes) == 0 {
			writeInvalidArgument(w, "volumes are required")
			return
		}
		name := PathParam(r, "name")
		s.ReportVolumeUsage(name, report.Volumes)
		if touch != nil {
			touch(name)
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// HandleMoverHeartbeat returns a handler for POST /movers/{name}/heartbeat.
// Movers without a usage change still call this to stay eligible for
// download placement.
func HandleMoverHeartbeat(touch func(name string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if touch != nil {
			touch(PathParam(r, "name"))
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// HandleMoverVolumeUsage returns a handler for
// GET /movers/{name}/volume-usage.
func HandleMoverVolumeUsage(s *mover.Scheduler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		spaces, err := s.VolumeUsage(PathParam(r, "name"))
		if err != nil {
			writeDomainError(w, err)
			return
		}
		WriteList(w, http.StatusOK, spaces)
	}
}

// HandleAllocateVolume returns a handler for
// GET /movers/{name}/allocate-volume?count=. A mover about to store a new
// file asks which of its volumes should receive it.
func HandleAllocateVolume(a *mover.VolumeAllocator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		count, err := ParseIntQuery(r, "count", 0)
		if err != nil {
			writeInvalidArgument(w, err.Error())
			return
		}
		if count <= 0 {
			writeInvalidArgument(w, "count must be a positive integer")
			return
		}
		WriteJSON(w, http.StatusOK, map[string]int{
			"volume": a.Allocate(PathParam(r, "name"), count),
		})
	}
}

// HandleMoverDownloads returns a handler for
// GET /movers/{name}/downloads?volume=.
func HandleMoverDownloads(s *mover.Scheduler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		volume, err := ParseIntQuery(r, "volume", 0)
		if err != nil {
			writeInvalidArgument(w, err.Error())
			return
		}
		WriteJSON(w, http.StatusOK, map[string]int{
			"in_flight": s.InFlightDownloads(PathParam(r, "name"), volume),
		})
	}
}
