package api

import (
	"net/http"
	"time"

	"github.com/ecmwf/open-ecpds-sub002/internal/catalog"
	"github.com/ecmwf/open-ecpds-sub002/internal/model"
	"github.com/ecmwf/open-ecpds-sub002/internal/schedcache"
)

// HandleListDestinations returns a handler for GET /destinations.
func HandleListDestinations(c *catalog.Catalog) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		destinations, err := c.Destinations()
		if err != nil {
			writeDomainError(w, err)
			return
		}
		WriteList(w, http.StatusOK, destinations)
	}
}

// HandleGetDestination returns a handler for GET /destinations/{dest}.
func HandleGetDestination(c *catalog.Catalog) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		d, err := c.DestinationByName(PathParam(r, "dest"))
		if err != nil {
			writeDomainError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, d)
	}
}

// HandleUpsertDestination returns a handler for PUT /destinations/{dest}.
func HandleUpsertDestination(c *catalog.Catalog) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var d model.Destination
		if err := DecodeBody(r, &d); err != nil {
			writeDecodeBodyError(w, err)
			return
		}
		d.Name = PathParam(r, "dest")
		if err := c.UpsertDestination(d); err != nil {
			writeDomainError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// schedulerView is the wire rendering of a destination scheduler snapshot.
type schedulerView struct {
	Destination      string     `json:"destination"`
	Status           string     `json:"status"`
	Monitor          bool       `json:"monitor"`
	PendingCount     int        `json:"pending_count"`
	PendingBytes     int64      `json:"pending_bytes"`
	StartDate        *time.Time `json:"start_date,omitempty"`
	LastTransferID   int64      `json:"last_transfer_id,omitempty"`
	LastFailedID     int64      `json:"last_failed_id,omitempty"`
	LastTransferName string     `json:"last_transfer_name,omitempty"`
	LastFailedName   string     `json:"last_failed_name,omitempty"`
}

// HandleSchedulerStatus returns a handler for
// GET /destinations/{dest}/scheduler.
func HandleSchedulerStatus(p *schedcache.Proxy) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		dest := PathParam(r, "dest")
		view := schedulerView{Destination: dest}
		status, err := p.Status(dest)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		view.Status = status
		if view.Monitor, err = p.Monitor(dest); err != nil {
			writeDomainError(w, err)
			return
		}
		if view.PendingCount, err = p.PendingCount(dest); err != nil {
			writeDomainError(w, err)
			return
		}
		if view.PendingBytes, err = p.PendingBytes(dest); err != nil {
			writeDomainError(w, err)
			return
		}
		if view.StartDate, err = p.StartDate(dest); err != nil {
			writeDomainError(w, err)
			return
		}
		if last, err := p.LastTransfer(dest); err == nil && last != nil {
			view.LastTransferID = last.ID
			view.LastTransferName = last.Target
		}
		if failed, err := p.LastFailedTransfer(dest); err == nil && failed != nil {
			view.LastFailedID = failed.ID
			view.LastFailedName = failed.Target
		}
		WriteJSON(w, http.StatusOK, view)
	}
}

// HandleRestartDestination returns a handler for
// POST /destinations/{dest}/actions/restart.
func HandleRestartDestination(p *schedcache.Proxy) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := p.Restart(PathParam(r, "dest")); err != nil {
			writeDomainError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// HandleHoldDestination returns a handler for
// POST /destinations/{dest}/actions/hold.
func HandleHoldDestination(p *schedcache.Proxy) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := p.Hold(PathParam(r, "dest")); err != nil {
			writeDomainError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// HandleRestartAll returns a handler for POST /scheduler/actions/restart-all.
func HandleRestartAll(p *schedcache.Proxy) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := p.RestartAll(); err != nil {
			writeDomainError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// HandleHoldAll returns a handler for POST /scheduler/actions/hold-all.
func HandleHoldAll(p *schedcache.Proxy) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := p.HoldAll(); err != nil {
			writeDomainError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// HandleContacts returns a handler for GET /contacts.
func HandleContacts(p *schedcache.Proxy) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		directory, err := p.Contacts()
		if err != nil {
			writeDomainError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, directory)
	}
}
