package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/ecmwf/open-ecpds-sub002/internal/catalog"
	"github.com/ecmwf/open-ecpds-sub002/internal/model"
	"github.com/ecmwf/open-ecpds-sub002/internal/mover"
	"github.com/ecmwf/open-ecpds-sub002/internal/ticket"
)

// HandleUpsertUser returns a handler for PUT /users/{id}.
func HandleUpsertUser(c *catalog.Catalog) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var u model.IncomingUser
		if err := DecodeBody(r, &u); err != nil {
			writeDecodeBodyError(w, err)
			return
		}
		u.ID = PathParam(r, "id")
		if err := c.UpsertIncomingUser(u); err != nil {
			writeDomainError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// HandleTransferHistory returns a handler for GET /transfers/{id}/history.
func HandleTransferHistory(c *catalog.Catalog) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(PathParam(r, "id"), 10, 64)
		if err != nil {
			writeInvalidArgument(w, "id: must be an integer")
			return
		}
		lines, err := c.TransferHistoryFor(id)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		WriteList(w, http.StatusOK, lines)
	}
}

// HandleIncomingHistory returns a handler for
// GET /destinations/{dest}/incoming-history?limit=.
func HandleIncomingHistory(c *catalog.Catalog) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, err := ParseIntQuery(r, "limit", 100)
		if err != nil {
			writeInvalidArgument(w, err.Error())
			return
		}
		rows, err := c.IncomingHistoryFor(PathParam(r, "dest"), limit)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		WriteList(w, http.StatusOK, rows)
	}
}

// HandleAuditLines returns a handler for GET /audit?limit=.
func HandleAuditLines(c *catalog.Catalog) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, err := ParseIntQuery(r, "limit", 100)
		if err != nil {
			writeInvalidArgument(w, err.Error())
			return
		}
		lines, err := c.AuditLines(limit)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		WriteList(w, http.StatusOK, lines)
	}
}

// dataFileRequest registers a stored object and its fan-out after a mover
// has secured the bytes. The optional ticket id ties the registration back
// to the upload grant so completion can fan out history records.
type dataFileRequest struct {
	Original   string    `json:"original"`
	FileSystem int       `json:"file_system"`
	TimeBase   time.Time `json:"time_base"`
	TimeStep   int64     `json:"time_step"`
	Size       int64     `json:"size"`
	MetaStream string    `json:"meta_stream"`
	MetaType   string    `json:"meta_type"`
	MetaTime   string    `json:"meta_time"`
	TicketID   int64     `json:"ticket_id,omitempty"`

	Transfers []dataFileTransfer `json:"transfers"`
}

type dataFileTransfer struct {
	Destination string    `json:"destination"`
	Target      string    `json:"target"`
	ScheduledAt time.Time `json:"scheduled_at"`
	ASAP        bool      `json:"asap"`
}

// HandleRegisterDataFile returns a handler for POST /data-files.
func HandleRegisterDataFile(c *catalog.Catalog, tickets *ticket.Repository) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req dataFileRequest
		if err := DecodeBody(r, &req); err != nil {
			writeDecodeBodyError(w, err)
			return
		}
		if req.Original == "" || len(req.Transfers) == 0 {
			writeInvalidArgument(w, "original and transfers are required")
			return
		}
		now := time.Now()
		timeBase := req.TimeBase
		if timeBase.IsZero() {
			timeBase = now
		}
		f := &model.DataFile{
			Original:   req.Original,
			FileSystem: req.FileSystem,
			TimeBase:   timeBase,
			TimeStep:   req.TimeStep,
			MetaStream: req.MetaStream,
			MetaType:   req.MetaType,
			MetaTime:   req.MetaTime,
			ArrivedAt:  now,
			Size:       req.Size,
			Downloaded: true,
		}
		if _, err := c.InsertDataFile(f); err != nil {
			writeDomainError(w, err)
			return
		}
		ids := make([]int64, 0, len(req.Transfers))
		for _, tr := range req.Transfers {
			scheduled := tr.ScheduledAt
			if scheduled.IsZero() {
				scheduled = now
			}
			t := &model.DataTransfer{
				DestinationName: tr.Destination,
				DataFileID:      f.ID,
				Target:          tr.Target,
				Status:          model.StatusHold,
				ScheduledAt:     scheduled,
				ASAP:            tr.ASAP,
				Size:            req.Size,
			}
			if _, err := c.InsertTransfer(t); err != nil {
				writeDomainError(w, err)
				return
			}
			ids = append(ids, t.ID)
		}
		if req.TicketID != 0 {
			if _, ok := tickets.Update(req.TicketID, func(tk ticket.Ticket) ticket.Ticket {
				tk.DataFileID = f.ID
				return tk
			}); !ok {
				writeDomainError(w, mover.ErrTicketNotFound)
				return
			}
		}
		WriteJSON(w, http.StatusCreated, map[string]any{
			"data_file_id": f.ID,
			"transfer_ids": ids,
		})
	}
}

type ticketUpdateRequest struct {
	DataFileID int64  `json:"data_file_id,omitempty"`
	Error      string `json:"error,omitempty"`
}

// HandleAnnotateTicket returns a handler for PUT /tickets/{id}. Movers use
// it to attach the stored data file or a stream failure to an open grant
// before the completion call.
func HandleAnnotateTicket(tickets *ticket.Repository) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(PathParam(r, "id"), 10, 64)
		if err != nil {
			writeInvalidArgument(w, "id: must be an integer")
			return
		}
		var req ticketUpdateRequest
		if err := DecodeBody(r, &req); err != nil {
			writeDecodeBodyError(w, err)
			return
		}
		if _, ok := tickets.Update(id, func(tk ticket.Ticket) ticket.Ticket {
			if req.DataFileID != 0 {
				tk.DataFileID = req.DataFileID
			}
			if req.Error != "" {
				tk.Err = req.Error
			}
			return tk
		}); !ok {
			writeDomainError(w, mover.ErrTicketNotFound)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
