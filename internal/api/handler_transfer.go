package api

import (
	"net/http"
	"time"

	"github.com/ecmwf/open-ecpds-sub002/internal/access"
	"github.com/ecmwf/open-ecpds-sub002/internal/ticket"
)

type openReadRequest struct {
	Destination string `json:"destination"`
	Source      string `json:"source"`
	Offset      int64  `json:"offset"`
	Length      int64  `json:"length"`
}

type openWriteRequest struct {
	Destination string `json:"destination"`
	Target      string `json:"target"`
	Offset      int64  `json:"offset"`
}

// proxySocketView is the wire rendering of a rendezvous descriptor.
type proxySocketView struct {
	DataHost       string `json:"data_host"`
	DataPort       int    `json:"data_port"`
	TicketID       int64  `json:"ticket_id"`
	Upload         bool   `json:"upload"`
	MaxBytesPerSec int64  `json:"max_bytes_per_sec,omitempty"`
}

func toProxySocketView(ps *ticket.ProxySocket) proxySocketView {
	return proxySocketView{
		DataHost:       ps.DataHost,
		DataPort:       ps.DataPort,
		TicketID:       ps.TicketID,
		Upload:         ps.Upload,
		MaxBytesPerSec: ps.MaxBytesPerSec,
	}
}

// completionRequest reports a finished out-of-band stream, with the optional
// telemetry event recorded by the serving mover.
type completionRequest struct {
	TicketID int64            `json:"ticket_id"`
	Upload   bool             `json:"upload"`
	Event    *completionEvent `json:"event,omitempty"`
}

type completionEvent struct {
	UserID         string    `json:"user_id"`
	HostAddress    string    `json:"host_address"`
	Protocol       string    `json:"protocol"`
	TransferServer string    `json:"transfer_server"`
	StartedAt      time.Time `json:"started_at"`
	DurationMs     int64     `json:"duration_ms"`
	Sent           int64     `json:"sent"`
}

// HandleOpenRead returns a handler for POST /transfers/open-read.
func HandleOpenRead(h *access.Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req openReadRequest
		if err := DecodeBody(r, &req); err != nil {
			writeDecodeBodyError(w, err)
			return
		}
		if req.Destination == "" || req.Source == "" {
			writeInvalidArgument(w, "destination and source are required")
			return
		}
		ps, err := h.OpenForRead(req.Destination, req.Source, req.Offset, req.Length)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, toProxySocketView(ps))
	}
}

// HandleOpenWrite returns a handler for POST /transfers/open-write.
func HandleOpenWrite(h *access.Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req openWriteRequest
		if err := DecodeBody(r, &req); err != nil {
			writeDecodeBodyError(w, err)
			return
		}
		if req.Destination == "" || req.Target == "" {
			writeInvalidArgument(w, "destination and target are required")
			return
		}
		ps, err := h.OpenForWrite(req.Destination, req.Target, req.Offset)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, toProxySocketView(ps))
	}
}

// HandleCompleteTransfer returns a handler for POST /transfers/complete.
func HandleCompleteTransfer(h *access.Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req completionRequest
		if err := DecodeBody(r, &req); err != nil {
			writeDecodeBodyError(w, err)
			return
		}
		ps := &ticket.ProxySocket{TicketID: req.TicketID, Upload: req.Upload}
		if req.Event != nil {
			ps.Event = &ticket.Event{
				UserID:         req.Event.UserID,
				HostAddress:    req.Event.HostAddress,
				Protocol:       req.Event.Protocol,
				TransferServer: req.Event.TransferServer,
				StartedAt:      req.Event.StartedAt,
				Duration:       time.Duration(req.Event.DurationMs) * time.Millisecond,
				Sent:           req.Event.Sent,
				Upload:         req.Upload,
			}
		}
		if err := h.ReportCompletion(ps); err != nil {
			writeDomainError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
