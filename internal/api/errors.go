package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/ecmwf/open-ecpds-sub002/internal/catalog"
	"github.com/ecmwf/open-ecpds-sub002/internal/mover"
	"github.com/ecmwf/open-ecpds-sub002/internal/vfs"
)

func writeInvalidArgument(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusBadRequest, "INVALID_ARGUMENT", message)
}

func writePayloadTooLarge(w http.ResponseWriter, limit int64) {
	msg := "request body too large"
	if limit > 0 {
		msg = "request body too large (max " + strconv.FormatInt(limit, 10) + " bytes)"
	}
	WriteError(w, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE", msg)
}

func writeDecodeBodyError(w http.ResponseWriter, err error) {
	var tooLarge *requestBodyTooLargeError
	if errors.As(err, &tooLarge) {
		writePayloadTooLarge(w, tooLarge.Limit)
		return
	}
	writeInvalidArgument(w, err.Error())
}

// writeDomainError maps domain sentinel errors to HTTP response codes.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case err == nil:
		WriteError(w, http.StatusInternalServerError, "INTERNAL", "internal server error")
	case errors.Is(err, vfs.ErrInvalidArgument):
		WriteError(w, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error())
	case errors.Is(err, vfs.ErrPermission):
		WriteError(w, http.StatusForbidden, "PERMISSION_DENIED", err.Error())
	case errors.Is(err, vfs.ErrNotFound), errors.Is(err, catalog.ErrNotFound),
		errors.Is(err, mover.ErrTicketNotFound), errors.Is(err, mover.ErrNoUsageReport):
		WriteError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
	case errors.Is(err, mover.ErrNoMoverAvailable), errors.Is(err, catalog.ErrUnavailable):
		WriteError(w, http.StatusServiceUnavailable, "UNAVAILABLE", err.Error())
	default:
		WriteError(w, http.StatusInternalServerError, "INTERNAL", "internal server error")
	}
}
