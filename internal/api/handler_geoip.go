package api

import (
	"net/http"

	"github.com/ecmwf/open-ecpds-sub002/internal/geoip"
)

// HandleGeoIPLookup returns a handler for GET /geoip/lookup?addr=.
func HandleGeoIPLookup(s *geoip.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		addr := r.URL.Query().Get("addr")
		if addr == "" {
			writeInvalidArgument(w, "addr is required")
			return
		}
		WriteJSON(w, http.StatusOK, map[string]string{
			"addr":    addr,
			"country": s.Country(addr),
		})
	}
}

// HandleGeoIPReload returns a handler for POST /geoip/actions/reload.
func HandleGeoIPReload(s *geoip.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.Reload(); err != nil {
			WriteError(w, http.StatusServiceUnavailable, "UNAVAILABLE", err.Error())
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
