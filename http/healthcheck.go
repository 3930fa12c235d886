package http

import "net/http"

// HandleHealthCheck reports that the server is up.
func HandleHealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, status{Status: "ok"})
}

// HandleReadyCheck reports whether the server can stream tiles.
func HandleReadyCheck(readinessCheck func() error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := readinessCheck(); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, status{
				Status: "unavailable",
				Reason: err.Error(),
			})
			return
		}
		writeJSON(w, http.StatusOK, status{Status: "ready"})
	}
}

type status struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}
