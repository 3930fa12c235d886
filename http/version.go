package http

import (
	"net/http"
	"runtime"
)

// HandleVersion writes the server version.
func HandleVersion(version string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, struct {
			Version   string `json:"version"`
			GoVersion string `json:"go_version"`
		}{
			Version:   version,
			GoVersion: runtime.Version(),
		})
	}
}
