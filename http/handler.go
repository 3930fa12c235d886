package http

import (
	"context"
	"net/http"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/go-tooling/pkg/logs"
	"github.com/segmentio/encoding/json"
)

// ContentCache is a persistent cache of fetched contents.
type ContentCache interface {
	Len() (int, error)
	Purge(ctx context.Context) (int, error)
}

// HandleContentCache reports the number of cached contents on GET and purges
// the expired ones on DELETE.
func HandleContentCache(c ContentCache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			n, err := c.Len()
			if err != nil {
				internalServerError(w, errors.New("counting cached contents failed").Wrap(err))
				return
			}
			writeJSON(w, http.StatusOK, struct {
				Entries int `json:"entries"`
			}{
				Entries: n,
			})

		case http.MethodDelete:
			n, err := c.Purge(r.Context())
			if err != nil {
				internalServerError(w, errors.New("purging cached contents failed").Wrap(err))
				return
			}
			logs.WithTag("purged", n).Info("content cache purged")
			writeJSON(w, http.StatusOK, struct {
				Purged int `json:"purged"`
			}{
				Purged: n,
			})

		default:
			w.Header().Set("Allow", "GET, DELETE")
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	}
}

func internalServerError(w http.ResponseWriter, err error) {
	logs.Warn(err)
	writeJSON(w, http.StatusInternalServerError, status{
		Status: "error",
		Reason: err.Error(),
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		logs.Warn(errors.New("encoding response failed").Wrap(err))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(b)
}
