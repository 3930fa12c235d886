package smoketest

import (
	"context"
	"io"
	"math"
	"net/http"
	"time"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/go-tooling/pkg/logs"
	"github.com/aukilabs/tilestream/culling"
	"github.com/aukilabs/tilestream/models"
	"github.com/aukilabs/tilestream/tileset"
	"github.com/aukilabs/tilestream/transport"
	"github.com/golang/geo/r3"
	"github.com/segmentio/encoding/json"
)

const (
	defaultFrames  = 64
	defaultTimeout = time.Second * 30
	viewportHeight = 1080
)

// Options configures the smoke tests.
type Options struct {
	// The fetcher used to load the tested tilesets.
	Fetcher transport.Fetcher

	// The options of the tested tilesets.
	TilesetOptions tileset.Options

	// The tileset tested when a request has no uri.
	DefaultTilesetURI string

	// The maximum number of frames a request can ask for.
	MaxFrames int
}

// Request is a smoke test request.
type Request struct {
	URI       string `json:"uri"`
	Frames    int    `json:"frames"`
	TimeoutMS int64  `json:"timeout_ms"`
}

// Results are the counters of a smoke test.
type Results struct {
	TilesetID     string `json:"tileset_id"`
	URI           string `json:"uri"`
	Tiles         int    `json:"tiles"`
	Frames        int    `json:"frames"`
	Ready         bool   `json:"ready"`
	Selected      int    `json:"selected"`
	Loaded        int    `json:"loaded"`
	Unloaded      int    `json:"unloaded"`
	Errors        int    `json:"errors"`
	ResidentBytes int    `json:"resident_bytes"`
	DurationMS    int64  `json:"duration_ms"`
}

// HandleSmokeTest loads a tileset and runs headless frames with a camera
// looking at the whole tileset until it is ready. The counters of the run
// are written as JSON.
func HandleSmokeTest(opts Options) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req Request
		if r.Body != nil {
			b, err := io.ReadAll(r.Body)
			if err != nil {
				writeError(w, http.StatusInternalServerError, errors.New("reading body failed").Wrap(err))
				return
			}

			if len(b) != 0 {
				if err := json.Unmarshal(b, &req); err != nil {
					writeError(w, http.StatusBadRequest, errors.New("decoding smoke test request failed").Wrap(err))
					return
				}
			}
		}

		if req.URI == "" {
			req.URI = opts.DefaultTilesetURI
		}
		if req.URI == "" {
			writeError(w, http.StatusBadRequest, errors.New("a tileset uri is required"))
			return
		}

		if req.Frames <= 0 {
			req.Frames = defaultFrames
		}
		if opts.MaxFrames > 0 && req.Frames > opts.MaxFrames {
			req.Frames = opts.MaxFrames
		}

		timeout := defaultTimeout
		if req.TimeoutMS > 0 {
			timeout = time.Duration(req.TimeoutMS) * time.Millisecond
		}

		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()

		res, err := Run(ctx, opts.Fetcher, req.URI, req.Frames, opts.TilesetOptions)
		if err != nil {
			logs.Warn(errors.New("smoke test failed").
				WithTag("uri", req.URI).
				Wrap(err))
			writeError(w, http.StatusBadGateway, err)
			return
		}

		logs.WithTag("uri", res.URI).
			WithTag("frames", res.Frames).
			WithTag("ready", res.Ready).
			WithTag("loaded", res.Loaded).
			WithTag("errors", res.Errors).
			Info("smoke test completed")

		writeJSON(w, http.StatusOK, res)
	}
}

// Run loads the tileset at the given uri and runs frames until the tileset
// is ready or the frame count is reached. Each frame waits for the loads it
// dispatched.
func Run(ctx context.Context, fetcher transport.Fetcher, uri string, frames int, opts tileset.Options) (Results, error) {
	start := time.Now()

	counter := &counter{}
	opts.Events = counter

	ts, err := tileset.Load(ctx, uri, fetcher, opts)
	if err != nil {
		return Results{}, err
	}
	defer ts.Close()

	res := Results{
		TilesetID: ts.ID,
		URI:       ts.URI,
		Tiles:     ts.TileCount(),
	}

	fs := models.NewFrameState(0, overviewCamera(ts.Root.BoundingVolume))

	for res.Frames < frames && !ts.Ready() {
		frame, err := ts.Update(ctx, &fs)
		if err != nil {
			return Results{}, errors.New("running frame failed").
				WithTag("frame", res.Frames+1).
				Wrap(err)
		}
		res.Frames++
		res.Selected = len(frame.Selected)
		res.ResidentBytes = frame.Stats.ResidentBytes

		if err := ts.WaitForLoads(ctx); err != nil {
			return Results{}, errors.New("waiting for loads failed").Wrap(err)
		}
	}

	res.Ready = ts.Ready()
	res.Loaded = counter.loaded
	res.Unloaded = counter.unloaded
	res.Errors = counter.errors
	res.TilesetID = ts.ID
	res.DurationMS = time.Since(start).Milliseconds()
	return res, nil
}

// overviewCamera returns a camera looking down -Z at the whole volume. The
// extent of the volume is measured along +Z from its centroid.
func overviewCamera(v culling.Volume) culling.Camera {
	const probe = 1e8

	center := v.Centroid()
	extent := math.Max(probe-v.DistanceTo(center.Add(r3.Vector{Z: probe})), 1)
	distance := extent * 3

	return culling.Camera{
		Position:  center.Add(r3.Vector{Z: distance}),
		Direction: r3.Vector{Z: -1},
		Up:        r3.Vector{Y: 1},
		FovY:      math.Pi / 3,
		Aspect:    16.0 / 9.0,
		Near:      math.Max(distance-extent*2, 0.1),
		Far:       distance + extent*2,
		Height:    viewportHeight,
	}
}

type counter struct {
	tileset.NopEvents

	loaded   int
	unloaded int
	errors   int
}

func (c *counter) OnTileReady(tile *models.Tile) {
	c.loaded++
}

func (c *counter) OnTileError(tile *models.Tile, err error) {
	c.errors++
}

func (c *counter) OnTileUnload(tile *models.Tile) {
	c.unloaded++
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, struct {
		Type    string `json:"type,omitempty"`
		Message string `json:"message"`
	}{
		Type:    errors.Type(err),
		Message: err.Error(),
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(b)
}
