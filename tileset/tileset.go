package tileset

import (
	"context"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/go-tooling/pkg/logs"
	"github.com/aukilabs/tilestream/cache"
	"github.com/aukilabs/tilestream/decoder"
	"github.com/aukilabs/tilestream/featureflag"
	"github.com/aukilabs/tilestream/models"
	"github.com/aukilabs/tilestream/scheduler"
	"github.com/aukilabs/tilestream/transport"
	"github.com/aukilabs/tilestream/traversal"
	"github.com/aukilabs/tilestream/workerpool"
	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/multierr"
)

// ErrTypeClosed is the type of the errors returned when using a closed
// tileset.
const ErrTypeClosed = "tileset-closed"

// TileError is a load error reported for a tile.
type TileError struct {
	Tile *models.Tile
	Err  error
}

// Frame is the outcome of a tileset update.
type Frame struct {
	Number uint64

	// The tiles to render, in traversal order.
	Selected []*models.Tile

	// The selected tiles that were not selected in the previous frame.
	NewlySelected []*models.Tile

	// The tiles requested by the traversal.
	Requested []*models.Tile

	// The tiles whose load started during the frame, in dispatch order.
	Dispatched []*models.Tile

	// The tiles whose content was evicted at the end of the frame.
	Evicted []*models.Tile

	// The loads that failed since the previous frame.
	Errors []TileError

	Stats models.Statistics

	// An informational traversal error, such as a root already within the
	// screen space error budget.
	Err error
}

// Tileset is a tree of tiles with the machinery that selects, loads and
// evicts their contents.
//
// A tileset is not safe for concurrent use: Update, Expire, WaitForLoads and
// Close must be called from the same goroutine.
type Tileset struct {
	ID             string
	URI            string
	Manifest       *models.Manifest
	Root           *models.Tile
	GeometricError float64

	opts      Options
	fetcher   transport.Fetcher
	decoder   Decoder
	registry  *decoder.Registry
	cache     *cache.Cache
	scheduler *scheduler.Scheduler
	traverser *traversal.Traverser
	events    Events
	clock     clock.Clock
	ids       models.SequentialIDGenerator

	frame          uint64
	version        uint64
	tileCount      int
	ready          bool
	closed         bool
	manifestErrors error
	pendingErrors  []TileError
}

// Load fetches the manifest at the given uri and creates its tileset.
func Load(ctx context.Context, uri string, fetcher transport.Fetcher, opts Options) (*Tileset, error) {
	data, err := fetcher.Fetch(ctx, uri)
	if err != nil {
		return nil, errors.New("fetching tileset manifest failed").
			WithType(models.ErrTypeTransport).
			WithTag("uri", uri).
			Wrap(err)
	}

	manifest, err := ParseManifest(data)
	if err != nil {
		return nil, errors.New("parsing tileset manifest failed").
			WithType(models.ErrTypeManifest).
			WithTag("uri", uri).
			Wrap(err)
	}

	return New(uri, manifest, fetcher, opts)
}

// New creates the tileset of a parsed manifest. Content locators are resolved
// against uri. Tiles with an invalid header are skipped with their subtree,
// an invalid root returns an error.
func New(uri string, manifest *models.Manifest, fetcher transport.Fetcher, opts Options) (*Tileset, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if manifest == nil || manifest.Root == nil || manifest.GeometricError == nil {
		return nil, errors.New("incomplete tileset manifest").
			WithType(models.ErrTypeManifest).
			WithTag("uri", uri)
	}

	ts := &Tileset{
		ID:             uuid.NewString(),
		URI:            uri,
		Manifest:       manifest,
		GeometricError: *manifest.GeometricError,
		opts:           opts,
		fetcher:        fetcher,
		decoder:        opts.Decoder,
		cache:          cache.New(),
		events:         opts.Events,
		clock:          opts.Clock,
	}

	if ts.events == nil {
		ts.events = NopEvents{}
	}
	if ts.clock == nil {
		ts.clock = clock.New()
	}

	root, count, err := treeBuilder{ids: &ts.ids}.build(manifest.Root, uri, nil)
	if root == nil {
		return nil, err
	}
	if err != nil {
		ts.reportManifestErrors(err)
	}
	ts.Root = root
	ts.tileCount = count

	if ts.decoder == nil {
		ts.registry = decoder.NewDefaultRegistry(workerpool.Options{
			MaxConcurrency: opts.DecodeWorkers,
			ReuseWorkers:   opts.ReuseWorkers,
		})
		ts.decoder = ts.registry
	}

	ts.scheduler = scheduler.New(ts.loadContent, scheduler.Options{
		MaxConcurrency:    opts.MaxConcurrency,
		SkipLevelOfDetail: opts.SkipLevelOfDetail,
	})
	ts.traverser = traversal.New(opts.traversalOptions())

	logs.WithTag("tileset", ts.ID).
		WithTag("uri", uri).
		WithTag("root", root.ID).
		WithTag("tiles", count).
		Info("tileset loaded")
	return ts, nil
}

// Options returns the tileset options.
func (ts *Tileset) Options() Options {
	return ts.opts
}

// TileCount returns the number of tiles in the tree, including the tiles of
// expanded external tilesets.
func (ts *Tileset) TileCount() int {
	return ts.tileCount
}

// Ready reports whether the tiles required by a frame were all loaded once.
func (ts *Tileset) Ready() bool {
	return ts.ready
}

// ManifestErrors returns the aggregated errors of the tiles that were skipped
// because of an invalid header.
func (ts *Tileset) ManifestErrors() []error {
	return multierr.Errors(ts.manifestErrors)
}

// Update runs a frame:
//   - The loads completed since the previous frame are applied to their tiles.
//   - The tree is traversed to select the tiles to render and the tiles to
//     load.
//   - The requested tiles are scheduled.
//   - Resident tiles are evicted until the cache budget is met.
//
// A zero frame number is replaced by the number following the previous frame.
// A canceled context aborts the scheduling pass and its error is returned
// with the frame.
func (ts *Tileset) Update(ctx context.Context, fs *models.FrameState) (Frame, error) {
	if ts.closed {
		return Frame{}, errors.New("tileset is closed").
			WithType(ErrTypeClosed).
			WithTag("tileset", ts.ID)
	}

	start := ts.clock.Now()

	frameState := *fs
	if frameState.FrameNumber == 0 {
		frameState.FrameNumber = ts.frame + 1
	}
	if frameState.Time.IsZero() {
		frameState.Time = start
	}
	ts.frame = frameState.FrameNumber

	frame := Frame{
		Number: frameState.FrameNumber,
		Errors: ts.pendingErrors,
	}
	ts.pendingErrors = nil

	for _, res := range ts.scheduler.Drain() {
		if err := ts.processResult(res); err != nil {
			frame.Errors = append(frame.Errors, TileError{
				Tile: res.Tile,
				Err:  err,
			})
		}
	}

	res := ts.traverser.SelectTiles(traversal.Tree{
		Root:           ts.Root,
		GeometricError: ts.GeometricError,
		Cache:          ts.cache,
	}, &frameState)

	frame.Selected = res.Selected
	frame.NewlySelected = res.NewlySelected
	frame.Requested = res.Requested
	frame.Err = res.Err

	ts.scheduler.Request(res.Requested...)
	dispatched, err := ts.scheduler.Schedule(ctx, frame.Number, res.RootScreenSpaceError)
	frame.Dispatched = dispatched

	frame.Evicted = ts.cache.Trim(frame.Number, ts.opts.MaximumResidentTiles, ts.opts.MaximumMemoryUsage)
	for _, t := range frame.Evicted {
		ts.events.OnTileUnload(t)
	}

	ts.opts.FeatureFlags.IfNotSet(featureflag.FlagDisableSelectionEvents, func() {
		for _, t := range frame.NewlySelected {
			ts.events.OnTileSelected(t)
		}
	})

	frame.Stats = res.Stats
	frame.Stats.InFlight = ts.scheduler.InFlight()
	frame.Stats.Queued = ts.scheduler.Queued()
	frame.Stats.Resident = ts.cache.Len()
	frame.Stats.ResidentBytes = ts.cache.Bytes()
	frame.Stats.Evicted = len(frame.Evicted)
	frame.Stats.Errored = len(frame.Errors)

	instrumentFrame(frame, ts.clock.Since(start))

	if len(dispatched) != 0 {
		logs.WithTag("tileset", ts.ID).
			WithTag("frame", frame.Number).
			WithTag("tiles", scheduler.IDs(dispatched)).
			Debug("tile loads dispatched")
	}

	if !ts.ready && len(res.Requested) == 0 && frame.Stats.InFlight == 0 && frame.Stats.Queued == 0 {
		ts.ready = true
		logs.WithTag("tileset", ts.ID).
			WithTag("frame", frame.Number).
			WithTag("selected", len(frame.Selected)).
			Info("tileset ready")
		ts.events.OnTilesetReady(ts)
	}

	return frame, err
}

// Expire marks every loaded content as expired. Expired contents stay
// rendered until they are reloaded.
func (ts *Tileset) Expire() {
	ts.version++

	expired := 0
	ts.Root.Walk(func(t *models.Tile) bool {
		if t.State == models.ContentReady {
			if err := t.Expire(); err != nil {
				logs.Warn(err)
				return true
			}
			expired++
		}
		return true
	})

	logs.WithTag("tileset", ts.ID).
		WithTag("version", ts.version).
		WithTag("expired", expired).
		Debug("tileset contents expired")
}

// WaitForLoads waits for the loads in flight and applies their results. Load
// errors are reported to the tileset events and to the errors of the next
// frame.
func (ts *Tileset) WaitForLoads(ctx context.Context) error {
	for {
		res, ok, err := ts.scheduler.Next(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}

		if err := ts.processResult(res); err != nil {
			ts.pendingErrors = append(ts.pendingErrors, TileError{
				Tile: res.Tile,
				Err:  err,
			})
		}
	}
}

// Close cancels the loads in flight and releases the tile contents.
func (ts *Tileset) Close() {
	if ts.closed {
		return
	}
	ts.closed = true

	ts.scheduler.Close()
	ts.cache.Reset()

	if ts.registry != nil {
		ts.registry.Close()
	}

	logs.WithTag("tileset", ts.ID).
		WithTag("frames", ts.frame).
		Info("tileset closed")
}

func (ts *Tileset) loadContent(ctx context.Context, tile *models.Tile) (models.Content, error) {
	data, err := ts.fetcher.Fetch(ctx, tile.ContentURI)
	if err != nil {
		if errors.IsType(err, models.ErrTypeTransport) {
			return nil, err
		}

		return nil, errors.New("fetching tile content failed").
			WithType(models.ErrTypeTransport).
			WithTag("uri", tile.ContentURI).
			Wrap(err)
	}

	return ts.decoder.Decode(ctx, data, decoder.Options{
		URI: tile.ContentURI,
	})
}

// processResult applies a completed load to its tile. The load error is
// returned.
func (ts *Tileset) processResult(res scheduler.Result) error {
	tile := res.Tile
	if tile.Detached {
		return nil
	}

	if res.Err != nil {
		ts.failTile(tile, res.Err)
		return res.Err
	}

	now := ts.clock.Now()

	if ext, ok := res.Content.(*models.ExternalTilesetContent); ok {
		if err := ts.expandExternalTileset(tile, ext); err != nil {
			ts.failTile(tile, err)
			return err
		}

		if err := tile.SetContent(ext, now, ts.version); err != nil {
			logs.Warn(err)
			return nil
		}
		ts.events.OnTileReady(tile)
		return nil
	}

	if err := tile.SetContent(res.Content, now, ts.version); err != nil {
		logs.Warn(err)
		return nil
	}
	if ts.opts.ExpireAfter > 0 {
		tile.ExpireAt = now.Add(ts.opts.ExpireAfter)
	}

	ts.cache.Add(tile, ts.frame)
	ts.events.OnTileReady(tile)
	return nil
}

func (ts *Tileset) failTile(tile *models.Tile, err error) {
	if serr := tile.SetError(err); serr != nil {
		logs.Warn(serr)
	}

	logs.Warn(errors.New("tile load failed").
		WithType(errors.Type(err)).
		WithTag("tileset", ts.ID).
		WithTag("tile", tile.ID).
		WithTag("uri", tile.ContentURI).
		Wrap(err))
	ts.events.OnTileError(tile, err)
}

// expandExternalTileset replaces the children of a tile with the tree of the
// external manifest it references.
func (ts *Tileset) expandExternalTileset(tile *models.Tile, c *models.ExternalTilesetContent) error {
	if c.Manifest == nil || c.Manifest.Root == nil {
		return errors.New("external tileset without root").
			WithType(models.ErrTypeManifest).
			WithTag("uri", tile.ContentURI)
	}

	base := c.BasePath
	if base == "" {
		base = tile.ContentURI
	}

	for p := tile; p != nil; p = p.Parent() {
		if p.ManifestURI == base {
			return errors.New("external tileset references itself").
				WithType(models.ErrTypeManifest).
				WithTag("uri", base).
				WithTag("tile", tile.ID)
		}
	}

	root, count, err := treeBuilder{ids: &ts.ids}.build(c.Manifest.Root, base, tile)
	if root == nil {
		return err
	}
	if err != nil {
		ts.reportManifestErrors(err)
	}

	ts.detachChildren(tile)
	tile.AddChild(root)
	ts.tileCount += count

	logs.WithTag("tileset", ts.ID).
		WithTag("tile", tile.ID).
		WithTag("uri", base).
		WithTag("tiles", count).
		Debug("external tileset expanded")
	return nil
}

func (ts *Tileset) detachChildren(tile *models.Tile) {
	for _, child := range tile.RemoveChildren() {
		child.Walk(func(t *models.Tile) bool {
			t.Detached = true
			ts.tileCount--

			switch t.State {
			case models.ContentReady, models.ContentExpired:
				if err := ts.cache.Unload(t); err != nil {
					logs.Warn(err)
					return true
				}
				ts.events.OnTileUnload(t)

			default:
				ts.cache.Remove(t)
			}
			return true
		})
	}
}

func (ts *Tileset) reportManifestErrors(err error) {
	ts.manifestErrors = multierr.Append(ts.manifestErrors, err)

	for _, e := range multierr.Errors(err) {
		logs.Warn(errors.New("skipping invalid tile").
			WithType(models.ErrTypeManifest).
			WithTag("tileset", ts.ID).
			Wrap(e))
	}
}
