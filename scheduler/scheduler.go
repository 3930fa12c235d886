package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/go-tooling/pkg/logs"
	"github.com/aukilabs/tilestream/models"
	"github.com/samber/lo"
)

// ErrTypeLoadPanic is the type of the errors returned for loads that
// panicked.
const ErrTypeLoadPanic = "load-panic"

// LoadFunc fetches and decodes the content of a tile. It runs outside of the
// frame goroutine and must not mutate the tile.
type LoadFunc func(ctx context.Context, tile *models.Tile) (models.Content, error)

// Options configures a scheduler.
type Options struct {
	// The maximum number of loads in flight.
	MaxConcurrency int

	// Whether the traversal skips levels of detail. It changes the screen
	// space error used to prioritize replacement tiles.
	SkipLevelOfDetail bool
}

// Result is the outcome of a load.
type Result struct {
	Tile     *models.Tile
	Content  models.Content
	Err      error
	Duration time.Duration
}

type request struct {
	tile *models.Tile
	seq  uint64
	from models.ContentState
}

// Scheduler queues tile loads and dispatches them by priority with a bounded
// number of loads in flight.
//
// Request, Schedule, Drain and Next are called from the frame goroutine. Loads
// only hand their results back through the completion queue, tile states are
// changed by the frame goroutine.
type Scheduler struct {
	load LoadFunc
	opts Options

	ctx    context.Context
	cancel func()
	wg     sync.WaitGroup

	queue       []request
	queued      map[*models.Tile]struct{}
	seq         uint64
	inFlight    int
	completions chan Result
}

// New creates a scheduler that loads tiles with the given function.
func New(load LoadFunc, opts Options) *Scheduler {
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		load:        load,
		opts:        opts,
		ctx:         ctx,
		cancel:      cancel,
		queued:      make(map[*models.Tile]struct{}),
		completions: make(chan Result, opts.MaxConcurrency),
	}
}

// Request accepts tiles into the queue. Tiles that are already queued or that
// do not need a load are ignored.
func (s *Scheduler) Request(tiles ...*models.Tile) {
	for _, t := range tiles {
		if _, ok := s.queued[t]; ok {
			continue
		}

		from := t.State
		if from != models.ContentUnloaded && from != models.ContentExpired {
			continue
		}

		if err := t.SetState(models.ContentRequested); err != nil {
			logs.Warn(err)
			continue
		}

		s.seq++
		s.queue = append(s.queue, request{
			tile: t,
			seq:  s.seq,
			from: from,
		})
		s.queued[t] = struct{}{}
	}
}

// Schedule runs a scheduling pass for a frame:
//   - Queued tiles that were not requested during the frame are dropped and
//     moved back to their previous state.
//   - The remaining tiles are sorted by priority.
//   - Free load slots are filled.
//
// A canceled context stops the pass without affecting the loads in flight.
// The dispatched tiles are returned in dispatch order.
func (s *Scheduler) Schedule(ctx context.Context, frame uint64, rootScreenSpaceError float64) ([]*models.Tile, error) {
	dropped := 0
	s.queue = lo.Filter(s.queue, func(r request, _ int) bool {
		if r.tile.RequestedFrame == frame && r.tile.State == models.ContentRequested && !r.tile.Detached {
			return true
		}

		s.drop(r)
		dropped++
		return false
	})

	for _, r := range s.queue {
		r.tile.Priority = Priority(r.tile, rootScreenSpaceError, s.opts.SkipLevelOfDetail)
	}

	sort.SliceStable(s.queue, func(i, j int) bool {
		a, b := s.queue[i], s.queue[j]
		if a.tile.Priority != b.tile.Priority {
			return a.tile.Priority > b.tile.Priority
		}
		return a.seq < b.seq
	})

	var dispatched []*models.Tile
	var err error

	for len(s.queue) != 0 && s.inFlight < s.opts.MaxConcurrency {
		if err = ctx.Err(); err != nil {
			break
		}

		r := s.queue[0]
		s.queue = s.queue[1:]
		delete(s.queued, r.tile)

		if serr := r.tile.SetState(models.ContentLoading); serr != nil {
			logs.Warn(serr)
			continue
		}

		s.dispatch(r.tile)
		dispatched = append(dispatched, r.tile)
	}

	instrumentSchedule(len(dispatched), dropped, s.inFlight)
	if len(dispatched) != 0 || dropped != 0 {
		logs.WithTag("frame", frame).
			WithTag("dispatched", len(dispatched)).
			WithTag("dropped", dropped).
			WithTag("queued", len(s.queue)).
			WithTag("in_flight", s.inFlight).
			Debug("scheduling pass")
	}

	return dispatched, err
}

// Drain returns the completed loads without blocking.
func (s *Scheduler) Drain() []Result {
	var results []Result

	for {
		select {
		case res := <-s.completions:
			s.inFlight--
			results = append(results, res)

		default:
			instrumentInFlight(s.inFlight)
			return results
		}
	}
}

// Next waits for the next completed load. It returns false when no load is
// in flight.
func (s *Scheduler) Next(ctx context.Context) (Result, bool, error) {
	if s.inFlight == 0 {
		return Result{}, false, nil
	}

	select {
	case res := <-s.completions:
		s.inFlight--
		instrumentInFlight(s.inFlight)
		return res, true, nil

	case <-ctx.Done():
		return Result{}, false, ctx.Err()
	}
}

// InFlight returns the number of dispatched loads whose result was not
// drained.
func (s *Scheduler) InFlight() int {
	return s.inFlight
}

// Queued returns the number of queued tiles.
func (s *Scheduler) Queued() int {
	return len(s.queue)
}

// Close drops the queued tiles, cancels the loads in flight and waits for them
// to return.
func (s *Scheduler) Close() {
	for _, r := range s.queue {
		s.drop(r)
	}
	s.queue = nil

	s.cancel()
	s.wg.Wait()
}

func (s *Scheduler) drop(r request) {
	delete(s.queued, r.tile)

	if r.tile.State != models.ContentRequested {
		return
	}
	if err := r.tile.SetState(r.from); err != nil {
		logs.Warn(err)
	}
}

func (s *Scheduler) dispatch(t *models.Tile) {
	s.inFlight++
	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		start := time.Now()
		content, err := s.call(t)
		d := time.Since(start)

		instrumentLoad(err, d)
		s.completions <- Result{
			Tile:     t,
			Content:  content,
			Err:      err,
			Duration: d,
		}
	}()
}

func (s *Scheduler) call(t *models.Tile) (content models.Content, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.New("tile load panicked").
				WithType(ErrTypeLoadPanic).
				WithTag("tile", t.ID).
				WithTag("panic", fmt.Sprint(r))
		}
	}()

	return s.load(s.ctx, t)
}

// Priority returns the load priority of a tile. Tiles with a higher priority
// are dispatched first.
//
// Replacement tiles are prioritized by the root screen space error minus the
// tile one, so that tiles with a lower screen space error load first. The
// parent screen space error is used instead when levels of detail are not
// skipped, when the tile has no error or when the parent is an external
// tileset. Siblings then share a priority and keep their request order.
// Additive tiles are prioritized by distance, nearer first.
func Priority(t *models.Tile, rootScreenSpaceError float64, skipLevelOfDetail bool) float64 {
	if t.Refine == models.RefineAdd {
		return -t.DistanceToCamera
	}

	sse := t.ScreenSpaceError
	if p := t.Parent(); p != nil && (!skipLevelOfDetail || sse == 0 || p.HasTilesetContent()) {
		sse = p.ScreenSpaceError
	}
	return rootScreenSpaceError - sse
}

// IDs returns the ids of the given tiles.
func IDs(tiles []*models.Tile) []string {
	return lo.Map(tiles, func(t *models.Tile, _ int) string {
		return t.ID
	})
}
