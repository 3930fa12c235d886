package workerpool

import (
	"context"
	"sync"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/go-tooling/pkg/logs"
)

const (
	// DefaultMaxConcurrency is the default number of workers of a pool.
	DefaultMaxConcurrency = 5

	// ErrTypeUnknownPool is the type of the errors returned when no function
	// is registered for a pool name.
	ErrTypeUnknownPool = "unknown-pool"
)

// Resolver returns the function run by the pool with the given name.
type Resolver func(name string) (Func, bool)

// Farm holds one pool per function name. Pools are created on their first
// job.
type Farm struct {
	resolve Resolver

	mutex          sync.Mutex
	pools          map[string]*Pool
	maxConcurrency int
	reuseWorkers   bool
	destroyed      bool
}

// NewFarm creates a farm whose pools run the functions returned by resolve.
func NewFarm(resolve Resolver, opts Options) *Farm {
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = DefaultMaxConcurrency
	}

	return &Farm{
		resolve:        resolve,
		pools:          make(map[string]*Pool),
		maxConcurrency: opts.MaxConcurrency,
		reuseWorkers:   opts.ReuseWorkers,
	}
}

// Process runs a job on the pool with the given name and waits for its
// result.
func (f *Farm) Process(ctx context.Context, name string, data []byte, opts any) (any, error) {
	p, err := f.pool(name)
	if err != nil {
		return nil, err
	}
	return p.Process(ctx, data, opts)
}

// SetMaxConcurrency changes the maximum number of workers of every pool.
func (f *Farm) SetMaxConcurrency(n int) {
	if n <= 0 {
		return
	}

	f.mutex.Lock()
	defer f.mutex.Unlock()

	f.maxConcurrency = n
	for _, p := range f.pools {
		p.SetMaxConcurrency(n)
	}
}

// Stats returns the state of each pool.
func (f *Farm) Stats() map[string]Stats {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	stats := make(map[string]Stats, len(f.pools))
	for name, p := range f.pools {
		stats[name] = p.Stats()
	}
	return stats
}

// Destroy destroys every pool.
func (f *Farm) Destroy() {
	f.mutex.Lock()
	pools := f.pools
	f.pools = make(map[string]*Pool)
	f.destroyed = true
	f.mutex.Unlock()

	for _, p := range pools {
		p.Destroy()
	}
}

func (f *Farm) pool(name string) (*Pool, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	if f.destroyed {
		return nil, newDestroyedError(name)
	}

	if p, ok := f.pools[name]; ok {
		return p, nil
	}

	fn, ok := f.resolve(name)
	if !ok {
		return nil, errors.New("no function registered for pool").
			WithType(ErrTypeUnknownPool).
			WithTag("pool", name)
	}

	p := New(name, fn, Options{
		MaxConcurrency: f.maxConcurrency,
		ReuseWorkers:   f.reuseWorkers,
	})
	f.pools[name] = p

	logs.WithTag("pool", name).
		WithTag("max_concurrency", f.maxConcurrency).
		Debug("worker pool created")
	return p, nil
}
