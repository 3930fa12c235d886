package workerpool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/go-tooling/pkg/logs"
)

const (
	// ErrTypePoolDestroyed is the type of the errors returned for jobs that
	// were not run because their pool was destroyed.
	ErrTypePoolDestroyed = "pool-destroyed"

	// ErrTypePanic is the type of the errors returned for jobs whose
	// function panicked.
	ErrTypePanic = "job-panic"
)

// Func is the routine run by the workers of a pool.
type Func func(ctx context.Context, data []byte, opts any) (any, error)

// Result is the outcome of a job.
type Result struct {
	Value any
	Err   error
}

// Options configures a pool.
type Options struct {
	// The maximum number of jobs run in parallel.
	MaxConcurrency int

	// Whether a worker picks the next queued job once it is done. Otherwise
	// each job runs in a new worker.
	ReuseWorkers bool
}

// Stats describes the state of a pool.
type Stats struct {
	Workers int `json:"workers"`
	Idle    int `json:"idle"`
	Queued  int `json:"queued"`
}

type job struct {
	ctx    context.Context
	data   []byte
	opts   any
	result chan Result
}

type worker struct {
	jobs chan *job
}

// Pool runs a function on at most MaxConcurrency workers. Jobs beyond that
// limit are queued and run in submission order.
type Pool struct {
	name string
	fn   Func

	mutex          sync.Mutex
	maxConcurrency int
	reuseWorkers   bool
	count          int
	idle           []*worker
	jobs           []*job
	destroyed      bool
	wg             sync.WaitGroup
}

// New creates a pool that runs fn.
func New(name string, fn Func, opts Options) *Pool {
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = DefaultMaxConcurrency
	}

	return &Pool{
		name:           name,
		fn:             fn,
		maxConcurrency: opts.MaxConcurrency,
		reuseWorkers:   opts.ReuseWorkers,
	}
}

// Name returns the pool name.
func (p *Pool) Name() string {
	return p.name
}

// Submit queues a job and returns the channel where its result is delivered.
// The channel receives exactly one result.
func (p *Pool) Submit(ctx context.Context, data []byte, opts any) <-chan Result {
	j := &job{
		ctx:    ctx,
		data:   data,
		opts:   opts,
		result: make(chan Result, 1),
	}

	p.mutex.Lock()
	defer p.mutex.Unlock()

	switch {
	case p.destroyed:
		j.result <- Result{Err: newDestroyedError(p.name)}

	case len(p.idle) != 0:
		w := p.idle[0]
		p.idle = p.idle[1:]
		w.jobs <- j

	case p.count < p.maxConcurrency:
		p.startWorker(j)

	default:
		p.jobs = append(p.jobs, j)
	}

	return j.result
}

// Process runs a job and waits for its result. The job keeps running when the
// context is canceled while it is in progress.
func (p *Pool) Process(ctx context.Context, data []byte, opts any) (any, error) {
	select {
	case res := <-p.Submit(ctx, data, opts):
		return res.Value, res.Err

	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SetMaxConcurrency changes the maximum number of workers. Running workers
// are not stopped when the maximum decreases.
func (p *Pool) SetMaxConcurrency(n int) {
	if n <= 0 {
		return
	}

	p.mutex.Lock()
	defer p.mutex.Unlock()

	p.maxConcurrency = n
	for p.count < p.maxConcurrency && len(p.jobs) != 0 {
		j := p.jobs[0]
		p.jobs = p.jobs[1:]
		p.startWorker(j)
	}
}

// Stats returns the pool state.
func (p *Pool) Stats() Stats {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	return Stats{
		Workers: p.count,
		Idle:    len(p.idle),
		Queued:  len(p.jobs),
	}
}

// Destroy stops the idle workers and fails the queued jobs. It waits for the
// running jobs to complete.
func (p *Pool) Destroy() {
	p.mutex.Lock()
	if p.destroyed {
		p.mutex.Unlock()
		return
	}
	p.destroyed = true

	for _, w := range p.idle {
		close(w.jobs)
	}
	p.count -= len(p.idle)
	instrumentWorkers(p.name, -len(p.idle))
	p.idle = nil

	for _, j := range p.jobs {
		j.result <- Result{Err: newDestroyedError(p.name)}
	}
	p.jobs = nil
	p.mutex.Unlock()

	p.wg.Wait()
}

// startWorker must be called with the mutex locked.
func (p *Pool) startWorker(j *job) {
	w := &worker{jobs: make(chan *job, 1)}
	w.jobs <- j

	p.count++
	instrumentWorkers(p.name, 1)
	p.wg.Add(1)

	go func() {
		defer p.wg.Done()

		for j := range w.jobs {
			p.run(j)

			if !p.release(w) {
				return
			}
		}
	}()
}

// release hands the next queued job to the worker or parks it in the idle
// queue. It returns false when the worker has to stop.
func (p *Pool) release(w *worker) bool {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.destroyed || !p.reuseWorkers || p.count > p.maxConcurrency {
		p.count--
		instrumentWorkers(p.name, -1)

		if !p.destroyed && len(p.jobs) != 0 && p.count < p.maxConcurrency {
			j := p.jobs[0]
			p.jobs = p.jobs[1:]
			p.startWorker(j)
		}
		return false
	}

	if len(p.jobs) != 0 {
		j := p.jobs[0]
		p.jobs = p.jobs[1:]
		w.jobs <- j
		return true
	}

	p.idle = append(p.idle, w)
	return true
}

func (p *Pool) run(j *job) {
	start := time.Now()

	res := p.call(j)
	j.result <- res

	instrumentJob(p.name, res.Err, time.Since(start))
	if res.Err != nil {
		logs.WithTag("pool", p.name).
			WithTag("duration", time.Since(start)).
			Debug(res.Err)
	}
}

func (p *Pool) call(j *job) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			res = Result{
				Err: errors.New("job panicked").
					WithType(ErrTypePanic).
					WithTag("pool", p.name).
					WithTag("panic", fmt.Sprint(r)),
			}
		}
	}()

	if err := j.ctx.Err(); err != nil {
		return Result{Err: err}
	}

	v, err := p.fn(j.ctx, j.data, j.opts)
	return Result{Value: v, Err: err}
}

func newDestroyedError(name string) error {
	return errors.New("pool destroyed").
		WithType(ErrTypePoolDestroyed).
		WithTag("pool", name)
}
