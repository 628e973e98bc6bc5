package worker

import (
	"context"
	"sync"
	"time"

	"github.com/kacperjurak/goretro"
	"github.com/kacperjurak/goretro/internal/logger"
	"github.com/kacperjurak/goretro/pkg/models"
	"github.com/kacperjurak/goretro/pkg/profiling"
)

// Pool runs independent minimization starts concurrently.
type Pool struct {
	jobs      chan models.WorkItem
	results   chan models.WorkResult
	workers   int
	shutdown  chan struct{}
	once      sync.Once
	wg        sync.WaitGroup
	processor ProcessorFunc
}

// ProcessorFunc minimizes from the start point of a work item.
type ProcessorFunc func(item models.WorkItem) (goretro.Minimum, error)

// Options holds configuration for creating a new worker pool
type Options struct {
	Workers   int
	Processor ProcessorFunc
}

// New creates a new worker pool with specified configuration
func New(opts Options) *Pool {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}

	// buffered so that submitting a full set of starts never blocks on busy workers
	pool := &Pool{
		jobs:      make(chan models.WorkItem, opts.Workers*2),
		results:   make(chan models.WorkResult, opts.Workers*2),
		workers:   opts.Workers,
		shutdown:  make(chan struct{}),
		processor: opts.Processor,
	}

	pool.start()
	return pool
}

// start initializes and starts all workers
func (p *Pool) start() {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	logger.Debug("worker pool started with %d workers", p.workers)
}

// worker processes jobs until shutdown
func (p *Pool) worker(id int) {
	defer p.wg.Done()

	for {
		select {
		case job := <-p.jobs:
			result := p.processJob(id, job)
			select {
			case p.results <- result:
			case <-p.shutdown:
				return
			}

		case <-p.shutdown:
			return
		}
	}
}

// processJob runs the processor and converts panics into errors
func (p *Pool) processJob(id int, job models.WorkItem) (res models.WorkResult) {
	done := profiling.Operations.Start("minimize")
	startTime := time.Now()

	res = models.WorkResult{ID: job.ID, EventID: job.EventID}
	defer func() {
		if r := recover(); r != nil {
			logger.Error("worker[%d] job %d panicked: %v", id, job.ID, r)
			res.Err = &PanicError{Job: job.ID, Value: r}
			res.Success = false
		}
		res.ProcessingTime = time.Since(startTime)
		logger.Debug("worker[%d] job %d: %s", id, job.ID, done())
	}()

	res.Minimum, res.Err = p.processor(job)
	res.Success = res.Err == nil
	return res
}

// SubmitJob submits a job to the worker pool. It returns false when the
// pool was shut down before the job could be queued.
func (p *Pool) SubmitJob(job models.WorkItem) bool {
	select {
	case p.jobs <- job:
		return true
	default:
		logger.Debug("worker pool jobs channel full, job %d may be delayed", job.ID)
	}
	select {
	case p.jobs <- job:
		return true
	case <-p.shutdown:
		return false
	}
}

// GetResult retrieves a result from the worker pool (non-blocking)
func (p *Pool) GetResult() (models.WorkResult, bool) {
	select {
	case result := <-p.results:
		return result, true
	default:
		return models.WorkResult{}, false
	}
}

// Collect blocks until n results arrived or ctx is done.
func (p *Pool) Collect(ctx context.Context, n int) ([]models.WorkResult, error) {
	out := make([]models.WorkResult, 0, n)
	for len(out) < n {
		select {
		case r := <-p.results:
			out = append(out, r)
		case <-ctx.Done():
			return out, ctx.Err()
		}
	}
	return out, nil
}

// Shutdown stops the workers; jobs still queued are discarded.
func (p *Pool) Shutdown() {
	p.once.Do(func() {
		close(p.shutdown)
		p.wg.Wait()
		logger.Debug("worker pool shutdown complete")
	})
}
