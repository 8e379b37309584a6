// Package pool implements the sliding-window worker pool that
// dispatches multi-file parsing across min(cpu_count, max_workers)
// workers (§4.5 "Parallelism"), grounded on the teacher's connection
// pool and fault-tolerance goroutine patterns (core/connection_pool.go,
// core/fault_tolerance.go).
package pool

import (
	"context"
	"runtime"
	"sync"

	"golang.org/x/time/rate"
)

// Job is one unit of work: parse a single file and report what
// happened. A failing job never cascades — its error is collected and
// the queue keeps draining.
type Job struct {
	Name string
	Run  func(ctx context.Context) error
}

// Result pairs a job name with its outcome.
type Result struct {
	Name string
	Err  error
}

// Pool runs jobs with a bounded number of concurrent workers, launching
// a new worker as soon as an earlier one completes (a sliding window,
// not batches).
type Pool struct {
	size    int
	limiter *rate.Limiter
}

// New builds a pool sized to min(runtime.NumCPU(), maxWorkers). A
// limiter of 0 disables admission rate limiting.
func New(maxWorkers int, admitPerSecond rate.Limit) *Pool {
	size := runtime.NumCPU()
	if maxWorkers > 0 && maxWorkers < size {
		size = maxWorkers
	}
	if size < 1 {
		size = 1
	}
	var limiter *rate.Limiter
	if admitPerSecond > 0 {
		limiter = rate.NewLimiter(admitPerSecond, size)
	}
	return &Pool{size: size, limiter: limiter}
}

// Run drains jobs through the pool and returns one Result per job, in
// the order jobs complete (not submission order) — callers that need a
// stable summary order should sort by Name.
func (p *Pool) Run(ctx context.Context, jobs []Job) []Result {
	in := make(chan Job)
	out := make(chan Result, len(jobs))

	var wg sync.WaitGroup
	for i := 0; i < p.size; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range in {
				if p.limiter != nil {
					if err := p.limiter.Wait(ctx); err != nil {
						out <- Result{Name: job.Name, Err: err}
						continue
					}
				}
				out <- Result{Name: job.Name, Err: job.Run(ctx)}
			}
		}()
	}

	go func() {
		defer close(in)
		for _, j := range jobs {
			select {
			case in <- j:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		close(out)
	}()

	results := make([]Result, 0, len(jobs))
	for r := range out {
		results = append(results, r)
	}
	return results
}
