package gateway

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"golang.org/x/time/rate"
)

// Job is one unit of work submitted to the parallel executor. Args is
// passed to Run's fn verbatim; Key identifies the job in the returned
// result set so callers can submit either a slice (keys 0..n-1) via
// NewExecutorJobs or a map-like set of named jobs via
// NewExecutorJobsFromMap.
type Job struct {
	Key  string
	Args any
}

// JobResult pairs a job's key with its outcome. Err is populated
// in-place rather than propagated, per spec §4.3: a failing job never
// aborts the batch.
type JobResult struct {
	Key   string
	Value any
	Err   error
}

// Executor runs a batch of jobs concurrently, bounded by MaxWorkers and
// throttled to MaxPerSecond job starts. Modeled on the teacher's
// ecosystem neighbor rjsadow-sortie's per-visitor rate.Limiter in
// ratelimit.go, generalized from "one limiter per IP" to "one limiter
// shared by the whole batch" since the executor rate-limits job starts
// rather than distinct callers.
type Executor struct {
	maxWorkers   int
	limiter      *rate.Limiter
	hasRateLimit bool
}

// NewExecutor builds an Executor. maxWorkers <= 0 leaves concurrency
// unbounded by this layer (the runtime's goroutine scheduler decides),
// matching spec §4.3's "unspecified default leaves the language runtime
// to choose a sensible number". maxPerSecond <= 0 disables the rate
// ceiling entirely.
func NewExecutor(maxWorkers int, maxPerSecond float64) *Executor {
	e := &Executor{maxWorkers: maxWorkers}
	if maxPerSecond > 0 {
		e.limiter = rate.NewLimiter(rate.Limit(maxPerSecond), 1)
		e.hasRateLimit = true
	}
	return e
}

// Run executes fn once per job in jobs, concurrently up to maxWorkers,
// honoring the rate ceiling on job starts. Results are returned in the
// same order as jobs; an erroring or panicking fn is captured as that
// job's JobResult.Err and never stops other jobs from completing.
func (e *Executor) Run(ctx context.Context, jobs []Job, fn func(ctx context.Context, args any) (any, error)) []JobResult {
	results := make([]JobResult, len(jobs))

	workers := e.maxWorkers
	if workers <= 0 || workers > len(jobs) {
		workers = len(jobs)
	}
	if workers == 0 {
		return results
	}

	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup

	for i, job := range jobs {
		i, job := i, job
		if e.hasRateLimit {
			if err := e.limiter.Wait(ctx); err != nil {
				results[i] = JobResult{Key: job.Key, Err: err}
				continue
			}
		}

		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			defer func() {
				if r := recover(); r != nil {
					results[i] = JobResult{Key: job.Key, Err: fmt.Errorf("cpgateway: job panicked: %v", r)}
				}
			}()
			value, err := fn(ctx, job.Args)
			results[i] = JobResult{Key: job.Key, Value: value, Err: err}
		}()
	}

	wg.Wait()
	return results
}

// NewExecutorJobs wraps a slice of args into Jobs keyed by their index,
// the sequence-input shape spec §4.3 describes.
func NewExecutorJobs(argsList []any) []Job {
	jobs := make([]Job, len(argsList))
	for i, args := range argsList {
		jobs[i] = Job{Key: strconv.Itoa(i), Args: args}
	}
	return jobs
}

// NewExecutorJobsFromMap wraps a named set of args into Jobs keyed by
// map key, the mapping-input shape spec §4.3 describes.
func NewExecutorJobsFromMap(argsByKey map[string]any) []Job {
	jobs := make([]Job, 0, len(argsByKey))
	for k, args := range argsByKey {
		jobs = append(jobs, Job{Key: k, Args: args})
	}
	return jobs
}
