package fetch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/johnayoung/go-tradebars/internal/exchange"
	"github.com/johnayoung/go-tradebars/internal/logger"
	"github.com/johnayoung/go-tradebars/internal/models"
)

// ArchiveFetcher fetches one archive. *Downloader implements it.
type ArchiveFetcher interface {
	FetchArchive(ctx context.Context, req exchange.ArchiveRequest) (*Result, error)
}

// JobResult is the outcome of one archive job.
type JobResult struct {
	Request  exchange.ArchiveRequest
	Result   *Result
	Err      error
	Duration time.Duration
	TraceID  string // set for jobs that reached a worker
}

// WorkerPoolStats summarizes a finished run.
type WorkerPoolStats struct {
	CompletedJobs  int64
	FailedJobs     int64
	AvgJobDuration time.Duration
}

// WorkerPool fetches many archives with a fixed number of workers. Pacing
// comes from the shared exchange client's rate limiter.
type WorkerPool struct {
	workerCount int
	fetcher     ArchiveFetcher
	logger      *slog.Logger

	completedJobs int64
	failedJobs    int64
	totalJobTime  int64 // nanoseconds
}

type job struct {
	index int
	req   exchange.ArchiveRequest
}

// NewWorkerPool creates a pool with workerCount workers (at least one).
func NewWorkerPool(workerCount int, fetcher ArchiveFetcher, logger *slog.Logger) *WorkerPool {
	if workerCount < 1 {
		workerCount = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WorkerPool{
		workerCount: workerCount,
		fetcher:     fetcher,
		logger:      logger.With("component", "worker_pool"),
	}
}

// Run fetches every request and returns one result per request, in request
// order. A failed archive does not stop the others; cancellation of ctx
// fails the jobs that have not started yet.
func (wp *WorkerPool) Run(ctx context.Context, reqs []exchange.ArchiveRequest) []JobResult {
	results := make([]JobResult, len(reqs))
	jobs := make(chan job)

	workers := wp.workerCount
	if workers > len(reqs) {
		workers = len(reqs)
	}

	wp.logger.Debug("starting worker pool", "worker_count", workers, "jobs", len(reqs))

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := range jobs {
				results[j.index] = wp.process(ctx, id, j.req)
			}
		}(i + 1)
	}

	for i, req := range reqs {
		if ctx.Err() != nil {
			results[i] = JobResult{Request: req, Err: ctx.Err()}
			atomic.AddInt64(&wp.failedJobs, 1)
			continue
		}
		select {
		case jobs <- job{index: i, req: req}:
		case <-ctx.Done():
			results[i] = JobResult{Request: req, Err: ctx.Err()}
			atomic.AddInt64(&wp.failedJobs, 1)
		}
	}
	close(jobs)
	wg.Wait()

	return results
}

func (wp *WorkerPool) process(ctx context.Context, workerID int, req exchange.ArchiveRequest) JobResult {
	ctx = logger.WithNewTraceID(ctx)
	traceID := logger.GetTraceID(ctx)

	start := time.Now()
	res, err := wp.fetcher.FetchArchive(ctx, req)
	duration := time.Since(start)

	atomic.AddInt64(&wp.totalJobTime, duration.Nanoseconds())
	if err != nil {
		atomic.AddInt64(&wp.failedJobs, 1)
		wp.logger.Error("archive job failed",
			"worker_id", workerID,
			"trace_id", traceID,
			"pair", req.Pair,
			"date", req.Date.Format(dateLayout(req.Period)),
			"error", err,
			"duration", duration)
	} else {
		atomic.AddInt64(&wp.completedJobs, 1)
		wp.logger.Debug("archive job completed",
			"worker_id", workerID,
			"trace_id", traceID,
			"pair", req.Pair,
			"date", req.Date.Format(dateLayout(req.Period)),
			"duration", duration)
	}

	return JobResult{Request: req, Result: res, Err: err, Duration: duration, TraceID: traceID}
}

// GetStats returns the pool's counters.
func (wp *WorkerPool) GetStats() WorkerPoolStats {
	completed := atomic.LoadInt64(&wp.completedJobs)
	failed := atomic.LoadInt64(&wp.failedJobs)

	var avg time.Duration
	if n := completed + failed; n > 0 {
		avg = time.Duration(atomic.LoadInt64(&wp.totalJobTime) / n)
	}
	return WorkerPoolStats{
		CompletedJobs:  completed,
		FailedJobs:     failed,
		AvgJobDuration: avg,
	}
}

// JoinErrors combines the failures of results, labelled by date, or returns
// nil when every job succeeded.
func JoinErrors(results []JobResult) error {
	var errs []error
	for _, r := range results {
		if r.Err != nil {
			errs = append(errs, fmt.Errorf("%s %s: %w", r.Request.Pair, r.Request.Date.Format(dateLayout(r.Request.Period)), r.Err))
		}
	}
	return errors.Join(errs...)
}

// ArchiveDates lists the archive dates from from through to inclusive: every
// day for daily archives, the first of every month for monthly ones.
func ArchiveDates(from, to time.Time, period models.Period) ([]time.Time, error) {
	from = truncateDate(from, period)
	to = truncateDate(to, period)
	if to.Before(from) {
		return nil, &models.ValidationError{Field: "to", Message: "end date is before start date"}
	}

	var dates []time.Time
	for d := from; !d.After(to); {
		dates = append(dates, d)
		if period == models.PeriodMonthly {
			d = d.AddDate(0, 1, 0)
		} else {
			d = d.AddDate(0, 0, 1)
		}
	}
	return dates, nil
}

func truncateDate(t time.Time, period models.Period) time.Time {
	t = t.UTC()
	if period == models.PeriodMonthly {
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	}
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func dateLayout(period models.Period) string {
	if period == models.PeriodMonthly {
		return "2006-01"
	}
	return "2006-01-02"
}
