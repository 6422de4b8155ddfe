// Package processor drains the ingestion job queue: it claims pending jobs
// for an app, replays each spooled payload through the ingestion pipeline on
// a bounded goroutine pool, and records the terminal job status.
package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/panjf2000/ants/v2"
	"github.com/vitalsync/vitalsync/internal/ingest/pipeline"
	"github.com/vitalsync/vitalsync/internal/ingest/queue"
	"github.com/vitalsync/vitalsync/internal/ingest/records"
)

const (
	defaultPoolSize   = 4
	defaultClaimLimit = 32
)

type jobStore interface {
	ClaimJobs(ctx context.Context, app string, limit int) ([]queue.Job, error)
	CompleteJob(ctx context.Context, id string, status queue.Status, errMsg string) error
}

type orchestrator interface {
	Ingest(ctx context.Context, userID int64, raw []records.RawRecord) pipeline.Result
}

// Notifier is told about every finished offloaded job so the user can be
// messaged out of band. Implementations must be safe for concurrent use.
type Notifier interface {
	JobFinished(ctx context.Context, job queue.Job, res pipeline.Result, err error)
}

// LogNotifier reports finished jobs to the log only.
type LogNotifier struct{}

// JobFinished implements Notifier.
func (LogNotifier) JobFinished(ctx context.Context, job queue.Job, res pipeline.Result, err error) {
	if err != nil {
		slog.Warn("Offloaded ingestion failed", "job", job.ID, "user", job.UserID, "error", err)
		return
	}
	slog.Info("Offloaded ingestion finished",
		"job", job.ID, "user", job.UserID, "persisted", res.Persisted, "skipped", res.Skipped)
}

// Processor claims and executes ingestion jobs.
type Processor struct {
	store    jobStore
	orch     orchestrator
	notifier Notifier

	pool       *ants.Pool
	claimLimit int
}

type options struct {
	poolSize   int
	claimLimit int
}

// Options represents an optional function to override Processor default values.
type Options func(*options)

// WithPoolSize bounds the number of concurrently executing jobs.
func WithPoolSize(n int) Options {
	return func(o *options) {
		if n > 0 {
			o.poolSize = n
		}
	}
}

// WithClaimLimit bounds the number of jobs claimed per Process call.
func WithClaimLimit(n int) Options {
	return func(o *options) {
		if n > 0 {
			o.claimLimit = n
		}
	}
}

// New creates a Processor executing jobs on a pool of at most poolSize
// goroutines shared across apps.
func New(store jobStore, orch orchestrator, notifier Notifier, args ...Options) (*Processor, error) {
	if store == nil {
		return nil, fmt.Errorf("job store must be set")
	}
	if orch == nil {
		return nil, fmt.Errorf("orchestrator must be set")
	}
	if notifier == nil {
		notifier = LogNotifier{}
	}

	opts := options{
		poolSize:   defaultPoolSize,
		claimLimit: defaultClaimLimit,
	}
	for _, opt := range args {
		opt(&opts)
	}

	pool, err := ants.NewPool(opts.poolSize, ants.WithNonblocking(false))
	if err != nil {
		return nil, fmt.Errorf("failed to create worker pool: %v", err)
	}

	return &Processor{
		store:      store,
		orch:       orch,
		notifier:   notifier,
		pool:       pool,
		claimLimit: opts.claimLimit,
	}, nil
}

// Process claims a batch of pending jobs for the app and executes them,
// blocking until every claimed job has finished. It returns the number of
// claimed jobs. Individual job failures are recorded on the job row and
// notified, not returned; the error covers claim failures and context
// cancellation only.
func (p *Processor) Process(ctx context.Context, app string) (int, error) {
	jobs, err := p.store.ClaimJobs(ctx, app, p.claimLimit)
	if err != nil {
		return 0, fmt.Errorf("failed to claim jobs: %v", err)
	}
	if len(jobs) == 0 {
		return 0, nil
	}
	slog.Debug("Claimed ingestion jobs", "app", app, "count", len(jobs))

	var wg sync.WaitGroup
	for _, job := range jobs {
		select {
		case <-ctx.Done():
			// Unstarted claims stay running; the stale sweep requeues them.
			wg.Wait()
			return len(jobs), ctx.Err()
		default:
		}

		wg.Add(1)
		if err := p.pool.Submit(func() {
			defer wg.Done()
			p.run(ctx, job)
		}); err != nil {
			wg.Done()
			wg.Wait()
			return len(jobs), fmt.Errorf("failed to submit job %s: %v", job.ID, err)
		}
	}
	wg.Wait()
	return len(jobs), nil
}

// Close releases the goroutine pool. Jobs already submitted finish first.
func (p *Processor) Close() {
	p.pool.Release()
}

func (p *Processor) run(ctx context.Context, job queue.Job) {
	res, err := p.execute(ctx, job)

	status := queue.StatusSucceeded
	errMsg := ""
	if err != nil {
		status = queue.StatusFailed
		errMsg = err.Error()
	}
	if cErr := p.store.CompleteJob(ctx, job.ID.String(), status, errMsg); cErr != nil {
		slog.Error("Failed to record job completion", "job", job.ID, "status", status, "error", cErr)
	}

	if err == nil {
		if rmErr := os.Remove(job.PayloadPath); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			slog.Warn("Failed to remove payload file after processing", "job", job.ID, "file", job.PayloadPath, "error", rmErr)
		}
	}

	p.notifier.JobFinished(ctx, job, res, err)
}

func (p *Processor) execute(ctx context.Context, job queue.Job) (pipeline.Result, error) {
	data, err := os.ReadFile(job.PayloadPath)
	if err != nil {
		return pipeline.Result{}, fmt.Errorf("failed to read payload file %q: %v", job.PayloadPath, err)
	}

	var raw []records.RawRecord
	if err := json.Unmarshal(data, &raw); err != nil {
		return pipeline.Result{}, fmt.Errorf("payload file %q is not a record collection: %v", job.PayloadPath, err)
	}

	res := p.orch.Ingest(ctx, job.UserID, raw)
	if res.Err != nil {
		// Keep the payload file so a requeued run can retry the remainder.
		return res, fmt.Errorf("ingestion incomplete after %d records: %v", res.Persisted, res.Err)
	}
	return res, nil
}
