package database

import (
	"context"
	"fmt"
	"time"

	"github.com/vitalsync/vitalsync/internal/ingest/queue"
)

// InsertJob records a new pending ingestion job.
func (db Manager) InsertJob(ctx context.Context, job queue.Job) error {
	if db.dbpool == nil {
		return fmt.Errorf("database not initialized")
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	_, err := db.dbpool.Exec(ctx,
		`INSERT INTO ingestion_jobs (id, user_id, app, payload_path, status, submitted_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		job.ID, job.UserID, job.App, job.PayloadPath, queue.StatusPending, job.SubmittedAt)
	if err != nil {
		return fmt.Errorf("failed to insert job: %v", err)
	}
	return nil
}

// ClaimJobs atomically moves up to limit pending jobs for the app to running
// and returns them, oldest first. SKIP LOCKED keeps concurrent workers from
// claiming the same rows.
func (db Manager) ClaimJobs(ctx context.Context, app string, limit int) ([]queue.Job, error) {
	if db.dbpool == nil {
		return nil, fmt.Errorf("database not initialized")
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := db.dbpool.Query(ctx,
		`UPDATE ingestion_jobs SET status = $1, started_at = now()
		 WHERE id IN (
			SELECT id FROM ingestion_jobs
			WHERE status = $2 AND app = $3
			ORDER BY submitted_at
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		 )
		 RETURNING id, user_id, app, payload_path, submitted_at`,
		queue.StatusRunning, queue.StatusPending, app, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to claim jobs: %v", err)
	}
	defer rows.Close()

	var jobs []queue.Job
	for rows.Next() {
		var j queue.Job
		if err := rows.Scan(&j.ID, &j.UserID, &j.App, &j.PayloadPath, &j.SubmittedAt); err != nil {
			return nil, fmt.Errorf("failed to scan job: %v", err)
		}
		j.Status = queue.StatusRunning
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed reading claimed jobs: %v", err)
	}
	return jobs, nil
}

// CompleteJob marks a running job as succeeded or failed. errMsg is stored
// for failed jobs and ignored otherwise.
func (db Manager) CompleteJob(ctx context.Context, id string, status queue.Status, errMsg string) error {
	if db.dbpool == nil {
		return fmt.Errorf("database not initialized")
	}
	if status != queue.StatusSucceeded && status != queue.StatusFailed {
		return fmt.Errorf("invalid terminal job status: %q", status)
	}
	if status == queue.StatusSucceeded {
		errMsg = ""
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	tag, err := db.dbpool.Exec(ctx,
		`UPDATE ingestion_jobs SET status = $1, error = $2, finished_at = now() WHERE id = $3`,
		status, errMsg, id)
	if err != nil {
		return fmt.Errorf("failed to complete job: %v", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %s not found", id)
	}
	return nil
}

// RequeueStaleJobs moves running jobs started more than olderThan ago back to
// pending, so work lost to a worker crash is retried. Returns the number of
// requeued jobs.
//
// Processing is at-least-once: a job requeued while its original worker is
// still alive will run twice, and duplicate samples are tolerated.
func (db Manager) RequeueStaleJobs(ctx context.Context, olderThan time.Duration) (int64, error) {
	if db.dbpool == nil {
		return 0, fmt.Errorf("database not initialized")
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	cutoff := time.Now().Add(-olderThan)
	tag, err := db.dbpool.Exec(ctx,
		`UPDATE ingestion_jobs SET status = $1, started_at = NULL
		 WHERE status = $2 AND started_at < $3`,
		queue.StatusPending, queue.StatusRunning, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to requeue stale jobs: %v", err)
	}
	return tag.RowsAffected(), nil
}
