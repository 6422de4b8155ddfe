// Package queue defines the ingestion job model and the dispatcher which
// spools incoming payloads to disk and records a job row for the background
// workers to claim.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/ubuntu/decorate"
	"github.com/vitalsync/vitalsync/internal/common/fileutils"
)

// Status is the lifecycle state of an ingestion job.
type Status string

// Job lifecycle states. A job moves pending -> running -> succeeded|failed;
// stale running jobs are moved back to pending by the requeue sweep.
const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Job is a unit of deferred ingestion work: one spooled payload file for one
// user, to be processed by a background worker.
type Job struct {
	ID          uuid.UUID
	UserID      int64
	App         string
	PayloadPath string
	Status      Status
	SubmittedAt time.Time
	StartedAt   time.Time
	FinishedAt  time.Time
	Error       string
}

// JobStore persists job rows. Implemented by the database manager.
type JobStore interface {
	InsertJob(ctx context.Context, job Job) error
}

// ErrDispatch is returned when a payload could not be handed off to the
// background workers. The payload file may or may not exist on disk.
var ErrDispatch = fmt.Errorf("failed to dispatch payload")

// Dispatcher spools payloads under a per-app directory and records a job row
// so a worker picks the payload up later.
type Dispatcher struct {
	spoolDir string
	store    JobStore
}

// NewDispatcher returns a dispatcher writing payload files under spoolDir.
func NewDispatcher(spoolDir string, store JobStore) *Dispatcher {
	return &Dispatcher{spoolDir: spoolDir, store: store}
}

// Spool atomically writes the payload to a new file under the app's spool
// directory and returns its path. The filename embeds the user, the
// submission time, and a random suffix so concurrent submissions from the
// same user never collide.
func (d *Dispatcher) Spool(userID int64, app string, payload []byte) (path string, err error) {
	defer decorate.OnError(&err, "failed to spool payload for user %d", userID)

	appDir := filepath.Join(d.spoolDir, app)
	if err := os.MkdirAll(appDir, 0750); err != nil {
		return "", err
	}

	name := fmt.Sprintf("%d-%s-%s.json", userID, time.Now().UTC().Format("20060102T150405"), uuid.NewString())
	path = filepath.Join(appDir, name)
	if err := fileutils.AtomicWrite(path, payload); err != nil {
		return "", err
	}
	return path, nil
}

// Dispatch records a pending job for an already spooled payload file.
//
// If the job row cannot be written the spooled file is left in place and an
// error wrapping ErrDispatch is returned; the payload is then orphaned until
// an operator intervenes, so the caller should surface the error loudly.
func (d *Dispatcher) Dispatch(ctx context.Context, userID int64, app, payloadPath string) (Job, error) {
	job := Job{
		ID:          uuid.New(),
		UserID:      userID,
		App:         app,
		PayloadPath: payloadPath,
		Status:      StatusPending,
		SubmittedAt: time.Now().UTC(),
	}

	if err := d.store.InsertJob(ctx, job); err != nil {
		slog.Error("Failed to record ingestion job", "user", userID, "path", payloadPath, "error", err)
		return Job{}, fmt.Errorf("%w: %v", ErrDispatch, err)
	}

	slog.Info("Dispatched ingestion job", "job", job.ID, "user", userID, "app", app)
	return job, nil
}
