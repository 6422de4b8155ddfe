package handlers

import (
	"context"

	"github.com/vitalsync/vitalsync/internal/ingest/pipeline"
	"github.com/vitalsync/vitalsync/internal/ingest/queue"
	"github.com/vitalsync/vitalsync/internal/ingest/records"
)

// ConfigProvider is an interface that defines the configuration access methods used by the handlers.
type ConfigProvider interface {
	IsAllowed(string) bool // IsAllowed checks if a given item is allowed based on the present configuration state.
}

// UserResolver maps a device token from the request to a user account.
type UserResolver interface {
	ResolveToken(token string) (userID int64, ok bool)
}

// Orchestrator runs the synchronous ingestion path.
type Orchestrator interface {
	Ingest(ctx context.Context, userID int64, raw []records.RawRecord) pipeline.Result
}

// Dispatcher spools payloads and hands oversized ones to the background workers.
type Dispatcher interface {
	Spool(userID int64, app string, payload []byte) (string, error)
	Dispatch(ctx context.Context, userID int64, app, payloadPath string) (queue.Job, error)
}

// SampleStore exposes the per-user sample queries and the account-deletion
// operation used by the non-ingestion endpoints.
type SampleStore interface {
	CountSamples(ctx context.Context, userID int64) (int64, error)
	CountSamplesBySource(ctx context.Context, userID int64) (map[string]int64, error)
	DeleteAllSamples(ctx context.Context, userID int64) (int64, error)
}
