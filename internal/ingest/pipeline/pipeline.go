// Package pipeline implements the ingestion orchestrator: it normalizes raw
// payload records, writes them to the store in bounded transactional chunks,
// and summarizes the outcome for the caller.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/vitalsync/vitalsync/internal/ingest/records"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

const (
	// batchSize is the number of records written per transaction.
	batchSize = 1000

	// InlineMaxRecords is the largest payload processed synchronously on the
	// request path. Larger payloads are offloaded to the background workers.
	InlineMaxRecords = 4000
)

// BatchWriter is the store surface the orchestrator needs.
type BatchWriter interface {
	InsertBatch(ctx context.Context, userID int64, recs []records.Record) (int64, error)
	CountSamples(ctx context.Context, userID int64) (int64, error)
}

// Result summarizes one ingestion call.
//
// Counts are rendered comma-grouped in JSON so that clients can show them to
// users directly. TotalForUser is read without any per-user lock and is
// approximate when concurrent calls for the same user are in flight.
type Result struct {
	Message       string
	TotalReceived int64
	Skipped       int64
	Persisted     int64
	TotalForUser  int64

	// Err is set when a batch write halted the call early. It is for
	// programmatic callers such as the job processor and is never serialized.
	Err error
}

// MarshalJSON renders the counts as comma-grouped strings.
func (r Result) MarshalJSON() ([]byte, error) {
	p := message.NewPrinter(language.English)
	return json.Marshal(struct {
		Message       string `json:"message"`
		TotalReceived string `json:"count_of_entries_received"`
		Skipped       string `json:"count_of_skipped_records"`
		Persisted     string `json:"count_of_added_records"`
		TotalForUser  string `json:"count_of_user_records"`
	}{
		Message:       r.Message,
		TotalReceived: p.Sprintf("%d", r.TotalReceived),
		Skipped:       p.Sprintf("%d", r.Skipped),
		Persisted:     p.Sprintf("%d", r.Persisted),
		TotalForUser:  p.Sprintf("%d", r.TotalForUser),
	})
}

// Orchestrator runs the normalize, sort, chunk, and persist sequence for one
// payload at a time. It is safe for concurrent use.
type Orchestrator struct {
	db BatchWriter

	receivedCounter  *prometheus.CounterVec
	persistedCounter *prometheus.CounterVec
	skippedCounter   *prometheus.CounterVec
}

// New creates an orchestrator writing through db, registering its counters
// with the provided registry.
func New(db BatchWriter, registry prometheus.Registerer) (*Orchestrator, error) {
	if db == nil {
		return nil, fmt.Errorf("batch writer is required")
	}
	if registry == nil {
		return nil, fmt.Errorf("prometheus registry is required")
	}

	labels := []string{"outcome"}
	return &Orchestrator{
		db: db,
		receivedCounter: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_records_received_total",
			Help: "Number of records received in ingestion payloads.",
		}, labels),
		persistedCounter: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_records_persisted_total",
			Help: "Number of records persisted to the store.",
		}, labels),
		skippedCounter: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_records_skipped_total",
			Help: "Number of records skipped during normalization.",
		}, labels),
	}, nil
}

// Ingest normalizes, sorts, chunks, and persists a raw payload for the user.
//
// Records that fail normalization are skipped, not fatal. Chunks are written
// in order; a chunk failure halts further writes but keeps already committed
// chunks, and the error is folded into the Result message. Ingest never
// returns a raw storage error to the caller.
func (o *Orchestrator) Ingest(ctx context.Context, userID int64, raw []records.RawRecord) Result {
	if len(raw) == 0 {
		return Result{Message: "No data sent"}
	}

	res := Result{TotalReceived: int64(len(raw))}
	o.receivedCounter.WithLabelValues("received").Add(float64(len(raw)))

	recs := make([]records.Record, 0, len(raw))
	for _, rr := range raw {
		rec, err := records.Normalize(rr)
		if err != nil {
			res.Skipped++
			slog.Debug("Skipping record failing normalization", "user", userID, "error", err)
			continue
		}
		recs = append(recs, rec)
	}
	if res.Skipped > 0 {
		o.skippedCounter.WithLabelValues("normalization").Add(float64(res.Skipped))
	}

	// Duplicate visibility only. Identity keys are not enforced in storage.
	if distinct := records.DistinctKeys(recs, userID); int64(distinct) < int64(len(recs)) {
		slog.Info("Payload contains records sharing an identity key",
			"user", userID, "records", len(recs), "distinctKeys", distinct)
	}

	sort.SliceStable(recs, func(i, j int) bool {
		return recs[i].StartDate.Before(recs[j].StartDate)
	})

	var writeErr error
	for start := 0; start < len(recs); start += batchSize {
		end := min(start+batchSize, len(recs))
		n, err := o.db.InsertBatch(ctx, userID, recs[start:end])
		if err != nil {
			writeErr = err
			break
		}
		res.Persisted += n
	}
	o.persistedCounter.WithLabelValues("persisted").Add(float64(res.Persisted))

	total, err := o.db.CountSamples(ctx, userID)
	if err != nil {
		slog.Warn("Failed to count stored records", "user", userID, "error", err)
	} else {
		res.TotalForUser = total
	}

	switch {
	case writeErr != nil:
		slog.Error("Ingestion halted on batch write failure",
			"user", userID, "persisted", res.Persisted, "error", writeErr)
		res.Err = writeErr
		res.Message = fmt.Sprintf("Ingestion incomplete: %d of %d records stored", res.Persisted, res.TotalReceived)
	case res.Skipped > 0:
		res.Message = fmt.Sprintf("Stored %d records, skipped %d", res.Persisted, res.Skipped)
	default:
		res.Message = fmt.Sprintf("Stored %d records", res.Persisted)
	}
	return res
}
