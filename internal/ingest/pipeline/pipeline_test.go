package pipeline_test

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitalsync/vitalsync/internal/ingest/pipeline"
	"github.com/vitalsync/vitalsync/internal/ingest/records"
)

func TestNew(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		nilWriter   bool
		nilRegistry bool

		wantErr bool
	}{
		"valid arguments": {},
		"nil writer":      {nilWriter: true, wantErr: true},
		"nil registry":    {nilRegistry: true, wantErr: true},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			var db pipeline.BatchWriter
			if !tc.nilWriter {
				db = &mockBatchWriter{}
			}
			var reg prometheus.Registerer
			if !tc.nilRegistry {
				reg = prometheus.NewRegistry()
			}

			o, err := pipeline.New(db, reg)
			if tc.wantErr {
				require.Error(t, err, "New() error")
				return
			}
			require.NoError(t, err, "New() error")
			require.NotNil(t, o, "New() orchestrator")
		})
	}
}

func TestIngest(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		rawCount  int
		badCount  int
		stored    int64
		insertErr error
		failChunk int
		countErr  error

		wantChunks    []int
		wantPersisted int64
		wantSkipped   int64
		wantTotal     int64
	}{
		"empty payload makes no store calls": {
			rawCount:   0,
			wantChunks: nil,
		},
		"small payload is one chunk": {
			rawCount:      10,
			stored:        110,
			wantChunks:    []int{10},
			wantPersisted: 10,
			wantTotal:     110,
		},
		"payload is chunked at the batch size": {
			rawCount:      2500,
			stored:        2500,
			wantChunks:    []int{1000, 1000, 500},
			wantPersisted: 2500,
			wantTotal:     2500,
		},
		"exact multiple of the batch size": {
			rawCount:      2000,
			stored:        2000,
			wantChunks:    []int{1000, 1000},
			wantPersisted: 2000,
			wantTotal:     2000,
		},
		"unparsable records are skipped, not fatal": {
			rawCount:      8,
			badCount:      2,
			stored:        8,
			wantChunks:    []int{8},
			wantPersisted: 8,
			wantSkipped:   2,
			wantTotal:     8,
		},
		"all records unparsable writes nothing": {
			rawCount:    0,
			badCount:    5,
			wantChunks:  nil,
			wantSkipped: 5,
		},
		"chunk failure keeps prior commits": {
			rawCount:      2500,
			insertErr:     fmt.Errorf("error requested by test"),
			failChunk:     2,
			stored:        2000,
			wantChunks:    []int{1000, 1000},
			wantPersisted: 2000,
			wantTotal:     2000,
		},
		"first chunk failure persists nothing": {
			rawCount:   1500,
			insertErr:  fmt.Errorf("error requested by test"),
			failChunk:  0,
			wantChunks: nil,
		},
		"count failure is tolerated": {
			rawCount:      5,
			countErr:      fmt.Errorf("error requested by test"),
			wantChunks:    []int{5},
			wantPersisted: 5,
			wantTotal:     0,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			db := &mockBatchWriter{
				stored:    tc.stored,
				insertErr: tc.insertErr,
				failChunk: tc.failChunk,
				countErr:  tc.countErr,
			}
			o, err := pipeline.New(db, prometheus.NewRegistry())
			require.NoError(t, err, "Setup: New() error")

			raw := make([]records.RawRecord, 0, tc.rawCount+tc.badCount)
			for i := range tc.rawCount {
				raw = append(raw, rawRecord(i))
			}
			for range tc.badCount {
				raw = append(raw, records.RawRecord{"sampleType": "HeartRate"})
			}

			res := o.Ingest(t.Context(), 42, raw)

			assert.Equal(t, int64(len(raw)), res.TotalReceived, "received count")
			assert.Equal(t, tc.wantSkipped, res.Skipped, "skipped count")
			assert.Equal(t, tc.wantPersisted, res.Persisted, "persisted count")
			assert.Equal(t, tc.wantTotal, res.TotalForUser, "stored total")
			assert.NotEmpty(t, res.Message, "result message")
			if tc.insertErr != nil {
				assert.ErrorIs(t, res.Err, tc.insertErr, "halting write error should be surfaced")
			} else {
				assert.NoError(t, res.Err, "no write error expected")
			}
			var gotChunks []int
			for _, c := range db.chunks {
				gotChunks = append(gotChunks, len(c))
			}
			assert.Equal(t, tc.wantChunks, gotChunks, "committed chunk sizes")
		})
	}
}

func TestIngestSortsByStartDate(t *testing.T) {
	t.Parallel()

	db := &mockBatchWriter{}
	o, err := pipeline.New(db, prometheus.NewRegistry())
	require.NoError(t, err, "Setup: New() error")

	// Out of order, with a tie between b and c on the same timestamp.
	raw := []records.RawRecord{
		{"sampleType": "Steps", "startDate": "2025-03-02 08:00:00 +0000", "UUID": "a"},
		{"sampleType": "Steps", "startDate": "2025-03-01 08:00:00 +0000", "UUID": "b"},
		{"sampleType": "Steps", "startDate": "2025-03-01 08:00:00 +0000", "UUID": "c"},
		{"sampleType": "Steps", "startDate": "2025-02-28 08:00:00 +0000", "UUID": "d"},
	}

	res := o.Ingest(t.Context(), 42, raw)
	require.Equal(t, int64(4), res.Persisted, "persisted count")

	require.Len(t, db.chunks, 1, "single chunk expected")
	var order []string
	for _, rec := range db.chunks[0] {
		order = append(order, rec.ExternalID)
	}
	// Ascending by start date; ties keep submission order.
	assert.Equal(t, []string{"d", "b", "c", "a"}, order, "insert order")
}

func TestResultMarshalJSON(t *testing.T) {
	t.Parallel()

	res := pipeline.Result{
		Message:       "Stored 1234567 records",
		TotalReceived: 1234567,
		Persisted:     1234567,
		TotalForUser:  7654321,
	}

	data, err := json.Marshal(res)
	require.NoError(t, err, "Marshal() error")

	var got map[string]string
	require.NoError(t, json.Unmarshal(data, &got), "result should round trip as strings")
	assert.Equal(t, "1,234,567", got["count_of_entries_received"], "received count grouping")
	assert.Equal(t, "1,234,567", got["count_of_added_records"], "added count grouping")
	assert.Equal(t, "7,654,321", got["count_of_user_records"], "user count grouping")
	assert.Equal(t, "0", got["count_of_skipped_records"], "skipped count grouping")
}

func rawRecord(i int) records.RawRecord {
	return records.RawRecord{
		"sampleType": "HeartRate",
		"startDate":  fmt.Sprintf("2025-03-01 08:%02d:%02d +0000", i/60%60, i%60),
		"UUID":       fmt.Sprintf("uuid-%d", i),
		"quantity":   "72",
	}
}

type mockBatchWriter struct {
	stored    int64
	insertErr error
	failChunk int
	countErr  error

	chunks [][]records.Record
}

func (m *mockBatchWriter) InsertBatch(ctx context.Context, userID int64, recs []records.Record) (int64, error) {
	if m.insertErr != nil && len(m.chunks) == m.failChunk {
		return 0, m.insertErr
	}
	chunk := make([]records.Record, len(recs))
	copy(chunk, recs)
	m.chunks = append(m.chunks, chunk)
	return int64(len(recs)), nil
}

func (m *mockBatchWriter) CountSamples(ctx context.Context, userID int64) (int64, error) {
	if m.countErr != nil {
		return 0, m.countErr
	}
	return m.stored, nil
}
