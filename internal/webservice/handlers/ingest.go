// Package handlers provides HTTP handlers for the web service.
package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/vitalsync/vitalsync/internal/ingest/pipeline"
	"github.com/vitalsync/vitalsync/internal/ingest/records"
	"github.com/vitalsync/vitalsync/internal/webservice/metrics"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// Ingest handles device health payload submissions.
//
// Every payload is spooled to disk before any processing. Payloads larger
// than the inline threshold are dispatched to the background workers and
// acknowledged; the rest run through the orchestrator on the request path.
type Ingest struct {
	config     ConfigProvider
	users      UserResolver
	orch       Orchestrator
	dispatcher Dispatcher

	maxUploadSize int64
	inlineMax     int
}

// NewIngest creates a new Ingest handler.
func NewIngest(cfg ConfigProvider, users UserResolver, orch Orchestrator, dispatcher Dispatcher, maxUploadSize int64) *Ingest {
	return &Ingest{
		config:     cfg,
		users:      users,
		orch:       orch,
		dispatcher: dispatcher,

		maxUploadSize: maxUploadSize,
		inlineMax:     pipeline.InlineMaxRecords,
	}
}

// ServeHTTP handles incoming health payload submissions.
func (h *Ingest) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	metrics.ApplyLabels(r)

	reqID := uuid.New().String()
	app := filepath.Clean(r.PathValue("app"))
	if app == "" || app == "." || strings.Contains(app, "..") {
		respondError(w, http.StatusForbidden, "Invalid application name in URL")
		return
	}

	slog.Info("Request recv'd", "req_id", reqID, "app", app)

	if !h.config.IsAllowed(app) {
		respondError(w, http.StatusForbidden, "Invalid application name in URL")
		slog.Error("Invalid application name in URL", "req_id", reqID, "app", app)
		return
	}

	userID, ok := authorize(w, r, h.users)
	if !ok {
		slog.Info("Rejected unauthenticated payload", "req_id", reqID, "app", app)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadSize)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			respondError(w, http.StatusRequestEntityTooLarge, "Payload too large")
			slog.Error("Payload exceeds upload limit", "req_id", reqID, "app", app, "user", userID)
			return
		}
		respondError(w, http.StatusBadRequest, "Failed to read request body")
		slog.Error("Error reading request body", "req_id", reqID, "app", app, "err", err)
		return
	}

	var raw []records.RawRecord
	if err := json.Unmarshal(payload, &raw); err != nil {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("Payload is not a record collection: %v", err))
		slog.Error("Invalid payload JSON", "req_id", reqID, "app", app, "user", userID, "err", err)
		return
	}

	path, err := h.dispatcher.Spool(userID, app, payload)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Error saving payload")
		slog.Error("Error spooling payload", "req_id", reqID, "app", app, "user", userID, "err", err)
		return
	}
	slog.Info("Payload spooled", "req_id", reqID, "app", app, "user", userID, "target", path, "records", len(raw))

	if len(raw) > h.inlineMax {
		h.offload(w, r, reqID, userID, app, path, len(raw))
		return
	}

	res := h.orch.Ingest(r.Context(), userID, raw)
	if res.Err != nil {
		// Committed chunks stay committed and the spool file is kept for
		// inspection. Clients get the counts with a failure status so
		// partial success is distinguishable without parsing the message.
		slog.Error("Inline ingestion incomplete", "req_id", reqID, "app", app, "user", userID, "err", res.Err)
		respondJSON(w, http.StatusInternalServerError, res)
		return
	}

	// Inline payloads have no job row, so the spool file is only a
	// crash artifact once processing finished.
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("Failed to remove spooled payload", "req_id", reqID, "target", path, "err", err)
	}
	respondJSON(w, http.StatusOK, res)
}

func (h *Ingest) offload(w http.ResponseWriter, r *http.Request, reqID string, userID int64, app, path string, count int) {
	job, err := h.dispatcher.Dispatch(r.Context(), userID, app, path)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to schedule payload for processing")
		slog.Error("Error dispatching payload", "req_id", reqID, "app", app, "user", userID, "err", err)
		return
	}

	slog.Info("Payload dispatched", "req_id", reqID, "job", job.ID, "user", userID, "records", count)
	p := message.NewPrinter(language.English)
	respondJSON(w, http.StatusAccepted, struct {
		Message       string `json:"message"`
		AlertMessage  string `json:"alertMessage"`
		TotalReceived string `json:"count_of_entries_received"`
	}{
		Message:       "Payload accepted for processing",
		AlertMessage:  p.Sprintf("Your export contains %d records.\nYou will be notified when all your data has been added.", count),
		TotalReceived: p.Sprintf("%d", count),
	})
}
