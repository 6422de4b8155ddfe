package handlers

import (
	"log/slog"
	"net/http"

	"github.com/vitalsync/vitalsync/internal/webservice/metrics"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// DeleteRecords handles account-wide deletion of a user's stored samples.
type DeleteRecords struct {
	users UserResolver
	store SampleStore
}

// NewDeleteRecords creates a new DeleteRecords handler.
func NewDeleteRecords(users UserResolver, store SampleStore) *DeleteRecords {
	return &DeleteRecords{users: users, store: store}
}

// ServeHTTP removes every stored sample belonging to the authenticated user.
func (h *DeleteRecords) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	metrics.ApplyLabels(r)

	userID, ok := authorize(w, r, h.users)
	if !ok {
		return
	}

	deleted, err := h.store.DeleteAllSamples(r.Context(), userID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to delete records")
		slog.Error("Error deleting user records", "user", userID, "err", err)
		return
	}

	slog.Info("Deleted user records", "user", userID, "count", deleted)
	p := message.NewPrinter(language.English)
	respondJSON(w, http.StatusOK, struct {
		Message string `json:"message"`
		Deleted string `json:"count_of_deleted_records"`
	}{
		Message: p.Sprintf("Successfully deleted %d records", deleted),
		Deleted: p.Sprintf("%d", deleted),
	})
}

// Dashboard reports per-source sample counts for the authenticated user.
type Dashboard struct {
	users UserResolver
	store SampleStore
}

// NewDashboard creates a new Dashboard handler.
func NewDashboard(users UserResolver, store SampleStore) *Dashboard {
	return &Dashboard{users: users, store: store}
}

// ServeHTTP returns the user's total and per-source record counts.
func (h *Dashboard) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	metrics.ApplyLabels(r)

	userID, ok := authorize(w, r, h.users)
	if !ok {
		return
	}

	total, err := h.store.CountSamples(r.Context(), userID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to count records")
		slog.Error("Error counting user records", "user", userID, "err", err)
		return
	}
	bySource, err := h.store.CountSamplesBySource(r.Context(), userID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to count records by source")
		slog.Error("Error counting user records by source", "user", userID, "err", err)
		return
	}

	p := message.NewPrinter(language.English)
	counts := make(map[string]string, len(bySource))
	for source, n := range bySource {
		counts[source] = p.Sprintf("%d", n)
	}
	respondJSON(w, http.StatusOK, struct {
		Total    string            `json:"count_of_user_records"`
		BySource map[string]string `json:"counts_by_source"`
	}{
		Total:    p.Sprintf("%d", total),
		BySource: counts,
	})
}
