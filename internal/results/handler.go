package results

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/amarcoder01/customsp/internal/logging"
	"github.com/google/uuid"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 100
)

type Handler struct {
	store *Store
}

func NewHandler(store *Store) *Handler {
	return &Handler{store: store}
}

func respondJSONError(w http.ResponseWriter, msg string, code int) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, payload interface{}) {
	body, err := json.Marshal(payload)
	if err != nil {
		logging.Warn("results: marshal response failed", logging.Field{Key: "error", Value: err})
		code = http.StatusInternalServerError
		body = []byte(`{"error":"internal error"}` + "\n")
	}
	w.Header().Set("Content-Type", "application/json")
	if code == http.StatusOK {
		w.Header().Set("Cache-Control", "no-store")
	}
	w.WriteHeader(code)
	if _, err := w.Write(body); err != nil {
		logging.Warn("results: write response failed", logging.Field{Key: "error", Value: err})
	}
}

// Get serves GET /api/v1/test/{id}.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := uuid.Parse(id); err != nil {
		respondJSONError(w, "invalid test ID", http.StatusBadRequest)
		return
	}

	result, err := h.store.Get(id)
	if err != nil {
		logging.Warn("results: get failed",
			logging.Field{Key: "test_id", Value: id},
			logging.Field{Key: "error", Value: err})
		msg, code := mapGetStoreError(err)
		respondJSONError(w, msg, code)
		return
	}
	if result == nil {
		respondJSONError(w, "test not found", http.StatusNotFound)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// History serves GET /api/v1/test/history?limit=N.
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		respondJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}
	rows, err := h.store.History(limit)
	if err != nil {
		logging.Warn("results: history failed", logging.Field{Key: "error", Value: err})
		msg, code := mapGetStoreError(err)
		respondJSONError(w, msg, code)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"results": rows,
		"count":   len(rows),
	})
}

func parseLimit(raw string) (int, error) {
	if raw == "" {
		return defaultHistoryLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, errors.New("limit must be a positive integer")
	}
	if n > maxHistoryLimit {
		n = maxHistoryLimit
	}
	return n, nil
}

func mapGetStoreError(err error) (string, int) {
	if errors.Is(err, ErrStoreRetryable) {
		return "store temporarily unavailable", http.StatusServiceUnavailable
	}
	return "internal error", http.StatusInternalServerError
}
