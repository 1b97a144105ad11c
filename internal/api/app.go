// Package api exposes the assistant over management HTTP and MCP.
package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/m0wer/aibot/internal/storage"
)

// AppDeps holds dependencies for the management HTTP surface.
type AppDeps struct {
	Store *storage.Store
	Token string // bearer token guarding the management routes
}

// NewAppHandler returns the management HTTP handler: open health probe plus
// token-guarded inspection and reset routes.
func NewAppHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))
		r.Get("/users/{telegramID}/messages", handleListMessages(deps))
		r.Get("/users/{telegramID}/processing-times", handleProcessingTimes(deps))
		r.Post("/users/{telegramID}/reset", handleReset(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func resolveUser(deps AppDeps, w http.ResponseWriter, r *http.Request) (storage.User, bool) {
	telegramID, err := strconv.ParseInt(chi.URLParam(r, "telegramID"), 10, 64)
	if err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid user id: %v", err)
		return storage.User{}, false
	}
	user, err := deps.Store.GetOrCreateUser(telegramID)
	if err != nil {
		httpError(w, http.StatusInternalServerError, "api_error", "resolving user: %v", err)
		return storage.User{}, false
	}
	return user, true
}

func queryLimit(r *http.Request, def, max int) int {
	limit := def
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > max {
		limit = max
	}
	return limit
}

func handleListMessages(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, ok := resolveUser(deps, w, r)
		if !ok {
			return
		}

		limit := queryLimit(r, 20, 200)
		history, err := deps.Store.RecentMessages(user.ID, 24*time.Hour, limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "loading messages: %v", err)
			return
		}

		type messageOut struct {
			ID         int64  `json:"id"`
			Content    string `json:"content"`
			IsFromUser bool   `json:"is_from_user"`
			Timestamp  string `json:"timestamp"`
		}
		out := make([]messageOut, len(history))
		for i, m := range history {
			out[i] = messageOut{
				ID:         m.ID,
				Content:    m.Content,
				IsFromUser: m.IsFromUser,
				Timestamp:  m.Timestamp.Format(time.RFC3339),
			}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(out)
	}
}

func handleProcessingTimes(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, ok := resolveUser(deps, w, r)
		if !ok {
			return
		}

		limit := queryLimit(r, 50, 500)
		times, err := deps.Store.ProcessingTimesFor(user.ID, limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "loading timings: %v", err)
			return
		}

		type timingOut struct {
			Operation  string `json:"operation"`
			DurationMS int64  `json:"duration_ms"`
			CreatedAt  string `json:"created_at"`
		}
		out := make([]timingOut, len(times))
		for i, pt := range times {
			out[i] = timingOut{
				Operation:  pt.Operation,
				DurationMS: pt.Duration.Milliseconds(),
				CreatedAt:  pt.CreatedAt.Format(time.RFC3339),
			}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(out)
	}
}

func handleReset(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, ok := resolveUser(deps, w, r)
		if !ok {
			return
		}

		n, err := deps.Store.ResetMessages(user.ID)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "resetting history: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"reset": n})
	}
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
