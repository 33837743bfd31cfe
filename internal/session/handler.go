// Package session is the administrative read/revoke surface over the
// refresh record store. It never sits on the hot request path.
package session

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"

	"clinic-api/internal/audit"
	"clinic-api/internal/auth"
)

// Info is the session metadata an administrator sees for one live refresh
// chain link.
type Info struct {
	JTI       string    `json:"jti"`
	SubjectID string    `json:"subject_id"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

type Handler struct {
	store auth.RefreshStore
	audit audit.Sink
}

func NewHandler(store auth.RefreshStore, sink audit.Sink) *Handler {
	if sink == nil {
		sink = audit.NopSink{}
	}
	return &Handler{store: store, audit: sink}
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	subjectID := strings.TrimSpace(r.URL.Query().Get("subject_id"))
	if subjectID == "" {
		writeError(w, http.StatusBadRequest, "subject_id is required")
		return
	}

	records, err := h.store.ListLive(r.Context(), subjectID)
	if err != nil {
		sentry.CaptureException(err)
		writeError(w, http.StatusServiceUnavailable, "failed to list sessions")
		return
	}

	sessions := make([]Info, 0, len(records))
	for _, record := range records {
		sessions = append(sessions, Info{
			JTI:       record.JTI,
			SubjectID: record.SubjectID,
			CreatedAt: record.CreatedAt,
			ExpiresAt: record.ExpiresAt,
		})
	}

	writeJSON(w, http.StatusOK, sessions)
}

func (h *Handler) RevokeOne(w http.ResponseWriter, r *http.Request) {
	jti := strings.TrimSpace(r.PathValue("jti"))
	if jti == "" {
		writeError(w, http.StatusBadRequest, "jti is required")
		return
	}

	if err := h.store.Revoke(r.Context(), jti); err != nil {
		if errors.Is(err, auth.ErrRefreshInvalid) {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		sentry.CaptureException(err)
		writeError(w, http.StatusServiceUnavailable, "failed to revoke session")
		return
	}

	h.audit.Record(r.Context(), audit.Event{
		JTI:     jti,
		Action:  audit.ActionRevoke,
		Outcome: audit.OutcomeOK,
		Detail:  "admin",
	})

	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
