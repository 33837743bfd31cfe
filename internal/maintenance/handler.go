package maintenance

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"clinic-api/internal/auth"
	"clinic-api/internal/observability"
)

// CleanupHandler purges expired or long-revoked refresh records and stale
// login attempt counters. It is driven by an external scheduler and guarded
// by a shared bearer secret.
type CleanupHandler struct {
	store                 *auth.PostgresStore
	users                 *auth.UserRepository
	logger                *observability.Logger
	cronSecret            string
	refreshRetention      time.Duration
	loginAttemptRetention time.Duration
	batchSize             int
}

func NewCleanupHandler(
	store *auth.PostgresStore,
	users *auth.UserRepository,
	logger *observability.Logger,
	cronSecret string,
	refreshRetention time.Duration,
	loginAttemptRetention time.Duration,
	batchSize int,
) *CleanupHandler {
	return &CleanupHandler{
		store:                 store,
		users:                 users,
		logger:                logger,
		cronSecret:            strings.TrimSpace(cronSecret),
		refreshRetention:      refreshRetention,
		loginAttemptRetention: loginAttemptRetention,
		batchSize:             batchSize,
	}
}

func (h *CleanupHandler) Handle(w http.ResponseWriter, r *http.Request) {
	if h.cronSecret == "" {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		return
	}

	authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || strings.TrimSpace(parts[1]) != h.cronSecret {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	deletedRefresh, err := h.store.Purge(r.Context(), h.refreshRetention, h.batchSize)
	if err != nil {
		h.logger.Error("refresh_cleanup_failed", map[string]any{"error": err.Error()})
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "cleanup failed"})
		return
	}

	deletedAttempts, err := h.users.PurgeStaleLoginAttempts(r.Context(), h.loginAttemptRetention, h.batchSize)
	if err != nil {
		h.logger.Error("login_attempt_cleanup_failed", map[string]any{"error": err.Error()})
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "cleanup failed"})
		return
	}

	h.logger.Info("auth_cleanup_completed", map[string]any{
		"deleted_refresh_records": deletedRefresh,
		"deleted_login_attempts":  deletedAttempts,
	})

	writeJSON(w, http.StatusOK, map[string]any{
		"status":                  "ok",
		"deleted_refresh_records": deletedRefresh,
		"deleted_login_attempts":  deletedAttempts,
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
