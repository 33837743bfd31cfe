package appointment

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"

	"clinic-api/internal/auth"
)

const maxJSONBodyBytes = 1 << 20

var validStatuses = map[string]bool{
	"scheduled": true,
	"confirmed": true,
	"completed": true,
	"cancelled": true,
	"no_show":   true,
}

type Handler struct {
	repo *Repository
}

func NewHandler(repo *Repository) *Handler {
	return &Handler{repo: repo}
}

func (h *Handler) ListByPatient(w http.ResponseWriter, r *http.Request) {
	patientID := strings.TrimSpace(r.URL.Query().Get("patient_id"))
	if _, err := uuid.Parse(patientID); err != nil {
		writeError(w, http.StatusBadRequest, "invalid patient_id")
		return
	}

	appointments, err := h.repo.ListByPatient(r.Context(), patientID)
	if err != nil {
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to list appointments")
		return
	}

	writeJSON(w, http.StatusOK, appointments)
}

func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "not authenticated")
		return
	}

	input, ok := parseInput(w, r)
	if !ok {
		return
	}

	a, err := h.repo.Create(r.Context(), claims.Subject, input)
	if err != nil {
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to create appointment")
		return
	}

	writeJSON(w, http.StatusCreated, a)
}

func (h *Handler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	if _, err := uuid.Parse(id); err != nil {
		writeError(w, http.StatusBadRequest, "invalid appointment id")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
	var body struct {
		Status string `json:"status"`
	}
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if !validStatuses[body.Status] {
		writeError(w, http.StatusBadRequest, "invalid status")
		return
	}

	a, err := h.repo.UpdateStatus(r.Context(), id, body.Status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			writeError(w, http.StatusNotFound, "appointment not found")
			return
		}
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to update appointment")
		return
	}

	writeJSON(w, http.StatusOK, a)
}

func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	if _, err := uuid.Parse(id); err != nil {
		writeError(w, http.StatusBadRequest, "invalid appointment id")
		return
	}

	if err := h.repo.Delete(r.Context(), id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			writeError(w, http.StatusNotFound, "appointment not found")
			return
		}
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to delete appointment")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func parseInput(w http.ResponseWriter, r *http.Request) (AppointmentInput, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)

	var input AppointmentInput
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&input); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return AppointmentInput{}, false
	}

	if _, err := uuid.Parse(input.PatientID); err != nil {
		writeError(w, http.StatusBadRequest, "invalid patient_id")
		return AppointmentInput{}, false
	}
	if input.ScheduledAt.IsZero() {
		writeError(w, http.StatusBadRequest, "scheduled_at is required")
		return AppointmentInput{}, false
	}
	if input.DurationMinutes <= 0 || input.DurationMinutes > 8*60 {
		writeError(w, http.StatusBadRequest, "duration_minutes is out of range")
		return AppointmentInput{}, false
	}
	if input.Status == "" {
		input.Status = "scheduled"
	}
	if !validStatuses[input.Status] {
		writeError(w, http.StatusBadRequest, "invalid status")
		return AppointmentInput{}, false
	}
	if utf8.RuneCountInString(input.Notes) > 5000 {
		writeError(w, http.StatusBadRequest, "notes is too long")
		return AppointmentInput{}, false
	}

	return input, true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
