package auth

import (
	"encoding/json"
	"errors"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
)

var usernameRegex = regexp.MustCompile(`^[a-z0-9_.-]{3,32}$`)

const (
	maxJSONBodyBytes = 1 << 20

	// RefreshCookieName carries the refresh credential over a channel the
	// browser cannot script against.
	RefreshCookieName = "clinic_refresh"

	refreshCookiePath = "/auth"
)

type Handler struct {
	service    *Service
	refreshTTL time.Duration
}

func NewHandler(service *Service) *Handler {
	return &Handler{service: service, refreshTTL: service.refreshTTL}
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)

	var body loginRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	body.Username = strings.TrimSpace(body.Username)
	body.Password = strings.TrimSpace(body.Password)
	if !usernameRegex.MatchString(strings.ToLower(body.Username)) {
		writeError(w, http.StatusBadRequest, "username format is invalid")
		return
	}
	if len(body.Password) < 12 || len(body.Password) > 200 {
		writeError(w, http.StatusBadRequest, "password format is invalid")
		return
	}

	tokens, err := h.service.Login(r.Context(), body.Username, body.Password)
	if err != nil {
		if errors.Is(err, ErrInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		var lockedErr ErrLoginLocked
		if errors.As(err, &lockedErr) {
			retryAfter := int(time.Until(lockedErr.Until).Seconds())
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "login temporarily locked")
			return
		}

		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to login")
		return
	}

	h.setRefreshCookie(w, tokens.RefreshToken)
	writeJSON(w, http.StatusOK, tokens)
}

func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	raw, ok := h.refreshCredential(w, r)
	if !ok {
		return
	}

	tokens, err := h.service.Refresh(r.Context(), raw)
	if err != nil {
		h.writeRefreshError(w, err)
		return
	}

	h.setRefreshCookie(w, tokens.RefreshToken)
	writeJSON(w, http.StatusOK, tokens)
}

func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	raw, ok := h.refreshCredential(w, r)
	if !ok {
		return
	}

	if err := h.service.Logout(r.Context(), raw); err != nil {
		if errors.Is(err, ErrRefreshInvalid) {
			h.clearRefreshCookie(w)
			writeError(w, http.StatusUnauthorized, "refresh-invalid")
			return
		}
		sentry.CaptureException(err)
		writeError(w, http.StatusServiceUnavailable, "failed to logout")
		return
	}

	h.clearRefreshCookie(w)
	w.WriteHeader(http.StatusNoContent)
}

// refreshCredential prefers the HttpOnly cookie and falls back to the JSON
// body for non-browser clients.
func (h *Handler) refreshCredential(w http.ResponseWriter, r *http.Request) (string, bool) {
	if cookie, err := r.Cookie(RefreshCookieName); err == nil {
		raw := strings.TrimSpace(cookie.Value)
		if raw != "" {
			return raw, true
		}
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
	var body refreshRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return "", false
	}

	raw := strings.TrimSpace(body.RefreshToken)
	if raw == "" {
		writeError(w, http.StatusBadRequest, "missing refresh credential")
		return "", false
	}

	return raw, true
}

func (h *Handler) writeRefreshError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrRefreshReused),
		errors.Is(err, ErrRefreshRevoked),
		errors.Is(err, ErrRefreshInvalid):
		h.clearRefreshCookie(w)
		writeError(w, http.StatusUnauthorized, "refresh-invalid")
	case errors.Is(err, ErrRefreshTimeout):
		writeError(w, http.StatusGatewayTimeout, "refresh-timeout")
	case errors.Is(err, ErrStoreUnavailable):
		sentry.CaptureException(err)
		writeError(w, http.StatusServiceUnavailable, "store-unavailable")
	default:
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to refresh")
	}
}

func (h *Handler) setRefreshCookie(w http.ResponseWriter, raw string) {
	http.SetCookie(w, &http.Cookie{
		Name:     RefreshCookieName,
		Value:    raw,
		Path:     refreshCookiePath,
		MaxAge:   int(h.refreshTTL.Seconds()),
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteStrictMode,
	})
}

func (h *Handler) clearRefreshCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     RefreshCookieName,
		Value:    "",
		Path:     refreshCookiePath,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteStrictMode,
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
