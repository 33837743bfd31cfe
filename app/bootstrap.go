package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"clinic-api/internal/appointment"
	"clinic-api/internal/audit"
	"clinic-api/internal/auth"
	"clinic-api/internal/db"
	"clinic-api/internal/maintenance"
	"clinic-api/internal/observability"
	"clinic-api/internal/patient"
	"clinic-api/internal/session"
)

type Options struct {
	LoadDotEnv    bool
	RunMigrations bool
}

type Runtime struct {
	Handler http.Handler
	Close   func() error
}

func Build(ctx context.Context, options Options) (*Runtime, error) {
	if options.LoadDotEnv {
		_ = godotenv.Load()
	}

	logger := observability.NewLogger()

	databaseURL, err := mustEnv("DATABASE_URL")
	if err != nil {
		return nil, err
	}
	jwtSecret, err := mustEnv("JWT_SECRET")
	if err != nil {
		return nil, err
	}

	if err := observability.InitSentry(os.Getenv("SENTRY_DSN"), envOrDefault("APP_ENV", "development")); err != nil {
		logger.Error("init_sentry_failed", map[string]any{"error": err.Error()})
	}

	database, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	database.SetMaxOpenConns(envIntOrDefault("DB_MAX_OPEN_CONNS", 10))
	database.SetMaxIdleConns(envIntOrDefault("DB_MAX_IDLE_CONNS", 5))
	database.SetConnMaxLifetime(envMinutesOrDefault("DB_CONN_MAX_LIFETIME_MINUTES", 30))
	database.SetConnMaxIdleTime(envMinutesOrDefault("DB_CONN_MAX_IDLE_TIME_MINUTES", 10))

	if err := database.PingContext(ctx); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if options.RunMigrations {
		if err := db.RunMigrations(ctx, database); err != nil {
			_ = database.Close()
			return nil, fmt.Errorf("run migrations: %w", err)
		}
	}

	signer := auth.NewSigner(
		jwtSecret,
		envOrDefault("JWT_ISSUER", "clinic-api"),
		envMinutesOrDefault("ACCESS_TOKEN_TTL_MINUTES", 15),
	)
	refreshStore := auth.NewPostgresStore(database)
	users := auth.NewUserRepository(database)
	auditSink := audit.NewLogSink(logger)

	authService := auth.NewService(refreshStore, users, signer, auditSink)
	authService.WithSecurityConfig(
		envIntOrDefault("LOGIN_MAX_ATTEMPTS", 5),
		envMinutesOrDefault("LOGIN_LOCK_MINUTES", 15),
		envHoursOrDefault("REFRESH_TOKEN_TTL_HOURS", 168),
		envSecondsOrDefault("REFRESH_TIMEOUT_SECONDS", 5),
	)
	authHandler := auth.NewHandler(authService)

	if username := strings.TrimSpace(os.Getenv("ADMIN_USERNAME")); username != "" {
		if err := users.SeedAdmin(ctx, username, os.Getenv("ADMIN_PASSWORD")); err != nil {
			_ = database.Close()
			return nil, fmt.Errorf("seed admin: %w", err)
		}
	}

	sessionHandler := session.NewHandler(refreshStore, auditSink)
	patientHandler := patient.NewHandler(patient.NewRepository(database))
	appointmentHandler := appointment.NewHandler(appointment.NewRepository(database))
	cleanupHandler := maintenance.NewCleanupHandler(
		refreshStore,
		users,
		logger,
		os.Getenv("CRON_SECRET"),
		envDaysOrDefault("REFRESH_RECORD_RETENTION_DAYS", 14),
		envDaysOrDefault("LOGIN_ATTEMPT_RETENTION_DAYS", 30),
		envIntOrDefault("AUTH_CLEANUP_BATCH_SIZE", 500),
	)

	throttle := auth.NewIPThrottle(
		envIntOrDefault("AUTH_RATE_LIMIT_MAX", 10),
		envSecondsOrDefault("AUTH_RATE_LIMIT_WINDOW_SECONDS", 60),
	)

	authed := func(h http.HandlerFunc) http.Handler {
		return auth.Middleware(signer, h)
	}
	adminOnly := func(h http.HandlerFunc) http.Handler {
		return auth.Middleware(signer, auth.RequireAdmin(h))
	}

	mux := http.NewServeMux()
	mux.Handle("POST /auth/login", throttle.Middleware(http.HandlerFunc(authHandler.Login)))
	mux.Handle("POST /auth/refresh", throttle.Middleware(http.HandlerFunc(authHandler.Refresh)))
	mux.HandleFunc("POST /auth/logout", authHandler.Logout)
	mux.Handle("GET /admin/sessions", adminOnly(sessionHandler.List))
	mux.Handle("DELETE /admin/sessions/{jti}", adminOnly(sessionHandler.RevokeOne))
	mux.Handle("GET /patients", authed(patientHandler.List))
	mux.Handle("POST /patients", authed(patientHandler.Create))
	mux.Handle("GET /patients/{id}", authed(patientHandler.Get))
	mux.Handle("PUT /patients/{id}", authed(patientHandler.Update))
	mux.Handle("DELETE /patients/{id}", authed(patientHandler.Delete))
	mux.Handle("GET /appointments", authed(appointmentHandler.ListByPatient))
	mux.Handle("POST /appointments", authed(appointmentHandler.Create))
	mux.Handle("PATCH /appointments/{id}", authed(appointmentHandler.UpdateStatus))
	mux.Handle("DELETE /appointments/{id}", authed(appointmentHandler.Delete))
	mux.HandleFunc("GET /internal/maintenance/cleanup", cleanupHandler.Handle)
	mux.HandleFunc("POST /internal/maintenance/cleanup", cleanupHandler.Handle)
	mux.HandleFunc("GET /health", healthHandler(database))

	handler := observability.RecoverMiddleware(logger, observability.RequestLoggingMiddleware(logger, mux))

	return &Runtime{
		Handler: handler,
		Close: func() error {
			observability.FlushSentry()
			return database.Close()
		},
	}, nil
}

func healthHandler(database *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		body := map[string]any{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)}
		if err := database.PingContext(ctx); err != nil {
			status = http.StatusServiceUnavailable
			body = map[string]any{"status": "degraded", "time": time.Now().UTC().Format(time.RFC3339)}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}
}

func mustEnv(name string) (string, error) {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return "", fmt.Errorf("missing required env: %s", name)
	}
	return value, nil
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func envIntOrDefault(name string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

func envMinutesOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * time.Minute
}

func envHoursOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * time.Hour
}

func envDaysOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * 24 * time.Hour
}

func envSecondsOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * time.Second
}
