package appointment

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Appointment struct {
	ID              string    `json:"id"`
	PatientID       string    `json:"patient_id"`
	StaffID         string    `json:"staff_id"`
	ScheduledAt     time.Time `json:"scheduled_at"`
	DurationMinutes int       `json:"duration_minutes"`
	Status          string    `json:"status"`
	Notes           string    `json:"notes"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

type AppointmentInput struct {
	PatientID       string    `json:"patient_id"`
	ScheduledAt     time.Time `json:"scheduled_at"`
	DurationMinutes int       `json:"duration_minutes"`
	Status          string    `json:"status"`
	Notes           string    `json:"notes"`
}

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) ListByPatient(ctx context.Context, patientID string) ([]Appointment, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, patient_id, staff_id, scheduled_at, duration_minutes, status, notes, created_at, updated_at
		FROM appointments
		WHERE patient_id = $1
		ORDER BY scheduled_at DESC
	`, patientID)
	if err != nil {
		return nil, fmt.Errorf("query appointments: %w", err)
	}
	defer rows.Close()

	appointments := make([]Appointment, 0)
	for rows.Next() {
		var a Appointment
		if err := rows.Scan(&a.ID, &a.PatientID, &a.StaffID, &a.ScheduledAt, &a.DurationMinutes, &a.Status, &a.Notes, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan appointment: %w", err)
		}
		appointments = append(appointments, a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate appointments: %w", err)
	}

	return appointments, nil
}

func (r *Repository) Create(ctx context.Context, staffID string, input AppointmentInput) (Appointment, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return Appointment{}, fmt.Errorf("generate uuid v7: %w", err)
	}

	now := time.Now().UTC()
	a := Appointment{
		ID:              id.String(),
		PatientID:       input.PatientID,
		StaffID:         staffID,
		ScheduledAt:     input.ScheduledAt.UTC(),
		DurationMinutes: input.DurationMinutes,
		Status:          input.Status,
		Notes:           input.Notes,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO appointments (id, patient_id, staff_id, scheduled_at, duration_minutes, status, notes, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, a.ID, a.PatientID, a.StaffID, a.ScheduledAt, a.DurationMinutes, a.Status, a.Notes, a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return Appointment{}, fmt.Errorf("insert appointment: %w", err)
	}

	return a, nil
}

func (r *Repository) UpdateStatus(ctx context.Context, id, status string) (Appointment, error) {
	var a Appointment
	err := r.db.QueryRowContext(ctx, `
		UPDATE appointments
		SET status = $2, updated_at = $3
		WHERE id = $1
		RETURNING id, patient_id, staff_id, scheduled_at, duration_minutes, status, notes, created_at, updated_at
	`, id, status, time.Now().UTC()).
		Scan(&a.ID, &a.PatientID, &a.StaffID, &a.ScheduledAt, &a.DurationMinutes, &a.Status, &a.Notes, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return Appointment{}, err
		}
		return Appointment{}, fmt.Errorf("update appointment status: %w", err)
	}

	return a, nil
}

func (r *Repository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM appointments WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete appointment: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}

	return nil
}
