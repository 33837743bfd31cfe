package patient

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Patient struct {
	ID        string     `json:"id"`
	FullName  string     `json:"full_name"`
	Phone     string     `json:"phone"`
	Email     string     `json:"email"`
	BirthDate *time.Time `json:"birth_date,omitempty"`
	Notes     string     `json:"notes"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

type PatientInput struct {
	FullName  string     `json:"full_name"`
	Phone     string     `json:"phone"`
	Email     string     `json:"email"`
	BirthDate *time.Time `json:"birth_date,omitempty"`
	Notes     string     `json:"notes"`
}

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) List(ctx context.Context) ([]Patient, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, full_name, phone, email, birth_date, notes, created_at, updated_at
		FROM patients
		ORDER BY full_name ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query patients: %w", err)
	}
	defer rows.Close()

	patients := make([]Patient, 0)
	for rows.Next() {
		var p Patient
		var birthDate sql.NullTime
		if err := rows.Scan(&p.ID, &p.FullName, &p.Phone, &p.Email, &birthDate, &p.Notes, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan patient: %w", err)
		}
		if birthDate.Valid {
			value := birthDate.Time
			p.BirthDate = &value
		}
		patients = append(patients, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate patients: %w", err)
	}

	return patients, nil
}

func (r *Repository) Get(ctx context.Context, id string) (Patient, error) {
	var p Patient
	var birthDate sql.NullTime
	err := r.db.QueryRowContext(ctx, `
		SELECT id, full_name, phone, email, birth_date, notes, created_at, updated_at
		FROM patients
		WHERE id = $1
	`, id).Scan(&p.ID, &p.FullName, &p.Phone, &p.Email, &birthDate, &p.Notes, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return Patient{}, err
		}
		return Patient{}, fmt.Errorf("query patient: %w", err)
	}
	if birthDate.Valid {
		value := birthDate.Time
		p.BirthDate = &value
	}

	return p, nil
}

func (r *Repository) Create(ctx context.Context, input PatientInput) (Patient, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return Patient{}, fmt.Errorf("generate uuid v7: %w", err)
	}

	now := time.Now().UTC()
	p := Patient{
		ID:        id.String(),
		FullName:  input.FullName,
		Phone:     input.Phone,
		Email:     input.Email,
		BirthDate: input.BirthDate,
		Notes:     input.Notes,
		CreatedAt: now,
		UpdatedAt: now,
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO patients (id, full_name, phone, email, birth_date, notes, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, p.ID, p.FullName, p.Phone, p.Email, p.BirthDate, p.Notes, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return Patient{}, fmt.Errorf("insert patient: %w", err)
	}

	return p, nil
}

func (r *Repository) Update(ctx context.Context, id string, input PatientInput) (Patient, error) {
	var p Patient
	var birthDate sql.NullTime
	updatedAt := time.Now().UTC()

	err := r.db.QueryRowContext(ctx, `
		UPDATE patients
		SET full_name = $2, phone = $3, email = $4, birth_date = $5, notes = $6, updated_at = $7
		WHERE id = $1
		RETURNING id, full_name, phone, email, birth_date, notes, created_at, updated_at
	`, id, input.FullName, input.Phone, input.Email, input.BirthDate, input.Notes, updatedAt).
		Scan(&p.ID, &p.FullName, &p.Phone, &p.Email, &birthDate, &p.Notes, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return Patient{}, err
		}
		return Patient{}, fmt.Errorf("update patient: %w", err)
	}
	if birthDate.Valid {
		value := birthDate.Time
		p.BirthDate = &value
	}

	return p, nil
}

func (r *Repository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM patients WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete patient: %w", err)
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
