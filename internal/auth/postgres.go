package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// PostgresStore is the production RefreshStore. Rotation runs in a single
// transaction with a row lock on the old record, which makes concurrent
// rotations of one credential linearizable.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Create(ctx context.Context, subjectID, rawToken string, expiresAt time.Time) (RefreshRecord, error) {
	jti, err := uuid.NewV7()
	if err != nil {
		return RefreshRecord{}, fmt.Errorf("generate jti: %w", err)
	}

	record := RefreshRecord{
		JTI:       jti.String(),
		SubjectID: subjectID,
		TokenHash: hashToken(rawToken),
		CreatedAt: time.Now().UTC(),
		ExpiresAt: expiresAt.UTC(),
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO auth_refresh_tokens (jti, subject_id, token_hash, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5)
	`, record.JTI, record.SubjectID, record.TokenHash, record.CreatedAt, record.ExpiresAt)
	if err != nil {
		return RefreshRecord{}, fmt.Errorf("insert refresh record: %w", err)
	}

	return record, nil
}

func (s *PostgresStore) Rotate(ctx context.Context, rawOld, rawNew string, newExpiresAt time.Time) (RefreshRecord, error) {
	oldHash := hashToken(rawOld)
	newJTI, err := uuid.NewV7()
	if err != nil {
		return RefreshRecord{}, fmt.Errorf("generate successor jti: %w", err)
	}

	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return RefreshRecord{}, fmt.Errorf("begin rotation tx: %w", err)
	}
	defer tx.Rollback()

	var old RefreshRecord
	var revokedAt sql.NullTime
	var replacedBy sql.NullString
	err = tx.QueryRowContext(ctx, `
		SELECT jti, subject_id, expires_at, revoked_at, replaced_by
		FROM auth_refresh_tokens
		WHERE token_hash = $1
		FOR UPDATE
	`, oldHash).Scan(&old.JTI, &old.SubjectID, &old.ExpiresAt, &revokedAt, &replacedBy)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return RefreshRecord{}, ErrRefreshInvalid
		}
		return RefreshRecord{}, fmt.Errorf("read refresh record: %w", err)
	}

	// Classification order matters: a replayed terminal record is reported
	// as reuse even when it has also expired since.
	if replacedBy.Valid {
		return RefreshRecord{}, ErrRefreshReused
	}
	if revokedAt.Valid {
		return RefreshRecord{}, ErrRefreshRevoked
	}
	if !now.Before(old.ExpiresAt.UTC()) {
		return RefreshRecord{}, ErrRefreshInvalid
	}

	successor := RefreshRecord{
		JTI:       newJTI.String(),
		SubjectID: old.SubjectID,
		TokenHash: hashToken(rawNew),
		CreatedAt: now,
		ExpiresAt: newExpiresAt.UTC(),
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO auth_refresh_tokens (jti, subject_id, token_hash, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5)
	`, successor.JTI, successor.SubjectID, successor.TokenHash, successor.CreatedAt, successor.ExpiresAt)
	if err != nil {
		return RefreshRecord{}, fmt.Errorf("insert successor record: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE auth_refresh_tokens
		SET revoked_at = $2, replaced_by = $3
		WHERE jti = $1
	`, old.JTI, now, successor.JTI)
	if err != nil {
		return RefreshRecord{}, fmt.Errorf("retire rotated record: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return RefreshRecord{}, fmt.Errorf("commit rotation tx: %w", err)
	}

	return successor, nil
}

func (s *PostgresStore) Revoke(ctx context.Context, jti string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE auth_refresh_tokens
		SET revoked_at = COALESCE(revoked_at, $2)
		WHERE jti = $1
	`, jti, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("revoke refresh record: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("revoke rows affected: %w", err)
	}
	if affected == 0 {
		return ErrRefreshInvalid
	}

	return nil
}

func (s *PostgresStore) RevokeByToken(ctx context.Context, rawToken string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE auth_refresh_tokens
		SET revoked_at = COALESCE(revoked_at, $2)
		WHERE token_hash = $1
	`, hashToken(rawToken), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("revoke refresh record by token: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("revoke rows affected: %w", err)
	}
	if affected == 0 {
		return ErrRefreshInvalid
	}

	return nil
}

func (s *PostgresStore) RevokeChain(ctx context.Context, rawToken string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		WITH RECURSIVE chain AS (
			SELECT jti, replaced_by
			FROM auth_refresh_tokens
			WHERE token_hash = $1
			UNION ALL
			SELECT t.jti, t.replaced_by
			FROM auth_refresh_tokens t
			JOIN chain c ON t.jti = c.replaced_by
		)
		UPDATE auth_refresh_tokens
		SET revoked_at = COALESCE(revoked_at, $2)
		WHERE jti IN (SELECT jti FROM chain) AND revoked_at IS NULL
	`, hashToken(rawToken), time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("revoke refresh chain: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("revoke chain rows affected: %w", err)
	}

	return affected, nil
}

func (s *PostgresStore) ListLive(ctx context.Context, subjectID string) ([]RefreshRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT jti, subject_id, created_at, expires_at
		FROM auth_refresh_tokens
		WHERE subject_id = $1
		  AND revoked_at IS NULL
		  AND replaced_by IS NULL
		  AND expires_at > $2
		ORDER BY created_at DESC
	`, subjectID, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("query live refresh records: %w", err)
	}
	defer rows.Close()

	records := make([]RefreshRecord, 0)
	for rows.Next() {
		var r RefreshRecord
		if err := rows.Scan(&r.JTI, &r.SubjectID, &r.CreatedAt, &r.ExpiresAt); err != nil {
			return nil, fmt.Errorf("scan refresh record: %w", err)
		}
		records = append(records, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate refresh records: %w", err)
	}

	return records, nil
}

func (s *PostgresStore) Purge(ctx context.Context, retention time.Duration, batchSize int) (int64, error) {
	if batchSize <= 0 {
		batchSize = 500
	}
	if retention <= 0 {
		retention = 14 * 24 * time.Hour
	}
	cutoff := time.Now().UTC().Add(-retention)

	res, err := s.db.ExecContext(ctx, `
		WITH stale AS (
			SELECT jti
			FROM auth_refresh_tokens
			WHERE expires_at < NOW() OR (revoked_at IS NOT NULL AND revoked_at < $1)
			ORDER BY created_at ASC
			LIMIT $2
		)
		DELETE FROM auth_refresh_tokens t
		USING stale
		WHERE t.jti = stale.jti
	`, cutoff, batchSize)
	if err != nil {
		return 0, fmt.Errorf("delete stale refresh records: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("stale refresh records rows affected: %w", err)
	}

	return affected, nil
}
