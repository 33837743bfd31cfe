package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// RefreshRecord is one link of a refresh chain. A record with a non-nil
// ReplacedBy is terminal and must never rotate again.
type RefreshRecord struct {
	JTI        string
	SubjectID  string
	TokenHash  string
	CreatedAt  time.Time
	ExpiresAt  time.Time
	RevokedAt  *time.Time
	ReplacedBy *string
}

// LiveAt reports whether the record is usable for rotation at the given
// instant. Expiry is inclusive-exclusive: a record presented exactly at
// ExpiresAt is no longer live.
func (r RefreshRecord) LiveAt(now time.Time) bool {
	return r.RevokedAt == nil && r.ReplacedBy == nil && now.Before(r.ExpiresAt)
}

// RefreshStore owns all RefreshRecord mutation. Rotate and the revoke
// operations are atomic; callers never read-then-write across two calls.
type RefreshStore interface {
	// Create inserts a new live record for the subject.
	Create(ctx context.Context, subjectID, rawToken string, expiresAt time.Time) (RefreshRecord, error)

	// Rotate atomically retires the record matching rawOld and creates its
	// successor. Rejections: ErrRefreshInvalid (unknown or expired),
	// ErrRefreshReused (already rotated), ErrRefreshRevoked. Concurrent
	// rotations of the same credential produce exactly one success; the
	// loser observes ErrRefreshReused.
	Rotate(ctx context.Context, rawOld, rawNew string, newExpiresAt time.Time) (RefreshRecord, error)

	// Revoke marks one record unusable for rotation. Idempotent.
	Revoke(ctx context.Context, jti string) error

	// RevokeByToken revokes the record matching the raw credential.
	RevokeByToken(ctx context.Context, rawToken string) error

	// RevokeChain revokes the record matching the raw credential and every
	// successor reachable through ReplacedBy. Returns the number of records
	// newly revoked.
	RevokeChain(ctx context.Context, rawToken string) (int64, error)

	// ListLive returns the subject's live records, newest first.
	ListLive(ctx context.Context, subjectID string) ([]RefreshRecord, error)

	// Purge deletes expired records and records revoked longer than
	// retention ago. Hygiene only; correctness never depends on it.
	Purge(ctx context.Context, retention time.Duration, batchSize int) (int64, error)
}

const refreshSecretBytes = 48

// NewRefreshSecret returns an opaque, unguessable refresh credential. Clients
// never introspect it; only its hash is persisted.
func NewRefreshSecret() (string, error) {
	b := make([]byte, refreshSecretBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func hashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
