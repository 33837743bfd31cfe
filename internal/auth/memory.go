package auth

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is a mutex-guarded RefreshStore with the same classification
// rules as PostgresStore. The single lock gives Rotate its one-winner
// guarantee. Used by tests.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*RefreshRecord
	byHash  map[string]string
	clock   func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*RefreshRecord),
		byHash:  make(map[string]string),
		clock:   time.Now,
	}
}

// WithClock overrides the clock for tests.
func (s *MemoryStore) WithClock(clock func() time.Time) *MemoryStore {
	s.clock = clock
	return s
}

func (s *MemoryStore) Create(ctx context.Context, subjectID, rawToken string, expiresAt time.Time) (RefreshRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record := RefreshRecord{
		JTI:       uuid.NewString(),
		SubjectID: subjectID,
		TokenHash: hashToken(rawToken),
		CreatedAt: s.clock().UTC(),
		ExpiresAt: expiresAt.UTC(),
	}

	s.records[record.JTI] = &record
	s.byHash[record.TokenHash] = record.JTI
	return record, nil
}

func (s *MemoryStore) Rotate(ctx context.Context, rawOld, rawNew string, newExpiresAt time.Time) (RefreshRecord, error) {
	if err := ctx.Err(); err != nil {
		return RefreshRecord{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock().UTC()

	old, ok := s.lookup(rawOld)
	if !ok {
		return RefreshRecord{}, ErrRefreshInvalid
	}
	if old.ReplacedBy != nil {
		return RefreshRecord{}, ErrRefreshReused
	}
	if old.RevokedAt != nil {
		return RefreshRecord{}, ErrRefreshRevoked
	}
	if !now.Before(old.ExpiresAt) {
		return RefreshRecord{}, ErrRefreshInvalid
	}

	successor := RefreshRecord{
		JTI:       uuid.NewString(),
		SubjectID: old.SubjectID,
		TokenHash: hashToken(rawNew),
		CreatedAt: now,
		ExpiresAt: newExpiresAt.UTC(),
	}

	s.records[successor.JTI] = &successor
	s.byHash[successor.TokenHash] = successor.JTI

	revoked := now
	old.RevokedAt = &revoked
	replacedBy := successor.JTI
	old.ReplacedBy = &replacedBy

	return successor, nil
}

func (s *MemoryStore) Revoke(ctx context.Context, jti string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[jti]
	if !ok {
		return ErrRefreshInvalid
	}
	s.revokeLocked(record)
	return nil
}

func (s *MemoryStore) RevokeByToken(ctx context.Context, rawToken string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.lookup(rawToken)
	if !ok {
		return ErrRefreshInvalid
	}
	s.revokeLocked(record)
	return nil
}

func (s *MemoryStore) RevokeChain(ctx context.Context, rawToken string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.lookup(rawToken)
	if !ok {
		return 0, nil
	}

	var revoked int64
	for record != nil {
		if record.RevokedAt == nil {
			s.revokeLocked(record)
			revoked++
		}
		if record.ReplacedBy == nil {
			break
		}
		record = s.records[*record.ReplacedBy]
	}

	return revoked, nil
}

func (s *MemoryStore) ListLive(ctx context.Context, subjectID string) ([]RefreshRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock().UTC()
	records := make([]RefreshRecord, 0)
	for _, record := range s.records {
		if record.SubjectID == subjectID && record.LiveAt(now) {
			records = append(records, *record)
		}
	}

	return records, nil
}

func (s *MemoryStore) Purge(ctx context.Context, retention time.Duration, batchSize int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if retention <= 0 {
		retention = 14 * 24 * time.Hour
	}
	now := s.clock().UTC()
	cutoff := now.Add(-retention)

	var deleted int64
	for jti, record := range s.records {
		stale := now.After(record.ExpiresAt) ||
			(record.RevokedAt != nil && record.RevokedAt.Before(cutoff))
		if !stale {
			continue
		}
		delete(s.records, jti)
		delete(s.byHash, record.TokenHash)
		deleted++
		if batchSize > 0 && deleted >= int64(batchSize) {
			break
		}
	}

	return deleted, nil
}

func (s *MemoryStore) lookup(rawToken string) (*RefreshRecord, bool) {
	jti, ok := s.byHash[hashToken(rawToken)]
	if !ok {
		return nil, false
	}
	record, ok := s.records[jti]
	return record, ok
}

func (s *MemoryStore) revokeLocked(record *RefreshRecord) {
	if record.RevokedAt != nil {
		return
	}
	revoked := s.clock().UTC()
	record.RevokedAt = &revoked
}
