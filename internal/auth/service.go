package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"clinic-api/internal/audit"
)

const (
	defaultRefreshTTL     = 7 * 24 * time.Hour
	defaultRefreshTimeout = 5 * time.Second
	defaultMaxAttempts    = 5
	defaultLockWindow     = 15 * time.Minute
)

// Service runs the rotation protocol: a refresh credential is exchanged for
// a new access/refresh pair exactly once, through a single atomic store
// operation.
type Service struct {
	store          RefreshStore
	users          UserStore
	signer         *Signer
	audit          audit.Sink
	refreshTTL     time.Duration
	refreshTimeout time.Duration
	maxAttempts    int
	lockDuration   time.Duration
}

func NewService(store RefreshStore, users UserStore, signer *Signer, sink audit.Sink) *Service {
	if sink == nil {
		sink = audit.NopSink{}
	}
	return &Service{
		store:          store,
		users:          users,
		signer:         signer,
		audit:          sink,
		refreshTTL:     defaultRefreshTTL,
		refreshTimeout: defaultRefreshTimeout,
		maxAttempts:    defaultMaxAttempts,
		lockDuration:   defaultLockWindow,
	}
}

func (s *Service) WithSecurityConfig(maxAttempts int, lockDuration, refreshTTL, refreshTimeout time.Duration) {
	if maxAttempts > 0 {
		s.maxAttempts = maxAttempts
	}
	if lockDuration > 0 {
		s.lockDuration = lockDuration
	}
	if refreshTTL > 0 {
		s.refreshTTL = refreshTTL
	}
	if refreshTimeout > 0 {
		s.refreshTimeout = refreshTimeout
	}
}

func (s *Service) Login(ctx context.Context, username, password string) (Tokens, error) {
	username = strings.TrimSpace(strings.ToLower(username))
	password = strings.TrimSpace(password)

	if username == "" || password == "" {
		return Tokens{}, ErrInvalidCredentials
	}

	now := time.Now().UTC()
	attempt, err := s.users.GetLoginAttempt(ctx, username)
	if err != nil {
		return Tokens{}, err
	}
	if attempt.LockedUntil != nil && now.Before(*attempt.LockedUntil) {
		return Tokens{}, ErrLoginLocked{Until: *attempt.LockedUntil}
	}

	user, err := s.users.GetByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Tokens{}, s.failLogin(ctx, username, now)
		}
		return Tokens{}, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return Tokens{}, s.failLogin(ctx, username, now)
	}

	if err := s.users.ResetLoginAttempt(ctx, username); err != nil {
		return Tokens{}, err
	}

	tokens, record, err := s.issueTokens(ctx, user)
	if err != nil {
		return Tokens{}, err
	}

	s.audit.Record(ctx, audit.Event{
		SubjectID: user.ID,
		JTI:       record.JTI,
		Action:    audit.ActionLogin,
		Outcome:   audit.OutcomeOK,
	})

	return tokens, nil
}

func (s *Service) failLogin(ctx context.Context, username string, now time.Time) error {
	lockedUntil, err := s.users.RegisterFailedAttempt(ctx, username, s.maxAttempts, s.lockDuration, now)
	if err != nil {
		return err
	}
	if lockedUntil != nil {
		return ErrLoginLocked{Until: *lockedUntil}
	}
	return ErrInvalidCredentials
}

// Refresh rotates the presented refresh credential and mints a new pair.
// The exchange carries a bounded deadline; hitting it surfaces
// ErrRefreshTimeout rather than ErrRefreshInvalid, so callers retry instead
// of forcing a re-login. A replayed, already-rotated credential revokes its
// whole chain.
func (s *Service) Refresh(ctx context.Context, rawRefresh string) (Tokens, error) {
	rawRefresh = strings.TrimSpace(rawRefresh)
	if rawRefresh == "" {
		return Tokens{}, ErrRefreshInvalid
	}

	ctx, cancel := context.WithTimeout(ctx, s.refreshTimeout)
	defer cancel()

	rawNext, err := NewRefreshSecret()
	if err != nil {
		return Tokens{}, fmt.Errorf("generate successor secret: %w", err)
	}

	record, err := s.store.Rotate(ctx, rawRefresh, rawNext, time.Now().UTC().Add(s.refreshTTL))
	if err != nil {
		return Tokens{}, s.classifyRotateFailure(ctx, rawRefresh, err)
	}

	user, err := s.users.GetByID(ctx, record.SubjectID)
	if err != nil {
		return Tokens{}, s.storeFailure(ctx, record, err)
	}

	access, _, err := s.signer.Issue(user.ID, user.Role)
	if err != nil {
		return Tokens{}, fmt.Errorf("issue access credential: %w", err)
	}

	s.audit.Record(ctx, audit.Event{
		SubjectID: record.SubjectID,
		JTI:       record.JTI,
		Action:    audit.ActionRotate,
		Outcome:   audit.OutcomeOK,
	})

	return Tokens{
		AccessToken:  access,
		RefreshToken: rawNext,
		TokenType:    "Bearer",
		ExpiresIn:    int64(s.signer.TTL().Seconds()),
	}, nil
}

func (s *Service) classifyRotateFailure(ctx context.Context, rawRefresh string, err error) error {
	switch {
	case errors.Is(err, ErrRefreshReused):
		// Theft mitigation: the replayed credential proves its chain leaked,
		// so every live descendant is revoked and the caller must log in
		// again.
		revokeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.refreshTimeout)
		defer cancel()
		if _, revokeErr := s.store.RevokeChain(revokeCtx, rawRefresh); revokeErr != nil {
			s.audit.Record(ctx, audit.Event{
				Action:  audit.ActionReuse,
				Outcome: audit.OutcomeDenied,
				Detail:  "chain revocation failed: " + revokeErr.Error(),
			})
			return err
		}
		s.audit.Record(ctx, audit.Event{
			Action:  audit.ActionReuse,
			Outcome: audit.OutcomeDenied,
			Detail:  "chain revoked",
		})
		return err
	case errors.Is(err, ErrRefreshRevoked), errors.Is(err, ErrRefreshInvalid):
		s.audit.Record(ctx, audit.Event{
			Action:  audit.ActionRotate,
			Outcome: audit.OutcomeDenied,
			Detail:  err.Error(),
		})
		return err
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return fmt.Errorf("%w: %v", ErrRefreshTimeout, err)
	default:
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
}

func (s *Service) storeFailure(ctx context.Context, record RefreshRecord, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrRefreshTimeout, err)
	}
	s.audit.Record(ctx, audit.Event{
		SubjectID: record.SubjectID,
		JTI:       record.JTI,
		Action:    audit.ActionRotate,
		Outcome:   audit.OutcomeDenied,
		Detail:    err.Error(),
	})
	return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
}

// Logout revokes the presented chain link only; earlier history is already
// terminal and other device chains are untouched.
func (s *Service) Logout(ctx context.Context, rawRefresh string) error {
	rawRefresh = strings.TrimSpace(rawRefresh)
	if rawRefresh == "" {
		return ErrRefreshInvalid
	}

	if err := s.store.RevokeByToken(ctx, rawRefresh); err != nil {
		if errors.Is(err, ErrRefreshInvalid) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	s.audit.Record(ctx, audit.Event{
		Action:  audit.ActionRevoke,
		Outcome: audit.OutcomeOK,
		Detail:  "logout",
	})

	return nil
}

func (s *Service) issueTokens(ctx context.Context, user User) (Tokens, RefreshRecord, error) {
	access, _, err := s.signer.Issue(user.ID, user.Role)
	if err != nil {
		return Tokens{}, RefreshRecord{}, fmt.Errorf("issue access credential: %w", err)
	}

	rawRefresh, err := NewRefreshSecret()
	if err != nil {
		return Tokens{}, RefreshRecord{}, fmt.Errorf("generate refresh secret: %w", err)
	}

	record, err := s.store.Create(ctx, user.ID, rawRefresh, time.Now().UTC().Add(s.refreshTTL))
	if err != nil {
		return Tokens{}, RefreshRecord{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	return Tokens{
		AccessToken:  access,
		RefreshToken: rawRefresh,
		TokenType:    "Bearer",
		ExpiresIn:    int64(s.signer.TTL().Seconds()),
	}, record, nil
}
