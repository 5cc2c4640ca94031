// Package sessions keeps durable login and browser-context state with its
// own expiry. Session data is sealed before it reaches the store and bound to
// the session id, so rows cannot be swapped between sessions.
package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/autostudy/autostudy/internal/domain"
)

// Repo is the persistence the session store needs.
type Repo interface {
	domain.SessionRepository
	AppendRecoveryEvent(ctx context.Context, e *domain.RecoveryEvent) (int64, error)
}

// Sealer encrypts session data. *security.Sealer implements it.
type Sealer interface {
	Seal(plaintext, aad []byte) ([]byte, error)
	Open(sealed, aad []byte) ([]byte, error)
}

// Store saves and loads sessions.
type Store struct {
	repo   Repo
	sealer Sealer
	log    *slog.Logger
	now    func() time.Time
	ttl    time.Duration
}

// Option customizes a Store.
type Option func(*Store)

// WithLogger sets the store's logger.
func WithLogger(l *slog.Logger) Option { return func(s *Store) { s.log = l } }

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(s *Store) { s.now = now } }

// WithDefaultTTL sets the expiry applied to sessions saved without one.
// Zero keeps such sessions forever.
func WithDefaultTTL(d time.Duration) Option { return func(s *Store) { s.ttl = d } }

// New creates a Store.
func New(repo Repo, sealer Sealer, opts ...Option) *Store {
	s := &Store{repo: repo, sealer: sealer, log: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With("component", "sessions")
	return s
}

// Save creates or replaces a session. Data is sealed before writing; an
// empty id gets a generated one, which is returned.
func (s *Store) Save(ctx context.Context, sess domain.Session) (string, error) {
	if sess.Owner == "" || sess.Kind == "" {
		return "", fmt.Errorf("session needs an owner and a kind")
	}
	now := s.now()
	if sess.ID == "" {
		sess.ID = uuid.NewString()
	}
	if sess.Status == "" {
		sess.Status = domain.SessionActive
	}
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	if sess.ExpiresAt.IsZero() && s.ttl > 0 {
		sess.ExpiresAt = now.Add(s.ttl)
	}
	sess.UpdatedAt = now

	if len(sess.Data) > 0 {
		sealed, err := s.sealer.Seal(sess.Data, []byte(sess.ID))
		if err != nil {
			return "", fmt.Errorf("seal session %s: %w", sess.ID, err)
		}
		sess.Data = sealed
	}
	if err := s.repo.PutSession(ctx, &sess); err != nil {
		return "", fmt.Errorf("save session %s: %w", sess.ID, err)
	}
	return sess.ID, nil
}

// Load returns a session with its data opened. An expired session fails with
// domain.ErrSessionExpired.
func (s *Store) Load(ctx context.Context, id string) (*domain.Session, error) {
	sess, err := s.repo.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess.Expired(s.now()) {
		return nil, fmt.Errorf("%w: %s expired at %s", domain.ErrSessionExpired, id, sess.ExpiresAt.Format(time.RFC3339))
	}
	if err := s.open(sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// Delete removes a session.
func (s *Store) Delete(ctx context.Context, id string) error {
	ok, err := s.repo.DeleteSession(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrSessionNotFound, id)
	}
	return nil
}

// Revoke marks a session revoked without deleting it.
func (s *Store) Revoke(ctx context.Context, id string) error {
	sess, err := s.repo.GetSession(ctx, id)
	if err != nil {
		return err
	}
	sess.Status = domain.SessionRevoked
	sess.UpdatedAt = s.now()
	return s.repo.PutSession(ctx, sess)
}

// Active lists the owner's active, unexpired sessions with data opened. An
// empty owner lists every owner's. Sessions whose data no longer opens, for
// example after the key changed, are skipped and logged.
func (s *Store) Active(ctx context.Context, owner string) ([]domain.Session, error) {
	list, err := s.repo.ActiveSessions(ctx, owner, s.now())
	if err != nil {
		return nil, err
	}
	out := list[:0]
	for i := range list {
		if err := s.open(&list[i]); err != nil {
			s.log.Warn("skipping unreadable session", "session_id", list[i].ID, "error", err)
			continue
		}
		out = append(out, list[i])
	}
	return out, nil
}

// CleanupExpired deletes expired sessions and records how many were removed.
func (s *Store) CleanupExpired(ctx context.Context) (int, error) {
	now := s.now()
	n, err := s.repo.DeleteExpiredSessions(ctx, now)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}
	details, _ := json.Marshal(map[string]int{"removed": n})
	if _, err := s.repo.AppendRecoveryEvent(ctx, &domain.RecoveryEvent{
		Type: domain.RecoverySessionLoss, Status: domain.EventCompleted,
		Details: details, CreatedAt: now,
	}); err != nil {
		s.log.Warn("record session cleanup", "error", err)
	}
	s.log.Info("expired sessions removed", "count", n)
	return n, nil
}

func (s *Store) open(sess *domain.Session) error {
	if len(sess.Data) == 0 {
		return nil
	}
	plain, err := s.sealer.Open(sess.Data, []byte(sess.ID))
	if err != nil {
		return fmt.Errorf("open session %s: %w", sess.ID, errors.Join(domain.ErrIntegrity, err))
	}
	sess.Data = plain
	return nil
}
