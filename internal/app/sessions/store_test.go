package sessions

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autostudy/autostudy/internal/domain"
	"github.com/autostudy/autostudy/internal/infra/sqlite"
	"github.com/autostudy/autostudy/internal/security"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newTestStore(t *testing.T, opts ...Option) (*Store, *sqlite.DB, *clock) {
	t.Helper()
	ctx := context.Background()
	db, err := sqlite.Open(ctx, t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	sealer, err := security.LoadOrCreateSealer(t.TempDir(), nil)
	require.NoError(t, err)

	c := &clock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	opts = append([]Option{WithClock(c.now)}, opts...)
	return New(db, sealer, opts...), db, c
}

func TestSaveLoad_EncryptedAtRest(t *testing.T) {
	ctx := context.Background()
	s, db, _ := newTestStore(t)

	data := []byte(`{"cookies":[{"name":"sid","value":"s3cr3t"}]}`)
	id, err := s.Save(ctx, domain.Session{Owner: "alice", Kind: "login", Data: data})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	raw, err := db.GetSession(ctx, id)
	require.NoError(t, err)
	assert.NotContains(t, string(raw.Data), "s3cr3t")

	sess, err := s.Load(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, data, sess.Data)
	assert.Equal(t, domain.SessionActive, sess.Status)
	assert.Equal(t, "alice", sess.Owner)
}

func TestSave_PreservesCreatedAt(t *testing.T) {
	ctx := context.Background()
	s, _, c := newTestStore(t)

	id, err := s.Save(ctx, domain.Session{Owner: "alice", Kind: "login"})
	require.NoError(t, err)
	first, err := s.Load(ctx, id)
	require.NoError(t, err)

	c.t = c.t.Add(time.Hour)
	_, err = s.Save(ctx, domain.Session{ID: id, Owner: "alice", Kind: "login", Data: []byte("x")})
	require.NoError(t, err)
	second, err := s.Load(ctx, id)
	require.NoError(t, err)

	assert.True(t, first.CreatedAt.Equal(second.CreatedAt))
	assert.True(t, second.UpdatedAt.After(first.UpdatedAt))
}

func TestLoad_Errors(t *testing.T) {
	ctx := context.Background()
	s, _, c := newTestStore(t)

	_, err := s.Load(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)

	id, err := s.Save(ctx, domain.Session{
		Owner: "alice", Kind: "login", ExpiresAt: c.t.Add(time.Minute),
	})
	require.NoError(t, err)
	c.t = c.t.Add(2 * time.Minute)
	_, err = s.Load(ctx, id)
	assert.ErrorIs(t, err, domain.ErrSessionExpired)

	_, err = s.Save(ctx, domain.Session{Kind: "login"})
	assert.Error(t, err)
}

func TestLoad_SwappedCiphertextFails(t *testing.T) {
	ctx := context.Background()
	s, db, _ := newTestStore(t)

	a, err := s.Save(ctx, domain.Session{Owner: "alice", Kind: "login", Data: []byte("alice-cookie")})
	require.NoError(t, err)
	b, err := s.Save(ctx, domain.Session{Owner: "bob", Kind: "login", Data: []byte("bob-cookie")})
	require.NoError(t, err)

	rowA, err := db.GetSession(ctx, a)
	require.NoError(t, err)
	rowB, err := db.GetSession(ctx, b)
	require.NoError(t, err)
	rowB.Data = rowA.Data
	require.NoError(t, db.PutSession(ctx, rowB))

	_, err = s.Load(ctx, b)
	assert.ErrorIs(t, err, domain.ErrIntegrity)
	assert.ErrorIs(t, err, security.ErrOpen)
}

func TestActiveAndRevoke(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestStore(t, WithDefaultTTL(24*time.Hour))

	a1, err := s.Save(ctx, domain.Session{Owner: "alice", Kind: "login", Data: []byte("1")})
	require.NoError(t, err)
	_, err = s.Save(ctx, domain.Session{Owner: "alice", Kind: "browser", Data: []byte("2")})
	require.NoError(t, err)
	_, err = s.Save(ctx, domain.Session{Owner: "bob", Kind: "login"})
	require.NoError(t, err)

	list, err := s.Active(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, list, 2)

	all, err := s.Active(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	require.NoError(t, s.Revoke(ctx, a1))
	list, err = s.Active(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, []byte("2"), list[0].Data)
}

func TestCleanupExpired(t *testing.T) {
	ctx := context.Background()
	s, db, c := newTestStore(t)

	_, err := s.Save(ctx, domain.Session{Owner: "a", Kind: "login", ExpiresAt: c.t.Add(time.Hour)})
	require.NoError(t, err)
	_, err = s.Save(ctx, domain.Session{Owner: "b", Kind: "login", ExpiresAt: c.t.Add(3 * time.Hour)})
	require.NoError(t, err)
	forever, err := s.Save(ctx, domain.Session{Owner: "c", Kind: "login"})
	require.NoError(t, err)

	c.t = c.t.Add(2 * time.Hour)
	n, err := s.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	c.t = c.t.Add(24 * time.Hour)
	n, err = s.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = s.Load(ctx, forever)
	assert.NoError(t, err)

	n, err = s.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	events, err := db.RecoveryEvents(ctx, time.Time{}, 0)
	require.NoError(t, err)
	assert.Len(t, events, 2)
	for _, e := range events {
		assert.Equal(t, domain.RecoverySessionLoss, e.Type)
	}
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestStore(t)
	id, err := s.Save(ctx, domain.Session{Owner: "a", Kind: "login"})
	require.NoError(t, err)

	require.NoError(t, s.Delete(ctx, id))
	assert.ErrorIs(t, s.Delete(ctx, id), domain.ErrSessionNotFound)
}
