package presence

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"palaver/internal/docstore"
	"palaver/internal/models"
	"palaver/internal/msgstore"
	"palaver/internal/storage"

	"github.com/stretchr/testify/require"
)

type fakeProvider struct {
	user models.User
	err  error
}

func (p fakeProvider) SignIn(context.Context) (models.User, error) {
	return p.user, p.err
}

func newTestPresence(t *testing.T) (*Presence, *storage.BboltStorage) {
	t.Helper()
	store, err := storage.NewBboltStorage(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return New(msgstore.New(store, nil), nil), store
}

func readUser(t *testing.T, store docstore.Store, id string) models.User {
	t.Helper()
	doc, err := store.ReadOnce(context.Background(), "users/"+id)
	require.NoError(t, err)
	var u models.User
	require.NoError(t, docstore.Decode(doc, &u))
	return u
}

func TestSignIn(t *testing.T) {
	ctx := context.Background()
	p, store := newTestPresence(t)
	p.now = func() time.Time { return time.Unix(1000, 0) }

	user, err := p.SignIn(ctx, fakeProvider{user: models.User{ID: "u1", DisplayName: "A", AvatarURL: "https://example.com/a.png"}})
	require.NoError(t, err)
	require.Equal(t, "u1", user.ID)

	stored := readUser(t, store, "u1")
	require.True(t, stored.Online)
	require.Equal(t, int64(1000), stored.LastSeen)
	require.Equal(t, "https://example.com/a.png", stored.AvatarURL)

	// The offline hook fires once the process is gone.
	require.NoError(t, store.RunPendingDisconnectHooks(ctx))
	require.False(t, readUser(t, store, "u1").Online)
}

func TestSignIn_Failures(t *testing.T) {
	p, store := newTestPresence(t)

	for _, want := range []error{models.ErrAuthCancelled, models.ErrAuth} {
		_, err := p.SignIn(context.Background(), fakeProvider{err: want})
		require.ErrorIs(t, err, want)
	}

	_, err := store.ReadOnce(context.Background(), "users/u1")
	require.ErrorIs(t, err, docstore.ErrNotFound, "no presence without sign-in")
}

type unavailableStore struct {
	docstore.Store
}

func (unavailableStore) Update(context.Context, string, map[string]any) error {
	return errors.New("network down")
}

func TestTeardown(t *testing.T) {
	ctx := context.Background()
	p, store := newTestPresence(t)
	require.NoError(t, p.Register(ctx, models.User{ID: "u1", DisplayName: "A"}))

	p.Teardown(ctx, "u1")
	require.False(t, readUser(t, store, "u1").Online)

	// Best effort: failures are swallowed.
	New(msgstore.New(unavailableStore{}, nil), nil).Teardown(ctx, "u1")
}

func TestRoster(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestPresence(t)
	require.NoError(t, p.Register(ctx, models.User{ID: "u2", DisplayName: "B"}))

	roster, err := p.Watch(ctx)
	require.NoError(t, err)
	defer roster.Close()

	next := func() []models.User {
		t.Helper()
		select {
		case users, ok := <-roster.Updates():
			require.True(t, ok)
			return users
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for roster")
		}
		return nil
	}

	users := next()
	require.Len(t, users, 1)
	require.True(t, roster.Online("u2"))
	require.False(t, roster.Online("u1"))

	require.NoError(t, p.Register(ctx, models.User{ID: "u1", DisplayName: "A"}))
	users = next()
	require.Len(t, users, 2)
	require.Equal(t, "A", users[0].DisplayName)
	require.True(t, roster.Online("u1"))

	p.Teardown(ctx, "u2")
	next()
	require.False(t, roster.Online("u2"))
	u, ok := roster.User("u2")
	require.True(t, ok)
	require.Equal(t, "B", u.DisplayName)
}
