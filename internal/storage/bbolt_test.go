package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"palaver/internal/auth"
	"palaver/internal/docstore"
	"palaver/internal/models"

	"github.com/stretchr/testify/require"
)

func newTestStorage(t *testing.T) *BboltStorage {
	t.Helper()
	store, err := NewBboltStorage(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func nextEvent(t *testing.T, sub *docstore.Subscription) docstore.Event {
	t.Helper()
	select {
	case ev, ok := <-sub.Events():
		require.True(t, ok, "subscription closed")
		return ev
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
	return docstore.Event{}
}

func encode(t *testing.T, v any) docstore.Document {
	t.Helper()
	doc, err := docstore.Encode(v)
	require.NoError(t, err)
	return doc
}

func TestStorage(t *testing.T) {
	ctx := context.Background()
	store := newTestStorage(t)

	t.Run("Credentials", func(t *testing.T) {
		creds := auth.UserCredentials{
			User: models.User{
				ID:          "user1",
				DisplayName: "Alice",
			},
			UserName:     "alice",
			PasswordHash: "hash",
		}
		require.NoError(t, store.UpsertCredentials(creds))

		list, err := store.ListCredentials()
		require.NoError(t, err)
		require.Len(t, list, 1)
		require.Equal(t, "user1", list[0].ID)
		require.Equal(t, "alice", list[0].UserName)
		require.Equal(t, "hash", list[0].PasswordHash)
	})

	t.Run("SetReadUpdate", func(t *testing.T) {
		path := "users/u1"
		require.NoError(t, store.Set(ctx, path, encode(t, models.User{ID: "u1", DisplayName: "A"})))
		require.NoError(t, store.Update(ctx, path, map[string]any{"online": true}))

		doc, err := store.ReadOnce(ctx, path)
		require.NoError(t, err)
		var u models.User
		require.NoError(t, docstore.Decode(doc, &u))
		require.Equal(t, "A", u.DisplayName)
		require.True(t, u.Online)

		_, err = store.ReadOnce(ctx, "users/missing")
		require.ErrorIs(t, err, docstore.ErrNotFound)
		require.ErrorIs(t, store.Update(ctx, "users/missing", map[string]any{"online": true}), docstore.ErrNotFound)
	})

	t.Run("InvalidPath", func(t *testing.T) {
		_, err := store.ReadOnce(ctx, "")
		require.ErrorIs(t, err, docstore.ErrInvalidPath)
		require.ErrorIs(t, store.Set(ctx, "a//b", nil), docstore.ErrInvalidPath)
	})

	t.Run("AppendOrder", func(t *testing.T) {
		var keys []string
		for i := 0; i < 20; i++ {
			key, err := store.Append(ctx, "chats/a_b", encode(t, map[string]any{"n": i}))
			require.NoError(t, err)
			keys = append(keys, key)
		}
		for i := 1; i < len(keys); i++ {
			require.Less(t, keys[i-1], keys[i], "keys must sort in insertion order")
		}

		sub, err := store.Subscribe(ctx, "chats/a_b")
		require.NoError(t, err)
		defer sub.Close()

		snap := nextEvent(t, sub)
		require.Equal(t, docstore.EventSnapshot, snap.Kind)
		require.Len(t, snap.Children, 20)
		for i, c := range snap.Children {
			require.Equal(t, keys[i], c.Key)
		}
	})

	t.Run("SubscriptionEvents", func(t *testing.T) {
		sub, err := store.Subscribe(ctx, "chats/c_d")
		require.NoError(t, err)
		defer sub.Close()

		snap := nextEvent(t, sub)
		require.Equal(t, docstore.EventSnapshot, snap.Kind)
		require.Empty(t, snap.Children)

		key, err := store.Append(ctx, "chats/c_d", encode(t, map[string]any{"status": "sent"}))
		require.NoError(t, err)
		require.NoError(t, store.Update(ctx, "chats/c_d/"+key, map[string]any{"status": "delivered"}))
		require.NoError(t, store.Remove(ctx, "chats/c_d/"+key))

		// A write to another path must not leak into this subscription.
		_, err = store.Append(ctx, "chats/other", encode(t, map[string]any{}))
		require.NoError(t, err)

		ev := nextEvent(t, sub)
		require.Equal(t, docstore.EventInserted, ev.Kind)
		require.Equal(t, key, ev.Key)

		ev = nextEvent(t, sub)
		require.Equal(t, docstore.EventUpdated, ev.Kind)
		var fields map[string]any
		require.NoError(t, docstore.Decode(ev.Doc, &fields))
		require.Equal(t, "delivered", fields["status"])

		ev = nextEvent(t, sub)
		require.Equal(t, docstore.EventRemoved, ev.Kind)
		require.Equal(t, key, ev.Key)

		select {
		case ev := <-sub.Events():
			t.Fatalf("unexpected event %+v", ev)
		case <-time.After(50 * time.Millisecond):
		}
	})

	t.Run("NestedChildrenIgnored", func(t *testing.T) {
		require.NoError(t, store.Set(ctx, "groups/g1", encode(t, models.Group{ID: "g1", Name: "G"})))
		_, err := store.Append(ctx, "groups/g1/chats", encode(t, map[string]any{}))
		require.NoError(t, err)

		sub, err := store.Subscribe(ctx, "groups")
		require.NoError(t, err)
		defer sub.Close()

		snap := nextEvent(t, sub)
		require.Len(t, snap.Children, 1)
		require.Equal(t, "g1", snap.Children[0].Key)
	})

	t.Run("RemoveSubtree", func(t *testing.T) {
		require.NoError(t, store.Set(ctx, "groups/g2", encode(t, models.Group{ID: "g2"})))
		_, err := store.Append(ctx, "groups/g2/chats", encode(t, map[string]any{}))
		require.NoError(t, err)

		require.NoError(t, store.Remove(ctx, "groups/g2"))
		require.NoError(t, store.Remove(ctx, "groups/g2"), "remove is idempotent")

		sub, err := store.Subscribe(ctx, "groups/g2/chats")
		require.NoError(t, err)
		defer sub.Close()
		require.Empty(t, nextEvent(t, sub).Children)
	})

	t.Run("UnsubscribeIdempotent", func(t *testing.T) {
		sub, err := store.Subscribe(ctx, "typing/x")
		require.NoError(t, err)
		sub.Close()
		sub.Close()

		for range sub.Events() {
		}

		store.mu.Lock()
		_, ok := store.subs["typing/x"]
		store.mu.Unlock()
		require.False(t, ok)
	})

	t.Run("ContextCancel", func(t *testing.T) {
		subCtx, cancel := context.WithCancel(ctx)
		sub, err := store.Subscribe(subCtx, "typing/y")
		require.NoError(t, err)
		cancel()

		require.Eventually(t, func() bool {
			store.mu.Lock()
			defer store.mu.Unlock()
			_, ok := store.subs["typing/y"]
			return !ok
		}, time.Second, 10*time.Millisecond)
		require.NoError(t, sub.Err())
	})
}

func TestUpdate_StatusNeverMovesBackwards(t *testing.T) {
	ctx := context.Background()
	store := newTestStorage(t)

	tests := []struct {
		name   string
		stored models.MessageStatus
		write  any
		want   models.MessageStatus
	}{
		{"Sent to delivered", models.StatusSent, models.StatusDelivered, models.StatusDelivered},
		{"Delivered to seen", models.StatusDelivered, models.StatusSeen, models.StatusSeen},
		{"Seen keeps late delivered out", models.StatusSeen, models.StatusDelivered, models.StatusSeen},
		{"Seen keeps sent out", models.StatusSeen, "sent", models.StatusSeen},
		{"Delivered keeps sent out", models.StatusDelivered, models.StatusSent, models.StatusDelivered},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := "hi"
			key, err := store.Append(ctx, "chats/c1", encode(t, models.Message{SenderID: "u1", Body: &body, Status: tt.stored}))
			require.NoError(t, err)
			path := docstore.Join("chats/c1", key)

			require.NoError(t, store.Update(ctx, path, map[string]any{"status": tt.write, "senderDisplayName": "A"}))

			doc, err := store.ReadOnce(ctx, path)
			require.NoError(t, err)
			var msg models.Message
			require.NoError(t, docstore.Decode(doc, &msg))
			require.Equal(t, tt.want, msg.Status)
			require.Equal(t, "A", msg.SenderDisplayName)
			require.Equal(t, "hi", msg.Text())
		})
	}
}

func TestDisconnectHooks(t *testing.T) {
	ctx := context.Background()
	store := newTestStorage(t)

	require.NoError(t, store.Set(ctx, "users/u1", encode(t, models.User{ID: "u1", Online: true})))
	require.NoError(t, store.Set(ctx, "users/u2", encode(t, models.User{ID: "u2", Online: true})))

	require.NoError(t, store.AddDisconnectHook("conn1", "users/u1", map[string]any{"online": false}))
	require.NoError(t, store.AddDisconnectHook("conn2", "users/u2", map[string]any{"online": false}))
	require.NoError(t, store.AddDisconnectHook("conn1", "users/gone", map[string]any{"online": false}))

	require.NoError(t, store.RunDisconnectHooks(ctx, "conn1"))

	read := func(path string) models.User {
		doc, err := store.ReadOnce(ctx, path)
		require.NoError(t, err)
		var u models.User
		require.NoError(t, docstore.Decode(doc, &u))
		return u
	}
	require.False(t, read("users/u1").Online)
	require.True(t, read("users/u2").Online)

	// Hooks run once.
	require.NoError(t, store.Set(ctx, "users/u1", encode(t, models.User{ID: "u1", Online: true})))
	require.NoError(t, store.RunDisconnectHooks(ctx, "conn1"))
	require.True(t, read("users/u1").Online)

	require.NoError(t, store.RunPendingDisconnectHooks(ctx))
	require.False(t, read("users/u2").Online)
}

func TestOnDisconnect_AppliedOnRestart(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "restart.db")

	store, err := NewBboltStorage(path)
	require.NoError(t, err)
	require.NoError(t, store.Set(ctx, "users/u1", encode(t, models.User{ID: "u1", Online: true})))
	require.NoError(t, store.OnDisconnect(ctx, "users/u1", map[string]any{"online": false}))
	require.NoError(t, store.Close())

	store, err = NewBboltStorage(path)
	require.NoError(t, err)
	defer store.Close()
	require.NoError(t, store.RunPendingDisconnectHooks(ctx))

	doc, err := store.ReadOnce(ctx, "users/u1")
	require.NoError(t, err)
	var u models.User
	require.NoError(t, docstore.Decode(doc, &u))
	require.False(t, u.Online)
}
