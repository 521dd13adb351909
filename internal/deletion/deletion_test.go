package deletion

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"palaver/internal/docstore"
	"palaver/internal/models"
	"palaver/internal/msgstore"
	"palaver/internal/storage"
	"palaver/internal/view"

	"github.com/stretchr/testify/require"
)

const chatPath = "chats/u1_u2"

var (
	userA = models.User{ID: "u1", DisplayName: "A"}
	userB = models.User{ID: "u2", DisplayName: "B"}
)

type participant struct {
	view *view.View
	feed *msgstore.Feed[models.Message]
}

func join(t *testing.T, adapter *msgstore.Adapter) *participant {
	t.Helper()
	feed, err := adapter.SubscribeMessages(context.Background(), chatPath)
	require.NoError(t, err)
	t.Cleanup(feed.Close)
	p := &participant{view: view.New(0), feed: feed}
	p.next(t)
	return p
}

func (p *participant) next(t *testing.T) {
	t.Helper()
	select {
	case change := <-p.feed.Changes():
		p.view.Apply(change)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for change")
	}
}

func newTestAdapter(t *testing.T) (*msgstore.Adapter, *storage.BboltStorage) {
	t.Helper()
	store, err := storage.NewBboltStorage(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return msgstore.New(store, nil), store
}

func TestParseAuthorization(t *testing.T) {
	tests := []struct {
		in      string
		want    Authorization
		wantErr bool
	}{
		{"", AnyParticipant, false},
		{"any", AnyParticipant, false},
		{" Sender ", SenderOnly, false},
		{"owner", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseAuthorization(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestForMe(t *testing.T) {
	ctx := context.Background()
	adapter, store := newTestAdapter(t)
	key, err := adapter.AppendMessage(ctx, chatPath, models.NewTextMessage(userB, "secret", 1))
	require.NoError(t, err)

	a := join(t, adapter)
	b := join(t, adapter)
	policy := NewPolicy(adapter, "", nil)

	require.True(t, policy.ForMe(a.view, key))
	require.Equal(t, 0, a.view.Len())
	require.Equal(t, 1, b.view.Len())

	_, err = store.ReadOnce(ctx, docstore.Join(chatPath, key))
	require.NoError(t, err, "store entry is untouched")

	// A later snapshot, as after reopening the subscription, keeps it hidden.
	feed, err := adapter.SubscribeMessages(ctx, chatPath)
	require.NoError(t, err)
	defer feed.Close()
	a.view.Apply(<-feed.Changes())
	require.Equal(t, 0, a.view.Len())
}

func TestForEveryone(t *testing.T) {
	ctx := context.Background()
	adapter, store := newTestAdapter(t)
	key, err := adapter.AppendMessage(ctx, chatPath, models.NewTextMessage(userB, "oops", 1))
	require.NoError(t, err)

	a := join(t, adapter)
	b := join(t, adapter)
	msg, ok := a.view.Get(key)
	require.True(t, ok)

	// A removes B's message; both views drop it through their subscriptions.
	require.NoError(t, NewPolicy(adapter, AnyParticipant, nil).ForEveryone(ctx, chatPath, msg.Message, userA.ID))
	require.Equal(t, 1, a.view.Len(), "the deleter's view changes only via the subscription")
	a.next(t)
	b.next(t)
	require.Equal(t, 0, a.view.Len())
	require.Equal(t, 0, b.view.Len())

	_, err = store.ReadOnce(ctx, docstore.Join(chatPath, key))
	require.ErrorIs(t, err, docstore.ErrNotFound)
}

func TestForEveryone_SenderOnly(t *testing.T) {
	ctx := context.Background()
	adapter, store := newTestAdapter(t)
	policy := NewPolicy(adapter, SenderOnly, nil)

	key, err := adapter.AppendMessage(ctx, chatPath, models.NewTextMessage(userB, "mine", 1))
	require.NoError(t, err)
	msg := models.NewTextMessage(userB, "mine", 1)
	msg.Key = key

	err = policy.ForEveryone(ctx, chatPath, msg, userA.ID)
	require.ErrorIs(t, err, models.ErrForbidden)
	_, err = store.ReadOnce(ctx, docstore.Join(chatPath, key))
	require.NoError(t, err)

	require.NoError(t, policy.ForEveryone(ctx, chatPath, msg, userB.ID))
	_, err = store.ReadOnce(ctx, docstore.Join(chatPath, key))
	require.ErrorIs(t, err, docstore.ErrNotFound)
}
