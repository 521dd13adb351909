package docstore

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestValidatePath(t *testing.T) {
	tests := []struct {
		path  string
		valid bool
	}{
		{"users", true},
		{"chats/u1_u2/0001", true},
		{"", false},
		{"/users", false},
		{"users/", false},
		{"chats//x", false},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			err := ValidatePath(tt.path)
			if tt.valid {
				require.NoError(t, err)
			} else {
				require.ErrorIs(t, err, ErrInvalidPath)
			}
		})
	}
}

func TestJoinSplitIsChild(t *testing.T) {
	path := Join("groups", "g1", "chats", "0007")
	require.Equal(t, "groups/g1/chats/0007", path)

	parent, key := Split(path)
	require.Equal(t, "groups/g1/chats", parent)
	require.Equal(t, "0007", key)

	parent, key = Split("users")
	require.Empty(t, parent)
	require.Equal(t, "users", key)

	require.True(t, IsChild("groups/g1/chats", path))
	require.False(t, IsChild("groups", path))
	require.False(t, IsChild("groups/g1/chat", "groups/g1/chats/0007"))
}

func TestMerge(t *testing.T) {
	type doc struct {
		Status string `msgpack:"status"`
		Body   string `msgpack:"body"`
	}
	orig, err := Encode(doc{Status: "sent", Body: "hi"})
	require.NoError(t, err)

	merged, err := Merge(orig, map[string]any{"status": "seen"})
	require.NoError(t, err)

	var got doc
	require.NoError(t, Decode(merged, &got))
	require.Equal(t, doc{Status: "seen", Body: "hi"}, got)

	fresh, err := Merge(nil, map[string]any{"body": "x"})
	require.NoError(t, err)
	require.NoError(t, Decode(fresh, &got))
	require.Equal(t, "x", got.Body)
}

func TestSubscription_QueuesWithoutBlocking(t *testing.T) {
	sub := NewSubscription(context.Background(), "chats/c", nil)
	defer sub.Close()

	// Nobody reads yet; pushes must not block.
	for i := 0; i < 1000; i++ {
		sub.Push(Event{Kind: EventInserted, Key: fmt.Sprintf("%04d", i)})
	}

	for i := 0; i < 1000; i++ {
		select {
		case ev := <-sub.Events():
			require.Equal(t, fmt.Sprintf("%04d", i), ev.Key)
		case <-time.After(time.Second):
			t.Fatalf("event %d not delivered", i)
		}
	}
}

func TestSubscription_Close(t *testing.T) {
	closed := 0
	sub := NewSubscription(context.Background(), "users", func(*Subscription) { closed++ })
	require.NotEmpty(t, sub.ID())
	require.Equal(t, "users", sub.Path())

	sub.Close()
	sub.Close()
	require.Equal(t, 1, closed)

	sub.Push(Event{Kind: EventInserted})
	_, ok := <-sub.Events()
	require.False(t, ok)
	require.NoError(t, sub.Err())
}

func TestSubscription_ContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	sub := NewSubscription(ctx, "users", nil)
	cancel()

	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatal("subscription not closed on cancel")
	}

	sub2 := NewSubscription(context.Background(), "users", nil)
	sub2.CloseWithError(ErrClosed)
	require.ErrorIs(t, sub2.Err(), ErrClosed)
}
