package ws_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"palaver/internal/client"
	"palaver/internal/docstore"
	"palaver/internal/models"
	"palaver/internal/storage"
	"palaver/internal/ws"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

type tokenAuth map[string]string

func (a tokenAuth) GetUserID(token string) (string, error) {
	id, ok := a[token]
	if !ok {
		return "", models.ErrAuth
	}
	return id, nil
}

type testServer struct {
	store *storage.BboltStorage
	url   string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	store, err := storage.NewBboltStorage(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)

	srv := ws.NewServer(tokenAuth{"token-a": "u1", "token-b": "u2"}, store, nil)
	httpSrv := httptest.NewServer(http.HandlerFunc(srv.HandleConnections))
	t.Cleanup(func() {
		httpSrv.Close()
		_ = store.Close()
	})

	return &testServer{
		store: store,
		url:   "ws" + strings.TrimPrefix(httpSrv.URL, "http"),
	}
}

func (s *testServer) dial(t *testing.T, token string) *ws.Client {
	t.Helper()
	c, err := ws.Dial(context.Background(), s.url, token, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func nextEvent(t *testing.T, sub *docstore.Subscription) docstore.Event {
	t.Helper()
	select {
	case ev, ok := <-sub.Events():
		require.True(t, ok, "subscription closed: %v", sub.Err())
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for event")
	}
	return docstore.Event{}
}

func TestClient_Store(t *testing.T) {
	ctx := context.Background()
	srv := newTestServer(t)
	c := srv.dial(t, "token-a")

	sub, err := c.Subscribe(ctx, "chats/c")
	require.NoError(t, err)
	require.Equal(t, docstore.EventSnapshot, nextEvent(t, sub).Kind)

	doc, err := docstore.Encode(models.NewTextMessage(models.User{ID: "u1"}, "hello", 1))
	require.NoError(t, err)
	key, err := c.Append(ctx, "chats/c", doc)
	require.NoError(t, err)

	ev := nextEvent(t, sub)
	require.Equal(t, docstore.EventInserted, ev.Kind)
	require.Equal(t, key, ev.Key)

	path := docstore.Join("chats/c", key)
	require.NoError(t, c.Update(ctx, path, map[string]any{"status": string(models.StatusDelivered)}))
	ev = nextEvent(t, sub)
	require.Equal(t, docstore.EventUpdated, ev.Kind)

	got, err := c.ReadOnce(ctx, path)
	require.NoError(t, err)
	var msg models.Message
	require.NoError(t, docstore.Decode(got, &msg))
	require.Equal(t, models.StatusDelivered, msg.Status)

	require.NoError(t, c.Remove(ctx, path))
	require.Equal(t, docstore.EventRemoved, nextEvent(t, sub).Kind)

	_, err = c.ReadOnce(ctx, path)
	require.ErrorIs(t, err, docstore.ErrNotFound)

	_, err = c.ReadOnce(ctx, "chats//x")
	require.ErrorIs(t, err, docstore.ErrInvalidPath)

	sub.Close()
	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatal("subscription not closed")
	}
}

func TestClient_Forbidden(t *testing.T) {
	ctx := context.Background()
	srv := newTestServer(t)
	c := srv.dial(t, "token-a")

	doc, err := docstore.Encode(models.User{ID: "u2", DisplayName: "Mallory"})
	require.NoError(t, err)
	err = c.Set(ctx, "users/u2", doc)
	require.ErrorIs(t, err, models.ErrForbidden)

	_, err = srv.store.ReadOnce(ctx, "users/u2")
	require.ErrorIs(t, err, docstore.ErrNotFound)
}

func TestClient_Unauthorized(t *testing.T) {
	srv := newTestServer(t)
	_, err := ws.Dial(context.Background(), srv.url, "wrong", nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "unauthorized")
}

func TestHandleConnections_TokenSources(t *testing.T) {
	srv := newTestServer(t)

	tests := []struct {
		name   string
		header http.Header
		status int
	}{
		{"Header", http.Header{ws.TokenHeader: {"token-a"}}, http.StatusSwitchingProtocols},
		{"Cookie", http.Header{"Cookie": {ws.TokenHeader + "=token-b"}}, http.StatusSwitchingProtocols},
		{"Header wins", http.Header{ws.TokenHeader: {"token-a"}, "Cookie": {ws.TokenHeader + "=wrong"}}, http.StatusSwitchingProtocols},
		{"Bad cookie", http.Header{"Cookie": {ws.TokenHeader + "=wrong"}}, http.StatusUnauthorized},
		{"Missing", http.Header{}, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn, resp, err := websocket.DefaultDialer.Dial(srv.url, tt.header)
			require.NotNil(t, resp)
			require.Equal(t, tt.status, resp.StatusCode)
			if tt.status == http.StatusSwitchingProtocols {
				require.NoError(t, err)
				_ = conn.Close()
			} else {
				require.Error(t, err)
			}
		})
	}
}

func TestClient_OnDisconnect(t *testing.T) {
	ctx := context.Background()
	srv := newTestServer(t)

	doc, err := docstore.Encode(models.User{ID: "u1", Online: true})
	require.NoError(t, err)
	require.NoError(t, srv.store.Set(ctx, "users/u1", doc))

	c, err := ws.Dial(ctx, srv.url, "token-a", nil)
	require.NoError(t, err)
	require.NoError(t, c.OnDisconnect(ctx, "users/u1", map[string]any{"online": false}))
	require.NoError(t, c.Close())

	require.Eventually(t, func() bool {
		doc, err := srv.store.ReadOnce(ctx, "users/u1")
		if err != nil {
			return false
		}
		var u models.User
		return docstore.Decode(doc, &u) == nil && !u.Online
	}, 2*time.Second, 10*time.Millisecond)

	_, err = c.ReadOnce(ctx, "users/u1")
	require.ErrorIs(t, err, docstore.ErrClosed)
}

func TestClient_Sessions(t *testing.T) {
	ctx := context.Background()
	srv := newTestServer(t)

	userA := models.User{ID: "u1", DisplayName: "A"}
	userB := models.User{ID: "u2", DisplayName: "B"}
	a := client.New(srv.dial(t, "token-a"), userA, client.Options{})
	b := client.New(srv.dial(t, "token-b"), userB, client.Options{})
	t.Cleanup(func() {
		a.Close(ctx)
		b.Close(ctx)
	})

	require.NoError(t, a.Open(ctx, a.Direct(userB)))
	require.NoError(t, b.Open(ctx, b.Direct(userA)))

	sent, err := a.Send(ctx, "over the wire")
	require.NoError(t, err)
	require.Equal(t, models.StatusDelivered, sent.Status)

	waitSeen := func(s *client.Session) {
		t.Helper()
		timeout := time.After(3 * time.Second)
		for {
			select {
			case u := <-s.Updates():
				for _, m := range u.Messages {
					if m.Key == sent.Key && m.Status == models.StatusSeen {
						return
					}
				}
			case <-timeout:
				t.Fatal("message never reached Seen")
			}
		}
	}
	waitSeen(b)
	waitSeen(a)

	require.NoError(t, b.Typing(ctx))
	timeout := time.After(3 * time.Second)
	for {
		select {
		case u := <-a.Updates():
			if u.SomeoneTyping {
				return
			}
		case <-timeout:
			t.Fatal("typing never observed")
		}
	}
}
