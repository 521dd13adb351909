package ws

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"palaver/internal/docstore"
	"palaver/internal/models"
	"palaver/internal/storage"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

type mockWS struct {
	readCh  chan []byte
	writeCh chan Frame
	closeCh chan struct{}
	once    sync.Once
}

func newMockWS() *mockWS {
	return &mockWS{
		readCh:  make(chan []byte, 10),
		writeCh: make(chan Frame, 100),
		closeCh: make(chan struct{}),
	}
}

func (m *mockWS) Close() error {
	m.once.Do(func() { close(m.closeCh) })
	return nil
}

func (m *mockWS) WriteMessage(_ int, data []byte) error {
	var f Frame
	if err := decodeFrame(data, &f); err != nil {
		return err
	}
	select {
	case m.writeCh <- f:
		return nil
	case <-m.closeCh:
		return errors.New("connection closed")
	}
}

func (m *mockWS) ReadMessage() (int, []byte, error) {
	select {
	case data, ok := <-m.readCh:
		if !ok {
			return 0, nil, &websocket.CloseError{Code: websocket.CloseNormalClosure}
		}
		return websocket.BinaryMessage, data, nil
	case <-m.closeCh:
		return 0, nil, errors.New("connection closed")
	}
}

func (m *mockWS) request(t *testing.T, req Request) {
	t.Helper()
	data, err := encodeFrame(req)
	require.NoError(t, err)
	m.readCh <- data
}

func (m *mockWS) next(t *testing.T) Frame {
	t.Helper()
	select {
	case f := <-m.writeCh:
		return f
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for frame")
	}
	return Frame{}
}

func newTestStorage(t *testing.T) *storage.BboltStorage {
	t.Helper()
	store, err := storage.NewBboltStorage(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func encode(t *testing.T, v any) docstore.Document {
	t.Helper()
	doc, err := docstore.Encode(v)
	require.NoError(t, err)
	return doc
}

func startConnection(t *testing.T, store Backend, limiter *rate.Limiter) (*mockWS, *Connection, chan error) {
	t.Helper()
	ws := newMockWS()
	conn := NewConnection(store, ws, "u1", limiter, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	errCh := make(chan error, 1)
	go func() { errCh <- conn.Handle(ctx) }()
	return ws, conn, errCh
}

func TestConnection_Requests(t *testing.T) {
	store := newTestStorage(t)
	ws, _, _ := startConnection(t, store, nil)

	ws.request(t, Request{ID: 1, Op: OpSubscribe, Path: "chats/c"})
	res := ws.next(t)
	require.Equal(t, FrameResult, res.Type)
	require.Equal(t, uint64(1), res.ID)
	require.Empty(t, res.Code)
	require.NotEmpty(t, res.SubID)

	snap := ws.next(t)
	require.Equal(t, FrameEvent, snap.Type)
	require.Equal(t, res.SubID, snap.SubID)
	require.Equal(t, docstore.EventSnapshot, snap.Event.Kind)
	require.Empty(t, snap.Event.Children)

	ws.request(t, Request{ID: 2, Op: OpAppend, Path: "chats/c", Doc: encode(t, models.NewTextMessage(models.User{ID: "u1"}, "hi", 1))})
	var appended, inserted Frame
	for _, f := range []Frame{ws.next(t), ws.next(t)} {
		if f.Type == FrameResult {
			appended = f
		} else {
			inserted = f
		}
	}
	require.Equal(t, uint64(2), appended.ID)
	require.NotEmpty(t, appended.Key)
	require.Equal(t, docstore.EventInserted, inserted.Event.Kind)
	require.Equal(t, appended.Key, inserted.Event.Key)

	ws.request(t, Request{ID: 3, Op: OpRead, Path: "chats/c/" + appended.Key})
	read := ws.next(t)
	var msg models.Message
	require.NoError(t, docstore.Decode(read.Doc, &msg))
	require.Equal(t, "hi", msg.Text())

	ws.request(t, Request{ID: 4, Op: OpRead, Path: "chats/c/missing"})
	missing := ws.next(t)
	require.Equal(t, CodeNotFound, missing.Code)
	require.ErrorIs(t, frameError(missing), docstore.ErrNotFound)

	ws.request(t, Request{ID: 5, Op: OpUnsubscribe, SubID: res.SubID})
	frames := []Frame{ws.next(t), ws.next(t)}
	require.ElementsMatch(t, []FrameType{FrameResult, FrameSubClosed}, []FrameType{frames[0].Type, frames[1].Type})

	ws.request(t, Request{ID: 6, Op: "explode"})
	require.Equal(t, CodeBadRequest, ws.next(t).Code)
}

func TestConnection_Authorize(t *testing.T) {
	store := newTestStorage(t)
	ws, _, _ := startConnection(t, store, nil)

	tests := []struct {
		name string
		req  Request
		code string
	}{
		{"Own user", Request{Op: OpSet, Path: "users/u1", Doc: encode(t, models.User{ID: "u1"})}, ""},
		{"Other user", Request{Op: OpSet, Path: "users/u2", Doc: encode(t, models.User{ID: "u2"})}, CodeForbidden},
		{"Own typing", Request{Op: OpSet, Path: "typing/c/u1", Doc: encode(t, models.TypingFlag{Typing: true})}, ""},
		{"Other typing", Request{Op: OpSet, Path: "typing/c/u2", Doc: encode(t, models.TypingFlag{Typing: true})}, CodeForbidden},
		{"Other disconnect hook", Request{Op: OpOnDisconnect, Path: "users/u2", Fields: map[string]any{"online": false}}, CodeForbidden},
		{"Read other", Request{Op: OpRead, Path: "users/u1"}, ""},
		{"Messages", Request{Op: OpRemove, Path: "chats/c/0000000000000001"}, ""},
		{"Invalid path", Request{Op: OpSet, Path: "chats//x", Doc: encode(t, 1)}, CodeInvalidPath},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.req.ID = uint64(i + 1)
			ws.request(t, tt.req)
			f := ws.next(t)
			require.Equal(t, tt.req.ID, f.ID)
			require.Equal(t, tt.code, f.Code, f.Error)
		})
	}
}

func TestConnection_RateLimit(t *testing.T) {
	store := newTestStorage(t)
	ws, _, _ := startConnection(t, store, rate.NewLimiter(rate.Every(time.Hour), 2))

	for i := 1; i <= 3; i++ {
		ws.request(t, Request{ID: uint64(i), Op: OpRead, Path: "users/u1"})
	}
	require.Equal(t, CodeNotFound, ws.next(t).Code)
	require.Equal(t, CodeNotFound, ws.next(t).Code)
	limited := ws.next(t)
	require.Equal(t, CodeRateLimited, limited.Code)
	require.ErrorIs(t, frameError(limited), ErrRateLimited)
}

func TestConnection_DisconnectHooks(t *testing.T) {
	ctx := context.Background()
	store := newTestStorage(t)
	require.NoError(t, store.Set(ctx, "users/u1", encode(t, models.User{ID: "u1", Online: true})))

	ws, _, errCh := startConnection(t, store, nil)
	ws.request(t, Request{ID: 1, Op: OpOnDisconnect, Path: "users/u1", Fields: map[string]any{"online": false}})
	require.Empty(t, ws.next(t).Code)

	doc, err := store.ReadOnce(ctx, "users/u1")
	require.NoError(t, err)
	var u models.User
	require.NoError(t, docstore.Decode(doc, &u))
	require.True(t, u.Online, "hook waits for the disconnect")

	close(ws.readCh)
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("connection did not end")
	}

	doc, err = store.ReadOnce(ctx, "users/u1")
	require.NoError(t, err)
	require.NoError(t, docstore.Decode(doc, &u))
	require.False(t, u.Online)
}

func TestConnection_ContextCancel(t *testing.T) {
	store := newTestStorage(t)
	ws := newMockWS()
	conn := NewConnection(store, ws, "u1", nil, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- conn.Handle(ctx) }()

	ws.request(t, Request{ID: 1, Op: OpSubscribe, Path: "groups"})
	ws.next(t)

	cancel()
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("connection did not stop")
	}

	select {
	case <-ws.closeCh:
	default:
		t.Error("websocket was not closed")
	}
}
