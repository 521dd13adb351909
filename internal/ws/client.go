package ws

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"

	"palaver/internal/docstore"

	"github.com/gorilla/websocket"
)

// Client is a docstore.Store served by a remote palaver server.
type Client struct {
	conn *websocket.Conn
	log  *slog.Logger

	nextID    atomic.Uint64
	writeMu   sync.Mutex
	closeOnce sync.Once

	mu      sync.Mutex
	pending map[uint64]*call
	subs    map[string]*docstore.Subscription
	err     error
	done    chan struct{}
}

type call struct {
	result chan Frame
	// sub is the local subscription of a subscribe request.
	sub *docstore.Subscription
}

var (
	_ docstore.Store        = (*Client)(nil)
	_ docstore.Disconnecter = (*Client)(nil)
)

// Dial connects to the store endpoint at url, e.g. ws://host/api/store,
// authenticating with token.
func Dial(ctx context.Context, url, token string, log *slog.Logger) (*Client, error) {
	if log == nil {
		log = slog.Default()
	}
	header := http.Header{}
	header.Set(TokenHeader, token)

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, fmt.Errorf("failed to connect to store: unauthorized")
		}
		return nil, fmt.Errorf("failed to connect to store: %w", err)
	}

	c := &Client{
		conn:    conn,
		log:     log,
		pending: make(map[uint64]*call),
		subs:    make(map[string]*docstore.Subscription),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Close disconnects. The server then applies the registered disconnect
// hooks. It is safe to call more than once.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.conn.WriteMessage(websocket.CloseMessage, msg)
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	<-c.done
	return err
}

// Done is closed once the connection is gone.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) readLoop() {
	var err error
	for {
		var data []byte
		_, data, err = c.conn.ReadMessage()
		if err != nil {
			break
		}
		var f Frame
		if err = decodeFrame(data, &f); err != nil {
			err = fmt.Errorf("malformed frame: %w", err)
			break
		}
		c.dispatch(f)
	}
	c.shutdown(err)
}

func (c *Client) dispatch(f Frame) {
	switch f.Type {
	case FrameResult:
		c.mu.Lock()
		pc, ok := c.pending[f.ID]
		delete(c.pending, f.ID)
		if ok && pc.sub != nil && f.SubID != "" {
			c.subs[f.SubID] = pc.sub
		}
		c.mu.Unlock()
		if !ok {
			if f.SubID != "" {
				// The caller gave up waiting for this subscription.
				c.unsubscribeRemote(f.SubID)
			}
			return
		}
		if pc.sub != nil && f.SubID != "" {
			select {
			case <-pc.sub.Done():
				// Closed locally before the server answered.
				c.mu.Lock()
				delete(c.subs, f.SubID)
				c.mu.Unlock()
				c.unsubscribeRemote(f.SubID)
			default:
			}
		}
		pc.result <- f

	case FrameEvent:
		if f.Event == nil {
			return
		}
		c.mu.Lock()
		sub := c.subs[f.SubID]
		c.mu.Unlock()
		if sub != nil {
			sub.Push(*f.Event)
		}

	case FrameSubClosed:
		c.mu.Lock()
		sub := c.subs[f.SubID]
		delete(c.subs, f.SubID)
		c.mu.Unlock()
		if sub != nil {
			sub.CloseWithError(docstore.ErrClosed)
		}
	}
}

func (c *Client) shutdown(cause error) {
	c.mu.Lock()
	c.err = fmt.Errorf("%w: %v", docstore.ErrClosed, cause)
	pending := c.pending
	c.pending = make(map[uint64]*call)
	subs := c.subs
	c.subs = make(map[string]*docstore.Subscription)
	c.mu.Unlock()

	for _, pc := range pending {
		close(pc.result)
	}
	for _, sub := range subs {
		sub.CloseWithError(docstore.ErrClosed)
	}
	close(c.done)
}

func (c *Client) closedErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	return docstore.ErrClosed
}

func (c *Client) send(req Request) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	data, err := encodeFrame(req)
	if err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.BinaryMessage, data)
}

// roundTrip sends req and waits for its result.
func (c *Client) roundTrip(ctx context.Context, req Request, sub *docstore.Subscription) (Frame, error) {
	if err := ctx.Err(); err != nil {
		return Frame{}, err
	}

	req.ID = c.nextID.Add(1)
	pc := &call{result: make(chan Frame, 1), sub: sub}

	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return Frame{}, err
	}
	c.pending[req.ID] = pc
	c.mu.Unlock()

	if err := c.send(req); err != nil {
		c.mu.Lock()
		delete(c.pending, req.ID)
		c.mu.Unlock()
		return Frame{}, fmt.Errorf("%w: %v", docstore.ErrClosed, err)
	}

	select {
	case f, ok := <-pc.result:
		if !ok {
			return Frame{}, c.closedErr()
		}
		return f, frameError(f)
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, req.ID)
		c.mu.Unlock()
		return Frame{}, ctx.Err()
	}
}

func (c *Client) ReadOnce(ctx context.Context, path string) (docstore.Document, error) {
	f, err := c.roundTrip(ctx, Request{Op: OpRead, Path: path}, nil)
	return f.Doc, err
}

func (c *Client) Set(ctx context.Context, path string, doc docstore.Document) error {
	_, err := c.roundTrip(ctx, Request{Op: OpSet, Path: path, Doc: doc}, nil)
	return err
}

func (c *Client) Append(ctx context.Context, path string, doc docstore.Document) (string, error) {
	f, err := c.roundTrip(ctx, Request{Op: OpAppend, Path: path, Doc: doc}, nil)
	return f.Key, err
}

func (c *Client) Update(ctx context.Context, path string, fields map[string]any) error {
	_, err := c.roundTrip(ctx, Request{Op: OpUpdate, Path: path, Fields: fields}, nil)
	return err
}

func (c *Client) Remove(ctx context.Context, path string) error {
	_, err := c.roundTrip(ctx, Request{Op: OpRemove, Path: path}, nil)
	return err
}

// OnDisconnect asks the server to merge fields into path once this
// connection is gone, however it ends.
func (c *Client) OnDisconnect(ctx context.Context, path string, fields map[string]any) error {
	_, err := c.roundTrip(ctx, Request{Op: OpOnDisconnect, Path: path, Fields: fields}, nil)
	return err
}

// Subscribe watches the children of path on the server. Closing the
// subscription unsubscribes remotely.
func (c *Client) Subscribe(ctx context.Context, path string) (*docstore.Subscription, error) {
	if err := docstore.ValidatePath(path); err != nil {
		return nil, err
	}
	sub := docstore.NewSubscription(ctx, path, c.forget)
	f, err := c.roundTrip(ctx, Request{Op: OpSubscribe, Path: path}, sub)
	if err != nil {
		sub.Close()
		return nil, err
	}
	if f.SubID == "" {
		sub.Close()
		return nil, errors.New("server did not assign a subscription id")
	}
	return sub, nil
}

// forget runs when a local subscription is closed.
func (c *Client) forget(sub *docstore.Subscription) {
	c.mu.Lock()
	var remoteID string
	for id, s := range c.subs {
		if s == sub {
			remoteID = id
			delete(c.subs, id)
			break
		}
	}
	c.mu.Unlock()

	if remoteID != "" {
		c.unsubscribeRemote(remoteID)
	}
}

func (c *Client) unsubscribeRemote(subID string) {
	select {
	case <-c.done:
		return
	default:
	}
	// Fire and forget; the reader must never wait on its own result.
	go func() {
		req := Request{ID: c.nextID.Add(1), Op: OpUnsubscribe, SubID: subID}
		if err := c.send(req); err != nil {
			c.log.Debug("failed to unsubscribe", "sub_id", subID, "error", err)
		}
	}()
}
