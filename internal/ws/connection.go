package ws

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"palaver/internal/docstore"
	"palaver/internal/metrics"
	"palaver/internal/models"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

type wsConnection interface {
	Close() error
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
}

// Backend is the store served to websocket clients.
type Backend interface {
	docstore.Store
	AddDisconnectHook(connID, path string, fields map[string]any) error
	RunDisconnectHooks(ctx context.Context, connID string) error
}

// Connection serves one authenticated websocket client.
type Connection struct {
	id      string
	ws      wsConnection
	store   Backend
	userID  string
	limiter *rate.Limiter
	metrics *metrics.Metrics
	log     *slog.Logger

	fromClient chan Request
	fromServer chan Frame
	errorCh    chan error

	mu   sync.Mutex
	subs map[string]*docstore.Subscription
}

func NewConnection(
	store Backend,
	ws wsConnection,
	userID string,
	limiter *rate.Limiter,
	m *metrics.Metrics,
	log *slog.Logger,
) *Connection {
	if log == nil {
		log = slog.Default()
	}
	if m == nil {
		m = metrics.New()
	}
	id := uuid.NewString()
	return &Connection{
		id:         id,
		ws:         ws,
		store:      store,
		userID:     userID,
		limiter:    limiter,
		metrics:    m,
		log:        log.With("conn_id", id, "user_id", userID),
		fromClient: make(chan Request),
		fromServer: make(chan Frame, 64),
		errorCh:    make(chan error, 2),
		subs:       make(map[string]*docstore.Subscription),
	}
}

func (c *Connection) ID() string {
	return c.id
}

// Handle runs the connection until the client goes away or ctx ends. On
// return all subscriptions are closed and the disconnect hooks registered
// by the client have been applied.
func (c *Connection) Handle(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.metrics.Connections.Inc()
	defer func() {
		c.closeSubscriptions()
		c.metrics.Connections.Dec()
		if err := c.store.RunDisconnectHooks(context.WithoutCancel(ctx), c.id); err != nil {
			c.log.Warn("failed to run disconnect hooks", "error", err)
		}
	}()

	var wg sync.WaitGroup
	wg.Go(func() {
		c.errorCh <- c.pumpMessages(ctx)
		cancel()
	})

	wg.Go(func() {
		c.errorCh <- c.mainLoop(ctx)
		cancel()
	})

	var err error
	select {
	case err = <-c.errorCh:
	case <-ctx.Done():
	}
	c.ws.Close()
	wg.Wait()
	cancel()

	if err != nil && !errors.Is(err, context.Canceled) && !isCloseError(err) {
		return err
	}
	return nil
}

func isCloseError(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived)
}

func (c *Connection) pumpMessages(ctx context.Context) error {
	for {
		kind, data, err := c.ws.ReadMessage()
		if err != nil {
			return err
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		var req Request
		if err := decodeFrame(data, &req); err != nil {
			return fmt.Errorf("malformed request: %w", err)
		}
		select {
		case c.fromClient <- req:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Connection) mainLoop(ctx context.Context) error {
	for {
		select {
		case req := <-c.fromClient:
			frame, sub := c.process(ctx, req)
			err := c.write(frame)
			if sub != nil {
				// After the result frame: the client learns the
				// subscription id before its first event.
				c.forward(ctx, sub)
			}
			if err != nil {
				return err
			}
		case frame := <-c.fromServer:
			if err := c.write(frame); err != nil {
				return err
			}
			if frame.Type == FrameEvent {
				c.metrics.Events.Inc()
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func (c *Connection) write(frame Frame) error {
	data, err := encodeFrame(frame)
	if err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.BinaryMessage, data)
}

// process executes req and returns its result frame, plus the new
// subscription for subscribe requests.
func (c *Connection) process(ctx context.Context, req Request) (Frame, *docstore.Subscription) {
	frame := Frame{Type: FrameResult, ID: req.ID}
	sub, err := c.execute(ctx, req, &frame)

	result := "ok"
	if err != nil {
		frame.Code = errorCode(err)
		frame.Error = err.Error()
		result = frame.Code
		if frame.Code == CodeInternal {
			c.log.Error("store request failed", "op", req.Op, "path", req.Path, "error", err)
		}
	}
	c.metrics.Requests.WithLabelValues(string(req.Op), result).Inc()
	return frame, sub
}

func (c *Connection) execute(ctx context.Context, req Request, frame *Frame) (*docstore.Subscription, error) {
	if c.limiter != nil && !c.limiter.Allow() {
		return nil, ErrRateLimited
	}
	if err := c.authorize(req); err != nil {
		return nil, err
	}

	var err error
	switch req.Op {
	case OpRead:
		frame.Doc, err = c.store.ReadOnce(ctx, req.Path)
	case OpSet:
		err = c.store.Set(ctx, req.Path, req.Doc)
	case OpAppend:
		frame.Key, err = c.store.Append(ctx, req.Path, req.Doc)
	case OpUpdate:
		err = c.store.Update(ctx, req.Path, req.Fields)
	case OpRemove:
		err = c.store.Remove(ctx, req.Path)
	case OpSubscribe:
		// The subscription lives as long as the connection, not the request.
		sub, err := c.store.Subscribe(ctx, req.Path)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.subs[sub.ID()] = sub
		c.mu.Unlock()
		c.metrics.Subscriptions.Inc()
		frame.SubID = sub.ID()
		return sub, nil
	case OpUnsubscribe:
		c.mu.Lock()
		sub, ok := c.subs[req.SubID]
		c.mu.Unlock()
		if ok {
			sub.Close()
		}
	case OpOnDisconnect:
		if err = docstore.ValidatePath(req.Path); err == nil {
			err = c.store.AddDisconnectHook(c.id, req.Path, req.Fields)
		}
	default:
		err = fmt.Errorf("%w: unknown op %q", errBadRequest, req.Op)
	}
	return nil, err
}

// authorize keeps users from writing documents owned by someone else:
// users/{id} and typing/{conversation}/{id}.
func (c *Connection) authorize(req Request) error {
	switch req.Op {
	case OpRead, OpSubscribe, OpUnsubscribe:
		return nil
	}
	segments := strings.Split(req.Path, "/")
	var owner string
	switch {
	case len(segments) == 2 && segments[0] == "users":
		owner = segments[1]
	case len(segments) == 3 && segments[0] == "typing":
		owner = segments[2]
	default:
		return nil
	}
	if owner != c.userID {
		return fmt.Errorf("%w: %s belongs to another user", models.ErrForbidden, req.Path)
	}
	return nil
}

// forward relays the events of sub until it is closed.
func (c *Connection) forward(ctx context.Context, sub *docstore.Subscription) {
	go func() {
		defer func() {
			sub.Close()
			c.mu.Lock()
			delete(c.subs, sub.ID())
			c.mu.Unlock()
			c.metrics.Subscriptions.Dec()
		}()

		for ev := range sub.Events() {
			select {
			case c.fromServer <- Frame{Type: FrameEvent, SubID: sub.ID(), Event: &ev}:
			case <-ctx.Done():
				return
			}
		}
		select {
		case c.fromServer <- Frame{Type: FrameSubClosed, SubID: sub.ID()}:
		case <-ctx.Done():
		}
	}()
}

func (c *Connection) closeSubscriptions() {
	c.mu.Lock()
	subs := make([]*docstore.Subscription, 0, len(c.subs))
	for _, sub := range c.subs {
		subs = append(subs, sub)
	}
	c.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
}
