// Package lifecycle advances the delivery status of messages:
// Sent on append, Delivered once the sender's append is acknowledged and
// Seen once a recipient has observed the message. Seen is terminal.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"palaver/internal/docstore"
	"palaver/internal/models"
	"palaver/internal/msgstore"
)

// CanMarkSeen is the precondition of the Seen transition: only a recipient
// may mark a message seen, and only while it is not seen already.
func CanMarkSeen(msg models.Message, selfID string) bool {
	return msg.SenderID != selfID && msg.Status != models.StatusSeen
}

// Merge returns the more advanced of two statuses.
func Merge(a, b models.MessageStatus) models.MessageStatus {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

type Engine struct {
	store  *msgstore.Adapter
	selfID string
	log    *slog.Logger

	mu       sync.Mutex
	inflight map[string]struct{}
	wg       sync.WaitGroup
}

func NewEngine(store *msgstore.Adapter, selfID string, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		store:    store,
		selfID:   selfID,
		log:      log,
		inflight: make(map[string]struct{}),
	}
}

// Send appends msg to the conversation at path with status Sent and then
// acknowledges it as Delivered. An append failure is returned and nothing
// is kept for retry. A failed acknowledgement is only logged: the message
// is stored and remains Sent. A recipient's Seen that lands before the
// acknowledgement is kept, since the store never lowers a status.
func (e *Engine) Send(ctx context.Context, path string, msg models.Message) (models.Message, error) {
	msg.Status = models.StatusSent
	key, err := e.store.AppendMessage(ctx, path, msg)
	if err != nil {
		return models.Message{}, fmt.Errorf("failed to send message: %w", err)
	}
	msg.Key = key

	err = e.store.UpdateMessage(ctx, path, key, map[string]any{"status": models.StatusDelivered})
	if err != nil {
		e.log.Warn("failed to acknowledge delivery", "path", path, "key", key, "error", err)
		return msg, nil
	}
	msg.Status = models.StatusDelivered
	return msg, nil
}

// MarkSeen writes Seen for msg. It is a no-op when CanMarkSeen is false.
func (e *Engine) MarkSeen(ctx context.Context, path string, msg models.Message) error {
	if !CanMarkSeen(msg, e.selfID) {
		return nil
	}
	return e.store.UpdateMessage(ctx, path, msg.Key, map[string]any{"status": models.StatusSeen})
}

// Observe is called for every message state the local client receives. It
// schedules a Seen write in the background when the message qualifies and
// no write for it is already pending, and reports whether it did.
func (e *Engine) Observe(ctx context.Context, path string, msg models.Message) bool {
	if msg.Key == "" || !CanMarkSeen(msg, e.selfID) {
		return false
	}

	id := docstore.Join(path, msg.Key)
	e.mu.Lock()
	if _, pending := e.inflight[id]; pending {
		e.mu.Unlock()
		return false
	}
	e.inflight[id] = struct{}{}
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() {
			e.mu.Lock()
			delete(e.inflight, id)
			e.mu.Unlock()
		}()

		if err := e.MarkSeen(ctx, path, msg); err != nil {
			e.log.Warn("failed to mark message seen", "path", path, "key", msg.Key, "error", err)
		}
	}()
	return true
}

// Wait blocks until all scheduled Seen writes have finished.
func (e *Engine) Wait() {
	e.wg.Wait()
}
