// Package typing publishes and aggregates per-conversation typing flags.
package typing

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"palaver/internal/docstore"
	"palaver/internal/msgstore"
)

const (
	DefaultIdle  = time.Second
	clearTimeout = 5 * time.Second
)

// SetTyping writes the typing flag of userID immediately.
func SetTyping(ctx context.Context, store *msgstore.Adapter, conversationID, userID string, typing bool) error {
	return store.SetTyping(ctx, conversationID, userID, typing)
}

// Aggregate reports whether anyone other than selfID is typing.
func Aggregate(flags map[string]bool, selfID string) bool {
	for userID, typing := range flags {
		if typing && userID != selfID {
			return true
		}
	}
	return false
}

// Tracker debounces input events of the local user into typing flag
// writes: the first input writes true, and the flag is cleared once no
// input arrived for the idle period. A burst of input costs one write of
// each value.
type Tracker struct {
	store          *msgstore.Adapter
	conversationID string
	userID         string
	idle           time.Duration
	log            *slog.Logger

	mu     sync.Mutex
	typing bool
	gen    uint64
	timer  *time.Timer

	// writeMu orders flag writes; it is acquired with mu held.
	writeMu sync.Mutex
}

func NewTracker(store *msgstore.Adapter, conversationID, userID string, idle time.Duration, log *slog.Logger) *Tracker {
	if idle <= 0 {
		idle = DefaultIdle
	}
	if log == nil {
		log = slog.Default()
	}
	return &Tracker{
		store:          store,
		conversationID: conversationID,
		userID:         userID,
		idle:           idle,
		log:            log,
	}
}

// Input records an input event and restarts the idle timer.
func (t *Tracker) Input(ctx context.Context) error {
	t.mu.Lock()
	t.gen++
	gen := t.gen
	start := !t.typing
	t.typing = true
	if t.timer != nil {
		t.timer.Stop()
	}
	clearCtx := context.WithoutCancel(ctx)
	t.timer = time.AfterFunc(t.idle, func() { t.expire(clearCtx, gen) })
	if !start {
		t.mu.Unlock()
		return nil
	}
	t.writeMu.Lock()
	t.mu.Unlock()

	err := t.store.SetTyping(ctx, t.conversationID, t.userID, true)
	t.writeMu.Unlock()
	if err != nil {
		t.mu.Lock()
		if t.gen == gen {
			t.typing = false
		}
		t.mu.Unlock()
		return err
	}
	return nil
}

// Stop clears the flag right away, for example when the message is sent or
// the conversation is closed. Failures are logged.
func (t *Tracker) Stop(ctx context.Context) {
	t.mu.Lock()
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.gen++
	if !t.typing {
		t.mu.Unlock()
		return
	}
	t.typing = false
	t.writeMu.Lock()
	t.mu.Unlock()

	t.clear(ctx)
}

// Typing reports whether the local flag is currently set.
func (t *Tracker) Typing() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.typing
}

func (t *Tracker) expire(ctx context.Context, gen uint64) {
	t.mu.Lock()
	if gen != t.gen || !t.typing {
		t.mu.Unlock()
		return
	}
	t.typing = false
	t.timer = nil
	t.writeMu.Lock()
	t.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, clearTimeout)
	defer cancel()
	t.clear(ctx)
}

// clear writes false. Caller holds writeMu.
func (t *Tracker) clear(ctx context.Context) {
	defer t.writeMu.Unlock()
	if err := t.store.SetTyping(ctx, t.conversationID, t.userID, false); err != nil {
		t.log.Warn("failed to clear typing flag", "conversation_id", t.conversationID, "error", err)
	}
}

// Watcher streams whether anyone other than the local user is typing.
type Watcher struct {
	feed *msgstore.Feed[bool]
	out  chan bool
}

// Watch subscribes to the typing flags of a conversation. The first value
// reflects the current flags; later values are sent when the aggregate
// changes.
func Watch(ctx context.Context, store *msgstore.Adapter, conversationID, selfID string) (*Watcher, error) {
	feed, err := store.SubscribeTyping(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	w := &Watcher{feed: feed, out: make(chan bool, 1)}
	go w.run(selfID)
	return w, nil
}

func (w *Watcher) run(selfID string) {
	defer close(w.out)

	flags := make(map[string]bool)
	last, sent := false, false
	for change := range w.feed.Changes() {
		switch change.Kind {
		case docstore.EventSnapshot:
			clear(flags)
			for _, item := range change.Snapshot {
				flags[item.Key] = item.Value
			}
		case docstore.EventInserted, docstore.EventUpdated:
			flags[change.Key] = change.Value
		case docstore.EventRemoved:
			delete(flags, change.Key)
		}

		someone := Aggregate(flags, selfID)
		if sent && someone == last {
			continue
		}
		last, sent = someone, true
		// Keep only the newest value for slow readers.
		select {
		case <-w.out:
		default:
		}
		w.out <- someone
	}
}

// Updates is closed when the watcher is closed.
func (w *Watcher) Updates() <-chan bool {
	return w.out
}

// Close unsubscribes. It is safe to call more than once.
func (w *Watcher) Close() {
	w.feed.Close()
}

func (w *Watcher) Err() error {
	return w.feed.Err()
}
