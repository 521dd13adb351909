package msgstore

import (
	"log/slog"

	"palaver/internal/docstore"
)

// Item is a decoded child document.
type Item[T any] struct {
	Key   string
	Value T
}

// Change is a decoded subscription event. Snapshot is set only for
// docstore.EventSnapshot; Value is the zero value for removals.
type Change[T any] struct {
	Kind     docstore.EventKind
	Key      string
	Value    T
	Snapshot []Item[T]
}

// Feed turns a raw document subscription into typed changes.
type Feed[T any] struct {
	sub *docstore.Subscription
	out chan Change[T]
}

type decodeFunc[T any] func(key string, doc docstore.Document) (T, error)

func newFeed[T any](sub *docstore.Subscription, decode decodeFunc[T], log *slog.Logger) *Feed[T] {
	f := &Feed[T]{
		sub: sub,
		out: make(chan Change[T]),
	}
	go f.run(decode, log)
	return f
}

func (f *Feed[T]) run(decode decodeFunc[T], log *slog.Logger) {
	defer close(f.out)
	for ev := range f.sub.Events() {
		change := Change[T]{Kind: ev.Kind, Key: ev.Key}
		switch ev.Kind {
		case docstore.EventSnapshot:
			change.Snapshot = make([]Item[T], 0, len(ev.Children))
			for _, c := range ev.Children {
				v, err := decode(c.Key, c.Doc)
				if err != nil {
					log.Warn("skipping undecodable document", "path", ev.Path, "key", c.Key, "error", err)
					continue
				}
				change.Snapshot = append(change.Snapshot, Item[T]{Key: c.Key, Value: v})
			}
		case docstore.EventInserted, docstore.EventUpdated:
			v, err := decode(ev.Key, ev.Doc)
			if err != nil {
				log.Warn("skipping undecodable document", "path", ev.Path, "key", ev.Key, "error", err)
				continue
			}
			change.Value = v
		case docstore.EventRemoved:
		default:
			continue
		}

		select {
		case f.out <- change:
		case <-f.sub.Done():
			return
		}
	}
}

// Changes is closed once the underlying subscription ends.
func (f *Feed[T]) Changes() <-chan Change[T] {
	return f.out
}

// Close unsubscribes. It is safe to call on an already closed feed.
func (f *Feed[T]) Close() {
	f.sub.Close()
}

// Err reports why the feed ended, if it ended abnormally.
func (f *Feed[T]) Err() error {
	return f.sub.Err()
}
