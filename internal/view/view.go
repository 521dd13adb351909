// Package view maintains the rendered message list of one conversation by
// folding subscription changes into it. A View is owned by a single
// goroutine and is not safe for concurrent use.
package view

import (
	"slices"
	"strings"

	"palaver/internal/content"
	"palaver/internal/docstore"
	"palaver/internal/lifecycle"
	"palaver/internal/models"
	"palaver/internal/msgstore"
)

const DefaultMaxEntries = 500

// Entry is a rendered message. HTML is the sanitized markdown rendering of
// the body, empty for non-text payloads.
type Entry struct {
	models.Message
	HTML string `json:"html"`
}

type View struct {
	maxEntries int
	entries    []Entry // ordered by key
	hidden     map[string]struct{}
}

// New creates an empty view holding at most maxEntries messages, the most
// recent ones. maxEntries <= 0 selects DefaultMaxEntries.
func New(maxEntries int) *View {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &View{
		maxEntries: maxEntries,
		hidden:     make(map[string]struct{}),
	}
}

// Apply folds a change into the view and reports whether the visible list
// changed. Statuses never move backwards: an update carrying a lower
// status than the one already shown keeps the shown one.
func (v *View) Apply(change msgstore.MessageChange) bool {
	switch change.Kind {
	case docstore.EventSnapshot:
		previous := make(map[string]Entry, len(v.entries))
		for _, e := range v.entries {
			previous[e.Key] = e
		}
		v.entries = v.entries[:0]
		for _, item := range change.Snapshot {
			if v.isHidden(item.Key) {
				continue
			}
			v.entries = append(v.entries, merge(previous[item.Key], item.Value))
		}
		slices.SortFunc(v.entries, compareEntries)
		v.trim()
		return true

	case docstore.EventInserted, docstore.EventUpdated:
		if v.isHidden(change.Key) {
			return false
		}
		i, found := v.search(change.Key)
		if found {
			v.entries[i] = merge(v.entries[i], change.Value)
			return true
		}
		if len(v.entries) >= v.maxEntries && i == 0 {
			// Older than the loaded window.
			return false
		}
		v.entries = slices.Insert(v.entries, i, merge(Entry{}, change.Value))
		v.trim()
		return true

	case docstore.EventRemoved:
		delete(v.hidden, change.Key)
		i, found := v.search(change.Key)
		if !found {
			return false
		}
		v.entries = slices.Delete(v.entries, i, i+1)
		return true
	}
	return false
}

// Hide removes a message from this view only. The key stays hidden across
// later snapshots and updates. It reports whether the message was shown.
func (v *View) Hide(key string) bool {
	v.hidden[key] = struct{}{}
	i, found := v.search(key)
	if !found {
		return false
	}
	v.entries = slices.Delete(v.entries, i, i+1)
	return true
}

// Messages returns a copy of the visible messages in insertion order.
func (v *View) Messages() []Entry {
	return slices.Clone(v.entries)
}

// Index returns the position of the message with key among the visible
// messages.
func (v *View) Index(key string) (int, bool) {
	return v.search(key)
}

func (v *View) Get(key string) (Entry, bool) {
	i, found := v.search(key)
	if !found {
		return Entry{}, false
	}
	return v.entries[i], true
}

func (v *View) Len() int {
	return len(v.entries)
}

func (v *View) isHidden(key string) bool {
	_, ok := v.hidden[key]
	return ok
}

func (v *View) search(key string) (int, bool) {
	return slices.BinarySearchFunc(v.entries, key, func(e Entry, k string) int {
		return strings.Compare(e.Key, k)
	})
}

func (v *View) trim() {
	if over := len(v.entries) - v.maxEntries; over > 0 {
		v.entries = slices.Delete(v.entries, 0, over)
	}
}

func compareEntries(a, b Entry) int {
	return strings.Compare(a.Key, b.Key)
}

// merge renders next, keeping the higher of the two statuses and reusing
// the rendered body when it did not change.
func merge(prev Entry, next models.Message) Entry {
	next.Status = lifecycle.Merge(prev.Status, next.Status)
	e := Entry{Message: next}
	if prev.Key == next.Key && prev.Text() == next.Text() && prev.HTML != "" {
		e.HTML = prev.HTML
	} else if next.Body != nil {
		e.HTML = content.Render(*next.Body)
	}
	return e
}
