// Package presence tracks the online flag of the local user and exposes
// the status of everybody else.
package presence

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"palaver/internal/auth"
	"palaver/internal/docstore"
	"palaver/internal/models"
	"palaver/internal/msgstore"
)

type Presence struct {
	store *msgstore.Adapter
	log   *slog.Logger
	now   func() time.Time
}

func New(store *msgstore.Adapter, log *slog.Logger) *Presence {
	if log == nil {
		log = slog.Default()
	}
	return &Presence{store: store, log: log, now: time.Now}
}

// SignIn signs the local user in through provider and registers presence.
func (p *Presence) SignIn(ctx context.Context, provider auth.Provider) (models.User, error) {
	user, err := provider.SignIn(ctx)
	if err != nil {
		return models.User{}, err
	}
	if err := p.Register(ctx, user); err != nil {
		return models.User{}, err
	}
	return user, nil
}

// Register publishes user as online and asks the store to flip the flag
// back once the connection is gone. The latter is best effort.
func (p *Presence) Register(ctx context.Context, user models.User) error {
	user.Online = true
	user.LastSeen = p.now().Unix()
	if err := p.store.PutUser(ctx, user); err != nil {
		return fmt.Errorf("failed to register presence: %w", err)
	}

	supported, err := p.store.OnDisconnectOffline(ctx, user.ID)
	switch {
	case err != nil:
		p.log.Warn("failed to arrange presence teardown", "user_id", user.ID, "error", err)
	case !supported:
		p.log.Debug("store cannot clear presence on disconnect", "user_id", user.ID)
	}
	return nil
}

// Teardown marks the user offline. Failures are logged only.
func (p *Presence) Teardown(ctx context.Context, userID string) {
	if err := p.store.SetOnline(ctx, userID, false, p.now().Unix()); err != nil {
		p.log.Warn("failed to clear presence", "user_id", userID, "error", err)
	}
}

// Roster is a live view of all known users.
type Roster struct {
	feed *msgstore.Feed[models.User]
	out  chan []models.User

	mu    sync.RWMutex
	users map[string]models.User
}

// Watch subscribes to the user directory.
func (p *Presence) Watch(ctx context.Context) (*Roster, error) {
	feed, err := p.store.SubscribeUsers(ctx)
	if err != nil {
		return nil, err
	}
	r := &Roster{
		feed:  feed,
		out:   make(chan []models.User, 1),
		users: make(map[string]models.User),
	}
	go r.run()
	return r, nil
}

func (r *Roster) run() {
	defer close(r.out)
	for change := range r.feed.Changes() {
		r.mu.Lock()
		switch change.Kind {
		case docstore.EventSnapshot:
			clear(r.users)
			for _, item := range change.Snapshot {
				r.users[item.Key] = item.Value
			}
		case docstore.EventInserted, docstore.EventUpdated:
			r.users[change.Key] = change.Value
		case docstore.EventRemoved:
			delete(r.users, change.Key)
		}
		r.mu.Unlock()

		select {
		case <-r.out:
		default:
		}
		r.out <- r.Users()
	}
}

// Updates carries the latest user list after every change. Only the newest
// list is kept for slow readers.
func (r *Roster) Updates() <-chan []models.User {
	return r.out
}

func (r *Roster) Online(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.users[userID].Online
}

func (r *Roster) User(userID string) (models.User, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.users[userID]
	return u, ok
}

// Users returns all known users sorted by display name.
func (r *Roster) Users() []models.User {
	r.mu.RLock()
	list := make([]models.User, 0, len(r.users))
	for _, u := range r.users {
		list = append(list, u)
	}
	r.mu.RUnlock()

	slices.SortFunc(list, func(a, b models.User) int {
		return cmp.Or(cmp.Compare(a.DisplayName, b.DisplayName), cmp.Compare(a.ID, b.ID))
	})
	return list
}

func (r *Roster) Close() {
	r.feed.Close()
}
