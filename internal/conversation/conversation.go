// Package conversation derives conversation identities and manages group
// membership documents.
package conversation

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"palaver/internal/docstore"
	"palaver/internal/models"
	"palaver/internal/msgstore"

	"github.com/google/uuid"
)

// Separator joins sorted participant ids. Ids containing it, or the store
// path separator, are hashed instead.
const Separator = "_"

// CanonicalID returns an order-independent id for a set of participant ids.
// Duplicates are ignored.
func CanonicalID(ids ...string) string {
	set := slices.Clone(ids)
	slices.Sort(set)
	set = slices.Compact(set)

	for _, id := range set {
		if id == "" || strings.Contains(id, Separator) || strings.Contains(id, "/") {
			return hashIDs(set)
		}
	}
	return strings.Join(set, Separator)
}

// hashIDs length-prefixes every id so that no two distinct sets share an encoding.
func hashIDs(sorted []string) string {
	h := sha256.New()
	var n [8]byte
	for _, id := range sorted {
		binary.BigEndian.PutUint64(n[:], uint64(len(id)))
		h.Write(n[:])
		h.Write([]byte(id))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// ResolveDirect returns the id of the direct conversation between two
// users. ResolveDirect(a, b) == ResolveDirect(b, a).
func ResolveDirect(selfID, otherID string) string {
	return CanonicalID(selfID, otherID)
}

// Direct builds the direct conversation between self and other.
func Direct(self, other models.User) models.Conversation {
	return models.Conversation{
		ID:   ResolveDirect(self.ID, other.ID),
		Kind: models.ConversationDirect,
		Name: other.DisplayName,
		Members: map[string]string{
			self.ID:  self.DisplayName,
			other.ID: other.DisplayName,
		},
	}
}

// GroupID derives a group id from its member ids.
func GroupID(memberIDs []string) string {
	return CanonicalID(memberIDs...)
}

type Resolver struct {
	store *msgstore.Adapter
	log   *slog.Logger
	now   func() time.Time

	// UniqueGroups appends a random suffix to new group ids so that two
	// groups with the same members keep separate histories.
	UniqueGroups bool
}

func NewResolver(store *msgstore.Adapter, log *slog.Logger) *Resolver {
	if log == nil {
		log = slog.Default()
	}
	return &Resolver{store: store, log: log, now: time.Now}
}

// CreateGroup writes a group document for members plus self and returns its
// id. members maps user id to display name. Validation failures return
// models.ErrInvalidGroup without touching the store.
func (r *Resolver) CreateGroup(ctx context.Context, name string, members map[string]string, self models.User) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("%w: name is required", models.ErrInvalidGroup)
	}

	all := make(map[string]string, len(members)+1)
	for id, displayName := range members {
		if id == "" {
			return "", fmt.Errorf("%w: empty member id", models.ErrInvalidGroup)
		}
		all[id] = displayName
	}
	all[self.ID] = self.DisplayName
	if len(all) < 2 {
		return "", fmt.Errorf("%w: select at least one other member", models.ErrInvalidGroup)
	}

	ids := make([]string, 0, len(all))
	for id := range all {
		ids = append(ids, id)
	}
	id := GroupID(ids)
	if r.UniqueGroups {
		id += Separator + uuid.NewString()
	}

	group := models.Group{
		ID:        id,
		Name:      name,
		Members:   all,
		CreatedBy: self.ID,
		CreatedAt: r.now().Unix(),
	}
	if err := r.store.PutGroup(ctx, group); err != nil {
		return "", fmt.Errorf("failed to create group: %w", err)
	}

	r.log.Info("group created", "group_id", id, "members", len(all))
	return id, nil
}

// ListGroupsFor streams the groups selfID belongs to, sorted by name. A new
// list is sent after every change; the channel is closed when ctx ends or
// the subscription is lost. Calling it again restarts the stream.
func (r *Resolver) ListGroupsFor(ctx context.Context, selfID string) (<-chan []models.Group, error) {
	feed, err := r.store.SubscribeGroups(ctx)
	if err != nil {
		return nil, err
	}

	out := make(chan []models.Group)
	go func() {
		defer close(out)
		defer feed.Close()

		groups := make(map[string]models.Group)
		for change := range feed.Changes() {
			switch change.Kind {
			case docstore.EventSnapshot:
				clear(groups)
				for _, item := range change.Snapshot {
					groups[item.Key] = item.Value
				}
			case docstore.EventInserted, docstore.EventUpdated:
				groups[change.Key] = change.Value
			case docstore.EventRemoved:
				delete(groups, change.Key)
			}

			select {
			case out <- visibleTo(groups, selfID):
			case <-ctx.Done():
				return
			}
		}
		if err := feed.Err(); err != nil {
			r.log.Warn("group listing ended", "user_id", selfID, "error", err)
		}
	}()
	return out, nil
}

func visibleTo(groups map[string]models.Group, userID string) []models.Group {
	var list []models.Group
	for _, g := range groups {
		if g.HasMember(userID) {
			list = append(list, g)
		}
	}
	slices.SortFunc(list, func(a, b models.Group) int {
		if c := strings.Compare(a.Name, b.Name); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return list
}
