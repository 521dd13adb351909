// Package deletion implements the two deletion scopes: hiding a message
// from the local view and removing it from the conversation for everyone.
package deletion

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"palaver/internal/models"
	"palaver/internal/msgstore"
	"palaver/internal/view"
)

// Authorization decides who may delete a message for everyone.
type Authorization string

const (
	// AnyParticipant lets every participant remove any message.
	AnyParticipant Authorization = "any"
	// SenderOnly restricts removal to the message sender.
	SenderOnly Authorization = "sender"
)

// ParseAuthorization accepts "any" and "sender". An empty value selects
// AnyParticipant.
func ParseAuthorization(s string) (Authorization, error) {
	switch a := Authorization(strings.ToLower(strings.TrimSpace(s))); a {
	case "":
		return AnyParticipant, nil
	case AnyParticipant, SenderOnly:
		return a, nil
	}
	return "", fmt.Errorf("unknown delete policy %q (allowed: any, sender)", s)
}

type Policy struct {
	Authorization Authorization

	store *msgstore.Adapter
	log   *slog.Logger
}

func NewPolicy(store *msgstore.Adapter, auth Authorization, log *slog.Logger) *Policy {
	if auth == "" {
		auth = AnyParticipant
	}
	if log == nil {
		log = slog.Default()
	}
	return &Policy{Authorization: auth, store: store, log: log}
}

// ForMe hides the message from v only. The store and every other view are
// left untouched.
func (p *Policy) ForMe(v *view.View, key string) bool {
	return v.Hide(key)
}

// CanDeleteForEveryone reports whether selfID may remove msg.
func (p *Policy) CanDeleteForEveryone(msg models.Message, selfID string) bool {
	if p.Authorization == SenderOnly {
		return msg.SenderID == selfID
	}
	return true
}

// ForEveryone removes msg from the conversation at path. Views, including
// the caller's, drop it when the removal reaches their subscription.
func (p *Policy) ForEveryone(ctx context.Context, path string, msg models.Message, selfID string) error {
	if !p.CanDeleteForEveryone(msg, selfID) {
		return fmt.Errorf("delete %s: %w: only the sender may delete for everyone", msg.Key, models.ErrForbidden)
	}
	if err := p.store.RemoveMessage(ctx, path, msg.Key); err != nil {
		return fmt.Errorf("failed to delete message: %w", err)
	}
	p.log.Info("message deleted for everyone", "path", path, "key", msg.Key, "by", selfID)
	return nil
}
