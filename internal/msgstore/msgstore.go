// Package msgstore is the only gateway between the chat core and the
// document store. It maps the core's typed values onto store paths:
//
//	users/{id}
//	chats/{directConvId}/{messageKey}
//	groups/{groupId}
//	groups/{groupId}/chats/{messageKey}
//	typing/{conversationId}/{userId}
package msgstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"palaver/internal/docstore"
	"palaver/internal/models"
)

const (
	usersPath  = "users"
	groupsPath = "groups"
	typingPath = "typing"
)

type MessageChange = Change[models.Message]

type Adapter struct {
	store docstore.Store
	log   *slog.Logger
}

func New(store docstore.Store, log *slog.Logger) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	return &Adapter{store: store, log: log}
}

// AppendMessage stores msg under path and returns the store-assigned key,
// which acknowledges the send.
func (a *Adapter) AppendMessage(ctx context.Context, path string, msg models.Message) (string, error) {
	doc, err := docstore.Encode(msg)
	if err != nil {
		return "", fmt.Errorf("failed to encode message: %w", err)
	}
	key, err := a.store.Append(ctx, path, doc)
	if err != nil {
		return "", wrapErr("append", path, err)
	}
	return key, nil
}

func (a *Adapter) UpdateMessage(ctx context.Context, path, key string, fields map[string]any) error {
	p := docstore.Join(path, key)
	if err := a.store.Update(ctx, p, fields); err != nil {
		return wrapErr("update", p, err)
	}
	return nil
}

func (a *Adapter) RemoveMessage(ctx context.Context, path, key string) error {
	p := docstore.Join(path, key)
	if err := a.store.Remove(ctx, p); err != nil {
		return wrapErr("remove", p, err)
	}
	return nil
}

// SubscribeMessages watches a conversation. The first change is the full
// snapshot in insertion order.
func (a *Adapter) SubscribeMessages(ctx context.Context, path string) (*Feed[models.Message], error) {
	sub, err := a.store.Subscribe(ctx, path)
	if err != nil {
		return nil, wrapErr("subscribe", path, err)
	}
	return newFeed[models.Message](sub, decodeMessage, a.log), nil
}

func decodeMessage(key string, doc docstore.Document) (models.Message, error) {
	var msg models.Message
	if err := docstore.Decode(doc, &msg); err != nil {
		return models.Message{}, err
	}
	msg.Key = key
	return msg, nil
}

func (a *Adapter) PutUser(ctx context.Context, user models.User) error {
	doc, err := docstore.Encode(user)
	if err != nil {
		return fmt.Errorf("failed to encode user: %w", err)
	}
	p := docstore.Join(usersPath, user.ID)
	if err := a.store.Set(ctx, p, doc); err != nil {
		return wrapErr("set", p, err)
	}
	return nil
}

func (a *Adapter) SetOnline(ctx context.Context, userID string, online bool, lastSeen int64) error {
	p := docstore.Join(usersPath, userID)
	err := a.store.Update(ctx, p, map[string]any{
		"online":   online,
		"lastSeen": lastSeen,
	})
	if err != nil {
		return wrapErr("update", p, err)
	}
	return nil
}

// OnDisconnectOffline asks the store to clear the online flag of userID
// once this client's connection is gone. It reports false when the store
// cannot do that.
func (a *Adapter) OnDisconnectOffline(ctx context.Context, userID string) (bool, error) {
	d, ok := a.store.(docstore.Disconnecter)
	if !ok {
		return false, nil
	}
	p := docstore.Join(usersPath, userID)
	if err := d.OnDisconnect(ctx, p, map[string]any{"online": false}); err != nil {
		return true, wrapErr("on-disconnect", p, err)
	}
	return true, nil
}

func (a *Adapter) SubscribeUsers(ctx context.Context) (*Feed[models.User], error) {
	sub, err := a.store.Subscribe(ctx, usersPath)
	if err != nil {
		return nil, wrapErr("subscribe", usersPath, err)
	}
	return newFeed[models.User](sub, decodeInto[models.User], a.log), nil
}

func (a *Adapter) PutGroup(ctx context.Context, group models.Group) error {
	doc, err := docstore.Encode(group)
	if err != nil {
		return fmt.Errorf("failed to encode group: %w", err)
	}
	p := docstore.Join(groupsPath, group.ID)
	if err := a.store.Set(ctx, p, doc); err != nil {
		return wrapErr("set", p, err)
	}
	return nil
}

func (a *Adapter) SubscribeGroups(ctx context.Context) (*Feed[models.Group], error) {
	sub, err := a.store.Subscribe(ctx, groupsPath)
	if err != nil {
		return nil, wrapErr("subscribe", groupsPath, err)
	}
	return newFeed[models.Group](sub, decodeInto[models.Group], a.log), nil
}

func (a *Adapter) SetTyping(ctx context.Context, conversationID, userID string, typing bool) error {
	doc, err := docstore.Encode(models.TypingFlag{Typing: typing})
	if err != nil {
		return fmt.Errorf("failed to encode typing flag: %w", err)
	}
	p := docstore.Join(typingPath, conversationID, userID)
	if err := a.store.Set(ctx, p, doc); err != nil {
		return wrapErr("set", p, err)
	}
	return nil
}

// SubscribeTyping watches the typing flags of a conversation, keyed by user id.
func (a *Adapter) SubscribeTyping(ctx context.Context, conversationID string) (*Feed[bool], error) {
	p := docstore.Join(typingPath, conversationID)
	sub, err := a.store.Subscribe(ctx, p)
	if err != nil {
		return nil, wrapErr("subscribe", p, err)
	}
	return newFeed[bool](sub, decodeTyping, a.log), nil
}

func decodeTyping(_ string, doc docstore.Document) (bool, error) {
	var flag models.TypingFlag
	if err := docstore.Decode(doc, &flag); err != nil {
		return false, err
	}
	return flag.Typing, nil
}

func decodeInto[T any](_ string, doc docstore.Document) (T, error) {
	var v T
	err := docstore.Decode(doc, &v)
	return v, err
}

// wrapErr maps store failures onto the core error taxonomy.
func wrapErr(op, path string, err error) error {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, docstore.ErrNotFound):
		return fmt.Errorf("%s %s: %w", op, path, models.ErrNotFound)
	case errors.Is(err, docstore.ErrInvalidPath):
		return fmt.Errorf("%s %s: %w", op, path, err)
	}
	return fmt.Errorf("%s %s: %w: %w", op, path, models.ErrStoreUnavailable, err)
}
