package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"palaver/internal/client"
	"palaver/internal/config"
	"palaver/internal/content"
	"palaver/internal/deletion"
	"palaver/internal/models"
	"palaver/internal/reply"
	"palaver/internal/view"
	"palaver/internal/ws"
)

var errNotLoggedIn = errors.New("not signed in, run 'palaver-cli login <username>' first")

// savedLogin signs in with the identity stored by the login command.
type savedLogin struct {
	user models.User
}

func (p savedLogin) SignIn(ctx context.Context) (models.User, error) {
	if err := ctx.Err(); err != nil {
		return models.User{}, models.ErrAuthCancelled
	}
	if p.user.ID == "" {
		return models.User{}, models.ErrAuthCancelled
	}
	return p.user, nil
}

// storeURL maps the server base URL to its websocket store endpoint.
func storeURL(base string) string {
	base = strings.TrimSuffix(base, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/api/store"
}

// sessionOptions merges the environment settings with the [chat] section.
func sessionOptions(cfg *Config, log *slog.Logger) (client.Options, error) {
	opts := client.Options{Log: log}
	if env, err := config.Load(true); err == nil {
		opts.TypingIdle = env.TypingIdle
		opts.DeletePolicy = env.DeletePolicy
		opts.UniqueGroups = env.UniqueGroups
	}

	if cfg.Chat.TypingIdle != "" {
		d, err := time.ParseDuration(cfg.Chat.TypingIdle)
		if err != nil {
			return opts, fmt.Errorf("chat.typing_idle: %w", err)
		}
		opts.TypingIdle = d
	}
	if cfg.Chat.DeletePolicy != "" {
		policy, err := deletion.ParseAuthorization(cfg.Chat.DeletePolicy)
		if err != nil {
			return opts, fmt.Errorf("chat.delete_policy: %w", err)
		}
		opts.DeletePolicy = policy
	}
	if cfg.Chat.UniqueGroups != nil {
		opts.UniqueGroups = *cfg.Chat.UniqueGroups
	}
	return opts, nil
}

// connect signs in with the saved login and returns a session. The returned
// function closes the session and the connection.
func connect(ctx context.Context) (*client.Session, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	if cfg.Auth.Token == "" {
		return nil, nil, errNotLoggedIn
	}

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	if verbose {
		log = config.NewLogger(slog.LevelDebug)
	}

	opts, err := sessionOptions(cfg, log)
	if err != nil {
		return nil, nil, err
	}

	store, err := ws.Dial(ctx, storeURL(cfg.Server.URL), cfg.Auth.Token, log)
	if err != nil {
		return nil, nil, fmt.Errorf("%w (try logging in again)", err)
	}

	login := savedLogin{user: models.User{
		ID:          cfg.Auth.UserID,
		DisplayName: cfg.Auth.DisplayName,
		AvatarURL:   cfg.Auth.AvatarURL,
	}}
	session, err := client.SignIn(ctx, store, login, opts)
	if err != nil {
		_ = store.Close()
		return nil, nil, err
	}

	closeFn := func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 3*time.Second)
		defer cancel()
		session.Close(closeCtx)
		_ = store.Close()
	}
	return session, closeFn, nil
}

// resolvePeer finds the conversation named by peer: a user id or display
// name, or a group id or name.
func resolvePeer(ctx context.Context, s *client.Session, peer string) (models.Conversation, error) {
	roster, err := s.Roster(ctx)
	if err != nil {
		return models.Conversation{}, err
	}
	defer roster.Close()

	users, err := firstValue(ctx, roster.Updates())
	if err != nil {
		return models.Conversation{}, err
	}
	for _, u := range users {
		if u.ID == s.Self().ID {
			continue
		}
		if u.ID == peer || strings.EqualFold(u.DisplayName, peer) {
			return s.Direct(u), nil
		}
	}

	groupsCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	groupsCh, err := s.Groups(groupsCtx)
	if err != nil {
		return models.Conversation{}, err
	}
	groups, err := firstValue(ctx, groupsCh)
	if err != nil {
		return models.Conversation{}, err
	}
	for _, g := range groups {
		if g.ID == peer || strings.EqualFold(g.Name, peer) {
			return g.Conversation(), nil
		}
	}
	return models.Conversation{}, fmt.Errorf("%w: no user or group %q", models.ErrNotFound, peer)
}

func firstValue[T any](ctx context.Context, ch <-chan T) (T, error) {
	var zero T
	select {
	case v, ok := <-ch:
		if !ok {
			return zero, errors.New("stream closed")
		}
		return v, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-time.After(5 * time.Second):
		return zero, errors.New("timed out waiting for the server")
	}
}

// formatEntry renders one message line for the terminal.
func formatEntry(e view.Entry, selfID string) string {
	var b strings.Builder
	if e.ReplyRef != nil {
		fmt.Fprintf(&b, "    ↪ %s: %s\n", e.ReplyRef.SenderName, e.ReplyRef.Snippet)
	}
	body := e.Text()
	switch {
	case e.Body == nil:
		body = "[attachment]"
	case e.HTML != "":
		body = content.PlainText(e.HTML)
	}
	fmt.Fprintf(&b, "[%s] %s: %s", shortKey(e.Key), e.SenderDisplayName, body)
	if e.SenderID == selfID {
		fmt.Fprintf(&b, " (%s)", strings.ToLower(string(e.Status)))
	}
	return b.String()
}

// shortKey trims the zero padding of store keys for display.
func shortKey(key string) string {
	trimmed := strings.TrimLeft(key, "0")
	if trimmed == "" {
		return key
	}
	return trimmed
}

// expandKey finds the full key of a loaded message from its short form.
func expandKey(entries []view.Entry, short string) (string, bool) {
	for _, e := range entries {
		if e.Key == short || shortKey(e.Key) == short {
			return e.Key, true
		}
	}
	return "", false
}

// snippetOf previews a message body the way reply references do.
func snippetOf(e view.Entry) string {
	return reply.Snippet(e.Text())
}
