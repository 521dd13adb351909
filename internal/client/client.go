// Package client runs the chat core for one signed-in user: it keeps one
// conversation open at a time, folds its events into a view and routes
// user actions back to the store.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"palaver/internal/auth"
	"palaver/internal/conversation"
	"palaver/internal/deletion"
	"palaver/internal/docstore"
	"palaver/internal/lifecycle"
	"palaver/internal/models"
	"palaver/internal/msgstore"
	"palaver/internal/presence"
	"palaver/internal/reply"
	"palaver/internal/typing"
	"palaver/internal/view"

	"golang.org/x/sync/errgroup"
)

var (
	ErrNoConversation = errors.New("no conversation open")
	ErrClosed         = errors.New("session closed")
)

type Options struct {
	TypingIdle   time.Duration
	DeletePolicy deletion.Authorization
	UniqueGroups bool
	MaxEntries   int
	Log          *slog.Logger
}

// Update is the state of the open conversation after a change.
type Update struct {
	Conversation  models.Conversation
	Messages      []view.Entry
	SomeoneTyping bool
}

type Session struct {
	self     models.User
	opts     Options
	log      *slog.Logger
	store    *msgstore.Adapter
	engine   *lifecycle.Engine
	policy   *deletion.Policy
	resolver *conversation.Resolver
	presence *presence.Presence
	now      func() time.Time

	updates chan Update

	mu     sync.Mutex
	active *openConversation
	closed bool
}

type openConversation struct {
	conv    models.Conversation
	ctx     context.Context
	cancel  context.CancelFunc
	feed    *msgstore.Feed[models.Message]
	watcher *typing.Watcher
	tracker *typing.Tracker
	cmds    chan func(*state)
	group   *errgroup.Group
}

// state is owned by the reducer goroutine of a conversation.
type state struct {
	view          *view.View
	someoneTyping bool
}

// New creates a session for self on store. Presence is not registered;
// use SignIn for the complete flow.
func New(store docstore.Store, self models.User, opts Options) *Session {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	log = log.With("user_id", self.ID)

	adapter := msgstore.New(store, log)
	resolver := conversation.NewResolver(adapter, log)
	resolver.UniqueGroups = opts.UniqueGroups

	return &Session{
		self:     self,
		opts:     opts,
		log:      log,
		store:    adapter,
		engine:   lifecycle.NewEngine(adapter, self.ID, log),
		policy:   deletion.NewPolicy(adapter, opts.DeletePolicy, log),
		resolver: resolver,
		presence: presence.New(adapter, log),
		now:      time.Now,
		updates:  make(chan Update, 1),
	}
}

// SignIn signs in through provider, registers presence and returns a
// session for the signed-in user.
func SignIn(ctx context.Context, store docstore.Store, provider auth.Provider, opts Options) (*Session, error) {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	user, err := presence.New(msgstore.New(store, log), log).SignIn(ctx, provider)
	if err != nil {
		return nil, err
	}
	return New(store, user, opts), nil
}

func (s *Session) Self() models.User {
	return s.self
}

// Updates delivers the state of the open conversation after every change.
// Only the newest state is kept for slow readers. The channel is closed by
// Close.
func (s *Session) Updates() <-chan Update {
	return s.updates
}

// Direct returns the direct conversation with other.
func (s *Session) Direct(other models.User) models.Conversation {
	return conversation.Direct(s.self, other)
}

func (s *Session) CreateGroup(ctx context.Context, name string, members map[string]string) (models.Conversation, error) {
	id, err := s.resolver.CreateGroup(ctx, name, members, s.self)
	if err != nil {
		return models.Conversation{}, err
	}
	all := map[string]string{s.self.ID: s.self.DisplayName}
	for k, v := range members {
		all[k] = v
	}
	return models.Conversation{ID: id, Kind: models.ConversationGroup, Name: name, Members: all}, nil
}

// Groups streams the groups the user belongs to.
func (s *Session) Groups(ctx context.Context) (<-chan []models.Group, error) {
	return s.resolver.ListGroupsFor(ctx, s.self.ID)
}

// Roster watches all users and their online status.
func (s *Session) Roster(ctx context.Context) (*presence.Roster, error) {
	return s.presence.Watch(ctx)
}

// Open makes conv the active conversation. The subscriptions of the
// previously open conversation are closed before the new ones are made.
// The new subscriptions live until ctx ends, the next Open or Close.
func (s *Session) Open(ctx context.Context, conv models.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	s.closeActiveLocked(ctx)

	convCtx, cancel := context.WithCancel(ctx)
	feed, err := s.store.SubscribeMessages(convCtx, conv.MessagesPath())
	if err != nil {
		cancel()
		return fmt.Errorf("failed to open conversation: %w", err)
	}
	watcher, err := typing.Watch(convCtx, s.store, conv.ID, s.self.ID)
	if err != nil {
		feed.Close()
		cancel()
		return fmt.Errorf("failed to open conversation: %w", err)
	}

	g, gCtx := errgroup.WithContext(convCtx)
	oc := &openConversation{
		conv:    conv,
		ctx:     gCtx,
		cancel:  cancel,
		feed:    feed,
		watcher: watcher,
		tracker: typing.NewTracker(s.store, conv.ID, s.self.ID, s.opts.TypingIdle, s.log),
		cmds:    make(chan func(*state)),
		group:   g,
	}
	g.Go(func() error {
		return s.reduce(gCtx, oc)
	})
	s.active = oc

	s.log.Debug("conversation opened", "conversation_id", conv.ID)
	return nil
}

// closeActiveLocked stops the open conversation, if any. Caller holds s.mu.
func (s *Session) closeActiveLocked(ctx context.Context) {
	oc := s.active
	if oc == nil {
		return
	}
	s.active = nil

	oc.tracker.Stop(ctx)
	oc.feed.Close()
	oc.watcher.Close()
	oc.cancel()
	if err := oc.group.Wait(); err != nil {
		s.log.Warn("conversation ended with error", "conversation_id", oc.conv.ID, "error", err)
	}
}

// reduce is the only goroutine touching the view of oc.
func (s *Session) reduce(ctx context.Context, oc *openConversation) error {
	st := &state{view: view.New(s.opts.MaxEntries)}
	path := oc.conv.MessagesPath()
	writeCtx := context.WithoutCancel(ctx)
	typingUpdates := oc.watcher.Updates()

	for {
		select {
		case change, ok := <-oc.feed.Changes():
			if !ok {
				return oc.feed.Err()
			}
			if !st.view.Apply(change) {
				continue
			}
			s.publish(oc.conv, st)

			// Only rendered messages are marked seen; the view drops
			// hidden ones and those beyond its window.
			switch change.Kind {
			case docstore.EventSnapshot:
				for _, item := range change.Snapshot {
					if e, shown := st.view.Get(item.Key); shown {
						s.engine.Observe(writeCtx, path, e.Message)
					}
				}
			case docstore.EventInserted, docstore.EventUpdated:
				if e, shown := st.view.Get(change.Key); shown {
					s.engine.Observe(writeCtx, path, e.Message)
				}
			}

		case t, ok := <-typingUpdates:
			if !ok {
				typingUpdates = nil
				continue
			}
			st.someoneTyping = t
			s.publish(oc.conv, st)

		case cmd := <-oc.cmds:
			cmd(st)

		case <-ctx.Done():
			return nil
		}
	}
}

func (s *Session) publish(conv models.Conversation, st *state) {
	u := Update{Conversation: conv, Messages: st.view.Messages(), SomeoneTyping: st.someoneTyping}
	select {
	case <-s.updates:
	default:
	}
	s.updates <- u
}

func (s *Session) current() (*openConversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if s.active == nil {
		return nil, ErrNoConversation
	}
	return s.active, nil
}

// do runs fn on the reducer goroutine of oc and waits for it.
func (oc *openConversation) do(ctx context.Context, fn func(*state)) error {
	done := make(chan struct{})
	select {
	case oc.cmds <- func(st *state) { fn(st); close(done) }:
	case <-oc.ctx.Done():
		return ErrNoConversation
	case <-ctx.Done():
		return ctx.Err()
	}
	<-done
	return nil
}

func (oc *openConversation) lookup(ctx context.Context, key string) (view.Entry, bool, error) {
	var (
		entry view.Entry
		found bool
	)
	err := oc.do(ctx, func(st *state) {
		entry, found = st.view.Get(key)
	})
	return entry, found, err
}

// Send posts a text message to the open conversation. On failure nothing
// is kept; the caller still holds body and may retry.
func (s *Session) Send(ctx context.Context, body string) (models.Message, error) {
	oc, err := s.current()
	if err != nil {
		return models.Message{}, err
	}
	return s.send(ctx, oc, models.NewTextMessage(s.self, body, s.now().Unix()))
}

// Reply posts body as a reply to the loaded message targetKey. A target
// that is not loaded or was deleted sends nothing and reports ok == false.
func (s *Session) Reply(ctx context.Context, targetKey, body string) (models.Message, bool, error) {
	oc, err := s.current()
	if err != nil {
		return models.Message{}, false, err
	}
	target, ok, err := oc.lookup(ctx, targetKey)
	if err != nil || !ok {
		return models.Message{}, false, err
	}
	msg := reply.Attach(models.NewTextMessage(s.self, body, s.now().Unix()), target.Key, target.Text(), target.SenderDisplayName)
	sent, err := s.send(ctx, oc, msg)
	if err != nil {
		return models.Message{}, false, err
	}
	return sent, true, nil
}

func (s *Session) send(ctx context.Context, oc *openConversation, msg models.Message) (models.Message, error) {
	sent, err := s.engine.Send(ctx, oc.conv.MessagesPath(), msg)
	if err != nil {
		return models.Message{}, err
	}
	oc.tracker.Stop(ctx)
	return sent, nil
}

// DeleteForMe hides a message from this session's view only.
func (s *Session) DeleteForMe(ctx context.Context, key string) (bool, error) {
	oc, err := s.current()
	if err != nil {
		return false, err
	}
	var hidden bool
	err = oc.do(ctx, func(st *state) {
		hidden = s.policy.ForMe(st.view, key)
		if hidden {
			s.publish(oc.conv, st)
		}
	})
	return hidden, err
}

// DeleteForEveryone removes a loaded message from the conversation. The
// message leaves this session's view when the removal comes back through
// the subscription.
func (s *Session) DeleteForEveryone(ctx context.Context, key string) error {
	oc, err := s.current()
	if err != nil {
		return err
	}
	entry, ok, err := oc.lookup(ctx, key)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("delete %s: %w", key, models.ErrNotFound)
	}
	return s.policy.ForEveryone(ctx, oc.conv.MessagesPath(), entry.Message, s.self.ID)
}

// Typing records a keystroke in the open conversation.
func (s *Session) Typing(ctx context.Context) error {
	oc, err := s.current()
	if err != nil {
		return err
	}
	return oc.tracker.Input(ctx)
}

// JumpTo returns the position of a loaded message, typically the target
// of a reply preview. A missing target is not an error.
func (s *Session) JumpTo(ctx context.Context, key string) (int, bool, error) {
	oc, err := s.current()
	if err != nil {
		return 0, false, err
	}
	var (
		index int
		found bool
	)
	err = oc.do(ctx, func(st *state) {
		index, found = reply.Locate(st.view, key)
	})
	return index, found, err
}

// Close stops the open conversation, waits for pending status writes and
// marks the user offline. It is safe to call more than once.
func (s *Session) Close(ctx context.Context) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.closeActiveLocked(ctx)
	s.mu.Unlock()

	s.engine.Wait()
	s.presence.Teardown(ctx, s.self.ID)
	close(s.updates)
}
