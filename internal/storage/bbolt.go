package storage

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"palaver/internal/auth"
	"palaver/internal/docstore"
	"palaver/internal/models"

	"go.etcd.io/bbolt"
)

var (
	bucketDocuments       = []byte("documents")
	bucketCredentials     = []byte("credentials")
	bucketDisconnectHooks = []byte("disconnect_hooks")
)

// BboltStorage is the persistent realtime document store. Documents live in
// a single bucket keyed by their full path; subscriptions are fanned out
// in process.
type BboltStorage struct {
	db *bbolt.DB

	// mu serializes writes with subscription registration so that a
	// snapshot is never interleaved with a concurrent commit.
	mu   sync.Mutex
	subs map[string]map[string]*docstore.Subscription
}

var _ docstore.Store = (*BboltStorage)(nil)

func NewBboltStorage(path string) (*BboltStorage, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketDocuments, bucketCredentials, bucketDisconnectHooks} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &BboltStorage{
		db:   db,
		subs: make(map[string]map[string]*docstore.Subscription),
	}, nil
}

// Close ends all live subscriptions and closes the database.
func (s *BboltStorage) Close() error {
	s.mu.Lock()
	var open []*docstore.Subscription
	for _, byID := range s.subs {
		for _, sub := range byID {
			open = append(open, sub)
		}
	}
	s.mu.Unlock()

	for _, sub := range open {
		sub.CloseWithError(docstore.ErrClosed)
	}
	return s.db.Close()
}

// UpsertCredentials stores new or updated user credentials.
func (s *BboltStorage) UpsertCredentials(credentials auth.UserCredentials) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketCredentials)
		dbCreds := &DBCredentials{
			ID:           credentials.ID,
			UserName:     credentials.UserName,
			DisplayName:  credentials.DisplayName,
			AvatarURL:    credentials.AvatarURL,
			PasswordHash: credentials.PasswordHash,
			CreatedAt:    credentials.CreatedAt,
		}

		data, err := dbCreds.MarshalBinary()
		if err != nil {
			return err
		}
		return b.Put(dbCreds.Key(), data)
	})
}

// ListCredentials returns all user credentials stored in the database.
func (s *BboltStorage) ListCredentials() ([]auth.UserCredentials, error) {
	var credentials []auth.UserCredentials
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketCredentials)
		return b.ForEach(func(k, v []byte) error {
			var dbCreds DBCredentials
			if err := dbCreds.UnmarshalBinary(v); err != nil {
				return err
			}
			credentials = append(credentials, auth.UserCredentials{
				User: models.User{
					ID:          dbCreds.ID,
					DisplayName: dbCreds.DisplayName,
					AvatarURL:   dbCreds.AvatarURL,
				},
				UserName:     dbCreds.UserName,
				PasswordHash: dbCreds.PasswordHash,
				CreatedAt:    dbCreds.CreatedAt,
			})
			return nil
		})
	})
	return credentials, err
}

func (s *BboltStorage) ReadOnce(ctx context.Context, path string) (docstore.Document, error) {
	if err := checkRequest(ctx, path); err != nil {
		return nil, err
	}

	var doc docstore.Document
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketDocuments).Get([]byte(path))
		if data == nil {
			return docstore.ErrNotFound
		}
		doc = bytes.Clone(data)
		return nil
	})
	return doc, err
}

func (s *BboltStorage) Set(ctx context.Context, path string, doc docstore.Document) error {
	if err := checkRequest(ctx, path); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var existed bool
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketDocuments)
		existed = b.Get([]byte(path)) != nil
		return b.Put([]byte(path), doc)
	})
	if err != nil {
		return fmt.Errorf("failed to set %s: %w", path, err)
	}

	kind := docstore.EventInserted
	if existed {
		kind = docstore.EventUpdated
	}
	s.publishLocked(kind, path, doc)
	return nil
}

func (s *BboltStorage) Append(ctx context.Context, path string, doc docstore.Document) (string, error) {
	if err := checkRequest(ctx, path); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var key string
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketDocuments)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		key = fmt.Sprintf("%016x", seq)
		return b.Put([]byte(docstore.Join(path, key)), doc)
	})
	if err != nil {
		return "", fmt.Errorf("failed to append to %s: %w", path, err)
	}

	s.publishLocked(docstore.EventInserted, docstore.Join(path, key), doc)
	return key, nil
}

func (s *BboltStorage) Update(ctx context.Context, path string, fields map[string]any) error {
	if err := checkRequest(ctx, path); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.updateLocked(path, fields)
	if err != nil {
		return err
	}
	s.publishLocked(docstore.EventUpdated, path, doc)
	return nil
}

func (s *BboltStorage) updateLocked(path string, fields map[string]any) (docstore.Document, error) {
	var merged docstore.Document
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketDocuments)
		current := b.Get([]byte(path))
		if current == nil {
			return docstore.ErrNotFound
		}
		fields, err := keepStatusMonotone(current, fields)
		if err != nil {
			return err
		}
		merged, err = docstore.Merge(current, fields)
		if err != nil {
			return fmt.Errorf("failed to merge fields: %w", err)
		}
		return b.Put([]byte(path), merged)
	})
	return merged, err
}

// keepStatusMonotone drops a message status write that would rank below
// the stored status. Writers race (sender ack vs. recipient seen) and the
// stored status must never move backwards.
func keepStatusMonotone(current docstore.Document, fields map[string]any) (map[string]any, error) {
	raw, ok := fields["status"]
	if !ok {
		return fields, nil
	}
	var next models.MessageStatus
	switch v := raw.(type) {
	case models.MessageStatus:
		next = v
	case string:
		next = models.MessageStatus(v)
	default:
		return fields, nil
	}

	var stored struct {
		Status models.MessageStatus `msgpack:"status"`
	}
	if err := docstore.Decode(current, &stored); err != nil {
		return nil, fmt.Errorf("failed to decode document: %w", err)
	}
	if next.Rank() >= stored.Status.Rank() {
		return fields, nil
	}

	kept := make(map[string]any, len(fields)-1)
	for k, v := range fields {
		if k != "status" {
			kept[k] = v
		}
	}
	return kept, nil
}

func (s *BboltStorage) Remove(ctx context.Context, path string) error {
	if err := checkRequest(ctx, path); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var removed []string
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketDocuments)
		if b.Get([]byte(path)) != nil {
			removed = append(removed, path)
		}

		prefix := []byte(path + "/")
		c := b.Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			removed = append(removed, string(k))
		}
		for _, p := range removed {
			if err := b.Delete([]byte(p)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to remove %s: %w", path, err)
	}

	for _, p := range removed {
		s.publishLocked(docstore.EventRemoved, p, nil)
	}
	return nil
}

func (s *BboltStorage) Subscribe(ctx context.Context, path string) (*docstore.Subscription, error) {
	if err := checkRequest(ctx, path); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	children, err := s.children(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	sub := docstore.NewSubscription(ctx, path, func(closed *docstore.Subscription) {
		s.unsubscribe(path, closed.ID())
	})
	sub.Push(docstore.Event{
		Kind:     docstore.EventSnapshot,
		Path:     path,
		Children: children,
	})

	byID, ok := s.subs[path]
	if !ok {
		byID = make(map[string]*docstore.Subscription)
		s.subs[path] = byID
	}
	byID[sub.ID()] = sub
	return sub, nil
}

func (s *BboltStorage) unsubscribe(path, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if byID, ok := s.subs[path]; ok {
		delete(byID, id)
		if len(byID) == 0 {
			delete(s.subs, path)
		}
	}
}

// children returns the direct children of path in key order.
func (s *BboltStorage) children(path string) ([]docstore.Child, error) {
	var children []docstore.Child
	err := s.db.View(func(tx *bbolt.Tx) error {
		prefix := []byte(path + "/")
		c := tx.Bucket(bucketDocuments).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			rest := k[len(prefix):]
			if bytes.IndexByte(rest, '/') >= 0 {
				continue
			}
			children = append(children, docstore.Child{
				Key: string(rest),
				Doc: bytes.Clone(v),
			})
		}
		return nil
	})
	return children, err
}

// publishLocked notifies subscribers of the parent of changed. Caller holds s.mu.
func (s *BboltStorage) publishLocked(kind docstore.EventKind, changed string, doc docstore.Document) {
	parent, key := docstore.Split(changed)
	for _, sub := range s.subs[parent] {
		sub.Push(docstore.Event{
			Kind: kind,
			Path: parent,
			Key:  key,
			Doc:  doc,
		})
	}
}

func checkRequest(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return docstore.ValidatePath(path)
}
