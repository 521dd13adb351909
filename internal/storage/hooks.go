package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"

	"palaver/internal/docstore"

	"go.etcd.io/bbolt"
)

// localConnID owns the hooks registered by in-process clients. They fire on
// the next start, after the process that registered them has gone away.
const localConnID = "local"

var _ docstore.Disconnecter = (*BboltStorage)(nil)

// OnDisconnect registers an update to apply once this process has stopped.
func (s *BboltStorage) OnDisconnect(ctx context.Context, path string, fields map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.AddDisconnectHook(localConnID, path, fields)
}

// AddDisconnectHook registers fields to be merged into path once the
// connection connID is gone. A later hook for the same path replaces it.
func (s *BboltStorage) AddDisconnectHook(connID, path string, fields map[string]any) error {
	if err := docstore.ValidatePath(path); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		hook := &DBDisconnectHook{
			ConnID: connID,
			Path:   path,
			Fields: fields,
		}
		data, err := hook.MarshalBinary()
		if err != nil {
			return err
		}
		return tx.Bucket(bucketDisconnectHooks).Put(hook.Key(), data)
	})
}

// RunDisconnectHooks applies and forgets the hooks of connID.
// Hooks for documents that no longer exist are dropped.
func (s *BboltStorage) RunDisconnectHooks(ctx context.Context, connID string) error {
	return s.runHooks(ctx, []byte(connID+"\x00"))
}

// RunPendingDisconnectHooks applies hooks left behind by connections that
// were open when the process last stopped.
func (s *BboltStorage) RunPendingDisconnectHooks(ctx context.Context) error {
	return s.runHooks(ctx, nil)
}

func (s *BboltStorage) runHooks(ctx context.Context, prefix []byte) error {
	var hooks []DBDisconnectHook
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketDisconnectHooks)
		c := b.Cursor()
		var keys [][]byte
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var hook DBDisconnectHook
			if err := hook.UnmarshalBinary(v); err != nil {
				return fmt.Errorf("corrupt disconnect hook %q: %w", k, err)
			}
			hooks = append(hooks, hook)
			keys = append(keys, bytes.Clone(k))
		}
		for _, k := range keys {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	var errs []error
	for _, hook := range hooks {
		err := s.Update(ctx, hook.Path, hook.Fields)
		switch {
		case errors.Is(err, docstore.ErrNotFound):
			slog.Debug("disconnect hook target gone", "conn_id", hook.ConnID, "path", hook.Path)
		case err != nil:
			errs = append(errs, fmt.Errorf("disconnect hook %s: %w", hook.Path, err))
		}
	}
	return errors.Join(errs...)
}
