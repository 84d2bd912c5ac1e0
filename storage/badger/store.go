// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/cognition/broker"
	"github.com/AleutianAI/cognition/retry"
)

// Key prefixes keep the three durable concerns apart: retry records,
// unclassifiable entities, and undeliverable messages.
const (
	prefixAnalysis   = "analysis/"
	prefixDeadEntity = "dlq/entity/"
	prefixDeadMsg    = "dlq/message/"
)

// Store persists analysis records and dead letters.
//
// Store implements retry.Store and broker.DeadLetterStore.
//
// # Thread Safety
//
// Safe for concurrent use; Badger transactions provide isolation and the
// version field provides the compare-and-swap the retry manager requires.
type Store struct {
	db *DB
}

var (
	_ retry.Store            = (*Store)(nil)
	_ broker.DeadLetterStore = (*Store)(nil)
)

// NewStore creates a store over an open database.
func NewStore(db *DB) (*Store, error) {
	if db == nil {
		return nil, errors.New("db must not be nil")
	}
	return &Store{db: db}, nil
}

func analysisKey(entityID string, kind retry.Kind) []byte {
	return []byte(prefixAnalysis + retry.Key(entityID, kind))
}

// Get loads a record by identity.
//
// Outputs:
//
//	*retry.Record - The stored record.
//	error - retry.ErrNotFound when absent; other errors on storage failure.
func (s *Store) Get(ctx context.Context, entityID string, kind retry.Kind) (*retry.Record, error) {
	var rec retry.Record
	err := s.db.View(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get(analysisKey(entityID, kind))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return retry.ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})
	if err != nil {
		if errors.Is(err, retry.ErrNotFound) {
			return nil, retry.ErrNotFound
		}
		return nil, fmt.Errorf("get analysis record %s: %w", entityID, err)
	}
	return &rec, nil
}

// Put writes a record with compare-and-swap on its version.
//
// Description:
//
//	Reads the stored version inside the same transaction as the write, so
//	an increment can never be lost between read and persist. A version
//	mismatch (or a Badger transaction conflict from a concurrent writer)
//	surfaces as retry.ErrVersionConflict. On success rec.Version is
//	advanced to the committed value.
func (s *Store) Put(ctx context.Context, rec *retry.Record) error {
	if rec == nil {
		return errors.New("record must not be nil")
	}
	key := analysisKey(rec.EntityID, rec.Kind)

	err := s.db.Update(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
			if rec.Version != 0 {
				return retry.ErrVersionConflict
			}
		case err != nil:
			return err
		default:
			var stored retry.Record
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &stored)
			}); err != nil {
				return err
			}
			if stored.Version != rec.Version {
				return retry.ErrVersionConflict
			}
		}

		next := rec.Clone()
		next.Version = rec.Version + 1
		data, err := json.Marshal(next)
		if err != nil {
			return err
		}
		return txn.Set(key, data)
	})
	if err != nil {
		if errors.Is(err, badger.ErrConflict) {
			return retry.ErrVersionConflict
		}
		if errors.Is(err, retry.ErrVersionConflict) {
			return retry.ErrVersionConflict
		}
		return fmt.Errorf("put analysis record %s: %w", rec.EntityID, err)
	}
	rec.Version++
	return nil
}

// AppendEntity records a terminal entity failure. Entries are immutable;
// a second write for the same entity id is a no-op so replays cannot
// overwrite the original record.
func (s *Store) AppendEntity(ctx context.Context, entry broker.DeadLetterEntry) error {
	key := []byte(prefixDeadEntity + entry.EntityID)
	err := s.db.Update(ctx, func(txn *badger.Txn) error {
		if _, err := txn.Get(key); err == nil {
			return nil // already dead-lettered
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		data, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		return txn.Set(key, data)
	})
	if err != nil {
		return fmt.Errorf("append entity dead letter %s: %w", entry.EntityID, err)
	}
	return nil
}

// AppendMessage records an undeliverable event.
func (s *Store) AppendMessage(ctx context.Context, msg broker.DeadMessage) error {
	key := []byte(prefixDeadMsg + msg.Event.ID)
	err := s.db.Update(ctx, func(txn *badger.Txn) error {
		data, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		return txn.Set(key, data)
	})
	if err != nil {
		return fmt.Errorf("append message dead letter %s: %w", msg.Event.ID, err)
	}
	return nil
}

// ListEntities returns all terminal entity failures for operator inspection.
func (s *Store) ListEntities(ctx context.Context) ([]broker.DeadLetterEntry, error) {
	var out []broker.DeadLetterEntry
	err := s.scan(ctx, prefixDeadEntity, func(val []byte) error {
		var entry broker.DeadLetterEntry
		if err := json.Unmarshal(val, &entry); err != nil {
			return err
		}
		out = append(out, entry)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list entity dead letters: %w", err)
	}
	return out, nil
}

// ListMessages returns all undeliverable events.
func (s *Store) ListMessages(ctx context.Context) ([]broker.DeadMessage, error) {
	var out []broker.DeadMessage
	err := s.scan(ctx, prefixDeadMsg, func(val []byte) error {
		var msg broker.DeadMessage
		if err := json.Unmarshal(val, &msg); err != nil {
			return err
		}
		out = append(out, msg)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list message dead letters: %w", err)
	}
	return out, nil
}

func (s *Store) scan(ctx context.Context, prefix string, visit func(val []byte) error) error {
	return s.db.View(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := it.Item().Value(visit); err != nil {
				return err
			}
		}
		return nil
	})
}
