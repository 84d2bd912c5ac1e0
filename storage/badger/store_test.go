// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package badger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/cognition/broker"
	"github.com/AleutianAI/cognition/patterns"
	"github.com/AleutianAI/cognition/retry"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	db, err := OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store, err := NewStore(db)
	require.NoError(t, err)
	return store
}

func TestStore_GetMissing(t *testing.T) {
	store := testStore(t)
	_, err := store.Get(context.Background(), "e1", retry.KindPattern)
	assert.ErrorIs(t, err, retry.ErrNotFound)
}

func TestStore_PutGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := testStore(t)

	rec := &retry.Record{
		EntityID:     "e1",
		Kind:         retry.KindPattern,
		State:        retry.StateAnalyzing,
		AttemptCount: 2,
		History: []patterns.Match{
			{Code: patterns.CodeFlow, Confidence: 0.5, Rationale: "flow edges"},
		},
	}
	require.NoError(t, store.Put(ctx, rec))
	assert.Equal(t, uint64(1), rec.Version)

	got, err := store.Get(ctx, "e1", retry.KindPattern)
	require.NoError(t, err)
	assert.Equal(t, retry.StateAnalyzing, got.State)
	assert.Equal(t, 2, got.AttemptCount)
	assert.Equal(t, uint64(1), got.Version)
	require.Len(t, got.History, 1)
	assert.Equal(t, patterns.CodeFlow, got.History[0].Code)
}

func TestStore_VersionCAS(t *testing.T) {
	ctx := context.Background()
	store := testStore(t)

	rec := &retry.Record{EntityID: "e1", Kind: retry.KindPattern, State: retry.StatePending}
	require.NoError(t, store.Put(ctx, rec))

	// A writer holding a stale version loses.
	stale := rec.Clone()
	stale.Version = 0
	err := store.Put(ctx, stale)
	assert.ErrorIs(t, err, retry.ErrVersionConflict)

	// The current version wins and advances.
	rec.State = retry.StateAnalyzing
	require.NoError(t, store.Put(ctx, rec))
	assert.Equal(t, uint64(2), rec.Version)

	// Creating over an existing key with version 0 conflicts.
	fresh := &retry.Record{EntityID: "e1", Kind: retry.KindPattern, State: retry.StatePending}
	err = store.Put(ctx, fresh)
	assert.ErrorIs(t, err, retry.ErrVersionConflict)
}

func TestStore_DeadLetters(t *testing.T) {
	ctx := context.Background()
	store := testStore(t)

	entry := broker.DeadLetterEntry{
		EntityID:     "e1",
		Reason:       "no confident match",
		AttemptCount: 3,
		CreatedAt:    1000,
	}
	require.NoError(t, store.AppendEntity(ctx, entry))

	// Replayed append must not overwrite the original entry.
	replay := entry
	replay.Reason = "different reason"
	require.NoError(t, store.AppendEntity(ctx, replay))

	ents, err := store.ListEntities(ctx)
	require.NoError(t, err)
	require.Len(t, ents, 1)
	assert.Equal(t, "no confident match", ents[0].Reason)

	msg := broker.DeadMessage{
		Event:  broker.NewEvent(broker.TypeAnalysisCompleted, "e1", nil),
		Reason: "consumer down",
	}
	require.NoError(t, store.AppendMessage(ctx, msg))

	msgs, err := store.ListMessages(ctx)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, msg.Event.ID, msgs[0].Event.ID)
}

func TestStore_PrefixesAreIsolated(t *testing.T) {
	ctx := context.Background()
	store := testStore(t)

	rec := &retry.Record{EntityID: "e1", Kind: retry.KindPattern, State: retry.StatePending}
	require.NoError(t, store.Put(ctx, rec))
	require.NoError(t, store.AppendEntity(ctx, broker.DeadLetterEntry{EntityID: "e1"}))

	msgs, err := store.ListMessages(ctx)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	ents, err := store.ListEntities(ctx)
	require.NoError(t, err)
	assert.Len(t, ents, 1)
}
