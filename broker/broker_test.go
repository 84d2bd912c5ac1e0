// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package broker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memDLQ is an in-memory DeadLetterStore for tests.
type memDLQ struct {
	mu       sync.Mutex
	entities []DeadLetterEntry
	messages []DeadMessage
}

func (s *memDLQ) AppendEntity(ctx context.Context, entry DeadLetterEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entities = append(s.entities, entry)
	return nil
}

func (s *memDLQ) AppendMessage(ctx context.Context, msg DeadMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, msg)
	return nil
}

func (s *memDLQ) ListEntities(ctx context.Context) ([]DeadLetterEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]DeadLetterEntry(nil), s.entities...), nil
}

func (s *memDLQ) ListMessages(ctx context.Context) ([]DeadMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]DeadMessage(nil), s.messages...), nil
}

func fastConfig() Config {
	return Config{
		DeliveryRetries: 2,
		RetryBackoff:    time.Millisecond,
		MaxRetryBackoff: 5 * time.Millisecond,
		RetryJitter:     0.1,
	}
}

func TestBroker_DeliversToMatchingSubscribers(t *testing.T) {
	b, err := New(nil, fastConfig())
	require.NoError(t, err)

	var mu sync.Mutex
	var got []EventType
	b.Subscribe(func(ctx context.Context, ev Event) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, ev.Type)
		return nil
	}, TypeAnalysisCompleted)

	require.NoError(t, b.Publish(context.Background(), NewEvent(TypeAnalysisCompleted, "e1", nil)))
	require.NoError(t, b.Publish(context.Background(), NewEvent(TypeAnalysisRequested, "e1", nil)))
	b.Close()

	assert.Equal(t, []EventType{TypeAnalysisCompleted}, got)
}

func TestBroker_RetriesFlakySubscriber(t *testing.T) {
	b, err := New(nil, fastConfig())
	require.NoError(t, err)

	var mu sync.Mutex
	calls := 0
	b.Subscribe(func(ctx context.Context, ev Event) error {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})

	require.NoError(t, b.Publish(context.Background(), NewEvent(TypeAnalysisCompleted, "e1", nil)))
	b.Close()

	assert.Equal(t, 3, calls)
}

func TestBroker_RedeliveryOutlivesPublisherContext(t *testing.T) {
	dlq := &memDLQ{}
	b, err := New(dlq, fastConfig())
	require.NoError(t, err)

	var mu sync.Mutex
	calls := 0
	b.Subscribe(func(ctx context.Context, ev Event) error {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls == 1 {
			return errors.New("transient")
		}
		return nil
	})

	// The publisher cancels its context right after Publish returns, the
	// way a worker hands off a result and moves on. The redelivery loop
	// must still wait out its backoff and succeed.
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, b.Publish(ctx, NewEvent(TypeAnalysisCompleted, "e1", nil)))
	cancel()
	b.Close()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, calls)

	msgs, err := dlq.ListMessages(context.Background())
	require.NoError(t, err)
	assert.Empty(t, msgs, "a retried-then-delivered event is not a dead letter")
}

func TestBroker_ExhaustedDeliveryDeadLetters(t *testing.T) {
	dlq := &memDLQ{}
	b, err := New(dlq, fastConfig())
	require.NoError(t, err)

	b.Subscribe(func(ctx context.Context, ev Event) error {
		return errors.New("consumer down")
	})

	ev := NewEvent(TypeAnalysisFailed, "e1", nil)
	require.NoError(t, b.Publish(context.Background(), ev))
	b.Close()

	msgs, err := dlq.ListMessages(context.Background())
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, ev.ID, msgs[0].Event.ID)
	assert.Contains(t, msgs[0].Reason, "consumer down")

	// Message dead letters are orthogonal to entity dead letters.
	ents, err := dlq.ListEntities(context.Background())
	require.NoError(t, err)
	assert.Empty(t, ents)
}

func TestBroker_PanickingSubscriberIsContained(t *testing.T) {
	dlq := &memDLQ{}
	b, err := New(dlq, fastConfig())
	require.NoError(t, err)

	var delivered sync.WaitGroup
	delivered.Add(1)
	b.Subscribe(func(ctx context.Context, ev Event) error {
		panic("handler bug")
	})
	b.Subscribe(func(ctx context.Context, ev Event) error {
		delivered.Done()
		return nil
	})

	require.NoError(t, b.Publish(context.Background(), NewEvent(TypeAnalysisCompleted, "e1", nil)))
	delivered.Wait()
	b.Close()

	msgs, err := dlq.ListMessages(context.Background())
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestBroker_DeadLetterEntity(t *testing.T) {
	dlq := &memDLQ{}
	b, err := New(dlq, Config{})
	require.NoError(t, err)

	err = b.DeadLetterEntity(context.Background(), DeadLetterEntry{
		EntityID:     "e1",
		Reason:       "no confident match",
		AttemptCount: 3,
	})
	require.NoError(t, err)

	ents, err := dlq.ListEntities(context.Background())
	require.NoError(t, err)
	require.Len(t, ents, 1)
	assert.Equal(t, "e1", ents[0].EntityID)
	assert.NotZero(t, ents[0].CreatedAt)
}

func TestBroker_PublishAfterClose(t *testing.T) {
	b, err := New(nil, Config{})
	require.NoError(t, err)
	b.Close()

	err = b.Publish(context.Background(), NewEvent(TypeAnalysisCompleted, "e1", nil))
	assert.ErrorIs(t, err, ErrClosed)
}
