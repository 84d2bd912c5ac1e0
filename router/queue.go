// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package router orders pending analysis work and advises which pattern
// codes to attempt first.
//
// Ownership of a queued item is exclusive: the router holds it until
// Dequeue hands it to a worker, and the worker holds it for the duration of
// one analysis attempt.
package router

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/AleutianAI/cognition/patterns"
)

// ErrClosed is returned when the queue has been shut down.
var ErrClosed = errors.New("router: queue closed")

// Item is one unit of pending analysis work.
type Item struct {
	// EntityID identifies the entity to analyze.
	EntityID string

	// AnalysisID is the id handed back to the submitter.
	AnalysisID string

	// Priority orders items; higher dequeues first.
	Priority int

	// Entity is the entity payload.
	Entity *patterns.Entity

	// Context is the submitted surrounding material, may be nil.
	Context *patterns.Context

	// EnqueuedAt is when the item entered the queue.
	EnqueuedAt time.Time

	// seq breaks priority ties in favor of earlier enqueues.
	seq uint64
}

// itemHeap orders by priority descending, then enqueue sequence ascending.
type itemHeap []*Item

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].seq < h[j].seq
}

func (h itemHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *itemHeap) Push(x any) { *h = append(*h, x.(*Item)) }

func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// ReadyFunc reports whether an entity may start an attempt right now.
// Entities mid-analysis or inside an unexpired cool-down are not ready.
type ReadyFunc func(ctx context.Context, entityID string) bool

// QueueConfig holds configuration for the priority queue.
type QueueConfig struct {
	// Ready gates dequeue eligibility. Nil means everything is ready.
	Ready ReadyFunc

	// PollInterval bounds how long a blocked Dequeue waits before
	// re-checking readiness; cool-down expiry produces no signal, so the
	// queue has to poll for it.
	PollInterval time.Duration
}

// DefaultQueueConfig returns standard queue settings.
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{PollInterval: 250 * time.Millisecond}
}

// Validate checks the configuration for correctness.
func (c *QueueConfig) Validate() error {
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive, got %v", c.PollInterval)
	}
	return nil
}

func (c *QueueConfig) applyDefaults() {
	if c.PollInterval == 0 {
		c.PollInterval = DefaultQueueConfig().PollInterval
	}
}

// Queue is the priority router's work queue.
//
// Description:
//
//	Dequeue returns the highest-priority ready item, FIFO within a priority
//	band. Items whose entity is not ready stay queued at their original
//	position until readiness changes.
//
// Thread Safety: Safe for concurrent use.
type Queue struct {
	config QueueConfig

	mu      sync.Mutex
	items   itemHeap
	nextSeq uint64
	closed  bool

	// signal wakes one blocked Dequeue after an enqueue. Capacity one so a
	// signal with no waiter is remembered, not lost.
	signal chan struct{}
}

// NewQueue creates a queue.
func NewQueue(config QueueConfig) (*Queue, error) {
	config.applyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid queue config: %w", err)
	}
	q := &Queue{
		config: config,
		signal: make(chan struct{}, 1),
	}
	heap.Init(&q.items)
	return q, nil
}

// Enqueue accepts a unit of work.
//
// Inputs:
//
//	item - Work to queue. EntityID and Entity must be set.
//
// Outputs:
//
//	error - ErrClosed after Close; validation errors on a malformed item.
func (q *Queue) Enqueue(item *Item) error {
	if item == nil || item.EntityID == "" || item.Entity == nil {
		return errors.New("item requires an entity id and entity")
	}
	if item.EnqueuedAt.IsZero() {
		item.EnqueuedAt = time.Now()
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	item.seq = q.nextSeq
	q.nextSeq++
	heap.Push(&q.items, item)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return nil
}

// Dequeue blocks until a ready item is available, the context ends, or the
// queue closes.
//
// Outputs:
//
//	*Item - The highest-priority ready item; ownership transfers to the caller.
//	error - ctx.Err() on cancellation, ErrClosed after Close.
func (q *Queue) Dequeue(ctx context.Context) (*Item, error) {
	ticker := time.NewTicker(q.config.PollInterval)
	defer ticker.Stop()

	for {
		item, closed := q.takeReady(ctx)
		if item != nil {
			return item, nil
		}
		if closed {
			return nil, ErrClosed
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.signal:
		case <-ticker.C:
		}
	}
}

// takeReady pops the best ready item, restoring any skipped ones. The skip
// list is small in practice: only entities mid-analysis or cooling down.
func (q *Queue) takeReady(ctx context.Context) (*Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var skipped []*Item
	var found *Item
	for q.items.Len() > 0 {
		item := heap.Pop(&q.items).(*Item)
		if q.config.Ready == nil || q.config.Ready(ctx, item.EntityID) {
			found = item
			break
		}
		skipped = append(skipped, item)
	}
	for _, item := range skipped {
		heap.Push(&q.items, item)
	}
	if found == nil && q.closed {
		return nil, true
	}
	return found, false
}

// Len returns the number of queued items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

// Close stops the queue. Queued items are discarded; blocked Dequeue calls
// return ErrClosed once drained of ready work.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.items = nil
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}
