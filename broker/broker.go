// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package broker

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// ErrClosed is returned when publishing on a closed broker.
var ErrClosed = errors.New("broker is closed")

// Handler processes one delivered event. A non-nil error triggers a
// delivery retry.
type Handler func(ctx context.Context, event Event) error

// Config configures delivery behavior.
type Config struct {
	// DeliveryRetries is the number of redelivery attempts after the first
	// failed delivery. Independent of the engine's analysis retry budget.
	// Default: 3.
	DeliveryRetries int

	// RetryBackoff is the initial backoff between redeliveries.
	// Default: 100ms.
	RetryBackoff time.Duration

	// MaxRetryBackoff caps the exponential backoff.
	// Default: 2s.
	MaxRetryBackoff time.Duration

	// RetryJitter adds randomness to backoff (0.0-1.0).
	// Default: 0.25.
	RetryJitter float64

	// Logger for delivery events. Default: slog.Default().
	Logger *slog.Logger
}

// DefaultConfig returns sensible defaults for production use.
func DefaultConfig() Config {
	return Config{
		DeliveryRetries: 3,
		RetryBackoff:    100 * time.Millisecond,
		MaxRetryBackoff: 2 * time.Second,
		RetryJitter:     0.25,
		Logger:          slog.Default(),
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.DeliveryRetries < 0 {
		return errors.New("delivery_retries must be non-negative")
	}
	if c.RetryBackoff < 0 {
		return errors.New("retry_backoff must be non-negative")
	}
	if c.RetryJitter < 0 || c.RetryJitter > 1 {
		return errors.New("retry_jitter must be between 0 and 1")
	}
	return nil
}

func (c *Config) applyDefaults() {
	defaults := DefaultConfig()
	if c.DeliveryRetries == 0 {
		c.DeliveryRetries = defaults.DeliveryRetries
	}
	if c.RetryBackoff == 0 {
		c.RetryBackoff = defaults.RetryBackoff
	}
	if c.MaxRetryBackoff == 0 {
		c.MaxRetryBackoff = defaults.MaxRetryBackoff
	}
	if c.RetryJitter == 0 {
		c.RetryJitter = defaults.RetryJitter
	}
	if c.Logger == nil {
		c.Logger = defaults.Logger
	}
}

type subscription struct {
	id      string
	types   []EventType
	handler Handler
}

func (s *subscription) wants(t EventType) bool {
	if len(s.types) == 0 {
		return true
	}
	for _, st := range s.types {
		if st == t {
			return true
		}
	}
	return false
}

// Broker fans events out to subscribers with bounded redelivery.
//
// # Thread Safety
//
// All public methods are safe for concurrent use from multiple goroutines.
type Broker struct {
	config Config
	logger *slog.Logger
	dlq    DeadLetterStore

	mu   sync.RWMutex
	subs map[string]*subscription

	wg     sync.WaitGroup
	closed atomic.Bool
}

// New creates a broker.
//
// Inputs:
//
//	dlq - Dead-letter store for undeliverable events and terminal entities.
//	      May be nil; exhausted deliveries are then only logged.
//	config - Delivery configuration. Zero values take defaults.
//
// Outputs:
//
//	*Broker - Ready-to-use broker.
//	error - Non-nil if config is invalid.
func New(dlq DeadLetterStore, config Config) (*Broker, error) {
	config.applyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Broker{
		config: config,
		logger: config.Logger,
		dlq:    dlq,
		subs:   make(map[string]*subscription),
	}, nil
}

// Subscribe registers a handler for the given event types (none = all).
//
// Outputs:
//
//	string - Subscription id for Unsubscribe.
func (b *Broker) Subscribe(handler Handler, types ...EventType) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &subscription{
		id:      uuid.NewString(),
		types:   types,
		handler: handler,
	}
	b.subs[sub.id] = sub
	return sub.id
}

// Unsubscribe removes a subscription.
func (b *Broker) Unsubscribe(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[id]; ok {
		delete(b.subs, id)
		return true
	}
	return false
}

// Publish delivers an event to every matching subscriber, at least once.
//
// Description:
//
//	Delivery to each subscriber runs on its own goroutine so a slow
//	consumer never blocks the engine's analysis path. Failed deliveries
//	retry with exponential backoff and jitter up to DeliveryRetries; an
//	exhausted event is appended to the message dead-letter store and never
//	silently dropped.
//
// Inputs:
//
//	ctx - Carries values (trace metadata) into the handlers. Delivery is
//	      detached from its cancellation: a publisher returning or timing
//	      out cannot cut a redelivery loop short.
//	event - The event to deliver.
//
// Outputs:
//
//	error - ErrClosed if the broker was closed. Delivery failures are not
//	        surfaced here; they resolve through redelivery or dead-letter.
func (b *Broker) Publish(ctx context.Context, event Event) error {
	if b.closed.Load() {
		return ErrClosed
	}

	b.mu.RLock()
	matching := make([]*subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.wants(event.Type) {
			matching = append(matching, sub)
		}
	}
	b.mu.RUnlock()

	// Redelivery backoffs routinely outlive the publish call, so the
	// delivery context keeps the caller's values but not its cancellation.
	dctx := context.WithoutCancel(ctx)
	for _, sub := range matching {
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			b.deliver(dctx, sub, event)
		}()
	}
	return nil
}

// deliver runs the bounded redelivery loop for one subscriber.
func (b *Broker) deliver(ctx context.Context, sub *subscription, event Event) {
	var lastErr error
	for attempt := 0; attempt <= b.config.DeliveryRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				b.deadLetter(event, ctx.Err().Error())
				return
			case <-time.After(b.backoffFor(attempt)):
			}
		}

		lastErr = b.safeDeliver(ctx, sub, event)
		if lastErr == nil {
			return
		}
		b.logger.Warn("event delivery failed",
			"event_id", event.ID,
			"event_type", string(event.Type),
			"subscription", sub.id,
			"attempt", attempt+1,
			"error", lastErr)
	}
	b.deadLetter(event, lastErr.Error())
}

// safeDeliver invokes a handler with panic recovery so one misbehaving
// subscriber cannot crash the broker.
func (b *Broker) safeDeliver(ctx context.Context, sub *subscription, event Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.New("handler panicked")
			b.logger.Error("event handler panicked",
				"event_id", event.ID,
				"subscription", sub.id,
				"panic", r)
		}
	}()
	return sub.handler(ctx, event)
}

func (b *Broker) deadLetter(event Event, reason string) {
	b.logger.Error("event moved to dead-letter store",
		"event_id", event.ID,
		"event_type", string(event.Type),
		"entity_id", event.EntityID,
		"reason", reason)
	if b.dlq == nil {
		return
	}
	msg := DeadMessage{
		Event:     event,
		Reason:    reason,
		CreatedAt: time.Now().UnixMilli(),
	}
	// Detached context: the publish context is typically already dead here.
	dctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := b.dlq.AppendMessage(dctx, msg); err != nil {
		b.logger.Error("failed to persist dead-lettered event",
			"event_id", event.ID,
			"error", err)
	}
}

// DeadLetterEntity records a terminal entity failure.
//
// Description:
//
//	Called by the engine when a record reaches TERMINAL_FAILED. Distinct
//	from message dead-lettering: the entity entry is the durable operator
//	record that classification was exhausted.
//
// Outputs:
//
//	error - Non-nil if the store write fails (infrastructure error).
func (b *Broker) DeadLetterEntity(ctx context.Context, entry DeadLetterEntry) error {
	if b.dlq == nil {
		return nil
	}
	if entry.CreatedAt == 0 {
		entry.CreatedAt = time.Now().UnixMilli()
	}
	return b.dlq.AppendEntity(ctx, entry)
}

// backoffFor computes the exponential backoff with jitter for an attempt.
func (b *Broker) backoffFor(attempt int) time.Duration {
	backoff := b.config.RetryBackoff
	for i := 1; i < attempt; i++ {
		backoff *= 2
		if backoff >= b.config.MaxRetryBackoff {
			backoff = b.config.MaxRetryBackoff
			break
		}
	}
	if b.config.RetryJitter > 0 {
		jitter := 1 + b.config.RetryJitter*(2*rand.Float64()-1)
		backoff = time.Duration(float64(backoff) * jitter)
	}
	return backoff
}

// Close stops accepting publishes and waits for in-flight deliveries.
func (b *Broker) Close() {
	if b.closed.Swap(true) {
		return
	}
	b.wg.Wait()
}
