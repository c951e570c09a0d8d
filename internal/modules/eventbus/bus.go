// README: In-process topic event bus; constructor-injected, one ordered queue per subscription.
package eventbus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Publisher is the narrow interface modules depend on.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

type Bus struct {
	mu       sync.RWMutex
	exact    map[Topic]map[*Subscription]struct{}
	patterns map[*Subscription][]Topic
	closed   bool

	queueLimit int
	logger     *slog.Logger

	nextID    atomic.Uint64
	published atomic.Uint64
	delivered atomic.Uint64
	evicted   atomic.Uint64
}

type Stats struct {
	Subscriptions int
	Published     uint64
	Delivered     uint64
	Evicted       uint64
}

func New(opts ...Option) *Bus {
	b := &Bus{
		exact:      make(map[Topic]map[*Subscription]struct{}),
		patterns:   make(map[*Subscription][]Topic),
		queueLimit: defaultQueueLimit,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers interest in topics (concrete or wildcard). Only events
// published after Subscribe returns are delivered.
func (b *Bus) Subscribe(subscriber string, topics ...Topic) (*Subscription, error) {
	if len(topics) == 0 {
		return nil, ErrNoTopics
	}
	for _, t := range topics {
		if !t.Valid() {
			return nil, fmt.Errorf("%w: %q", ErrInvalidTopic, t)
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBusClosed
	}

	s := newSubscription(b, b.nextID.Add(1), subscriber, append([]Topic(nil), topics...))
	var patterns []Topic
	for _, t := range topics {
		if t.IsPattern() {
			patterns = append(patterns, t)
			continue
		}
		set := b.exact[t]
		if set == nil {
			set = make(map[*Subscription]struct{})
			b.exact[t] = set
		}
		set[s] = struct{}{}
	}
	if len(patterns) > 0 {
		b.patterns[s] = patterns
	}
	return s, nil
}

// Publish enqueues e for every matching subscription, once each, and returns
// without waiting for delivery.
func (b *Bus) Publish(ctx context.Context, e Event) error {
	if !e.Topic.Valid() || e.Topic.IsPattern() {
		return fmt.Errorf("%w: %q", ErrInvalidTopic, e.Topic)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if e.PublishedAt.IsZero() {
		e.PublishedAt = time.Now()
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrBusClosed
	}
	targets := make(map[*Subscription]struct{}, len(b.exact[e.Topic]))
	for s := range b.exact[e.Topic] {
		targets[s] = struct{}{}
	}
	for s, patterns := range b.patterns {
		for _, p := range patterns {
			if Match(p, e.Topic) {
				targets[s] = struct{}{}
				break
			}
		}
	}
	var slow []*Subscription
	for s := range targets {
		if !s.enqueue(e) {
			slow = append(slow, s)
		}
	}
	b.mu.RUnlock()

	b.published.Add(1)
	for _, s := range slow {
		b.evicted.Add(1)
		b.logger.Warn("eventbus: evicting slow subscriber",
			"subscriber", s.subscriber, "topic", string(e.Topic), "limit", s.limit)
		s.end(ErrSlowSubscriber)
	}
	return nil
}

// Close ends every subscription and rejects further use.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make(map[*Subscription]struct{})
	for _, set := range b.exact {
		for s := range set {
			subs[s] = struct{}{}
		}
	}
	for s := range b.patterns {
		subs[s] = struct{}{}
	}
	b.mu.Unlock()

	for s := range subs {
		s.Close()
	}
}

func (b *Bus) Stats() Stats {
	b.mu.RLock()
	subs := make(map[*Subscription]struct{})
	for _, set := range b.exact {
		for s := range set {
			subs[s] = struct{}{}
		}
	}
	for s := range b.patterns {
		subs[s] = struct{}{}
	}
	b.mu.RUnlock()
	return Stats{
		Subscriptions: len(subs),
		Published:     b.published.Load(),
		Delivered:     b.delivered.Load(),
		Evicted:       b.evicted.Load(),
	}
}

func (b *Bus) remove(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, t := range s.topics {
		if set, ok := b.exact[t]; ok {
			delete(set, s)
			if len(set) == 0 {
				delete(b.exact, t)
			}
		}
	}
	delete(b.patterns, s)
}
