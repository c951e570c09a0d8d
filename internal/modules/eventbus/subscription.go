// README: Subscription delivers events in publish order from an unbounded-until-limit queue.
package eventbus

import (
	"sync"
)

type Subscription struct {
	id         uint64
	subscriber string
	topics     []Topic
	bus        *Bus
	limit      int

	out  chan Event
	wake chan struct{}
	done chan struct{}

	mu      sync.Mutex
	queue   []Event
	err     error
	stopped bool

	closeOnce sync.Once
}

func newSubscription(b *Bus, id uint64, subscriber string, topics []Topic) *Subscription {
	s := &Subscription{
		id:         id,
		subscriber: subscriber,
		topics:     topics,
		bus:        b,
		limit:      b.queueLimit,
		out:        make(chan Event),
		wake:       make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
	go s.pump()
	return s
}

// C returns the delivery stream. It is closed when the subscription ends.
func (s *Subscription) C() <-chan Event { return s.out }

func (s *Subscription) Subscriber() string { return s.subscriber }

func (s *Subscription) Topics() []Topic {
	out := make([]Topic, len(s.topics))
	copy(out, s.topics)
	return out
}

// Err reports why the subscription ended: nil while active,
// ErrSlowSubscriber after eviction, ErrSubscriptionEnd otherwise.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Pending returns the number of queued, undelivered events.
func (s *Subscription) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Close unsubscribes and drops undelivered events. Safe to call more than once.
func (s *Subscription) Close() {
	s.end(ErrSubscriptionEnd)
}

func (s *Subscription) end(reason error) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.stopped = true
		s.err = reason
		s.queue = nil
		s.mu.Unlock()
		s.bus.remove(s)
		close(s.done)
	})
}

// enqueue returns false when the queue limit is reached.
func (s *Subscription) enqueue(e Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return true
	}
	if s.limit > 0 && len(s.queue) >= s.limit {
		return false
	}
	s.queue = append(s.queue, e)
	select {
	case s.wake <- struct{}{}:
	default:
	}
	return true
}

func (s *Subscription) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			select {
			case <-s.wake:
				continue
			case <-s.done:
				return
			}
		}
		e := s.queue[0]
		s.queue[0] = Event{}
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- e:
			s.bus.delivered.Add(1)
		case <-s.done:
			return
		}
	}
}
