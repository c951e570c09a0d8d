// README: Event bus sentinel errors.
package eventbus

import "errors"

var (
	ErrBusClosed       = errors.New("event bus closed")
	ErrInvalidTopic    = errors.New("invalid topic")
	ErrNoTopics        = errors.New("subscription needs at least one topic")
	ErrSlowSubscriber  = errors.New("subscriber evicted: queue limit exceeded")
	ErrSubscriptionEnd = errors.New("subscription closed")
)
