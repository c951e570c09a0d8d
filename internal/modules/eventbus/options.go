package eventbus

import "log/slog"

const defaultQueueLimit = 1024

type Option func(*Bus)

// WithQueueLimit bounds the number of undelivered events per subscription.
// A subscription that reaches the bound is evicted. Zero disables the bound.
func WithQueueLimit(n int) Option {
	return func(b *Bus) { b.queueLimit = n }
}

func WithLogger(l *slog.Logger) Option {
	return func(b *Bus) { b.logger = l }
}
