// README: RabbitMQ connection and topic exchange used by the event relay.
package infra

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

type AMQP struct {
	conn *amqp.Connection
	ch   *amqp.Channel
}

// NewAMQP dials url with retries and declares a durable topic exchange.
func NewAMQP(ctx context.Context, url, exchange string, logger *slog.Logger) (*AMQP, error) {
	if logger == nil {
		logger = slog.Default()
	}
	const maxRetries = 5
	delay := time.Second

	var conn *amqp.Connection
	var err error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		conn, err = amqp.Dial(url)
		if err == nil {
			break
		}
		logger.Warn("rabbitmq connection attempt failed", "attempt", attempt, "error", err)
		if attempt == maxRetries {
			return nil, fmt.Errorf("dial rabbitmq after %d attempts: %w", maxRetries, err)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
			delay *= 2
		}
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	return &AMQP{conn: conn, ch: ch}, nil
}

func (a *AMQP) Channel() *amqp.Channel { return a.ch }

func (a *AMQP) Close() error {
	if err := a.ch.Close(); err != nil {
		_ = a.conn.Close()
		return err
	}
	return a.conn.Close()
}
