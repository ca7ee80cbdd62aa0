package channel

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// defaultExchange is the topic exchange chat services publish message
// change events to, keyed by "conversation.<id>".
const defaultExchange = "chat.events"

// AMQPChannel consumes conversation events from a RabbitMQ topic
// exchange through a private auto-deleted queue.
type AMQPChannel struct {
	url      string
	exchange string
	logger   *zap.Logger
}

// NewAMQPChannel creates an AMQP channel. An empty exchange selects
// the default.
func NewAMQPChannel(url, exchange string, logger *zap.Logger) *AMQPChannel {
	if exchange == "" {
		exchange = defaultExchange
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AMQPChannel{url: url, exchange: exchange, logger: logger}
}

func (c *AMQPChannel) Subscribe(ctx context.Context, conversationID string, fn Handler) (Subscription, error) {
	conn, err := amqp.Dial(c.url)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}

	if err := ch.ExchangeDeclare(c.exchange, "topic", true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}

	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("declare queue: %w", err)
	}

	routingKey := "conversation." + conversationID
	if err := ch.QueueBind(q.Name, routingKey, c.exchange, false, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("bind queue: %w", err)
	}

	deliveries, err := ch.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("consume: %w", err)
	}

	go func() {
		for d := range deliveries {
			evt, err := decodeEvent(d.Body)
			if err != nil {
				c.logger.Error("bad amqp payload", zap.Error(err))
				continue
			}
			fn(evt)
		}
	}()

	return &subscription{close: func() error {
		_ = ch.Close()
		return conn.Close()
	}}, nil
}
