package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"
)

// RabbitQueue implements Queue over RabbitMQ with durable queues, manual
// acknowledgement, and per-consumer prefetch.
type RabbitQueue struct {
	conn     *amqp.Connection
	pub      *amqp.Channel
	exchange string
	prefetch int
}

// NewRabbitQueue dials url and declares the direct exchange.
func NewRabbitQueue(url, exchange string, prefetch int) (*RabbitQueue, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	pub, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open publish channel: %w", err)
	}
	if err := pub.ExchangeDeclare(exchange, "direct", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declare exchange %q: %w", exchange, err)
	}
	if prefetch <= 0 {
		prefetch = 1
	}
	return &RabbitQueue{conn: conn, pub: pub, exchange: exchange, prefetch: prefetch}, nil
}

func (q *RabbitQueue) Publish(ctx context.Context, topic string, env Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	err = q.pub.PublishWithContext(ctx,
		q.exchange,
		topic, // routing key
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    env.JobID.String(),
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("publish to %q: %w", topic, err)
	}
	return nil
}

// Consume declares a durable queue bound to topic and delivers messages to h
// one prefetch window at a time. Handler errors nack with requeue so the
// broker redelivers; malformed payloads are dropped without requeue.
func (q *RabbitQueue) Consume(ctx context.Context, topic string, h Handler) error {
	ch, err := q.conn.Channel()
	if err != nil {
		return fmt.Errorf("open consume channel: %w", err)
	}
	defer ch.Close()

	if _, err := ch.QueueDeclare(topic, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %q: %w", topic, err)
	}
	if err := ch.QueueBind(topic, topic, q.exchange, false, nil); err != nil {
		return fmt.Errorf("bind queue %q: %w", topic, err)
	}
	if err := ch.Qos(q.prefetch, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}

	msgs, err := ch.Consume(topic, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %q: %w", topic, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return fmt.Errorf("amqp channel for %q closed", topic)
			}
			var env Envelope
			if err := json.Unmarshal(msg.Body, &env); err != nil {
				slog.Error("dropping malformed dispatch message", "topic", topic, "error", err)
				msg.Nack(false, false)
				continue
			}
			if err := h(ctx, env); err != nil {
				slog.Warn("handler failed, message will be redelivered",
					"topic", topic, "job_id", env.JobID, "error", err)
				msg.Nack(false, true)
				continue
			}
			msg.Ack(false)
		}
	}
}

func (q *RabbitQueue) Close() error {
	q.pub.Close()
	return q.conn.Close()
}
