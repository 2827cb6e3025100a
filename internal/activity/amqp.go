package activity

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rabbitmq/amqp091-go"

	"github.com/bozzfozz/harmony-sub003/internal/observability"
)

// AMQPRecorder publishes activity events to a fanout exchange so external
// audit consumers can subscribe. Publishing is best-effort: any failure is
// logged and dropped, never surfaced to the caller.
type AMQPRecorder struct {
	conn     *amqp091.Connection
	channel  *amqp091.Channel
	exchange string
	log      observability.Logger
}

// NewAMQPRecorder connects to the broker and declares the exchange.
func NewAMQPRecorder(url, exchange string, log observability.Logger) (*AMQPRecorder, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, err
	}
	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := channel.ExchangeDeclare(exchange, "fanout", true, false, false, false, nil); err != nil {
		channel.Close()
		conn.Close()
		return nil, err
	}
	return &AMQPRecorder{
		conn:     conn,
		channel:  channel,
		exchange: exchange,
		log:      log.WithFields(map[string]interface{}{"component": "activity.amqp"}),
	}, nil
}

func (r *AMQPRecorder) Record(ctx context.Context, category, status string, details map[string]interface{}) {
	body, err := json.Marshal(map[string]interface{}{
		"category":  category,
		"status":    status,
		"details":   details,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		r.log.Warn("failed to marshal activity event", "error", err)
		return
	}

	err = r.channel.PublishWithContext(ctx, r.exchange, "", false, false, amqp091.Publishing{
		DeliveryMode: amqp091.Persistent,
		ContentType:  "application/json",
		Body:         body,
		Timestamp:    time.Now(),
	})
	if err != nil {
		r.log.Warn("failed to publish activity event", "error", err, "category", category, "status", status)
	}
}

// Close releases the channel and connection.
func (r *AMQPRecorder) Close() error {
	if err := r.channel.Close(); err != nil {
		r.conn.Close()
		return err
	}
	return r.conn.Close()
}
