package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"
)

// RabbitConfig configures the RabbitMQ sink.
type RabbitConfig struct {
	URL            string
	Queue          string
	QueuePrefix    string
	SpecificEvents []string // kinds published to their own queue
}

// RabbitSink publishes change events to durable queues on the default exchange.
type RabbitSink struct {
	mu             sync.Mutex
	conn           *amqp091.Connection
	channel        *amqp091.Channel
	queue          string
	prefix         string
	specificEvents map[string]bool
	declared       map[string]bool
}

// DialRabbit connects to RabbitMQ. An empty URL returns (nil, nil) so callers
// can pass the result straight to NewDispatcher.
func DialRabbit(cfg RabbitConfig) (*RabbitSink, error) {
	if cfg.URL == "" {
		log.Info().Msg("RABBITMQ_URL is not set. RabbitMQ publishing disabled.")
		return nil, nil
	}
	conn, err := amqp091.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("could not connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("could not open RabbitMQ channel: %w", err)
	}

	queue := cfg.Queue
	if queue == "" {
		queue = "inbox_changes"
	}
	prefix := cfg.QueuePrefix
	if prefix == "" {
		prefix = "atendimento"
	}
	specific := make(map[string]bool, len(cfg.SpecificEvents))
	for _, ev := range cfg.SpecificEvents {
		specific[strings.TrimSpace(ev)] = true
	}

	log.Info().
		Str("queue", queue).
		Str("prefix", prefix).
		Interface("specificEvents", specific).
		Msg("RabbitMQ connection established.")
	return &RabbitSink{
		conn:           conn,
		channel:        ch,
		queue:          queue,
		prefix:         prefix,
		specificEvents: specific,
		declared:       make(map[string]bool),
	}, nil
}

func (r *RabbitSink) Name() string { return "rabbitmq" }

// QueueName returns the queue for an event kind.
func (r *RabbitSink) QueueName(kind string) string {
	if r.specificEvents[kind] {
		return r.prefix + "_" + strings.ReplaceAll(strings.ToLower(kind), ".", "_")
	}
	return r.prefix + "_" + r.queue
}

func (r *RabbitSink) Deliver(ctx context.Context, ev ChangeEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal change event: %w", err)
	}
	queueName := r.QueueName(ev.Kind)

	// amqp091 channels are not safe for concurrent publishing.
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.declared[queueName] {
		_, err := r.channel.QueueDeclare(
			queueName,
			true,  // durable
			false, // auto-delete
			false, // exclusive
			false, // no-wait
			nil,   // arguments
		)
		if err != nil {
			return fmt.Errorf("could not declare RabbitMQ queue %s: %w", queueName, err)
		}
		r.declared[queueName] = true
	}
	err = r.channel.PublishWithContext(ctx,
		"",        // exchange (default)
		queueName, // routing key = queue
		false,     // mandatory
		false,     // immediate
		amqp091.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp091.Persistent,
			MessageId:    ev.ID,
			Type:         ev.Kind,
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("could not publish to RabbitMQ queue %s: %w", queueName, err)
	}
	log.Debug().Str("queue", queueName).Str("kind", ev.Kind).Msg("Published change event to RabbitMQ")
	return nil
}

// Close closes the channel and connection.
func (r *RabbitSink) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.channel != nil {
		r.channel.Close()
	}
	if r.conn != nil {
		return r.conn.Close()
	}
	return nil
}
