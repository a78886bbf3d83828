// Package events publishes session lifecycle events to RabbitMQ.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Event types, also used as routing key suffixes.
const (
	LapConfirmed  = "lap.confirmed"
	SessionClosed = "session.closed"
	ResultsSaved  = "results.saved"
)

// ErrClosed is returned when publishing after Close
var ErrClosed = errors.New("events: publisher closed")

// Event is one published message
type Event struct {
	Type      string    `json:"type"`
	SessionID string    `json:"session_id"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
}

// New stamps an event with the current time.
func New(eventType, sessionID string, data any) Event {
	return Event{
		Type:      eventType,
		SessionID: sessionID,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// Publisher delivers events. Publishing is best effort: callers log failures
// and carry on.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// Nop discards every event
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close() error                         { return nil }

// AMQPConfig configures the RabbitMQ publisher
type AMQPConfig struct {
	URL      string
	Exchange string
	// RoutingPrefix is prepended to the event type, e.g. "lapvision." gives
	// "lapvision.lap.confirmed".
	RoutingPrefix string
}

// AMQPPublisher publishes JSON events to a durable topic exchange
type AMQPPublisher struct {
	config AMQPConfig
	logger *slog.Logger

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

// NewAMQPPublisher connects to RabbitMQ and declares the exchange
func NewAMQPPublisher(config AMQPConfig, logger *slog.Logger) (*AMQPPublisher, error) {
	if logger == nil {
		logger = slog.Default()
	}

	conn, err := amqp.Dial(config.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	err = ch.ExchangeDeclare(
		config.Exchange, // name
		"topic",         // type
		true,            // durable
		false,           // auto-deleted
		false,           // internal
		false,           // no-wait
		nil,             // arguments
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange %s: %w", config.Exchange, err)
	}

	logger.Info("rabbitmq publisher ready", "exchange", config.Exchange)
	return &AMQPPublisher{config: config, logger: logger, conn: conn, ch: ch}, nil
}

// RoutingKey returns the routing key an event is published under.
func (p *AMQPPublisher) RoutingKey(event Event) string {
	return p.config.RoutingPrefix + event.Type
}

func (p *AMQPPublisher) Publish(ctx context.Context, event Event) error {
	msg, err := Encode(event)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ch == nil {
		return ErrClosed
	}
	return p.ch.PublishWithContext(ctx,
		p.config.Exchange,   // exchange
		p.RoutingKey(event), // routing key
		false,               // mandatory
		false,               // immediate
		msg,
	)
}

func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ch == nil {
		return nil
	}
	p.ch.Close()
	p.ch = nil
	return p.conn.Close()
}

// Encode builds the persistent JSON message for event
func Encode(event Event) (amqp.Publishing, error) {
	body, err := json.Marshal(event)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("failed to encode %s event: %w", event.Type, err)
	}
	return amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: amqp.Persistent,
		Timestamp:    event.Timestamp,
		Type:         event.Type,
	}, nil
}
