// Package handoff publishes advisor handoff events for leads that asked for a
// human or showed buying intent.
package handoff

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/BTreeMap/FunnelPipe/internal/metrics"
	"github.com/BTreeMap/FunnelPipe/internal/models"
)

// Topology defaults for the RabbitMQ publisher.
const (
	DefaultExchange   = "ex.funnel"
	DefaultQueue      = "q.advisor_handoff"
	DefaultRoutingKey = "k.advisor_handoff"
)

// Event is the message an advisor queue consumes.
type Event struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	CourseID    string    `json:"course_id,omitempty"`
	CourseName  string    `json:"course_name,omitempty"`
	Queue       string    `json:"queue,omitempty"`
	Score       int       `json:"lead_score"`
	Name        string    `json:"name,omitempty"`
	Stage       string    `json:"stage"`
	RequestedAt time.Time `json:"requested_at"`
}

// NewEvent builds the event for a committed lead and the handoff invocation.
func NewEvent(lead models.LeadRecord, payload models.ToolPayload, at time.Time) Event {
	return Event{
		ID:          uuid.NewString(),
		UserID:      lead.UserID,
		CourseID:    payload.CourseID,
		CourseName:  payload.CourseName,
		Queue:       payload.AdvisorQueue,
		Score:       lead.Score,
		Name:        lead.Attribute(models.AttrName),
		Stage:       string(lead.Stage),
		RequestedAt: at,
	}
}

// Publisher delivers handoff events.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// LogPublisher writes events to the log. It is used when no broker is configured.
type LogPublisher struct{}

var _ Publisher = LogPublisher{}

// Publish implements Publisher.
func (LogPublisher) Publish(_ context.Context, ev Event) error {
	slog.Info("LogPublisher.Publish: advisor handoff requested", "eventID", ev.ID, "userID", ev.UserID, "course", ev.CourseID, "score", ev.Score, "queue", ev.Queue)
	metrics.RecordHandoff("logged")
	return nil
}

// Close implements Publisher.
func (LogPublisher) Close() error { return nil }

// channel is the subset of *amqp.Channel the publisher uses.
type channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Opts configures the RabbitMQ publisher.
type Opts struct {
	Exchange   string
	Queue      string
	RoutingKey string
}

// Option configures the RabbitMQ publisher.
type Option func(*Opts)

// WithExchange overrides the exchange name.
func WithExchange(name string) Option {
	return func(o *Opts) { o.Exchange = name }
}

// WithQueue overrides the queue name.
func WithQueue(name string) Option {
	return func(o *Opts) { o.Queue = name }
}

// WithRoutingKey overrides the routing key.
func WithRoutingKey(key string) Option {
	return func(o *Opts) { o.RoutingKey = key }
}

// RabbitMQPublisher publishes persistent JSON events to a direct exchange.
type RabbitMQPublisher struct {
	conn       *amqp.Connection
	mu         sync.Mutex
	ch         channel
	exchange   string
	routingKey string
}

var _ Publisher = (*RabbitMQPublisher)(nil)

// NewRabbitMQPublisher dials url and declares a durable exchange and queue.
func NewRabbitMQPublisher(url string, opts ...Option) (*RabbitMQPublisher, error) {
	cfg := Opts{Exchange: DefaultExchange, Queue: DefaultQueue, RoutingKey: DefaultRoutingKey}
	for _, opt := range opts {
		opt(&cfg)
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open RabbitMQ channel: %w", err)
	}
	if err := declare(ch, cfg); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}
	slog.Info("RabbitMQPublisher: connected", "exchange", cfg.Exchange, "queue", cfg.Queue)
	return &RabbitMQPublisher{conn: conn, ch: ch, exchange: cfg.Exchange, routingKey: cfg.RoutingKey}, nil
}

func declare(ch *amqp.Channel, cfg Opts) error {
	if err := ch.ExchangeDeclare(cfg.Exchange, "direct", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", cfg.Exchange, err)
	}
	if _, err := ch.QueueDeclare(cfg.Queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", cfg.Queue, err)
	}
	if err := ch.QueueBind(cfg.Queue, cfg.RoutingKey, cfg.Exchange, false, nil); err != nil {
		return fmt.Errorf("bind queue %s: %w", cfg.Queue, err)
	}
	return nil
}

// Publish implements Publisher.
func (p *RabbitMQPublisher) Publish(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode handoff event: %w", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	err = p.ch.PublishWithContext(ctx, p.exchange, p.routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		MessageId:    ev.ID,
		Timestamp:    ev.RequestedAt,
		Body:         body,
		DeliveryMode: amqp.Persistent,
	})
	if err != nil {
		metrics.RecordHandoff("failed")
		return fmt.Errorf("publish handoff %s: %w", ev.ID, err)
	}
	metrics.RecordHandoff("published")
	slog.Debug("RabbitMQPublisher.Publish: event published", "eventID", ev.ID, "userID", ev.UserID)
	return nil
}

// Close closes the channel and the connection.
func (p *RabbitMQPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.ch.Close(); err != nil {
		slog.Warn("RabbitMQPublisher.Close: channel close failed", "error", err)
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}
