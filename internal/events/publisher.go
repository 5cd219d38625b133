package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/saltfish/paramsearch/internal/config"
	"github.com/saltfish/paramsearch/internal/domain"
)

// Publisher publishes events to RabbitMQ.
type Publisher interface {
	// Publish publishes an event with the given routing key.
	Publish(ctx context.Context, routingKey string, event any) error

	// PublishStateChanged publishes a plan state change.
	PublishStateChanged(ctx context.Context, ev domain.StateChangedEvent) error

	// PublishControl publishes a plan control command.
	PublishControl(ctx context.Context, cmd *ControlCommand) error

	// Close closes the publisher connection.
	Close() error
}

// RabbitMQPublisher implements Publisher using a topic exchange.
type RabbitMQPublisher struct {
	conn     *amqpConn
	exchange string
	logger   *zap.Logger
}

// NewRabbitMQPublisher creates a new RabbitMQ publisher.
func NewRabbitMQPublisher(cfg *config.RabbitMQConfig, logger *zap.Logger) (*RabbitMQPublisher, error) {
	p := &RabbitMQPublisher{
		conn:     newAMQPConn(cfg, nil, logger.Named("publisher")),
		exchange: cfg.Exchange,
		logger:   logger,
	}

	if err := p.conn.dial(); err != nil {
		return nil, err
	}

	return p, nil
}

// Publish publishes an event with the given routing key.
func (p *RabbitMQPublisher) Publish(ctx context.Context, routingKey string, event any) error {
	channel, err := p.conn.Channel()
	if err != nil {
		return err
	}

	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	err = channel.PublishWithContext(
		ctx,
		p.exchange, // exchange
		routingKey, // routing key
		false,      // mandatory
		false,      // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	p.logger.Debug("Published event",
		zap.String("routing_key", routingKey),
		zap.Int("body_size", len(body)),
	)

	return nil
}

// PublishStateChanged publishes a plan state change under its routing key.
func (p *RabbitMQPublisher) PublishStateChanged(ctx context.Context, ev domain.StateChangedEvent) error {
	return p.Publish(ctx, RoutingKeyFor(ev.ChangeType), NewStateChangedEvent(ev))
}

// PublishControl publishes a plan control command.
func (p *RabbitMQPublisher) PublishControl(ctx context.Context, cmd *ControlCommand) error {
	return p.Publish(ctx, cmd.RoutingKey(), cmd)
}

// Close closes the publisher connection.
func (p *RabbitMQPublisher) Close() error {
	if err := p.conn.close(); err != nil {
		return fmt.Errorf("errors closing publisher: %w", err)
	}
	p.logger.Info("RabbitMQ publisher closed")
	return nil
}

// NoOpPublisher is a publisher that does nothing (for testing or when events disabled).
type NoOpPublisher struct{}

// NewNoOpPublisher creates a new no-op publisher.
func NewNoOpPublisher() *NoOpPublisher {
	return &NoOpPublisher{}
}

func (p *NoOpPublisher) Publish(context.Context, string, any) error { return nil }

func (p *NoOpPublisher) PublishStateChanged(context.Context, domain.StateChangedEvent) error {
	return nil
}

func (p *NoOpPublisher) PublishControl(context.Context, *ControlCommand) error { return nil }

func (p *NoOpPublisher) Close() error { return nil }

// Ensure interface compliance
var _ Publisher = (*RabbitMQPublisher)(nil)
var _ Publisher = (*NoOpPublisher)(nil)
