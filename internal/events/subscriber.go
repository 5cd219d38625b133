package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/saltfish/paramsearch/internal/config"
)

// EventHandler is a function that processes received events.
type EventHandler func(routingKey string, body []byte) error

// Subscriber consumes events from RabbitMQ.
type Subscriber interface {
	// Subscribe binds routingKeys and starts consuming in the background.
	Subscribe(ctx context.Context, routingKeys []string, handler EventHandler) error

	// Close closes the subscriber connection.
	Close() error
}

// RabbitMQSubscriber implements Subscriber with a durable queue bound to the
// topic exchange.
type RabbitMQSubscriber struct {
	conn     *amqpConn
	exchange string
	queue    string
	prefetch int
	logger   *zap.Logger

	mu          sync.RWMutex
	handler     EventHandler
	routingKeys []string
	ctx         context.Context
	cancel      context.CancelFunc
}

// NewRabbitMQSubscriber creates a new RabbitMQ subscriber consuming queueName.
func NewRabbitMQSubscriber(cfg *config.RabbitMQConfig, queueName string, logger *zap.Logger) (*RabbitMQSubscriber, error) {
	s := &RabbitMQSubscriber{
		exchange: cfg.Exchange,
		queue:    queueName,
		prefetch: cfg.PrefetchCount,
		logger:   logger.Named("subscriber"),
	}
	if s.prefetch <= 0 {
		s.prefetch = 10
	}
	s.conn = newAMQPConn(cfg, s.setup, s.logger)
	s.conn.onReconnect = s.resume

	if err := s.conn.dial(); err != nil {
		return nil, err
	}

	return s, nil
}

// setup declares the queue, rebinds known routing keys and sets QoS.
func (s *RabbitMQSubscriber) setup(channel *amqp.Channel) error {
	_, err := channel.QueueDeclare(
		s.queue, // name
		true,    // durable
		false,   // auto-delete when no consumers
		false,   // exclusive
		false,   // no-wait
		nil,     // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare queue: %w", err)
	}

	s.mu.RLock()
	keys := s.routingKeys
	s.mu.RUnlock()
	if err := s.bind(channel, keys); err != nil {
		return err
	}

	if err := channel.Qos(s.prefetch, 0, false); err != nil {
		return fmt.Errorf("failed to set QoS: %w", err)
	}
	return nil
}

func (s *RabbitMQSubscriber) bind(channel *amqp.Channel, routingKeys []string) error {
	for _, routingKey := range routingKeys {
		err := channel.QueueBind(
			s.queue,    // queue name
			routingKey, // routing key
			s.exchange, // exchange
			false,      // no-wait
			nil,        // arguments
		)
		if err != nil {
			return fmt.Errorf("failed to bind queue to routing key %s: %w", routingKey, err)
		}
	}
	return nil
}

// Subscribe binds routingKeys and starts consuming in the background.
func (s *RabbitMQSubscriber) Subscribe(ctx context.Context, routingKeys []string, handler EventHandler) error {
	channel, err := s.conn.Channel()
	if err != nil {
		return err
	}
	if err := s.bind(channel, routingKeys); err != nil {
		return err
	}

	s.mu.Lock()
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.handler = handler
	s.routingKeys = routingKeys
	consumeCtx := s.ctx
	s.mu.Unlock()

	s.logger.Info("Subscribed to routing keys",
		zap.Strings("routing_keys", routingKeys),
		zap.String("queue", s.queue),
	)

	go s.consume(consumeCtx, handler)
	return nil
}

// resume restarts consumption after a reconnect.
func (s *RabbitMQSubscriber) resume() {
	s.mu.RLock()
	handler, ctx := s.handler, s.ctx
	s.mu.RUnlock()

	if handler != nil && ctx != nil && ctx.Err() == nil {
		go s.consume(ctx, handler)
	}
}

// consume delivers messages to handler until the channel or ctx closes.
func (s *RabbitMQSubscriber) consume(ctx context.Context, handler EventHandler) {
	channel, err := s.conn.Channel()
	if err != nil {
		return
	}

	msgs, err := channel.Consume(
		s.queue, // queue
		"",      // consumer tag
		false,   // auto-ack (we'll manually ack)
		false,   // exclusive
		false,   // no-local
		false,   // no-wait
		nil,     // args
	)
	if err != nil {
		s.logger.Error("Failed to start consuming", zap.Error(err))
		return
	}

	s.logger.Info("Started consuming messages from queue", zap.String("queue", s.queue))

	for {
		select {
		case msg, ok := <-msgs:
			if !ok {
				s.logger.Info("Message channel closed")
				return
			}
			s.deliver(msg, handler)
		case <-ctx.Done():
			s.logger.Info("Subscriber context cancelled, stopping consumption")
			return
		}
	}
}

// deliver runs handler and acks. Malformed messages are dropped, handler
// failures are requeued once.
func (s *RabbitMQSubscriber) deliver(msg amqp.Delivery, handler EventHandler) {
	s.logger.Debug("Received message",
		zap.String("routing_key", msg.RoutingKey),
		zap.Int("body_size", len(msg.Body)),
	)

	if !json.Valid(msg.Body) {
		s.logger.Warn("Dropping message with invalid JSON body", zap.String("routing_key", msg.RoutingKey))
		_ = msg.Reject(false)
		return
	}

	if err := handler(msg.RoutingKey, msg.Body); err != nil {
		s.logger.Error("Failed to process message",
			zap.Error(err),
			zap.String("routing_key", msg.RoutingKey),
			zap.Bool("redelivered", msg.Redelivered),
		)
		_ = msg.Nack(false, !msg.Redelivered)
		return
	}
	_ = msg.Ack(false)
}

// Close closes the subscriber connection.
func (s *RabbitMQSubscriber) Close() error {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()

	if err := s.conn.close(); err != nil {
		return fmt.Errorf("errors closing subscriber: %w", err)
	}
	s.logger.Info("RabbitMQ subscriber closed")
	return nil
}

// NoOpSubscriber is a subscriber that does nothing (for testing or when events disabled).
type NoOpSubscriber struct{}

// NewNoOpSubscriber creates a new no-op subscriber.
func NewNoOpSubscriber() *NoOpSubscriber {
	return &NoOpSubscriber{}
}

func (s *NoOpSubscriber) Subscribe(context.Context, []string, EventHandler) error {
	return nil
}

func (s *NoOpSubscriber) Close() error {
	return nil
}

// Ensure interface compliance
var _ Subscriber = (*RabbitMQSubscriber)(nil)
var _ Subscriber = (*NoOpSubscriber)(nil)
