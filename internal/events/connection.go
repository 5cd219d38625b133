package events

import (
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/saltfish/paramsearch/internal/config"
)

var errClosed = errors.New("connection is closed")

// amqpConn owns one RabbitMQ connection and channel. When the broker drops
// the connection it redials with exponential backoff, runs setup on the new
// channel, then calls onReconnect.
type amqpConn struct {
	cfg         *config.RabbitMQConfig
	setup       func(ch *amqp.Channel) error
	onReconnect func()
	logger      *zap.Logger

	mu           sync.RWMutex
	conn         *amqp.Connection
	channel      *amqp.Channel
	closed       bool
	reconnecting bool
}

func newAMQPConn(cfg *config.RabbitMQConfig, setup func(ch *amqp.Channel) error, logger *zap.Logger) *amqpConn {
	return &amqpConn{cfg: cfg, setup: setup, logger: logger}
}

// dial connects, opens a channel and declares the topology.
func (c *amqpConn) dial() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return errClosed
	}

	conn, err := amqp.Dial(c.cfg.URL)
	if err != nil {
		return fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to create channel: %w", err)
	}

	err = channel.ExchangeDeclare(
		c.cfg.Exchange, // name
		"topic",        // type
		true,           // durable
		false,          // auto-deleted
		false,          // internal
		false,          // no-wait
		nil,            // arguments
	)
	if err == nil && c.setup != nil {
		err = c.setup(channel)
	}
	if err != nil {
		channel.Close()
		conn.Close()
		return err
	}

	c.conn, c.channel = conn, channel

	closeChan := make(chan *amqp.Error, 1)
	conn.NotifyClose(closeChan)
	go c.watch(closeChan)

	c.logger.Info("Connected to RabbitMQ", zap.String("exchange", c.cfg.Exchange))
	return nil
}

// Channel returns the current channel.
func (c *amqpConn) Channel() (*amqp.Channel, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil, errClosed
	}
	if c.channel == nil {
		return nil, fmt.Errorf("channel not available")
	}
	return c.channel, nil
}

func (c *amqpConn) watch(closeChan chan *amqp.Error) {
	err := <-closeChan
	if err == nil {
		return // Graceful close
	}

	c.logger.Warn("RabbitMQ connection closed", zap.Error(err))
	c.reconnect()
}

func (c *amqpConn) reconnect() {
	c.mu.Lock()
	if c.closed || c.reconnecting {
		c.mu.Unlock()
		return
	}
	c.reconnecting = true
	c.channel = nil
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.reconnecting = false
		c.mu.Unlock()
	}()

	delay := c.cfg.ReconnectDelayDuration()
	ceiling := c.cfg.MaxReconnectWaitDuration()

	for {
		c.logger.Info("Attempting to reconnect to RabbitMQ", zap.Duration("delay", delay))
		time.Sleep(delay)

		err := c.dial()
		if errors.Is(err, errClosed) {
			return
		}
		if err != nil {
			delay = nextDelay(delay, ceiling)
			c.logger.Warn("Reconnection failed",
				zap.Error(err),
				zap.Duration("next_attempt", delay),
			)
			continue
		}

		c.logger.Info("Reconnected to RabbitMQ")
		if c.onReconnect != nil {
			c.onReconnect()
		}
		return
	}
}

// close closes the channel and connection; reconnection stops for good.
func (c *amqpConn) close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	var errs []error
	if c.channel != nil {
		errs = append(errs, c.channel.Close())
	}
	if c.conn != nil {
		errs = append(errs, c.conn.Close())
	}
	return errors.Join(errs...)
}

// nextDelay doubles delay up to ceiling.
func nextDelay(delay, ceiling time.Duration) time.Duration {
	delay *= 2
	if delay > ceiling {
		return ceiling
	}
	return delay
}
