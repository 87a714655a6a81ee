package eventbus

import (
	"context"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"

	"fleetstream/domain"
)

// Message is one raw bus message plus the receipt needed to commit it.
type Message struct {
	ID         string
	PopReceipt string
	Text       string
}

// Source is the minimal queue surface the consumer needs.
type Source interface {
	// Ready reports whether the topic exists and is reachable.
	Ready(ctx context.Context) error
	// Dequeue returns the next message, or nil when the topic is empty.
	Dequeue(ctx context.Context) (*Message, error)
	// Delete commits a processed (or dropped) message.
	Delete(ctx context.Context, m *Message) error
}

// Handler is the projection side of a topic subscription.
type Handler interface {
	HandleEvent(ctx context.Context, ev domain.Event) error
}

// Consumer runs a single sequential processing loop for one topic: messages
// are handled one at a time, in order, with an explicit commit after each
// handler completes or a drop decision is made.
type Consumer struct {
	topic   string
	source  Source
	handler Handler
	logger  *log.Logger

	pollInterval  time.Duration
	readyAttempts int
	readyDelay    time.Duration
}

func NewConsumer(topic string, source Source, handler Handler, logger *log.Logger) *Consumer {
	return &Consumer{
		topic:         topic,
		source:        source,
		handler:       handler,
		logger:        logger,
		pollInterval:  time.Second,
		readyAttempts: 30,
		readyDelay:    2 * time.Second,
	}
}

// Run blocks until the context is cancelled. A missing topic at startup is
// retried a bounded number of times and then treated as fatal, since it means
// infrastructure is not provisioned rather than a transient per-message
// failure.
func (c *Consumer) Run(ctx context.Context) error {
	if err := c.waitReady(ctx); err != nil {
		return err
	}
	c.logger.WithField("topic", c.topic).Info("consumer started")
	for {
		msg, err := c.source.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.WithError(err).WithField("topic", c.topic).Error("dequeue failed")
			if !c.sleep(ctx) {
				return ctx.Err()
			}
			continue
		}
		if msg == nil {
			if !c.sleep(ctx) {
				return ctx.Err()
			}
			continue
		}
		c.process(ctx, msg)
	}
}

// process handles one message and always commits it afterwards. Dropping a
// poison message keeps the topic moving; the event log plus Republish is the
// repair path when a projection needs to be rebuilt.
func (c *Consumer) process(ctx context.Context, msg *Message) {
	var ev domain.Event
	if err := sonic.Unmarshal([]byte(msg.Text), &ev); err != nil {
		c.logger.WithError(err).WithField("topic", c.topic).Error("dropping undecodable message")
	} else if err := c.handler.HandleEvent(ctx, ev); err != nil {
		c.logger.WithError(err).WithFields(log.Fields{
			"topic":     c.topic,
			"type":      ev.Type,
			"aggregate": ev.AggregateID,
			"version":   ev.Version,
		}).Error("handler failed, message dropped")
	}
	if err := c.source.Delete(ctx, msg); err != nil && ctx.Err() == nil {
		c.logger.WithError(err).WithField("topic", c.topic).Error("commit failed")
	}
}

func (c *Consumer) waitReady(ctx context.Context) error {
	var lastErr error
	for attempt := 1; attempt <= c.readyAttempts; attempt++ {
		lastErr = c.source.Ready(ctx)
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.WithError(lastErr).WithFields(log.Fields{
			"topic":   c.topic,
			"attempt": attempt,
		}).Warn("topic not ready")
		select {
		case <-time.After(c.readyDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("topic %s unavailable after %d attempts: %w", c.topic, c.readyAttempts, lastErr)
}

func (c *Consumer) sleep(ctx context.Context) bool {
	select {
	case <-time.After(c.pollInterval):
		return true
	case <-ctx.Done():
		return false
	}
}
