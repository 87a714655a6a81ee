package eventbus

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"

	"fleetstream/domain"
)

// Producer publishes event envelopes onto a named topic, at-least-once.
type Producer interface {
	Publish(ctx context.Context, topic string, ev domain.Event) error
}

// QueueProducer publishes to one storage queue per topic, retrying transient
// failures a bounded number of times with jittered exponential backoff.
type QueueProducer struct {
	queues       map[string]*azqueue.QueueClient
	maxAttempts  int
	retryInitial time.Duration
	retryMax     time.Duration
	logger       *log.Logger
}

// NewQueueProducer creates clients for each topic up front so a misspelled
// topic fails at startup, not at publish time.
func NewQueueProducer(connStr string, topics []string, logger *log.Logger) (*QueueProducer, error) {
	opts := azqueue.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    5,
				TryTimeout:    time.Minute,
				RetryDelay:    time.Second,
				MaxRetryDelay: time.Second * 30,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	queues := make(map[string]*azqueue.QueueClient, len(topics))
	for _, topic := range topics {
		q, err := azqueue.NewQueueClientFromConnectionString(connStr, topic, &opts)
		if err != nil {
			return nil, fmt.Errorf("queue client for topic %s: %w", topic, err)
		}
		queues[topic] = q
	}
	return &QueueProducer{
		queues:       queues,
		maxAttempts:  4,
		retryInitial: 250 * time.Millisecond,
		retryMax:     10 * time.Second,
		logger:       logger,
	}, nil
}

func (p *QueueProducer) Publish(ctx context.Context, topic string, ev domain.Event) error {
	q, ok := p.queues[topic]
	if !ok {
		return fmt.Errorf("unknown topic %s", topic)
	}
	data, err := sonic.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode %s envelope: %w", ev.Type, err)
	}

	var lastErr error
	for attempt := 0; attempt < p.maxAttempts; attempt++ {
		if attempt > 0 {
			delay := exponentialBackoff(attempt, p.retryInitial, p.retryMax)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if _, err := q.EnqueueMessage(ctx, string(data), nil); err != nil {
			lastErr = err
			p.logger.WithError(err).WithFields(log.Fields{
				"topic":   topic,
				"type":    ev.Type,
				"attempt": attempt + 1,
			}).Warn("publish attempt failed")
			continue
		}
		return nil
	}
	return fmt.Errorf("publish %s to %s after %d attempts: %w", ev.Type, topic, p.maxAttempts, lastErr)
}

func exponentialBackoff(attempt int, initial, max time.Duration) time.Duration {
	if initial <= 0 {
		initial = time.Second
	}
	if max <= 0 {
		max = 10 * time.Second
	}
	if attempt <= 0 {
		return initial
	}
	backoff := float64(initial) * math.Pow(2, float64(attempt-1))
	if backoff > float64(max) {
		backoff = float64(max)
	}
	jitter := 0.2 * backoff
	return time.Duration(backoff + (rand.Float64()-0.5)*2*jitter)
}
