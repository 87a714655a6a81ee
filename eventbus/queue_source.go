package eventbus

import (
	"context"
	"fmt"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
)

// QueueSource adapts a storage queue to the consumer's Source.
type QueueSource struct {
	queue *azqueue.QueueClient
}

func NewQueueSource(connStr, topic string) (*QueueSource, error) {
	q, err := azqueue.NewQueueClientFromConnectionString(connStr, topic, nil)
	if err != nil {
		return nil, fmt.Errorf("queue client for topic %s: %w", topic, err)
	}
	return &QueueSource{queue: q}, nil
}

func (s *QueueSource) Ready(ctx context.Context) error {
	_, err := s.queue.GetProperties(ctx, nil)
	return err
}

func (s *QueueSource) Dequeue(ctx context.Context) (*Message, error) {
	resp, err := s.queue.DequeueMessage(ctx, nil)
	if err != nil {
		return nil, err
	}
	if len(resp.Messages) == 0 {
		return nil, nil
	}
	msg := resp.Messages[0]
	out := &Message{}
	if msg.MessageID != nil {
		out.ID = *msg.MessageID
	}
	if msg.PopReceipt != nil {
		out.PopReceipt = *msg.PopReceipt
	}
	if msg.MessageText != nil {
		out.Text = *msg.MessageText
	}
	return out, nil
}

func (s *QueueSource) Delete(ctx context.Context, m *Message) error {
	_, err := s.queue.DeleteMessage(ctx, m.ID, m.PopReceipt, nil)
	return err
}
