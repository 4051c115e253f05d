package relay

import (
	"context"
	"errors"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"
)

const defaultPollInterval = time.Second

type queueClient interface {
	DequeueMessage(ctx context.Context, o *azqueue.DequeueMessageOptions) (azqueue.DequeueMessagesResponse, error)
	DeleteMessage(ctx context.Context, messageID, popReceipt string, o *azqueue.DeleteMessageOptions) (azqueue.DeleteMessageResponse, error)
}

// QueueConsumer applies relay messages read from an Azure Storage queue.
type QueueConsumer struct {
	queue   queueClient
	applier *Applier
	log     *log.Logger
	poll    time.Duration
}

// NewQueueConsumer reads queueName using connStr.
func NewQueueConsumer(connStr, queueName string, applier *Applier, logger *log.Logger) (*QueueConsumer, error) {
	q, err := azqueue.NewQueueClientFromConnectionString(connStr, queueName, nil)
	if err != nil {
		return nil, err
	}
	return newQueueConsumer(q, applier, logger), nil
}

func newQueueConsumer(q queueClient, applier *Applier, logger *log.Logger) *QueueConsumer {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &QueueConsumer{queue: q, applier: applier, log: logger, poll: defaultPollInterval}
}

// Run polls the queue until ctx is cancelled.
func (c *QueueConsumer) Run(ctx context.Context) {
	c.log.Info("relay queue consumer starting")
	for {
		handled, err := c.next(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			c.log.WithError(err).Error("relay dequeue failed")
		}
		if handled {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(c.poll):
		}
	}
}

// next processes at most one message and reports whether one was found.
func (c *QueueConsumer) next(ctx context.Context) (bool, error) {
	resp, err := c.queue.DequeueMessage(ctx, nil)
	if err != nil {
		return false, err
	}
	if len(resp.Messages) == 0 {
		return false, nil
	}
	msg := resp.Messages[0]
	if msg.MessageID == nil || msg.PopReceipt == nil {
		return true, errors.New("dequeued message without id")
	}
	entry := c.log.WithField("message", *msg.MessageID)

	var text string
	if msg.MessageText != nil {
		text = *msg.MessageText
	}
	var m Message
	if err := sonic.UnmarshalString(text, &m); err != nil {
		entry.WithError(err).Warn("dropping malformed relay message")
		return true, c.delete(ctx, msg)
	}
	_, err = c.applier.Apply(ctx, m)
	switch {
	case errors.Is(err, ErrDuplicate):
		entry.Debug("skipping duplicate relay message")
		return true, c.delete(ctx, msg)
	case errors.Is(err, ErrInvalidMessage):
		entry.WithError(err).Warn("dropping invalid relay message")
		return true, c.delete(ctx, msg)
	case err != nil:
		// stays queued and becomes visible again after the visibility timeout
		return true, err
	}
	entry.WithField("board", m.BoardID).Debug("relayed change")
	return true, c.delete(ctx, msg)
}

func (c *QueueConsumer) delete(ctx context.Context, msg *azqueue.DequeuedMessage) error {
	_, err := c.queue.DeleteMessage(ctx, *msg.MessageID, *msg.PopReceipt, nil)
	return err
}
