package subscription

import (
	"context"
	"errors"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"

	"board-hub/domain"
)

// Lifecycle message types.
const (
	TaskDeleted          = "task-deleted"
	TaskRemovedFromBoard = "task-removed-from-board"
)

var errMalformed = errors.New("malformed lifecycle message")

// Message is one dequeued queue message.
type Message struct {
	ID         string
	PopReceipt string
	Text       string
}

// Queue is the lifecycle message source.
type Queue interface {
	Dequeue(ctx context.Context) (*Message, error)
	Delete(ctx context.Context, id, receipt string) error
}

// TaskRemover applies lifecycle changes to board positions.
type TaskRemover interface {
	TaskDeleted(ctx context.Context, taskID string) error
	Remove(ctx context.Context, taskID, boardID, actor string) (bool, error)
}

type lifecycleEvent struct {
	Type    string `json:"type"`
	TaskID  string `json:"taskId"`
	BoardID string `json:"boardId"`
}

// LifecycleConsumer removes positions of deleted or detached tasks.
type LifecycleConsumer struct {
	queue   Queue
	remover TaskRemover
	logger  *log.Logger
	idle    time.Duration
}

// NewLifecycleConsumer creates a consumer polling queue every idle interval
// while the queue is empty.
func NewLifecycleConsumer(queue Queue, remover TaskRemover, logger *log.Logger, idle time.Duration) *LifecycleConsumer {
	if logger == nil {
		logger = log.StandardLogger()
	}
	if idle <= 0 {
		idle = time.Second
	}
	return &LifecycleConsumer{queue: queue, remover: remover, logger: logger, idle: idle}
}

// Run consumes messages until ctx is done. A message is deleted once handled
// or found malformed; a failed removal leaves it for redelivery.
func (c *LifecycleConsumer) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		msg, err := c.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() == nil {
				c.logger.WithError(err).Error("Unable to receive lifecycle message")
			}
			c.wait(ctx)
			continue
		}
		if msg == nil {
			c.wait(ctx)
			continue
		}
		c.Process(ctx, msg)
	}
}

// Process handles a single message and reports whether it was deleted.
func (c *LifecycleConsumer) Process(ctx context.Context, msg *Message) bool {
	err := c.handle(ctx, msg.Text)
	switch {
	case errors.Is(err, errMalformed):
		c.logger.WithError(err).Warnf("Dropping lifecycle message %s", msg.ID)
	case err != nil:
		c.logger.WithError(err).Errorf("Unable to apply lifecycle message %s, leaving it for redelivery", msg.ID)
		return false
	}
	if err := c.queue.Delete(ctx, msg.ID, msg.PopReceipt); err != nil {
		c.logger.WithError(err).Errorf("Unable to delete lifecycle message %s", msg.ID)
		return false
	}
	return true
}

func (c *LifecycleConsumer) handle(ctx context.Context, text string) error {
	var ev lifecycleEvent
	if err := sonic.UnmarshalString(text, &ev); err != nil {
		return errors.Join(errMalformed, err)
	}
	if ev.TaskID == "" {
		return errMalformed
	}
	switch ev.Type {
	case TaskDeleted:
		return c.remover.TaskDeleted(ctx, ev.TaskID)
	case TaskRemovedFromBoard:
		if ev.BoardID == "" {
			return errMalformed
		}
		_, err := c.remover.Remove(ctx, ev.TaskID, ev.BoardID, "")
		if errors.Is(err, domain.ErrUnknownBoard) {
			return nil
		}
		return err
	default:
		c.logger.Warnf("Received unknown lifecycle event of type %s - ignoring it", ev.Type)
		return nil
	}
}

func (c *LifecycleConsumer) wait(ctx context.Context) {
	t := time.NewTimer(c.idle)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// AzureQueue reads lifecycle messages from an Azure Storage queue.
type AzureQueue struct {
	client *azqueue.QueueClient
}

// NewAzureQueue connects to the named queue.
func NewAzureQueue(connStr, queueName string) (*AzureQueue, error) {
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
	client, err := azqueue.NewQueueClientFromConnectionString(connStr, queueName, &opts)
	if err != nil {
		return nil, err
	}
	return &AzureQueue{client: client}, nil
}

// Dequeue retrieves a single message, or nil if the queue is empty.
func (q *AzureQueue) Dequeue(ctx context.Context) (*Message, error) {
	resp, err := q.client.DequeueMessage(ctx, nil)
	if err != nil {
		return nil, err
	}
	if len(resp.Messages) == 0 {
		return nil, nil
	}
	m := resp.Messages[0]
	msg := &Message{}
	if m.MessageID != nil {
		msg.ID = *m.MessageID
	}
	if m.PopReceipt != nil {
		msg.PopReceipt = *m.PopReceipt
	}
	if m.MessageText != nil {
		msg.Text = *m.MessageText
	}
	return msg, nil
}

// Delete removes a processed message from the queue.
func (q *AzureQueue) Delete(ctx context.Context, id, receipt string) error {
	_, err := q.client.DeleteMessage(ctx, id, receipt, nil)
	return err
}
