package queue

import (
	"context"
	"errors"
	"fmt"
)

// CampaignRunsQueue carries campaign start requests from the API to workers.
const CampaignRunsQueue = "campaign.runs"

// ErrRequeue marks a handler failure worth redelivering. Any other handler
// error dead-letters the message.
var ErrRequeue = errors.New("requeue")

// Publisher publishes campaign run requests to a queue.
type Publisher interface {
	Publish(ctx context.Context, queue string, msg CampaignRunMessage) error
	Close() error
}

// MessageHandler handles a consumed queue message.
type MessageHandler func(ctx context.Context, msg CampaignRunMessage) error

// Consumer consumes campaign run requests from a queue.
type Consumer interface {
	Consume(ctx context.Context, queue string, handler MessageHandler) error
	Close() error
}

// DLQName returns the dead-letter queue name for a work queue, e.g. dlq.campaign.runs.
func DLQName(queue string) string {
	return fmt.Sprintf("dlq.%s", queue)
}

// WorkQueueNames returns all work queues declared by the topology.
func WorkQueueNames() []string {
	return []string{CampaignRunsQueue}
}

// DLQNames returns the dead-letter queue of every work queue.
func DLQNames() []string {
	work := WorkQueueNames()
	queues := make([]string, 0, len(work))
	for _, name := range work {
		queues = append(queues, DLQName(name))
	}
	return queues
}
