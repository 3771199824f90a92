package queue

import "context"

// Job is the payload carried from the producer to a worker. The execution
// record referenced by ExecutionID is created (status QUEUED) by the caller
// before the job is enqueued; the queue itself never touches the store.
type Job struct {
	ExecutionID string `json:"execution_id"`
	Language    string `json:"language"`
	Code        string `json:"code"`

	// EntryID is the broker-side entry id of the delivered message,
	// needed to acknowledge it. Empty on the producer side.
	EntryID string `json:"-"`
}

// Producer is the enqueue surface offered to the request layer.
// Enqueue is fire-and-forget: delivery failures surface as the returned
// error, nothing else happens.
type Producer interface {
	Enqueue(ctx context.Context, job Job) error
}

// Consumer is the lease surface used by the worker pool. Jobs delivered on
// the channel are leased to this process until Ack is called; an
// unacknowledged job becomes redeliverable once its lease goes stale.
type Consumer interface {
	Consume(ctx context.Context) (<-chan Job, error)
	Ack(ctx context.Context, job Job) error
}
