package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"runbox/internal/monitor"
)

// parkedConsumer is the consumer-group member that holds jobs whose retry
// budget is exhausted. Parked entries stay in the pending list forever so
// they can be inspected manually; they are never deleted or redelivered.
const parkedConsumer = "parked"

// DeliveryPolicy controls redelivery of stale leases.
type DeliveryPolicy struct {
	// Attempts is the total attempt ceiling per job, counting the first
	// delivery.
	Attempts int

	// InitialBackoff is the delay after a lease is presumed dead before
	// the first redelivery; each further redelivery doubles it.
	InitialBackoff time.Duration

	// LeaseTimeout is how long a delivered entry may sit in the pending
	// list before its worker is presumed dead. Redis only tracks idle
	// time since delivery, not worker liveness, so this must exceed the
	// worst-case job processing time or a job still running on a healthy
	// worker gets reclaimed and run twice.
	LeaseTimeout time.Duration
}

// DefaultLeaseTimeout leaves generous headroom over the 5s sandbox bound
// plus store round trips.
const DefaultLeaseTimeout = 30 * time.Second

// DefaultDeliveryPolicy matches the queue contract: two attempts,
// exponential backoff starting at one second after the lease expires.
func DefaultDeliveryPolicy() DeliveryPolicy {
	return DeliveryPolicy{
		Attempts:       2,
		InitialBackoff: time.Second,
		LeaseTimeout:   DefaultLeaseTimeout,
	}
}

// streamClient is the slice of the go-redis API the queue uses. Narrowed
// so tests can run the consumer paths against an in-memory fake.
type streamClient interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	XGroupCreateMkStream(ctx context.Context, stream, group, start string) *redis.StatusCmd
	XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd
	XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd
	XDel(ctx context.Context, stream string, ids ...string) *redis.IntCmd
	XPendingExt(ctx context.Context, a *redis.XPendingExtArgs) *redis.XPendingExtCmd
	XClaim(ctx context.Context, a *redis.XClaimArgs) *redis.XMessageSliceCmd
	XClaimJustID(ctx context.Context, a *redis.XClaimArgs) *redis.StringSliceCmd
	Close() error
}

// RedisQueue implements Producer and Consumer on a Redis stream with a
// consumer group. Delivery is at-least-once: a crashed worker's pending
// entries are reclaimed by the redelivery loop once their lease has been
// idle past LeaseTimeout plus the backoff for their delivery count.
type RedisQueue struct {
	client   streamClient
	stream   string
	group    string
	consumer string
	policy   DeliveryPolicy
	metrics  *monitor.Metrics
}

var (
	_ Producer = (*RedisQueue)(nil)
	_ Consumer = (*RedisQueue)(nil)
)

// NewRedisQueue connects to Redis and verifies the connection. The
// returned queue owns the client; Close releases it.
func NewRedisQueue(ctx context.Context, addr, stream, group string, policy DeliveryPolicy) (*RedisQueue, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("connecting to redis at %s: %w", addr, err)
	}

	if policy.Attempts < 1 {
		policy = DefaultDeliveryPolicy()
	}
	if policy.LeaseTimeout <= 0 {
		policy.LeaseTimeout = DefaultLeaseTimeout
	}

	consumer, _ := os.Hostname()
	if consumer == "" {
		consumer = fmt.Sprintf("consumer-%d", os.Getpid())
	}

	return &RedisQueue{
		client:   rdb,
		stream:   stream,
		group:    group,
		consumer: consumer,
		policy:   policy,
	}, nil
}

// WithMetrics attaches queue counters. Call before Consume.
func (q *RedisQueue) WithMetrics(m *monitor.Metrics) *RedisQueue {
	q.metrics = m
	return q
}

// Close releases the underlying Redis client.
func (q *RedisQueue) Close() error {
	return q.client.Close()
}

// Enqueue appends a job to the stream with XADD.
func (q *RedisQueue) Enqueue(ctx context.Context, job Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshaling job: %w", err)
	}

	err = q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		Values: map[string]interface{}{"job": data},
	}).Err()
	if err != nil {
		return fmt.Errorf("enqueuing job for execution %s: %w", job.ExecutionID, err)
	}
	return nil
}

// Consume creates the consumer group if needed and returns a channel of
// leased jobs. Fresh deliveries and reclaimed stale leases share the same
// channel; both loops stop when ctx is canceled.
func (q *RedisQueue) Consume(ctx context.Context) (<-chan Job, error) {
	err := q.client.XGroupCreateMkStream(ctx, q.stream, q.group, "0").Err()
	if err != nil && err.Error() != "BUSYGROUP Consumer Group name already exists" {
		return nil, fmt.Errorf("creating consumer group: %w", err)
	}

	ch := make(chan Job)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		q.readLoop(ctx, ch)
	}()
	go func() {
		defer wg.Done()
		q.redeliverLoop(ctx, ch)
	}()
	go func() {
		wg.Wait()
		close(ch)
	}()

	return ch, nil
}

// Ack acknowledges a processed job and deletes the entry from the stream
// (successful jobs are not retained).
func (q *RedisQueue) Ack(ctx context.Context, job Job) error {
	if err := q.client.XAck(ctx, q.stream, q.group, job.EntryID).Err(); err != nil {
		return fmt.Errorf("acking entry %s: %w", job.EntryID, err)
	}
	if err := q.client.XDel(ctx, q.stream, job.EntryID).Err(); err != nil {
		return fmt.Errorf("deleting entry %s: %w", job.EntryID, err)
	}
	return nil
}

func (q *RedisQueue) readLoop(ctx context.Context, ch chan<- Job) {
	for {
		if ctx.Err() != nil {
			return
		}

		streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    q.group,
			Consumer: q.consumer,
			Streams:  []string{q.stream, ">"},
			Count:    1,
			Block:    2 * time.Second,
		}).Result()
		if err != nil {
			if err == redis.Nil {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Msg("redis read failed")
			time.Sleep(time.Second)
			continue
		}

		for _, stream := range streams {
			for _, msg := range stream.Messages {
				job, ok := decodeJob(msg)
				if !ok {
					// Malformed entries are acked away so they
					// don't clog the pending list.
					_ = q.client.XAck(ctx, q.stream, q.group, msg.ID).Err()
					continue
				}
				select {
				case ch <- job:
				case <-ctx.Done():
					return
				}
			}
		}
	}
}

// redeliverLoop scans the pending entry list for stale leases. Entries
// still inside their retry budget are claimed back and re-emitted once
// their backoff has elapsed; exhausted entries are parked.
func (q *RedisQueue) redeliverLoop(ctx context.Context, ch chan<- Job) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.redeliverOnce(ctx, ch)
		}
	}
}

func (q *RedisQueue) redeliverOnce(ctx context.Context, ch chan<- Job) {
	// Entries idle for less than the lease timeout may still be running
	// on a healthy worker; the server filters them out here.
	pending, err := q.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: q.stream,
		Group:  q.group,
		Idle:   q.policy.LeaseTimeout,
		Start:  "-",
		End:    "+",
		Count:  64,
	}).Result()
	if err != nil {
		if ctx.Err() == nil {
			log.Error().Err(err).Msg("pending scan failed")
		}
		return
	}

	for _, entry := range pending {
		if entry.Consumer == parkedConsumer {
			continue
		}

		switch redeliveryAction(entry.RetryCount, entry.Idle, q.policy) {
		case actionPark:
			if err := q.claimTo(ctx, parkedConsumer, entry.ID); err != nil {
				log.Error().Err(err).Str("entry_id", entry.ID).Msg("failed to park entry")
				continue
			}
			log.Warn().
				Str("entry_id", entry.ID).
				Int64("deliveries", entry.RetryCount).
				Msg("retry budget exhausted, job parked for manual inspection")
			if q.metrics != nil {
				q.metrics.QueueParked.Inc()
			}

		case actionRedeliver:
			msgs, err := q.client.XClaim(ctx, &redis.XClaimArgs{
				Stream:   q.stream,
				Group:    q.group,
				Consumer: q.consumer,
				MinIdle:  q.policy.LeaseTimeout,
				Messages: []string{entry.ID},
			}).Result()
			if err != nil {
				log.Error().Err(err).Str("entry_id", entry.ID).Msg("claim failed")
				continue
			}
			for _, msg := range msgs {
				job, ok := decodeJob(msg)
				if !ok {
					_ = q.client.XAck(ctx, q.stream, q.group, msg.ID).Err()
					continue
				}
				log.Info().
					Str("entry_id", msg.ID).
					Str("execution_id", job.ExecutionID).
					Int64("deliveries", entry.RetryCount).
					Msg("stale job reclaimed for redelivery")
				if q.metrics != nil {
					q.metrics.QueueRedelivered.Inc()
				}
				select {
				case ch <- job:
				case <-ctx.Done():
					return
				}
			}

		case actionWait:
		}
	}
}

func (q *RedisQueue) claimTo(ctx context.Context, consumer, entryID string) error {
	return q.client.XClaimJustID(ctx, &redis.XClaimArgs{
		Stream:   q.stream,
		Group:    q.group,
		Consumer: consumer,
		MinIdle:  q.policy.LeaseTimeout,
		Messages: []string{entryID},
	}).Err()
}

type action int

const (
	actionWait action = iota
	actionRedeliver
	actionPark
)

// redeliveryAction decides what to do with a pending entry. retryCount is
// the broker's delivery count: 1 after the first delivery. Idle time only
// measures time since delivery, so an entry inside LeaseTimeout may still
// be processing on a live worker and is always left alone.
func redeliveryAction(retryCount int64, idle time.Duration, policy DeliveryPolicy) action {
	if idle < policy.LeaseTimeout {
		return actionWait
	}
	if retryCount >= int64(policy.Attempts) {
		return actionPark
	}
	if idle >= policy.LeaseTimeout+backoffFor(retryCount, policy) {
		return actionRedeliver
	}
	return actionWait
}

// backoffFor returns the exponential backoff before the next redelivery of
// an entry already delivered retryCount times.
func backoffFor(retryCount int64, policy DeliveryPolicy) time.Duration {
	backoff := policy.InitialBackoff
	for i := int64(1); i < retryCount; i++ {
		backoff *= 2
	}
	return backoff
}

func decodeJob(msg redis.XMessage) (Job, bool) {
	val, ok := msg.Values["job"].(string)
	if !ok {
		log.Error().Str("entry_id", msg.ID).Msg("malformed queue entry")
		return Job{}, false
	}
	var job Job
	if err := json.Unmarshal([]byte(val), &job); err != nil {
		log.Error().Err(err).Str("entry_id", msg.ID).Msg("failed to unmarshal job")
		return Job{}, false
	}
	job.EntryID = msg.ID
	return job, true
}
