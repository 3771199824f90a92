package queue

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func TestBackoffFor(t *testing.T) {
	policy := DeliveryPolicy{Attempts: 4, InitialBackoff: time.Second, LeaseTimeout: 30 * time.Second}

	tests := []struct {
		retryCount int64
		want       time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
	}

	for _, tt := range tests {
		if got := backoffFor(tt.retryCount, policy); got != tt.want {
			t.Errorf("backoffFor(%d) = %v, want %v", tt.retryCount, got, tt.want)
		}
	}
}

func TestRedeliveryAction(t *testing.T) {
	policy := DefaultDeliveryPolicy() // attempts=2, backoff=1s, lease=30s

	tests := []struct {
		name       string
		retryCount int64
		idle       time.Duration
		want       action
	}{
		{"lease still live", 1, 500 * time.Millisecond, actionWait},
		{"job slower than backoff but inside lease", 1, 1500 * time.Millisecond, actionWait},
		{"lease expired, backoff not elapsed", 1, 30*time.Second + 500*time.Millisecond, actionWait},
		{"lease expired, backoff elapsed", 1, 31 * time.Second, actionRedeliver},
		{"attempt ceiling reached", 2, 40 * time.Second, actionPark},
		{"ceiling reached but lease still live", 2, 10 * time.Second, actionWait},
		{"beyond the ceiling", 5, time.Minute, actionPark},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := redeliveryAction(tt.retryCount, tt.idle, policy); got != tt.want {
				t.Errorf("redeliveryAction(%d, %v) = %v, want %v",
					tt.retryCount, tt.idle, got, tt.want)
			}
		})
	}
}

func TestDefaultDeliveryPolicy(t *testing.T) {
	p := DefaultDeliveryPolicy()
	if p.Attempts != 2 {
		t.Errorf("Attempts = %d, want 2", p.Attempts)
	}
	if p.InitialBackoff != time.Second {
		t.Errorf("InitialBackoff = %v, want 1s", p.InitialBackoff)
	}
	if p.LeaseTimeout != 30*time.Second {
		t.Errorf("LeaseTimeout = %v, want 30s", p.LeaseTimeout)
	}
}

// fakeStream implements streamClient in memory so the consumer paths run
// without a broker.
type fakeStream struct {
	mu          sync.Mutex
	nextID      int
	undelivered []redis.XMessage
	entries     map[string]redis.XMessage
	pending     []redis.XPendingExt
	acked       []string
	deleted     []string
	claimedTo   map[string]string
}

func newFakeStream() *fakeStream {
	return &fakeStream{
		entries:   make(map[string]redis.XMessage),
		claimedTo: make(map[string]string),
	}
}

func (f *fakeStream) XAdd(_ context.Context, a *redis.XAddArgs) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := fmt.Sprintf("%d-0", f.nextID)
	values := make(map[string]interface{}, len(a.Values.(map[string]interface{})))
	for k, v := range a.Values.(map[string]interface{}) {
		// The server returns bulk strings regardless of what was sent.
		if b, ok := v.([]byte); ok {
			values[k] = string(b)
		} else {
			values[k] = v
		}
	}
	msg := redis.XMessage{ID: id, Values: values}
	f.undelivered = append(f.undelivered, msg)
	f.entries[id] = msg
	return redis.NewStringResult(id, nil)
}

func (f *fakeStream) XGroupCreateMkStream(_ context.Context, _, _, _ string) *redis.StatusCmd {
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeStream) XReadGroup(_ context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.undelivered) == 0 {
		return redis.NewXStreamSliceCmdResult(nil, redis.Nil)
	}
	msgs := f.undelivered
	f.undelivered = nil
	return redis.NewXStreamSliceCmdResult([]redis.XStream{{Stream: a.Streams[0], Messages: msgs}}, nil)
}

func (f *fakeStream) XAck(_ context.Context, _, _ string, ids ...string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked = append(f.acked, ids...)
	return redis.NewIntResult(int64(len(ids)), nil)
}

func (f *fakeStream) XDel(_ context.Context, _ string, ids ...string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range ids {
		delete(f.entries, id)
		f.deleted = append(f.deleted, id)
	}
	return redis.NewIntResult(int64(len(ids)), nil)
}

func (f *fakeStream) XPendingExt(ctx context.Context, a *redis.XPendingExtArgs) *redis.XPendingExtCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []redis.XPendingExt
	for _, p := range f.pending {
		if p.Idle >= a.Idle {
			out = append(out, p)
		}
	}
	cmd := redis.NewXPendingExtCmd(ctx)
	cmd.SetVal(out)
	return cmd
}

func (f *fakeStream) XClaim(_ context.Context, a *redis.XClaimArgs) *redis.XMessageSliceCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	var msgs []redis.XMessage
	for _, id := range a.Messages {
		if msg, ok := f.entries[id]; ok {
			f.claimedTo[id] = a.Consumer
			msgs = append(msgs, msg)
		}
	}
	return redis.NewXMessageSliceCmdResult(msgs, nil)
}

func (f *fakeStream) XClaimJustID(_ context.Context, a *redis.XClaimArgs) *redis.StringSliceCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []string
	for _, id := range a.Messages {
		if _, ok := f.entries[id]; ok {
			f.claimedTo[id] = a.Consumer
			ids = append(ids, id)
		}
	}
	return redis.NewStringSliceResult(ids, nil)
}

func (f *fakeStream) Close() error { return nil }

func newFakeQueue(fake *fakeStream) *RedisQueue {
	return &RedisQueue{
		client:   fake,
		stream:   "jobs",
		group:    "workers",
		consumer: "worker-1",
		policy:   DefaultDeliveryPolicy(),
	}
}

func TestConsumeDeliversThenAckDeletes(t *testing.T) {
	fake := newFakeStream()
	q := newFakeQueue(fake)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	want := Job{ExecutionID: "exec-1", Language: "python", Code: "print(1)"}
	if err := q.Enqueue(ctx, want); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	ch, err := q.Consume(ctx)
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}

	var job Job
	select {
	case job = <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("no job delivered")
	}

	if job.ExecutionID != want.ExecutionID || job.Language != want.Language || job.Code != want.Code {
		t.Errorf("delivered job = %+v, want %+v", job, want)
	}
	if job.EntryID == "" {
		t.Fatal("delivered job has no entry ID")
	}

	if err := q.Ack(ctx, job); err != nil {
		t.Fatalf("Ack: %v", err)
	}

	fake.mu.Lock()
	defer fake.mu.Unlock()
	if len(fake.acked) != 1 || fake.acked[0] != job.EntryID {
		t.Errorf("acked = %v, want [%s]", fake.acked, job.EntryID)
	}
	if len(fake.deleted) != 1 || fake.deleted[0] != job.EntryID {
		t.Errorf("deleted = %v, want [%s] (finished jobs are not retained)", fake.deleted, job.EntryID)
	}
}

func enqueueEntry(t *testing.T, fake *fakeStream, q *RedisQueue, job Job) string {
	t.Helper()
	if err := q.Enqueue(context.Background(), job); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	fake.mu.Lock()
	defer fake.mu.Unlock()
	id := fake.undelivered[len(fake.undelivered)-1].ID
	fake.undelivered = nil // simulate the entry having been delivered
	return id
}

func TestRedeliverReclaimsExpiredLease(t *testing.T) {
	fake := newFakeStream()
	q := newFakeQueue(fake)

	id := enqueueEntry(t, fake, q, Job{ExecutionID: "exec-stale"})
	fake.pending = []redis.XPendingExt{{
		ID:         id,
		Consumer:   "worker-dead",
		Idle:       q.policy.LeaseTimeout + q.policy.InitialBackoff,
		RetryCount: 1,
	}}

	ch := make(chan Job, 1)
	q.redeliverOnce(context.Background(), ch)

	select {
	case job := <-ch:
		if job.ExecutionID != "exec-stale" {
			t.Errorf("reclaimed job = %q, want exec-stale", job.ExecutionID)
		}
		if job.EntryID != id {
			t.Errorf("entry ID = %q, want %q", job.EntryID, id)
		}
	default:
		t.Fatal("expired lease not reclaimed")
	}

	if got := fake.claimedTo[id]; got != "worker-1" {
		t.Errorf("entry claimed to %q, want worker-1", got)
	}
}

func TestRedeliverLeavesInFlightJobAlone(t *testing.T) {
	fake := newFakeStream()
	q := newFakeQueue(fake)

	// A job slower than the backoff but still inside its lease: the
	// worker holding it is healthy, so reclaiming it would spawn a
	// second subprocess for the same execution.
	id := enqueueEntry(t, fake, q, Job{ExecutionID: "exec-slow"})
	fake.pending = []redis.XPendingExt{{
		ID:         id,
		Consumer:   "worker-busy",
		Idle:       1500 * time.Millisecond,
		RetryCount: 1,
	}}

	ch := make(chan Job, 1)
	q.redeliverOnce(context.Background(), ch)

	if len(ch) != 0 {
		t.Fatal("in-flight job was reclaimed for redelivery")
	}
	if consumer, claimed := fake.claimedTo[id]; claimed {
		t.Errorf("in-flight entry claimed to %q", consumer)
	}
}

func TestRedeliverParksExhaustedAndRetains(t *testing.T) {
	fake := newFakeStream()
	q := newFakeQueue(fake)

	id := enqueueEntry(t, fake, q, Job{ExecutionID: "exec-doomed"})
	fake.pending = []redis.XPendingExt{{
		ID:         id,
		Consumer:   "worker-dead",
		Idle:       time.Minute,
		RetryCount: int64(q.policy.Attempts),
	}}

	ch := make(chan Job, 1)
	q.redeliverOnce(context.Background(), ch)

	if len(ch) != 0 {
		t.Fatal("exhausted job re-emitted instead of parked")
	}
	if got := fake.claimedTo[id]; got != parkedConsumer {
		t.Errorf("entry claimed to %q, want %q", got, parkedConsumer)
	}
	if _, ok := fake.entries[id]; !ok {
		t.Error("parked entry was deleted; it must be retained for inspection")
	}
	if len(fake.acked) != 0 {
		t.Errorf("parked entry acked: %v", fake.acked)
	}
}

func TestRedeliverSkipsParkedEntries(t *testing.T) {
	fake := newFakeStream()
	q := newFakeQueue(fake)

	id := enqueueEntry(t, fake, q, Job{ExecutionID: "exec-parked"})
	fake.pending = []redis.XPendingExt{{
		ID:         id,
		Consumer:   parkedConsumer,
		Idle:       time.Hour,
		RetryCount: 3,
	}}

	ch := make(chan Job, 1)
	q.redeliverOnce(context.Background(), ch)

	if len(ch) != 0 {
		t.Fatal("parked entry re-emitted")
	}
	if _, claimed := fake.claimedTo[id]; claimed {
		t.Error("parked entry claimed again")
	}
}
