package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"runbox/internal/monitor"
	"runbox/internal/queue"
	"runbox/internal/sandbox"
	"runbox/internal/storage"
)

// DefaultPoolSize is the number of concurrent job consumers.
const DefaultPoolSize = 5

// StatusStore is the persistence surface the pool needs: the guarded
// RUNNING transition and the single terminal write.
type StatusStore interface {
	MarkRunning(ctx context.Context, id string) (bool, error)
	Finish(ctx context.Context, id string, status storage.ExecutionStatus, stdout, stderr *string, durationMS *int64) (bool, error)
}

// SandboxRunner runs one job to a classified outcome.
type SandboxRunner interface {
	Run(ctx context.Context, req sandbox.Request) sandbox.Outcome
}

// Pool is a fixed-size set of consumers draining one job queue. Each
// consumer takes a job end-to-end — RUNNING write, sandbox run, terminal
// write, ack — before leasing the next.
type Pool struct {
	size    int
	queue   queue.Consumer
	store   StatusStore
	runner  SandboxRunner
	metrics *monitor.Metrics
	tracer  *monitor.Tracer
}

// NewPool wires a worker pool. size <= 0 falls back to DefaultPoolSize.
func NewPool(size int, q queue.Consumer, store StatusStore, runner SandboxRunner, metrics *monitor.Metrics) *Pool {
	if size <= 0 {
		size = DefaultPoolSize
	}
	return &Pool{
		size:    size,
		queue:   q,
		store:   store,
		runner:  runner,
		metrics: metrics,
		tracer:  monitor.NewTracer(),
	}
}

// Run starts the consumers and blocks until ctx is canceled and the jobs
// channel drains.
func (p *Pool) Run(ctx context.Context) error {
	jobs, err := p.queue.Consume(ctx)
	if err != nil {
		return fmt.Errorf("subscribing to queue: %w", err)
	}

	log.Info().Int("pool_size", p.size).Msg("worker pool starting")

	var wg sync.WaitGroup
	for i := 0; i < p.size; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for job := range jobs {
				p.process(ctx, job)
			}
			log.Debug().Int("consumer", id).Msg("consumer stopped")
		}(i)
	}

	wg.Wait()
	log.Info().Msg("worker pool stopped")
	return nil
}

// process drives one leased job through the execution state machine. It
// returns only after the job's fate is settled: either a terminal status
// was persisted and the job acked, or persistence failed and the job is
// deliberately left unacked for redelivery.
func (p *Pool) process(ctx context.Context, job queue.Job) {
	lease := time.Now()

	logger := log.With().
		Str("execution_id", job.ExecutionID).
		Str("language", job.Language).
		Logger()

	spanCtx, span := p.tracer.StartSpan(ctx, "process_job",
		monitor.AttrExecutionID.String(job.ExecutionID),
		monitor.AttrLanguage.String(job.Language),
	)
	defer span.End()

	if p.metrics != nil {
		p.metrics.ActiveJobs.Inc()
		defer p.metrics.ActiveJobs.Dec()
	}

	// RUNNING comes first, before any file I/O, so pollers can observe
	// in-flight work even if the subprocess never starts.
	claimed, err := p.store.MarkRunning(spanCtx, job.ExecutionID)
	if err != nil {
		// Store unreachable: nothing was persisted, so leave the lease
		// unacked and let the delivery policy retry the whole job.
		logger.Error().Err(err).Msg("failed to mark execution running, leaving job for redelivery")
		return
	}
	if !claimed {
		// Redelivered job whose execution already reached a terminal
		// state under an earlier lease. Never spawn a second
		// subprocess for it.
		logger.Warn().Msg("execution already terminal, dropping redelivered job")
		p.ack(spanCtx, job, logger)
		return
	}

	outcome := p.runJob(spanCtx, job, lease, logger)
	status, stdout, stderr, durationMS := mapOutcome(outcome)

	span.SetAttributes(
		monitor.AttrStatus.String(string(status)),
		monitor.AttrDurationMS.Int64(outcome.Duration.Milliseconds()),
	)

	applied, err := p.store.Finish(spanCtx, job.ExecutionID, status, stdout, stderr, durationMS)
	if err != nil {
		logger.Error().Err(err).Msg("failed to persist terminal status, leaving job for redelivery")
		return
	}
	if !applied {
		// Another lease won the terminal write in the meantime; ours
		// is discarded by the store guard.
		logger.Warn().Str("status", string(status)).Msg("terminal status already written by another lease")
	}

	if p.metrics != nil {
		p.metrics.RecordJob(job.Language, string(status), outcome.Duration.Seconds())
		if outcome.Kind == sandbox.OutcomeCompleted {
			p.metrics.OutputSizeBytes.Observe(float64(len(outcome.Stdout) + len(outcome.Stderr)))
		}
	}

	logger.Info().
		Str("status", string(status)).
		Dur("duration", outcome.Duration).
		Msg("execution finished")

	p.ack(spanCtx, job, logger)
}

// runJob invokes the sandbox with a panic guard: whatever goes wrong
// inside a job resolves to a FAILED outcome rather than killing the
// consumer.
func (p *Pool) runJob(ctx context.Context, job queue.Job, lease time.Time, logger zerolog.Logger) (outcome sandbox.Outcome) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error().
				Interface("panic", r).
				Msg("panic inside job, resolving to failed")
			outcome = sandbox.Failed(fmt.Sprintf("internal error: %v", r))
		}
	}()

	return p.runner.Run(ctx, sandbox.Request{
		ExecutionID: job.ExecutionID,
		Language:    job.Language,
		Code:        job.Code,
		Start:       lease,
	})
}

func (p *Pool) ack(ctx context.Context, job queue.Job, logger zerolog.Logger) {
	if err := p.queue.Ack(ctx, job); err != nil {
		// The terminal status is already persisted; a redelivery will
		// hit the store guard and be dropped, so this is log-only.
		logger.Warn().Err(err).Msg("ack failed")
	}
}

// mapOutcome converts a sandbox outcome into the persisted record shape.
// Stdout/stderr/duration stay nil except where the state machine defines
// them.
func mapOutcome(out sandbox.Outcome) (storage.ExecutionStatus, *string, *string, *int64) {
	switch out.Kind {
	case sandbox.OutcomeCompleted:
		stdout, stderr := out.Stdout, out.Stderr
		ms := out.Duration.Milliseconds()
		return storage.ExecutionCompleted, &stdout, &stderr, &ms

	case sandbox.OutcomeTimedOut:
		stderr := out.Stderr
		ms := out.Duration.Milliseconds()
		return storage.ExecutionTimeout, nil, &stderr, &ms

	default:
		stderr := out.Stderr
		return storage.ExecutionFailed, nil, &stderr, nil
	}
}
