package ingest

import (
	"context"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/wagate/pkg/dtos"
)

// BatchStore is the slice of the persistent store the workers need.
type BatchStore interface {
	SaveMessagesBatch(ctx context.Context, records []dtos.IngestRecord) error
}

// RetryPolicy bounds the per-record retry loop.
type RetryPolicy struct {
	Base        time.Duration
	Max         time.Duration
	MaxAttempts int
	Horizon     time.Duration
}

// maxSplitDepth caps the binary-search recursion; past it the batch falls
// through to per-record retry.
const maxSplitDepth = 20

var transientMarkers = []string{
	"busy",
	"locked",
	"timeout",
	"ioerr",
	"database is locked",
}

// isTransient classifies a persistence error by case-insensitive substring
// match. Everything not matching is non-transient.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// backoffDelay is the jittered exponential wait before the given retry
// attempt (0-based): min(max, base*2^attempt) + U[0, 0.2*exp].
func backoffDelay(policy RetryPolicy, attempt int) time.Duration {
	exp := policy.Base << uint(attempt)
	if exp <= 0 || exp > policy.Max {
		exp = policy.Max
	}
	jitter := time.Duration(rand.Int63n(int64(exp)/5 + 1))
	return exp + jitter
}

// WorkerPool drains the bounded queue in batches and persists them with
// split-on-failure isolation.
type WorkerPool struct {
	store   BatchStore
	queue   *BoundedQueue
	dlq     *DeadLetterLog
	metrics *Metrics
	logger  zerolog.Logger

	workers   int
	batchSize int
	maxWait   time.Duration
	policy    RetryPolicy

	wg sync.WaitGroup
}

func NewWorkerPool(store BatchStore, queue *BoundedQueue, dlq *DeadLetterLog, metrics *Metrics, logger zerolog.Logger, workers, batchSize int, maxWait time.Duration, policy RetryPolicy) *WorkerPool {
	return &WorkerPool{
		store:     store,
		queue:     queue,
		dlq:       dlq,
		metrics:   metrics,
		logger:    logger.With().Str("component", "ingest.workers").Logger(),
		workers:   workers,
		batchSize: batchSize,
		maxWait:   maxWait,
		policy:    policy,
	}
}

// Start launches the worker goroutines. They exit once the queue closes and
// their in-flight batch is flushed.
func (p *WorkerPool) Start(ctx context.Context) {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.run(ctx, i)
	}
}

// Wait blocks until all workers have drained.
func (p *WorkerPool) Wait() {
	p.wg.Wait()
}

func (p *WorkerPool) run(ctx context.Context, id int) {
	defer p.wg.Done()
	logger := p.logger.With().Int("worker", id).Logger()

	batch := make([]dtos.IngestRecord, 0, p.batchSize)
	var timer *time.Timer
	var timerC <-chan time.Time
	stopTimer := func() {
		if timer != nil {
			timer.Stop()
			timer = nil
			timerC = nil
		}
	}

	idleStart := time.Now()
	for {
		select {
		case record, ok := <-p.queue.C():
			if !ok {
				stopTimer()
				if len(batch) > 0 {
					p.flush(ctx, logger, batch, idleStart)
				}
				logger.Debug().Msg("queue closed, worker exiting")
				return
			}
			batch = append(batch, record)
			if len(batch) == 1 {
				timer = time.NewTimer(p.maxWait)
				timerC = timer.C
			}
			if len(batch) >= p.batchSize {
				stopTimer()
				batch = p.flush(ctx, logger, batch, idleStart)
				idleStart = time.Now()
			}
		case <-timerC:
			timer = nil
			timerC = nil
			if len(batch) > 0 {
				batch = p.flush(ctx, logger, batch, idleStart)
				idleStart = time.Now()
			}
		}
	}
}

// flush persists the batch and returns a reset slice reusing the backing
// array.
func (p *WorkerPool) flush(ctx context.Context, logger zerolog.Logger, batch []dtos.IngestRecord, idleStart time.Time) []dtos.IngestRecord {
	busyStart := time.Now()
	p.persistBatch(ctx, logger, batch, 0)
	p.metrics.ObserveWorker(time.Since(busyStart), busyStart.Sub(idleStart))
	return batch[:0]
}

// persistBatch attempts the whole batch once. A transient failure splits the
// batch in half and recurses (up to maxSplitDepth); a non-transient failure, a
// single record or the depth cap sends each record through the retry loop.
func (p *WorkerPool) persistBatch(ctx context.Context, logger zerolog.Logger, records []dtos.IngestRecord, depth int) {
	if len(records) == 0 {
		return
	}

	start := time.Now()
	err := p.store.SaveMessagesBatch(ctx, records)
	if err == nil {
		p.metrics.ObserveLatency(time.Since(start))
		p.metrics.AddPersisted(len(records))
		return
	}

	transient := isTransient(err)
	p.metrics.IncErrorCode(errorClass(transient))

	if transient && len(records) > 1 && depth < maxSplitDepth {
		mid := len(records) / 2
		p.persistBatch(ctx, logger, records[:mid], depth+1)
		p.persistBatch(ctx, logger, records[mid:], depth+1)
		return
	}

	if len(records) == 1 {
		// The batch attempt was this record's first individual attempt.
		p.retryRecord(ctx, logger, records[0], err, 1)
		return
	}
	for _, record := range records {
		p.retryRecord(ctx, logger, record, nil, 0)
	}
}

func errorClass(transient bool) string {
	if transient {
		return "transient"
	}
	return "non_transient"
}

// retryRecord loops a single record with jittered backoff until success, a
// non-transient error, attempt exhaustion, or the horizon. lastErr/attempts
// carry the outcome of any individual attempt already made by the caller.
func (p *WorkerPool) retryRecord(ctx context.Context, logger zerolog.Logger, record dtos.IngestRecord, lastErr error, attempts int) {
	received := time.UnixMilli(record.ReceivedAt)

	for {
		if lastErr != nil {
			if !isTransient(lastErr) || attempts >= p.policy.MaxAttempts || time.Since(received) >= p.policy.Horizon {
				p.deadLetter(logger, record, lastErr)
				return
			}

			p.metrics.IncRetried()
			logger.Warn().
				Str("correlation_id", record.CorrelationID).
				Int("attempt", attempts).
				Err(lastErr).
				Msg("transient persistence failure, backing off")

			select {
			case <-time.After(backoffDelay(p.policy, attempts-1)):
			case <-ctx.Done():
				p.deadLetter(logger, record, ctx.Err())
				return
			}
		}

		start := time.Now()
		lastErr = p.store.SaveMessagesBatch(ctx, []dtos.IngestRecord{record})
		attempts++
		if lastErr == nil {
			p.metrics.ObserveLatency(time.Since(start))
			p.metrics.AddPersisted(1)
			return
		}
	}
}

func (p *WorkerPool) deadLetter(logger zerolog.Logger, record dtos.IngestRecord, cause error) {
	p.metrics.IncDeadLettered()
	logger.Error().
		Str("correlation_id", record.CorrelationID).
		Str("idempotency_key", record.IdempotencyKey).
		Err(cause).
		Msg("record dead-lettered")
	if err := p.dlq.Append(record, cause); err != nil {
		logger.Error().Err(err).Msg("failed to append to dead-letter log")
	}
}
