package ingest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/wagate/pkg/config"
	"github.com/wagate/pkg/constant"
	"github.com/wagate/pkg/dtos"
)

// Service is the durable ingestion pipeline: fsync-on-append log, bounded
// queue, batching workers, replay loop, checkpoint and dead-letter log.
type Service interface {
	EnqueueMessage(ctx context.Context, m dtos.MessageInfo) dtos.IngestAck
	Snapshot() Snapshot
	QueueDepth() int
	Ready() bool
	Start(ctx context.Context)
	Shutdown(ctx context.Context)
}

type service struct {
	cfg     config.Ingest
	log     *DurableLog
	cp      *Checkpointer
	dlq     *DeadLetterLog
	queue   *BoundedQueue
	pool    *WorkerPool
	metrics *Metrics
	logger  zerolog.Logger

	// deliveryMu guards delivered: the byte offset through which log records
	// have been handed off to the queue, by either the direct producer path or
	// the replay loop.
	deliveryMu sync.Mutex
	delivered  int64

	cancel context.CancelFunc
	done   chan struct{}
}

func NewService(cfg config.Ingest, st BatchStore, logger zerolog.Logger) (Service, error) {
	for _, path := range []string{cfg.LogPath, cfg.CheckpointPath, cfg.DLQPath} {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	durable, err := OpenDurableLog(cfg.LogPath)
	if err != nil {
		return nil, err
	}
	dlq, err := OpenDeadLetterLog(cfg.DLQPath)
	if err != nil {
		durable.Close()
		return nil, err
	}

	cp := NewCheckpointer(cfg.CheckpointPath)
	queue := NewBoundedQueue(cfg.QueueCapacity)
	metrics := NewMetrics()

	policy := RetryPolicy{
		Base:        time.Duration(cfg.Retry.BaseMs) * time.Millisecond,
		Max:         time.Duration(cfg.Retry.MaxMs) * time.Millisecond,
		MaxAttempts: cfg.Retry.MaxAttempts,
		Horizon:     time.Duration(cfg.Retry.HorizonMs) * time.Millisecond,
	}
	pool := NewWorkerPool(st, queue, dlq, metrics, logger, cfg.Workers, cfg.BatchSize,
		time.Duration(cfg.BatchMaxWaitMs)*time.Millisecond, policy)

	// Recovery rule: a checkpoint past the log end means the log was rotated
	// or truncated; restart from zero and let store idempotency absorb the
	// re-delivery.
	offset := cp.Load()
	if size := durable.Size(); offset > size {
		logger.Warn().Int64("checkpoint", offset).Int64("log_size", size).
			Msg("checkpoint beyond log end, resetting to 0")
		offset = 0
	}
	metrics.SetCheckpoint(offset)

	return &service{
		cfg:       cfg,
		log:       durable,
		cp:        cp,
		dlq:       dlq,
		queue:     queue,
		pool:      pool,
		metrics:   metrics,
		logger:    logger.With().Str("component", "ingest").Logger(),
		delivered: offset,
		done:      make(chan struct{}),
	}, nil
}

// Start launches the worker pool and the replay loop.
func (s *service) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.pool.Start(runCtx)
	go s.replayLoop(runCtx)
	s.logger.Info().
		Int("workers", s.cfg.Workers).
		Int("queue_capacity", s.cfg.QueueCapacity).
		Msg("ingestion pipeline started")
}

// EnqueueMessage validates, appends to the durable log (fsync) and then
// best-effort enqueues. Accepted is true once the record is durable; a full
// queue is absorbed by the replay loop.
func (s *service) EnqueueMessage(ctx context.Context, m dtos.MessageInfo) dtos.IngestAck {
	if m.ID == "" || m.From == "" {
		return dtos.IngestAck{Accepted: false, Reason: constant.ReasonInvalidMessage}
	}

	record := dtos.IngestRecord{
		IdempotencyKey: m.IdempotencyKey(),
		CorrelationID:  m.CorrelationID(),
		ReceivedAt:     time.Now().UnixMilli(),
		Payload:        m,
	}

	start, end, err := s.log.Append(record)
	if err != nil {
		s.metrics.IncLogAppendFailed()
		s.logger.Error().Err(err).Str("correlation_id", record.CorrelationID).
			Msg("durable log append failed")
		return dtos.IngestAck{Accepted: false, Reason: constant.ReasonLogAppendFailed}
	}
	s.metrics.IncReceived()

	// Direct handoff is an optimization; it only advances the delivery offset
	// when this record is the next undelivered one, so the replay loop stays
	// the single source of ordering.
	s.deliveryMu.Lock()
	if s.delivered == start && s.queue.TryEnqueue(record) {
		s.delivered = end
		s.metrics.IncEnqueued()
	}
	s.deliveryMu.Unlock()

	return dtos.IngestAck{Accepted: true, IdempotencyKey: record.IdempotencyKey}
}

func (s *service) deliveredOffset() int64 {
	s.deliveryMu.Lock()
	defer s.deliveryMu.Unlock()
	return s.delivered
}

func (s *service) Snapshot() Snapshot {
	return s.metrics.Snapshot(s.queue.Depth())
}

func (s *service) QueueDepth() int {
	return s.queue.Depth()
}

// Ready reports whether the queue has headroom for new work.
func (s *service) Ready() bool {
	return s.queue.Depth() < s.cfg.ReadyMaxQueueDepth
}

// Shutdown closes the queue, lets workers drain their batches, stops the
// replay loop and persists the final checkpoint.
func (s *service) Shutdown(ctx context.Context) {
	s.queue.Close()

	drained := make(chan struct{})
	go func() {
		s.pool.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		s.logger.Warn().Msg("worker drain cut short by shutdown deadline")
	}

	if s.cancel != nil {
		s.cancel()
	}
	select {
	case <-s.done:
	case <-time.After(300 * time.Millisecond):
	}

	offset := s.deliveredOffset()
	if err := s.cp.Save(offset); err != nil {
		s.logger.Error().Err(err).Msg("failed to save final checkpoint")
	}
	s.metrics.SetCheckpoint(offset)

	s.dlq.Close()
	s.log.Close()
	s.logger.Info().Int64("checkpoint", offset).Msg("ingestion pipeline stopped")
}
