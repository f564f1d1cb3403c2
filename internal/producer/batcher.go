package producer

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tradefabric/streambus/internal/config"
	"github.com/tradefabric/streambus/internal/envelope"
	"github.com/tradefabric/streambus/internal/obs"
	"github.com/tradefabric/streambus/internal/retry"
	"github.com/tradefabric/streambus/internal/types"
)

// Errors
var (
	// ErrBatcherClosed is returned by Enqueue after Close has been called.
	ErrBatcherClosed = errors.New("batcher is closed")
)

// Batcher buffers outgoing messages per stream and flushes them through the
// producer as one signed envelope, triggered by batch size or by the age of
// the oldest queued item. Failed flushes are re-queued in front of newer
// items and retried with backoff; the queue is bounded, with overflow
// routed to the failure sink.
type Batcher struct {
	mu       sync.Mutex
	producer *Producer
	sink     FailureSink
	cfg      config.ProducerConfig
	retryCfg config.RetryConfig
	logger   *zap.Logger
	metrics  *obs.Metrics
	queues   map[string]*streamQueue
	closed   bool
}

type streamQueue struct {
	q        deque
	timer    *time.Timer
	failures int
	// inFlight serializes flushes per stream: at most one append may be
	// outstanding, or a failed batch could be re-prepended behind newer
	// items that already reached the stream.
	inFlight bool
}

// NewBatcher creates a batcher on top of a producer. sink may be nil, in
// which case overflow during an outage is dropped with only a log line.
func NewBatcher(p *Producer, sink FailureSink, cfg config.ProducerConfig, retryCfg config.RetryConfig, logger *zap.Logger, metrics *obs.Metrics) (*Batcher, error) {
	if p == nil {
		return nil, errors.New("producer cannot be nil")
	}
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.MaxBatchSize <= 0 {
		return nil, errors.New("MaxBatchSize must be greater than 0")
	}
	return &Batcher{
		producer: p,
		sink:     sink,
		cfg:      cfg,
		retryCfg: retryCfg,
		logger:   logger,
		metrics:  metrics,
		queues:   make(map[string]*streamQueue),
	}, nil
}

// Enqueue adds a message to the stream's queue. It triggers an immediate
// flush when the queue reaches MaxBatchSize, otherwise arms the flush timer
// for MaxWait after the oldest queued item.
func (b *Batcher) Enqueue(stream string, fields types.FieldPairs) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrBatcherClosed
	}
	sq := b.queues[stream]
	if sq == nil {
		sq = &streamQueue{}
		b.queues[stream] = sq
	}
	sq.q.pushBack(queuedItem{fields: fields, enqueued: time.Now()})
	// The queue bound holds at all times, not only after a failed flush.
	dropped := b.enforceBoundLocked(sq)
	full := sq.q.len() >= b.cfg.MaxBatchSize
	if !full && sq.timer == nil {
		b.scheduleLocked(stream, sq, b.cfg.MaxWait)
	}
	b.mu.Unlock()
	b.recordDropped(stream, dropped)

	if full {
		// Flush failures are requeued and retried internally; the enqueue
		// itself has succeeded either way.
		if err := b.Flush(context.Background(), stream); err != nil {
			b.logger.Debug("Size-triggered flush failed, retry scheduled",
				zap.String("stream", stream),
				zap.Error(err),
			)
		}
	}
	return nil
}

// Flush drains up to MaxBatchSize queued messages for the stream into one
// physical append. On failure the batch is re-prepended, the queue bound is
// enforced, and a backoff retry is scheduled. Flushes are serialized per
// stream; a flush arriving while another is in flight is a no-op, the
// running one picks the remainder up when it finishes.
func (b *Batcher) Flush(ctx context.Context, stream string) error {
	b.mu.Lock()
	sq := b.queues[stream]
	if sq == nil || sq.q.len() == 0 {
		b.stopTimerLocked(sq)
		b.mu.Unlock()
		return nil
	}
	if sq.inFlight {
		b.mu.Unlock()
		return nil
	}
	sq.inFlight = true
	b.stopTimerLocked(sq)
	batch := sq.q.popFrontN(b.cfg.MaxBatchSize)
	b.mu.Unlock()

	payload, err := encodeBatchPayload(batch)
	if err != nil {
		// Unserializable payloads cannot succeed later either; drop the
		// batch to the sink rather than loop on it.
		b.mu.Lock()
		sq.inFlight = false
		b.mu.Unlock()
		b.logger.Error("Failed to encode batch, dead-lettering",
			zap.String("stream", stream),
			zap.Int("batchSize", len(batch)),
			zap.Error(err),
		)
		b.recordDropped(stream, batch)
		return err
	}

	_, err = b.producer.appendPayload(ctx, stream, payload)

	b.mu.Lock()
	sq.inFlight = false
	if err != nil {
		if b.metrics != nil {
			b.metrics.IncrementAppendRetries()
		}
		sq.q.pushFront(batch)
		sq.failures++
		failures := sq.failures
		dropped := b.enforceBoundLocked(sq)
		delay := retry.Backoff(&b.retryCfg, failures-1)
		if !b.closed {
			b.scheduleLocked(stream, sq, delay)
		}
		b.mu.Unlock()

		b.logger.Warn("Flush failed, batch requeued",
			zap.String("stream", stream),
			zap.Int("batchSize", len(batch)),
			zap.Int("consecutiveFailures", failures),
			zap.Duration("retryIn", delay),
			zap.Error(err),
		)
		b.recordDropped(stream, dropped)
		return err
	}

	sq.failures = 0
	remaining := sq.q.len()
	if remaining >= b.cfg.MaxBatchSize {
		b.mu.Unlock()
		return b.Flush(ctx, stream)
	}
	if remaining > 0 {
		oldest, _ := sq.q.front()
		wait := b.cfg.MaxWait - time.Since(oldest.enqueued)
		if wait < 0 {
			wait = 0
		}
		b.scheduleLocked(stream, sq, wait)
	}
	b.mu.Unlock()

	b.logger.Debug("Flushed batch",
		zap.String("stream", stream),
		zap.Int("batchSize", len(batch)),
		zap.Int("remaining", remaining),
	)
	return nil
}

// Close cancels the flush timers after a final forced flush of any queued
// items. Messages that still cannot be appended are dead-lettered.
func (b *Batcher) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	streams := make([]string, 0, len(b.queues))
	for name, sq := range b.queues {
		b.stopTimerLocked(sq)
		streams = append(streams, name)
	}
	b.mu.Unlock()

	var lastErr error
	for _, stream := range streams {
		for {
			b.mu.Lock()
			empty := b.queues[stream].q.len() == 0
			b.mu.Unlock()
			if empty {
				break
			}
			if err := b.Flush(ctx, stream); err != nil {
				lastErr = err
				b.mu.Lock()
				leftover := b.queues[stream].q.popFrontN(b.queues[stream].q.len())
				b.mu.Unlock()
				b.recordDropped(stream, leftover)
				break
			}
		}
	}
	return lastErr
}

// QueueDepth returns the number of messages queued for the stream.
func (b *Batcher) QueueDepth(stream string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sq := b.queues[stream]; sq != nil {
		return sq.q.len()
	}
	return 0
}

// scheduleLocked arms the flush timer. Caller holds b.mu.
func (b *Batcher) scheduleLocked(stream string, sq *streamQueue, delay time.Duration) {
	if sq.timer != nil {
		sq.timer.Stop()
	}
	sq.timer = time.AfterFunc(delay, func() {
		if err := b.Flush(context.Background(), stream); err != nil {
			// Already logged and rescheduled by Flush.
			_ = err
		}
	})
}

func (b *Batcher) stopTimerLocked(sq *streamQueue) {
	if sq != nil && sq.timer != nil {
		sq.timer.Stop()
		sq.timer = nil
	}
}

// enforceBoundLocked drops the oldest queued items beyond MaxQueueSize and
// returns them for dead-lettering. Caller holds b.mu.
func (b *Batcher) enforceBoundLocked(sq *streamQueue) []queuedItem {
	if b.cfg.MaxQueueSize <= 0 || sq.q.len() <= b.cfg.MaxQueueSize {
		return nil
	}
	return sq.q.popFrontN(sq.q.len() - b.cfg.MaxQueueSize)
}

// recordDropped forwards dropped items to the failure sink.
func (b *Batcher) recordDropped(stream string, items []queuedItem) {
	if len(items) == 0 {
		return
	}
	now := time.Now()
	for _, it := range items {
		if b.sink == nil {
			b.logger.Error("Dropping message with no failure sink configured",
				zap.String("stream", stream),
			)
			continue
		}
		err := b.sink.Record(context.Background(), types.DeadLetterEntry{
			Stream:     stream,
			Fields:     it.fields,
			Reason:     types.ReasonAppendFailure,
			RecordedAt: now,
		})
		if err != nil {
			b.logger.Error("Failed to dead-letter dropped message",
				zap.String("stream", stream),
				zap.Error(err),
			)
		}
	}
	b.logger.Warn("Dropped oldest queued messages past queue bound",
		zap.String("stream", stream),
		zap.Int("dropped", len(items)),
	)
}

// encodeBatchPayload picks the wire shape: a single message stays plain,
// anything more becomes a batch envelope signed once.
func encodeBatchPayload(batch []queuedItem) ([]byte, error) {
	if len(batch) == 1 {
		return envelope.EncodePlain(batch[0].fields)
	}
	messages := make([]types.FieldPairs, len(batch))
	for i, it := range batch {
		messages[i] = it.fields
	}
	return envelope.EncodeBatch(messages)
}
