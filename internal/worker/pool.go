// Package worker provides a fixed-size worker pool that runs the
// application handler over delivered messages and acknowledges them.
package worker

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/tradefabric/streambus/internal/queue"
	"github.com/tradefabric/streambus/internal/types"
)

// Handler processes one logical message. Handlers must be idempotent by
// message id: delivery is at-least-once and duplicates are possible after
// crash recovery.
type Handler func(ctx context.Context, msg types.StreamMessage) error

// Acker acknowledges a processed message with the store. Satisfied by the
// stream reader.
type Acker interface {
	Ack(ctx context.Context, id string) error
}

// Pool is a fixed-size worker pool draining the delivery queue. A handler
// failure leaves the entry pending: the recovery scanner redelivers it
// after the idle threshold, up to the delivery budget.
type Pool struct {
	workerCount int
	queue       *queue.Queue
	handler     Handler
	acker       Acker
	logger      *zap.Logger
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	started     bool
	mu          sync.Mutex
}

// NewPool creates a worker pool with the specified number of workers.
func NewPool(workerCount int, q *queue.Queue, handler Handler, acker Acker, logger *zap.Logger) (*Pool, error) {
	if workerCount <= 0 {
		return nil, fmt.Errorf("worker count must be greater than 0, got: %d", workerCount)
	}
	if handler == nil {
		return nil, fmt.Errorf("handler cannot be nil")
	}
	if acker == nil {
		return nil, fmt.Errorf("acker cannot be nil")
	}
	return &Pool{
		workerCount: workerCount,
		queue:       q,
		handler:     handler,
		acker:       acker,
		logger:      logger,
	}, nil
}

// Start launches the worker goroutines. Returns an error if the pool is
// already started.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return ErrPoolAlreadyStarted
	}
	p.started = true

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	p.logger.Info("Starting worker pool",
		zap.Int("workerCount", p.workerCount),
	)

	for i := 0; i < p.workerCount; i++ {
		p.wg.Add(1)
		go p.worker(runCtx, i)
	}
	return nil
}

// worker is the main loop for a single worker goroutine.
func (p *Pool) worker(ctx context.Context, workerID int) {
	defer p.wg.Done()

	for {
		msg, err := p.queue.Dequeue(ctx)
		if err != nil {
			if err == context.Canceled || err == context.DeadlineExceeded || err == queue.ErrQueueClosed {
				p.logger.Debug("Worker stopping",
					zap.Int("workerID", workerID),
					zap.Error(err),
				)
				return
			}
			p.logger.Error("Failed to dequeue message",
				zap.Error(err),
				zap.Int("workerID", workerID),
			)
			continue
		}

		p.processMessage(ctx, msg, workerID)
	}
}

// processMessage runs the handler and acknowledges on success. On failure
// the message is left pending for the recovery scanner.
func (p *Pool) processMessage(ctx context.Context, msg types.StreamMessage, workerID int) {
	if err := p.handler(ctx, msg); err != nil {
		p.logger.Error("Handler failed, leaving entry pending for recovery",
			zap.Error(err),
			zap.Int("workerID", workerID),
			zap.String("stream", msg.Stream),
			zap.String("id", msg.ID),
		)
		return
	}

	if err := p.acker.Ack(ctx, msg.ID); err != nil {
		p.logger.Error("Failed to acknowledge message",
			zap.Error(err),
			zap.Int("workerID", workerID),
			zap.String("stream", msg.Stream),
			zap.String("id", msg.ID),
		)
	}
}

// Stop gracefully stops the worker pool, waiting for in-flight handlers.
func (p *Pool) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.started {
		return nil
	}
	p.started = false

	p.logger.Info("Stopping worker pool",
		zap.Int("workerCount", p.workerCount),
	)

	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	p.cancel = nil

	p.logger.Info("Worker pool stopped")
	return nil
}

// Errors
var (
	ErrPoolAlreadyStarted = &PoolError{msg: "worker pool is already started"}
)

// PoolError represents a worker pool operation error
type PoolError struct {
	msg string
}

func (e *PoolError) Error() string {
	return e.msg
}
