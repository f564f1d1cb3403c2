// Package main is the entry point for streambus.
// streambus is the messaging backbone of the trading platform: it moves
// opportunity, price and execution events between detector, router and
// execution processes through a shared log store with consumer-group
// semantics, signed payloads, crash recovery and dead-letter handling.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/tradefabric/streambus/internal/config"
	"github.com/tradefabric/streambus/internal/deadletter"
	"github.com/tradefabric/streambus/internal/logger"
	"github.com/tradefabric/streambus/internal/obs"
	"github.com/tradefabric/streambus/internal/producer"
	"github.com/tradefabric/streambus/internal/queue"
	"github.com/tradefabric/streambus/internal/reader"
	"github.com/tradefabric/streambus/internal/recovery"
	"github.com/tradefabric/streambus/internal/signer"
	"github.com/tradefabric/streambus/internal/store"
	"github.com/tradefabric/streambus/internal/types"
	"github.com/tradefabric/streambus/internal/worker"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "streambus: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if err := logger.Init(cfg.Logging.Level, cfg.Service.Name); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync()
	log := logger.Logger

	metrics := obs.NewMetrics(cfg.Service.Name)

	// Inability to reach the store at startup is fatal; everything after
	// this point degrades gracefully instead of crashing.
	st := store.NewRedis(cfg.Store)
	defer st.Close()
	pingCtx, pingCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer pingCancel()
	if err := st.Ping(pingCtx); err != nil {
		return err
	}

	sg, err := signer.New(cfg.Signing, cfg.Service.Mode, log)
	if err != nil {
		return err
	}

	prod, err := producer.NewProducer(st, sg, cfg.Stream.MaxLen, log, metrics)
	if err != nil {
		return err
	}
	sink, err := deadletter.NewSink(st, prod, cfg.DeadLetter, cfg.Retry, log, metrics)
	if err != nil {
		return err
	}
	batcher, err := producer.NewBatcher(prod, sink, cfg.Producer, cfg.Retry, log, metrics)
	if err != nil {
		return err
	}

	dec := reader.NewDecoder(sg, log, metrics)
	rd, err := reader.NewReader(st, dec, cfg.Stream, cfg.Consumer, log, metrics)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := rd.Start(ctx); err != nil {
		return err
	}

	q := queue.NewQueue(cfg.Consumer.QueueSize, metrics)
	pool, err := worker.NewPool(cfg.Consumer.WorkerCount, q, handleMessage(log), rd, log)
	if err != nil {
		return err
	}
	if err := pool.Start(ctx); err != nil {
		return err
	}

	scanner, err := recovery.NewScanner(st, sink, dec, reclaimDeliverer(rd, q, log), cfg.Stream, cfg.Recovery, log, metrics)
	if err != nil {
		return err
	}
	go scanner.Run(ctx)

	go func() {
		if err := obs.StartMetricsServer(ctx, cfg.Obs.MetricsPort, log); err != nil {
			log.Error("Metrics server failed", zap.Error(err))
		}
	}()

	pollDone := make(chan struct{})
	go func() {
		defer close(pollDone)
		for {
			msgs, err := rd.Poll(ctx, cfg.Consumer.MaxBlock)
			if err != nil {
				if err == reader.ErrShutdown || ctx.Err() != nil {
					return
				}
				log.Error("Poll failed", zap.Error(err))
				// Transient store errors: back off briefly and keep draining.
				select {
				case <-time.After(time.Second):
				case <-ctx.Done():
					return
				}
				continue
			}
			for _, m := range msgs {
				if err := q.Enqueue(ctx, m); err != nil {
					if ctx.Err() == nil {
						log.Error("Failed to enqueue message", zap.Error(err))
					}
					return
				}
			}
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	log.Info("Shutdown signal received")

	// Stop accepting new polls first; an in-flight blocking read finishes
	// within the block ceiling.
	rd.Shutdown()
	cancel()
	<-pollDone

	if err := pool.Stop(); err != nil {
		log.Error("Worker pool stop failed", zap.Error(err))
	}
	q.Close()

	flushCtx, flushCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer flushCancel()
	if err := batcher.Close(flushCtx); err != nil {
		log.Error("Final batcher flush failed", zap.Error(err))
	}

	log.Info("Shutdown complete")
	return nil
}

// reclaimDeliverer feeds messages reclaimed by the recovery scanner into
// the delivery queue. Each message is registered with the reader only after
// it is queued; an enqueue failure must not leave behind an adopted id that
// no worker will ever ack.
func reclaimDeliverer(rd *reader.Reader, q *queue.Queue, log *zap.Logger) recovery.DeliverFunc {
	return func(ctx context.Context, msgs []types.StreamMessage) {
		for _, m := range msgs {
			if err := q.Enqueue(ctx, m); err != nil {
				if ctx.Err() == nil {
					log.Error("Failed to enqueue reclaimed message", zap.Error(err))
				}
				return
			}
			rd.Adopt([]types.StreamMessage{m})
		}
	}
}

// handleMessage is the application handler. The bus only transports; this
// default deployment logs the message and forwards nothing.
func handleMessage(log *zap.Logger) worker.Handler {
	return func(ctx context.Context, msg types.StreamMessage) error {
		kind, _ := msg.Fields.Get("kind")
		log.Info("Processed message",
			zap.String("stream", msg.Stream),
			zap.String("id", msg.ID),
			zap.String("kind", kind),
			zap.Int("fields", len(msg.Fields)),
		)
		return nil
	}
}
