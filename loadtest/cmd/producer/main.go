// Command producer is a load generator for streambus: it appends synthetic
// opportunity events through the batcher at a configurable rate.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/tradefabric/streambus/internal/config"
	"github.com/tradefabric/streambus/internal/producer"
	"github.com/tradefabric/streambus/internal/signer"
	"github.com/tradefabric/streambus/internal/store"
	"github.com/tradefabric/streambus/internal/types"
)

var (
	addr       string
	stream     string
	signingKey string
	total      int
	rate       int
	duration   time.Duration
	batchSize  int
	maxWaitMs  int
)

func init() {
	// Try to load .env file (optional)
	godotenv.Load()

	flag.StringVar(&addr, "addr", getEnv("REDIS_ADDR", "localhost:6379"), "Log store address")
	flag.StringVar(&stream, "stream", getEnv("STREAM_NAME", "opportunities"), "Target stream name")
	flag.StringVar(&signingKey, "key", os.Getenv("SIGNING_KEY"), "Signing key (empty = unsigned)")
	flag.IntVar(&total, "n", 0, "Number of messages to produce (0 = infinite)")
	flag.IntVar(&rate, "rate", 0, "Messages per second (0 = as fast as possible)")
	flag.DurationVar(&duration, "duration", 0, "Duration to run (e.g. 30s, 5m). If set, overrides -n")
	flag.IntVar(&batchSize, "batch", 50, "Batcher max batch size")
	flag.IntVar(&maxWaitMs, "wait", 10, "Batcher max wait in milliseconds")
	flag.Parse()
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	logger, err := zap.NewDevelopment()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	st := store.NewRedis(config.StoreConfig{Addr: addr})
	defer st.Close()

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer pingCancel()
	if err := st.Ping(pingCtx); err != nil {
		logger.Fatal("Store unreachable", zap.Error(err))
	}

	sg, err := signer.New(config.SigningConfig{Key: signingKey}, "loadtest", logger)
	if err != nil {
		logger.Fatal("Failed to create signer", zap.Error(err))
	}
	prod, err := producer.NewProducer(st, sg, 0, logger, nil)
	if err != nil {
		logger.Fatal("Failed to create producer", zap.Error(err))
	}
	batcher, err := producer.NewBatcher(prod, nil, config.ProducerConfig{
		MaxBatchSize: batchSize,
		MaxWait:      time.Duration(maxWaitMs) * time.Millisecond,
		MaxQueueSize: 100_000,
	}, config.RetryConfig{
		MaxAttempts: 3,
		BaseDelayMs: 100 * time.Millisecond,
		MaxDelayMs:  2 * time.Second,
		Multiplier:  2.0,
	}, logger, nil)
	if err != nil {
		logger.Fatal("Failed to create batcher", zap.Error(err))
	}

	logger.Info("Starting load producer",
		zap.String("addr", addr),
		zap.String("stream", stream),
		zap.Int("n", total),
		zap.Int("rate", rate),
		zap.Duration("duration", duration),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("Shutting down producer")
		cancel()
	}()

	if duration > 0 {
		go func() {
			time.Sleep(duration)
			cancel()
		}()
	}

	var ticker *time.Ticker
	if rate > 0 {
		ticker = time.NewTicker(time.Second / time.Duration(rate))
		defer ticker.Stop()
	}

	produced := 0
	for ctx.Err() == nil {
		if total > 0 && produced >= total {
			break
		}
		if ticker != nil {
			select {
			case <-ticker.C:
			case <-ctx.Done():
			}
			if ctx.Err() != nil {
				break
			}
		}

		fields := syntheticOpportunity(produced)
		if err := batcher.Enqueue(stream, fields); err != nil {
			logger.Error("Failed to enqueue message", zap.Error(err))
			break
		}
		produced++
		if produced%1000 == 0 {
			logger.Info("Enqueued messages", zap.Int("count", produced))
		}
	}

	flushCtx, flushCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer flushCancel()
	if err := batcher.Close(flushCtx); err != nil {
		logger.Error("Final flush failed", zap.Error(err))
	}
	logger.Info("Producer stopped", zap.Int("totalProduced", produced))
}

// syntheticOpportunity fabricates a plausible opportunity event payload.
func syntheticOpportunity(n int) types.FieldPairs {
	return types.Pairs(
		"kind", "opportunity",
		"seq", strconv.Itoa(n),
		"pair", "WETH/USDC",
		"spreadBps", strconv.Itoa(5+n%40),
		"detectedAt", strconv.FormatInt(time.Now().UnixMilli(), 10),
	)
}
