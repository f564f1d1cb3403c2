// Package recovery sweeps consumer-group pending lists for entries orphaned
// by crashed or stalled consumers and reassigns them to this process, bounded
// by a per-entry delivery budget. Entries past the budget take the terminal
// path into the dead-letter sink instead of being redelivered forever.
package recovery

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/tradefabric/streambus/internal/config"
	"github.com/tradefabric/streambus/internal/obs"
	"github.com/tradefabric/streambus/internal/reader"
	"github.com/tradefabric/streambus/internal/store"
	"github.com/tradefabric/streambus/internal/types"
)

// TerminalSink receives poison entries that exhausted their delivery
// budget. Satisfied by the dead-letter sink.
type TerminalSink interface {
	RecordEntry(ctx context.Context, stream string, e store.Entry, reason string) error
}

// DeliverFunc hands reclaimed messages to the local processing path.
type DeliverFunc func(ctx context.Context, msgs []types.StreamMessage)

// Scanner periodically scans a group's pending entries and reclaims the
// ones idle past the threshold to this process's consumer. Claims are
// atomic store-side: when two scanners race, exactly one wins and the
// loser observes a reset idle time and skips.
type Scanner struct {
	store    store.StreamClient
	sink     TerminalSink
	decoder  *reader.Decoder
	deliver  DeliverFunc
	stream   string
	group    string
	consumer string
	cfg      config.RecoveryConfig
	logger   *zap.Logger
	metrics  *obs.Metrics
}

// NewScanner creates a recovery scanner claiming to the given consumer.
func NewScanner(st store.StreamClient, sink TerminalSink, dec *reader.Decoder, deliver DeliverFunc, streamCfg config.StreamConfig, cfg config.RecoveryConfig, logger *zap.Logger, metrics *obs.Metrics) (*Scanner, error) {
	if st == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if sink == nil {
		return nil, fmt.Errorf("sink cannot be nil")
	}
	if dec == nil {
		return nil, fmt.Errorf("decoder cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if cfg.MaxDeliveryAttempts <= 0 {
		return nil, fmt.Errorf("MaxDeliveryAttempts must be greater than 0")
	}
	return &Scanner{
		store:    st,
		sink:     sink,
		decoder:  dec,
		deliver:  deliver,
		stream:   streamCfg.Name,
		group:    streamCfg.Group,
		consumer: streamCfg.Consumer,
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics,
	}, nil
}

// ScanOrphans performs one sweep. It returns the messages reclaimed to this
// consumer; entries whose delivery count already reached the budget are
// acked out of the pending list and dead-lettered instead.
func (s *Scanner) ScanOrphans(ctx context.Context) ([]types.StreamMessage, error) {
	infos, err := s.store.Pending(ctx, s.stream, s.group, s.cfg.ScanCount)
	if err != nil {
		return nil, fmt.Errorf("list pending entries: %w", err)
	}

	var reclaimed []types.StreamMessage
	for _, p := range infos {
		if p.Idle < s.cfg.IdleThreshold {
			continue
		}

		if p.DeliveryCount >= s.cfg.MaxDeliveryAttempts {
			if err := s.deadLetter(ctx, p); err != nil {
				return reclaimed, err
			}
			continue
		}

		entries, err := s.store.Claim(ctx, s.stream, s.group, s.consumer, s.cfg.IdleThreshold, p.ID)
		if err != nil {
			return reclaimed, fmt.Errorf("claim %s: %w", p.ID, err)
		}
		if len(entries) == 0 {
			// Lost the claim race or the entry was trimmed; either way it is
			// someone else's problem now.
			continue
		}
		if s.metrics != nil {
			s.metrics.IncrementReclaims()
		}
		s.logger.Info("Reclaimed orphaned entry",
			zap.String("stream", s.stream),
			zap.String("id", p.ID),
			zap.String("previousConsumer", p.Consumer),
			zap.Int64("deliveryCount", p.DeliveryCount+1),
		)

		for _, e := range entries {
			msgs, ok := s.decoder.Decode(s.stream, e)
			if !ok || len(msgs) == 0 {
				if _, ackErr := s.store.Ack(ctx, s.stream, s.group, e.ID); ackErr != nil {
					s.logger.Error("Failed to ack undeliverable reclaimed entry",
						zap.String("id", e.ID),
						zap.Error(ackErr),
					)
				}
				continue
			}
			reclaimed = append(reclaimed, msgs...)
		}
	}

	if len(reclaimed) > 0 && s.deliver != nil {
		s.deliver(ctx, reclaimed)
	}
	return reclaimed, nil
}

// deadLetter routes a poison entry out of the pending list. The sink record
// is written before the ack: a failed record leaves the entry pending for
// the next sweep, while a failed ack costs at most a duplicate record.
func (s *Scanner) deadLetter(ctx context.Context, p store.PendingInfo) error {
	entries, err := s.store.Range(ctx, s.stream, p.ID, p.ID, 1)
	if err != nil {
		return fmt.Errorf("fetch poison entry %s: %w", p.ID, err)
	}

	if len(entries) == 0 {
		// Trimmed out of the log already; nothing left to record.
		if _, err := s.store.Ack(ctx, s.stream, s.group, p.ID); err != nil {
			return fmt.Errorf("remove trimmed poison entry %s from pending: %w", p.ID, err)
		}
		s.logger.Warn("Poison entry already trimmed from stream",
			zap.String("stream", s.stream),
			zap.String("id", p.ID),
		)
		return nil
	}

	s.logger.Warn("Delivery budget exhausted, dead-lettering entry",
		zap.String("stream", s.stream),
		zap.String("id", p.ID),
		zap.Int64("deliveryCount", p.DeliveryCount),
		zap.Int64("maxDeliveryAttempts", s.cfg.MaxDeliveryAttempts),
	)
	if err := s.sink.RecordEntry(ctx, s.stream, entries[0], types.ReasonMaxAttempts); err != nil {
		return fmt.Errorf("record poison entry %s: %w", p.ID, err)
	}
	if _, err := s.store.Ack(ctx, s.stream, s.group, p.ID); err != nil {
		return fmt.Errorf("remove poison entry %s from pending: %w", p.ID, err)
	}
	return nil
}

// Run sweeps on the configured interval until the context is cancelled.
func (s *Scanner) Run(ctx context.Context) {
	interval := s.cfg.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("Recovery scanner started",
		zap.String("stream", s.stream),
		zap.String("group", s.group),
		zap.Duration("interval", interval),
		zap.Duration("idleThreshold", s.cfg.IdleThreshold),
	)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Recovery scanner stopped")
			return
		case <-ticker.C:
			if _, err := s.ScanOrphans(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("Orphan sweep failed", zap.Error(err))
			}
		}
	}
}
