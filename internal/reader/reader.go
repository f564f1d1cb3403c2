// Package reader implements consumer-group reading with crash recovery.
//
// A reader starts in recovery: it first replays entries that were delivered
// to this same consumer before a restart but never acknowledged. Once that
// backlog is drained it reads new entries for the rest of the session. The
// store holds the authoritative pending state; the reader's local view is a
// cache rebuilt from the store on startup.
package reader

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tradefabric/streambus/internal/config"
	"github.com/tradefabric/streambus/internal/obs"
	"github.com/tradefabric/streambus/internal/store"
	"github.com/tradefabric/streambus/internal/types"
)

// Errors
var (
	// ErrShutdown is returned by Poll once Shutdown has been requested.
	// In-flight polls are allowed to finish; new ones are refused.
	ErrShutdown = errors.New("reader is shutting down")
)

// Reader is a consumer-group member for one stream.
type Reader struct {
	store    store.StreamClient
	decoder  *Decoder
	stream   string
	group    string
	consumer string
	maxBlock time.Duration
	count    int64
	logger   *zap.Logger
	metrics  *obs.Metrics

	mu         sync.Mutex
	recovering bool
	shutdown   bool
	// recoveryCursor is the id of the last backlog entry read during
	// recovery; each recovery read resumes past it so an entry whose ack is
	// still in flight is not redelivered by the next poll.
	recoveryCursor string
	// pending maps entry id to the number of logical messages from that
	// entry still awaiting acknowledgement. The store acknowledgement is
	// issued when the count reaches zero.
	pending map[string]int
}

// NewReader creates a reader for the configured stream and group.
func NewReader(st store.StreamClient, dec *Decoder, streamCfg config.StreamConfig, consumerCfg config.ConsumerConfig, logger *zap.Logger, metrics *obs.Metrics) (*Reader, error) {
	if st == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if dec == nil {
		return nil, fmt.Errorf("decoder cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	maxBlock := consumerCfg.MaxBlock
	if maxBlock <= 0 || maxBlock > config.MaxBlockCeiling {
		maxBlock = config.MaxBlockCeiling
	}
	count := consumerCfg.ReadCount
	if count <= 0 {
		count = 64
	}
	return &Reader{
		store:      st,
		decoder:    dec,
		stream:     streamCfg.Name,
		group:      streamCfg.Group,
		consumer:   streamCfg.Consumer,
		maxBlock:   maxBlock,
		count:      count,
		logger:         logger,
		metrics:        metrics,
		recovering:     true,
		recoveryCursor: store.CursorPending,
		pending:        make(map[string]int),
	}, nil
}

// Start creates the consumer group if needed and rebuilds the local pending
// view from the store. The group starts at the beginning of the stream so a
// fresh group observes entries appended before it existed.
func (r *Reader) Start(ctx context.Context) error {
	if err := r.store.EnsureGroup(ctx, r.stream, r.group, "0"); err != nil {
		return err
	}

	infos, err := r.store.Pending(ctx, r.stream, r.group, 0)
	if err != nil {
		return fmt.Errorf("rebuild pending view: %w", err)
	}
	own := 0
	for _, p := range infos {
		if p.Consumer == r.consumer {
			own++
		}
	}
	r.logger.Info("Reader started",
		zap.String("stream", r.stream),
		zap.String("group", r.group),
		zap.String("consumer", r.consumer),
		zap.Int("ownPending", own),
	)
	return nil
}

// Poll reads the next batch of verified logical messages. The requested
// block duration is capped at the configured ceiling no matter what the
// caller asks for. While the reader is in recovery, Poll drains this
// consumer's own pending backlog before any new entries are read.
func (r *Reader) Poll(ctx context.Context, block time.Duration) ([]types.StreamMessage, error) {
	r.mu.Lock()
	if r.shutdown {
		r.mu.Unlock()
		return nil, ErrShutdown
	}
	recovering := r.recovering
	r.mu.Unlock()

	if block <= 0 || block > r.maxBlock {
		block = r.maxBlock
	}

	if recovering {
		msgs, drained, err := r.pollRecovery(ctx)
		if err != nil {
			return nil, err
		}
		if !drained {
			return msgs, nil
		}
		r.mu.Lock()
		r.recovering = false
		r.mu.Unlock()
		r.logger.Info("Recovery backlog drained, switching to new entries",
			zap.String("stream", r.stream),
			zap.String("consumer", r.consumer),
		)
	}

	entries, err := r.store.ReadGroup(ctx, r.stream, r.group, r.consumer, store.CursorNew, r.count, block)
	if err != nil {
		return nil, err
	}
	return r.deliver(ctx, entries), nil
}

// pollRecovery reads this consumer's own pending entries past the recovery
// cursor, advancing the cursor so each backlog entry is delivered once per
// session. drained is true when an empty read signals the backlog end.
func (r *Reader) pollRecovery(ctx context.Context) (msgs []types.StreamMessage, drained bool, err error) {
	r.mu.Lock()
	cursor := r.recoveryCursor
	r.mu.Unlock()

	entries, err := r.store.ReadGroup(ctx, r.stream, r.group, r.consumer, cursor, r.count, 0)
	if err != nil {
		return nil, false, err
	}
	if len(entries) == 0 {
		return nil, true, nil
	}
	r.mu.Lock()
	r.recoveryCursor = entries[len(entries)-1].ID
	r.mu.Unlock()
	r.logger.Info("Resuming in-flight entries from before restart",
		zap.String("stream", r.stream),
		zap.Int("entries", len(entries)),
	)
	return r.deliver(ctx, entries), false, nil
}

// deliver decodes entries, registers them in the pending view and filters
// out rejected ones. Rejected entries, and valid envelopes carrying zero
// messages, are acknowledged immediately: there is nothing to ack them
// later, so leaving them pending would strand them until the scanner's
// delivery budget runs out.
func (r *Reader) deliver(ctx context.Context, entries []store.Entry) []types.StreamMessage {
	var out []types.StreamMessage
	for _, e := range entries {
		msgs, ok := r.decoder.Decode(r.stream, e)
		if !ok || len(msgs) == 0 {
			if _, err := r.store.Ack(ctx, r.stream, r.group, e.ID); err != nil {
				r.logger.Error("Failed to ack undeliverable entry",
					zap.String("stream", r.stream),
					zap.String("id", e.ID),
					zap.Error(err),
				)
			}
			continue
		}
		r.mu.Lock()
		r.pending[e.ID] = len(msgs)
		r.mu.Unlock()
		out = append(out, msgs...)
	}
	if len(out) > 0 && r.metrics != nil {
		r.metrics.IncrementMessagesDelivered(len(out))
	}
	return out
}

// Adopt registers messages claimed outside the normal poll path (by the
// recovery scanner) so their acknowledgements are tracked like any other.
func (r *Reader) Adopt(msgs []types.StreamMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.pending[m.ID]++
	}
}

// Ack acknowledges one logical message. The store acknowledgement for the
// physical entry is issued once every logical message unpacked from it has
// been acked. Acking an unknown or already-acked id is a no-op.
func (r *Reader) Ack(ctx context.Context, id string) error {
	r.mu.Lock()
	remaining, known := r.pending[id]
	if known {
		remaining--
		if remaining > 0 {
			r.pending[id] = remaining
			r.mu.Unlock()
			return nil
		}
		delete(r.pending, id)
	}
	r.mu.Unlock()

	if !known {
		// Idempotent: the id may already be acked, or it may belong to an
		// entry adopted by another process. The store ack is itself a no-op
		// for unknown ids, so issuing it is always safe.
		return nil
	}

	if _, err := r.store.Ack(ctx, r.stream, r.group, id); err != nil {
		// Put the entry back so a later ack retries; redelivery is
		// preferable to a silently stuck pending entry.
		r.mu.Lock()
		r.pending[id] = 1
		r.mu.Unlock()
		return err
	}
	if r.metrics != nil {
		r.metrics.IncrementAcks()
	}
	return nil
}

// PendingCount returns the size of the local pending view.
func (r *Reader) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Shutdown requests a cooperative stop: in-flight polls finish (bounded by
// the block ceiling) and subsequent polls return ErrShutdown.
func (r *Reader) Shutdown() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.shutdown {
		r.shutdown = true
		r.logger.Info("Reader shutdown requested",
			zap.String("stream", r.stream),
			zap.String("consumer", r.consumer),
		)
	}
}
