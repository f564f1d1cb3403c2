// Package producer appends signed, optionally batched entries to streams
// with bounded retention.
package producer

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/tradefabric/streambus/internal/envelope"
	"github.com/tradefabric/streambus/internal/obs"
	"github.com/tradefabric/streambus/internal/signer"
	"github.com/tradefabric/streambus/internal/store"
	"github.com/tradefabric/streambus/internal/types"
)

// AppendError reports a failed append to the log store. The batcher treats
// it as transient and requeues; direct callers decide for themselves.
type AppendError struct {
	Stream string
	Err    error
}

func (e *AppendError) Error() string {
	return fmt.Sprintf("append to %s failed: %v", e.Stream, e.Err)
}

// Unwrap returns the underlying store error.
func (e *AppendError) Unwrap() error { return e.Err }

// FailureSink receives messages that could not be appended within the
// batcher's queue bounds. Satisfied by the dead-letter sink.
type FailureSink interface {
	Record(ctx context.Context, entry types.DeadLetterEntry) error
}

// Producer signs payloads and appends them as physical stream entries,
// applying the retention cap at append time.
type Producer struct {
	store   store.StreamClient
	signer  *signer.Signer
	maxLen  int64
	logger  *zap.Logger
	metrics *obs.Metrics
}

// NewProducer creates a producer. maxLen <= 0 disables trimming.
func NewProducer(st store.StreamClient, sg *signer.Signer, maxLen int64, logger *zap.Logger, metrics *obs.Metrics) (*Producer, error) {
	if st == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if sg == nil {
		return nil, fmt.Errorf("signer cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	return &Producer{
		store:   st,
		signer:  sg,
		maxLen:  maxLen,
		logger:  logger,
		metrics: metrics,
	}, nil
}

// Append signs fields and appends them as one plain entry, returning the
// store-assigned id.
func (p *Producer) Append(ctx context.Context, stream string, fields types.FieldPairs) (string, error) {
	payload, err := envelope.EncodePlain(fields)
	if err != nil {
		return "", fmt.Errorf("encode payload: %w", err)
	}
	return p.appendPayload(ctx, stream, payload)
}

// appendPayload appends an already-encoded payload document with its tag.
func (p *Producer) appendPayload(ctx context.Context, stream string, payload []byte) (string, error) {
	entry := map[string]string{
		envelope.FieldPayload: string(payload),
	}
	if sig := p.signer.Sign(payload); sig != "" {
		entry[envelope.FieldSignature] = sig
	}

	id, err := p.store.Append(ctx, stream, entry, p.maxLen)
	if err != nil {
		return "", &AppendError{Stream: stream, Err: err}
	}

	if p.metrics != nil {
		p.metrics.IncrementAppends()
	}
	p.logger.Debug("Appended entry",
		zap.String("stream", stream),
		zap.String("id", id),
		zap.Int("payloadLength", len(payload)),
	)
	return id, nil
}
