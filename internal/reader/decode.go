package reader

import (
	"go.uber.org/zap"

	"github.com/tradefabric/streambus/internal/envelope"
	"github.com/tradefabric/streambus/internal/obs"
	"github.com/tradefabric/streambus/internal/signer"
	"github.com/tradefabric/streambus/internal/store"
	"github.com/tradefabric/streambus/internal/types"
)

// Decoder turns physical store entries into verified logical messages.
// It is shared by the reader and the recovery scanner so both paths apply
// the same signature and envelope rules.
type Decoder struct {
	signer  *signer.Signer
	logger  *zap.Logger
	metrics *obs.Metrics
}

// NewDecoder creates a Decoder.
func NewDecoder(sg *signer.Signer, logger *zap.Logger, metrics *obs.Metrics) *Decoder {
	return &Decoder{signer: sg, logger: logger, metrics: metrics}
}

// Decode verifies and unpacks one entry. ok is false when the entry must be
// discarded (bad signature or malformed payload); such entries are counted
// and logged, never surfaced as errors, so one bad message cannot stop the
// stream from draining.
func (d *Decoder) Decode(stream string, e store.Entry) (msgs []types.StreamMessage, ok bool) {
	payload, found := e.Fields[envelope.FieldPayload]
	sig := e.Fields[envelope.FieldSignature]
	if !found || !d.signer.Verify([]byte(payload), sig) {
		if d.metrics != nil {
			d.metrics.IncrementSignatureRejects()
		}
		sigErr := &signer.SignatureError{Stream: stream, MessageID: e.ID}
		d.logger.Warn("Dropping entry with missing or invalid signature",
			zap.String("stream", stream),
			zap.String("id", e.ID),
			zap.Error(sigErr),
		)
		return nil, false
	}

	fieldLists, mismatch, err := envelope.Decode([]byte(payload))
	if err != nil {
		if d.metrics != nil {
			d.metrics.IncrementSignatureRejects()
		}
		d.logger.Warn("Dropping malformed entry",
			zap.String("stream", stream),
			zap.String("id", e.ID),
			zap.Error(err),
		)
		return nil, false
	}
	if mismatch != nil {
		// Security-relevant anomaly: a producer lied about the batch size.
		// The actual array governs; processing continues.
		if d.metrics != nil {
			d.metrics.IncrementEnvelopeMismatches()
		}
		d.logger.Warn("Envelope count mismatch",
			zap.String("stream", stream),
			zap.String("id", e.ID),
			zap.Int("declared", mismatch.Declared),
			zap.Int("actual", mismatch.Actual),
		)
	}

	msgs = make([]types.StreamMessage, 0, len(fieldLists))
	for _, fields := range fieldLists {
		msgs = append(msgs, types.StreamMessage{
			ID:        e.ID,
			Stream:    stream,
			Fields:    fields,
			Signature: sig,
		})
	}
	return msgs, true
}
