// Package deadletter provides terminal storage for messages that exhausted
// their delivery budget or could not be appended to their stream. The sink
// is bounded by entry count and age, queryable, and replayable.
package deadletter

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/tradefabric/streambus/internal/config"
	"github.com/tradefabric/streambus/internal/envelope"
	"github.com/tradefabric/streambus/internal/obs"
	"github.com/tradefabric/streambus/internal/retry"
	"github.com/tradefabric/streambus/internal/store"
	"github.com/tradefabric/streambus/internal/types"
)

// Dead-letter record field names.
const (
	fieldStream     = "stream"
	fieldMessageID  = "message_id"
	fieldPayload    = "payload"
	fieldReason     = "reason"
	fieldRecordedAt = "recorded_at"
)

// NotFoundError reports that a replay target was not found within the
// bounded scan.
type NotFoundError struct {
	MessageID string
	Scanned   int
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("dead-letter entry %s not found after scanning %d pages", e.MessageID, e.Scanned)
}

// Reinjector appends a replayed message back onto its original stream.
// Satisfied by the producer.
type Reinjector interface {
	Append(ctx context.Context, stream string, fields types.FieldPairs) (string, error)
}

// Sink records dead-lettered messages in a dedicated stream, bounded by
// entry count (trimmed on append) and by age (pruned on record). When the
// store itself is unreachable, records fall back to a rotated local file so
// the newest failure is never silently lost.
type Sink struct {
	store    store.StreamClient
	reinject Reinjector
	cfg      config.DeadLetterConfig
	retryCfg config.RetryConfig
	logger   *zap.Logger
	metrics  *obs.Metrics
	fallback *fallbackFile
}

// NewSink creates a dead-letter sink.
func NewSink(st store.StreamClient, reinject Reinjector, cfg config.DeadLetterConfig, retryCfg config.RetryConfig, logger *zap.Logger, metrics *obs.Metrics) (*Sink, error) {
	if st == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if cfg.Stream == "" {
		return nil, fmt.Errorf("dead-letter stream name is required")
	}
	return &Sink{
		store:    st,
		reinject: reinject,
		cfg:      cfg,
		retryCfg: retryCfg,
		logger:   logger,
		metrics:  metrics,
		fallback: newFallbackFile(cfg.FallbackPath, cfg.FallbackMaxBytes),
	}, nil
}

// Record appends one entry to the dead-letter stream. Store errors are
// retried with bounded backoff, then the entry is written to the local
// fallback file instead. Age pruning runs after each successful append.
func (s *Sink) Record(ctx context.Context, entry types.DeadLetterEntry) error {
	if entry.RecordedAt.IsZero() {
		entry.RecordedAt = time.Now()
	}
	payload, err := json.Marshal(entry.Fields)
	if err != nil {
		return fmt.Errorf("encode dead-letter payload: %w", err)
	}
	fields := map[string]string{
		fieldStream:     entry.Stream,
		fieldMessageID:  entry.MessageID,
		fieldPayload:    string(payload),
		fieldReason:     entry.Reason,
		fieldRecordedAt: strconv.FormatInt(entry.RecordedAt.UnixMilli(), 10),
	}

	err = retry.DoWithRetry(ctx, &s.retryCfg, func() error {
		_, appendErr := s.store.Append(ctx, s.cfg.Stream, fields, s.cfg.MaxEntries)
		return appendErr
	})
	if err != nil {
		s.logger.Error("Dead-letter append failed, writing to local fallback",
			zap.String("stream", entry.Stream),
			zap.String("messageID", entry.MessageID),
			zap.String("reason", entry.Reason),
			zap.Error(err),
		)
		if fbErr := s.fallback.write(entry); fbErr != nil {
			return fmt.Errorf("dead-letter store append and fallback both failed: %w", fbErr)
		}
		if s.metrics != nil {
			s.metrics.IncrementDeadLetterWrites()
		}
		return nil
	}

	if s.metrics != nil {
		s.metrics.IncrementDeadLetterWrites()
	}
	s.logger.Info("Recorded dead-letter entry",
		zap.String("stream", entry.Stream),
		zap.String("messageID", entry.MessageID),
		zap.String("reason", entry.Reason),
	)

	s.pruneAged(ctx)
	return nil
}

// pruneAged drops dead-letter records older than the configured age.
func (s *Sink) pruneAged(ctx context.Context) {
	if s.cfg.MaxAge <= 0 {
		return
	}
	cutoff := time.Now().Add(-s.cfg.MaxAge).UnixMilli()
	minID := strconv.FormatInt(cutoff, 10) + "-0"
	if _, err := s.store.TrimMinID(ctx, s.cfg.Stream, minID); err != nil {
		s.logger.Warn("Failed to prune aged dead-letter entries",
			zap.Error(err),
		)
	}
}

// Replay re-injects the dead-lettered message with the given original
// message id into its original stream and removes it from the dead-letter
// log. The scan is bounded: after MaxScanPages pages without a hit, a
// NotFoundError is returned rather than walking the whole log.
func (s *Sink) Replay(ctx context.Context, messageID string) (string, error) {
	if s.reinject == nil {
		return "", fmt.Errorf("no reinjector configured")
	}

	pageSize := s.cfg.PageSize
	if pageSize <= 0 {
		pageSize = 128
	}
	maxPages := s.cfg.MaxScanPages
	if maxPages <= 0 {
		maxPages = 1
	}

	start := "-"
	for page := 0; page < maxPages; page++ {
		entries, err := s.store.Range(ctx, s.cfg.Stream, start, "+", pageSize)
		if err != nil {
			return "", fmt.Errorf("scan dead-letter log: %w", err)
		}
		for _, e := range entries {
			if e.Fields[fieldMessageID] != messageID {
				continue
			}
			return s.replayEntry(ctx, e)
		}
		if int64(len(entries)) < pageSize {
			return "", &NotFoundError{MessageID: messageID, Scanned: page + 1}
		}
		start = "(" + entries[len(entries)-1].ID
	}
	return "", &NotFoundError{MessageID: messageID, Scanned: maxPages}
}

func (s *Sink) replayEntry(ctx context.Context, e store.Entry) (string, error) {
	var fields types.FieldPairs
	if err := json.Unmarshal([]byte(e.Fields[fieldPayload]), &fields); err != nil {
		return "", fmt.Errorf("decode dead-letter payload %s: %w", e.ID, err)
	}
	target := e.Fields[fieldStream]
	newID, err := s.reinject.Append(ctx, target, fields)
	if err != nil {
		return "", err
	}
	if _, err := s.store.Delete(ctx, s.cfg.Stream, e.ID); err != nil {
		s.logger.Warn("Replayed entry could not be removed from dead-letter log",
			zap.String("deadLetterID", e.ID),
			zap.Error(err),
		)
	}
	s.logger.Info("Replayed dead-letter entry",
		zap.String("stream", target),
		zap.String("originalID", e.Fields[fieldMessageID]),
		zap.String("newID", newID),
	)
	return newID, nil
}

// Entries returns up to count dead-letter records, oldest first, for
// operator inspection.
func (s *Sink) Entries(ctx context.Context, count int64) ([]types.DeadLetterEntry, error) {
	raw, err := s.store.Range(ctx, s.cfg.Stream, "-", "+", count)
	if err != nil {
		return nil, err
	}
	out := make([]types.DeadLetterEntry, 0, len(raw))
	for _, e := range raw {
		entry := types.DeadLetterEntry{
			Stream:    e.Fields[fieldStream],
			MessageID: e.Fields[fieldMessageID],
			Reason:    e.Fields[fieldReason],
		}
		if ms, err := strconv.ParseInt(e.Fields[fieldRecordedAt], 10, 64); err == nil {
			entry.RecordedAt = time.UnixMilli(ms)
		}
		if err := json.Unmarshal([]byte(e.Fields[fieldPayload]), &entry.Fields); err != nil {
			s.logger.Warn("Skipping undecodable dead-letter record",
				zap.String("id", e.ID),
				zap.Error(err),
			)
			continue
		}
		out = append(out, entry)
	}
	return out, nil
}

// RecordEntry builds and records dead-letter entries from a raw store
// entry, one record per logical message in its payload document. Used by
// the recovery scanner on the terminal path. Replay removes records as it
// finds them, so each message of a poison batch can be replayed in turn
// under the shared entry id.
func (s *Sink) RecordEntry(ctx context.Context, stream string, e store.Entry, reason string) error {
	var lists []types.FieldPairs
	if payload := e.Fields[envelope.FieldPayload]; payload != "" {
		if decoded, _, err := envelope.Decode([]byte(payload)); err == nil {
			lists = decoded
		}
	}
	if len(lists) == 0 {
		lists = []types.FieldPairs{nil}
	}
	for _, fields := range lists {
		err := s.Record(ctx, types.DeadLetterEntry{
			Stream:    stream,
			MessageID: e.ID,
			Fields:    fields,
			Reason:    reason,
		})
		if err != nil {
			return err
		}
	}
	return nil
}
