// Package store defines the log store boundary used by the bus.
//
// The contract is Redis-Streams shaped: append-only per-stream logs with
// approximate MAXLEN trimming, consumer groups with pending-entry lists,
// atomic claims and acknowledgements. Two implementations are provided: a
// go-redis adapter for a real store and an in-memory engine with the same
// semantics for tests and embedded use.
package store

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Entry is one physical log entry as returned by the store.
type Entry struct {
	ID     string
	Fields map[string]string
}

// PendingInfo describes one outstanding (delivered, unacknowledged) entry.
type PendingInfo struct {
	ID            string
	Consumer      string
	Idle          time.Duration
	DeliveryCount int64
}

// Cursor values for ReadGroup.
const (
	CursorNew     = ">"
	CursorPending = "0"
)

// StreamClient is the store operation surface the bus depends on.
//
// Block semantics for ReadGroup: block > 0 requests a blocking read for at
// most that duration; block <= 0 requests an immediate return. Reads with
// the pending cursor never block regardless of the value.
type StreamClient interface {
	// Append adds an entry and returns its assigned id. A positive maxLen
	// applies approximate trimming at append time.
	Append(ctx context.Context, stream string, fields map[string]string, maxLen int64) (string, error)
	// EnsureGroup creates the consumer group at the given start cursor if it
	// does not already exist, creating the stream as needed.
	EnsureGroup(ctx context.Context, stream, group, start string) error
	// ReadGroup reads entries for a consumer. CursorNew delivers entries never
	// delivered to the group; any other cursor replays the consumer's own
	// pending entries with ids greater than the cursor.
	ReadGroup(ctx context.Context, stream, group, consumer, cursor string, count int64, block time.Duration) ([]Entry, error)
	// Ack removes ids from the group's pending list. Unknown ids are ignored;
	// the returned count is the number actually removed.
	Ack(ctx context.Context, stream, group string, ids ...string) (int64, error)
	// Claim atomically reassigns pending entries to consumer if their idle
	// time is at least minIdle, incrementing their delivery count. Entries
	// already claimed by someone else (or not pending) are skipped.
	Claim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, ids ...string) ([]Entry, error)
	// Pending lists up to count outstanding entries for the group, oldest first.
	Pending(ctx context.Context, stream, group string, count int64) ([]PendingInfo, error)
	// Range returns up to count entries with start <= id <= stop. A start of
	// "-" means the beginning, a stop of "+" the end; a "(" prefix on start
	// makes it exclusive.
	Range(ctx context.Context, stream, start, stop string, count int64) ([]Entry, error)
	// Delete removes entries from the stream log.
	Delete(ctx context.Context, stream string, ids ...string) (int64, error)
	// Len returns the number of entries currently in the stream.
	Len(ctx context.Context, stream string) (int64, error)
	// TrimMinID drops all entries with id strictly below minID.
	TrimMinID(ctx context.Context, stream, minID string) (int64, error)
	// Ping verifies store reachability.
	Ping(ctx context.Context) error
	Close() error
}

// ParseID splits a stream entry id of the form "<ms>-<seq>".
func ParseID(id string) (ms, seq uint64, err error) {
	dash := strings.IndexByte(id, '-')
	if dash < 0 {
		ms, err = strconv.ParseUint(id, 10, 64)
		return ms, 0, err
	}
	ms, err = strconv.ParseUint(id[:dash], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid entry id %q", id)
	}
	seq, err = strconv.ParseUint(id[dash+1:], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid entry id %q", id)
	}
	return ms, seq, nil
}

// FormatID builds a stream entry id from its parts.
func FormatID(ms, seq uint64) string {
	return strconv.FormatUint(ms, 10) + "-" + strconv.FormatUint(seq, 10)
}

// CompareIDs orders two entry ids, returning -1, 0 or 1.
// Malformed ids sort before well-formed ones.
func CompareIDs(a, b string) int {
	ams, aseq, aerr := ParseID(a)
	bms, bseq, berr := ParseID(b)
	if aerr != nil || berr != nil {
		return strings.Compare(a, b)
	}
	switch {
	case ams < bms:
		return -1
	case ams > bms:
		return 1
	case aseq < bseq:
		return -1
	case aseq > bseq:
		return 1
	}
	return 0
}
