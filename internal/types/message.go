// Package types defines the shared message types used across the bus.
package types

import "time"

// FieldPairs is the canonical payload form: an ordered list of key/value
// pairs. It is used instead of a map so that serialization order is stable
// and round-trips are exact; a pair encodes to JSON as ["key","value"].
type FieldPairs [][2]string

// Get returns the value for the first pair with the given key.
func (f FieldPairs) Get(key string) (string, bool) {
	for _, p := range f {
		if p[0] == key {
			return p[1], true
		}
	}
	return "", false
}

// Append returns f with an additional key/value pair.
func (f FieldPairs) Append(key, value string) FieldPairs {
	return append(f, [2]string{key, value})
}

// Pairs builds FieldPairs from alternating key, value arguments.
// An odd trailing argument is ignored.
func Pairs(kv ...string) FieldPairs {
	f := make(FieldPairs, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		f = append(f, [2]string{kv[i], kv[i+1]})
	}
	return f
}

// StreamMessage is one logical unit of business data read from a stream.
// ID is the store-assigned entry id; for messages unpacked from a batch
// envelope, all messages of the batch share the physical entry id.
type StreamMessage struct {
	ID        string
	Stream    string
	Fields    FieldPairs
	Signature string
}

// PendingEntry is the local view of a delivered-but-unacknowledged entry.
// The store holds the authoritative copy.
type PendingEntry struct {
	Consumer       string
	DeliveryCount  int64
	FirstDelivered time.Time
	LastDelivered  time.Time
}

// Dead-letter reasons.
const (
	ReasonMaxAttempts   = "max-attempts"
	ReasonAppendFailure = "append-failure"
)

// DeadLetterEntry is a terminally failed message as recorded by the sink.
type DeadLetterEntry struct {
	Stream     string
	MessageID  string
	Fields     FieldPairs
	Reason     string
	RecordedAt time.Time
}
