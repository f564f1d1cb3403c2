// Package envelope packs and unpacks logical messages into physical log
// entries. A producer may batch several messages into one entry; consumers
// decode every payload through this codec, which treats a plain message as
// a single-element batch so callers never branch on the wire shape.
package envelope

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/tradefabric/streambus/internal/types"
)

// Kind is the discriminator value for batch envelopes.
const Kind = "batch"

// Store entry field names for payload documents and their integrity tags.
const (
	FieldPayload   = "payload"
	FieldSignature = "sig"
)

// Envelope is the wire form of a batched entry.
type Envelope struct {
	Kind     string             `json:"kind"`
	Count    int                `json:"count"`
	Messages []types.FieldPairs `json:"messages"`
}

// MismatchError reports a batch whose declared count disagrees with the
// actual message array. It is a security-relevant anomaly, not a failure:
// decoding proceeds using the array length.
type MismatchError struct {
	Declared int
	Actual   int
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("envelope declares %d messages but carries %d", e.Declared, e.Actual)
}

// EncodePlain serializes a single message's ordered field list.
func EncodePlain(fields types.FieldPairs) ([]byte, error) {
	return json.Marshal(fields)
}

// EncodeBatch wraps messages into one envelope document. Count is always
// derived from the slice, never supplied by the caller.
func EncodeBatch(messages []types.FieldPairs) ([]byte, error) {
	return json.Marshal(Envelope{
		Kind:     Kind,
		Count:    len(messages),
		Messages: messages,
	})
}

// Decode resolves a payload document into its logical messages. The wire
// shape is decided once here: a JSON array is a plain message, a JSON
// object with the batch kind is an envelope. A count mismatch is returned
// alongside the (complete) messages; any other malformed payload is an error.
//
// Iteration is always governed by the actual array length. Trusting the
// declared count would let a producer claim more or fewer messages than it
// delivered.
func Decode(payload []byte) ([]types.FieldPairs, *MismatchError, error) {
	doc := bytes.TrimLeft(payload, " \t\r\n")
	if len(doc) == 0 {
		return nil, nil, fmt.Errorf("empty payload")
	}

	switch doc[0] {
	case '[':
		var fields types.FieldPairs
		if err := json.Unmarshal(doc, &fields); err != nil {
			return nil, nil, fmt.Errorf("malformed message payload: %w", err)
		}
		return []types.FieldPairs{fields}, nil, nil

	case '{':
		var env Envelope
		if err := json.Unmarshal(doc, &env); err != nil {
			return nil, nil, fmt.Errorf("malformed envelope payload: %w", err)
		}
		if env.Kind != Kind {
			return nil, nil, fmt.Errorf("unknown payload kind %q", env.Kind)
		}
		var mismatch *MismatchError
		if env.Count != len(env.Messages) {
			mismatch = &MismatchError{Declared: env.Count, Actual: len(env.Messages)}
		}
		return env.Messages, mismatch, nil

	default:
		return nil, nil, fmt.Errorf("unrecognized payload document")
	}
}
