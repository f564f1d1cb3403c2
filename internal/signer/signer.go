// Package signer computes and verifies keyed integrity tags over message
// payloads so that consumers only process messages produced by holders of
// the shared key.
package signer

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/tradefabric/streambus/internal/config"
	"github.com/tradefabric/streambus/internal/types"
)

// Signer signs and verifies canonical payload bytes with HMAC-SHA256.
// With no key configured it runs in signing-optional mode: Sign returns an
// empty tag and Verify accepts everything. That mode is rejected outright
// in production and announced loudly everywhere else, so the two modes are
// never silently indistinguishable.
type Signer struct {
	key      []byte
	optional bool
}

// New creates a Signer. In production mode an empty key is a startup error.
func New(cfg config.SigningConfig, mode string, logger *zap.Logger) (*Signer, error) {
	if cfg.Key == "" {
		if mode == config.ModeProduction {
			return nil, fmt.Errorf("signing key is required in %s mode", config.ModeProduction)
		}
		logger.Warn("MESSAGE SIGNING IS DISABLED: no signing key configured; all signatures will be accepted",
			zap.String("mode", mode),
		)
		return &Signer{optional: true}, nil
	}
	return &Signer{key: []byte(cfg.Key)}, nil
}

// Enabled reports whether signatures are enforced.
func (s *Signer) Enabled() bool {
	return !s.optional
}

// Sign returns the hex integrity tag for the canonical payload bytes.
// In signing-optional mode it returns an empty tag.
func (s *Signer) Sign(payload []byte) string {
	if s.optional {
		return ""
	}
	mac := hmac.New(sha256.New, s.key)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// SignFields signs the canonical serialization of an ordered field list.
func (s *Signer) SignFields(fields types.FieldPairs) (string, error) {
	payload, err := json.Marshal(fields)
	if err != nil {
		return "", err
	}
	return s.Sign(payload), nil
}

// Verify reports whether sig is a valid tag for payload. The comparison is
// constant time in the tag length.
func (s *Signer) Verify(payload []byte, sig string) bool {
	if s.optional {
		return true
	}
	raw, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, s.key)
	mac.Write(payload)
	return hmac.Equal(mac.Sum(nil), raw)
}

// SignatureError reports a message that failed verification. Such messages
// are dropped and counted; they are never retried or surfaced as fatal.
type SignatureError struct {
	Stream    string
	MessageID string
}

func (e *SignatureError) Error() string {
	return fmt.Sprintf("invalid signature on %s entry %s", e.Stream, e.MessageID)
}
