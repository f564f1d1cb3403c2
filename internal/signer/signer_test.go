package signer

import (
	"testing"

	"go.uber.org/zap"

	"github.com/tradefabric/streambus/internal/config"
	"github.com/tradefabric/streambus/internal/types"
)

func newEnforced(t *testing.T) *Signer {
	t.Helper()
	s, err := New(config.SigningConfig{Key: "shared-test-key"}, "development", zap.NewNop())
	if err != nil {
		t.Fatalf("Failed to create signer: %v", err)
	}
	return s
}

func TestSignVerify_RoundTrip(t *testing.T) {
	s := newEnforced(t)
	payload := []byte(`[["pair","WETH/USDC"],["spreadBps","12"]]`)

	sig := s.Sign(payload)
	if sig == "" {
		t.Fatal("Expected non-empty signature")
	}
	if !s.Verify(payload, sig) {
		t.Error("Expected signature to verify")
	}
}

func TestVerify_SensitiveToAnyBitFlip(t *testing.T) {
	s := newEnforced(t)
	payload := []byte(`[["pair","WETH/USDC"]]`)
	sig := s.Sign(payload)

	for i := range payload {
		mutated := make([]byte, len(payload))
		copy(mutated, payload)
		mutated[i] ^= 0x01
		if s.Verify(mutated, sig) {
			t.Fatalf("Expected verification to fail with byte %d flipped", i)
		}
	}
}

func TestVerify_RejectsWrongKey(t *testing.T) {
	s1 := newEnforced(t)
	s2, err := New(config.SigningConfig{Key: "another-key"}, "development", zap.NewNop())
	if err != nil {
		t.Fatalf("Failed to create signer: %v", err)
	}

	payload := []byte(`[["k","v"]]`)
	if s2.Verify(payload, s1.Sign(payload)) {
		t.Error("Expected signature from a different key to fail")
	}
}

func TestVerify_RejectsMalformedTag(t *testing.T) {
	s := newEnforced(t)
	if s.Verify([]byte(`[["k","v"]]`), "not-hex!") {
		t.Error("Expected non-hex signature to fail")
	}
	if s.Verify([]byte(`[["k","v"]]`), "") {
		t.Error("Expected empty signature to fail")
	}
}

func TestSignFields_MatchesCanonicalPayload(t *testing.T) {
	s := newEnforced(t)
	fields := types.Pairs("pair", "WETH/USDC", "spreadBps", "12")

	sig, err := s.SignFields(fields)
	if err != nil {
		t.Fatalf("SignFields failed: %v", err)
	}
	if !s.Verify([]byte(`[["pair","WETH/USDC"],["spreadBps","12"]]`), sig) {
		t.Error("Expected field signature to match the canonical serialization")
	}
}

func TestNew_OptionalModeAcceptsEverything(t *testing.T) {
	s, err := New(config.SigningConfig{}, "development", zap.NewNop())
	if err != nil {
		t.Fatalf("Expected signing-optional signer, got error: %v", err)
	}
	if s.Enabled() {
		t.Error("Expected signing to be disabled")
	}
	if s.Sign([]byte("x")) != "" {
		t.Error("Expected empty tag in signing-optional mode")
	}
	if !s.Verify([]byte("x"), "garbage") {
		t.Error("Expected verification to short-circuit to true")
	}
}

func TestNew_ProductionRequiresKey(t *testing.T) {
	if _, err := New(config.SigningConfig{}, config.ModeProduction, zap.NewNop()); err == nil {
		t.Fatal("Expected error for missing key in production mode, got nil")
	}
}
