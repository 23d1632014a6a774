package chronolog

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/discernus/discernus-sub006/pkg/canonicalize"
)

// InsecureFallbackKey is the documented fallback signing key used when no
// operator key is configured. It provides tamper EVIDENCE only, not tamper
// RESISTANCE: anyone with a copy of this source can forge signatures.
// Set DISCERNUS_SIGNING_KEY in any environment where the log must hold up
// against a motivated adversary.
const InsecureFallbackKey = "discernus-insecure-fallback-key-v1"

// EventSigner computes and verifies a keyed digest (HMAC-SHA256) over the
// RFC 8785 canonical encoding of an event's signable fields. Logically
// identical events always yield identical signatures.
type EventSigner struct {
	key []byte
}

// NewSigner creates a signer keyed by the operator-supplied secret.
// An empty key is allowed at construction so verification-only paths can
// still run; Sign will refuse to operate without a key.
func NewSigner(key string) *EventSigner {
	return &EventSigner{key: []byte(key)}
}

// HasKey reports whether the signer holds a non-empty key.
func (s *EventSigner) HasKey() bool {
	return len(s.key) > 0
}

// Sign returns the hex HMAC-SHA256 digest over the canonical encoding of
// every field except the signature. It fails loudly when no key is
// configured.
func (s *EventSigner) Sign(e *ChronologEvent) (string, error) {
	if !s.HasKey() {
		return "", ErrNoSigningKey
	}

	canonical, err := canonicalize.JCS(e.signable())
	if err != nil {
		return "", fmt.Errorf("canonicalize event %s: %w", e.EventID, err)
	}

	mac := hmac.New(sha256.New, s.key)
	mac.Write(canonical)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Verify recomputes the signature and compares it in constant time
// against the stored value. It never fails: any decode or compute
// problem, a missing signature, or a missing key all yield false.
func (s *EventSigner) Verify(e *ChronologEvent) bool {
	if e == nil || e.Signature == "" || !s.HasKey() {
		return false
	}

	stored, err := hex.DecodeString(e.Signature)
	if err != nil {
		return false
	}

	canonical, err := canonicalize.JCS(e.signable())
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, s.key)
	mac.Write(canonical)
	return hmac.Equal(mac.Sum(nil), stored)
}
