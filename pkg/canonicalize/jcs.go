// Package canonicalize provides RFC 8785 (JSON Canonicalization Scheme)
// compliant serialization for deterministic signing of chronolog records.
package canonicalize

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// JCS returns the RFC 8785 canonical JSON representation of v.
//
// Key features:
// 1. Map keys are sorted lexicographically by UTF-16 code units.
// 2. HTML escaping is disabled (unlike standard json.Marshal).
// 3. Numbers are serialized in the shortest ES6 form.
//
// v is first marshalled with encoding/json so struct tags are respected,
// then the intermediate JSON is transformed into canonical form.
func JCS(v interface{}) ([]byte, error) {
	intermediate, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("jcs: pre-marshal failed: %w", err)
	}

	canonical, err := jcs.Transform(intermediate)
	if err != nil {
		return nil, fmt.Errorf("jcs: transform failed: %w", err)
	}
	return canonical, nil
}

// CanonicalHash returns the SHA-256 hex digest of the canonical JSON
// representation of v.
func CanonicalHash(v interface{}) (string, error) {
	b, err := JCS(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes computes SHA-256 hash of raw bytes and returns hex string
func HashBytes(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// JCSString returns the JCS canonical form as a string
func JCSString(v interface{}) (string, error) {
	data, err := JCS(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
