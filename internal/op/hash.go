package op

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Domain prefixes for content-addressed hashes.
// The version suffix leaves room for a future algorithm change.
const (
	DomainFingerprint = "offq/fingerprint/v1"
	DomainIdempotency = "offq/idempotency/v1"
)

// HashWithDomain computes SHA-256 over domain + 0x00 + data.
// The null separator keeps the domain and data boundary unambiguous.
func HashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// Fingerprint computes the stable hash of an operation's semantic content.
//
// intent distinguishes genuinely separate user actions that happen to carry
// identical payloads (two "create invoice" clicks). A retried action reuses
// its intent and therefore its fingerprint. Attempt counts and retry
// timestamps are never part of the fingerprint.
func Fingerprint(kind Kind, resource string, payload json.RawMessage, intent string) (string, error) {
	canonicalPayload, err := MarshalCanonical(payload)
	if err != nil {
		return "", fmt.Errorf("fingerprint: %w", err)
	}

	doc := map[string]json.RawMessage{
		"intent":   canonicalString(intent),
		"kind":     canonicalString(string(kind)),
		"payload":  canonicalPayload,
		"resource": canonicalString(resource),
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("fingerprint: %w", err)
	}
	canonical, err := MarshalCanonical(raw)
	if err != nil {
		return "", fmt.Errorf("fingerprint: %w", err)
	}

	return HashWithDomain(DomainFingerprint, canonical), nil
}

func canonicalString(s string) json.RawMessage {
	var buf bytes.Buffer
	writeCanonicalString(&buf, s)
	return json.RawMessage(buf.Bytes())
}
