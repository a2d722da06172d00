package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content-addressed identity.
// The version suffix allows a future algorithm migration without collisions.
const (
	DomainPayload     = "tillsync/payload/v1"
	DomainIdempotency = "tillsync/idempotency/v1"
)

// hashWithDomain computes SHA-256(domain || 0x00 || data).
// The null separator prevents domain/data boundary ambiguity.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// ContentHash returns the hash of a normalized inbound payload.
// Two payloads that differ only in key order, whitespace or Unicode
// normalization form hash identically.
func ContentHash(payload []byte) (string, error) {
	canonical, err := CanonicalizePayload(payload)
	if err != nil {
		return "", fmt.Errorf("content hash: %w", err)
	}
	return hashWithDomain(DomainPayload, canonical), nil
}

// MustContentHash is like ContentHash but panics on error.
// Use only in tests or when the payload is known to be valid JSON.
func MustContentHash(payload []byte) string {
	h, err := ContentHash(payload)
	if err != nil {
		panic(err)
	}
	return h
}

// DeriveIdempotencyKey builds a stable key for a logical operation when the
// caller has no natural one: the same tenant, entity, operation and payload
// always produce the same key.
func DeriveIdempotencyKey(tenantID, entityType, entityID string, op Operation, payload []byte) (string, error) {
	canonical, err := CanonicalizePayload(payload)
	if err != nil {
		return "", fmt.Errorf("derive idempotency key: %w", err)
	}
	head, err := MarshalCanonical(map[string]string{
		"tenant_id":   tenantID,
		"entity_type": entityType,
		"entity_id":   entityID,
		"operation":   string(op),
	})
	if err != nil {
		return "", fmt.Errorf("derive idempotency key: %w", err)
	}
	data := make([]byte, 0, len(head)+1+len(canonical))
	data = append(data, head...)
	data = append(data, 0x00)
	data = append(data, canonical...)
	return hashWithDomain(DomainIdempotency, data), nil
}
