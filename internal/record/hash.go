package record

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content hashes. The version suffix allows changing
// the algorithm without colliding with previously journaled ids.
const (
	DomainChange    = "memsync/change/v1"
	DomainSignature = "memsync/signature/v1"
)

// hashWithDomain computes SHA256(domain + 0x00 + data).
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// ContentHash returns the domain-separated SHA-256 of v's canonical encoding.
func ContentHash(domain string, v Value) (string, error) {
	canonical, err := MarshalCanonical(v)
	if err != nil {
		return "", fmt.Errorf("content hash: %w", err)
	}
	return hashWithDomain(domain, canonical), nil
}

// ChangeID computes the journal id of a change. seq is included so a
// legitimately repeated change (A, B, A) keeps distinct journal entries.
func ChangeID(kind, change, entityID string, payload Object, seq int64) (string, error) {
	obj := Object{
		"kind":      String(kind),
		"change":    String(change),
		"entity_id": String(entityID),
		"seq":       Int(seq),
	}
	if payload != nil {
		obj["payload"] = payload
	}
	id, err := ContentHash(DomainChange, obj)
	if err != nil {
		return "", fmt.Errorf("ChangeID: %w", err)
	}
	return id, nil
}
