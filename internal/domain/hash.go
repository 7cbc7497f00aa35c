package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// DefaultIdempotencyWindow is the width of the timestamp bucket embedded in
// idempotency keys. Identical submissions inside one bucket collapse to one
// transaction.
const DefaultIdempotencyWindow = 60 * time.Second

// ContentHash returns the hex SHA-256 of the canonical form of a JSON
// payload. A remote system computing SHA-256 over the same canonical form
// produces the same value.
func ContentHash(payload []byte) (string, error) {
	canonical, err := CanonicalizeJSON(payload)
	if err != nil {
		return "", fmt.Errorf("content hash: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// TimeBucket truncates at to the start of its idempotency window, in Unix
// seconds. A non-positive window drops the time component entirely; a
// positive window shorter than a second is widened to one second.
func TimeBucket(at time.Time, window time.Duration) int64 {
	if window <= 0 {
		return 0
	}
	secs := max(int64(window/time.Second), 1)
	unix := at.Unix()
	return unix - (unix % secs)
}

// IdempotencyKey derives the key for a client-originated transaction:
//
//	{type}_{origin}_{bucket}_{hash8}
//
// where bucket is at truncated to window and hash8 is the first eight hex
// digits of the payload content hash. The function is pure.
func IdempotencyKey(txType TransactionType, originID string, payload []byte, at time.Time, window time.Duration) (string, error) {
	if !txType.Valid() {
		return "", fmt.Errorf("idempotency key: unknown transaction type %q", txType)
	}
	if strings.Contains(originID, "_") {
		return "", fmt.Errorf("idempotency key: origin id %q must not contain '_'", originID)
	}
	hash, err := ContentHash(payload)
	if err != nil {
		return "", fmt.Errorf("idempotency key: %w", err)
	}
	return fmt.Sprintf("%s_%s_%d_%s", txType, originID, TimeBucket(at, window), hash[:8]), nil
}
