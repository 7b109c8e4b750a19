package eventlog

import (
	"context"
	"time"
)

// Read-back bounds for Range. Callers asking for more than MaxRangeCount are
// clamped, not rejected.
const (
	DefaultRangeCount int64 = 50
	MaxRangeCount     int64 = 100
)

// Store is the ordered-list contract the relay consumes for chat and bet
// history. Entries under a key are append-only and trimmed only by expiry.
type Store interface {
	// Append adds a JSON-encodable value to the end of the list at key and
	// refreshes the key's TTL.
	Append(ctx context.Context, key string, value any) error
	// Range returns up to count entries starting at offset start, oldest
	// first. count <= 0 means DefaultRangeCount; counts above MaxRangeCount
	// are clamped.
	Range(ctx context.Context, key string, start, count int64) ([]string, error)
	// Expire sets the TTL for key.
	Expire(ctx context.Context, key string, ttl time.Duration) error
	Close() error
}

// clampCount normalizes a requested read size to the store bounds.
func clampCount(count int64) int64 {
	if count <= 0 {
		return DefaultRangeCount
	}
	if count > MaxRangeCount {
		return MaxRangeCount
	}
	return count
}
