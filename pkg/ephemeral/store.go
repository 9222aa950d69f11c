// Package ephemeral provides the TTL key-value store every other subsystem
// uses for one-shot secrets, revocation markers and rate counters.
//
// The contract deliberately separates "miss" from "store failure": a caller
// holding a refresh token must never be told "not found" because Redis was
// unreachable.
package ephemeral

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"
)

// ErrUnavailable indicates the store could not be reached or the operation
// failed transiently. It is never returned for a plain miss.
var ErrUnavailable = errors.New("ephemeral store unavailable")

// Key namespaces. Every category of one-shot secret gets its own prefix so
// entries can never collide across categories.
const (
	PrefixAuthCode      = "authcode:"
	PrefixPKCE          = "pkce:"
	PrefixMFAPending    = "mfa:pending:"
	PrefixMFAChallenge  = "mfa:challenge:"
	PrefixBlacklist     = "blacklist:"
	PrefixPasswordReset = "pwreset:"
	PrefixRateLimit     = "ratelimit:"
)

// Entry is a single key/value/TTL triple for multi-key writes.
type Entry struct {
	Key   string
	Value string
	TTL   time.Duration
}

// Store is the ephemeral keyed-store contract.
//
// GetDel and PutIfAbsent are atomic: once GetDel returns a value no other
// caller can observe it, and of any number of concurrent PutIfAbsent calls
// on one key exactly one reports created. PutMulti and DeleteMulti apply
// all entries as a single unit; partial application under failure is not
// possible.
type Store interface {
	Put(ctx context.Context, key, value string, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, bool, error)
	GetDel(ctx context.Context, key string) (string, bool, error)
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)

	// PutIfAbsent stores the value only when the key does not exist yet and
	// reports whether this call created it.
	PutIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// IncrWithTTL atomically increments the counter at key, sets its TTL
	// only when the counter first becomes 1, and reports whether the new
	// value is still within max.
	IncrWithTTL(ctx context.Context, key string, ttl time.Duration, max int64) (bool, error)

	PutMulti(ctx context.Context, entries []Entry) error
	DeleteMulti(ctx context.Context, keys ...string) error
}

// HashKey returns the hex SHA-256 of a secret for use as a lookup key.
// Secrets that double as keys are never stored in plaintext form.
func HashKey(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}
