package tokens

import (
	"context"
	"time"

	"github.com/keybridge-labs/authd/pkg/ephemeral"
)

// Blacklist records revoked-but-not-yet-expired tokens. Entries are keyed by
// the SHA-256 of the token and carry a TTL equal to the token's remaining
// lifetime at revocation time, so the blacklist never outgrows the set of
// tokens that could still verify.
type Blacklist struct {
	store ephemeral.Store
}

// NewBlacklist wraps an ephemeral store as a revocation blacklist.
func NewBlacklist(store ephemeral.Store) *Blacklist {
	return &Blacklist{store: store}
}

func blacklistKey(token string) string {
	return ephemeral.PrefixBlacklist + ephemeral.HashKey(token)
}

// Add marks a token revoked for the given remaining lifetime. Adding an
// already-revoked token is a no-op.
func (b *Blacklist) Add(ctx context.Context, token string, remaining time.Duration) error {
	if remaining <= 0 {
		return nil
	}
	return b.store.Put(ctx, blacklistKey(token), "1", remaining)
}

// AddIfAbsent revokes the token only when it was not revoked yet, in a
// single atomic store call, and reports whether this call revoked it. Of
// any number of concurrent calls on one token exactly one gets true; the
// rotation paths rely on that to pick a single replay winner.
func (b *Blacklist) AddIfAbsent(ctx context.Context, token string, remaining time.Duration) (bool, error) {
	if remaining <= 0 {
		// Already expired, nothing left to revoke.
		return false, nil
	}
	return b.store.PutIfAbsent(ctx, blacklistKey(token), "1", remaining)
}

// Contains reports whether the token has been revoked.
func (b *Blacklist) Contains(ctx context.Context, token string) (bool, error) {
	return b.store.Exists(ctx, blacklistKey(token))
}
