package tokens

import (
	"context"
	"fmt"
	"time"

	"github.com/keybridge-labs/authd/pkg/types"
)

// Default token lifetimes.
const (
	DefaultAccessTTL  = 15 * time.Minute
	DefaultRefreshTTL = 24 * time.Hour
)

// PrincipalStore is the durable lookup the manager needs to re-check token
// versions during validation.
type PrincipalStore interface {
	GetPrincipal(ctx context.Context, id string) (*types.Principal, error)
}

// Manager handles the token lifecycle for first-party principals: pair
// issuance, rotation-on-use refresh, and logout.
type Manager struct {
	engine     *Engine
	blacklist  *Blacklist
	principals PrincipalStore
	accessTTL  time.Duration
	refreshTTL time.Duration
}

// NewManager creates a lifecycle manager with the default lifetimes.
func NewManager(engine *Engine, blacklist *Blacklist, principals PrincipalStore) *Manager {
	return &Manager{
		engine:     engine,
		blacklist:  blacklist,
		principals: principals,
		accessTTL:  DefaultAccessTTL,
		refreshTTL: DefaultRefreshTTL,
	}
}

// Pair is an issued access/refresh token pair.
type Pair struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    int
}

// IssuePair generates an access and refresh token for the principal. Both
// embed the principal's current token version; bumping the stored counter
// force-expires everything issued before the bump.
func (m *Manager) IssuePair(_ context.Context, p *types.Principal) (*Pair, error) {
	base := map[string]ClaimValue{
		"sub":             String(p.ID),
		ClaimName:         String(p.Name),
		ClaimTokenVersion: Int64(p.TokenVersion),
	}

	access, err := m.engine.Generate(m.accessTTL, withTokenType(base, TokenTypeAccess))
	if err != nil {
		return nil, fmt.Errorf("failed to issue access token: %w", err)
	}
	refresh, err := m.engine.Generate(m.refreshTTL, withTokenType(base, TokenTypeRefresh))
	if err != nil {
		return nil, fmt.Errorf("failed to issue refresh token: %w", err)
	}

	return &Pair{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresIn:    int(m.accessTTL.Seconds()),
	}, nil
}

// Refresh rotates a refresh token: the presented token is blacklisted before
// the new pair is issued, so a crash in between fails safe (the user must
// re-authenticate) rather than leaving the old token reusable.
func (m *Manager) Refresh(ctx context.Context, oldRefresh string, caller *types.Principal) (*Pair, error) {
	validated, err := m.validateOwned(oldRefresh, TokenTypeRefresh, caller)
	if err != nil {
		return nil, err
	}

	// One atomic revoke-if-new call decides the winner: of two concurrent
	// presentations of the same token exactly one revokes it and gets the
	// new pair, the other sees it already revoked.
	revokedNow, err := m.blacklist.AddIfAbsent(ctx, oldRefresh, validated.Remaining)
	if err != nil {
		return nil, err
	}
	if !revokedNow {
		return nil, ErrReplayDetected
	}

	return m.IssuePair(ctx, caller)
}

// Logout blacklists the presented token for its remaining lifetime.
// Idempotent: logging out twice succeeds.
func (m *Manager) Logout(ctx context.Context, token string, caller *types.Principal) error {
	validated, err := m.engine.Validate(token)
	if err != nil {
		return err
	}
	sub, err := validated.Subject()
	if err != nil {
		return err
	}
	if sub != caller.ID {
		return fmt.Errorf("%w: subject mismatch", ErrTokenInvalid)
	}

	revoked, err := m.blacklist.Contains(ctx, token)
	if err != nil {
		return err
	}
	if revoked {
		return nil
	}
	return m.blacklist.Add(ctx, token, validated.Remaining)
}

// ValidateAccess verifies an access token end to end: signature, expiry,
// type, blacklist, and the owner's current token version. Returns the owning
// principal on success.
func (m *Manager) ValidateAccess(ctx context.Context, token string) (*ValidatedToken, *types.Principal, error) {
	validated, err := m.engine.Validate(token)
	if err != nil {
		return nil, nil, err
	}

	typ, err := validated.TokenType()
	if err != nil {
		return nil, nil, err
	}
	if typ != TokenTypeAccess {
		return nil, nil, fmt.Errorf("%w: unexpected token type %q", ErrTokenInvalid, typ)
	}

	revoked, err := m.blacklist.Contains(ctx, token)
	if err != nil {
		return nil, nil, err
	}
	if revoked {
		return nil, nil, fmt.Errorf("%w: token revoked", ErrTokenInvalid)
	}

	sub, err := validated.Subject()
	if err != nil {
		return nil, nil, err
	}
	principal, err := m.principals.GetPrincipal(ctx, sub)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: unknown subject", ErrTokenInvalid)
	}
	if err := checkVersion(validated, principal); err != nil {
		return nil, nil, err
	}

	return validated, principal, nil
}

func (m *Manager) validateOwned(token, wantType string, caller *types.Principal) (*ValidatedToken, error) {
	validated, err := m.engine.Validate(token)
	if err != nil {
		return nil, err
	}

	typ, err := validated.TokenType()
	if err != nil {
		return nil, err
	}
	if typ != wantType {
		return nil, fmt.Errorf("%w: unexpected token type %q", ErrTokenInvalid, typ)
	}

	sub, err := validated.Subject()
	if err != nil {
		return nil, err
	}
	if sub != caller.ID {
		return nil, fmt.Errorf("%w: subject mismatch", ErrTokenInvalid)
	}

	if err := checkVersion(validated, caller); err != nil {
		return nil, err
	}
	return validated, nil
}

func checkVersion(validated *ValidatedToken, p *types.Principal) error {
	version, err := validated.TokenVersion()
	if err != nil {
		return err
	}
	if version != p.TokenVersion {
		return fmt.Errorf("%w: token version superseded", ErrTokenInvalid)
	}
	return nil
}

func withTokenType(base map[string]ClaimValue, typ string) map[string]ClaimValue {
	claims := make(map[string]ClaimValue, len(base)+1)
	for k, v := range base {
		claims[k] = v
	}
	claims[ClaimTokenType] = String(typ)
	return claims
}
