// Package tokens implements the RS256 JWT engine, the revocation blacklist
// and the token lifecycle manager.
package tokens

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Typed validation errors.
var (
	// ErrTokenExpired means the signature checked out but exp has passed.
	ErrTokenExpired = errors.New("token expired")
	// ErrTokenInvalid means a bad signature or malformed structure.
	ErrTokenInvalid = errors.New("token invalid")
	// ErrMissingClaims means a required typed claim is absent.
	ErrMissingClaims = errors.New("required claims missing")
	// ErrReplayDetected means a rotated-out token was presented again.
	ErrReplayDetected = errors.New("token replay detected")
)

// Engine signs and verifies compact JWTs. It is constructed once at startup
// and holds only immutable key material, so every method is safe for
// concurrent use.
type Engine struct {
	privateKey *rsa.PrivateKey
	publicKey  *rsa.PublicKey
	keyID      string
	issuer     string
	audience   string

	// now is swappable for skew tests.
	now func() time.Time
}

// EngineConfig configures a token engine.
type EngineConfig struct {
	PrivateKey *rsa.PrivateKey
	PublicKey  *rsa.PublicKey
	Issuer     string
	Audience   string
}

// NewEngine builds a token engine from an RSA keypair.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.PrivateKey == nil || cfg.PublicKey == nil {
		return nil, fmt.Errorf("both private and public keys are required")
	}
	if cfg.Issuer == "" {
		return nil, fmt.Errorf("issuer is required")
	}

	return &Engine{
		privateKey: cfg.PrivateKey,
		publicKey:  cfg.PublicKey,
		keyID:      KeyID(cfg.PublicKey),
		issuer:     cfg.Issuer,
		audience:   cfg.Audience,
		now:        time.Now,
	}, nil
}

// JWKS returns the published key set for this engine's signing key.
func (e *Engine) JWKS() JWKS {
	return BuildJWKS(e.publicKey)
}

// Issuer returns the configured issuer.
func (e *Engine) Issuer() string {
	return e.issuer
}

// Generate builds a signed JWT expiring ttl from now with the supplied
// claims merged over the registered iss/aud/iat/exp set.
func (e *Engine) Generate(ttl time.Duration, claims map[string]ClaimValue) (string, error) {
	now := e.now()

	mapClaims := jwt.MapClaims{
		"iss": e.issuer,
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	}
	if e.audience != "" {
		mapClaims["aud"] = e.audience
	}
	for name, value := range claims {
		mapClaims[name] = value.jwtValue()
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, mapClaims)
	token.Header["kid"] = e.keyID

	signed, err := token.SignedString(e.privateKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// ValidatedToken is the result of a successful Validate call.
type ValidatedToken struct {
	Raw       string
	Claims    jwt.MapClaims
	ExpiresAt time.Time
	Remaining time.Duration
}

// Validate verifies signature, structure and expiry and returns the decoded
// claims together with the token's remaining lifetime.
func (e *Engine) Validate(tokenString string) (*ValidatedToken, error) {
	parsed, err := jwt.Parse(tokenString,
		func(_ *jwt.Token) (any, error) { return e.publicKey, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithIssuer(e.issuer),
		jwt.WithTimeFunc(e.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrTokenInvalid
	}

	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return nil, ErrTokenInvalid
	}

	return &ValidatedToken{
		Raw:       tokenString,
		Claims:    claims,
		ExpiresAt: exp.Time,
		Remaining: exp.Time.Sub(e.now()),
	}, nil
}

// Subject returns the sub claim.
func (t *ValidatedToken) Subject() (string, error) {
	return t.stringClaim("sub")
}

// TokenType returns the typ claim.
func (t *ValidatedToken) TokenType() (string, error) {
	return t.stringClaim(ClaimTokenType)
}

// ClientID returns the client_id claim.
func (t *ValidatedToken) ClientID() (string, error) {
	return t.stringClaim(ClaimClientID)
}

// Name returns the name claim.
func (t *ValidatedToken) Name() (string, error) {
	return t.stringClaim(ClaimName)
}

// TokenVersion returns the token_version claim.
func (t *ValidatedToken) TokenVersion() (int64, error) {
	raw, ok := t.Claims[ClaimTokenVersion]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrMissingClaims, ClaimTokenVersion)
	}
	switch v := raw.(type) {
	case float64:
		return int64(v), nil
	case int64:
		return v, nil
	}
	return 0, fmt.Errorf("%w: %s has unexpected type", ErrMissingClaims, ClaimTokenVersion)
}

// Scopes returns the scope claim as a string list.
func (t *ValidatedToken) Scopes() ([]string, error) {
	raw, ok := t.Claims[ClaimScope]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMissingClaims, ClaimScope)
	}
	list, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("%w: %s has unexpected type", ErrMissingClaims, ClaimScope)
	}
	scopes := make([]string, 0, len(list))
	for _, item := range list {
		s, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("%w: %s has unexpected type", ErrMissingClaims, ClaimScope)
		}
		scopes = append(scopes, s)
	}
	return scopes, nil
}

func (t *ValidatedToken) stringClaim(name string) (string, error) {
	raw, ok := t.Claims[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrMissingClaims, name)
	}
	s, ok := raw.(string)
	if !ok || s == "" {
		return "", fmt.Errorf("%w: %s", ErrMissingClaims, name)
	}
	return s, nil
}
