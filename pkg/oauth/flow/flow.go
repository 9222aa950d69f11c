// Package flow implements the OAuth2 authorization-code + PKCE state
// machine, the client_credentials and refresh_token grants, and the
// introspection and revocation operations.
package flow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/oauth2"

	"github.com/keybridge-labs/authd/pkg/encryption"
	"github.com/keybridge-labs/authd/pkg/ephemeral"
	"github.com/keybridge-labs/authd/pkg/logger"
	"github.com/keybridge-labs/authd/pkg/tokens"
	"github.com/keybridge-labs/authd/pkg/types"
)

// Typed flow errors.
var (
	ErrClientNotFound = errors.New("client not found")
	ErrClientInvalid  = errors.New("client disabled")
	ErrInvalidParams  = errors.New("invalid authorization parameters")
	ErrPKCEInvalid    = errors.New("pkce verification failed")
	ErrAuthCodeFailed = errors.New("authorization code validation failed")
)

// Grant type identifiers.
const (
	GrantAuthorizationCode = "authorization_code"
	GrantClientCredentials = "client_credentials"
	GrantRefreshToken      = "refresh_token"
)

// PKCE challenge methods.
const (
	PKCEMethodPlain = "plain"
	PKCEMethodS256  = "S256"
)

// Lifetimes.
const (
	grantTTL   = 2 * time.Minute
	accessTTL  = 15 * time.Minute
	refreshTTL = 24 * time.Hour
)

// ClientStore is the durable client registry the flow reads from.
type ClientStore interface {
	GetClient(ctx context.Context, clientID string) (*types.Client, error)
}

// Flow is the per-authorization-attempt state machine. One authorization
// moves requested -> grant stored -> exchanged | expired | denied; the
// stored grant and PKCE challenge live for two minutes and are consumed
// exactly once.
type Flow struct {
	clients   ClientStore
	store     ephemeral.Store
	engine    *tokens.Engine
	blacklist *tokens.Blacklist
	notFound  func(error) bool
	now       func() time.Time
}

// New wires a Flow.
func New(clients ClientStore, store ephemeral.Store, engine *tokens.Engine, blacklist *tokens.Blacklist, notFound func(error) bool) *Flow {
	return &Flow{
		clients:   clients,
		store:     store,
		engine:    engine,
		blacklist: blacklist,
		notFound:  notFound,
		now:       time.Now,
	}
}

// storedGrant is the ephemeral authorization grant, keyed by the hash of
// the auth code.
type storedGrant struct {
	Code        string   `json:"code"`
	ClientID    string   `json:"client_id"`
	UserID      string   `json:"user_id"`
	RedirectURI string   `json:"redirect_uri"`
	Scopes      []string `json:"scopes"`
	GrantTypes  []string `json:"grant_types"`
}

// storedChallenge is the ephemeral PKCE challenge, keyed by client id and
// consumed together with the grant.
type storedChallenge struct {
	Challenge string `json:"challenge"`
	Method    string `json:"method"`
}

// AuthorizeRequest is a validated /authorize call. PrincipalID is the
// authenticated user granting access; there is no ambient security context.
type AuthorizeRequest struct {
	ClientID            string
	PrincipalID         string
	RedirectURI         string
	Scopes              []string
	GrantTypes          []string
	CodeChallenge       string
	CodeChallengeMethod string
}

// Authorize validates the request against the client's allow-lists, stores
// the grant and PKCE challenge as one atomic write, and returns the auth
// code.
func (f *Flow) Authorize(ctx context.Context, req AuthorizeRequest) (string, error) {
	client, err := f.loadClient(ctx, req.ClientID)
	if err != nil {
		return "", err
	}

	if !slices.Contains(client.RedirectURIs, req.RedirectURI) {
		return "", fmt.Errorf("%w: redirect_uri not registered", ErrInvalidParams)
	}

	scopes := intersect(req.Scopes, client.Scopes)
	if len(scopes) == 0 {
		return "", fmt.Errorf("%w: no requested scope is allowed for this client", ErrInvalidParams)
	}
	grantTypes := intersect(req.GrantTypes, client.GrantTypes)
	if len(grantTypes) == 0 {
		return "", fmt.Errorf("%w: no requested grant type is allowed for this client", ErrInvalidParams)
	}

	if req.CodeChallenge == "" {
		return "", fmt.Errorf("%w: code_challenge is required", ErrInvalidParams)
	}
	if req.CodeChallengeMethod != PKCEMethodPlain && req.CodeChallengeMethod != PKCEMethodS256 {
		return "", fmt.Errorf("%w: unsupported code_challenge_method %q", ErrInvalidParams, req.CodeChallengeMethod)
	}

	code := encryption.GenerateRandomString(32)

	grantPayload, err := json.Marshal(storedGrant{
		Code:        code,
		ClientID:    client.ClientID,
		UserID:      req.PrincipalID,
		RedirectURI: req.RedirectURI,
		Scopes:      scopes,
		GrantTypes:  grantTypes,
	})
	if err != nil {
		return "", err
	}
	challengePayload, err := json.Marshal(storedChallenge{
		Challenge: req.CodeChallenge,
		Method:    req.CodeChallengeMethod,
	})
	if err != nil {
		return "", err
	}

	// One atomic unit: the grant and its challenge either both exist or
	// neither does.
	err = f.store.PutMulti(ctx, []ephemeral.Entry{
		{Key: ephemeral.PrefixAuthCode + ephemeral.HashKey(code), Value: string(grantPayload), TTL: grantTTL},
		{Key: ephemeral.PrefixPKCE + client.ClientID, Value: string(challengePayload), TTL: grantTTL},
	})
	if err != nil {
		return "", err
	}

	return code, nil
}

// TokenRequest is a /token call for any supported grant type.
type TokenRequest struct {
	GrantType    string
	ClientID     string
	ClientSecret string
	Code         string
	CodeVerifier string
	RedirectURI  string
	Scopes       []string
	RefreshToken string
}

// Token dispatches on grant type.
func (f *Flow) Token(ctx context.Context, req TokenRequest) (*types.TokenResponse, error) {
	switch req.GrantType {
	case GrantAuthorizationCode:
		return f.exchangeAuthorizationCode(ctx, req)
	case GrantClientCredentials:
		return f.clientCredentials(ctx, req)
	case GrantRefreshToken:
		return f.refreshGrant(ctx, req)
	default:
		return nil, fmt.Errorf("%w: unsupported grant_type %q", ErrInvalidParams, req.GrantType)
	}
}

func (f *Flow) exchangeAuthorizationCode(ctx context.Context, req TokenRequest) (_ *types.TokenResponse, err error) {
	client, err := f.authenticateClient(ctx, req.ClientID, req.ClientSecret)
	if err != nil {
		return nil, err
	}

	if !slices.Contains(client.RedirectURIs, req.RedirectURI) {
		return nil, fmt.Errorf("%w: redirect_uri not registered", ErrInvalidParams)
	}

	grantKey := ephemeral.PrefixAuthCode + ephemeral.HashKey(req.Code)
	challengeKey := ephemeral.PrefixPKCE + client.ClientID

	// Single use is enforced even on partial failure: whatever happens
	// below, the grant and challenge are gone afterwards.
	defer func() {
		if cleanupErr := f.store.DeleteMulti(ctx, grantKey, challengeKey); cleanupErr != nil {
			logger.Errorf("failed to clean up grant state: %v", cleanupErr)
		}
	}()

	grantPayload, found, err := f.store.GetDel(ctx, grantKey)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: unknown or expired code", ErrAuthCodeFailed)
	}
	var grant storedGrant
	if err := json.Unmarshal([]byte(grantPayload), &grant); err != nil {
		return nil, fmt.Errorf("%w: corrupt grant", ErrAuthCodeFailed)
	}

	challengePayload, found, err := f.store.GetDel(ctx, challengeKey)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: challenge missing", ErrPKCEInvalid)
	}
	var challenge storedChallenge
	if err := json.Unmarshal([]byte(challengePayload), &challenge); err != nil {
		return nil, fmt.Errorf("%w: corrupt challenge", ErrPKCEInvalid)
	}

	if err := verifyPKCE(challenge, req.CodeVerifier); err != nil {
		return nil, err
	}

	if grant.ClientID != client.ClientID || grant.Code != req.Code || grant.RedirectURI != req.RedirectURI {
		return nil, fmt.Errorf("%w: grant does not match request", ErrAuthCodeFailed)
	}

	scopes := grant.Scopes
	if len(req.Scopes) > 0 {
		scopes = intersect(req.Scopes, client.Scopes)
		if len(scopes) == 0 {
			return nil, fmt.Errorf("%w: no requested scope is allowed for this client", ErrInvalidParams)
		}
	}

	withRefresh := slices.Contains(grant.GrantTypes, GrantRefreshToken)
	return f.issue(grant.UserID, client.ClientID, scopes, withRefresh)
}

func (f *Flow) clientCredentials(ctx context.Context, req TokenRequest) (*types.TokenResponse, error) {
	client, err := f.authenticateClient(ctx, req.ClientID, req.ClientSecret)
	if err != nil {
		return nil, err
	}
	if client.Public() {
		return nil, fmt.Errorf("%w: client_credentials requires a confidential client", ErrInvalidParams)
	}
	if !slices.Contains(client.GrantTypes, GrantClientCredentials) {
		return nil, fmt.Errorf("%w: grant type not allowed for this client", ErrInvalidParams)
	}

	scopes := intersect(req.Scopes, client.Scopes)
	if len(scopes) == 0 {
		return nil, fmt.Errorf("%w: no requested scope is allowed for this client", ErrInvalidParams)
	}

	// No user context: the client itself is the subject.
	return f.issue(client.ClientID, client.ClientID, scopes, true)
}

// refreshGrant rotates a client-held refresh token: the presented token is
// blacklisted before the replacement pair is issued.
func (f *Flow) refreshGrant(ctx context.Context, req TokenRequest) (*types.TokenResponse, error) {
	client, err := f.authenticateClient(ctx, req.ClientID, req.ClientSecret)
	if err != nil {
		return nil, err
	}

	validated, err := f.engine.Validate(req.RefreshToken)
	if err != nil {
		return nil, err
	}
	typ, err := validated.TokenType()
	if err != nil {
		return nil, err
	}
	if typ != tokens.TokenTypeRefresh {
		return nil, fmt.Errorf("%w: not a refresh token", tokens.ErrTokenInvalid)
	}
	tokenClient, err := validated.ClientID()
	if err != nil {
		return nil, err
	}
	if tokenClient != client.ClientID {
		return nil, fmt.Errorf("%w: token does not belong to this client", tokens.ErrTokenInvalid)
	}

	// Atomic revoke-if-new: of two concurrent presentations of the same
	// token exactly one wins the rotation.
	revokedNow, err := f.blacklist.AddIfAbsent(ctx, req.RefreshToken, validated.Remaining)
	if err != nil {
		return nil, err
	}
	if !revokedNow {
		return nil, tokens.ErrReplayDetected
	}

	sub, err := validated.Subject()
	if err != nil {
		return nil, err
	}
	scopes, err := validated.Scopes()
	if err != nil {
		return nil, err
	}

	return f.issue(sub, client.ClientID, scopes, true)
}

// IntrospectRequest is a /introspect call.
type IntrospectRequest struct {
	Token        string
	ClientID     string
	ClientSecret string
	TypeHint     string
}

// Introspect authenticates the calling client and reports token state. Any
// decode, expiry or revocation failure yields active=false rather than an
// error, so validity cannot be probed through error shapes.
func (f *Flow) Introspect(ctx context.Context, req IntrospectRequest) (*types.IntrospectionResponse, error) {
	if _, err := f.authenticateClient(ctx, req.ClientID, req.ClientSecret); err != nil {
		return nil, err
	}

	validated, err := f.engine.Validate(req.Token)
	if err != nil {
		return &types.IntrospectionResponse{Active: false}, nil
	}
	revoked, err := f.blacklist.Contains(ctx, req.Token)
	if err != nil {
		return nil, err
	}
	if revoked {
		return &types.IntrospectionResponse{Active: false}, nil
	}

	resp := &types.IntrospectionResponse{
		Active:    true,
		Issuer:    f.engine.Issuer(),
		ExpiresAt: validated.ExpiresAt.Unix(),
	}
	if sub, err := validated.Subject(); err == nil {
		resp.Subject = sub
	}
	if typ, err := validated.TokenType(); err == nil {
		resp.TokenType = typ
	}
	if clientID, err := validated.ClientID(); err == nil {
		resp.ClientID = clientID
	}
	if scopes, err := validated.Scopes(); err == nil {
		resp.Scope = joinScopes(scopes)
	}
	if iat, err := validated.Claims.GetIssuedAt(); err == nil && iat != nil {
		resp.IssuedAt = iat.Unix()
	}
	return resp, nil
}

// RevokeRequest is a /revoke call.
type RevokeRequest struct {
	Token        string
	ClientID     string
	ClientSecret string
	TypeHint     string
}

// Revoke authenticates the calling client and blacklists the token for its
// remaining lifetime. Idempotent, and silent about whether the token was
// valid.
func (f *Flow) Revoke(ctx context.Context, req RevokeRequest) error {
	if _, err := f.authenticateClient(ctx, req.ClientID, req.ClientSecret); err != nil {
		return err
	}

	validated, err := f.engine.Validate(req.Token)
	if err != nil {
		// Invalid or expired tokens have nothing to revoke; succeed.
		return nil
	}

	revoked, err := f.blacklist.Contains(ctx, req.Token)
	if err != nil {
		return err
	}
	if revoked {
		return nil
	}
	return f.blacklist.Add(ctx, req.Token, validated.Remaining)
}

func (f *Flow) issue(subject, clientID string, scopes []string, withRefresh bool) (*types.TokenResponse, error) {
	claims := map[string]tokens.ClaimValue{
		"sub":                 tokens.String(subject),
		tokens.ClaimClientID:  tokens.String(clientID),
		tokens.ClaimScope:     tokens.StringList(scopes),
		tokens.ClaimTokenType: tokens.String(tokens.TokenTypeAccess),
	}

	access, err := f.engine.Generate(accessTTL, claims)
	if err != nil {
		return nil, err
	}

	resp := &types.TokenResponse{
		AccessToken: access,
		TokenType:   "Bearer",
		ExpiresIn:   int(accessTTL.Seconds()),
		Scope:       joinScopes(scopes),
	}

	if withRefresh {
		claims[tokens.ClaimTokenType] = tokens.String(tokens.TokenTypeRefresh)
		refresh, err := f.engine.Generate(refreshTTL, claims)
		if err != nil {
			return nil, err
		}
		resp.RefreshToken = refresh
	}
	return resp, nil
}

func (f *Flow) loadClient(ctx context.Context, clientID string) (*types.Client, error) {
	if clientID == "" {
		return nil, fmt.Errorf("%w: client_id is required", ErrClientNotFound)
	}
	client, err := f.clients.GetClient(ctx, clientID)
	if err != nil {
		if f.notFound != nil && f.notFound(err) {
			return nil, ErrClientNotFound
		}
		return nil, err
	}
	if !client.IsValid {
		return nil, ErrClientInvalid
	}
	return client, nil
}

func (f *Flow) authenticateClient(ctx context.Context, clientID, clientSecret string) (*types.Client, error) {
	client, err := f.loadClient(ctx, clientID)
	if err != nil {
		return nil, err
	}
	if client.Public() {
		if clientSecret != "" {
			return nil, fmt.Errorf("%w: public client must not send a secret", ErrClientInvalid)
		}
		return client, nil
	}
	if bcrypt.CompareHashAndPassword([]byte(client.SecretHash), []byte(clientSecret)) != nil {
		return nil, fmt.Errorf("%w: client secret mismatch", ErrClientInvalid)
	}
	return client, nil
}

// verifyPKCE recomputes the challenge from the presented verifier using the
// stored method. S256 compares base64url-no-padding digests on both sides;
// plain compares raw bytes.
func verifyPKCE(challenge storedChallenge, verifier string) error {
	if verifier == "" {
		return fmt.Errorf("%w: code_verifier is required", ErrPKCEInvalid)
	}
	switch challenge.Method {
	case PKCEMethodS256:
		if oauth2.S256ChallengeFromVerifier(verifier) != challenge.Challenge {
			return fmt.Errorf("%w: challenge mismatch", ErrPKCEInvalid)
		}
	case PKCEMethodPlain:
		if verifier != challenge.Challenge {
			return fmt.Errorf("%w: challenge mismatch", ErrPKCEInvalid)
		}
	default:
		return fmt.Errorf("%w: unsupported method %q", ErrPKCEInvalid, challenge.Method)
	}
	return nil
}

// intersect returns the members of requested that appear in allowed. An
// empty request means "everything allowed".
func intersect(requested, allowed []string) []string {
	if len(requested) == 0 {
		return slices.Clone(allowed)
	}
	var out []string
	for _, s := range requested {
		if slices.Contains(allowed, s) {
			out = append(out, s)
		}
	}
	return out
}

func joinScopes(scopes []string) string {
	return strings.Join(scopes, " ")
}
