// Package login serves the first-party session endpoints: password login,
// refresh-token rotation, logout, and password reset.
package login

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"golang.org/x/crypto/bcrypt"

	"github.com/keybridge-labs/authd/pkg/ephemeral"
	"github.com/keybridge-labs/authd/pkg/handlerutils"
	"github.com/keybridge-labs/authd/pkg/logger"
	"github.com/keybridge-labs/authd/pkg/notify"
	"github.com/keybridge-labs/authd/pkg/ratelimit"
	"github.com/keybridge-labs/authd/pkg/tokens"
	"github.com/keybridge-labs/authd/pkg/types"
)

const maxBodyBytes = 64 * 1024

// PrincipalStore resolves principals and their MFA state, and applies
// password resets.
type PrincipalStore interface {
	GetPrincipal(ctx context.Context, id string) (*types.Principal, error)
	GetPrincipalByEmail(ctx context.Context, email string) (*types.Principal, error)
	GetMFAState(ctx context.Context, principalID string) (*types.MFAState, error)
	UpdatePassword(ctx context.Context, principalID, passwordHash string) error
}

// SessionManager is the token lifecycle surface the handlers drive.
type SessionManager interface {
	IssuePair(ctx context.Context, p *types.Principal) (*tokens.Pair, error)
	Refresh(ctx context.Context, oldRefresh string, caller *types.Principal) (*tokens.Pair, error)
	Logout(ctx context.Context, token string, caller *types.Principal) error
}

// TokenReader decodes a presented token so its subject can be resolved
// before the lifecycle manager re-validates ownership.
type TokenReader interface {
	Validate(token string) (*tokens.ValidatedToken, error)
}

// ChallengeCreator opens an MFA login challenge for a password-verified
// principal.
type ChallengeCreator interface {
	CreateLoginChallenge(ctx context.Context, principal *types.Principal) (string, error)
}

type Handler struct {
	db           PrincipalStore
	sessions     SessionManager
	reader       TokenReader
	mfa          ChallengeCreator
	store        ephemeral.Store
	notifier     notify.Notifier
	limiter      *ratelimit.Limiter
	resetLimiter *ratelimit.Limiter
	notFound     func(error) bool
}

// Config wires a Handler.
type Config struct {
	DB       PrincipalStore
	Sessions SessionManager
	Reader   TokenReader
	MFA      ChallengeCreator
	// Store holds one-shot password-reset tokens.
	Store ephemeral.Store
	// Notifier delivers reset tokens out of band.
	Notifier notify.Notifier
	// Limiter bounds password attempts per account and per client IP.
	// Optional.
	Limiter *ratelimit.Limiter
	// ResetLimiter bounds reset-token requests per account. Optional.
	ResetLimiter *ratelimit.Limiter
	// NotFound recognizes the durable store's miss error.
	NotFound func(error) bool
}

func NewHandler(cfg Config) *Handler {
	return &Handler{
		db:           cfg.DB,
		sessions:     cfg.Sessions,
		reader:       cfg.Reader,
		mfa:          cfg.MFA,
		store:        cfg.Store,
		notifier:     cfg.Notifier,
		limiter:      cfg.Limiter,
		resetLimiter: cfg.ResetLimiter,
		notFound:     cfg.NotFound,
	}
}

// Register mounts the session endpoints on the mux.
func (p *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /login", p.login)
	mux.HandleFunc("POST /refresh", p.refresh)
	mux.HandleFunc("POST /logout", p.logout)
	mux.HandleFunc("POST /password-reset/request", p.requestPasswordReset)
	mux.HandleFunc("POST /password-reset/confirm", p.confirmPasswordReset)
}

func (p *Handler) login(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if !decode(w, r, &body) {
		return
	}
	if body.Email == "" || body.Password == "" {
		handlerutils.JSON(w, http.StatusBadRequest, types.OAuthError{
			Error:            "invalid_request",
			ErrorDescription: "email and password are required",
		})
		return
	}

	if p.limiter != nil {
		// Two counters: per claimed account, and per source address so a
		// single host cannot spray attempts across many accounts.
		if err := p.limiter.Check(r.Context(), "login:"+ephemeral.HashKey(body.Email)); err != nil {
			writeSessionError(w, err)
			return
		}
		ip := handlerutils.GetClientIP(r)
		if err := p.limiter.Check(r.Context(), "login:ip:"+ephemeral.HashKey(ip)); err != nil {
			writeSessionError(w, err)
			return
		}
	}

	principal, err := p.db.GetPrincipalByEmail(r.Context(), body.Email)
	if err != nil {
		if p.notFound != nil && p.notFound(err) {
			// Same response as a bad password so accounts can't be probed.
			writeInvalidCredentials(w)
			return
		}
		writeSessionError(w, err)
		return
	}
	if bcrypt.CompareHashAndPassword([]byte(principal.PasswordHash), []byte(body.Password)) != nil {
		writeInvalidCredentials(w)
		return
	}

	if p.mfaEnabled(r.Context(), principal.ID) {
		challenge, err := p.mfa.CreateLoginChallenge(r.Context(), principal)
		if err != nil {
			writeSessionError(w, err)
			return
		}
		handlerutils.JSON(w, http.StatusOK, map[string]any{
			"mfa_required":    true,
			"challenge_token": challenge,
		})
		return
	}

	pair, err := p.sessions.IssuePair(r.Context(), principal)
	if err != nil {
		writeSessionError(w, err)
		return
	}
	writePair(w, pair)
}

func (p *Handler) refresh(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RefreshToken string `json:"refresh_token"`
	}
	if !decode(w, r, &body) {
		return
	}
	if body.RefreshToken == "" {
		handlerutils.JSON(w, http.StatusBadRequest, types.OAuthError{
			Error:            "invalid_request",
			ErrorDescription: "refresh_token is required",
		})
		return
	}

	caller, ok := p.resolveSubject(w, r, body.RefreshToken)
	if !ok {
		return
	}

	pair, err := p.sessions.Refresh(r.Context(), body.RefreshToken, caller)
	if err != nil {
		writeSessionError(w, err)
		return
	}
	writePair(w, pair)
}

func (p *Handler) logout(w http.ResponseWriter, r *http.Request) {
	token := handlerutils.BearerToken(r)
	if token == "" {
		handlerutils.JSON(w, http.StatusUnauthorized, types.OAuthError{
			Error:            "access_denied",
			ErrorDescription: "Authentication required",
		})
		return
	}

	caller, ok := p.resolveSubject(w, r, token)
	if !ok {
		return
	}

	if err := p.sessions.Logout(r.Context(), token, caller); err != nil {
		writeSessionError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// resolveSubject decodes the token and loads its owning principal. The
// lifecycle manager re-checks ownership and version itself; this only
// resolves who the caller claims to be.
func (p *Handler) resolveSubject(w http.ResponseWriter, r *http.Request, token string) (*types.Principal, bool) {
	validated, err := p.reader.Validate(token)
	if err != nil {
		writeSessionError(w, err)
		return nil, false
	}
	sub, err := validated.Subject()
	if err != nil {
		writeSessionError(w, err)
		return nil, false
	}
	principal, err := p.db.GetPrincipal(r.Context(), sub)
	if err != nil {
		if p.notFound != nil && p.notFound(err) {
			writeSessionError(w, tokens.ErrTokenInvalid)
			return nil, false
		}
		writeSessionError(w, err)
		return nil, false
	}
	return principal, true
}

func (p *Handler) mfaEnabled(ctx context.Context, principalID string) bool {
	state, err := p.db.GetMFAState(ctx, principalID)
	if err != nil {
		if p.notFound == nil || !p.notFound(err) {
			logger.Errorf("failed to load MFA state for %s: %v", principalID, err)
		}
		return false
	}
	return state.Enabled
}

func writePair(w http.ResponseWriter, pair *tokens.Pair) {
	handlerutils.JSON(w, http.StatusOK, types.TokenResponse{
		AccessToken:  pair.AccessToken,
		TokenType:    "Bearer",
		ExpiresIn:    pair.ExpiresIn,
		RefreshToken: pair.RefreshToken,
	})
}

func writeInvalidCredentials(w http.ResponseWriter) {
	handlerutils.JSON(w, http.StatusUnauthorized, types.OAuthError{
		Error:            "access_denied",
		ErrorDescription: "Invalid credentials",
	})
}

func decode(w http.ResponseWriter, r *http.Request, out any) bool {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(out); err != nil {
		handlerutils.JSON(w, http.StatusBadRequest, types.OAuthError{
			Error:            "invalid_request",
			ErrorDescription: "Invalid JSON payload",
		})
		return false
	}
	return true
}

func writeSessionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, tokens.ErrReplayDetected):
		handlerutils.JSON(w, http.StatusUnauthorized, types.OAuthError{
			Error:            "invalid_grant",
			ErrorDescription: "Token has already been used",
		})
	case errors.Is(err, tokens.ErrTokenExpired),
		errors.Is(err, tokens.ErrTokenInvalid),
		errors.Is(err, tokens.ErrMissingClaims):
		handlerutils.JSON(w, http.StatusUnauthorized, types.OAuthError{
			Error:            "invalid_grant",
			ErrorDescription: "Token is invalid or expired",
		})
	case errors.Is(err, ratelimit.ErrTooManyRequests):
		handlerutils.JSON(w, http.StatusTooManyRequests, types.OAuthError{
			Error:            "slow_down",
			ErrorDescription: "Too many attempts",
		})
	case errors.Is(err, ephemeral.ErrUnavailable):
		handlerutils.JSON(w, http.StatusServiceUnavailable, types.OAuthError{
			Error:            "temporarily_unavailable",
			ErrorDescription: "Backing store unavailable, retry later",
		})
	default:
		handlerutils.JSON(w, http.StatusInternalServerError, types.OAuthError{
			Error:            "server_error",
			ErrorDescription: "Internal error",
		})
	}
}
