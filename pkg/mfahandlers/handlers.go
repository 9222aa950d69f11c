// Package mfahandlers serves the MFA management endpoints and the
// first-party login step that produces the MFA challenge.
package mfahandlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/keybridge-labs/authd/pkg/ephemeral"
	"github.com/keybridge-labs/authd/pkg/handlerutils"
	"github.com/keybridge-labs/authd/pkg/mfa"
	"github.com/keybridge-labs/authd/pkg/ratelimit"
	"github.com/keybridge-labs/authd/pkg/tokens"
	"github.com/keybridge-labs/authd/pkg/types"
)

const maxBodyBytes = 64 * 1024

// Service is the MFA operations surface.
type Service interface {
	Setup(ctx context.Context, principal *types.Principal) (*mfa.SetupResult, error)
	VerifySetup(ctx context.Context, principal *types.Principal, code string) (bool, error)
	Enable(ctx context.Context, principal *types.Principal) ([]string, error)
	RegenerateBackupCodes(ctx context.Context, principal *types.Principal) ([]string, error)
	Disable(ctx context.Context, principal *types.Principal, password, code string) error
	VerifyLoginChallenge(ctx context.Context, challengeToken, code string) (*tokens.Pair, error)
}

// AccessValidator authenticates the calling principal from a bearer token.
type AccessValidator interface {
	ValidateAccess(ctx context.Context, token string) (*tokens.ValidatedToken, *types.Principal, error)
}

type Handler struct {
	svc  Service
	auth AccessValidator
}

// NewHandler builds the MFA management handler set.
func NewHandler(svc Service, auth AccessValidator) *Handler {
	return &Handler{
		svc:  svc,
		auth: auth,
	}
}

// Register mounts the MFA endpoints on the mux.
func (p *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /mfa/setup", p.setup)
	mux.HandleFunc("POST /mfa/verify", p.verify)
	mux.HandleFunc("POST /mfa/enable", p.enable)
	mux.HandleFunc("POST /mfa/backup-codes", p.regenerate)
	mux.HandleFunc("POST /mfa/disable", p.disable)
	mux.HandleFunc("POST /mfa/login/verify", p.verifyLogin)
}

func (p *Handler) setup(w http.ResponseWriter, r *http.Request) {
	principal, ok := p.authenticate(w, r)
	if !ok {
		return
	}

	result, err := p.svc.Setup(r.Context(), principal)
	if err != nil {
		writeMFAError(w, err)
		return
	}

	handlerutils.JSON(w, http.StatusOK, map[string]any{
		"secret":      result.Secret,
		"otpauth_uri": result.URI,
		"qr_png":      result.QRPNG,
	})
}

func (p *Handler) verify(w http.ResponseWriter, r *http.Request) {
	principal, ok := p.authenticate(w, r)
	if !ok {
		return
	}
	var body struct {
		Code string `json:"code"`
	}
	if !decode(w, r, &body) {
		return
	}

	verified, err := p.svc.VerifySetup(r.Context(), principal, body.Code)
	if err != nil {
		writeMFAError(w, err)
		return
	}

	handlerutils.JSON(w, http.StatusOK, map[string]any{"verified": verified})
}

func (p *Handler) enable(w http.ResponseWriter, r *http.Request) {
	principal, ok := p.authenticate(w, r)
	if !ok {
		return
	}

	codes, err := p.svc.Enable(r.Context(), principal)
	if err != nil {
		writeMFAError(w, err)
		return
	}

	handlerutils.JSON(w, http.StatusOK, map[string]any{"backup_codes": codes})
}

func (p *Handler) regenerate(w http.ResponseWriter, r *http.Request) {
	principal, ok := p.authenticate(w, r)
	if !ok {
		return
	}

	codes, err := p.svc.RegenerateBackupCodes(r.Context(), principal)
	if err != nil {
		writeMFAError(w, err)
		return
	}

	handlerutils.JSON(w, http.StatusOK, map[string]any{"backup_codes": codes})
}

func (p *Handler) disable(w http.ResponseWriter, r *http.Request) {
	principal, ok := p.authenticate(w, r)
	if !ok {
		return
	}
	var body struct {
		Password string `json:"password"`
		Code     string `json:"code"`
	}
	if !decode(w, r, &body) {
		return
	}

	if err := p.svc.Disable(r.Context(), principal, body.Password, body.Code); err != nil {
		writeMFAError(w, err)
		return
	}

	handlerutils.JSON(w, http.StatusOK, map[string]any{"disabled": true})
}

func (p *Handler) verifyLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ChallengeToken string `json:"challenge_token"`
		Code           string `json:"code"`
	}
	if !decode(w, r, &body) {
		return
	}

	pair, err := p.svc.VerifyLoginChallenge(r.Context(), body.ChallengeToken, body.Code)
	if err != nil {
		writeMFAError(w, err)
		return
	}

	handlerutils.JSON(w, http.StatusOK, types.TokenResponse{
		AccessToken:  pair.AccessToken,
		TokenType:    "Bearer",
		ExpiresIn:    pair.ExpiresIn,
		RefreshToken: pair.RefreshToken,
	})
}

func (p *Handler) authenticate(w http.ResponseWriter, r *http.Request) (*types.Principal, bool) {
	bearer := handlerutils.BearerToken(r)
	if bearer == "" {
		handlerutils.JSON(w, http.StatusUnauthorized, types.OAuthError{
			Error:            "access_denied",
			ErrorDescription: "Authentication required",
		})
		return nil, false
	}
	_, principal, err := p.auth.ValidateAccess(r.Context(), bearer)
	if err != nil {
		handlerutils.JSON(w, http.StatusUnauthorized, types.OAuthError{
			Error:            "access_denied",
			ErrorDescription: "Authentication required",
		})
		return nil, false
	}
	return principal, true
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

func writeMFAError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, mfa.ErrAlreadyEnabled),
		errors.Is(err, mfa.ErrNotEnabled),
		errors.Is(err, mfa.ErrSetupIncomplete):
		handlerutils.JSON(w, http.StatusConflict, types.OAuthError{
			Error:            "invalid_state",
			ErrorDescription: err.Error(),
		})
	case errors.Is(err, mfa.ErrCodeInvalid),
		errors.Is(err, mfa.ErrPasswordInvalid),
		errors.Is(err, mfa.ErrInvalidLoginChallenge):
		handlerutils.JSON(w, http.StatusUnauthorized, types.OAuthError{
			Error:            "access_denied",
			ErrorDescription: err.Error(),
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
