// Package token serves the /token endpoint for the authorization_code,
// client_credentials and refresh_token grants.
package token

import (
	"context"
	"net/http"
	"strings"

	"github.com/keybridge-labs/authd/pkg/handlerutils"
	"github.com/keybridge-labs/authd/pkg/oauth"
	"github.com/keybridge-labs/authd/pkg/oauth/flow"
	"github.com/keybridge-labs/authd/pkg/types"
)

// Exchanger runs the token grant flows.
type Exchanger interface {
	Token(ctx context.Context, req flow.TokenRequest) (*types.TokenResponse, error)
}

type Handler struct {
	flows Exchanger
}

func NewHandler(flows Exchanger) http.Handler {
	return &Handler{
		flows: flows,
	}
}

func (p *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		handlerutils.JSON(w, http.StatusBadRequest, types.OAuthError{
			Error:            "invalid_request",
			ErrorDescription: "Invalid request body",
		})
		return
	}

	grantType := r.FormValue("grant_type")
	if grantType == "" {
		handlerutils.JSON(w, http.StatusBadRequest, types.OAuthError{
			Error:            "invalid_request",
			ErrorDescription: "grant_type is required",
		})
		return
	}
	switch grantType {
	case flow.GrantAuthorizationCode, flow.GrantClientCredentials, flow.GrantRefreshToken:
	default:
		handlerutils.JSON(w, http.StatusBadRequest, types.OAuthError{
			Error:            "unsupported_grant_type",
			ErrorDescription: "The grant type is not supported by this authorization server",
		})
		return
	}

	var scopes []string
	if scope := r.FormValue("scope"); scope != "" {
		scopes = strings.Fields(scope)
	}

	resp, err := p.flows.Token(r.Context(), flow.TokenRequest{
		GrantType:    grantType,
		ClientID:     r.FormValue("client_id"),
		ClientSecret: r.FormValue("client_secret"),
		Code:         r.FormValue("code"),
		CodeVerifier: r.FormValue("code_verifier"),
		RedirectURI:  r.FormValue("redirect_uri"),
		Scopes:       scopes,
		RefreshToken: r.FormValue("refresh_token"),
	})
	if err != nil {
		oauth.WriteError(w, err)
		return
	}

	handlerutils.JSON(w, http.StatusOK, resp)
}
